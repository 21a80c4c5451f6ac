// Package gateway bridges bus topics to WebSocket clients. Bus traffic flows
// through an IngestQueue into a dispatcher that encodes each message once and
// broadcasts it; client control frames flow back to the subscription and
// publisher registries. All registry state lives on a single Loop goroutine.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/illmade-knight/go-robobridge/pkg/codec"
	"github.com/illmade-knight/go-robobridge/pkg/messagepipeline"
	"github.com/illmade-knight/go-robobridge/pkg/middleware"
	"github.com/illmade-knight/go-robobridge/pkg/msgs"
	"github.com/illmade-knight/go-robobridge/pkg/qos"
	"github.com/illmade-knight/go-robobridge/pkg/topology"
	"github.com/illmade-knight/go-robobridge/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Config holds the gateway's tunables.
type Config struct {
	MaxConnections int
	Ingest         messagepipeline.IngestQueueConfig
	RecentCapacity int
	// LogEvery controls per topic arrival logging: the first message and
	// every LogEvery-th one after it.
	LogEvery       uint64
	SpinTimeout    time.Duration
	SpinInterval   time.Duration
	SendBuffer     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxFrameBytes  int64
	DataCheckDelay time.Duration
	DomainID       int
	AllowedOrigins []string
}

// DefaultConfig returns the standard gateway configuration.
func DefaultConfig() Config {
	return Config{
		MaxConnections: 100,
		Ingest:         messagepipeline.NewIngestQueueDefaults(),
		RecentCapacity: DefaultRecentCapacity,
		LogEvery:       50,
		SpinTimeout:    10 * time.Millisecond,
		SpinInterval:   time.Millisecond,
		SendBuffer:     256,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		MaxFrameBytes:  64 << 20,
		DataCheckDelay: 10 * time.Second,
		AllowedOrigins: []string{"*"},
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.MaxConnections <= 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.RecentCapacity <= 0 {
		c.RecentCapacity = def.RecentCapacity
	}
	if c.LogEvery == 0 {
		c.LogEvery = def.LogEvery
	}
	if c.SpinTimeout <= 0 {
		c.SpinTimeout = def.SpinTimeout
	}
	if c.SpinInterval <= 0 {
		c.SpinInterval = def.SpinInterval
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = def.SendBuffer
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = def.MaxFrameBytes
	}
	if c.AllowedOrigins == nil {
		c.AllowedOrigins = def.AllowedOrigins
	}
}

// Exporter receives a copy of every dispatched frame. Offer must not block.
type Exporter interface {
	Offer(topic, typeName string, frame []byte)
}

// TopologySource provides node level discovery for the node projections.
type TopologySource interface {
	Snapshot(ctx context.Context, useCache bool) (*types.TopologySnapshot, error)
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithExporter forwards dispatched frames to e.
func WithExporter(e Exporter) Option {
	return func(g *Gateway) { g.exporter = e }
}

// WithMetrics records gateway metrics into m.
func WithMetrics(m *Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithTopology uses src for node projections instead of a private analyzer.
func WithTopology(src TopologySource) Option {
	return func(g *Gateway) { g.topology = src }
}

// outbound is a message encoded once for every recipient.
type outbound struct {
	Topic      string
	TypeName   string
	Msg        map[string]any
	Frame      []byte
	ReceivedAt time.Time
}

// Gateway is the bridge between a Bus and WebSocket clients. It implements
// http.Handler for the WebSocket endpoint.
type Gateway struct {
	cfg        Config
	bus        middleware.Bus
	codec      *codec.Codec
	negotiator *qos.Negotiator
	topology   TopologySource
	exporter   Exporter
	metrics    *Metrics
	logger     zerolog.Logger

	loop       *Loop
	conns      *Registry
	subs       *SubscriptionManager
	pubs       *PublisherRegistry
	recent     *RecentMessageCache
	stats      *TopicStats
	queue      *messagepipeline.IngestQueue
	dispatcher *messagepipeline.StreamingService[outbound]
	upgrader   websocket.Upgrader

	accepting  atomic.Bool
	startedAt  time.Time
	runCtx     context.Context
	cancelRun  context.CancelFunc
	spinCancel context.CancelFunc
	spinGroup  *errgroup.Group
	stopOnce   sync.Once

	timersMu sync.Mutex
	timers   []*time.Timer
}

// New creates a Gateway. It does not touch the bus until Start.
func New(
	cfg Config,
	bus middleware.Bus,
	c *codec.Codec,
	negotiator *qos.Negotiator,
	logger zerolog.Logger,
	opts ...Option,
) (*Gateway, error) {
	if bus == nil {
		return nil, errors.New("bus cannot be nil")
	}
	if c == nil {
		return nil, errors.New("codec cannot be nil")
	}
	if negotiator == nil {
		return nil, errors.New("negotiator cannot be nil")
	}
	cfg.applyDefaults()

	g := &Gateway{
		cfg:        cfg,
		bus:        bus,
		codec:      c,
		negotiator: negotiator,
		logger:     logger.With().Str("component", "Gateway").Logger(),
		runCtx:     context.Background(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.topology == nil {
		g.topology = topology.NewAnalyzer(bus, logger)
	}

	g.loop = NewLoop(1024, logger)
	g.conns = NewRegistry(cfg.MaxConnections, g.metrics, logger)
	g.recent = NewRecentMessageCache(cfg.RecentCapacity)
	g.stats = NewTopicStats(defaultStatsWindow)
	g.pubs = NewPublisherRegistry(bus, negotiator, c, logger)
	g.subs = NewSubscriptionManager(bus, negotiator, c.Registry(), g.loop, g.conns, g.ingest, g.subscriptionFailed, logger)
	g.subs.onCreated = g.scheduleDataCheck
	g.queue = messagepipeline.NewIngestQueue(cfg.Ingest, logger)

	dispatcher, err := messagepipeline.NewStreamingService[outbound](
		messagepipeline.StreamingServiceConfig{NumWorkers: 1},
		g.queue,
		g.encode,
		g.dispatch,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}
	g.dispatcher = dispatcher

	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return g, nil
}

// Start runs the loop, the dispatcher and the bus spinner.
func (g *Gateway) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	g.runCtx, g.cancelRun = runCtx, cancel
	g.startedAt = time.Now()

	go g.loop.Run(runCtx)

	if err := g.dispatcher.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	spinCtx, spinCancel := context.WithCancel(runCtx)
	group, groupCtx := errgroup.WithContext(spinCtx)
	group.Go(func() error { return g.spin(groupCtx) })
	g.spinCancel, g.spinGroup = spinCancel, group

	g.accepting.Store(true)
	g.logger.Info().
		Int("max_connections", g.cfg.MaxConnections).
		Int("queue_capacity", g.queue.Cap()).
		Str("node", g.bus.NodeName()).
		Msg("Gateway started.")
	return nil
}

// Stop shuts the gateway down: new control traffic is refused, the spinner
// and dispatcher are stopped, bus endpoints are released, then every client
// is closed with CloseCodeShutdown.
func (g *Gateway) Stop(ctx context.Context) error {
	var stopErr error
	g.stopOnce.Do(func() {
		if g.cancelRun == nil {
			return
		}
		g.logger.Info().Msg("Stopping gateway...")
		g.accepting.Store(false)

		g.spinCancel()
		if err := g.spinGroup.Wait(); err != nil {
			g.logger.Warn().Err(err).Msg("Bus spinner exited with error.")
		}
		if err := g.dispatcher.Stop(ctx); err != nil {
			g.logger.Warn().Err(err).Msg("Dispatcher did not drain in time.")
			stopErr = err
		}

		g.stopDataChecks()
		if err := g.loop.Call(ctx, func() {
			g.subs.CloseAll()
			g.pubs.CloseAll()
		}); err != nil {
			g.logger.Warn().Err(err).Msg("Could not release bus endpoints on the loop.")
		}
		if err := g.bus.Close(); err != nil {
			g.logger.Warn().Err(err).Msg("Error closing bus.")
		}

		if err := g.loop.Call(ctx, func() {
			g.conns.CloseAll(CloseCodeShutdown, "Gateway shutting down")
		}); err != nil {
			g.logger.Warn().Err(err).Msg("Could not close clients on the loop.")
		}
		g.loop.Stop()
		select {
		case <-g.loop.Done():
		case <-ctx.Done():
			stopErr = ctx.Err()
		}
		g.cancelRun()
		g.logger.Info().Uint64("ingest_dropped", g.queue.Dropped()).Msg("Gateway stopped.")
	})
	return stopErr
}

// spin polls the bus so its callbacks run, pausing briefly between polls.
func (g *Gateway) spin(ctx context.Context) error {
	var failures uint64
	for {
		if err := g.bus.SpinOnce(ctx, g.cfg.SpinTimeout); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, middleware.ErrClosed) {
				g.logger.Info().Msg("Bus closed, spinner exiting.")
				return nil
			}
			failures++
			if failures == 1 || failures%100 == 0 {
				g.logger.Warn().Err(err).Uint64("failures", failures).Msg("Bus spin failed.")
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(g.cfg.SpinInterval):
		}
	}
}

// ingest builds the bus callback for topic. It runs on the bus delivery
// goroutine and only hands the message to the queue.
func (g *Gateway) ingest(topic string) middleware.Callback {
	return func(msg msgs.Message) {
		g.metrics.enqueued(g.queue.Enqueue(topic, msg, time.Now()))
	}
}

// QueueStats returns the ingest queue counters.
func (g *Gateway) QueueStats() (enqueued, dropped uint64) {
	return g.queue.Enqueued(), g.queue.Dropped()
}

func (g *Gateway) scheduleDataCheck(sub *TopicSubscription) {
	if g.cfg.DataCheckDelay <= 0 {
		return
	}
	topic := sub.Topic
	t := time.AfterFunc(g.cfg.DataCheckDelay, func() { g.checkTopicData(topic) })
	g.timersMu.Lock()
	g.timers = append(g.timers, t)
	g.timersMu.Unlock()
}

func (g *Gateway) stopDataChecks() {
	g.timersMu.Lock()
	defer g.timersMu.Unlock()
	for _, t := range g.timers {
		t.Stop()
	}
	g.timers = nil
}

// checkTopicData warns about subscriptions that have not seen any traffic.
func (g *Gateway) checkTopicData(topic string) {
	var count uint64
	if err := g.loop.Call(g.runCtx, func() { count = g.stats.Count(topic) }); err != nil || count > 0 {
		return
	}
	infos, err := g.bus.PublishersInfoByTopic(g.runCtx, topic)
	if err != nil {
		g.logger.Warn().Err(err).Str("topic", topic).Msg("No data received and publisher lookup failed.")
		return
	}
	if len(infos) == 0 {
		g.logger.Warn().Str("topic", topic).Dur("after", g.cfg.DataCheckDelay).Msg("No data received, topic has no publishers.")
		return
	}
	for _, info := range infos {
		g.logger.Warn().Str("topic", topic).
			Str("publisher_node", info.NodeName).
			Str("publisher_reliability", info.QoS.Reliability.String()).
			Str("publisher_durability", info.QoS.Durability.String()).
			Msg("No data received despite publishers, check QoS compatibility.")
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
