// Package export forwards bridged topic traffic to Google Cloud Pub/Sub.
package export

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// Config holds configuration for the Pub/Sub exporter.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
	// Topics limits export to these bus topics. Empty exports every topic.
	Topics      []string      `yaml:"topics"`
	BatchSize   int           `yaml:"batch_size"`  // Pub/Sub CountThreshold.
	BatchDelay  time.Duration `yaml:"batch_delay"` // Pub/Sub DelayThreshold.
	InputBuffer int           `yaml:"input_buffer"`

	TopicExistsTimeout         time.Duration `yaml:"topic_exists_timeout"`
	PublishConfirmationTimeout time.Duration `yaml:"publish_confirmation_timeout"`
}

// NewPubsubExporterDefaults provides a config with sensible defaults,
// overridable from PUBSUB_EXPORT_* environment variables.
func NewPubsubExporterDefaults() *Config {
	cfg := &Config{
		BatchSize:                  100,
		BatchDelay:                 100 * time.Millisecond,
		InputBuffer:                1000,
		TopicExistsTimeout:         15 * time.Second,
		PublishConfirmationTimeout: 20 * time.Second,
	}
	if bs := os.Getenv("PUBSUB_EXPORT_BATCH_SIZE"); bs != "" {
		if val, err := strconv.Atoi(bs); err == nil {
			cfg.BatchSize = val
		}
	}
	if bd := os.Getenv("PUBSUB_EXPORT_BATCH_DELAY"); bd != "" {
		if val, err := time.ParseDuration(bd); err == nil {
			cfg.BatchDelay = val
		}
	}
	if ib := os.Getenv("PUBSUB_EXPORT_INPUT_BUFFER"); ib != "" {
		if val, err := strconv.Atoi(ib); err == nil {
			cfg.InputBuffer = val
		}
	}
	return cfg
}

type record struct {
	topic    string
	typeName string
	frame    []byte
}

// PubsubExporter publishes outbound bridge frames to a Pub/Sub topic. Offer
// never blocks: when the input buffer is full the frame is dropped and counted.
type PubsubExporter struct {
	topic   *pubsub.Topic
	filter  map[string]struct{}
	logger  zerolog.Logger
	input   chan record
	wg      sync.WaitGroup
	confirm sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	publishConfirmationTimeout time.Duration

	published atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewPubsubExporter creates a new PubsubExporter.
// It validates the topic's existence before returning a functional exporter.
func NewPubsubExporter(
	ctx context.Context,
	cfg *Config,
	client *pubsub.Client,
	logger zerolog.Logger,
) (*PubsubExporter, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil for exporter")
	}
	if cfg.InputBuffer <= 0 {
		logger.Warn().Int("invalid_buffer", cfg.InputBuffer).Msg("InputBuffer is non-positive; defaulting to 1000.")
		cfg.InputBuffer = 1000
	}

	topic := client.Topic(cfg.TopicID)
	topic.PublishSettings.DelayThreshold = cfg.BatchDelay
	topic.PublishSettings.CountThreshold = cfg.BatchSize
	topic.PublishSettings.Timeout = 10 * time.Second

	existsCtx, cancel := context.WithTimeout(ctx, cfg.TopicExistsTimeout)
	defer cancel()
	exists, err := topic.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", cfg.TopicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", cfg.TopicID)
	}

	var filter map[string]struct{}
	if len(cfg.Topics) > 0 {
		filter = make(map[string]struct{}, len(cfg.Topics))
		for _, t := range cfg.Topics {
			filter[t] = struct{}{}
		}
	}

	logger.Info().Str("topic_id", cfg.TopicID).Int("exported_topics", len(cfg.Topics)).Msg("PubsubExporter initialized successfully.")
	return &PubsubExporter{
		topic:                      topic,
		filter:                     filter,
		logger:                     logger.With().Str("component", "PubsubExporter").Str("topic_id", cfg.TopicID).Logger(),
		input:                      make(chan record, cfg.InputBuffer),
		publishConfirmationTimeout: cfg.PublishConfirmationTimeout,
	}, nil
}

// Offer queues one frame for export. Frames for topics outside the filter,
// and frames offered after Stop, are ignored.
func (p *PubsubExporter) Offer(topic, typeName string, frame []byte) {
	if p.filter != nil {
		if _, ok := p.filter[topic]; !ok {
			return
		}
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.input <- record{topic: topic, typeName: typeName, frame: frame}:
	default:
		n := p.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			p.logger.Warn().Str("topic", topic).Uint64("dropped_total", n).Msg("Export buffer full, dropping frame.")
		}
	}
}

// Start initiates the exporter's publishing loop.
func (p *PubsubExporter) Start(ctx context.Context) {
	p.logger.Info().Msg("Starting Pub/Sub exporter...")
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for rec := range p.input {
			p.publish(ctx, rec)
		}
		p.logger.Info().Msg("Exporter input channel closed, stopping publishing loop.")
	}()
}

func (p *PubsubExporter) publish(ctx context.Context, rec record) {
	res := p.topic.Publish(ctx, &pubsub.Message{
		Data: rec.frame,
		Attributes: map[string]string{
			"topic": rec.topic,
			"type":  rec.typeName,
		},
	})
	p.confirm.Add(1)
	go p.confirmPublish(res, rec.topic)
}

// confirmPublish waits for the result of a single publish operation.
func (p *PubsubExporter) confirmPublish(res *pubsub.PublishResult, topic string) {
	defer p.confirm.Done()
	getCtx, cancel := context.WithTimeout(context.Background(), p.publishConfirmationTimeout)
	defer cancel()

	msgID, err := res.Get(getCtx)
	if err != nil {
		p.failed.Add(1)
		p.logger.Error().Err(err).Str("topic", topic).Msg("Failed to get publish result.")
		return
	}
	p.published.Add(1)
	p.logger.Debug().Str("topic", topic).Str("pubsub_msg_id", msgID).Msg("Frame exported.")
}

// Stats returns the published, failed and dropped counts.
func (p *PubsubExporter) Stats() (published, failed, dropped uint64) {
	return p.published.Load(), p.failed.Load(), p.dropped.Load()
}

// Stop stops accepting frames, drains the buffer and flushes outstanding
// messages to Pub/Sub, respecting the provided context's timeout.
func (p *PubsubExporter) Stop(ctx context.Context) error {
	p.logger.Info().Msg("Stopping Pub/Sub exporter...")
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.input)
	p.mu.Unlock()

	stopDone := make(chan struct{})
	go func() {
		p.wg.Wait()
		p.topic.Stop()
		p.confirm.Wait()
		close(stopDone)
	}()
	select {
	case <-stopDone:
		p.logger.Info().Msg("Pub/Sub exporter stopped gracefully.")
		return nil
	case <-ctx.Done():
		p.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for Pub/Sub topic to flush and stop.")
		return ctx.Err()
	}
}
