// Package mqttbus carries the robot bus over an MQTT broker. Each bus topic
// maps to one MQTT data topic; nodes describe their endpoints with retained
// announcements that double as the discovery graph.
package mqttbus

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/illmade-knight/go-robobridge/pkg/middleware"
	"github.com/illmade-knight/go-robobridge/pkg/msgs"
	"github.com/rs/zerolog"
)

type inbound struct {
	topic string
	msg   msgs.Message
}

var _ middleware.Bus = (*Bus)(nil)

// Bus implements middleware.Bus on top of a Paho MQTT client.
type Bus struct {
	nodeName   string
	cfg        *Config
	pahoClient mqtt.Client
	registry   *msgs.Registry
	logger     zerolog.Logger

	mu      sync.Mutex
	remote  map[string]announcement // keyed by announce topic
	subs    map[string][]*subscription
	pubs    map[string][]*publisher
	closed  bool
	inbox   chan inbound
	dropped atomic.Uint64
}

// New creates a Bus with a Paho client built from cfg. Call Connect before use.
func New(nodeName string, cfg *Config, registry *msgs.Registry, logger zerolog.Logger) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := newBus(nodeName, cfg, registry, logger)
	b.pahoClient = mqtt.NewClient(b.createMqttOptions())
	return b, nil
}

// NewWithClient creates a Bus around an existing client.
func NewWithClient(client mqtt.Client, nodeName string, cfg *Config, registry *msgs.Registry, logger zerolog.Logger) *Bus {
	b := newBus(nodeName, cfg, registry, logger)
	b.pahoClient = client
	return b
}

func newBus(nodeName string, cfg *Config, registry *msgs.Registry, logger zerolog.Logger) *Bus {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultConfig().InboxSize
	}
	return &Bus{
		nodeName: nodeName,
		cfg:      cfg,
		registry: registry,
		logger:   logger.With().Str("component", "MqttBus").Logger(),
		remote:   make(map[string]announcement),
		subs:     make(map[string][]*subscription),
		pubs:     make(map[string][]*publisher),
		inbox:    make(chan inbound, cfg.InboxSize),
	}
}

// Connect connects to the broker, subscribes to announcements and announces
// this node.
func (b *Bus) Connect(ctx context.Context) error {
	b.logger.Info().Str("broker", b.cfg.BrokerURL).Msg("Attempting to connect to MQTT broker...")
	token := b.pahoClient.Connect()
	if err := b.wait(ctx, token); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	b.logger.Info().Msg("Initial connection to MQTT broker successful.")
	// Resubscribing is idempotent, so running this again from the connect
	// handler is harmless.
	return b.onConnect(ctx)
}

func (b *Bus) wait(ctx context.Context, token mqtt.Token) error {
	timer := time.NewTimer(b.cfg.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", b.cfg.ConnectTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) onConnect(ctx context.Context) error {
	filter := b.cfg.AnnouncePrefix + "/#"
	if err := b.wait(ctx, b.pahoClient.Subscribe(filter, 1, b.handleAnnouncement)); err != nil {
		return fmt.Errorf("failed to subscribe to announcements: %w", err)
	}

	b.mu.Lock()
	topics := make(map[string]byte, len(b.subs))
	for topic, subs := range b.subs {
		if len(subs) > 0 {
			topics[b.dataTopic(topic)] = qosByte(subs[0].qos)
		}
	}
	b.mu.Unlock()
	for mqttTopic, q := range topics {
		if err := b.wait(ctx, b.pahoClient.Subscribe(mqttTopic, q, b.handleData)); err != nil {
			b.logger.Error().Err(err).Str("mqtt_topic", mqttTopic).Msg("Failed to resubscribe to MQTT topic.")
		}
	}
	b.announce()
	return nil
}

// NodeName implements middleware.Bus.
func (b *Bus) NodeName() string { return b.nodeName }

// Dropped returns the number of broker messages dropped because the inbox was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

func (b *Bus) dataTopic(topic string) string {
	return b.cfg.TopicPrefix + "/" + levelFor(topic)
}

func (b *Bus) busTopic(mqttTopic string) string {
	return "/" + strings.TrimPrefix(mqttTopic, b.cfg.TopicPrefix+"/")
}

func (b *Bus) announceTopic(node string) string {
	return b.cfg.AnnouncePrefix + "/" + levelFor(node)
}

// handleAnnouncement records remote node announcements. An empty retained
// payload removes the node.
func (b *Bus) handleAnnouncement(_ mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()
	payload := msg.Payload()
	if len(payload) == 0 {
		b.mu.Lock()
		delete(b.remote, topic)
		b.mu.Unlock()
		b.logger.Debug().Str("mqtt_topic", topic).Msg("Node announcement cleared.")
		return
	}
	var a announcement
	if err := json.Unmarshal(payload, &a); err != nil {
		b.logger.Warn().Err(err).Str("mqtt_topic", topic).Msg("Ignoring malformed node announcement.")
		return
	}
	if a.Node == "" || a.Node == b.nodeName {
		return
	}
	b.mu.Lock()
	b.remote[topic] = a
	b.mu.Unlock()
	b.logger.Debug().Str("node", a.Node).Int("publishers", len(a.Publishers)).Msg("Node announcement received.")
}

// handleData runs on the Paho goroutine. It decodes the frame and hands it to
// the inbox without blocking.
func (b *Bus) handleData(_ mqtt.Client, msg mqtt.Message) {
	payloadCopy := make([]byte, len(msg.Payload()))
	copy(payloadCopy, msg.Payload())

	topic := b.busTopic(msg.Topic())
	_, decoded, err := unmarshalMessage(b.registry, payloadCopy)
	if err != nil {
		b.logger.Warn().Err(err).Str("topic", topic).Msg("Dropping undecodable MQTT message.")
		return
	}
	select {
	case b.inbox <- inbound{topic: topic, msg: decoded}:
	default:
		n := b.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			b.logger.Warn().Str("topic", topic).Uint64("dropped_total", n).Msg("MQTT inbox full, dropping message.")
		}
	}
}

// SpinOnce delivers queued broker messages to subscription callbacks.
func (b *Bus) SpinOnce(ctx context.Context, timeout time.Duration) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return middleware.ErrClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case in := <-b.inbox:
		b.deliver(in)
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	for {
		select {
		case in := <-b.inbox:
			b.deliver(in)
		default:
			return nil
		}
	}
}

func (b *Bus) deliver(in inbound) {
	b.mu.Lock()
	subs := append([]*subscription(nil), b.subs[in.topic]...)
	b.mu.Unlock()
	for _, s := range subs {
		if s.typeName != in.msg.TypeName() {
			b.logger.Debug().Str("topic", in.topic).Str("want", s.typeName).Str("got", in.msg.TypeName()).
				Msg("Dropping message of unexpected type.")
			continue
		}
		s.cb(in.msg)
	}
}

// knownTypeLocked returns the established type of topic, if any.
func (b *Bus) knownTypeLocked(topic string) string {
	if subs := b.subs[topic]; len(subs) > 0 {
		return subs[0].typeName
	}
	if pubs := b.pubs[topic]; len(pubs) > 0 {
		return pubs[0].typeName
	}
	for _, a := range b.remote {
		for _, ep := range append(append([]endpointAnnouncement(nil), a.Publishers...), a.Subscribers...) {
			if ep.Topic == topic {
				return ep.Type
			}
		}
	}
	return ""
}

// Subscribe implements middleware.Bus.
func (b *Bus) Subscribe(topic, typeName string, qos middleware.QoSProfile, cb middleware.Callback) (middleware.Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, middleware.ErrClosed
	}
	if known := b.knownTypeLocked(topic); known != "" && known != typeName {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s carries %s, not %s", middleware.ErrTopicTypeMismatch, topic, known, typeName)
	}
	sub := &subscription{bus: b, topic: topic, typeName: typeName, qos: qos, cb: cb}
	first := len(b.subs[topic]) == 0
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	if first {
		mqttTopic := b.dataTopic(topic)
		if err := b.wait(context.Background(), b.pahoClient.Subscribe(mqttTopic, qosByte(qos), b.handleData)); err != nil {
			b.removeSub(sub)
			return nil, fmt.Errorf("failed to subscribe to %s: %w", mqttTopic, err)
		}
		b.logger.Info().Str("topic", topic).Str("mqtt_topic", mqttTopic).Msg("Subscribed to MQTT topic.")
	}
	b.announce()
	return sub, nil
}

// CreatePublisher implements middleware.Bus.
func (b *Bus) CreatePublisher(topic, typeName string, qos middleware.QoSProfile) (middleware.Publisher, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, middleware.ErrClosed
	}
	if known := b.knownTypeLocked(topic); known != "" && known != typeName {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s carries %s, not %s", middleware.ErrTopicTypeMismatch, topic, known, typeName)
	}
	pub := &publisher{bus: b, topic: topic, typeName: typeName, qos: qos}
	b.pubs[topic] = append(b.pubs[topic], pub)
	b.mu.Unlock()
	b.announce()
	return pub, nil
}

func (b *Bus) removeSub(sub *subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[sub.topic]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.topic]) == 0 {
		delete(b.subs, sub.topic)
		return true
	}
	return false
}

func (b *Bus) removePub(pub *publisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pubs := b.pubs[pub.topic]
	for i, p := range pubs {
		if p == pub {
			b.pubs[pub.topic] = append(pubs[:i], pubs[i+1:]...)
			break
		}
	}
	if len(b.pubs[pub.topic]) == 0 {
		delete(b.pubs, pub.topic)
	}
}

// ownAnnouncementLocked describes this node's endpoints.
func (b *Bus) ownAnnouncementLocked() announcement {
	a := announcement{Node: b.nodeName, Publishers: []endpointAnnouncement{}, Subscribers: []endpointAnnouncement{}}
	for topic, pubs := range b.pubs {
		for _, p := range pubs {
			a.Publishers = append(a.Publishers, endpointAnnouncement{Topic: topic, Type: p.typeName, QoS: p.qos})
		}
	}
	for topic, subs := range b.subs {
		for _, s := range subs {
			a.Subscribers = append(a.Subscribers, endpointAnnouncement{Topic: topic, Type: s.typeName, QoS: s.qos})
		}
	}
	sort.Slice(a.Publishers, func(i, j int) bool { return a.Publishers[i].Topic < a.Publishers[j].Topic })
	sort.Slice(a.Subscribers, func(i, j int) bool { return a.Subscribers[i].Topic < a.Subscribers[j].Topic })
	return a
}

// announce publishes this node's retained announcement.
func (b *Bus) announce() {
	b.mu.Lock()
	a := b.ownAnnouncementLocked()
	b.mu.Unlock()
	payload, err := json.Marshal(a)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to marshal node announcement.")
		return
	}
	b.publishAsync(b.announceTopic(b.nodeName), 1, true, payload)
}

// publishAsync publishes without waiting for broker acknowledgement; a
// failure is logged when the token completes.
func (b *Bus) publishAsync(mqttTopic string, qos byte, retained bool, payload []byte) {
	token := b.pahoClient.Publish(mqttTopic, qos, retained, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			b.logger.Warn().Err(err).Str("mqtt_topic", mqttTopic).Msg("MQTT publish failed.")
		}
	default:
		go func() {
			if token.WaitTimeout(b.cfg.ConnectTimeout) && token.Error() != nil {
				b.logger.Warn().Err(token.Error()).Str("mqtt_topic", mqttTopic).Msg("MQTT publish failed.")
			}
		}()
	}
}

// Close clears this node's announcement and disconnects.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subs = make(map[string][]*subscription)
	b.pubs = make(map[string][]*publisher)
	b.mu.Unlock()

	b.logger.Info().Msg("Closing MQTT bus...")
	if b.pahoClient != nil && b.pahoClient.IsConnected() {
		token := b.pahoClient.Publish(b.announceTopic(b.nodeName), 1, true, []byte{})
		token.WaitTimeout(2 * time.Second)
		b.pahoClient.Disconnect(500)
		b.logger.Info().Msg("Paho MQTT client disconnected.")
	}
	return nil
}

// createMqttOptions assembles the Paho client options from the config.
func (b *Bus) createMqttOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.cfg.BrokerURL)
	uniqueSuffix := time.Now().UnixNano() % 1000000
	opts.SetClientID(fmt.Sprintf("%s%d", b.cfg.ClientIDPrefix, uniqueSuffix))
	opts.SetUsername(b.cfg.Username)
	opts.SetPassword(b.cfg.Password)
	opts.SetKeepAlive(b.cfg.KeepAlive)
	opts.SetConnectTimeout(b.cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(b.cfg.ReconnectWaitMax)
	// Per topic order must survive the broker hop.
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		b.logger.Info().Str("broker", b.cfg.BrokerURL).Msg("Paho client connected to MQTT broker.")
		go func() {
			if err := b.onConnect(context.Background()); err != nil {
				b.logger.Error().Err(err).Msg("Failed to restore subscriptions after connect.")
			}
		}()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.logger.Error().Err(err).Msg("Paho client lost MQTT connection.")
	})

	if strings.HasPrefix(strings.ToLower(b.cfg.BrokerURL), "tls://") {
		tlsConfig, err := newTLSConfig(b.cfg)
		if err != nil {
			b.logger.Error().Err(err).Msg("Failed to create TLS config, proceeding without it.")
		} else {
			opts.SetTLSConfig(tlsConfig)
			b.logger.Info().Msg("TLS configured for MQTT client.")
		}
	}
	return opts
}

// newTLSConfig is a helper to create a tls.Config.
func newTLSConfig(cfg *Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert file %s: %w", cfg.CACertFile, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert from %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = caCertPool
	}
	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
