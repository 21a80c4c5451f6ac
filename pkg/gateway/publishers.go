package gateway

import (
	"errors"
	"fmt"
	"sort"

	"github.com/illmade-knight/go-robobridge/pkg/codec"
	"github.com/illmade-knight/go-robobridge/pkg/middleware"
	"github.com/illmade-knight/go-robobridge/pkg/qos"
	"github.com/rs/zerolog"
)

// TopicPublisher is the gateway's own publisher for one topic.
type TopicPublisher struct {
	Topic    string
	TypeName string
	QoS      middleware.QoSProfile
	handle   middleware.Publisher
}

// PublisherRegistry holds at most one publisher per topic. Owned by the Loop.
type PublisherRegistry struct {
	bus        middleware.Bus
	negotiator *qos.Negotiator
	codec      *codec.Codec
	pubs       map[string]*TopicPublisher
	// Handles dropped from the index stay open until CloseAll.
	retired []middleware.Publisher
	logger  zerolog.Logger
}

// NewPublisherRegistry creates an empty registry.
func NewPublisherRegistry(bus middleware.Bus, negotiator *qos.Negotiator, c *codec.Codec, logger zerolog.Logger) *PublisherRegistry {
	return &PublisherRegistry{
		bus:        bus,
		negotiator: negotiator,
		codec:      c,
		pubs:       make(map[string]*TopicPublisher),
		logger:     logger.With().Str("component", "PublisherRegistry").Logger(),
	}
}

// Ensure returns the publisher for topic, creating it with typeName if needed.
func (p *PublisherRegistry) Ensure(topic, typeName string) (*TopicPublisher, error) {
	if existing, ok := p.pubs[topic]; ok {
		return existing, nil
	}
	if typeName == "" {
		return nil, fmt.Errorf("%w: type is required to advertise %s", ErrMalformedControlMessage, topic)
	}
	proto, err := p.codec.Registry().New(typeName)
	if err != nil {
		return nil, err
	}
	canonical := proto.TypeName()
	profile := p.negotiator.PublisherQoS(topic)
	handle, err := p.bus.CreatePublisher(topic, canonical, profile)
	if err != nil {
		return nil, fmt.Errorf("%w: publisher for %s: %v", ErrQoSIncompatible, topic, err)
	}
	pub := &TopicPublisher{Topic: topic, TypeName: canonical, QoS: profile, handle: handle}
	p.pubs[topic] = pub
	p.logger.Info().Str("topic", topic).Str("type", canonical).
		Str("durability", profile.Durability.String()).Msg("Created publisher.")
	return pub, nil
}

// Publish decodes payload and publishes it on topic. A publisher is created
// on demand when typeName is given.
func (p *PublisherRegistry) Publish(topic, typeName string, payload map[string]any) error {
	pub, ok := p.pubs[topic]
	if !ok {
		if typeName == "" {
			return fmt.Errorf("no publisher for topic %s and no type given", topic)
		}
		var err error
		if pub, err = p.Ensure(topic, typeName); err != nil {
			return err
		}
	}
	msg, err := p.codec.Decode(pub.TypeName, payload)
	if err != nil {
		return fmt.Errorf("failed to decode message for %s: %w", topic, err)
	}
	if err := pub.handle.Publish(msg); err != nil {
		if errors.Is(err, middleware.ErrClosed) {
			return fmt.Errorf("publisher for %s is closed: %w", topic, err)
		}
		return fmt.Errorf("failed to publish on %s: %w", topic, err)
	}
	return nil
}

// Remove drops topic from the index. The underlying handle lives on until
// CloseAll.
func (p *PublisherRegistry) Remove(topic string) bool {
	pub, ok := p.pubs[topic]
	if !ok {
		return false
	}
	delete(p.pubs, topic)
	p.retired = append(p.retired, pub.handle)
	p.logger.Info().Str("topic", topic).Msg("Removed publisher.")
	return true
}

// Get returns the publisher for topic.
func (p *PublisherRegistry) Get(topic string) (*TopicPublisher, bool) {
	pub, ok := p.pubs[topic]
	return pub, ok
}

// Topics lists the advertised topics.
func (p *PublisherRegistry) Topics() []string {
	out := make([]string, 0, len(p.pubs))
	for t := range p.pubs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// CloseAll releases every publisher handle.
func (p *PublisherRegistry) CloseAll() {
	for topic, pub := range p.pubs {
		if err := pub.handle.Close(); err != nil {
			p.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to close publisher.")
		}
	}
	for _, h := range p.retired {
		_ = h.Close()
	}
	p.pubs = make(map[string]*TopicPublisher)
	p.retired = nil
}
