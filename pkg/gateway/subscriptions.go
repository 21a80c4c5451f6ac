package gateway

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/illmade-knight/go-robobridge/pkg/middleware"
	"github.com/illmade-knight/go-robobridge/pkg/msgs"
	"github.com/illmade-knight/go-robobridge/pkg/qos"
	"github.com/rs/zerolog"
)

// TopicSubscription is the gateway's single bus subscription for a topic.
type TopicSubscription struct {
	Topic     string
	TypeName  string
	QoS       middleware.QoSProfile
	CreatedAt time.Time
	handle    middleware.Subscription
}

type pendingRequest struct {
	clientID  string
	requestID any
}

type topicEntry struct {
	sub     *TopicSubscription
	waiters []pendingRequest
}

// SubscriptionFailure is reported for each client waiting on a subscription
// that could not be created.
type SubscriptionFailure func(clientID string, requestID any, topic string, err error)

// SubscriptionManager creates at most one bus subscription per topic.
// Creation runs off the Loop because QoS discovery may wait; the result is
// applied back on the Loop. Subscriptions are kept for the life of the
// gateway even when no client wants them anymore.
type SubscriptionManager struct {
	bus        middleware.Bus
	negotiator *qos.Negotiator
	registry   *msgs.Registry
	loop       *Loop
	conns      *Registry
	onMessage  func(topic string) middleware.Callback
	onFailure  SubscriptionFailure
	onCreated  func(sub *TopicSubscription)
	topics     map[string]*topicEntry
	closed     bool
	logger     zerolog.Logger
}

// NewSubscriptionManager wires a manager. onMessage builds the bus callback for
// a topic; onFailure is told about every waiter of a failed creation.
func NewSubscriptionManager(
	bus middleware.Bus,
	negotiator *qos.Negotiator,
	registry *msgs.Registry,
	loop *Loop,
	conns *Registry,
	onMessage func(topic string) middleware.Callback,
	onFailure SubscriptionFailure,
	logger zerolog.Logger,
) *SubscriptionManager {
	return &SubscriptionManager{
		bus:        bus,
		negotiator: negotiator,
		registry:   registry,
		loop:       loop,
		conns:      conns,
		onMessage:  onMessage,
		onFailure:  onFailure,
		topics:     make(map[string]*topicEntry),
		logger:     logger.With().Str("component", "SubscriptionManager").Logger(),
	}
}

// Subscribe registers clientID's interest in topic and makes sure a bus
// subscription exists or is being created. Must run on the Loop.
func (m *SubscriptionManager) Subscribe(ctx context.Context, clientID, topic, typeName string, requestID any) error {
	if m.closed {
		return ErrLoopStopped
	}
	if typeName != "" {
		if _, err := m.registry.Resolve(typeName); err != nil {
			return err
		}
	}
	if err := m.conns.AddInterest(clientID, topic); err != nil {
		return err
	}

	if entry, ok := m.topics[topic]; ok {
		if entry.sub == nil {
			entry.waiters = append(entry.waiters, pendingRequest{clientID: clientID, requestID: requestID})
		}
		return nil
	}

	m.topics[topic] = &topicEntry{waiters: []pendingRequest{{clientID: clientID, requestID: requestID}}}
	go m.create(ctx, topic, typeName)
	return nil
}

// Unsubscribe removes clientID's interest. The bus subscription stays.
func (m *SubscriptionManager) Unsubscribe(clientID, topic string) error {
	return m.conns.RemoveInterest(clientID, topic)
}

func (m *SubscriptionManager) create(ctx context.Context, topic, typeName string) {
	var (
		profile middleware.QoSProfile
		handle  middleware.Subscription
	)
	canonical, err := m.resolveType(ctx, topic, typeName)
	if err == nil {
		profile = m.negotiator.SubscriptionQoS(ctx, topic)
		handle, err = m.bus.Subscribe(topic, canonical, profile, m.onMessage(topic))
		if err != nil {
			err = fmt.Errorf("%w: subscription for %s: %v", ErrQoSIncompatible, topic, err)
		}
	}

	submitErr := m.loop.Submit(ctx, func() {
		m.complete(topic, canonical, profile, handle, err)
	})
	if submitErr != nil && handle != nil {
		_ = handle.Close()
	}
}

func (m *SubscriptionManager) resolveType(ctx context.Context, topic, typeName string) (string, error) {
	if typeName == "" {
		topics, err := m.bus.TopicNamesAndTypes(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to look up type of %s: %w", topic, err)
		}
		for _, t := range topics {
			if t.Name == topic && len(t.Types) > 0 {
				typeName = t.Types[0]
				break
			}
		}
		if typeName == "" {
			return "", fmt.Errorf("%w: type is required for unknown topic %s", ErrMalformedControlMessage, topic)
		}
	}
	proto, err := m.registry.New(typeName)
	if err != nil {
		return "", err
	}
	return proto.TypeName(), nil
}

func (m *SubscriptionManager) complete(topic, typeName string, profile middleware.QoSProfile, handle middleware.Subscription, err error) {
	entry := m.topics[topic]
	if m.closed || entry == nil {
		if handle != nil {
			_ = handle.Close()
		}
		return
	}

	if err != nil {
		delete(m.topics, topic)
		m.logger.Error().Err(err).Str("topic", topic).Int("waiters", len(entry.waiters)).Msg("Failed to create subscription.")
		for _, w := range entry.waiters {
			_ = m.conns.RemoveInterest(w.clientID, topic)
			if m.onFailure != nil {
				m.onFailure(w.clientID, w.requestID, topic, err)
			}
		}
		return
	}

	entry.sub = &TopicSubscription{
		Topic:     topic,
		TypeName:  typeName,
		QoS:       profile,
		CreatedAt: time.Now(),
		handle:    handle,
	}
	entry.waiters = nil
	m.logger.Info().Str("topic", topic).Str("type", typeName).
		Str("reliability", profile.Reliability.String()).
		Str("history", profile.History.String()).
		Int("depth", profile.Depth).
		Msg("Created subscription.")
	if m.onCreated != nil {
		m.onCreated(entry.sub)
	}
}

// Get returns the live subscription for topic.
func (m *SubscriptionManager) Get(topic string) (*TopicSubscription, bool) {
	entry, ok := m.topics[topic]
	if !ok || entry.sub == nil {
		return nil, false
	}
	return entry.sub, true
}

// Pending reports whether a subscription for topic is being created.
func (m *SubscriptionManager) Pending(topic string) bool {
	entry, ok := m.topics[topic]
	return ok && entry.sub == nil
}

// Topics lists topics with a live subscription.
func (m *SubscriptionManager) Topics() []string {
	out := make([]string, 0, len(m.topics))
	for t, e := range m.topics {
		if e.sub != nil {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// CloseAll releases every subscription and refuses new ones.
func (m *SubscriptionManager) CloseAll() {
	m.closed = true
	for topic, e := range m.topics {
		if e.sub == nil {
			continue
		}
		if err := e.sub.handle.Close(); err != nil {
			m.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to close subscription.")
		}
	}
	m.topics = make(map[string]*topicEntry)
}
