package gateway

import (
	"fmt"
	"sort"
	"time"

	"github.com/illmade-knight/go-robobridge/pkg/types"
	"github.com/rs/zerolog"
)

// Sender is the transport side of a connection.
type Sender interface {
	// Send queues a frame without blocking. An error means the connection
	// cannot take more frames and should be dropped.
	Send(frame []byte) error
	// Close closes the transport with a WebSocket close code.
	Close(code int, reason string)
}

// Connection is one registered client.
type Connection struct {
	ID          string
	ConnectedAt time.Time

	topics map[string]struct{}
	sent   uint64
	sender Sender
}

// Topics returns the subscribed topics in sorted order.
func (c *Connection) Topics() []string {
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Subscribed reports whether the connection wants topic.
func (c *Connection) Subscribed(topic string) bool {
	_, ok := c.topics[topic]
	return ok
}

// MessageCount is the number of frames successfully handed to the transport.
func (c *Connection) MessageCount() uint64 { return c.sent }

// Registry tracks connections and their topic interest. It is not safe for
// concurrent use; the gateway only touches it from its Loop.
type Registry struct {
	max     int
	conns   map[string]*Connection
	metrics *Metrics
	logger  zerolog.Logger
}

// NewRegistry creates a registry admitting at most max connections.
func NewRegistry(max int, metrics *Metrics, logger zerolog.Logger) *Registry {
	return &Registry{
		max:     max,
		conns:   make(map[string]*Connection),
		metrics: metrics,
		logger:  logger.With().Str("component", "Registry").Logger(),
	}
}

// Connect registers a client. At capacity the transport is closed with
// CloseCodeAtCapacity and ErrAtCapacity is returned.
func (r *Registry) Connect(id string, sender Sender, now time.Time) (*Connection, error) {
	if len(r.conns) >= r.max {
		r.metrics.rejected()
		r.logger.Warn().Str("client_id", id).Int("max_connections", r.max).Msg("Rejecting connection, at capacity.")
		sender.Close(CloseCodeAtCapacity, "Max connections reached")
		return nil, ErrAtCapacity
	}
	if _, exists := r.conns[id]; exists {
		return nil, fmt.Errorf("client id %s already registered", id)
	}
	c := &Connection{
		ID:          id,
		ConnectedAt: now,
		topics:      make(map[string]struct{}),
		sender:      sender,
	}
	r.conns[id] = c
	r.metrics.connected(len(r.conns))
	r.logger.Info().Str("client_id", id).Int("connections", len(r.conns)).Msg("Client connected.")
	return c, nil
}

// Disconnect removes a client. It reports whether the client was registered.
func (r *Registry) Disconnect(id string) bool {
	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	r.metrics.connected(len(r.conns))
	r.logger.Info().Str("client_id", id).Int("connections", len(r.conns)).Msg("Client disconnected.")
	return true
}

// Get returns a registered connection.
func (r *Registry) Get(id string) (*Connection, bool) {
	c, ok := r.conns[id]
	return c, ok
}

// AddInterest subscribes a client to topic. Adding an existing topic is a no-op.
func (r *Registry) AddInterest(id, topic string) error {
	c, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionGone, id)
	}
	c.topics[topic] = struct{}{}
	return nil
}

// RemoveInterest unsubscribes a client from topic.
func (r *Registry) RemoveInterest(id, topic string) error {
	c, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionGone, id)
	}
	delete(c.topics, topic)
	return nil
}

// SubscriberCount returns how many clients want topic.
func (r *Registry) SubscriberCount(topic string) int {
	n := 0
	for _, c := range r.conns {
		if c.Subscribed(topic) {
			n++
		}
	}
	return n
}

// Broadcast sends frame to every client subscribed to topic and returns the
// number of successful sends. Clients whose send fails are removed after
// the scan so the iteration is never disturbed.
func (r *Registry) Broadcast(topic string, frame []byte) int {
	var failed []*Connection
	delivered := 0
	for _, c := range r.conns {
		if !c.Subscribed(topic) {
			continue
		}
		if err := c.sender.Send(frame); err != nil {
			failed = append(failed, c)
			continue
		}
		c.sent++
		delivered++
	}
	for _, c := range failed {
		r.evict(c, "broadcast")
	}
	return delivered
}

// SendDirect sends frame to a single client.
func (r *Registry) SendDirect(id string, frame []byte) error {
	c, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionGone, id)
	}
	if err := c.sender.Send(frame); err != nil {
		r.evict(c, "direct send")
		return fmt.Errorf("%w: %s: %v", ErrConnectionGone, id, err)
	}
	c.sent++
	return nil
}

func (r *Registry) evict(c *Connection, during string) {
	r.metrics.sendFailed()
	r.logger.Warn().Str("client_id", c.ID).Str("during", during).Msg("Send failed, dropping client.")
	c.sender.Close(CloseCodeSendFailed, "send failed")
	r.Disconnect(c.ID)
}

// Len returns the number of registered clients.
func (r *Registry) Len() int { return len(r.conns) }

// Snapshot returns connection details sorted by connect time.
func (r *Registry) Snapshot() []types.ConnectionInfo {
	out := make([]types.ConnectionInfo, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, types.ConnectionInfo{
			ClientID:         c.ID,
			ConnectedAt:      c.ConnectedAt,
			SubscribedTopics: c.Topics(),
			MessageCount:     c.sent,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// CloseAll closes and removes every client.
func (r *Registry) CloseAll(code int, reason string) {
	for id, c := range r.conns {
		c.sender.Close(code, reason)
		delete(r.conns, id)
	}
	r.metrics.connected(0)
}
