package gateway

import (
	"time"

	"github.com/illmade-knight/go-robobridge/pkg/types"
)

// DefaultRecentCapacity is the number of messages kept for inspection.
const DefaultRecentCapacity = 10000

// RecentMessageCache is a bounded ring of messages that arrived while no
// client was subscribed. Owned by the Loop.
type RecentMessageCache struct {
	buf   []types.RecentMessage
	start int
	size  int
}

// NewRecentMessageCache creates a cache holding at most capacity messages.
func NewRecentMessageCache(capacity int) *RecentMessageCache {
	if capacity <= 0 {
		capacity = DefaultRecentCapacity
	}
	return &RecentMessageCache{buf: make([]types.RecentMessage, capacity)}
}

// Append adds a message, evicting the oldest one when full.
func (c *RecentMessageCache) Append(topic string, msg map[string]any, ts time.Time) {
	idx := (c.start + c.size) % len(c.buf)
	c.buf[idx] = types.RecentMessage{Topic: topic, Msg: msg, Timestamp: ts}
	if c.size < len(c.buf) {
		c.size++
		return
	}
	c.start = (c.start + 1) % len(c.buf)
}

// Len returns the number of cached messages.
func (c *RecentMessageCache) Len() int { return c.size }

// Recent returns up to limit of the newest messages, oldest first. An empty
// topic matches every topic and a limit of zero or less means no limit.
func (c *RecentMessageCache) Recent(topic string, limit int) []types.RecentMessage {
	out := []types.RecentMessage{}
	for i := c.size - 1; i >= 0; i-- {
		m := c.buf[(c.start+i)%len(c.buf)]
		if topic != "" && m.Topic != topic {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
