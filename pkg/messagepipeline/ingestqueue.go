package messagepipeline

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// IngestQueueConfig holds configuration for an IngestQueue.
type IngestQueueConfig struct {
	// Capacity bounds the number of buffered messages.
	Capacity int
	// DropLogEvery controls drop reporting: the first drop is logged and
	// then every DropLogEvery-th drop after it.
	DropLogEvery uint64
}

// NewIngestQueueDefaults provides a config with sensible defaults.
func NewIngestQueueDefaults() IngestQueueConfig {
	return IngestQueueConfig{
		Capacity:     1000,
		DropLogEvery: 100,
	}
}

// IngestQueue is a bounded hand-off from bus delivery goroutines to the
// pipeline workers. Enqueue never blocks: when the buffer is full the new
// message is dropped and counted. It implements MessageConsumer.
type IngestQueue struct {
	ch           chan Message
	doneChan     chan struct{}
	dropLogEvery uint64
	logger       zerolog.Logger

	mu       sync.RWMutex
	stopped  bool
	stopOnce sync.Once

	seq      atomic.Uint64
	enqueued atomic.Uint64
	dropped  atomic.Uint64
}

// NewIngestQueue creates a new IngestQueue.
func NewIngestQueue(cfg IngestQueueConfig, logger zerolog.Logger) *IngestQueue {
	def := NewIngestQueueDefaults()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.DropLogEvery == 0 {
		cfg.DropLogEvery = def.DropLogEvery
	}
	return &IngestQueue{
		ch:           make(chan Message, cfg.Capacity),
		doneChan:     make(chan struct{}),
		dropLogEvery: cfg.DropLogEvery,
		logger:       logger.With().Str("component", "IngestQueue").Logger(),
	}
}

// Enqueue offers a message to the queue and reports whether it was accepted.
// It is safe to call from any goroutine and returns immediately.
func (q *IngestQueue) Enqueue(topic string, payload any, receivedAt time.Time) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		q.recordDrop(topic)
		return false
	}
	msg := Message{MessageData: MessageData{
		ID:          strconv.FormatUint(q.seq.Add(1), 10),
		Topic:       topic,
		Payload:     payload,
		PublishTime: receivedAt,
	}}
	select {
	case q.ch <- msg:
		q.enqueued.Add(1)
		return true
	default:
		q.recordDrop(topic)
		return false
	}
}

func (q *IngestQueue) recordDrop(topic string) {
	n := q.dropped.Add(1)
	if n == 1 || (n-1)%q.dropLogEvery == 0 {
		q.logger.Warn().Str("topic", topic).Uint64("dropped_total", n).Int("capacity", cap(q.ch)).
			Msg("Ingest queue full, dropping message.")
	}
}

// Enqueued returns the number of accepted messages.
func (q *IngestQueue) Enqueued() uint64 { return q.enqueued.Load() }

// Dropped returns the number of rejected messages.
func (q *IngestQueue) Dropped() uint64 { return q.dropped.Load() }

// Len returns the number of buffered messages.
func (q *IngestQueue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *IngestQueue) Cap() int { return cap(q.ch) }

// Messages returns the read-only channel for consuming messages.
func (q *IngestQueue) Messages() <-chan Message {
	return q.ch
}

// Start arranges for the queue to stop when ctx is cancelled.
func (q *IngestQueue) Start(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			_ = q.Stop(context.Background())
		case <-q.doneChan:
		}
	}()
	return nil
}

// Stop rejects further messages and closes the channel. Buffered messages
// remain readable so workers can drain them.
func (q *IngestQueue) Stop(_ context.Context) error {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped = true
		close(q.ch)
		q.mu.Unlock()
		close(q.doneChan)
		q.logger.Info().Uint64("enqueued_total", q.Enqueued()).Uint64("dropped_total", q.Dropped()).Msg("Ingest queue stopped.")
	})
	return nil
}

// Done returns a channel that is closed once the queue has stopped.
func (q *IngestQueue) Done() <-chan struct{} {
	return q.doneChan
}
