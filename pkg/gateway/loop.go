package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Loop runs submitted functions one at a time on a single goroutine. All
// registry state is owned by the loop and only touched from inside it.
type Loop struct {
	tasks    chan func()
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

// NewLoop creates a loop with room for buffer pending tasks.
func NewLoop(buffer int, logger zerolog.Logger) *Loop {
	if buffer <= 0 {
		buffer = 64
	}
	return &Loop{
		tasks:  make(chan func(), buffer),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "Loop").Logger(),
	}
}

// Run executes tasks until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.quit:
			return
		case fn := <-l.tasks:
			l.run(fn)
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Str("panic", fmt.Sprint(r)).Msg("Recovered panic in loop task.")
		}
	}()
	fn()
}

// Submit queues fn without waiting for it to run.
func (l *Loop) Submit(ctx context.Context, fn func()) error {
	select {
	case <-l.quit:
		return ErrLoopStopped
	case <-l.done:
		return ErrLoopStopped
	default:
	}
	select {
	case l.tasks <- fn:
		return nil
	case <-l.quit:
		return ErrLoopStopped
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call runs fn on the loop and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := l.Submit(ctx, func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		// The task may have been the last one to run.
		select {
		case <-finished:
			return nil
		default:
			return ErrLoopStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop makes Run return after the task in progress.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.quit) })
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
