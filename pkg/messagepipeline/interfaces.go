package messagepipeline

import (
	"context"
)

// ====================================================================================
// This file defines the contracts for the stages of the ingestion pipeline:
// a consumer that hands off messages, a transformer that converts them, and a
// processor that delivers the result.
// ====================================================================================

// --- Stage 1: Consumer ---

// MessageConsumer defines the interface for a message source.
// It is responsible for fetching messages and handing them off to the pipeline.
type MessageConsumer interface {
	// Messages returns a read-only channel from which pipeline workers will receive messages.
	Messages() <-chan Message
	// Start begins the consumption process.
	Start(ctx context.Context) error
	// Stop ceases message consumption. Messages already buffered stay readable
	// until the channel returned by Messages is drained.
	Stop(ctx context.Context) error
	// Done returns a channel that is closed when the consumer has completely shut down.
	Done() <-chan struct{}
}

// --- Stage 2: Transformer ---

// MessageTransformer converts a Message into a payload of type T.
//
// The 'skip' return value can be set to true to signal that this message should
// not be processed further, effectively filtering it from the pipeline.
type MessageTransformer[T any] func(ctx context.Context, msg *Message) (payload *T, skip bool, err error)

// --- Stage 3: Processor ---

// StreamProcessor handles transformed messages of type T one by one. A
// returned error is logged by the service and the message is dropped.
type StreamProcessor[T any] func(ctx context.Context, original Message, payload *T) error
