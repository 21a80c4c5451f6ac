package messagepipeline

import (
	"time"
)

// Message is the internal representation of an item flowing through the
// pipeline.
type Message struct {
	// MessageData contains the core payload.
	MessageData

	// Attributes holds optional metadata about the source of the message.
	Attributes map[string]string
}

// MessageData holds the essential payload of a message.
type MessageData struct {
	// ID is a sequence number assigned when the message entered the pipeline.
	ID string `json:"id"`

	// Topic is the bus topic the message arrived on.
	Topic string `json:"topic"`

	// Payload is the opaque message as delivered by the bus.
	Payload any `json:"-"`

	// PublishTime is the time the message was received from the bus.
	PublishTime time.Time `json:"publishTime"`
}
