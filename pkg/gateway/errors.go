package gateway

import (
	"errors"
)

var (
	// ErrAtCapacity is returned when a connection is refused because the
	// registry already holds the configured maximum.
	ErrAtCapacity = errors.New("max connections reached")
	// ErrConnectionGone is returned when the target connection no longer exists
	// or can no longer accept frames.
	ErrConnectionGone = errors.New("connection gone")
	// ErrQoSIncompatible is returned when the bus refuses to create an endpoint
	// with the negotiated profile.
	ErrQoSIncompatible = errors.New("endpoint creation failed")
	// ErrMalformedControlMessage is returned for control frames missing
	// required fields.
	ErrMalformedControlMessage = errors.New("malformed control message")
	// ErrLoopStopped is returned when work is submitted after the processing
	// loop has exited.
	ErrLoopStopped = errors.New("processing loop stopped")
	// ErrNotFound is returned by projections for unknown topics or nodes.
	ErrNotFound = errors.New("not found")
)

// Close codes sent to clients.
const (
	CloseCodeShutdown   = 1001
	CloseCodeAtCapacity = 1008
	CloseCodeSendFailed = 1011
)
