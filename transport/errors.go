package transport

import "errors"

// Sentinel errors for transport operations.
var (
	// ErrClosed indicates the peer connection has been closed.
	ErrClosed = errors.New("peer connection closed")

	// ErrTextChannelNotOpen indicates the text channel is not yet open.
	ErrTextChannelNotOpen = errors.New("text channel not open")

	// ErrInvalidDescription indicates an unknown SDP type.
	ErrInvalidDescription = errors.New("invalid session description")
)
