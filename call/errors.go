package call

import "errors"

// Sentinel errors for call package operations.
// These errors enable reliable error classification using errors.Is().

// Intent errors.
var (
	// ErrInvalidTransition indicates an intent that is not allowed in the
	// current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNoIncomingCall indicates Accept without a pending notification.
	ErrNoIncomingCall = errors.New("no incoming call")

	// ErrNotConnected indicates an operation that needs a live call.
	ErrNotConnected = errors.New("call not connected")

	// ErrNoLocalMedia indicates a media toggle without local media.
	ErrNoLocalMedia = errors.New("no local media")

	// ErrInvalidPeer indicates an empty or self-referencing peer ID.
	ErrInvalidPeer = errors.New("invalid peer")
)

// Lifecycle errors.
var (
	// ErrClosed indicates the controller has been closed.
	ErrClosed = errors.New("controller closed")

	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("controller already started")

	// ErrInvalidOptions indicates options that fail validation.
	ErrInvalidOptions = errors.New("invalid controller options")
)
