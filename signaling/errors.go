package signaling

import "errors"

// Sentinel errors for signaling operations.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrInvalidDocument indicates a payload that failed schema validation.
	ErrInvalidDocument = errors.New("invalid signaling document")

	// ErrSessionNotFound indicates the call document does not exist.
	ErrSessionNotFound = errors.New("signaling session not found")

	// ErrDeclined indicates a write to a document that has been declined.
	ErrDeclined = errors.New("signaling session declined")

	// ErrClosed indicates the channel has been shut down.
	ErrClosed = errors.New("signaling channel closed")

	// ErrInvalidID indicates an empty or malformed key.
	ErrInvalidID = errors.New("invalid signaling key")
)
