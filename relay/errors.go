package relay

import "errors"

// Sentinel errors for relay operations.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrMalformedFrame indicates a frame that failed to decode or validate.
	ErrMalformedFrame = errors.New("malformed relay frame")

	// ErrUnknownOp indicates an operation or event name the peer does not
	// understand.
	ErrUnknownOp = errors.New("unknown relay operation")

	// ErrNotConnected indicates the client has no live connection.
	ErrNotConnected = errors.New("relay not connected")

	// ErrRequestTimeout indicates the server did not answer in time.
	ErrRequestTimeout = errors.New("relay request timed out")

	// ErrServer indicates an unclassified server-side failure.
	ErrServer = errors.New("relay server error")

	// ErrInvalidOptions indicates a relay configuration that cannot work.
	ErrInvalidOptions = errors.New("invalid relay options")
)
