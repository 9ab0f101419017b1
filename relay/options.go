package relay

import (
	"fmt"
	"time"
)

// Options configures both ends of the relay connection.
type Options struct {
	// ReadLimit caps the size of one incoming frame. Session documents
	// carry full SDP blobs, so this is well above a chat-sized limit.
	ReadLimit int64
	WriteWait time.Duration
	// PongWait is how long the server waits for a pong before dropping a
	// client. PingInterval must be shorter.
	PongWait     time.Duration
	PingInterval time.Duration
	// SendBuffer is the per-connection outbound queue. A client that lets
	// it fill up is disconnected.
	SendBuffer int

	RequestTimeout time.Duration
	// ReconnectDelay is multiplied by the attempt number between client
	// reconnect attempts.
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	// AllowedOrigins restricts browser origins for /ws. Empty allows any.
	AllowedOrigins []string
}

// NewOptions returns the default relay options.
func NewOptions() *Options {
	return &Options{
		ReadLimit:            256 * 1024,
		WriteWait:            10 * time.Second,
		PongWait:             60 * time.Second,
		PingInterval:         54 * time.Second,
		SendBuffer:           256,
		RequestTimeout:       10 * time.Second,
		ReconnectDelay:       time.Second,
		MaxReconnectAttempts: 5,
	}
}

func (o *Options) validate() error {
	if o.ReadLimit <= 0 {
		return fmt.Errorf("%w: read limit must be positive", ErrInvalidOptions)
	}
	if o.WriteWait <= 0 || o.RequestTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidOptions)
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		return fmt.Errorf("%w: ping interval must be positive and below pong wait", ErrInvalidOptions)
	}
	if o.SendBuffer <= 0 {
		return fmt.Errorf("%w: send buffer must be positive", ErrInvalidOptions)
	}
	if o.MaxReconnectAttempts < 0 || o.ReconnectDelay < 0 {
		return fmt.Errorf("%w: reconnect settings cannot be negative", ErrInvalidOptions)
	}
	return nil
}
