package call

import (
	"fmt"
	"time"

	"github.com/opd-ai/peercall/clock"
	"github.com/opd-ai/peercall/e2ee"
	"github.com/opd-ai/peercall/media"
	"github.com/opd-ai/peercall/stats"
	"github.com/opd-ai/peercall/transport"
)

// Options configures a Controller.
type Options struct {
	// SelfID identifies the local user for mailboxes and documents. An
	// empty ID is replaced by a random one.
	SelfID string

	ICEServers  []transport.ICEServer
	Constraints media.Constraints

	// EnableE2EE makes calls started by this controller carry a frame
	// encryption key. Joiners follow the initiator's choice.
	EnableE2EE bool
	Suite      e2ee.Suite

	RingTimeout         time.Duration
	DeclineCleanupDelay time.Duration

	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int

	StatsInterval time.Duration
	Quality       *stats.QualityThresholds

	// ReadTimeout bounds the one-shot document read when joining.
	ReadTimeout time.Duration

	// TimeProvider drives every timer. Nil selects the system clock.
	TimeProvider clock.TimeProvider
}

// NewOptions returns the default controller options.
func NewOptions() *Options {
	return &Options{
		ICEServers:           transport.DefaultICEServers(),
		Constraints:          media.DefaultConstraints(),
		Suite:                e2ee.SuiteAESGCM,
		RingTimeout:          30 * time.Second,
		DeclineCleanupDelay:  5 * time.Second,
		ReconnectBaseDelay:   2 * time.Second,
		MaxReconnectAttempts: 3,
		StatsInterval:        stats.DefaultInterval,
		Quality:              stats.DefaultQualityThresholds(),
		ReadTimeout:          10 * time.Second,
	}
}

func (o *Options) validate() error {
	if o.RingTimeout <= 0 {
		return fmt.Errorf("%w: ring timeout must be positive", ErrInvalidOptions)
	}
	if o.DeclineCleanupDelay < 0 {
		return fmt.Errorf("%w: decline cleanup delay cannot be negative", ErrInvalidOptions)
	}
	if o.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("%w: reconnect base delay must be positive", ErrInvalidOptions)
	}
	if o.MaxReconnectAttempts < 1 {
		return fmt.Errorf("%w: at least one reconnect attempt is required", ErrInvalidOptions)
	}
	if o.ReadTimeout <= 0 {
		return fmt.Errorf("%w: read timeout must be positive", ErrInvalidOptions)
	}
	return nil
}
