package call

import (
	"context"
	"time"

	"github.com/opd-ai/peercall/clock"
	"github.com/opd-ai/peercall/e2ee"
	"github.com/opd-ai/peercall/media"
	"github.com/opd-ai/peercall/signaling"
	"github.com/opd-ai/peercall/stats"
	"github.com/opd-ai/peercall/transport"
)

// Session is one call attempt. It owns the local media, the transport
// connection, every timer and every relay subscription of the attempt.
// All fields are accessed only from the controller's event loop.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc
	seq    uint64

	callID string
	role   Role
	peerID string
	alias  string

	stream       *media.Stream
	mediaWaiters []func(*media.Stream)

	conn       transport.PeerConnection
	key        *e2ee.Key
	keys       *e2ee.Manager
	encrypted  bool
	supervisor *Supervisor
	sampler    *stats.Sampler
	lastStats  *stats.CallStats
	remote     []transport.RemoteTrack

	// offerGen is the generation of the latest local offer (initiator) or
	// of the offer being answered (joiner). remoteGen is the generation of
	// the applied remote description.
	offerGen  uint64
	remoteGen uint64

	// published is set once the local description has been queued for the
	// relay. Candidates queued after it are written after it.
	published     bool
	docSeen       bool
	pendingLocal  []signaling.Candidate
	pendingRemote []signaling.Candidate

	subs      []signaling.Subscription
	ringTimer clock.Timer
	notified  bool

	connectedAt time.Time
}

func newSession(seq uint64) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ctx:    ctx,
		cancel: cancel,
		seq:    seq,
		keys:   e2ee.NewManager(),
	}
}

func (s *Session) party() e2ee.Party {
	if s.role == RoleInitiator {
		return e2ee.PartyInitiator
	}
	return e2ee.PartyJoiner
}

func (s *Session) localList() signaling.CandidateList {
	if s.role == RoleInitiator {
		return signaling.OfferCandidates
	}
	return signaling.AnswerCandidates
}

func (s *Session) remoteList() signaling.CandidateList {
	if s.role == RoleInitiator {
		return signaling.AnswerCandidates
	}
	return signaling.OfferCandidates
}

func (s *Session) everConnected() bool {
	return !s.connectedAt.IsZero()
}

func (s *Session) subscribe(sub signaling.Subscription) {
	s.subs = append(s.subs, sub)
}

// teardown releases everything the session owns: the transport first, then
// local media, then timers, then relay subscriptions.
func (s *Session) teardown() {
	if s.conn != nil {
		s.conn.Close()
	}
	if s.stream != nil {
		s.stream.Stop()
	}
	s.mediaWaiters = nil

	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	if s.supervisor != nil {
		s.supervisor.Stop()
	}
	if s.sampler != nil {
		s.sampler.Stop()
	}

	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
	s.cancel()
}

// CallRecord describes a finished call for history keeping.
type CallRecord struct {
	CallID    string
	PeerID    string
	Role      Role
	StartedAt time.Time
	Duration  time.Duration
}

// Snapshot is a consistent view of the controller for display.
type Snapshot struct {
	State   State
	Message string

	CallID string
	Role   Role
	PeerID string

	Encrypted bool
	Muted     bool
	VideoOff  bool

	Stats   *stats.CallStats
	Quality stats.QualityLevel

	Incoming *signaling.Notification
}
