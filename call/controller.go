// Package call implements the call session state machine.
//
// A Controller consumes user intents (enter lobby, start, join, ring,
// accept, decline, hang up, reset), drives the signaling channel and the
// media transport, supervises reconnection, arms end-to-end frame
// encryption and samples call statistics. Every event is handled in order
// on one event loop goroutine; listeners are called from a separate
// notifier goroutine, so they may call intents. Relay writes never block
// the loop: they run in order on a write queue and report failures back
// to the loop.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercall/callid"
	"github.com/opd-ai/peercall/clock"
	"github.com/opd-ai/peercall/internal/serial"
	"github.com/opd-ai/peercall/media"
	"github.com/opd-ai/peercall/signaling"
	"github.com/opd-ai/peercall/stats"
	"github.com/opd-ai/peercall/transport"
)

// Controller is the call session state machine for one local user.
type Controller struct {
	opts    *Options
	selfID  string
	channel signaling.Channel
	factory transport.Factory
	source  media.Source
	tp      clock.TimeProvider

	loop     *serial.Queue
	notifier *serial.Queue
	// writes runs relay writes in issue order, off the loop.
	writes *serial.Queue

	// Loop-owned.
	state    State
	message  string
	session  *Session
	incoming *signaling.Notification
	mailbox  signaling.Subscription
	started  bool
	seq      uint64
	cleanup  map[string]clock.Timer

	mu            sync.Mutex
	snapshot      Snapshot
	onStateChange func(State, string)
	onStats       func(stats.CallStats, stats.QualityLevel)
	onChat        func(string)
	onCallEnded   func(CallRecord)
	onIncoming    func(signaling.Notification)
	onRemoteTrack func(transport.RemoteTrack)
}

// New creates a controller in StateIdle. Start begins watching the local
// user's mailbox for incoming calls.
func New(channel signaling.Channel, factory transport.Factory, source media.Source, opts *Options) (*Controller, error) {
	if channel == nil {
		return nil, errors.New("signaling channel cannot be nil")
	}
	if factory == nil {
		return nil, errors.New("transport factory cannot be nil")
	}
	if source == nil {
		return nil, errors.New("media source cannot be nil")
	}
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Quality == nil {
		opts.Quality = stats.DefaultQualityThresholds()
	}

	selfID := opts.SelfID
	if selfID == "" {
		selfID = callid.NewUserID()
	}

	c := &Controller{
		opts:     opts,
		selfID:   selfID,
		channel:  channel,
		factory:  factory,
		source:   source,
		tp:       clock.OrDefault(opts.TimeProvider),
		loop:     serial.NewQueue(),
		notifier: serial.NewQueue(),
		writes:   serial.NewQueue(),
		state:    StateIdle,
		cleanup:  make(map[string]clock.Timer),
	}
	c.snapshot.State = StateIdle

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"self_id":  selfID,
		"e2ee":     opts.EnableE2EE,
	}).Info("Call controller created")

	return c, nil
}

// SelfID returns the local user's ID.
func (c *Controller) SelfID() string { return c.selfID }

// Start subscribes to the local user's incoming-call mailbox.
func (c *Controller) Start() error {
	return c.do(func() error {
		if c.started {
			return ErrAlreadyStarted
		}
		c.started = true
		c.mailbox = c.channel.WatchMailbox(c.selfID, func(n *signaling.Notification, err error) {
			c.post(func() { c.onMailbox(n, err) })
		})
		return nil
	})
}

// Close hangs up any active call and stops the controller. Relay writes
// already issued are allowed to finish; pending document cleanups are
// abandoned.
func (c *Controller) Close() error {
	err := c.do(func() error {
		if c.state.Active() {
			c.hangUp("Call ended")
		} else if c.session != nil {
			c.dropSession()
		}
		if c.mailbox != nil {
			c.mailbox.Unsubscribe()
			c.mailbox = nil
		}
		for id, t := range c.cleanup {
			t.Stop()
			delete(c.cleanup, id)
		}
		return nil
	})
	if errors.Is(err, ErrClosed) {
		return nil
	}

	c.loop.Close()
	<-c.loop.Done()
	c.writes.Post(c.writes.Close)
	<-c.writes.Done()
	c.notifier.Post(c.notifier.Close)
	<-c.notifier.Done()

	logrus.WithFields(logrus.Fields{
		"function": "Controller.Close",
		"self_id":  c.selfID,
	}).Info("Call controller closed")
	return err
}

// OnStateChange registers the state listener.
func (c *Controller) OnStateChange(fn func(State, string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = fn
}

// OnStats registers the listener for stats samples while connected.
func (c *Controller) OnStats(fn func(stats.CallStats, stats.QualityLevel)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStats = fn
}

// OnChat registers the listener for text messages from the peer.
func (c *Controller) OnChat(fn func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChat = fn
}

// OnCallEnded registers the listener for finished calls that connected.
func (c *Controller) OnCallEnded(fn func(CallRecord)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCallEnded = fn
}

// OnIncomingCall registers the listener for mailbox notifications.
func (c *Controller) OnIncomingCall(fn func(signaling.Notification)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onIncoming = fn
}

// OnRemoteTrack registers the listener for media received from the peer.
func (c *Controller) OnRemoteTrack(fn func(transport.RemoteTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRemoteTrack = fn
}

// Snapshot returns the current view of the controller.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.snapshot
	if snap.Stats != nil {
		st := *snap.Stats
		snap.Stats = &st
	}
	if snap.Incoming != nil {
		n := *snap.Incoming
		snap.Incoming = &n
	}
	return snap
}

// State returns the current state.
func (c *Controller) State() State {
	return c.Snapshot().State
}

// EnterLobby starts a local media preview.
func (c *Controller) EnterLobby() error {
	return c.do(func() error {
		switch c.state {
		case StateIdle, StateEnded, StateDeclined, StateIncomingCall:
		default:
			return c.rejectIntent("EnterLobby")
		}
		c.newSession()
		c.transition(StateLobby, "")
		return nil
	})
}

// StartCall creates a new call with a fresh call ID and returns the ID.
func (c *Controller) StartCall() (string, error) {
	var id string
	err := c.do(func() error {
		if c.state != StateLobby {
			return c.rejectIntent("StartCall")
		}
		var err error
		if id, err = callid.Generate(); err != nil {
			return fmt.Errorf("generate call ID: %w", err)
		}
		s := c.session
		s.callID = id
		s.role = RoleInitiator
		c.transition(StateCreatingOffer, "")
		c.withMedia(s, func(*media.Stream) { c.createOffer(s) })
		return nil
	})
	return id, err
}

// Join joins the call with the given ID, or starts it when nobody has
// offered it yet.
func (c *Controller) Join(id string) error {
	if err := callid.Validate(id); err != nil {
		return err
	}
	return c.do(func() error {
		if c.state != StateLobby && c.state != StateIncomingCall {
			return c.rejectIntent("Join")
		}
		c.join(id)
		return nil
	})
}

// Accept joins the call from the pending incoming notification.
func (c *Controller) Accept() error {
	return c.do(func() error {
		if c.state != StateLobby && c.state != StateIncomingCall {
			return c.rejectIntent("Accept")
		}
		if c.incoming == nil {
			return ErrNoIncomingCall
		}
		c.join(c.incoming.CallID)
		return nil
	})
}

// RingPeer calls a known peer: their mailbox is notified and the call
// stays in StateRinging until it connects, is declined or times out.
func (c *Controller) RingPeer(peerID, alias string) (string, error) {
	if peerID == "" || peerID == c.selfID {
		return "", ErrInvalidPeer
	}
	var id string
	err := c.do(func() error {
		if c.state != StateLobby {
			return c.rejectIntent("RingPeer")
		}
		var err error
		if id, err = callid.Generate(); err != nil {
			return fmt.Errorf("generate call ID: %w", err)
		}
		c.ring(id, peerID, alias)
		return nil
	})
	return id, err
}

// Decline refuses an incoming call or abandons an unanswered one. The
// decline is written to the session document so the peer sees it too.
func (c *Controller) Decline() error {
	return c.do(func() error {
		switch c.state {
		case StateIncomingCall:
		case StateLobby:
			if c.incoming == nil {
				return c.rejectIntent("Decline")
			}
		case StateCreatingOffer, StateWaitingForAnswer, StateRinging, StateJoining, StateCreatingAnswer:
		default:
			return c.rejectIntent("Decline")
		}
		c.decline("Call declined")
		return nil
	})
}

// HangUp ends the active call and removes its session document.
func (c *Controller) HangUp() error {
	return c.do(func() error {
		if !c.state.Active() {
			return c.rejectIntent("HangUp")
		}
		c.hangUp("Call ended")
		return nil
	})
}

// Reset returns to StateIdle from any state, ending any active call.
func (c *Controller) Reset() {
	_ = c.do(func() error {
		if c.state.Active() {
			c.hangUp("Call ended")
		} else if c.session != nil {
			c.dropSession()
		}
		c.setIncoming(nil)
		c.transition(StateIdle, "")
		return nil
	})
}

// ToggleMute flips the local audio tracks and reports whether audio is
// now muted.
func (c *Controller) ToggleMute() (bool, error) {
	return c.toggle(media.KindAudio)
}

// ToggleVideo flips the local video tracks and reports whether video is
// now off.
func (c *Controller) ToggleVideo() (bool, error) {
	return c.toggle(media.KindVideo)
}

func (c *Controller) toggle(kind media.Kind) (bool, error) {
	var off bool
	err := c.do(func() error {
		if c.session == nil || c.session.stream == nil {
			return ErrNoLocalMedia
		}
		stream := c.session.stream
		if len(stream.TracksOfKind(kind)) == 0 {
			return fmt.Errorf("%w: no %s track", ErrNoLocalMedia, kind)
		}
		off = !stream.SetEnabled(kind, !stream.Enabled(kind))
		c.refresh()
		return nil
	})
	return off, err
}

// SendChat sends a best-effort text message to the peer.
func (c *Controller) SendChat(text string) error {
	return c.do(func() error {
		if c.state != StateConnected || c.session == nil || c.session.conn == nil {
			return ErrNotConnected
		}
		return c.session.conn.SendText(text)
	})
}

// PeerPresence reads a peer's presence record.
func (c *Controller) PeerPresence(ctx context.Context, peerID string) (*signaling.Presence, error) {
	return c.channel.ReadPresence(ctx, peerID)
}

// do runs fn on the event loop and waits for its result.
func (c *Controller) do(fn func() error) error {
	errc := make(chan error, 1)
	if !c.loop.Post(func() { errc <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-c.loop.Done():
		return ErrClosed
	}
}

func (c *Controller) post(fn func()) {
	c.loop.Post(fn)
}

// postFor runs fn on the loop only if s is still the current session.
func (c *Controller) postFor(s *Session, fn func()) {
	c.loop.Post(func() {
		if c.session != s {
			return
		}
		fn()
	})
}

func (c *Controller) rejectIntent(intent string) error {
	logrus.WithFields(logrus.Fields{
		"function": intent,
		"state":    c.state.String(),
	}).Debug("Intent rejected in current state")
	return fmt.Errorf("%w: %s in %s", ErrInvalidTransition, intent, c.state)
}

// transition moves the state machine. Illegal transitions are logged and
// ignored.
func (c *Controller) transition(to State, message string) bool {
	from := c.state
	if from == to {
		if message != "" && message != c.message {
			c.message = message
			c.refresh()
			c.emitState(to, message)
		}
		return true
	}
	if !CanTransition(from, to) {
		logrus.WithFields(logrus.Fields{
			"function": "Controller.transition",
			"from":     from.String(),
			"to":       to.String(),
		}).Warn("Illegal state transition ignored")
		return false
	}

	c.state = to
	c.message = message

	if from == StateConnected && c.session != nil {
		if c.session.sampler != nil {
			c.session.sampler.Stop()
		}
		c.session.lastStats = nil
	}

	fields := logrus.Fields{
		"function": "Controller.transition",
		"from":     from.String(),
		"to":       to.String(),
	}
	if c.session != nil && c.session.callID != "" {
		fields["call_id"] = c.session.callID
	}
	if message != "" {
		fields["message"] = message
	}
	logrus.WithFields(fields).Info("Call state changed")

	c.refresh()
	c.emitState(to, message)
	return true
}

// refresh republishes the snapshot from loop-owned state.
func (c *Controller) refresh() {
	snap := Snapshot{
		State:   c.state,
		Message: c.message,
	}
	if s := c.session; s != nil {
		snap.CallID = s.callID
		snap.Role = s.role
		snap.PeerID = s.peerID
		snap.Encrypted = s.encrypted
		if s.stream != nil {
			snap.Muted = len(s.stream.TracksOfKind(media.KindAudio)) > 0 && !s.stream.Enabled(media.KindAudio)
			snap.VideoOff = len(s.stream.TracksOfKind(media.KindVideo)) > 0 && !s.stream.Enabled(media.KindVideo)
		}
		if s.lastStats != nil {
			st := *s.lastStats
			snap.Stats = &st
			snap.Quality = c.opts.Quality.Assess(st)
		}
	}
	if c.incoming != nil {
		n := *c.incoming
		snap.Incoming = &n
	}

	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()
}

func (c *Controller) emitState(st State, message string) {
	c.mu.Lock()
	fn := c.onStateChange
	c.mu.Unlock()
	if fn != nil {
		c.notifier.Post(func() { fn(st, message) })
	}
}

func (c *Controller) emitStats(cs stats.CallStats, q stats.QualityLevel) {
	c.mu.Lock()
	fn := c.onStats
	c.mu.Unlock()
	if fn != nil {
		c.notifier.Post(func() { fn(cs, q) })
	}
}

func (c *Controller) emitChat(text string) {
	c.mu.Lock()
	fn := c.onChat
	c.mu.Unlock()
	if fn != nil {
		c.notifier.Post(func() { fn(text) })
	}
}

func (c *Controller) emitCallEnded(rec CallRecord) {
	c.mu.Lock()
	fn := c.onCallEnded
	c.mu.Unlock()
	if fn != nil {
		c.notifier.Post(func() { fn(rec) })
	}
}

func (c *Controller) emitIncoming(n signaling.Notification) {
	c.mu.Lock()
	fn := c.onIncoming
	c.mu.Unlock()
	if fn != nil {
		c.notifier.Post(func() { fn(n) })
	}
}

func (c *Controller) emitRemoteTrack(t transport.RemoteTrack) {
	c.mu.Lock()
	fn := c.onRemoteTrack
	c.mu.Unlock()
	if fn != nil {
		c.notifier.Post(func() { fn(t) })
	}
}

func (c *Controller) setIncoming(n *signaling.Notification) {
	c.incoming = n
	c.refresh()
}

// newSession replaces any current session with a fresh one and starts
// acquiring local media for it.
func (c *Controller) newSession() *Session {
	if c.session != nil {
		c.dropSession()
	}
	c.seq++
	s := newSession(c.seq)
	c.session = s
	c.acquireMedia(s)
	return s
}

// dropSession tears down the current session without any relay writes.
func (c *Controller) dropSession() {
	s := c.session
	if s == nil {
		return
	}
	s.teardown()
	c.session = nil
	c.refresh()
}

// finish ends the current session: it tears it down, emits the call record
// when the call had connected, and enters the terminal state.
func (c *Controller) finish(to State, message string) {
	s := c.session
	if s != nil {
		if s.everConnected() {
			c.emitCallEnded(CallRecord{
				CallID:    s.callID,
				PeerID:    s.peerID,
				Role:      s.role,
				StartedAt: s.connectedAt,
				Duration:  c.tp.Since(s.connectedAt),
			})
		}
		c.dropSession()
	}
	c.transition(to, message)
}

// hangUp ends the call locally, then removes its document so the peer
// observes the end and the call ID becomes reusable.
func (c *Controller) hangUp(message string) {
	s := c.session
	c.finish(StateEnded, message)
	if s == nil || s.callID == "" {
		return
	}
	if s.notified {
		c.withdraw(s.peerID, s.callID)
	}
	if s.published {
		c.deleteDocument(s.callID)
	}
}

// end terminates the call after a failure. deleteDoc controls whether the
// session document is removed.
func (c *Controller) end(s *Session, message string, deleteDoc bool) {
	if c.session != s {
		return
	}
	c.finish(StateEnded, message)
	if deleteDoc && s.callID != "" {
		c.deleteDocument(s.callID)
	}
	if s.notified {
		c.withdraw(s.peerID, s.callID)
	}
}

func (c *Controller) fail(s *Session, message string, err error) {
	logrus.WithFields(logrus.Fields{
		"function": "Controller.fail",
		"call_id":  s.callID,
		"role":     s.role.String(),
		"error":    err.Error(),
	}).Error(message)
	c.end(s, message, true)
}

// write runs fn on the write queue. A failure is handed to onErr on the
// loop while s is still the current session.
func (c *Controller) write(s *Session, fn func() error, onErr func(error)) {
	c.writes.Post(func() {
		if err := fn(); err != nil {
			c.postFor(s, func() { onErr(err) })
		}
	})
}

func (c *Controller) deleteDocument(id string) {
	c.writes.Post(func() {
		if err := c.channel.DeleteSession(id); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Controller.deleteDocument",
				"call_id":  id,
				"error":    err.Error(),
			}).Warn("Failed to delete session document")
		}
	})
}

func (c *Controller) withdraw(recipient, id string) {
	if recipient == "" {
		return
	}
	c.writes.Post(func() {
		if err := c.channel.Withdraw(recipient, id); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "Controller.withdraw",
				"recipient": recipient,
				"call_id":   id,
				"error":     err.Error(),
			}).Warn("Failed to withdraw notification")
		}
	})
}
