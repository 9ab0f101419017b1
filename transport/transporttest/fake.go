// Package transporttest provides a scriptable in-memory transport for
// testing code that drives peer connections.
package transporttest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/peercall/media"
	"github.com/opd-ai/peercall/stats"
	"github.com/opd-ai/peercall/transport"
)

// ErrNoRemoteOffer is returned by CreateAnswer before an offer was applied.
var ErrNoRemoteOffer = errors.New("no remote offer")

// Factory creates fake connections and remembers them in creation order.
type Factory struct {
	mu    sync.Mutex
	conns []*Conn

	// AutoConnect makes a connection report connected once an answer has
	// been applied on either side.
	AutoConnect bool
	// NoFrameTransforms makes connections report no transform support.
	NoFrameTransforms bool
	// Candidates are trickled after each SetLocalDescription.
	Candidates []transport.Candidate
	// Err fails NewPeerConnection when set.
	Err error
}

// NewFactory returns a factory whose connections auto-connect and trickle
// one host candidate.
func NewFactory() *Factory {
	return &Factory{
		AutoConnect: true,
		Candidates:  []transport.Candidate{{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 50000 typ host"}},
	}
}

// NewPeerConnection implements transport.Factory.
func (f *Factory) NewPeerConnection(cfg transport.Config) (transport.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}
	c := &Conn{
		config:      cfg,
		autoConnect: f.AutoConnect,
		transforms:  !f.NoFrameTransforms,
		candidates:  append([]transport.Candidate(nil), f.Candidates...),
		state:       transport.StateNew,
	}
	f.conns = append(f.conns, c)
	return c, nil
}

// Conns returns every connection created so far.
func (f *Factory) Conns() []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Conn(nil), f.conns...)
}

// Last returns the most recent connection, or nil.
func (f *Factory) Last() *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// Conn is a fake peer connection.
type Conn struct {
	mu          sync.Mutex
	config      transport.Config
	autoConnect bool
	transforms  bool
	candidates  []transport.Candidate

	local    *transport.SessionDescription
	remote   *transport.SessionDescription
	offers   int
	restarts int
	added    []transport.Candidate
	stream   *media.Stream
	senders  []*Endpoint
	receiver []*Endpoint
	state    transport.ConnectionState
	text     []string
	snapshot stats.Snapshot
	closed   bool

	onCandidate func(transport.Candidate)
	onState     func(transport.ConnectionState)
	onTrack     func(transport.RemoteTrack)
	onText      func(string)
}

// Config returns the configuration the connection was created with.
func (c *Conn) Config() transport.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

func (c *Conn) CreateOffer(iceRestart bool) (transport.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.SessionDescription{}, transport.ErrClosed
	}
	c.offers++
	if iceRestart {
		c.restarts++
	}
	return transport.SessionDescription{
		Type: transport.SDPTypeOffer,
		SDP:  fmt.Sprintf("v=0\r\ns=fake offer %d restart=%t\r\n", c.offers, iceRestart),
	}, nil
}

func (c *Conn) CreateAnswer() (transport.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.SessionDescription{}, transport.ErrClosed
	}
	if c.remote == nil || c.remote.Type != transport.SDPTypeOffer {
		return transport.SessionDescription{}, ErrNoRemoteOffer
	}
	return transport.SessionDescription{
		Type: transport.SDPTypeAnswer,
		SDP:  "v=0\r\ns=fake answer to " + c.remote.SDP,
	}, nil
}

func (c *Conn) SetLocalDescription(desc transport.SessionDescription) error {
	if err := checkDescription(desc); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	c.local = &desc
	candidates := append([]transport.Candidate(nil), c.candidates...)
	connect := c.shouldConnectLocked(desc)
	c.mu.Unlock()

	go func() {
		for _, cand := range candidates {
			c.EmitCandidate(cand)
		}
		if connect {
			c.SetState(transport.StateConnected)
		}
	}()
	return nil
}

func (c *Conn) SetRemoteDescription(desc transport.SessionDescription) error {
	if err := checkDescription(desc); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	c.remote = &desc
	connect := c.shouldConnectLocked(desc)
	c.mu.Unlock()

	if connect {
		go c.SetState(transport.StateConnected)
	}
	return nil
}

func checkDescription(desc transport.SessionDescription) error {
	if desc.Type != transport.SDPTypeOffer && desc.Type != transport.SDPTypeAnswer {
		return fmt.Errorf("%w: type %q", transport.ErrInvalidDescription, desc.Type)
	}
	if desc.SDP == "" {
		return fmt.Errorf("%w: empty sdp", transport.ErrInvalidDescription)
	}
	return nil
}

func (c *Conn) shouldConnectLocked(desc transport.SessionDescription) bool {
	return c.autoConnect && desc.Type == transport.SDPTypeAnswer && c.state != transport.StateConnected
}

func (c *Conn) AddICECandidate(cand transport.Candidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if c.remote == nil {
		return errors.New("remote description not set")
	}
	c.added = append(c.added, cand)
	return nil
}

func (c *Conn) AddLocalMedia(stream *media.Stream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stream = stream
	for _, track := range stream.Tracks() {
		c.senders = append(c.senders, &Endpoint{id: track.ID(), kind: track.Kind()})
	}
	return nil
}

func (c *Conn) OnICECandidate(fn func(transport.Candidate)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCandidate = fn
}

func (c *Conn) OnConnectionStateChange(fn func(transport.ConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *Conn) OnTrack(fn func(transport.RemoteTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

func (c *Conn) OnText(fn func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onText = fn
}

func (c *Conn) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state != transport.StateConnected {
		return transport.ErrTextChannelNotOpen
	}
	c.text = append(c.text, text)
	return nil
}

func (c *Conn) SupportsFrameTransforms() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transforms
}

func (c *Conn) Senders() []transport.MediaEndpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transport.MediaEndpoint, len(c.senders))
	for i, s := range c.senders {
		out[i] = s
	}
	return out
}

func (c *Conn) Receivers() []transport.MediaEndpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transport.MediaEndpoint, len(c.receiver))
	for i, r := range c.receiver {
		out[i] = r
	}
	return out
}

func (c *Conn) Stats() (stats.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return stats.Snapshot{}, transport.ErrClosed
	}
	return c.snapshot, nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.state = transport.StateClosed
	return nil
}

// SetState changes the connection state and reports it.
func (c *Conn) SetState(s transport.ConnectionState) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.state = s
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// EmitCandidate trickles a local candidate.
func (c *Conn) EmitCandidate(cand transport.Candidate) {
	c.mu.Lock()
	fn := c.onCandidate
	closed := c.closed
	c.mu.Unlock()
	if fn != nil && !closed {
		fn(cand)
	}
}

// EmitTrack delivers a remote track of the given kind and returns it.
func (c *Conn) EmitTrack(id string, kind media.Kind) *Endpoint {
	ep := &Endpoint{id: id, kind: kind, frames: make(chan media.Frame, 16)}
	c.mu.Lock()
	c.receiver = append(c.receiver, ep)
	fn := c.onTrack
	c.mu.Unlock()
	if fn != nil {
		fn(ep)
	}
	return ep
}

// DeliverText delivers a message as if the peer had sent it.
func (c *Conn) DeliverText(text string) {
	c.mu.Lock()
	fn := c.onText
	c.mu.Unlock()
	if fn != nil {
		fn(text)
	}
}

// SetStats sets the snapshot returned by Stats.
func (c *Conn) SetStats(snap stats.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = snap
}

// SetAutoConnect changes auto-connect for later answers.
func (c *Conn) SetAutoConnect(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoConnect = v
}

// State returns the last reported state.
func (c *Conn) State() transport.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LocalDescription returns the last local description, or nil.
func (c *Conn) LocalDescription() *transport.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// RemoteDescription returns the last remote description, or nil.
func (c *Conn) RemoteDescription() *transport.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// AddedCandidates returns the remote candidates applied so far.
func (c *Conn) AddedCandidates() []transport.Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Candidate(nil), c.added...)
}

// Offers returns how many offers were created.
func (c *Conn) Offers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers
}

// Restarts returns how many ICE-restart offers were created.
func (c *Conn) Restarts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restarts
}

// SentText returns the messages sent over the text channel.
func (c *Conn) SentText() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.text...)
}

// Stream returns the local media attached to the connection.
func (c *Conn) Stream() *media.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Endpoint is a fake sender or receiver. Receivers also act as remote
// tracks.
type Endpoint struct {
	mu        sync.Mutex
	id        string
	kind      media.Kind
	transform transport.FrameTransform
	frames    chan media.Frame
}

func (e *Endpoint) ID() string                 { return e.id }
func (e *Endpoint) Kind() media.Kind           { return e.kind }
func (e *Endpoint) Frames() <-chan media.Frame { return e.frames }

func (e *Endpoint) SetFrameTransform(t transport.FrameTransform) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transform = t
}

// Transform returns the installed transform, or nil.
func (e *Endpoint) Transform() transport.FrameTransform {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transform
}

var (
	_ transport.Factory        = (*Factory)(nil)
	_ transport.PeerConnection = (*Conn)(nil)
	_ transport.RemoteTrack    = (*Endpoint)(nil)
)
