package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercall/media"
	"github.com/opd-ai/peercall/stats"
)

// textChannelLabel is the data channel label used for chat.
const textChannelLabel = "chat"

// PionOptions configures the pion/webrtc transport.
type PionOptions struct {
	// ICE timeouts. A connection is reported disconnected after
	// ICEDisconnectedTimeout without traffic and failed after
	// ICEFailedTimeout.
	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepaliveInterval   time.Duration

	// RemoteFrameBuffer is the per-track buffer of received frames.
	RemoteFrameBuffer int

	// MaxLatePackets bounds reordering tolerance when rebuilding frames.
	MaxLatePackets uint16
}

// NewPionOptions returns the default transport settings.
func NewPionOptions() *PionOptions {
	return &PionOptions{
		ICEDisconnectedTimeout: 5 * time.Second,
		ICEFailedTimeout:       25 * time.Second,
		ICEKeepaliveInterval:   2 * time.Second,
		RemoteFrameBuffer:      64,
		MaxLatePackets:         64,
	}
}

// PionFactory creates pion/webrtc peer connections. Only VP8 and Opus are
// negotiated, so every media stream can carry frame transforms.
type PionFactory struct {
	api  *webrtc.API
	opts *PionOptions
}

// NewPionFactory builds the media engine, interceptor registry and setting
// engine shared by all connections.
func NewPionFactory(opts *PionOptions) (*PionFactory, error) {
	if opts == nil {
		opts = NewPionOptions()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		PayloadType:        96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register vp8: %w", err)
	}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(opts.ICEDisconnectedTimeout, opts.ICEFailedTimeout, opts.ICEKeepaliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	return &PionFactory{api: api, opts: opts}, nil
}

// NewPeerConnection creates a connection. The offerer opens the text
// channel; the answerer picks it up when it arrives.
func (f *PionFactory) NewPeerConnection(cfg Config) (PeerConnection, error) {
	servers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	c := &pionConn{
		pc:     pc,
		opts:   f.opts,
		closed: make(chan struct{}),
	}
	c.wireCallbacks()

	if cfg.Offerer {
		dc, err := pc.CreateDataChannel(textChannelLabel, nil)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("create text channel: %w", err)
		}
		c.attachText(dc)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "PionFactory.NewPeerConnection",
		"offerer":     cfg.Offerer,
		"ice_servers": len(servers),
	}).Debug("Peer connection created")

	return c, nil
}

type pionConn struct {
	pc   *webrtc.PeerConnection
	opts *PionOptions

	mu          sync.Mutex
	senders     []*pionSender
	receivers   []*pionReceiver
	text        *webrtc.DataChannel
	onText      func(string)
	onTrack     func(RemoteTrack)
	onCandidate func(Candidate)
	onState     func(ConnectionState)

	closed    chan struct{}
	closeOnce sync.Once
}

func (c *pionConn) wireCallbacks() {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		c.mu.Lock()
		fn := c.onCandidate
		c.mu.Unlock()
		if fn != nil {
			fn(Candidate{
				Candidate:        init.Candidate,
				SDPMid:           init.SDPMid,
				SDPMLineIndex:    init.SDPMLineIndex,
				UsernameFragment: init.UsernameFragment,
			})
		}
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(mapConnectionState(s))
		}
	})

	c.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		r := newPionReceiver(remote, c.opts)

		c.mu.Lock()
		c.receivers = append(c.receivers, r)
		fn := c.onTrack
		c.mu.Unlock()

		go r.pump()

		logrus.WithFields(logrus.Fields{
			"function": "pionConn.OnTrack",
			"track_id": r.ID(),
			"codec":    remote.Codec().MimeType,
		}).Info("Remote track received")

		if fn != nil {
			fn(r)
		}
	})

	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() == textChannelLabel {
			c.attachText(dc)
		}
	})
}

func (c *pionConn) attachText(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.text = dc
	c.mu.Unlock()

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			return
		}
		c.mu.Lock()
		fn := c.onText
		c.mu.Unlock()
		if fn != nil {
			fn(string(msg.Data))
		}
	})
}

func mapConnectionState(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

func (c *pionConn) CreateOffer(iceRestart bool) (SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := c.pc.CreateOffer(opts)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return SessionDescription{Type: SDPTypeOffer, SDP: offer.SDP}, nil
}

func (c *pionConn) CreateAnswer() (SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return SessionDescription{Type: SDPTypeAnswer, SDP: answer.SDP}, nil
}

func (c *pionConn) SetLocalDescription(desc SessionDescription) error {
	sd, err := toPionDescription(desc)
	if err != nil {
		return err
	}
	if err := c.pc.SetLocalDescription(sd); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return nil
}

func (c *pionConn) SetRemoteDescription(desc SessionDescription) error {
	sd, err := toPionDescription(desc)
	if err != nil {
		return err
	}
	if err := c.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func toPionDescription(desc SessionDescription) (webrtc.SessionDescription, error) {
	t := webrtc.NewSDPType(desc.Type)
	if t != webrtc.SDPTypeOffer && t != webrtc.SDPTypeAnswer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: type %q", ErrInvalidDescription, desc.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: desc.SDP}, nil
}

func (c *pionConn) AddICECandidate(cand Candidate) error {
	if err := c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	}); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (c *pionConn) AddLocalMedia(stream *media.Stream) error {
	haveKind := map[media.Kind]bool{}
	for _, track := range stream.Tracks() {
		sender, err := c.addSender(track)
		if err != nil {
			return err
		}
		haveKind[track.Kind()] = true
		go sender.pump(c.closed)
	}

	// Media sections for kinds we do not send are still negotiated so the
	// peer's media can be received.
	for kind, codecType := range map[media.Kind]webrtc.RTPCodecType{
		media.KindVideo: webrtc.RTPCodecTypeVideo,
		media.KindAudio: webrtc.RTPCodecTypeAudio,
	} {
		if haveKind[kind] {
			continue
		}
		if _, err := c.pc.AddTransceiverFromKind(codecType, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add recvonly %s transceiver: %w", kind, err)
		}
	}
	return nil
}

func (c *pionConn) addSender(track media.Track) (*pionSender, error) {
	mimeType := webrtc.MimeTypeOpus
	if track.Kind() == media.KindVideo {
		mimeType = webrtc.MimeTypeVP8
	}

	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mimeType},
		track.ID(),
		"peercall",
	)
	if err != nil {
		return nil, fmt.Errorf("new local %s track: %w", track.Kind(), err)
	}

	rtpSender, err := c.pc.AddTrack(local)
	if err != nil {
		return nil, fmt.Errorf("add %s track: %w", track.Kind(), err)
	}

	// Drain RTCP so interceptors (NACK, reports) keep working.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := rtpSender.Read(buf); err != nil {
				return
			}
		}
	}()

	s := &pionSender{id: track.ID(), kind: track.Kind(), local: local, source: track}

	c.mu.Lock()
	c.senders = append(c.senders, s)
	c.mu.Unlock()
	return s, nil
}

func (c *pionConn) OnICECandidate(fn func(Candidate)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCandidate = fn
}

func (c *pionConn) OnConnectionStateChange(fn func(ConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *pionConn) OnTrack(fn func(RemoteTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

func (c *pionConn) OnText(fn func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onText = fn
}

func (c *pionConn) SendText(text string) error {
	c.mu.Lock()
	dc := c.text
	c.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrTextChannelNotOpen
	}
	if err := dc.SendText(text); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	return nil
}

func (c *pionConn) SupportsFrameTransforms() bool { return true }

func (c *pionConn) Senders() []MediaEndpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]MediaEndpoint, len(c.senders))
	for i, s := range c.senders {
		out[i] = s
	}
	return out
}

func (c *pionConn) Receivers() []MediaEndpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]MediaEndpoint, len(c.receivers))
	for i, r := range c.receivers {
		out[i] = r
	}
	return out
}

// Stats converts the pion stats report into typed reports.
func (c *pionConn) Stats() (stats.Snapshot, error) {
	select {
	case <-c.closed:
		return stats.Snapshot{}, ErrClosed
	default:
	}

	var snap stats.Snapshot
	for _, s := range c.pc.GetStats() {
		switch st := s.(type) {
		case webrtc.InboundRTPStreamStats:
			snap.Reports = append(snap.Reports, stats.Report{
				Type:          stats.ReportInbound,
				Kind:          st.Kind,
				PacketsLost:   int64(st.PacketsLost),
				Jitter:        seconds(st.Jitter),
				BytesReceived: st.BytesReceived,
			})
		case webrtc.OutboundRTPStreamStats:
			snap.Reports = append(snap.Reports, stats.Report{
				Type:      stats.ReportOutbound,
				Kind:      st.Kind,
				BytesSent: st.BytesSent,
			})
		case webrtc.RemoteInboundRTPStreamStats:
			snap.Reports = append(snap.Reports, stats.Report{
				Type:          stats.ReportRemoteInbound,
				Kind:          st.Kind,
				PacketsLost:   int64(st.PacketsLost),
				Jitter:        seconds(st.Jitter),
				RoundTripTime: seconds(st.RoundTripTime),
			})
		case webrtc.ICECandidatePairStats:
			snap.Reports = append(snap.Reports, stats.Report{
				Type:          stats.ReportCandidatePair,
				Nominated:     st.Nominated && st.State == webrtc.StatsICECandidatePairStateSucceeded,
				RoundTripTime: seconds(st.CurrentRoundTripTime),
				BytesSent:     st.BytesSent,
				BytesReceived: st.BytesReceived,
			})
		}
	}
	return snap, nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func (c *pionConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.pc.Close()
	})
	if err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}

var _ Factory = (*PionFactory)(nil)
