package transport

import (
	"fmt"

	"github.com/opd-ai/peercall/media"
	"github.com/opd-ai/peercall/stats"
)

// ConnectionState is the aggregate peer connection state.
type ConnectionState int

const (
	// StateNew indicates a connection that has not started connecting.
	StateNew ConnectionState = iota
	// StateConnecting indicates ICE/DTLS negotiation in progress.
	StateConnecting
	// StateConnected indicates media can flow.
	StateConnected
	// StateDisconnected indicates connectivity was lost and may recover.
	StateDisconnected
	// StateFailed indicates connectivity was lost permanently.
	StateFailed
	// StateClosed indicates the connection was closed locally.
	StateClosed
)

// String returns the state name.
func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Description types.
const (
	SDPTypeOffer  = "offer"
	SDPTypeAnswer = "answer"
)

// SessionDescription is an SDP offer or answer.
type SessionDescription struct {
	Type string
	SDP  string
}

// Candidate is a trickled ICE candidate.
type Candidate struct {
	Candidate        string
	SDPMid           *string
	SDPMLineIndex    *uint16
	UsernameFragment *string
}

// ICEServer is a STUN or TURN server.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// Config configures a new peer connection.
type Config struct {
	ICEServers []ICEServer

	// Offerer creates the text data channel; the answering side accepts
	// it when it arrives.
	Offerer bool
}

// FrameTransform rewrites one encoded frame. Returning false drops the
// frame.
type FrameTransform func(frame []byte) ([]byte, bool)

// MediaEndpoint is a sender or receiver that can carry a frame transform.
type MediaEndpoint interface {
	ID() string
	Kind() media.Kind
	SetFrameTransform(t FrameTransform)
}

// FrameTransformer exposes the media endpoints of a connection for
// per-frame processing.
type FrameTransformer interface {
	// SupportsFrameTransforms reports whether SetFrameTransform has any
	// effect on this connection.
	SupportsFrameTransforms() bool
	Senders() []MediaEndpoint
	Receivers() []MediaEndpoint
}

// RemoteTrack is a media track received from the peer. Frames delivers
// decoded (and, when armed, decrypted) encoded frames; slow readers lose
// frames rather than stall the connection.
type RemoteTrack interface {
	ID() string
	Kind() media.Kind
	Frames() <-chan media.Frame
}

// PeerConnection is one side of a two-party media session.
type PeerConnection interface {
	FrameTransformer
	stats.Source

	CreateOffer(iceRestart bool) (SessionDescription, error)
	CreateAnswer() (SessionDescription, error)
	SetLocalDescription(desc SessionDescription) error
	SetRemoteDescription(desc SessionDescription) error
	AddICECandidate(c Candidate) error

	// AddLocalMedia attaches the stream's tracks. A stream without tracks
	// negotiates receive-only media.
	AddLocalMedia(stream *media.Stream) error

	OnICECandidate(fn func(Candidate))
	OnConnectionStateChange(fn func(ConnectionState))
	OnTrack(fn func(RemoteTrack))

	// SendText sends a message over the text channel.
	SendText(text string) error
	OnText(fn func(string))

	Close() error
}

// Factory creates peer connections.
type Factory interface {
	NewPeerConnection(cfg Config) (PeerConnection, error)
}

// DefaultICEServers are public STUN servers.
func DefaultICEServers() []ICEServer {
	return []ICEServer{
		{URLs: []string{
			"stun:stun1.l.google.com:19302",
			"stun:stun2.l.google.com:19302",
			"stun:stun3.l.google.com:19302",
		}},
	}
}
