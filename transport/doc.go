// Package transport defines the peer connection contract used by the call
// controller and provides a pion/webrtc implementation of it.
//
// # Architecture
//
// The call controller never touches pion types. It talks to a
// PeerConnection created by a Factory:
//
//	type PeerConnection interface {
//	    CreateOffer(iceRestart bool) (SessionDescription, error)
//	    CreateAnswer() (SessionDescription, error)
//	    SetLocalDescription(desc SessionDescription) error
//	    SetRemoteDescription(desc SessionDescription) error
//	    AddICECandidate(c Candidate) error
//	    AddLocalMedia(stream *media.Stream) error
//	    // ... callbacks, text channel, stats, Close
//	}
//
// PionFactory builds connections on a shared webrtc.API. Tests use the
// in-memory fake in transport/transporttest instead.
//
// # Media Path
//
// Local tracks are read frame by frame and written as samples, so a frame
// transform (end-to-end encryption) can run on each whole encoded frame
// before packetisation. Remote RTP packets are reassembled into frames with
// a samplebuilder and the matching depacketizer, run through the receiver's
// transform, and delivered on RemoteTrack.Frames. Only VP8 and Opus are
// negotiated.
//
// # Text Channel
//
// The offerer opens an ordered data channel labelled "chat"; the answerer
// adopts it when it arrives. SendText fails with ErrTextChannelNotOpen
// until the channel is open. Delivery is best effort.
//
// # Statistics
//
// Stats flattens the pion stats report into a stats.Snapshot of inbound,
// outbound and remote-inbound RTP reports plus the selected candidate
// pair's round trip time, which the stats.Sampler turns into per-interval
// call statistics.
//
// # Error Handling
//
// Errors are wrapped with fmt.Errorf and logged with logrus.WithFields.
// Sentinel errors cover the failure modes callers branch on:
//
//	var (
//	    ErrClosed             // connection already closed
//	    ErrTextChannelNotOpen // chat channel not yet open
//	    ErrInvalidDescription // malformed SDP type or empty SDP
//	)
package transport
