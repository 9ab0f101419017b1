package transport

import (
	"errors"
	"io"
	"strings"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercall/media"
)

// pionSender pumps frames from a local track into a pion sample track.
type pionSender struct {
	id        string
	kind      media.Kind
	local     *webrtc.TrackLocalStaticSample
	source    media.Track
	transform atomic.Pointer[FrameTransform]
}

func (s *pionSender) ID() string       { return s.id }
func (s *pionSender) Kind() media.Kind { return s.kind }

func (s *pionSender) SetFrameTransform(t FrameTransform) {
	s.transform.Store(&t)
}

func (s *pionSender) pump(closed <-chan struct{}) {
	for {
		frame, err := s.source.ReadFrame()
		if err != nil {
			return
		}
		select {
		case <-closed:
			return
		default:
		}
		if !s.source.Enabled() {
			continue
		}

		data := frame.Data
		if t := s.transform.Load(); t != nil {
			var ok bool
			if data, ok = (*t)(data); !ok {
				continue
			}
		}

		if err := s.local.WriteSample(pionmedia.Sample{Data: data, Duration: frame.Duration}); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "pionSender.pump",
				"track_id": s.id,
				"error":    err.Error(),
			}).Debug("Failed to write sample")
		}
	}
}

// pionReceiver rebuilds frames from a remote RTP track.
type pionReceiver struct {
	id        string
	kind      media.Kind
	remote    *webrtc.TrackRemote
	maxLate   uint16
	frames    chan media.Frame
	transform atomic.Pointer[FrameTransform]
}

func newPionReceiver(remote *webrtc.TrackRemote, opts *PionOptions) *pionReceiver {
	kind := media.KindAudio
	if remote.Kind() == webrtc.RTPCodecTypeVideo {
		kind = media.KindVideo
	}
	return &pionReceiver{
		id:      remote.StreamID() + "/" + remote.ID(),
		kind:    kind,
		remote:  remote,
		maxLate: opts.MaxLatePackets,
		frames:  make(chan media.Frame, opts.RemoteFrameBuffer),
	}
}

func (r *pionReceiver) ID() string                 { return r.id }
func (r *pionReceiver) Kind() media.Kind           { return r.kind }
func (r *pionReceiver) Frames() <-chan media.Frame { return r.frames }

func (r *pionReceiver) SetFrameTransform(t FrameTransform) {
	r.transform.Store(&t)
}

func depacketizerFor(mimeType string) rtp.Depacketizer {
	switch strings.ToLower(mimeType) {
	case strings.ToLower(webrtc.MimeTypeVP8):
		return &codecs.VP8Packet{}
	case strings.ToLower(webrtc.MimeTypeOpus):
		return &codecs.OpusPacket{}
	default:
		return nil
	}
}

// pump reads RTP until the track ends. Frames that the consumer is too slow
// to take are dropped.
func (r *pionReceiver) pump() {
	defer close(r.frames)

	codec := r.remote.Codec()
	depacketizer := depacketizerFor(codec.MimeType)
	if depacketizer == nil {
		logrus.WithFields(logrus.Fields{
			"function": "pionReceiver.pump",
			"track_id": r.id,
			"codec":    codec.MimeType,
		}).Warn("No depacketizer for codec, discarding track")
		for {
			if _, _, err := r.remote.ReadRTP(); err != nil {
				return
			}
		}
	}

	sb := samplebuilder.New(r.maxLate, depacketizer, codec.ClockRate)
	for {
		pkt, _, err := r.remote.ReadRTP()
		if err != nil {
			return
		}
		sb.Push(pkt)

		for sample := sb.Pop(); sample != nil; sample = sb.Pop() {
			data := sample.Data
			if t := r.transform.Load(); t != nil {
				var ok bool
				if data, ok = (*t)(data); !ok {
					continue
				}
			}
			select {
			case r.frames <- media.Frame{Data: data, Duration: sample.Duration}:
			default:
			}
		}
	}
}
