//go:build linux

package capture

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercall/media"
)

const (
	videoClockRate = 90000
	audioClockRate = 48000
)

// Acquire opens the camera and microphone and returns encoded VP8 and Opus
// tracks.
func (s *Source) Acquire(ctx context.Context, constraints media.Constraints) (*media.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkDevices(constraints); err != nil {
		return nil, err
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 encoder params: %w", err)
	}
	vpxParams.BitRate = s.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus encoder params: %w", err)
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	streamConstraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
	if constraints.Video {
		res := constraints.Resolution
		streamConstraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only; MJPEG nodes on some cameras poison the encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			if res.Width > 0 {
				c.Width = prop.IntRanged{Max: res.Width, Ideal: res.Width}
				c.Height = prop.IntRanged{Max: res.Height, Ideal: res.Height}
			}
		}
	}
	if constraints.Audio {
		streamConstraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(streamConstraints)
	if err != nil {
		return nil, classify(err)
	}

	var tracks []media.Track
	for _, track := range stream.GetTracks() {
		wrapped, err := wrapTrack(track)
		if err != nil {
			for _, t := range tracks {
				t.Stop()
			}
			track.Close()
			return nil, classify(err)
		}
		tracks = append(tracks, wrapped)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "capture.Acquire",
		"tracks":     len(tracks),
		"resolution": constraints.Resolution.Name,
	}).Info("Local media captured")

	return media.NewStream(tracks...), nil
}

func checkDevices(constraints media.Constraints) error {
	var haveVideo, haveAudio bool
	for _, d := range mediadevices.EnumerateDevices() {
		switch d.Kind {
		case mediadevices.VideoInput:
			haveVideo = true
		case mediadevices.AudioInput:
			haveAudio = true
		}
	}
	if constraints.Video && !haveVideo {
		return fmt.Errorf("%w: no camera", media.ErrDeviceNotFound)
	}
	if constraints.Audio && !haveAudio {
		return fmt.Errorf("%w: no microphone", media.ErrDeviceNotFound)
	}
	return nil
}

func classify(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %v", media.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", media.ErrUnsupportedConstraint, err)
}

type deviceTrack struct {
	track     mediadevices.Track
	reader    mediadevices.EncodedReadCloser
	kind      media.Kind
	clockRate int64
	enabled   atomic.Bool
	stopOnce  sync.Once
}

func wrapTrack(track mediadevices.Track) (*deviceTrack, error) {
	t := &deviceTrack{track: track}

	mimeType := webrtc.MimeTypeOpus
	t.kind = media.KindAudio
	t.clockRate = audioClockRate
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		mimeType = webrtc.MimeTypeVP8
		t.kind = media.KindVideo
		t.clockRate = videoClockRate
	}

	reader, err := track.NewEncodedReader(mimeType)
	if err != nil {
		return nil, fmt.Errorf("open %s encoder: %w", mimeType, err)
	}
	t.reader = reader
	t.enabled.Store(true)

	track.OnEnded(func(err error) {
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "deviceTrack.OnEnded",
				"track_id": track.ID(),
				"error":    err.Error(),
			}).Warn("Local track ended")
		}
	})

	return t, nil
}

func (t *deviceTrack) ID() string { return t.track.ID() }

func (t *deviceTrack) Kind() media.Kind { return t.kind }

func (t *deviceTrack) ReadFrame() (media.Frame, error) {
	buf, release, err := t.reader.Read()
	if err != nil {
		return media.Frame{}, err
	}
	defer release()

	data := make([]byte, len(buf.Data))
	copy(data, buf.Data)
	return media.Frame{
		Data:     data,
		Duration: time.Duration(int64(buf.Samples) * int64(time.Second) / t.clockRate),
	}, nil
}

func (t *deviceTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *deviceTrack) Enabled() bool { return t.enabled.Load() }

func (t *deviceTrack) Stop() {
	t.stopOnce.Do(func() {
		t.reader.Close()
		t.track.Close()
	})
}
