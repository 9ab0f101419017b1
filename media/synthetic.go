package media

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	syntheticVideoInterval = 33 * time.Millisecond
	syntheticAudioInterval = 20 * time.Millisecond
)

// SyntheticSource produces placeholder frames at realistic cadences. It is
// used by headless clients that have no capture devices and by tests that
// need traffic flowing through a real transport.
type SyntheticSource struct {
	// FrameSize is the payload size of each generated frame. Zero selects
	// a small default.
	FrameSize int
}

// Acquire returns a stream with one track per requested kind.
func (s SyntheticSource) Acquire(ctx context.Context, constraints Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !constraints.Audio && !constraints.Video {
		return nil, fmt.Errorf("%w: neither audio nor video requested", ErrUnsupportedConstraint)
	}

	size := s.FrameSize
	if size <= 0 {
		size = 160
	}

	var tracks []Track
	if constraints.Audio {
		tracks = append(tracks, newSyntheticTrack("synthetic-audio", KindAudio, syntheticAudioInterval, size))
	}
	if constraints.Video {
		tracks = append(tracks, newSyntheticTrack("synthetic-video", KindVideo, syntheticVideoInterval, size*8))
	}

	logrus.WithFields(logrus.Fields{
		"function":   "SyntheticSource.Acquire",
		"tracks":     len(tracks),
		"resolution": constraints.Resolution.Name,
	}).Info("Synthetic media acquired")

	return NewStream(tracks...), nil
}

type syntheticTrack struct {
	id       string
	kind     Kind
	interval time.Duration
	payload  []byte

	enabled  atomic.Bool
	ticker   *time.Ticker
	stopOnce sync.Once
	stop     chan struct{}
	counter  uint32
}

func newSyntheticTrack(id string, kind Kind, interval time.Duration, size int) *syntheticTrack {
	t := &syntheticTrack{
		id:       id,
		kind:     kind,
		interval: interval,
		payload:  make([]byte, size),
		ticker:   time.NewTicker(interval),
		stop:     make(chan struct{}),
	}
	t.enabled.Store(true)
	return t
}

func (t *syntheticTrack) ID() string { return t.id }

func (t *syntheticTrack) Kind() Kind { return t.kind }

func (t *syntheticTrack) ReadFrame() (Frame, error) {
	select {
	case <-t.stop:
		return Frame{}, io.EOF
	default:
	}
	select {
	case <-t.stop:
		return Frame{}, io.EOF
	case <-t.ticker.C:
	}

	t.counter++
	data := make([]byte, len(t.payload))
	copy(data, t.payload)
	if len(data) >= 4 {
		data[0] = byte(t.counter >> 24)
		data[1] = byte(t.counter >> 16)
		data[2] = byte(t.counter >> 8)
		data[3] = byte(t.counter)
	}
	return Frame{Data: data, Duration: t.interval}, nil
}

func (t *syntheticTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *syntheticTrack) Enabled() bool { return t.enabled.Load() }

func (t *syntheticTrack) Stop() {
	t.stopOnce.Do(func() {
		t.ticker.Stop()
		close(t.stop)
	})
}

// ReceiveOnly is a Source that acquires nothing. The transport then
// negotiates receive-only media sections.
type ReceiveOnly struct{}

// Acquire returns an empty stream.
func (ReceiveOnly) Acquire(ctx context.Context, _ Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return NewStream(), nil
}
