// Package media defines the local media contract consumed by the call
// controller and the transport: a Source acquires a Stream of encoded
// Tracks under a set of Constraints.
//
// Capture itself lives in media/capture (camera and microphone through
// pion/mediadevices). This package also ships a SyntheticSource that emits
// placeholder frames for headless clients and a receive-only source.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Kind is the media type carried by a track.
type Kind string

const (
	// KindAudio identifies an audio track.
	KindAudio Kind = "audio"
	// KindVideo identifies a video track.
	KindVideo Kind = "video"
)

// Frame is one encoded media frame with its playout duration.
type Frame struct {
	Data     []byte
	Duration time.Duration
}

// Track is a single local encoded media track.
type Track interface {
	// ID identifies the track within its stream.
	ID() string

	// Kind reports whether the track carries audio or video.
	Kind() Kind

	// ReadFrame blocks until the next encoded frame is available. It returns
	// io.EOF once the track has been stopped.
	ReadFrame() (Frame, error)

	// SetEnabled mutes (false) or unmutes (true) the track. Disabled tracks
	// keep running but their frames are not sent.
	SetEnabled(enabled bool)

	// Enabled reports the current mute state.
	Enabled() bool

	// Stop releases the underlying device.
	Stop()
}

// Source acquires local media.
type Source interface {
	Acquire(ctx context.Context, constraints Constraints) (*Stream, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, constraints Constraints) (*Stream, error)

// Acquire calls f.
func (f SourceFunc) Acquire(ctx context.Context, constraints Constraints) (*Stream, error) {
	return f(ctx, constraints)
}

// Stream is a set of local tracks acquired together.
type Stream struct {
	mu      sync.Mutex
	tracks  []Track
	stopped bool
}

// NewStream wraps the given tracks.
func NewStream(tracks ...Track) *Stream {
	return &Stream{tracks: tracks}
}

// Tracks returns the stream's tracks.
func (s *Stream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// TracksOfKind returns the stream's tracks of one kind.
func (s *Stream) TracksOfKind(kind Kind) []Track {
	var out []Track
	for _, t := range s.Tracks() {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// SetEnabled toggles every track of the given kind and returns the new
// state. A stream without such tracks reports false.
func (s *Stream) SetEnabled(kind Kind, enabled bool) bool {
	tracks := s.TracksOfKind(kind)
	for _, t := range tracks {
		t.SetEnabled(enabled)
	}
	return len(tracks) > 0 && enabled
}

// Enabled reports whether any track of the given kind is enabled.
func (s *Stream) Enabled(kind Kind) bool {
	for _, t := range s.TracksOfKind(kind) {
		if t.Enabled() {
			return true
		}
	}
	return false
}

// Stop stops every track. It is safe to call more than once.
func (s *Stream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	tracks := s.tracks
	s.mu.Unlock()

	for _, t := range tracks {
		t.Stop()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Stream.Stop",
		"tracks":   len(tracks),
	}).Debug("Local media stopped")
}

// Stopped reports whether Stop has been called.
func (s *Stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Sentinel errors for media acquisition. Sources wrap these so the call
// controller can classify failures with errors.Is.
var (
	// ErrPermissionDenied indicates the user or OS refused device access.
	ErrPermissionDenied = errors.New("media permission denied")

	// ErrDeviceNotFound indicates no camera or microphone is available.
	ErrDeviceNotFound = errors.New("media device not found")

	// ErrUnsupportedConstraint indicates the device cannot satisfy the
	// requested constraints.
	ErrUnsupportedConstraint = errors.New("unsupported media constraint")
)

// Describe turns an acquisition error into a message suitable for display.
func Describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return "Permission denied. Please allow access to your camera and microphone, then try again."
	case errors.Is(err, ErrDeviceNotFound):
		return "No camera or microphone found. Please connect a device and try again."
	case errors.Is(err, ErrUnsupportedConstraint):
		return "Your camera does not support the selected resolution. Try a lower resolution."
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Media acquisition was cancelled."
	default:
		return fmt.Sprintf("Could not access camera or microphone: %v", err)
	}
}
