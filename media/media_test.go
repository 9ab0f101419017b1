package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSyntheticSourceAcquire tests track creation per requested kind.
func TestSyntheticSourceAcquire(t *testing.T) {
	stream, err := SyntheticSource{}.Acquire(context.Background(), DefaultConstraints())
	require.NoError(t, err)
	defer stream.Stop()

	assert.Len(t, stream.Tracks(), 2)
	assert.Len(t, stream.TracksOfKind(KindAudio), 1)
	assert.Len(t, stream.TracksOfKind(KindVideo), 1)

	frame, err := stream.TracksOfKind(KindAudio)[0].ReadFrame()
	require.NoError(t, err)
	assert.NotEmpty(t, frame.Data)
	assert.Equal(t, syntheticAudioInterval, frame.Duration)
}

// TestSyntheticSourceRejectsEmptyConstraints tests the no-media edge case.
func TestSyntheticSourceRejectsEmptyConstraints(t *testing.T) {
	_, err := SyntheticSource{}.Acquire(context.Background(), Constraints{})
	assert.ErrorIs(t, err, ErrUnsupportedConstraint)
}

// TestStreamStopEndsReads tests that stopped tracks return io.EOF.
func TestStreamStopEndsReads(t *testing.T) {
	stream, err := SyntheticSource{}.Acquire(context.Background(), Constraints{Video: true})
	require.NoError(t, err)

	stream.Stop()
	stream.Stop()
	assert.True(t, stream.Stopped())

	_, err = stream.Tracks()[0].ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

// TestStreamSetEnabled tests muting by kind.
func TestStreamSetEnabled(t *testing.T) {
	stream, err := SyntheticSource{}.Acquire(context.Background(), DefaultConstraints())
	require.NoError(t, err)
	defer stream.Stop()

	assert.True(t, stream.Enabled(KindAudio))
	assert.False(t, stream.SetEnabled(KindAudio, false))
	assert.False(t, stream.Enabled(KindAudio))
	assert.True(t, stream.Enabled(KindVideo))

	empty := NewStream()
	assert.False(t, empty.SetEnabled(KindVideo, true))
}

// TestReceiveOnly tests the empty source.
func TestReceiveOnly(t *testing.T) {
	stream, err := ReceiveOnly{}.Acquire(context.Background(), DefaultConstraints())
	require.NoError(t, err)
	assert.Empty(t, stream.Tracks())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ReceiveOnly{}.Acquire(ctx, DefaultConstraints())
	assert.ErrorIs(t, err, context.Canceled)
}

// TestParseResolution tests preset lookup.
func TestParseResolution(t *testing.T) {
	r, err := ParseResolution("1080P")
	require.NoError(t, err)
	assert.Equal(t, 1920, r.Width)

	_, err = ParseResolution("4k")
	assert.ErrorIs(t, err, ErrUnsupportedConstraint)
	assert.Len(t, Resolutions(), 3)
}

// TestDescribe tests human-readable acquisition failures.
func TestDescribe(t *testing.T) {
	assert.Empty(t, Describe(nil))
	assert.Contains(t, Describe(fmt.Errorf("open: %w", ErrPermissionDenied)), "Permission denied")
	assert.Contains(t, Describe(ErrDeviceNotFound), "No camera or microphone")
	assert.Contains(t, Describe(ErrUnsupportedConstraint), "resolution")
	assert.Contains(t, Describe(errors.New("boom")), "boom")
}
