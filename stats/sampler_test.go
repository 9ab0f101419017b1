package stats

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peercall/clock"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// counterSource reports growing byte counters under test control.
type counterSource struct {
	mu       sync.Mutex
	sent     uint64
	received uint64
	err      error
}

func (c *counterSource) add(sent, received uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent += sent
	c.received += received
}

func (c *counterSource) Stats() (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return Snapshot{}, c.err
	}
	return Snapshot{Reports: []Report{
		{Type: ReportOutbound, Kind: "video", BytesSent: c.sent},
		{Type: ReportInbound, Kind: "video", BytesReceived: c.received, PacketsLost: 3, Jitter: 12 * time.Millisecond},
		{Type: ReportCandidatePair, Nominated: true, RoundTripTime: 80 * time.Millisecond},
	}}, nil
}

// TestBitrateFromByteDelta tests that 12,500 bytes over one second is 100 kbps.
func TestBitrateFromByteDelta(t *testing.T) {
	mock := clock.NewMockTimeProvider(epoch)
	source := &counterSource{}
	sampler := NewSampler(source, time.Second, mock, nil)

	first, err := sampler.Sample()
	require.NoError(t, err)
	assert.False(t, first.HasBitrate, "first sample has no bitrate")

	source.add(12500, 25000)
	mock.Advance(time.Second)

	second, err := sampler.Sample()
	require.NoError(t, err)
	require.True(t, second.HasBitrate)
	assert.Equal(t, 100.0, second.UploadKbps)
	assert.Equal(t, 200.0, second.DownloadKbps)
}

// TestSamplerPeriodicAndBaselineReset tests ticking and restart semantics.
func TestSamplerPeriodicAndBaselineReset(t *testing.T) {
	mock := clock.NewMockTimeProvider(epoch)
	source := &counterSource{}

	var got []CallStats
	sampler := NewSampler(source, time.Second, mock, func(s CallStats) { got = append(got, s) })

	sampler.Start()
	mock.Advance(time.Second)
	source.add(1250, 1250)
	mock.Advance(time.Second)

	require.Len(t, got, 2)
	assert.False(t, got[0].HasBitrate)
	assert.True(t, got[1].HasBitrate)
	assert.Equal(t, 10.0, got[1].UploadKbps)

	sampler.Stop()
	assert.False(t, sampler.Running())
	mock.Advance(5 * time.Second)
	assert.Len(t, got, 2, "stopped sampler does not tick")

	sampler.Start()
	source.add(1250, 1250)
	mock.Advance(time.Second)
	require.Len(t, got, 3)
	assert.False(t, got[2].HasBitrate, "baseline resets on restart")
}

// TestSamplerSkipsFailedSnapshots tests that source errors are not fatal.
func TestSamplerSkipsFailedSnapshots(t *testing.T) {
	mock := clock.NewMockTimeProvider(epoch)
	source := &counterSource{err: errors.New("closed")}

	calls := 0
	sampler := NewSampler(source, time.Second, mock, func(CallStats) { calls++ })
	sampler.Start()
	defer sampler.Stop()

	mock.Advance(3 * time.Second)
	assert.Zero(t, calls)
	assert.True(t, sampler.Running())
}

// TestSummarize tests metric extraction from typed reports.
func TestSummarize(t *testing.T) {
	snap := Snapshot{Reports: []Report{
		{Type: ReportInbound, Kind: "audio", PacketsLost: 2, Jitter: 5 * time.Millisecond, BytesReceived: 100},
		{Type: ReportInbound, Kind: "video", PacketsLost: 7, Jitter: 20 * time.Millisecond, BytesReceived: 900},
		{Type: ReportOutbound, Kind: "audio", BytesSent: 50},
		{Type: ReportOutbound, Kind: "video", BytesSent: 450},
		{Type: ReportRemoteInbound, RoundTripTime: 300 * time.Millisecond},
		{Type: ReportCandidatePair, Nominated: false, RoundTripTime: time.Second},
	}}

	s := Summarize(snap)
	assert.Equal(t, int64(9), s.PacketsLost)
	assert.Equal(t, 20*time.Millisecond, s.Jitter)
	assert.Equal(t, uint64(1000), s.BytesReceived)
	assert.Equal(t, uint64(500), s.BytesSent)
	assert.True(t, s.HasRoundTripTime)
	assert.Equal(t, 300*time.Millisecond, s.RoundTripTime, "falls back to remote-inbound RTT")

	snap.Reports = append(snap.Reports, Report{Type: ReportCandidatePair, Nominated: true, RoundTripTime: 40 * time.Millisecond})
	assert.Equal(t, 40*time.Millisecond, Summarize(snap).RoundTripTime)

	empty := Summarize(Snapshot{})
	assert.False(t, empty.HasJitter)
	assert.False(t, empty.HasRoundTripTime)
}

// TestApplyBitrateCounterReset tests that shrinking counters yield no bitrate.
func TestApplyBitrateCounterReset(t *testing.T) {
	prev := CallStats{BytesSent: 1000, Timestamp: epoch}
	cur := CallStats{BytesSent: 10, Timestamp: epoch.Add(time.Second)}
	ApplyBitrate(&cur, prev)
	assert.False(t, cur.HasBitrate)
}

// stallingSource holds its first snapshot until release is closed.
type stallingSource struct {
	counterSource
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *stallingSource) Stats() (Snapshot, error) {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.counterSource.Stats()
}

// TestSamplerDropsTickAcrossRestart tests that a tick already running when
// the sampler is stopped and started again neither consumes the new
// baseline nor starts a second sampling chain.
func TestSamplerDropsTickAcrossRestart(t *testing.T) {
	mock := clock.NewMockTimeProvider(epoch)
	source := &stallingSource{entered: make(chan struct{}), release: make(chan struct{})}

	var mu sync.Mutex
	var got []CallStats
	sampler := NewSampler(source, time.Second, mock, func(s CallStats) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, s)
	})
	sampler.Start()
	defer sampler.Stop()

	advanced := make(chan struct{})
	go func() {
		defer close(advanced)
		mock.Advance(time.Second)
	}()
	<-source.entered

	sampler.Stop()
	sampler.Start()
	close(source.release)
	<-advanced

	assert.Equal(t, 1, mock.Pending(), "one sampling chain")
	mu.Lock()
	assert.Empty(t, got)
	mu.Unlock()

	source.add(1250, 1250)
	mock.Advance(time.Second)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.False(t, got[0].HasBitrate, "restart baseline is intact")
}
