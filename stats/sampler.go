package stats

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercall/clock"
)

// DefaultInterval is the sampling period while connected.
const DefaultInterval = time.Second

// CallStats are the metrics shown to the user for a connected call. Round
// trip time and jitter are only meaningful when the matching Has flag is
// set; bitrates are absent on the first sample after (re)connecting.
type CallStats struct {
	PacketsLost int64

	Jitter    time.Duration
	HasJitter bool

	RoundTripTime    time.Duration
	HasRoundTripTime bool

	UploadKbps   float64
	DownloadKbps float64
	HasBitrate   bool

	BytesSent     uint64
	BytesReceived uint64
	Timestamp     time.Time
}

// Sampler periodically samples a Source. The first sample after Start has
// no bitrate; each later sample is compared against the previous one.
type Sampler struct {
	mu           sync.Mutex
	source       Source
	interval     time.Duration
	timeProvider clock.TimeProvider
	onSample     func(CallStats)

	running bool
	timer   clock.Timer
	prev    *CallStats
	// epoch changes on every Start and Stop; a tick from an older epoch
	// is dropped.
	epoch uint64
}

// NewSampler creates a sampler. A zero interval selects DefaultInterval
// and a nil time provider selects the system clock.
func NewSampler(source Source, interval time.Duration, tp clock.TimeProvider, onSample func(CallStats)) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sampler{
		source:       source,
		interval:     interval,
		timeProvider: clock.OrDefault(tp),
		onSample:     onSample,
	}
}

// Start begins periodic sampling with a fresh baseline.
func (s *Sampler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.prev = nil
	s.epoch++
	s.scheduleLocked()

	logrus.WithFields(logrus.Fields{
		"function": "Sampler.Start",
		"interval": s.interval,
	}).Debug("Stats sampling started")
}

// Stop halts sampling and discards the baseline.
func (s *Sampler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = false
	s.prev = nil
	s.epoch++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Running reports whether periodic sampling is active.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Sample takes one sample immediately and advances the baseline.
func (s *Sampler) Sample() (CallStats, error) {
	snap, err := s.source.Stats()
	if err != nil {
		return CallStats{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advanceLocked(snap), nil
}

func (s *Sampler) advanceLocked(snap Snapshot) CallStats {
	current := Summarize(snap)
	current.Timestamp = s.timeProvider.Now()
	if s.prev != nil {
		ApplyBitrate(&current, *s.prev)
	}
	saved := current
	s.prev = &saved
	return current
}

func (s *Sampler) scheduleLocked() {
	epoch := s.epoch
	s.timer = s.timeProvider.AfterFunc(s.interval, func() { s.tick(epoch) })
}

func (s *Sampler) live(epoch uint64) bool {
	return s.running && s.epoch == epoch
}

func (s *Sampler) tick(epoch uint64) {
	s.mu.Lock()
	live := s.live(epoch)
	s.mu.Unlock()
	if !live {
		return
	}

	snap, err := s.source.Stats()

	s.mu.Lock()
	if !s.live(epoch) {
		s.mu.Unlock()
		return
	}
	var sample CallStats
	if err == nil {
		sample = s.advanceLocked(snap)
	}
	s.scheduleLocked()
	s.mu.Unlock()

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Sampler.tick",
			"error":    err.Error(),
		}).Debug("Stats snapshot failed")
		return
	}
	if s.onSample != nil {
		s.onSample(sample)
	}
}

// Summarize extracts call metrics from a snapshot. Loss is summed over
// inbound streams and jitter is the worst inbound value. Round trip time
// comes from the nominated candidate pair, falling back to the peer's
// remote-inbound reports.
func Summarize(snap Snapshot) CallStats {
	var out CallStats
	var pairRTT, remoteRTT time.Duration
	var havePairRTT, haveRemoteRTT bool

	for _, r := range snap.Reports {
		switch r.Type {
		case ReportInbound:
			out.PacketsLost += r.PacketsLost
			out.BytesReceived += r.BytesReceived
			if !out.HasJitter || r.Jitter > out.Jitter {
				out.Jitter = r.Jitter
				out.HasJitter = true
			}
		case ReportOutbound:
			out.BytesSent += r.BytesSent
		case ReportRemoteInbound:
			if r.RoundTripTime > 0 && (!haveRemoteRTT || r.RoundTripTime > remoteRTT) {
				remoteRTT = r.RoundTripTime
				haveRemoteRTT = true
			}
		case ReportCandidatePair:
			if r.Nominated && r.RoundTripTime > 0 {
				pairRTT = r.RoundTripTime
				havePairRTT = true
			}
		}
	}

	switch {
	case havePairRTT:
		out.RoundTripTime, out.HasRoundTripTime = pairRTT, true
	case haveRemoteRTT:
		out.RoundTripTime, out.HasRoundTripTime = remoteRTT, true
	}
	return out
}

// ApplyBitrate fills in current's bitrates from the byte deltas against
// prev: (deltaBytes * 8) / (deltaSeconds * 1000) kbps. Counter resets and
// non-positive intervals leave the bitrate unset.
func ApplyBitrate(current *CallStats, prev CallStats) {
	dt := current.Timestamp.Sub(prev.Timestamp).Seconds()
	if dt <= 0 {
		return
	}
	if current.BytesSent < prev.BytesSent || current.BytesReceived < prev.BytesReceived {
		return
	}
	current.UploadKbps = Kbps(current.BytesSent-prev.BytesSent, dt)
	current.DownloadKbps = Kbps(current.BytesReceived-prev.BytesReceived, dt)
	current.HasBitrate = true
}

// Kbps converts a byte count over a number of seconds to kilobits per
// second.
func Kbps(bytes uint64, seconds float64) float64 {
	return float64(bytes) * 8 / (seconds * 1000)
}
