package stats

import (
	"fmt"
	"time"
)

// QualityLevel represents overall call quality assessment.
type QualityLevel int

const (
	// QualityUnknown indicates not enough data to grade the call
	QualityUnknown QualityLevel = iota
	// QualityExcellent indicates low latency, low jitter and healthy bitrate
	QualityExcellent
	// QualityGood indicates noticeable but acceptable degradation
	QualityGood
	// QualityPoor indicates significant problems
	QualityPoor
)

// String returns the string representation of QualityLevel.
func (q QualityLevel) String() string {
	switch q {
	case QualityUnknown:
		return "Unknown"
	case QualityExcellent:
		return "Excellent"
	case QualityGood:
		return "Good"
	case QualityPoor:
		return "Poor"
	default:
		return fmt.Sprintf("Unknown(%d)", int(q))
	}
}

// QualityThresholds defines the scoring bands used by Assess.
//
// Round trip time and jitter each contribute two points below their
// excellent threshold and one point below their fair threshold. Each
// direction whose bitrate falls below MinBitrateKbps costs one point.
type QualityThresholds struct {
	ExcellentRTT time.Duration // < 150ms
	FairRTT      time.Duration // < 400ms

	ExcellentJitter time.Duration // < 30ms
	FairJitter      time.Duration // < 100ms

	MinBitrateKbps float64 // 100 kbps

	ExcellentScore int // >= 4
	GoodScore      int // >= 2
}

// DefaultQualityThresholds returns the default scoring bands.
func DefaultQualityThresholds() *QualityThresholds {
	return &QualityThresholds{
		ExcellentRTT:    150 * time.Millisecond,
		FairRTT:         400 * time.Millisecond,
		ExcellentJitter: 30 * time.Millisecond,
		FairJitter:      100 * time.Millisecond,
		MinBitrateKbps:  100,
		ExcellentScore:  4,
		GoodScore:       2,
	}
}

// Assess grades s with the default thresholds.
func Assess(s CallStats) QualityLevel {
	return DefaultQualityThresholds().Assess(s)
}

// Assess grades s. Calls without a round trip time or jitter measurement
// are QualityUnknown.
func (t *QualityThresholds) Assess(s CallStats) QualityLevel {
	if !s.HasRoundTripTime || !s.HasJitter {
		return QualityUnknown
	}

	score := 0
	switch {
	case s.RoundTripTime < t.ExcellentRTT:
		score += 2
	case s.RoundTripTime < t.FairRTT:
		score++
	}
	switch {
	case s.Jitter < t.ExcellentJitter:
		score += 2
	case s.Jitter < t.FairJitter:
		score++
	}
	if s.HasBitrate {
		if s.DownloadKbps < t.MinBitrateKbps {
			score--
		}
		if s.UploadKbps < t.MinBitrateKbps {
			score--
		}
	}

	switch {
	case score >= t.ExcellentScore:
		return QualityExcellent
	case score >= t.GoodScore:
		return QualityGood
	default:
		return QualityPoor
	}
}
