package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestAssess tests quality grading across the scoring bands.
func TestAssess(t *testing.T) {
	ms := time.Millisecond
	tests := []struct {
		name  string
		stats CallStats
		want  QualityLevel
	}{
		{
			name:  "no rtt",
			stats: CallStats{HasJitter: true},
			want:  QualityUnknown,
		},
		{
			name:  "excellent",
			stats: CallStats{RoundTripTime: 50 * ms, HasRoundTripTime: true, Jitter: 10 * ms, HasJitter: true},
			want:  QualityExcellent,
		},
		{
			name: "excellent network but starved bitrate",
			stats: CallStats{
				RoundTripTime: 50 * ms, HasRoundTripTime: true, Jitter: 10 * ms, HasJitter: true,
				UploadKbps: 50, DownloadKbps: 500, HasBitrate: true,
			},
			want: QualityGood,
		},
		{
			name:  "good",
			stats: CallStats{RoundTripTime: 200 * ms, HasRoundTripTime: true, Jitter: 50 * ms, HasJitter: true},
			want:  QualityGood,
		},
		{
			name:  "poor",
			stats: CallStats{RoundTripTime: 500 * ms, HasRoundTripTime: true, Jitter: 50 * ms, HasJitter: true},
			want:  QualityPoor,
		},
		{
			name: "poor after bitrate penalty",
			stats: CallStats{
				RoundTripTime: 200 * ms, HasRoundTripTime: true, Jitter: 50 * ms, HasJitter: true,
				UploadKbps: 10, DownloadKbps: 10, HasBitrate: true,
			},
			want: QualityPoor,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Assess(tt.stats))
		})
	}
}

// TestQualityLevelString tests level names.
func TestQualityLevelString(t *testing.T) {
	assert.Equal(t, "Excellent", QualityExcellent.String())
	assert.Equal(t, "Poor", QualityPoor.String())
	assert.Equal(t, "Unknown(42)", QualityLevel(42).String())
}
