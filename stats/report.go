// Package stats samples live connection metrics while a call is connected
// and grades call quality.
//
// A Source hands out a Snapshot of typed reports (inbound and outbound
// streams, the remote view of our outbound streams, and ICE candidate
// pairs). The Sampler turns successive snapshots into CallStats, deriving
// upload and download bitrate from the byte counters.
package stats

import (
	"fmt"
	"time"
)

// ReportType classifies a single stats report.
type ReportType int

const (
	// ReportInbound describes a received RTP stream.
	ReportInbound ReportType = iota
	// ReportOutbound describes a sent RTP stream.
	ReportOutbound
	// ReportRemoteInbound describes the peer's view of a sent stream.
	ReportRemoteInbound
	// ReportCandidatePair describes an ICE candidate pair.
	ReportCandidatePair
)

// String returns the report type name.
func (t ReportType) String() string {
	switch t {
	case ReportInbound:
		return "inbound-rtp"
	case ReportOutbound:
		return "outbound-rtp"
	case ReportRemoteInbound:
		return "remote-inbound-rtp"
	case ReportCandidatePair:
		return "candidate-pair"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Report is one typed entry of a Snapshot. Only the fields relevant to the
// report's type are populated.
type Report struct {
	Type ReportType
	Kind string

	PacketsLost   int64
	Jitter        time.Duration
	RoundTripTime time.Duration
	BytesSent     uint64
	BytesReceived uint64

	// Nominated marks the candidate pair carrying traffic.
	Nominated bool
}

// Snapshot is the full set of reports collected at one instant.
type Snapshot struct {
	Reports []Report
}

// Source provides stats snapshots.
type Source interface {
	Stats() (Snapshot, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func() (Snapshot, error)

// Stats calls f.
func (f SourceFunc) Stats() (Snapshot, error) { return f() }
