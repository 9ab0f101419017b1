// Package capture acquires camera and microphone media through
// pion/mediadevices. Video is encoded as VP8 and audio as Opus.
//
// Device capture is only available on Linux (V4L2 and malgo drivers). On
// other platforms Acquire fails with media.ErrDeviceNotFound and callers
// are expected to fall back to media.ReceiveOnly or media.SyntheticSource.
package capture

import "github.com/opd-ai/peercall/media"

// DefaultVideoBitRate is the VP8 target bitrate in bits per second.
const DefaultVideoBitRate = 1_500_000

// Source captures local devices.
type Source struct {
	VideoBitRate int
}

// NewSource returns a device source with default encoder settings.
func NewSource() *Source {
	return &Source{VideoBitRate: DefaultVideoBitRate}
}

var _ media.Source = (*Source)(nil)
