package media

import (
	"fmt"
	"strings"
)

// Resolution is a named capture resolution preset.
type Resolution struct {
	Name   string
	Width  int
	Height int
}

// Resolution presets offered to users.
var (
	Resolution1080p = Resolution{Name: "1080p", Width: 1920, Height: 1080}
	Resolution720p  = Resolution{Name: "720p", Width: 1280, Height: 720}
	Resolution480p  = Resolution{Name: "480p", Width: 640, Height: 480}
)

// Resolutions lists the presets from highest to lowest.
func Resolutions() []Resolution {
	return []Resolution{Resolution1080p, Resolution720p, Resolution480p}
}

// ParseResolution looks up a preset by name ("1080p", "720p", "480p").
func ParseResolution(name string) (Resolution, error) {
	for _, r := range Resolutions() {
		if strings.EqualFold(r.Name, name) {
			return r, nil
		}
	}
	return Resolution{}, fmt.Errorf("%w: resolution %q", ErrUnsupportedConstraint, name)
}

// String returns the preset name.
func (r Resolution) String() string {
	return r.Name
}

// Constraints describes what local media to acquire.
type Constraints struct {
	Audio      bool
	Video      bool
	Resolution Resolution
}

// DefaultConstraints requests audio and 720p video.
func DefaultConstraints() Constraints {
	return Constraints{
		Audio:      true,
		Video:      true,
		Resolution: Resolution720p,
	}
}
