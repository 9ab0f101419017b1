//go:build !linux

package capture

import (
	"context"
	"fmt"

	"github.com/opd-ai/peercall/media"
)

// Acquire always fails: no capture drivers are built on this platform.
func (s *Source) Acquire(ctx context.Context, _ media.Constraints) (*media.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: device capture is not supported on this platform", media.ErrDeviceNotFound)
}
