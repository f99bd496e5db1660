//go:build !mediadevices

package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"
)

type deviceSource struct{}

func newDeviceSource(*slog.Logger) (*deviceSource, error) {
	return nil, fmt.Errorf("%w: built without the mediadevices tag", ErrDevicesUnavailable)
}

func (*deviceSource) populate(*webrtc.MediaEngine) {}

func (*deviceSource) Acquire(context.Context) (LocalMedia, error) {
	return nil, ErrDevicesUnavailable
}
