//go:build !mediadevices

package webrtcpeer

import (
	"errors"
	"testing"

	"github.com/masterboy376/cphere/internal/config"
)

func TestNewMediaSource_DevicesRequireBuildTag(t *testing.T) {
	_, _, err := NewMediaSource(config.MediaSourceDevices, nil)
	if !errors.Is(err, ErrDevicesUnavailable) {
		t.Fatalf("err=%v, want ErrDevicesUnavailable", err)
	}
}
