//go:build mediadevices

package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

const (
	deviceVideoBitRate = 1_500_000
	deviceMaxWidth     = 640
	deviceMaxHeight    = 480
)

// deviceSource captures the local camera and microphone.
type deviceSource struct {
	logger   *slog.Logger
	selector *mediadevices.CodecSelector
}

func newDeviceSource(logger *slog.Logger) (*deviceSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = deviceVideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		logger.Warn("no capture devices found")
	}
	for _, d := range devices {
		logger.Debug("capture device", "kind", d.Kind, "label", d.Label)
	}

	return &deviceSource{
		logger: logger,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (s *deviceSource) populate(me *webrtc.MediaEngine) {
	s.selector.Populate(me)
}

// Acquire tries camera and microphone together, then each alone, so a busy
// microphone doesn't cost the camera and vice versa.
func (s *deviceSource) Acquire(ctx context.Context) (LocalMedia, error) {
	attempts := []struct {
		video, audio bool
		label        string
	}{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	}

	var errs []error
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		constraints := mediadevices.MediaStreamConstraints{Codec: s.selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// MJPEG nodes on some cameras emit frames the VP8 encoder
				// chokes on.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: deviceMaxWidth}
				c.Height = prop.IntRanged{Max: deviceMaxHeight}
			}
		}
		if a.audio {
			constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			s.logger.Warn("capture attempt failed", "attempt", a.label, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", a.label, err))
			continue
		}

		captured := stream.GetTracks()
		tracks := make([]webrtc.TrackLocal, 0, len(captured))
		for _, t := range captured {
			t.OnEnded(func(err error) {
				if err != nil {
					s.logger.Warn("local track ended", "err", err)
				}
			})
			tracks = append(tracks, t)
		}
		s.logger.Info("local media captured", "attempt", a.label, "tracks", len(tracks))
		return trackSet{
			tracks: tracks,
			close: func() error {
				var closeErrs []error
				for _, t := range captured {
					closeErrs = append(closeErrs, t.Close())
				}
				return errors.Join(closeErrs...)
			},
		}, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrDevicesUnavailable, errors.Join(errs...))
}
