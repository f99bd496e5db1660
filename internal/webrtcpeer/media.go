package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/masterboy376/cphere/internal/config"
)

// LocalMedia is a set of outgoing tracks owned by one call.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	Close() error
}

// MediaSource produces the local tracks for a call. Acquire is called once
// per call; the returned media is closed when the call ends.
type MediaSource interface {
	Acquire(ctx context.Context) (LocalMedia, error)
}

var ErrDevicesUnavailable = errors.New("webrtcpeer: capture devices unavailable")

// NewMediaSource returns the source for kind along with any API options it
// needs (device capture populates its own codecs).
func NewMediaSource(kind config.MediaSource, logger *slog.Logger) (MediaSource, []Option, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch kind {
	case config.MediaSourceNone:
		return NoMedia{}, nil, nil
	case config.MediaSourceSynthetic, "":
		return &SyntheticSource{Logger: logger}, nil, nil
	case config.MediaSourceDevices:
		src, err := newDeviceSource(logger)
		if err != nil {
			return nil, nil, err
		}
		me := &webrtc.MediaEngine{}
		src.populate(me)
		return src, []Option{WithMediaEngine(me)}, nil
	default:
		return nil, nil, fmt.Errorf("unknown media source %q", kind)
	}
}

// NoMedia sends nothing; calls negotiate receive-only.
type NoMedia struct{}

func (NoMedia) Acquire(context.Context) (LocalMedia, error) {
	return trackSet{}, nil
}

type trackSet struct {
	tracks []webrtc.TrackLocal
	close  func() error
}

func (s trackSet) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s trackSet) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// opusSilence is one 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const syntheticFrameDuration = 20 * time.Millisecond

// SyntheticSource produces a silent Opus track. It keeps headless clients
// negotiable without capture hardware; the peer still sees a live track.
type SyntheticSource struct {
	Logger *slog.Logger
}

func (s *SyntheticSource) Acquire(ctx context.Context) (LocalMedia, error) {
	streamID := "cphere-" + uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("synthetic audio track: %w", err)
	}

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(syntheticFrameDuration)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: syntheticFrameDuration}); err != nil {
					logger.Debug("synthetic audio write failed", "err", err)
					return
				}
			}
		}
	}()

	var once sync.Once
	return trackSet{
		tracks: []webrtc.TrackLocal{track},
		close: func() error {
			once.Do(func() {
				close(stop)
				<-done
			})
			return nil
		},
	}, nil
}
