package webrtcpeer

import (
	"errors"
	"io"
	"log/slog"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// RemoteTrackStats is reported once a remote track ends.
type RemoteTrackStats struct {
	Kind    webrtc.RTPCodecType
	Packets int
	Bytes   int
}

// ConsumeRemoteTrack reads track until it ends. For video it first asks the
// sender for a keyframe so decoding can start immediately. It blocks; run it
// on its own goroutine.
func ConsumeRemoteTrack(pc PeerConnection, track *webrtc.TrackRemote, logger *slog.Logger) RemoteTrackStats {
	if logger == nil {
		logger = slog.Default()
	}
	stats := RemoteTrackStats{Kind: track.Kind()}

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
		if err != nil {
			logger.Debug("keyframe request failed", "ssrc", track.SSRC(), "err", err)
		}
	}

	buf := make([]byte, 1500)
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("remote track read ended", "kind", stats.Kind.String(), "err", err)
			}
			return stats
		}
		stats.Packets++
		stats.Bytes += n
	}
}
