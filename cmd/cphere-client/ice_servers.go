package main

import (
	"log/slog"
	"strings"

	"github.com/pion/webrtc/v4"
)

// usableICEServers drops TURN entries without complete credentials, which
// pion rejects when a PeerConnection is created.
func usableICEServers(logger *slog.Logger, servers []webrtc.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, server := range servers {
		if !iceServerHasTURNURL(server) {
			out = append(out, server)
			continue
		}
		cred, _ := server.Credential.(string)
		if strings.TrimSpace(server.Username) == "" || strings.TrimSpace(cred) == "" {
			logger.Warn("ignoring TURN server without credentials", "urls", server.URLs)
			continue
		}
		out = append(out, server)
	}
	return out
}

func iceServerHasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		url := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			return true
		}
	}
	return false
}
