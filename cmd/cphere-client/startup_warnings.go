package main

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/masterboy376/cphere/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Mode == config.ModeProd {
		for _, raw := range []string{cfg.APIBaseURL, cfg.WSURL} {
			u, err := url.Parse(strings.TrimSpace(raw))
			if err != nil {
				continue
			}
			if (u.Scheme == "http" || u.Scheme == "ws") && !config.IsLoopbackHost(u.Host) {
				logger.Warn("startup security warning: plaintext connection to a remote host sends the session cookie unencrypted",
					"warning_code", "plaintext_remote",
					"url_host", u.Host,
					"scheme", u.Scheme,
					"mode", cfg.Mode,
				)
			}
		}
	}

	if len(cfg.ICEServers) == 0 && cfg.ICEServersFile == "" {
		logger.Warn("no ICE servers configured; calls only connect on directly reachable networks",
			"warning_code", "no_ice_servers",
			"mode", cfg.Mode,
		)
	}

	if cfg.ReconnectAttempts <= 0 {
		logger.Warn("reconnect is disabled; a dropped websocket stays down",
			"warning_code", "reconnect_disabled",
			"reconnect_attempts", cfg.ReconnectAttempts,
		)
	}

	if !config.IsLoopbackHost(cfg.ControlListenAddr) {
		logger.Warn("startup security warning: control surface listens on a non-loopback address and has no authentication",
			"warning_code", "control_non_loopback",
			"control_listen_addr", cfg.ControlListenAddr,
			"mode", cfg.Mode,
		)
	}
}
