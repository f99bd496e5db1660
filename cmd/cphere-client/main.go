package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/pion/webrtc/v4"

	"github.com/masterboy376/cphere/internal/api"
	"github.com/masterboy376/cphere/internal/call"
	"github.com/masterboy376/cphere/internal/config"
	"github.com/masterboy376/cphere/internal/httpserver"
	"github.com/masterboy376/cphere/internal/metrics"
	"github.com/masterboy376/cphere/internal/reconcile"
	"github.com/masterboy376/cphere/internal/session"
	"github.com/masterboy376/cphere/internal/transport"
	"github.com/masterboy376/cphere/internal/webrtcpeer"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("exiting", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	logger.Info("starting cphere-client",
		"api_base_url", cfg.APIBaseURL,
		"ws_url", cfg.WSURL,
		"control_listen_addr", cfg.ControlListenAddr,
		"mode", cfg.Mode,
		"media_source", cfg.MediaSource,
		"reconnect_attempts", cfg.ReconnectAttempts,
		"call_disconnect_policy", cfg.CallDisconnectPolicy,
		"ice_servers", len(cfg.ICEServers),
		"ice_servers_file", cfg.ICEServersFile,
	)
	logStartupWarnings(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	backend, err := api.New(api.Options{
		BaseURL:       cfg.APIBaseURL,
		Timeout:       cfg.HTTPTimeout,
		SessionCookie: cfg.SessionCookie,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("configure api client: %w", err)
	}

	conn := transport.New(transport.Options{
		URL:                          cfg.WSURL,
		Origin:                       cfg.WSOrigin,
		Jar:                          backend.Jar(),
		HandshakeTimeout:             cfg.WSHandshakeTimeout,
		WriteTimeout:                 cfg.WSWriteTimeout,
		MaxInboundMessageBytes:       cfg.MaxInboundMessageBytes,
		MaxOutboundMessagesPerSecond: cfg.MaxOutboundMessagesPerSecond,
		Logger:                       logger.With("component", "transport"),
		Metrics:                      m,
	})

	store := reconcile.New(reconcile.Options{
		Resolver: backend,
		Logger:   logger.With("component", "reconcile"),
		Metrics:  m,
	})
	defer store.Close()
	detachStore := store.Attach(conn)
	defer detachStore()

	iceServers := webrtcpeer.NewICEServers(usableICEServers(logger, cfg.ICEServers))
	if cfg.ICEServersFile != "" {
		err := config.WatchICEServersFile(ctx, cfg.ICEServersFile, logger, func(servers []webrtc.ICEServer) {
			iceServers.Store(usableICEServers(logger, servers))
			logger.Info("ice servers reloaded", "count", len(servers))
		})
		if err != nil {
			return fmt.Errorf("watch ice servers file: %w", err)
		}
	}

	media, mediaOpts, err := webrtcpeer.NewMediaSource(cfg.MediaSource, logger)
	if err != nil {
		return fmt.Errorf("configure media: %w", err)
	}
	// Construct the WebRTC API early so misconfigurations are caught on
	// startup. No ICE sockets exist until a call creates a PeerConnection.
	rtcAPI, err := webrtcpeer.NewAPI(cfg, append(mediaOpts, webrtcpeer.WithLogger(logger))...)
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}
	peers, err := webrtcpeer.NewFactory(rtcAPI, iceServers)
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}

	trackLogger := logger.With("component", "media")
	engine := call.New(call.Options{
		Sender:           conn,
		Signaler:         backend,
		Peers:            peers,
		Media:            media,
		DisconnectPolicy: cfg.CallDisconnectPolicy,
		OnRemoteTrack: func(pc webrtcpeer.PeerConnection, track *webrtc.TrackRemote) {
			stats := webrtcpeer.ConsumeRemoteTrack(pc, track, trackLogger)
			trackLogger.Info("remote track finished", "kind", stats.Kind, "packets", stats.Packets, "bytes", stats.Bytes)
		},
		Logger:  logger,
		Metrics: m,
	})
	defer engine.Close()
	detachEngine := engine.Attach(conn)
	defer detachEngine()

	sessions := session.New(session.Options{
		Backend:           backend,
		Conn:              conn,
		Store:             store,
		Calls:             engine,
		Email:             cfg.Email,
		Password:          cfg.Password,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
		OnLogout: func() {
			logger.Warn("session ended by server; shutting down")
			stop()
		},
		Logger:  logger,
		Metrics: m,
	})
	defer sessions.Close()

	ln, err := net.Listen("tcp", cfg.ControlListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger.With("component", "control"), httpserver.BuildInfo{Commit: commit, BuildTime: built}, httpserver.Deps{
		Transport:  conn,
		Store:      store,
		Calls:      engine,
		Backend:    backend,
		Session:    sessions,
		Metrics:    m,
		ICEServers: iceServers,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	if err := sessions.Start(ctx); err != nil {
		shutdownServer(cfg, logger, srv, errCh)
		return fmt.Errorf("start session: %w", err)
	}

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control server exited: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	engine.End()
	conn.Disconnect()
	return shutdownServer(cfg, logger, srv, errCh)
}

func shutdownServer(cfg config.Config, logger *slog.Logger, srv *httpserver.Server, errCh <-chan error) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("control server shutdown failed", "err", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control server exited after shutdown: %w", err)
	}
	return nil
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info when
	// available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
