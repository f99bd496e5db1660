// Package webrtcpeer builds the pion API the call engine negotiates with:
// codecs, interceptors, network settings and logging, plus the local media
// sources and remote track consumers.
package webrtcpeer

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"

	"github.com/masterboy376/cphere/internal/config"
)

// ICE timeouts are generous so a short relay or NAT hiccup does not end the
// call before ICE has a chance to recover.
const (
	iceDisconnectedTimeout = 30 * time.Second
	iceFailedTimeout       = 120 * time.Second
	iceKeepaliveInterval   = 2 * time.Second
)

type apiOptions struct {
	logger      *slog.Logger
	net         transport.Net
	mediaEngine *webrtc.MediaEngine
}

type Option func(*apiOptions)

// WithLogger routes pion's internal logging through logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *apiOptions) { o.logger = logger }
}

// WithNet replaces the host network, e.g. with a vnet in tests.
func WithNet(n transport.Net) Option {
	return func(o *apiOptions) { o.net = n }
}

// WithMediaEngine supplies pre-populated codecs. By default pion's default
// codecs are registered.
func WithMediaEngine(me *webrtc.MediaEngine) Option {
	return func(o *apiOptions) { o.mediaEngine = me }
}

func NewAPI(cfg config.Config, opts ...Option) (*webrtc.API, error) {
	var o apiOptions
	for _, opt := range opts {
		opt(&o)
	}

	me := o.mediaEngine
	if me == nil {
		me = &webrtc.MediaEngine{}
		if err := me.RegisterDefaultCodecs(); err != nil {
			return nil, fmt.Errorf("register codecs: %w", err)
		}
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}
	se.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepaliveInterval)
	if o.logger != nil {
		se.LoggerFactory = NewLoggerFactory(o.logger)
	}
	if o.net != nil {
		se.SetNet(o.net)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg config.Config) error {
	if cfg.WebRTCUDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.WebRTCUDPPortRange.Min, cfg.WebRTCUDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(cfg.WebRTCNAT1To1IPs) > 0 {
		var candidateType webrtc.ICECandidateType
		switch cfg.WebRTCNAT1To1IPCandidateType {
		case config.NAT1To1CandidateTypeHost:
			candidateType = webrtc.ICECandidateTypeHost
		case config.NAT1To1CandidateTypeSrflx:
			candidateType = webrtc.ICECandidateTypeSrflx
		default:
			return fmt.Errorf("invalid NAT 1:1 IP candidate type %q", cfg.WebRTCNAT1To1IPCandidateType)
		}
		se.SetNAT1To1IPs(cfg.WebRTCNAT1To1IPs, candidateType)
	}

	// There is no "bind to this address" knob; IPFilter restricts both
	// candidate gathering and socket binding.
	if cfg.WebRTCUDPListenIP != nil && !config.IsUnspecifiedIP(cfg.WebRTCUDPListenIP) {
		listenIP := cfg.WebRTCUDPListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	return nil
}
