package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	EnvMode            = "CPHERE_MODE"
	EnvLogFormat       = "CPHERE_LOG_FORMAT"
	EnvLogLevel        = "CPHERE_LOG_LEVEL"
	EnvShutdownTimeout = "CPHERE_SHUTDOWN_TIMEOUT"

	// Backend endpoints.
	EnvAPIBaseURL  = "CPHERE_API_BASE_URL"
	EnvWSURL       = "CPHERE_WS_URL"
	EnvWSOrigin    = "CPHERE_WS_ORIGIN"
	EnvHTTPTimeout = "CPHERE_HTTP_TIMEOUT"

	// Credentials. Login is skipped when email is empty; a preseeded session
	// cookie is used instead (or the backend rejects us at auth check).
	EnvEmail         = "CPHERE_EMAIL"
	EnvPassword      = "CPHERE_PASSWORD"
	EnvSessionCookie = "CPHERE_SESSION_COOKIE"

	// Event transport knobs.
	EnvWSHandshakeTimeout           = "CPHERE_WS_HANDSHAKE_TIMEOUT"
	EnvWSWriteTimeout               = "CPHERE_WS_WRITE_TIMEOUT"
	EnvMaxInboundMessageBytes       = "CPHERE_MAX_INBOUND_MESSAGE_BYTES"
	EnvMaxOutboundMessagesPerSecond = "CPHERE_MAX_OUTBOUND_MESSAGES_PER_SECOND"
	EnvReconnectAttempts            = "CPHERE_RECONNECT_ATTEMPTS"
	EnvReconnectDelay               = "CPHERE_RECONNECT_DELAY"
	EnvCallDisconnectPolicy         = "CPHERE_CALL_DISCONNECT_POLICY"
	EnvMediaSource                  = "CPHERE_MEDIA_SOURCE"
	EnvControlListenAddr            = "CPHERE_CONTROL_LISTEN_ADDR"

	EnvWebRTCUDPPortMin             = "WEBRTC_UDP_PORT_MIN"
	EnvWebRTCUDPPortMax             = "WEBRTC_UDP_PORT_MAX"
	EnvWebRTCNAT1To1IPs             = "WEBRTC_NAT_1TO1_IPS"
	EnvWebRTCNAT1To1IPCandidateType = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	EnvWebRTCUDPListenIP            = "WEBRTC_UDP_LISTEN_IP"

	DefaultMode                         = ModeDev
	DefaultAPIBaseURL                   = "http://127.0.0.1:8080"
	DefaultWSPath                       = "/ws/connect"
	DefaultControlListenAddr            = "127.0.0.1:7070"
	DefaultShutdown                     = 10 * time.Second
	DefaultHTTPTimeout                  = 10 * time.Second
	DefaultWSHandshakeTimeout           = 10 * time.Second
	DefaultWSWriteTimeout               = 5 * time.Second
	DefaultMaxInboundMessageBytes       = int64(1 << 20) // 1MiB
	DefaultMaxOutboundMessagesPerSecond = 50
	DefaultReconnectAttempts            = 1
	DefaultReconnectDelay               = time.Second
	DefaultCallDisconnectPolicy         = CallDisconnectKeep
	DefaultMediaSource                  = MediaSourceSynthetic
	DefaultWebRTCUDPListenIP            = "0.0.0.0"
)

const (
	flagWebRTCUDPPortMin             = "webrtc-udp-port-min"
	flagWebRTCUDPPortMax             = "webrtc-udp-port-max"
	flagWebRTCNAT1To1IPs             = "webrtc-nat-1to1-ips"
	flagWebRTCNAT1To1IPCandidateType = "webrtc-nat-1to1-ip-candidate-type"
	flagWebRTCUDPListenIP            = "webrtc-udp-listen-ip"
)

// recommendedWebRTCUDPPortRangeSize is a conservative minimum. A call uses a
// handful of ports per gathered interface.
const recommendedWebRTCUDPPortRangeSize = 100

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// CallDisconnectPolicy decides what happens to an active call when the event
// transport drops.
type CallDisconnectPolicy string

const (
	CallDisconnectKeep CallDisconnectPolicy = "keep"
	CallDisconnectEnd  CallDisconnectPolicy = "end"
)

type MediaSource string

const (
	MediaSourceSynthetic MediaSource = "synthetic"
	MediaSourceDevices   MediaSource = "devices"
	MediaSourceNone      MediaSource = "none"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type Config struct {
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	APIBaseURL  string
	WSURL       string
	WSOrigin    string
	HTTPTimeout time.Duration

	Email         string
	Password      string
	SessionCookie string

	ControlListenAddr string

	WSHandshakeTimeout time.Duration
	WSWriteTimeout     time.Duration
	// MaxInboundMessageBytes caps a single inbound websocket frame. Larger
	// frames close the connection.
	MaxInboundMessageBytes int64
	// MaxOutboundMessagesPerSecond bounds Send; <= 0 disables the limit.
	MaxOutboundMessagesPerSecond int

	// ReconnectAttempts is how many times the session layer redials after an
	// unexpected close. 0 disables reconnection.
	ReconnectAttempts    int
	ReconnectDelay       time.Duration
	CallDisconnectPolicy CallDisconnectPolicy
	MediaSource          MediaSource

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion uses
	// its defaults (OS ephemeral port selection).
	WebRTCUDPPortRange *UDPPortRange

	// WebRTCNAT1To1IPs advertises these IPs for ICE when the client sits behind a
	// static 1:1 NAT. Values must be literal IPs.
	WebRTCNAT1To1IPs             []string
	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType

	// WebRTCUDPListenIP restricts which local interface ICE binds to. 0.0.0.0
	// means all interfaces.
	WebRTCUDPListenIP net.IP

	ICEServers []webrtc.ICEServer
	// ICEServersFile, when set, is a JSON file (same schema as
	// CPHERE_ICE_SERVERS_JSON) watched for changes at runtime.
	ICEServersFile string

	iceConfigErr error
}

func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(EnvMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(EnvLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(EnvLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	apiBaseURL := envOrDefault(lookup, EnvAPIBaseURL, DefaultAPIBaseURL)
	wsURL := envOrDefault(lookup, EnvWSURL, "")
	wsOrigin := envOrDefault(lookup, EnvWSOrigin, "")
	email := envOrDefault(lookup, EnvEmail, "")
	password := envOrDefault(lookup, EnvPassword, "")
	sessionCookie := envOrDefault(lookup, EnvSessionCookie, "")
	controlListenAddr := envOrDefault(lookup, EnvControlListenAddr, DefaultControlListenAddr)
	callDisconnectPolicyStr := envOrDefault(lookup, EnvCallDisconnectPolicy, string(DefaultCallDisconnectPolicy))
	mediaSourceStr := envOrDefault(lookup, EnvMediaSource, string(DefaultMediaSource))

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	iceServersFile := envOrDefault(lookup, envICEServersFile, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, EnvShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	httpTimeout, err := envDurationOrDefault(lookup, EnvHTTPTimeout, DefaultHTTPTimeout)
	if err != nil {
		return Config{}, err
	}
	wsHandshakeTimeout, err := envDurationOrDefault(lookup, EnvWSHandshakeTimeout, DefaultWSHandshakeTimeout)
	if err != nil {
		return Config{}, err
	}
	wsWriteTimeout, err := envDurationOrDefault(lookup, EnvWSWriteTimeout, DefaultWSWriteTimeout)
	if err != nil {
		return Config{}, err
	}
	reconnectDelay, err := envDurationOrDefault(lookup, EnvReconnectDelay, DefaultReconnectDelay)
	if err != nil {
		return Config{}, err
	}

	maxInboundMessageBytes := DefaultMaxInboundMessageBytes
	if raw, ok := lookup(EnvMaxInboundMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", EnvMaxInboundMessageBytes, raw, err)
		}
		maxInboundMessageBytes = n
	}
	maxOutboundMessagesPerSecond, err := envIntOrDefault(lookup, EnvMaxOutboundMessagesPerSecond, DefaultMaxOutboundMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	reconnectAttempts, err := envIntOrDefault(lookup, EnvReconnectAttempts, DefaultReconnectAttempts)
	if err != nil {
		return Config{}, err
	}

	// WebRTC network defaults (env values become flag defaults).
	var webrtcUDPPortMin uint
	if raw, ok := lookup(EnvWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", EnvWebRTCUDPPortMin, raw, err)
		}
		webrtcUDPPortMin = uint(p)
	}

	var webrtcUDPPortMax uint
	if raw, ok := lookup(EnvWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", EnvWebRTCUDPPortMax, raw, err)
		}
		webrtcUDPPortMax = uint(p)
	}

	if (webrtcUDPPortMin == 0) != (webrtcUDPPortMax == 0) {
		return Config{}, fmt.Errorf("%s and %s must be set together (or both unset)", EnvWebRTCUDPPortMin, EnvWebRTCUDPPortMax)
	}

	webrtcUDPListenIPStr := envOrDefault(lookup, EnvWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)
	webrtcNAT1To1IPsStr := envOrDefault(lookup, EnvWebRTCNAT1To1IPs, "")
	webrtcNAT1To1CandidateTypeStr := envOrDefault(lookup, EnvWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))

	fs := flag.NewFlagSet("cphere-client", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 10s)")

	fs.StringVar(&apiBaseURL, "api-base-url", apiBaseURL, "Backend REST base URL (env "+EnvAPIBaseURL+")")
	fs.StringVar(&wsURL, "ws-url", wsURL, "Backend websocket URL (default: api base URL with ws scheme + "+DefaultWSPath+"; env "+EnvWSURL+")")
	fs.StringVar(&wsOrigin, "ws-origin", wsOrigin, "Origin header to send on the websocket handshake (env "+EnvWSOrigin+")")
	fs.DurationVar(&httpTimeout, "http-timeout", httpTimeout, "Timeout for backend REST calls (env "+EnvHTTPTimeout+")")
	fs.StringVar(&email, "email", email, "Login email (env "+EnvEmail+")")
	fs.StringVar(&password, "password", password, "Login password (env "+EnvPassword+")")
	fs.StringVar(&sessionCookie, "session-cookie", sessionCookie, "Existing session_id cookie value (env "+EnvSessionCookie+")")
	fs.StringVar(&controlListenAddr, "control-listen-addr", controlListenAddr, "Local control API listen address (env "+EnvControlListenAddr+")")

	fs.DurationVar(&wsHandshakeTimeout, "ws-handshake-timeout", wsHandshakeTimeout, "Websocket handshake timeout (env "+EnvWSHandshakeTimeout+")")
	fs.DurationVar(&wsWriteTimeout, "ws-write-timeout", wsWriteTimeout, "Websocket write deadline per frame (env "+EnvWSWriteTimeout+")")
	fs.Int64Var(&maxInboundMessageBytes, "max-inbound-message-bytes", maxInboundMessageBytes, "Max inbound websocket frame size in bytes (env "+EnvMaxInboundMessageBytes+")")
	fs.IntVar(&maxOutboundMessagesPerSecond, "max-outbound-messages-per-second", maxOutboundMessagesPerSecond, "Outbound event rate limit (0 = unlimited; env "+EnvMaxOutboundMessagesPerSecond+")")
	fs.IntVar(&reconnectAttempts, "reconnect-attempts", reconnectAttempts, "Reconnect attempts after an unexpected close (0 = never; env "+EnvReconnectAttempts+")")
	fs.DurationVar(&reconnectDelay, "reconnect-delay", reconnectDelay, "Delay between reconnect attempts (env "+EnvReconnectDelay+")")
	fs.StringVar(&callDisconnectPolicyStr, "call-disconnect-policy", callDisconnectPolicyStr, "What to do with an active call when the websocket drops: keep or end (env "+EnvCallDisconnectPolicy+")")
	fs.StringVar(&mediaSourceStr, "media-source", mediaSourceStr, "Local media: synthetic, devices or none (env "+EnvMediaSource+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&iceServersFile, "ice-servers-file", iceServersFile, "ICE server JSON file, reloaded on change ("+envICEServersFile+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")

	fs.UintVar(&webrtcUDPPortMin, flagWebRTCUDPPortMin, webrtcUDPPortMin, "Min UDP port for WebRTC ICE (0 = unset; env "+EnvWebRTCUDPPortMin+")")
	fs.UintVar(&webrtcUDPPortMax, flagWebRTCUDPPortMax, webrtcUDPPortMax, "Max UDP port for WebRTC ICE (0 = unset; env "+EnvWebRTCUDPPortMax+")")
	fs.StringVar(&webrtcUDPListenIPStr, flagWebRTCUDPListenIP, webrtcUDPListenIPStr, "Local listen IP for WebRTC ICE UDP sockets (env "+EnvWebRTCUDPListenIP+")")
	fs.StringVar(&webrtcNAT1To1IPsStr, flagWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, "Comma-separated public IPs to advertise for WebRTC ICE (env "+EnvWebRTCNAT1To1IPs+")")
	fs.StringVar(&webrtcNAT1To1CandidateTypeStr, flagWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, "Candidate type for NAT 1:1 IPs: host or srflx (env "+EnvWebRTCNAT1To1IPCandidateType+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	// If the mode was changed via flag and the log format/level were not
	// explicitly set, follow the mode's defaults.
	if setFlags["mode"] {
		if !setFlags["log-format"] && !envLogFormatSet {
			logFormatStr = defaultLogFormatForMode(modeStr)
		}
		if !setFlags["log-level"] && !envLogLevelSet {
			logLevelStr = defaultLogLevelForMode(modeStr)
		}
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	callDisconnectPolicy, err := parseCallDisconnectPolicy(callDisconnectPolicyStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q: %w", EnvCallDisconnectPolicy, "--call-disconnect-policy", callDisconnectPolicyStr, err)
	}
	mediaSource, err := parseMediaSource(mediaSourceStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q: %w", EnvMediaSource, "--media-source", mediaSourceStr, err)
	}

	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if httpTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/%s must be > 0", EnvHTTPTimeout, "--http-timeout")
	}
	if wsHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/%s must be > 0", EnvWSHandshakeTimeout, "--ws-handshake-timeout")
	}
	if wsWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/%s must be > 0", EnvWSWriteTimeout, "--ws-write-timeout")
	}
	if maxInboundMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/%s must be > 0", EnvMaxInboundMessageBytes, "--max-inbound-message-bytes")
	}
	if maxOutboundMessagesPerSecond < 0 {
		return Config{}, fmt.Errorf("%s/%s must be >= 0", EnvMaxOutboundMessagesPerSecond, "--max-outbound-messages-per-second")
	}
	if reconnectAttempts < 0 {
		return Config{}, fmt.Errorf("%s/%s must be >= 0", EnvReconnectAttempts, "--reconnect-attempts")
	}
	if reconnectDelay < 0 {
		return Config{}, fmt.Errorf("%s/%s must be >= 0", EnvReconnectDelay, "--reconnect-delay")
	}

	apiBaseURL, err = normalizeHTTPBaseURL(apiBaseURL)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/%s: %w", EnvAPIBaseURL, "--api-base-url", err)
	}
	if strings.TrimSpace(wsURL) == "" {
		wsURL = deriveWSURL(apiBaseURL)
	}
	wsURL, err = normalizeWSURL(wsURL)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/%s: %w", EnvWSURL, "--ws-url", err)
	}
	if strings.TrimSpace(wsOrigin) != "" {
		wsOrigin, err = normalizeOrigin(wsOrigin)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/%s %q: %w", EnvWSOrigin, "--ws-origin", wsOrigin, err)
		}
	}
	if email != "" && password == "" {
		return Config{}, fmt.Errorf("%s is set but %s is empty", EnvEmail, EnvPassword)
	}
	if _, _, err := net.SplitHostPort(controlListenAddr); err != nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q: %w", EnvControlListenAddr, "--control-listen-addr", controlListenAddr, err)
	}

	var webrtcUDPPortRange *UDPPortRange
	if setFlags[flagWebRTCUDPPortMin] || setFlags[flagWebRTCUDPPortMax] || webrtcUDPPortMin != 0 || webrtcUDPPortMax != 0 {
		if webrtcUDPPortMin == 0 || webrtcUDPPortMax == 0 {
			return Config{}, fmt.Errorf("%s/%s and %s/%s must be set together",
				EnvWebRTCUDPPortMin, "--"+flagWebRTCUDPPortMin,
				EnvWebRTCUDPPortMax, "--"+flagWebRTCUDPPortMax,
			)
		}
		min, err := parsePortUint(webrtcUDPPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("%s/%s: %w", EnvWebRTCUDPPortMin, "--"+flagWebRTCUDPPortMin, err)
		}
		max, err := parsePortUint(webrtcUDPPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("%s/%s: %w", EnvWebRTCUDPPortMax, "--"+flagWebRTCUDPPortMax, err)
		}
		if min > max {
			return Config{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", min, max)
		}
		size := int(max) - int(min) + 1
		if size < recommendedWebRTCUDPPortRangeSize {
			return Config{}, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d recommended)", size, recommendedWebRTCUDPPortRangeSize)
		}
		webrtcUDPPortRange = &UDPPortRange{Min: min, Max: max}
	}

	webrtcUDPListenIP := net.ParseIP(strings.TrimSpace(webrtcUDPListenIPStr))
	if webrtcUDPListenIP == nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q", EnvWebRTCUDPListenIP, "--"+flagWebRTCUDPListenIP, webrtcUDPListenIPStr)
	}

	var webrtcNAT1To1IPs []string
	if strings.TrimSpace(webrtcNAT1To1IPsStr) != "" {
		ips, err := parseIPList(webrtcNAT1To1IPsStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/%s %q: %w", EnvWebRTCNAT1To1IPs, "--"+flagWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, err)
		}
		webrtcNAT1To1IPs = ips
	}

	if strings.TrimSpace(webrtcNAT1To1CandidateTypeStr) == "" {
		webrtcNAT1To1CandidateTypeStr = string(NAT1To1CandidateTypeHost)
	}
	webrtcNAT1To1CandidateType, err := parseCandidateType(webrtcNAT1To1CandidateTypeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q: %w", EnvWebRTCNAT1To1IPCandidateType, "--"+flagWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, err)
	}

	cfg := Config{
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,

		APIBaseURL:  apiBaseURL,
		WSURL:       wsURL,
		WSOrigin:    wsOrigin,
		HTTPTimeout: httpTimeout,

		Email:         email,
		Password:      password,
		SessionCookie: strings.TrimSpace(sessionCookie),

		ControlListenAddr: controlListenAddr,

		WSHandshakeTimeout:           wsHandshakeTimeout,
		WSWriteTimeout:               wsWriteTimeout,
		MaxInboundMessageBytes:       maxInboundMessageBytes,
		MaxOutboundMessagesPerSecond: maxOutboundMessagesPerSecond,
		ReconnectAttempts:            reconnectAttempts,
		ReconnectDelay:               reconnectDelay,
		CallDisconnectPolicy:         callDisconnectPolicy,
		MediaSource:                  mediaSource,

		WebRTCUDPPortRange:           webrtcUDPPortRange,
		WebRTCUDPListenIP:            webrtcUDPListenIP,
		WebRTCNAT1To1IPs:             webrtcNAT1To1IPs,
		WebRTCNAT1To1IPCandidateType: webrtcNAT1To1CandidateType,

		ICEServersFile: strings.TrimSpace(iceServersFile),
	}

	iceServers, err := ICESources{
		File:           cfg.ICEServersFile,
		JSON:           iceServersJSON,
		STUNURLs:       stunURLs,
		TURNURLs:       turnURLs,
		TURNUsername:   turnUsername,
		TURNCredential: turnCredential,
	}.Resolve()
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseCallDisconnectPolicy(raw string) (CallDisconnectPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(CallDisconnectKeep):
		return CallDisconnectKeep, nil
	case string(CallDisconnectEnd):
		return CallDisconnectEnd, nil
	default:
		return "", fmt.Errorf("expected %s or %s", CallDisconnectKeep, CallDisconnectEnd)
	}
}

func parseMediaSource(raw string) (MediaSource, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(MediaSourceSynthetic):
		return MediaSourceSynthetic, nil
	case string(MediaSourceDevices):
		return MediaSourceDevices, nil
	case string(MediaSourceNone):
		return MediaSourceNone, nil
	default:
		return "", fmt.Errorf("expected %s, %s or %s", MediaSourceSynthetic, MediaSourceDevices, MediaSourceNone)
	}
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

// IsLoopbackHost reports whether a URL host (with or without port) names the
// local machine.
func IsLoopbackHost(hostport string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func normalizeHTTPBaseURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%q: expected http:// or https://", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%q: missing host", raw)
	}
	if u.User != nil {
		return "", fmt.Errorf("%q: must not include credentials", raw)
	}
	u.Scheme = scheme
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimRight(u.String(), "/"), nil
}

func deriveWSURL(apiBaseURL string) string {
	u, err := url.Parse(apiBaseURL)
	if err != nil {
		return ""
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + DefaultWSPath
	return u.String()
}

func normalizeWSURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return "", fmt.Errorf("%q: expected ws:// or wss://", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%q: missing host", raw)
	}
	if u.User != nil {
		return "", fmt.Errorf("%q: must not include credentials", raw)
	}
	u.Scheme = scheme
	return u.String(), nil
}

// normalizeOrigin accepts a full origin (scheme://host[:port]) and returns it
// lowercased without a trailing slash or default port.
func normalizeOrigin(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "null" {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("expected full origin like https://example.com")
	}
	if u.Host == "" || u.User != nil || (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("expected full origin like https://example.com")
	}
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host, nil
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
