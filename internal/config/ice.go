package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "CPHERE_ICE_SERVERS_JSON"
	envICEServersFile = "CPHERE_ICE_SERVERS_FILE"

	envStunURLs       = "CPHERE_STUN_URLS"
	envTurnURLs       = "CPHERE_TURN_URLS"
	envTurnUsername   = "CPHERE_TURN_USERNAME"
	envTurnCredential = "CPHERE_TURN_CREDENTIAL"
)

// ICESources are the places an ICE server list can come from. Exactly one is
// used: the file when set (it is also the one reloaded at runtime), then the
// inline JSON, then the STUN/TURN URL lists.
type ICESources struct {
	File           string
	JSON           string
	STUNURLs       string
	TURNURLs       string
	TURNUsername   string
	TURNCredential string
}

func (s ICESources) Resolve() ([]webrtc.ICEServer, error) {
	if path := strings.TrimSpace(s.File); path != "" {
		return ReadICEServersFile(path)
	}
	if raw := strings.TrimSpace(s.JSON); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}
	return s.fromURLLists()
}

func (s ICESources) fromURLLists() ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer
	if urls := splitCommaSeparated(s.STUNURLs); len(urls) > 0 {
		server := webrtc.ICEServer{URLs: urls}
		if err := checkICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if urls := splitCommaSeparated(s.TURNURLs); len(urls) > 0 {
		username := strings.TrimSpace(s.TURNUsername)
		credential := strings.TrimSpace(s.TURNCredential)
		if username == "" || credential == "" {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		server := webrtc.ICEServer{URLs: urls, Username: username, Credential: credential}
		if err := checkICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// ReadICEServersFile loads a JSON iceServers list from path. Errors name the
// file so a bad reload is easy to trace in the log.
func ReadICEServersFile(path string) ([]webrtc.ICEServer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", envICEServersFile, err)
	}
	servers, err := ParseICEServersJSON(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%s %q: %w", envICEServersFile, path, err)
	}
	return servers, nil
}

// iceServerEntry is one element of the browser RTCIceServer list. urls may be
// a single string or an array.
type iceServerEntry struct {
	URLs       flexibleURLs `json:"urls"`
	Username   string       `json:"username,omitempty"`
	Credential string       `json:"credential,omitempty"`
}

type flexibleURLs []string

func (u *flexibleURLs) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*u = flexibleURLs{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New("urls must be a string or an array of strings")
	}
	*u = many
	return nil
}

// ParseICEServersJSON parses a browser-style iceServers list. Blank urls are
// skipped; every remaining url must parse as a STUN or TURN URI.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var entries []iceServerEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(entries))
	for i, entry := range entries {
		server := webrtc.ICEServer{
			URLs:     nonBlank(entry.URLs),
			Username: strings.TrimSpace(entry.Username),
		}
		if strings.TrimSpace(entry.Credential) != "" {
			server.Credential = entry.Credential
		}
		if err := checkICEServer(server); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// checkICEServer applies the rules pion enforces when a PeerConnection is
// built, so a bad list fails at load time instead of on the first call.
func checkICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}
	for _, raw := range server.URLs {
		uri, err := stun.ParseURI(raw)
		if err != nil {
			return fmt.Errorf("url %q: %w", raw, err)
		}
		if uri.Scheme != stun.SchemeTypeTURN && uri.Scheme != stun.SchemeTypeTURNS {
			continue
		}
		if server.Username == "" {
			return fmt.Errorf("url %q: turn requires username", raw)
		}
		if cred, ok := server.Credential.(string); !ok || strings.TrimSpace(cred) == "" {
			return fmt.Errorf("url %q: turn requires credential", raw)
		}
	}
	return nil
}

func nonBlank(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func splitCommaSeparated(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return nonBlank(strings.Split(value, ","))
}
