package webrtcpeer

import (
	"errors"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// PeerConnection is the part of *webrtc.PeerConnection the call engine
// drives.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	AddTransceiverFromKind(kind webrtc.RTPCodecType, init ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	WriteRTCP(pkts []rtcp.Packet) error
	Close() error
}

var _ PeerConnection = (*webrtc.PeerConnection)(nil)

// ICEServers holds the server list handed to new peer connections. It is
// safe to Store while calls are being set up; connections already created
// keep the list they started with.
type ICEServers struct {
	v atomic.Pointer[[]webrtc.ICEServer]
}

func NewICEServers(servers []webrtc.ICEServer) *ICEServers {
	s := &ICEServers{}
	s.Store(servers)
	return s
}

func (s *ICEServers) Load() []webrtc.ICEServer {
	if s == nil {
		return nil
	}
	p := s.v.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (s *ICEServers) Store(servers []webrtc.ICEServer) {
	cp := append([]webrtc.ICEServer(nil), servers...)
	s.v.Store(&cp)
}

// Factory creates peer connections from one API.
type Factory struct {
	api        *webrtc.API
	iceServers *ICEServers
}

func NewFactory(api *webrtc.API, iceServers *ICEServers) (*Factory, error) {
	if api == nil {
		return nil, errors.New("webrtcpeer: nil api")
	}
	return &Factory{api: api, iceServers: iceServers}, nil
}

func (f *Factory) NewPeerConnection() (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: f.iceServers.Load(),
	})
	if err != nil {
		return nil, err
	}
	return pc, nil
}
