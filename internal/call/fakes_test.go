package call

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/masterboy376/cphere/internal/config"
	"github.com/masterboy376/cphere/internal/metrics"
	"github.com/masterboy376/cphere/internal/transport"
	"github.com/masterboy376/cphere/internal/webrtcpeer"
	"github.com/masterboy376/cphere/internal/wire"
)

var errNoRemoteDescription = errors.New("fake: remote description not set")

type fakePeer struct {
	mu          sync.Mutex
	tracks      []webrtc.TrackLocal
	recvonly    []webrtc.RTPCodecType
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	onCandidate func(*webrtc.ICECandidate)
	onTrack     func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onState     func(webrtc.PeerConnectionState)
	closes      int
	remoteErr   error
}

func (p *fakePeer) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, track)
	return nil, nil
}

func (p *fakePeer) AddTransceiverFromKind(kind webrtc.RTPCodecType, _ ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recvonly = append(p.recvonly, kind)
	return nil, nil
}

func (p *fakePeer) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 fake-offer"}, nil
}

func (p *fakePeer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return webrtc.SessionDescription{}, errNoRemoteDescription
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 fake-answer"}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &desc
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteErr != nil {
		return p.remoteErr
	}
	p.remote = &desc
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errNoRemoteDescription
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) OnICECandidate(f func(*webrtc.ICECandidate)) {
	p.mu.Lock()
	p.onCandidate = f
	p.mu.Unlock()
}

func (p *fakePeer) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.mu.Lock()
	p.onTrack = f
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = f
	p.mu.Unlock()
}

func (p *fakePeer) WriteRTCP([]rtcp.Packet) error { return nil }

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) fireTrack() {
	p.mu.Lock()
	f := p.onTrack
	p.mu.Unlock()
	f(&webrtc.TrackRemote{}, nil)
}

func (p *fakePeer) fireState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	f := p.onState
	p.mu.Unlock()
	f(s)
}

func (p *fakePeer) fireCandidate(c *webrtc.ICECandidate) {
	p.mu.Lock()
	f := p.onCandidate
	p.mu.Unlock()
	f(c)
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

func (p *fakePeer) appliedCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

func (p *fakePeer) remoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

type fakePeers struct {
	mu        sync.Mutex
	peers     []*fakePeer
	remoteErr error
	err       error
}

func (f *fakePeers) NewPeerConnection() (webrtcpeer.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{remoteErr: f.remoteErr}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakePeers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakePeers) last(t *testing.T) *fakePeer {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		t.Fatalf("no peer connection created")
	}
	return f.peers[len(f.peers)-1]
}

type fakeMedia struct {
	mu     sync.Mutex
	closes int
	tracks []webrtc.TrackLocal
}

func (m *fakeMedia) Tracks() []webrtc.TrackLocal { return m.tracks }

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	m.closes++
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

type fakeMediaSource struct {
	mu       sync.Mutex
	acquired []*fakeMedia
	err      error
	track    webrtc.TrackLocal
}

func (s *fakeMediaSource) Acquire(context.Context) (webrtcpeer.LocalMedia, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	m := &fakeMedia{}
	if s.track != nil {
		m.tracks = []webrtc.TrackLocal{s.track}
	}
	s.acquired = append(s.acquired, m)
	return m, nil
}

func (s *fakeMediaSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.acquired)
}

func (s *fakeMediaSource) last(t *testing.T) *fakeMedia {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.acquired) == 0 {
		t.Fatalf("no media acquired")
	}
	return s.acquired[len(s.acquired)-1]
}

type fakeSender struct {
	mu     sync.Mutex
	events []wire.Event
	err    error
}

func (s *fakeSender) Send(ev wire.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeSender) sent() []wire.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wire.Event(nil), s.events...)
}

func (s *fakeSender) ofKind(kind wire.Kind) []wire.Event {
	var out []wire.Event
	for _, ev := range s.sent() {
		if ev.Kind() == kind {
			out = append(out, ev)
		}
	}
	return out
}

type respondCall struct {
	notificationID string
	accepted       bool
}

type fakeSignaler struct {
	mu          sync.Mutex
	initiated   []string
	responses   []respondCall
	initiateErr error
	respondErr  error
	// gate, when set, blocks InitiateCall until closed.
	gate chan struct{}
}

func (s *fakeSignaler) InitiateCall(ctx context.Context, recipientID, chatID string) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initiated = append(s.initiated, recipientID+"/"+chatID)
	return s.initiateErr
}

func (s *fakeSignaler) RespondCall(_ context.Context, notificationID string, accepted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.respondErr != nil {
		return s.respondErr
	}
	s.responses = append(s.responses, respondCall{notificationID: notificationID, accepted: accepted})
	return nil
}

func (s *fakeSignaler) responded() []respondCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]respondCall(nil), s.responses...)
}

type harness struct {
	engine   *Engine
	dispatch *transport.Dispatcher
	sender   *fakeSender
	signaler *fakeSignaler
	peers    *fakePeers
	media    *fakeMediaSource
	metrics  *metrics.Metrics

	mu     sync.Mutex
	states []State
}

const (
	selfID   = "u1"
	remoteID = "u2"
	chatID   = "c1"
)

func newHarness(t *testing.T, policy config.CallDisconnectPolicy) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		dispatch: transport.NewDispatcher(logger, nil),
		sender:   &fakeSender{},
		signaler: &fakeSignaler{},
		peers:    &fakePeers{},
		media:    &fakeMediaSource{},
		metrics:  metrics.New(),
	}
	ids := 0
	h.engine = New(Options{
		Sender:           h.sender,
		Signaler:         h.signaler,
		Peers:            h.peers,
		Media:            h.media,
		DisconnectPolicy: policy,
		Logger:           logger,
		Metrics:          h.metrics,
		Now:              func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
		NewCallID: func() string {
			ids++
			return "call-" + strconv.Itoa(ids)
		},
	})
	h.engine.SetSelf(selfID)
	detach := h.engine.Attach(h.dispatch)
	h.engine.OnStateChange(func(s Snapshot) {
		h.mu.Lock()
		h.states = append(h.states, s.State)
		h.mu.Unlock()
	})
	t.Cleanup(func() {
		detach()
		h.engine.Close()
	})
	return h
}

func (h *harness) seen() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...)
}

func (h *harness) wantState(t *testing.T, want State) Snapshot {
	t.Helper()
	snap := h.engine.Snapshot()
	if snap.State != want {
		t.Fatalf("state=%q (reason %q), want %q", snap.State, snap.Reason, want)
	}
	return snap
}

// eventually polls cond for work the engine finishes on its own goroutines.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func offerFrame(callID string) wire.WebRTCOffer {
	return wire.WebRTCOffer{
		CallSignal: wire.CallSignal{TargetUserID: selfID, SenderID: remoteID, CallID: callID},
		Offer:      wire.SessionDescription{Type: "offer", SDP: "v=0 remote-offer"},
	}
}

func answerFrame(callID string) wire.WebRTCAnswer {
	return wire.WebRTCAnswer{
		CallSignal: wire.CallSignal{TargetUserID: selfID, SenderID: remoteID, CallID: callID},
		Answer:     wire.SessionDescription{Type: "answer", SDP: "v=0 remote-answer"},
	}
}

func candidateFrame(callID, candidate string) wire.WebRTCICECandidate {
	mid := "0"
	return wire.WebRTCICECandidate{
		CallSignal: wire.CallSignal{TargetUserID: selfID, SenderID: remoteID, CallID: callID},
		Candidate:  wire.Candidate{Candidate: candidate, SDPMid: &mid},
	}
}

func requestFrame(notificationID string) wire.VideoCallRequest {
	return wire.VideoCallRequest{Notification: wire.Notification{
		ID:             notificationID,
		Type:           "video_call_request",
		SenderUserID:   remoteID,
		SenderUsername: "bob",
	}}
}
