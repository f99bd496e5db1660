package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/masterboy376/cphere/internal/metrics"
	"github.com/masterboy376/cphere/internal/webrtcpeer"
	"github.com/masterboy376/cphere/internal/wire"
)

// Start calls remoteUserID in chatID. It returns once the offer is sent and
// the call is connecting, or with the error that moved it to StateError.
func (e *Engine) Start(ctx context.Context, remoteUserID, chatID string) error {
	if remoteUserID == "" {
		return errors.New("call: remote user id is required")
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrCallEnded
	}
	if e.call != nil && !e.call.state.Terminal() {
		e.mu.Unlock()
		return ErrCallActive
	}
	if remoteUserID == e.self {
		e.mu.Unlock()
		return errors.New("call: cannot call yourself")
	}
	cs := &session{
		id:        e.opts.NewCallID(),
		role:      RoleCaller,
		state:     StateIdle,
		remote:    remoteUserID,
		chatID:    chatID,
		startedAt: e.opts.Now(),
	}
	e.call = cs
	run := e.transitionLocked(cs, StateRinging, "")
	e.mu.Unlock()
	run()

	if err := e.opts.Signaler.InitiateCall(ctx, remoteUserID, chatID); err != nil {
		return e.fail(cs, StageInitiate, err)
	}

	pc, err := e.preparePeer(ctx, cs)
	if err != nil {
		return err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return e.fail(cs, StageOffer, err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return e.fail(cs, StageOffer, err)
	}

	e.mu.Lock()
	if !e.activeLocked(cs) {
		e.mu.Unlock()
		return ErrCallEnded
	}
	ev := wire.WebRTCOffer{CallSignal: e.signalLocked(cs), Offer: wire.SessionDescriptionFromPion(offer)}
	// The answer can only follow the offer, so the call is connecting before
	// the frame leaves.
	run = e.transitionLocked(cs, StateConnecting, "")
	e.mu.Unlock()
	run()

	if err := e.opts.Sender.Send(ev); err != nil {
		return e.fail(cs, StageSignal, err)
	}
	return nil
}

// Accept answers an incoming call. An offer that arrived while ringing is
// answered before Accept returns.
func (e *Engine) Accept(ctx context.Context) error {
	e.mu.Lock()
	cs := e.call
	if !e.activeLocked(cs) || cs.role != RoleCallee || cs.state != StateRinging || cs.responding {
		e.mu.Unlock()
		return ErrInvalidState
	}
	cs.responding = true
	notificationID := cs.notificationID
	e.mu.Unlock()

	if err := e.opts.Signaler.RespondCall(ctx, notificationID, true); err != nil {
		return e.fail(cs, StageRespond, err)
	}

	e.mu.Lock()
	if !e.activeLocked(cs) {
		e.mu.Unlock()
		return ErrCallEnded
	}
	offer := cs.pendingOffer
	cs.pendingOffer = nil
	run := e.transitionLocked(cs, StateConnecting, "")
	e.mu.Unlock()
	run()

	if offer == nil {
		return nil
	}
	return e.answer(ctx, cs, *offer)
}

// Decline rejects an incoming call. No media is acquired and the engine
// returns to idle.
func (e *Engine) Decline(ctx context.Context) error {
	e.mu.Lock()
	cs := e.call
	if !e.activeLocked(cs) || cs.role != RoleCallee || cs.state != StateRinging || cs.responding {
		e.mu.Unlock()
		return ErrInvalidState
	}
	cs.responding = true
	notificationID := cs.notificationID
	e.mu.Unlock()

	if err := e.opts.Signaler.RespondCall(ctx, notificationID, false); err != nil {
		e.mu.Lock()
		cs.responding = false
		e.mu.Unlock()
		return &NegotiationError{Stage: StageRespond, Err: err}
	}

	e.mu.Lock()
	if e.call != cs {
		e.mu.Unlock()
		return nil
	}
	cs.state = StateIdle
	e.call = nil
	snap := Snapshot{State: StateIdle}
	obs := append([]observer(nil), e.observers...)
	e.mu.Unlock()

	e.metrics.CallTransition(string(StateIdle))
	e.logger.Info("call declined", "notification_id", notificationID, "remote_user_id", cs.remote)
	for _, o := range obs {
		o.fn(snap)
	}
	return nil
}

// answer runs the callee half of negotiation for offer.
func (e *Engine) answer(ctx context.Context, cs *session, offer webrtc.SessionDescription) error {
	e.mu.Lock()
	if !e.activeLocked(cs) || cs.state != StateConnecting || cs.answering {
		e.mu.Unlock()
		return nil
	}
	cs.answering = true
	e.mu.Unlock()

	pc, err := e.preparePeer(ctx, cs)
	if err != nil {
		return err
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		return e.fail(cs, StageRemoteDescription, err)
	}
	if err := e.remoteDescriptionSet(cs, pc); err != nil {
		return err
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return e.fail(cs, StageAnswer, err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return e.fail(cs, StageAnswer, err)
	}

	e.mu.Lock()
	if !e.activeLocked(cs) {
		e.mu.Unlock()
		return ErrCallEnded
	}
	ev := wire.WebRTCAnswer{CallSignal: e.signalLocked(cs), Answer: wire.SessionDescriptionFromPion(answer)}
	e.mu.Unlock()

	if err := e.opts.Sender.Send(ev); err != nil {
		return e.fail(cs, StageSignal, err)
	}
	return nil
}

// preparePeer acquires local media and builds the peer connection for cs.
// Both handles are owned by cs once stored; if the call ends meanwhile they
// are released here.
func (e *Engine) preparePeer(ctx context.Context, cs *session) (webrtcpeer.PeerConnection, error) {
	e.mu.Lock()
	active := e.activeLocked(cs)
	e.mu.Unlock()
	if !active {
		return nil, ErrCallEnded
	}

	media, err := e.opts.Media.Acquire(ctx)
	if err != nil {
		return nil, e.fail(cs, StageMedia, err)
	}
	e.mu.Lock()
	if !e.activeLocked(cs) {
		callID := cs.id
		e.mu.Unlock()
		e.release(callID, nil, media)
		return nil, ErrCallEnded
	}
	cs.media = media
	e.mu.Unlock()

	pc, err := e.opts.Peers.NewPeerConnection()
	if err != nil {
		return nil, e.fail(cs, StagePeer, err)
	}
	e.mu.Lock()
	if !e.activeLocked(cs) {
		callID := cs.id
		e.mu.Unlock()
		e.release(callID, pc, nil)
		return nil, ErrCallEnded
	}
	cs.pc = pc
	e.mu.Unlock()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		e.onLocalCandidate(cs, c)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.onTrack(cs, pc, track)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		e.onPeerState(cs, s)
	})

	if err := addMedia(pc, media); err != nil {
		return nil, e.fail(cs, StagePeer, err)
	}
	return pc, nil
}

// addMedia attaches the local tracks and negotiates receive-only for any
// kind the media lacks, so the remote side can still send it.
func addMedia(pc webrtcpeer.PeerConnection, media webrtcpeer.LocalMedia) error {
	have := map[webrtc.RTPCodecType]bool{}
	for _, track := range media.Tracks() {
		if _, err := pc.AddTrack(track); err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		have[track.Kind()] = true
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if have[kind] {
			continue
		}
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add recvonly %s transceiver: %w", kind, err)
		}
	}
	return nil
}

// remoteDescriptionSet marks cs ready for candidates and applies the ones
// that arrived early.
func (e *Engine) remoteDescriptionSet(cs *session, pc webrtcpeer.PeerConnection) error {
	e.mu.Lock()
	if !e.activeLocked(cs) {
		e.mu.Unlock()
		return ErrCallEnded
	}
	cs.remoteSet = true
	queued := cs.candidates
	cs.candidates = nil
	callID := cs.id
	e.mu.Unlock()

	for _, c := range queued {
		e.addCandidate(callID, pc, c)
	}
	return nil
}

func (e *Engine) addCandidate(callID string, pc webrtcpeer.PeerConnection, c webrtc.ICECandidateInit) {
	if err := pc.AddICECandidate(c); err != nil {
		e.metrics.Inc(metrics.CandidateErrors)
		e.logger.Warn("add ice candidate failed", "call_id", callID, "err", err)
	}
}
