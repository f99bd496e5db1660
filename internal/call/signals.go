package call

import (
	"github.com/pion/webrtc/v4"

	"github.com/masterboy376/cphere/internal/config"
	"github.com/masterboy376/cphere/internal/metrics"
	"github.com/masterboy376/cphere/internal/webrtcpeer"
	"github.com/masterboy376/cphere/internal/wire"
)

// matchesLocked reports whether sig belongs to the active call cs. A callee
// adopts the caller's call id from the first frame that carries one.
func (e *Engine) matchesLocked(cs *session, sig wire.CallSignal, kind wire.Kind) bool {
	if !e.activeLocked(cs) {
		e.logger.Debug("signal without active call", "kind", string(kind), "call_id", sig.CallID)
		return false
	}
	if sig.SenderID != "" && sig.SenderID != cs.remote {
		e.metrics.Inc(metrics.StaleCallEvents)
		e.logger.Debug("signal from unexpected sender", "kind", string(kind), "sender_id", sig.SenderID, "remote_user_id", cs.remote)
		return false
	}
	if sig.CallID == "" || sig.CallID == cs.id {
		return true
	}
	if cs.role == RoleCallee && !cs.idFromRemote {
		cs.id = sig.CallID
		cs.idFromRemote = true
		return true
	}
	e.metrics.Inc(metrics.StaleCallEvents)
	e.logger.Debug("signal for another call", "kind", string(kind), "call_id", sig.CallID, "active_call_id", cs.id)
	return false
}

func (e *Engine) onRequest(req wire.VideoCallRequest) {
	n := req.Notification
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if cur := e.call; cur != nil && !cur.state.Terminal() {
		e.mu.Unlock()
		e.logger.Info("ignoring call request during active call", "notification_id", n.ID, "sender_user_id", n.SenderUserID)
		return
	}
	cs := &session{
		id:             e.opts.NewCallID(),
		role:           RoleCallee,
		state:          StateIdle,
		remote:         n.SenderUserID,
		notificationID: n.ID,
		startedAt:      e.opts.Now(),
	}
	e.call = cs
	run := e.transitionLocked(cs, StateRinging, "")
	e.mu.Unlock()
	run()
}

func (e *Engine) onOffer(ev wire.WebRTCOffer) {
	offer, err := ev.Offer.ToPion()
	if err != nil {
		e.logger.Warn("dropping offer", "err", err)
		return
	}

	e.mu.Lock()
	cs := e.call
	if !e.matchesLocked(cs, ev.CallSignal, ev.Kind()) {
		e.mu.Unlock()
		return
	}
	switch {
	case cs.role == RoleCallee && cs.state == StateRinging:
		cs.pendingOffer = &offer
		e.mu.Unlock()
		e.logger.Debug("offer buffered until accept", "call_id", ev.CallID)
	case cs.role == RoleCallee && cs.state == StateConnecting && !cs.answering:
		e.wg.Add(1)
		e.mu.Unlock()
		// Media acquisition can block; keep the transport's read loop free.
		go func() {
			defer e.wg.Done()
			_ = e.answer(e.ctx, cs, offer)
		}()
	default:
		state, role := cs.state, cs.role
		e.mu.Unlock()
		e.logger.Debug("ignoring offer", "state", string(state), "role", string(role))
	}
}

func (e *Engine) onAnswer(ev wire.WebRTCAnswer) {
	answer, err := ev.Answer.ToPion()
	if err != nil {
		e.logger.Warn("dropping answer", "err", err)
		return
	}

	e.mu.Lock()
	cs := e.call
	if !e.matchesLocked(cs, ev.CallSignal, ev.Kind()) {
		e.mu.Unlock()
		return
	}
	if cs.role != RoleCaller || cs.state != StateConnecting || cs.pc == nil || cs.answerApplied {
		e.mu.Unlock()
		e.logger.Debug("ignoring answer", "call_id", ev.CallID)
		return
	}
	cs.answerApplied = true
	pc := cs.pc
	e.mu.Unlock()

	if err := pc.SetRemoteDescription(answer); err != nil {
		_ = e.fail(cs, StageRemoteDescription, err)
		return
	}
	_ = e.remoteDescriptionSet(cs, pc)
}

func (e *Engine) onCandidate(ev wire.WebRTCICECandidate) {
	c := ev.Candidate.ToPion()

	e.mu.Lock()
	cs := e.call
	if !e.matchesLocked(cs, ev.CallSignal, ev.Kind()) {
		e.mu.Unlock()
		return
	}
	if cs.pc == nil || !cs.remoteSet {
		if len(cs.candidates) >= maxQueuedCandidates {
			e.mu.Unlock()
			e.logger.Warn("candidate queue full, dropping candidate", "call_id", ev.CallID)
			return
		}
		cs.candidates = append(cs.candidates, c)
		e.mu.Unlock()
		e.metrics.Inc(metrics.CandidatesQueued)
		return
	}
	pc, callID := cs.pc, cs.id
	e.mu.Unlock()
	e.addCandidate(callID, pc, c)
}

func (e *Engine) onEnded(ev wire.VideoCallEnded) {
	e.mu.Lock()
	cs := e.call
	if !e.matchesLocked(cs, ev.CallSignal, ev.Kind()) {
		e.mu.Unlock()
		return
	}
	run := e.transitionLocked(cs, StateEnded, reasonRemoteEnded)
	e.mu.Unlock()
	run()
}

func (e *Engine) onAccepted(ev wire.VideoCallAccepted) {
	e.mu.Lock()
	cs := e.call
	ok := e.activeLocked(cs) && cs.role == RoleCaller
	e.mu.Unlock()
	if ok {
		e.logger.Info("call accepted by remote", "responder", ev.Responder())
	}
}

func (e *Engine) onDeclined(ev wire.VideoCallDeclined) {
	e.mu.Lock()
	cs := e.call
	if !e.activeLocked(cs) || cs.role != RoleCaller {
		e.mu.Unlock()
		return
	}
	if who := ev.Responder(); who != "" && who != cs.remote {
		e.mu.Unlock()
		e.metrics.Inc(metrics.StaleCallEvents)
		e.logger.Debug("decline from unexpected user", "responder", who)
		return
	}
	var run func()
	switch cs.state {
	case StateRinging:
		run = e.transitionLocked(cs, StateDeclined, reasonRemoteDeclined)
	default:
		run = e.transitionLocked(cs, StateEnded, reasonRemoteDeclined)
	}
	e.mu.Unlock()
	run()
}

func (e *Engine) onConnectionClose() {
	if e.opts.DisconnectPolicy != config.CallDisconnectEnd {
		return
	}
	e.mu.Lock()
	cs := e.call
	if !e.activeLocked(cs) {
		e.mu.Unlock()
		return
	}
	run := e.transitionLocked(cs, StateEnded, reasonConnectionLost)
	e.mu.Unlock()
	run()
}

func (e *Engine) onLocalCandidate(cs *session, c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	e.mu.Lock()
	if !e.activeLocked(cs) {
		e.mu.Unlock()
		return
	}
	ev := wire.WebRTCICECandidate{CallSignal: e.signalLocked(cs), Candidate: wire.CandidateFromPion(c.ToJSON())}
	e.mu.Unlock()

	if err := e.opts.Sender.Send(ev); err != nil {
		e.logger.Warn("local candidate not delivered", "call_id", ev.CallID, "err", err)
	}
}

func (e *Engine) onTrack(cs *session, pc webrtcpeer.PeerConnection, track *webrtc.TrackRemote) {
	e.mu.Lock()
	if !e.activeLocked(cs) {
		e.mu.Unlock()
		return
	}
	run := func() {}
	if cs.state == StateConnecting {
		run = e.transitionLocked(cs, StateConnected, "")
	}
	consume := e.opts.OnRemoteTrack != nil
	if consume {
		e.wg.Add(1)
	}
	e.mu.Unlock()
	run()

	if consume {
		go func() {
			defer e.wg.Done()
			e.opts.OnRemoteTrack(pc, track)
		}()
	}
}

func (e *Engine) onPeerState(cs *session, s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateFailed:
		_ = e.fail(cs, StageConnection, errPeerFailed)
	case webrtc.PeerConnectionStateClosed:
		e.mu.Lock()
		if !e.activeLocked(cs) {
			e.mu.Unlock()
			return
		}
		run := e.transitionLocked(cs, StateEnded, reasonPeerClosed)
		e.mu.Unlock()
		run()
	}
}
