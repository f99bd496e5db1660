// Package call runs the per-call state machine: media acquisition, the
// offer/answer exchange, candidate trickling and the accept/decline/end
// signaling with the remote party.
//
// At most one call exists at a time. Inbound signaling is matched to it by
// call id (and sender), so late or duplicate frames for an earlier call
// never touch the current one.
package call

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/masterboy376/cphere/internal/config"
	"github.com/masterboy376/cphere/internal/metrics"
	"github.com/masterboy376/cphere/internal/transport"
	"github.com/masterboy376/cphere/internal/webrtcpeer"
	"github.com/masterboy376/cphere/internal/wire"
)

type State string

const (
	StateIdle       State = "idle"
	StateRinging    State = "ringing"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateEnded      State = "ended"
	StateDeclined   State = "declined"
	StateError      State = "error"
)

// Terminal reports whether s ends a call. A new call may start from any
// terminal state.
func (s State) Terminal() bool {
	switch s {
	case StateEnded, StateDeclined, StateError:
		return true
	default:
		return false
	}
}

type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Snapshot is a copy of the current call. The zero value with StateIdle
// means no call has happened yet or the last one was declined by us.
type Snapshot struct {
	CallID         string         `json:"call_id,omitempty"`
	State          State          `json:"state"`
	Role           Role           `json:"role,omitempty"`
	RemoteUserID   string         `json:"remote_user_id,omitempty"`
	ChatID         string         `json:"chat_id,omitempty"`
	NotificationID string         `json:"notification_id,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	StartedAt      wire.Timestamp `json:"started_at"`
}

// maxQueuedCandidates bounds candidates held before the remote description
// is known.
const maxQueuedCandidates = 256

const (
	reasonLocalEnded     = "ended"
	reasonRemoteEnded    = "remote ended"
	reasonRemoteDeclined = "remote declined"
	reasonPeerClosed     = "peer connection closed"
	reasonConnectionLost = "connection lost"
)

type Sender interface {
	Send(ev wire.Event) error
}

type Subscriber interface {
	Subscribe(kind wire.Kind, h transport.Handler) *transport.Subscription
}

// Signaler carries the request/response half of call setup.
type Signaler interface {
	InitiateCall(ctx context.Context, recipientID, chatID string) error
	RespondCall(ctx context.Context, notificationID string, accepted bool) error
}

type PeerFactory interface {
	NewPeerConnection() (webrtcpeer.PeerConnection, error)
}

type Options struct {
	Sender   Sender
	Signaler Signaler
	Peers    PeerFactory
	Media    webrtcpeer.MediaSource
	// DisconnectPolicy decides what happens to a call when the websocket
	// closes. Media flows peer to peer, so the default keeps it.
	DisconnectPolicy config.CallDisconnectPolicy
	// OnRemoteTrack consumes a remote track. It runs on its own goroutine.
	OnRemoteTrack func(pc webrtcpeer.PeerConnection, track *webrtc.TrackRemote)

	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
	NewCallID func() string
}

type session struct {
	id             string
	idFromRemote   bool
	role           Role
	state          State
	reason         string
	remote         string
	chatID         string
	notificationID string
	startedAt      time.Time

	media webrtcpeer.LocalMedia
	pc    webrtcpeer.PeerConnection

	responding    bool
	answering     bool
	answerApplied bool
	remoteSet     bool
	pendingOffer  *webrtc.SessionDescription
	candidates    []webrtc.ICECandidateInit
	released      bool
}

type observer struct {
	id int
	fn func(Snapshot)
}

type Engine struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	self      string
	call      *session
	observers []observer
	nextObs   int
	closed    bool
}

func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewCallID == nil {
		opts.NewCallID = uuid.NewString
	}
	if opts.DisconnectPolicy == "" {
		opts.DisconnectPolicy = config.CallDisconnectKeep
	}
	if opts.Media == nil {
		opts.Media = webrtcpeer.NoMedia{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		opts:    opts,
		logger:  logger.With("component", "call"),
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetSelf records the local user id, sent as sender_id on signaling frames.
func (e *Engine) SetSelf(userID string) {
	e.mu.Lock()
	e.self = userID
	e.mu.Unlock()
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	cs := e.call
	if cs == nil {
		return Snapshot{State: StateIdle}
	}
	return Snapshot{
		CallID:         cs.id,
		State:          cs.state,
		Role:           cs.role,
		RemoteUserID:   cs.remote,
		ChatID:         cs.chatID,
		NotificationID: cs.notificationID,
		Reason:         cs.reason,
		StartedAt:      wire.At(cs.startedAt),
	}
}

// OnStateChange registers fn to receive a snapshot after every transition.
// Observers run outside the engine lock, on the goroutine that caused the
// transition.
func (e *Engine) OnStateChange(fn func(Snapshot)) (cancel func()) {
	e.mu.Lock()
	e.nextObs++
	id := e.nextObs
	e.observers = append(e.observers, observer{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, o := range e.observers {
				if o.id == id {
					e.observers = append(e.observers[:i:i], e.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// Attach subscribes the engine to call signaling and connection events.
func (e *Engine) Attach(sub Subscriber) (detach func()) {
	subs := []*transport.Subscription{
		sub.Subscribe(wire.KindVideoCallRequest, func(ev wire.Event) {
			if req, ok := ev.(wire.VideoCallRequest); ok {
				e.onRequest(req)
			}
		}),
		sub.Subscribe(wire.KindWebRTCOffer, func(ev wire.Event) {
			if o, ok := ev.(wire.WebRTCOffer); ok {
				e.onOffer(o)
			}
		}),
		sub.Subscribe(wire.KindWebRTCAnswer, func(ev wire.Event) {
			if a, ok := ev.(wire.WebRTCAnswer); ok {
				e.onAnswer(a)
			}
		}),
		sub.Subscribe(wire.KindWebRTCICE, func(ev wire.Event) {
			if c, ok := ev.(wire.WebRTCICECandidate); ok {
				e.onCandidate(c)
			}
		}),
		sub.Subscribe(wire.KindVideoCallEnded, func(ev wire.Event) {
			if end, ok := ev.(wire.VideoCallEnded); ok {
				e.onEnded(end)
			}
		}),
		sub.Subscribe(wire.KindVideoCallAccepted, func(ev wire.Event) {
			if a, ok := ev.(wire.VideoCallAccepted); ok {
				e.onAccepted(a)
			}
		}),
		sub.Subscribe(wire.KindVideoCallDeclined, func(ev wire.Event) {
			if d, ok := ev.(wire.VideoCallDeclined); ok {
				e.onDeclined(d)
			}
		}),
		sub.Subscribe(wire.KindConnectionClose, func(wire.Event) {
			e.onConnectionClose()
		}),
	}
	return func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}
}

// Close ends any active call and waits for background negotiation to stop.
// The engine accepts no new calls afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.End()
	e.cancel()
	e.wg.Wait()
}

// activeLocked reports whether cs is the current, non-terminal call.
func (e *Engine) activeLocked(cs *session) bool {
	return cs != nil && e.call == cs && !cs.state.Terminal()
}

// transitionLocked moves cs to state. The returned function notifies
// observers and, for terminal states, releases the call's resources; run it
// after unlocking.
func (e *Engine) transitionLocked(cs *session, state State, reason string) func() {
	prev := cs.state
	cs.state = state
	cs.reason = reason

	var media webrtcpeer.LocalMedia
	var pc webrtcpeer.PeerConnection
	if state.Terminal() && !cs.released {
		cs.released = true
		media, pc = cs.media, cs.pc
		cs.media, cs.pc = nil, nil
		cs.candidates = nil
		cs.pendingOffer = nil
	}

	snap := e.snapshotLocked()
	obs := append([]observer(nil), e.observers...)

	return func() {
		e.metrics.CallTransition(string(state))
		attrs := []any{"call_id", snap.CallID, "from", string(prev), "to", string(state), "remote_user_id", snap.RemoteUserID}
		if reason != "" {
			attrs = append(attrs, "reason", reason)
		}
		if state == StateError {
			e.logger.Warn("call transition", attrs...)
		} else {
			e.logger.Info("call transition", attrs...)
		}
		e.release(snap.CallID, pc, media)
		for _, o := range obs {
			o.fn(snap)
		}
	}
}

func (e *Engine) release(callID string, pc webrtcpeer.PeerConnection, media webrtcpeer.LocalMedia) {
	if pc != nil {
		if err := pc.Close(); err != nil {
			e.logger.Debug("peer connection close failed", "call_id", callID, "err", err)
		}
	}
	if media != nil {
		if err := media.Close(); err != nil {
			e.logger.Debug("local media close failed", "call_id", callID, "err", err)
		}
	}
}

// fail moves cs to StateError unless it already ended.
func (e *Engine) fail(cs *session, stage Stage, err error) error {
	nerr := &NegotiationError{Stage: stage, Err: err}
	e.mu.Lock()
	if !e.activeLocked(cs) {
		e.mu.Unlock()
		return ErrCallEnded
	}
	run := e.transitionLocked(cs, StateError, nerr.Error())
	e.mu.Unlock()
	run()
	return nerr
}

// End terminates the current call from any non-terminal state. When a remote
// party exists it is told with video_call_ended. Concurrent calls release
// resources exactly once; without an active call End is a no-op.
func (e *Engine) End() {
	e.mu.Lock()
	cs := e.call
	if !e.activeLocked(cs) {
		e.mu.Unlock()
		return
	}
	ev := wire.VideoCallEnded{CallSignal: e.signalLocked(cs)}
	run := e.transitionLocked(cs, StateEnded, reasonLocalEnded)
	e.mu.Unlock()
	run()

	if ev.TargetUserID == "" {
		return
	}
	if err := e.opts.Sender.Send(ev); err != nil {
		e.logger.Warn("video_call_ended not delivered", "call_id", ev.CallID, "err", err)
	}
}

func (e *Engine) signalLocked(cs *session) wire.CallSignal {
	return wire.CallSignal{
		TargetUserID: cs.remote,
		SenderID:     e.self,
		CallID:       cs.id,
	}
}
