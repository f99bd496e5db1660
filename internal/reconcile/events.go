package reconcile

import (
	"context"

	"github.com/masterboy376/cphere/internal/transport"
	"github.com/masterboy376/cphere/internal/wire"
)

// Attach subscribes the reconciler to the events it consumes. The returned
// function removes every subscription and may be called more than once.
func (r *Reconciler) Attach(sub Subscriber) (detach func()) {
	subs := []*transport.Subscription{
		sub.Subscribe(wire.KindChatUpdate, func(ev wire.Event) {
			if u, ok := ev.(wire.ChatUpdate); ok {
				r.applyChatUpdate(u.Message)
			}
		}),
		sub.Subscribe(wire.KindDeleteChat, func(ev wire.Event) {
			if d, ok := ev.(wire.DeleteChat); ok {
				r.applyDeleteChat(d.ChatID)
			}
		}),
		sub.Subscribe(wire.KindVideoCallRequest, func(ev wire.Event) {
			if req, ok := ev.(wire.VideoCallRequest); ok {
				_ = r.AddNotification(req.Notification)
			}
		}),
		sub.Subscribe(wire.KindUserOnline, func(ev wire.Event) {
			if u, ok := ev.(wire.UserOnline); ok {
				r.SetPresence(map[string]bool{u.UserID: true})
			}
		}),
		sub.Subscribe(wire.KindUserOffline, func(ev wire.Event) {
			if u, ok := ev.(wire.UserOffline); ok {
				r.SetPresence(map[string]bool{u.UserID: false})
			}
		}),
	}
	return func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}
}

func (r *Reconciler) applyChatUpdate(msg wire.ChatMessage) {
	if msg.ChatID == "" {
		r.reportDropped("chat update", []error{ErrMalformed})
		return
	}
	at := msg.CreatedAt
	if at.IsZero() {
		at = wire.At(r.now())
	}

	r.mu.Lock()
	s := Summary{ID: msg.ChatID}
	if i := r.indexSession(msg.ChatID); i >= 0 {
		s = r.sessions[i]
	}
	if msg.SenderID != "" && msg.SenderID != r.self {
		if s.ParticipantUserID != msg.SenderID {
			s.ParticipantUsername = ""
		}
		s.ParticipantUserID = msg.SenderID
		if msg.SenderUsername != "" {
			s.ParticipantUsername = msg.SenderUsername
		}
	}
	s.LastMessage = msg.Content
	s.LastMessageTimestamp = at
	r.upsertLocked(s)

	resolveID := ""
	if r.resolver != nil && !r.closed && s.ParticipantUsername == "" && s.ParticipantUserID != "" && !r.resolving[s.ParticipantUserID] {
		resolveID = s.ParticipantUserID
		r.resolving[resolveID] = true
		r.wg.Add(1)
	}
	run := r.notifyLocked(Change{Kind: ChangeSessions, ID: s.ID})
	r.mu.Unlock()
	run()

	if resolveID != "" {
		r.resolveName(resolveID)
	}
}

func (r *Reconciler) applyDeleteChat(chatID string) {
	r.Remove(chatID)

	r.mu.Lock()
	wasActive := chatID != "" && r.active == chatID
	var nav func(string)
	var run func()
	if wasActive {
		r.active = ""
		nav = r.navAway
		run = r.notifyLocked(Change{Kind: ChangeActiveChat})
	}
	r.mu.Unlock()

	if !wasActive {
		return
	}
	run()
	if nav != nil {
		nav(chatID)
	}
}

// resolveName looks up userID in the background and fills in every session
// still missing that participant's name. Positions are left unchanged. The
// caller adds to r.wg under r.mu.
func (r *Reconciler) resolveName(userID string) {
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(r.ctx, resolveTimeout)
		defer cancel()

		name, err := r.resolver.Username(ctx, userID)

		r.mu.Lock()
		delete(r.resolving, userID)
		if err != nil || name == "" {
			r.mu.Unlock()
			if err != nil && r.ctx.Err() == nil {
				r.logger.Warn("participant name lookup failed", "user_id", userID, "err", err)
			}
			return
		}
		changed := false
		for i := range r.sessions {
			if r.sessions[i].ParticipantUserID == userID && r.sessions[i].ParticipantUsername == "" {
				r.sessions[i].ParticipantUsername = name
				changed = true
			}
		}
		if !changed {
			r.mu.Unlock()
			return
		}
		run := r.notifyLocked(Change{Kind: ChangeSessions})
		r.mu.Unlock()
		run()
	}()
}
