package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/masterboy376/cphere/internal/api"
	"github.com/masterboy376/cphere/internal/call"
	"github.com/masterboy376/cphere/internal/reconcile"
	"github.com/masterboy376/cphere/internal/session"
	"github.com/masterboy376/cphere/internal/transport"
	"github.com/masterboy376/cphere/internal/wire"
)

const (
	maxRequestBytes = 64 << 10
	// intentTimeout bounds call intents. They outlive the HTTP request so a
	// dropped client does not abort negotiation halfway.
	intentTimeout = 30 * time.Second
)

type Transport interface {
	State() transport.State
	Send(ev wire.Event) error
}

type Store interface {
	Sessions() []reconcile.Summary
	Session(id string) (reconcile.Summary, bool)
	Notifications() []wire.Notification
	RemoveNotification(id string)
	Remove(id string)
	SetActiveChat(id string)
	ActiveChat() string
	RecordOutgoing(chatID, content string, at time.Time) error
	Refresh(ctx context.Context, src reconcile.Source) error
}

type Calls interface {
	Snapshot() call.Snapshot
	Start(ctx context.Context, remoteUserID, chatID string) error
	Accept(ctx context.Context) error
	Decline(ctx context.Context) error
	End()
}

type Backend interface {
	reconcile.Source
	Messages(ctx context.Context, chatID string) ([]api.Message, error)
	CreateChat(ctx context.Context, participantID string) (string, error)
	SearchUsers(ctx context.Context, q string) ([]api.User, error)
}

type Session interface {
	Status() session.Status
	Logout(ctx context.Context) error
}

func (s *Server) registerControlRoutes() {
	s.mux.HandleFunc("GET /v1/session", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.deps.Session.Status())
	})
	s.mux.HandleFunc("POST /v1/logout", s.handleLogout)
	s.mux.HandleFunc("POST /v1/refresh", s.handleRefresh)

	s.mux.HandleFunc("GET /v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{
			"sessions":    nonNil(s.deps.Store.Sessions()),
			"active_chat": s.deps.Store.ActiveChat(),
		})
	})
	s.mux.HandleFunc("GET /v1/notifications", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"notifications": nonNil(s.deps.Store.Notifications())})
	})
	s.mux.HandleFunc("GET /v1/users/search", s.handleSearchUsers)

	s.mux.HandleFunc("POST /v1/chats", s.handleCreateChat)
	s.mux.HandleFunc("DELETE /v1/chats/{id}", s.handleDeleteChat)
	s.mux.HandleFunc("GET /v1/chats/{id}/messages", s.handleMessages)
	s.mux.HandleFunc("POST /v1/chats/{id}/messages", s.handleSendMessage)
	s.mux.HandleFunc("POST /v1/chats/{id}/active", func(w http.ResponseWriter, r *http.Request) {
		s.deps.Store.SetActiveChat(r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})

	s.mux.HandleFunc("GET /v1/call", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.deps.Calls.Snapshot())
	})
	s.mux.HandleFunc("POST /v1/call/start", s.handleCallStart)
	s.mux.HandleFunc("POST /v1/call/accept", s.handleCallRespond(func(ctx context.Context) error {
		return s.deps.Calls.Accept(ctx)
	}))
	s.mux.HandleFunc("POST /v1/call/decline", s.handleCallRespond(func(ctx context.Context) error {
		return s.deps.Calls.Decline(ctx)
	}))
	s.mux.HandleFunc("POST /v1/call/end", func(w http.ResponseWriter, r *http.Request) {
		s.deps.Calls.End()
		WriteJSON(w, http.StatusOK, s.deps.Calls.Snapshot())
	})

	s.mux.HandleFunc("GET /v1/ice", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"iceServers": redactICEServers(s.deps.ICEServers.Load())})
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Refresh(r.Context(), s.deps.Backend); err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.deps.Calls.End()
	if err := s.deps.Session.Logout(r.Context()); err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSearchUsers(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "missing query parameter q")
		return
	}
	users, err := s.deps.Backend.SearchUsers(r.Context(), q)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"users": nonNil(users)})
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	id, err := s.deps.Backend.CreateChat(r.Context(), req.UserID)
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	if err := s.deps.Store.Refresh(r.Context(), s.deps.Backend); err != nil {
		s.log.Warn("refresh after chat create failed", "chat_id", id, "err", err)
	}
	WriteJSON(w, http.StatusCreated, map[string]string{"chat_id": id})
}

// handleDeleteChat asks the relay to delete the chat for both participants
// and drops it locally. The relay does not echo delete_chat to the sender.
func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sum, ok := s.deps.Store.Session(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown chat")
		return
	}
	ev := wire.DeleteChat{ChatID: id, TargetUserID: sum.ParticipantUserID}
	if err := s.deps.Transport.Send(ev); err != nil {
		s.writeSendError(w, err)
		return
	}
	s.deps.Store.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.deps.Backend.Messages(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeUpstreamError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"messages": nonNil(msgs)})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	chatID := r.PathValue("id")
	if err := s.deps.Transport.Send(wire.ChatMessage{ChatID: chatID, Content: req.Content}); err != nil {
		s.writeSendError(w, err)
		return
	}
	if err := s.deps.Store.RecordOutgoing(chatID, req.Content, time.Time{}); err != nil {
		s.log.Warn("record outgoing message failed", "chat_id", chatID, "err", err)
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCallStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		ChatID string `json:"chat_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	s.callIntent(func(ctx context.Context) error {
		return s.deps.Calls.Start(ctx, req.UserID, req.ChatID)
	})(w, r)
}

// handleCallRespond runs accept or decline and, once it succeeds, clears the
// call request from the notification list, which the backend does not
// announce.
func (s *Server) handleCallRespond(respond func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		notificationID := s.deps.Calls.Snapshot().NotificationID
		s.callIntent(func(ctx context.Context) error {
			if err := respond(ctx); err != nil {
				return err
			}
			if notificationID != "" {
				s.deps.Store.RemoveNotification(notificationID)
			}
			return nil
		})(w, r)
	}
}

func (s *Server) callIntent(fn func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Transport.State() != transport.StateOpen {
			writeError(w, http.StatusServiceUnavailable, "not connected")
			return
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), intentTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.writeCallError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, s.deps.Calls.Snapshot())
	}
}

func (s *Server) writeCallError(w http.ResponseWriter, err error) {
	var negErr *call.NegotiationError
	switch {
	case errors.Is(err, call.ErrCallActive), errors.Is(err, call.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, call.ErrCallEnded):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &negErr):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) writeSendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, transport.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, "not connected")
	case errors.Is(err, transport.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		s.log.Warn("send failed", "err", err)
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) writeUpstreamError(w http.ResponseWriter, err error) {
	if errors.Is(err, api.ErrUnauthorized) {
		writeError(w, http.StatusUnauthorized, "backend session rejected")
		return
	}
	s.log.Warn("backend request failed", "err", err)
	writeError(w, http.StatusBadGateway, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// redactICEServers hides TURN credentials. Empty input encodes as [].
func redactICEServers(servers []webrtc.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if server.Credential != nil && server.Credential != "" {
			out[i].Credential = "redacted"
		}
	}
	return out
}
