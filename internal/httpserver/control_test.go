package httpserver

import (
	"errors"
	"net/http"
	"testing"

	"github.com/masterboy376/cphere/internal/api"
	"github.com/masterboy376/cphere/internal/call"
	"github.com/masterboy376/cphere/internal/reconcile"
	"github.com/masterboy376/cphere/internal/transport"
	"github.com/masterboy376/cphere/internal/wire"
)

func TestSessionsAndNotifications(t *testing.T) {
	env := newTestEnv(t)
	env.backend.set(func(b *fakeBackend) {
		b.chats = []reconcile.Summary{{ID: "c1", ParticipantUserID: "u2", ParticipantUsername: "bob"}}
		b.notes = []wire.Notification{{ID: "n1", Type: "video_call", SenderUserID: "u2"}}
	})

	if resp := doJSON(t, http.MethodPost, env.url+"/v1/refresh", "", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("refresh status=%d, want %d", resp.StatusCode, http.StatusNoContent)
	}

	var sessions struct {
		Sessions   []reconcile.Summary `json:"sessions"`
		ActiveChat string              `json:"active_chat"`
	}
	doJSON(t, http.MethodGet, env.url+"/v1/sessions", "", &sessions)
	if len(sessions.Sessions) != 1 || sessions.Sessions[0].ParticipantUsername != "bob" {
		t.Fatalf("sessions=%+v", sessions.Sessions)
	}

	var notes struct {
		Notifications []wire.Notification `json:"notifications"`
	}
	doJSON(t, http.MethodGet, env.url+"/v1/notifications", "", &notes)
	if len(notes.Notifications) != 1 || notes.Notifications[0].ID != "n1" {
		t.Fatalf("notifications=%+v", notes.Notifications)
	}

	if resp := doJSON(t, http.MethodPost, env.url+"/v1/chats/c1/active", "", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("active status=%d", resp.StatusCode)
	}
	doJSON(t, http.MethodGet, env.url+"/v1/sessions", "", &sessions)
	if sessions.ActiveChat != "c1" {
		t.Fatalf("active_chat=%q, want c1", sessions.ActiveChat)
	}
}

func TestEmptyCollectionsEncodeAsArrays(t *testing.T) {
	env := newTestEnv(t)

	var body map[string]any
	doJSON(t, http.MethodGet, env.url+"/v1/sessions", "", &body)
	if _, ok := body["sessions"].([]any); !ok {
		t.Fatalf("sessions=%#v, want []", body["sessions"])
	}
}

func TestRefresh_UpstreamFailure(t *testing.T) {
	env := newTestEnv(t)
	env.backend.set(func(b *fakeBackend) { b.err = errors.New("boom") })

	var body map[string]string
	resp := doJSON(t, http.MethodPost, env.url+"/v1/refresh", "", &body)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusBadGateway)
	}
	if body["error"] == "" {
		t.Fatalf("missing error body")
	}
}

func TestRefresh_Unauthorized(t *testing.T) {
	env := newTestEnv(t)
	env.backend.set(func(b *fakeBackend) {
		b.err = &api.StatusError{Method: "GET", Path: "/users/chats", Status: http.StatusUnauthorized}
	})

	resp := doJSON(t, http.MethodPost, env.url+"/v1/refresh", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestSendMessage(t *testing.T) {
	env := newTestEnv(t)

	resp := doJSON(t, http.MethodPost, env.url+"/v1/chats/c1/messages", `{"content":"hi"}`, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusAccepted)
	}

	sent := env.transport.sentEvents()
	if len(sent) != 1 {
		t.Fatalf("sent=%d events, want 1", len(sent))
	}
	msg, ok := sent[0].(wire.ChatMessage)
	if !ok || msg.ChatID != "c1" || msg.Content != "hi" {
		t.Fatalf("sent=%#v", sent[0])
	}
	s, ok := env.store.Session("c1")
	if !ok || s.LastMessage != "hi" {
		t.Fatalf("session=%+v ok=%v, want last message recorded", s, ok)
	}
}

func TestSendMessage_Validation(t *testing.T) {
	env := newTestEnv(t)

	if resp := doJSON(t, http.MethodPost, env.url+"/v1/chats/c1/messages", `{"content":"  "}`, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty content status=%d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if resp := doJSON(t, http.MethodPost, env.url+"/v1/chats/c1/messages", `{"text":"hi"}`, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field status=%d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if n := len(env.transport.sentEvents()); n != 0 {
		t.Fatalf("sent=%d events, want 0", n)
	}
}

func TestSendMessage_NotConnected(t *testing.T) {
	env := newTestEnv(t)
	env.transport.set(transport.StateOpen, &transport.Error{Op: "send", Kind: wire.KindChatMessage, Err: transport.ErrNotConnected})

	resp := doJSON(t, http.MethodPost, env.url+"/v1/chats/c1/messages", `{"content":"hi"}`, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
	if _, ok := env.store.Session("c1"); ok {
		t.Fatalf("unsent message recorded")
	}
}

func TestMessages(t *testing.T) {
	env := newTestEnv(t)
	env.backend.set(func(b *fakeBackend) {
		b.messages = []api.Message{{ID: "m1", ChatID: "c1", SenderID: "u2", Content: "yo"}}
	})

	var body struct {
		Messages []api.Message `json:"messages"`
	}
	resp := doJSON(t, http.MethodGet, env.url+"/v1/chats/c1/messages", "", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
	}
	if len(body.Messages) != 1 || body.Messages[0].Content != "yo" {
		t.Fatalf("messages=%+v", body.Messages)
	}
}

func TestCreateAndDeleteChat(t *testing.T) {
	env := newTestEnv(t)

	var created map[string]string
	resp := doJSON(t, http.MethodPost, env.url+"/v1/chats", `{"user_id":"u3"}`, &created)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status=%d, want %d", resp.StatusCode, http.StatusCreated)
	}
	env.backend.mu.Lock()
	participant := env.backend.created
	env.backend.mu.Unlock()
	if created["chat_id"] != "c-new" || participant != "u3" {
		t.Fatalf("created=%v participant=%q", created, participant)
	}
	if _, ok := env.store.Session("c-new"); !ok {
		t.Fatalf("new chat missing after create")
	}

	resp = doJSON(t, http.MethodDelete, env.url+"/v1/chats/c-new", "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status=%d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	sent := env.transport.sentEvents()
	if len(sent) != 1 {
		t.Fatalf("sent=%d events, want 1", len(sent))
	}
	del, ok := sent[0].(wire.DeleteChat)
	if !ok || del.ChatID != "c-new" || del.TargetUserID != "u3" {
		t.Fatalf("sent=%#v", sent[0])
	}
	if _, ok := env.store.Session("c-new"); ok {
		t.Fatalf("chat still present after delete")
	}

	if resp := doJSON(t, http.MethodDelete, env.url+"/v1/chats/c-new", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status=%d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestSearchUsers(t *testing.T) {
	env := newTestEnv(t)
	env.backend.set(func(b *fakeBackend) { b.users = []api.User{{ID: "u3", Username: "carol"}} })

	if resp := doJSON(t, http.MethodGet, env.url+"/v1/users/search", "", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing q status=%d, want %d", resp.StatusCode, http.StatusBadRequest)
	}

	var body struct {
		Users []api.User `json:"users"`
	}
	doJSON(t, http.MethodGet, env.url+"/v1/users/search?q=car", "", &body)
	if len(body.Users) != 1 || body.Users[0].Username != "carol" {
		t.Fatalf("users=%+v", body.Users)
	}
}

func TestCallStart(t *testing.T) {
	env := newTestEnv(t)

	var snap call.Snapshot
	resp := doJSON(t, http.MethodPost, env.url+"/v1/call/start", `{"user_id":"u2","chat_id":"c1"}`, &snap)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
	}
	if snap.State != call.StateConnecting || snap.RemoteUserID != "u2" {
		t.Fatalf("snapshot=%+v", snap)
	}

	var got call.Snapshot
	doJSON(t, http.MethodGet, env.url+"/v1/call", "", &got)
	if got.CallID != "call-1" {
		t.Fatalf("GET /v1/call=%+v", got)
	}
}

func TestCallErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"active", call.ErrCallActive, http.StatusConflict},
		{"negotiation", &call.NegotiationError{Stage: call.StageInitiate, Err: errors.New("502 from backend")}, http.StatusBadGateway},
		{"closed", call.ErrCallEnded, http.StatusServiceUnavailable},
		{"self", errors.New("call: cannot call yourself"), http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.calls.set(func(c *fakeCalls) { c.startErr = tc.err })

			resp := doJSON(t, http.MethodPost, env.url+"/v1/call/start", `{"user_id":"u2"}`, nil)
			if resp.StatusCode != tc.want {
				t.Fatalf("status=%d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestCallStart_RequiresConnection(t *testing.T) {
	env := newTestEnv(t)
	env.transport.set(transport.StateClosed, nil)

	resp := doJSON(t, http.MethodPost, env.url+"/v1/call/start", `{"user_id":"u2"}`, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
	if started, _ := env.calls.counts(); started != 0 {
		t.Fatalf("Start called while disconnected")
	}
}

func TestCallAccept_InvalidState(t *testing.T) {
	env := newTestEnv(t)

	resp := doJSON(t, http.MethodPost, env.url+"/v1/call/accept", "", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusConflict)
	}
}

func TestCallAccept_RemovesNotification(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.LoadNotifications([]wire.Notification{{ID: "n1", Type: "video_call"}, {ID: "n2", Type: "video_call"}}); err != nil {
		t.Fatalf("LoadNotifications: %v", err)
	}
	env.calls.set(func(c *fakeCalls) {
		c.snap = call.Snapshot{State: call.StateRinging, Role: call.RoleCallee, NotificationID: "n1", RemoteUserID: "u2"}
	})

	var snap call.Snapshot
	resp := doJSON(t, http.MethodPost, env.url+"/v1/call/accept", "", &snap)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
	}
	if snap.State != call.StateConnecting {
		t.Fatalf("state=%s, want connecting", snap.State)
	}
	if _, ok := env.store.Notification("n1"); ok {
		t.Fatalf("accepted notification still listed")
	}
	if _, ok := env.store.Notification("n2"); !ok {
		t.Fatalf("unrelated notification removed")
	}
}

func TestCallAccept_FailureKeepsNotification(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.LoadNotifications([]wire.Notification{{ID: "n1", Type: "video_call"}}); err != nil {
		t.Fatalf("LoadNotifications: %v", err)
	}
	env.calls.set(func(c *fakeCalls) {
		c.snap = call.Snapshot{State: call.StateRinging, Role: call.RoleCallee, NotificationID: "n1"}
		c.acceptErr = &call.NegotiationError{Stage: call.StageRespond, Err: errors.New("backend down")}
	})

	resp := doJSON(t, http.MethodPost, env.url+"/v1/call/accept", "", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusBadGateway)
	}
	if _, ok := env.store.Notification("n1"); !ok {
		t.Fatalf("notification removed after failed accept")
	}
}

func TestCallDecline_RemovesNotification(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.LoadNotifications([]wire.Notification{{ID: "n1", Type: "video_call"}, {ID: "n2", Type: "video_call"}}); err != nil {
		t.Fatalf("LoadNotifications: %v", err)
	}
	env.calls.set(func(c *fakeCalls) {
		c.snap = call.Snapshot{State: call.StateRinging, Role: call.RoleCallee, NotificationID: "n1", RemoteUserID: "u2"}
	})

	var snap call.Snapshot
	resp := doJSON(t, http.MethodPost, env.url+"/v1/call/decline", "", &snap)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
	}
	if snap.State != call.StateIdle {
		t.Fatalf("state=%s, want idle", snap.State)
	}
	if _, ok := env.store.Notification("n1"); ok {
		t.Fatalf("declined notification still listed")
	}
	if _, ok := env.store.Notification("n2"); !ok {
		t.Fatalf("unrelated notification removed")
	}
}

func TestCallDecline_FailureKeepsNotification(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.LoadNotifications([]wire.Notification{{ID: "n1", Type: "video_call"}}); err != nil {
		t.Fatalf("LoadNotifications: %v", err)
	}
	env.calls.set(func(c *fakeCalls) {
		c.snap = call.Snapshot{State: call.StateRinging, Role: call.RoleCallee, NotificationID: "n1"}
		c.declineErr = &call.NegotiationError{Stage: call.StageRespond, Err: errors.New("backend down")}
	})

	resp := doJSON(t, http.MethodPost, env.url+"/v1/call/decline", "", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusBadGateway)
	}
	if _, ok := env.store.Notification("n1"); !ok {
		t.Fatalf("notification removed after failed decline")
	}
}

func TestCallEndAndLogout(t *testing.T) {
	env := newTestEnv(t)

	if resp := doJSON(t, http.MethodPost, env.url+"/v1/call/end", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("end status=%d", resp.StatusCode)
	}
	if resp := doJSON(t, http.MethodPost, env.url+"/v1/logout", "", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status=%d", resp.StatusCode)
	}
	if _, ends := env.calls.counts(); ends != 2 {
		t.Fatalf("ends=%d, want 2", ends)
	}
	if n := env.session.logoutCount(); n != 1 {
		t.Fatalf("logouts=%d, want 1", n)
	}
}

func TestICEServersRedacted(t *testing.T) {
	env := newTestEnv(t)

	var body struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
	}
	doJSON(t, http.MethodGet, env.url+"/v1/ice", "", &body)
	if len(body.ICEServers) != 1 {
		t.Fatalf("iceServers=%+v", body.ICEServers)
	}
	if got := body.ICEServers[0].Credential; got != "redacted" {
		t.Fatalf("credential=%q, want redacted", got)
	}
	if got := body.ICEServers[0].Username; got != "user" {
		t.Fatalf("username=%q, want user", got)
	}
}

var _ Backend = (*api.Client)(nil)
var _ Calls = (*call.Engine)(nil)
var _ Store = (*reconcile.Reconciler)(nil)
var _ Transport = (*transport.Client)(nil)

func TestSessionStatus(t *testing.T) {
	env := newTestEnv(t)
	var st struct {
		UserID        string `json:"user_id"`
		Authenticated bool   `json:"authenticated"`
	}
	doJSON(t, http.MethodGet, env.url+"/v1/session", "", &st)
	if st.UserID != "u1" || !st.Authenticated {
		t.Fatalf("status=%+v", st)
	}
}
