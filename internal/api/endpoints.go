package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/masterboy376/cphere/internal/reconcile"
	"github.com/masterboy376/cphere/internal/wire"
)

type User struct {
	ID       string `json:"user_id"`
	Username string `json:"username"`
}

type Message struct {
	ID        string         `json:"id"`
	ChatID    string         `json:"chat_id"`
	SenderID  string         `json:"sender_id"`
	Content   string         `json:"content"`
	CreatedAt wire.Timestamp `json:"created_at"`
}

// objectID accepts a plain hex string or MongoDB extended JSON {"$oid": ...}.
type objectID string

func (id *objectID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = objectID(s)
		return nil
	}
	var ext struct {
		OID string `json:"$oid"`
	}
	if err := json.Unmarshal(b, &ext); err != nil {
		return fmt.Errorf("object id: %w", err)
	}
	if ext.OID == "" {
		return errors.New("object id: missing $oid")
	}
	*id = objectID(ext.OID)
	return nil
}

// Login authenticates and stores the issued session cookie in the jar.
func (c *Client) Login(ctx context.Context, email, password string) (User, error) {
	var out User
	in := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", nil, in, &out); err != nil {
		return User{}, err
	}
	return out, nil
}

// AuthStatus returns the user behind the current session. An unauthenticated
// session is reported as ErrUnauthorized.
func (c *Client) AuthStatus(ctx context.Context) (User, error) {
	var out struct {
		UserID   *string `json:"user_id"`
		Username *string `json:"username"`
	}
	if err := c.do(ctx, http.MethodGet, "/auth/auth_status", nil, nil, &out); err != nil {
		return User{}, err
	}
	if out.UserID == nil || *out.UserID == "" {
		return User{}, ErrUnauthorized
	}
	u := User{ID: *out.UserID}
	if out.Username != nil {
		u.Username = *out.Username
	}
	return u, nil
}

func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", nil, nil, nil)
}

// Chats returns the chat session summaries, most recent first.
func (c *Client) Chats(ctx context.Context) ([]reconcile.Summary, error) {
	var out []reconcile.Summary
	if err := c.do(ctx, http.MethodGet, "/users/chats", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Notifications(ctx context.Context) ([]wire.Notification, error) {
	var out []wire.Notification
	if err := c.do(ctx, http.MethodGet, "/users/get_notifications", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Messages returns the history of chatID, oldest first.
func (c *Client) Messages(ctx context.Context, chatID string) ([]Message, error) {
	var out []Message
	if err := c.do(ctx, http.MethodGet, "/chats/"+url.PathEscape(chatID)+"/messages", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateChat opens a chat with participantID and returns its id.
func (c *Client) CreateChat(ctx context.Context, participantID string) (string, error) {
	var out struct {
		ID objectID `json:"_id"`
	}
	in := map[string]string{"participant_id": participantID}
	if err := c.do(ctx, http.MethodPost, "/chats/create", nil, in, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("create chat: response has no id")
	}
	return string(out.ID), nil
}

func (c *Client) Username(ctx context.Context, userID string) (string, error) {
	var out User
	in := map[string]string{"user_id": userID}
	if err := c.do(ctx, http.MethodPost, "/users/details", nil, in, &out); err != nil {
		return "", err
	}
	return out.Username, nil
}

// SearchUsers matches q against usernames and emails.
func (c *Client) SearchUsers(ctx context.Context, q string) ([]User, error) {
	var out []struct {
		ID       objectID `json:"id"`
		Username string   `json:"username"`
	}
	if err := c.do(ctx, http.MethodGet, "/users/search_users", url.Values{"q": {q}}, nil, &out); err != nil {
		return nil, err
	}
	users := make([]User, 0, len(out))
	for _, u := range out {
		users = append(users, User{ID: string(u.ID), Username: u.Username})
	}
	return users, nil
}

func (c *Client) IsOnline(ctx context.Context, userID string) (bool, error) {
	var out bool
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID)+"/is_online", nil, nil, &out); err != nil {
		return false, err
	}
	return out, nil
}

// BatchOnline reports presence for userIDs. The backend answers with
// {"online_status": [[id, bool], ...]}; ids it could not parse are absent.
func (c *Client) BatchOnline(ctx context.Context, userIDs []string) (map[string]bool, error) {
	var out struct {
		OnlineStatus [][2]json.RawMessage `json:"online_status"`
	}
	in := map[string][]string{"user_ids": userIDs}
	if err := c.do(ctx, http.MethodPost, "/users/is_batch_online", nil, in, &out); err != nil {
		return nil, err
	}
	status := make(map[string]bool, len(out.OnlineStatus))
	for _, pair := range out.OnlineStatus {
		var id string
		var online bool
		if err := json.Unmarshal(pair[0], &id); err != nil {
			return nil, fmt.Errorf("batch online id: %w", err)
		}
		if err := json.Unmarshal(pair[1], &online); err != nil {
			return nil, fmt.Errorf("batch online status for %s: %w", id, err)
		}
		status[id] = online
	}
	return status, nil
}

// InitiateCall asks the backend to notify recipientID of an incoming call.
func (c *Client) InitiateCall(ctx context.Context, recipientID, chatID string) error {
	in := map[string]string{"recipient_id": recipientID, "chat_id": chatID}
	return c.do(ctx, http.MethodPost, "/video_call/initiate", nil, in, nil)
}

// RespondCall accepts or declines the call behind notificationID. The backend
// forwards the answer to the caller and deletes the notification.
func (c *Client) RespondCall(ctx context.Context, notificationID string, accepted bool) error {
	in := struct {
		NotificationID string `json:"notification_id"`
		Accepted       bool   `json:"accepted"`
	}{notificationID, accepted}
	return c.do(ctx, http.MethodPost, "/video_call/respond", nil, in, nil)
}
