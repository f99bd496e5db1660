// Package wire defines the events exchanged with the chat relay over the
// websocket, plus the synthetic events the transport emits about the
// connection itself.
//
// Every wire frame is a flat JSON object with a "type" discriminant. Event is
// a closed union: only types in this package implement it.
package wire

type Kind string

const (
	KindChatMessage       Kind = "chat_message"
	KindDeleteChat        Kind = "delete_chat"
	KindUserOnline        Kind = "user_online"
	KindUserOffline       Kind = "user_offline"
	KindWebRTCOffer       Kind = "webrtc_offer"
	KindWebRTCAnswer      Kind = "webrtc_answer"
	KindWebRTCICE         Kind = "webrtc_ice_candidate"
	KindVideoCallEnded    Kind = "video_call_ended"
	KindVideoCallRequest  Kind = "video_call_request"
	KindVideoCallAccepted Kind = "video_call_accepted"
	KindVideoCallDeclined Kind = "video_call_declined"
	KindLogout            Kind = "logout"

	// Synthetic kinds. These never appear on the wire.
	KindConnectionOpen  Kind = "connection_open"
	KindConnectionError Kind = "connection_error"
	KindConnectionClose Kind = "connection_close"
	KindChatUpdate      Kind = "chat_update"
)

// WireKinds lists every kind that may be sent or received as a frame.
var WireKinds = []Kind{
	KindChatMessage,
	KindDeleteChat,
	KindUserOnline,
	KindUserOffline,
	KindWebRTCOffer,
	KindWebRTCAnswer,
	KindWebRTCICE,
	KindVideoCallEnded,
	KindVideoCallRequest,
	KindVideoCallAccepted,
	KindVideoCallDeclined,
	KindLogout,
}

// Synthetic reports whether k is produced locally by the transport.
func (k Kind) Synthetic() bool {
	switch k {
	case KindConnectionOpen, KindConnectionError, KindConnectionClose, KindChatUpdate:
		return true
	default:
		return false
	}
}

type Event interface {
	Kind() Kind
	event()
}

type ChatMessage struct {
	// MessageID and CreatedAt are assigned by the server and may be null.
	MessageID      *string   `json:"message_id"`
	ChatID         string    `json:"chat_id"`
	Content        string    `json:"content"`
	SenderID       string    `json:"sender_id,omitempty"`
	SenderUsername string    `json:"sender_username,omitempty"`
	CreatedAt      Timestamp `json:"created_at"`
	// RecipientIDs is only meaningful outbound, when the message creates a chat.
	RecipientIDs []string `json:"recipient_ids,omitempty"`
}

type DeleteChat struct {
	TargetUserID string `json:"target_user_id,omitempty"`
	ChatID       string `json:"chat_id"`
}

type UserOnline struct {
	UserID string `json:"user_id"`
}

type UserOffline struct {
	UserID string `json:"user_id"`
}

// CallSignal carries the routing fields shared by call signaling events. The
// relay forwards these frames verbatim to TargetUserID, so SenderID and
// CallID survive the hop and let the receiver correlate them.
type CallSignal struct {
	TargetUserID string `json:"target_user_id"`
	SenderID     string `json:"sender_id,omitempty"`
	CallID       string `json:"call_id,omitempty"`
}

type WebRTCOffer struct {
	CallSignal
	Offer SessionDescription `json:"offer"`
}

type WebRTCAnswer struct {
	CallSignal
	Answer SessionDescription `json:"answer"`
}

type WebRTCICECandidate struct {
	CallSignal
	Candidate Candidate `json:"candidate"`
}

type VideoCallEnded struct {
	CallSignal
}

type Notification struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	SenderUserID   string    `json:"sender_user_id"`
	SenderUsername string    `json:"sender_username"`
	Message        string    `json:"message,omitempty"`
	Timestamp      Timestamp `json:"timestamp"`
}

type VideoCallRequest struct {
	Notification Notification `json:"notification"`
}

// CallResponse is the payload of video_call_accepted/declined. Servers send
// the responder as either "from" or "caller_id".
type CallResponse struct {
	From           string `json:"from,omitempty"`
	CallerID       string `json:"caller_id,omitempty"`
	NotificationID string `json:"notification_id,omitempty"`
	Response       string `json:"response,omitempty"`
}

// Responder returns the id of the user who answered the call request.
func (r CallResponse) Responder() string {
	if r.From != "" {
		return r.From
	}
	return r.CallerID
}

type VideoCallAccepted struct {
	CallResponse
}

type VideoCallDeclined struct {
	CallResponse
}

type Logout struct{}

// ConnectionOpen is dispatched once the websocket handshake completes.
type ConnectionOpen struct{}

// ConnectionError is dispatched when a dial fails or the read side breaks.
type ConnectionError struct {
	Err error
}

// ConnectionClose is dispatched when the connection ends for any reason.
// Code is the websocket close code (1006 when none was received).
type ConnectionClose struct {
	Code   int
	Reason string
	// Initiated is true when the local side called Disconnect.
	Initiated bool
}

// ChatUpdate is derived from every inbound ChatMessage so session-list
// consumers don't need to subscribe to raw messages.
type ChatUpdate struct {
	Message ChatMessage
}

func (ChatMessage) Kind() Kind        { return KindChatMessage }
func (DeleteChat) Kind() Kind         { return KindDeleteChat }
func (UserOnline) Kind() Kind         { return KindUserOnline }
func (UserOffline) Kind() Kind        { return KindUserOffline }
func (WebRTCOffer) Kind() Kind        { return KindWebRTCOffer }
func (WebRTCAnswer) Kind() Kind       { return KindWebRTCAnswer }
func (WebRTCICECandidate) Kind() Kind { return KindWebRTCICE }
func (VideoCallEnded) Kind() Kind     { return KindVideoCallEnded }
func (VideoCallRequest) Kind() Kind   { return KindVideoCallRequest }
func (VideoCallAccepted) Kind() Kind  { return KindVideoCallAccepted }
func (VideoCallDeclined) Kind() Kind  { return KindVideoCallDeclined }
func (Logout) Kind() Kind             { return KindLogout }
func (ConnectionOpen) Kind() Kind     { return KindConnectionOpen }
func (ConnectionError) Kind() Kind    { return KindConnectionError }
func (ConnectionClose) Kind() Kind    { return KindConnectionClose }
func (ChatUpdate) Kind() Kind         { return KindChatUpdate }

func (ChatMessage) event()        {}
func (DeleteChat) event()         {}
func (UserOnline) event()         {}
func (UserOffline) event()        {}
func (WebRTCOffer) event()        {}
func (WebRTCAnswer) event()       {}
func (WebRTCICECandidate) event() {}
func (VideoCallEnded) event()     {}
func (VideoCallRequest) event()   {}
func (VideoCallAccepted) event()  {}
func (VideoCallDeclined) event()  {}
func (Logout) event()             {}
func (ConnectionOpen) event()     {}
func (ConnectionError) event()    {}
func (ConnectionClose) event()    {}
func (ChatUpdate) event()         {}
