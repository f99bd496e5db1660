package wire

import (
	"errors"
	"testing"
	"time"
)

func TestDecodeChatMessageFromServer(t *testing.T) {
	raw := []byte(`{"type":"chat_message","chat_id":"c1","content":"hello","sender_id":"u2"}`)

	ev, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	msg, ok := ev.(ChatMessage)
	if !ok {
		t.Fatalf("event=%T, want ChatMessage", ev)
	}
	if msg.ChatID != "c1" || msg.Content != "hello" || msg.SenderID != "u2" {
		t.Fatalf("unexpected message: %#v", msg)
	}
	if msg.MessageID != nil || !msg.CreatedAt.IsZero() {
		t.Fatalf("expected server-assigned fields unset: %#v", msg)
	}
}

func TestDecodeChatMessageRequiresSender(t *testing.T) {
	_, err := Decode([]byte(`{"type":"chat_message","chat_id":"c1","content":"hello"}`))
	var decErr *DecodeError
	if !errors.As(err, &decErr) {
		t.Fatalf("err=%v, want *DecodeError", err)
	}
	if decErr.Kind != KindChatMessage {
		t.Fatalf("kind=%q, want %q", decErr.Kind, KindChatMessage)
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"type":"typing","chat_id":"c1"}`))
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("err=%v, want ErrUnknownKind", err)
	}
}

func TestDecodeRejectsSyntheticKinds(t *testing.T) {
	for _, kind := range []string{"connection_open", "chat_update"} {
		if _, err := Decode([]byte(`{"type":"` + kind + `"}`)); !errors.Is(err, ErrUnknownKind) {
			t.Fatalf("%s: err=%v, want ErrUnknownKind", kind, err)
		}
	}
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"user_online","user_id":"u1","status":"away"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if on, ok := ev.(UserOnline); !ok || on.UserID != "u1" {
		t.Fatalf("ev=%#v, want UserOnline{u1}", ev)
	}

	raw := []byte(`{
		"type":"video_call_request",
		"notification":{
			"id":"n1",
			"notification_type":"video_call",
			"sender_user_id":"u2",
			"recipient_id":"u1",
			"is_handled":false
		}
	}`)
	ev, err = Decode(raw)
	if err != nil {
		t.Fatalf("Decode request: %v", err)
	}
	req, ok := ev.(VideoCallRequest)
	if !ok {
		t.Fatalf("ev=%T, want VideoCallRequest", ev)
	}
	if req.Notification.ID != "n1" || req.Notification.SenderUserID != "u2" {
		t.Fatalf("notification=%#v", req.Notification)
	}
}

func TestDecodeExtraFieldsStillValidated(t *testing.T) {
	raw := []byte(`{"type":"video_call_request","notification":{"id":"n1","is_handled":false}}`)
	if _, err := Decode(raw); err == nil {
		t.Fatal("expected error for missing sender_user_id")
	}
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"logout"}{"type":"logout"}`)); err == nil {
		t.Fatal("expected error")
	}
}

func TestDecodeRejectsNonObject(t *testing.T) {
	for _, raw := range []string{`null`, `[]`, `"logout"`, `{`, ``} {
		if _, err := Decode([]byte(raw)); err == nil {
			t.Fatalf("Decode(%q): expected error", raw)
		}
	}
}

func TestDecodeRejectsMissingType(t *testing.T) {
	if _, err := Decode([]byte(`{"user_id":"u1"}`)); err == nil {
		t.Fatal("expected error")
	}
}

func TestDecodeOfferRelayedFromBrowser(t *testing.T) {
	raw := []byte(`{
		"type":"webrtc_offer",
		"target_user_id":"u1",
		"offer":{"type":"offer","sdp":"v=0\r\n"}
	}`)
	ev, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	offer := ev.(WebRTCOffer)
	if offer.TargetUserID != "u1" || offer.SenderID != "" || offer.CallID != "" {
		t.Fatalf("unexpected routing: %#v", offer.CallSignal)
	}
	desc, err := offer.Offer.ToPion()
	if err != nil {
		t.Fatalf("ToPion: %v", err)
	}
	if desc.SDP != "v=0\r\n" {
		t.Fatalf("sdp=%q", desc.SDP)
	}
}

func TestDecodeOfferRejectsAnswerSDP(t *testing.T) {
	raw := []byte(`{"type":"webrtc_offer","target_user_id":"u1","offer":{"type":"answer","sdp":"v=0"}}`)
	if _, err := Decode(raw); err == nil {
		t.Fatal("expected error")
	}
}

func TestDecodeCandidateWithNullMid(t *testing.T) {
	raw := []byte(`{
		"type":"webrtc_ice_candidate",
		"target_user_id":"u1",
		"sender_id":"u2",
		"call_id":"k1",
		"candidate":{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host","sdpMid":null,"sdpMLineIndex":0}
	}`)
	ev, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	c := ev.(WebRTCICECandidate)
	init := c.Candidate.ToPion()
	if init.SDPMid != nil {
		t.Fatalf("sdpMid=%v, want nil", *init.SDPMid)
	}
	if init.SDPMLineIndex == nil || *init.SDPMLineIndex != 0 {
		t.Fatalf("sdpMLineIndex=%v, want 0", init.SDPMLineIndex)
	}
	if c.SenderID != "u2" || c.CallID != "k1" {
		t.Fatalf("unexpected routing: %#v", c.CallSignal)
	}
}

func TestDecodeVideoCallRequest(t *testing.T) {
	raw := []byte(`{
		"type":"video_call_request",
		"notification":{
			"id":"n1",
			"type":"video_call",
			"sender_user_id":"u2",
			"sender_username":"bob",
			"message":"Incoming video call request",
			"timestamp":{"$date":{"$numberLong":"1700000000000"}}
		}
	}`)
	ev, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	n := ev.(VideoCallRequest).Notification
	if n.ID != "n1" || n.SenderUserID != "u2" || n.SenderUsername != "bob" {
		t.Fatalf("unexpected notification: %#v", n)
	}
	if want := time.UnixMilli(1700000000000); !n.Timestamp.Equal(want) {
		t.Fatalf("timestamp=%v, want %v", n.Timestamp.Time, want)
	}
}

func TestDecodeCallResponseAcceptsEitherResponderField(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"video_call_accepted","from":"u2","notification_id":"n1"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := ev.(VideoCallAccepted).Responder(); got != "u2" {
		t.Fatalf("responder=%q, want u2", got)
	}

	ev, err = Decode([]byte(`{"type":"video_call_declined","caller_id":"u3","response":"declined"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := ev.(VideoCallDeclined).Responder(); got != "u3" {
		t.Fatalf("responder=%q, want u3", got)
	}
}

func TestEncodeChatMessageLeavesServerFieldsNull(t *testing.T) {
	b, err := Encode(ChatMessage{ChatID: "c1", Content: "hi"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := `{"type":"chat_message","message_id":null,"chat_id":"c1","content":"hi","created_at":null}`
	if string(b) != want {
		t.Fatalf("encoded=%s, want %s", b, want)
	}
}

func TestEncodeEmptyEvent(t *testing.T) {
	b, err := Encode(Logout{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(b) != `{"type":"logout"}` {
		t.Fatalf("encoded=%s", b)
	}
}

func TestEncodeFlattensCallSignal(t *testing.T) {
	b, err := Encode(VideoCallEnded{CallSignal{TargetUserID: "u1", SenderID: "u2", CallID: "k1"}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := `{"type":"video_call_ended","target_user_id":"u1","sender_id":"u2","call_id":"k1"}`
	if string(b) != want {
		t.Fatalf("encoded=%s, want %s", b, want)
	}

	ev, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := ev.(VideoCallEnded); got.CallID != "k1" || got.SenderID != "u2" {
		t.Fatalf("decoded=%#v", got)
	}
}

func TestEncodeRejectsSyntheticEvents(t *testing.T) {
	if _, err := Encode(ConnectionClose{Code: 1000}); !errors.Is(err, ErrNotWireEvent) {
		t.Fatalf("err=%v, want ErrNotWireEvent", err)
	}
	if _, err := Encode(nil); err == nil {
		t.Fatal("expected error for nil event")
	}
}
