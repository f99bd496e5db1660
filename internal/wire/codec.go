package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrUnknownKind is returned by Decode for frames whose type is not a
	// known wire kind.
	ErrUnknownKind = errors.New("unknown event type")
	// ErrNotWireEvent is returned by Encode for synthetic events.
	ErrNotWireEvent = errors.New("event is not sendable")
)

// DecodeError describes a frame that could not be turned into an Event.
type DecodeError struct {
	Kind Kind
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Kind == "" {
		return "decode event: " + e.Err.Error()
	}
	return fmt.Sprintf("decode %s event: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode parses one websocket frame. Unknown fields, trailing data and
// missing required fields are rejected.
func Decode(data []byte) (Event, error) {
	fields, err := decodeObject(data)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}

	rawType, ok := fields["type"]
	if !ok {
		return nil, &DecodeError{Err: errors.New("missing type")}
	}
	var kind Kind
	if err := json.Unmarshal(rawType, &kind); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("type: %w", err)}
	}
	delete(fields, "type")

	ev, err := decodeKind(kind, fields)
	if err != nil {
		return nil, &DecodeError{Kind: kind, Err: err}
	}
	return ev, nil
}

func decodeKind(kind Kind, fields map[string]json.RawMessage) (Event, error) {
	switch kind {
	case KindChatMessage:
		return decodeInto[ChatMessage](fields)
	case KindDeleteChat:
		return decodeInto[DeleteChat](fields)
	case KindUserOnline:
		return decodeInto[UserOnline](fields)
	case KindUserOffline:
		return decodeInto[UserOffline](fields)
	case KindWebRTCOffer:
		return decodeInto[WebRTCOffer](fields)
	case KindWebRTCAnswer:
		return decodeInto[WebRTCAnswer](fields)
	case KindWebRTCICE:
		return decodeInto[WebRTCICECandidate](fields)
	case KindVideoCallEnded:
		return decodeInto[VideoCallEnded](fields)
	case KindVideoCallRequest:
		return decodeInto[VideoCallRequest](fields)
	case KindVideoCallAccepted:
		return decodeInto[VideoCallAccepted](fields)
	case KindVideoCallDeclined:
		return decodeInto[VideoCallDeclined](fields)
	case KindLogout:
		return decodeInto[Logout](fields)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
}

type validator interface {
	validate() error
}

// decodeInto fills T from fields. Fields T does not know are ignored, so
// additions on the backend side never drop a frame; required fields are
// enforced by validate.
func decodeInto[T Event](fields map[string]json.RawMessage) (Event, error) {
	body, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}

	var ev T
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, err
	}
	if v, ok := any(ev).(validator); ok {
		if err := v.validate(); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

func decodeObject(data []byte) (map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var fields map[string]json.RawMessage
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errors.New("frame is not an object")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("unexpected trailing data")
	}
	return fields, nil
}

// Encode serializes a wire event as a flat object with its "type" first.
func Encode(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, errors.New("nil event")
	}
	kind := ev.Kind()
	if kind.Synthetic() {
		return nil, fmt.Errorf("%w: %s", ErrNotWireEvent, kind)
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	typ, err := json.Marshal(kind)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(typ) + 9)
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

func (m ChatMessage) validate() error {
	if m.ChatID == "" {
		return errors.New("missing chat_id")
	}
	if m.SenderID == "" {
		return errors.New("missing sender_id")
	}
	return nil
}

func (d DeleteChat) validate() error {
	if d.ChatID == "" {
		return errors.New("missing chat_id")
	}
	return nil
}

func (u UserOnline) validate() error {
	if u.UserID == "" {
		return errors.New("missing user_id")
	}
	return nil
}

func (u UserOffline) validate() error {
	if u.UserID == "" {
		return errors.New("missing user_id")
	}
	return nil
}

func (o WebRTCOffer) validate() error {
	if o.Offer.Type != "offer" {
		return fmt.Errorf("offer has sdp type %q", o.Offer.Type)
	}
	if o.Offer.SDP == "" {
		return errors.New("offer missing sdp")
	}
	return nil
}

func (a WebRTCAnswer) validate() error {
	if a.Answer.Type != "answer" {
		return fmt.Errorf("answer has sdp type %q", a.Answer.Type)
	}
	if a.Answer.SDP == "" {
		return errors.New("answer missing sdp")
	}
	return nil
}

func (r VideoCallRequest) validate() error {
	if r.Notification.ID == "" {
		return errors.New("notification missing id")
	}
	if r.Notification.SenderUserID == "" {
		return errors.New("notification missing sender_user_id")
	}
	return nil
}
