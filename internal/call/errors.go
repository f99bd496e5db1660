package call

import (
	"errors"
	"fmt"
)

var (
	// ErrCallActive is returned by Start while another call is in progress.
	ErrCallActive = errors.New("call already active")
	// ErrInvalidState is returned by intents that don't apply to the current
	// call state, e.g. Accept while not ringing.
	ErrInvalidState = errors.New("invalid call state")
	// ErrCallEnded is returned by an intent whose call ended while it was
	// waiting on media, the network or the peer connection.
	ErrCallEnded = errors.New("call ended")
)

type Stage string

const (
	StageInitiate          Stage = "initiate"
	StageRespond           Stage = "respond"
	StageMedia             Stage = "media"
	StagePeer              Stage = "peer"
	StageOffer             Stage = "offer"
	StageAnswer            Stage = "answer"
	StageRemoteDescription Stage = "remote_description"
	StageSignal            Stage = "signal"
	StageConnection        Stage = "connection"
)

// NegotiationError moves the call to StateError. Its message is the reason
// shown to the user.
type NegotiationError struct {
	Stage Stage
	Err   error
}

func (e *NegotiationError) Error() string {
	switch e.Stage {
	case StageMedia:
		return fmt.Sprintf("could not access media: %v", e.Err)
	case StageConnection:
		return e.Err.Error()
	default:
		return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
	}
}

func (e *NegotiationError) Unwrap() error { return e.Err }

var errPeerFailed = errors.New("peer connection failed")
