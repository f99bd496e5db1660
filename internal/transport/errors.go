package transport

import (
	"errors"
	"fmt"

	"github.com/masterboy376/cphere/internal/wire"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrRateLimited  = errors.New("outbound rate limit exceeded")
	// ErrClosed is returned by Connect when Disconnect ran while the dial was
	// in flight.
	ErrClosed = errors.New("transport closed")
)

// Error wraps a failed transport operation. Op is "connect" or "send".
type Error struct {
	Op   string
	Kind wire.Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("transport %s %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
