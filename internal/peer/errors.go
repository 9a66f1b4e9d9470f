package peer

import (
	"errors"
	"fmt"
)

var (
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	ErrPeerUnreachable    = errors.New("participant unreachable")
	ErrConnectionFailed   = errors.New("peer connection failed")
	ErrClosed             = errors.New("orchestrator closed")
)

// LinkError is a negotiation step that failed for one remote participant
type LinkError struct {
	Op           string
	RemoteUserID string
	Err          error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("%s with %s: %v", e.Op, e.RemoteUserID, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}
