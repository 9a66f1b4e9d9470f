package relay

import (
	"errors"
	"fmt"
)

var (
	ErrIdentityMismatch = errors.New("join userId does not match the authenticated identity")
	ErrServerOnly       = errors.New("message type is only sent by the server")
	ErrShuttingDown     = errors.New("relay is shutting down")
)

// ProtocolError is a malformed or disallowed message from a client. The
// message is dropped and the room is left untouched.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error in %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
