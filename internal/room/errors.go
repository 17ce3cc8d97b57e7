package room

import (
	"errors"
	"fmt"
)

// CapacityError rejects a join to a full room. No session is added.
type CapacityError struct {
	RoomID string
	Limit  int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("room %s is full (%d participants)", e.RoomID, e.Limit)
}

// ConnectionError is a transport failure on a participant connection.
// It always ends the session.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

var (
	// ErrRegistryClosed is returned once the registry has shut down.
	ErrRegistryClosed = errors.New("room registry closed")
	ErrSessionClosed  = errors.New("session already closed")
)
