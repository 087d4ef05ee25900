package hw

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceNotFound indicates the named device does not exist.
	ErrDeviceNotFound = errors.New("hw: device not found")
	// ErrPortDown indicates the requested port is not in the active state.
	ErrPortDown = errors.New("hw: port is not active")
	// ErrSendQueueFull indicates the send queue has no room for another
	// outstanding work request.
	ErrSendQueueFull = errors.New("hw: send queue full")
	// ErrRecvQueueFull indicates the receive queue has no room for another
	// outstanding work request.
	ErrRecvQueueFull = errors.New("hw: receive queue full")
	// ErrCompletionQueueFull indicates the completion queue cannot absorb a
	// completion for another outstanding work request.
	ErrCompletionQueueFull = errors.New("hw: completion queue full")
	// ErrInvalidOperand indicates a malformed atomic operand (wrong size or
	// alignment).
	ErrInvalidOperand = errors.New("hw: invalid atomic operand")
	// ErrClosed indicates the adapter object has already been destroyed.
	ErrClosed = errors.New("hw: object destroyed")
)

// CapacityError reports a creation-time attribute that exceeds what the
// device supports. The shape mirrors how adapters reject ibv_create_qp and
// ibv_create_cq attribute overflows.
type CapacityError struct {
	Attr      string
	Supported uint32
	Requested uint32
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("hw: %s supports up to %d, %d requested", e.Attr, e.Supported, e.Requested)
}
