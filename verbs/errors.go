package verbs

import (
	"errors"
	"fmt"

	"github.com/nettlelabs/ibverbs-go/internal/hw"
)

var (
	// ErrSendQueueFull indicates the send queue already holds the maximum
	// number of outstanding work requests.
	ErrSendQueueFull = errors.New("verbs: send queue full")
	// ErrReceiveQueueFull indicates the receive queue already holds the
	// maximum number of outstanding work requests.
	ErrReceiveQueueFull = errors.New("verbs: receive queue full")
	// ErrCompletionQueueFull indicates the completion queue cannot absorb
	// a completion for another outstanding work request.
	ErrCompletionQueueFull = errors.New("verbs: completion queue full")
	// ErrPortDown indicates the adapter port is not active.
	ErrPortDown = errors.New("verbs: port is not active")
	// ErrDeviceNotFound indicates no adapter with the requested name.
	ErrDeviceNotFound = errors.New("verbs: device not found")
)

// StateError reports a post attempted on a queue pair that has entered
// the terminal ERROR state. The queue pair must be recreated; there is no
// automatic recovery.
type StateError struct {
	State QPState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("verbs: queue pair in %s state", e.State)
}

// CompletionError is the error form of a failed completion entry, as
// returned by WorkCompletion.Err.
type CompletionError struct {
	ID     uint64
	Opcode WCOpcode
	Status WCStatus
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("verbs: %s work request %d failed: %s", e.Opcode, e.ID, e.Status)
}

// translate maps adapter-reported errors onto the package sentinels.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, hw.ErrSendQueueFull):
		return ErrSendQueueFull
	case errors.Is(err, hw.ErrRecvQueueFull):
		return ErrReceiveQueueFull
	case errors.Is(err, hw.ErrCompletionQueueFull):
		return ErrCompletionQueueFull
	case errors.Is(err, hw.ErrPortDown):
		return ErrPortDown
	case errors.Is(err, hw.ErrDeviceNotFound):
		return ErrDeviceNotFound
	default:
		return err
	}
}
