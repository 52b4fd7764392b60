// ABOUTME: Error taxonomy for the send pipeline
// ABOUTME: InvalidRequest and PersistError reach the sender; publish failures never do

package conversation

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest marks a malformed send, rejected before persistence.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrRequestInFlight is returned when a retry arrives while the original
	// send with the same request id is still being persisted.
	ErrRequestInFlight = errors.New("request already in flight")

	// ErrNotSender is returned when deleting a message the caller did not send.
	ErrNotSender = errors.New("only the sender can delete a message")

	// ErrMessageNotFound is returned when a message id does not exist.
	ErrMessageNotFound = errors.New("message not found")
)

// PersistError wraps a storage failure. Nothing was recorded and nothing was
// published, so the whole send is safe to retry.
type PersistError struct {
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persisting message: %v", e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
