package outbox

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded is returned by Insert once the unsent count reaches
	// the maximum level. Check HasSpace first to avoid it.
	ErrCapacityExceeded = errors.New("outbox: buffer full")
	// ErrNotOpen is returned when the outbox is used before Open.
	ErrNotOpen = errors.New("outbox: not open")
	// ErrAlreadyStarted is returned when Start is called on a running outbox.
	ErrAlreadyStarted = errors.New("outbox: worker already started")
	// ErrNilSender is returned when Start is called without a Sender.
	ErrNilSender = errors.New("outbox: nil sender")
	// ErrInvalidConfig is returned when an option has an out-of-range value.
	ErrInvalidConfig = errors.New("outbox: invalid config")
)

// DeliveryError wraps a failed Prepare or Send. Delivery errors are retried
// indefinitely; they're reported through Status and never returned to
// callers of Insert.
type DeliveryError struct {
	RowID   int64
	UUID    string
	Attempt int
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("outbox: delivery of row %d failed (attempt %d): %v", e.RowID, e.Attempt, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
