package receipt

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a receipt or collaborator record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned for malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicateReceipt is returned when an image with the same hash was already submitted.
	ErrDuplicateReceipt = errors.New("duplicate receipt")

	// ErrConflict is returned when a receipt changed underneath an update.
	ErrConflict = errors.New("receipt changed concurrently")

	// ErrCashbackApplied is returned when deleting a receipt whose cashback was paid out.
	ErrCashbackApplied = errors.New("receipt has applied cashback")
)

// TransitionError is returned for an illegal lifecycle transition
type TransitionError struct {
	From  Status
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s a receipt in status %s", e.Event.verb(), e.From)
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
