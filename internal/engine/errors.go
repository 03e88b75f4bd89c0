package engine

import (
	"errors"
	"fmt"

	"orderline/internal/repo"
)

// ErrNotConnected is returned when the backing store is unavailable.
var ErrNotConnected = errors.New("store not connected")

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// StateError reports a lifecycle operation applied to an order in the
// wrong status. It carries the current status so callers can tell the
// user what state the order is actually in.
type StateError struct {
	OrderID string
	Op      string
	Status  string
}

func (e StateError) Error() string {
	return fmt.Sprintf("cannot %s order %s: status is %s", e.Op, e.OrderID, e.Status)
}

// PersistenceError wraps a failed write or commit.
type PersistenceError struct {
	Op  string
	Err error
}

func (e PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e PersistenceError) Unwrap() error { return e.Err }

// IsNotFound reports whether err means the referenced record does not
// exist, unwrapping persistence wrappers along the way.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
