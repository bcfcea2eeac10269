package ride

import (
	"errors"

	"github.com/example/campus-rides/internal/storage"
)

var (
	// ErrConflict: a guarded transition's precondition failed. The ride was
	// claimed by someone else, is in the wrong state, or the caller is not
	// the assigned driver. The driver app treats this as "no longer
	// available", not as a fault.
	ErrConflict = storage.ErrConflict

	// ErrNotFound: the referenced ride does not exist.
	ErrNotFound = storage.ErrNotFound

	// ErrInvalidInput: malformed coordinates or missing fields, rejected
	// before any state mutation.
	ErrInvalidInput = errors.New("invalid ride input")

	// ErrUnavailable: a collaborator (store, timer, connection layer) failed.
	// Not recoverable here; the caller decides whether to retry.
	ErrUnavailable = errors.New("collaborator unavailable")
)
