package store

import (
	"github.com/mattn/go-sqlite3"

	"github.com/castellan/quarry/errors"
)

// Error classes. Callers test membership with errors.Is (or the helpers
// below); concrete errors carry entity context via wrapping.
var (
	// ErrNotFound: the addressed document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrVersionConflict: a conditional update found a different version
	// than expected. Lost races are expected and are never surfaced past
	// the lifecycle engine.
	ErrVersionConflict = errors.New("optimistic version conflict")
	// ErrIntegrity: a document references a missing peer or carries a
	// malformed payload. Non-retryable for that entity only.
	ErrIntegrity = errors.New("data integrity violation")
	// ErrTransient: the backing store failed in a retryable way.
	ErrTransient = errors.New("transient backend failure")
)

func IsNotFound(err error) bool        { return errors.Is(err, ErrNotFound) }
func IsVersionConflict(err error) bool { return errors.Is(err, ErrVersionConflict) }
func IsIntegrity(err error) bool       { return errors.Is(err, ErrIntegrity) }
func IsTransient(err error) bool       { return errors.Is(err, ErrTransient) }

// transient wraps a driver-level failure with context and marks it as the
// transient class.
func transient(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrTransient)
}

func transientf(err error, format string, args ...interface{}) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrTransient)
}

// insertErrf classifies a failed INSERT. A constraint breach (duplicate key,
// dangling reference) is an integrity violation of that entity, not a
// retryable backend failure; everything else stays transient.
func insertErrf(err error, format string, args ...interface{}) error {
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		return errors.Mark(errors.Wrapf(err, format, args...), ErrIntegrity)
	}
	return transientf(err, format, args...)
}
