// Package sentinel holds the storage-level facts stores report. Services
// match them with errors.Is and translate them to domain-errors codes; they
// never reach an HTTP response as-is.
package sentinel

import "errors"

var (
	// ErrNotFound: no such record, or it is soft-deleted and the lookup
	// excludes deleted records.
	ErrNotFound = errors.New("not found")
	// ErrConflict: a compare-and-swap lost, or an active record already
	// holds a unique key.
	ErrConflict = errors.New("conflict")
	// ErrInvalidState: the record is not in a state the operation accepts,
	// such as deleting a deleted document.
	ErrInvalidState = errors.New("invalid state")
	// ErrLeaseLost: the outbox row is no longer leased by the caller.
	ErrLeaseLost = errors.New("lease lost")
	// ErrUnavailable: the backing service did not answer.
	ErrUnavailable = errors.New("unavailable")
)
