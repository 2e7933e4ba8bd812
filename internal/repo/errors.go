package repo

import "errors"

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a conditional transition matched no row:
	// the record was not in any of the allowed source states.
	ErrConflict = errors.New("state conflict")
)
