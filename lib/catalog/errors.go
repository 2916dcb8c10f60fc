package catalog

import "errors"

var (
	// ErrNotFound is returned when a build or worker id is unknown.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when an operation's caller does not own
	// the resource it's trying to mutate (e.g. heartbeat from the wrong worker).
	ErrForbidden = errors.New("forbidden")
	// ErrStateConflict is returned when a requested transition is not
	// reachable from the build's current status.
	ErrStateConflict = errors.New("invalid state transition")
)
