package broker

import "errors"

// ErrNotFound is returned for an unknown agent id, task id, or lock path
// (spec.md §7).
var ErrNotFound = errors.New("broker: not found")

// ErrIllegalTransition is returned when an operation is requested on a
// task or agent in a state that forbids it — for example, completing a
// task the caller is not assigned to (spec.md §7).
var ErrIllegalTransition = errors.New("broker: illegal state transition")
