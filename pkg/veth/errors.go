package veth

import (
	"errors"
	"fmt"
)

// ErrContainerNotFound is wrapped by Execer implementations when the runtime
// does not know the requested container.
var ErrContainerNotFound = errors.New("container not found")

// Reason classifies a resolution failure.
type Reason int

const (
	// ExecFailed means the container could not be reached or the iflink read failed.
	ExecFailed Reason = iota + 1
	// NotFound means no host adapter carries the container's iflink.
	NotFound
)

func (r Reason) String() string {
	switch r {
	case ExecFailed:
		return "exec failed"
	case NotFound:
		return "not found"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// ResolutionError is returned when a target cannot be mapped to a host adapter.
type ResolutionError struct {
	Target string
	Reason Reason
	Err    error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve %q: %s: %v", e.Target, e.Reason, e.Err)
	}
	return fmt.Sprintf("resolve %q: %s", e.Target, e.Reason)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}
