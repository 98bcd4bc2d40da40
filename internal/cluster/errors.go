package cluster

import (
	"errors"
	"fmt"
)

var (
	// ErrClusterUnreachable means the cluster API could not be reached.
	ErrClusterUnreachable = errors.New("cluster unreachable")
	// ErrAuth means the cluster refused our credentials.
	ErrAuth = errors.New("cluster authentication failed")
	// ErrApplyRejected means the cluster refused an object.
	ErrApplyRejected = errors.New("apply rejected")
	// ErrApplyTimeout means an apply or delete did not finish in time.
	ErrApplyTimeout = errors.New("apply timed out")
)

// RejectedError carries the reason the cluster gave for refusing an object.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("apply rejected: %s", e.Reason)
}

// Is makes errors.Is(err, ErrApplyRejected) hold.
func (e *RejectedError) Is(target error) bool {
	return target == ErrApplyRejected
}
