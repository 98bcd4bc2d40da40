package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/szaher/gitsync/internal/cluster"
	"github.com/szaher/gitsync/internal/order"
	"github.com/szaher/gitsync/internal/resource"
	"github.com/szaher/gitsync/internal/source"
	"github.com/szaher/gitsync/internal/state"
)

// ErrFetch matches every FetchError.
var ErrFetch = errors.New("fetch failed")

// FetchError is returned when the desired or observed state of a target
// could not be read. The pass is aborted and nothing is mutated.
type FetchError struct {
	Op  string // "source" or "cluster"
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrFetch) hold.
func (e *FetchError) Is(target error) bool { return target == ErrFetch }

// Class groups errors by how the controller reacts to them.
type Class string

const (
	ClassInvalid        Class = "invalid"
	ClassTransient      Class = "transient"
	ClassStructural     Class = "structural"
	ClassResource       Class = "resource"
	ClassInfrastructure Class = "infrastructure"
	ClassCancelled      Class = "cancelled"
	ClassUnknown        Class = "unknown"
)

// Classify maps err onto its error class. Transient errors are retried on
// the next scheduled pass; structural and invalid ones need a source fix.
func Classify(err error) Class {
	var cycle *order.CyclicDependencyError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, source.ErrInvalidManifest), errors.Is(err, resource.ErrInvalidResource):
		return ClassInvalid
	case errors.As(err, &cycle):
		return ClassStructural
	case errors.Is(err, context.Canceled):
		return ClassCancelled
	case errors.Is(err, source.ErrSourceUnavailable),
		errors.Is(err, cluster.ErrClusterUnreachable),
		errors.Is(err, cluster.ErrApplyTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	case errors.Is(err, cluster.ErrApplyRejected):
		return ClassResource
	case errors.Is(err, cluster.ErrAuth), errors.Is(err, state.ErrStoreUnavailable):
		return ClassInfrastructure
	}
	return ClassUnknown
}
