// Package state defines the state store interface and types for tracking
// desired, observed and applied resource state across reconciliation passes.
package state

import (
	"context"
	"errors"
	"time"

	"github.com/szaher/gitsync/internal/resource"
)

// ErrStoreUnavailable is returned when the backing storage cannot be reached.
// Callers retry with backoff and never drop the write.
var ErrStoreUnavailable = errors.New("state store unavailable")

// Outcome is the result of one resource in one pass.
type Outcome string

const (
	OutcomeSucceeded Outcome = "Succeeded"
	OutcomeFailed    Outcome = "Failed"
	OutcomeSkipped   Outcome = "Skipped"
)

// SyncRecord is one entry in a resource's append-only history. Seq is
// assigned by the store and strictly increases across all appends, so a
// rollback is simply a newer record carrying an older revision.
type SyncRecord struct {
	ID              string            `json:"id"`
	Seq             int64             `json:"seq"`
	Identity        resource.Identity `json:"identity"`
	Target          string            `json:"target,omitempty"`
	PassID          string            `json:"pass_id,omitempty"`
	Action          string            `json:"action,omitempty"`
	AppliedRevision string            `json:"applied_revision"`
	SpecHash        string            `json:"spec_hash,omitempty"`
	AppliedAt       time.Time         `json:"applied_at"`
	Outcome         Outcome           `json:"outcome"`
	ErrorDetail     string            `json:"error_detail,omitempty"`
}

// SameResult reports whether r and o describe the same result for the same
// revision, ignoring ids and timestamps.
func (r SyncRecord) SameResult(o SyncRecord) bool {
	return r.Identity == o.Identity &&
		r.Outcome == o.Outcome &&
		r.Action == o.Action &&
		r.AppliedRevision == o.AppliedRevision &&
		r.ErrorDetail == o.ErrorDetail
}

// Snapshot is everything the store knows about one identity.
type Snapshot struct {
	Desired  *resource.DesiredState  `json:"desired,omitempty"`
	Observed *resource.ObservedState `json:"observed,omitempty"`
	Latest   *SyncRecord             `json:"latest,omitempty"`
}

// Store is the interface for state persistence. Reads may run concurrently;
// writes for the same identity are mutually exclusive.
type Store interface {
	// Get returns the last desired state, observed state and sync record
	// for id. Missing parts are nil.
	Get(ctx context.Context, id resource.Identity) (Snapshot, error)

	// PutDesired records the desired state that was last applied.
	PutDesired(ctx context.Context, d resource.DesiredState) error

	// PutObserved replaces the observed state for its identity.
	PutObserved(ctx context.Context, o resource.ObservedState) error

	// Forget drops the desired and observed snapshots of a deleted
	// resource. History is kept.
	Forget(ctx context.Context, id resource.Identity) error

	// AppendSyncRecord appends rec to the identity's history and returns it
	// with ID, Seq and AppliedAt filled in.
	AppendSyncRecord(ctx context.Context, rec SyncRecord) (SyncRecord, error)

	// History returns up to limit of the most recent records for id, oldest
	// first. A limit <= 0 returns the full history.
	History(ctx context.Context, id resource.Identity, limit int) ([]SyncRecord, error)

	// Close releases any resources held by the store.
	Close() error
}

func tail(records []SyncRecord, limit int) []SyncRecord {
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	out := make([]SyncRecord, len(records))
	copy(out, records)
	return out
}

func key(id resource.Identity) string {
	return id.String()
}
