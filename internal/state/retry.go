package state

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"

	"github.com/szaher/gitsync/internal/resource"
)

// DefaultBackoff is used by Retrying when no backoff is given.
var DefaultBackoff = wait.Backoff{
	Steps:    5,
	Duration: 100 * time.Millisecond,
	Factor:   2.0,
	Jitter:   0.1,
	Cap:      5 * time.Second,
}

// IsUnavailable reports whether err is a retryable store outage.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// RetryingStore retries calls that fail with ErrStoreUnavailable.
type RetryingStore struct {
	Store
	backoff wait.Backoff
	logger  *slog.Logger
}

// Retrying wraps s so every call is retried with backoff while the store
// is unavailable.
func Retrying(s Store, backoff wait.Backoff, logger *slog.Logger) *RetryingStore {
	if backoff.Steps == 0 {
		backoff = DefaultBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingStore{Store: s, backoff: backoff, logger: logger}
}

func (r *RetryingStore) do(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	return retry.OnError(r.backoff, func(err error) bool {
		return IsUnavailable(err) && ctx.Err() == nil
	}, func() error {
		attempt++
		err := fn()
		if err != nil && IsUnavailable(err) {
			r.logger.Warn("state store unavailable", "op", op, "attempt", attempt, "error", err)
		}
		return err
	})
}

func (r *RetryingStore) Get(ctx context.Context, id resource.Identity) (Snapshot, error) {
	var snap Snapshot
	err := r.do(ctx, "get", func() error {
		var err error
		snap, err = r.Store.Get(ctx, id)
		return err
	})
	return snap, err
}

func (r *RetryingStore) PutDesired(ctx context.Context, d resource.DesiredState) error {
	return r.do(ctx, "put_desired", func() error { return r.Store.PutDesired(ctx, d) })
}

func (r *RetryingStore) PutObserved(ctx context.Context, o resource.ObservedState) error {
	return r.do(ctx, "put_observed", func() error { return r.Store.PutObserved(ctx, o) })
}

func (r *RetryingStore) Forget(ctx context.Context, id resource.Identity) error {
	return r.do(ctx, "forget", func() error { return r.Store.Forget(ctx, id) })
}

func (r *RetryingStore) AppendSyncRecord(ctx context.Context, rec SyncRecord) (SyncRecord, error) {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	var out SyncRecord
	err := r.do(ctx, "append_sync_record", func() error {
		var err error
		out, err = r.Store.AppendSyncRecord(ctx, rec)
		return err
	})
	return out, err
}

func (r *RetryingStore) History(ctx context.Context, id resource.Identity, limit int) ([]SyncRecord, error) {
	var out []SyncRecord
	err := r.do(ctx, "history", func() error {
		var err error
		out, err = r.Store.History(ctx, id, limit)
		return err
	})
	return out, err
}
