// Package notify delivers SyncRecords to external systems after they are
// recorded. Delivery is best effort: a failed notification never affects
// the pass that produced it.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/szaher/gitsync/internal/state"
)

// Notifier receives recorded SyncRecords.
type Notifier interface {
	Notify(ctx context.Context, rec state.SyncRecord) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, rec state.SyncRecord) error

// Notify calls f.
func (f Func) Notify(ctx context.Context, rec state.SyncRecord) error { return f(ctx, rec) }

// Log writes every record to a logger.
type Log struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (l Log) Notify(ctx context.Context, rec state.SyncRecord) error {
	level := slog.LevelInfo
	if rec.Outcome == state.OutcomeFailed {
		level = slog.LevelWarn
	}
	attrs := []any{
		"target", rec.Target,
		"resource", rec.Identity.String(),
		"action", rec.Action,
		"outcome", string(rec.Outcome),
		"revision", rec.AppliedRevision,
		"seq", rec.Seq,
	}
	if rec.ErrorDetail != "" {
		attrs = append(attrs, "detail", rec.ErrorDetail)
	}
	l.Logger.Log(ctx, level, "sync recorded", attrs...)
	return nil
}

// Multi fans a record out to several notifiers and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, rec state.SyncRecord) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Filter forwards only records whose outcome is listed.
func Filter(n Notifier, outcomes ...state.Outcome) Notifier {
	if len(outcomes) == 0 {
		return n
	}
	allowed := make(map[state.Outcome]bool, len(outcomes))
	for _, o := range outcomes {
		allowed[o] = true
	}
	return Func(func(ctx context.Context, rec state.SyncRecord) error {
		if !allowed[rec.Outcome] {
			return nil
		}
		return n.Notify(ctx, rec)
	})
}
