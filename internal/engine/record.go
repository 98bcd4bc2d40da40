package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/szaher/gitsync/internal/diff"
	"github.com/szaher/gitsync/internal/events"
	"github.com/szaher/gitsync/internal/resource"
	"github.com/szaher/gitsync/internal/state"
)

// recordAll persists observed and desired snapshots and appends one
// SyncRecord per acted-on resource, in report order. The store retries
// while it is unavailable; a write that still fails aborts the pass.
func (p *pass) recordAll(ctx context.Context) error {
	now := p.e.now().UTC()
	for _, id := range p.sequence {
		it := p.items[id]
		if it.cancelled {
			continue
		}
		if err := p.persist(ctx, it, now); err != nil {
			return fmt.Errorf("recording %s: %w", id, err)
		}
		if !it.record || it.result.Outcome == OutcomeInSync {
			continue
		}
		rec := p.syncRecord(it)
		if last := it.snapshot.Latest; rec.Outcome == state.OutcomeSkipped && last != nil && last.SameResult(rec) {
			continue
		}
		stamped, err := p.e.store.AppendSyncRecord(ctx, rec)
		if err != nil {
			return fmt.Errorf("recording %s: %w", id, err)
		}
		p.notify(ctx, stamped)
	}
	return nil
}

func (p *pass) persist(ctx context.Context, it *item, now time.Time) error {
	store := p.e.store
	switch {
	case it.result.Outcome == state.OutcomeSucceeded && it.delta.Kind == diff.KindDelete:
		return store.Forget(ctx, it.delta.Identity)
	case it.result.Outcome == state.OutcomeSucceeded:
		if err := store.PutDesired(ctx, *it.delta.Desired); err != nil {
			return err
		}
		return store.PutObserved(ctx, observedAfter(it, now))
	case it.delta.Observed != nil:
		return store.PutObserved(ctx, *it.delta.Observed)
	}
	return nil
}

// observedAfter is the observed state right after a successful apply. When
// the applier reported nothing the desired spec stands in for it.
func observedAfter(it *item, now time.Time) resource.ObservedState {
	if it.post != nil {
		return *it.post
	}
	return resource.ObservedState{
		Identity: it.delta.Identity,
		Spec:     it.delta.Desired.Spec,
		LastSeen: now,
		Health:   resource.HealthProgressing,
	}
}

func (p *pass) syncRecord(it *item) state.SyncRecord {
	rec := state.SyncRecord{
		Identity:        it.delta.Identity,
		Target:          p.t.Name,
		PassID:          p.opts.PassID,
		Action:          string(it.delta.Kind),
		AppliedRevision: p.report.Revision,
		Outcome:         it.result.Outcome,
	}
	if d := it.delta.Desired; d != nil {
		rec.AppliedRevision = d.SourceRevision
		rec.SpecHash = d.Spec.Hash()
	}
	switch {
	case it.result.Error != "":
		rec.ErrorDetail = it.result.Error
	case it.result.Outcome == state.OutcomeSkipped:
		rec.ErrorDetail = it.result.Reason
	}
	return rec
}

func (p *pass) notify(ctx context.Context, rec state.SyncRecord) {
	p.emit(events.New(events.ResourceResult, p.opts.PassID).
		WithData("target", p.t.Name).
		WithData("resource", rec.Identity.String()).
		WithData("action", rec.Action).
		WithData("outcome", string(rec.Outcome)).
		WithData("seq", rec.Seq))
	if p.e.notifier == nil {
		return
	}
	if err := p.e.notifier.Notify(ctx, rec); err != nil {
		p.logger.Warn("notification failed", "resource", rec.Identity.String(), "error", err)
	}
}
