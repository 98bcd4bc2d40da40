package engine

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/szaher/gitsync/internal/cluster"
	"github.com/szaher/gitsync/internal/diff"
	"github.com/szaher/gitsync/internal/state"
)

// applyAll runs creates and updates with bounded concurrency, each one
// starting only after its dependencies finished, then runs deletes in
// reverse rank order. A failed resource does not stop the others; its
// dependents are skipped.
func (p *pass) applyAll(ctx context.Context) error {
	sem := semaphore.NewWeighted(int64(p.e.concurrency))
	var wg sync.WaitGroup
	for _, id := range p.sequence {
		it := p.items[id]
		if it.delta.Kind == diff.KindDelete {
			continue
		}
		if !it.apply {
			close(it.done)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(it.done)
			p.applyOne(ctx, sem, it)
		}()
	}
	wg.Wait()

	for _, id := range p.deletes {
		it := p.items[id]
		close(it.done)
		if !it.apply {
			continue
		}
		if ctx.Err() != nil {
			p.notAttempted(it)
			continue
		}
		p.deleteOne(ctx, it)
	}
	return ctx.Err()
}

func (p *pass) applyOne(ctx context.Context, sem *semaphore.Weighted, it *item) {
	id := it.delta.Identity
	for _, dep := range p.graph.Dependencies(id) {
		d, ok := p.items[dep]
		if !ok {
			continue
		}
		<-d.done
		if ctx.Err() != nil {
			p.notAttempted(it)
			return
		}
		if !satisfied(d) {
			it.blocked = true
			p.skip(it, fmt.Sprintf("dependency %s not ready", dep))
			p.logger.Warn("resource skipped", "resource", id.String(), "reason", it.result.Reason)
			return
		}
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		p.notAttempted(it)
		return
	}
	defer sem.Release(1)
	if ctx.Err() != nil {
		p.notAttempted(it)
		return
	}

	// Once started, an apply runs to completion or timeout even if the
	// pass is cancelled.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.e.applyTimeout)
	defer cancel()
	if p.e.metrics != nil {
		defer p.e.metrics.TrackApply(string(it.delta.Kind))()
	}
	obs, err := p.t.Applier.Apply(actx, p.t.Scope, *it.delta.Desired)
	if err != nil && (isTimeout(err) || actx.Err() != nil) {
		err = fmt.Errorf("%w: %s after %s: %v", cluster.ErrApplyTimeout, id, p.e.applyTimeout, err)
	}
	if err == nil {
		it.post = obs
	}
	p.complete(it, err)
}

func (p *pass) deleteOne(ctx context.Context, it *item) {
	id := it.delta.Identity
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.e.applyTimeout)
	defer cancel()
	if p.e.metrics != nil {
		defer p.e.metrics.TrackApply(string(diff.KindDelete))()
	}
	err := p.t.Applier.Delete(actx, p.t.Scope, id)
	if err != nil && (isTimeout(err) || actx.Err() != nil) {
		err = fmt.Errorf("%w: deleting %s after %s: %v", cluster.ErrApplyTimeout, id, p.e.applyTimeout, err)
	}
	p.complete(it, err)
}

func (p *pass) complete(it *item, err error) {
	id := it.delta.Identity
	if err != nil {
		it.result.Outcome = state.OutcomeFailed
		it.result.Error = p.redact(err.Error())
		p.logger.Warn("resource failed",
			"resource", id.String(),
			"action", it.delta.Kind,
			"class", Classify(err),
			"error", it.result.Error)
		return
	}
	it.result.Outcome = state.OutcomeSucceeded
	p.logger.Info("resource synced", "resource", id.String(), "action", it.delta.Kind)
}

func (p *pass) notAttempted(it *item) {
	it.record = false
	it.cancelled = true
	p.skip(it, reasonCancelled)
}

// satisfied reports whether dependents of d may be applied. A dependency
// that was skipped by the gate but already exists live does not block
// them; one skipped behind a failed dependency does.
func satisfied(d *item) bool {
	if d.blocked {
		return false
	}
	switch d.result.Outcome {
	case state.OutcomeSucceeded, OutcomeInSync:
		return true
	case state.OutcomeSkipped:
		return d.delta.Observed != nil
	}
	return false
}

func (p *pass) redact(s string) string {
	if p.e.redactor == nil {
		return s
	}
	return p.e.redactor.RedactString(s)
}
