package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/szaher/gitsync/internal/diff"
	"github.com/szaher/gitsync/internal/events"
	"github.com/szaher/gitsync/internal/order"
	"github.com/szaher/gitsync/internal/policy"
	"github.com/szaher/gitsync/internal/resource"
	"github.com/szaher/gitsync/internal/source"
	"github.com/szaher/gitsync/internal/state"
	"github.com/szaher/gitsync/internal/telemetry"
)

const (
	reasonAwaitingApproval = "awaiting manual approval"
	reasonPruneDisabled    = "pruning disabled"
	reasonSelfHealDisabled = "in sync at revision; self-heal disabled"
	reasonCancelled        = "pass cancelled before apply"
	reasonDryRun           = "dry run"
)

// RunOptions tune a single pass.
type RunOptions struct {
	// PassID identifies the pass. Generated when empty.
	PassID string
	// Approved resources bypass a ManualApproval gate in this pass.
	Approved []resource.Identity
	// ApprovedGroups bypass a ManualApproval gate for whole groups.
	ApprovedGroups []string
	// ApproveAll bypasses every ManualApproval gate.
	ApproveAll bool
	// DryRun stops after the policy gate. Nothing is applied or recorded.
	DryRun bool
}

// Plan runs a dry-run pass for t.
func (e *Engine) Plan(ctx context.Context, t Target) (*Report, error) {
	return e.Run(ctx, t, RunOptions{DryRun: true})
}

// Run executes one reconciliation pass for t. The returned report is never
// nil; the error is non-nil when the pass was aborted.
func (e *Engine) Run(ctx context.Context, t Target, opts RunOptions) (*Report, error) {
	if opts.PassID == "" {
		opts.PassID = ulid.Make().String()
	}
	ctx = telemetry.WithCorrelationID(ctx, opts.PassID)
	ctx, span := e.tracer.StartSpan(ctx, "pass", telemetry.PassTags(t.Name, opts.PassID))

	p := &pass{
		e:      e,
		t:      t,
		opts:   opts,
		logger: telemetry.PassLogger(e.logger, ctx, t.Name, opts.PassID),
		items:  make(map[resource.Identity]*item),
		report: &Report{
			PassID:    opts.PassID,
			Target:    t.Name,
			DryRun:    opts.DryRun,
			StartedAt: e.now().UTC(),
			Phase:     PhaseIdle,
		},
	}
	p.emit(events.New(events.PassStarted, opts.PassID).
		WithData("target", t.Name).
		WithData("dry_run", opts.DryRun))
	p.logger.Info("pass started", "dry_run", opts.DryRun)

	err := p.run(ctx)
	p.endPhase()
	p.finish(err)

	status := "ok"
	if err != nil {
		status = "error"
	}
	e.tracer.EndSpan(span, status)
	return p.report, err
}

type item struct {
	delta    diff.Delta
	snapshot state.Snapshot
	loaded   bool
	group    string
	decision policy.Decision

	// apply is set for items the Applying phase must act on.
	apply bool
	// record is false for items that never reached the cluster in a
	// cancelled pass.
	record bool
	// cancelled marks items the pass gave up on before applying; the
	// store is not touched for them.
	cancelled bool
	// blocked marks items skipped because a dependency failed or was
	// itself blocked.
	blocked bool
	post    *resource.ObservedState
	result  Result
	done    chan struct{}
}

type pass struct {
	e      *Engine
	t      Target
	opts   RunOptions
	logger *slog.Logger
	report *Report

	phase     Phase
	phaseSpan *telemetry.Span

	desired  []resource.DesiredState
	observed []resource.ObservedState
	graph    *order.Graph
	items    map[resource.Identity]*item
	// sequence is the order results are reported and recorded in.
	sequence []resource.Identity
	deletes  []resource.Identity
}

func (p *pass) run(ctx context.Context) error {
	if err := p.enter(ctx, PhaseFetching); err != nil {
		return err
	}
	if err := p.fetch(ctx); err != nil {
		return err
	}

	if err := p.enter(ctx, PhaseDiffing); err != nil {
		return err
	}
	p.diff()

	if err := p.enter(ctx, PhaseOrdering); err != nil {
		return err
	}
	if err := p.order(ctx); err != nil {
		return err
	}

	if err := p.enter(ctx, PhasePolicyGate); err != nil {
		return err
	}
	p.gate(ctx)
	if p.opts.DryRun {
		return nil
	}

	if err := p.enter(ctx, PhaseApplying); err != nil {
		return err
	}
	applyErr := p.applyAll(ctx)

	// Resources that reached the cluster are recorded even when the pass
	// was cancelled mid-apply.
	recordCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		recordCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), p.e.applyTimeout)
		defer cancel()
	}
	p.transition(recordCtx, PhaseRecording)
	if err := p.recordAll(recordCtx); err != nil {
		return err
	}
	return applyErr
}

// enter moves the pass to phase, aborting if ctx was cancelled.
func (p *pass) enter(ctx context.Context, phase Phase) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.transition(ctx, phase)
	return nil
}

func (p *pass) transition(ctx context.Context, phase Phase) {
	p.endPhase()
	p.phase = phase
	p.report.Phase = phase
	_, p.phaseSpan = p.e.tracer.StartSpan(ctx, string(phase), telemetry.PhaseTags(p.t.Name, string(phase)))
	p.emit(events.New(events.PhaseEntered, p.opts.PassID).
		WithData("target", p.t.Name).
		WithData("phase", string(phase)))
	p.logger.Debug("entering phase", "phase", phase)
}

func (p *pass) endPhase() {
	if p.phaseSpan != nil {
		p.e.tracer.EndSpan(p.phaseSpan, "")
		p.phaseSpan = nil
	}
}

func (p *pass) emit(ev *events.Event) {
	p.e.emitter.Emit(ev)
}

// fetch reads desired and observed state concurrently, then the stored
// snapshot of every identity involved.
func (p *pass) fetch(ctx context.Context) error {
	fctx, cancel := context.WithTimeout(ctx, p.e.fetchTimeout)
	defer cancel()

	var desired []resource.DesiredState
	var observed []resource.ObservedState
	g, gctx := errgroup.WithContext(fctx)
	g.Go(func() error {
		d, err := p.t.Source.ListDesiredStates(gctx, p.t.Scope)
		if err != nil {
			return &FetchError{Op: "source", Err: err}
		}
		desired = d
		return nil
	})
	g.Go(func() error {
		o, err := p.t.Cluster.ListObservedStates(gctx, p.t.Scope)
		if err != nil {
			return &FetchError{Op: "cluster", Err: err}
		}
		observed = o
		return nil
	})
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	// The source owns the returned slice.
	desired = append([]resource.DesiredState(nil), desired...)
	seen := make(map[resource.Identity]bool, len(desired))
	for i := range desired {
		d := &desired[i]
		if err := d.Identity.Validate(); err != nil {
			return fmt.Errorf("%w: %v", source.ErrInvalidManifest, err)
		}
		if seen[d.Identity] {
			return fmt.Errorf("%w: %s is declared more than once", source.ErrInvalidManifest, d.Identity)
		}
		seen[d.Identity] = true
		if d.Group == "" {
			d.Group = p.t.DefaultGroup()
		}
		if p.report.Revision == "" {
			p.report.Revision = d.SourceRevision
		}
		if p.e.redactor != nil && d.Identity.Kind == "Secret" && d.Object != nil {
			p.e.redactor.AddManifest(d.Object)
		}
	}
	p.desired = desired
	p.observed = observed
	p.logger.Info("fetched state",
		"revision", p.report.Revision,
		"desired", len(desired),
		"observed", len(observed))
	return nil
}

// diff builds one item per identity and loads its stored snapshot.
func (p *pass) diff() {
	differ := diff.New(diff.WithPrune(p.t.SyncPolicy.Prune))
	for _, d := range differ.DiffAll(p.desired, p.observed) {
		it := &item{delta: d, record: true, done: make(chan struct{})}
		it.result = Result{
			Identity: d.Identity,
			Action:   d.Kind,
			Revision: p.report.Revision,
			Changes:  diff.Masked(d).Changes,
		}
		p.items[d.Identity] = it
	}
	drifted := 0
	for _, it := range p.items {
		if it.delta.Kind != diff.KindNoOp {
			drifted++
		}
	}
	if p.e.metrics != nil {
		p.e.metrics.SetDrifted(p.t.Name, drifted)
	}
	p.logger.Info("diff computed", "resources", len(p.items), "drifted", drifted)
}

func (p *pass) order(ctx context.Context) error {
	p.graph = order.Build(p.desired)
	applyOrder, err := p.graph.Sort()
	if err != nil {
		p.logger.Error("dependency cycle", "error", err)
		return err
	}
	// Deleted resources are ordered by the references they were last
	// applied with.
	var deletes []resource.DesiredState
	for id, it := range p.items {
		if it.delta.Kind != diff.KindDelete {
			continue
		}
		p.load(ctx, it)
		last := resource.DesiredState{Identity: id}
		if d := it.snapshot.Desired; d != nil {
			last.References = d.References
		}
		deletes = append(deletes, last)
	}
	p.deletes = order.DeletionOrder(deletes)
	p.sequence = append(append([]resource.Identity{}, applyOrder...), p.deletes...)
	p.report.Order = p.sequence
	return nil
}

// groupOf returns the policy group of it. Deleted resources keep the group
// they were last applied with.
func (p *pass) groupOf(it *item) string {
	if it.delta.Desired != nil {
		return it.delta.Desired.Group
	}
	if it.snapshot.Desired != nil && it.snapshot.Desired.Group != "" {
		return it.snapshot.Desired.Group
	}
	return p.t.DefaultGroup()
}

// load reads the stored snapshot of it once.
func (p *pass) load(ctx context.Context, it *item) {
	if it.loaded {
		return
	}
	it.loaded = true
	snap, err := p.e.store.Get(ctx, it.delta.Identity)
	if err != nil {
		// A missing snapshot only weakens self-heal detection and
		// deletion ordering.
		p.logger.Warn("reading stored state", "resource", it.delta.Identity.String(), "error", err)
	}
	it.snapshot = snap
}

// gate loads snapshots, evaluates each group's policy once and decides
// which items the Applying phase acts on.
func (p *pass) gate(ctx context.Context) {
	p.report.Policies = make(map[string]policy.Result)
	pending := make(map[string][]string)
	for _, id := range p.sequence {
		it := p.items[id]
		p.load(ctx, it)
		it.group = p.groupOf(it)
		it.result.Group = it.group

		res, ok := p.report.Policies[it.group]
		if !ok {
			res = p.evaluate(it.group)
			p.report.Policies[it.group] = res
		}
		it.decision = res.Decision
		it.result.Decision = res.Decision

		switch {
		case it.delta.Kind == diff.KindNoOp:
			it.result.Outcome = OutcomeInSync
		case it.delta.Kind == diff.KindDelete && !p.t.SyncPolicy.Prune:
			p.skip(it, reasonPruneDisabled)
		case it.delta.Kind == diff.KindUpdate && !p.t.SyncPolicy.SelfHeal && p.alreadyApplied(ctx, it):
			p.skip(it, reasonSelfHealDisabled)
			it.record = false
		case it.decision == policy.ManualApproval && !p.approved(it):
			p.skip(it, reasonAwaitingApproval)
			pending[it.group] = append(pending[it.group], id.String())
		case p.opts.DryRun:
			it.result.Outcome = OutcomeOutOfSync
			it.result.Reason = reasonDryRun
		default:
			it.apply = true
		}
	}
	for group, ids := range pending {
		p.emit(events.New(events.ApprovalRequired, p.opts.PassID).
			WithData("target", p.t.Name).
			WithData("group", group).
			WithData("resources", ids))
		p.logger.Info("approval required", "group", group, "resources", len(ids))
	}
}

func (p *pass) evaluate(group string) policy.Result {
	g := policy.Group{
		Name:        group,
		Environment: p.t.Environment,
		Target:      p.t.Name,
		Cluster:     p.t.Scope.Cluster,
		Namespace:   p.t.Scope.Namespace,
		Automated:   p.t.SyncPolicy.Automated,
		Labels:      p.t.Labels,
	}
	if ex, ok := p.e.policy.(interface{ Explain(policy.Group) policy.Result }); ok {
		return ex.Explain(g)
	}
	return policy.Result{Decision: p.e.policy.Evaluate(g)}
}

func (p *pass) approved(it *item) bool {
	if p.opts.ApproveAll {
		return true
	}
	for _, g := range p.opts.ApprovedGroups {
		if g == it.group {
			return true
		}
	}
	for _, id := range p.opts.Approved {
		if id == it.delta.Identity {
			return true
		}
	}
	return false
}

// alreadyApplied reports whether the current source spec was already
// applied successfully, so the remaining difference is live drift.
func (p *pass) alreadyApplied(ctx context.Context, it *item) bool {
	if it.delta.Desired == nil {
		return false
	}
	if it.delta.Observed != nil && it.delta.Observed.Health == resource.HealthDegraded {
		return false
	}
	last := it.snapshot.Latest
	if last != nil && last.Outcome == state.OutcomeSkipped {
		last = nil
		history, err := p.e.store.History(ctx, it.delta.Identity, 0)
		if err != nil {
			p.logger.Warn("reading history", "resource", it.delta.Identity.String(), "error", err)
			return false
		}
		for i := len(history) - 1; i >= 0; i-- {
			if history[i].Outcome != state.OutcomeSkipped {
				last = &history[i]
				break
			}
		}
	}
	if last == nil || last.Outcome != state.OutcomeSucceeded {
		return false
	}
	return last.AppliedRevision == it.delta.Desired.SourceRevision &&
		last.SpecHash == it.delta.Desired.Spec.Hash()
}

func (p *pass) skip(it *item, reason string) {
	it.result.Outcome = state.OutcomeSkipped
	it.result.Reason = reason
}

// finish fills in the report and emits the closing event.
func (p *pass) finish(err error) {
	r := p.report
	r.FinishedAt = p.e.now().UTC()
	for _, id := range p.sequence {
		r.Results = append(r.Results, p.items[id].result)
	}
	if err != nil {
		r.Outcome = PassAborted
		r.FailedPhase = r.Phase
		r.Phase = PhaseFailed
		r.Error = err.Error()
		if p.e.redactor != nil {
			r.Error = p.e.redactor.RedactString(r.Error)
		}
		p.emit(events.New(events.PassAborted, p.opts.PassID).
			WithData("target", p.t.Name).
			WithData("phase", string(r.FailedPhase)).
			WithData("class", string(Classify(err))).
			WithData("error", r.Error))
		p.logger.Error("pass aborted", "phase", r.FailedPhase, "class", Classify(err), "error", err)
	} else {
		r.Outcome = PassCompleted
		r.Phase = PhaseIdle
		p.emit(events.New(events.PassCompleted, p.opts.PassID).
			WithData("target", p.t.Name).
			WithData("revision", r.Revision).
			WithData("succeeded", r.Count(state.OutcomeSucceeded)).
			WithData("failed", r.Count(state.OutcomeFailed)).
			WithData("skipped", r.Count(state.OutcomeSkipped)))
		p.logger.Info("pass completed", "summary", r.Summary())
	}
	if p.e.metrics != nil {
		p.e.metrics.RecordPass(p.t.Name, string(r.Outcome), r.FinishedAt.Sub(r.StartedAt))
		if !r.DryRun {
			for _, res := range r.Results {
				p.e.metrics.RecordResource(p.t.Name, string(res.Outcome))
			}
		}
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
