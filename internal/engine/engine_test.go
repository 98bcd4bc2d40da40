package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/szaher/gitsync/internal/cluster"
	"github.com/szaher/gitsync/internal/diff"
	"github.com/szaher/gitsync/internal/events"
	"github.com/szaher/gitsync/internal/order"
	"github.com/szaher/gitsync/internal/resource"
	"github.com/szaher/gitsync/internal/source"
	"github.com/szaher/gitsync/internal/state"
)

type fakeSource struct {
	desired []resource.DesiredState
	err     error
}

func (s *fakeSource) ListDesiredStates(context.Context, resource.Scope) ([]resource.DesiredState, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]resource.DesiredState, len(s.desired))
	copy(out, s.desired)
	return out, nil
}

// fakeCluster is an in-memory live system that records every call.
type fakeCluster struct {
	mu       sync.Mutex
	live     map[resource.Identity]resource.ObservedState
	fail     map[resource.Identity]error
	listErr  error
	applied  []resource.Identity
	deleted  []resource.Identity
	onApply  func(id resource.Identity)
	inflight int
	maxSeen  int
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		live: make(map[resource.Identity]resource.ObservedState),
		fail: make(map[resource.Identity]error),
	}
}

func (c *fakeCluster) ListObservedStates(context.Context, resource.Scope) ([]resource.ObservedState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listErr != nil {
		return nil, c.listErr
	}
	var out []resource.ObservedState
	for _, o := range c.live {
		out = append(out, o)
	}
	return out, nil
}

func (c *fakeCluster) Apply(_ context.Context, _ resource.Scope, d resource.DesiredState) (*resource.ObservedState, error) {
	c.mu.Lock()
	c.inflight++
	if c.inflight > c.maxSeen {
		c.maxSeen = c.inflight
	}
	hook := c.onApply
	c.mu.Unlock()

	if hook != nil {
		hook(d.Identity)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight--
	c.applied = append(c.applied, d.Identity)
	if err := c.fail[d.Identity]; err != nil {
		return nil, err
	}
	o := resource.ObservedState{Identity: d.Identity, Spec: d.Spec, Health: resource.HealthHealthy}
	c.live[d.Identity] = o
	return &o, nil
}

func (c *fakeCluster) Delete(_ context.Context, _ resource.Scope, id resource.Identity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, id)
	delete(c.live, id)
	return nil
}

func (c *fakeCluster) drift(id resource.Identity, path string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o := c.live[id]
	fields := o.Spec.Fields()
	for i := range fields {
		if fields[i].Path == path {
			fields[i].Value = value
		}
	}
	o.Spec = resource.NewSpec(fields...)
	c.live[id] = o
}

func (c *fakeCluster) appliedIDs() []resource.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]resource.Identity(nil), c.applied...)
}

type recordingNotifier struct {
	mu      sync.Mutex
	records []state.SyncRecord
}

func (n *recordingNotifier) Notify(_ context.Context, rec state.SyncRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.records = append(n.records, rec)
	return nil
}

func manifest(kind, ns, name string, spec map[string]interface{}, annotations map[string]interface{}) map[string]interface{} {
	meta := map[string]interface{}{"name": name}
	if ns != "" {
		meta["namespace"] = ns
	}
	if annotations != nil {
		meta["annotations"] = annotations
	}
	obj := map[string]interface{}{
		"apiVersion": "v1",
		"kind":       kind,
		"metadata":   meta,
	}
	for k, v := range spec {
		obj[k] = v
	}
	return obj
}

func desired(t *testing.T, rev string, obj map[string]interface{}) resource.DesiredState {
	t.Helper()
	d, err := resource.NewDesiredState(obj, rev, "app")
	if err != nil {
		t.Fatalf("NewDesiredState: %v", err)
	}
	return d
}

func namespace(t *testing.T, rev string) resource.DesiredState {
	return desired(t, rev, manifest("Namespace", "", "app", nil, nil))
}

func deployment(t *testing.T, rev string, replicas int) resource.DesiredState {
	return desired(t, rev, manifest("Deployment", "app", "web", map[string]interface{}{
		"spec": map[string]interface{}{"replicas": replicas},
	}, nil))
}

func configMap(t *testing.T, rev, name string, dependsOn string) resource.DesiredState {
	var ann map[string]interface{}
	if dependsOn != "" {
		ann = map[string]interface{}{resource.DependsOnAnnotation: dependsOn}
	}
	return desired(t, rev, manifest("ConfigMap", "app", name, map[string]interface{}{
		"data": map[string]interface{}{"key": name},
	}, ann))
}

func ident(kind, ns, name string) resource.Identity {
	return resource.Identity{Kind: kind, Namespace: ns, Name: name}
}

var (
	nsID     = ident("Namespace", "", "app")
	deployID = ident("Deployment", "app", "web")
)

func automated(v bool) *bool { return &v }

func newTarget(src Source, c *fakeCluster) Target {
	return Target{
		Name:        "web",
		Environment: "dev",
		Scope:       resource.Scope{Target: "web", Namespace: "app"},
		SyncPolicy:  SyncPolicy{Prune: true},
		Source:      src,
		Cluster:     c,
		Applier:     c,
	}
}

func newEngine(store state.Store, opts ...Option) *Engine {
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRecordBackoff(wait.Backoff{Duration: time.Millisecond, Factor: 1, Steps: 5}),
	}
	return New(store, append(base, opts...)...)
}

func outcomes(r *Report) map[string]state.Outcome {
	out := make(map[string]state.Outcome, len(r.Results))
	for _, res := range r.Results {
		out[res.Identity.String()] = res.Outcome
	}
	return out
}

func history(t *testing.T, s state.Store, id resource.Identity) []state.SyncRecord {
	t.Helper()
	recs, err := s.History(context.Background(), id, 0)
	if err != nil {
		t.Fatalf("History(%s): %v", id, err)
	}
	return recs
}

func TestRunCreatesInDependencyOrder(t *testing.T) {
	c := newFakeCluster()
	src := &fakeSource{desired: []resource.DesiredState{deployment(t, "r1", 2), namespace(t, "r1")}}
	store := state.NewMemoryStore()
	notifier := &recordingNotifier{}
	e := newEngine(store, WithNotifier(notifier))

	report, err := e.Run(context.Background(), newTarget(src, c), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Outcome != PassCompleted {
		t.Fatalf("outcome = %s, want Completed", report.Outcome)
	}
	if diff := cmp.Diff([]resource.Identity{nsID, deployID}, c.appliedIDs()); diff != "" {
		t.Errorf("apply order (-want +got):\n%s", diff)
	}
	want := map[string]state.Outcome{
		nsID.String():     state.OutcomeSucceeded,
		deployID.String(): state.OutcomeSucceeded,
	}
	if diff := cmp.Diff(want, outcomes(report)); diff != "" {
		t.Errorf("outcomes (-want +got):\n%s", diff)
	}

	recs := history(t, store, deployID)
	if len(recs) != 1 {
		t.Fatalf("history = %d records, want 1", len(recs))
	}
	if recs[0].AppliedRevision != "r1" || recs[0].Outcome != state.OutcomeSucceeded || recs[0].Action != "Create" {
		t.Errorf("record = %+v", recs[0])
	}
	nsRecs := history(t, store, nsID)
	if len(nsRecs) != 1 || nsRecs[0].Seq >= recs[0].Seq {
		t.Errorf("namespace record should be recorded before the deployment: %+v / %+v", nsRecs, recs)
	}
	if len(notifier.records) != 2 {
		t.Errorf("notified %d records, want 2", len(notifier.records))
	}

	snap, err := store.Get(context.Background(), deployID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap.Desired == nil || snap.Observed == nil || snap.Latest == nil {
		t.Errorf("snapshot incomplete: %+v", snap)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	c := newFakeCluster()
	src := &fakeSource{desired: []resource.DesiredState{namespace(t, "r1"), deployment(t, "r1", 2)}}
	store := state.NewMemoryStore()
	e := newEngine(store)
	target := newTarget(src, c)

	if _, err := e.Run(context.Background(), target, RunOptions{}); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	before := len(c.appliedIDs())

	report, err := e.Run(context.Background(), target, RunOptions{})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if got := len(c.appliedIDs()) - before; got != 0 {
		t.Errorf("second pass applied %d resources, want 0", got)
	}
	if n := report.Count(OutcomeInSync); n != 2 {
		t.Errorf("in sync = %d, want 2", n)
	}
	if got := len(history(t, store, deployID)); got != 1 {
		t.Errorf("history grew to %d records on a no-op pass", got)
	}
}

func TestRunPartialFailureSkipsDependents(t *testing.T) {
	c := newFakeCluster()
	cfg := configMap(t, "r1", "cfg", "")
	dependent := configMap(t, "r1", "uses-cfg", "ConfigMap/cfg")
	independent := configMap(t, "r1", "other", "")
	c.fail[cfg.Identity] = &cluster.RejectedError{Reason: "field is immutable"}

	src := &fakeSource{desired: []resource.DesiredState{cfg, dependent, independent}}
	store := state.NewMemoryStore()
	report, err := newEngine(store).Run(context.Background(), newTarget(src, c), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := map[string]state.Outcome{
		cfg.Identity.String():         state.OutcomeFailed,
		dependent.Identity.String():   state.OutcomeSkipped,
		independent.Identity.String(): state.OutcomeSucceeded,
	}
	if diff := cmp.Diff(want, outcomes(report)); diff != "" {
		t.Errorf("outcomes (-want +got):\n%s", diff)
	}
	res, _ := report.Result(dependent.Identity)
	if res.Reason != "dependency ConfigMap/app/cfg not ready" {
		t.Errorf("skip reason = %q", res.Reason)
	}
	failed := history(t, store, cfg.Identity)
	if len(failed) != 1 || failed[0].ErrorDetail == "" {
		t.Errorf("failed record = %+v", failed)
	}
	if got := history(t, store, dependent.Identity); len(got) != 1 || got[0].Outcome != state.OutcomeSkipped {
		t.Errorf("dependent record = %+v", got)
	}
}

func TestRunFailureBlocksTransitiveDependents(t *testing.T) {
	c := newFakeCluster()
	a := configMap(t, "r1", "a", "")
	b := configMap(t, "r1", "b", "ConfigMap/a")
	cc := configMap(t, "r1", "c", "ConfigMap/b")
	src := &fakeSource{desired: []resource.DesiredState{a, b, cc}}
	target := newTarget(src, c)
	target.SyncPolicy.SelfHeal = true
	store := state.NewMemoryStore()
	e := newEngine(store)

	if _, err := e.Run(context.Background(), target, RunOptions{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, d := range []resource.DesiredState{a, b, cc} {
		c.drift(d.Identity, "data.key", "changed")
	}
	c.fail[a.Identity] = &cluster.RejectedError{Reason: "admission denied"}
	c.applied = nil

	report, err := e.Run(context.Background(), target, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := map[string]state.Outcome{
		a.Identity.String():  state.OutcomeFailed,
		b.Identity.String():  state.OutcomeSkipped,
		cc.Identity.String(): state.OutcomeSkipped,
	}
	if diff := cmp.Diff(want, outcomes(report)); diff != "" {
		t.Errorf("outcomes (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]resource.Identity{a.Identity}, c.appliedIDs()); diff != "" {
		t.Errorf("applied (-want +got):\n%s", diff)
	}
}

func TestRunManualApprovalGate(t *testing.T) {
	c := newFakeCluster()
	src := &fakeSource{desired: []resource.DesiredState{deployment(t, "r1", 3)}}
	store := state.NewMemoryStore()
	collector := &events.CollectorEmitter{}
	e := newEngine(store, WithEmitter(collector))
	target := newTarget(src, c)
	target.Environment = "production"

	report, err := e.Run(context.Background(), target, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(c.appliedIDs()) != 0 {
		t.Fatalf("manual group was applied without approval")
	}
	res, _ := report.Result(deployID)
	if res.Outcome != state.OutcomeSkipped || res.Reason != reasonAwaitingApproval {
		t.Errorf("result = %+v", res)
	}
	if diff := cmp.Diff([]resource.Identity{deployID}, report.Pending()); diff != "" {
		t.Errorf("pending (-want +got):\n%s", diff)
	}
	if n := len(collector.OfType(events.ApprovalRequired)); n != 1 {
		t.Errorf("approval.required events = %d, want 1", n)
	}

	// A repeated identical skip is not recorded twice.
	if _, err := e.Run(context.Background(), target, RunOptions{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(history(t, store, deployID)); got != 1 {
		t.Errorf("history = %d records after two gated passes, want 1", got)
	}

	report, err = e.Run(context.Background(), target, RunOptions{Approved: []resource.Identity{deployID}})
	if err != nil {
		t.Fatalf("approved Run: %v", err)
	}
	if res, _ := report.Result(deployID); res.Outcome != state.OutcomeSucceeded {
		t.Errorf("approved result = %+v", res)
	}
}

func TestRunExplicitAutomatedOverridesEnvironment(t *testing.T) {
	c := newFakeCluster()
	src := &fakeSource{desired: []resource.DesiredState{deployment(t, "r1", 3)}}
	target := newTarget(src, c)
	target.Environment = "production"
	target.SyncPolicy.Automated = automated(true)

	report, err := newEngine(state.NewMemoryStore()).Run(context.Background(), target, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res, _ := report.Result(deployID); res.Outcome != state.OutcomeSucceeded {
		t.Errorf("result = %+v", res)
	}
}

func TestRunAbortsOnCycle(t *testing.T) {
	c := newFakeCluster()
	a := configMap(t, "r1", "a", "ConfigMap/b")
	b := configMap(t, "r1", "b", "ConfigMap/a")
	store := state.NewMemoryStore()

	report, err := newEngine(store).Run(context.Background(), newTarget(&fakeSource{desired: []resource.DesiredState{a, b}}, c), RunOptions{})
	var cycle *order.CyclicDependencyError
	if !errors.As(err, &cycle) {
		t.Fatalf("err = %v, want CyclicDependencyError", err)
	}
	if report.Outcome != PassAborted || report.FailedPhase != PhaseOrdering {
		t.Errorf("report = %s in %s", report.Outcome, report.FailedPhase)
	}
	if len(c.appliedIDs()) != 0 {
		t.Errorf("cyclic resources were applied")
	}
	if got := len(history(t, store, a.Identity)); got != 0 {
		t.Errorf("history = %d records, want 0", got)
	}
	if Classify(err) != ClassStructural {
		t.Errorf("Classify = %s", Classify(err))
	}
}

func TestRunFetchErrorAbortsWithoutMutation(t *testing.T) {
	c := newFakeCluster()
	c.live[deployID] = resource.ObservedState{Identity: deployID, Spec: deployment(t, "r0", 1).Spec}
	src := &fakeSource{err: fmt.Errorf("%w: clone failed", source.ErrSourceUnavailable)}
	store := state.NewMemoryStore()

	report, err := newEngine(store).Run(context.Background(), newTarget(src, c), RunOptions{})
	if !errors.Is(err, ErrFetch) || !errors.Is(err, source.ErrSourceUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if report.Outcome != PassAborted || report.FailedPhase != PhaseFetching {
		t.Errorf("report = %s in %s", report.Outcome, report.FailedPhase)
	}
	if len(c.deleted) != 0 || len(c.appliedIDs()) != 0 {
		t.Errorf("live system was mutated")
	}
	snap, _ := store.Get(context.Background(), deployID)
	if snap.Observed != nil || snap.Latest != nil {
		t.Errorf("store was mutated: %+v", snap)
	}
	if Classify(err) != ClassTransient {
		t.Errorf("Classify = %s", Classify(err))
	}
}

func TestRunRejectsDuplicateIdentities(t *testing.T) {
	c := newFakeCluster()
	src := &fakeSource{desired: []resource.DesiredState{deployment(t, "r1", 1), deployment(t, "r1", 2)}}
	_, err := newEngine(state.NewMemoryStore()).Run(context.Background(), newTarget(src, c), RunOptions{})
	if !errors.Is(err, source.ErrInvalidManifest) {
		t.Fatalf("err = %v, want ErrInvalidManifest", err)
	}
}

func TestRunCancelledMidApply(t *testing.T) {
	c := newFakeCluster()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.onApply = func(id resource.Identity) {
		if id == nsID {
			cancel()
		}
	}
	live := deployment(t, "r0", 5)
	c.live[deployID] = resource.ObservedState{Identity: deployID, Spec: live.Spec, Health: resource.HealthHealthy}
	src := &fakeSource{desired: []resource.DesiredState{namespace(t, "r1"), deployment(t, "r1", 1)}}
	store := state.NewMemoryStore()

	report, err := newEngine(store, WithConcurrency(1)).Run(ctx, newTarget(src, c), RunOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if report.Outcome != PassAborted {
		t.Errorf("outcome = %s", report.Outcome)
	}
	if diff := cmp.Diff([]resource.Identity{nsID}, c.appliedIDs()); diff != "" {
		t.Errorf("applied (-want +got):\n%s", diff)
	}
	if got := history(t, store, nsID); len(got) != 1 || got[0].Outcome != state.OutcomeSucceeded {
		t.Errorf("started apply was not recorded: %+v", got)
	}
	if got := history(t, store, deployID); len(got) != 0 {
		t.Errorf("unattempted resource was recorded: %+v", got)
	}
	snap, err := store.Get(context.Background(), deployID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap.Observed != nil || snap.Desired != nil {
		t.Errorf("unattempted resource was persisted: %+v", snap)
	}
}

// stuckApplier never answers until its context ends.
type stuckApplier struct{ *fakeCluster }

func (s stuckApplier) Apply(ctx context.Context, _ resource.Scope, _ resource.DesiredState) (*resource.ObservedState, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunApplyTimeoutFailsResource(t *testing.T) {
	c := newFakeCluster()
	src := &fakeSource{desired: []resource.DesiredState{namespace(t, "r1"), deployment(t, "r1", 1)}}
	target := newTarget(src, c)
	target.Applier = stuckApplier{c}
	store := state.NewMemoryStore()

	report, err := newEngine(store, WithTimeouts(time.Second, 50*time.Millisecond)).Run(context.Background(), target, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Outcome != PassCompleted {
		t.Errorf("outcome = %s, want Completed", report.Outcome)
	}
	res, _ := report.Result(nsID)
	if res.Outcome != state.OutcomeFailed || !strings.Contains(res.Error, "timed out") {
		t.Errorf("namespace result = %+v, want a timeout failure", res)
	}
	if res, _ := report.Result(deployID); res.Outcome != state.OutcomeSkipped {
		t.Errorf("dependent outcome = %s, want Skipped", res.Outcome)
	}
	recs := history(t, store, nsID)
	if len(recs) != 1 || recs[0].Outcome != state.OutcomeFailed {
		t.Errorf("history = %+v, want one Failed record", recs)
	}
}

// sharedSource hands out its own slice.
type sharedSource struct{ desired []resource.DesiredState }

func (s *sharedSource) ListDesiredStates(context.Context, resource.Scope) ([]resource.DesiredState, error) {
	return s.desired, nil
}

func TestRunLeavesSourceStatesUntouched(t *testing.T) {
	c := newFakeCluster()
	src := &sharedSource{desired: []resource.DesiredState{namespace(t, "r1")}}

	report, err := newEngine(state.NewMemoryStore()).Run(context.Background(), newTarget(src, c), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res, _ := report.Result(nsID); res.Group != "dev" {
		t.Errorf("group = %q, want the environment", res.Group)
	}
	if g := src.desired[0].Group; g != "" {
		t.Errorf("source state group = %q, want it left empty", g)
	}
}

type flakyStore struct {
	state.Store
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyStore) AppendSyncRecord(ctx context.Context, rec state.SyncRecord) (state.SyncRecord, error) {
	s.mu.Lock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return state.SyncRecord{}, state.ErrStoreUnavailable
	}
	s.mu.Unlock()
	return s.Store.AppendSyncRecord(ctx, rec)
}

func TestRunRetriesUnavailableStore(t *testing.T) {
	c := newFakeCluster()
	src := &fakeSource{desired: []resource.DesiredState{namespace(t, "r1")}}
	mem := state.NewMemoryStore()
	store := &flakyStore{Store: mem, failures: 2}

	report, err := newEngine(store).Run(context.Background(), newTarget(src, c), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Outcome != PassCompleted {
		t.Errorf("outcome = %s", report.Outcome)
	}
	if store.calls != 3 {
		t.Errorf("append calls = %d, want 3", store.calls)
	}
	if got := history(t, mem, nsID); len(got) != 1 {
		t.Errorf("history = %+v", got)
	}
}

func TestRunStoreDownAbortsInRecording(t *testing.T) {
	c := newFakeCluster()
	src := &fakeSource{desired: []resource.DesiredState{namespace(t, "r1")}}
	store := &flakyStore{Store: state.NewMemoryStore(), failures: 100}

	report, err := newEngine(store).Run(context.Background(), newTarget(src, c), RunOptions{})
	if !errors.Is(err, state.ErrStoreUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if report.FailedPhase != PhaseRecording {
		t.Errorf("failed phase = %s", report.FailedPhase)
	}
}

func TestRunPrune(t *testing.T) {
	orphan := ident("ConfigMap", "app", "orphan")
	tests := []struct {
		name        string
		prune       bool
		wantOutcome state.Outcome
		wantDeleted int
	}{
		{"prune enabled", true, state.OutcomeSucceeded, 1},
		{"prune disabled", false, state.OutcomeSkipped, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newFakeCluster()
			c.live[orphan] = resource.ObservedState{Identity: orphan, Spec: configMap(t, "r0", "orphan", "").Spec}
			src := &fakeSource{desired: []resource.DesiredState{namespace(t, "r1")}}
			target := newTarget(src, c)
			target.SyncPolicy.Prune = tt.prune
			store := state.NewMemoryStore()

			report, err := newEngine(store).Run(context.Background(), target, RunOptions{})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			res, ok := report.Result(orphan)
			if !ok || res.Action != diff.KindDelete || res.Outcome != tt.wantOutcome {
				t.Errorf("result = %+v", res)
			}
			if len(c.deleted) != tt.wantDeleted {
				t.Errorf("deleted = %v", c.deleted)
			}
			snap, _ := store.Get(context.Background(), orphan)
			if tt.prune && snap.Observed != nil {
				t.Errorf("deleted resource still has an observed snapshot")
			}
		})
	}
}

func TestRunDeletesAfterApplies(t *testing.T) {
	c := newFakeCluster()
	orphan := ident("ConfigMap", "app", "orphan")
	c.live[orphan] = resource.ObservedState{Identity: orphan}
	var calls []string
	c.onApply = func(id resource.Identity) { calls = append(calls, "apply "+id.String()) }
	src := &fakeSource{desired: []resource.DesiredState{namespace(t, "r1")}}

	report, err := newEngine(state.NewMemoryStore()).Run(context.Background(), newTarget(src, c), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []resource.Identity{nsID, orphan}
	if diff := cmp.Diff(want, report.Order); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
	if len(calls) != 1 || len(c.deleted) != 1 {
		t.Errorf("applies = %v deletes = %v", calls, c.deleted)
	}
}

func TestRunDeletesDependentsBeforeDependencies(t *testing.T) {
	c := newFakeCluster()
	seed := ident("ConfigMap", "app", "seed")
	src := &fakeSource{desired: []resource.DesiredState{
		namespace(t, "r1"),
		deployment(t, "r1", 1),
		configMap(t, "r1", "seed", "Deployment/web"),
	}}
	e := newEngine(state.NewMemoryStore())
	if _, err := e.Run(context.Background(), newTarget(src, c), RunOptions{}); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	src.desired = []resource.DesiredState{namespace(t, "r2")}
	report, err := e.Run(context.Background(), newTarget(src, c), RunOptions{})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	// Kind rank alone would remove the Deployment first.
	want := []resource.Identity{seed, deployID}
	if diff := cmp.Diff(want, c.deleted); diff != "" {
		t.Errorf("deletes (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(append([]resource.Identity{nsID}, want...), report.Order); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
}

func TestRunSelfHeal(t *testing.T) {
	for _, selfHeal := range []bool{false, true} {
		t.Run(fmt.Sprintf("selfHeal=%v", selfHeal), func(t *testing.T) {
			c := newFakeCluster()
			src := &fakeSource{desired: []resource.DesiredState{deployment(t, "r1", 2)}}
			target := newTarget(src, c)
			target.SyncPolicy.SelfHeal = selfHeal
			store := state.NewMemoryStore()
			e := newEngine(store)

			if _, err := e.Run(context.Background(), target, RunOptions{}); err != nil {
				t.Fatalf("Run: %v", err)
			}
			c.drift(deployID, "spec.replicas", int64(5))

			report, err := e.Run(context.Background(), target, RunOptions{})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			res, _ := report.Result(deployID)
			if res.Action != diff.KindUpdate {
				t.Fatalf("action = %s, want Update", res.Action)
			}
			wantApplies := 1
			want := state.OutcomeSkipped
			if selfHeal {
				wantApplies = 2
				want = state.OutcomeSucceeded
			}
			if res.Outcome != want {
				t.Errorf("outcome = %s, want %s", res.Outcome, want)
			}
			if got := len(c.appliedIDs()); got != wantApplies {
				t.Errorf("applies = %d, want %d", got, wantApplies)
			}

			// A new revision is applied regardless of self-heal.
			src.desired = []resource.DesiredState{deployment(t, "r2", 3)}
			report, err = e.Run(context.Background(), target, RunOptions{})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res, _ := report.Result(deployID); res.Outcome != state.OutcomeSucceeded {
				t.Errorf("new revision outcome = %s", res.Outcome)
			}
		})
	}
}

func TestPlanDoesNotMutate(t *testing.T) {
	c := newFakeCluster()
	src := &fakeSource{desired: []resource.DesiredState{namespace(t, "r1"), deployment(t, "r1", 1)}}
	store := state.NewMemoryStore()

	report, err := newEngine(store).Plan(context.Background(), newTarget(src, c))
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !report.DryRun || report.Count(OutcomeOutOfSync) != 2 {
		t.Errorf("report = %+v", report.Results)
	}
	if len(c.appliedIDs()) != 0 {
		t.Errorf("plan applied resources")
	}
	if got := history(t, store, nsID); len(got) != 0 {
		t.Errorf("plan recorded history: %+v", got)
	}
	res, _ := report.Result(deployID)
	if len(res.Changes) == 0 || res.Changes[0].Type != diff.ChangeAdd {
		t.Errorf("changes = %+v", res.Changes)
	}
	if s := diff.Summarize(report.Deltas()); s.Create != 2 {
		t.Errorf("summary of report deltas = %+v, want 2 creates", s)
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	c := newFakeCluster()
	var ds []resource.DesiredState
	for i := 0; i < 12; i++ {
		ds = append(ds, configMap(t, "r1", fmt.Sprintf("cm-%02d", i), ""))
	}
	c.onApply = func(resource.Identity) { time.Sleep(5 * time.Millisecond) }

	_, err := newEngine(state.NewMemoryStore(), WithConcurrency(3)).Run(context.Background(), newTarget(&fakeSource{desired: ds}, c), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c.maxSeen > 3 {
		t.Errorf("max concurrent applies = %d, want <= 3", c.maxSeen)
	}
	if got := len(c.appliedIDs()); got != 12 {
		t.Errorf("applied = %d, want 12", got)
	}
}

func TestRunEmitsLifecycleEvents(t *testing.T) {
	c := newFakeCluster()
	collector := &events.CollectorEmitter{}
	src := &fakeSource{desired: []resource.DesiredState{namespace(t, "r1")}}

	if _, err := newEngine(state.NewMemoryStore(), WithEmitter(collector)).Run(context.Background(), newTarget(src, c), RunOptions{PassID: "pass-1"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var phases []string
	for _, ev := range collector.OfType(events.PhaseEntered) {
		phases = append(phases, ev.Data["phase"].(string))
	}
	want := []string{"Fetching", "Diffing", "Ordering", "PolicyGate", "Applying", "Recording"}
	if diff := cmp.Diff(want, phases); diff != "" {
		t.Errorf("phases (-want +got):\n%s", diff)
	}
	evs := collector.Events()
	if evs[0].Type != events.PassStarted || evs[len(evs)-1].Type != events.PassCompleted {
		t.Errorf("first/last events = %s/%s", evs[0].Type, evs[len(evs)-1].Type)
	}
	for _, ev := range evs {
		if ev.CorrelationID != "pass-1" {
			t.Errorf("event %s has correlation id %q", ev.Type, ev.CorrelationID)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Class
	}{
		{fmt.Errorf("%w: bad yaml", source.ErrInvalidManifest), ClassInvalid},
		{&FetchError{Op: "source", Err: source.ErrSourceUnavailable}, ClassTransient},
		{cluster.ErrClusterUnreachable, ClassTransient},
		{cluster.ErrApplyTimeout, ClassTransient},
		{&cluster.RejectedError{Reason: "denied"}, ClassResource},
		{cluster.ErrAuth, ClassInfrastructure},
		{state.ErrStoreUnavailable, ClassInfrastructure},
		{&order.CyclicDependencyError{}, ClassStructural},
		{context.Canceled, ClassCancelled},
		{errors.New("boom"), ClassUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
