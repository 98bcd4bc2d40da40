// Package engine runs reconciliation passes: it fetches desired and
// observed state, diffs and orders the changes, gates them through policy,
// applies them with bounded concurrency and records the results.
package engine

import (
	"context"
	"log/slog"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/szaher/gitsync/internal/events"
	"github.com/szaher/gitsync/internal/policy"
	"github.com/szaher/gitsync/internal/resource"
	"github.com/szaher/gitsync/internal/secrets"
	"github.com/szaher/gitsync/internal/state"
	"github.com/szaher/gitsync/internal/telemetry"
)

// Source lists the desired state of a scope.
type Source interface {
	ListDesiredStates(ctx context.Context, scope resource.Scope) ([]resource.DesiredState, error)
}

// Cluster lists the observed state of a scope.
type Cluster interface {
	ListObservedStates(ctx context.Context, scope resource.Scope) ([]resource.ObservedState, error)
}

// Applier changes the live system. Apply returns the observed state right
// after the write, or nil when the applier cannot tell.
type Applier interface {
	Apply(ctx context.Context, scope resource.Scope, desired resource.DesiredState) (*resource.ObservedState, error)
	Delete(ctx context.Context, scope resource.Scope, id resource.Identity) error
}

// Notifier receives every recorded SyncRecord. Failures are logged and
// never abort a pass.
type Notifier interface {
	Notify(ctx context.Context, rec state.SyncRecord) error
}

// SyncPolicy is a target's reconciliation settings.
type SyncPolicy struct {
	// Automated overrides the environment's default policy decision.
	Automated *bool
	// Prune deletes live resources that were removed from the source and
	// strips fields that were removed from a manifest.
	Prune bool
	// SelfHeal re-applies live drift at a revision that already succeeded.
	SelfHeal bool
}

// Target is one reconciliation target: a source, a destination scope and
// the collaborators that reach them.
type Target struct {
	Name        string
	Environment string
	Scope       resource.Scope
	Labels      map[string]string
	SyncPolicy  SyncPolicy

	Source  Source
	Cluster Cluster
	Applier Applier
}

// DefaultGroup is the policy group of resources that carry no group label.
func (t Target) DefaultGroup() string {
	if t.Environment != "" {
		return t.Environment
	}
	return t.Name
}

// Engine runs passes. One Engine may serve many targets concurrently; the
// caller must not run two passes for the same target at once.
type Engine struct {
	store    state.Store
	policy   policy.Evaluator
	notifier Notifier

	concurrency   int
	fetchTimeout  time.Duration
	applyTimeout  time.Duration
	recordBackoff wait.Backoff

	logger   *slog.Logger
	emitter  events.Emitter
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	redactor *secrets.RedactFilter
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the policy evaluator.
func WithPolicy(p policy.Evaluator) Option {
	return func(e *Engine) { e.policy = p }
}

// WithNotifier sets the notifier.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithConcurrency bounds the number of concurrent apply calls.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithTimeouts sets the per-call fetch and apply timeouts.
func WithTimeouts(fetch, apply time.Duration) Option {
	return func(e *Engine) {
		if fetch > 0 {
			e.fetchTimeout = fetch
		}
		if apply > 0 {
			e.applyTimeout = apply
		}
	}
}

// WithRecordBackoff sets the backoff used while the state store is
// unavailable. Stores already wrapped with state.Retrying keep their own.
func WithRecordBackoff(b wait.Backoff) Option {
	return func(e *Engine) { e.recordBackoff = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithEmitter sets the event emitter.
func WithEmitter(em events.Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithRedactor registers Secret manifest values with r on every pass.
func WithRedactor(r *secrets.RedactFilter) Option {
	return func(e *Engine) { e.redactor = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine backed by store.
func New(store state.Store, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		concurrency:  4,
		fetchTimeout: 30 * time.Second,
		applyTimeout: 60 * time.Second,
		recordBackoff: wait.Backoff{
			Duration: 200 * time.Millisecond,
			Factor:   2,
			Jitter:   0.1,
			Steps:    8,
			Cap:      10 * time.Second,
		},
		logger:  slog.Default(),
		emitter: events.NoopEmitter{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.policy == nil {
		e.policy, _ = policy.NewEvaluator(policy.Config{})
	}
	if e.tracer == nil {
		e.tracer = telemetry.NewTracer(nil)
	}
	if _, ok := e.store.(*state.RetryingStore); !ok {
		e.store = state.Retrying(e.store, e.recordBackoff, e.logger)
	}
	return e
}

// Store returns the engine's state store.
func (e *Engine) Store() state.Store { return e.store }
