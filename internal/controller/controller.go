// Package controller schedules reconciliation passes for every configured
// target, serializes passes per target and tracks approvals and status.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"

	"github.com/szaher/gitsync/internal/engine"
	"github.com/szaher/gitsync/internal/resource"
)

// ErrUnknownTarget is returned for a target name that is not configured.
var ErrUnknownTarget = errors.New("unknown target")

// Target is an engine target plus how it is triggered.
type Target struct {
	engine.Target
	// Schedule is a cron expression or descriptor such as "@every 3m".
	// Empty disables scheduled passes.
	Schedule string
	// WatchPath is a directory whose changes trigger a pass.
	WatchPath string
}

// SyncOptions tune an on-demand pass.
type SyncOptions struct {
	DryRun         bool
	Approved       []resource.Identity
	ApprovedGroups []string
	ApproveAll     bool
}

// Status is a snapshot of a target's controller state.
type Status struct {
	Name        string              `json:"name"`
	Environment string              `json:"environment,omitempty"`
	Scope       resource.Scope      `json:"scope"`
	Schedule    string              `json:"schedule,omitempty"`
	NextRun     time.Time           `json:"next_run,omitempty"`
	Running     bool                `json:"running"`
	LastReport  *engine.Report      `json:"last_report,omitempty"`
	LastError   string              `json:"last_error,omitempty"`
	ErrorClass  engine.Class        `json:"error_class,omitempty"`
	Pending     []resource.Identity `json:"pending,omitempty"`
	Approved    []resource.Identity `json:"approved,omitempty"`
}

// Controller drives passes for a fixed set of targets.
type Controller struct {
	engine *engine.Engine
	logger *slog.Logger

	names   []string
	targets map[string]*target

	cron     *cron.Cron
	flights  singleflight.Group
	backoff  wait.Backoff
	debounce time.Duration
}

type target struct {
	Target

	// pass serializes passes for the target.
	pass sync.Mutex

	mu        sync.Mutex
	running   bool
	dirty     bool
	last      *engine.Report
	lastErr   error
	approvals approvals
	entry     cron.EntryID
}

// approvals are held until a non-dry-run pass consumes them.
type approvals struct {
	ids    map[resource.Identity]bool
	groups map[string]bool
	all    bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithRetry sets the backoff used to retry passes that abort with a
// transient error.
func WithRetry(b wait.Backoff) Option {
	return func(c *Controller) { c.backoff = b }
}

// WithDebounce sets how long file events are collected before a watched
// target is synced.
func WithDebounce(d time.Duration) Option {
	return func(c *Controller) { c.debounce = d }
}

// New creates a controller for targets. Target names must be unique.
func New(eng *engine.Engine, targets []Target, opts ...Option) (*Controller, error) {
	c := &Controller{
		engine:  eng,
		logger:  slog.Default(),
		targets: make(map[string]*target, len(targets)),
		backoff: wait.Backoff{
			Duration: 2 * time.Second,
			Factor:   2,
			Jitter:   0.2,
			Steps:    4,
			Cap:      30 * time.Second,
		},
		debounce: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cron = cron.New(cron.WithChain(cron.Recover(cronLogger{c.logger})))

	for _, t := range targets {
		if _, dup := c.targets[t.Name]; dup {
			return nil, fmt.Errorf("target %q declared more than once", t.Name)
		}
		c.targets[t.Name] = &target{Target: t}
		c.names = append(c.names, t.Name)
	}
	sort.Strings(c.names)
	return c, nil
}

// Engine returns the engine passes run on.
func (c *Controller) Engine() *engine.Engine { return c.engine }

// Targets returns the target names, sorted.
func (c *Controller) Targets() []string {
	return append([]string(nil), c.names...)
}

// Target returns the named target.
func (c *Controller) Target(name string) (Target, bool) {
	t, ok := c.targets[name]
	if !ok {
		return Target{}, false
	}
	return t.Target, true
}

// Run schedules every target, watches directory sources and blocks until
// ctx is done. Each target is synced once at startup.
func (c *Controller) Run(ctx context.Context) error {
	for _, name := range c.names {
		t := c.targets[name]
		if t.Schedule == "" {
			continue
		}
		id, err := c.cron.AddFunc(t.Schedule, func() { c.Trigger(ctx, name) })
		if err != nil {
			return fmt.Errorf("target %q: schedule %q: %w", name, t.Schedule, err)
		}
		t.mu.Lock()
		t.entry = id
		t.mu.Unlock()
	}

	var wg sync.WaitGroup
	for _, name := range c.names {
		if c.targets[name].WatchPath == "" {
			continue
		}
		w, err := newWatcher(c.targets[name].WatchPath, c.debounce, c.logger.With("target", name))
		if err != nil {
			return fmt.Errorf("target %q: %w", name, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run(ctx, func() { c.Trigger(ctx, name) })
		}()
	}

	c.cron.Start()
	c.logger.Info("controller started", "targets", len(c.names))
	for _, name := range c.names {
		go c.Trigger(ctx, name)
	}

	<-ctx.Done()
	stopped := c.cron.Stop()
	<-stopped.Done()
	wg.Wait()
	c.logger.Info("controller stopped")
	return nil
}

// Trigger runs a scheduled pass for name. Triggers that arrive while a
// pass is in flight share it and cause one follow-up pass, so a change
// seen mid-pass is never lost. Transient aborts are retried with backoff.
func (c *Controller) Trigger(ctx context.Context, name string) {
	t, ok := c.targets[name]
	if !ok {
		c.logger.Warn("trigger for unknown target", "target", name)
		return
	}
	t.mu.Lock()
	t.dirty = true
	t.mu.Unlock()

	for ctx.Err() == nil {
		_, _, _ = c.flights.Do(name, func() (interface{}, error) {
			for ctx.Err() == nil && t.takeDirty() {
				c.runScheduled(ctx, name)
			}
			return nil, nil
		})
		// A trigger that joined the flight after its last dirty check
		// would otherwise be dropped.
		if !t.isDirty() {
			return
		}
	}
}

func (c *Controller) runScheduled(ctx context.Context, name string) {
	err := retry.OnError(c.backoff, func(err error) bool {
		return ctx.Err() == nil && engine.Classify(err) == engine.ClassTransient
	}, func() error {
		_, err := c.Sync(ctx, name, SyncOptions{})
		return err
	})
	if err != nil && ctx.Err() == nil {
		c.logger.Warn("scheduled pass aborted",
			"target", name, "class", string(engine.Classify(err)), "error", err)
	}
}

// Sync runs a pass for name now and waits for it. Approvals registered
// with Approve are added to opts and consumed unless opts.DryRun is set.
func (c *Controller) Sync(ctx context.Context, name string, opts SyncOptions) (*engine.Report, error) {
	t, ok := c.targets[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownTarget, name)
	}

	t.pass.Lock()
	defer t.pass.Unlock()

	t.mu.Lock()
	t.running = true
	run := engine.RunOptions{
		DryRun:         opts.DryRun,
		Approved:       append(t.approvals.list(), t.scoped(opts.Approved)...),
		ApprovedGroups: append(t.approvals.groupList(), opts.ApprovedGroups...),
		ApproveAll:     opts.ApproveAll || t.approvals.all,
	}
	used := t.approvals.clone()
	t.mu.Unlock()

	report, err := c.engine.Run(ctx, t.Target.Target, run)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	if opts.DryRun {
		return report, err
	}
	t.last, t.lastErr = report, err
	if err == nil {
		t.approvals.consume(used)
	}
	return report, err
}

// Plan runs a dry-run pass for name.
func (c *Controller) Plan(ctx context.Context, name string) (*engine.Report, error) {
	return c.Sync(ctx, name, SyncOptions{DryRun: true})
}

// Approve records approvals for the next pass of name. With no ids and
// no groups every pending change is approved.
func (c *Controller) Approve(name string, ids []resource.Identity, groups []string) error {
	t, ok := c.targets[name]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownTarget, name)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(ids) == 0 && len(groups) == 0 {
		t.approvals.all = true
		return nil
	}
	for _, id := range t.scoped(ids) {
		if t.approvals.ids == nil {
			t.approvals.ids = make(map[resource.Identity]bool)
		}
		t.approvals.ids[id] = true
	}
	for _, g := range groups {
		if t.approvals.groups == nil {
			t.approvals.groups = make(map[string]bool)
		}
		t.approvals.groups[g] = true
	}
	return nil
}

// scoped fills in the target namespace for namespaced ids that omit one.
func (t *target) scoped(ids []resource.Identity) []resource.Identity {
	out := make([]resource.Identity, len(ids))
	for i, id := range ids {
		if id.Namespace == "" && !resource.IsClusterScoped(id.Kind) {
			id.Namespace = t.Scope.Namespace
		}
		out[i] = id
	}
	return out
}

// takeDirty clears the dirty flag and reports whether it was set.
func (t *target) takeDirty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.dirty
	t.dirty = false
	return d
}

func (t *target) isDirty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dirty
}

// Status returns the status of name.
func (c *Controller) Status(name string) (Status, bool) {
	t, ok := c.targets[name]
	if !ok {
		return Status{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	st := Status{
		Name:        t.Name,
		Environment: t.Environment,
		Scope:       t.Scope,
		Schedule:    t.Schedule,
		Running:     t.running,
		LastReport:  t.last,
		Approved:    t.approvals.list(),
	}
	if t.entry != 0 {
		st.NextRun = c.cron.Entry(t.entry).Next
	}
	if t.lastErr != nil {
		st.LastError = t.lastErr.Error()
		if t.last != nil && t.last.Error != "" {
			st.LastError = t.last.Error
		}
		st.ErrorClass = engine.Classify(t.lastErr)
	}
	if t.last != nil {
		st.Pending = t.last.Pending()
	}
	return st, true
}

// Statuses returns the status of every target, sorted by name.
func (c *Controller) Statuses() []Status {
	out := make([]Status, 0, len(c.names))
	for _, name := range c.names {
		st, _ := c.Status(name)
		out = append(out, st)
	}
	return out
}

func (a approvals) clone() approvals {
	out := approvals{all: a.all}
	for id := range a.ids {
		if out.ids == nil {
			out.ids = make(map[resource.Identity]bool)
		}
		out.ids[id] = true
	}
	for g := range a.groups {
		if out.groups == nil {
			out.groups = make(map[string]bool)
		}
		out.groups[g] = true
	}
	return out
}

// consume drops the approvals a finished pass used. Approvals added while
// the pass ran are kept.
func (a *approvals) consume(used approvals) {
	for id := range used.ids {
		delete(a.ids, id)
	}
	for g := range used.groups {
		delete(a.groups, g)
	}
	if used.all {
		a.all = false
	}
}

func (a approvals) list() []resource.Identity {
	out := make([]resource.Identity, 0, len(a.ids))
	for id := range a.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (a approvals) groupList() []string {
	out := make([]string, 0, len(a.groups))
	for g := range a.groups {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
