// Package diff computes structured deltas between desired and observed
// resource state.
package diff

import (
	"sort"

	"github.com/szaher/gitsync/internal/resource"
)

// Kind classifies a delta.
type Kind string

const (
	KindCreate Kind = "Create"
	KindUpdate Kind = "Update"
	KindDelete Kind = "Delete"
	KindNoOp   Kind = "NoOp"
)

// ChangeType classifies one field change.
type ChangeType string

const (
	ChangeAdd    ChangeType = "add"
	ChangeRemove ChangeType = "remove"
	ChangeModify ChangeType = "modify"
)

// Change is a single field difference. A removal has a nil NewValue.
type Change struct {
	Path     string      `json:"path"`
	Type     ChangeType  `json:"type"`
	OldValue interface{} `json:"old_value,omitempty"`
	NewValue interface{} `json:"new_value,omitempty"`
}

// Delta is the difference for one resource in one pass.
type Delta struct {
	Identity resource.Identity       `json:"identity"`
	Kind     Kind                    `json:"kind"`
	Changes  []Change                `json:"changes,omitempty"`
	Desired  *resource.DesiredState  `json:"-"`
	Observed *resource.ObservedState `json:"-"`
}

// HasChanges reports whether the delta needs an apply or delete.
func (d Delta) HasChanges() bool {
	return d.Kind != KindNoOp
}

// Differ compares desired and observed specs.
type Differ struct {
	// Prune makes fields present only in the observed spec count as
	// removals. When false they are left alone.
	Prune bool
}

// Option configures a Differ.
type Option func(*Differ)

// WithPrune sets whether observed-only fields are pruned.
func WithPrune(prune bool) Option {
	return func(d *Differ) { d.Prune = prune }
}

// New returns a Differ. Pruning is on by default.
func New(opts ...Option) *Differ {
	d := &Differ{Prune: true}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Diff compares one resource with the default Differ.
func Diff(desired *resource.DesiredState, observed *resource.ObservedState) Delta {
	return New().Diff(desired, observed)
}

// Diff compares one resource. At least one of desired and observed must be
// non-nil. Changes follow desired's path order, then removals in observed's
// path order.
func (df *Differ) Diff(desired *resource.DesiredState, observed *resource.ObservedState) Delta {
	switch {
	case desired == nil && observed == nil:
		return Delta{Kind: KindNoOp}
	case observed == nil:
		changes := make([]Change, 0, desired.Spec.Len())
		for _, f := range desired.Spec.Fields() {
			changes = append(changes, Change{Path: f.Path, Type: ChangeAdd, NewValue: f.Value})
		}
		return Delta{Identity: desired.Identity, Kind: KindCreate, Changes: changes, Desired: desired}
	case desired == nil:
		return Delta{Identity: observed.Identity, Kind: KindDelete, Observed: observed}
	}

	var changes []Change
	for _, f := range desired.Spec.Fields() {
		old, ok := observed.Spec.Get(f.Path)
		switch {
		case !ok:
			changes = append(changes, Change{Path: f.Path, Type: ChangeAdd, NewValue: f.Value})
		case !resource.ValuesEqual(old, f.Value):
			changes = append(changes, Change{Path: f.Path, Type: ChangeModify, OldValue: old, NewValue: f.Value})
		}
	}
	if df.Prune {
		for _, f := range observed.Spec.Fields() {
			if !desired.Spec.Has(f.Path) {
				changes = append(changes, Change{Path: f.Path, Type: ChangeRemove, OldValue: f.Value})
			}
		}
	}

	delta := Delta{Identity: desired.Identity, Kind: KindNoOp, Desired: desired, Observed: observed}
	if len(changes) > 0 {
		delta.Kind = KindUpdate
		delta.Changes = changes
	}
	return delta
}

// DiffAll pairs desired and observed states by identity and diffs each
// pair. Observed states with no desired counterpart become deletes. The
// result is sorted by identity.
func (df *Differ) DiffAll(desired []resource.DesiredState, observed []resource.ObservedState) []Delta {
	observedByID := make(map[resource.Identity]*resource.ObservedState, len(observed))
	for i := range observed {
		observedByID[observed[i].Identity] = &observed[i]
	}
	desiredIDs := make(map[resource.Identity]bool, len(desired))

	deltas := make([]Delta, 0, len(desired)+len(observed))
	for i := range desired {
		d := &desired[i]
		desiredIDs[d.Identity] = true
		deltas = append(deltas, df.Diff(d, observedByID[d.Identity]))
	}
	for i := range observed {
		if !desiredIDs[observed[i].Identity] {
			deltas = append(deltas, df.Diff(nil, &observed[i]))
		}
	}
	sort.SliceStable(deltas, func(i, j int) bool {
		return deltas[i].Identity.Less(deltas[j].Identity)
	})
	return deltas
}

// Summary counts deltas by kind.
type Summary struct {
	Create int `json:"create"`
	Update int `json:"update"`
	Delete int `json:"delete"`
	NoOp   int `json:"noop"`
}

// Summarize counts deltas by kind.
func Summarize(deltas []Delta) Summary {
	var s Summary
	for _, d := range deltas {
		switch d.Kind {
		case KindCreate:
			s.Create++
		case KindUpdate:
			s.Update++
		case KindDelete:
			s.Delete++
		case KindNoOp:
			s.NoOp++
		}
	}
	return s
}

// HasChanges reports whether the summary contains any drift.
func (s Summary) HasChanges() bool {
	return s.Create+s.Update+s.Delete > 0
}
