package diff

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/szaher/gitsync/internal/resource"
)

var webID = resource.Identity{Kind: "Deployment", Namespace: "demo", Name: "web"}

func desired(fields ...resource.Field) *resource.DesiredState {
	return &resource.DesiredState{Identity: webID, Spec: resource.NewSpec(fields...), SourceRevision: "r1"}
}

func observed(fields ...resource.Field) *resource.ObservedState {
	return &resource.ObservedState{Identity: webID, Spec: resource.NewSpec(fields...), Health: resource.HealthHealthy}
}

func f(path string, v interface{}) resource.Field {
	return resource.Field{Path: path, Value: v}
}

func TestDiff_Kinds(t *testing.T) {
	tests := []struct {
		name     string
		desired  *resource.DesiredState
		observed *resource.ObservedState
		want     Kind
	}{
		{"create", desired(f("spec.replicas", 3)), nil, KindCreate},
		{"delete", nil, observed(f("spec.replicas", 3)), KindDelete},
		{"noop", desired(f("spec.replicas", 3), f("a", "x")), observed(f("a", "x"), f("spec.replicas", int64(3))), KindNoOp},
		{"update", desired(f("spec.replicas", 3)), observed(f("spec.replicas", 2)), KindUpdate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Diff(tt.desired, tt.observed)
			if got.Kind != tt.want {
				t.Errorf("Kind = %s, want %s", got.Kind, tt.want)
			}
			if got.Identity != webID {
				t.Errorf("Identity = %v, want %v", got.Identity, webID)
			}
		})
	}
}

func TestDiff_ChangeOrderFollowsDesired(t *testing.T) {
	d := desired(f("z", 1), f("a", "new"), f("m", true))
	o := observed(f("a", "old"), f("extra", "gone"), f("m", true))

	got := Diff(d, o).Changes
	want := []Change{
		{Path: "z", Type: ChangeAdd, NewValue: 1},
		{Path: "a", Type: ChangeModify, OldValue: "old", NewValue: "new"},
		{Path: "extra", Type: ChangeRemove, OldValue: "gone"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Changes mismatch (-want +got):\n%s", diff)
	}
}

func TestDiff_PruneDisabled(t *testing.T) {
	d := desired(f("a", 1))
	o := observed(f("a", 1), f("server.default", "x"))

	if got := New().Diff(d, o).Kind; got != KindUpdate {
		t.Errorf("with pruning Kind = %s, want Update", got)
	}
	if got := New(WithPrune(false)).Diff(d, o).Kind; got != KindNoOp {
		t.Errorf("without pruning Kind = %s, want NoOp", got)
	}
}

func TestDiffAll_PairsByIdentity(t *testing.T) {
	ns := resource.Identity{Kind: "Namespace", Name: "demo"}
	old := resource.Identity{Kind: "ConfigMap", Namespace: "demo", Name: "old"}
	ds := []resource.DesiredState{
		{Identity: webID, Spec: resource.NewSpec(f("spec.replicas", 3))},
		{Identity: ns},
	}
	os := []resource.ObservedState{
		{Identity: webID, Spec: resource.NewSpec(f("spec.replicas", 3))},
		{Identity: old, Spec: resource.NewSpec(f("data.k", "v"))},
	}
	deltas := New().DiffAll(ds, os)
	got := map[resource.Identity]Kind{}
	for _, d := range deltas {
		got[d.Identity] = d.Kind
	}
	want := map[resource.Identity]Kind{webID: KindNoOp, ns: KindCreate, old: KindDelete}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("kinds mismatch (-want +got):\n%s", diff)
	}
	if deltas[0].Identity != old {
		t.Errorf("deltas not sorted by identity: first = %v", deltas[0].Identity)
	}
	s := Summarize(deltas)
	if s != (Summary{Create: 1, Delete: 1, NoOp: 1}) {
		t.Errorf("Summarize() = %+v", s)
	}
}

func TestFormatText(t *testing.T) {
	secretID := resource.Identity{Kind: "Secret", Namespace: "demo", Name: "db"}
	deltas := []Delta{
		{Identity: secretID, Kind: KindUpdate, Changes: []Change{
			{Path: "data.password", Type: ChangeModify, OldValue: "b2xk", NewValue: "bmV3"},
		}},
		{Identity: webID, Kind: KindCreate},
	}
	out := FormatText(deltas)
	for _, want := range []string{"Plan: 1 to create, 1 to update, 0 to delete", "~ Secret/demo/db", "+ Deployment/demo/web", "***REDACTED***"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "bmV3") {
		t.Errorf("secret value leaked:\n%s", out)
	}

	if got := FormatText([]Delta{{Identity: webID, Kind: KindNoOp}}); !strings.HasPrefix(got, "No changes.") {
		t.Errorf("FormatText(noop) = %q", got)
	}
}

func TestFormatJSON(t *testing.T) {
	out, err := FormatJSON([]Delta{{Identity: webID, Kind: KindDelete}})
	if err != nil {
		t.Fatalf("FormatJSON: %v", err)
	}
	var parsed struct {
		HasChanges bool `json:"has_changes"`
		Summary    Summary
		Deltas     []struct {
			Kind string `json:"kind"`
		} `json:"deltas"`
	}
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if !parsed.HasChanges || parsed.Summary.Delete != 1 || parsed.Deltas[0].Kind != "Delete" {
		t.Errorf("parsed = %+v", parsed)
	}
}
