package cluster

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/szaher/gitsync/internal/resource"
)

func TestThreeWayMerge(t *testing.T) {
	live := map[string]interface{}{
		"data": map[string]interface{}{"a": "1", "b": "2", "other": "kept"},
		"spec": map[string]interface{}{"ports": []interface{}{"80", "443"}},
	}
	last := map[string]interface{}{
		"data": map[string]interface{}{"a": "1", "b": "2"},
		"spec": map[string]interface{}{"ports": []interface{}{"80", "443"}},
	}
	desired := map[string]interface{}{
		"data": map[string]interface{}{"a": "5"},
		"spec": map[string]interface{}{"ports": []interface{}{"8080"}},
	}
	threeWayMerge(live, desired, last)
	want := map[string]interface{}{
		"data": map[string]interface{}{"a": "5", "other": "kept"},
		"spec": map[string]interface{}{"ports": []interface{}{"8080"}},
	}
	if diff := cmp.Diff(want, live); diff != "" {
		t.Errorf("merged (-want +got):\n%s", diff)
	}
	desired["data"].(map[string]interface{})["a"] = "mutated"
	if live["data"].(map[string]interface{})["a"] != "5" {
		t.Errorf("merge aliased the desired object")
	}
}

func TestPrepareAddsOwnership(t *testing.T) {
	d, err := resource.NewDesiredState(map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "ConfigMap",
		"metadata":   map[string]interface{}{"name": "web", "labels": map[string]interface{}{"app": "web"}},
		"data":       map[string]interface{}{"k": "v"},
		"status":     map[string]interface{}{"ignored": true},
	}, "r1", "app")
	if err != nil {
		t.Fatal(err)
	}
	obj, err := prepare(resource.Scope{Target: "web"}, d)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, ok := obj["status"]; ok {
		t.Errorf("status was not stripped")
	}
	if got := labelOf(obj, resource.TargetLabel); got != "web" {
		t.Errorf("target label = %q", got)
	}
	if got := labelOf(obj, resource.ManagedByLabel); got != resource.ManagedByValue {
		t.Errorf("managed-by label = %q", got)
	}
	last := lastApplied(obj)
	if last == nil {
		t.Fatalf("no last-applied annotation")
	}
	if labelOf(last, resource.TargetLabel) != "" {
		t.Errorf("last-applied records injected labels")
	}
	if _, ok := d.Object["metadata"].(map[string]interface{})["annotations"]; ok {
		t.Errorf("prepare mutated the desired object")
	}
}

func TestObserveProjectsManagedFields(t *testing.T) {
	d, _ := resource.NewDesiredState(map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "ConfigMap",
		"metadata":   map[string]interface{}{"name": "web"},
		"data":       map[string]interface{}{"k": "v"},
	}, "r1", "app")
	obj, _ := prepare(resource.Scope{Target: "web"}, d)
	obj["data"].(map[string]interface{})["added-by-someone-else"] = "x"

	o, err := observe(obj, time.Now)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if !resource.SpecEquals(o.Spec, d.Spec) {
		t.Errorf("observed spec %v, want %v", o.Spec.Paths(), d.Spec.Paths())
	}
}
