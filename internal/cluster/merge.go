package cluster

import (
	"encoding/json"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	utiljson "k8s.io/apimachinery/pkg/util/json"

	"github.com/szaher/gitsync/internal/resource"
)

// lastApplied returns the object recorded in the last-applied annotation
// of live, or nil when there is none.
func lastApplied(live map[string]interface{}) map[string]interface{} {
	raw, _, _ := unstructured.NestedString(live, "metadata", "annotations", resource.LastAppliedKey)
	if raw == "" {
		return nil
	}
	var obj map[string]interface{}
	if err := utiljson.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

// jsonObject returns a deep copy of obj that holds only JSON value types,
// the form the unstructured helpers and the API server expect.
func jsonObject(obj map[string]interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := utiljson.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, nil
}

// prepare returns the object to write for desired: the manifest plus the
// ownership labels and the last-applied annotation.
func prepare(scope resource.Scope, desired resource.DesiredState) (map[string]interface{}, error) {
	obj, err := jsonObject(desired.Object)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", desired.Identity, err)
	}
	unstructured.RemoveNestedField(obj, "status")
	unstructured.RemoveNestedField(obj, "metadata", "annotations", resource.LastAppliedKey)
	if ann, found, _ := unstructured.NestedFieldNoCopy(obj, "metadata", "annotations"); found {
		if m, ok := ann.(map[string]interface{}); ok && len(m) == 0 {
			unstructured.RemoveNestedField(obj, "metadata", "annotations")
		}
	}
	record, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encoding last-applied state of %s: %w", desired.Identity, err)
	}

	fields := map[string]string{resource.ManagedByLabel: resource.ManagedByValue}
	if scope.Target != "" {
		fields[resource.TargetLabel] = scope.Target
	}
	for k, v := range fields {
		if err := unstructured.SetNestedField(obj, v, "metadata", "labels", k); err != nil {
			return nil, fmt.Errorf("labelling %s: %w", desired.Identity, err)
		}
	}
	if err := unstructured.SetNestedField(obj, string(record), "metadata", "annotations", resource.LastAppliedKey); err != nil {
		return nil, fmt.Errorf("annotating %s: %w", desired.Identity, err)
	}
	return obj, nil
}

// threeWayMerge applies desired onto live in place. Fields present in last
// but missing from desired are removed; fields nobody declared are kept.
// Lists are replaced wholesale. desired must hold only JSON value types.
func threeWayMerge(live, desired, last map[string]interface{}) {
	for k := range last {
		if _, ok := desired[k]; !ok {
			delete(live, k)
		}
	}
	for k, v := range desired {
		dm, ok := v.(map[string]interface{})
		if !ok {
			live[k] = runtime.DeepCopyJSONValue(v)
			continue
		}
		cur, ok := live[k].(map[string]interface{})
		if !ok {
			live[k] = runtime.DeepCopyJSON(dm)
			continue
		}
		lm, _ := last[k].(map[string]interface{})
		threeWayMerge(cur, dm, lm)
	}
}

// observe builds the observed state of live, projected onto the fields of
// its last-applied manifest so that fields set by other writers or
// defaulted by the server never show up as drift.
func observe(live map[string]interface{}, now func() time.Time) (resource.ObservedState, error) {
	o, err := resource.NewObservedState(live, now())
	if err != nil {
		return resource.ObservedState{}, err
	}
	if last := lastApplied(live); last != nil {
		managed := make(map[string]bool)
		for _, p := range resource.SpecFromObject(last).Paths() {
			managed[p] = true
		}
		o.Spec = o.Spec.Project(func(p string) bool { return managed[p] })
	}
	return o, nil
}
