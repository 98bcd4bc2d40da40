package cluster

import (
	"context"
	"sync"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"

	"github.com/szaher/gitsync/internal/resource"
)

func init() {
	Register("memory", func(opts Options) (Driver, error) {
		return NewMemory(opts), nil
	})
}

// Memory is an in-process live system. It applies the same merge rules as
// the Kubernetes driver and is used for dry runs, demos and tests.
type Memory struct {
	opts Options

	mu      sync.RWMutex
	objects map[resource.Identity]map[string]interface{}
}

// NewMemory returns an empty Memory cluster.
func NewMemory(opts Options) *Memory {
	return &Memory{opts: opts, objects: make(map[resource.Identity]map[string]interface{})}
}

// ListObservedStates implements Driver.
func (m *Memory) ListObservedStates(ctx context.Context, scope resource.Scope) ([]resource.ObservedState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []resource.ObservedState
	for id, obj := range m.objects {
		if scope.Namespace != "" && id.Namespace != "" && id.Namespace != scope.Namespace {
			continue
		}
		if labelOf(obj, resource.TargetLabel) != scope.Target {
			continue
		}
		o, err := observe(obj, m.opts.now)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	sortObserved(out)
	return out, nil
}

// Apply implements Driver.
func (m *Memory) Apply(ctx context.Context, scope resource.Scope, desired resource.DesiredState) (*resource.ObservedState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	obj, err := prepare(scope, desired)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	live, ok := m.objects[desired.Identity]
	if !ok {
		live = obj
	} else {
		if owner := labelOf(live, resource.TargetLabel); owner != "" && scope.Target != "" && owner != scope.Target {
			return nil, &RejectedError{Reason: desired.Identity.String() + " is managed by target " + owner}
		}
		threeWayMerge(live, obj, lastApplied(live))
	}
	m.objects[desired.Identity] = live
	o, err := observe(live, m.opts.now)
	return &o, err
}

// Delete implements Driver.
func (m *Memory) Delete(ctx context.Context, _ resource.Scope, id resource.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, id)
	return nil
}

// Object returns a copy of the live object for id.
func (m *Memory) Object(id resource.Identity) (map[string]interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[id]
	if !ok {
		return nil, false
	}
	return runtime.DeepCopyJSON(obj), true
}

// Put stores obj as if another writer had created or changed it.
func (m *Memory) Put(obj map[string]interface{}) error {
	o, err := resource.NewObservedState(obj, m.opts.now())
	if err != nil {
		return err
	}
	live, err := jsonObject(obj)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[o.Identity] = live
	return nil
}

func labelOf(obj map[string]interface{}, key string) string {
	v, _, _ := unstructured.NestedString(obj, "metadata", "labels", key)
	return v
}
