// Package cluster reads observed state from, and applies desired state to,
// a live system. Drivers register themselves by name.
package cluster

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/szaher/gitsync/internal/resource"
)

// Driver is a live system a target reconciles into.
type Driver interface {
	// ListObservedStates returns every resource managed for scope.Target.
	ListObservedStates(ctx context.Context, scope resource.Scope) ([]resource.ObservedState, error)
	// Apply creates or updates the resource and returns its state after
	// the write.
	Apply(ctx context.Context, scope resource.Scope, desired resource.DesiredState) (*resource.ObservedState, error)
	// Delete removes the resource. Deleting a missing resource succeeds.
	Delete(ctx context.Context, scope resource.Scope, id resource.Identity) error
}

// Options configures a driver.
type Options struct {
	// Kubeconfig is the path to a kubeconfig file. Empty uses the
	// in-cluster config or the default loading rules.
	Kubeconfig string
	// Context selects a kubeconfig context.
	Context string
	// Kinds limits the kinds listed for observed state. Empty uses
	// DefaultKinds.
	Kinds []string
	// FieldManager names the writer in managed fields.
	FieldManager string
	// Now overrides the clock used for LastSeen.
	Now func() time.Time
}

// Factory creates a driver.
type Factory func(opts Options) (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a driver factory to the registry.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New creates the named driver.
func New(name string, opts Options) (Driver, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("cluster driver %q not registered (available: %v)", name, Drivers())
	}
	return factory(opts)
}

// Drivers returns the registered driver names, sorted.
func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func sortObserved(obs []resource.ObservedState) {
	sort.Slice(obs, func(i, j int) bool { return obs[i].Identity.Less(obs[j].Identity) })
}
