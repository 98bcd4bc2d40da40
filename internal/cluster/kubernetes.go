package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/szaher/gitsync/internal/resource"
)

func init() {
	Register("kubernetes", func(opts Options) (Driver, error) {
		return NewKubernetes(opts)
	})
}

// Kubernetes applies resources through the API server with a three-way
// merge against the last-applied annotation.
type Kubernetes struct {
	client client.Client
	opts   Options

	mu    sync.Mutex
	kinds map[string]schema.GroupVersionKind
}

// NewKubernetes connects to the cluster named by opts.
func NewKubernetes(opts Options) (*Kubernetes, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	rules.ExplicitPath = opts.Kubeconfig
	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules,
		&clientcmd.ConfigOverrides{CurrentContext: opts.Context}).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("%w: loading kubeconfig: %v", ErrClusterUnreachable, err)
	}
	c, err := client.New(cfg, client.Options{Scheme: clientgoscheme.Scheme})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClusterUnreachable, err)
	}
	return NewKubernetesWithClient(c, opts), nil
}

// NewKubernetesWithClient wraps an existing controller-runtime client.
func NewKubernetesWithClient(c client.Client, opts Options) *Kubernetes {
	if opts.FieldManager == "" {
		opts.FieldManager = resource.ManagedByValue
	}
	names := opts.Kinds
	if len(names) == 0 {
		names = DefaultKinds
	}
	kinds := make(map[string]schema.GroupVersionKind, len(names))
	for _, n := range names {
		if gvk, ok := knownKinds[n]; ok {
			kinds[n] = gvk
		}
	}
	return &Kubernetes{client: c, opts: opts, kinds: kinds}
}

// ListObservedStates lists every configured kind labelled for the target.
// Kinds the cluster does not serve are skipped.
func (k *Kubernetes) ListObservedStates(ctx context.Context, scope resource.Scope) ([]resource.ObservedState, error) {
	var out []resource.ObservedState
	for _, gvk := range k.listKinds() {
		list := &unstructured.UnstructuredList{}
		list.SetGroupVersionKind(gvk.GroupVersion().WithKind(gvk.Kind + "List"))
		opts := []client.ListOption{client.MatchingLabels{resource.TargetLabel: scope.Target}}
		if scope.Namespace != "" && !resource.IsClusterScoped(gvk.Kind) {
			opts = append(opts, client.InNamespace(scope.Namespace))
		}
		if err := k.client.List(ctx, list, opts...); err != nil {
			if meta.IsNoMatchError(err) || apierrors.IsNotFound(err) {
				continue
			}
			return nil, mapError(ctx, err)
		}
		for i := range list.Items {
			item := &list.Items[i]
			if item.GetKind() == "" {
				item.SetGroupVersionKind(gvk)
			}
			o, err := observe(item.Object, k.opts.now)
			if err != nil {
				return nil, err
			}
			out = append(out, o)
		}
	}
	sortObserved(out)
	return out, nil
}

// Apply creates the object or merges it into the live one.
func (k *Kubernetes) Apply(ctx context.Context, scope resource.Scope, desired resource.DesiredState) (*resource.ObservedState, error) {
	gvk := schema.FromAPIVersionAndKind(desired.APIVersion, desired.Identity.Kind)
	if gvk.Version == "" {
		known, ok := knownKinds[desired.Identity.Kind]
		if !ok {
			return nil, &RejectedError{Reason: fmt.Sprintf("%s has no apiVersion", desired.Identity)}
		}
		gvk = known
	}
	k.remember(gvk)

	obj, err := prepare(scope, desired)
	if err != nil {
		return nil, err
	}
	target := &unstructured.Unstructured{Object: obj}
	target.SetGroupVersionKind(gvk)

	live := &unstructured.Unstructured{}
	live.SetGroupVersionKind(gvk)
	err = k.client.Get(ctx, client.ObjectKey{Namespace: desired.Identity.Namespace, Name: desired.Identity.Name}, live)
	switch {
	case apierrors.IsNotFound(err):
		if err := k.client.Create(ctx, target, client.FieldOwner(k.opts.FieldManager)); err != nil {
			return nil, mapError(ctx, err)
		}
		o, err := observe(target.Object, k.opts.now)
		return &o, err
	case err != nil:
		return nil, mapError(ctx, err)
	}

	if owner := live.GetLabels()[resource.TargetLabel]; owner != "" && scope.Target != "" && owner != scope.Target {
		return nil, &RejectedError{Reason: fmt.Sprintf("%s is managed by target %q", desired.Identity, owner)}
	}
	base := live.DeepCopy()
	threeWayMerge(live.Object, target.Object, lastApplied(base.Object))
	if err := k.client.Patch(ctx, live, client.MergeFrom(base), client.FieldOwner(k.opts.FieldManager)); err != nil {
		return nil, mapError(ctx, err)
	}
	o, err := observe(live.Object, k.opts.now)
	return &o, err
}

// Delete removes the object in the background. A missing object is not
// an error.
func (k *Kubernetes) Delete(ctx context.Context, _ resource.Scope, id resource.Identity) error {
	gvk, ok := k.gvk(id.Kind)
	if !ok {
		return &RejectedError{Reason: fmt.Sprintf("unknown kind %q", id.Kind)}
	}
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(gvk)
	obj.SetNamespace(id.Namespace)
	obj.SetName(id.Name)
	err := k.client.Delete(ctx, obj, client.PropagationPolicy("Background"))
	if err != nil && !apierrors.IsNotFound(err) {
		return mapError(ctx, err)
	}
	return nil
}

func (k *Kubernetes) remember(gvk schema.GroupVersionKind) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.kinds[gvk.Kind] = gvk
}

func (k *Kubernetes) gvk(kind string) (schema.GroupVersionKind, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if gvk, ok := k.kinds[kind]; ok {
		return gvk, true
	}
	gvk, ok := knownKinds[kind]
	return gvk, ok
}

func (k *Kubernetes) listKinds() []schema.GroupVersionKind {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]schema.GroupVersionKind, 0, len(k.kinds))
	for _, gvk := range k.kinds {
		out = append(out, gvk)
	}
	return out
}

// mapError maps API errors onto the cluster error taxonomy.
func mapError(ctx context.Context, err error) error {
	var netErr net.Error
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case apierrors.IsUnauthorized(err), apierrors.IsForbidden(err):
		return fmt.Errorf("%w: %v", ErrAuth, err)
	case apierrors.IsTimeout(err), apierrors.IsServerTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrApplyTimeout, err)
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err), apierrors.IsConflict(err),
		apierrors.IsAlreadyExists(err), apierrors.IsRequestEntityTooLargeError(err),
		apierrors.IsMethodNotSupported(err), meta.IsNoMatchError(err):
		return &RejectedError{Reason: err.Error()}
	case apierrors.IsServiceUnavailable(err), apierrors.IsTooManyRequests(err),
		apierrors.IsInternalError(err), errors.As(err, &netErr):
		return fmt.Errorf("%w: %v", ErrClusterUnreachable, err)
	}
	return err
}
