// Package resource defines the identity, desired-state and observed-state
// types shared by every stage of a reconciliation pass.
package resource

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// ErrInvalidResource is returned when a manifest cannot be turned into a
// resource, for example because it has no kind or no name.
var ErrInvalidResource = errors.New("invalid resource")

// Well-known labels and annotations.
const (
	GroupLabel          = "gitsync.io/group"
	TargetLabel         = "gitsync.io/target"
	ManagedByLabel      = "app.kubernetes.io/managed-by"
	ManagedByValue      = "gitsync"
	DependsOnAnnotation = "gitsync.io/depends-on"
	LastAppliedKey      = "gitsync.io/last-applied"
)

// Identity is the system-wide key of a resource.
type Identity struct {
	Kind      string `json:"kind" yaml:"kind"`
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Name      string `json:"name" yaml:"name"`
}

// String renders the identity as Kind/namespace/name, or Kind/name for
// cluster-scoped resources.
func (id Identity) String() string {
	if id.Namespace == "" {
		return id.Kind + "/" + id.Name
	}
	return id.Kind + "/" + id.Namespace + "/" + id.Name
}

// Less orders identities by kind, namespace, then name.
func (id Identity) Less(o Identity) bool {
	if id.Kind != o.Kind {
		return id.Kind < o.Kind
	}
	if id.Namespace != o.Namespace {
		return id.Namespace < o.Namespace
	}
	return id.Name < o.Name
}

// Validate reports whether the identity carries the fields every resource needs.
func (id Identity) Validate() error {
	if id.Kind == "" {
		return fmt.Errorf("%w: missing kind", ErrInvalidResource)
	}
	if id.Name == "" {
		return fmt.Errorf("%w: %s is missing a name", ErrInvalidResource, id.Kind)
	}
	return nil
}

// ParseIdentity parses Kind/name or Kind/namespace/name. When the namespace
// is omitted for a namespaced kind, defaultNamespace is used.
func ParseIdentity(s, defaultNamespace string) (Identity, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	var id Identity
	switch len(parts) {
	case 2:
		id = Identity{Kind: parts[0], Name: parts[1]}
		if !IsClusterScoped(id.Kind) {
			id.Namespace = defaultNamespace
		}
	case 3:
		id = Identity{Kind: parts[0], Namespace: parts[1], Name: parts[2]}
	default:
		return Identity{}, fmt.Errorf("%w: malformed identity %q", ErrInvalidResource, s)
	}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// SortIdentities sorts ids in place with Identity.Less.
func SortIdentities(ids []Identity) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}

// Scope bounds one reconciliation target: a cluster plus a namespace.
type Scope struct {
	Target    string `json:"target"`
	Cluster   string `json:"cluster,omitempty"`
	Namespace string `json:"namespace,omitempty"`
}

func (s Scope) String() string {
	cluster := s.Cluster
	if cluster == "" {
		cluster = "in-cluster"
	}
	if s.Namespace == "" {
		return cluster
	}
	return cluster + "/" + s.Namespace
}

// HealthStatus summarizes the live condition of an observed resource.
type HealthStatus string

const (
	HealthHealthy     HealthStatus = "Healthy"
	HealthProgressing HealthStatus = "Progressing"
	HealthDegraded    HealthStatus = "Degraded"
	HealthUnknown     HealthStatus = "Unknown"
)

// DesiredState is a resource as declared by the source of truth.
type DesiredState struct {
	Identity       Identity               `json:"identity"`
	APIVersion     string                 `json:"apiVersion,omitempty"`
	Spec           Spec                   `json:"spec"`
	Labels         map[string]string      `json:"labels,omitempty"`
	SourceRevision string                 `json:"sourceRevision"`
	References     []Identity             `json:"references,omitempty"`
	Group          string                 `json:"group,omitempty"`
	Object         map[string]interface{} `json:"object,omitempty"`
}

// ResourceIdentity implements Identified.
func (d DesiredState) ResourceIdentity() Identity { return d.Identity }

// LabelSet returns the labels as sorted key=value strings.
func (d DesiredState) LabelSet() []string {
	out := make([]string, 0, len(d.Labels))
	for k, v := range d.Labels {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// ObservedState is a resource as last seen in the live system.
type ObservedState struct {
	Identity      Identity     `json:"identity"`
	Spec          Spec         `json:"spec"`
	LastSeen      time.Time    `json:"lastSeen"`
	Health        HealthStatus `json:"health"`
	HealthMessage string       `json:"healthMessage,omitempty"`
}

// ResourceIdentity implements Identified.
func (o ObservedState) ResourceIdentity() Identity { return o.Identity }

// Identified is implemented by anything keyed by an Identity.
type Identified interface {
	ResourceIdentity() Identity
}

// IdentityOf returns the identity of a desired or observed state.
func IdentityOf(r Identified) Identity {
	return r.ResourceIdentity()
}

// NewDesiredState builds a DesiredState from a decoded manifest. Namespaced
// resources without a namespace are placed in defaultNamespace.
func NewDesiredState(obj map[string]interface{}, revision, defaultNamespace string) (DesiredState, error) {
	id, err := identityFromObject(obj, defaultNamespace)
	if err != nil {
		return DesiredState{}, err
	}
	if id.Namespace != "" {
		if err := unstructured.SetNestedField(obj, id.Namespace, "metadata", "namespace"); err != nil {
			return DesiredState{}, fmt.Errorf("%w: %s: %v", ErrInvalidResource, id, err)
		}
	}
	labels, _, err := unstructured.NestedStringMap(obj, "metadata", "labels")
	if err != nil {
		return DesiredState{}, fmt.Errorf("%w: %s: %v", ErrInvalidResource, id, err)
	}
	if len(labels) == 0 {
		labels = nil
	}
	apiVersion := fieldString(obj, "apiVersion")

	d := DesiredState{
		Identity:       id,
		APIVersion:     apiVersion,
		Spec:           SpecFromObject(obj),
		Labels:         labels,
		SourceRevision: revision,
		References:     ExtractReferences(id, obj),
		Group:          labels[GroupLabel],
		Object:         obj,
	}
	return d, nil
}

// NewObservedState builds an ObservedState from a live object. The health
// status is assessed from the object's status block.
func NewObservedState(obj map[string]interface{}, lastSeen time.Time) (ObservedState, error) {
	id, err := identityFromObject(obj, "")
	if err != nil {
		return ObservedState{}, err
	}
	health, msg := AssessHealth(obj)
	return ObservedState{
		Identity:      id,
		Spec:          SpecFromObject(obj),
		LastSeen:      lastSeen,
		Health:        health,
		HealthMessage: msg,
	}, nil
}

// IsClusterScoped reports whether kind is not namespaced.
func IsClusterScoped(kind string) bool {
	return clusterScoped[kind]
}

var clusterScoped = map[string]bool{
	"Namespace":                      true,
	"ClusterRole":                    true,
	"ClusterRoleBinding":             true,
	"CustomResourceDefinition":       true,
	"PersistentVolume":               true,
	"StorageClass":                   true,
	"PriorityClass":                  true,
	"IngressClass":                   true,
	"APIService":                     true,
	"ValidatingWebhookConfiguration": true,
	"MutatingWebhookConfiguration":   true,
}

func identityFromObject(obj map[string]interface{}, defaultNamespace string) (Identity, error) {
	if obj == nil {
		return Identity{}, fmt.Errorf("%w: empty manifest", ErrInvalidResource)
	}
	id := Identity{
		Kind:      fieldString(obj, "kind"),
		Namespace: fieldString(obj, "metadata", "namespace"),
		Name:      fieldString(obj, "metadata", "name"),
	}
	if IsClusterScoped(id.Kind) {
		id.Namespace = ""
	} else if id.Namespace == "" {
		id.Namespace = defaultNamespace
	}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// fieldString and fieldSlice read optional manifest fields. Absent or
// mistyped fields read as zero. Neither copies the value.
func fieldString(obj map[string]interface{}, fields ...string) string {
	s, _, _ := unstructured.NestedString(obj, fields...)
	return s
}

func fieldSlice(obj map[string]interface{}, fields ...string) []interface{} {
	v, _, _ := unstructured.NestedFieldNoCopy(obj, fields...)
	s, _ := v.([]interface{})
	return s
}
