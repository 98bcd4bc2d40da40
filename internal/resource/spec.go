package resource

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Field is one leaf of a flattened spec.
type Field struct {
	Path  string      `json:"path"`
	Value interface{} `json:"value"`
}

// Spec is an ordered mapping of field path to leaf value. Paths use dots
// between map keys and [i] for array elements, e.g.
// spec.template.spec.containers[0].image. Keys that contain separators are
// quoted: metadata.annotations["example.com/owner"].
type Spec struct {
	fields []Field
	index  map[string]int
}

// NewSpec builds a spec from fields in the given order. A repeated path
// keeps its first position and takes the last value.
func NewSpec(fields ...Field) Spec {
	var s Spec
	for _, f := range fields {
		s.set(f.Path, f.Value)
	}
	return s
}

func (s *Spec) set(path string, value interface{}) {
	if s.index == nil {
		s.index = make(map[string]int)
	}
	if i, ok := s.index[path]; ok {
		s.fields[i].Value = value
		return
	}
	s.index[path] = len(s.fields)
	s.fields = append(s.fields, Field{Path: path, Value: value})
}

// Len returns the number of leaves.
func (s Spec) Len() int { return len(s.fields) }

// Fields returns a copy of the leaves in order.
func (s Spec) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

// Paths returns the leaf paths in order.
func (s Spec) Paths() []string {
	out := make([]string, len(s.fields))
	for i, f := range s.fields {
		out[i] = f.Path
	}
	return out
}

// Get returns the value at path.
func (s Spec) Get(path string) (interface{}, bool) {
	i, ok := s.index[path]
	if !ok {
		return nil, false
	}
	return s.fields[i].Value, true
}

// Has reports whether path is a leaf of s.
func (s Spec) Has(path string) bool {
	_, ok := s.index[path]
	return ok
}

// Project returns the subset of s whose paths satisfy keep, preserving order.
func (s Spec) Project(keep func(path string) bool) Spec {
	var out Spec
	for _, f := range s.fields {
		if keep(f.Path) {
			out.set(f.Path, f.Value)
		}
	}
	return out
}

// Hash returns a stable digest of the spec contents.
func (s Spec) Hash() string {
	sorted := s.Fields()
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	for i := range sorted {
		sorted[i].Value = normalize(sorted[i].Value)
	}
	data, err := json.Marshal(sorted)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("sha256:%x", sha256.Sum256(data))
}

// MarshalJSON encodes the spec as an ordered list of fields.
func (s Spec) MarshalJSON() ([]byte, error) {
	if s.fields == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.fields)
}

// UnmarshalJSON decodes an ordered list of fields.
func (s *Spec) UnmarshalJSON(data []byte) error {
	var fields []Field
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*s = NewSpec(fields...)
	return nil
}

// SpecEquals reports whether a and b hold the same leaves with the same
// values. Key order is ignored; array order is significant because array
// indexes are part of each path.
func SpecEquals(a, b Spec) bool {
	if a.Len() != b.Len() {
		return false
	}
	for _, f := range a.fields {
		v, ok := b.Get(f.Path)
		if !ok || !ValuesEqual(f.Value, v) {
			return false
		}
	}
	return true
}

// ValuesEqual compares two leaf values, treating numbers of different Go
// types as equal when they hold the same quantity.
func ValuesEqual(a, b interface{}) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func normalize(v interface{}) interface{} {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	case []interface{}:
		if len(n) == 0 {
			return []interface{}{}
		}
	case map[string]interface{}:
		if len(n) == 0 {
			return map[string]interface{}{}
		}
	}
	return v
}

// ignoredTopLevel are manifest fields that never take part in comparison.
var ignoredTopLevel = map[string]bool{
	"apiVersion": true,
	"kind":       true,
	"metadata":   true,
	"status":     true,
}

// ignoredAnnotations are bookkeeping annotations written by appliers.
var ignoredAnnotations = map[string]bool{
	LastAppliedKey: true,
	"kubectl.kubernetes.io/last-applied-configuration": true,
	"deployment.kubernetes.io/revision":                true,
}

// SpecFromObject flattens the comparable part of a manifest: every
// top-level field except apiVersion, kind, metadata and status, plus
// metadata.labels and metadata.annotations.
func SpecFromObject(obj map[string]interface{}) Spec {
	var s Spec
	if meta, ok := obj["metadata"].(map[string]interface{}); ok {
		if labels, ok := meta["labels"].(map[string]interface{}); ok && len(labels) > 0 {
			flatten(&s, "metadata.labels", labels)
		}
		if ann, ok := meta["annotations"].(map[string]interface{}); ok {
			kept := make(map[string]interface{}, len(ann))
			for k, v := range ann {
				if !ignoredAnnotations[k] {
					kept[k] = v
				}
			}
			if len(kept) > 0 {
				flatten(&s, "metadata.annotations", kept)
			}
		}
	}
	for _, k := range sortedKeys(obj) {
		if ignoredTopLevel[k] {
			continue
		}
		flatten(&s, joinKey("", k), obj[k])
	}
	return s
}

// Flatten turns an arbitrary document into a spec with sorted map keys.
func Flatten(doc map[string]interface{}) Spec {
	var s Spec
	for _, k := range sortedKeys(doc) {
		flatten(&s, joinKey("", k), doc[k])
	}
	return s
}

func flatten(s *Spec, prefix string, v interface{}) {
	switch val := v.(type) {
	case map[string]interface{}:
		if len(val) == 0 {
			s.set(prefix, map[string]interface{}{})
			return
		}
		for _, k := range sortedKeys(val) {
			flatten(s, joinKey(prefix, k), val[k])
		}
	case []interface{}:
		if len(val) == 0 {
			s.set(prefix, []interface{}{})
			return
		}
		for i, item := range val {
			flatten(s, prefix+"["+strconv.Itoa(i)+"]", item)
		}
	default:
		s.set(prefix, normalizeScalar(val))
	}
}

func normalizeScalar(v interface{}) interface{} {
	if f, ok := v.(float64); ok && !math.IsInf(f, 0) && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return v
}

func joinKey(prefix, key string) string {
	if strings.ContainsAny(key, ".[]\"") {
		return prefix + "[" + strconv.Quote(key) + "]"
	}
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
