// Package source reads desired state from a source of truth: a directory,
// a git repository or an S3 prefix. Every implementation returns the same
// DesiredState list for the same revision.
package source

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	utilyaml "k8s.io/apimachinery/pkg/util/yaml"

	"github.com/szaher/gitsync/internal/resource"
)

// File is one manifest file as read from a source.
type File struct {
	Path    string
	Content []byte
}

// IsManifest reports whether name looks like a manifest file.
func IsManifest(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// Decode splits a YAML or JSON stream into objects. Empty documents are
// dropped and kind List is flattened into its items.
func Decode(r io.Reader) ([]map[string]interface{}, error) {
	dec := utilyaml.NewYAMLOrJSONDecoder(r, 4096)
	var out []map[string]interface{}
	for {
		var obj map[string]interface{}
		if err := dec.Decode(&obj); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
		}
		if len(obj) == 0 {
			continue
		}
		if kind, _ := obj["kind"].(string); kind == "List" {
			items, _ := obj["items"].([]interface{})
			for i, item := range items {
				m, ok := item.(map[string]interface{})
				if !ok {
					return nil, fmt.Errorf("%w: List item %d is not an object", ErrInvalidManifest, i)
				}
				out = append(out, m)
			}
			continue
		}
		out = append(out, obj)
	}
}

// Build decodes files into desired states for scope. Files are processed
// in path order. Namespaced objects without a namespace land in the scope's
// namespace; objects in another namespace are rejected.
func Build(files []File, revision string, scope resource.Scope) ([]resource.DesiredState, error) {
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	seen := make(map[resource.Identity]string)
	var out []resource.DesiredState
	for _, f := range files {
		objs, err := Decode(bytes.NewReader(f.Content))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Path, err)
		}
		for _, obj := range objs {
			d, err := resource.NewDesiredState(obj, revision, scope.Namespace)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidManifest, f.Path, err)
			}
			if scope.Namespace != "" && d.Identity.Namespace != "" && d.Identity.Namespace != scope.Namespace {
				return nil, fmt.Errorf("%w: %s: %s is outside namespace %q", ErrInvalidManifest, f.Path, d.Identity, scope.Namespace)
			}
			if prev, ok := seen[d.Identity]; ok {
				return nil, fmt.Errorf("%w: %s declared in both %s and %s", ErrInvalidManifest, d.Identity, prev, f.Path)
			}
			seen[d.Identity] = f.Path
			out = append(out, d)
		}
	}
	return out, nil
}

// ContentRevision hashes file paths and contents into a revision string.
// It changes whenever any manifest changes.
func ContentRevision(files []File) string {
	sorted := make([]File, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	h := sha256.New()
	for _, f := range sorted {
		fmt.Fprintf(h, "%s\x00%d\x00", f.Path, len(f.Content))
		h.Write(f.Content)
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil))
}
