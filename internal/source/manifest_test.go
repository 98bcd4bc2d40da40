package source

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/szaher/gitsync/internal/resource"
)

const multiDoc = `
apiVersion: v1
kind: Namespace
metadata:
  name: app
---
# comment only
---
apiVersion: v1
kind: List
items:
- apiVersion: v1
  kind: ConfigMap
  metadata:
    name: a
- apiVersion: v1
  kind: ConfigMap
  metadata:
    name: b
`

func TestDecode(t *testing.T) {
	objs, err := Decode(strings.NewReader(multiDoc))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var kinds []string
	for _, o := range objs {
		kinds = append(kinds, o["kind"].(string))
	}
	if diff := cmp.Diff([]string{"Namespace", "ConfigMap", "ConfigMap"}, kinds); diff != "" {
		t.Errorf("kinds (-want +got):\n%s", diff)
	}
}

func TestDecodeJSON(t *testing.T) {
	objs, err := Decode(strings.NewReader(`{"apiVersion":"v1","kind":"Secret","metadata":{"name":"s"}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(objs) != 1 || objs[0]["kind"] != "Secret" {
		t.Errorf("objs = %v", objs)
	}
}

func TestDecodeInvalid(t *testing.T) {
	_, err := Decode(strings.NewReader("kind: [unterminated"))
	if !errors.Is(err, ErrInvalidManifest) {
		t.Errorf("err = %v, want ErrInvalidManifest", err)
	}
}

func TestBuild(t *testing.T) {
	files := []File{
		{Path: "b.yaml", Content: []byte("apiVersion: apps/v1\nkind: Deployment\nmetadata:\n  name: web\n")},
		{Path: "a.yaml", Content: []byte(multiDoc)},
	}
	ds, err := Build(files, "rev1", resource.Scope{Namespace: "app"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	var got []string
	for _, d := range ds {
		got = append(got, d.Identity.String())
		if d.SourceRevision != "rev1" {
			t.Errorf("%s revision = %q", d.Identity, d.SourceRevision)
		}
	}
	want := []string{"Namespace/app", "ConfigMap/app/a", "ConfigMap/app/b", "Deployment/app/web"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("identities (-want +got):\n%s", diff)
	}
}

func TestBuildRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"duplicate", "kind: ConfigMap\nmetadata:\n  name: a\n---\nkind: ConfigMap\nmetadata:\n  name: a\n"},
		{"missing name", "kind: ConfigMap\nmetadata: {}\n"},
		{"other namespace", "kind: ConfigMap\nmetadata:\n  name: a\n  namespace: kube-system\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build([]File{{Path: "x.yaml", Content: []byte(tt.content)}}, "r", resource.Scope{Namespace: "app"})
			if !errors.Is(err, ErrInvalidManifest) {
				t.Errorf("err = %v, want ErrInvalidManifest", err)
			}
		})
	}
}

func TestContentRevision(t *testing.T) {
	a := []File{{Path: "a.yaml", Content: []byte("x")}, {Path: "b.yaml", Content: []byte("y")}}
	b := []File{{Path: "b.yaml", Content: []byte("y")}, {Path: "a.yaml", Content: []byte("x")}}
	if ContentRevision(a) != ContentRevision(b) {
		t.Errorf("revision depends on file order")
	}
	c := []File{{Path: "a.yaml", Content: []byte("x")}, {Path: "b.yaml", Content: []byte("z")}}
	if ContentRevision(a) == ContentRevision(c) {
		t.Errorf("revision did not change with content")
	}
	if !strings.HasPrefix(ContentRevision(a), "sha256:") {
		t.Errorf("revision = %q", ContentRevision(a))
	}
}

func TestIsManifest(t *testing.T) {
	for name, want := range map[string]bool{
		"a.yaml": true, "a.YML": true, "a.json": true, "README.md": false, "a": false,
	} {
		if got := IsManifest(name); got != want {
			t.Errorf("IsManifest(%q) = %v", name, got)
		}
	}
}
