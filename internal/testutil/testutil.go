// Package testutil provides shared helpers for tests that drive passes
// against directory sources.
package testutil

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Logger returns a logger that drops everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ConfigMap renders a ConfigMap manifest with a single data key.
func ConfigMap(namespace, name, key, value string) string {
	return fmt.Sprintf(`apiVersion: v1
kind: ConfigMap
metadata:
  name: %s
  namespace: %s
data:
  %s: %q
`, name, namespace, key, value)
}

// WriteFile writes content to name under dir, creating parent
// directories, and returns the full path.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("creating %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

// ManifestDir creates a temporary directory holding the given manifests,
// keyed by file name.
func ManifestDir(t *testing.T, manifests map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range manifests {
		WriteFile(t, dir, name, body)
	}
	return dir
}

// AssertErrorContains asserts that err is non-nil and its message contains substr.
func AssertErrorContains(t *testing.T, err error, substr string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got nil", substr)
	}
	if !strings.Contains(err.Error(), substr) {
		t.Fatalf("expected error containing %q, got %q", substr, err.Error())
	}
}
