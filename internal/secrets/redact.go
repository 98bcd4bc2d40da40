package secrets

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strings"
	"sync"
)

// Placeholder replaces redacted values.
const Placeholder = "***REDACTED***"

// IsSensitive reports whether a flattened path of a resource of kind holds
// secret material.
func IsSensitive(kind, path string) bool {
	if kind != "Secret" {
		return false
	}
	return strings.HasPrefix(path, "data.") || strings.HasPrefix(path, "data[") ||
		strings.HasPrefix(path, "stringData.") || strings.HasPrefix(path, "stringData[")
}

// Mask returns Placeholder for sensitive values and v otherwise.
func Mask(kind, path string, v interface{}) interface{} {
	if v == nil || !IsSensitive(kind, path) {
		return v
	}
	return Placeholder
}

// RedactFilter wraps a slog handler and scrubs registered secret values
// from messages and string attributes.
type RedactFilter struct {
	inner   slog.Handler
	mu      *sync.RWMutex
	secrets map[string]bool
}

// NewRedactFilter creates a log handler that redacts known secret values.
func NewRedactFilter(inner slog.Handler) *RedactFilter {
	return &RedactFilter{
		inner:   inner,
		mu:      &sync.RWMutex{},
		secrets: make(map[string]bool),
	}
}

// AddSecret registers a value to be redacted. Very short values are ignored
// since they would mangle unrelated output.
func (f *RedactFilter) AddSecret(value string) {
	if len(value) < 4 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secrets[value] = true
}

// AddManifest registers the data values of a Secret manifest, both as
// written and base64-decoded.
func (f *RedactFilter) AddManifest(obj map[string]interface{}) {
	if kind, _ := obj["kind"].(string); kind != "Secret" {
		return
	}
	for _, field := range []string{"data", "stringData"} {
		data, _ := obj[field].(map[string]interface{})
		for _, v := range data {
			s, ok := v.(string)
			if !ok {
				continue
			}
			f.AddSecret(s)
			if field == "data" {
				if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
					f.AddSecret(string(decoded))
				}
			}
		}
	}
}

func (f *RedactFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return f.inner.Enabled(ctx, level)
}

func (f *RedactFilter) Handle(ctx context.Context, record slog.Record) error {
	secrets := f.snapshot()
	if len(secrets) == 0 {
		return f.inner.Handle(ctx, record)
	}
	redacted := slog.NewRecord(record.Time, record.Level, redact(record.Message, secrets), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		redacted.AddAttrs(redactAttr(a, secrets))
		return true
	})
	return f.inner.Handle(ctx, redacted)
}

// WithAttrs shares the parent's secret set.
func (f *RedactFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RedactFilter{inner: f.inner.WithAttrs(attrs), mu: f.mu, secrets: f.secrets}
}

// WithGroup shares the parent's secret set.
func (f *RedactFilter) WithGroup(name string) slog.Handler {
	return &RedactFilter{inner: f.inner.WithGroup(name), mu: f.mu, secrets: f.secrets}
}

// RedactString replaces any known secret values in s.
func (f *RedactFilter) RedactString(s string) string {
	return redact(s, f.snapshot())
}

func (f *RedactFilter) snapshot() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.secrets))
	for s := range f.secrets {
		out = append(out, s)
	}
	return out
}

func redact(s string, secrets []string) string {
	for _, secret := range secrets {
		s = strings.ReplaceAll(s, secret, Placeholder)
	}
	return s
}

func redactAttr(a slog.Attr, secrets []string) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, redact(a.Value.String(), secrets))
	case slog.KindGroup:
		attrs := a.Value.Group()
		out := make([]any, len(attrs))
		for i, sub := range attrs {
			out[i] = redactAttr(sub, secrets)
		}
		return slog.Group(a.Key, out...)
	}
	return a
}
