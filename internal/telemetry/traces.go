package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
)

// Span represents a single trace span for an operation.
type Span struct {
	TraceID   string            `json:"trace_id"`
	SpanID    string            `json:"span_id"`
	ParentID  string            `json:"parent_id,omitempty"`
	Operation string            `json:"operation"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitempty"`
	Duration  time.Duration     `json:"duration_ms,omitempty"`
	Status    string            `json:"status"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// Tracer creates and manages trace spans.
type Tracer struct {
	// Exporter receives completed spans. If nil, spans are discarded.
	Exporter SpanExporter
}

// SpanExporter receives completed spans.
type SpanExporter interface {
	ExportSpan(span Span)
}

// SpanExporterFunc is a function adapter for SpanExporter.
type SpanExporterFunc func(span Span)

// ExportSpan calls the function.
func (f SpanExporterFunc) ExportSpan(span Span) { f(span) }

// NewTracer creates a new tracer with an optional exporter.
func NewTracer(exporter SpanExporter) *Tracer {
	return &Tracer{Exporter: exporter}
}

// LogExporter writes finished spans to logger at debug level.
func LogExporter(logger *slog.Logger) SpanExporter {
	return SpanExporterFunc(func(s Span) {
		attrs := []any{
			"trace_id", s.TraceID,
			"span_id", s.SpanID,
			"operation", s.Operation,
			"duration_ms", s.Duration.Milliseconds(),
			"status", s.Status,
		}
		if s.ParentID != "" {
			attrs = append(attrs, "parent_id", s.ParentID)
		}
		for k, v := range s.Tags {
			attrs = append(attrs, k, v)
		}
		logger.Debug("span finished", attrs...)
	})
}

type traceContextKey struct{}

// StartSpan creates a new span and adds it to the context. A nil tracer
// still returns a usable span.
func (t *Tracer) StartSpan(ctx context.Context, operation string, tags map[string]string) (context.Context, *Span) {
	span := &Span{
		TraceID:   ulid.Make().String(),
		SpanID:    ulid.Make().String(),
		Operation: operation,
		StartTime: time.Now(),
		Status:    "ok",
		Tags:      tags,
	}
	if parent, ok := ctx.Value(traceContextKey{}).(*Span); ok {
		span.TraceID = parent.TraceID
		span.ParentID = parent.SpanID
	}
	return context.WithValue(ctx, traceContextKey{}, span), span
}

// EndSpan completes a span and exports it.
func (t *Tracer) EndSpan(span *Span, status string) {
	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	if status != "" {
		span.Status = status
	}
	if t != nil && t.Exporter != nil {
		t.Exporter.ExportSpan(*span)
	}
}

// PassTags returns standard tags for a reconciliation pass span.
func PassTags(target, passID string) map[string]string {
	return map[string]string{
		"operation": "pass",
		"target":    target,
		"pass_id":   passID,
	}
}

// PhaseTags returns standard tags for one phase of a pass.
func PhaseTags(target, phase string) map[string]string {
	return map[string]string{
		"operation": "phase",
		"target":    target,
		"phase":     phase,
	}
}
