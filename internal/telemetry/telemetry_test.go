package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewLogger_JSONWithRedaction(t *testing.T) {
	var buf bytes.Buffer
	logger, filter := NewLogger(&buf, slog.LevelInfo, "json")
	filter.AddSecret("p@ssw0rd")
	logger.Info("applied", "value", "p@ssw0rd")

	var rec map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v: %s", err, buf.String())
	}
	if rec["value"] != "***REDACTED***" {
		t.Errorf("value = %v, want redacted", rec["value"])
	}
}

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(&buf, slog.LevelDebug, "text")
	logger.Debug("hello", "k", "v")
	if !strings.Contains(buf.String(), "k=v") {
		t.Errorf("text output = %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != slog.LevelDebug || ParseLevel("WARN") != slog.LevelWarn || ParseLevel("nope") != slog.LevelInfo {
		t.Error("ParseLevel mapping is wrong")
	}
}

func TestCorrelationID(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "abc")
	if got := CorrelationID(ctx); got != "abc" {
		t.Errorf("CorrelationID() = %q, want abc", got)
	}
	if got := CorrelationID(WithCorrelationID(context.Background(), "")); got == "" {
		t.Error("expected generated correlation ID")
	}
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID() = %q, want empty", got)
	}
}

func TestPassLogger(t *testing.T) {
	var buf bytes.Buffer
	base, _ := NewLogger(&buf, slog.LevelInfo, "json")
	PassLogger(base, WithCorrelationID(context.Background(), "cid"), "prod", "p1").Info("x")
	for _, want := range []string{`"target":"prod"`, `"pass_id":"p1"`, `"correlation_id":"cid"`} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("log line missing %s: %s", want, buf.String())
		}
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.RecordPass("prod", "Completed", 2*time.Second)
	m.RecordResource("prod", "Succeeded")
	m.SetDrifted("prod", 3)
	m.TrackApply("apply")()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`gitsync_passes_total{outcome="Completed",target="prod"} 1`,
		`gitsync_resources_total{outcome="Succeeded",target="prod"} 1`,
		`gitsync_drifted_resources{target="prod"} 3`,
		`gitsync_apply_inflight 0`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestTracer_ParentChild(t *testing.T) {
	var spans []Span
	tr := NewTracer(SpanExporterFunc(func(s Span) { spans = append(spans, s) }))

	ctx, parent := tr.StartSpan(context.Background(), "pass", PassTags("prod", "p1"))
	_, child := tr.StartSpan(ctx, "diffing", PhaseTags("prod", "Diffing"))
	tr.EndSpan(child, "")
	tr.EndSpan(parent, "error")

	if len(spans) != 2 {
		t.Fatalf("exported %d spans, want 2", len(spans))
	}
	if spans[0].TraceID != spans[1].TraceID || spans[0].ParentID != spans[1].SpanID {
		t.Errorf("child span not linked to parent: %+v", spans)
	}
	if spans[1].Status != "error" {
		t.Errorf("parent status = %q, want error", spans[1].Status)
	}
}
