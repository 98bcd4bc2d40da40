package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/szaher/gitsync/internal/resource"
	"github.com/szaher/gitsync/internal/state"
)

func record(outcome state.Outcome) state.SyncRecord {
	return state.SyncRecord{
		ID:              "01J0000000000000000000000",
		Seq:             7,
		Identity:        resource.Identity{Kind: "Deployment", Namespace: "app", Name: "web"},
		Target:          "web",
		Action:          "Update",
		AppliedRevision: "abc123",
		Outcome:         outcome,
	}
}

func TestWebhookPostsSignedPayload(t *testing.T) {
	var got Payload
	var signature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		signature = r.Header.Get(SignatureHeader)
		if want := "sha256=" + Sign("s3cret", body); signature != want {
			t.Errorf("signature = %q, want %q", signature, want)
		}
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, "s3cret", 0, 0)
	if err := w.Notify(context.Background(), record(state.OutcomeSucceeded)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got.Event != "sync.recorded" || got.Record.Seq != 7 || got.Record.Identity.Name != "web" {
		t.Errorf("payload = %+v", got)
	}
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := NewWebhook(srv.URL, "", 3, 0).Notify(context.Background(), record(state.OutcomeFailed)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWebhookClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, "", 2, 0).Notify(context.Background(), record(state.OutcomeSucceeded))
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Errorf("err = %v, want a 400 error", err)
	}
}

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	n := Log{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	rec := record(state.OutcomeFailed)
	rec.ErrorDetail = "apply rejected: immutable"
	if err := n.Notify(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line: %v", err)
	}
	if line["level"] != "WARN" || line["resource"] != "Deployment/app/web" || line["detail"] != rec.ErrorDetail {
		t.Errorf("log line = %v", line)
	}
}

func TestMultiAndFilter(t *testing.T) {
	var seen []state.Outcome
	collect := Func(func(_ context.Context, rec state.SyncRecord) error {
		seen = append(seen, rec.Outcome)
		return nil
	})
	failing := Func(func(context.Context, state.SyncRecord) error { return errors.New("down") })

	n := Multi{Filter(collect, state.OutcomeFailed), failing}
	err := n.Notify(context.Background(), record(state.OutcomeSucceeded))
	if err == nil {
		t.Errorf("Multi swallowed an error")
	}
	_ = n.Notify(context.Background(), record(state.OutcomeFailed))
	if len(seen) != 1 || seen[0] != state.OutcomeFailed {
		t.Errorf("filtered outcomes = %v", seen)
	}
}
