package gitsync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/szaher/gitsync/internal/cluster"
	"github.com/szaher/gitsync/internal/controller"
	"github.com/szaher/gitsync/internal/engine"
	"github.com/szaher/gitsync/internal/resource"
	"github.com/szaher/gitsync/internal/server"
	"github.com/szaher/gitsync/internal/source"
	"github.com/szaher/gitsync/internal/state"
	"github.com/szaher/gitsync/internal/testutil"
)

const testKey = "sdk-key"

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	dir := testutil.ManifestDir(t, map[string]string{
		"settings.yaml": testutil.ConfigMap("web", "settings", "mode", "blue"),
	})
	logger := testutil.Logger()
	mem := cluster.NewMemory(cluster.Options{})
	eng := engine.New(state.NewMemoryStore(), engine.WithLogger(logger))
	ctrl, err := controller.New(eng, []controller.Target{{Target: engine.Target{
		Name:        "web",
		Environment: "production",
		Scope:       resource.Scope{Target: "web", Namespace: "web"},
		SyncPolicy:  engine.SyncPolicy{Prune: true},
		Source:      source.NewDirectory(dir),
		Cluster:     mem,
		Applier:     mem,
	}}}, controller.WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(server.New(ctrl, server.WithAPIKey(testKey), server.WithLogger(logger)).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestClientRoundTrip(t *testing.T) {
	ts := newServer(t)
	c := NewClient(ts.URL+"/", WithAPIKey(testKey))
	ctx := context.Background()
	settings := Identity{Kind: "ConfigMap", Namespace: "web", Name: "settings"}

	health, err := c.Health(ctx)
	if err != nil || health.Targets != 1 {
		t.Fatalf("Health = %+v, %v", health, err)
	}

	plan, err := c.Plan(ctx, "web")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !plan.DryRun || plan.Count("OutOfSync") != 1 {
		t.Errorf("plan = %+v", plan)
	}

	report, err := c.Sync(ctx, "web", nil)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.Aborted() || report.Count("Skipped") != 1 {
		t.Errorf("production sync without approval = %+v", report)
	}

	st, err := c.Target(ctx, "web")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]Identity{settings}, st.Pending); diff != "" {
		t.Errorf("pending mismatch (-want +got):\n%s", diff)
	}

	if err := c.Approve(ctx, "web", []Identity{settings}, nil); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	report, err = c.Sync(ctx, "web", nil)
	if err != nil {
		t.Fatal(err)
	}
	if report.Count("Succeeded") != 1 {
		t.Errorf("sync after approval = %+v", report)
	}

	history, err := c.History(ctx, settings, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	var outcomes []string
	for _, rec := range history {
		outcomes = append(outcomes, rec.Outcome)
	}
	if diff := cmp.Diff([]string{"Skipped", "Succeeded"}, outcomes); diff != "" {
		t.Errorf("history outcomes mismatch (-want +got):\n%s", diff)
	}

	targets, err := c.Targets(ctx)
	if err != nil || len(targets) != 1 {
		t.Errorf("Targets = %+v, %v", targets, err)
	}
}

func TestClientErrors(t *testing.T) {
	ts := newServer(t)
	ctx := context.Background()

	_, err := NewClient(ts.URL).Targets(ctx)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated err = %v, want 401 APIError", err)
	}

	_, err = NewClient(ts.URL, WithAPIKey(testKey)).Sync(ctx, "missing", nil)
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound || apiErr.ErrorCode != "not_found" {
		t.Errorf("unknown target err = %v, want 404 APIError", err)
	}
}
