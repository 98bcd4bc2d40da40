package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/szaher/gitsync/internal/cluster"
	"github.com/szaher/gitsync/internal/controller"
	"github.com/szaher/gitsync/internal/engine"
	"github.com/szaher/gitsync/internal/events"
	"github.com/szaher/gitsync/internal/resource"
	"github.com/szaher/gitsync/internal/source"
	"github.com/szaher/gitsync/internal/state"
	"github.com/szaher/gitsync/internal/telemetry"
	"github.com/szaher/gitsync/internal/testutil"
)

const testKey = "test-key"

var settings = resource.Identity{Kind: "ConfigMap", Namespace: "web", Name: "settings"}

type fixture struct {
	srv    *Server
	ctrl   *controller.Controller
	mem    *cluster.Memory
	events *events.Broadcaster
}

func newFixture(t *testing.T, env string) *fixture {
	t.Helper()
	dir := testutil.ManifestDir(t, map[string]string{
		"settings.yaml": testutil.ConfigMap("web", "settings", "mode", "blue"),
	})

	logger := testutil.Logger()
	mem := cluster.NewMemory(cluster.Options{})
	bc := events.NewBroadcaster(16)
	metrics := telemetry.NewMetrics()
	eng := engine.New(state.NewMemoryStore(),
		engine.WithLogger(logger), engine.WithEmitter(bc), engine.WithMetrics(metrics))
	ctrl, err := controller.New(eng, []controller.Target{{Target: engine.Target{
		Name:        "web",
		Environment: env,
		Scope:       resource.Scope{Target: "web", Namespace: "web"},
		SyncPolicy:  engine.SyncPolicy{Prune: true},
		Source:      source.NewDirectory(dir),
		Cluster:     mem,
		Applier:     mem,
	}}}, controller.WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}
	srv := New(ctrl,
		WithAPIKey(testKey),
		WithLogger(logger),
		WithMetrics(metrics),
		WithEvents(bc),
		WithVersion("test"),
	)
	return &fixture{srv: srv, ctrl: ctrl, mem: mem, events: bc}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	f := newFixture(t, "dev")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]interface{}
	decode(t, rec, &body)
	if body["version"] != "test" || body["targets"] != float64(1) {
		t.Errorf("body = %v", body)
	}
}

func TestTargetsRequireAuth(t *testing.T) {
	f := newFixture(t, "dev")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/targets", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestSyncAndStatus(t *testing.T) {
	f := newFixture(t, "dev")

	rec := f.do(t, http.MethodPost, "/v1/targets/web/sync", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("sync status = %d: %s", rec.Code, rec.Body)
	}
	var report engine.Report
	decode(t, rec, &report)
	if report.Outcome != engine.PassCompleted || report.Count(state.OutcomeSucceeded) != 1 {
		t.Errorf("report = %+v", report)
	}
	if _, ok := f.mem.Object(settings); !ok {
		t.Error("sync did not apply the ConfigMap")
	}

	rec = f.do(t, http.MethodGet, "/v1/targets/web", "")
	var st controller.Status
	decode(t, rec, &st)
	if st.LastReport == nil || st.LastReport.PassID != report.PassID {
		t.Errorf("status last report = %+v, want pass %s", st.LastReport, report.PassID)
	}

	rec = f.do(t, http.MethodGet, "/v1/targets", "")
	var list struct {
		Targets []controller.Status `json:"targets"`
	}
	decode(t, rec, &list)
	if len(list.Targets) != 1 || list.Targets[0].Name != "web" {
		t.Errorf("targets = %+v", list.Targets)
	}
}

func TestPlanDoesNotApply(t *testing.T) {
	f := newFixture(t, "dev")
	rec := f.do(t, http.MethodGet, "/v1/targets/web/plan", "")
	var report engine.Report
	decode(t, rec, &report)
	if !report.DryRun || report.Count(engine.OutcomeOutOfSync) != 1 {
		t.Errorf("report = %+v", report)
	}
	if _, ok := f.mem.Object(settings); ok {
		t.Error("plan applied a resource")
	}
}

func TestApproveThenSync(t *testing.T) {
	f := newFixture(t, "production")

	var report engine.Report
	decode(t, f.do(t, http.MethodPost, "/v1/targets/web/sync", ""), &report)
	if len(report.Pending()) != 1 {
		t.Fatalf("pending = %v, want the ConfigMap", report.Pending())
	}

	body, _ := json.Marshal(ApproveRequest{Resources: []resource.Identity{settings}})
	rec := f.do(t, http.MethodPost, "/v1/targets/web/approve", string(body))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("approve status = %d: %s", rec.Code, rec.Body)
	}

	decode(t, f.do(t, http.MethodPost, "/v1/targets/web/sync", ""), &report)
	if report.Count(state.OutcomeSucceeded) != 1 {
		t.Errorf("report after approval = %+v", report)
	}
}

func TestSyncWithInlineApproval(t *testing.T) {
	f := newFixture(t, "production")
	var report engine.Report
	decode(t, f.do(t, http.MethodPost, "/v1/targets/web/sync", `{"approve_all": true}`), &report)
	if report.Count(state.OutcomeSucceeded) != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestHistory(t *testing.T) {
	f := newFixture(t, "dev")
	f.do(t, http.MethodPost, "/v1/targets/web/sync", "")

	rec := f.do(t, http.MethodGet, "/v1/history?kind=ConfigMap&namespace=web&name=settings&limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var body struct {
		Records []state.SyncRecord `json:"records"`
	}
	decode(t, rec, &body)
	if len(body.Records) != 1 || body.Records[0].Outcome != state.OutcomeSucceeded || body.Records[0].Target != "web" {
		t.Errorf("records = %+v", body.Records)
	}

	if rec := f.do(t, http.MethodGet, "/v1/history?kind=ConfigMap", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing name: status = %d, want 400", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/v1/history?kind=ConfigMap&name=x&limit=-1", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit: status = %d, want 400", rec.Code)
	}
}

func TestErrors(t *testing.T) {
	f := newFixture(t, "dev")
	tests := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodGet, "/v1/targets/nope", "", http.StatusNotFound},
		{http.MethodPost, "/v1/targets/nope/sync", "", http.StatusNotFound},
		{http.MethodPost, "/v1/targets/nope/approve", "", http.StatusNotFound},
		{http.MethodPost, "/v1/targets/web/sync", `{"dry_run": "yes"}`, http.StatusBadRequest},
		{http.MethodPost, "/v1/targets/web/sync", `{"unknown": 1}`, http.StatusBadRequest},
		{http.MethodPost, "/v1/targets/web/approve", `{"resources": [{"kind": "ConfigMap"}]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		if rec := f.do(t, tt.method, tt.path, tt.body); rec.Code != tt.want {
			t.Errorf("%s %s %s: status = %d, want %d", tt.method, tt.path, tt.body, rec.Code, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, "dev")
	f.do(t, http.MethodPost, "/v1/targets/web/sync", "")

	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("gitsync_")) {
		t.Errorf("metrics output has no gitsync series:\n%s", rec.Body)
	}
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, "dev")
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events?target=web", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	for f.events.Subscribers() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	go func() { _, _ = f.ctrl.Sync(context.Background(), "web", controller.SyncOptions{}) }()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if scanner.Text() == "event: "+string(events.PassCompleted) {
			return
		}
	}
	t.Fatalf("stream ended without %s: %v", events.PassCompleted, scanner.Err())
}
