// Package server exposes target status, on-demand syncs, approvals,
// history and live events over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/szaher/gitsync/internal/auth"
	"github.com/szaher/gitsync/internal/controller"
	"github.com/szaher/gitsync/internal/events"
	"github.com/szaher/gitsync/internal/resource"
	"github.com/szaher/gitsync/internal/state"
	"github.com/szaher/gitsync/internal/telemetry"
)

// Server is the gitsync API server.
type Server struct {
	ctrl      *controller.Controller
	store     state.Store
	mux       *http.ServeMux
	server    *http.Server
	closing   chan struct{}
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	events    *events.Broadcaster
	limiter   *auth.RateLimiter
	apiKey    string
	noAuth    bool
	version   string
	startTime time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithAPIKey sets the API key for authentication.
func WithAPIKey(key string) Option {
	return func(s *Server) { s.apiKey = key }
}

// WithNoAuth disables authentication.
func WithNoAuth(noAuth bool) Option {
	return func(s *Server) { s.noAuth = noAuth }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics serves m on /metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithEvents streams b on /v1/events.
func WithEvents(b *events.Broadcaster) Option {
	return func(s *Server) { s.events = b }
}

// WithRateLimiter limits requests per client and blocks clients that keep
// failing authentication.
func WithRateLimiter(rl *auth.RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// New creates a server for ctrl.
func New(ctrl *controller.Controller, opts ...Option) *Server {
	s := &Server{
		ctrl:      ctrl,
		store:     ctrl.Engine().Store(),
		logger:    slog.Default(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /v1/targets", s.handleListTargets)
	mux.HandleFunc("GET /v1/targets/{name}", s.handleGetTarget)
	mux.HandleFunc("GET /v1/targets/{name}/plan", s.handlePlan)
	mux.HandleFunc("POST /v1/targets/{name}/sync", s.handleSync)
	mux.HandleFunc("POST /v1/targets/{name}/approve", s.handleApprove)
	mux.HandleFunc("GET /v1/history", s.handleHistory)
	if s.events != nil {
		mux.HandleFunc("GET /v1/events", s.handleEvents)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	s.mux = mux
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Event streams never finish on their own.
	s.closing = make(chan struct{})
	s.server.RegisterOnShutdown(func() { close(s.closing) })
	return s
}

// Handler returns the HTTP handler with authentication and rate limiting
// applied.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = auth.Middleware(s.apiKey, s.noAuth, []string{"/healthz", "/metrics"}, s.limiter)(h)
	if s.limiter != nil {
		h = s.limiter.Middleware(auth.ClientIPKeyFunc)(h)
	}
	return h
}

// ListenAndServe serves on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.server.Addr = addr
	s.logger.Info("api server starting", "addr", addr, "targets", len(s.ctrl.Targets()))
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server. A later ListenAndServe returns
// immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"targets": len(s.ctrl.Targets()),
		"version": s.version,
	})
}

func (s *Server) handleListTargets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"targets": s.ctrl.Statuses()})
}

func (s *Server) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	st, ok := s.ctrl.Status(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("target %q not found", r.PathValue("name")))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// SyncRequest is the body of POST /v1/targets/{name}/sync. An empty body
// runs a normal pass.
type SyncRequest struct {
	DryRun        bool                `json:"dry_run,omitempty"`
	Approve       []resource.Identity `json:"approve,omitempty"`
	ApproveGroups []string            `json:"approve_groups,omitempty"`
	ApproveAll    bool                `json:"approve_all,omitempty"`
}

// ApproveRequest is the body of POST /v1/targets/{name}/approve. With no
// resources and no groups every pending change of the target is approved.
type ApproveRequest struct {
	Resources []resource.Identity `json:"resources,omitempty"`
	Groups    []string            `json:"groups,omitempty"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.runPass(w, r, controller.SyncOptions{
		DryRun:         req.DryRun,
		Approved:       req.Approve,
		ApprovedGroups: req.ApproveGroups,
		ApproveAll:     req.ApproveAll,
	})
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	s.runPass(w, r, controller.SyncOptions{DryRun: true})
}

// runPass runs a pass and writes its report. An aborted pass still
// returns 200; the report's outcome says what happened.
func (s *Server) runPass(w http.ResponseWriter, r *http.Request, opts controller.SyncOptions) {
	name := r.PathValue("name")
	// A client hanging up must not cancel a pass mid-apply.
	ctx := context.WithoutCancel(r.Context())
	report, err := s.ctrl.Sync(ctx, name, opts)
	if errors.Is(err, controller.ErrUnknownTarget) {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("target %q not found", name))
		return
	}
	if err != nil {
		s.logger.Warn("pass aborted", "target", name, "error", report.Error)
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req ApproveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	for _, id := range req.Resources {
		if id.Kind == "" || id.Name == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "resources need kind and name")
			return
		}
	}
	if err := s.ctrl.Approve(name, req.Resources, req.Groups); err != nil {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("target %q not found", name))
		return
	}
	st, _ := s.ctrl.Status(name)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"target":   name,
		"approved": st.Approved,
		"all":      len(req.Resources) == 0 && len(req.Groups) == 0,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := resource.Identity{Kind: q.Get("kind"), Namespace: q.Get("namespace"), Name: q.Get("name")}
	if id.Kind == "" || id.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "kind and name are required")
		return
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	records, err := s.store.History(r.Context(), id, limit)
	if err != nil {
		status := http.StatusInternalServerError
		if state.IsUnavailable(err) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, "store_error", err.Error())
		return
	}
	if records == nil {
		records = []state.SyncRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"identity": id,
		"records":  records,
	})
}

// handleEvents streams pass events as server-sent events. ?target= limits
// the stream to one target.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}
	target := r.URL.Query().Get("target")

	ch, cancel := s.events.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if target != "" && ev.Data["target"] != target {
				continue
			}
			data, err := ev.JSON()
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
