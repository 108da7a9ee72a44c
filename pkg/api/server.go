package api

import (
	"context"
	"net/http"
	"time"

	"github.com/duplikit/duplikit/pkg/events"
	"github.com/duplikit/duplikit/pkg/log"
	"github.com/duplikit/duplikit/pkg/metrics"
	"github.com/duplikit/duplikit/pkg/service"
	"github.com/duplikit/duplikit/pkg/storage"
	"github.com/duplikit/duplikit/pkg/types"
	"github.com/rs/zerolog"
)

// Server is the HTTP control-plane API: operator session management plus
// the agent callback surface.
type Server struct {
	svc    *service.Service
	broker *events.Broker
	store  storage.Store
	mux    *http.ServeMux
	http   *http.Server
	logger zerolog.Logger
}

// NewServer creates the API server and registers all routes
func NewServer(svc *service.Service, broker *events.Broker, store storage.Store) *Server {
	s := &Server{
		svc:    svc,
		broker: broker,
		store:  store,
		mux:    http.NewServeMux(),
		logger: log.WithComponent("api"),
	}

	// Operator surface
	s.handle("POST /v1/sessions", "create_session", s.createSession)
	s.handle("GET /v1/sessions", "list_sessions", s.listSessions)
	s.handle("GET /v1/sessions/{id}", "get_session", s.getSession)
	s.handle("POST /v1/sessions/{id}/cancel", "cancel_session", s.cancelSession)
	s.handle("GET /v1/sessions/{id}/plan", "get_plan", s.getPlan)
	s.handle("PUT /v1/sessions/{id}/plan", "update_plan", s.updatePlan)
	s.handle("POST /v1/sessions/{id}/plan/suggest", "suggest_plan", s.suggestPlan)
	s.handle("GET /v1/sessions/{id}/plan/growth", "get_growth", s.getGrowth)
	s.handle("GET /v1/events", "watch_events", s.watchEvents)

	// Agent callbacks
	s.handle("POST /v1/sessions/{id}/source-ready", "source_ready", s.sourceReady)
	s.handle("POST /v1/sessions/{id}/partition-table", "partition_table", s.partitionTable)
	s.handle("POST /v1/sessions/{id}/progress", "progress", s.progress)
	s.handle("POST /v1/sessions/{id}/complete", "complete", s.complete)
	s.handle("POST /v1/sessions/{id}/fail", "fail", s.fail)
	s.handle("POST /v1/sessions/{id}/staging/provision", "staging_provision", s.stagingProvision)
	s.handle("POST /v1/sessions/{id}/staging/upload-started", "upload_started", s.uploadStarted)
	s.handle("POST /v1/sessions/{id}/staging/upload-complete", "upload_complete", s.uploadComplete)
	s.handle("POST /v1/sessions/{id}/staging/download-started", "download_started", s.downloadStarted)

	// Operational endpoints
	s.mux.HandleFunc("GET /healthz", s.health)
	s.mux.HandleFunc("GET /readyz", s.ready)
	s.mux.Handle("GET /metrics", metrics.Handler())

	return s
}

// handle registers a route with request metrics
func (s *Server) handle(pattern, operation string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		h(rec, r)

		metrics.APIRequestsTotal.WithLabelValues(operation, httpStatusClass(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush passes through so the event stream can flush per event
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func httpStatusClass(status int) string {
	switch {
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// Handler returns the routing handler, for embedding and tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves the API on addr until Shutdown
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // event streams are long-lived
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("API listening")
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionWire
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorWire{Error: "invalid JSON body"})
		return
	}

	session, err := s.svc.Create(r.Context(), req.toRequest())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionToWire(&service.SessionView{Session: session}))
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	views, err := s.svc.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	wires := make([]*sessionWire, 0, len(views))
	for _, v := range views {
		wires = append(wires, sessionToWire(v))
	}
	writeJSON(w, http.StatusOK, wires)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionToWire(view))
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Cancel(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.svc.GetResizePlan(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, planToWire(plan))
}

func (s *Server) updatePlan(w http.ResponseWriter, r *http.Request) {
	var req resizePlanWire
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorWire{Error: "invalid JSON body"})
		return
	}

	if err := s.svc.UpdateResizePlan(r.Context(), r.PathValue("id"), req.toPlan()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) suggestPlan(w http.ResponseWriter, r *http.Request) {
	var req suggestPlanWire
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorWire{Error: "invalid JSON body"})
		return
	}

	plan, err := s.svc.SuggestResizePlan(r.Context(), r.PathValue("id"), req.TargetDiskSize)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, planToWire(plan))
}

func (s *Server) getGrowth(w http.ResponseWriter, r *http.Request) {
	growth, err := s.svc.GrowthPlan(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if growth == nil {
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	g := growthWire(*growth)
	writeJSON(w, http.StatusOK, &g)
}

func (s *Server) sourceReady(w http.ResponseWriter, r *http.Request) {
	var req sourceReadyWire
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorWire{Error: "invalid JSON body"})
		return
	}

	if err := s.svc.ReportSourceReady(r.Context(), r.PathValue("id"), req.ListenAddr, req.BytesTotal); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) partitionTable(w http.ResponseWriter, r *http.Request) {
	var req partitionTableWire
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorWire{Error: "invalid JSON body"})
		return
	}

	if err := s.svc.ReportPartitionTable(r.Context(), r.PathValue("id"), req.toTable()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) progress(w http.ResponseWriter, r *http.Request) {
	var req progressWire
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorWire{Error: "invalid JSON body"})
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	sample := types.ProgressSample{
		Timestamp:        req.Timestamp,
		BytesTransferred: req.BytesTransferred,
	}
	if err := s.svc.ReportProgress(r.Context(), r.PathValue("id"), sample, req.BytesTotal); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) complete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Complete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request) {
	var req failWire
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorWire{Error: "invalid JSON body"})
		return
	}

	if err := s.svc.Fail(r.Context(), r.PathValue("id"), req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stagingProvision(w http.ResponseWriter, r *http.Request) {
	handle, err := s.svc.ProvisionStaging(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, handleWire{Handle: handle})
}

func (s *Server) uploadStarted(w http.ResponseWriter, r *http.Request) {
	var req uploadStartedWire
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorWire{Error: "invalid JSON body"})
		return
	}

	if err := s.svc.StartUpload(r.Context(), r.PathValue("id"), req.BytesTotal); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) uploadComplete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.FinishUpload(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) downloadStarted(w http.ResponseWriter, r *http.Request) {
	handle, err := s.svc.StartDownload(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, handleWire{Handle: handle})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true

	if _, err := s.store.ListSessions(); err != nil {
		checks["storage"] = err.Error()
		ready = false
	} else {
		checks["storage"] = "ok"
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": ready, "checks": checks})
}
