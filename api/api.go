// Package api exposes the Test Execution Service over HTTP: submit a
// load test, poll or stream its status and metrics, and stop it early.
// Routing uses the standard library's method-and-pattern ServeMux — no
// router dependency earns its keep at this surface's size.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/99souls/loadgen/config"
	"github.com/99souls/loadgen/metrics"
	"github.com/99souls/loadgen/runner"
	"github.com/99souls/loadgen/service"
	"github.com/99souls/loadgen/telemetry/logging"
)

// Server wires a service.Service into an http.Handler. Profiles is
// optional; when nil, requests may not reference a named profile.
type Server struct {
	svc      *service.Service
	profiles *config.Store
	log      logging.Logger
	mux      *http.ServeMux
}

// New builds a Server. log may be nil to use the default logger.
func New(svc *service.Service, profiles *config.Store, log logging.Logger) *Server {
	if log == nil {
		log = logging.New(nil)
	}
	s := &Server{svc: svc, profiles: profiles, log: log, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/tests", s.handleStart)
	s.mux.HandleFunc("GET /api/tests", s.handleList)
	s.mux.HandleFunc("GET /api/tests/{id}", s.handleStatus)
	s.mux.HandleFunc("DELETE /api/tests/{id}", s.handleStop)
	s.mux.HandleFunc("GET /api/tests/{id}/stream", s.handleStream)
}

// rampSpecDTO is the wire shape of TestConfig.ramp_strategy.
type rampSpecDTO struct {
	Type            string  `json:"type"`
	Start           int     `json:"start,omitempty"`
	Max             int     `json:"max,omitempty"`
	Step            int     `json:"step,omitempty"`
	IntervalSeconds float64 `json:"interval_seconds,omitempty"`
	RampSeconds     float64 `json:"ramp_seconds,omitempty"`
}

func (d rampSpecDTO) toSpec() config.RampSpec {
	return config.RampSpec{
		Type:     d.Type,
		Start:    d.Start,
		Max:      d.Max,
		Step:     d.Step,
		Interval: time.Duration(d.IntervalSeconds * float64(time.Second)),
		Ramp:     time.Duration(d.RampSeconds * float64(time.Second)),
	}
}

// startRequest is the POST /api/tests body, matching spec.md §6 field
// names exactly.
type startRequest struct {
	TaskType            string      `json:"task_type"`
	TaskParameter       string      `json:"task_parameter"`
	TargetTPS           float64     `json:"target_tps,omitempty"`
	MaxConcurrency      int         `json:"max_concurrency"`
	StartingConcurrency int         `json:"starting_concurrency,omitempty"`
	TestDurationSeconds float64     `json:"test_duration_seconds"`
	WarmupSeconds       float64     `json:"warmup_seconds,omitempty"`
	RampStrategy        rampSpecDTO `json:"ramp_strategy"`
	Profile             string      `json:"profile,omitempty"`
}

func (req startRequest) toTestConfig() (runner.TestConfig, error) {
	strat, err := req.RampStrategy.toSpec().Build()
	if err != nil {
		return runner.TestConfig{}, err
	}
	startingConcurrency := req.StartingConcurrency
	if startingConcurrency == 0 {
		startingConcurrency = strat.StartingConcurrency()
	}
	return runner.TestConfig{
		TaskType:            req.TaskType,
		TaskParam:           req.TaskParameter,
		TargetTPS:           req.TargetTPS,
		MaxConcurrency:      req.MaxConcurrency,
		StartingConcurrency: startingConcurrency,
		Duration:            time.Duration(req.TestDurationSeconds * float64(time.Second)),
		WarmupDuration:      time.Duration(req.WarmupSeconds * float64(time.Second)),
		RampStrategy:        strat,
	}, nil
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request body: %w", err))
		return
	}

	cfg, err := s.resolveConfig(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	id, err := s.svc.Start(cfg)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.log.InfoCtx(r.Context(), "test started", "test_id", id, "task_type", cfg.TaskType)
	writeJSON(w, http.StatusCreated, map[string]any{"test_id": id, "status": "RUNNING"})
}

// resolveConfig builds the config from the request body alone when
// req.Profile is empty. When req.Profile is set, the named profile
// supplies everything and the request contributes only task_parameter;
// the body's other fields are not applied.
func (s *Server) resolveConfig(req startRequest) (runner.TestConfig, error) {
	if req.Profile == "" {
		return req.toTestConfig()
	}
	if s.profiles == nil {
		return runner.TestConfig{}, fmt.Errorf("api: no profile store configured, cannot resolve profile %q", req.Profile)
	}
	p, ok := s.profiles.Get(req.Profile)
	if !ok {
		return runner.TestConfig{}, fmt.Errorf("api: unknown profile %q", req.Profile)
	}
	return p.TestConfig(req.TaskParameter)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, ok := s.svc.Status(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("test %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, statusDTO(st))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.svc.Stop(id) {
		if _, ok := s.svc.Status(id); !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("test %q not found", id))
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Errorf("test %q already in a terminal state", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"test_id": id, "status": "STOPPED"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	active := s.svc.ListActive()
	out := make(map[string]any, len(active))
	for id, brief := range active {
		out[id] = map[string]any{
			"status":     brief.Status,
			"started_at": brief.StartedAt,
			"task_type":  brief.TaskType,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"active_tests": out, "count": len(out)})
}

// handleStream serves a Server-Sent-Events feed of MetricsSnapshot JSON,
// one event per publisher tick, until the client disconnects. The
// stream is not closed when the run reaches a terminal state; it simply
// receives no further events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ch, unsubscribe, ok := s.svc.Subscribe(id, 8)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("test %q not found", id))
		return
	}
	defer unsubscribe()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	for {
		select {
		case snap, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(metricsDTO(id, snap, snap.ActiveTasks))
			if err != nil {
				s.log.ErrorCtx(ctx, "stream: marshal snapshot failed", "test_id", id, "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func statusDTO(st service.TestStatus) map[string]any {
	return map[string]any{
		"test_id":         st.TestID,
		"status":          st.Status,
		"started_at":      st.StartedAt,
		"elapsed_seconds": st.Elapsed.Seconds(),
		"configuration":   configDTO(st.Config),
		"current_metrics": metricsDTO(st.TestID, st.Metrics, st.Active),
	}
}

func configDTO(c runner.TestConfig) map[string]any {
	return map[string]any{
		"task_type":             c.TaskType,
		"target_tps":            c.TargetTPS,
		"max_concurrency":       c.MaxConcurrency,
		"starting_concurrency":  c.StartingConcurrency,
		"test_duration_seconds": c.Duration.Seconds(),
		"warmup_seconds":        c.WarmupDuration.Seconds(),
		"mode":                  c.Mode.String(),
	}
}

// metricsDTO builds the exact field set spec.md §6.4 names for a status
// response or a streamed SSE event.
func metricsDTO(testID string, snap metrics.Snapshot, active int64) map[string]any {
	return map[string]any{
		"test_id":             testID,
		"timestamp_ms":        snap.TakenAt.UnixMilli(),
		"total_requests":      snap.Total,
		"successful_requests": snap.Successful,
		"failed_requests":     snap.Failed,
		"success_rate":        snap.SuccessRate,
		"active_tasks":        active,
		"current_tps":         snap.CurrentTPS,
		"avg_latency_ms":      snap.AvgLatencyMs,
		"min_latency_ms":      float64(snap.MinLatency.Microseconds()) / 1000,
		"max_latency_ms":      float64(snap.MaxLatency.Microseconds()) / 1000,
		"latency_percentiles": map[string]float64{
			"p50":   float64(snap.Percentiles.P50.Microseconds()) / 1000,
			"p75":   float64(snap.Percentiles.P75.Microseconds()) / 1000,
			"p90":   float64(snap.Percentiles.P90.Microseconds()) / 1000,
			"p95":   float64(snap.Percentiles.P95.Microseconds()) / 1000,
			"p99":   float64(snap.Percentiles.P99.Microseconds()) / 1000,
			"p99.9": float64(snap.Percentiles.P999.Microseconds()) / 1000,
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
