// Package server exposes the assistant over a local HTTP API: events, skill
// management, the approval queue and its command surface, detection,
// classification and rollback.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/jingkaihe/autoskill/pkg/approval"
	"github.com/jingkaihe/autoskill/pkg/assistant"
	"github.com/jingkaihe/autoskill/pkg/logger"
	"github.com/jingkaihe/autoskill/pkg/patterns"
	"github.com/jingkaihe/autoskill/pkg/presenter"
	"github.com/jingkaihe/autoskill/pkg/registry"
	"github.com/jingkaihe/autoskill/pkg/skills"
	"github.com/jingkaihe/autoskill/pkg/version"
	"github.com/jingkaihe/autoskill/pkg/zones"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v4/process"
)

// maxBodySize bounds request bodies.
const maxBodySize = 1 << 20

// Server is the HTTP command surface.
type Server struct {
	router    *mux.Router
	assistant *assistant.Assistant
	config    *ServerConfig
	server    *http.Server
}

// ServerConfig holds the configuration for the HTTP server
type ServerConfig struct {
	Host string
	Port int
}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	if c.Host == "" {
		return errors.New("host cannot be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	return nil
}

// NewServer creates a server backed by a.
func NewServer(a *assistant.Assistant, config *ServerConfig) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid server configuration")
	}
	s := &Server{
		router:    mux.NewRouter(),
		assistant: a,
		config:    config,
	}
	s.setupRoutes()
	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	api.HandleFunc("/events", s.handleEvent).Methods("POST")
	api.HandleFunc("/events/match", s.handleMatch).Methods("POST")

	api.HandleFunc("/skills", s.handleListSkills).Methods("GET")
	api.HandleFunc("/skills/{name}", s.handleGetSkill).Methods("GET")
	api.HandleFunc("/skills/{name}/run", s.handleRunSkill).Methods("POST")
	api.HandleFunc("/skills/{name}/enable", s.handleSetEnabled(true)).Methods("POST")
	api.HandleFunc("/skills/{name}/disable", s.handleSetEnabled(false)).Methods("POST")

	api.HandleFunc("/executions", s.handleListExecutions).Methods("GET")
	api.HandleFunc("/executions/{id}/stop", s.handleStop).Methods("POST")

	api.HandleFunc("/queue", s.handleListQueue).Methods("GET")
	api.HandleFunc("/queue/commands", s.handleCommands).Methods("POST")
	api.HandleFunc("/queue/{id}/approve", s.handleApprove).Methods("POST")
	api.HandleFunc("/queue/{id}/reject", s.handleReject).Methods("POST")

	api.HandleFunc("/detect", s.handleDetect).Methods("POST")
	api.HandleFunc("/classify", s.handleClassify).Methods("POST")

	api.HandleFunc("/deployments", s.handleListDeployments).Methods("GET")
	api.HandleFunc("/deployments/{name}/rollback", s.handleRollback).Methods("POST")

	s.router.Use(s.loggingMiddleware)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		logger.G(r.Context()).WithFields(map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rw.statusCode,
			"duration":    time.Since(start),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// handleHealth handles GET /api/health with the server's own resource usage.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"skills":  s.assistant.Registry().Len(),
		"running": len(s.assistant.Executor().Running()),
		"pid":     os.Getpid(),
		"version": version.Get().Version,
	}
	if proc, err := process.NewProcessWithContext(r.Context(), int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfoWithContext(r.Context()); err == nil {
			body["rss_bytes"] = mem.RSS
		}
	}
	s.writeJSONResponse(w, r, body)
}

// handleEvent handles POST /api/events
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev assistant.Event
	if !s.decode(w, r, &ev) {
		return
	}
	out, err := s.assistant.HandleEvent(r.Context(), ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSONResponse(w, r, out)
}

// handleMatch handles POST /api/events/match. Nothing is executed.
func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	var ev assistant.Event
	if !s.decode(w, r, &ev) {
		return
	}
	matches := s.assistant.Match(ev)
	if matches == nil {
		matches = []registry.Match{}
	}
	s.writeJSONResponse(w, r, map[string]any{"matches": matches})
}

func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, r, map[string]any{"skills": s.assistant.Skills()})
}

func (s *Server) handleGetSkill(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	def, ok := s.assistant.Registry().Get(name)
	if !ok {
		s.writeError(w, r, errors.Wrapf(registry.ErrNotFound, "%s", name))
		return
	}
	s.writeJSONResponse(w, r, map[string]any{
		"skill":      def,
		"info":       s.assistant.Info(def),
		"tools_used": skills.ToolsUsed(def.Process),
		"composes":   skills.SkillsComposed(def.Process),
	})
}

func (s *Server) handleRunSkill(w http.ResponseWriter, r *http.Request) {
	var ev assistant.Event
	if !s.decode(w, r, &ev) {
		return
	}
	out, err := s.assistant.RunSkill(r.Context(), mux.Vars(r)["name"], ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSONResponse(w, r, out)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reasonRequest
		if !s.decode(w, r, &req) {
			return
		}
		name := mux.Vars(r)["name"]
		if err := s.assistant.SetEnabled(r.Context(), name, enabled, req.Reason); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSONResponse(w, r, map[string]any{"name": name, "enabled": enabled})
	}
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, r, map[string]any{"running": s.assistant.Executor().Running()})
}

// handleStop handles POST /api/executions/{id}/stop. The stop is observed at
// the next step boundary.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.assistant.Stop(id) {
		s.writeErrorResponse(w, r, http.StatusNotFound, fmt.Sprintf("execution %s is not running", id), nil)
		return
	}
	s.writeJSONResponse(w, r, map[string]any{"execution_id": id, "stop_requested": true})
}

// handleListQueue handles GET /api/queue?status=pending
func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	doc, err := s.assistant.Gate().Queue().Snapshot(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := patterns.Status(r.URL.Query().Get("status"))
	items := []approval.Item{}
	for _, item := range doc.Items() {
		if status == "" || item.Status == status {
			items = append(items, item)
		}
	}
	s.writeJSONResponse(w, r, map[string]any{"items": items, "revision": doc.Revision})
}

type commandsRequest struct {
	Text string `json:"text"`
}

// handleCommands handles POST /api/queue/commands with approve/reject text.
func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	var req commandsRequest
	if !s.decode(w, r, &req) {
		return
	}
	outcomes, err := s.assistant.Gate().Dispatch(r.Context(), req.Text)
	if err != nil {
		s.writeErrorResponse(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	}
	s.writeJSONResponse(w, r, map[string]any{"outcomes": outcomes})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	item, err := s.assistant.Gate().Approve(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSONResponse(w, r, item)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		s.writeErrorResponse(w, r, http.StatusBadRequest, "a rejection reason is required", nil)
		return
	}
	item, err := s.assistant.Gate().Reject(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSONResponse(w, r, item)
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	report, err := s.assistant.Detect(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSONResponse(w, r, report)
}

type classifyRequest struct {
	Operation zones.Operation    `json:"operation"`
	Skill     *skills.Definition `json:"skill,omitempty"`
	// Submit disposes of the operation instead of only classifying it.
	Submit bool `json:"submit,omitempty"`
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Operation.Type == "" {
		s.writeErrorResponse(w, r, http.StatusBadRequest, "operation type is required", nil)
		return
	}

	if !req.Submit {
		res, err := s.assistant.Classify(r.Context(), req.Operation, req.Skill)
		if err != nil {
			s.writeErrorResponse(w, r, http.StatusBadRequest, err.Error(), nil)
			return
		}
		s.writeJSONResponse(w, r, map[string]any{"classification": res})
		return
	}

	decision, err := s.assistant.Submit(r.Context(), req.Operation, req.Skill)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSONResponse(w, r, decision)
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	deployments, err := s.assistant.Gate().Queue().Deployments(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if deployments == nil {
		deployments = []approval.Deployment{}
	}
	s.writeJSONResponse(w, r, map[string]any{"deployments": deployments})
}

// handleRollback handles POST /api/deployments/{name}/rollback. A refused
// rollback is reported in the body with 409, not as a server error.
func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	res, err := s.assistant.Gate().Rollback(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !res.Success {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		if err := json.NewEncoder(w).Encode(res); err != nil {
			logger.G(r.Context()).WithError(err).Error("failed to encode rollback response")
		}
		return
	}
	s.writeJSONResponse(w, r, res)
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v); err != nil {
		s.writeErrorResponse(w, r, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

// writeJSONResponse writes a JSON response
func (s *Server) writeJSONResponse(w http.ResponseWriter, r *http.Request, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.G(r.Context()).WithError(err).Error("failed to encode JSON response")
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

// writeError maps engine errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, approval.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, approval.ErrResolved), errors.Is(err, patterns.ErrCycleInProgress):
		status = http.StatusConflict
	case errors.Is(err, approval.ErrUnsupportedVersion):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		s.writeErrorResponse(w, r, status, "request failed", err)
		return
	}
	s.writeErrorResponse(w, r, status, err.Error(), nil)
}

// writeErrorResponse writes an error response
func (s *Server) writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, message string, err error) {
	if err != nil {
		logger.G(r.Context()).WithError(err).Error(message)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := map[string]any{
		"error":   message,
		"status":  statusCode,
		"success": false,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.G(r.Context()).WithError(err).Error("failed to encode error response")
	}
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:              address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	presenter.Info(fmt.Sprintf("Starting autoskill API on http://%s", address))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.G(ctx).WithError(err).Error("HTTP server error")
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// Close stops the server immediately.
func (s *Server) Close() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}
