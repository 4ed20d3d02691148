// Package http exposes the engine's REST surface. It is a thin wrapper: all
// validation and state transitions happen in the submit service and the store.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/ignatij/gosched/internal/log"
	"github.com/ignatij/gosched/internal/metrics"
	"github.com/ignatij/gosched/pkg/models"
	"github.com/ignatij/gosched/pkg/service"
	"github.com/ignatij/gosched/pkg/storage"
)

type Server struct {
	router *chi.Mux
	submit *service.SubmitService
	store  storage.Store
}

type batchRequest struct {
	Tasks []models.TaskSpec `json:"tasks"`
}

type batchResponse struct {
	Tasks []models.Task `json:"tasks"`
	Count int           `json:"count"`
}

type listResponse struct {
	Tasks []models.Task `json:"tasks"`
	Total int           `json:"total"`
}

type errorResponse struct {
	Error   string      `json:"error"`
	Code    string      `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

func NewServer(store storage.Store, submit *service.SubmitService, m *metrics.Metrics) *Server {
	s := &Server{
		router: chi.NewRouter(),
		submit: submit,
		store:  store,
	}
	if m != nil {
		s.router.Use(m.Middleware)
		s.router.Method(http.MethodGet, "/metrics", m.Handler())
	}
	s.router.Get("/healthz", s.healthz)
	s.router.Post("/tasks", s.createTask)
	s.router.Post("/tasks/batch", s.createBatch)
	s.router.Get("/tasks", s.listTasks)
	s.router.Get("/tasks/{id}", s.getTask)
	return s
}

// Handler returns the routing tree, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until SIGINT/SIGTERM, then shuts down gracefully.
func (s *Server) Run(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	httpServer := http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	done := make(chan struct{})
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-quit
		log.GetLogger().Info("Server is shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.GetLogger().Errorf("Server forced to shutdown: %v", err)
		}
		close(done)
	}()

	log.GetLogger().Infof("Server serving on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	<-done
	log.GetLogger().Info("Server stopped")
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var spec models.TaskSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, &models.ValidationError{Msg: "invalid JSON body"})
		return
	}
	task, err := s.submit.Submit(spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) createBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &models.ValidationError{Msg: "invalid JSON body"})
		return
	}
	tasks, err := s.submit.SubmitBatch(req.Tasks)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, batchResponse{Tasks: tasks, Count: len(tasks)})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	filter := models.TaskFilter{
		Status: models.TaskStatus(r.URL.Query().Get("status")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &filter.Limit)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		fmt.Sscanf(v, "%d", &filter.Offset)
	}
	tasks, total, err := s.store.ListTasks(filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Tasks: tasks, Total: total})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

// writeError maps domain errors to status codes: malformed input is 400,
// conflicts with existing state (duplicate ids, unknown dependencies, cycles)
// are 409, missing rows are 404, anything else is a 500.
func writeError(w http.ResponseWriter, err error) {
	var (
		validation *models.ValidationError
		duplicate  *storage.DuplicateIDError
		unknownDep *storage.UnknownDependencyError
		cycle      *storage.CycleError
		conflict   *storage.StateConflictError
	)
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "VALIDATION_ERROR"})
	case errors.As(err, &duplicate):
		writeJSON(w, http.StatusConflict, errorResponse{
			Error: err.Error(), Code: "DUPLICATE_ID", Details: duplicate.IDs})
	case errors.As(err, &unknownDep):
		writeJSON(w, http.StatusConflict, errorResponse{
			Error: err.Error(), Code: "UNKNOWN_DEPENDENCY", Details: unknownDep.Missing})
	case errors.As(err, &cycle):
		writeJSON(w, http.StatusConflict, errorResponse{
			Error: err.Error(), Code: "CYCLE_IN_BATCH", Details: cycle.IDs})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "STATE_CONFLICT"})
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "task not found", Code: "NOT_FOUND"})
	default:
		log.GetLogger().Errorf("Internal error: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error", Code: "STORE_ERROR"})
	}
}
