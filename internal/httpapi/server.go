// Package httpapi implements the HTTP Surface (C8): the thin wire
// contract a dispatcher-backed worker process must expose — receiving
// push tasks from Cloud Tasks, a liveness probe, and Prometheus metrics.
// It mirrors the teacher's internal/api/server.go middleware chain
// (request id, recover, structured log, timeout), trimmed to only the
// routes this contract names.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/scrapeforge/crawlorch/internal/jobs"
)

// JobProcessor runs one job synchronously to its terminal State Store
// transition; implemented by *worker.Worker.
type JobProcessor interface {
	ProcessJob(ctx context.Context, token string, job *jobs.QueueJob)
}

// StatusReader answers what the State Store recorded for a job, used to
// report the outcome in the 200 response body (not as the HTTP status).
type StatusReader interface {
	GetJobState(ctx context.Context, jobID string) (jobs.Status, error)
}

// Server wires the HTTP handlers to the Worker Loop and State Store.
type Server struct {
	router  chi.Router
	worker  JobProcessor
	reader  StatusReader
	logger  *zap.Logger
	timeout time.Duration
}

type taskPayload struct {
	JobID   string       `json:"job_id"`
	Name    string       `json:"name"`
	Data    jobs.Payload `json:"data"`
	Options jobs.Options `json:"options"`
}

// New constructs a Server with middleware and routes installed.
func New(worker JobProcessor, reader StatusReader, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{worker: worker, reader: reader, logger: logger, timeout: 60 * time.Second}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(s.timeout))

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/tasks/process", s.tasksProcess)

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// taskResult is the documented wire response for /tasks/process:
// {success, jobId, [error]}.
type taskResult struct {
	Success bool   `json:"success"`
	JobID   string `json:"jobId"`
	Error   string `json:"error,omitempty"`
}

// tasksProcess decodes a Cloud Tasks push delivery and runs it through the
// Worker Loop's inner handler synchronously. Cloud Tasks treats any
// non-2xx as "retry"; since the State Store transition is already
// authoritative and the Scrape Orchestrator has its own retry policy, a
// terminal outcome of either kind is acknowledged with 200 so the
// dispatcher never redelivers on a permanent handler failure.
func (s *Server) tasksProcess(w http.ResponseWriter, r *http.Request) {
	var p taskPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if p.JobID == "" {
		writeError(w, http.StatusBadRequest, "job_id required")
		return
	}

	job := &jobs.QueueJob{ID: p.JobID, Name: p.Name, Data: p.Data, Options: p.Options}
	s.worker.ProcessJob(r.Context(), "", job)

	status, err := s.reader.GetJobState(r.Context(), p.JobID)
	if err != nil {
		s.logger.Error("post-process state read failed", zap.String("job_id", p.JobID), zap.Error(err))
		writeJSON(w, http.StatusOK, taskResult{Success: false, JobID: p.JobID, Error: "job state unknown after processing"})
		return
	}
	if !status.Terminal() {
		writeJSON(w, http.StatusOK, taskResult{Success: false, JobID: p.JobID, Error: "job did not reach a terminal state"})
		return
	}
	writeJSON(w, http.StatusOK, taskResult{Success: status == jobs.StatusCompleted, JobID: p.JobID})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
