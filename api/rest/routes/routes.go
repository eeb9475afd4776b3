package routes

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"

	"flaccy/api/rest/handlers"
	"flaccy/core/events"
	"flaccy/core/monitoring"
	"flaccy/storage"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Dependencies carries the components the API is built from
type Dependencies struct {
	Submitter handlers.Submitter
	Jobs      handlers.JobReader
	Events    events.Log
	Artifacts storage.Backend
	Authorize *storage.Authorizer
	Searcher  handlers.Searcher
	Services  handlers.ServiceLister
	Metrics   *monitoring.MetricsExporter

	DB    handlers.Pinger
	Queue handlers.Pinger

	Stream handlers.StreamOptions
	Files  handlers.FileOptions
	Logger *zap.Logger
}

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, deps Dependencies) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	jobHandler := handlers.NewJobHandler(deps.Submitter, deps.Jobs, deps.Events, logger)
	eventHandler := handlers.NewEventHandler(deps.Jobs, deps.Events, deps.Stream, logger)
	fileHandler := handlers.NewFileHandler(deps.Artifacts, deps.Authorize, deps.Files, logger)
	searchHandler := handlers.NewSearchHandler(deps.Searcher, deps.Services, logger)
	healthHandler := handlers.NewHealthHandler(deps.DB, deps.Queue, deps.Artifacts, logger)

	r.Use(requestLogger(logger))

	// Job endpoints
	r.HandleFunc("/jobs", jobHandler.SubmitJob).Methods("POST")
	r.HandleFunc("/jobs", jobHandler.ListJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", jobHandler.GetJob).Methods("GET")
	r.HandleFunc("/jobs/{id}", jobHandler.DeleteJob).Methods("DELETE")
	r.HandleFunc("/jobs/{id}/events", eventHandler.StreamEvents).Methods("GET")
	r.HandleFunc("/jobs/{id}/ws", eventHandler.StreamEventsWS).Methods("GET")

	// Artifact endpoints
	r.HandleFunc("/files/{name}", fileHandler.ServeFile).Methods("GET", "HEAD")
	r.HandleFunc("/files/{name}/sign", fileHandler.SignFile).Methods("POST")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/search", searchHandler.Search).Methods("POST")
	api.HandleFunc("/albums/{service}/{id}", searchHandler.AlbumInfo).Methods("GET")
	api.HandleFunc("/services", searchHandler.ListServices).Methods("GET")
	api.HandleFunc("/health", healthHandler.Health).Methods("GET")

	if deps.Metrics != nil {
		r.HandleFunc("/metrics", handlers.NewDashboardHandler(deps.Metrics, logger).GetMetrics).Methods("GET")
	}
}

// statusRecorder captures the response code for request logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade take over the connection
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// Flush keeps event streams working through the recorder
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func requestLogger(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)))
		})
	}
}
