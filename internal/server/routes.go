package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// API routes - Jobs
	mux.HandleFunc("/api/jobs", s.handleJobsRoute)  // GET (list), POST (create)
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes) // Handles /api/jobs/{id} and subpaths

	// API routes - Local queue status
	mux.HandleFunc("/api/queue", s.app.QueueHandler.GetQueueSnapshotHandler)
	mux.HandleFunc("/api/queue/", s.app.QueueHandler.GetQueueStatusHandler)

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched routes
	mux.HandleFunc("/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleJobsRoute routes the job collection
func (s *Server) handleJobsRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r, s.app.JobHandler.ListJobsHandler, s.app.JobHandler.CreateJobHandler)
}

// handleJobRoutes routes job-related requests to the appropriate handler
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	const prefix = "/api/jobs/"
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if rest == "" {
		s.handleJobsRoute(w, r)
		return
	}

	// GET /api/jobs/{id}
	if !strings.Contains(rest, "/") {
		s.app.JobHandler.GetJobStatusHandler(w, r)
		return
	}

	routes := []PathSuffixRouter{
		{Method: http.MethodGet, Suffix: "/logs", Handler: s.app.JobHandler.GetJobLogsHandler},
		{Method: http.MethodGet, Suffix: "/stream", Handler: s.app.StreamHandler.StreamJobLogsHandler},
		{Method: http.MethodGet, Suffix: "/ws", Handler: s.app.WSHandler.HandleJobWebSocket},
		{Method: http.MethodPost, Suffix: "/cancel", Handler: s.app.JobHandler.CancelJobHandler},
	}
	if RouteByPathSuffix(w, r, prefix, routes) {
		return
	}

	s.app.APIHandler.NotFoundHandler(w, r)
}
