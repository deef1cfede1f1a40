package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "fibersched API",
		Version:     "v1",
		Description: "Recorded runs of the cooperative fiber scheduler",
		Endpoints: []endpointInfo{
			{"/api/v1/runs", []string{"GET", "POST"}, "List recorded runs (?state, ?workload, ?limit, ?offset). POST runs a workload document"},
			{"/api/v1/runs/{id}", []string{"GET", "DELETE"}, "Single run with its fiber summaries"},
			{"/api/v1/runs/{id}/events", []string{"GET"}, "Scheduler trace of a run (?kind, ?limit, ?offset)"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
		},
	})
}
