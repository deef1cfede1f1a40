package server

import (
	"net/http"
	"runtime"
	"time"
)

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Runner    string `json:"runner"`
	Sweeper   string `json:"sweeper"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, healthResponse{
		Status:    "healthy",
		Version:   "0.1.0",
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Runner:    availability(s.runner != nil),
		Sweeper:   availability(s.sweeper != nil),
	})
}

func availability(ok bool) string {
	if ok {
		return "available"
	}
	return "disabled"
}
