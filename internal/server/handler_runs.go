package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/me/fibersched/internal/workload"
	"github.com/me/fibersched/pkg/model"
)

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts, apiErr := parseListOptions(r)
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	if state := r.URL.Query().Get("state"); state != "" {
		if _, ok := model.ParseRunState(state); !ok {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("invalid query parameter",
					model.FieldError{Field: "state", Message: "unknown run state " + strconv.Quote(state)}))
			return
		}
		opts.State = state
	}
	opts.Workload = r.URL.Query().Get("workload")

	runs, total, err := s.store.ListRuns(r.Context(), opts)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	respondList(w, reqID, runs, model.NewPagination(opts, len(runs), total))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}
	respondOK(w, reqID, run)
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}
	if !run.State.IsTerminal() {
		respondError(w, reqID, http.StatusConflict, &model.APIError{
			Code:    model.ErrConflict,
			Message: "run " + id + " is still " + run.State.String(),
		})
		return
	}
	if err := s.store.DeleteRun(r.Context(), id); err != nil {
		respondInternal(w, reqID, err)
		return
	}
	s.logger.Info("run deleted", "run_id", id)
	respondOK(w, reqID, map[string]string{"id": id, "deleted": "true"})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	opts, apiErr := parseListOptions(r)
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	if kind := r.URL.Query().Get("kind"); kind != "" {
		if !model.ValidEventKind(kind) {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("invalid query parameter",
					model.FieldError{Field: "kind", Message: "unknown event kind " + strconv.Quote(kind)}))
			return
		}
		opts.Kind = kind
	}

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}

	events, total, err := s.store.ListEvents(r.Context(), id, opts)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	respondList(w, reqID, events, model.NewPagination(opts, len(events), total))
}

// handleCreateRun executes the workload document in the request body and
// answers once the run has finished. The body is YAML; JSON is accepted too.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	if s.runner == nil {
		respondError(w, reqID, http.StatusServiceUnavailable, &model.APIError{
			Code:    model.ErrUnavailable,
			Message: "this server does not execute workloads",
		})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWorkloadBytes))
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("cannot read body: "+err.Error()))
		return
	}
	wl, err := workload.Parse(body)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid workload",
				model.FieldError{Field: "body", Message: err.Error()}))
		return
	}

	res, err := s.runner.Run(r.Context(), wl)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	s.logger.Info("run created", "run_id", res.Run.ID, "workload", wl.Name, "state", res.Run.State)
	respondCreated(w, reqID, res.Run)
}

// parseListOptions reads limit and offset from the query string.
func parseListOptions(r *http.Request) (model.ListOptions, *model.APIError) {
	opts := model.DefaultListOptions()
	q := r.URL.Query()

	var details []model.FieldError
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			details = append(details, model.FieldError{Field: "limit", Message: "limit must be a positive integer"})
		} else {
			opts.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			details = append(details, model.FieldError{Field: "offset", Message: "offset must be a non-negative integer"})
		} else {
			opts.Offset = n
		}
	}
	if len(details) > 0 {
		return opts, model.NewValidationError("invalid query parameter", details...)
	}
	opts.Clamp()
	return opts, nil
}
