package api

import (
	"fmt"
	"net/http"

	"github.com/platinummonkey/hostplane/pkg/httputil"
)

func (s *Server) recordUsage(w http.ResponseWriter, r *http.Request) {
	var req RecordUsageRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.cp.RecordUsage(r.Context(), req.InstanceID, req.Event)
	s.respond(w, r, http.StatusOK, res, err)
}

func (s *Server) recordStorage(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req RecordStorageRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.GB.IsNegative() {
		s.writeError(w, r, fmt.Errorf("gb must not be negative: %w", errBadRequest))
		return
	}
	if err := s.cp.RecordStorage(r.Context(), id, req.GB); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) recordError(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	if err := s.cp.RecordError(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) checkUsageLimits(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	status, err := s.cp.CheckUsageLimits(r.Context(), id)
	s.respond(w, r, http.StatusOK, status, err)
}

// getBillingMetrics aggregates usage for the inclusive ?start=&end= range
func (s *Server) getBillingMetrics(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	start, err := httputil.ParseQueryDate(r, "start")
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%v: %w", err, errBadRequest))
		return
	}
	end, err := httputil.ParseQueryDate(r, "end")
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%v: %w", err, errBadRequest))
		return
	}
	if end.Before(start) {
		s.writeError(w, r, fmt.Errorf("end is before start: %w", errBadRequest))
		return
	}

	metrics, err := s.cp.GetBillingMetrics(r.Context(), id, start, end)
	s.respond(w, r, http.StatusOK, metrics, err)
}
