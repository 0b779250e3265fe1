package api

import (
	"net/http"

	"github.com/platinummonkey/hostplane/pkg/httputil"
	"github.com/platinummonkey/hostplane/pkg/instances"
)

// getInstance returns the instance with uptime recomputed from its
// timestamps rather than the last sweep's stored value
func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	inst, err := s.cp.GetInstance(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	uptime, err := s.cp.ComputeUptime(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, InstanceResponse{Instance: inst, ComputedUptimePercent: uptime}, nil)
}

func (s *Server) transitionInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req TransitionRequest
	if !s.decode(w, r, &req) {
		return
	}
	inst, err := s.cp.Transition(r.Context(), id, req.Status)
	s.respond(w, r, http.StatusOK, inst, err)
}

func (s *Server) updateHealth(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req HealthRequest
	if !s.decode(w, r, &req) {
		return
	}
	inst, err := s.cp.UpdateHealth(r.Context(), id, req.Status, req.Details, req.ErrorMessage)
	s.respond(w, r, http.StatusOK, inst, err)
}

func (s *Server) provisionInstance(w http.ResponseWriter, r *http.Request) {
	subscriptionID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req instances.ProvisionRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	inst, err := s.cp.Provision(r.Context(), subscriptionID, req)
	s.respond(w, r, http.StatusCreated, inst, err)
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	subscriptionID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	list, err := s.cp.ListInstances(r.Context(), subscriptionID)
	s.respond(w, r, http.StatusOK, list, err)
}
