package api

import (
	"net/http"

	"github.com/platinummonkey/hostplane/pkg/httputil"
)

func (s *Server) getActiveSubscription(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	sub, err := s.cp.GetActiveSubscription(r.Context(), accountID)
	s.respond(w, r, http.StatusOK, sub, err)
}

func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	sub, err := s.cp.GetSubscription(r.Context(), id)
	s.respond(w, r, http.StatusOK, sub, err)
}

func (s *Server) createSubscription(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req CreateSubscriptionRequest
	if !s.decode(w, r, &req) {
		return
	}
	sub, err := s.cp.CreateSubscription(r.Context(), accountID, req.Tier)
	s.respond(w, r, http.StatusCreated, sub, err)
}

func (s *Server) updateSubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req SubscriptionStatusRequest
	if !s.decode(w, r, &req) {
		return
	}
	sub, err := s.cp.UpdateSubscriptionStatus(r.Context(), id, req.Status)
	s.respond(w, r, http.StatusOK, sub, err)
}

func (s *Server) changeTier(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	var req ChangeTierRequest
	if !s.decode(w, r, &req) {
		return
	}
	sub, err := s.cp.ChangeTier(r.Context(), id, req.Tier)
	s.respond(w, r, http.StatusOK, sub, err)
}
