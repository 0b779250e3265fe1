package api

import (
	"context"
	"net/http"

	"github.com/platinummonkey/hostplane/pkg/httputil"
	"github.com/platinummonkey/hostplane/pkg/store"
	"github.com/platinummonkey/hostplane/pkg/tenants"
)

func (s *Server) createAccount(w http.ResponseWriter, r *http.Request) {
	var req tenants.CreateAccountRequest
	if !s.decode(w, r, &req) {
		return
	}
	account, err := s.cp.CreateAccount(r.Context(), req)
	s.respond(w, r, http.StatusCreated, account, err)
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	s.accountOp(w, r, s.cp.GetAccount)
}

func (s *Server) suspendAccount(w http.ResponseWriter, r *http.Request) {
	s.accountOp(w, r, s.cp.SuspendAccount)
}

func (s *Server) reactivateAccount(w http.ResponseWriter, r *http.Request) {
	s.accountOp(w, r, s.cp.ReactivateAccount)
}

func (s *Server) deleteAccount(w http.ResponseWriter, r *http.Request) {
	s.accountOp(w, r, s.cp.DeleteAccount)
}

func (s *Server) accountOp(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (*store.Account, error)) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	account, err := op(r.Context(), id)
	s.respond(w, r, http.StatusOK, account, err)
}
