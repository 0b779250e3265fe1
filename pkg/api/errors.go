package api

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/platinummonkey/hostplane/pkg/auth"
	"github.com/platinummonkey/hostplane/pkg/httputil"
	"github.com/platinummonkey/hostplane/pkg/instances"
	"github.com/platinummonkey/hostplane/pkg/observability"
	"github.com/platinummonkey/hostplane/pkg/store"
)

// errBadRequest marks input rejected by the transport itself
var errBadRequest = errors.New("bad request")

// statusFor maps a control plane error to an HTTP status
func statusFor(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, errBadRequest), errors.As(err, &verrs):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrForbidden), instances.IsQuotaExceeded(err):
		return http.StatusForbidden
	case store.IsNotFound(err):
		return http.StatusNotFound
	case store.IsConflict(err), instances.IsInvalidTransition(err):
		return http.StatusConflict
	case store.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err with its mapped status. Server-side failures are
// logged with the request's logger; their detail is not returned.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		observability.LoggerFromContext(r.Context(), s.logger).
			WithError(err).
			WithField("path", r.URL.Path).
			Error("Request failed")
		if status == http.StatusInternalServerError {
			err = errors.New("internal server error")
		}
	}
	httputil.WriteRequestError(w, r, status, err)
}
