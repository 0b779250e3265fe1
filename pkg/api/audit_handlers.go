package api

import (
	"fmt"
	"net/http"

	"github.com/platinummonkey/hostplane/pkg/audit"
	"github.com/platinummonkey/hostplane/pkg/httputil"
)

// searchAudit reads ?account_id, category, action, success, start, end
// (RFC 3339), limit and offset. Tenants only ever see their own account.
func (s *Server) searchAudit(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%v: %w", err, errBadRequest))
		return
	}
	entries, err := s.cp.SearchAudit(r.Context(), filter)
	s.respond(w, r, http.StatusOK, entries, err)
}

func parseAuditFilter(r *http.Request) (audit.SearchFilter, error) {
	var (
		filter audit.SearchFilter
		err    error
	)
	if id := httputil.ParseQueryString(r, "account_id", ""); id != "" {
		filter.AccountID = &id
	}
	filter.Category = audit.Category(httputil.ParseQueryString(r, "category", ""))
	filter.Action = httputil.ParseQueryString(r, "action", "")

	if filter.Success, err = httputil.ParseQueryBool(r, "success"); err != nil {
		return filter, err
	}
	if filter.StartTime, err = httputil.ParseQueryTime(r, "start"); err != nil {
		return filter, err
	}
	if filter.EndTime, err = httputil.ParseQueryTime(r, "end"); err != nil {
		return filter, err
	}
	if filter.Limit, err = httputil.ParseQueryInt(r, "limit", audit.DefaultSearchLimit); err != nil {
		return filter, err
	}
	if filter.Offset, err = httputil.ParseQueryInt(r, "offset", 0); err != nil {
		return filter, err
	}
	if filter.Offset < 0 {
		return filter, fmt.Errorf("offset must not be negative")
	}
	return filter, nil
}
