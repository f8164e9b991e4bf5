package httpapi

import (
	"net/http"

	"nbihak.org/internal/audit"
)

func (a *API) listAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseBoundedInt(q.Get("limit"), "limit", audit.DefaultListLimit, 1, audit.MaxListLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseBoundedInt(q.Get("offset"), "offset", 0, 0, 1<<30)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.audit.ListAudit(r.Context(), audit.Filter{
		EntityType:  q.Get("entity_type"),
		EntityID:    q.Get("entity_id"),
		ActorUserID: q.Get("actor_user_id"),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) verifyAudit(w http.ResponseWriter, r *http.Request) {
	report, err := audit.Verify(r.Context(), a.audit)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	code := http.StatusOK
	if !report.OK {
		code = http.StatusConflict
	}
	writeJSON(w, code, report)
}
