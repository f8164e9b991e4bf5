package httpapi

import (
	"net/http"
)

type assignRoleRequest struct {
	Role string `json:"role"`
}

func (a *API) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.roles.ListRoles(r.Context())
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": roles})
}

func (a *API) assignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.roles.AssignRole(r.Context(), r.PathValue("id"), req.Role)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) removeRole(w http.ResponseWriter, r *http.Request) {
	user, err := a.roles.RemoveRole(r.Context(), r.PathValue("id"), r.PathValue("role"))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
