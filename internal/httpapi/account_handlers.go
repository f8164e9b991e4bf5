package httpapi

import (
	"errors"
	"net/http"

	"nbihak.org/internal/accounts"
)

type listAccountsResponse struct {
	Items  []accounts.Account `json:"items"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

func (a *API) listAccounts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseBoundedInt(q.Get("limit"), "limit", 50, 1, 200)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseBoundedInt(q.Get("offset"), "offset", 0, 0, 1<<30)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	page, err := a.accounts.List(r.Context(), limit, offset)
	if err != nil {
		handleAccountError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listAccountsResponse{
		Items:  page.Accounts,
		Total:  page.Total,
		Limit:  page.Limit,
		Offset: page.Offset,
	})
}

func (a *API) createAccount(w http.ResponseWriter, r *http.Request) {
	var req accounts.CreateInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	acc, err := a.accounts.Create(r.Context(), req)
	if err != nil {
		handleAccountError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/accounts/"+acc.ID)
	writeJSON(w, http.StatusCreated, acc)
}

func (a *API) getAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := a.accounts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		handleAccountError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) updateAccount(w http.ResponseWriter, r *http.Request) {
	var req accounts.UpdateInput
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	acc, err := a.accounts.Update(r.Context(), r.PathValue("id"), req)
	if err != nil {
		handleAccountError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) deleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := a.accounts.Delete(r.Context(), r.PathValue("id")); err != nil {
		handleAccountError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listUserAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := a.accounts.ListByUser(r.Context(), r.PathValue("id"))
	if err != nil {
		handleAccountError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

func handleAccountError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, accounts.ErrValidation):
		writeError(w, r, http.StatusBadRequest, validationMessage(err, accounts.ErrValidation))
	case errors.Is(err, accounts.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, accounts.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "account not found")
	case errors.Is(err, accounts.ErrDuplicateNumber):
		writeError(w, r, http.StatusConflict, "account number collision, retry")
	default:
		handleAuthError(w, r, err)
	}
}
