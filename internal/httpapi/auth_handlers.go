package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"nbihak.org/internal/audit"
	"nbihak.org/internal/auth"
	"nbihak.org/internal/obs"
)

const refreshCookie = "refresh_token"

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type sessionResponse struct {
	AccessToken     string     `json:"access_token"`
	AccessExpiresAt time.Time  `json:"access_expires_at"`
	TokenType       string     `json:"token_type"`
	User            *auth.User `json:"user"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.sessions.Register(r.Context(), auth.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	key := a.opts.LoginKeys.Key(clientIP(r), strings.ToLower(strings.TrimSpace(req.Username)))
	if d, err := a.opts.LoginLimiter.Allow(r.Context(), key); err == nil && !d.Allowed {
		obs.AuthEvent("login_throttled")
		_ = audit.LogEvent(r.Context(), "auth.login.throttled", map[string]any{
			"username":  req.Username,
			"remote_ip": clientIP(r),
		})
		w.Header().Set("Retry-After", retryAfterSeconds(d.RetryAfter))
		writeError(w, r, http.StatusTooManyRequests, "too many login attempts")
		return
	}

	sess, err := a.sessions.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.writeSession(w, sess)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	value, err := presentedRefreshToken(w, r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if value == "" {
		handleAuthError(w, r, auth.ErrInvalidSession)
		return
	}
	sess, err := a.sessions.Refresh(r.Context(), value)
	if err != nil {
		if errors.Is(err, auth.ErrSessionCompromised) || errors.Is(err, auth.ErrInvalidSession) {
			a.clearRefreshCookie(w)
		}
		handleAuthError(w, r, err)
		return
	}
	a.writeSession(w, sess)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	value, err := presentedRefreshToken(w, r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if value != "" {
		if err := a.sessions.Revoke(r.Context(), value); err != nil && !errors.Is(err, auth.ErrInvalidSession) {
			handleAuthError(w, r, err)
			return
		}
	}
	a.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	if err := a.sessions.RevokeAll(r.Context(), userID); err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())
	if err := a.sessions.ChangePassword(r.Context(), userID, req.CurrentPassword, req.NewPassword); err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	user, err := a.sessions.CurrentUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			err = auth.ErrInvalidCredentials
		}
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) disableUser(w http.ResponseWriter, r *http.Request) {
	if err := a.sessions.DisableUser(r.Context(), r.PathValue("id")); err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) writeSession(w http.ResponseWriter, sess *auth.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    sess.Tokens.RefreshToken,
		Path:     "/v1/auth",
		Expires:  sess.Tokens.RefreshExpiresAt,
		MaxAge:   int(a.sessions.RefreshTTL() / time.Second),
		HttpOnly: true,
		Secure:   a.opts.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, sessionResponse{
		AccessToken:     sess.Tokens.AccessToken,
		AccessExpiresAt: sess.Tokens.AccessExpiresAt,
		TokenType:       "Bearer",
		User:            sess.User,
	})
}

func (a *API) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    "",
		Path:     "/v1/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.opts.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

// presentedRefreshToken reads the cookie, falling back to a JSON body for
// clients that cannot hold cookies.
func presentedRefreshToken(w http.ResponseWriter, r *http.Request) (string, error) {
	if c, err := r.Cookie(refreshCookie); err == nil && strings.TrimSpace(c.Value) != "" {
		return strings.TrimSpace(c.Value), nil
	}
	if r.ContentLength == 0 {
		return "", nil
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return "", err
	}
	return strings.TrimSpace(req.RefreshToken), nil
}

// handleAuthError maps session errors to responses. Credential failures never
// reveal which check failed.
func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrValidation):
		writeError(w, r, http.StatusBadRequest, validationMessage(err, auth.ErrValidation))
	case errors.Is(err, auth.ErrSessionCompromised):
		unauthorized(w, r, "session revoked")
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidSession),
		errors.Is(err, auth.ErrTokenExpired),
		errors.Is(err, auth.ErrTokenInvalid):
		unauthorized(w, r, "invalid credentials")
	case errors.Is(err, auth.ErrConcurrentRotation):
		writeError(w, r, http.StatusConflict, "session is being refreshed concurrently")
	case errors.Is(err, auth.ErrDuplicateIdentity):
		writeError(w, r, http.StatusConflict, "username or email already registered")
	case errors.Is(err, auth.ErrLastRole):
		writeError(w, r, http.StatusConflict, "user must keep at least one role")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, auth.ErrStorageUnavailable):
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// validationMessage strips the sentinel prefix so clients see only the field detail.
func validationMessage(err, sentinel error) string {
	msg := strings.TrimPrefix(err.Error(), sentinel.Error())
	msg = strings.TrimSpace(strings.TrimPrefix(msg, ":"))
	if msg == "" {
		return "invalid request"
	}
	return msg
}
