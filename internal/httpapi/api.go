package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nbihak.org/internal/accounts"
	"nbihak.org/internal/audit"
	"nbihak.org/internal/auth"
	"nbihak.org/internal/obs"
	"nbihak.org/internal/ratelimit"
)

const serviceName = "nbihak-api"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Pinger is satisfied by both store implementations.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe reports readiness by pinging the backing store.
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

// Services are the domain collaborators behind the HTTP surface.
type Services struct {
	Sessions *auth.SessionService
	Roles    *auth.RoleService
	Accounts *accounts.Service
	Audit    audit.Reader
	Events   EventSource
}

// Options tune transport behaviour. Zero values fall back to safe defaults.
type Options struct {
	Version        string
	Ready          readinessChecker
	LoginLimiter   ratelimit.Limiter
	LoginKeys      ratelimit.Config
	RateBurst      int
	RatePerSecond  int
	MaxBodyBytes   int64
	CookieSecure   bool
	AllowedOrigins []string
}

// API is the HTTP layer.
type API struct {
	mux      *http.ServeMux
	sessions *auth.SessionService
	roles    *auth.RoleService
	accounts *accounts.Service
	audit    audit.Reader
	events   EventSource
	opts     Options
}

func New(svc Services, opts Options) (*API, error) {
	if svc.Sessions == nil {
		return nil, errors.New("httpapi: session service is required")
	}
	if opts.Ready == nil {
		opts.Ready = ReadyProbe{}
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 50
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 20
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.LoginLimiter == nil {
		opts.LoginLimiter = ratelimit.NewLocal(opts.LoginKeys)
	}

	a := &API{
		mux:      http.NewServeMux(),
		sessions: svc.Sessions,
		roles:    svc.Roles,
		accounts: svc.Accounts,
		audit:    svc.Audit,
		events:   svc.Events,
		opts:     opts,
	}
	a.routes()
	return a, nil
}

func (a *API) routes() {
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("POST /v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("POST /v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("POST /v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("POST /v1/auth/logout-all", a.handleLogoutAll)
	a.mux.HandleFunc("POST /v1/auth/password", a.handleChangePassword)
	a.mux.HandleFunc("GET /v1/me", a.handleMe)

	if a.accounts != nil {
		a.mux.HandleFunc("GET /v1/accounts", a.listAccounts)
		a.mux.HandleFunc("POST /v1/accounts", a.createAccount)
		a.mux.HandleFunc("GET /v1/accounts/{id}", a.getAccount)
		a.mux.HandleFunc("PUT /v1/accounts/{id}", a.updateAccount)
		a.mux.HandleFunc("DELETE /v1/accounts/{id}", a.deleteAccount)
		a.mux.HandleFunc("GET /v1/users/{id}/accounts", a.listUserAccounts)
	}

	admin := RequireRole(auth.RoleAdmin)
	a.mux.Handle("POST /v1/users/{id}/disable", admin(http.HandlerFunc(a.disableUser)))
	if a.roles != nil {
		a.mux.HandleFunc("GET /v1/roles", a.listRoles)
		a.mux.Handle("POST /v1/users/{id}/roles", admin(http.HandlerFunc(a.assignRole)))
		a.mux.Handle("DELETE /v1/users/{id}/roles/{role}", admin(http.HandlerFunc(a.removeRole)))
	}

	if a.audit != nil {
		auditors := RequireRole(auth.RoleAdmin, auth.RoleAuditor)
		a.mux.Handle("GET /v1/audit", auditors(http.HandlerFunc(a.listAudit)))
		a.mux.Handle("GET /v1/audit/verify", auditors(http.HandlerFunc(a.verifyAudit)))
	}

	if a.events != nil {
		a.mux.Handle("GET /v1/security/events", admin(http.HandlerFunc(a.securityEvents)))
	}

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
}

// Handler returns the fully wrapped handler for the HTTP server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.withAuth(a.mux)
	h = RateLimit(h, a.opts.RateBurst, a.opts.RatePerSecond)
	h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	h = CORS(a.opts.AllowedOrigins)(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.opts.Ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.opts.Version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parseBoundedInt(raw, name string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New(name + " must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return val, nil
}

// retryAfterSeconds rounds d up to whole seconds, never below one.
func retryAfterSeconds(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
