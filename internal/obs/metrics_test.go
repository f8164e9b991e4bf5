package obs

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func metricValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	switch {
	case out.Counter != nil:
		return out.GetCounter().GetValue()
	case out.Gauge != nil:
		return out.GetGauge().GetValue()
	}
	t.Fatalf("unsupported metric type")
	return 0
}

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                       "/",
		"/metrics":               "/metrics",
		"/v1/accounts":           "/v1/accounts",
		"/v1/accounts/abc":       "/v1/accounts/:id",
		"/v1/accounts/abc/extra": "/v1/accounts/abc/extra",
		"/v1/users/u1/accounts":  "/v1/users/:id/accounts",
		"/v1/users/u1/disable":   "/v1/users/:id/disable",
		"/v1/users/u1/other":     "/v1/users/u1/other",
		"/v1/users/u1/roles":     "/v1/users/:id/roles",
		"/v1/users/u1/roles/x":   "/v1/users/:id/roles/:role",
		"/v1/audit?limit=10":     "/v1/audit",
		"/v1/auth/refresh":       "/v1/auth/refresh",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentCountsCanonicalPath(t *testing.T) {
	before := metricValue(t, httpRequestsTotal.WithLabelValues(http.MethodGet, "/v1/accounts/:id", "404"))

	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/accounts/01J0", nil))

	after := metricValue(t, httpRequestsTotal.WithLabelValues(http.MethodGet, "/v1/accounts/:id", "404"))
	if after-before != 1 {
		t.Fatalf("expected counter to increase by 1, got %v", after-before)
	}
}

func TestAuditCounters(t *testing.T) {
	before := metricValue(t, auditDegradedTotal)
	AuditDegraded()
	if got := metricValue(t, auditDegradedTotal); got-before != 1 {
		t.Fatalf("expected degraded counter +1, got %v", got-before)
	}

	SetReady(true)
	if got := metricValue(t, readiness); got != 1 {
		t.Fatalf("expected readiness 1, got %v", got)
	}
	SetReady(false)
	if got := metricValue(t, readiness); got != 0 {
		t.Fatalf("expected readiness 0, got %v", got)
	}
}

func TestLoggerEmitsTSKey(t *testing.T) {
	var buf bytes.Buffer
	restore := SetLogger(NewLogger("debug", &buf))
	defer restore()

	Logger().Info("obs.test", "k", "v")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatalf("expected ts key, got %v", entry)
	}
	if entry["msg"] != "obs.test" || entry["k"] != "v" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}
