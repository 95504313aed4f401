package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saidaladawi/universal-workshop-erp-sub010/internal/connectivity"
	"github.com/saidaladawi/universal-workshop-erp-sub010/internal/license"
	"github.com/saidaladawi/universal-workshop-erp-sub010/internal/ratelimit"
	"github.com/saidaladawi/universal-workshop-erp-sub010/internal/store"
	"github.com/saidaladawi/universal-workshop-erp-sub010/internal/threat"
)

const testFingerprint = "a1b2c3d4e5f60718293a4b5c6d7e8f90"

type alwaysOnlineChecker struct{}

func (alwaysOnlineChecker) Check(context.Context) *connectivity.Outcome {
	return &connectivity.Outcome{Success: true, CheckedAt: time.Now()}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cache := store.NewCounterCache()
	t.Cleanup(cache.Stop)

	auditor := store.NewAuditor(st, logger)
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		SuspiciousThreshold: 10,
		MaliciousThreshold:  20,
		SuspiciousBlock:     time.Hour,
		MaliciousBlock:      24 * time.Hour,
		ViolationTTL:        24 * time.Hour,
		BurstWindow:         10 * time.Second,
	}, ratelimit.WrapCounterCache(cache), nil, logger, nil)
	assessor := threat.NewAssessor(st, st, logger)

	// Issuance gates are covered by their own packages; the transport tests
	// exercise the HTTP surface without tripping the auth burst limit.
	tokens := license.NewService(license.ServiceConfig{
		Issuer:            "universal-workshop-licensing",
		TokenTTL:          24 * time.Hour,
		RefreshWindow:     6 * time.Hour,
		ClockSkew:         time.Minute,
		OfflineGraceHours: 24,
	}, license.NewKeyStore(st, logger), st, auditor, nil, assessor, logger)

	registry := connectivity.NewRegistry(connectivity.MonitorConfig{
		CheckInterval:   25 * time.Millisecond,
		MaxFailures:     3,
		HistorySize:     50,
		StopJoinTimeout: 5 * time.Second,
	}, alwaysOnlineChecker{}, nil, auditor, logger)
	t.Cleanup(registry.StopAll)

	prober := connectivity.NewProber(connectivity.ProberConfig{
		QuickCheckHost: "localhost",
		QuickTimeout:   3 * time.Second,
		CheckTimeout:   10 * time.Second,
		Endpoints:      []string{"tcp://127.0.0.1:1"},
	}, nil, logger)

	handlers := NewHandlers(tokens, limiter, assessor, registry, prober, logger)
	router := chi.NewRouter()
	router.Route("/api/v1", handlers.Routes)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func issueTestToken(t *testing.T, server *httptest.Server) string {
	t.Helper()
	resp := postJSON(t, server.URL+"/api/v1/license/issue", map[string]any{
		"installation_id":      "ws-001",
		"installation_name":    "Muscat Main Workshop",
		"hardware_fingerprint": testFingerprint,
		"business": map[string]any{
			"business_name":           "Al Dawadi Auto Services LLC",
			"business_license_number": "CR-1234567",
			"max_users":               25,
			"max_vehicles":            500,
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody(t, resp)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func TestLicenseLifecycleOverHTTP(t *testing.T) {
	server := newTestServer(t)
	token := issueTestToken(t, server)

	// Validate with the bound fingerprint.
	resp := postJSON(t, server.URL+"/api/v1/license/validate", map[string]any{
		"token":                token,
		"hardware_fingerprint": testFingerprint,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	claims := decodeBody(t, resp)
	assert.Equal(t, "ws-001", claims["installation_id"])
	assert.Equal(t, "Al Dawadi Auto Services LLC", claims["business_name"])

	// A different machine's fingerprint is rejected.
	resp = postJSON(t, server.URL+"/api/v1/license/validate", map[string]any{
		"token":                token,
		"hardware_fingerprint": "ffffffffffffffffffffffffffffffff",
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "HARDWARE_MISMATCH", body["code"])

	// Refresh right after issue is a no-op.
	resp = postJSON(t, server.URL+"/api/v1/license/refresh", map[string]any{
		"token":                token,
		"hardware_fingerprint": testFingerprint,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, false, body["refreshed"])

	// Not revoked yet.
	getResp, err := http.Get(server.URL + "/api/v1/license/revoked?token=" + token)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	assert.Equal(t, false, decodeBody(t, getResp)["revoked"])

	// Revoke, then both lookups flip.
	resp = postJSON(t, server.URL+"/api/v1/license/revoke", map[string]any{
		"token":  token,
		"reason": "manual",
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, server.URL+"/api/v1/license/validate", map[string]any{
		"token":                token,
		"hardware_fingerprint": testFingerprint,
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "TOKEN_REVOKED", decodeBody(t, resp)["code"])

	getResp, err = http.Get(server.URL + "/api/v1/license/revoked?token=" + token)
	require.NoError(t, err)
	assert.Equal(t, true, decodeBody(t, getResp)["revoked"])
}

func TestIssueRejectsBadPayload(t *testing.T) {
	server := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/v1/license/issue", map[string]any{
		"installation_id": "ws-001",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", decodeBody(t, resp)["code"])
}

func TestIssueRejectsMalformedFingerprint(t *testing.T) {
	server := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/v1/license/issue", map[string]any{
		"installation_id":      "ws-001",
		"installation_name":    "Muscat Main Workshop",
		"hardware_fingerprint": "too-short",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_FINGERPRINT_FORMAT", decodeBody(t, resp)["code"])
}

func TestRateLimitEndpoints(t *testing.T) {
	server := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/v1/ratelimit/check", map[string]any{
		"class":      "general",
		"identifier": "ws-001",
		"ip":         "203.0.113.7",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, true, body["allowed"])
	assert.Equal(t, float64(99), body["remaining"])

	resp = postJSON(t, server.URL+"/api/v1/ratelimit/reset", map[string]any{
		"class":      "general",
		"identifier": "ws-001",
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, server.URL+"/api/v1/ratelimit/unblock", map[string]any{
		"ip": "203.0.113.7",
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	// Exhausting the auth burst surfaces a 429 with a retry hint.
	for i := 0; i < 2; i++ {
		resp = postJSON(t, server.URL+"/api/v1/ratelimit/check", map[string]any{
			"class":      "auth",
			"identifier": "ws-002",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}
	resp = postJSON(t, server.URL+"/api/v1/ratelimit/check", map[string]any{
		"class":      "auth",
		"identifier": "ws-002",
	})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "BURST_LIMIT_EXCEEDED", decodeBody(t, resp)["code"])
}

func TestThreatAssessQuietInstallation(t *testing.T) {
	server := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/v1/threat/assess", map[string]any{
		"installation_id": "ws-001",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestConnectivityEndpoints(t *testing.T) {
	server := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/v1/connectivity/ws-001/start", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	// Starting twice is rejected.
	resp = postJSON(t, server.URL+"/api/v1/connectivity/ws-001/start", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		statusResp, err := http.Get(server.URL + "/api/v1/connectivity/ws-001/status")
		if err != nil {
			return false
		}
		body := decodeBody(t, statusResp)
		return body["status"] == connectivity.StatusOnline
	}, 2*time.Second, 10*time.Millisecond)

	resp = postJSON(t, server.URL+"/api/v1/connectivity/ws-001/stop", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	statusResp, err := http.Get(server.URL + "/api/v1/connectivity/ws-001/status")
	require.NoError(t, err)
	defer statusResp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, statusResp.StatusCode)
}

func TestMonitoringOutlivesStartRequest(t *testing.T) {
	server := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/v1/connectivity/ws-001/start", map[string]any{
		"token": "license-token-abc",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	// The start request's context is long gone; the polling loop must keep
	// accumulating checks until an explicit stop.
	require.Eventually(t, func() bool {
		statusResp, err := http.Get(server.URL + "/api/v1/connectivity/ws-001/status")
		if err != nil {
			return false
		}
		body := decodeBody(t, statusResp)
		total, _ := body["total_checks"].(float64)
		return total >= 3
	}, 2*time.Second, 10*time.Millisecond)

	resp = postJSON(t, server.URL+"/api/v1/connectivity/ws-001/stop", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
}

func TestConnectivityCheckEndpoint(t *testing.T) {
	server := newTestServer(t)

	resp, err := http.Post(server.URL+"/api/v1/connectivity/check?quick=true", "application/json", nil)
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.Equal(t, true, body["quick"])
	assert.Equal(t, true, body["success"])

	resp, err = http.Post(server.URL+"/api/v1/connectivity/check", "application/json", nil)
	require.NoError(t, err)
	body = decodeBody(t, resp)
	assert.Equal(t, false, body["quick"])
}

func TestRevokeRejectsUnknownReason(t *testing.T) {
	server := newTestServer(t)
	token := issueTestToken(t, server)

	resp := postJSON(t, server.URL+"/api/v1/license/revoke", map[string]any{
		"token":  token,
		"reason": "because",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", decodeBody(t, resp)["code"])
}

func TestMalformedTokenOverHTTP(t *testing.T) {
	server := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/v1/license/validate", map[string]any{
		"token": "not.a.token",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "MALFORMED_TOKEN", decodeBody(t, resp)["code"])
}

func TestUnblockValidatesIP(t *testing.T) {
	server := newTestServer(t)

	resp := postJSON(t, server.URL+"/api/v1/ratelimit/unblock", map[string]any{
		"ip": "not-an-ip",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}
