package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/config"
	"github.com/BaSui01/agentgate/internal/ctxkeys"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func signToken(t *testing.T, secret string, claims adminClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func validClaims(subject string, roles ...string) adminClaims {
	return adminClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "agentgate",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders()(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
}

func TestRequestID(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ctxkeys.RequestID(r.Context())
	})
	handler := Chain(inner, SecurityHeaders(), RequestID())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get("X-Request-ID"))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "client-supplied")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, "client-supplied", seen)
}

func TestRecovery(t *testing.T) {
	panicky := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })

	w := httptest.NewRecorder()
	Recovery(zap.NewNop())(panicky).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}

func TestAPIKeyAuth(t *testing.T) {
	var principal ctxkeys.Principal
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, _ = ctxkeys.PrincipalFrom(r.Context())
	})
	handler := APIKeyAuth([]string{"agent-key-123"}, zap.NewNop())(inner)

	tests := []struct {
		name string
		key  string
		want int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"valid", "agent-key-123", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/v1/approvals", nil)
			if tt.key != "" {
				r.Header.Set("X-API-Key", tt.key)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)
			assert.Equal(t, tt.want, w.Code)
		})
	}
	assert.Equal(t, "api-key:agent-", principal.Subject)
	assert.Equal(t, "api_key", principal.Method)
}

func TestAPIKeyAuth_NoKeysConfigured(t *testing.T) {
	w := httptest.NewRecorder()
	APIKeyAuth(nil, zap.NewNop())(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminJWTAuth(t *testing.T) {
	const secret = "s3cret"
	cfg := config.AuthConfig{JWTSecret: secret, JWTIssuer: "agentgate", AdminRole: "approver"}

	expired := validClaims("alice", "approver")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	wrongIssuer := validClaims("alice", "approver")
	wrongIssuer.Issuer = "someone-else"

	noExpiry := validClaims("alice", "approver")
	noExpiry.ExpiresAt = nil

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + signToken(t, "other", validClaims("alice", "approver")), http.StatusUnauthorized},
		{"expired", "Bearer " + signToken(t, secret, expired), http.StatusUnauthorized},
		{"no expiry", "Bearer " + signToken(t, secret, noExpiry), http.StatusUnauthorized},
		{"wrong issuer", "Bearer " + signToken(t, secret, wrongIssuer), http.StatusUnauthorized},
		{"no subject", "Bearer " + signToken(t, secret, validClaims("", "approver")), http.StatusUnauthorized},
		{"missing role", "Bearer " + signToken(t, secret, validClaims("bob", "viewer")), http.StatusForbidden},
		{"valid", "Bearer " + signToken(t, secret, validClaims("alice", "viewer", "approver")), http.StatusOK},
	}

	var principal ctxkeys.Principal
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, _ = ctxkeys.PrincipalFrom(r.Context())
	})
	handler := AdminJWTAuth(cfg, zap.NewNop())(inner)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/v1/approvals/x/resolve", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)
			assert.Equal(t, tt.want, w.Code)
		})
	}
	assert.Equal(t, "alice", principal.Subject)
	assert.Equal(t, "jwt", principal.Method)
}

func TestAdminJWTAuth_DisabledWithoutSecret(t *testing.T) {
	handler := AdminJWTAuth(config.AuthConfig{AdminRole: "approver"}, zap.NewNop())(okHandler())

	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, "whatever", validClaims("alice", "approver")))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := RateLimiter(ctx, 1, 2, zap.NewNop())(okHandler())

	codes := make([]int, 0, 3)
	for range 3 {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "10.0.0.1:5555"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// 其他 IP 有独立的令牌桶
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.2:5555"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiter_Disabled(t *testing.T) {
	handler := RateLimiter(context.Background(), 0, 0, zap.NewNop())(okHandler())
	for range 10 {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}
}

type recordedRequest struct {
	method, path string
	status       int
}

type fakeHTTPRecorder struct{ calls []recordedRequest }

func (f *fakeHTTPRecorder) RecordHTTPRequest(method, path string, status int, _ time.Duration) {
	f.calls = append(f.calls, recordedRequest{method, path, status})
}

func TestMetricsMiddleware(t *testing.T) {
	rec := &fakeHTTPRecorder{}
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	w := httptest.NewRecorder()
	MetricsMiddleware(rec)(inner).ServeHTTP(w,
		httptest.NewRequest(http.MethodPost, "/api/v1/approvals/3f2c8a1e-1b2c-4d5e-8f90-0123456789ab/resolve", nil))

	require.Len(t, rec.calls, 1)
	assert.Equal(t, recordedRequest{http.MethodPost, "/api/v1/approvals/:id/resolve", http.StatusAccepted}, rec.calls[0])
}

func TestNormalizePath(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/health", "/health"},
		{"/api/v1/approvals", "/api/v1/approvals"},
		{"/api/v1/approvals/3f2c8a1e-1b2c-4d5e-8f90-0123456789ab", "/api/v1/approvals/:id"},
		{"/api/v1/approvals/42/await", "/api/v1/approvals/:id/await"},
		{"/api/v1/sessions/agent-run-7/events", "/api/v1/sessions/:ref/events"},
		{"/telegram/webhook", "/telegram/webhook"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizePath(tt.in), tt.in)
	}
}
