package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/api/handlers"
	"github.com/BaSui01/agentgate/config"
	"github.com/BaSui01/agentgate/escalation"
)

const (
	testAPIKey    = "agent-key-123"
	testJWTSecret = "s3cret"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database = config.DatabaseConfig{
		Driver:      "sqlite",
		Name:        filepath.Join(t.TempDir(), "agentgate.db"),
		AutoMigrate: true,
	}
	cfg.Auth.APIKeys = []string{testAPIKey}
	cfg.Auth.JWTSecret = testJWTSecret
	cfg.Server.RateLimitRPS = 0
	return cfg
}

// newTestServer 初始化全部组件但不监听端口，路由挂在 httptest 上
func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(testConfig(t), handlers.VersionInfo{Version: "test"}, zap.NewNop())
	require.NoError(t, s.init(context.Background()))

	ts := httptest.NewServer(s.routes())
	t.Cleanup(func() {
		ts.Close()
		s.close()
	})
	return s, ts
}

func call(t *testing.T, ts *httptest.Server, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestServer_ProbesAreUnauthenticated(t *testing.T) {
	_, ts := newTestServer(t)

	for _, path := range []string{"/health", "/healthz", "/ready", "/version"} {
		resp := call(t, ts, http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.NotEmpty(t, resp.Header.Get("X-Request-ID"), path)
	}
}

func TestServer_ApprovalLifecycle(t *testing.T) {
	s, ts := newTestServer(t)
	agent := map[string]string{"X-API-Key": testAPIKey}

	resp := call(t, ts, http.MethodPost, "/api/v1/approvals",
		handlers.CreateApprovalRequest{SessionRef: "sess-1", Command: "terraform destroy"}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = call(t, ts, http.MethodPost, "/api/v1/approvals",
		handlers.CreateApprovalRequest{SessionRef: "sess-1", Command: "terraform destroy"}, agent)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var created struct {
		Data handlers.CreateApprovalResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	id := created.Data.ID
	require.NotEmpty(t, id)

	// 智能体密钥不能用于人工覆盖
	resp = call(t, ts, http.MethodPost, "/api/v1/approvals/"+id+"/resolve",
		handlers.ResolveApprovalRequest{Outcome: "approve"}, agent)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	viewer := signToken(t, testJWTSecret, validClaims("bob", "viewer"))
	resp = call(t, ts, http.MethodPost, "/api/v1/approvals/"+id+"/resolve",
		handlers.ResolveApprovalRequest{Outcome: "approve"}, map[string]string{"Authorization": "Bearer " + viewer})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	admin := signToken(t, testJWTSecret, validClaims("alice", "approver"))
	resp = call(t, ts, http.MethodPost, "/api/v1/approvals/"+id+"/resolve",
		handlers.ResolveApprovalRequest{Outcome: "approve", DecidedBy: "ignored"},
		map[string]string{"Authorization": "Bearer " + admin})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := s.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, escalation.StatusApproved, got.Status)
	assert.Equal(t, "manual-override:alice", got.DecidedBy)

	resp = call(t, ts, http.MethodGet, "/api/v1/approvals/"+id+"/await?timeout=1s", nil, agent)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var awaited struct {
		Data handlers.AwaitResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&awaited))
	assert.True(t, awaited.Data.Terminal)

	resp = call(t, ts, http.MethodGet, "/api/v1/diagnostics", nil, agent)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var diag struct {
		Data handlers.Diagnostics `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&diag))
	require.NotNil(t, diag.Data.Metrics)
	assert.Equal(t, 1.0, diag.Data.Metrics.Counters["escalation_approvals_initialized_total"])
	assert.Equal(t, 1.0, diag.Data.Metrics.Counters["escalation_approvals_accepted_total"])
	assert.Nil(t, diag.Data.CircuitBreaker, "telegram disabled")
	require.NotNil(t, diag.Data.Database)
	assert.True(t, diag.Data.Database.Healthy)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	s, ts := newTestServer(t)

	call(t, ts, http.MethodPost, "/api/v1/approvals",
		handlers.CreateApprovalRequest{SessionRef: "sess-1", Command: "rm -rf /tmp/x"},
		map[string]string{"X-API-Key": testAPIKey})

	metricsServer := httptest.NewServer(s.metricsRoutes())
	defer metricsServer.Close()

	resp, err := metricsServer.Client().Get(metricsServer.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "escalation_approvals_initialized_total 1")
	assert.Contains(t, string(body), `path="/api/v1/approvals"`)
}

func TestServer_RestartResyncsQueue(t *testing.T) {
	cfg := testConfig(t)

	first := NewServer(cfg, handlers.VersionInfo{}, zap.NewNop())
	require.NoError(t, first.init(context.Background()))
	_, err := first.processor.RequestApproval(context.Background(), "sess-1", escalation.Payload{Command: "a"}, 0)
	require.NoError(t, err)
	_, err = first.processor.RequestApproval(context.Background(), "sess-2", escalation.Payload{Command: "b"}, 0)
	require.NoError(t, err)
	first.close()

	second := NewServer(cfg, handlers.VersionInfo{}, zap.NewNop())
	require.NoError(t, second.init(context.Background()))
	defer second.close()

	assert.Equal(t, 2.0, second.collector.Snapshot().Gauges["escalation_queue_size"])
}

func TestServer_InitFailsOnBadDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = "oracle"

	s := NewServer(cfg, handlers.VersionInfo{}, zap.NewNop())
	err := s.init(context.Background())
	require.Error(t, err)
	s.close()
}
