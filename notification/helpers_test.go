package notification

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/escalation"
)

const testToken = "123456:TEST"

type botCall struct {
	Method string
	Body   map[string]any
}

// fakeBotAPI 模拟 Telegram Bot API
type fakeBotAPI struct {
	t      *testing.T
	server *httptest.Server

	mu      sync.Mutex
	calls   []botCall
	replies map[string]func(w http.ResponseWriter, body map[string]any)
}

func newFakeBotAPI(t *testing.T) *fakeBotAPI {
	t.Helper()
	f := &fakeBotAPI{t: t, replies: make(map[string]func(http.ResponseWriter, map[string]any))}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeBotAPI) serve(w http.ResponseWriter, r *http.Request) {
	prefix := "/bot" + testToken + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	method := strings.TrimPrefix(r.URL.Path, prefix)

	raw, _ := io.ReadAll(r.Body)
	body := map[string]any{}
	_ = json.Unmarshal(raw, &body)

	f.mu.Lock()
	f.calls = append(f.calls, botCall{Method: method, Body: body})
	reply := f.replies[method]
	f.mu.Unlock()

	if reply != nil {
		reply(w, body)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": true})
}

func (f *fakeBotAPI) on(method string, reply func(w http.ResponseWriter, body map[string]any)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[method] = reply
}

func (f *fakeBotAPI) callsTo(method string) []botCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []botCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func failWith(status int, description string) func(http.ResponseWriter, map[string]any) {
	return func(w http.ResponseWriter, _ map[string]any) {
		writeJSON(w, status, map[string]any{"ok": false, "error_code": status, "description": description})
	}
}

func newTestChannel(t *testing.T, api *fakeBotAPI, mutate ...func(*TelegramConfig)) *TelegramChannel {
	t.Helper()
	cfg := TelegramConfig{
		Token:          testToken,
		ChatID:         "-1001",
		BaseURL:        api.server.URL,
		RequestTimeout: 2 * time.Second,
		PollTimeout:    time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	ch, err := NewTelegramChannel(cfg, api.server.Client(), zap.NewNop())
	require.NoError(t, err)
	return ch
}

func sampleRequest() *escalation.ApprovalRequest {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &escalation.ApprovalRequest{
		ID:         "0b7c8e4e-1111-4f5a-9a0e-2f7d3c6b5a41",
		SessionRef: "sess-42",
		Payload: escalation.Payload{
			Command:     "rm -rf /var/lib/app",
			Target:      "prod-db-1",
			RiskSummary: "irreversible data loss",
		},
		Status:    escalation.StatusPending,
		CreatedAt: now,
		Deadline:  now.Add(30 * time.Minute),
	}
}
