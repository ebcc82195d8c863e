package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	h := NewHandlers(NewClient(Config{APIURL: ts.URL}))
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

const lockedEscrow = `{"escrow":{"id":"esc_1","gig_id":"gig_1","buyer_id":"usr_b","seller_id":"usr_s",
	"state":"LOCKED","amount":12500000,"expires_at":"2026-06-01T00:00:00Z","on_chain_tx_hash":"abc123","version":2}}`

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_AuthHeader(t *testing.T) {
	var gotAuth []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = append(gotAuth, r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, `{}`)
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL, APIKey: "tok_secret"}).GetContractInfo(context.Background())
	require.NoError(t, err)
	_, err = NewClient(Config{APIURL: ts.URL}).GetContractInfo(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"Bearer tok_secret", ""}, gotAuth)
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, `{"error":"conflict","message":"An open dispute already exists for this escrow"}`)
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).OpenDispute(context.Background(), "esc_1", "usr_b", "late")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "conflict")
	assert.Contains(t, err.Error(), "An open dispute already exists")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).GetEscrow(context.Background(), "esc_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream down")
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	_, err := NewClient(Config{APIURL: "http://127.0.0.1:1"}).GetEscrow(context.Background(), "esc_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_DoRequest_CancelledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{}`)
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewClient(Config{APIURL: ts.URL}).GetEscrow(ctx, "esc_1")
	require.Error(t, err)
}

func TestClient_Paths(t *testing.T) {
	type call struct{ method, path, query string }
	var got []call
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, call{r.Method, r.URL.EscapedPath(), r.URL.RawQuery})
		writeJSON(w, http.StatusOK, `{}`)
	}))
	defer ts.Close()

	c := NewClient(Config{APIURL: ts.URL})
	ctx := context.Background()
	_, _ = c.GetEscrow(ctx, "esc/1")
	_, _ = c.ListUserEscrows(ctx, "usr_b", 5)
	_, _ = c.ListUserEscrows(ctx, "usr_b", 0)
	_, _ = c.TriggerSweep(ctx)
	_, _ = c.GetDispute(ctx, "dsp_1")
	_, _ = c.ListOpenDisputes(ctx, 10)
	_, _ = c.ListNotifications(ctx, "usr_s", true, 0)
	_, _ = c.GetContractInfo(ctx)

	assert.Equal(t, []call{
		{http.MethodGet, "/escrows/esc%2F1", ""},
		{http.MethodGet, "/escrows/user/usr_b", "limit=5"},
		{http.MethodGet, "/escrows/user/usr_b", ""},
		{http.MethodPost, "/escrows/monitor", ""},
		{http.MethodGet, "/disputes/dsp_1", ""},
		{http.MethodGet, "/disputes/open/list", "limit=10"},
		{http.MethodGet, "/notifications/user/usr_s", "unreadOnly=true"},
		{http.MethodGet, "/contract-info", ""},
	}, got)
}

func TestClient_OpenDispute_RequestBody(t *testing.T) {
	var body map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, http.StatusCreated, `{"dispute":{}}`)
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).OpenDispute(context.Background(), "esc_1", "usr_b", "never delivered")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"escrow_id":      "esc_1",
		"complainant_id": "usr_b",
		"reason":         "never delivered",
	}, body)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleGetEscrow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /escrows/esc_1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, lockedEscrow)
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetEscrow(context.Background(), makeRequest(map[string]any{"escrow_id": "esc_1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Escrow esc_1 (LOCKED)")
	assert.Contains(t, text, "Amount: 12500000 lovelace", "amounts keep their exact integer form")
	assert.Contains(t, text, "Funding tx: abc123")
	assert.NotContains(t, text, "Settlement tx")
}

func TestHandleGetEscrow_MissingID(t *testing.T) {
	h := NewHandlers(NewClient(Config{APIURL: "http://127.0.0.1:1"}))
	result, err := h.HandleGetEscrow(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "escrow_id is required")
}

func TestHandleGetEscrow_NotFound(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"error":"not_found","message":"escrow not found"}`)
	}))
	defer cleanup()

	result, err := h.HandleGetEscrow(context.Background(), makeRequest(map[string]any{"escrow_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "escrow not found")
}

func TestHandleListUserEscrows(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /escrows/user/usr_s", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, `{"escrows":[
			{"id":"esc_2","buyer_id":"usr_b","seller_id":"usr_s","state":"DELIVERED","amount":3000000,"expires_at":"2026-06-02T00:00:00Z"},
			{"id":"esc_1","buyer_id":"usr_s","seller_id":"usr_x","state":"RELEASED","amount":2000000,"expires_at":"2026-06-01T00:00:00Z"}
		],"count":2}`)
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListUserEscrows(context.Background(), makeRequest(map[string]any{"user_id": "usr_s"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Found 2 escrows for usr_s")
	assert.Contains(t, text, "1. esc_2 [DELIVERED] 3000000 lovelace as seller")
	assert.Contains(t, text, "2. esc_1 [RELEASED] 2000000 lovelace as buyer")
}

func TestHandleListUserEscrows_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"escrows":[],"count":0}`)
	}))
	defer cleanup()

	result, err := h.HandleListUserEscrows(context.Background(), makeRequest(map[string]any{"user_id": "usr_b", "limit": float64(3)}))
	require.NoError(t, err)
	assert.Equal(t, "No escrows found for usr_b.", resultText(t, result))
}

func TestHandleGetDispute(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{
			name: "open and assigned",
			body: `{"dispute":{"id":"dsp_1","escrow_id":"esc_1","complainant_id":"usr_b","status":"OPEN","reason":"late","assigned_arbiter_id":"usr_arb"}}`,
			want: []string{"Dispute dsp_1 (OPEN)", "Assigned arbiter: usr_arb", "Reason: late"},
		},
		{
			name: "unassigned",
			body: `{"dispute":{"id":"dsp_2","escrow_id":"esc_2","complainant_id":"usr_s","status":"OPEN","reason":"no reply"}}`,
			want: []string{"Assigned arbiter: none"},
		},
		{
			name: "resolved",
			body: `{"dispute":{"id":"dsp_3","escrow_id":"esc_3","status":"RESOLVED","resolution":"REFUND_TO_BUYER","arbiter_id":"usr_arb"}}`,
			want: []string{"Resolution: REFUND_TO_BUYER by usr_arb"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, tt.body)
			}))
			defer cleanup()

			result, err := h.HandleGetDispute(context.Background(), makeRequest(map[string]any{"dispute_id": "d"}))
			require.NoError(t, err)
			text := resultText(t, result)
			for _, w := range tt.want {
				assert.Contains(t, text, w)
			}
		})
	}
}

func TestHandleListOpenDisputes(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"disputes":[
			{"id":"dsp_1","escrow_id":"esc_1","reason":"late","assigned_arbiter_id":"usr_arb"},
			{"id":"dsp_2","escrow_id":"esc_2","reason":"wrong files"}
		],"count":2}`)
	}))
	defer cleanup()

	result, err := h.HandleListOpenDisputes(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "2 open disputes")
	assert.Contains(t, text, "1. dsp_1 on escrow esc_1 (usr_arb): late")
	assert.Contains(t, text, "2. dsp_2 on escrow esc_2 (unassigned): wrong files")
}

func TestHandleOpenDispute(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /disputes", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, `{"dispute":{"id":"dsp_9","escrow_id":"esc_1","complainant_id":"usr_b","status":"OPEN","reason":"late","assigned_arbiter_id":"usr_arb"}}`)
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleOpenDispute(context.Background(), makeRequest(map[string]any{
		"escrow_id": "esc_1", "complainant_id": "usr_b", "reason": "late",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "Dispute opened.")
	assert.Contains(t, text, "Dispute dsp_9 (OPEN)")
}

func TestHandleOpenDispute_MissingArgs(t *testing.T) {
	h := NewHandlers(NewClient(Config{APIURL: "http://127.0.0.1:1"}))
	tests := []struct {
		args map[string]any
		want string
	}{
		{map[string]any{"complainant_id": "u", "reason": "r"}, "escrow_id is required"},
		{map[string]any{"escrow_id": "e", "reason": "r"}, "complainant_id is required"},
		{map[string]any{"escrow_id": "e", "complainant_id": "u"}, "reason is required"},
	}
	for _, tt := range tests {
		result, err := h.HandleOpenDispute(context.Background(), makeRequest(tt.args))
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Equal(t, tt.want, resultText(t, result))
	}
}

func TestHandleTriggerExpirySweep(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /escrows/monitor", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"sweep":{"checked":4,"refunded":["esc_1","esc_2"],"skipped":["esc_3"],
			"failed":{"esc_4":"chain submission failed"},"started_at":"2026-05-01T09:00:00Z","finished_at":"2026-05-01T09:00:01Z"}}`)
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleTriggerExpirySweep(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Checked 4 expired escrows.")
	assert.Contains(t, text, "Refunded: 2\n  - esc_1\n  - esc_2\n")
	assert.Contains(t, text, "Skipped (open dispute): 1\n  - esc_3\n")
	assert.Contains(t, text, "Failed: 1\n  - esc_4: chain submission failed\n")
}

func TestHandleTriggerExpirySweep_MonitorDisabled(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	result, err := h.HandleTriggerExpirySweep(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "404")
}

func TestHandleListNotifications(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /notifications/user/usr_s", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("unreadOnly"))
		writeJSON(w, http.StatusOK, `{"notifications":[
			{"id":"n2","type":"ESCROW_LOCKED","subject":"Escrow Locked","content":"Funds are locked.","read":false},
			{"id":"n1","type":"ESCROW_CREATED","subject":"New Escrow Created","content":"A new escrow.","read":true}
		],"count":2}`)
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListNotifications(context.Background(), makeRequest(map[string]any{
		"user_id": "usr_s", "unread_only": true,
	}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "* 1. [ESCROW_LOCKED] Escrow Locked: Funds are locked.")
	assert.Contains(t, text, "  2. [ESCROW_CREATED] New Escrow Created: A new escrow.")
}

func TestHandleGetContractInfo(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"network":"preprod","script_hash":"7b0a"}`)
	}))
	defer cleanup()

	result, err := h.HandleGetContractInfo(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), `"network": "preprod"`)
}

// ============================================================
// Formatting helpers
// ============================================================

func TestFormatEscrow_FlatResponse(t *testing.T) {
	text, err := formatEscrow(json.RawMessage(`{"id":"esc_1","state":"REFUNDED","amount":"2000000","refund_reason":"expired","settled_by":"SYSTEM"}`))
	require.NoError(t, err)
	assert.Contains(t, text, "Escrow esc_1 (REFUNDED)")
	assert.Contains(t, text, "Settled by: SYSTEM")
	assert.Contains(t, text, "Refund reason: expired")
}

func TestFormatters_MalformedJSON(t *testing.T) {
	bad := json.RawMessage(`{not json`)
	_, err := formatEscrow(bad)
	assert.Error(t, err)
	_, err = formatEscrowList(bad, "u")
	assert.Error(t, err)
	_, err = formatDispute(bad)
	assert.Error(t, err)
	_, err = formatSweep(bad)
	assert.Error(t, err)
	_, err = formatNotifications(bad)
	assert.Error(t, err)
}

func TestFormatJSON_InvalidJSON(t *testing.T) {
	assert.Equal(t, "plain", formatJSON(json.RawMessage("plain")))
}

func TestGetString(t *testing.T) {
	m := map[string]any{"a": "x", "n": json.Number("5000000"), "f": float64(42), "b": true}
	assert.Equal(t, "x", getString(m, "missing", "a"))
	assert.Equal(t, "5000000", getString(m, "n"))
	assert.Equal(t, "42", getString(m, "f"))
	assert.Empty(t, getString(m, "b"))
}

// ============================================================
// Concurrency / server wiring
// ============================================================

func TestHandlers_ConcurrentCalls(t *testing.T) {
	var callCount atomic.Int32
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		writeJSON(w, http.StatusOK, lockedEscrow)
	}))
	defer cleanup()

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			result, err := h.HandleGetEscrow(context.Background(), makeRequest(map[string]any{"escrow_id": "esc_1"}))
			assert.NoError(t, err)
			assert.False(t, result.IsError)
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	assert.Equal(t, int32(10), callCount.Load())
}

func TestNewMCPServer_RegistersAllTools(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080"})
	require.NotNil(t, s)

	tools := s.ListTools()
	for _, name := range []string{
		"get_escrow", "list_user_escrows", "get_dispute", "list_open_disputes",
		"open_dispute", "trigger_expiry_sweep", "list_notifications", "get_contract_info",
	} {
		assert.Contains(t, tools, name)
	}
}

func TestHandlers_NeverReturnGoError(t *testing.T) {
	// Failures are reported through result.IsError.
	h := NewHandlers(NewClient(Config{APIURL: "http://127.0.0.1:1"}))
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() (*mcp.CallToolResult, error)
	}{
		{"GetEscrow", func() (*mcp.CallToolResult, error) {
			return h.HandleGetEscrow(ctx, makeRequest(map[string]any{"escrow_id": "e"}))
		}},
		{"ListUserEscrows", func() (*mcp.CallToolResult, error) {
			return h.HandleListUserEscrows(ctx, makeRequest(map[string]any{"user_id": "u"}))
		}},
		{"GetDispute", func() (*mcp.CallToolResult, error) {
			return h.HandleGetDispute(ctx, makeRequest(map[string]any{"dispute_id": "d"}))
		}},
		{"ListOpenDisputes", func() (*mcp.CallToolResult, error) {
			return h.HandleListOpenDisputes(ctx, makeRequest(nil))
		}},
		{"OpenDispute", func() (*mcp.CallToolResult, error) {
			return h.HandleOpenDispute(ctx, makeRequest(map[string]any{"escrow_id": "e", "complainant_id": "u", "reason": "r"}))
		}},
		{"TriggerExpirySweep", func() (*mcp.CallToolResult, error) {
			return h.HandleTriggerExpirySweep(ctx, makeRequest(nil))
		}},
		{"ListNotifications", func() (*mcp.CallToolResult, error) {
			return h.HandleListNotifications(ctx, makeRequest(map[string]any{"user_id": "u"}))
		}},
		{"GetContractInfo", func() (*mcp.CallToolResult, error) {
			return h.HandleGetContractInfo(ctx, makeRequest(nil))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.fn()
			assert.NoError(t, err, "handler should never return Go error")
			require.NotNil(t, result)
			assert.True(t, result.IsError, "unreachable server should produce isError result")
		})
	}
}

func TestClient_SlowServer_Timeout(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping slow timeout test in short mode")
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(35 * time.Second)
		writeJSON(w, http.StatusOK, `{}`)
	}))
	defer ts.Close()

	start := time.Now()
	_, err := NewClient(Config{APIURL: ts.URL}).GetContractInfo(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 32*time.Second)
}
