package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigvault/escrowd/internal/chain"
	"github.com/gigvault/escrowd/internal/config"
	"github.com/gigvault/escrowd/internal/logging"
	"github.com/gigvault/escrowd/internal/signing"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testScriptHash = "7b0a8ba52e3b6d1f2c4e8f19d3a4c5b6e7f8091a2b3c4d5e6f708192"

// fakeChain implements ChainClient for testing
type fakeChain struct {
	down bool
}

func (f *fakeChain) Transaction(ctx context.Context, hash string) (*chain.Transaction, error) {
	if hash == "unknown" {
		return nil, chain.ErrNotFound
	}
	return &chain.Transaction{Hash: hash, Block: "blk", BlockHeight: 100, ValidContract: true}, nil
}

func (f *fakeChain) TransactionUTxOs(ctx context.Context, hash string) (*chain.TxUTxOs, error) {
	return &chain.TxUTxOs{Hash: hash}, nil
}

func (f *fakeChain) SubmitTransaction(ctx context.Context, cborHex string) (string, error) {
	return "settled-" + cborHex[:4], nil
}

func (f *fakeChain) ScriptUTxOs(ctx context.Context, scriptHash string) ([]chain.UTxO, error) {
	if f.down {
		return nil, errors.New("indexer down")
	}
	return []chain.UTxO{{TxHash: "abc", OutputIndex: 0, Amount: []chain.Amount{{Unit: chain.UnitLovelace, Quantity: "5000000"}}}}, nil
}

func (f *fakeChain) Health(ctx context.Context) error {
	if f.down {
		return errors.New("indexer down")
	}
	return nil
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                 "0",
		Env:                  "development",
		LogLevel:             "error",
		LogFormat:            "text",
		CardanoNetwork:       "preprod",
		CardanoNodeURL:       "http://indexer.invalid/api/v0",
		CardanoAPITimeout:    time.Second,
		CardanoRetryAttempts: 1,
		CardanoRateLimitRPS:  10,
		EscrowScriptHash:     testScriptHash,
		MinUTxOLovelace:      config.DefaultMinUTxO,
		MonitorSchedule:      config.DefaultMonitorSchedule,
		CORSOrigins:          []string{"*"},
		RateLimitRPM:         100000,
		EmailProvider:        "console",
		FromEmail:            config.DefaultFromEmail,
	}
}

// newTestServer creates a server with mock dependencies
func newTestServer(t *testing.T, fc *fakeChain) *Server {
	t.Helper()
	if fc == nil {
		fc = &fakeChain{}
	}
	s, err := New(testConfig(), WithChain(fc), WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(func() { s.rateLimiter.Stop() })
	return s
}

func do(s *Server, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	w := do(s, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp.Status)
	}
	if resp.Monitor.Schedule != config.DefaultMonitorSchedule {
		t.Errorf("Expected monitor schedule in health, got %q", resp.Monitor.Schedule)
	}
}

func TestHealthEndpoint_ChainDown(t *testing.T) {
	s := newTestServer(t, &fakeChain{down: true})

	w := do(s, "GET", "/health", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"name":"cardano","healthy":false`) {
		t.Errorf("Expected unhealthy cardano check, got %s", w.Body.String())
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	w := do(s, "GET", "/health/live", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	// Server hasn't called Run() so ready is false
	w := do(s, "GET", "/health/ready", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestRoutesRegistered(t *testing.T) {
	s := newTestServer(t, nil)

	expected := []string{
		"GET:/health",
		"GET:/metrics",
		"GET:/contract-info",
		"GET:/ws",
		"POST:/users",
		"POST:/gigs",
		"POST:/escrows",
		"GET:/escrows/:id",
		"GET:/escrows/user/:userId",
		"POST:/escrows/:id/lock",
		"POST:/escrows/:id/deliver",
		"POST:/escrows/:id/release",
		"POST:/escrows/:id/refund",
		"POST:/escrows/monitor",
		"POST:/disputes",
		"POST:/disputes/:id/resolve",
		"GET:/notifications/user/:userId",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}
	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Route %s not registered", e)
		}
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t, nil)

	w := do(s, "GET", "/v1/nonexistent", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestBadScheduleFailsStartup(t *testing.T) {
	cfg := testConfig()
	cfg.MonitorSchedule = "whenever"
	_, err := New(cfg, WithChain(&fakeChain{}), WithLogger(logging.Discard()))
	assert.ErrorContains(t, err, "whenever")
}

// ---------------------------------------------------------------------------
// Contract info
// ---------------------------------------------------------------------------

func TestContractInfo(t *testing.T) {
	s := newTestServer(t, nil)

	w := do(s, "GET", "/contract-info", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"script_address":"addr_test1w`)
	assert.Contains(t, w.Body.String(), `"script_hash":"`+testScriptHash+`"`)
	assert.Contains(t, w.Body.String(), `"min_utxo_lovelace":1000000`)

	w = do(s, "GET", "/contract-info/utxos", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestContractUTxOs_IndexerDown(t *testing.T) {
	s := newTestServer(t, &fakeChain{down: true})

	w := do(s, "GET", "/contract-info/utxos", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// ---------------------------------------------------------------------------
// End-to-end flows over the router
// ---------------------------------------------------------------------------

type account struct {
	id  string
	key ed25519.PrivateKey
}

func (a account) sign(action, escrowID string) string {
	return hex.EncodeToString(ed25519.Sign(a.key, []byte(signing.Message(action, escrowID))))
}

func register(t *testing.T, s *Server, role, wallet string) account {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	w := do(s, "POST", "/users", map[string]string{
		"name":             role,
		"wallet_address":   "addr_test1v" + strings.Repeat("q", 50) + wallet,
		"role":             role,
		"verification_key": hex.EncodeToString(pub),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return account{id: resp.User.ID, key: priv}
}

type parties struct {
	buyer, seller, arbiter account
	gigID                  string
}

func setupParties(t *testing.T, s *Server) parties {
	t.Helper()
	p := parties{
		buyer:   register(t, s, "client", "pzry"),
		seller:  register(t, s, "freelancer", "9x8g"),
		arbiter: register(t, s, "arbiter", "f2tv"),
	}
	w := do(s, "POST", "/gigs", map[string]any{
		"seller_id": p.seller.id, "title": "Logo design", "price": 100,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		Gig struct {
			ID string `json:"id"`
		} `json:"gig"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	p.gigID = resp.Gig.ID
	return p
}

func createLocked(t *testing.T, s *Server, p parties) string {
	t.Helper()
	w := do(s, "POST", "/escrows", map[string]any{
		"gig_id":     p.gigID,
		"buyer_id":   p.buyer.id,
		"amount":     100,
		"expires_at": time.Now().Add(72 * time.Hour),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"datum_cbor"`)
	var created struct {
		Escrow struct {
			ID string `json:"id"`
		} `json:"escrow"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.Escrow.ID

	w = do(s, "POST", "/escrows/"+id+"/lock", map[string]string{"tx_hash": "funding"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return id
}

func TestEscrowReleaseFlow(t *testing.T) {
	s := newTestServer(t, nil)
	p := setupParties(t, s)
	id := createLocked(t, s, p)

	w := do(s, "POST", "/escrows/"+id+"/deliver", map[string]string{"delivery_hash": "QmLogo"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(s, "POST", "/escrows/"+id+"/release", map[string]string{
		"signature": p.buyer.sign("release", id),
		"signer_id": p.buyer.id,
		"signed_tx": "84a400",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"state":"RELEASED"`)
	assert.Contains(t, w.Body.String(), `"settlement_tx_hash":"settled-84a4"`)

	s.notifications.Wait()
	w = do(s, "GET", "/notifications/user/"+p.seller.id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	for _, typ := range []string{"ESCROW_CREATED", "ESCROW_LOCKED", "ESCROW_RELEASED"} {
		assert.Contains(t, w.Body.String(), typ)
	}
}

func TestLockWithUnknownTransaction(t *testing.T) {
	s := newTestServer(t, nil)
	p := setupParties(t, s)

	w := do(s, "POST", "/escrows", map[string]any{
		"gig_id": p.gigID, "buyer_id": p.buyer.id, "amount": 100, "expires_at": time.Now().Add(time.Hour),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Escrow struct {
			ID string `json:"id"`
		} `json:"escrow"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = do(s, "POST", "/escrows/"+created.Escrow.ID+"/lock", map[string]string{"tx_hash": "unknown"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"verification_failed"`)
}

func TestDisputeRefundFlow(t *testing.T) {
	s := newTestServer(t, nil)
	p := setupParties(t, s)
	id := createLocked(t, s, p)

	w := do(s, "POST", "/disputes", map[string]string{
		"escrow_id": id, "reason": "seller unresponsive", "complainant_id": p.buyer.id,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var opened struct {
		Dispute struct {
			ID                string `json:"id"`
			AssignedArbiterID string `json:"assigned_arbiter_id"`
		} `json:"dispute"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &opened))
	assert.Equal(t, p.arbiter.id, opened.Dispute.AssignedArbiterID)

	// A disputed escrow is left alone by the expiry sweep.
	w = do(s, "POST", "/escrows/monitor", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(s, "POST", "/disputes/"+opened.Dispute.ID+"/resolve", map[string]string{
		"arbiter_id": p.arbiter.id,
		"signature":  p.arbiter.sign("refund", id),
		"outcome":    "REFUND_TO_BUYER",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(s, "GET", "/escrows/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"REFUNDED"`)
	assert.Contains(t, w.Body.String(), `"settled_by":"`+p.arbiter.id+`"`)
}

func TestShutdownWithoutRun(t *testing.T) {
	s := newTestServer(t, nil)
	s.drainDelay = 0
	assert.NoError(t, s.Shutdown())
}
