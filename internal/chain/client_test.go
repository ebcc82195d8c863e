package chain

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigvault/escrowd/internal/apperr"
	"github.com/gigvault/escrowd/internal/circuitbreaker"
	"github.com/gigvault/escrowd/internal/logging"
)

const txHash = "6d6f6e6b6579206d6f6e6b6579206d6f6e6b6579206d6f6e6b6579206d6f6e6b"

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	return New(Config{
		BaseURL:      srv.URL,
		ProjectID:    "preprodTestKey",
		Timeout:      time.Second,
		MaxAttempts:  3,
		RateLimitRPS: 1000,
		BaseDelay:    time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	}, opts...)
}

func TestTransaction_SendsProjectIDAndDecodes(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "preprodTestKey", r.Header.Get("project_id"))
		assert.Equal(t, "/txs/"+txHash, r.URL.Path)
		_, _ = io.WriteString(w, `{
			"hash": "`+txHash+`",
			"block": "356b7d7dbb696ccd12775c016941057a9dc70898d87a63fc752271bb46856940",
			"block_height": 123456,
			"block_time": 1700000000,
			"slot": 44316800,
			"output_amount": [{"unit": "lovelace", "quantity": "42000000"}],
			"fees": "182485",
			"valid_contract": true
		}`)
	})

	tx, err := c.Transaction(context.Background(), txHash)
	require.NoError(t, err)
	assert.True(t, tx.ValidContract)
	assert.True(t, tx.Confirmed())
	assert.Equal(t, int64(44316800), tx.Slot)

	lovelace, err := Lovelace(tx.OutputAmount)
	require.NoError(t, err)
	assert.Equal(t, int64(42_000_000), lovelace)
}

func TestTransaction_NotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"status_code":404,"error":"Not Found","message":"The requested component has not been found."}`)
	})

	_, err := c.Transaction(context.Background(), txHash)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, errors.Is(err, apperr.ErrChainUnavailable))
	assert.Equal(t, int32(1), calls.Load())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Contains(t, apiErr.Error(), "has not been found")
}

func TestVerifyTransaction(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "missing"):
			w.WriteHeader(http.StatusNotFound)
		case strings.HasSuffix(r.URL.Path, "failed"):
			_, _ = io.WriteString(w, `{"hash":"failed","valid_contract":false}`)
		default:
			_, _ = io.WriteString(w, `{"hash":"ok","valid_contract":true}`)
		}
	})
	ctx := context.Background()

	ok, err := c.VerifyTransaction(ctx, "ok")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.VerifyTransaction(ctx, "failed")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.VerifyTransaction(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		default:
			_, _ = io.WriteString(w, `{"hash":"h","height":10,"slot":5000,"epoch":1,"time":1700000000}`)
		}
	})

	clock, err := c.Clock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5000), clock.Slot)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), clock.Time())
	assert.Equal(t, int32(3), calls.Load())
}

func TestClock_ReadsLatestBlock(t *testing.T) {
	var path string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_, _ = io.WriteString(w, `{"hash":"h","height":11,"slot":5020,"epoch":1,"time":1700000020}`)
	})

	clock, err := c.Clock(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, "/blocks/latest"), path)
	assert.Equal(t, int64(5020), clock.Slot)
}

func TestExhaustedRetriesAreUnavailable(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.Transaction(context.Background(), txHash)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, apperr.ErrChainUnavailable)
	assert.Equal(t, int32(3), calls.Load())
}

func TestOpenBreakerShortCircuits(t *testing.T) {
	var calls atomic.Int32
	b := circuitbreaker.New(circuitbreaker.Config{Threshold: 1, Cooldown: time.Minute})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}, WithBreaker(b))
	ctx := context.Background()

	_, err := c.Transaction(ctx, txHash)
	require.ErrorIs(t, err, ErrUnavailable)
	require.Equal(t, circuitbreaker.StateOpen, b.State(familyTxs))
	before := calls.Load()

	_, err = c.Transaction(ctx, txHash)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.ErrorIs(t, err, apperr.ErrChainUnavailable)
	assert.Equal(t, before, calls.Load(), "open breaker must not reach the indexer")

	// Other families keep their own circuit.
	assert.Equal(t, circuitbreaker.StateClosed, b.State(familyAddresses))
}

func TestNotFoundDoesNotTripBreaker(t *testing.T) {
	b := circuitbreaker.New(circuitbreaker.Config{Threshold: 1, Cooldown: time.Minute})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, WithBreaker(b))

	for i := 0; i < 3; i++ {
		_, err := c.Transaction(context.Background(), txHash)
		require.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, circuitbreaker.StateClosed, b.State(familyTxs))
}

func TestSubmitTransaction(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/tx/submit", r.URL.Path)
		assert.Equal(t, "application/cbor", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, []byte{0x84, 0xa4, 0x00}, body)
		_, _ = io.WriteString(w, `"`+txHash+`"`)
	})

	hash, err := c.SubmitTransaction(context.Background(), "84a400")
	require.NoError(t, err)
	assert.Equal(t, txHash, hash)
}

func TestSubmitTransaction_Rejected(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"status_code":400,"error":"Bad Request","message":"BadInputsUTxO"}`)
	})

	_, err := c.SubmitTransaction(context.Background(), "84a400")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorIs(t, err, apperr.ErrChainSubmission)
	assert.Contains(t, err.Error(), "BadInputsUTxO")
	assert.Equal(t, int32(1), calls.Load())
}

func TestSubmitTransaction_InvalidHex(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("indexer must not be called")
	})
	_, err := c.SubmitTransaction(context.Background(), "zz")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestBalanceAndUTxOsOfUnusedAddress(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	ctx := context.Background()

	bal, err := c.Balance(ctx, "addr_test1unused")
	require.NoError(t, err)
	assert.Zero(t, bal)

	utxos, err := c.AddressUTxOs(ctx, "addr_test1unused")
	require.NoError(t, err)
	assert.Empty(t, utxos)
}

func TestScriptUTxOs(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/scripts/empty") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		assert.Equal(t, "/scripts/abcd/utxos", r.URL.Path)
		_, _ = io.WriteString(w, `[{"address":"addr_test1w","tx_hash":"`+txHash+`","output_index":0,
			"amount":[{"unit":"lovelace","quantity":"5000000"}],"inline_datum":"d8799f40ff"}]`)
	})
	ctx := context.Background()

	utxos, err := c.ScriptUTxOs(ctx, "abcd")
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	assert.Equal(t, "d8799f40ff", utxos[0].InlineDatum)

	utxos, err = c.ScriptUTxOs(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, utxos)
}

func TestHealth(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			_, _ = io.WriteString(w, `{"is_healthy":true}`)
			return
		}
		_, _ = io.WriteString(w, `{"is_healthy":false}`)
	})

	assert.NoError(t, c.Health(context.Background()))
	healthy.Store(false)
	assert.ErrorIs(t, c.Health(context.Background()), apperr.ErrChainUnavailable)
}

func TestHealth_ReportsOpenCircuits(t *testing.T) {
	b := circuitbreaker.New(circuitbreaker.Config{Threshold: 1, Cooldown: time.Minute})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			_, _ = io.WriteString(w, `{"is_healthy":true}`)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}, WithBreaker(b))
	ctx := context.Background()

	require.NoError(t, c.Health(ctx))

	_, err := c.Transaction(ctx, txHash)
	require.ErrorIs(t, err, ErrUnavailable)

	err = c.Health(ctx)
	require.ErrorIs(t, err, apperr.ErrChainUnavailable)
	assert.Contains(t, err.Error(), "circuit open for "+familyTxs)
}

func TestContextCancelledStopsRetrying(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Transaction(ctx, txHash)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLovelace_BadQuantity(t *testing.T) {
	_, err := Lovelace([]Amount{{Unit: UnitLovelace, Quantity: "lots"}})
	assert.Error(t, err)

	n, err := Lovelace([]Amount{{Unit: UnitLovelace, Quantity: "5"}, {Unit: "abc123", Quantity: "x"}, {Unit: UnitLovelace, Quantity: "7"}})
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
}
