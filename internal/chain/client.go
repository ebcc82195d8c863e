// Package chain is a client for a Blockfrost-compatible Cardano indexer.
//
// Every call is rate limited, bounded by a per-request timeout, retried with
// exponential backoff on transport errors, 429 and 5xx, and guarded by a
// circuit breaker per endpoint family. A 404 is a definitive "not found"
// and is never retried.
package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/gigvault/escrowd/internal/apperr"
	"github.com/gigvault/escrowd/internal/circuitbreaker"
	"github.com/gigvault/escrowd/internal/metrics"
	"github.com/gigvault/escrowd/internal/retry"
	"github.com/gigvault/escrowd/internal/traces"
)

var (
	// ErrNotFound means the indexer definitively does not know the entity.
	ErrNotFound = errors.New("not found on chain")

	// ErrUnavailable means the indexer could not be reached or kept failing.
	ErrUnavailable = fmt.Errorf("chain indexer %w", apperr.ErrChainUnavailable)

	// ErrRejected means the indexer refused a submitted transaction.
	ErrRejected = fmt.Errorf("transaction rejected: %w", apperr.ErrChainSubmission)
)

// Endpoint families, used as breaker keys and metric labels.
const (
	familyNetwork   = "network"
	familyBlocks    = "blocks"
	familyAddresses = "addresses"
	familyTxs       = "txs"
	familyScripts   = "scripts"
	familySubmit    = "submit"
	familyHealth    = "health"
)

const maxResponseBytes = 4 << 20

// APIError is a non-2xx indexer response.
type APIError struct {
	StatusCode int
	Message    string
	kind       error
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("indexer returned %d", e.StatusCode)
	}
	return fmt.Sprintf("indexer returned %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.kind }

// Config configures a Client.
type Config struct {
	BaseURL      string
	ProjectID    string
	Timeout      time.Duration
	MaxAttempts  int
	RateLimitRPS float64
	BaseDelay    time.Duration
	MaxDelay     time.Duration
}

// Client talks to the indexer. It is safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithLogger sets the logger used for retry warnings.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client. Zero config fields take conservative defaults.
func New(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 10
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 8 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	burst := int(cfg.RateLimitRPS)
	if burst < 1 {
		burst = 1
	}
	c := &Client{
		cfg:     cfg,
		http:    &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst),
		breaker: circuitbreaker.New(circuitbreaker.Config{}),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Network returns supply and stake figures.
func (c *Client) Network(ctx context.Context) (*NetworkInfo, error) {
	var out NetworkInfo
	if err := c.get(ctx, familyNetwork, "/network", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Clock returns the chain tip. Blockfrost has no /clock route; its latest
// block carries the same slot and time.
func (c *Client) Clock(ctx context.Context) (*Clock, error) {
	var out Clock
	if err := c.get(ctx, familyBlocks, "/blocks/latest", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Address returns balance information for a bech32 address.
func (c *Client) Address(ctx context.Context, address string) (*AddressInfo, error) {
	var out AddressInfo
	if err := c.get(ctx, familyAddresses, "/addresses/"+url.PathEscape(address), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Balance returns the lovelace held at address. Unknown addresses hold zero.
func (c *Client) Balance(ctx context.Context, address string) (int64, error) {
	info, err := c.Address(ctx, address)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return Lovelace(info.Amount)
}

// AddressUTxOs returns the unspent outputs at address. An address that has
// never been used has none.
func (c *Client) AddressUTxOs(ctx context.Context, address string) ([]UTxO, error) {
	var out []UTxO
	err := c.get(ctx, familyAddresses, "/addresses/"+url.PathEscape(address)+"/utxos", &out)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return out, err
}

// AddressTransactions returns up to count of address's most recent transactions.
func (c *Client) AddressTransactions(ctx context.Context, address string, count int) ([]AddressTx, error) {
	if count <= 0 || count > 100 {
		count = 100
	}
	q := url.Values{"count": {strconv.Itoa(count)}, "order": {"desc"}}
	var out []AddressTx
	err := c.get(ctx, familyAddresses, "/addresses/"+url.PathEscape(address)+"/transactions?"+q.Encode(), &out)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return out, err
}

// Transaction returns a transaction by hash.
func (c *Client) Transaction(ctx context.Context, hash string) (*Transaction, error) {
	var out Transaction
	if err := c.get(ctx, familyTxs, "/txs/"+url.PathEscape(hash), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TransactionUTxOs returns a transaction's inputs and outputs.
func (c *Client) TransactionUTxOs(ctx context.Context, hash string) (*TxUTxOs, error) {
	var out TxUTxOs
	if err := c.get(ctx, familyTxs, "/txs/"+url.PathEscape(hash)+"/utxos", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyTransaction reports whether hash names a transaction whose scripts
// validated. A missing transaction is (false, nil).
func (c *Client) VerifyTransaction(ctx context.Context, hash string) (bool, error) {
	tx, err := c.Transaction(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return tx.ValidContract, nil
}

// Script returns metadata for a script hash.
func (c *Client) Script(ctx context.Context, scriptHash string) (*Script, error) {
	var out Script
	if err := c.get(ctx, familyScripts, "/scripts/"+url.PathEscape(scriptHash), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ScriptUTxOs returns the outputs currently locked by a script. A script
// that holds nothing returns none.
func (c *Client) ScriptUTxOs(ctx context.Context, scriptHash string) ([]UTxO, error) {
	var out []UTxO
	err := c.get(ctx, familyScripts, "/scripts/"+url.PathEscape(scriptHash)+"/utxos", &out)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return out, err
}

// SubmitTransaction submits a signed transaction given as CBOR hex and
// returns its hash.
func (c *Client) SubmitTransaction(ctx context.Context, cborHex string) (string, error) {
	raw, err := hex.DecodeString(cborHex)
	if err != nil || len(raw) == 0 {
		return "", fmt.Errorf("signed transaction must be non-empty CBOR hex: %w", apperr.ErrInvalidArgument)
	}
	var hash string
	if err := c.do(ctx, familySubmit, http.MethodPost, "/tx/submit", "application/cbor", raw, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

// Health asks the indexer whether it is healthy.
func (c *Client) Health(ctx context.Context) error {
	var out struct {
		IsHealthy bool `json:"is_healthy"`
	}
	if err := c.get(ctx, familyHealth, "/health", &out); err != nil {
		return err
	}
	if !out.IsHealthy {
		return fmt.Errorf("%w: indexer reports unhealthy", ErrUnavailable)
	}
	if open := c.breaker.Open(); len(open) > 0 {
		return fmt.Errorf("%w: circuit open for %s", ErrUnavailable, strings.Join(open, ", "))
	}
	return nil
}

func (c *Client) get(ctx context.Context, family, path string, out any) error {
	return c.do(ctx, family, http.MethodGet, path, "", nil, out)
}

func (c *Client) do(ctx context.Context, family, method, path, contentType string, body []byte, out any) (err error) {
	ctx, span := traces.StartSpan(ctx, "chain."+family, traces.Endpoint(family))
	start := time.Now()
	defer func() {
		metrics.ChainRequestDuration.WithLabelValues(family).Observe(time.Since(start).Seconds())
		metrics.ChainRequestsTotal.WithLabelValues(family, outcome(err)).Inc()
		if errors.Is(err, ErrNotFound) {
			traces.End(span, nil)
			return
		}
		traces.End(span, err)
	}()

	policy := retry.Policy{
		MaxAttempts: c.cfg.MaxAttempts,
		BaseDelay:   c.cfg.BaseDelay,
		MaxDelay:    c.cfg.MaxDelay,
		OnRetry: func(attempt int, err error, sleep time.Duration) {
			c.logger.Warn("chain request failed, retrying",
				"endpoint", family,
				"path", path,
				"attempt", attempt,
				"backoff", sleep,
				"error", err,
			)
		},
	}

	err = c.breaker.Do(family, func() error {
		return policy.Do(ctx, func(ctx context.Context) error {
			return c.attempt(ctx, method, path, contentType, body, out)
		})
	}, countsAgainstBreaker)

	switch {
	case err == nil, errors.Is(err, ErrNotFound), errors.Is(err, ErrRejected):
		return err
	case errors.Is(err, circuitbreaker.ErrOpen):
		return fmt.Errorf("%s: %w: %w", family, ErrUnavailable, err)
	default:
		return fmt.Errorf("%s %s: %w: %w", method, path, ErrUnavailable, err)
	}
}

func (c *Client) attempt(ctx context.Context, method, path, contentType string, body []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return retry.Permanent(err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rdr)
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("project_id", c.cfg.ProjectID)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return retry.Permanent(fmt.Errorf("decode %s: %w", path, err))
		}
		return nil
	}

	apiErr := newAPIError(resp.StatusCode, method, data)
	if retryable(resp.StatusCode) {
		return apiErr
	}
	return retry.Permanent(apiErr)
}

func newAPIError(status int, method string, body []byte) *APIError {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &payload)
	msg := payload.Message
	if msg == "" {
		msg = payload.Error
	}

	e := &APIError{StatusCode: status, Message: msg}
	switch {
	case status == http.StatusNotFound:
		e.kind = ErrNotFound
	case status == http.StatusBadRequest && method == http.MethodPost:
		e.kind = ErrRejected
	case status == http.StatusBadRequest:
		// Malformed hashes are answered with 400; nothing by that name exists.
		e.kind = ErrNotFound
	}
	return e
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func countsAgainstBreaker(err error) bool {
	return !errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrRejected) &&
		!errors.Is(err, context.Canceled)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRejected):
		return "rejected"
	default:
		return "unavailable"
	}
}
