package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to an escrowd API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // Optional bearer token for deployments behind an auth proxy
}

// Client is a pure HTTP client for the escrowd REST API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new escrowd API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d, %s): %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

func limitQuery(limit int) url.Values {
	if limit <= 0 {
		return nil
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	return q
}

// GetEscrow returns one escrow.
func (c *Client) GetEscrow(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/escrows/"+url.PathEscape(id), nil, nil)
}

// ListUserEscrows returns escrows where userID is buyer or seller.
func (c *Client) ListUserEscrows(ctx context.Context, userID string, limit int) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/escrows/user/"+url.PathEscape(userID), limitQuery(limit), nil)
}

// TriggerSweep runs the expiry monitor once.
func (c *Client) TriggerSweep(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/escrows/monitor", nil, nil)
}

// GetDispute returns one dispute.
func (c *Client) GetDispute(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/disputes/"+url.PathEscape(id), nil, nil)
}

// ListOpenDisputes returns disputes awaiting an arbiter.
func (c *Client) ListOpenDisputes(ctx context.Context, limit int) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/disputes/open/list", limitQuery(limit), nil)
}

// OpenDispute files a dispute against an escrow.
func (c *Client) OpenDispute(ctx context.Context, escrowID, complainantID, reason string) (json.RawMessage, error) {
	body := map[string]string{
		"escrow_id":      escrowID,
		"complainant_id": complainantID,
		"reason":         reason,
	}
	return c.doRequest(ctx, http.MethodPost, "/disputes", nil, body)
}

// ListNotifications returns a user's notifications, newest first.
func (c *Client) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) (json.RawMessage, error) {
	q := limitQuery(limit)
	if unreadOnly {
		if q == nil {
			q = url.Values{}
		}
		q.Set("unreadOnly", "true")
	}
	return c.doRequest(ctx, http.MethodGet, "/notifications/user/"+url.PathEscape(userID), q, nil)
}

// GetContractInfo returns the configured escrow validator parameters.
func (c *Client) GetContractInfo(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/contract-info", nil, nil)
}
