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

	"github.com/mbd888/credgate/internal/credits"
	"github.com/mbd888/credgate/internal/identity"
	"github.com/mbd888/credgate/internal/providers"
	"github.com/mbd888/credgate/internal/usage"
)

// Config holds the configuration for connecting to the credgate API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	Token  string // Bearer token for the user the tools act as
	UserID string // X-User-ID, for servers that trust header identity
}

// Client is a pure HTTP client for the credgate API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			// Tutor replies wait on provider retries.
			Timeout: 90 * time.Second,
		},
	}
}

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
	RetryAfter string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Code)
}

// doRequest makes an HTTP request and decodes a JSON response into out.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if c.cfg.UserID != "" {
		req.Header.Set(identity.HeaderUserID, c.cfg.UserID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, RetryAfter: resp.Header.Get("Retry-After")}
		if json.Unmarshal(respBody, apiErr) != nil || (apiErr.Code == "" && apiErr.Message == "") {
			apiErr.Message = string(respBody)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Balance returns the caller's account.
func (c *Client) Balance(ctx context.Context) (*credits.Account, error) {
	var acct credits.Account
	if err := c.doRequest(ctx, http.MethodGet, "/v1/credits", nil, nil, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// History returns the caller's most recent ledger entries.
func (c *Client) History(ctx context.Context, limit int) ([]*credits.Transaction, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Transactions []*credits.Transaction `json:"transactions"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/credits/history", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}

// CostTable is the response of GET /v1/usage/costs.
type CostTable struct {
	Costs                   map[string]int64 `json:"costs"`
	RefundOnProviderFailure bool             `json:"refundOnProviderFailure"`
}

// Costs returns the action cost table.
func (c *Client) Costs(ctx context.Context) (*CostTable, error) {
	var table CostTable
	if err := c.doRequest(ctx, http.MethodGet, "/v1/usage/costs", nil, nil, &table); err != nil {
		return nil, err
	}
	return &table, nil
}

// Authorize charges a client-metered action.
func (c *Client) Authorize(ctx context.Context, action string, amount *int64) (*usage.Authorization, error) {
	body := map[string]any{"action": action}
	if amount != nil {
		body["amount"] = *amount
	}
	var resp struct {
		Authorization *usage.Authorization `json:"authorization"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/v1/usage/authorize", nil, body, &resp); err != nil {
		return nil, err
	}
	if resp.Authorization == nil {
		return nil, fmt.Errorf("no authorization in response")
	}
	return resp.Authorization, nil
}

// ChatReply is the response of POST /v1/tutor/chat.
type ChatReply struct {
	Reply     string `json:"reply"`
	Provider  string `json:"provider"`
	Cost      int64  `json:"cost"`
	Remaining int64  `json:"remaining"`
	Unlimited bool   `json:"unlimited"`
}

// Chat sends a conversation to the tutor. One chat-response is charged.
func (c *Client) Chat(ctx context.Context, messages []providers.Message) (*ChatReply, error) {
	var reply ChatReply
	body := map[string]any{"messages": messages}
	if err := c.doRequest(ctx, http.MethodPost, "/v1/tutor/chat", nil, body, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}
