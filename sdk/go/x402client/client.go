// Package x402client is a Go client for the x402d query and job API.
package x402client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the x402d REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
}

// Credentials is an operator username and password.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Token is an issued token pair.
type Token struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64  `json:"refresh_expires_in,omitempty"`
	TokenType        string `json:"token_type"`
}

// Balance is an escrowed balance.
type Balance struct {
	Owner   string `json:"owner"`
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
}

// Order mirrors an escrow order.
type Order struct {
	ID           uint64   `json:"id"`
	Owner        string   `json:"owner"`
	Agent        string   `json:"agent"`
	TokenIn      string   `json:"token_in"`
	TokenOut     string   `json:"token_out"`
	AmountIn     *big.Int `json:"amount_in"`
	MinAmountOut *big.Int `json:"min_amount_out"`
	StrategyRef  string   `json:"strategy_ref"`
	Status       string   `json:"status"`
	CreatedAt    int64    `json:"created_at"`
	UpdatedAt    int64    `json:"updated_at"`
}

// OrderFilter narrows ListOrders. Zero values are ignored.
type OrderFilter struct {
	Owner  string
	Agent  string
	Status string
	Limit  int
	Offset int
}

// OrderPage is one page of orders plus the total order count.
type OrderPage struct {
	Orders []Order `json:"orders"`
	Total  uint64  `json:"total"`
}

// Strategy is a registered strategy record.
type Strategy struct {
	ID             string `json:"id"`
	Owner          string `json:"owner"`
	ContentPointer string `json:"content_pointer"`
	PairLabel      string `json:"pair_label"`
	Active         bool   `json:"active"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

// JobSubmission requests an operator job.
type JobSubmission struct {
	ID       string            `json:"id,omitempty"`
	Kind     string            `json:"kind"`
	Payload  any               `json:"payload"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Job is the server view of an operator job.
type Job struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	Payload    json.RawMessage   `json:"payload"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Status     string            `json:"status"`
	Attempts   int               `json:"attempts"`
	MaxRetries int               `json:"max_retries"`
	LastError  string            `json:"last_error,omitempty"`
	ErrorCode  string            `json:"error_code,omitempty"`
	Result     json.RawMessage   `json:"result,omitempty"`
	CreatedAt  int64             `json:"created_at"`
	UpdatedAt  int64             `json:"updated_at"`
}

// JobFilter narrows ListJobs. Zero values are ignored.
type JobFilter struct {
	Statuses  []string
	Kinds     []string
	Query     string
	Limit     int
	Offset    int
	Ascending bool
}

// JobStats aggregates jobs by status.
type JobStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("x402 api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("x402 api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the x402d API. When httpClient is nil,
// a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Authenticate exchanges credentials for a token pair and stores it for
// subsequent calls.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (Token, error) {
	return c.token(ctx, map[string]string{
		"grant_type": "password",
		"username":   creds.Username,
		"password":   creds.Password,
	})
}

// Refresh exchanges the stored refresh token for a new pair.
func (c *Client) Refresh(ctx context.Context) (Token, error) {
	c.mu.RLock()
	refresh := c.refreshToken
	c.mu.RUnlock()
	if refresh == "" {
		return Token{}, fmt.Errorf("x402: refresh token is not set")
	}
	return c.token(ctx, map[string]string{"grant_type": "refresh_token", "refresh_token": refresh})
}

// Balance returns the escrowed balance of owner for asset.
func (c *Client) Balance(ctx context.Context, owner, asset string) (Balance, error) {
	var out Balance
	err := c.do(ctx, http.MethodGet, "/api/v1/escrow/balances/"+url.PathEscape(owner)+"/"+url.PathEscape(asset), nil, nil, &out)
	return out, err
}

// Order fetches an order by id.
func (c *Client) Order(ctx context.Context, id uint64) (Order, error) {
	var out Order
	err := c.do(ctx, http.MethodGet, "/api/v1/escrow/orders/"+strconv.FormatUint(id, 10), nil, nil, &out)
	return out, err
}

// ListOrders lists orders matching filter.
func (c *Client) ListOrders(ctx context.Context, filter OrderFilter) (OrderPage, error) {
	query := url.Values{}
	setIf(query, "owner", filter.Owner)
	setIf(query, "agent", filter.Agent)
	setIf(query, "status", filter.Status)
	setInt(query, "limit", filter.Limit)
	setInt(query, "offset", filter.Offset)
	var out OrderPage
	err := c.do(ctx, http.MethodGet, "/api/v1/escrow/orders", query, nil, &out)
	return out, err
}

// Strategy fetches a strategy record by its 32 byte hex id.
func (c *Client) Strategy(ctx context.Context, id string) (Strategy, error) {
	var out Strategy
	err := c.do(ctx, http.MethodGet, "/api/v1/strategies/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// Strategies lists the records registered by owner.
func (c *Client) Strategies(ctx context.Context, owner string) ([]Strategy, error) {
	var out struct {
		Strategies []Strategy `json:"strategies"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/strategies", url.Values{"owner": {owner}}, nil, &out)
	return out.Strategies, err
}

// SubmitJob queues an operator job.
func (c *Client) SubmitJob(ctx context.Context, submission JobSubmission) (Job, error) {
	var out Job
	err := c.do(ctx, http.MethodPost, "/api/v1/jobs", nil, submission, &out)
	return out, err
}

// GetJob fetches a job by id.
func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var out Job
	err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// ListJobs lists jobs matching filter.
func (c *Client) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	query := url.Values{}
	setIf(query, "status", strings.Join(filter.Statuses, ","))
	setIf(query, "kind", strings.Join(filter.Kinds, ","))
	setIf(query, "q", filter.Query)
	setInt(query, "limit", filter.Limit)
	setInt(query, "offset", filter.Offset)
	if filter.Ascending {
		query.Set("order", "asc")
	}
	var out struct {
		Jobs []Job `json:"jobs"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/jobs", query, nil, &out)
	return out.Jobs, err
}

// JobStats returns job counts by status.
func (c *Client) JobStats(ctx context.Context) (JobStats, error) {
	var out JobStats
	err := c.do(ctx, http.MethodGet, "/api/v1/jobs/stats", nil, nil, &out)
	return out, err
}

// WaitForJob polls until the job succeeds or fails.
func (c *Client) WaitForJob(ctx context.Context, id string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			return Job{}, err
		}
		if job.Status == "succeeded" || job.Status == "failed" {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

func (c *Client) token(ctx context.Context, body map[string]string) (Token, error) {
	var token Token
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/token", nil, body, &token); err != nil {
		return Token{}, err
	}
	c.mu.Lock()
	c.accessToken = token.AccessToken
	if token.RefreshToken != "" {
		c.refreshToken = token.RefreshToken
	}
	c.mu.Unlock()
	return token, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func setIf(query url.Values, key, value string) {
	if value != "" {
		query.Set(key, value)
	}
}

func setInt(query url.Values, key string, value int) {
	if value > 0 {
		query.Set(key, strconv.Itoa(value))
	}
}
