package netsuitesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Client talks to the NetSuite item API. Every request passes the shared
// rate limiter first; error classification happens here so the worker
// only has to distinguish transient, permanent and auth failures.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *RateLimiter
}

func NewClient(baseURL string, token string, limiter *RateLimiter) *Client {
	if limiter == nil {
		limiter = NewRateLimiter(requestsPerSecondFromEnv())
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: limiter,
	}
}

// NewClientFromEnv builds the client from NETSUITE_BASE_URL and
// NETSUITE_TOKEN.
func NewClientFromEnv() *Client {
	return NewClient(
		os.Getenv("NETSUITE_BASE_URL"),
		os.Getenv("NETSUITE_TOKEN"),
		nil,
	)
}

func requestsPerSecondFromEnv() int {
	v := os.Getenv("NETSUITE_RATE_LIMIT")
	if v == "" {
		return 5
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 5
	}
	return n
}

type searchResponse struct {
	Results []RemoteRecordRef `json:"results"`
}

type writeResponse struct {
	Record RemoteRecordRef `json:"record"`
}

// SearchItemByCode looks the item up by its natural key. A miss is
// (nil, nil), not an error.
func (c *Client) SearchItemByCode(ctx context.Context, code string) (*RemoteRecordRef, error) {
	endpoint := fmt.Sprintf("%s/app/items/search?itemid=%s", c.baseURL, url.QueryEscape(code))
	body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	return &resp.Results[0], nil
}

func (c *Client) CreateItem(ctx context.Context, record *RemoteItemRecord) (*RemoteRecordRef, error) {
	endpoint := c.baseURL + "/app/items"
	body, err := c.do(ctx, http.MethodPost, endpoint, record)
	if err != nil {
		return nil, err
	}
	var resp writeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode create response: %w", err)
	}
	return &resp.Record, nil
}

func (c *Client) UpdateItem(ctx context.Context, internalId string, record *RemoteItemRecord) (*RemoteRecordRef, error) {
	endpoint := c.baseURL + "/app/items/" + url.PathEscape(internalId)
	body, err := c.do(ctx, http.MethodPut, endpoint, record)
	if err != nil {
		return nil, err
	}
	var resp writeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode update response: %w", err)
	}
	return &resp.Record, nil
}

func (c *Client) SearchProductByName(ctx context.Context, name string) (*RemoteRecordRef, error) {
	endpoint := fmt.Sprintf("%s/app/products/search?name=%s", c.baseURL, url.QueryEscape(name))
	body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	return &resp.Results[0], nil
}

func (c *Client) CreateProduct(ctx context.Context, record *RemoteProductRecord) (*RemoteRecordRef, error) {
	endpoint := c.baseURL + "/app/products"
	body, err := c.do(ctx, http.MethodPost, endpoint, record)
	if err != nil {
		return nil, err
	}
	var resp writeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode create response: %w", err)
	}
	return &resp.Record, nil
}

func (c *Client) UpdateProduct(ctx context.Context, internalId string, record *RemoteProductRecord) (*RemoteRecordRef, error) {
	endpoint := c.baseURL + "/app/products/" + url.PathEscape(internalId)
	body, err := c.do(ctx, http.MethodPut, endpoint, record)
	if err != nil {
		return nil, err
	}
	var resp writeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode update response: %w", err)
	}
	return &resp.Record, nil
}

func (c *Client) do(ctx context.Context, method string, endpoint string, payload interface{}) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, permanentErrorf("encode request: %v", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors and timeouts are transient by definition.
		return nil, fmt.Errorf("netsuite request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, classifyStatus(resp.StatusCode, body)
}

// classifyStatus maps a non-2xx response onto the retry taxonomy.
func classifyStatus(status int, body []byte) error {
	snippet := string(body)
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w (status %d)", ErrAuth, status)
	case status == http.StatusNotFound:
		return ErrRemoteNotFound
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return permanentErrorf("netsuite rejected payload (status %d): %s", status, snippet)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("netsuite rate limited (status %d)", status)
	case status >= 500:
		return fmt.Errorf("netsuite server error (status %d): %s", status, snippet)
	default:
		return fmt.Errorf("netsuite unexpected status %d: %s", status, snippet)
	}
}
