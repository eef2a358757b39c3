package paywall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crapless.app/cloud/models"
)

var ErrCheckoutFailed = errors.New("checkout failed to load")

// APIError is returned when the server answers with an unexpected status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// ServerInfo is the subset of /health the client reads.
type ServerInfo struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Client talks to the license server's public endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateCheckout starts a hosted checkout for plan and returns the URL to
// send the buyer to.
func (c *Client) CreateCheckout(ctx context.Context, plan models.Plan) (string, error) {
	var resp models.CheckoutResponse
	status, err := c.do(ctx, http.MethodPost, "/api/create-checkout-session", models.CheckoutRequest{Plan: string(plan)}, &resp)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCheckoutFailed, err)
	}
	if status != http.StatusOK || resp.URL == "" {
		return "", fmt.Errorf("%w: %w", ErrCheckoutFailed, &APIError{StatusCode: status, Message: resp.Error})
	}
	return resp.URL, nil
}

// ValidateKey asks the server whether key grants a plan. A rejected key is
// not an error; check Valid and Error on the response.
func (c *Client) ValidateKey(ctx context.Context, key string) (*models.ValidateLicenseResponse, error) {
	var resp models.ValidateLicenseResponse
	status, err := c.do(ctx, http.MethodPost, "/api/validate-license", models.ValidateLicenseRequest{Key: key}, &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusBadRequest {
		return nil, &APIError{StatusCode: status, Message: resp.Error}
	}
	return &resp, nil
}

// SessionStatus reports whether a license has been issued for a checkout
// session yet.
func (c *Client) SessionStatus(ctx context.Context, sessionID string) (*models.SessionStatusResponse, error) {
	var resp models.SessionStatusResponse
	path := "/api/get-license?" + url.Values{"session_id": {sessionID}}.Encode()
	status, err := c.do(ctx, http.MethodGet, path, nil, &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &APIError{StatusCode: status, Message: resp.Error}
	}
	return &resp, nil
}

func (c *Client) Health(ctx context.Context) (*ServerInfo, error) {
	var info ServerInfo
	status, err := c.do(ctx, http.MethodGet, "/health", nil, &info)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &APIError{StatusCode: status}
	}
	return &info, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil && resp.StatusCode < 300 {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return resp.StatusCode, nil
}
