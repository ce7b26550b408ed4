// Package backend is the HTTP client for the customer-systems API: the
// internal service that owns subscriptions, shipments and payment history.
// Tool handlers are thin wrappers over this client.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const defaultTimeout = 15 * time.Second

// Config configures the backend client.
type Config struct {
	// BaseURL is the root of the customer-systems API, e.g.
	// "http://customer-api.internal:8090".
	BaseURL string

	// APIKey is sent as a bearer token on every request.
	APIKey string

	// Timeout is the per-request timeout. Defaults to 15 s.
	Timeout time.Duration
}

// Client talks to the customer-systems API. It is safe for concurrent use.
type Client struct {
	cfg  Config
	http *http.Client
}

// New returns a backend client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// apiError is returned for non-2xx responses so callers can log the upstream
// status alongside the body.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("backend: HTTP %d: %.200s", e.Status, e.Body)
}

// IsNotFound reports whether err is an upstream 404.
func IsNotFound(err error) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

// get performs a GET with query parameters and returns the raw JSON body.
func (c *Client) get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("backend: create request: %w", err)
	}
	return c.do(req)
}

// post performs a POST with a JSON body and returns the raw JSON response.
func (c *Client) post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("backend: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("backend: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("backend: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &apiError{Status: resp.StatusCode, Body: string(respBody)}
	}
	return json.RawMessage(respBody), nil
}

// --- read-only lookups ---

// GetSubscription fetches the customer's subscription record.
func (c *Client) GetSubscription(ctx context.Context, email string) (json.RawMessage, error) {
	return c.get(ctx, "/subscriptions", url.Values{"email": {email}})
}

// TrackPackage fetches carrier tracking for the customer's latest shipment.
func (c *Client) TrackPackage(ctx context.Context, email string) (json.RawMessage, error) {
	return c.get(ctx, "/shipments/tracking", url.Values{"email": {email}})
}

// GetPaymentHistory fetches recent charges for the customer.
func (c *Client) GetPaymentHistory(ctx context.Context, email string) (json.RawMessage, error) {
	return c.get(ctx, "/payments/history", url.Values{"email": {email}})
}

// --- write actions (always approval-gated upstream of this client) ---

// PauseSubscription pauses the subscription for the given number of months.
func (c *Client) PauseSubscription(ctx context.Context, email string, months int) (json.RawMessage, error) {
	return c.post(ctx, "/subscriptions/pause", map[string]any{
		"email":  email,
		"months": months,
	})
}

// SkipMonth skips the next scheduled delivery.
func (c *Client) SkipMonth(ctx context.Context, email string) (json.RawMessage, error) {
	return c.post(ctx, "/subscriptions/skip", map[string]any{"email": email})
}

// ChangeFrequency changes the delivery cadence (in weeks).
func (c *Client) ChangeFrequency(ctx context.Context, email string, weeks int) (json.RawMessage, error) {
	return c.post(ctx, "/subscriptions/frequency", map[string]any{
		"email": email,
		"weeks": weeks,
	})
}

// ChangeAddress updates the shipping address.
func (c *Client) ChangeAddress(ctx context.Context, email, address string) (json.RawMessage, error) {
	return c.post(ctx, "/subscriptions/address", map[string]any{
		"email":   email,
		"address": address,
	})
}

// CreateDamageClaim files a damage claim for the latest shipment.
func (c *Client) CreateDamageClaim(ctx context.Context, email, description string) (json.RawMessage, error) {
	return c.post(ctx, "/claims", map[string]any{
		"email":       email,
		"description": description,
	})
}
