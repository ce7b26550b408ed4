// Package channel is the outbound client for the helpdesk (Chatwoot API
// shape): public replies, private notes, labels and conversation status.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 15 * time.Second

// Conversation statuses understood by the helpdesk.
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
)

// Config configures the helpdesk client.
type Config struct {
	// BaseURL is the helpdesk root, e.g. "https://desk.example.com".
	BaseURL string

	// AccountID is the numeric helpdesk account.
	AccountID string

	// AccessToken is sent as api_access_token on every request.
	AccessToken string

	// Timeout is the per-request timeout. Defaults to 15 s.
	Timeout time.Duration
}

// Client writes to helpdesk conversations. Safe for concurrent use.
type Client struct {
	cfg  Config
	http *http.Client
}

// New returns a helpdesk client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// SendPublicReply posts an outgoing message the customer sees.
func (c *Client) SendPublicReply(ctx context.Context, conversationID, body string) error {
	return c.post(ctx, c.conversationPath(conversationID)+"/messages", map[string]any{
		"content":      body,
		"message_type": "outgoing",
		"private":      false,
	})
}

// CreatePrivateNote posts an internal note visible only to agents.
func (c *Client) CreatePrivateNote(ctx context.Context, conversationID, body string) error {
	return c.post(ctx, c.conversationPath(conversationID)+"/messages", map[string]any{
		"content":      body,
		"message_type": "outgoing",
		"private":      true,
	})
}

// SetStatus toggles the conversation status (open, resolved).
func (c *Client) SetStatus(ctx context.Context, conversationID, status string) error {
	return c.post(ctx, c.conversationPath(conversationID)+"/toggle_status", map[string]any{
		"status": status,
	})
}

// AddLabels replaces the conversation's label set.
func (c *Client) AddLabels(ctx context.Context, conversationID string, labels []string) error {
	return c.post(ctx, c.conversationPath(conversationID)+"/labels", map[string]any{
		"labels": labels,
	})
}

func (c *Client) conversationPath(conversationID string) string {
	return fmt.Sprintf("%s/api/v1/accounts/%s/conversations/%s",
		c.cfg.BaseURL, c.cfg.AccountID, conversationID)
}

func (c *Client) post(ctx context.Context, url string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("channel: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("channel: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api_access_token", c.cfg.AccessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("channel: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("channel: HTTP %d: %.200s", resp.StatusCode, respBody)
	}
	return nil
}
