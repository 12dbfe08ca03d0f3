// ABOUTME: Outbound phone-messaging client for per-tenant provider endpoints
// ABOUTME: Sends JSON to the tenant's send URL with a bearer token

package phone

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/switchboard/internal/config"
)

// Client delivers outbound messages through each tenant's phone provider.
// One client serves all tenants; the per-tenant endpoint and credentials
// come from configuration at call time.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a phone client with the given request timeout.
func NewClient(timeout time.Duration, logger *slog.Logger) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "phone"),
	}
}

type sendRequest struct {
	To   string `json:"to"`
	From string `json:"from"`
	Body string `json:"body"`
}

// Send posts one message to the tenant's provider. Any non-2xx status is a
// delivery failure.
func (c *Client) Send(ctx context.Context, tenant config.TenantConfig, to, body string) error {
	payload, err := json.Marshal(sendRequest{To: to, From: tenant.Phone.From, Body: body})
	if err != nil {
		return fmt.Errorf("encoding send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tenant.Phone.SendURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tenant.Phone.Token != "" {
		req.Header.Set("Authorization", "Bearer "+tenant.Phone.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending phone message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("phone provider returned %d: %s", resp.StatusCode, string(detail))
	}

	c.logger.Debug("phone message sent", "tenant_id", tenant.ID, "to", to)
	return nil
}
