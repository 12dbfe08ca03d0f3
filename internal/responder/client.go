// ABOUTME: HTTP client for the external automated responder service
// ABOUTME: One bounded request per user turn; failures are recoverable upstream

package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/switchboard/internal/session"
	"github.com/2389/switchboard/internal/store"
)

// Client asks the external responder service for the next automated turn.
// The engine treats every error here as recoverable: it substitutes the
// configured fallback text and keeps the conversation with the bot.
type Client struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a responder client. Timeout bounds the whole request;
// zero means the 30 second default.
func NewClient(url string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "responder"),
	}
}

type respondRequest struct {
	TenantID       string `json:"tenantId"`
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
}

type respondResponse struct {
	Text    string `json:"text"`
	Handoff bool   `json:"handoff"`
}

// Respond sends the user's turn and returns the responder's answer.
func (c *Client) Respond(ctx context.Context, sess *store.Session, userMessage string) (session.BotReply, error) {
	payload, err := json.Marshal(respondRequest{
		TenantID:       sess.TenantID,
		ConversationID: sess.ID,
		Message:        userMessage,
	})
	if err != nil {
		return session.BotReply{}, fmt.Errorf("encoding responder request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return session.BotReply{}, fmt.Errorf("building responder request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return session.BotReply{}, fmt.Errorf("calling responder: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return session.BotReply{}, fmt.Errorf("responder returned %d: %s", resp.StatusCode, string(detail))
	}

	var out respondResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return session.BotReply{}, fmt.Errorf("decoding responder response: %w", err)
	}

	c.logger.Debug("responder answered", "session_id", sess.ID, "handoff", out.Handoff)
	return session.BotReply{Text: out.Text, Handoff: out.Handoff}, nil
}
