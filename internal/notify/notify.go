// ABOUTME: Hand-off notification publishers for external observers
// ABOUTME: NATS-backed when a broker is configured, log-only otherwise

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/2389/switchboard/internal/session"
)

// NATSNotifier publishes hand-off notices to a NATS subject so on-call
// tooling (pagers, dashboards, chat bridges) can subscribe without touching
// this service. Notices go to "<subject>.<tenant-id>".
type NATSNotifier struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
}

// NewNATSNotifier connects to the broker. Reconnects are handled by the
// client; publishes during an outage buffer until the connection returns.
func NewNATSNotifier(url, subject string, logger *slog.Logger) (*NATSNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("switchboard"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return &NATSNotifier{
		nc:      nc,
		subject: subject,
		logger:  logger.With("component", "notify"),
	}, nil
}

// HandoffRequested publishes the notice. Failures are logged, never
// propagated; notification is best-effort by contract.
func (n *NATSNotifier) HandoffRequested(ctx context.Context, notice session.HandoffNotice) {
	data, err := json.Marshal(notice)
	if err != nil {
		n.logger.Error("encoding hand-off notice failed", "error", err)
		return
	}
	subject := n.subject + "." + notice.TenantID
	if err := n.nc.Publish(subject, data); err != nil {
		n.logger.Error("publishing hand-off notice failed",
			"error", err, "subject", subject, "conversation_id", notice.ConversationID)
		return
	}
	n.logger.Info("hand-off notice published",
		"subject", subject, "conversation_id", notice.ConversationID,
		"is_transfer", notice.IsTransfer)
}

// Close drains the connection so buffered notices flush before shutdown.
func (n *NATSNotifier) Close() {
	if err := n.nc.Drain(); err != nil {
		n.logger.Warn("draining nats connection failed", "error", err)
	}
}

// LogNotifier records hand-off notices in the service log. Used when no
// broker is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify")}
}

func (n *LogNotifier) HandoffRequested(ctx context.Context, notice session.HandoffNotice) {
	n.logger.Info("hand-off requested",
		"tenant_id", notice.TenantID, "conversation_id", notice.ConversationID,
		"is_transfer", notice.IsTransfer)
}
