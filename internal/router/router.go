// ABOUTME: Channel router dispatching outbound messages by conversation channel
// ABOUTME: Web conversations broadcast in-process; phone conversations call the send API

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/session"
	"github.com/2389/switchboard/internal/store"
)

// ErrDeliveryFailed wraps every outbound delivery failure so callers can
// report it without rolling back the recorded message.
var ErrDeliveryFailed = errors.New("delivery failed")

// Broadcaster fans a payload out to connections attached to a conversation.
type Broadcaster interface {
	BroadcastToConversation(convKey string, payload []byte, excludeConnID string)
}

// PhoneSender pushes one outbound message through a tenant's phone provider.
type PhoneSender interface {
	Send(ctx context.Context, tenant config.TenantConfig, to, body string) error
}

// Router implements the engine's delivery contract. The conversation's
// channel decides the path; the channel set is closed, so an unknown value
// is a programming error and fails loudly.
type Router struct {
	broadcaster Broadcaster
	phones      PhoneSender
	cfg         *config.Config
	logger      *slog.Logger
}

func New(broadcaster Broadcaster, phones PhoneSender, cfg *config.Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		broadcaster: broadcaster,
		phones:      phones,
		cfg:         cfg,
		logger:      logger.With("component", "router"),
	}
}

// Deliver routes msg to the end user of sess. Attached operator connections
// always receive the broadcast so monitoring views stay current; phone
// conversations additionally hit the provider's send API.
func (r *Router) Deliver(ctx context.Context, sess *store.Session, msg *store.Message, excludeConnID string) error {
	key := session.Key(sess.TenantID, sess.ID)
	r.broadcaster.BroadcastToConversation(key, session.IncomingMessage(sess.ID, msg), excludeConnID)

	switch sess.Channel {
	case store.ChannelWeb:
		return nil

	case store.ChannelPhone:
		tenant := r.cfg.Tenant(sess.TenantID)
		if tenant == nil || tenant.Phone.SendURL == "" {
			return fmt.Errorf("%w: tenant %s has no phone provider configured", ErrDeliveryFailed, sess.TenantID)
		}
		if err := r.phones.Send(ctx, *tenant, sess.ExternalID, phoneBody(msg)); err != nil {
			r.logger.Warn("phone send failed", "error", err,
				"tenant_id", sess.TenantID, "session_id", sess.ID)
			return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown channel %q", ErrDeliveryFailed, sess.Channel)
	}
}

// phoneBody formats a message for a plain-text phone channel, where the
// sender identity has to travel in the body.
func phoneBody(msg *store.Message) string {
	if msg.OperatorName != "" {
		return msg.OperatorName + ": " + msg.Content
	}
	return msg.Content
}
