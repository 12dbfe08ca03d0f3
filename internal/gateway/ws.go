// ABOUTME: WebSocket endpoint for operator consoles and the customer widget
// ABOUTME: One read loop dispatches events to the engine, one write pump drains presence

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/presence"
	"github.com/2389/switchboard/internal/session"
	"github.com/2389/switchboard/internal/store"
)

const (
	writeWait         = 10 * time.Second
	heartbeatInterval = 30 * time.Second
	maxMessageSize    = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The widget is embedded on customer sites, so any origin may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient is one live websocket with its routing identity: operators carry
// a verified identity, widgets carry the conversation they are bound to.
type wsClient struct {
	connID   string
	operator *auth.Operator

	// widget binding; empty for operator connections
	widgetTenant string
	widgetConv   string
}

// handleWS upgrades the connection and runs its read loop. Query params:
// token (operator JWT), tenant + conversation (widget), connection
// (reconnect id from a previous sessionStarted).
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var op *auth.Operator
	if token := q.Get("token"); token != "" {
		verified, err := g.verifier.Verify(token)
		if err != nil {
			g.logger.Warn("rejected websocket token", "error", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		op = &verified
	}

	tenantID := q.Get("tenant")
	if op == nil && tenantID == "" {
		http.Error(w, "token or tenant required", http.StatusBadRequest)
		return
	}
	if op == nil && g.config.Tenant(tenantID) == nil {
		http.Error(w, "unknown tenant", http.StatusNotFound)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client, conn, err := g.establish(r.Context(), q.Get("connection"), op, tenantID, q.Get("conversation"))
	if err != nil {
		_ = ws.WriteMessage(websocket.TextMessage, errorPayload("", err.Error()))
		_ = ws.Close()
		return
	}

	logger := g.logger.With("conn_id", client.connID)
	logger.Info("websocket connected", "operator", op != nil)

	go g.writePump(ws, conn, logger)
	g.readLoop(ws, client, logger)

	g.registry.Release(conn)
	_ = ws.Close()
	logger.Info("websocket disconnected")
}

// establish registers or resumes the presence connection and, for widgets,
// binds it to a conversation (starting one on first contact). Resumed
// widgets get their conversation back from the restored bindings; the
// caller never has to resend it.
func (g *Gateway) establish(ctx context.Context, reconnectID string, op *auth.Operator, tenantID, convID string) (*wsClient, *presence.Conn, error) {
	if reconnectID != "" {
		conn, err := g.registry.Reconnect(reconnectID)
		if err == nil {
			client := &wsClient{connID: reconnectID, operator: conn.Operator}
			if op != nil {
				client.operator = op
			}
			if client.operator == nil {
				g.restoreWidgetBinding(ctx, client, tenantID)
				if client.widgetConv == "" {
					// Nothing survived the grace window; bind as on
					// first contact.
					if err := g.bindWidget(ctx, client, tenantID, convID); err != nil {
						g.registry.Release(conn)
						return nil, nil, err
					}
				}
			}
			return client, conn, nil
		}
		g.logger.Info("reconnect window expired, registering fresh", "conn_id", reconnectID)
	}

	connID := uuid.New().String()
	conn := g.registry.Register(connID, op)
	client := &wsClient{connID: connID, operator: op}

	if op == nil {
		if err := g.bindWidget(ctx, client, tenantID, convID); err != nil {
			g.registry.Release(conn)
			return nil, nil, err
		}
	}

	return client, conn, nil
}

// restoreWidgetBinding recovers a resumed widget's conversation from the
// registry's restored bindings and re-announces it to the client.
func (g *Gateway) restoreWidgetBinding(ctx context.Context, client *wsClient, tenantID string) {
	convs, _, err := g.registry.Bindings(client.connID)
	if err != nil || len(convs) == 0 {
		return
	}
	boundTenant, boundConv, ok := presence.SplitConvKey(convs[0])
	if !ok || boundTenant != tenantID {
		return
	}
	client.widgetTenant = boundTenant
	client.widgetConv = boundConv
	if sess, err := g.engine.Snapshot(ctx, boundTenant, boundConv); err == nil {
		g.registry.SendTo(client.connID, sessionStarted(sess.ID, client.connID, sess.Status))
	}
}

// bindWidget resolves and attaches the widget's conversation and announces
// it with sessionStarted.
func (g *Gateway) bindWidget(ctx context.Context, client *wsClient, tenantID, convID string) error {
	sess, err := g.widgetSession(ctx, tenantID, convID)
	if err != nil {
		return err
	}
	client.widgetTenant = tenantID
	client.widgetConv = sess.ID
	if err := g.registry.Attach(client.connID, session.Key(tenantID, sess.ID)); err != nil {
		return err
	}
	g.registry.SendTo(client.connID, sessionStarted(sess.ID, client.connID, sess.Status))
	return nil
}

// widgetSession resolves the widget's conversation: resume the one it names
// if it is still open, otherwise start fresh.
func (g *Gateway) widgetSession(ctx context.Context, tenantID, convID string) (*store.Session, error) {
	if convID != "" {
		sess, err := g.engine.Snapshot(ctx, tenantID, convID)
		if err == nil && !sess.Terminal() {
			return sess, nil
		}
	}
	return g.engine.StartSession(ctx, tenantID, store.ChannelWeb, "")
}

// writePump drains the presence channel onto the socket and keeps the
// connection warm with heartbeats. Exits when the channel closes or a write
// fails; the read loop notices via the closed socket.
func (g *Gateway) writePump(ws *websocket.Conn, conn *presence.Conn, logger *slog.Logger) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-conn.Events():
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, session.Heartbeat()); err != nil {
				return
			}
		}
	}
}

// readLoop parses inbound events and dispatches them until the socket dies.
func (g *Gateway) readLoop(ws *websocket.Conn, client *wsClient, logger *slog.Logger) {
	ws.SetReadLimit(maxMessageSize)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket read failed", "error", err)
			}
			return
		}

		var ev inboundEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			g.registry.SendTo(client.connID, errorPayload("", "malformed event"))
			continue
		}

		g.dispatch(client, ev, logger)
	}
}

// dispatch routes one inbound event. Rejections and failures go back to the
// requesting connection only; they are never broadcast.
func (g *Gateway) dispatch(client *wsClient, ev inboundEvent, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch ev.Type {
	case evPing:
		g.registry.SendTo(client.connID, session.Heartbeat())

	case evUserMessage:
		g.handleWidgetMessage(ctx, client, ev)

	case evCloseConversation:
		g.handleClose(ctx, client, ev)

	case evAttachToConversation, evDetachConversation, evAttachToDashboard,
		evClaim, evSwitchTo, evSendOperatorMessage, evToggleAutomation,
		evTransferToQueue, evRequestSummary:
		g.dispatchOperator(ctx, client, ev, logger)

	default:
		g.registry.SendTo(client.connID, errorPayload(ev.ConversationID, "unknown event type"))
	}
}

// handleWidgetMessage accepts an end-user message from the widget's bound
// conversation only.
func (g *Gateway) handleWidgetMessage(ctx context.Context, client *wsClient, ev inboundEvent) {
	if client.widgetConv == "" {
		g.registry.SendTo(client.connID, errorPayload(ev.ConversationID, "no conversation bound"))
		return
	}
	err := g.engine.HandleUserMessage(ctx, client.widgetTenant, client.widgetConv, ev.Content, client.connID)
	if err != nil {
		g.sendFailure(client.connID, client.widgetConv, err)
	}
}

// handleClose serves both sides: the widget closes its own conversation, an
// operator closes any conversation in their tenant.
func (g *Gateway) handleClose(ctx context.Context, client *wsClient, ev inboundEvent) {
	tenantID, convID := client.widgetTenant, client.widgetConv
	if client.operator != nil {
		tenantID, convID = client.operator.TenantID, ev.ConversationID
	}
	if convID == "" {
		g.registry.SendTo(client.connID, errorPayload("", "conversationId required"))
		return
	}
	if err := g.engine.CloseSession(ctx, tenantID, convID, "closed_by_client"); err != nil {
		g.sendFailure(client.connID, convID, err)
	}
}

// dispatchOperator handles the operator-only event kinds.
func (g *Gateway) dispatchOperator(ctx context.Context, client *wsClient, ev inboundEvent, logger *slog.Logger) {
	op := client.operator
	if op == nil {
		g.registry.SendTo(client.connID, errorPayload(ev.ConversationID, "unauthorized"))
		return
	}
	tenantID := op.TenantID

	var err error
	switch ev.Type {
	case evAttachToConversation:
		err = g.registry.Attach(client.connID, session.Key(tenantID, ev.ConversationID))

	case evDetachConversation:
		g.registry.Detach(client.connID, session.Key(tenantID, ev.ConversationID))

	case evAttachToDashboard:
		target := ev.TenantID
		if target == "" {
			target = tenantID
		}
		if err = g.registry.JoinDashboard(client.connID, target, *op); err == nil {
			g.sendPendingSnapshot(ctx, client.connID, target)
		}

	case evClaim:
		if err = g.engine.Claim(ctx, tenantID, ev.ConversationID, *op, client.connID); err != nil {
			var terr *session.TransitionError
			if errors.As(err, &terr) {
				g.registry.SendTo(client.connID, session.AssignmentFailed(ev.ConversationID, terr.Reason))
				return
			}
		}

	case evSwitchTo:
		err = g.engine.SwitchTo(ctx, tenantID, ev.ConversationID, *op, client.connID)

	case evSendOperatorMessage:
		err = g.engine.SendOperatorMessage(ctx, tenantID, ev.ConversationID, *op, ev.Content, client.connID)

	case evToggleAutomation:
		err = g.engine.Toggle(ctx, tenantID, ev.ConversationID, *op, client.connID)

	case evTransferToQueue:
		err = g.engine.Transfer(ctx, tenantID, ev.ConversationID, *op, client.connID)

	case evRequestSummary:
		limit := ev.Limit
		if limit <= 0 {
			limit = 20
		}
		var msgs []*store.Message
		if msgs, err = g.engine.Summary(ctx, tenantID, ev.ConversationID, limit); err == nil {
			g.registry.SendTo(client.connID, summaryPayload(ev.ConversationID, msgs))
		}
	}

	if err != nil {
		logger.Debug("operator event failed", "type", ev.Type, "error", err)
		g.sendFailure(client.connID, ev.ConversationID, err)
	}
}

// sendPendingSnapshot replays the open queue to a console that just joined
// the dashboard, so it never misses requests raised before it connected.
func (g *Gateway) sendPendingSnapshot(ctx context.Context, connID, tenantID string) {
	pending, err := g.store.ListSessionsByStatus(ctx, tenantID, store.StatusPending)
	if err != nil {
		g.logger.Warn("listing pending sessions failed", "error", err, "tenant_id", tenantID)
		return
	}
	for _, sess := range pending {
		msgs, err := g.engine.Summary(ctx, tenantID, sess.ID, 0)
		if err != nil {
			continue
		}
		var first *store.Message
		for _, m := range msgs {
			if m.Role == store.RoleUser {
				first = m
				break
			}
		}
		g.registry.SendTo(connID, session.NewRequest(sess.ID, first, false))
	}
}

// sendFailure maps an engine error onto the requester-only failure events.
func (g *Gateway) sendFailure(connID, convID string, err error) {
	var terr *session.TransitionError
	switch {
	case errors.As(err, &terr):
		g.registry.SendTo(connID, errorPayload(convID, terr.Reason))
	case errors.Is(err, presence.ErrUnauthorized):
		g.registry.SendTo(connID, errorPayload(convID, "unauthorized"))
	default:
		g.registry.SendTo(connID, session.DeliveryFailed(convID, err.Error()))
	}
}
