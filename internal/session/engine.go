// ABOUTME: Hand-off state machine and claim protocol for customer conversations
// ABOUTME: All transitions serialize per conversation; persistence is write-through

package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/store"
)

// persistTimeout bounds store writes issued outside the request context so
// a cancelled request never loses an accepted mutation.
const persistTimeout = 5 * time.Second

// Key identifies a conversation across tenants in presence maps and the cache.
func Key(tenantID, sessionID string) string {
	return tenantID + "/" + sessionID
}

// Presence is what the engine needs from the presence registry.
type Presence interface {
	Attach(connID, convKey string) error
	Detach(connID, convKey string)
	Bindings(connID string) (conversations []string, dashboard string, err error)
	BroadcastToConversation(convKey string, payload []byte, excludeConnID string)
	BroadcastToDashboard(tenantID string, payload []byte, excludeConnID string)
	SendTo(connID string, payload []byte)
}

// Deliverer routes an outbound message to the end user over the
// conversation's channel (real-time broadcast or phone send API).
type Deliverer interface {
	Deliver(ctx context.Context, sess *store.Session, msg *store.Message, excludeConnID string) error
}

// BotReply is the automated responder's answer to a user turn.
type BotReply struct {
	Text    string
	Handoff bool
}

// Responder produces automated replies. Implementations are expected to
// enforce their own call timeout; errors and timeouts are not fatal to the
// conversation.
type Responder interface {
	Respond(ctx context.Context, sess *store.Session, userMessage string) (BotReply, error)
}

// HandoffNotice describes a conversation entering the pending queue, for
// outbound notification delivery (email/webhook/bus).
type HandoffNotice struct {
	TenantID       string    `json:"tenantId"`
	ConversationID string    `json:"conversationId"`
	FirstMessage   string    `json:"firstMessage,omitempty"`
	IsTransfer     bool      `json:"isTransfer"`
	At             time.Time `json:"at"`
}

// Notifier delivers hand-off notices to external observers. Implementations
// must not block the caller and must log their outcome.
type Notifier interface {
	HandoffRequested(ctx context.Context, notice HandoffNotice)
}

// Config carries the engine's collaborators and tuning.
type Config struct {
	Store     store.Store
	Presence  Presence
	Deliverer Deliverer
	Responder Responder
	Notifier  Notifier
	Logger    *slog.Logger

	// BotName is shown to end users while automation is responsible.
	BotName string
	// FallbackText replaces the bot reply when the responder fails.
	FallbackText string
	// EscalationKeywords hand off immediately on match, without a
	// responder round-trip.
	EscalationKeywords []string
	// EvictionDelay keeps closed sessions cached briefly for late events.
	EvictionDelay time.Duration
}

// Engine is the authoritative transition logic for conversations: given the
// current state and an event it computes the next state, the side effects,
// and whether the event is rejected.
type Engine struct {
	store     store.Store
	presence  Presence
	deliverer Deliverer
	responder Responder
	notifier  Notifier
	logger    *slog.Logger

	botName       string
	fallbackText  string
	keywords      []string
	evictionDelay time.Duration

	cache *cache
}

// NewEngine creates the routing engine. Pass nil logger for default.
func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keywords := make([]string, 0, len(cfg.EscalationKeywords))
	for _, k := range cfg.EscalationKeywords {
		keywords = append(keywords, strings.ToLower(k))
	}
	evictionDelay := cfg.EvictionDelay
	if evictionDelay == 0 {
		evictionDelay = time.Minute
	}
	botName := cfg.BotName
	if botName == "" {
		botName = "Assistant"
	}
	return &Engine{
		store:         cfg.Store,
		presence:      cfg.Presence,
		deliverer:     cfg.Deliverer,
		responder:     cfg.Responder,
		notifier:      cfg.Notifier,
		logger:        logger.With("component", "engine"),
		botName:       botName,
		fallbackText:  cfg.FallbackText,
		keywords:      keywords,
		evictionDelay: evictionDelay,
		cache:         newCache(),
	}
}

// StartSession creates a conversation in status bot on first inbound
// contact and returns a snapshot of it.
func (e *Engine) StartSession(ctx context.Context, tenantID string, channel store.Channel, externalID string) (*store.Session, error) {
	now := time.Now().UTC()
	sess := &store.Session{
		TenantID:   tenantID,
		ID:         uuid.New().String(),
		Status:     store.StatusBot,
		Channel:    channel,
		ExternalID: externalID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := e.persistCreate(sess); err != nil {
		// Keep serving from the cache; the store write is a logged
		// consistency risk, not a request failure.
		e.logger.Error("session create not persisted", "error", err,
			"tenant_id", tenantID, "session_id", sess.ID)
	}

	ent := e.install(sess)
	snapshot := *ent.sess
	ent.mu.Unlock()

	e.logger.Info("session started", "tenant_id", tenantID,
		"session_id", sess.ID, "channel", string(channel))
	return &snapshot, nil
}

// FindPhoneSession returns the live phone session for an external address,
// or starts one. Used by the inbound webhook to route messages.
func (e *Engine) FindPhoneSession(ctx context.Context, tenantID, externalID string) (*store.Session, error) {
	sess, err := e.store.GetPhoneSession(ctx, tenantID, externalID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		e.logger.Error("phone session lookup failed, starting fresh session",
			"error", err, "tenant_id", tenantID)
	}
	return e.StartSession(ctx, tenantID, store.ChannelPhone, externalID)
}

// Snapshot returns a copy of the current session state.
func (e *Engine) Snapshot(ctx context.Context, tenantID, id string) (*store.Session, error) {
	ent, err := e.lockLoaded(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	defer ent.mu.Unlock()
	snapshot := *ent.sess
	return &snapshot, nil
}

// HandleUserMessage processes an inbound end-user message from either
// channel. The message is recorded first; while automation is responsible
// the responder produces the next turn or signals a hand-off.
func (e *Engine) HandleUserMessage(ctx context.Context, tenantID, id, content, originConnID string) error {
	ent, err := e.lockLoaded(ctx, tenantID, id)
	if err != nil {
		return err
	}
	defer ent.mu.Unlock()

	if ent.sess.Terminal() {
		return reject(ReasonClosed, string(ent.sess.Status), "userMessage")
	}

	msg := e.appendMessage(ent, store.RoleUser, content, "")
	e.presence.BroadcastToConversation(Key(tenantID, id), incomingMessageEvent(id, msg), originConnID)

	if ent.sess.Status != store.StatusBot {
		return nil
	}

	if e.matchesEscalation(content) {
		e.toPendingLocked(ent, msg, false, "keyword")
		return nil
	}

	reply, err := e.responder.Respond(ctx, ent.sess, content)
	if err != nil {
		// Delivery failure taxonomy: state is not rolled back, a
		// human-facing fallback is substituted.
		e.logger.Warn("responder failed, substituting fallback",
			"error", err, "session_id", id)
		reply = BotReply{Text: e.fallbackText}
	}

	if reply.Handoff {
		e.toPendingLocked(ent, msg, false, "handoff")
		return nil
	}

	if reply.Text == "" {
		return nil
	}

	botMsg := e.appendMessage(ent, store.RoleAssistant, reply.Text, e.botName)
	if err := e.deliverer.Deliver(ctx, ent.sess, botMsg, ""); err != nil {
		e.logger.Warn("bot reply delivery failed", "error", err, "session_id", id)
		return err
	}
	return nil
}

// NotifyHandoff is the trusted responder-boundary entry point: the external
// automation asks for a hand-off, optionally supplying turns this core has
// not recorded yet. Safe to retry; already-pending sessions are a no-op.
func (e *Engine) NotifyHandoff(ctx context.Context, tenantID, id string, history []BotTurn, firstMessage string) error {
	ent, err := e.lockOrCreate(ctx, tenantID, id)
	if err != nil {
		return err
	}
	defer ent.mu.Unlock()

	if ent.sess.Terminal() {
		return reject(ReasonClosed, string(ent.sess.Status), "notifyHandoff")
	}

	for _, turn := range history {
		e.appendMessage(ent, turn.Role, turn.Content, "")
	}

	if ent.sess.Status == store.StatusPending {
		return nil
	}
	if ent.sess.Status != store.StatusBot {
		return reject(ReasonBadStatus, string(ent.sess.Status), "notifyHandoff")
	}

	first := firstUserMessage(ent.history, firstMessage)
	e.toPendingLocked(ent, first, false, "handoff")
	return nil
}

// BotTurn is one conversation turn pushed in by the responder boundary.
type BotTurn struct {
	Role    store.Role `json:"role"`
	Content string     `json:"content"`
}

// NotifyBotTurn records a turn produced outside this core while automation
// is responsible, and fans it out to attached connections.
func (e *Engine) NotifyBotTurn(ctx context.Context, tenantID, id string, turn BotTurn) error {
	ent, err := e.lockOrCreate(ctx, tenantID, id)
	if err != nil {
		return err
	}
	defer ent.mu.Unlock()

	if ent.sess.Terminal() {
		return reject(ReasonClosed, string(ent.sess.Status), "notifyBotTurn")
	}

	name := ""
	if turn.Role == store.RoleAssistant {
		name = e.botName
	}
	msg := e.appendMessage(ent, turn.Role, turn.Content, name)
	e.presence.BroadcastToConversation(Key(tenantID, id), incomingMessageEvent(id, msg), "")
	return nil
}

// Claim atomically assigns a pending conversation to an operator. The
// check-and-set runs under the conversation lock: the first attempt to
// observe pending wins, every other concurrent attempt is rejected.
func (e *Engine) Claim(ctx context.Context, tenantID, id string, op auth.Operator, connID string) error {
	ent, err := e.lockLoaded(ctx, tenantID, id)
	if err != nil {
		return err
	}
	defer ent.mu.Unlock()

	switch {
	case ent.sess.Terminal():
		return reject(ReasonClosed, string(ent.sess.Status), "claim")
	case ent.sess.Assigned():
		return reject(ReasonAlreadyAssigned, string(ent.sess.Status), "claim")
	case ent.sess.Status != store.StatusPending:
		return reject(ReasonNotPending, string(ent.sess.Status), "claim")
	}

	e.claimLocked(ent, op, connID)
	return nil
}

// claimLocked performs the pending → in_progress assignment and its side
// effects. Must be called with the entry locked and the claim guards passed.
func (e *Engine) claimLocked(ent *entry, op auth.Operator, connID string) {
	opID := op.ID
	ent.sess.Status = store.StatusInProgress
	ent.sess.AssignedOperatorID = &opID
	e.touchAndPersist(ent)

	tenantID, id := ent.sess.TenantID, ent.sess.ID
	key := Key(tenantID, id)
	if err := e.presence.Attach(connID, key); err != nil {
		e.logger.Warn("attaching claimer failed", "error", err, "conn_id", connID)
	}
	e.presence.BroadcastToConversation(key, statusChangedEvent(id, store.StatusInProgress, op.DisplayName, "claimed"), "")
	e.presence.BroadcastToDashboard(tenantID, takenEvent(id, op.ID, op.DisplayName), connID)

	e.logger.Info("conversation claimed", "tenant_id", tenantID,
		"session_id", id, "operator_id", op.ID)
}

/// SwitchTo moves an operator's attention to another conversation: every
// other conversation binding of the connection is detached, then the target
// is claimed if it is still claimable, or just attached otherwise (taking
// over an in_progress conversation stays a claim/transfer decision).
func (e *Engine) SwitchTo(ctx context.Context, tenantID, id string, op auth.Operator, connID string) error {
	ent, err := e.lockLoaded(ctx, tenantID, id)
	if err != nil {
		return err
	}
	defer ent.mu.Unlock()

	if ent.sess.Terminal() {
		return reject(ReasonClosed, string(ent.sess.Status), "switchTo")
	}

	target := Key(tenantID, id)
	if convs, _, berr := e.presence.Bindings(connID); berr == nil {
		for _, key := range convs {
			if key != target {
				e.presence.Detach(connID, key)
			}
		}
	}

	if ent.sess.Status == store.StatusPending && !ent.sess.Assigned() {
		e.claimLocked(ent, op, connID)
		return nil
	}

	if err := e.presence.Attach(connID, target); err != nil {
		e.logger.Warn("attaching switching operator failed", "error", err, "conn_id", connID)
	}
	return nil
}

// Transfer returns an in-progress conversation to the queue. Only the
// assigned operator may transfer; their session binding is detached but
// dashboard membership is untouched.
func (e *Engine) Transfer(ctx context.Context, tenantID, id string, op auth.Operator, connID string) error {
	ent, err := e.lockLoaded(ctx, tenantID, id)
	if err != nil {
		return err
	}
	defer ent.mu.Unlock()

	if err := requireAssigned(ent.sess, op.ID, "transfer"); err != nil {
		return err
	}

	e.requeueLocked(ent, "transfer")
	e.presence.Detach(connID, Key(tenantID, id))
	return nil
}

// HandleOperatorGone re-queues a conversation whose assigned operator lost
// their last connection. Invoked from the presence detach path; a no-op if
// the conversation moved on in the meantime.
func (e *Engine) HandleOperatorGone(tenantID, id, operatorID string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	ent, err := e.lockLoaded(ctx, tenantID, id)
	if err != nil {
		return
	}
	defer ent.mu.Unlock()

	if ent.sess.Status != store.StatusInProgress || ent.sess.AssignedOperatorID == nil ||
		*ent.sess.AssignedOperatorID != operatorID {
		return
	}

	e.logger.Info("re-queuing after operator disconnect",
		"tenant_id", tenantID, "session_id", id, "operator_id", operatorID)
	e.requeueLocked(ent, "operator_disconnected")
}

// Toggle flips responsibility between automation and the requesting
// operator: in_progress hands back to the bot, bot hands to the operator.
func (e *Engine) Toggle(ctx context.Context, tenantID, id string, op auth.Operator, connID string) error {
	ent, err := e.lockLoaded(ctx, tenantID, id)
	if err != nil {
		return err
	}
	defer ent.mu.Unlock()

	key := Key(tenantID, id)
	switch ent.sess.Status {
	case store.StatusInProgress:
		if err := requireAssigned(ent.sess, op.ID, "toggle"); err != nil {
			return err
		}
		ent.sess.Status = store.StatusBot
		ent.sess.AssignedOperatorID = nil
		e.touchAndPersist(ent)
		e.presence.BroadcastToConversation(key, statusChangedEvent(id, store.StatusBot, e.botName, "toggled"), "")
		return nil

	case store.StatusBot:
		opID := op.ID
		ent.sess.Status = store.StatusInProgress
		ent.sess.AssignedOperatorID = &opID
		e.touchAndPersist(ent)
		if err := e.presence.Attach(connID, key); err != nil {
			e.logger.Warn("attaching toggling operator failed", "error", err, "conn_id", connID)
		}
		e.presence.BroadcastToConversation(key, statusChangedEvent(id, store.StatusInProgress, op.DisplayName, "toggled"), "")
		e.presence.BroadcastToDashboard(tenantID, takenEvent(id, op.ID, op.DisplayName), connID)
		return nil

	default:
		return reject(ReasonBadStatus, string(ent.sess.Status), "toggle")
	}
}

// SendOperatorMessage records an operator turn and routes it to the end
// user over the conversation's channel. The record is kept even when the
// delivery attempt fails.
func (e *Engine) SendOperatorMessage(ctx context.Context, tenantID, id string, op auth.Operator, content, connID string) error {
	ent, err := e.lockLoaded(ctx, tenantID, id)
	if err != nil {
		return err
	}
	defer ent.mu.Unlock()

	if ent.sess.Terminal() {
		return reject(ReasonClosed, string(ent.sess.Status), "operatorMessage")
	}
	if err := requireAssigned(ent.sess, op.ID, "operatorMessage"); err != nil {
		return err
	}

	msg := e.appendMessage(ent, store.RoleOperator, content, op.DisplayName)
	return e.deliverer.Deliver(ctx, ent.sess, msg, connID)
}

// CloseSession moves a conversation to its terminal state. Explicit closes
// and the reaper share this path so broadcasts always reflect the final
// persisted status. Closing a closed conversation is rejected.
func (e *Engine) CloseSession(ctx context.Context, tenantID, id, cause string) error {
	ent, err := e.lockLoaded(ctx, tenantID, id)
	if err != nil {
		return err
	}
	defer ent.mu.Unlock()

	if ent.sess.Terminal() {
		return reject(ReasonClosed, string(ent.sess.Status), "close")
	}

	now := time.Now().UTC()
	ent.sess.Status = store.StatusClosed
	ent.sess.AssignedOperatorID = nil
	ent.sess.ClosedAt = &now
	e.touchAndPersist(ent)

	key := Key(tenantID, id)
	e.presence.BroadcastToConversation(key, statusChangedEvent(id, store.StatusClosed, "", cause), "")
	e.presence.BroadcastToDashboard(tenantID, removeFromMonitoringEvent(id), "")
	e.scheduleEviction(key, ent)

	e.logger.Info("session closed", "tenant_id", tenantID, "session_id", id, "cause", cause)
	return nil
}

// Summary returns the most recent turns of a conversation.
func (e *Engine) Summary(ctx context.Context, tenantID, id string, limit int) ([]*store.Message, error) {
	ent, err := e.lockLoaded(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	defer ent.mu.Unlock()

	history := ent.history
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]*store.Message, len(history))
	for i, m := range history {
		c := *m
		out[i] = &c
	}
	return out, nil
}

// Close stops cache eviction timers. Broadcast state is owned by presence.
func (e *Engine) Close() {
	e.cache.stopTimers()
}

// --- internals ---

// lockOrCreate is lockLoaded for trusted boundaries that may reference a
// conversation this core has not seen yet (at-least-once upsert semantics).
func (e *Engine) lockOrCreate(ctx context.Context, tenantID, id string) (*entry, error) {
	ent, err := e.lockLoaded(ctx, tenantID, id)
	if err == nil {
		return ent, nil
	}
	var terr *TransitionError
	if !errors.As(err, &terr) || terr.Reason != ReasonUnknownSession {
		return nil, err
	}

	now := time.Now().UTC()
	sess := &store.Session{
		TenantID:  tenantID,
		ID:        id,
		Status:    store.StatusBot,
		Channel:   store.ChannelWeb,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if perr := e.persistCreate(sess); perr != nil && !errors.Is(perr, store.ErrDuplicateSession) {
		e.logger.Error("session create not persisted", "error", perr,
			"tenant_id", tenantID, "session_id", id)
	}
	return e.install(sess), nil
}

// requeueLocked is the shared transfer/disconnect path: back to pending,
// assignment cleared, dashboards re-notified with the transfer flag.
func (e *Engine) requeueLocked(ent *entry, cause string) {
	tenantID, id := ent.sess.TenantID, ent.sess.ID

	ent.sess.Status = store.StatusPending
	ent.sess.AssignedOperatorID = nil
	e.touchAndPersist(ent)

	first := firstUserMessage(ent.history, "")
	key := Key(tenantID, id)
	e.presence.BroadcastToConversation(key, statusChangedEvent(id, store.StatusPending, "", cause), "")
	e.presence.BroadcastToDashboard(tenantID, newRequestEvent(id, first, true), "")
	e.notifyHandoffAsync(tenantID, id, first, true)
}

// toPendingLocked performs bot → pending with its side effects: persist,
// dashboard notification, external notification.
func (e *Engine) toPendingLocked(ent *entry, first *store.Message, isTransfer bool, cause string) {
	tenantID, id := ent.sess.TenantID, ent.sess.ID

	ent.sess.Status = store.StatusPending
	e.touchAndPersist(ent)

	key := Key(tenantID, id)
	e.presence.BroadcastToConversation(key, statusChangedEvent(id, store.StatusPending, "", cause), "")
	e.presence.BroadcastToDashboard(tenantID, newRequestEvent(id, first, isTransfer), "")
	e.notifyHandoffAsync(tenantID, id, first, isTransfer)

	e.logger.Info("hand-off requested", "tenant_id", tenantID,
		"session_id", id, "cause", cause)
}

// notifyHandoffAsync fires the external notification without blocking the
// conversation lock holder.
func (e *Engine) notifyHandoffAsync(tenantID, id string, first *store.Message, isTransfer bool) {
	if e.notifier == nil {
		return
	}
	notice := HandoffNotice{
		TenantID:       tenantID,
		ConversationID: id,
		IsTransfer:     isTransfer,
		At:             time.Now().UTC(),
	}
	if first != nil {
		notice.FirstMessage = first.Content
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		e.notifier.HandoffRequested(ctx, notice)
	}()
}

// appendMessage records a message in history and the store. Must be called
// with the entry locked. History is append-only; order of acceptance is
// order of persistence and broadcast.
//
// Seq is authoritative from the store, which assigns it inside the insert
// transaction; the cache-local count only stands in when the write fails,
// so a cold or partially loaded cache can never fork the persisted order.
func (e *Engine) appendMessage(ent *entry, role store.Role, content, operatorName string) *store.Message {
	msg := &store.Message{
		ID:           uuid.New().String(),
		SessionID:    ent.sess.ID,
		Role:         role,
		Content:      content,
		OperatorName: operatorName,
		CreatedAt:    time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.store.AppendMessage(ctx, ent.sess.TenantID, msg); err != nil {
		msg.Seq = int64(len(ent.history) + 1)
		e.logger.Error("message not persisted, cache retains it",
			"error", err, "session_id", ent.sess.ID, "seq", msg.Seq)
	}
	ent.history = append(ent.history, msg)
	ent.sess.UpdatedAt = msg.CreatedAt

	if err := e.store.UpdateSession(ctx, ent.sess); err != nil {
		e.logger.Error("session activity not persisted",
			"error", err, "session_id", ent.sess.ID)
	}
	return msg
}

// touchAndPersist bumps UpdatedAt and writes the session through. Store
// failure keeps the cache mutation and logs the consistency risk.
func (e *Engine) touchAndPersist(ent *entry) {
	ent.sess.UpdatedAt = time.Now().UTC()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.store.UpdateSession(ctx, ent.sess); err != nil {
		e.logger.Error("session transition not persisted, cache retains it",
			"error", err, "session_id", ent.sess.ID, "status", string(ent.sess.Status))
	}
}

func (e *Engine) persistCreate(sess *store.Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	return e.store.CreateSession(ctx, sess)
}

func (e *Engine) matchesEscalation(content string) bool {
	lowered := strings.ToLower(content)
	for _, k := range e.keywords {
		if strings.Contains(lowered, k) {
			return true
		}
	}
	return false
}

// requireAssigned guards operator-scoped transitions.
func requireAssigned(sess *store.Session, operatorID, event string) error {
	if sess.Status != store.StatusInProgress {
		return reject(ReasonNotInProgress, string(sess.Status), event)
	}
	if sess.AssignedOperatorID == nil || *sess.AssignedOperatorID != operatorID {
		return reject(ReasonNotAssigned, string(sess.Status), event)
	}
	return nil
}

// firstUserMessage picks the message shown on dashboard cards: the earliest
// user turn, or a synthetic one from the supplied fallback text.
func firstUserMessage(history []*store.Message, fallback string) *store.Message {
	for _, m := range history {
		if m.Role == store.RoleUser {
			return m
		}
	}
	if fallback == "" {
		return nil
	}
	return &store.Message{
		ID:        uuid.New().String(),
		Role:      store.RoleUser,
		Content:   fallback,
		CreatedAt: time.Now().UTC(),
	}
}
