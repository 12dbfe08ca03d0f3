// ABOUTME: In-process presence registry tracking real-time connections and memberships
// ABOUTME: Maps connections to conversations and tenant dashboards with reconnect grace

package presence

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/switchboard/internal/auth"
)

const (
	// sendBufferSize is the outbound channel buffer for each connection.
	// Slow consumers drop events rather than block the broadcaster.
	sendBufferSize = 64
)

// ErrUnauthorized is returned when an operator tries to join a dashboard
// for a tenant they do not belong to.
var ErrUnauthorized = errors.New("operator is not a member of tenant")

// ErrUnknownConnection is returned for operations naming a connection id
// the registry has never seen or has already forgotten.
var ErrUnknownConnection = errors.New("unknown connection")

// ConvKey identifies a conversation across tenants.
func ConvKey(tenantID, sessionID string) string {
	return tenantID + "/" + sessionID
}

// RequeueFunc is invoked when an operator's last connection for a
// conversation is gone for good (disconnected past the grace period).
// The session layer uses it to return stranded conversations to the queue.
type RequeueFunc func(tenantID, sessionID, operatorID string)

// Conn is a live real-time connection endpoint. The registry owns the
// outbound queue; the transport layer drains Events and writes to the wire.
type Conn struct {
	ID       string
	Operator *auth.Operator // nil for end-user widget connections

	mu     sync.RWMutex
	closed bool
	send   chan []byte
}

// Events returns the outbound event queue for this connection. The channel
// is closed when the connection is disconnected.
func (c *Conn) Events() <-chan []byte {
	return c.send
}

// push safely enqueues a payload. Returns false if the connection is closed
// or its queue is full. The read lock is held during the send so close
// cannot race it.
func (c *Conn) push(payload []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// closeSend closes the outbound queue exactly once.
func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// connState is the registry's view of one connection.
type connState struct {
	conn          *Conn
	conversations map[string]struct{} // conv keys this connection is attached to
	dashboard     string              // tenant id, empty if not joined
}

// retained holds the bindings of a disconnected connection during the
// reconnect grace period.
type retained struct {
	operator      *auth.Operator
	conversations map[string]struct{}
	dashboard     string
	timer         *time.Timer
}

// Registry answers membership questions in O(1) and keeps both directions
// of the mapping consistent under concurrent attach/detach/reconnect.
type Registry struct {
	mu          sync.RWMutex
	conns       map[string]*connState
	convMembers map[string]map[string]struct{} // conv key -> conn ids
	dashboards  map[string]map[string]struct{} // tenant id -> conn ids
	gone        map[string]*retained           // conn id -> retained bindings

	grace   time.Duration
	requeue RequeueFunc
	logger  *slog.Logger
	closed  bool
}

// NewRegistry creates a presence registry. Disconnected connections keep
// their bindings for the grace period before requeue fires. Pass nil
// logger for default.
func NewRegistry(grace time.Duration, requeue RequeueFunc, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:       make(map[string]*connState),
		convMembers: make(map[string]map[string]struct{}),
		dashboards:  make(map[string]map[string]struct{}),
		gone:        make(map[string]*retained),
		grace:       grace,
		requeue:     requeue,
		logger:      logger.With("component", "presence"),
	}
}

// Register adds a new connection to the registry and returns its handle.
// The operator identity is nil for widget connections.
func (r *Registry) Register(connID string, op *auth.Operator) *Conn {
	conn := &Conn{
		ID:       connID,
		Operator: op,
		send:     make(chan []byte, sendBufferSize),
	}

	r.mu.Lock()
	r.conns[connID] = &connState{
		conn:          conn,
		conversations: make(map[string]struct{}),
	}
	r.mu.Unlock()

	r.logger.Debug("connection registered", "conn_id", connID, "operator", op != nil)
	return conn
}

// Attach binds a connection to a conversation. Idempotent.
func (r *Registry) Attach(connID, convKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}

	state.conversations[convKey] = struct{}{}
	if _, ok := r.convMembers[convKey]; !ok {
		r.convMembers[convKey] = make(map[string]struct{})
	}
	r.convMembers[convKey][connID] = struct{}{}
	return nil
}

// Detach removes a connection from a conversation's member set and drops
// the binding on the connection side. Unknown pairs are a no-op.
func (r *Registry) Detach(connID, convKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detachLocked(connID, convKey)
}

func (r *Registry) detachLocked(connID, convKey string) {
	if state, ok := r.conns[connID]; ok {
		delete(state.conversations, convKey)
	}
	if members, ok := r.convMembers[convKey]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.convMembers, convKey)
		}
	}
}

// JoinDashboard binds a connection to a tenant-scoped broadcast group after
// verifying the operator's membership in that tenant.
func (r *Registry) JoinDashboard(connID, tenantID string, op auth.Operator) error {
	if !op.MemberOf(tenantID) {
		return ErrUnauthorized
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}

	// A connection belongs to at most one dashboard; switching tenants
	// leaves the previous group.
	if state.dashboard != "" && state.dashboard != tenantID {
		r.leaveDashboardLocked(connID, state.dashboard)
	}

	state.dashboard = tenantID
	state.conn.Operator = &op
	if _, ok := r.dashboards[tenantID]; !ok {
		r.dashboards[tenantID] = make(map[string]struct{})
	}
	r.dashboards[tenantID][connID] = struct{}{}
	return nil
}

func (r *Registry) leaveDashboardLocked(connID, tenantID string) {
	if group, ok := r.dashboards[tenantID]; ok {
		delete(group, connID)
		if len(group) == 0 {
			delete(r.dashboards, tenantID)
		}
	}
}

// Disconnect removes a connection from the live maps but retains its
// bindings for the grace period. If the connection does not reconnect in
// time, operator-held conversations are handed to the requeue callback.
func (r *Registry) Disconnect(connID string) {
	r.mu.Lock()

	state, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}

	r.disconnectLocked(connID, state)
}

// Release is Disconnect for a transport that holds a Conn handle: it only
// tears the connection down if conn is still its current handle. A handle
// superseded by a reconnect takeover is a no-op here.
func (r *Registry) Release(conn *Conn) {
	r.mu.Lock()

	state, ok := r.conns[conn.ID]
	if !ok || state.conn != conn {
		r.mu.Unlock()
		conn.closeSend()
		return
	}

	r.disconnectLocked(conn.ID, state)
}

// disconnectLocked moves a live connection into the retained set and starts
// its grace timer. Takes ownership of mu and releases it.
func (r *Registry) disconnectLocked(connID string, state *connState) {
	delete(r.conns, connID)
	for convKey := range state.conversations {
		if members, ok := r.convMembers[convKey]; ok {
			delete(members, connID)
			if len(members) == 0 {
				delete(r.convMembers, convKey)
			}
		}
	}
	if state.dashboard != "" {
		r.leaveDashboardLocked(connID, state.dashboard)
	}

	ret := &retained{
		operator:      state.conn.Operator,
		conversations: state.conversations,
		dashboard:     state.dashboard,
	}
	ret.timer = time.AfterFunc(r.grace, func() {
		r.expire(connID)
	})
	r.gone[connID] = ret

	closed := r.closed
	r.mu.Unlock()

	state.conn.closeSend()
	r.logger.Debug("connection disconnected", "conn_id", connID, "grace", r.grace)

	if closed {
		r.expire(connID)
	}
}

// expire finalizes a disconnected connection after the grace period.
// This is where re-queuing fires, and only for conversations where the
// departed connection was the operator's last.
func (r *Registry) expire(connID string) {
	r.mu.Lock()

	ret, ok := r.gone[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.gone, connID)

	type strandedConv struct {
		tenantID, sessionID, operatorID string
	}
	var stranded []strandedConv

	if ret.operator != nil && r.requeue != nil {
		for convKey := range ret.conversations {
			if r.operatorPresentLocked(convKey, ret.operator.ID) {
				continue
			}
			tenantID, sessionID, ok := SplitConvKey(convKey)
			if !ok {
				continue
			}
			stranded = append(stranded, strandedConv{tenantID, sessionID, ret.operator.ID})
		}
	}
	r.mu.Unlock()

	for _, s := range stranded {
		r.logger.Info("operator connection lost, re-queuing",
			"conn_id", connID,
			"session_id", s.sessionID,
			"operator_id", s.operatorID)
		r.requeue(s.tenantID, s.sessionID, s.operatorID)
	}
}

// operatorPresentLocked reports whether any live connection of the given
// operator is still attached to the conversation. Must hold mu.
func (r *Registry) operatorPresentLocked(convKey, operatorID string) bool {
	members, ok := r.convMembers[convKey]
	if !ok {
		return false
	}
	for connID := range members {
		state, ok := r.conns[connID]
		if !ok {
			continue
		}
		if state.conn.Operator != nil && state.conn.Operator.ID == operatorID {
			return true
		}
	}
	return false
}

// Reconnect restores the bindings of a connection that re-established its
// transport within the grace period. It returns a fresh Conn handle with
// dashboard and conversation membership already re-applied. A connection
// whose old transport has not finished tearing down yet is taken over in
// place: the stale handle's queue is closed and the bindings stay live.
func (r *Registry) Reconnect(connID string) (*Conn, error) {
	r.mu.Lock()

	if state, ok := r.conns[connID]; ok {
		old := state.conn
		conn := &Conn{
			ID:       connID,
			Operator: old.Operator,
			send:     make(chan []byte, sendBufferSize),
		}
		state.conn = conn
		r.mu.Unlock()

		old.closeSend()
		r.logger.Debug("connection transport replaced", "conn_id", connID)
		return conn, nil
	}

	ret, ok := r.gone[connID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrUnknownConnection
	}
	delete(r.gone, connID)
	// Stop exactly once; expire and Reconnect race on the map entry, not
	// the timer.
	ret.timer.Stop()

	conn := &Conn{
		ID:       connID,
		Operator: ret.operator,
		send:     make(chan []byte, sendBufferSize),
	}
	state := &connState{
		conn:          conn,
		conversations: ret.conversations,
		dashboard:     ret.dashboard,
	}
	r.conns[connID] = state

	for convKey := range ret.conversations {
		if _, ok := r.convMembers[convKey]; !ok {
			r.convMembers[convKey] = make(map[string]struct{})
		}
		r.convMembers[convKey][connID] = struct{}{}
	}
	if ret.dashboard != "" {
		if _, ok := r.dashboards[ret.dashboard]; !ok {
			r.dashboards[ret.dashboard] = make(map[string]struct{})
		}
		r.dashboards[ret.dashboard][connID] = struct{}{}
	}
	r.mu.Unlock()

	r.logger.Debug("connection reconnected", "conn_id", connID,
		"conversations", len(ret.conversations), "dashboard", ret.dashboard)
	return conn, nil
}

// BroadcastToConversation sends payload to every connection attached to the
// conversation at send time. If excludeConnID is non-empty that connection
// is skipped. Non-blocking: full queues drop the event.
func (r *Registry) BroadcastToConversation(convKey string, payload []byte, excludeConnID string) {
	r.broadcast(r.membersSnapshot(r.convMembers, convKey, excludeConnID), convKey, payload)
}

// BroadcastToDashboard sends payload to every connection in a tenant's
// dashboard group.
func (r *Registry) BroadcastToDashboard(tenantID string, payload []byte, excludeConnID string) {
	r.broadcast(r.membersSnapshot(r.dashboards, tenantID, excludeConnID), tenantID, payload)
}

// SendTo delivers payload to a single connection, if it is still live.
func (r *Registry) SendTo(connID string, payload []byte) {
	r.mu.RLock()
	state, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	r.trySend(state.conn, connID, payload)
}

// membersSnapshot copies the target connections under the read lock so the
// sends happen without holding it.
func (r *Registry) membersSnapshot(index map[string]map[string]struct{}, key, exclude string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := index[key]
	if !ok {
		return nil
	}
	targets := make([]*Conn, 0, len(members))
	for connID := range members {
		if exclude != "" && connID == exclude {
			continue
		}
		if state, ok := r.conns[connID]; ok {
			targets = append(targets, state.conn)
		}
	}
	return targets
}

func (r *Registry) broadcast(targets []*Conn, key string, payload []byte) {
	for _, conn := range targets {
		r.trySend(conn, key, payload)
	}
}

func (r *Registry) trySend(conn *Conn, key string, payload []byte) {
	if !conn.push(payload) {
		// Queue full or connection gone; drop rather than block routing
		r.logger.Debug("dropped event for slow connection",
			"conn_id", conn.ID, "key", key)
	}
}

// Bindings reports what a connection is currently doing: the conversations
// it is attached to and its dashboard tenant (empty if none).
func (r *Registry) Bindings(connID string) (conversations []string, dashboard string, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.conns[connID]
	if !ok {
		return nil, "", ErrUnknownConnection
	}
	for convKey := range state.conversations {
		conversations = append(conversations, convKey)
	}
	return conversations, state.dashboard, nil
}

// Members returns the ids of connections attached to a conversation.
func (r *Registry) Members(convKey string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.convMembers[convKey]
	ids := make([]string, 0, len(members))
	for connID := range members {
		ids = append(ids, connID)
	}
	return ids
}

// Close drops all connections and stops all retention timers.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	conns := make([]*connState, 0, len(r.conns))
	for id, state := range r.conns {
		conns = append(conns, state)
		delete(r.conns, id)
	}
	for id, ret := range r.gone {
		ret.timer.Stop()
		delete(r.gone, id)
	}
	r.convMembers = make(map[string]map[string]struct{})
	r.dashboards = make(map[string]map[string]struct{})
	r.mu.Unlock()

	for _, state := range conns {
		state.conn.closeSend()
	}
	r.logger.Debug("presence registry closed")
}

// SplitConvKey reverses ConvKey.
func SplitConvKey(key string) (tenantID, sessionID string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}
