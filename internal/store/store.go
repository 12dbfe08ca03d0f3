// ABOUTME: Store interface and data types for switchboard persistence
// ABOUTME: Defines Session, Message structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when trying to create a session that already exists
var ErrDuplicateSession = errors.New("session already exists")

// Status is the lifecycle state of a session.
type Status string

// Session lifecycle states. Closed is terminal.
const (
	StatusBot        Status = "bot"
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusClosed     Status = "closed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusBot, StatusPending, StatusInProgress, StatusClosed:
		return true
	}
	return false
}

// Channel identifies how a session reaches the end user.
// The set is closed: routing code switches exhaustively over it.
type Channel string

const (
	ChannelWeb   Channel = "web"
	ChannelPhone Channel = "phone"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return c == ChannelWeb || c == ChannelPhone
}

// Role identifies the author of a message within a session.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleOperator  Role = "operator"
	RoleSystem    Role = "system"
)

// Session represents one customer conversation.
// Identity is (TenantID, ID); ID is globally unique.
//
// Invariant: AssignedOperatorID is non-nil iff Status is in_progress.
type Session struct {
	TenantID string
	ID       string
	Status   Status
	Channel  Channel

	// AssignedOperatorID is set only while an operator holds the session
	AssignedOperatorID *string

	// ExternalID is the phone address for phone-channel sessions
	ExternalID string

	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time
}

// Assigned reports whether an operator currently holds the session.
func (s *Session) Assigned() bool {
	return s.AssignedOperatorID != nil
}

// Terminal reports whether the session has reached its final state.
func (s *Session) Terminal() bool {
	return s.Status == StatusClosed
}

// Message is a single entry in a session's history.
// Messages are appended, never mutated or removed; Seq is assigned by the
// store in insertion order so history order survives a restart.
type Message struct {
	ID        string
	SessionID string
	Seq       int64
	Role      Role
	Content   string

	// OperatorName is set for operator messages so the end user sees
	// who they are talking to
	OperatorName string

	CreatedAt time.Time
}

// Store defines the interface for session and message persistence.
// It owns no business rules; all transition logic lives in the session package.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, tenantID, id string) (*Session, error)
	UpdateSession(ctx context.Context, sess *Session) error
	ListSessionsByStatus(ctx context.Context, tenantID string, status Status) ([]*Session, error)

	// GetPhoneSession finds the live (non-closed) phone session for an
	// external address within a tenant, used to route inbound webhook
	// messages to an existing conversation.
	GetPhoneSession(ctx context.Context, tenantID, externalID string) (*Session, error)

	// ListIdleSessions returns non-terminal sessions whose UpdatedAt is
	// older than the cutoff. Used by the inactivity reaper.
	ListIdleSessions(ctx context.Context, cutoff time.Time) ([]*Session, error)

	// Messages
	AppendMessage(ctx context.Context, tenantID string, msg *Message) error
	GetMessages(ctx context.Context, tenantID, sessionID string, limit int) ([]*Message, error)

	// Close releases any resources held by the store
	Close() error
}
