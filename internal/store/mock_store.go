// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject store failures

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrMockFailure is returned by a MockStore whose FailWrites switch is on.
var ErrMockFailure = errors.New("mock store failure")

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session   // keyed by "tenantID/sessionID"
	messages map[string][]*Message // keyed by "tenantID/sessionID"

	// FailWrites makes all mutating calls return ErrMockFailure,
	// used to exercise the store-unavailable degradation path.
	FailWrites bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions: make(map[string]*Session),
		messages: make(map[string][]*Message),
	}
}

func sessionKey(tenantID, id string) string {
	return tenantID + "/" + id
}

// SetFailWrites toggles write failures at runtime.
func (m *MockStore) SetFailWrites(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailWrites = fail
}

// CreateSession stores a new session.
func (m *MockStore) CreateSession(ctx context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return ErrMockFailure
	}

	key := sessionKey(sess.TenantID, sess.ID)
	if _, exists := m.sessions[key]; exists {
		return ErrDuplicateSession
	}

	// Copy to avoid external modification
	s := *sess
	m.sessions[key] = &s
	return nil
}

// GetSession retrieves a session by tenant and id.
func (m *MockStore) GetSession(ctx context.Context, tenantID, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionKey(tenantID, id)]
	if !ok {
		return nil, ErrNotFound
	}
	result := *s
	return &result, nil
}

// UpdateSession persists the mutable fields of a session.
func (m *MockStore) UpdateSession(ctx context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return ErrMockFailure
	}

	key := sessionKey(sess.TenantID, sess.ID)
	if _, ok := m.sessions[key]; !ok {
		return ErrNotFound
	}
	s := *sess
	m.sessions[key] = &s
	return nil
}

// ListSessionsByStatus returns sessions for a tenant in the given status.
func (m *MockStore) ListSessionsByStatus(ctx context.Context, tenantID string, status Status) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, s := range m.sessions {
		if s.TenantID == tenantID && s.Status == status {
			c := *s
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result, nil
}

// GetPhoneSession finds the live phone session for an external address.
func (m *MockStore) GetPhoneSession(ctx context.Context, tenantID, externalID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *Session
	for _, s := range m.sessions {
		if s.TenantID != tenantID || s.Channel != ChannelPhone || s.ExternalID != externalID {
			continue
		}
		if s.Status == StatusClosed {
			continue
		}
		if best == nil || s.UpdatedAt.After(best.UpdatedAt) {
			best = s
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	result := *best
	return &result, nil
}

// ListIdleSessions returns non-terminal sessions idle past the cutoff.
func (m *MockStore) ListIdleSessions(ctx context.Context, cutoff time.Time) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, s := range m.sessions {
		if s.Status != StatusClosed && s.UpdatedAt.Before(cutoff) {
			c := *s
			result = append(result, &c)
		}
	}
	return result, nil
}

// AppendMessage appends a message with the next sequence number.
func (m *MockStore) AppendMessage(ctx context.Context, tenantID string, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return ErrMockFailure
	}

	key := sessionKey(tenantID, msg.SessionID)
	msg.Seq = int64(len(m.messages[key]) + 1)
	c := *msg
	m.messages[key] = append(m.messages[key], &c)
	return nil
}

// GetMessages returns messages for a session in insertion order.
func (m *MockStore) GetMessages(ctx context.Context, tenantID, sessionID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[sessionKey(tenantID, sessionID)]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	result := make([]*Message, len(msgs))
	for i, msg := range msgs {
		c := *msg
		result[i] = &c
	}
	return result, nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}
