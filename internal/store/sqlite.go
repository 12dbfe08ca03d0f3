// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			tenant_id TEXT NOT NULL,
			id TEXT NOT NULL,
			status TEXT NOT NULL,
			channel TEXT NOT NULL,
			assigned_operator_id TEXT,
			external_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			closed_at TIMESTAMP,
			PRIMARY KEY (tenant_id, id)
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_tenant_status
			ON sessions(tenant_id, status);
		CREATE INDEX IF NOT EXISTS idx_sessions_external
			ON sessions(tenant_id, external_id, status);
		CREATE INDEX IF NOT EXISTS idx_sessions_updated
			ON sessions(updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			operator_name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			UNIQUE (tenant_id, session_id, seq),
			FOREIGN KEY (tenant_id, session_id) REFERENCES sessions(tenant_id, id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session
			ON messages(tenant_id, session_id, seq);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// CreateSession inserts a new session row
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (tenant_id, id, status, channel, assigned_operator_id, external_id, created_at, updated_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.TenantID, sess.ID, string(sess.Status), string(sess.Channel),
		sess.AssignedOperatorID, sess.ExternalID,
		sess.CreatedAt, sess.UpdatedAt, sess.ClosedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "PRIMARY KEY") {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by tenant and id
func (s *SQLiteStore) GetSession(ctx context.Context, tenantID, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, id, status, channel, assigned_operator_id, external_id, created_at, updated_at, closed_at
		FROM sessions WHERE tenant_id = ? AND id = ?`,
		tenantID, id,
	)
	return scanSession(row)
}

// UpdateSession persists the mutable fields of a session
func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *Session) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, assigned_operator_id = ?, updated_at = ?, closed_at = ?
		WHERE tenant_id = ? AND id = ?`,
		string(sess.Status), sess.AssignedOperatorID, sess.UpdatedAt, sess.ClosedAt,
		sess.TenantID, sess.ID,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessionsByStatus returns all sessions for a tenant in the given status
func (s *SQLiteStore) ListSessionsByStatus(ctx context.Context, tenantID string, status Status) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, id, status, channel, assigned_operator_id, external_id, created_at, updated_at, closed_at
		FROM sessions WHERE tenant_id = ? AND status = ?
		ORDER BY updated_at DESC`,
		tenantID, string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// GetPhoneSession finds the live phone session for an external address
func (s *SQLiteStore) GetPhoneSession(ctx context.Context, tenantID, externalID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, id, status, channel, assigned_operator_id, external_id, created_at, updated_at, closed_at
		FROM sessions
		WHERE tenant_id = ? AND external_id = ? AND channel = ? AND status != ?
		ORDER BY updated_at DESC LIMIT 1`,
		tenantID, externalID, string(ChannelPhone), string(StatusClosed),
	)
	return scanSession(row)
}

// ListIdleSessions returns non-terminal sessions idle past the cutoff
func (s *SQLiteStore) ListIdleSessions(ctx context.Context, cutoff time.Time) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, id, status, channel, assigned_operator_id, external_id, created_at, updated_at, closed_at
		FROM sessions
		WHERE status != ? AND updated_at < ?`,
		string(StatusClosed), cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("querying idle sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// AppendMessage inserts a message with the next sequence number for its session.
// The seq assignment and insert run in one transaction so concurrent appends
// to the same session cannot produce duplicate sequence numbers.
func (s *SQLiteStore) AppendMessage(ctx context.Context, tenantID string, msg *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM messages
		WHERE tenant_id = ? AND session_id = ?`,
		tenantID, msg.SessionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("computing next seq: %w", err)
	}

	msg.Seq = seq
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, tenant_id, session_id, seq, role, content, operator_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, tenantID, msg.SessionID, msg.Seq, string(msg.Role),
		msg.Content, msg.OperatorName, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}
	return nil
}

// GetMessages returns messages for a session in insertion order.
// A limit of 0 returns the full history.
func (s *SQLiteStore) GetMessages(ctx context.Context, tenantID, sessionID string, limit int) ([]*Message, error) {
	query := `
		SELECT id, session_id, seq, role, content, operator_name, created_at
		FROM messages WHERE tenant_id = ? AND session_id = ?
		ORDER BY seq ASC`
	args := []any{tenantID, sessionID}
	if limit > 0 {
		// Take the newest N but keep ascending order for the caller
		query = `
			SELECT id, session_id, seq, role, content, operator_name, created_at
			FROM (
				SELECT id, session_id, seq, role, content, operator_name, created_at
				FROM messages WHERE tenant_id = ? AND session_id = ?
				ORDER BY seq DESC LIMIT ?
			) ORDER BY seq ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		var role string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &role, &m.Content, &m.OperatorName, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Role = Role(role)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner abstracts *sql.Row and *sql.Rows for session scanning
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var sess Session
	var status, channel string
	err := row.Scan(
		&sess.TenantID, &sess.ID, &status, &channel,
		&sess.AssignedOperatorID, &sess.ExternalID,
		&sess.CreatedAt, &sess.UpdatedAt, &sess.ClosedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	sess.Status = Status(status)
	sess.Channel = Channel(channel)
	return &sess, nil
}

func collectSessions(rows *sql.Rows) ([]*Session, error) {
	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
