// Package sqlite provides the SQLite-backed SessionStore.
//
// Session documents are stored as JSON with a version column; UpdateSession
// runs read-check-write inside one transaction and verifies the version on
// write, giving serializable update semantics without row locks held across
// process boundaries.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/masquerade/internal/game/domain"
	"github.com/louisbranch/masquerade/internal/game/phase"
	sqlitemigrate "github.com/louisbranch/masquerade/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/masquerade/internal/storage"
	"github.com/louisbranch/masquerade/internal/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed session persistence.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a session SQLite store and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Serialize writers through one connection; the version check guards
	// against lost updates regardless.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// PutSession creates a new session document.
func (s *Store) PutSession(ctx context.Context, session domain.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	session.ID = strings.TrimSpace(session.ID)
	if session.ID == "" {
		return fmt.Errorf("session id is required")
	}

	document, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO sessions (id, phase, version, document, created_at, updated_at)
VALUES (?, ?, 1, ?, ?, ?)
`,
		session.ID,
		string(session.Phase),
		string(document),
		session.CreatedAt.UTC().UnixMilli(),
		session.UpdatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// GetSession returns a snapshot of the session document.
func (s *Store) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Session{}, fmt.Errorf("storage is not configured")
	}

	var document string
	row := s.sqlDB.QueryRowContext(ctx, `SELECT document FROM sessions WHERE id = ?`, strings.TrimSpace(sessionID))
	if err := row.Scan(&document); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Session{}, storage.ErrNotFound
		}
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}

	return decodeSession(document)
}

// UpdateSession applies fn inside a transaction with a version check on write.
func (s *Store) UpdateSession(ctx context.Context, sessionID string, fn func(*domain.Session) error) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Session{}, fmt.Errorf("storage is not configured")
	}
	if fn == nil {
		return domain.Session{}, fmt.Errorf("update function is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var document string
	var version int64
	row := tx.QueryRowContext(ctx, `SELECT document, version FROM sessions WHERE id = ?`, strings.TrimSpace(sessionID))
	if err := row.Scan(&document, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Session{}, storage.ErrNotFound
		}
		return domain.Session{}, fmt.Errorf("read session: %w", err)
	}

	session, err := decodeSession(document)
	if err != nil {
		return domain.Session{}, err
	}

	if err := fn(&session); err != nil {
		return domain.Session{}, err
	}

	encoded, err := json.Marshal(session)
	if err != nil {
		return domain.Session{}, fmt.Errorf("encode session: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
UPDATE sessions
SET phase = ?, version = version + 1, document = ?, updated_at = ?
WHERE id = ? AND version = ?
`,
		string(session.Phase),
		string(encoded),
		session.UpdatedAt.UTC().UnixMilli(),
		session.ID,
		version,
	)
	if err != nil {
		return domain.Session{}, fmt.Errorf("write session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return domain.Session{}, fmt.Errorf("write session: %w", err)
	}
	if affected == 0 {
		return domain.Session{}, fmt.Errorf("session %s version conflict", session.ID)
	}

	if err := tx.Commit(); err != nil {
		return domain.Session{}, fmt.Errorf("commit update: %w", err)
	}
	return session, nil
}

// ListSessionsInPlay returns ids of sessions in a non-terminal phase.
func (s *Store) ListSessionsInPlay(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `SELECT id FROM sessions WHERE phase != ? ORDER BY id`, string(phase.Ended))
	if err != nil {
		return nil, fmt.Errorf("list sessions in play: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var sessionID string
		if err := rows.Scan(&sessionID); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, sessionID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return ids, nil
}

// AppendTransitionEvent appends one transition record with a per-session Seq.
func (s *Store) AppendTransitionEvent(ctx context.Context, event domain.TransitionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	event.SessionID = strings.TrimSpace(event.SessionID)
	if event.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if !event.Reason.IsValid() {
		return fmt.Errorf("transition reason %q is not supported", event.Reason)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq uint64
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM transition_events WHERE session_id = ?`, event.SessionID)
	if err := row.Scan(&seq); err != nil {
		return fmt.Errorf("next event seq: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO transition_events (session_id, seq, from_phase, to_phase, reason, triggered_by, timestamp)
VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		event.SessionID,
		seq,
		string(event.FromPhase),
		string(event.ToPhase),
		string(event.Reason),
		event.TriggeredBy,
		event.Timestamp.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append transition event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// ListTransitionEvents returns up to limit transition records in append order.
func (s *Store) ListTransitionEvents(ctx context.Context, sessionID string, limit int) ([]domain.TransitionEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT session_id, seq, from_phase, to_phase, reason, triggered_by, timestamp
FROM transition_events
WHERE session_id = ?
ORDER BY seq ASC
LIMIT ?
`, strings.TrimSpace(sessionID), limit)
	if err != nil {
		return nil, fmt.Errorf("list transition events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.TransitionEvent, 0, limit)
	for rows.Next() {
		var event domain.TransitionEvent
		var fromPhase, toPhase, reason string
		var timestamp int64
		if err := rows.Scan(
			&event.SessionID,
			&event.Seq,
			&fromPhase,
			&toPhase,
			&reason,
			&event.TriggeredBy,
			&timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan transition event: %w", err)
		}
		event.FromPhase = phase.Phase(fromPhase)
		event.ToPhase = phase.Phase(toPhase)
		event.Reason = domain.TransitionReason(reason)
		event.Timestamp = time.UnixMilli(timestamp).UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transition events: %w", err)
	}
	return events, nil
}

// AppendActivity appends one operational log entry.
func (s *Store) AppendActivity(ctx context.Context, entry storage.ActivityEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	entry.SessionID = strings.TrimSpace(entry.SessionID)
	if entry.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if entry.Severity == "" {
		entry.Severity = storage.SeverityInfo
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO activity_log (session_id, severity, message, timestamp)
VALUES (?, ?, ?, ?)
`,
		entry.SessionID,
		entry.Severity,
		entry.Message,
		entry.Timestamp.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

func decodeSession(document string) (domain.Session, error) {
	var session domain.Session
	if err := json.Unmarshal([]byte(document), &session); err != nil {
		return domain.Session{}, fmt.Errorf("decode session: %w", err)
	}
	return session, nil
}

var _ storage.SessionStore = (*Store)(nil)
