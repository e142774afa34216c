// Package storage defines the persistence contract consumed by the
// orchestration core.
//
// The session document is the only shared mutable resource in the system.
// UpdateSession is the atomic read-check-write primitive every mutating
// component goes through; concurrent callers race to it and the loser
// observes ErrNoChange instead of a partial write.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/louisbranch/masquerade/internal/game/domain"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrNoChange indicates an update closure declined to mutate, usually
	// because its precondition was stale. It is a normal no-op outcome.
	ErrNoChange = errors.New("no change")
)

// ActivityEntry is one free-form operational log record scoped to a session.
type ActivityEntry struct {
	SessionID string
	Severity  string
	Message   string
	Timestamp time.Time
}

// Activity severity levels.
const (
	SeverityInfo  = "INFO"
	SeverityWarn  = "WARN"
	SeverityError = "ERROR"
)

// SessionStore persists session documents with serializable
// read-check-write semantics, plus append-only transition and activity
// records.
type SessionStore interface {
	// PutSession creates a new session document.
	PutSession(ctx context.Context, session domain.Session) error

	// GetSession returns a snapshot of the session document.
	GetSession(ctx context.Context, sessionID string) (domain.Session, error)

	// UpdateSession applies fn to the current document inside an atomic
	// read-check-write. When fn returns ErrNoChange the document is left
	// untouched and ErrNoChange is propagated; any other error aborts the
	// update and propagates. On success the mutated document is persisted
	// and returned.
	UpdateSession(ctx context.Context, sessionID string, fn func(*domain.Session) error) (domain.Session, error)

	// ListSessionsInPlay returns the ids of sessions in a non-terminal
	// phase, for the periodic expiry tick.
	ListSessionsInPlay(ctx context.Context) ([]string, error)

	// AppendTransitionEvent appends one immutable transition record. The
	// store assigns Seq.
	AppendTransitionEvent(ctx context.Context, event domain.TransitionEvent) error

	// ListTransitionEvents returns up to limit transition records for a
	// session in append order.
	ListTransitionEvents(ctx context.Context, sessionID string, limit int) ([]domain.TransitionEvent, error)

	// AppendActivity appends one operational log entry. Best-effort
	// observability; failures must not affect orchestration.
	AppendActivity(ctx context.Context, entry ActivityEntry) error
}
