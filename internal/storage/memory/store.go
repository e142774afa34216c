// Package memory provides an in-process SessionStore for tests and
// single-node development runs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/masquerade/internal/game/domain"
	"github.com/louisbranch/masquerade/internal/game/phase"
	"github.com/louisbranch/masquerade/internal/storage"
)

// Store keeps session documents in memory behind a single mutex, which
// provides the same serializable update semantics as the SQLite store.
type Store struct {
	mu         sync.Mutex
	sessions   map[string]domain.Session
	events     map[string][]domain.TransitionEvent
	activities map[string][]storage.ActivityEntry
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		sessions:   map[string]domain.Session{},
		events:     map[string][]domain.TransitionEvent{},
		activities: map[string][]storage.ActivityEntry{},
	}
}

// PutSession creates a new session document.
func (s *Store) PutSession(ctx context.Context, session domain.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sessionID := strings.TrimSpace(session.ID)
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sessionID]; exists {
		return fmt.Errorf("session %s already exists", sessionID)
	}
	copied, err := cloneSession(session)
	if err != nil {
		return err
	}
	s.sessions[sessionID] = copied
	return nil
}

// GetSession returns a snapshot of the session document.
func (s *Store) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[strings.TrimSpace(sessionID)]
	if !ok {
		return domain.Session{}, storage.ErrNotFound
	}
	return cloneSession(session)
}

// UpdateSession applies fn under the store mutex, persisting the mutated
// document unless fn reports ErrNoChange or fails.
func (s *Store) UpdateSession(ctx context.Context, sessionID string, fn func(*domain.Session) error) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	if fn == nil {
		return domain.Session{}, fmt.Errorf("update function is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.sessions[strings.TrimSpace(sessionID)]
	if !ok {
		return domain.Session{}, storage.ErrNotFound
	}
	working, err := cloneSession(current)
	if err != nil {
		return domain.Session{}, err
	}
	if err := fn(&working); err != nil {
		return domain.Session{}, err
	}
	s.sessions[working.ID] = working
	return cloneSession(working)
}

// ListSessionsInPlay returns ids of sessions in a non-terminal phase.
func (s *Store) ListSessionsInPlay(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for sessionID, session := range s.sessions {
		if !phase.IsTerminal(session.Phase) {
			ids = append(ids, sessionID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// AppendTransitionEvent appends one transition record, assigning Seq.
func (s *Store) AppendTransitionEvent(ctx context.Context, event domain.TransitionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sessionID := strings.TrimSpace(event.SessionID)
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	event.Seq = uint64(len(s.events[sessionID]) + 1)
	s.events[sessionID] = append(s.events[sessionID], event)
	return nil
}

// ListTransitionEvents returns up to limit transition records in append order.
func (s *Store) ListTransitionEvents(ctx context.Context, sessionID string, limit int) ([]domain.TransitionEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events[strings.TrimSpace(sessionID)]
	if len(events) > limit {
		events = events[:limit]
	}
	out := make([]domain.TransitionEvent, len(events))
	copy(out, events)
	return out, nil
}

// AppendActivity appends one operational log entry.
func (s *Store) AppendActivity(ctx context.Context, entry storage.ActivityEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sessionID := strings.TrimSpace(entry.SessionID)
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities[sessionID] = append(s.activities[sessionID], entry)
	return nil
}

// Activities returns a copy of the activity log for a session. Test helper.
func (s *Store) Activities(sessionID string) []storage.ActivityEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.activities[strings.TrimSpace(sessionID)]
	out := make([]storage.ActivityEntry, len(entries))
	copy(out, entries)
	return out
}

// cloneSession deep-copies a session through the JSON codec so callers
// never alias stored state.
func cloneSession(session domain.Session) (domain.Session, error) {
	raw, err := json.Marshal(session)
	if err != nil {
		return domain.Session{}, fmt.Errorf("encode session: %w", err)
	}
	var copied domain.Session
	if err := json.Unmarshal(raw, &copied); err != nil {
		return domain.Session{}, fmt.Errorf("decode session: %w", err)
	}
	return copied, nil
}

var _ storage.SessionStore = (*Store)(nil)
