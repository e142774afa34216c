package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/masquerade/internal/game/domain"
	"github.com/louisbranch/masquerade/internal/game/phase"
	"github.com/louisbranch/masquerade/internal/storage"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func testSession(sessionID string) domain.Session {
	now := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)
	return domain.Session{
		ID:    sessionID,
		Name:  "game",
		Phase: phase.Lobby,
		Players: map[string]domain.Player{
			"alice": {ID: "alice", Name: "alice"},
			"bot-1": {ID: "bot-1", Name: "bot-1", Autonomous: true},
		},
		Targets:   []string{"library", "cellar"},
		Votes:     map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	store := openTempStore(t)

	if err := store.PutSession(context.Background(), testSession("s1")); err != nil {
		t.Fatalf("put session: %v", err)
	}

	session, err := store.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.Name != "game" {
		t.Fatalf("name = %q, want game", session.Name)
	}
	if len(session.Players) != 2 {
		t.Fatalf("players = %d, want 2", len(session.Players))
	}
	if !session.Players["bot-1"].Autonomous {
		t.Fatal("expected bot-1 to stay autonomous through the codec")
	}

	if _, err := store.GetSession(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPutSessionDuplicate(t *testing.T) {
	store := openTempStore(t)

	if err := store.PutSession(context.Background(), testSession("s1")); err != nil {
		t.Fatalf("put session: %v", err)
	}
	if err := store.PutSession(context.Background(), testSession("s1")); err == nil {
		t.Fatal("expected duplicate put to fail")
	}
}

func TestUpdateSessionPersists(t *testing.T) {
	store := openTempStore(t)
	if err := store.PutSession(context.Background(), testSession("s1")); err != nil {
		t.Fatalf("put session: %v", err)
	}

	updated, err := store.UpdateSession(context.Background(), "s1", func(s *domain.Session) error {
		s.Phase = phase.Prologue
		s.UpdatedAt = s.UpdatedAt.Add(time.Minute)
		return nil
	})
	if err != nil {
		t.Fatalf("update session: %v", err)
	}
	if updated.Phase != phase.Prologue {
		t.Fatalf("updated phase = %q, want %q", updated.Phase, phase.Prologue)
	}

	stored, err := store.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if stored.Phase != phase.Prologue {
		t.Fatalf("stored phase = %q, want %q", stored.Phase, phase.Prologue)
	}
}

func TestUpdateSessionNoChangeLeavesDocument(t *testing.T) {
	store := openTempStore(t)
	if err := store.PutSession(context.Background(), testSession("s1")); err != nil {
		t.Fatalf("put session: %v", err)
	}

	_, err := store.UpdateSession(context.Background(), "s1", func(s *domain.Session) error {
		s.Phase = phase.Voting
		return storage.ErrNoChange
	})
	if !errors.Is(err, storage.ErrNoChange) {
		t.Fatalf("err = %v, want ErrNoChange", err)
	}

	stored, err := store.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if stored.Phase != phase.Lobby {
		t.Fatalf("phase after aborted update = %q, want %q", stored.Phase, phase.Lobby)
	}
}

func TestUpdateSessionMissing(t *testing.T) {
	store := openTempStore(t)

	_, err := store.UpdateSession(context.Background(), "missing", func(s *domain.Session) error { return nil })
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListSessionsInPlay(t *testing.T) {
	store := openTempStore(t)

	active := testSession("active")
	done := testSession("done")
	done.Phase = phase.Ended

	if err := store.PutSession(context.Background(), active); err != nil {
		t.Fatalf("put active: %v", err)
	}
	if err := store.PutSession(context.Background(), done); err != nil {
		t.Fatalf("put done: %v", err)
	}

	ids, err := store.ListSessionsInPlay(context.Background())
	if err != nil {
		t.Fatalf("list sessions in play: %v", err)
	}
	if len(ids) != 1 || ids[0] != "active" {
		t.Fatalf("ids = %v, want [active]", ids)
	}
}

func TestTransitionEventSequence(t *testing.T) {
	store := openTempStore(t)
	now := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)

	transitions := []struct {
		from phase.Phase
		to   phase.Phase
	}{
		{phase.Lobby, phase.Prologue},
		{phase.Prologue, phase.Exploration1},
	}
	for _, tr := range transitions {
		err := store.AppendTransitionEvent(context.Background(), domain.TransitionEvent{
			SessionID:   "s1",
			FromPhase:   tr.from,
			ToPhase:     tr.to,
			Reason:      domain.ReasonTimerExpired,
			TriggeredBy: "system",
			Timestamp:   now,
		})
		if err != nil {
			t.Fatalf("append transition: %v", err)
		}
	}

	events, err := store.ListTransitionEvents(context.Background(), "s1", 10)
	if err != nil {
		t.Fatalf("list transition events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Seq != 1 || events[1].Seq != 2 {
		t.Fatalf("seqs = %d,%d, want 1,2", events[0].Seq, events[1].Seq)
	}
	if events[1].FromPhase != phase.Prologue || events[1].ToPhase != phase.Exploration1 {
		t.Fatalf("events[1] = %+v, want prologue -> exploration_1", events[1])
	}
	if !events[0].Timestamp.Equal(now) {
		t.Fatalf("timestamp = %v, want %v", events[0].Timestamp, now)
	}
}

func TestAppendTransitionEventValidation(t *testing.T) {
	store := openTempStore(t)

	err := store.AppendTransitionEvent(context.Background(), domain.TransitionEvent{SessionID: "s1", Reason: "whim"})
	if err == nil {
		t.Fatal("expected invalid reason to fail")
	}
	err = store.AppendTransitionEvent(context.Background(), domain.TransitionEvent{Reason: domain.ReasonManual})
	if err == nil {
		t.Fatal("expected missing session id to fail")
	}
}

func TestAppendActivity(t *testing.T) {
	store := openTempStore(t)

	err := store.AppendActivity(context.Background(), storage.ActivityEntry{
		SessionID: "s1",
		Message:   "phase advanced phase=prologue",
	})
	if err != nil {
		t.Fatalf("append activity: %v", err)
	}
}
