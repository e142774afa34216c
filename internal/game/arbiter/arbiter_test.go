package arbiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/masquerade/internal/game/domain"
	"github.com/louisbranch/masquerade/internal/game/phase"
	"github.com/louisbranch/masquerade/internal/storage/memory"
	"github.com/louisbranch/masquerade/internal/telemetry"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestArbiter(t *testing.T) (*Arbiter, *memory.Store, *fakeClock) {
	t.Helper()
	store := memory.New()
	clock := newFakeClock()
	arb := New(store, telemetry.NewEmitter(store), Config{})
	arb.clock = clock.now
	return arb, store, clock
}

func seedDiscussionSession(t *testing.T, store *memory.Store, clock *fakeClock) {
	t.Helper()
	now := clock.now()
	session := domain.Session{
		ID:           "s1",
		Name:         "masquerade",
		Phase:        phase.Discussion1,
		Capabilities: phase.CapabilitiesFor(phase.Discussion1),
		Players: map[string]domain.Player{
			"alice": {ID: "alice", Name: "alice"},
			"bot-1": {ID: "bot-1", Name: "bot-1", Autonomous: true},
			"bot-2": {ID: "bot-2", Name: "bot-2", Autonomous: true},
		},
		Votes:     map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.PutSession(context.Background(), session); err != nil {
		t.Fatalf("put session: %v", err)
	}
}

func TestAcquireAndReleaseSpeakingLock(t *testing.T) {
	arb, store, clock := newTestArbiter(t)
	seedDiscussionSession(t, store, clock)

	result, err := arb.AcquireSpeakingLock(context.Background(), "s1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !result.Acquired || result.Reason != "" {
		t.Fatalf("result = %+v, want clean acquisition", result)
	}

	second, err := arb.AcquireSpeakingLock(context.Background(), "s1")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if second.Acquired {
		t.Fatal("expected held lease to reject a second holder")
	}

	if err := arb.ReleaseSpeakingLock(context.Background(), "s1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	session, err := store.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.Speaking.Held || session.Speaking.LockedAt != nil {
		t.Fatalf("speaking = %+v, want fully cleared", session.Speaking)
	}

	third, err := arb.AcquireSpeakingLock(context.Background(), "s1")
	if err != nil {
		t.Fatalf("third acquire: %v", err)
	}
	if !third.Acquired {
		t.Fatal("expected released lease to be reacquirable")
	}
}

func TestAcquireReclaimsExpiredLease(t *testing.T) {
	arb, store, clock := newTestArbiter(t)
	seedDiscussionSession(t, store, clock)

	if _, err := arb.AcquireSpeakingLock(context.Background(), "s1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	clock.advance(3 * time.Minute)

	result, err := arb.AcquireSpeakingLock(context.Background(), "s1")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if !result.Acquired || result.Reason != ReasonStaleLockReclaimed {
		t.Fatalf("result = %+v, want stale lease reclaimed", result)
	}

	session, err := store.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.Speaking.LockedAt == nil || !session.Speaking.LockedAt.Equal(clock.now()) {
		t.Fatalf("locked at = %v, want refreshed to now", session.Speaking.LockedAt)
	}
}

func TestAcquireWithinLeaseRefusesSteal(t *testing.T) {
	arb, store, clock := newTestArbiter(t)
	seedDiscussionSession(t, store, clock)

	if _, err := arb.AcquireSpeakingLock(context.Background(), "s1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	lockedAt := clock.now()

	clock.advance(time.Minute)

	result, err := arb.AcquireSpeakingLock(context.Background(), "s1")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if result.Acquired {
		t.Fatal("expected live lease to stay with its holder")
	}

	session, err := store.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.Speaking.LockedAt == nil || !session.Speaking.LockedAt.Equal(lockedAt) {
		t.Fatalf("locked at = %v, want original timestamp %v", session.Speaking.LockedAt, lockedAt)
	}
}

func TestReleaseIdleLockIsNoOp(t *testing.T) {
	arb, store, clock := newTestArbiter(t)
	seedDiscussionSession(t, store, clock)

	if err := arb.ReleaseSpeakingLock(context.Background(), "s1"); err != nil {
		t.Fatalf("release idle lock: %v", err)
	}
}

func TestRankCandidatesOrdersByUrgency(t *testing.T) {
	arb, store, clock := newTestArbiter(t)
	seedDiscussionSession(t, store, clock)

	// bot-1 just spoke; bot-2 has been silent and holds fresh clues.
	spokeAt := clock.now().Add(-10 * time.Second)
	clueAt := clock.now().Add(-30 * time.Second)
	_, err := store.UpdateSession(context.Background(), "s1", func(s *domain.Session) error {
		bot1 := s.Players["bot-1"]
		bot1.LastSpokeAt = &spokeAt
		s.Players["bot-1"] = bot1

		bot2 := s.Players["bot-2"]
		bot2.LastClueAt = &clueAt
		bot2.UnsharedClues = 2
		s.Players["bot-2"] = bot2
		return nil
	})
	if err != nil {
		t.Fatalf("seed scores: %v", err)
	}

	candidates, err := arb.RankCandidates(context.Background(), "s1")
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("candidates = %d, want only autonomous participants", len(candidates))
	}
	if candidates[0].ParticipantID != "bot-2" {
		t.Fatalf("top candidate = %q, want bot-2", candidates[0].ParticipantID)
	}
	if candidates[0].Score <= candidates[1].Score {
		t.Fatalf("scores = %v, want strictly ordered", candidates)
	}
}

func TestRankCandidatesTieBreaksByID(t *testing.T) {
	arb, store, clock := newTestArbiter(t)
	seedDiscussionSession(t, store, clock)

	candidates, err := arb.RankCandidates(context.Background(), "s1")
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("candidates = %d, want 2", len(candidates))
	}
	if candidates[0].Score != candidates[1].Score {
		t.Fatalf("scores = %v, want identical for identical participants", candidates)
	}
	if candidates[0].ParticipantID != "bot-1" {
		t.Fatalf("top candidate = %q, want bot-1 by id order", candidates[0].ParticipantID)
	}
}

func TestRankCandidatesRespectsCapabilities(t *testing.T) {
	arb, store, clock := newTestArbiter(t)
	seedDiscussionSession(t, store, clock)
	_, err := store.UpdateSession(context.Background(), "s1", func(s *domain.Session) error {
		s.Phase = phase.Prologue
		s.Capabilities = phase.CapabilitiesFor(phase.Prologue)
		return nil
	})
	if err != nil {
		t.Fatalf("move to prologue: %v", err)
	}

	candidates, err := arb.RankCandidates(context.Background(), "s1")
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("candidates = %v, want none while autonomous triggers are disabled", candidates)
	}
}

func TestRankCandidatesDeadlineUrgency(t *testing.T) {
	arb, store, clock := newTestArbiter(t)
	seedDiscussionSession(t, store, clock)

	base, err := arb.RankCandidates(context.Background(), "s1")
	if err != nil {
		t.Fatalf("rank: %v", err)
	}

	deadline := clock.now().Add(10 * time.Second)
	if _, err := store.UpdateSession(context.Background(), "s1", func(s *domain.Session) error {
		s.PhaseDeadline = &deadline
		return nil
	}); err != nil {
		t.Fatalf("seed deadline: %v", err)
	}

	urgent, err := arb.RankCandidates(context.Background(), "s1")
	if err != nil {
		t.Fatalf("rank with deadline: %v", err)
	}
	if urgent[0].Score <= base[0].Score {
		t.Fatalf("score = %v, want higher than %v as the deadline nears", urgent[0].Score, base[0].Score)
	}
}

func TestSelectAppliesThreshold(t *testing.T) {
	arb, store, clock := newTestArbiter(t)
	seedDiscussionSession(t, store, clock)

	// Everyone just spoke, so nobody clears the threshold.
	spokeAt := clock.now()
	if _, err := store.UpdateSession(context.Background(), "s1", func(s *domain.Session) error {
		for playerID, player := range s.Players {
			at := spokeAt
			player.LastSpokeAt = &at
			s.Players[playerID] = player
		}
		return nil
	}); err != nil {
		t.Fatalf("seed utterances: %v", err)
	}

	if _, ok, err := arb.Select(context.Background(), "s1"); err != nil {
		t.Fatalf("select: %v", err)
	} else if ok {
		t.Fatal("expected nobody above the threshold right after speaking")
	}

	clock.advance(5 * time.Minute)

	candidate, ok, err := arb.Select(context.Background(), "s1")
	if err != nil {
		t.Fatalf("select after silence: %v", err)
	}
	if !ok {
		t.Fatal("expected long silence to push a candidate over the threshold")
	}
	if candidate.ParticipantID != "bot-1" {
		t.Fatalf("selected = %q, want bot-1", candidate.ParticipantID)
	}
}

func TestPlaybackLockLifecycle(t *testing.T) {
	arb, store, clock := newTestArbiter(t)
	seedDiscussionSession(t, store, clock)

	duration, err := arb.SetPlaybackLock(context.Background(), "s1", "bot-1", 200)
	if err != nil {
		t.Fatalf("set playback: %v", err)
	}
	if duration != 10*time.Second {
		t.Fatalf("duration = %v, want 10s for 200 runes", duration)
	}

	active, err := arb.PlaybackActive(context.Background(), "s1")
	if err != nil {
		t.Fatalf("playback active: %v", err)
	}
	if !active {
		t.Fatal("expected playback to be active")
	}

	clock.advance(11 * time.Second)
	active, err = arb.PlaybackActive(context.Background(), "s1")
	if err != nil {
		t.Fatalf("playback active: %v", err)
	}
	if active {
		t.Fatal("expected playback to lapse after its duration")
	}

	if err := arb.ClearPlaybackLock(context.Background(), "s1"); err != nil {
		t.Fatalf("clear playback: %v", err)
	}
	session, err := store.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.Playback != nil {
		t.Fatal("expected playback lock removed")
	}
}

func TestPlaybackDurationClamped(t *testing.T) {
	arb, store, clock := newTestArbiter(t)
	seedDiscussionSession(t, store, clock)

	short, err := arb.SetPlaybackLock(context.Background(), "s1", "bot-1", 1)
	if err != nil {
		t.Fatalf("set short playback: %v", err)
	}
	if short != 2*time.Second {
		t.Fatalf("short duration = %v, want 2s floor", short)
	}

	long, err := arb.SetPlaybackLock(context.Background(), "s1", "bot-1", 10000)
	if err != nil {
		t.Fatalf("set long playback: %v", err)
	}
	if long != 30*time.Second {
		t.Fatalf("long duration = %v, want 30s ceiling", long)
	}
}

func TestSetPlaybackUnknownSpeaker(t *testing.T) {
	arb, store, clock := newTestArbiter(t)
	seedDiscussionSession(t, store, clock)

	if _, err := arb.SetPlaybackLock(context.Background(), "s1", "ghost", 100); err == nil {
		t.Fatal("expected unknown speaker to fail")
	}
}

func TestRecordUtterance(t *testing.T) {
	arb, store, clock := newTestArbiter(t)
	seedDiscussionSession(t, store, clock)
	if _, err := store.UpdateSession(context.Background(), "s1", func(s *domain.Session) error {
		bot1 := s.Players["bot-1"]
		bot1.UnsharedClues = 3
		s.Players["bot-1"] = bot1
		return nil
	}); err != nil {
		t.Fatalf("seed clues: %v", err)
	}

	if err := arb.RecordUtterance(context.Background(), "s1", "bot-1", []string{"bot-2", "ghost"}); err != nil {
		t.Fatalf("record utterance: %v", err)
	}

	session, err := store.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	bot1 := session.Players["bot-1"]
	if bot1.LastSpokeAt == nil || !bot1.LastSpokeAt.Equal(clock.now()) {
		t.Fatalf("last spoke = %v, want now", bot1.LastSpokeAt)
	}
	if bot1.UnsharedClues != 0 {
		t.Fatalf("unshared clues = %d, want reset to 0", bot1.UnsharedClues)
	}
	if session.Players["bot-2"].LastMentionedAt == nil {
		t.Fatal("expected bot-2 to be marked as mentioned")
	}
}
