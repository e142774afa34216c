package speech

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/louisbranch/masquerade/internal/game/arbiter"
	"github.com/louisbranch/masquerade/internal/game/domain"
	"github.com/louisbranch/masquerade/internal/game/oracle"
	"github.com/louisbranch/masquerade/internal/game/phase"
	"github.com/louisbranch/masquerade/internal/storage/memory"
	"github.com/louisbranch/masquerade/internal/telemetry"
)

type fakeOracle struct {
	decide func(participantID string) (oracle.Decision, error)
	calls  int
}

func (f *fakeOracle) Decide(ctx context.Context, participantID string, perception oracle.Perception) (oracle.Decision, error) {
	f.calls++
	if f.decide == nil {
		return oracle.Decision{Kind: oracle.DecisionAbstain}, nil
	}
	return f.decide(participantID)
}

func seedSession(t *testing.T, store *memory.Store) domain.Session {
	t.Helper()
	now := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)
	spokeAt := now.Add(-10 * time.Minute)
	session := domain.Session{
		ID:           "s1",
		Name:         "masquerade",
		Phase:        phase.Discussion1,
		Capabilities: phase.CapabilitiesFor(phase.Discussion1),
		Players: map[string]domain.Player{
			"alice": {ID: "alice", Name: "Alice"},
			"bot-1": {ID: "bot-1", Name: "Vesper", Autonomous: true, LastSpokeAt: &spokeAt},
		},
		Votes:     map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.PutSession(context.Background(), session); err != nil {
		t.Fatalf("put session: %v", err)
	}
	return session
}

func newTestTrigger(t *testing.T, orc oracle.Oracle) (*Trigger, *memory.Store) {
	t.Helper()
	store := memory.New()
	emitter := telemetry.NewEmitter(store)
	arb := arbiter.New(store, emitter, arbiter.Config{})
	return NewTrigger(arb, orc, emitter), store
}

func TestPhaseEnteredProducesUtterance(t *testing.T) {
	orc := &fakeOracle{decide: func(participantID string) (oracle.Decision, error) {
		return oracle.Decision{Kind: oracle.DecisionSpeak, Content: "I saw Alice near the cellar."}, nil
	}}
	trigger, store := newTestTrigger(t, orc)
	session := seedSession(t, store)

	if err := trigger.PhaseEntered(context.Background(), session); err != nil {
		t.Fatalf("phase entered: %v", err)
	}

	stored, err := store.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if stored.Players["bot-1"].LastSpokeAt == nil || !stored.Players["bot-1"].LastSpokeAt.After(*session.Players["bot-1"].LastSpokeAt) {
		t.Fatal("expected the speaker's last utterance time to advance")
	}
	if stored.Players["alice"].LastMentionedAt == nil {
		t.Fatal("expected Alice to be marked as mentioned")
	}
	if stored.Playback == nil || stored.Playback.SpeakerID != "bot-1" {
		t.Fatalf("playback = %+v, want bot-1 speaking", stored.Playback)
	}
	if stored.Speaking.Held {
		t.Fatal("expected the speaking lease to be released")
	}
}

func TestPhaseEnteredOracleFailureReleasesLock(t *testing.T) {
	orc := &fakeOracle{decide: func(participantID string) (oracle.Decision, error) {
		return oracle.Decision{}, errors.New("oracle offline")
	}}
	trigger, store := newTestTrigger(t, orc)
	session := seedSession(t, store)

	if err := trigger.PhaseEntered(context.Background(), session); err != nil {
		t.Fatalf("phase entered: %v", err)
	}

	stored, err := store.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if stored.Speaking.Held {
		t.Fatal("expected the speaking lease released after oracle failure")
	}
	if stored.Playback != nil {
		t.Fatal("expected no playback lock after oracle failure")
	}
}

func TestPhaseEnteredSkipsWhenNobodyUrgent(t *testing.T) {
	orc := &fakeOracle{}
	trigger, store := newTestTrigger(t, orc)
	session := seedSession(t, store)

	// The bot just spoke, so its urgency stays under the threshold.
	now := time.Now().UTC()
	if _, err := store.UpdateSession(context.Background(), "s1", func(s *domain.Session) error {
		bot := s.Players["bot-1"]
		bot.LastSpokeAt = &now
		s.Players["bot-1"] = bot
		return nil
	}); err != nil {
		t.Fatalf("seed utterance: %v", err)
	}

	if err := trigger.PhaseEntered(context.Background(), session); err != nil {
		t.Fatalf("phase entered: %v", err)
	}
	if orc.calls != 0 {
		t.Fatalf("oracle calls = %d, want 0 when nobody is urgent", orc.calls)
	}
}

func TestPhaseEnteredRespectsActivePlayback(t *testing.T) {
	orc := &fakeOracle{}
	trigger, store := newTestTrigger(t, orc)
	session := seedSession(t, store)

	until := time.Now().UTC().Add(time.Minute)
	if _, err := store.UpdateSession(context.Background(), "s1", func(s *domain.Session) error {
		s.Playback = &domain.PlaybackLock{SpeakerID: "bot-1", Until: until}
		return nil
	}); err != nil {
		t.Fatalf("seed playback: %v", err)
	}

	if err := trigger.PhaseEntered(context.Background(), session); err != nil {
		t.Fatalf("phase entered: %v", err)
	}
	if orc.calls != 0 {
		t.Fatalf("oracle calls = %d, want 0 while audio is active", orc.calls)
	}
}

func TestPhaseEnteredNilOracle(t *testing.T) {
	trigger, store := newTestTrigger(t, nil)
	session := seedSession(t, store)

	if err := trigger.PhaseEntered(context.Background(), session); err != nil {
		t.Fatalf("phase entered: %v", err)
	}
}
