// Package speech turns phase entry into autonomous utterances: it picks
// the most urgent speaker, takes the speaking lease, asks the oracle for
// content, and records the result behind a playback window.
package speech

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/louisbranch/masquerade/internal/game/arbiter"
	"github.com/louisbranch/masquerade/internal/game/domain"
	"github.com/louisbranch/masquerade/internal/game/oracle"
	"github.com/louisbranch/masquerade/internal/storage"
	"github.com/louisbranch/masquerade/internal/telemetry"
)

// Trigger produces at most one utterance per invocation. It satisfies the
// transition engine's notifier contract.
type Trigger struct {
	arbiter *arbiter.Arbiter
	oracle  oracle.Oracle
	emitter *telemetry.Emitter
	clock   func() time.Time
}

// NewTrigger creates a speech trigger. The oracle may be nil; the trigger
// then never produces utterances.
func NewTrigger(arb *arbiter.Arbiter, o oracle.Oracle, emitter *telemetry.Emitter) *Trigger {
	return &Trigger{
		arbiter: arb,
		oracle:  o,
		emitter: emitter,
		clock:   time.Now,
	}
}

// PhaseEntered runs one speaking attempt for the session. Every exit path
// releases the speaking lease; failure degrades to silence, never to a
// stuck lock.
func (t *Trigger) PhaseEntered(ctx context.Context, session domain.Session) error {
	if t.oracle == nil {
		return nil
	}

	candidate, ok, err := t.arbiter.Select(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("select speaker %s: %w", session.ID, err)
	}
	if !ok {
		return nil
	}

	if active, err := t.arbiter.PlaybackActive(ctx, session.ID); err != nil {
		return fmt.Errorf("playback status %s: %w", session.ID, err)
	} else if active {
		return nil
	}

	acquired, err := t.arbiter.AcquireSpeakingLock(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("acquire speaking lock %s: %w", session.ID, err)
	}
	if !acquired.Acquired {
		return nil
	}
	defer func() {
		if err := t.arbiter.ReleaseSpeakingLock(ctx, session.ID); err != nil {
			log.Printf("release speaking lock session_id=%s: %v", session.ID, err)
		}
	}()

	deadlineSeconds := 0
	if session.PhaseDeadline != nil {
		if remaining := session.PhaseDeadline.Sub(t.clock().UTC()); remaining > 0 {
			deadlineSeconds = int(remaining / time.Second)
		}
	}
	decision, err := t.oracle.Decide(ctx, candidate.ParticipantID, oracle.Perception{
		SessionID:       session.ID,
		Phase:           string(session.Phase),
		ActiveActor:     candidate.ParticipantID,
		DeadlineSeconds: deadlineSeconds,
	})
	if err != nil {
		log.Printf("oracle utterance session_id=%s speaker=%s: %v", session.ID, candidate.ParticipantID, err)
		return nil
	}
	if decision.Kind != oracle.DecisionSpeak || strings.TrimSpace(decision.Content) == "" {
		return nil
	}

	mentioned := mentionedPlayers(session, candidate.ParticipantID, decision.Content)
	if err := t.arbiter.RecordUtterance(ctx, session.ID, candidate.ParticipantID, mentioned); err != nil {
		return fmt.Errorf("record utterance %s: %w", session.ID, err)
	}
	if _, err := t.arbiter.SetPlaybackLock(ctx, session.ID, candidate.ParticipantID, len([]rune(decision.Content))); err != nil {
		return fmt.Errorf("set playback lock %s: %w", session.ID, err)
	}

	if err := t.emitter.Emit(ctx, storage.ActivityEntry{
		SessionID: session.ID,
		Severity:  storage.SeverityInfo,
		Message:   fmt.Sprintf("utterance produced speaker=%s length=%d", candidate.ParticipantID, len(decision.Content)),
	}); err != nil {
		log.Printf("emit utterance activity session_id=%s: %v", session.ID, err)
	}
	return nil
}

// mentionedPlayers finds participants referenced by name in the utterance.
func mentionedPlayers(session domain.Session, speakerID, content string) []string {
	lowered := strings.ToLower(content)
	mentioned := make([]string, 0, len(session.Players))
	for playerID, player := range session.Players {
		if playerID == speakerID || player.Name == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(player.Name)) {
			mentioned = append(mentioned, playerID)
		}
	}
	return mentioned
}
