// Package engine advances sessions through the phase graph.
//
// Advance is the single guarded mutation path for phase state: one atomic
// read-check-write against the session store, followed by idempotent,
// non-transactional side effects. Concurrent duplicate triggers are safe
// because the loser's expected-from check fails and it observes a no-op.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"time"

	"github.com/louisbranch/masquerade/internal/game/domain"
	"github.com/louisbranch/masquerade/internal/game/phase"
	"github.com/louisbranch/masquerade/internal/platform/random"
	"github.com/louisbranch/masquerade/internal/storage"
	"github.com/louisbranch/masquerade/internal/telemetry"
)

// Rejection codes surfaced by vote handling.
const (
	rejectionNotInVoting   = "NOT_IN_VOTING"
	rejectionUnknownVoter  = "UNKNOWN_VOTER"
	rejectionUnknownChoice = "UNKNOWN_CHOICE"
	rejectionSelfVote      = "SELF_VOTE"
)

// ErrInvalidReason indicates an unsupported transition reason.
var ErrInvalidReason = errors.New("transition reason is not supported")

// TurnScheduler is the slice of the turn scheduler the engine drives on
// phase entry and during expiry ticks.
type TurnScheduler interface {
	Initialize(ctx context.Context, sessionID string, rounds int) error
	DetectStall(ctx context.Context, sessionID string) error
}

// Notifier receives best-effort phase-entry notifications for autonomous
// participants. Failures are logged, never retried synchronously; the
// periodic tick is the safety net.
type Notifier interface {
	PhaseEntered(ctx context.Context, session domain.Session) error
}

// Config controls engine behavior.
type Config struct {
	// RoundsPerExploration is the per-participant action point budget for
	// each investigation phase.
	RoundsPerExploration int
}

func (c Config) normalized() Config {
	if c.RoundsPerExploration < 1 {
		c.RoundsPerExploration = 2
	}
	return c
}

// Engine performs guarded phase transitions against the session store.
type Engine struct {
	store     storage.SessionStore
	emitter   *telemetry.Emitter
	notifier  Notifier
	scheduler TurnScheduler
	cfg       Config
	clock     func() time.Time
	newRand   func() (*rand.Rand, error)
}

// New creates an Engine. The turn scheduler is attached afterwards with
// SetScheduler because the scheduler also calls back into the engine on
// queue completion.
func New(store storage.SessionStore, emitter *telemetry.Emitter, notifier Notifier, cfg Config) *Engine {
	return &Engine{
		store:    store,
		emitter:  emitter,
		notifier: notifier,
		cfg:      cfg.normalized(),
		clock:    time.Now,
		newRand:  seededRand,
	}
}

// SetScheduler attaches the turn scheduler used for exploration entry and
// stall detection.
func (e *Engine) SetScheduler(scheduler TurnScheduler) {
	e.scheduler = scheduler
}

func seededRand() (*rand.Rand, error) {
	seed, err := random.NewSeed()
	if err != nil {
		return nil, err
	}
	return rand.New(rand.NewSource(seed)), nil
}

// Advance moves the session to the next phase in the ledger graph.
//
// When expectedFrom is non-empty and no longer matches the stored phase the
// call is a no-op and returns ok=false: a concurrent trigger already
// handled the transition. A session in the terminal phase also reports
// ok=false; that is "game at rest", not an error.
func (e *Engine) Advance(ctx context.Context, sessionID string, reason domain.TransitionReason, triggeredBy string, expectedFrom phase.Phase) (phase.Phase, bool, error) {
	if !reason.IsValid() {
		return "", false, fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	}
	if expectedFrom != "" && !phase.Valid(expectedFrom) {
		return "", false, fmt.Errorf("expected phase %q is unknown", expectedFrom)
	}

	now := e.clock().UTC()
	var fromPhase phase.Phase

	updated, err := e.store.UpdateSession(ctx, sessionID, func(s *domain.Session) error {
		if expectedFrom != "" && s.Phase != expectedFrom {
			return storage.ErrNoChange
		}
		next, ok := phase.Next(s.Phase)
		if !ok {
			return storage.ErrNoChange
		}
		fromPhase = s.Phase

		if s.Phase == phase.Voting {
			if err := e.autoCastMissingVotes(s); err != nil {
				return err
			}
		}

		s.Phase = next
		if d, bounded := phase.Duration(next); bounded {
			deadline := now.Add(d)
			s.PhaseDeadline = &deadline
		} else {
			s.PhaseDeadline = nil
		}
		s.Capabilities = phase.CapabilitiesFor(next)
		s.Speaking.Release()
		if !phase.IsExploration(next) {
			s.Exploration = nil
		}
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNoChange) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("advance session %s: %w", sessionID, err)
	}

	e.recordTransition(ctx, domain.TransitionEvent{
		SessionID:   sessionID,
		FromPhase:   fromPhase,
		ToPhase:     updated.Phase,
		Reason:      reason,
		TriggeredBy: triggeredBy,
		Timestamp:   now,
	})
	e.runEntrySideEffects(ctx, updated)

	return updated.Phase, true, nil
}

// autoCastMissingVotes fills in a uniformly random vote (excluding self)
// for every participant who never voted, so the Voting exit is never
// blocked by an unresponsive participant.
func (e *Engine) autoCastMissingVotes(s *domain.Session) error {
	rng, err := e.newRand()
	if err != nil {
		return fmt.Errorf("seed auto-vote rng: %w", err)
	}
	if s.Votes == nil {
		s.Votes = map[string]string{}
	}

	voters := s.PlayerIDs()
	sort.Strings(voters)
	for _, voterID := range voters {
		if _, voted := s.Votes[voterID]; voted {
			continue
		}
		choices := make([]string, 0, len(voters)-1)
		for _, candidateID := range voters {
			if candidateID != voterID {
				choices = append(choices, candidateID)
			}
		}
		if len(choices) == 0 {
			continue
		}
		s.Votes[voterID] = choices[rng.Intn(len(choices))]
	}
	return nil
}

func (e *Engine) recordTransition(ctx context.Context, event domain.TransitionEvent) {
	if err := e.store.AppendTransitionEvent(ctx, event); err != nil {
		log.Printf("append transition event session_id=%s from=%s to=%s: %v", event.SessionID, event.FromPhase, event.ToPhase, err)
	}
	if err := e.emitter.Emit(ctx, storage.ActivityEntry{
		SessionID: event.SessionID,
		Severity:  storage.SeverityInfo,
		Message:   fmt.Sprintf("phase advanced from=%s to=%s reason=%s triggered_by=%s", event.FromPhase, event.ToPhase, event.Reason, event.TriggeredBy),
		Timestamp: event.Timestamp,
	}); err != nil {
		log.Printf("emit transition activity session_id=%s: %v", event.SessionID, err)
	}
}

// runEntrySideEffects fires the idempotent, best-effort effects of
// entering a phase. Correctness never depends on them completing; a missed
// effect is recovered by the periodic tick.
func (e *Engine) runEntrySideEffects(ctx context.Context, session domain.Session) {
	if phase.IsExploration(session.Phase) && e.scheduler != nil {
		if err := e.scheduler.Initialize(ctx, session.ID, e.cfg.RoundsPerExploration); err != nil {
			log.Printf("initialize turn queue session_id=%s phase=%s: %v", session.ID, session.Phase, err)
		}
	}

	if (phase.IsDiscussion(session.Phase) || session.Phase == phase.Voting) && e.notifier != nil {
		notifier := e.notifier
		go func() {
			notifyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := notifier.PhaseEntered(notifyCtx, session); err != nil {
				log.Printf("notify phase entered session_id=%s phase=%s: %v", session.ID, session.Phase, err)
			}
		}()
	}
}

// TimerStatus reports the remaining time in the current phase.
type TimerStatus struct {
	RemainingSeconds int
	Active           bool
}

// TimerStatus returns the phase timer state. Unbounded phases report
// Active=false.
func (e *Engine) TimerStatus(ctx context.Context, sessionID string) (TimerStatus, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return TimerStatus{}, fmt.Errorf("timer status %s: %w", sessionID, err)
	}
	return e.timerStatus(session), nil
}

func (e *Engine) timerStatus(session domain.Session) TimerStatus {
	if session.PhaseDeadline == nil {
		return TimerStatus{}
	}
	remaining := session.PhaseDeadline.Sub(e.clock().UTC())
	if remaining < 0 {
		remaining = 0
	}
	return TimerStatus{
		RemainingSeconds: int(remaining / time.Second),
		Active:           true,
	}
}

// CheckExpiry advances the session when its phase deadline has passed and
// delegates stall detection while an investigation phase is running. It is
// the system's only clock; a periodic caller must invoke it for every
// session in play.
func (e *Engine) CheckExpiry(ctx context.Context, sessionID string) (bool, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("check expiry %s: %w", sessionID, err)
	}
	if session.Paused {
		return false, nil
	}

	if session.PhaseDeadline != nil && !e.clock().UTC().Before(*session.PhaseDeadline) {
		_, transitioned, err := e.Advance(ctx, sessionID, domain.ReasonTimerExpired, "system", session.Phase)
		if err != nil {
			return false, err
		}
		if transitioned {
			return true, nil
		}
	}

	if phase.IsExploration(session.Phase) && e.scheduler != nil {
		// A nil exploration record means the entry side effect never landed;
		// Initialize is idempotent, so the tick retries it until it does.
		if session.Exploration == nil {
			if err := e.scheduler.Initialize(ctx, sessionID, e.cfg.RoundsPerExploration); err != nil {
				log.Printf("initialize turn queue session_id=%s phase=%s: %v", sessionID, session.Phase, err)
			}
		}
		if err := e.scheduler.DetectStall(ctx, sessionID); err != nil {
			log.Printf("detect stall session_id=%s: %v", sessionID, err)
		}
	}
	return false, nil
}

// VoteResult reports the outcome of a vote submission.
type VoteResult struct {
	Accepted bool
	Reason   string
}

// CastVote records an accusation vote during the Voting phase. Rejections
// carry a reason code and leave the document untouched.
func (e *Engine) CastVote(ctx context.Context, sessionID, voterID, choiceID string) (VoteResult, error) {
	now := e.clock().UTC()
	var result VoteResult

	_, err := e.store.UpdateSession(ctx, sessionID, func(s *domain.Session) error {
		if s.Phase != phase.Voting {
			result = VoteResult{Reason: rejectionNotInVoting}
			return storage.ErrNoChange
		}
		if _, ok := s.Player(voterID); !ok {
			result = VoteResult{Reason: rejectionUnknownVoter}
			return storage.ErrNoChange
		}
		if _, ok := s.Player(choiceID); !ok {
			result = VoteResult{Reason: rejectionUnknownChoice}
			return storage.ErrNoChange
		}
		if voterID == choiceID {
			result = VoteResult{Reason: rejectionSelfVote}
			return storage.ErrNoChange
		}
		if s.Votes == nil {
			s.Votes = map[string]string{}
		}
		s.Votes[voterID] = choiceID
		s.UpdatedAt = now
		result = VoteResult{Accepted: true}
		return nil
	})
	if err != nil && !errors.Is(err, storage.ErrNoChange) {
		return VoteResult{}, fmt.Errorf("cast vote %s: %w", sessionID, err)
	}
	return result, nil
}
