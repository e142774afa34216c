// Package scheduler runs round-robin turn-taking inside investigation
// phases: queue construction on phase entry, action point accounting,
// target claims, stall recovery, and oracle-driven turns for autonomous
// participants.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"time"

	"github.com/louisbranch/masquerade/internal/game/domain"
	"github.com/louisbranch/masquerade/internal/game/oracle"
	"github.com/louisbranch/masquerade/internal/game/phase"
	"github.com/louisbranch/masquerade/internal/platform/random"
	"github.com/louisbranch/masquerade/internal/storage"
	"github.com/louisbranch/masquerade/internal/telemetry"
)

// Rejection codes surfaced by turn handling.
const (
	RejectionNotInExploration = "NOT_IN_EXPLORATION"
	RejectionNotActiveActor   = "NOT_ACTIVE_ACTOR"
	RejectionNoActionPoints   = "NO_ACTION_POINTS"
	RejectionUnknownTarget    = "UNKNOWN_TARGET"
	RejectionTargetClaimed    = "TARGET_CLAIMED"
)

// Advancer is the slice of the transition engine the scheduler calls when
// the turn queue drains.
type Advancer interface {
	Advance(ctx context.Context, sessionID string, reason domain.TransitionReason, triggeredBy string, expectedFrom phase.Phase) (phase.Phase, bool, error)
}

// Config controls stall thresholds and oracle patience.
type Config struct {
	// AutonomousStallAfter is how long an autonomous participant may hold
	// the active turn before its decision is re-triggered.
	AutonomousStallAfter time.Duration
	// HumanStallAfter is how long a human participant may hold the active
	// turn before the turn is skipped on their behalf.
	HumanStallAfter time.Duration
	// DecisionTimeout bounds one oracle call.
	DecisionTimeout time.Duration
}

func (c Config) normalized() Config {
	if c.AutonomousStallAfter <= 0 {
		c.AutonomousStallAfter = 20 * time.Second
	}
	if c.HumanStallAfter <= 0 {
		c.HumanStallAfter = 2 * time.Minute
	}
	if c.DecisionTimeout <= 0 {
		c.DecisionTimeout = 15 * time.Second
	}
	return c
}

// Scheduler owns turn-taking state inside investigation phases.
type Scheduler struct {
	store    storage.SessionStore
	emitter  *telemetry.Emitter
	oracle   oracle.Oracle
	advancer Advancer
	cfg      Config
	clock    func() time.Time
	newRand  func() (*rand.Rand, error)

	// async controls whether autonomous turns are triggered on a goroutine.
	// Tests flip it off to drive decisions synchronously.
	async bool
}

// New creates a Scheduler. The oracle may be nil; autonomous turns then
// fall back to a random unclaimed target immediately.
func New(store storage.SessionStore, emitter *telemetry.Emitter, o oracle.Oracle, advancer Advancer, cfg Config) *Scheduler {
	return &Scheduler{
		store:    store,
		emitter:  emitter,
		oracle:   o,
		advancer: advancer,
		cfg:      cfg.normalized(),
		clock:    time.Now,
		newRand:  seededRand,
		async:    true,
	}
}

func seededRand() (*rand.Rand, error) {
	seed, err := random.NewSeed()
	if err != nil {
		return nil, err
	}
	return rand.New(rand.NewSource(seed)), nil
}

// Initialize builds the turn queue for an investigation phase that was just
// entered. It is idempotent: a session that already carries turn state for
// the current phase is left untouched.
func (s *Scheduler) Initialize(ctx context.Context, sessionID string, rounds int) error {
	now := s.clock().UTC()
	rng, err := s.newRand()
	if err != nil {
		return fmt.Errorf("seed turn queue rng: %w", err)
	}

	updated, err := s.store.UpdateSession(ctx, sessionID, func(session *domain.Session) error {
		if !phase.IsExploration(session.Phase) {
			return storage.ErrNoChange
		}
		if session.Exploration != nil {
			return storage.ErrNoChange
		}
		playerIDs := session.PlayerIDs()
		sort.Strings(playerIDs)
		state, err := domain.NewExplorationState(playerIDs, rounds, rng, now)
		if err != nil {
			return err
		}
		session.Exploration = state
		session.UpdatedAt = now
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("initialize turn queue %s: %w", sessionID, err)
	}

	s.maybeTriggerAutonomous(ctx, updated)
	return nil
}

// TurnResult reports the outcome of one turn submission.
type TurnResult struct {
	Accepted  bool
	Reason    string
	NextActor string
	Completed bool
}

// SubmitAction claims an investigation target for the active actor, spends
// one action point, and rotates the turn. When the last queued turn is
// consumed the session advances out of the phase.
func (s *Scheduler) SubmitAction(ctx context.Context, sessionID, actorID, targetID string) (TurnResult, error) {
	now := s.clock().UTC()
	var result TurnResult

	updated, err := s.store.UpdateSession(ctx, sessionID, func(session *domain.Session) error {
		if rejection := turnRejection(session, actorID); rejection != "" {
			result = TurnResult{Reason: rejection}
			return storage.ErrNoChange
		}
		if session.Exploration.ActionPoints[actorID] < 1 {
			result = TurnResult{Reason: RejectionNoActionPoints}
			return storage.ErrNoChange
		}
		if !containsTarget(session.Targets, targetID) {
			result = TurnResult{Reason: RejectionUnknownTarget}
			return storage.ErrNoChange
		}
		if _, claimed := session.Exploration.ClaimedBy(targetID); claimed {
			result = TurnResult{Reason: RejectionTargetClaimed}
			return storage.ErrNoChange
		}

		session.Exploration.Claims[targetID] = actorID
		session.Exploration.ActionPoints[actorID]--

		player := session.Players[actorID]
		clueAt := now
		player.LastClueAt = &clueAt
		player.UnsharedClues++
		session.Players[actorID] = player

		next := session.Exploration.AdvanceTurn(now)
		session.UpdatedAt = now
		result = TurnResult{
			Accepted:  true,
			NextActor: next,
			Completed: session.Exploration.Completed(),
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNoChange) {
			return result, nil
		}
		return TurnResult{}, fmt.Errorf("submit action %s: %w", sessionID, err)
	}

	s.emitTurn(ctx, sessionID, fmt.Sprintf("target claimed actor=%s target=%s next=%s", actorID, targetID, result.NextActor))
	s.afterTurn(ctx, updated, result)
	return result, nil
}

// Skip forfeits the active actor's turn without spending an action point or
// claiming a target.
func (s *Scheduler) Skip(ctx context.Context, sessionID, actorID string) (TurnResult, error) {
	now := s.clock().UTC()
	var result TurnResult

	updated, err := s.store.UpdateSession(ctx, sessionID, func(session *domain.Session) error {
		if rejection := turnRejection(session, actorID); rejection != "" {
			result = TurnResult{Reason: rejection}
			return storage.ErrNoChange
		}

		next := session.Exploration.AdvanceTurn(now)
		session.UpdatedAt = now
		result = TurnResult{
			Accepted:  true,
			NextActor: next,
			Completed: session.Exploration.Completed(),
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNoChange) {
			return result, nil
		}
		return TurnResult{}, fmt.Errorf("skip turn %s: %w", sessionID, err)
	}

	s.emitTurn(ctx, sessionID, fmt.Sprintf("turn skipped actor=%s next=%s", actorID, result.NextActor))
	s.afterTurn(ctx, updated, result)
	return result, nil
}

// turnRejection checks the guards shared by submit and skip. A missing
// action point rejects only submissions; skipping spends nothing.
func turnRejection(session *domain.Session, actorID string) string {
	if !phase.IsExploration(session.Phase) || session.Exploration == nil {
		return RejectionNotInExploration
	}
	if session.Exploration.ActiveActor != actorID {
		return RejectionNotActiveActor
	}
	return ""
}

func containsTarget(targets []string, targetID string) bool {
	for _, target := range targets {
		if target == targetID {
			return true
		}
	}
	return false
}

func (s *Scheduler) afterTurn(ctx context.Context, session domain.Session, result TurnResult) {
	if !result.Accepted {
		return
	}
	if result.Completed {
		if s.advancer == nil {
			return
		}
		if _, _, err := s.advancer.Advance(ctx, session.ID, domain.ReasonConditionMet, "system", session.Phase); err != nil {
			log.Printf("advance on drained turn queue session_id=%s: %v", session.ID, err)
		}
		return
	}
	s.maybeTriggerAutonomous(ctx, session)
}

// maybeTriggerAutonomous kicks off an oracle decision when the active turn
// belongs to an autonomous participant.
func (s *Scheduler) maybeTriggerAutonomous(ctx context.Context, session domain.Session) {
	if session.Exploration == nil || session.Exploration.ActiveActor == "" {
		return
	}
	actorID := session.Exploration.ActiveActor
	player, ok := session.Player(actorID)
	if !ok || !player.Autonomous {
		return
	}

	if !s.async {
		if err := s.RunDecision(ctx, session.ID, actorID); err != nil {
			log.Printf("autonomous turn session_id=%s actor=%s: %v", session.ID, actorID, err)
		}
		return
	}
	go func() {
		runCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DecisionTimeout+5*time.Second)
		defer cancel()
		if err := s.RunDecision(runCtx, session.ID, actorID); err != nil {
			log.Printf("autonomous turn session_id=%s actor=%s: %v", session.ID, actorID, err)
		}
	}()
}

// RunDecision asks the oracle for the autonomous actor's move and applies
// it. Oracle failure, timeout, or a rejected move degrades to a random
// unclaimed target, then to a skip. The actor never blocks the queue.
func (s *Scheduler) RunDecision(ctx context.Context, sessionID, actorID string) error {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("run decision %s: %w", sessionID, err)
	}
	if session.Exploration == nil || session.Exploration.ActiveActor != actorID {
		return nil
	}

	decision, err := s.decide(ctx, session, actorID)
	if err != nil {
		log.Printf("oracle decision session_id=%s actor=%s: %v", sessionID, actorID, err)
		decision = oracle.Decision{Kind: oracle.DecisionAbstain}
	}

	if decision.Kind == oracle.DecisionInvestigate && decision.TargetID != "" {
		result, err := s.SubmitAction(ctx, sessionID, actorID, decision.TargetID)
		if err != nil {
			return err
		}
		if result.Accepted || result.Reason == RejectionNotActiveActor || result.Reason == RejectionNotInExploration {
			return nil
		}
		// Stale or invalid target from the oracle; fall through to the
		// random fallback.
	}

	if target, ok := s.randomUnclaimedTarget(session); ok {
		result, err := s.SubmitAction(ctx, sessionID, actorID, target)
		if err != nil {
			return err
		}
		if result.Accepted || result.Reason == RejectionNotActiveActor || result.Reason == RejectionNotInExploration {
			return nil
		}
	}

	_, err = s.Skip(ctx, sessionID, actorID)
	return err
}

func (s *Scheduler) decide(ctx context.Context, session domain.Session, actorID string) (oracle.Decision, error) {
	if s.oracle == nil {
		return oracle.Decision{Kind: oracle.DecisionAbstain}, nil
	}
	deadlineSeconds := 0
	if session.PhaseDeadline != nil {
		if remaining := session.PhaseDeadline.Sub(s.clock().UTC()); remaining > 0 {
			deadlineSeconds = int(remaining / time.Second)
		}
	}
	perception := oracle.Perception{
		SessionID:        session.ID,
		Phase:            string(session.Phase),
		ActiveActor:      actorID,
		UnclaimedTargets: session.Exploration.Unclaimed(session.Targets),
		ActionPoints:     session.Exploration.ActionPoints[actorID],
		DeadlineSeconds:  deadlineSeconds,
	}

	decideCtx, cancel := context.WithTimeout(ctx, s.cfg.DecisionTimeout)
	defer cancel()
	return s.oracle.Decide(decideCtx, actorID, perception)
}

func (s *Scheduler) randomUnclaimedTarget(session domain.Session) (string, bool) {
	if session.Exploration == nil {
		return "", false
	}
	open := session.Exploration.Unclaimed(session.Targets)
	if len(open) == 0 {
		return "", false
	}
	rng, err := s.newRand()
	if err != nil {
		log.Printf("seed fallback rng session_id=%s: %v", session.ID, err)
		return open[0], true
	}
	return open[rng.Intn(len(open))], true
}

// DetectStall inspects the active turn's age and recovers a wedged queue.
// Autonomous actors get their decision re-triggered; humans who sat on the
// turn past the threshold are skipped.
func (s *Scheduler) DetectStall(ctx context.Context, sessionID string) error {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("detect stall %s: %w", sessionID, err)
	}
	if session.Paused || session.Exploration == nil || session.Exploration.ActiveActor == "" {
		return nil
	}

	actorID := session.Exploration.ActiveActor
	player, ok := session.Player(actorID)
	if !ok {
		return nil
	}
	age := s.clock().UTC().Sub(session.Exploration.TurnStartedAt)

	if player.Autonomous {
		if age <= s.cfg.AutonomousStallAfter {
			return nil
		}
		if err := s.refreshTurnStart(ctx, sessionID, actorID); err != nil {
			return err
		}
		s.emitStall(ctx, sessionID, fmt.Sprintf("stalled autonomous turn retriggered actor=%s", actorID))
		s.maybeTriggerAutonomous(ctx, session)
		return nil
	}

	if age <= s.cfg.HumanStallAfter {
		return nil
	}
	result, err := s.Skip(ctx, sessionID, actorID)
	if err != nil {
		return err
	}
	if result.Accepted {
		s.emitStall(ctx, sessionID, fmt.Sprintf("stalled human turn force-skipped actor=%s", actorID))
	}
	return nil
}

// refreshTurnStart resets the stall timer before a retrigger so one slow
// oracle call is not retried on every tick.
func (s *Scheduler) refreshTurnStart(ctx context.Context, sessionID, actorID string) error {
	now := s.clock().UTC()
	_, err := s.store.UpdateSession(ctx, sessionID, func(session *domain.Session) error {
		if session.Exploration == nil || session.Exploration.ActiveActor != actorID {
			return storage.ErrNoChange
		}
		session.Exploration.TurnStartedAt = now
		session.UpdatedAt = now
		return nil
	})
	if err != nil && !errors.Is(err, storage.ErrNoChange) {
		return fmt.Errorf("refresh turn start %s: %w", sessionID, err)
	}
	return nil
}

func (s *Scheduler) emitTurn(ctx context.Context, sessionID, message string) {
	if err := s.emitter.Emit(ctx, storage.ActivityEntry{
		SessionID: sessionID,
		Severity:  storage.SeverityInfo,
		Message:   message,
	}); err != nil {
		log.Printf("emit turn activity session_id=%s: %v", sessionID, err)
	}
}

func (s *Scheduler) emitStall(ctx context.Context, sessionID, message string) {
	if err := s.emitter.Emit(ctx, storage.ActivityEntry{
		SessionID: sessionID,
		Severity:  storage.SeverityWarn,
		Message:   message,
	}); err != nil {
		log.Printf("emit stall activity session_id=%s: %v", sessionID, err)
	}
}
