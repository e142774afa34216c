package domain

import (
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// ExplorationState is the transient turn-taking sub-record present if and
// only if the session is in an investigation phase. It is created on phase
// entry and discarded on exit.
type ExplorationState struct {
	// ActiveActor is the participant whose turn is open, or empty when the
	// queue is drained. It is always the head of Queue.
	ActiveActor string `json:"active_actor,omitempty"`
	// Queue is the ordered list of upcoming turns; the front acts next.
	Queue []string `json:"queue"`
	// ActionPoints maps participant id to remaining investigation budget.
	ActionPoints map[string]int `json:"action_points"`
	// Claims maps a claimed target to the participant that claimed it.
	Claims map[string]string `json:"claims"`
	// TurnStartedAt records when the current turn opened, for stall detection.
	TurnStartedAt time.Time `json:"turn_started_at"`
}

// NewExplorationState builds the turn state for an investigation phase.
//
// The queue repeats one random permutation of all participant ids rounds
// times. Keeping the same order every round is what makes the queue
// round-robin: no participant acts again until every other participant has
// acted, so no id repeats within any window of len(playerIDs) entries.
// Every participant starts with rounds action points.
func NewExplorationState(playerIDs []string, rounds int, rng *rand.Rand, now time.Time) (*ExplorationState, error) {
	if len(playerIDs) == 0 {
		return nil, ErrNoPlayers
	}
	if rounds < 1 {
		return nil, errors.New("round count must be at least 1")
	}
	if rng == nil {
		return nil, errors.New("random source is required")
	}

	order := make([]string, len(playerIDs))
	copy(order, playerIDs)
	rng.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})

	queue := make([]string, 0, len(order)*rounds)
	for round := 0; round < rounds; round++ {
		queue = append(queue, order...)
	}

	points := make(map[string]int, len(playerIDs))
	for _, playerID := range playerIDs {
		points[playerID] = rounds
	}

	return &ExplorationState{
		ActiveActor:   queue[0],
		Queue:         queue,
		ActionPoints:  points,
		Claims:        map[string]string{},
		TurnStartedAt: now.UTC(),
	}, nil
}

// AdvanceTurn pops the queue head and promotes the next participant.
// Returns the new active actor, or empty when the queue drained.
func (e *ExplorationState) AdvanceTurn(now time.Time) string {
	if len(e.Queue) > 0 {
		e.Queue = e.Queue[1:]
	}
	if len(e.Queue) == 0 {
		e.ActiveActor = ""
	} else {
		e.ActiveActor = e.Queue[0]
	}
	e.TurnStartedAt = now.UTC()
	return e.ActiveActor
}

// Completed reports whether every turn has been taken.
func (e *ExplorationState) Completed() bool {
	return len(e.Queue) == 0
}

// ClaimedBy returns the participant that claimed target, if any.
func (e *ExplorationState) ClaimedBy(target string) (string, bool) {
	actor, ok := e.Claims[target]
	return actor, ok
}

// Unclaimed returns the subset of targets not yet claimed, in input order.
func (e *ExplorationState) Unclaimed(targets []string) []string {
	open := make([]string, 0, len(targets))
	for _, target := range targets {
		if _, claimed := e.Claims[target]; !claimed {
			open = append(open, target)
		}
	}
	return open
}

func (e *ExplorationState) checkInvariants(s Session) error {
	if len(e.Queue) == 0 {
		if e.ActiveActor != "" {
			return errors.New("active actor set with empty queue")
		}
	} else if e.ActiveActor != e.Queue[0] {
		return fmt.Errorf("active actor %q is not the queue head %q", e.ActiveActor, e.Queue[0])
	}
	for playerID, points := range e.ActionPoints {
		if points < 0 {
			return fmt.Errorf("negative action points for %q", playerID)
		}
		if _, ok := s.Players[playerID]; !ok {
			return fmt.Errorf("action points for unknown player %q", playerID)
		}
	}
	for _, playerID := range e.Queue {
		if _, ok := s.Players[playerID]; !ok {
			return fmt.Errorf("queued turn for unknown player %q", playerID)
		}
	}
	return nil
}
