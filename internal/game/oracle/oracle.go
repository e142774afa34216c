// Package oracle defines the contract for the external decision service
// that produces an autonomous participant's next move or utterance.
//
// The oracle's latency is unbounded and failure is expected; callers must
// fall back to a safe default (random target or skip) instead of stalling.
package oracle

import "context"

// DecisionKind identifies the kind of move an oracle produced.
type DecisionKind string

const (
	// DecisionInvestigate claims an investigation target.
	DecisionInvestigate DecisionKind = "investigate"
	// DecisionSpeak produces an utterance.
	DecisionSpeak DecisionKind = "speak"
	// DecisionAbstain declines to act this turn.
	DecisionAbstain DecisionKind = "abstain"
)

// Decision is one oracle response.
type Decision struct {
	Kind     DecisionKind
	TargetID string // set for investigate
	Content  string // set for speak
}

// Perception is the game state snapshot handed to the oracle.
type Perception struct {
	SessionID        string
	Phase            string
	ActiveActor      string
	UnclaimedTargets []string
	ActionPoints     int
	DeadlineSeconds  int
}

// Oracle produces the next decision for an autonomous participant.
type Oracle interface {
	Decide(ctx context.Context, participantID string, perception Perception) (Decision, error)
}
