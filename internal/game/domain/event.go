package domain

import (
	"time"

	"github.com/louisbranch/masquerade/internal/game/phase"
)

// TransitionReason identifies what triggered a phase transition.
type TransitionReason string

const (
	// ReasonManual records an explicit host or handler trigger.
	ReasonManual TransitionReason = "manual"
	// ReasonTimerExpired records a phase deadline firing.
	ReasonTimerExpired TransitionReason = "timer_expired"
	// ReasonConditionMet records a phase exit condition such as a drained
	// turn queue.
	ReasonConditionMet TransitionReason = "condition_met"
)

// IsValid reports whether the transition reason is supported.
func (r TransitionReason) IsValid() bool {
	switch r {
	case ReasonManual, ReasonTimerExpired, ReasonConditionMet:
		return true
	default:
		return false
	}
}

// TransitionEvent captures one immutable phase transition record.
type TransitionEvent struct {
	SessionID   string           `json:"session_id"`
	Seq         uint64           `json:"seq"`
	FromPhase   phase.Phase      `json:"from_phase"`
	ToPhase     phase.Phase      `json:"to_phase"`
	Reason      TransitionReason `json:"reason"`
	TriggeredBy string           `json:"triggered_by"`
	Timestamp   time.Time        `json:"timestamp"`
}
