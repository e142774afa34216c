// Package phase defines the canonical phase graph for a game session.
//
// The tables in this package are the single source of truth for phase
// ordering, per-phase durations, and per-phase capability flags. Other
// packages must consult them instead of duplicating the graph.
package phase

import "time"

// Phase is one stage in the fixed, directed sequence a session passes
// through exactly once.
type Phase string

const (
	// Setup covers initial session configuration before content exists.
	Setup Phase = "setup"
	// Generation covers scenario content preparation.
	Generation Phase = "generation"
	// Lobby waits for participants to join and ready up.
	Lobby Phase = "lobby"
	// Prologue plays the opening narration.
	Prologue Phase = "prologue"
	// Exploration1 is the first investigation phase.
	Exploration1 Phase = "exploration_1"
	// Discussion1 is the first open discussion phase.
	Discussion1 Phase = "discussion_1"
	// Exploration2 is the second investigation phase.
	Exploration2 Phase = "exploration_2"
	// Discussion2 is the second open discussion phase.
	Discussion2 Phase = "discussion_2"
	// Voting collects accusation votes from every participant.
	Voting Phase = "voting"
	// Ending plays the resolution reveal.
	Ending Phase = "ending"
	// Ended is the terminal phase.
	Ended Phase = "ended"
)

// Unbounded marks phases that have no deadline and only advance on an
// explicit trigger.
const Unbounded time.Duration = 0

// Capabilities are the per-phase interaction flags. They gate which
// trigger sources a phase accepts.
type Capabilities struct {
	AllowHumanInput bool `json:"allow_human_input"`
	AllowAITrigger  bool `json:"allow_ai_trigger"`
}

// ordered is the directed path every session follows. Each phase appears
// exactly once; there are no skips, cycles, or reverse edges.
var ordered = []Phase{
	Setup,
	Generation,
	Lobby,
	Prologue,
	Exploration1,
	Discussion1,
	Exploration2,
	Discussion2,
	Voting,
	Ending,
	Ended,
}

// durations holds the per-phase deadline budget. Unbounded phases wait for
// an explicit condition instead of the timer.
var durations = map[Phase]time.Duration{
	Setup:        Unbounded,
	Generation:   Unbounded,
	Lobby:        Unbounded,
	Prologue:     45 * time.Second,
	Exploration1: 5 * time.Minute,
	Discussion1:  6 * time.Minute,
	Exploration2: 5 * time.Minute,
	Discussion2:  6 * time.Minute,
	Voting:       90 * time.Second,
	Ending:       2 * time.Minute,
	Ended:        Unbounded,
}

// capabilities holds the per-phase interaction flags.
var capabilities = map[Phase]Capabilities{
	Setup:        {},
	Generation:   {},
	Lobby:        {AllowHumanInput: true},
	Prologue:     {},
	Exploration1: {AllowHumanInput: true, AllowAITrigger: true},
	Discussion1:  {AllowHumanInput: true, AllowAITrigger: true},
	Exploration2: {AllowHumanInput: true, AllowAITrigger: true},
	Discussion2:  {AllowHumanInput: true, AllowAITrigger: true},
	Voting:       {AllowHumanInput: true, AllowAITrigger: true},
	Ending:       {},
	Ended:        {},
}

// Next returns the phase that follows p along the graph. The second return
// is false when p is terminal or unknown.
func Next(p Phase) (Phase, bool) {
	for i, candidate := range ordered {
		if candidate != p {
			continue
		}
		if i == len(ordered)-1 {
			return "", false
		}
		return ordered[i+1], true
	}
	return "", false
}

// Duration returns the deadline budget for p. Unbounded phases report ok=false.
func Duration(p Phase) (time.Duration, bool) {
	d, known := durations[p]
	if !known || d == Unbounded {
		return 0, false
	}
	return d, true
}

// CapabilitiesFor returns the interaction flags for p.
func CapabilitiesFor(p Phase) Capabilities {
	return capabilities[p]
}

// Ordered returns the full phase path in order.
func Ordered() []Phase {
	path := make([]Phase, len(ordered))
	copy(path, ordered)
	return path
}

// Valid reports whether p is a known phase.
func Valid(p Phase) bool {
	_, known := durations[p]
	return known
}

// IsExploration reports whether p is an investigation phase governed by the
// turn scheduler.
func IsExploration(p Phase) bool {
	return p == Exploration1 || p == Exploration2
}

// IsDiscussion reports whether p is an open discussion phase.
func IsDiscussion(p Phase) bool {
	return p == Discussion1 || p == Discussion2
}

// IsTerminal reports whether p has no outgoing edge.
func IsTerminal(p Phase) bool {
	_, ok := Next(p)
	return !ok
}
