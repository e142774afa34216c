package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/masquerade/internal/game/phase"
	"github.com/louisbranch/masquerade/internal/platform/id"
)

var (
	// ErrEmptyName indicates a missing session name.
	ErrEmptyName = errors.New("session name is required")
	// ErrNoPlayers indicates a session was created without participants.
	ErrNoPlayers = errors.New("at least one player is required")
	// ErrUnknownPlayer indicates a participant id not present in the session.
	ErrUnknownPlayer = errors.New("player is not part of the session")
	// ErrDuplicatePlayer indicates a participant id used more than once.
	ErrDuplicatePlayer = errors.New("player id appears more than once")
)

// Session is the root aggregate for one game instance. It is created once
// at setup, mutated in place for its entire life, and only ever transitioned
// to the terminal phase, never deleted.
type Session struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	Phase         phase.Phase        `json:"phase"`
	PhaseDeadline *time.Time         `json:"phase_deadline,omitempty"`
	Paused        bool               `json:"paused"`
	Capabilities  phase.Capabilities `json:"capabilities"`
	Players       map[string]Player  `json:"players"`
	Targets       []string           `json:"targets,omitempty"`
	Exploration   *ExplorationState  `json:"exploration,omitempty"`
	Speaking      SpeakingLock       `json:"speaking"`
	Playback      *PlaybackLock      `json:"playback,omitempty"`
	Votes         map[string]string  `json:"votes,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Player is one participant in a session. Autonomous players act through
// the external decision oracle; the scoring fields feed speaking urgency.
type Player struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Autonomous      bool       `json:"autonomous"`
	Ready           bool       `json:"ready"`
	LastSpokeAt     *time.Time `json:"last_spoke_at,omitempty"`
	LastClueAt      *time.Time `json:"last_clue_at,omitempty"`
	LastMentionedAt *time.Time `json:"last_mentioned_at,omitempty"`
	UnsharedClues   int        `json:"unshared_clues"`
}

// CreateSessionInput describes the metadata needed to create a session.
type CreateSessionInput struct {
	Name    string
	Players []Player
	Targets []string
}

// CreateSession creates a new session with a generated ID and timestamps.
// The session starts in the setup phase with the ledger's capability flags.
func CreateSession(input CreateSessionInput, now func() time.Time, idGenerator func() (string, error)) (Session, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	normalized, err := NormalizeCreateSessionInput(input)
	if err != nil {
		return Session{}, err
	}

	sessionID, err := idGenerator()
	if err != nil {
		return Session{}, fmt.Errorf("generate session id: %w", err)
	}

	players := make(map[string]Player, len(normalized.Players))
	for _, player := range normalized.Players {
		players[player.ID] = player
	}

	createdAt := now().UTC()
	return Session{
		ID:           sessionID,
		Name:         normalized.Name,
		Phase:        phase.Setup,
		Capabilities: phase.CapabilitiesFor(phase.Setup),
		Players:      players,
		Targets:      normalized.Targets,
		Votes:        map[string]string{},
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}, nil
}

// NormalizeCreateSessionInput trims and validates session input metadata.
func NormalizeCreateSessionInput(input CreateSessionInput) (CreateSessionInput, error) {
	input.Name = strings.TrimSpace(input.Name)
	if input.Name == "" {
		return CreateSessionInput{}, ErrEmptyName
	}
	if len(input.Players) == 0 {
		return CreateSessionInput{}, ErrNoPlayers
	}

	seen := make(map[string]bool, len(input.Players))
	players := make([]Player, 0, len(input.Players))
	for _, player := range input.Players {
		player.ID = strings.TrimSpace(player.ID)
		if player.ID == "" {
			return CreateSessionInput{}, ErrUnknownPlayer
		}
		if seen[player.ID] {
			return CreateSessionInput{}, ErrDuplicatePlayer
		}
		seen[player.ID] = true
		player.Name = strings.TrimSpace(player.Name)
		if player.Name == "" {
			player.Name = player.ID
		}
		players = append(players, player)
	}
	input.Players = players

	targets := make([]string, 0, len(input.Targets))
	for _, target := range input.Targets {
		target = strings.TrimSpace(target)
		if target != "" {
			targets = append(targets, target)
		}
	}
	input.Targets = targets

	return input, nil
}

// Player returns the participant record for playerID.
func (s Session) Player(playerID string) (Player, bool) {
	player, ok := s.Players[playerID]
	return player, ok
}

// AutonomousPlayers returns every autonomous participant id.
func (s Session) AutonomousPlayers() []string {
	ids := make([]string, 0, len(s.Players))
	for playerID, player := range s.Players {
		if player.Autonomous {
			ids = append(ids, playerID)
		}
	}
	return ids
}

// PlayerIDs returns every participant id.
func (s Session) PlayerIDs() []string {
	ids := make([]string, 0, len(s.Players))
	for playerID := range s.Players {
		ids = append(ids, playerID)
	}
	return ids
}

// CheckInvariants verifies the structural invariants of the aggregate.
// Violations indicate a programming error, not a user input problem.
func (s Session) CheckInvariants() error {
	if phase.IsExploration(s.Phase) != (s.Exploration != nil) {
		return fmt.Errorf("exploration state presence mismatch in phase %q", s.Phase)
	}
	if s.Speaking.Held && s.Speaking.LockedAt == nil {
		return errors.New("speaking lock held without lock timestamp")
	}
	if !s.Speaking.Held && s.Speaking.LockedAt != nil {
		return errors.New("speaking lock timestamp without lock held")
	}
	if s.Exploration != nil {
		if err := s.Exploration.checkInvariants(s); err != nil {
			return err
		}
	}
	return nil
}
