package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/louisbranch/masquerade/internal/app"
	"github.com/louisbranch/masquerade/internal/game/domain"
	"github.com/louisbranch/masquerade/internal/game/phase"
)

// PlayerInput describes one participant in a session create request.
type PlayerInput struct {
	ID         string `json:"id" jsonschema:"participant identifier"`
	Name       string `json:"name,omitempty" jsonschema:"display name, defaults to the id"`
	Autonomous bool   `json:"autonomous,omitempty" jsonschema:"true for AI-driven participants"`
}

// SessionCreateInput is the input for creating a session.
type SessionCreateInput struct {
	Name    string        `json:"name" jsonschema:"session name"`
	Players []PlayerInput `json:"players" jsonschema:"participants, at least one"`
	Targets []string      `json:"targets,omitempty" jsonschema:"investigation targets available during exploration"`
}

// SessionCreateResult is the output for creating a session.
type SessionCreateResult struct {
	ID        string `json:"id" jsonschema:"session identifier"`
	Phase     string `json:"phase" jsonschema:"starting phase"`
	CreatedAt string `json:"created_at" jsonschema:"RFC3339 creation timestamp"`
}

func sessionCreateTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "session_create",
		Description: "Creates a new game session in the setup phase with the given participants and investigation targets.",
	}
}

func sessionCreateHandler(core *app.Core) mcp.ToolHandlerFor[SessionCreateInput, SessionCreateResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SessionCreateInput) (*mcp.CallToolResult, SessionCreateResult, error) {
		players := make([]domain.Player, 0, len(input.Players))
		for _, player := range input.Players {
			players = append(players, domain.Player{
				ID:         player.ID,
				Name:       player.Name,
				Autonomous: player.Autonomous,
			})
		}
		session, err := domain.CreateSession(domain.CreateSessionInput{
			Name:    input.Name,
			Players: players,
			Targets: input.Targets,
		}, nil, nil)
		if err != nil {
			return nil, SessionCreateResult{}, fmt.Errorf("create session: %w", err)
		}
		if err := core.Store.PutSession(ctx, session); err != nil {
			return nil, SessionCreateResult{}, fmt.Errorf("store session: %w", err)
		}
		return nil, SessionCreateResult{
			ID:        session.ID,
			Phase:     string(session.Phase),
			CreatedAt: session.CreatedAt.Format(time.RFC3339),
		}, nil
	}
}

// SessionAdvanceInput is the input for a manual phase advance.
type SessionAdvanceInput struct {
	SessionID    string `json:"session_id" jsonschema:"session identifier"`
	TriggeredBy  string `json:"triggered_by,omitempty" jsonschema:"who asked for the transition, defaults to host"`
	ExpectedFrom string `json:"expected_from,omitempty" jsonschema:"phase guard; the call is a no-op if the session already left this phase"`
}

// SessionAdvanceResult is the output of a phase advance.
type SessionAdvanceResult struct {
	Phase        string `json:"phase" jsonschema:"phase after the call"`
	Transitioned bool   `json:"transitioned" jsonschema:"false when a guard or terminal phase made the call a no-op"`
}

func sessionAdvanceTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "session_advance",
		Description: "Advances a session to the next phase. Stale expected_from guards and terminal sessions report transitioned=false instead of failing.",
	}
}

func sessionAdvanceHandler(core *app.Core) mcp.ToolHandlerFor[SessionAdvanceInput, SessionAdvanceResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SessionAdvanceInput) (*mcp.CallToolResult, SessionAdvanceResult, error) {
		triggeredBy := input.TriggeredBy
		if triggeredBy == "" {
			triggeredBy = "host"
		}
		next, transitioned, err := core.Engine.Advance(ctx, input.SessionID, domain.ReasonManual, triggeredBy, phase.Phase(input.ExpectedFrom))
		if err != nil {
			return nil, SessionAdvanceResult{}, fmt.Errorf("advance session: %w", err)
		}
		if !transitioned {
			session, err := core.Store.GetSession(ctx, input.SessionID)
			if err != nil {
				return nil, SessionAdvanceResult{}, fmt.Errorf("load session: %w", err)
			}
			return nil, SessionAdvanceResult{Phase: string(session.Phase)}, nil
		}
		return nil, SessionAdvanceResult{Phase: string(next), Transitioned: true}, nil
	}
}

// SessionTimerInput is the input for a phase timer query.
type SessionTimerInput struct {
	SessionID string `json:"session_id" jsonschema:"session identifier"`
}

// SessionTimerResult is the output of a phase timer query.
type SessionTimerResult struct {
	RemainingSeconds int  `json:"remaining_seconds" jsonschema:"seconds until the phase deadline, 0 when expired"`
	Active           bool `json:"active" jsonschema:"false for unbounded phases"`
}

func sessionTimerTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "session_timer",
		Description: "Reports the remaining time in the session's current phase.",
	}
}

func sessionTimerHandler(core *app.Core) mcp.ToolHandlerFor[SessionTimerInput, SessionTimerResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SessionTimerInput) (*mcp.CallToolResult, SessionTimerResult, error) {
		status, err := core.Engine.TimerStatus(ctx, input.SessionID)
		if err != nil {
			return nil, SessionTimerResult{}, fmt.Errorf("timer status: %w", err)
		}
		return nil, SessionTimerResult{
			RemainingSeconds: status.RemainingSeconds,
			Active:           status.Active,
		}, nil
	}
}

// SessionVoteInput is the input for casting an accusation vote.
type SessionVoteInput struct {
	SessionID string `json:"session_id" jsonschema:"session identifier"`
	VoterID   string `json:"voter_id" jsonschema:"voting participant"`
	ChoiceID  string `json:"choice_id" jsonschema:"accused participant"`
}

// SessionVoteResult is the output of a vote submission.
type SessionVoteResult struct {
	Accepted bool   `json:"accepted" jsonschema:"whether the vote was recorded"`
	Reason   string `json:"reason,omitempty" jsonschema:"rejection code when not accepted"`
}

func sessionVoteTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "session_vote",
		Description: "Casts an accusation vote during the voting phase. Rejections return a reason code without mutating the session.",
	}
}

func sessionVoteHandler(core *app.Core) mcp.ToolHandlerFor[SessionVoteInput, SessionVoteResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SessionVoteInput) (*mcp.CallToolResult, SessionVoteResult, error) {
		result, err := core.Engine.CastVote(ctx, input.SessionID, input.VoterID, input.ChoiceID)
		if err != nil {
			return nil, SessionVoteResult{}, fmt.Errorf("cast vote: %w", err)
		}
		return nil, SessionVoteResult{Accepted: result.Accepted, Reason: result.Reason}, nil
	}
}

// ExplorationActionInput is the input for claiming an investigation target.
type ExplorationActionInput struct {
	SessionID string `json:"session_id" jsonschema:"session identifier"`
	ActorID   string `json:"actor_id" jsonschema:"acting participant; must hold the active turn"`
	TargetID  string `json:"target_id" jsonschema:"investigation target to claim"`
}

// ExplorationTurnResult is the output of a turn submission or skip.
type ExplorationTurnResult struct {
	Accepted  bool   `json:"accepted" jsonschema:"whether the turn was consumed"`
	Reason    string `json:"reason,omitempty" jsonschema:"rejection code when not accepted"`
	NextActor string `json:"next_actor,omitempty" jsonschema:"participant now holding the turn, empty when the queue drained"`
	Completed bool   `json:"completed" jsonschema:"true when the turn queue drained and the phase exits"`
}

func explorationSubmitActionTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "exploration_submit_action",
		Description: "Claims an investigation target for the active actor, spends one action point, and rotates the turn queue.",
	}
}

func explorationSubmitActionHandler(core *app.Core) mcp.ToolHandlerFor[ExplorationActionInput, ExplorationTurnResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ExplorationActionInput) (*mcp.CallToolResult, ExplorationTurnResult, error) {
		result, err := core.Scheduler.SubmitAction(ctx, input.SessionID, input.ActorID, input.TargetID)
		if err != nil {
			return nil, ExplorationTurnResult{}, fmt.Errorf("submit action: %w", err)
		}
		return nil, ExplorationTurnResult{
			Accepted:  result.Accepted,
			Reason:    result.Reason,
			NextActor: result.NextActor,
			Completed: result.Completed,
		}, nil
	}
}

// ExplorationSkipInput is the input for forfeiting a turn.
type ExplorationSkipInput struct {
	SessionID string `json:"session_id" jsonschema:"session identifier"`
	ActorID   string `json:"actor_id" jsonschema:"acting participant; must hold the active turn"`
}

func explorationSkipTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "exploration_skip",
		Description: "Forfeits the active actor's turn without spending an action point or claiming a target.",
	}
}

func explorationSkipHandler(core *app.Core) mcp.ToolHandlerFor[ExplorationSkipInput, ExplorationTurnResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ExplorationSkipInput) (*mcp.CallToolResult, ExplorationTurnResult, error) {
		result, err := core.Scheduler.Skip(ctx, input.SessionID, input.ActorID)
		if err != nil {
			return nil, ExplorationTurnResult{}, fmt.Errorf("skip turn: %w", err)
		}
		return nil, ExplorationTurnResult{
			Accepted:  result.Accepted,
			Reason:    result.Reason,
			NextActor: result.NextActor,
			Completed: result.Completed,
		}, nil
	}
}

// SpeakingLockInput is the input for speaking lock operations.
type SpeakingLockInput struct {
	SessionID string `json:"session_id" jsonschema:"session identifier"`
}

// SpeakingAcquireResult is the output of a lock acquisition attempt.
type SpeakingAcquireResult struct {
	Acquired bool   `json:"acquired" jsonschema:"whether the lease was taken"`
	Reason   string `json:"reason,omitempty" jsonschema:"stale-lock-reclaimed when an expired lease was stolen"`
}

func speakingAcquireTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "speaking_acquire",
		Description: "Takes the session's speaking lease. An expired lease is treated as abandoned and stolen.",
	}
}

func speakingAcquireHandler(core *app.Core) mcp.ToolHandlerFor[SpeakingLockInput, SpeakingAcquireResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SpeakingLockInput) (*mcp.CallToolResult, SpeakingAcquireResult, error) {
		result, err := core.Arbiter.AcquireSpeakingLock(ctx, input.SessionID)
		if err != nil {
			return nil, SpeakingAcquireResult{}, fmt.Errorf("acquire speaking lock: %w", err)
		}
		return nil, SpeakingAcquireResult{Acquired: result.Acquired, Reason: result.Reason}, nil
	}
}

// SpeakingReleaseResult is the output of a lock release.
type SpeakingReleaseResult struct {
	Released bool `json:"released" jsonschema:"always true; release is unconditional"`
}

func speakingReleaseTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "speaking_release",
		Description: "Releases the session's speaking lease unconditionally.",
	}
}

func speakingReleaseHandler(core *app.Core) mcp.ToolHandlerFor[SpeakingLockInput, SpeakingReleaseResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SpeakingLockInput) (*mcp.CallToolResult, SpeakingReleaseResult, error) {
		if err := core.Arbiter.ReleaseSpeakingLock(ctx, input.SessionID); err != nil {
			return nil, SpeakingReleaseResult{}, fmt.Errorf("release speaking lock: %w", err)
		}
		return nil, SpeakingReleaseResult{Released: true}, nil
	}
}

// SpeakingCandidate is one ranked speaking candidate.
type SpeakingCandidate struct {
	ParticipantID string  `json:"participant_id" jsonschema:"autonomous participant"`
	Score         float64 `json:"score" jsonschema:"speaking urgency, higher is more urgent"`
}

// SpeakingRankResult is the output of a candidate ranking.
type SpeakingRankResult struct {
	Candidates []SpeakingCandidate `json:"candidates" jsonschema:"autonomous participants ordered by urgency, empty when the phase forbids autonomous triggers"`
}

func speakingRankTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "speaking_rank",
		Description: "Ranks autonomous participants by speaking urgency for the session's current phase.",
	}
}

func speakingRankHandler(core *app.Core) mcp.ToolHandlerFor[SpeakingLockInput, SpeakingRankResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SpeakingLockInput) (*mcp.CallToolResult, SpeakingRankResult, error) {
		candidates, err := core.Arbiter.RankCandidates(ctx, input.SessionID)
		if err != nil {
			return nil, SpeakingRankResult{}, fmt.Errorf("rank candidates: %w", err)
		}
		result := SpeakingRankResult{Candidates: make([]SpeakingCandidate, 0, len(candidates))}
		for _, candidate := range candidates {
			result.Candidates = append(result.Candidates, SpeakingCandidate{
				ParticipantID: candidate.ParticipantID,
				Score:         candidate.Score,
			})
		}
		return nil, SpeakingRankResult{Candidates: result.Candidates}, nil
	}
}
