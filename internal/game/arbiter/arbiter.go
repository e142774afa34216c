// Package arbiter decides which autonomous participant speaks next and
// serializes utterance production behind a lease-based speaking lock.
//
// The lock is a lease, not a mutex: holders are short-lived request
// executions with no heartbeat, so an expired lease is treated as
// abandoned and stolen by the next caller.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/louisbranch/masquerade/internal/game/domain"
	"github.com/louisbranch/masquerade/internal/storage"
	"github.com/louisbranch/masquerade/internal/telemetry"
)

// ReasonStaleLockReclaimed marks an acquisition that stole an expired lease.
const ReasonStaleLockReclaimed = "stale-lock-reclaimed"

// Scoring weights for speaking urgency. Scores are dimensionless; the
// threshold in Config gates selection.
const (
	silenceSaturation   = 5 * time.Minute
	silenceWeight       = 1.0
	freshClueWindow     = 2 * time.Minute
	freshClueWeight     = 0.75
	mentionWindow       = 2 * time.Minute
	mentionWeight       = 0.5
	urgencyWindow       = 60 * time.Second
	urgencyWeight       = 0.5
	unsharedClueWeight  = 0.15
	unsharedClueCeiling = 0.6
)

// Config controls lease and playback timing.
type Config struct {
	// LeaseTimeout is how long a speaking lock may be held before any
	// caller may reclaim it.
	LeaseTimeout time.Duration
	// ScoreThreshold is the minimum urgency score a candidate needs to be
	// selected.
	ScoreThreshold float64
	// PlaybackPerRune converts utterance length into estimated audio time.
	PlaybackPerRune time.Duration
	// PlaybackMin and PlaybackMax clamp the playback estimate.
	PlaybackMin time.Duration
	PlaybackMax time.Duration
}

func (c Config) normalized() Config {
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 2 * time.Minute
	}
	if c.ScoreThreshold <= 0 {
		c.ScoreThreshold = 0.5
	}
	if c.PlaybackPerRune <= 0 {
		c.PlaybackPerRune = 50 * time.Millisecond
	}
	if c.PlaybackMin <= 0 {
		c.PlaybackMin = 2 * time.Second
	}
	if c.PlaybackMax <= 0 {
		c.PlaybackMax = 30 * time.Second
	}
	return c
}

// Arbiter owns the speaking lock, the playback lock, and urgency ranking.
type Arbiter struct {
	store   storage.SessionStore
	emitter *telemetry.Emitter
	cfg     Config
	clock   func() time.Time
}

// New creates an Arbiter.
func New(store storage.SessionStore, emitter *telemetry.Emitter, cfg Config) *Arbiter {
	return &Arbiter{
		store:   store,
		emitter: emitter,
		cfg:     cfg.normalized(),
		clock:   time.Now,
	}
}

// AcquireResult reports one lock acquisition attempt.
type AcquireResult struct {
	Acquired bool
	Reason   string
}

// AcquireSpeakingLock takes the speaking lease. A held lease older than
// the timeout is treated as abandoned and stolen.
func (a *Arbiter) AcquireSpeakingLock(ctx context.Context, sessionID string) (AcquireResult, error) {
	now := a.clock().UTC()
	var result AcquireResult

	_, err := a.store.UpdateSession(ctx, sessionID, func(s *domain.Session) error {
		if !s.Speaking.Held {
			s.Speaking.Acquire(now)
			s.UpdatedAt = now
			result = AcquireResult{Acquired: true}
			return nil
		}
		if s.Speaking.Expired(now, a.cfg.LeaseTimeout) {
			s.Speaking.Acquire(now)
			s.UpdatedAt = now
			result = AcquireResult{Acquired: true, Reason: ReasonStaleLockReclaimed}
			return nil
		}
		return storage.ErrNoChange
	})
	if err != nil {
		if errors.Is(err, storage.ErrNoChange) {
			return AcquireResult{}, nil
		}
		return AcquireResult{}, fmt.Errorf("acquire speaking lock %s: %w", sessionID, err)
	}

	if result.Reason == ReasonStaleLockReclaimed {
		if err := a.emitter.Emit(ctx, storage.ActivityEntry{
			SessionID: sessionID,
			Severity:  storage.SeverityWarn,
			Message:   "speaking lock reclaimed after lease expiry",
		}); err != nil {
			log.Printf("emit lock activity session_id=%s: %v", sessionID, err)
		}
	}
	return result, nil
}

// ReleaseSpeakingLock clears the speaking lease unconditionally. It must
// run on every exit path of a holder, including errors and rejections.
func (a *Arbiter) ReleaseSpeakingLock(ctx context.Context, sessionID string) error {
	now := a.clock().UTC()
	_, err := a.store.UpdateSession(ctx, sessionID, func(s *domain.Session) error {
		if !s.Speaking.Held {
			return storage.ErrNoChange
		}
		s.Speaking.Release()
		s.UpdatedAt = now
		return nil
	})
	if err != nil && !errors.Is(err, storage.ErrNoChange) {
		return fmt.Errorf("release speaking lock %s: %w", sessionID, err)
	}
	return nil
}

// Candidate is one ranked speaking candidate.
type Candidate struct {
	ParticipantID string
	Score         float64
}

// RankCandidates scores every autonomous participant's urgency to speak,
// highest first. Phases whose capability flags forbid autonomous triggers
// produce an empty ranking. Ties break by participant id.
func (a *Arbiter) RankCandidates(ctx context.Context, sessionID string) ([]Candidate, error) {
	session, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("rank candidates %s: %w", sessionID, err)
	}
	if !session.Capabilities.AllowAITrigger {
		return nil, nil
	}

	now := a.clock().UTC()
	candidates := make([]Candidate, 0, len(session.Players))
	for _, playerID := range session.AutonomousPlayers() {
		player := session.Players[playerID]
		candidates = append(candidates, Candidate{
			ParticipantID: playerID,
			Score:         a.score(player, session.PhaseDeadline, now),
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].ParticipantID < candidates[j].ParticipantID
	})
	return candidates, nil
}

// Select returns the highest-ranked candidate above the score threshold.
func (a *Arbiter) Select(ctx context.Context, sessionID string) (Candidate, bool, error) {
	candidates, err := a.RankCandidates(ctx, sessionID)
	if err != nil {
		return Candidate{}, false, err
	}
	if len(candidates) == 0 || candidates[0].Score < a.cfg.ScoreThreshold {
		return Candidate{}, false, nil
	}
	return candidates[0], true, nil
}

func (a *Arbiter) score(player domain.Player, deadline *time.Time, now time.Time) float64 {
	score := 0.0

	// Silence: the longer since the last utterance the stronger the pull,
	// saturating so one quiet participant does not dominate forever.
	silence := silenceSaturation
	if player.LastSpokeAt != nil {
		silence = now.Sub(*player.LastSpokeAt)
	}
	if silence > silenceSaturation {
		silence = silenceSaturation
	}
	if silence > 0 {
		score += silenceWeight * float64(silence) / float64(silenceSaturation)
	}

	if player.LastClueAt != nil {
		if age := now.Sub(*player.LastClueAt); age >= 0 && age < freshClueWindow {
			score += freshClueWeight * (1 - float64(age)/float64(freshClueWindow))
		}
	}

	if player.LastMentionedAt != nil {
		if age := now.Sub(*player.LastMentionedAt); age >= 0 && age < mentionWindow {
			score += mentionWeight * (1 - float64(age)/float64(mentionWindow))
		}
	}

	if deadline != nil {
		if remaining := deadline.Sub(now); remaining >= 0 && remaining < urgencyWindow {
			score += urgencyWeight * (1 - float64(remaining)/float64(urgencyWindow))
		}
	}

	unshared := unsharedClueWeight * float64(player.UnsharedClues)
	if unshared > unsharedClueCeiling {
		unshared = unsharedClueCeiling
	}
	score += unshared

	return score
}

// SetPlaybackLock records that a speaker's audio is active for an estimated
// duration derived from the utterance length. It outlives the speaking
// lease so duplicate triggers observe "someone is still talking".
func (a *Arbiter) SetPlaybackLock(ctx context.Context, sessionID, speakerID string, contentLength int) (time.Duration, error) {
	duration := a.cfg.PlaybackPerRune * time.Duration(contentLength)
	if duration < a.cfg.PlaybackMin {
		duration = a.cfg.PlaybackMin
	}
	if duration > a.cfg.PlaybackMax {
		duration = a.cfg.PlaybackMax
	}

	now := a.clock().UTC()
	until := now.Add(duration)
	_, err := a.store.UpdateSession(ctx, sessionID, func(s *domain.Session) error {
		if _, ok := s.Player(speakerID); !ok {
			return domain.ErrUnknownPlayer
		}
		s.Playback = &domain.PlaybackLock{SpeakerID: speakerID, Until: until}
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("set playback lock %s: %w", sessionID, err)
	}
	return duration, nil
}

// ClearPlaybackLock drops the playback marker.
func (a *Arbiter) ClearPlaybackLock(ctx context.Context, sessionID string) error {
	now := a.clock().UTC()
	_, err := a.store.UpdateSession(ctx, sessionID, func(s *domain.Session) error {
		if s.Playback == nil {
			return storage.ErrNoChange
		}
		s.Playback = nil
		s.UpdatedAt = now
		return nil
	})
	if err != nil && !errors.Is(err, storage.ErrNoChange) {
		return fmt.Errorf("clear playback lock %s: %w", sessionID, err)
	}
	return nil
}

// PlaybackActive reports whether an utterance is still considered audible.
func (a *Arbiter) PlaybackActive(ctx context.Context, sessionID string) (bool, error) {
	session, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("playback status %s: %w", sessionID, err)
	}
	return session.Playback.Active(a.clock().UTC()), nil
}

// RecordUtterance stamps the speaker's last-spoke time, resets their
// unshared clue count, and marks mentioned participants. Called by the
// holder after a successful speak, before releasing the lease.
func (a *Arbiter) RecordUtterance(ctx context.Context, sessionID, speakerID string, mentioned []string) error {
	now := a.clock().UTC()
	_, err := a.store.UpdateSession(ctx, sessionID, func(s *domain.Session) error {
		speaker, ok := s.Player(speakerID)
		if !ok {
			return domain.ErrUnknownPlayer
		}
		spokeAt := now
		speaker.LastSpokeAt = &spokeAt
		speaker.UnsharedClues = 0
		s.Players[speakerID] = speaker

		for _, mentionedID := range mentioned {
			player, ok := s.Player(mentionedID)
			if !ok {
				continue
			}
			mentionedAt := now
			player.LastMentionedAt = &mentionedAt
			s.Players[mentionedID] = player
		}
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("record utterance %s: %w", sessionID, err)
	}
	return nil
}
