package domain

import "time"

// SpeakingLock is the session-wide exclusion flag for "an autonomous
// participant is currently producing an utterance". It is a lease, not a
// mutex: holders run as independent request executions with no durable
// heartbeat, so an expired lease may be reclaimed by any caller.
type SpeakingLock struct {
	Held     bool       `json:"held"`
	LockedAt *time.Time `json:"locked_at,omitempty"`
}

// Acquire marks the lock held at now. Held and LockedAt are always set
// together.
func (l *SpeakingLock) Acquire(now time.Time) {
	at := now.UTC()
	l.Held = true
	l.LockedAt = &at
}

// Release clears the lock unconditionally.
func (l *SpeakingLock) Release() {
	l.Held = false
	l.LockedAt = nil
}

// Expired reports whether a held lock's lease age exceeds timeout at now.
func (l SpeakingLock) Expired(now time.Time, timeout time.Duration) bool {
	if !l.Held || l.LockedAt == nil {
		return false
	}
	return now.Sub(*l.LockedAt) > timeout
}

// PlaybackLock records that audio for an utterance is still considered
// active. It is decoupled from the speaking computation lock so duplicate
// triggers observe "someone is still talking" after computation released.
type PlaybackLock struct {
	SpeakerID string    `json:"speaker_id"`
	Until     time.Time `json:"until"`
}

// Active reports whether playback is still running at now.
func (p *PlaybackLock) Active(now time.Time) bool {
	return p != nil && now.Before(p.Until)
}
