// Package telemetry records operational activity entries for sessions.
package telemetry

import (
	"context"
	"time"

	"github.com/louisbranch/masquerade/internal/storage"
)

// Emitter records operational activity events against the session store.
type Emitter struct {
	store storage.SessionStore
	clock func() time.Time
}

// NewEmitter creates a new activity emitter.
func NewEmitter(store storage.SessionStore) *Emitter {
	return &Emitter{store: store, clock: time.Now}
}

// Emit records an activity entry. It is a no-op when the store is nil.
func (e *Emitter) Emit(ctx context.Context, entry storage.ActivityEntry) error {
	if e == nil || e.store == nil {
		return nil
	}
	if entry.Timestamp.IsZero() {
		if e.clock == nil {
			entry.Timestamp = time.Now().UTC()
		} else {
			entry.Timestamp = e.clock().UTC()
		}
	}
	if entry.Severity == "" {
		entry.Severity = storage.SeverityInfo
	}
	return e.store.AppendActivity(ctx, entry)
}
