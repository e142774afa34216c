// Package domain defines the session aggregate for a game instance.
//
// A Session is the single durable document all orchestration components
// mutate. Every mutating operation expresses its precondition against a
// snapshot of this aggregate and fails closed when the precondition is
// stale; the storage layer provides the atomic read-check-write primitive.
package domain
