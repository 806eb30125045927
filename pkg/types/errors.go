package types

import "errors"

// Semantic failure classes. These are terminal for the caller: none of them
// is eligible for automatic retry, unlike transient backend faults which are
// surfaced as wrapped storage errors instead.
var (
	// ErrNotFound means a referenced cluster, topic, partition, group,
	// producer or transaction does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict means an optimistic-concurrency check failed (stale e_tag
	// on a group upsert, or a conflicting topic re-create). The caller must
	// re-read current state before retrying.
	ErrConflict = errors.New("conflict")

	// ErrFenced means the presented producer epoch is no longer current.
	// Permanent for that epoch; the producer must re-initialize.
	ErrFenced = errors.New("producer fenced")

	// ErrInvalidTransition means a transaction operation was attempted from
	// a state that forbids it.
	ErrInvalidTransition = errors.New("invalid transaction transition")
)
