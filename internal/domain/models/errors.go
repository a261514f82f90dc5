package models

import (
	"errors"
	"fmt"
)

// ErrModelNotReady means the epoch's model record exists but is not complete.
// Transient: the caller leaves the item unacked and relies on redelivery
// plus the post-training fan-out, never on a local retry loop.
var ErrModelNotReady = errors.New("model not ready")

// ErrNotFound is returned when a model record does not exist.
var ErrNotFound = errors.New("model record not found")

// ErrStaleTransition means a guarded status update matched no row: the
// record was already advanced by a concurrent run. Duplicate-delivery
// artifact, discarded silently.
var ErrStaleTransition = errors.New("model record already advanced")

// TrainingError carries which stage of a training run failed together with
// the original cause. The same text is persisted on the record so the
// failure stays visible to operators.
type TrainingError struct {
	Stage string // fetch | fit | persist
	Err   error
}

func (e *TrainingError) Error() string {
	return fmt.Sprintf("training %s: %v", e.Stage, e.Err)
}

func (e *TrainingError) Unwrap() error { return e.Err }
