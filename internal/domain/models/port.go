package models

import (
	"context"
	"time"
)

// Repository port (interface untuk persistence). All Mark* operations are
// guarded writes: they update the row only when the current status allows
// the transition and return ErrStaleTransition otherwise, which is how
// duplicate job deliveries are shed without a lock service.
type Repository interface {
	Get(ctx context.Context, id RecordID) (*Record, error)

	// CreateIfAbsent inserts the pending record unless one already exists
	// for the same ID. Atomic in the store; returns created=false when the
	// record was already there.
	CreateIfAbsent(ctx context.Context, rec *Record) (created bool, err error)

	List(ctx context.Context, project, recorder string, status Status, limit int) ([]*Record, error)

	// ListStalled returns records sitting in status since before cutoff.
	ListStalled(ctx context.Context, status Status, cutoff time.Time) ([]*Record, error)

	// MarkQueued: pending|processing → queued, bumps attempts.
	MarkQueued(ctx context.Context, id RecordID, at time.Time) error
	// MarkProcessing: pending|queued → processing. This is the trainer's
	// optimistic claim, not a lease.
	MarkProcessing(ctx context.Context, id RecordID, at time.Time) error
	// MarkComplete: processing → complete, records the artifact location.
	MarkComplete(ctx context.Context, id RecordID, uri string, at time.Time) error
	// MarkFailed: pending|queued|processing → failed with the causing error.
	MarkFailed(ctx context.Context, id RecordID, errMsg string, at time.Time) error
	// MarkPending: failed → pending, the operator retry path.
	MarkPending(ctx context.Context, id RecordID) error
}

// Fitter port (interface untuk the external model-fitting tool)
type Fitter interface {
	// Fit trains a model from every feature artifact under featuresDir and
	// writes it to modelPath.
	Fit(ctx context.Context, featuresDir, modelPath string) error
}
