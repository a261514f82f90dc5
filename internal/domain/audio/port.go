package audio

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the requested audio record does not exist.
var ErrNotFound = errors.New("audio record not found")

// Repository port (interface untuk persistence)
type Repository interface {
	Get(ctx context.Context, id RecordID) (*Record, error)

	// ListWindow returns records for (project, recorder) whose upload time is
	// inside [from, to], ordered by upload time.
	ListWindow(ctx context.Context, project, recorder string, from, to time.Time, ascending bool) ([]*Record, error)

	// ApplyDetections merges the detections of one analysis run into the
	// record inside a single-row transaction so concurrent runs for
	// different analyses cannot clobber each other.
	ApplyDetections(ctx context.Context, id RecordID, analysisID string, detections []Detection) error

	// Summary counts records and detections for a project since N days ago.
	Summary(ctx context.Context, project string, sinceDays int) (records, withDetections, detections int, err error)
}

// Scorer port (interface untuk inference against a trained model)
type Scorer interface {
	Score(ctx context.Context, modelPath, featuresPath string) ([]ScoreSpan, error)
}
