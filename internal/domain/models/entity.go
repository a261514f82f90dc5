package models

import (
	"time"
)

// RecordID tipe untuk model records (md5 of project + epoch filename)
type RecordID string

// Status enum
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// transitions is the full set of legal moves. Anything else is rejected at
// the write boundary instead of trusting caller discipline.
var transitions = map[Status][]Status{
	StatusPending:    {StatusQueued},
	StatusQueued:     {StatusProcessing, StatusQueued},
	StatusProcessing: {StatusComplete, StatusFailed, StatusQueued},
	StatusComplete:   {},
	// failed → pending is the operator "try again" path
	StatusFailed: {StatusPending},
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends the lifecycle (absent operator action).
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Claimable reports whether a training job may take this record.
func (s Status) Claimable() bool {
	return s == StatusPending || s == StatusQueued
}

// Aggregate Root: Record — the coordination document for one (recorder,
// epoch) model. Created pending by the first inference worker that needs it;
// the dispatcher queues it; the trainer drives it to complete or failed.
type Record struct {
	ID       RecordID `json:"id"`
	Project  string   `json:"project"`
	Recorder string   `json:"recorder"`

	SourceStart         time.Time `json:"source_start"`
	SourceEnd           time.Time `json:"source_end"`
	InferenceValidStart time.Time `json:"inference_valid_start"`
	InferenceValidEnd   time.Time `json:"inference_valid_end"`

	Filename string `json:"filename"`
	URI      string `json:"uri,omitempty"`

	Status   Status `json:"status"`
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"attempts"`

	CreatedAt    time.Time  `json:"created_at"`
	QueuedAt     *time.Time `json:"queued_at,omitempty"`
	ProcessingAt *time.Time `json:"processing_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	FailedAt     *time.Time `json:"failed_at,omitempty"`
}

// NewRecord builds the initial pending record for an epoch. The create is
// idempotent: every worker that resolves the same epoch builds an identical
// record, so whichever insert wins the store ends up in the same state.
func NewRecord(e Epoch, now time.Time) *Record {
	return &Record{
		ID:                  RecordID(e.ID),
		Project:             e.Project,
		Recorder:            e.Recorder,
		SourceStart:         e.SourceStart,
		SourceEnd:           e.SourceEnd,
		InferenceValidStart: e.InferenceValidStart,
		InferenceValidEnd:   e.InferenceValidEnd,
		Filename:            e.Filename,
		Status:              StatusPending,
		CreatedAt:           now,
	}
}
