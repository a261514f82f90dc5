// Package dispatch turns pending model records into training jobs and
// recovers jobs whose worker died mid-run. It replaces a scheduled cloud
// function: one sweep per interval, no state of its own beyond the records.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tkuiper/audiofleet/internal/application"
	"github.com/tkuiper/audiofleet/internal/domain/bus"
	"github.com/tkuiper/audiofleet/internal/domain/models"
)

// Config carries the sweep policy.
type Config struct {
	TrainingTopic string

	// PendingAge is how long a pending record must sit before a job is
	// queued, so backfilled audio can land in the source window first.
	PendingAge time.Duration

	// ProcessingTimeout is how long a processing record may run before it
	// is assumed dead and requeued.
	ProcessingTimeout time.Duration

	// MaxAttempts bounds requeues of a crashing job before it is failed.
	MaxAttempts int
}

type Service struct {
	Models models.Repository
	Bus    bus.Publisher
	Clock  application.Clock
	Cfg    Config

	log *slog.Logger
}

func NewService(modelRepo models.Repository, publisher bus.Publisher, clock application.Clock, cfg Config) *Service {
	return &Service{
		Models: modelRepo,
		Bus:    publisher,
		Clock:  clock,
		Cfg:    cfg,
		log:    slog.With("service", "dispatch"),
	}
}

// Run sweeps until ctx is cancelled.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.Sweep(ctx); err != nil {
			s.log.Error("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep runs one dispatch pass: queue settled pending records, recover
// stalled processing ones.
func (s *Service) Sweep(ctx context.Context) error {
	now := s.Clock.Now()

	pending, err := s.Models.ListStalled(ctx, models.StatusPending, now.Add(-s.Cfg.PendingAge))
	if err != nil {
		return fmt.Errorf("listing pending records: %w", err)
	}
	for _, rec := range pending {
		if err := s.queue(ctx, rec); err != nil {
			s.log.Error("failed to queue training job", "request", rec.ID, "error", err)
		}
	}

	// workers ack training jobs on accept, so a crash mid-run leaves the
	// record parked in processing; requeue those here
	stalled, err := s.Models.ListStalled(ctx, models.StatusProcessing, now.Add(-s.Cfg.ProcessingTimeout))
	if err != nil {
		return fmt.Errorf("listing stalled records: %w", err)
	}
	for _, rec := range stalled {
		if rec.Attempts >= s.Cfg.MaxAttempts {
			s.log.Warn("training exhausted its attempts, failing",
				"request", rec.ID, "attempts", rec.Attempts)
			if err := s.Models.MarkFailed(ctx, rec.ID, "training attempts exhausted", now); err != nil {
				s.log.Error("failed to fail stalled record", "request", rec.ID, "error", err)
			}
			continue
		}
		if err := s.queue(ctx, rec); err != nil {
			s.log.Error("failed to requeue training job", "request", rec.ID, "error", err)
		}
	}
	return nil
}

// queue publishes the training job and marks the record queued. Publish
// goes first: a job published twice is shed by the trainer's status guard,
// a record queued without a job would sit forever.
func (s *Service) queue(ctx context.Context, rec *models.Record) error {
	payload, err := json.Marshal(map[string]string{
		"request":       string(rec.ID),
		"project":       rec.Project,
		"recorder":      rec.Recorder,
		"from_iso_date": rec.SourceStart.Format(time.RFC3339),
		"to_iso_date":   rec.SourceEnd.Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	if err := s.Bus.Publish(ctx, s.Cfg.TrainingTopic, payload); err != nil {
		return err
	}

	s.log.Info("training job queued",
		"request", rec.ID, "project", rec.Project, "recorder", rec.Recorder,
		"from", rec.SourceStart, "to", rec.SourceEnd, "attempt", rec.Attempts+1)

	return s.Models.MarkQueued(ctx, rec.ID, s.Clock.Now())
}
