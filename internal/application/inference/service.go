// Package inference implements the per-upload analysis use case: resolve
// the epoch model for an incoming audio item, create the model record when
// it is missing, defer when it is not ready, and otherwise score the item
// and merge the detections.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tkuiper/audiofleet/internal/application"
	"github.com/tkuiper/audiofleet/internal/domain/audio"
	"github.com/tkuiper/audiofleet/internal/domain/blob"
	"github.com/tkuiper/audiofleet/internal/domain/models"
	"github.com/tkuiper/audiofleet/internal/domain/recorders"
)

// Outcome tells the bus handler what to do with the delivery.
type Outcome int

const (
	// OutcomeProcessed: detections merged, ack.
	OutcomeProcessed Outcome = iota
	// OutcomeSkipped: permanently excluded by policy, ack so the broker
	// stops redelivering.
	OutcomeSkipped
	// OutcomeDeferred: model not ready yet; leave unacked and rely on
	// redelivery plus the post-training fan-out.
	OutcomeDeferred
)

// Config carries the per-analysis knobs.
type Config struct {
	AnalysisID      string // e.g. anomaly-detection
	FeatureAnalysis string // prerequisite feature extraction, e.g. vggish
	FeatureFilename string
	ValidityDays    int
	WorkDir         string
}

// Service is designed to be used concurrently and is thread-safe as long as
// its ports are.
type Service struct {
	Audio     audio.Repository
	Models    models.Repository
	Recorders recorders.Repository
	Blobs     blob.Store
	Scorer    audio.Scorer
	Clock     application.Clock
	Cfg       Config

	log *slog.Logger
}

func NewService(audioRepo audio.Repository, modelRepo models.Repository, recorderRepo recorders.Repository, blobs blob.Store, scorer audio.Scorer, clock application.Clock, cfg Config) *Service {
	return &Service{
		Audio:     audioRepo,
		Models:    modelRepo,
		Recorders: recorderRepo,
		Blobs:     blobs,
		Scorer:    scorer,
		Clock:     clock,
		Cfg:       cfg,
		log:       slog.With("service", "inference", "analysis", cfg.AnalysisID),
	}
}

// HandleAudio processes one delivery from the inference topic. A returned
// error means the item should stay unacked so the broker retries it.
func (s *Service) HandleAudio(ctx context.Context, audioID string) (Outcome, error) {
	rec, err := s.Audio.Get(ctx, audio.RecordID(audioID))
	if err != nil {
		// includes not-found: ingestion may still be writing the record
		return OutcomeDeferred, fmt.Errorf("fetching audio %s: %w", audioID, err)
	}

	// feature extraction must have run first; redelivery will find it done
	if !rec.HasAnalysis(s.Cfg.FeatureAnalysis) {
		return OutcomeDeferred, fmt.Errorf("audio %s has not been processed by %s", audioID, s.Cfg.FeatureAnalysis)
	}

	device, err := s.Recorders.Get(ctx, rec.Project, rec.Recorder)
	if errors.Is(err, recorders.ErrNotFound) {
		s.log.Warn("recorder not registered, skipping", "audio", audioID, "recorder", rec.Recorder)
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeDeferred, fmt.Errorf("fetching recorder %s: %w", rec.Recorder, err)
	}
	if !device.Processable() {
		s.log.Warn("recorder disabled or without site, skipping", "audio", audioID, "recorder", rec.Recorder)
		return OutcomeSkipped, nil
	}

	model, err := s.EnsureModel(ctx, rec, device)
	switch {
	case errors.Is(err, models.ErrNotEnoughHistory):
		// recorder younger than one epoch: permanent for this upload
		s.log.Info("not enough history for a model, skipping", "audio", audioID, "recorder", rec.Recorder)
		return OutcomeSkipped, nil
	case errors.Is(err, models.ErrModelNotReady):
		s.log.Info("model not ready, deferring", "audio", audioID)
		return OutcomeDeferred, nil
	case err != nil:
		return OutcomeDeferred, err
	}

	if err := s.analyse(ctx, rec, model); err != nil {
		return OutcomeDeferred, err
	}
	return OutcomeProcessed, nil
}

// EnsureModel resolves the upload's epoch and returns its completed model
// record, creating the pending record (the training trigger) when no record
// exists yet.
func (s *Service) EnsureModel(ctx context.Context, rec *audio.Record, device *recorders.Recorder) (*models.Record, error) {
	epoch, err := models.ResolveEpoch(rec.Project, rec.Recorder, device.CreatedAt, rec.UploadedAt, s.Cfg.ValidityDays)
	if err != nil {
		return nil, err
	}

	model, err := s.Models.Get(ctx, models.RecordID(epoch.ID))
	if errors.Is(err, models.ErrNotFound) {
		created, err := s.Models.CreateIfAbsent(ctx, models.NewRecord(epoch, s.Clock.Now()))
		if err != nil {
			return nil, fmt.Errorf("creating model record %s: %w", epoch.ID, err)
		}
		if created {
			s.log.Info("model record created, deferring until trained",
				"model", epoch.ID, "recorder", rec.Recorder,
				"source_start", epoch.SourceStart, "source_end", epoch.SourceEnd)
		}
		return nil, models.ErrModelNotReady
	}
	if err != nil {
		return nil, fmt.Errorf("fetching model record %s: %w", epoch.ID, err)
	}

	if model.Status != models.StatusComplete {
		return nil, models.ErrModelNotReady
	}
	return model, nil
}

// analyse downloads the model and the feature artifact, scores the item and
// merges the detections into the audio record.
func (s *Service) analyse(ctx context.Context, rec *audio.Record, model *models.Record) error {
	modelPath, err := s.Blobs.Download(ctx,
		modelKey(model), filepath.Join(s.Cfg.WorkDir, "models", model.Filename))
	if err != nil {
		return err
	}

	featuresKey := fmt.Sprintf("artifacts/%s/%s/%s/%s",
		s.Cfg.FeatureAnalysis, rec.Project, rec.ID, s.Cfg.FeatureFilename)
	featuresPath, err := s.Blobs.Download(ctx,
		featuresKey, filepath.Join(s.Cfg.WorkDir, "features", fmt.Sprintf("%s_%s", rec.ID, s.Cfg.FeatureFilename)))
	if err != nil {
		return err
	}
	defer os.Remove(featuresPath)
	// model files are small and reused heavily, keep them on disk

	spans, err := s.Scorer.Score(ctx, modelPath, featuresPath)
	if err != nil {
		return fmt.Errorf("scoring audio %s: %w", rec.ID, err)
	}

	detections := audio.BuildDetections(s.Cfg.AnalysisID, spans)
	if err := s.Audio.ApplyDetections(ctx, rec.ID, s.Cfg.AnalysisID, detections); err != nil {
		return fmt.Errorf("merging detections for %s: %w", rec.ID, err)
	}

	s.log.Info("audio processed", "audio", rec.ID, "detections", len(detections))
	return nil
}

func modelKey(model *models.Record) string {
	return fmt.Sprintf("artifacts/gmm/%s/%s/%s", model.Project, model.Recorder, model.Filename)
}
