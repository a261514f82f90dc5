// Package training implements the model-training use case: claim a queued
// model record, fit the model from the window's feature artifacts, persist
// the artifact, and fan the held-back uploads back out to inference.
package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/tkuiper/audiofleet/internal/application"
	"github.com/tkuiper/audiofleet/internal/domain/audio"
	"github.com/tkuiper/audiofleet/internal/domain/blob"
	"github.com/tkuiper/audiofleet/internal/domain/bus"
	"github.com/tkuiper/audiofleet/internal/domain/models"
)

// Job is the training request as carried on the bus.
type Job struct {
	Request     string `json:"request"` // model record ID
	Project     string `json:"project"`
	Recorder    string `json:"recorder"`
	FromISODate string `json:"from_iso_date"`
	ToISODate   string `json:"to_iso_date"`
}

// ParseJob decodes a bus payload into a Job.
func ParseJob(payload []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(payload, &j); err != nil {
		return Job{}, fmt.Errorf("decoding training job: %w", err)
	}
	return j, nil
}

// Config carries the training knobs.
type Config struct {
	FeatureAnalysis string
	FeatureFilename string
	InferenceTopic  string
	WorkDir         string

	// FailOnMissingFeatures turns the warn-and-skip of uploads without
	// feature extraction into a hard failure.
	FailOnMissingFeatures bool
}

type Service struct {
	Audio  audio.Repository
	Models models.Repository
	Blobs  blob.Store
	Fitter models.Fitter
	Bus    bus.Publisher
	Clock  application.Clock
	Cfg    Config

	log *slog.Logger
}

func NewService(audioRepo audio.Repository, modelRepo models.Repository, blobs blob.Store, fitter models.Fitter, publisher bus.Publisher, clock application.Clock, cfg Config) *Service {
	return &Service{
		Audio:  audioRepo,
		Models: modelRepo,
		Blobs:  blobs,
		Fitter: fitter,
		Bus:    publisher,
		Clock:  clock,
		Cfg:    cfg,
		log:    slog.With("service", "training"),
	}
}

// HandleJob drives one training request through its lifecycle. A nil return
// means the delivery is finished, including the silent discard of stale or
// duplicate jobs.
func (s *Service) HandleJob(ctx context.Context, job Job) error {
	if job.Request == "" || job.Project == "" {
		s.log.Warn("job missing request or project, not processing")
		return nil
	}

	rec, err := s.Models.Get(ctx, models.RecordID(job.Request))
	if errors.Is(err, models.ErrNotFound) {
		s.log.Warn("request no longer present, not processing", "request", job.Request)
		return nil
	}
	if err != nil {
		return err
	}
	if !rec.Status.Claimable() {
		s.log.Info("request already advanced, not processing",
			"request", job.Request, "status", rec.Status)
		return nil
	}

	if err := s.Models.MarkProcessing(ctx, rec.ID, s.Clock.Now()); err != nil {
		if errors.Is(err, models.ErrStaleTransition) {
			// lost the claim to a concurrent run
			s.log.Info("request claimed elsewhere, not processing", "request", job.Request)
			return nil
		}
		return err
	}

	s.log.Info("training model",
		"request", job.Request, "project", job.Project, "recorder", job.Recorder,
		"from", job.FromISODate, "to", job.ToISODate)

	uri, err := s.train(ctx, rec)
	if err != nil {
		// the record must reach failed before the error is surfaced, so
		// the coordinator never sees a processing record nobody owns
		if markErr := s.Models.MarkFailed(ctx, rec.ID, err.Error(), s.Clock.Now()); markErr != nil {
			s.log.Error("failed to record training failure", "request", rec.ID, "error", markErr)
		}
		return err
	}

	if err := s.Models.MarkComplete(ctx, rec.ID, uri, s.Clock.Now()); err != nil {
		// completion write lost: the artifact exists but the record is
		// stuck; needs an operator, by design
		return &models.TrainingError{Stage: "persist", Err: err}
	}

	resubmitted, err := s.Resubmit(ctx, rec)
	if err != nil {
		return err
	}
	s.log.Info("training complete", "request", rec.ID, "uri", uri, "resubmitted", resubmitted)
	return nil
}

// train fetches the window's feature artifacts, fits the model and uploads
// it. Returns the artifact URI.
func (s *Service) train(ctx context.Context, rec *models.Record) (string, error) {
	workDir := filepath.Join(s.Cfg.WorkDir, "training", string(rec.ID))
	featuresDir := filepath.Join(workDir, "features")

	// always start from a clean slate, a previous attempt may have died here
	if err := os.RemoveAll(workDir); err != nil {
		return "", &models.TrainingError{Stage: "fetch", Err: err}
	}
	if err := os.MkdirAll(featuresDir, 0o755); err != nil {
		return "", &models.TrainingError{Stage: "fetch", Err: err}
	}
	defer os.RemoveAll(workDir)

	uploads, err := s.Audio.ListWindow(ctx, rec.Project, rec.Recorder, rec.SourceStart, rec.SourceEnd, false)
	if err != nil {
		return "", &models.TrainingError{Stage: "fetch", Err: err}
	}

	fetched := 0
	for _, u := range uploads {
		if !u.HasAnalysis(s.Cfg.FeatureAnalysis) {
			if s.Cfg.FailOnMissingFeatures {
				return "", &models.TrainingError{
					Stage: "fetch",
					Err:   fmt.Errorf("audio %s has no %s features", u.ID, s.Cfg.FeatureAnalysis),
				}
			}
			s.log.Warn("audio has not gone through feature extraction, excluding",
				"audio", u.ID, "feature_analysis", s.Cfg.FeatureAnalysis)
			continue
		}

		key := fmt.Sprintf("artifacts/%s/%s/%s/%s",
			s.Cfg.FeatureAnalysis, rec.Project, u.ID, s.Cfg.FeatureFilename)
		local := filepath.Join(featuresDir, fmt.Sprintf("%s_%s", u.ID, s.Cfg.FeatureFilename))
		if _, err := s.Blobs.Download(ctx, key, local); err != nil {
			return "", &models.TrainingError{Stage: "fetch", Err: err}
		}
		fetched++
	}
	if fetched == 0 {
		return "", &models.TrainingError{
			Stage: "fetch",
			Err:   fmt.Errorf("no feature artifacts in window %s..%s", rec.SourceStart, rec.SourceEnd),
		}
	}
	s.log.Info("feature artifacts downloaded", "request", rec.ID, "count", fetched)

	modelPath := filepath.Join(workDir, rec.Filename)
	if err := s.Fitter.Fit(ctx, featuresDir, modelPath); err != nil {
		return "", &models.TrainingError{Stage: "fit", Err: err}
	}

	key := fmt.Sprintf("artifacts/gmm/%s/%s/%s", rec.Project, rec.Recorder, rec.Filename)
	uri, err := s.Blobs.UploadAndCleanup(ctx, modelPath, key)
	if err != nil {
		return "", &models.TrainingError{Stage: "persist", Err: err}
	}
	return uri, nil
}

// Resubmit re-publishes every upload in the model's inference-valid window
// to the inference topic. Runs only after a completed training; duplicates
// on the inference side are harmless because the merge is idempotent.
func (s *Service) Resubmit(ctx context.Context, rec *models.Record) (int, error) {
	uploads, err := s.Audio.ListWindow(ctx, rec.Project, rec.Recorder,
		rec.InferenceValidStart, rec.InferenceValidEnd, true)
	if err != nil {
		return 0, err
	}
	s.log.Info("resubmitting held-back audio", "request", rec.ID, "count", len(uploads))

	var g errgroup.Group
	for _, u := range uploads {
		id := string(u.ID)
		uploadedAt := u.UploadedAt
		g.Go(func() error {
			if err := s.Bus.Publish(ctx, s.Cfg.InferenceTopic, []byte(id)); err != nil {
				// one lost resubmission must not block the rest; broker
				// redelivery of the original message still covers the item
				s.log.Error("failed to resubmit audio", "audio", id, "error", err)
				return nil
			}
			s.log.Debug("resubmitted", "audio", id, "uploaded_at", uploadedAt)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(uploads), nil
}
