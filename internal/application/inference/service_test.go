package inference

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkuiper/audiofleet/internal/domain/audio"
	"github.com/tkuiper/audiofleet/internal/domain/models"
	"github.com/tkuiper/audiofleet/internal/domain/recorders"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fakeAudioRepo struct {
	records map[audio.RecordID]*audio.Record
	applied int
}

func (f *fakeAudioRepo) Get(_ context.Context, id audio.RecordID) (*audio.Record, error) {
	if rec, ok := f.records[id]; ok {
		return rec, nil
	}
	return nil, audio.ErrNotFound
}

func (f *fakeAudioRepo) ListWindow(_ context.Context, project, recorder string, from, to time.Time, _ bool) ([]*audio.Record, error) {
	var out []*audio.Record
	for _, rec := range f.records {
		if rec.Project == project && rec.Recorder == recorder &&
			!rec.UploadedAt.Before(from) && !rec.UploadedAt.After(to) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeAudioRepo) ApplyDetections(_ context.Context, id audio.RecordID, analysisID string, dets []audio.Detection) error {
	rec, ok := f.records[id]
	if !ok {
		return audio.ErrNotFound
	}
	rec.AnalysesPerformed, _ = audio.MergeAnalyses(rec.AnalysesPerformed, analysisID)
	rec.Detections = audio.MergeDetections(rec.Detections, dets)
	rec.HasDetections = len(rec.Detections) > 0
	f.applied++
	return nil
}

func (f *fakeAudioRepo) Summary(context.Context, string, int) (int, int, int, error) {
	return 0, 0, 0, nil
}

type fakeModelRepo struct {
	records map[models.RecordID]*models.Record
	creates int
}

func (f *fakeModelRepo) Get(_ context.Context, id models.RecordID) (*models.Record, error) {
	if rec, ok := f.records[id]; ok {
		return rec, nil
	}
	return nil, models.ErrNotFound
}

func (f *fakeModelRepo) CreateIfAbsent(_ context.Context, rec *models.Record) (bool, error) {
	if _, ok := f.records[rec.ID]; ok {
		return false, nil
	}
	f.records[rec.ID] = rec
	f.creates++
	return true, nil
}

func (f *fakeModelRepo) List(context.Context, string, string, models.Status, int) ([]*models.Record, error) {
	return nil, nil
}

func (f *fakeModelRepo) ListStalled(context.Context, models.Status, time.Time) ([]*models.Record, error) {
	return nil, nil
}

func (f *fakeModelRepo) MarkQueued(_ context.Context, id models.RecordID, _ time.Time) error {
	return f.transition(id, models.StatusQueued)
}

func (f *fakeModelRepo) MarkProcessing(_ context.Context, id models.RecordID, at time.Time) error {
	if err := f.transition(id, models.StatusProcessing); err != nil {
		return err
	}
	f.records[id].ProcessingAt = &at
	return nil
}

func (f *fakeModelRepo) MarkComplete(_ context.Context, id models.RecordID, uri string, _ time.Time) error {
	if err := f.transition(id, models.StatusComplete); err != nil {
		return err
	}
	f.records[id].URI = uri
	return nil
}

func (f *fakeModelRepo) MarkFailed(_ context.Context, id models.RecordID, errMsg string, _ time.Time) error {
	if err := f.transition(id, models.StatusFailed); err != nil {
		return err
	}
	f.records[id].Error = errMsg
	return nil
}

func (f *fakeModelRepo) MarkPending(_ context.Context, id models.RecordID) error {
	return f.transition(id, models.StatusPending)
}

func (f *fakeModelRepo) transition(id models.RecordID, to models.Status) error {
	rec, ok := f.records[id]
	if !ok || !rec.Status.CanTransition(to) {
		return models.ErrStaleTransition
	}
	rec.Status = to
	return nil
}

type fakeRecorderRepo struct {
	records map[string]*recorders.Recorder
}

func (f *fakeRecorderRepo) Get(_ context.Context, project, id string) (*recorders.Recorder, error) {
	if rec, ok := f.records[project+"/"+id]; ok {
		return rec, nil
	}
	return nil, recorders.ErrNotFound
}

func (f *fakeRecorderRepo) List(context.Context, string) ([]*recorders.Recorder, error) {
	return nil, nil
}

type fakeBlobStore struct {
	downloads []string
}

func (f *fakeBlobStore) Download(_ context.Context, key, localPath string) (string, error) {
	f.downloads = append(f.downloads, key)
	return localPath, nil
}

func (f *fakeBlobStore) Upload(_ context.Context, _, key string) (string, error) {
	return "s3://test/" + key, nil
}

func (f *fakeBlobStore) UploadAndCleanup(_ context.Context, _, key string) (string, error) {
	return "s3://test/" + key, nil
}

type fakeScorer struct {
	spans []audio.ScoreSpan
	calls int
}

func (f *fakeScorer) Score(context.Context, string, string) ([]audio.ScoreSpan, error) {
	f.calls++
	return f.spans, nil
}

func utc(y int, m time.Month, d, h int) time.Time {
	return time.Date(y, m, d, h, 0, 0, 0, time.UTC)
}

type fixture struct {
	svc       *Service
	audioRepo *fakeAudioRepo
	modelRepo *fakeModelRepo
	scorer    *fakeScorer
}

func newFixture(t *testing.T, spans []audio.ScoreSpan) *fixture {
	t.Helper()

	audioRepo := &fakeAudioRepo{records: map[audio.RecordID]*audio.Record{
		"aud-1": {
			ID:                "aud-1",
			Project:           "proj",
			Recorder:          "rec",
			UploadedAt:        utc(2024, time.January, 7, 0),
			AnalysesPerformed: []string{"vggish"},
		},
	}}
	modelRepo := &fakeModelRepo{records: map[models.RecordID]*models.Record{}}
	recorderRepo := &fakeRecorderRepo{records: map[string]*recorders.Recorder{
		"proj/rec": {ID: "rec", Project: "proj", Site: "meadow", CreatedAt: utc(2024, time.January, 1, 0)},
	}}
	scorer := &fakeScorer{spans: spans}

	svc := NewService(audioRepo, modelRepo, recorderRepo, &fakeBlobStore{}, scorer,
		fakeClock{now: utc(2024, time.January, 7, 1)},
		Config{
			AnalysisID:      "anomaly-detection",
			FeatureAnalysis: "vggish",
			FeatureFilename: "feats.npy",
			ValidityDays:    5,
			WorkDir:         t.TempDir(),
		})

	return &fixture{svc: svc, audioRepo: audioRepo, modelRepo: modelRepo, scorer: scorer}
}

func (f *fixture) epochID(t *testing.T) models.RecordID {
	t.Helper()
	e, err := models.ResolveEpoch("proj", "rec", utc(2024, time.January, 1, 0), utc(2024, time.January, 7, 0), 5)
	require.NoError(t, err)
	return models.RecordID(e.ID)
}

func TestHandleAudioCreatesModelRecordAndDefers(t *testing.T) {
	f := newFixture(t, nil)

	outcome, err := f.svc.HandleAudio(context.Background(), "aud-1")

	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, outcome)

	rec, ok := f.modelRepo.records[f.epochID(t)]
	require.True(t, ok, "pending model record must have been created")
	assert.Equal(t, models.StatusPending, rec.Status)
	assert.Equal(t, utc(2024, time.January, 1, 0), rec.SourceStart)
	assert.Equal(t, utc(2024, time.January, 10, 23).Add(59*time.Minute+59*time.Second), rec.InferenceValidEnd)
	assert.Zero(t, f.scorer.calls)
}

func TestHandleAudioDefersWithoutDuplicateCreate(t *testing.T) {
	f := newFixture(t, nil)

	for i := 0; i < 3; i++ {
		outcome, err := f.svc.HandleAudio(context.Background(), "aud-1")
		require.NoError(t, err)
		assert.Equal(t, OutcomeDeferred, outcome)
	}

	assert.Equal(t, 1, f.modelRepo.creates)
}

func TestHandleAudioDefersWhileTraining(t *testing.T) {
	f := newFixture(t, nil)

	for _, status := range []models.Status{models.StatusQueued, models.StatusProcessing, models.StatusFailed} {
		f.modelRepo.records[f.epochID(t)] = &models.Record{ID: f.epochID(t), Status: status}

		outcome, err := f.svc.HandleAudio(context.Background(), "aud-1")
		require.NoError(t, err)
		assert.Equal(t, OutcomeDeferred, outcome, "status %s", status)
	}
	assert.Zero(t, f.scorer.calls)
}

func TestHandleAudioProcessesWithCompleteModel(t *testing.T) {
	f := newFixture(t, []audio.ScoreSpan{{Start: 0.96, End: 2.88, Confidence: 14.2, Threshold: 11.0}})
	f.modelRepo.records[f.epochID(t)] = &models.Record{
		ID: f.epochID(t), Project: "proj", Recorder: "rec",
		Status: models.StatusComplete, Filename: "m.bin", URI: "s3://test/m.bin",
	}

	outcome, err := f.svc.HandleAudio(context.Background(), "aud-1")

	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)
	assert.Equal(t, 1, f.scorer.calls)

	rec := f.audioRepo.records["aud-1"]
	require.Len(t, rec.Detections, 1)
	assert.True(t, rec.HasDetections)
	assert.Contains(t, rec.AnalysesPerformed, "anomaly-detection")
}

func TestHandleAudioRerunIsIdempotent(t *testing.T) {
	f := newFixture(t, []audio.ScoreSpan{{Start: 0.96, End: 2.88, Confidence: 14.2, Threshold: 11.0}})
	f.modelRepo.records[f.epochID(t)] = &models.Record{
		ID: f.epochID(t), Project: "proj", Recorder: "rec",
		Status: models.StatusComplete, Filename: "m.bin",
	}

	_, err := f.svc.HandleAudio(context.Background(), "aud-1")
	require.NoError(t, err)
	first := append([]audio.Detection(nil), f.audioRepo.records["aud-1"].Detections...)

	_, err = f.svc.HandleAudio(context.Background(), "aud-1")
	require.NoError(t, err)

	assert.Equal(t, first, f.audioRepo.records["aud-1"].Detections)
	assert.Equal(t, 2, f.audioRepo.applied)
}

func TestHandleAudioSkipsYoungRecorder(t *testing.T) {
	f := newFixture(t, nil)
	f.audioRepo.records["aud-1"].UploadedAt = utc(2024, time.January, 3, 12)

	outcome, err := f.svc.HandleAudio(context.Background(), "aud-1")

	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Empty(t, f.modelRepo.records)
}

func TestHandleAudioErrorsWithoutFeatureExtraction(t *testing.T) {
	f := newFixture(t, nil)
	f.audioRepo.records["aud-1"].AnalysesPerformed = nil

	outcome, err := f.svc.HandleAudio(context.Background(), "aud-1")

	require.Error(t, err)
	assert.Equal(t, OutcomeDeferred, outcome)
}

func TestHandleAudioSkipsDisabledRecorder(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.Recorders.(*fakeRecorderRepo).records["proj/rec"].Disabled = true

	outcome, err := f.svc.HandleAudio(context.Background(), "aud-1")

	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
}
