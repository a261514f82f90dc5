package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkuiper/audiofleet/internal/domain/models"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fakeModelRepo struct {
	records map[models.RecordID]*models.Record
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
	return true, nil
}

func (f *fakeModelRepo) List(context.Context, string, string, models.Status, int) ([]*models.Record, error) {
	return nil, nil
}

func (f *fakeModelRepo) ListStalled(_ context.Context, status models.Status, cutoff time.Time) ([]*models.Record, error) {
	var out []*models.Record
	for _, rec := range f.records {
		if rec.Status != status {
			continue
		}
		since := rec.CreatedAt
		if status == models.StatusProcessing && rec.ProcessingAt != nil {
			since = *rec.ProcessingAt
		}
		if since.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeModelRepo) MarkQueued(_ context.Context, id models.RecordID, _ time.Time) error {
	if err := f.transition(id, models.StatusQueued); err != nil {
		return err
	}
	f.records[id].Attempts++
	return nil
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

type fakePublisher struct {
	published map[string][][]byte
}

func (f *fakePublisher) Publish(_ context.Context, topic string, payload []byte) error {
	if f.published == nil {
		f.published = map[string][][]byte{}
	}
	f.published[topic] = append(f.published[topic], payload)
	return nil
}

func utc(y int, m time.Month, d, h int) time.Time {
	return time.Date(y, m, d, h, 0, 0, 0, time.UTC)
}

func record(id string, status models.Status) *models.Record {
	return &models.Record{
		ID:          models.RecordID(id),
		Project:     "proj",
		Recorder:    "rec",
		SourceStart: utc(2024, time.January, 1, 0),
		SourceEnd:   utc(2024, time.January, 5, 23),
		Filename:    "rec_24-01-01_24-01-05_gmm_model.bin",
		Status:      status,
		CreatedAt:   utc(2024, time.January, 7, 0),
	}
}

func newFixture(now time.Time) (*Service, *fakeModelRepo, *fakePublisher) {
	repo := &fakeModelRepo{records: map[models.RecordID]*models.Record{}}
	publisher := &fakePublisher{}
	svc := NewService(repo, publisher, fakeClock{now: now}, Config{
		TrainingTopic:     "audiofleet/training",
		PendingAge:        2 * time.Hour,
		ProcessingTimeout: 8 * time.Hour,
		MaxAttempts:       6,
	})
	return svc, repo, publisher
}

func TestSweepQueuesSettledPendingRecords(t *testing.T) {
	svc, repo, publisher := newFixture(utc(2024, time.January, 7, 3))
	repo.records["m1"] = record("m1", models.StatusPending)

	require.NoError(t, svc.Sweep(context.Background()))

	rec := repo.records["m1"]
	assert.Equal(t, models.StatusQueued, rec.Status)
	assert.Equal(t, 1, rec.Attempts)

	jobs := publisher.published["audiofleet/training"]
	require.Len(t, jobs, 1)

	var job map[string]string
	require.NoError(t, json.Unmarshal(jobs[0], &job))
	assert.Equal(t, "m1", job["request"])
	assert.Equal(t, "proj", job["project"])
	assert.Equal(t, "rec", job["recorder"])
	assert.Equal(t, "2024-01-01T00:00:00Z", job["from_iso_date"])
	assert.Equal(t, "2024-01-05T23:00:00Z", job["to_iso_date"])
}

func TestSweepLeavesFreshPendingRecordsAlone(t *testing.T) {
	svc, repo, publisher := newFixture(utc(2024, time.January, 7, 1))
	repo.records["m1"] = record("m1", models.StatusPending)

	require.NoError(t, svc.Sweep(context.Background()))

	assert.Equal(t, models.StatusPending, repo.records["m1"].Status)
	assert.Empty(t, publisher.published)
}

func TestSweepRequeuesStalledProcessing(t *testing.T) {
	svc, repo, publisher := newFixture(utc(2024, time.January, 8, 0))
	rec := record("m1", models.StatusProcessing)
	rec.Attempts = 2
	at := utc(2024, time.January, 7, 2)
	rec.ProcessingAt = &at
	repo.records["m1"] = rec

	require.NoError(t, svc.Sweep(context.Background()))

	assert.Equal(t, models.StatusQueued, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
	assert.Len(t, publisher.published["audiofleet/training"], 1)
}

func TestSweepLeavesLiveProcessingAlone(t *testing.T) {
	svc, repo, publisher := newFixture(utc(2024, time.January, 7, 5))
	rec := record("m1", models.StatusProcessing)
	at := utc(2024, time.January, 7, 2)
	rec.ProcessingAt = &at
	repo.records["m1"] = rec

	require.NoError(t, svc.Sweep(context.Background()))

	assert.Equal(t, models.StatusProcessing, rec.Status)
	assert.Empty(t, publisher.published)
}

func TestSweepFailsExhaustedRecords(t *testing.T) {
	svc, repo, publisher := newFixture(utc(2024, time.January, 8, 0))
	rec := record("m1", models.StatusProcessing)
	rec.Attempts = 6
	at := utc(2024, time.January, 7, 2)
	rec.ProcessingAt = &at
	repo.records["m1"] = rec

	require.NoError(t, svc.Sweep(context.Background()))

	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "exhausted")
	assert.Empty(t, publisher.published)
}

func TestSweepHandlesMixedBatch(t *testing.T) {
	svc, repo, publisher := newFixture(utc(2024, time.January, 8, 0))
	repo.records["old"] = record("old", models.StatusPending)

	fresh := record("fresh", models.StatusPending)
	fresh.CreatedAt = utc(2024, time.January, 7, 23)
	repo.records["fresh"] = fresh

	repo.records["done"] = record("done", models.StatusComplete)

	require.NoError(t, svc.Sweep(context.Background()))

	assert.Equal(t, models.StatusQueued, repo.records["old"].Status)
	assert.Equal(t, models.StatusPending, repo.records["fresh"].Status)
	assert.Equal(t, models.StatusComplete, repo.records["done"].Status)
	assert.Len(t, publisher.published["audiofleet/training"], 1)
}
