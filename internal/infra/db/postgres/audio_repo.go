package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	domain "github.com/tkuiper/audiofleet/internal/domain/audio"
)

const mergeRetries = 3

type AudioRepository struct {
	db  *sql.DB
	log *slog.Logger
}

func NewAudioRepository(db *sql.DB) *AudioRepository {
	return &AudioRepository{db: db, log: slog.With("service", "postgres.audio")}
}

const audioCols = `id, project, recorder, site, created_at, uploaded_at, uri,
       analyses_performed, detections, has_detections`

// Get by ID
func (r *AudioRepository) Get(ctx context.Context, id domain.RecordID) (*domain.Record, error) {
	q := `SELECT ` + audioCols + ` FROM audio_records WHERE id=$1 LIMIT 1;`

	rec, err := scanAudio(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return rec, err
}

// ListWindow returns the records of one recorder inside [from, to].
func (r *AudioRepository) ListWindow(ctx context.Context, project, recorder string, from, to time.Time, ascending bool) ([]*domain.Record, error) {
	order := "DESC"
	if ascending {
		order = "ASC"
	}
	q := `SELECT ` + audioCols + `
FROM audio_records
WHERE project=$1 AND recorder=$2 AND uploaded_at >= $3 AND uploaded_at <= $4
ORDER BY uploaded_at ` + order + `;`

	rows, err := r.db.QueryContext(ctx, q, project, recorder, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Record
	for rows.Next() {
		rec, err := scanAudio(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ApplyDetections merges one analysis run into the record under a row lock,
// same contract as the mysql adapter.
func (r *AudioRepository) ApplyDetections(ctx context.Context, id domain.RecordID, analysisID string, detections []domain.Detection) error {
	var err error
	for attempt := 0; attempt < mergeRetries; attempt++ {
		err = r.applyOnce(ctx, id, analysisID, detections)
		if !retryable(err) {
			return err
		}
		r.log.Warn("merge contention, retrying", "audio", id, "attempt", attempt+1)
	}
	return err
}

func (r *AudioRepository) applyOnce(ctx context.Context, id domain.RecordID, analysisID string, detections []domain.Detection) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var performedRaw, detectionsRaw []byte
	err = tx.QueryRowContext(ctx,
		`SELECT analyses_performed, detections FROM audio_records WHERE id=$1 FOR UPDATE;`, id,
	).Scan(&performedRaw, &detectionsRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}

	var performed []string
	var existing []domain.Detection
	if err := json.Unmarshal(performedRaw, &performed); err != nil {
		return fmt.Errorf("decoding analyses_performed for %s: %w", id, err)
	}
	if err := json.Unmarshal(detectionsRaw, &existing); err != nil {
		return fmt.Errorf("decoding detections for %s: %w", id, err)
	}

	performed, duplicate := domain.MergeAnalyses(performed, analysisID)
	if duplicate {
		r.log.Warn("analysis was already completed", "analysis", analysisID, "audio", id)
	}
	merged := domain.MergeDetections(existing, detections)

	performedJSON, err := json.Marshal(performed)
	if err != nil {
		return err
	}
	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE audio_records SET analyses_performed=$1, detections=$2, has_detections=$3 WHERE id=$4;`,
		performedJSON, mergedJSON, len(merged) > 0, id,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Summary counts records and detections for a project since N days back.
func (r *AudioRepository) Summary(ctx context.Context, project string, sinceDays int) (records, withDetections, detections int, err error) {
	if sinceDays <= 0 {
		sinceDays = 7
	}
	cut := time.Now().AddDate(0, 0, -sinceDays)

	const q = `
SELECT COUNT(*),
       COALESCE(SUM(CASE WHEN has_detections THEN 1 ELSE 0 END),0),
       COALESCE(SUM(jsonb_array_length(detections)),0)
FROM audio_records
WHERE project=$1 AND uploaded_at >= $2;`
	err = r.db.QueryRowContext(ctx, q, project, cut).Scan(&records, &withDetections, &detections)
	return records, withDetections, detections, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAudio(row rowScanner) (*domain.Record, error) {
	var rec domain.Record
	var site, uri sql.NullString
	var performedRaw, detectionsRaw []byte

	if err := row.Scan(
		&rec.ID, &rec.Project, &rec.Recorder, &site, &rec.CreatedAt, &rec.UploadedAt, &uri,
		&performedRaw, &detectionsRaw, &rec.HasDetections,
	); err != nil {
		return nil, err
	}
	rec.Site = site.String
	rec.URI = uri.String
	if err := json.Unmarshal(performedRaw, &rec.AnalysesPerformed); err != nil {
		return nil, fmt.Errorf("decoding analyses_performed for %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal(detectionsRaw, &rec.Detections); err != nil {
		return nil, fmt.Errorf("decoding detections for %s: %w", rec.ID, err)
	}
	return &rec, nil
}

// retryable reports serialization/deadlock failures the merge may retry
// through (SQLSTATE 40001, 40P01).
func retryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}
