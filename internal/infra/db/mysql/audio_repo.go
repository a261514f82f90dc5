package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gomysql "github.com/go-sql-driver/mysql"

	domain "github.com/tkuiper/audiofleet/internal/domain/audio"
)

// mergeRetries bounds transparent retries of the merge transaction when the
// store reports contention (deadlock / lock wait timeout).
const mergeRetries = 3

type AudioRepository struct {
	db  *sql.DB
	log *slog.Logger
}

func NewAudioRepository(db *sql.DB) *AudioRepository {
	return &AudioRepository{db: db, log: slog.With("service", "mysql.audio")}
}

const audioCols = `id, project, recorder, site, created_at, uploaded_at, uri,
       analyses_performed, detections, has_detections`

// Get by ID
func (r *AudioRepository) Get(ctx context.Context, id domain.RecordID) (*domain.Record, error) {
	q := `SELECT ` + audioCols + ` FROM audio_records WHERE id=? LIMIT 1;`

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
WHERE project=? AND recorder=? AND uploaded_at >= ? AND uploaded_at <= ?
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

// ApplyDetections merges one analysis run into the record. The read and the
// write happen in one transaction with the row locked, so two analyses
// finishing at the same time cannot overwrite each other's detections.
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
		`SELECT analyses_performed, detections FROM audio_records WHERE id=? FOR UPDATE;`, id,
	).Scan(&performedRaw, &detectionsRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}

	var performed []string
	var existing []domain.Detection
	if err := unmarshalJSON(performedRaw, &performed); err != nil {
		return fmt.Errorf("decoding analyses_performed for %s: %w", id, err)
	}
	if err := unmarshalJSON(detectionsRaw, &existing); err != nil {
		return fmt.Errorf("decoding detections for %s: %w", id, err)
	}

	performed, duplicate := domain.MergeAnalyses(performed, analysisID)
	if duplicate {
		// reruns are allowed (model upgrades), results still refresh
		r.log.Warn("analysis was already completed", "analysis", analysisID, "audio", id)
	}
	merged := domain.MergeDetections(existing, detections)

	performedJSON, err := jsonOrNull(performed)
	if err != nil {
		return err
	}
	mergedJSON, err := jsonOrNull(merged)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE audio_records SET analyses_performed=?, detections=?, has_detections=? WHERE id=?;`,
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
       COALESCE(SUM(has_detections),0),
       COALESCE(SUM(JSON_LENGTH(detections)),0)
FROM audio_records
WHERE project=? AND uploaded_at >= ?;`
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
	if err := unmarshalJSON(performedRaw, &rec.AnalysesPerformed); err != nil {
		return nil, fmt.Errorf("decoding analyses_performed for %s: %w", rec.ID, err)
	}
	if err := unmarshalJSON(detectionsRaw, &rec.Detections); err != nil {
		return nil, fmt.Errorf("decoding detections for %s: %w", rec.ID, err)
	}
	return &rec, nil
}

// retryable reports MySQL contention errors the merge may retry through:
// 1213 deadlock, 1205 lock wait timeout.
func retryable(err error) bool {
	var myErr *gomysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1213 || myErr.Number == 1205
	}
	return false
}
