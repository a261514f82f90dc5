package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	domain "github.com/tkuiper/audiofleet/internal/domain/models"
)

type ModelRepository struct {
	db *sql.DB
}

func NewModelRepository(db *sql.DB) *ModelRepository {
	return &ModelRepository{db: db}
}

const modelCols = `id, project, recorder, source_start, source_end,
       inference_valid_start, inference_valid_end, filename, uri,
       status, error, attempts, created_at, queued_at, processing_at,
       completed_at, failed_at`

// CreateIfAbsent inserts the pending record unless the epoch already has
// one. ON CONFLICT DO NOTHING keeps the check-and-create atomic.
func (r *ModelRepository) CreateIfAbsent(ctx context.Context, rec *domain.Record) (bool, error) {
	const q = `
INSERT INTO model_records
(id, project, recorder, source_start, source_end,
 inference_valid_start, inference_valid_end, filename, uri,
 status, error, attempts, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (id) DO NOTHING;`

	res, err := r.db.ExecContext(ctx, q,
		rec.ID, rec.Project, rec.Recorder, rec.SourceStart, rec.SourceEnd,
		rec.InferenceValidStart, rec.InferenceValidEnd, rec.Filename, rec.URI,
		rec.Status, rec.Error, rec.Attempts, rec.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Get by ID
func (r *ModelRepository) Get(ctx context.Context, id domain.RecordID) (*domain.Record, error) {
	q := `SELECT ` + modelCols + ` FROM model_records WHERE id=$1 LIMIT 1;`

	rec, err := scanModel(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return rec, err
}

// List model records, newest first. recorder and status filters are optional.
func (r *ModelRepository) List(ctx context.Context, project, recorder string, status domain.Status, limit int) ([]*domain.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + modelCols + ` FROM model_records WHERE project=$1`
	args := []any{project}
	if recorder != "" {
		args = append(args, recorder)
		q += ` AND recorder=$` + itoa(len(args))
	}
	if status != "" {
		args = append(args, status)
		q += ` AND status=$` + itoa(len(args))
	}
	args = append(args, limit)
	q += ` ORDER BY created_at DESC LIMIT $` + itoa(len(args)) + `;`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Record
	for rows.Next() {
		rec, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListStalled returns records stuck in status since before cutoff.
func (r *ModelRepository) ListStalled(ctx context.Context, status domain.Status, cutoff time.Time) ([]*domain.Record, error) {
	col := "created_at"
	switch status {
	case domain.StatusQueued:
		col = "queued_at"
	case domain.StatusProcessing:
		col = "processing_at"
	}
	q := `SELECT ` + modelCols + ` FROM model_records WHERE status=$1 AND ` + col + ` < $2 ORDER BY ` + col + ` ASC;`

	rows, err := r.db.QueryContext(ctx, q, status, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Record
	for rows.Next() {
		rec, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *ModelRepository) MarkQueued(ctx context.Context, id domain.RecordID, at time.Time) error {
	const q = `
UPDATE model_records
SET status=$1, queued_at=$2, processing_at=NULL, completed_at=NULL, attempts=attempts+1
WHERE id=$3 AND status IN ($4,$5,$6);`
	res, err := r.db.ExecContext(ctx, q, domain.StatusQueued, at, id,
		domain.StatusPending, domain.StatusQueued, domain.StatusProcessing)
	if err != nil {
		return err
	}
	return staleIfNone(res)
}

func (r *ModelRepository) MarkProcessing(ctx context.Context, id domain.RecordID, at time.Time) error {
	const q = `
UPDATE model_records
SET status=$1, processing_at=$2
WHERE id=$3 AND status IN ($4,$5);`
	res, err := r.db.ExecContext(ctx, q, domain.StatusProcessing, at, id,
		domain.StatusPending, domain.StatusQueued)
	if err != nil {
		return err
	}
	return staleIfNone(res)
}

func (r *ModelRepository) MarkComplete(ctx context.Context, id domain.RecordID, uri string, at time.Time) error {
	const q = `
UPDATE model_records
SET status=$1, uri=$2, completed_at=$3, error=''
WHERE id=$4 AND status=$5;`
	res, err := r.db.ExecContext(ctx, q, domain.StatusComplete, uri, at, id, domain.StatusProcessing)
	if err != nil {
		return err
	}
	return staleIfNone(res)
}

func (r *ModelRepository) MarkFailed(ctx context.Context, id domain.RecordID, errMsg string, at time.Time) error {
	const q = `
UPDATE model_records
SET status=$1, error=$2, failed_at=$3
WHERE id=$4 AND status IN ($5,$6,$7);`
	res, err := r.db.ExecContext(ctx, q, domain.StatusFailed, errMsg, at, id,
		domain.StatusPending, domain.StatusQueued, domain.StatusProcessing)
	if err != nil {
		return err
	}
	return staleIfNone(res)
}

func (r *ModelRepository) MarkPending(ctx context.Context, id domain.RecordID) error {
	const q = `
UPDATE model_records
SET status=$1, error='', attempts=0, queued_at=NULL, processing_at=NULL, completed_at=NULL, failed_at=NULL
WHERE id=$2 AND status=$3;`
	res, err := r.db.ExecContext(ctx, q, domain.StatusPending, id, domain.StatusFailed)
	if err != nil {
		return err
	}
	return staleIfNone(res)
}

func staleIfNone(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrStaleTransition
	}
	return nil
}

func scanModel(row rowScanner) (*domain.Record, error) {
	var rec domain.Record
	var uri, errMsg sql.NullString
	var queued, processing, completed, failed sql.NullTime

	if err := row.Scan(
		&rec.ID, &rec.Project, &rec.Recorder, &rec.SourceStart, &rec.SourceEnd,
		&rec.InferenceValidStart, &rec.InferenceValidEnd, &rec.Filename, &uri,
		&rec.Status, &errMsg, &rec.Attempts, &rec.CreatedAt,
		&queued, &processing, &completed, &failed,
	); err != nil {
		return nil, err
	}
	rec.URI = uri.String
	rec.Error = errMsg.String
	rec.QueuedAt = nullable(queued)
	rec.ProcessingAt = nullable(processing)
	rec.CompletedAt = nullable(completed)
	rec.FailedAt = nullable(failed)
	return &rec, nil
}

func nullable(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
