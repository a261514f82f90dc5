package mysql

import (
	"context"
	"database/sql"
	"errors"
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
// one. INSERT IGNORE makes the check-and-create a single atomic statement,
// so two workers racing on the same epoch cannot end up in an ambiguous
// state: one insert wins, the other is a no-op.
func (r *ModelRepository) CreateIfAbsent(ctx context.Context, rec *domain.Record) (bool, error) {
	const q = `
INSERT IGNORE INTO model_records
(id, project, recorder, source_start, source_end,
 inference_valid_start, inference_valid_end, filename, uri,
 status, error, attempts, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?);`

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
	q := `SELECT ` + modelCols + ` FROM model_records WHERE id=? LIMIT 1;`

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
	q := `SELECT ` + modelCols + ` FROM model_records WHERE project=?`
	args := []any{project}
	if recorder != "" {
		q += ` AND recorder=?`
		args = append(args, recorder)
	}
	if status != "" {
		q += ` AND status=?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC LIMIT ?;`
	args = append(args, limit)

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

// ListStalled returns records stuck in status since before cutoff. The age
// is judged from the timestamp that opened the status.
func (r *ModelRepository) ListStalled(ctx context.Context, status domain.Status, cutoff time.Time) ([]*domain.Record, error) {
	col := "created_at"
	switch status {
	case domain.StatusQueued:
		col = "queued_at"
	case domain.StatusProcessing:
		col = "processing_at"
	}
	q := `SELECT ` + modelCols + ` FROM model_records WHERE status=? AND ` + col + ` < ? ORDER BY ` + col + ` ASC;`

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

// MarkQueued moves a record to queued and counts the attempt. The status
// guard in the WHERE clause enforces the transition table; a write that
// matches no row means someone else already advanced the record.
func (r *ModelRepository) MarkQueued(ctx context.Context, id domain.RecordID, at time.Time) error {
	const q = `
UPDATE model_records
SET status=?, queued_at=?, processing_at=NULL, completed_at=NULL, attempts=attempts+1
WHERE id=? AND status IN (?,?,?);`
	return r.guarded(ctx, q, domain.StatusQueued, at, id,
		domain.StatusPending, domain.StatusQueued, domain.StatusProcessing)
}

// MarkProcessing is the trainer's claim on the job.
func (r *ModelRepository) MarkProcessing(ctx context.Context, id domain.RecordID, at time.Time) error {
	const q = `
UPDATE model_records
SET status=?, processing_at=?
WHERE id=? AND status IN (?,?);`
	return r.guarded(ctx, q, domain.StatusProcessing, at, id,
		domain.StatusPending, domain.StatusQueued)
}

func (r *ModelRepository) MarkComplete(ctx context.Context, id domain.RecordID, uri string, at time.Time) error {
	const q = `
UPDATE model_records
SET status=?, uri=?, completed_at=?, error=''
WHERE id=? AND status=?;`
	res, err := r.db.ExecContext(ctx, q, domain.StatusComplete, uri, at, id, domain.StatusProcessing)
	if err != nil {
		return err
	}
	return staleIfNone(res)
}

func (r *ModelRepository) MarkFailed(ctx context.Context, id domain.RecordID, errMsg string, at time.Time) error {
	const q = `
UPDATE model_records
SET status=?, error=?, failed_at=?
WHERE id=? AND status IN (?,?,?);`
	res, err := r.db.ExecContext(ctx, q, domain.StatusFailed, errMsg, at, id,
		domain.StatusPending, domain.StatusQueued, domain.StatusProcessing)
	if err != nil {
		return err
	}
	return staleIfNone(res)
}

// MarkPending resets a failed record so the dispatcher picks it up again.
// Operator path only.
func (r *ModelRepository) MarkPending(ctx context.Context, id domain.RecordID) error {
	const q = `
UPDATE model_records
SET status=?, error='', attempts=0, queued_at=NULL, processing_at=NULL, completed_at=NULL, failed_at=NULL
WHERE id=? AND status=?;`
	res, err := r.db.ExecContext(ctx, q, domain.StatusPending, id, domain.StatusFailed)
	if err != nil {
		return err
	}
	return staleIfNone(res)
}

func (r *ModelRepository) guarded(ctx context.Context, q string, status domain.Status, at time.Time, id domain.RecordID, from ...domain.Status) error {
	args := []any{status, at, id}
	for _, s := range from {
		args = append(args, s)
	}
	res, err := r.db.ExecContext(ctx, q, args...)
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
	rec.QueuedAt = timePtr(queued)
	rec.ProcessingAt = timePtr(processing)
	rec.CompletedAt = timePtr(completed)
	rec.FailedAt = timePtr(failed)
	return &rec, nil
}
