package postgres

import (
	"context"
	"database/sql"
	"errors"

	domain "github.com/tkuiper/audiofleet/internal/domain/recorders"
)

type RecorderRepository struct {
	db *sql.DB
}

func NewRecorderRepository(db *sql.DB) *RecorderRepository {
	return &RecorderRepository{db: db}
}

const recorderCols = `id, project, name, site, created_at, disabled`

// Get by project + ID
func (r *RecorderRepository) Get(ctx context.Context, project, id string) (*domain.Recorder, error) {
	q := `SELECT ` + recorderCols + ` FROM recorders WHERE project=$1 AND id=$2 LIMIT 1;`

	rec, err := scanRecorder(r.db.QueryRowContext(ctx, q, project, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return rec, err
}

// List recorders of a project
func (r *RecorderRepository) List(ctx context.Context, project string) ([]*domain.Recorder, error) {
	q := `SELECT ` + recorderCols + ` FROM recorders WHERE project=$1 ORDER BY id;`

	rows, err := r.db.QueryContext(ctx, q, project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Recorder
	for rows.Next() {
		rec, err := scanRecorder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecorder(row rowScanner) (*domain.Recorder, error) {
	var rec domain.Recorder
	var name, site sql.NullString

	if err := row.Scan(&rec.ID, &rec.Project, &name, &site, &rec.CreatedAt, &rec.Disabled); err != nil {
		return nil, err
	}
	rec.Name = name.String
	rec.Site = site.String
	return &rec, nil
}
