package recorders

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the recorder is not registered.
var ErrNotFound = errors.New("recorder not found")

// Repository port (interface untuk persistence)
type Repository interface {
	Get(ctx context.Context, project, id string) (*Recorder, error)
	List(ctx context.Context, project string) ([]*Recorder, error)
}
