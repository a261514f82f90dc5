// Package db selects the SQL dialect at startup. Both adapters implement
// the same domain ports, so everything past this point is driver-agnostic.
package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tkuiper/audiofleet/internal/config"
	"github.com/tkuiper/audiofleet/internal/domain/audio"
	"github.com/tkuiper/audiofleet/internal/domain/models"
	"github.com/tkuiper/audiofleet/internal/domain/recorders"
	"github.com/tkuiper/audiofleet/internal/infra/db/mysql"
	"github.com/tkuiper/audiofleet/internal/infra/db/postgres"
)

// Repos bundles the three repositories backed by one connection pool.
type Repos struct {
	DB        *sql.DB
	Audio     audio.Repository
	Models    models.Repository
	Recorders recorders.Repository
}

// Open connects using the configured driver and builds the repositories.
func Open(ctx context.Context, cfg *config.Config) (*Repos, error) {
	switch cfg.Database.Driver {
	case "mysql":
		conn, err := mysql.Connect(ctx, cfg.MySQLDSN())
		if err != nil {
			return nil, fmt.Errorf("mysql connect: %w", err)
		}
		return &Repos{
			DB:        conn,
			Audio:     mysql.NewAudioRepository(conn),
			Models:    mysql.NewModelRepository(conn),
			Recorders: mysql.NewRecorderRepository(conn),
		}, nil
	case "postgres":
		conn, err := postgres.Connect(ctx, cfg.PostgresDSN())
		if err != nil {
			return nil, fmt.Errorf("postgres connect: %w", err)
		}
		return &Repos{
			DB:        conn,
			Audio:     postgres.NewAudioRepository(conn),
			Models:    postgres.NewModelRepository(conn),
			Recorders: postgres.NewRecorderRepository(conn),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}

func (r *Repos) Close() error { return r.DB.Close() }
