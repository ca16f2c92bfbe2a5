package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/wheelhouse-ai/wheelhouse/internal/common/config"
	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
	"github.com/wheelhouse-ai/wheelhouse/internal/db/dialect"
)

// Provide opens the settings catalog database per configuration and returns
// the connection pool together with the sqlx driver name and a cleanup.
//
// SQLite gets the WAL single-writer/multi-reader split; Postgres shares one
// pgx-backed pool for both roles.
func Provide(cfg *config.Config, log *logger.Logger) (*Pool, string, func() error, error) {
	switch cfg.Database.Driver {
	case "postgres":
		conn, err := OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns)
		if err != nil {
			return nil, "", nil, fmt.Errorf("failed to open postgres catalog: %w", err)
		}
		xdb := sqlx.NewDb(conn, dialect.PGX)
		pool := NewPool(xdb, xdb)
		if log != nil {
			log.Info("Catalog database initialized",
				zap.String("db_driver", "postgres"),
				zap.String("db_host", cfg.Database.Host))
		}
		return pool, dialect.PGX, pool.Close, nil

	case "sqlite", "":
		path := cfg.SettingsDBPath()
		writer, err := OpenSQLite(path)
		if err != nil {
			return nil, "", nil, fmt.Errorf("failed to open sqlite catalog: %w", err)
		}
		reader, err := OpenSQLiteReader(path)
		if err != nil {
			_ = writer.Close()
			return nil, "", nil, fmt.Errorf("failed to open sqlite catalog reader: %w", err)
		}
		pool := NewPool(sqlx.NewDb(writer, dialect.SQLite3), sqlx.NewDb(reader, dialect.SQLite3))
		if log != nil {
			log.Info("Catalog database initialized",
				zap.String("db_driver", "sqlite"),
				zap.String("db_path", path))
		}
		cleanup := func() error {
			// PRAGMA optimize refreshes query planner statistics; the
			// SQLite-recommended lightweight maintenance step on close.
			_, _ = pool.Writer().Exec("PRAGMA optimize")
			return pool.Close()
		}
		return pool, dialect.SQLite3, cleanup, nil

	default:
		return nil, "", nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}
