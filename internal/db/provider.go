package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/kandev/vigil/internal/common/config"
	"github.com/kandev/vigil/internal/common/logger"
)

// Driver names as registered with database/sql.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Provide opens the configured database and returns it with a cleanup func.
func Provide(cfg config.DatabaseConfig, log *logger.Logger) (*sqlx.DB, func() error, error) {
	switch cfg.Driver {
	case "sqlite":
		conn, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		log.Info("Database initialized", zap.String("db_driver", cfg.Driver), zap.String("db_path", cfg.Path))
		cleanup := func() error {
			_, _ = conn.Exec("PRAGMA optimize")
			return conn.Close()
		}
		return sqlx.NewDb(conn, DriverSQLite), cleanup, nil
	case "postgres":
		conn, err := OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, nil, err
		}
		log.Info("Database initialized", zap.String("db_driver", cfg.Driver), zap.String("db_host", cfg.Host))
		return sqlx.NewDb(conn, DriverPostgres), conn.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// IsPostgres reports whether the connection uses the pgx driver.
func IsPostgres(conn *sqlx.DB) bool {
	return conn.DriverName() == DriverPostgres
}

// BoolToInt converts a boolean to an integer for SQL storage.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// OpenMemory opens an in-memory SQLite database wrapped in sqlx. Used by tests.
func OpenMemory() (*sqlx.DB, error) {
	conn, err := OpenSQLite(MemoryPath)
	if err != nil {
		return nil, err
	}
	return sqlx.NewDb(conn, DriverSQLite), nil
}
