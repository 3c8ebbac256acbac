package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/muhrin/aiida-core/internal/config"
	"github.com/muhrin/aiida-core/internal/core"
	"github.com/muhrin/aiida-core/internal/logging"
)

// Supported storage engines.
const (
	EngineSQLite   = "sqlite"
	EnginePostgres = "postgres"
	EngineMySQL    = "mysql"
)

// Open creates the backend selected by cfg.Engine.
// An unknown engine is a configuration error.
func Open(ctx context.Context, cfg config.StorageConfig, logger *logging.Logger) (core.Backend, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	switch normalizeEngine(cfg.Engine) {
	case EngineSQLite:
		return NewSQLiteBackend(cfg.Path)
	case EnginePostgres:
		return NewGormBackend(ctx, EnginePostgres, PostgresDSN(cfg), cfg, logger)
	case EngineMySQL:
		return NewGormBackend(ctx, EngineMySQL, MySQLDSN(cfg), cfg, logger)
	default:
		return nil, core.ErrConfiguration(core.CodeUnsupportedEngine,
			fmt.Sprintf("unsupported storage engine %q (supported: sqlite, postgres, mysql)", cfg.Engine))
	}
}

func normalizeEngine(engine string) string {
	switch strings.ToLower(strings.TrimSpace(engine)) {
	case "", "sqlite", "sqlite3":
		return EngineSQLite
	case "postgres", "postgresql", "psql":
		return EnginePostgres
	case "mysql":
		return EngineMySQL
	default:
		return engine
	}
}

// PostgresDSN builds a libpq key/value DSN.
func PostgresDSN(cfg config.StorageConfig) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name)
}

// MySQLDSN builds a go-sql-driver DSN.
func MySQLDSN(cfg config.StorageConfig) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
}

func nodeNotFound(pk int64) error {
	return core.ErrNotFound("node", strconv.FormatInt(pk, 10))
}

func errNotLocked(pk int64) error {
	return core.ErrState(core.CodeInvalidState, fmt.Sprintf("node<%d> is not locked", pk)).
		WithDetail("pk", pk)
}
