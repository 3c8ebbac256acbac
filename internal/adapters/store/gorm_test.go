package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/muhrin/aiida-core/internal/config"
	"github.com/muhrin/aiida-core/internal/core"
	"github.com/muhrin/aiida-core/internal/logging"
)

// GORM engines need a live server. Set AIIDA_TEST_POSTGRES_DSN or
// AIIDA_TEST_MYSQL_DSN to a disposable database to run them.

func newTestGorm(engine, envVar string) func(t *testing.T) core.Backend {
	return func(t *testing.T) core.Backend {
		t.Helper()
		dsn := os.Getenv(envVar)
		if dsn == "" {
			t.Skipf("%s not set", envVar)
		}
		b, err := NewGormBackend(context.Background(), engine, dsn, config.StorageConfig{}, logging.NewNop())
		if err != nil {
			t.Fatalf("NewGormBackend() error = %v", err)
		}
		// Start each subtest from empty tables.
		for _, table := range []string{"db_dbattribute", "db_daemon_timestamp", "db_dbnode"} {
			if err := b.db.Exec("DELETE FROM " + table).Error; err != nil {
				t.Fatalf("clearing %s: %v", table, err)
			}
		}
		t.Cleanup(func() { _ = b.Close() })
		return b
	}
}

func TestGormBackend_PostgresContract(t *testing.T) {
	if os.Getenv("AIIDA_TEST_POSTGRES_DSN") == "" {
		t.Skip("AIIDA_TEST_POSTGRES_DSN not set")
	}
	runBackendContract(t, newTestGorm(EnginePostgres, "AIIDA_TEST_POSTGRES_DSN"))
}

func TestGormBackend_MySQLContract(t *testing.T) {
	if os.Getenv("AIIDA_TEST_MYSQL_DSN") == "" {
		t.Skip("AIIDA_TEST_MYSQL_DSN not set")
	}
	runBackendContract(t, newTestGorm(EngineMySQL, "AIIDA_TEST_MYSQL_DSN"))
}

func TestNewGormBackend_UnknownEngine(t *testing.T) {
	_, err := NewGormBackend(context.Background(), "oracle", "", config.StorageConfig{}, nil)
	if !core.IsConfigurationError(err) {
		t.Errorf("error = %v, want configuration error", err)
	}
}

func TestIsLockNotAvailable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"postgres nowait", &pgconn.PgError{Code: "55P03"}, true},
		{"postgres other", &pgconn.PgError{Code: "23505"}, false},
		{"mysql nowait", &mysql.MySQLError{Number: 3572}, true},
		{"mysql other", &mysql.MySQLError{Number: 1062}, false},
		{"wrapped", errors.Join(errors.New("tx"), &pgconn.PgError{Code: "55P03"}), true},
		{"not found", gorm.ErrRecordNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isLockNotAvailable(tt.err); got != tt.want {
				t.Errorf("isLockNotAvailable() = %v, want %v", got, tt.want)
			}
		})
	}
}
