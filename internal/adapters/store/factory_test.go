package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/muhrin/aiida-core/internal/config"
	"github.com/muhrin/aiida-core/internal/core"
)

func TestOpen_SQLite(t *testing.T) {
	for _, engine := range []string{"", "sqlite", "SQLite3"} {
		cfg := config.StorageConfig{Engine: engine, Path: filepath.Join(t.TempDir(), "aiida.db")}
		b, err := Open(context.Background(), cfg, nil)
		if err != nil {
			t.Fatalf("Open(%q) error = %v", engine, err)
		}
		if b.Engine() != EngineSQLite {
			t.Errorf("Engine() = %q, want %q", b.Engine(), EngineSQLite)
		}
		_ = b.Close()
	}
}

func TestOpen_UnsupportedEngine(t *testing.T) {
	_, err := Open(context.Background(), config.StorageConfig{Engine: "oracle"}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !core.IsConfigurationError(err) {
		t.Errorf("error = %v, want configuration error", err)
	}
	if !strings.Contains(err.Error(), "oracle") {
		t.Errorf("error %q should name the engine", err)
	}
}

func TestDSNs(t *testing.T) {
	cfg := config.StorageConfig{Host: "db", Port: 5432, User: "aiida", Password: "pw", Name: "prod"}

	pg := PostgresDSN(cfg)
	for _, want := range []string{"host=db", "port=5432", "user=aiida", "password=pw", "dbname=prod"} {
		if !strings.Contains(pg, want) {
			t.Errorf("PostgresDSN() = %q missing %q", pg, want)
		}
	}

	cfg.Port = 3306
	if got := MySQLDSN(cfg); !strings.HasPrefix(got, "aiida:pw@tcp(db:3306)/prod?") {
		t.Errorf("MySQLDSN() = %q", got)
	}
}
