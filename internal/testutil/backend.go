package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/muhrin/aiida-core/internal/adapters/store"
	"github.com/muhrin/aiida-core/internal/core"
)

// NewSQLiteBackend opens a fresh SQLite backend in a temp dir, closed on cleanup.
func NewSQLiteBackend(t *testing.T) *store.SQLiteBackend {
	t.Helper()
	b, err := store.NewSQLiteBackend(filepath.Join(t.TempDir(), "aiida.db"))
	if err != nil {
		t.Fatalf("opening sqlite backend: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// CreateNode stores a node and returns it with its PK.
func CreateNode(t *testing.T, b core.NodeStore, n core.Node) *core.Node {
	t.Helper()
	if err := b.CreateNode(context.Background(), &n); err != nil {
		t.Fatalf("creating node: %v", err)
	}
	return &n
}
