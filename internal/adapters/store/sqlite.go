package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/muhrin/aiida-core/internal/core"
	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

const nodeColumns = `id, uuid, node_type, process_type, label, process_status,
	job_state, computer, user_email, job_id, locked, ctime, mtime`

// SQLiteBackend implements core.Backend on a local SQLite file.
//
// Claims are a single conditional UPDATE; SQLite serializes writers on the
// database file so the statement is atomic across processes sharing it.
type SQLiteBackend struct {
	path        string
	db          *sql.DB
	busyTimeout time.Duration
	now         func() time.Time
}

// SQLiteOption configures the backend.
type SQLiteOption func(*SQLiteBackend)

// WithSQLiteBusyTimeout sets how long a writer waits for the database lock.
func WithSQLiteBusyTimeout(d time.Duration) SQLiteOption {
	return func(b *SQLiteBackend) {
		b.busyTimeout = d
	}
}

// WithSQLiteClock overrides the time source used for ctime/mtime.
func WithSQLiteClock(now func() time.Time) SQLiteOption {
	return func(b *SQLiteBackend) {
		b.now = now
	}
}

// NewSQLiteBackend opens (creating if needed) the database at path.
func NewSQLiteBackend(path string, opts ...SQLiteOption) (*SQLiteBackend, error) {
	b := &SQLiteBackend{
		path:        path,
		busyTimeout: 5 * time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	// WAL lets readers proceed while a claim is being written.
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)",
		path, b.busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return b, nil
}

// migrate runs pending migrations.
func (b *SQLiteBackend) migrate() error {
	var version int
	err := b.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		// Table doesn't exist yet, run initial migration
		version = 0
	}

	if version < 1 {
		if _, err := b.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}

	return nil
}

// Engine returns "sqlite".
func (b *SQLiteBackend) Engine() string {
	return EngineSQLite
}

// Path returns the database file path.
func (b *SQLiteBackend) Path() string {
	return b.path
}

// Close closes the database connection.
func (b *SQLiteBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// =============================================================================
// Nodes
// =============================================================================

// CreateNode inserts node and assigns its PK and timestamps.
func (b *SQLiteBackend) CreateNode(ctx context.Context, node *core.Node) error {
	now := b.now().UTC()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	node.ModifiedAt = now
	if node.Status == "" {
		node.Status = core.StatusCreated
	}

	res, err := b.db.ExecContext(ctx, `
		INSERT INTO db_dbnode (
			uuid, node_type, process_type, label, process_status,
			job_state, computer, user_email, job_id, locked, ctime, mtime
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		node.UUID, string(node.Type), node.ProcessType, node.Label, string(node.Status),
		string(node.JobState), node.Computer, node.User, node.JobID, boolToInt(node.Locked),
		node.CreatedAt.UnixNano(), node.ModifiedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("inserting node: %w", err)
	}

	pk, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading node id: %w", err)
	}
	node.PK = pk
	return nil
}

// GetNode loads a node by PK.
func (b *SQLiteBackend) GetNode(ctx context.Context, pk int64) (*core.Node, error) {
	row := b.db.QueryRowContext(ctx, "SELECT "+nodeColumns+" FROM db_dbnode WHERE id = ?", pk)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nodeNotFound(pk)
	}
	if err != nil {
		return nil, fmt.Errorf("loading node %d: %w", pk, err)
	}
	return node, nil
}

// ListNodes returns nodes matching filter ordered by PK.
func (b *SQLiteBackend) ListNodes(ctx context.Context, filter core.NodeFilter) ([]*core.Node, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Type != "" {
		where = append(where, "node_type = ?")
		args = append(args, string(filter.Type))
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "process_status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.JobState != "" {
		where = append(where, "job_state = ?")
		args = append(args, string(filter.JobState))
	}
	if filter.Computer != "" {
		where = append(where, "computer = ?")
		args = append(args, filter.Computer)
	}
	if filter.User != "" {
		where = append(where, "user_email = ?")
		args = append(args, filter.User)
	}

	query := "SELECT " + nodeColumns + " FROM db_dbnode"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(filter.Limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*core.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning node: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// SetStatus updates the process status.
func (b *SQLiteBackend) SetStatus(ctx context.Context, pk int64, status core.ProcessStatus) error {
	return b.updateNode(ctx, pk, "process_status", string(status))
}

// SetJobState updates the scheduler state of a job node.
func (b *SQLiteBackend) SetJobState(ctx context.Context, pk int64, state core.JobState) error {
	return b.updateNode(ctx, pk, "job_state", string(state))
}

// SetJobID records the scheduler job identifier.
func (b *SQLiteBackend) SetJobID(ctx context.Context, pk int64, jobID string) error {
	return b.updateNode(ctx, pk, "job_id", jobID)
}

func (b *SQLiteBackend) updateNode(ctx context.Context, pk int64, column string, value interface{}) error {
	res, err := b.db.ExecContext(ctx,
		"UPDATE db_dbnode SET "+column+" = ?, mtime = ? WHERE id = ?",
		value, b.now().UTC().UnixNano(), pk)
	if err != nil {
		return fmt.Errorf("updating %s of node %d: %w", column, pk, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating %s of node %d: %w", column, pk, err)
	}
	if n == 0 {
		return nodeNotFound(pk)
	}
	return nil
}

// ComputerUserPairs returns the distinct pairs owning job nodes in state.
func (b *SQLiteBackend) ComputerUserPairs(ctx context.Context, state core.JobState) ([]core.ComputerUser, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT DISTINCT computer, user_email FROM db_dbnode
		WHERE node_type = ? AND job_state = ?
		ORDER BY computer, user_email
	`, string(core.NodeTypeJob), string(state))
	if err != nil {
		return nil, fmt.Errorf("listing computer/user pairs: %w", err)
	}
	defer rows.Close()

	var pairs []core.ComputerUser
	for rows.Next() {
		var p core.ComputerUser
		if err := rows.Scan(&p.Computer, &p.User); err != nil {
			return nil, fmt.Errorf("scanning computer/user pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// =============================================================================
// Attributes
// =============================================================================

// SetAttribute creates or replaces an attribute.
func (b *SQLiteBackend) SetAttribute(ctx context.Context, pk int64, key, value string) error {
	if _, err := b.GetNode(ctx, pk); err != nil {
		return err
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO db_dbattribute (node_id, name, value) VALUES (?, ?, ?)
		ON CONFLICT(node_id, name) DO UPDATE SET value = excluded.value
	`, pk, key, value)
	if err != nil {
		return fmt.Errorf("setting attribute %s on node %d: %w", key, pk, err)
	}
	return nil
}

// GetAttribute returns the attribute value and whether it exists.
func (b *SQLiteBackend) GetAttribute(ctx context.Context, pk int64, key string) (string, bool, error) {
	var value string
	err := b.db.QueryRowContext(ctx,
		"SELECT value FROM db_dbattribute WHERE node_id = ? AND name = ?", pk, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading attribute %s of node %d: %w", key, pk, err)
	}
	return value, true, nil
}

// DeleteAttribute removes an attribute. Missing attributes are ignored.
func (b *SQLiteBackend) DeleteAttribute(ctx context.Context, pk int64, key string) error {
	_, err := b.db.ExecContext(ctx,
		"DELETE FROM db_dbattribute WHERE node_id = ? AND name = ?", pk, key)
	if err != nil {
		return fmt.Errorf("deleting attribute %s of node %d: %w", key, pk, err)
	}
	return nil
}

// AttributeHolders lists the PKs of nodes carrying key.
func (b *SQLiteBackend) AttributeHolders(ctx context.Context, key string) ([]int64, error) {
	rows, err := b.db.QueryContext(ctx,
		"SELECT node_id FROM db_dbattribute WHERE name = ? ORDER BY node_id", key)
	if err != nil {
		return nil, fmt.Errorf("listing holders of %s: %w", key, err)
	}
	defer rows.Close()

	var pks []int64
	for rows.Next() {
		var pk int64
		if err := rows.Scan(&pk); err != nil {
			return nil, fmt.Errorf("scanning holder: %w", err)
		}
		pks = append(pks, pk)
	}
	return pks, rows.Err()
}

// =============================================================================
// Claims
// =============================================================================

// Claim flips the lock flag from 0 to 1 and reports whether this call did it.
func (b *SQLiteBackend) Claim(ctx context.Context, pk int64) (bool, error) {
	res, err := b.db.ExecContext(ctx,
		"UPDATE db_dbnode SET locked = 1, mtime = ? WHERE id = ? AND locked = 0",
		b.now().UTC().UnixNano(), pk)
	if err != nil {
		return false, fmt.Errorf("claiming node %d: %w", pk, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claiming node %d: %w", pk, err)
	}
	if n == 1 {
		return true, nil
	}

	// Nothing changed: either someone else holds it or the node is gone.
	if err := b.nodeExists(ctx, pk); err != nil {
		return false, err
	}
	return false, nil
}

// Release clears a lock flag that is currently set.
func (b *SQLiteBackend) Release(ctx context.Context, pk int64) error {
	res, err := b.db.ExecContext(ctx,
		"UPDATE db_dbnode SET locked = 0, mtime = ? WHERE id = ? AND locked = 1",
		b.now().UTC().UnixNano(), pk)
	if err != nil {
		return fmt.Errorf("releasing node %d: %w", pk, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("releasing node %d: %w", pk, err)
	}
	if n == 1 {
		return nil
	}
	if err := b.nodeExists(ctx, pk); err != nil {
		return err
	}
	return errNotLocked(pk)
}

// ForceRelease clears the lock flag unconditionally.
func (b *SQLiteBackend) ForceRelease(ctx context.Context, pk int64) error {
	return b.updateNode(ctx, pk, "locked", 0)
}

func (b *SQLiteBackend) nodeExists(ctx context.Context, pk int64) error {
	var one int
	err := b.db.QueryRowContext(ctx, "SELECT 1 FROM db_dbnode WHERE id = ?", pk).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nodeNotFound(pk)
	}
	if err != nil {
		return fmt.Errorf("probing node %d: %w", pk, err)
	}
	return nil
}

// =============================================================================
// Daemon timestamps
// =============================================================================

// SetDaemonTimestamp records the time of a task bracket.
func (b *SQLiteBackend) SetDaemonTimestamp(ctx context.Context, task string, phase core.DaemonPhase, at time.Time) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO db_daemon_timestamp (task_name, phase, at) VALUES (?, ?, ?)
		ON CONFLICT(task_name, phase) DO UPDATE SET at = excluded.at
	`, task, string(phase), at.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("setting %s timestamp of %s: %w", phase, task, err)
	}
	return nil
}

// DaemonTimestamp returns the stored time and whether one exists.
func (b *SQLiteBackend) DaemonTimestamp(ctx context.Context, task string, phase core.DaemonPhase) (time.Time, bool, error) {
	var ns int64
	err := b.db.QueryRowContext(ctx,
		"SELECT at FROM db_daemon_timestamp WHERE task_name = ? AND phase = ?",
		task, string(phase)).Scan(&ns)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading %s timestamp of %s: %w", phase, task, err)
	}
	return time.Unix(0, ns).UTC(), true, nil
}

// =============================================================================
// Helpers
// =============================================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row rowScanner) (*core.Node, error) {
	var (
		node                       core.Node
		nodeType, status, jobState string
		locked                     int
		ctime, mtime               int64
	)
	err := row.Scan(
		&node.PK, &node.UUID, &nodeType, &node.ProcessType, &node.Label, &status,
		&jobState, &node.Computer, &node.User, &node.JobID, &locked, &ctime, &mtime,
	)
	if err != nil {
		return nil, err
	}
	node.Type = core.NodeType(nodeType)
	node.Status = core.ProcessStatus(status)
	node.JobState = core.JobState(jobState)
	node.Locked = locked != 0
	node.CreatedAt = time.Unix(0, ctime).UTC()
	node.ModifiedAt = time.Unix(0, mtime).UTC()
	return &node, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
