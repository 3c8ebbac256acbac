package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/muhrin/aiida-core/internal/config"
	"github.com/muhrin/aiida-core/internal/core"
	"github.com/muhrin/aiida-core/internal/logging"
)

// errClaimContended rolls back a claim whose row is locked by another transaction.
var errClaimContended = errors.New("claim contended")

type nodeRow struct {
	ID            int64     `gorm:"column:id;primaryKey;autoIncrement"`
	UUID          string    `gorm:"column:uuid;type:varchar(36);uniqueIndex;not null"`
	NodeType      string    `gorm:"column:node_type;type:varchar(32);not null;index:idx_dbnode_type_status,priority:1"`
	ProcessType   string    `gorm:"column:process_type;type:varchar(255);not null;default:''"`
	Label         string    `gorm:"column:label;type:varchar(255);not null;default:''"`
	ProcessStatus string    `gorm:"column:process_status;type:varchar(32);not null;index:idx_dbnode_type_status,priority:2"`
	JobState      string    `gorm:"column:job_state;type:varchar(32);not null;default:'';index:idx_dbnode_job_state,priority:1"`
	Computer      string    `gorm:"column:computer;type:varchar(255);not null;default:'';index:idx_dbnode_job_state,priority:2"`
	UserEmail     string    `gorm:"column:user_email;type:varchar(255);not null;default:'';index:idx_dbnode_job_state,priority:3"`
	JobID         string    `gorm:"column:job_id;type:varchar(255);not null;default:''"`
	Locked        bool      `gorm:"column:locked;not null;default:false"`
	CreatedAt     time.Time `gorm:"column:ctime;not null"`
	ModifiedAt    time.Time `gorm:"column:mtime;not null"`
}

func (nodeRow) TableName() string { return "db_dbnode" }

type attributeRow struct {
	NodeID int64  `gorm:"column:node_id;primaryKey;autoIncrement:false"`
	Name   string `gorm:"column:name;primaryKey;type:varchar(255);index:idx_dbattribute_name"`
	Value  string `gorm:"column:value;type:text;not null"`
}

func (attributeRow) TableName() string { return "db_dbattribute" }

type timestampRow struct {
	TaskName string    `gorm:"column:task_name;primaryKey;type:varchar(64)"`
	Phase    string    `gorm:"column:phase;primaryKey;type:varchar(8)"`
	At       time.Time `gorm:"column:at;not null"`
}

func (timestampRow) TableName() string { return "db_daemon_timestamp" }

// GormBackend implements core.Backend on PostgreSQL or MySQL.
//
// Claims run in one transaction: the row is locked with FOR UPDATE NOWAIT
// (a concurrent holder makes the select fail immediately) and the flag is
// then flipped by a conditional UPDATE whose affected-row count must be 1.
type GormBackend struct {
	engine string
	db     *gorm.DB
	now    func() time.Time
}

// NewGormBackend connects with the given engine and DSN and migrates the schema.
func NewGormBackend(ctx context.Context, engine, dsn string, cfg config.StorageConfig, logger *logging.Logger) (*GormBackend, error) {
	var dialector gorm.Dialector
	switch engine {
	case EngineMySQL:
		dialector = mysql.Open(dsn)
	case EnginePostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, core.ErrConfiguration(core.CodeUnsupportedEngine,
			fmt.Sprintf("unsupported gorm engine %q", engine))
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         NewGormLogger(logger),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", engine, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", engine, err)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	b := &GormBackend{engine: engine, db: db, now: time.Now}
	if err := b.db.WithContext(ctx).AutoMigrate(&nodeRow{}, &attributeRow{}, &timestampRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrating %s schema: %w", engine, err)
	}
	return b, nil
}

// Engine returns the engine name.
func (b *GormBackend) Engine() string {
	return b.engine
}

// Close closes the connection pool.
func (b *GormBackend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateNode inserts node and assigns its PK and timestamps.
func (b *GormBackend) CreateNode(ctx context.Context, node *core.Node) error {
	now := b.now().UTC()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	node.ModifiedAt = now
	if node.Status == "" {
		node.Status = core.StatusCreated
	}

	row := toNodeRow(node)
	if err := b.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("inserting node: %w", err)
	}
	node.PK = row.ID
	return nil
}

// GetNode loads a node by PK.
func (b *GormBackend) GetNode(ctx context.Context, pk int64) (*core.Node, error) {
	var row nodeRow
	err := b.db.WithContext(ctx).Where("id = ?", pk).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nodeNotFound(pk)
	}
	if err != nil {
		return nil, fmt.Errorf("loading node %d: %w", pk, err)
	}
	return row.toNode(), nil
}

// ListNodes returns nodes matching filter ordered by PK.
func (b *GormBackend) ListNodes(ctx context.Context, filter core.NodeFilter) ([]*core.Node, error) {
	q := b.db.WithContext(ctx).Model(&nodeRow{})
	if filter.Type != "" {
		q = q.Where("node_type = ?", string(filter.Type))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		q = q.Where("process_status IN ?", statuses)
	}
	if filter.JobState != "" {
		q = q.Where("job_state = ?", string(filter.JobState))
	}
	if filter.Computer != "" {
		q = q.Where("computer = ?", filter.Computer)
	}
	if filter.User != "" {
		q = q.Where("user_email = ?", filter.User)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []nodeRow
	if err := q.Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	nodes := make([]*core.Node, len(rows))
	for i := range rows {
		nodes[i] = rows[i].toNode()
	}
	return nodes, nil
}

// SetStatus updates the process status.
func (b *GormBackend) SetStatus(ctx context.Context, pk int64, status core.ProcessStatus) error {
	return b.updateNode(ctx, pk, "process_status", string(status))
}

// SetJobState updates the scheduler state of a job node.
func (b *GormBackend) SetJobState(ctx context.Context, pk int64, state core.JobState) error {
	return b.updateNode(ctx, pk, "job_state", string(state))
}

// SetJobID records the scheduler job identifier.
func (b *GormBackend) SetJobID(ctx context.Context, pk int64, jobID string) error {
	return b.updateNode(ctx, pk, "job_id", jobID)
}

func (b *GormBackend) updateNode(ctx context.Context, pk int64, column string, value interface{}) error {
	res := b.db.WithContext(ctx).Model(&nodeRow{}).Where("id = ?", pk).
		Updates(map[string]interface{}{column: value, "mtime": b.now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("updating %s of node %d: %w", column, pk, res.Error)
	}
	if res.RowsAffected == 0 {
		return b.nodeExists(ctx, pk)
	}
	return nil
}

// ComputerUserPairs returns the distinct pairs owning job nodes in state.
func (b *GormBackend) ComputerUserPairs(ctx context.Context, state core.JobState) ([]core.ComputerUser, error) {
	var rows []struct {
		Computer  string
		UserEmail string
	}
	err := b.db.WithContext(ctx).Model(&nodeRow{}).
		Distinct("computer", "user_email").
		Where("node_type = ? AND job_state = ?", string(core.NodeTypeJob), string(state)).
		Order("computer, user_email").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing computer/user pairs: %w", err)
	}

	pairs := make([]core.ComputerUser, len(rows))
	for i, r := range rows {
		pairs[i] = core.ComputerUser{Computer: r.Computer, User: r.UserEmail}
	}
	return pairs, nil
}

// SetAttribute creates or replaces an attribute.
func (b *GormBackend) SetAttribute(ctx context.Context, pk int64, key, value string) error {
	if err := b.nodeExists(ctx, pk); err != nil {
		return err
	}
	err := b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "node_id"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&attributeRow{NodeID: pk, Name: key, Value: value}).Error
	if err != nil {
		return fmt.Errorf("setting attribute %s on node %d: %w", key, pk, err)
	}
	return nil
}

// GetAttribute returns the attribute value and whether it exists.
func (b *GormBackend) GetAttribute(ctx context.Context, pk int64, key string) (string, bool, error) {
	var row attributeRow
	err := b.db.WithContext(ctx).Where("node_id = ? AND name = ?", pk, key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading attribute %s of node %d: %w", key, pk, err)
	}
	return row.Value, true, nil
}

// DeleteAttribute removes an attribute. Missing attributes are ignored.
func (b *GormBackend) DeleteAttribute(ctx context.Context, pk int64, key string) error {
	err := b.db.WithContext(ctx).Where("node_id = ? AND name = ?", pk, key).Delete(&attributeRow{}).Error
	if err != nil {
		return fmt.Errorf("deleting attribute %s of node %d: %w", key, pk, err)
	}
	return nil
}

// AttributeHolders lists the PKs of nodes carrying key.
func (b *GormBackend) AttributeHolders(ctx context.Context, key string) ([]int64, error) {
	var pks []int64
	err := b.db.WithContext(ctx).Model(&attributeRow{}).
		Where("name = ?", key).Order("node_id").Pluck("node_id", &pks).Error
	if err != nil {
		return nil, fmt.Errorf("listing holders of %s: %w", key, err)
	}
	return pks, nil
}

// Claim flips the lock flag from false to true and reports whether this call did it.
func (b *GormBackend) Claim(ctx context.Context, pk int64) (bool, error) {
	var claimed bool
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row nodeRow
		err := tx.Clauses(clause.Locking{
			Strength: clause.LockingStrengthUpdate,
			Options:  clause.LockingOptionsNoWait,
		}).Select("id", "locked").Where("id = ?", pk).Take(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return nodeNotFound(pk)
		case isLockNotAvailable(err):
			return errClaimContended
		case err != nil:
			return err
		}

		res := tx.Model(&nodeRow{}).Where("id = ? AND locked = ?", pk, false).
			Updates(map[string]interface{}{"locked": true, "mtime": b.now().UTC()})
		if res.Error != nil {
			return res.Error
		}
		claimed = res.RowsAffected == 1
		return nil
	})
	switch {
	case errors.Is(err, errClaimContended):
		return false, nil
	case core.IsNotFound(err):
		return false, err
	case err != nil:
		return false, fmt.Errorf("claiming node %d: %w", pk, err)
	}
	return claimed, nil
}

// Release clears a lock flag that is currently set.
func (b *GormBackend) Release(ctx context.Context, pk int64) error {
	res := b.db.WithContext(ctx).Model(&nodeRow{}).Where("id = ? AND locked = ?", pk, true).
		Updates(map[string]interface{}{"locked": false, "mtime": b.now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("releasing node %d: %w", pk, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if err := b.nodeExists(ctx, pk); err != nil {
		return err
	}
	return errNotLocked(pk)
}

// ForceRelease clears the lock flag unconditionally.
func (b *GormBackend) ForceRelease(ctx context.Context, pk int64) error {
	return b.updateNode(ctx, pk, "locked", false)
}

func (b *GormBackend) nodeExists(ctx context.Context, pk int64) error {
	var count int64
	if err := b.db.WithContext(ctx).Model(&nodeRow{}).Where("id = ?", pk).Count(&count).Error; err != nil {
		return fmt.Errorf("probing node %d: %w", pk, err)
	}
	if count == 0 {
		return nodeNotFound(pk)
	}
	return nil
}

// SetDaemonTimestamp records the time of a task bracket.
func (b *GormBackend) SetDaemonTimestamp(ctx context.Context, task string, phase core.DaemonPhase, at time.Time) error {
	err := b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "task_name"}, {Name: "phase"}},
		DoUpdates: clause.AssignmentColumns([]string{"at"}),
	}).Create(&timestampRow{TaskName: task, Phase: string(phase), At: at.UTC()}).Error
	if err != nil {
		return fmt.Errorf("setting %s timestamp of %s: %w", phase, task, err)
	}
	return nil
}

// DaemonTimestamp returns the stored time and whether one exists.
func (b *GormBackend) DaemonTimestamp(ctx context.Context, task string, phase core.DaemonPhase) (time.Time, bool, error) {
	var row timestampRow
	err := b.db.WithContext(ctx).Where("task_name = ? AND phase = ?", task, string(phase)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading %s timestamp of %s: %w", phase, task, err)
	}
	return row.At.UTC(), true, nil
}

// isLockNotAvailable reports whether err is a NOWAIT row-lock conflict.
func isLockNotAvailable(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "55P03" // lock_not_available
	}
	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 3572 // ER_LOCK_NOWAIT
	}
	return false
}

func toNodeRow(n *core.Node) nodeRow {
	return nodeRow{
		ID:            n.PK,
		UUID:          n.UUID,
		NodeType:      string(n.Type),
		ProcessType:   n.ProcessType,
		Label:         n.Label,
		ProcessStatus: string(n.Status),
		JobState:      string(n.JobState),
		Computer:      n.Computer,
		UserEmail:     n.User,
		JobID:         n.JobID,
		Locked:        n.Locked,
		CreatedAt:     n.CreatedAt,
		ModifiedAt:    n.ModifiedAt,
	}
}

func (r *nodeRow) toNode() *core.Node {
	return &core.Node{
		PK:          r.ID,
		UUID:        r.UUID,
		Type:        core.NodeType(r.NodeType),
		ProcessType: r.ProcessType,
		Label:       r.Label,
		Status:      core.ProcessStatus(r.ProcessStatus),
		JobState:    core.JobState(r.JobState),
		Computer:    r.Computer,
		User:        r.UserEmail,
		JobID:       r.JobID,
		Locked:      r.Locked,
		CreatedAt:   r.CreatedAt.UTC(),
		ModifiedAt:  r.ModifiedAt.UTC(),
	}
}
