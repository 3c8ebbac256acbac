package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"

	"github.com/muhrin/aiida-core/internal/logging"
)

// GormLogger routes GORM logs to the application logger.
type GormLogger struct {
	logger        *logging.Logger
	SlowThreshold time.Duration
	LogLevel      gormlogger.LogLevel
}

// NewGormLogger creates a GORM logger adapter at warn level.
func NewGormLogger(logger *logging.Logger) *GormLogger {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &GormLogger{
		logger:        logger.With("component", "gorm"),
		SlowThreshold: 200 * time.Millisecond,
		LogLevel:      gormlogger.Warn,
	}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	newLogger := *l
	newLogger.LogLevel = level
	return &newLogger
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormlogger.Info {
		l.logger.InfoContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormlogger.Warn {
		l.logger.WarnContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormlogger.Error {
		l.logger.ErrorContext(ctx, fmt.Sprintf(msg, data...))
	}
}

// shortCaller keeps only package/file:line.
func shortCaller(caller string) string {
	parts := strings.Split(caller, "/")
	if len(parts) >= 2 {
		return strings.Join(parts[len(parts)-2:], "/")
	}
	return caller
}

func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.LogLevel <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	attrs := []any{
		"caller", shortCaller(utils.FileWithLineNum()),
		"latency", elapsed,
		"rows", rows,
		"sql", sql,
	}

	switch {
	// Missing rows and NOWAIT conflicts are ordinary outcomes for this store.
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && !isLockNotAvailable(err):
		l.logger.ErrorContext(ctx, "SQL", append(attrs, "error", err)...)
	case elapsed > l.SlowThreshold && l.SlowThreshold != 0:
		l.logger.WarnContext(ctx, "SQL SLOW", attrs...)
	case l.LogLevel >= gormlogger.Info:
		l.logger.DebugContext(ctx, "SQL", attrs...)
	}
}
