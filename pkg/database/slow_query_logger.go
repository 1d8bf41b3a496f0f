package database

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/reachflow-go/pkg/logger"
)

// SlowQueryThreshold is the default duration above which a query is logged
// at warn level.
const SlowQueryThreshold = 200 * time.Millisecond

// SlowQueryInfo describes one query that exceeded the threshold.
type SlowQueryInfo struct {
	Query     string        `json:"query"`
	Rows      int64         `json:"rows"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// QueryLogger routes gorm's logging through the service logger and keeps the
// most recent slow queries in memory.
type QueryLogger struct {
	logger     logger.Logger
	level      gormlogger.LogLevel
	threshold  time.Duration
	maxQueries int

	mu      sync.RWMutex
	queries []SlowQueryInfo
}

func NewQueryLogger(log logger.Logger, level gormlogger.LogLevel, threshold time.Duration) *QueryLogger {
	if threshold <= 0 {
		threshold = SlowQueryThreshold
	}
	return &QueryLogger{
		logger:     log.With("component", "database"),
		level:      level,
		threshold:  threshold,
		maxQueries: 100,
		queries:    make([]SlowQueryInfo, 0, 100),
	}
}

func (l *QueryLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	return &QueryLogger{
		logger:     l.logger,
		level:      level,
		threshold:  l.threshold,
		maxQueries: l.maxQueries,
		queries:    make([]SlowQueryInfo, 0, l.maxQueries),
	}
}

func (l *QueryLogger) Info(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Info {
		l.logger.Info(msg, "args", args)
	}
}

func (l *QueryLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.logger.Warn(msg, "args", args)
	}
}

func (l *QueryLogger) Error(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Error {
		l.logger.Error(msg, "args", args)
	}
}

// Trace is called by gorm after every statement.
func (l *QueryLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= gormlogger.Error:
		sql, rows := fc()
		l.logger.Error("query failed", "sql", sql, "rows", rows, "duration", elapsed, "error", err)
	case elapsed > l.threshold && l.level >= gormlogger.Warn:
		sql, rows := fc()
		l.record(SlowQueryInfo{Query: sql, Rows: rows, Duration: elapsed, Timestamp: time.Now().UTC()})
		l.logger.Warn("slow query detected", "sql", sql, "rows", rows, "duration", elapsed, "threshold", l.threshold)
	case l.level >= gormlogger.Info:
		sql, rows := fc()
		l.logger.Debug("query", "sql", sql, "rows", rows, "duration", elapsed)
	}
}

func (l *QueryLogger) record(info SlowQueryInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.queries = append(l.queries, info)
	if len(l.queries) > l.maxQueries {
		l.queries = l.queries[len(l.queries)-l.maxQueries:]
	}
	slowQueries.Inc()
}

// RecentSlowQueries returns up to limit slow queries, newest first.
func (l *QueryLogger) RecentSlowQueries(limit int) []SlowQueryInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > len(l.queries) {
		limit = len(l.queries)
	}
	out := make([]SlowQueryInfo, 0, limit)
	for i := len(l.queries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.queries[i])
	}
	return out
}
