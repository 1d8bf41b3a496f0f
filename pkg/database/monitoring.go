package database

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"

	"github.com/reachflow-go/pkg/logger"
)

var (
	connectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "database_connections_open",
		Help: "Number of open database connections",
	})
	connectionsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "database_connections_in_use",
		Help: "Number of database connections in use",
	})
	connectionsWait = promauto.NewCounter(prometheus.CounterOpts{
		Name: "database_connections_wait_total",
		Help: "Total number of waits for a free connection",
	})
	queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "database_query_duration_seconds",
		Help:    "Database statement duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	}, []string{"operation", "table"})
	queryErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "database_errors_total",
		Help: "Total number of failed database statements",
	}, []string{"operation", "table"})
	slowQueries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "database_slow_queries_total",
		Help: "Total number of slow queries",
	})
)

const startKey = "monitor:start"

// Monitor records statement metrics through gorm callbacks and samples the
// connection pool on an interval.
type Monitor struct {
	sqlDB    *sql.DB
	logger   logger.Logger
	interval time.Duration
	lastWait int64

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewMonitor(db *DB, log logger.Logger, interval time.Duration) (*Monitor, error) {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}

	m := &Monitor{
		sqlDB:    sqlDB,
		logger:   log.With("component", "db_monitor"),
		interval: interval,
	}
	if err := m.registerCallbacks(db.DB); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Monitor) registerCallbacks(db *gorm.DB) error {
	before := func(tx *gorm.DB) { tx.InstanceSet(startKey, time.Now()) }
	after := func(operation string) func(*gorm.DB) {
		return func(tx *gorm.DB) { observe(tx, operation) }
	}

	cb := db.Callback()
	steps := []error{
		cb.Query().Before("gorm:query").Register("monitor:before_query", before),
		cb.Query().After("gorm:query").Register("monitor:after_query", after("query")),
		cb.Create().Before("gorm:create").Register("monitor:before_create", before),
		cb.Create().After("gorm:create").Register("monitor:after_create", after("create")),
		cb.Update().Before("gorm:update").Register("monitor:before_update", before),
		cb.Update().After("gorm:update").Register("monitor:after_update", after("update")),
		cb.Delete().Before("gorm:delete").Register("monitor:before_delete", before),
		cb.Delete().After("gorm:delete").Register("monitor:after_delete", after("delete")),
		cb.Raw().Before("gorm:raw").Register("monitor:before_raw", before),
		cb.Raw().After("gorm:raw").Register("monitor:after_raw", after("raw")),
	}
	for _, err := range steps {
		if err != nil {
			return err
		}
	}
	return nil
}

func observe(tx *gorm.DB, operation string) {
	v, ok := tx.InstanceGet(startKey)
	if !ok {
		return
	}
	start, ok := v.(time.Time)
	if !ok {
		return
	}

	table := tx.Statement.Table
	queryDuration.WithLabelValues(operation, table).Observe(time.Since(start).Seconds())
	if tx.Error != nil && !errors.Is(tx.Error, gorm.ErrRecordNotFound) {
		queryErrors.WithLabelValues(operation, table).Inc()
	}
}

// Start samples pool statistics until ctx is done or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})

	m.wg.Add(1)
	go m.monitor(ctx)
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopChan)
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Monitor) monitor(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *Monitor) collect() {
	stats := m.PoolStats()
	connectionsOpen.Set(float64(stats.OpenConnections))
	connectionsInUse.Set(float64(stats.InUse))
	if delta := stats.WaitCount - m.lastWait; delta > 0 {
		connectionsWait.Add(float64(delta))
	}
	m.lastWait = stats.WaitCount

	if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
		m.logger.Warn("Database connection pool exhausted", "inUse", stats.InUse, "max", stats.MaxOpenConnections)
	}
}

func (m *Monitor) PoolStats() sql.DBStats {
	return m.sqlDB.Stats()
}
