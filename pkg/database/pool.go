package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"perimeter/pkg/structlog"
)

// PoolConfig defines connection pool configuration
type PoolConfig struct {
	DSN                string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetime    time.Duration
	ConnMaxIdleTime    time.Duration
	PingTimeout        time.Duration
	SlowQueryThreshold time.Duration
}

func (c *PoolConfig) applyDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = time.Minute
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 5 * time.Second
	}
	if c.SlowQueryThreshold == 0 {
		c.SlowQueryThreshold = 100 * time.Millisecond
	}
}

// Pool wraps sql.DB and logs slow statements
type Pool struct {
	db     *sql.DB
	config PoolConfig
	logger *structlog.Logger

	mu          sync.Mutex
	slowQueries []SlowQuery
}

type SlowQuery struct {
	Query     string
	Duration  time.Duration
	Timestamp time.Time
}

const maxSlowQueries = 100

// Open connects to postgres and verifies the connection with a ping.
func Open(ctx context.Context, config PoolConfig, logger *structlog.Logger) (*Pool, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	config.applyDefaults()
	if logger == nil {
		logger = structlog.Default()
	}

	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	p := &Pool{db: db, config: config, logger: logger}
	if err := p.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	logger.Info("database pool initialized", structlog.Fields{
		"max_open": config.MaxOpenConns,
		"max_idle": config.MaxIdleConns,
		"lifetime": config.ConnMaxLifetime.String(),
	})
	return p, nil
}

// DB exposes the underlying handle for migrations.
func (p *Pool) DB() *sql.DB { return p.db }

func (p *Pool) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.PingTimeout)
	defer cancel()
	return p.db.PingContext(ctx)
}

func (p *Pool) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	start := time.Now()
	res, err := p.db.ExecContext(ctx, query, args...)
	p.recordQuery(query, time.Since(start), err)
	return res, err
}

func (p *Pool) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	start := time.Now()
	rows, err := p.db.QueryContext(ctx, query, args...)
	p.recordQuery(query, time.Since(start), err)
	return rows, err
}

func (p *Pool) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	start := time.Now()
	row := p.db.QueryRowContext(ctx, query, args...)
	p.recordQuery(query, time.Since(start), row.Err())
	return row
}

func (p *Pool) recordQuery(query string, d time.Duration, err error) {
	if err != nil {
		p.logger.Warn("query failed", structlog.Fields{
			"query": truncateQuery(query, 200),
			"error": err,
		})
	}
	if d < p.config.SlowQueryThreshold {
		return
	}
	sq := SlowQuery{Query: truncateQuery(query, 200), Duration: d, Timestamp: time.Now()}
	p.mu.Lock()
	p.slowQueries = append(p.slowQueries, sq)
	if len(p.slowQueries) > maxSlowQueries {
		p.slowQueries = p.slowQueries[len(p.slowQueries)-maxSlowQueries:]
	}
	p.mu.Unlock()
	p.logger.Warn("slow query", structlog.Fields{"query": sq.Query, "dur_ms": d.Milliseconds()})
}

// SlowQueries returns up to limit of the most recent slow statements.
func (p *Pool) SlowQueries(limit int) []SlowQuery {
	p.mu.Lock()
	defer p.mu.Unlock()
	if limit <= 0 || limit > len(p.slowQueries) {
		limit = len(p.slowQueries)
	}
	out := make([]SlowQuery, limit)
	copy(out, p.slowQueries[len(p.slowQueries)-limit:])
	return out
}

func (p *Pool) Stats() sql.DBStats { return p.db.Stats() }

func (p *Pool) Close() error { return p.db.Close() }

// truncateQuery collapses whitespace and shortens query for logging
func truncateQuery(query string, maxLen int) string {
	cleaned := strings.Join(strings.Fields(query), " ")
	if len(cleaned) > maxLen {
		return cleaned[:maxLen] + "..."
	}
	return cleaned
}
