package lmsdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/edustack/mcp-lms-assistant/pkg/safety"
)

const (
	defaultRowLimit     = 500
	defaultQueryTimeout = 15 * time.Second
)

// Config configures the MySQL connector.
type Config struct {
	// DSN is a go-sql-driver DSN, e.g. "user:pass@tcp(host:3306)/totara".
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// RowLimit caps the rows returned per query.
	RowLimit int

	// QueryTimeout bounds each statement's execution.
	QueryTimeout time.Duration

	Logger *slog.Logger
}

// MySQL executes read-only statements against a Totara LMS MySQL database.
type MySQL struct {
	db       *sql.DB
	rowLimit int
	timeout  time.Duration
	logger   *slog.Logger
}

var _ Executor = (*MySQL)(nil)

// Open creates a MySQL connector. The connection pool is created lazily;
// use Ping to verify connectivity.
func Open(cfg Config) (*MySQL, error) {
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening mysql pool: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return NewWithDB(db, cfg), nil
}

// NewWithDB wraps an existing pool. Used by tests.
func NewWithDB(db *sql.DB, cfg Config) *MySQL {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rowLimit := cfg.RowLimit
	if rowLimit <= 0 {
		rowLimit = defaultRowLimit
	}
	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	return &MySQL{
		db:       db,
		rowLimit: rowLimit,
		timeout:  timeout,
		logger:   logger.With("component", "lmsdb"),
	}
}

// ExecuteReadOnly implements Executor.
func (m *MySQL) ExecuteReadOnly(ctx context.Context, query string) (*Result, error) {
	if !safety.IsReadOnlyStatement(query) {
		return nil, fmt.Errorf("%w: %q", ErrNotReadOnly, leadingSnippet(query))
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	rows, err := m.db.QueryContext(ctx, query)
	if err != nil {
		return nil, m.classify(err)
	}
	defer rows.Close()

	result, err := scanRows(rows, m.rowLimit)
	if err != nil {
		return nil, m.classify(err)
	}

	m.logger.Debug("query executed",
		"rows", result.RowCount,
		"truncated", result.Truncated,
		"duration", time.Since(start))
	return result, nil
}

// Ping implements Executor.
func (m *MySQL) Ping(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return nil
}

// Close implements Executor.
func (m *MySQL) Close() error {
	return m.db.Close()
}

// classify maps a database error onto a sentinel.
func (m *MySQL) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrQueryTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
}

// scanRows reads up to limit rows into generic maps. Byte slices become
// strings so results serialize cleanly.
func scanRows(rows *sql.Rows, limit int) (*Result, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}

	result := &Result{Columns: columns}
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if len(result.Rows) >= limit {
			result.Truncated = true
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			switch v := values[i].(type) {
			case []byte:
				row[col] = string(v)
			default:
				row[col] = v
			}
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	result.RowCount = len(result.Rows)
	return result, nil
}

// leadingSnippet returns a short prefix for error context.
func leadingSnippet(query string) string {
	const max = 40
	if len(query) > max {
		return query[:max]
	}
	return query
}
