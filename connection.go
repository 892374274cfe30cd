package zorel

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Connection executes the statements built by tables, queries and
// associations. Transactions are carried in the context.
type Connection struct {
	Name          string
	db            *sql.DB
	dialect       *Dialect
	resolver      *DBResolver
	logger        *slog.Logger
	slowThreshold time.Duration
	stmts         *StmtCache
	stats         QueryStats
}

// Option configures a Connection.
type Option func(*Connection)

// WithDialect sets the SQL dialect. Default is SQLite3.
func WithDialect(d *Dialect) Option {
	return func(c *Connection) {
		c.dialect = d
	}
}

// WithLogger sets the logger statements are reported to.
func WithLogger(l *slog.Logger) Option {
	return func(c *Connection) {
		c.logger = l
	}
}

// WithResolver routes reads outside transactions to replicas. Writes and
// transactions use the resolver's primary, defaulting to the connection's
// pool.
func WithResolver(r *DBResolver) Option {
	return func(c *Connection) {
		c.resolver = r
	}
}

// WithSlowThreshold sets the duration above which statements are logged at
// warn level. Default is 100ms.
func WithSlowThreshold(d time.Duration) Option {
	return func(c *Connection) {
		c.slowThreshold = d
	}
}

// WithStmtCache prepares statements once and reuses them, keeping at most
// capacity statements per connection.
func WithStmtCache(capacity int) Option {
	return func(c *Connection) {
		c.stmts = NewStmtCache(capacity)
	}
}

// WithName names the connection in log records.
func WithName(name string) Option {
	return func(c *Connection) {
		c.Name = name
	}
}

// NewConnection wraps db.
func NewConnection(db *sql.DB, opts ...Option) *Connection {
	c := &Connection{
		Name:          "default",
		db:            db,
		dialect:       Dialects.SQLite3,
		slowThreshold: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	switch {
	case c.resolver == nil:
		c.resolver = NewResolver(WithPrimary(db))
	case c.resolver.Primary() != nil:
		c.db = c.resolver.Primary()
	default:
		c.resolver.primary = c.db
	}
	return c
}

// DB returns the primary database handle.
func (c *Connection) DB() *sql.DB { return c.db }

// Dialect returns the connection dialect.
func (c *Connection) Dialect() *Dialect { return c.dialect }

// Logger returns the connection logger.
func (c *Connection) Logger() *slog.Logger { return c.logger }

// Close closes cached statements, the primary handle and any replicas.
func (c *Connection) Close() error {
	if c.stmts != nil {
		c.stmts.Clear()
	}
	return c.resolver.Close()
}

func (c *Connection) querier(ctx context.Context, write bool) querier {
	tx, _ := ctx.Value(txKey{c}).(*sql.Tx)
	return c.resolver.route(tx, write)
}

// query runs a read statement. Reads inside a transaction use it; others may
// go to a replica.
func (c *Connection) query(ctx context.Context, query string, args []any) (*sql.Rows, error) {
	return c.queryOn(ctx, c.querier(ctx, false), "SELECT", query, args, true)
}

// queryPrimary runs a read statement on the primary, used for INSERT ...
// RETURNING.
func (c *Connection) queryPrimary(ctx context.Context, op, query string, args []any) (*sql.Rows, error) {
	return c.queryOn(ctx, c.querier(ctx, true), op, query, args, false)
}

func (c *Connection) queryOn(ctx context.Context, q querier, op, query string, args []any, isRead bool) (*sql.Rows, error) {
	query = c.dialect.Rebind(query)
	start := time.Now()

	stmt, release, ok, err := c.prepared(ctx, q, query)
	if err != nil {
		c.record(ctx, query, args, start, err, isRead)
		return nil, WrapQueryError("PREPARE", query, args, err)
	}

	var rows *sql.Rows
	if ok {
		// the driver keeps the statement alive until rows are closed
		rows, err = stmt.QueryContext(ctx, args...)
		release()
	} else {
		rows, err = q.QueryContext(ctx, query, args...)
	}
	c.record(ctx, query, args, start, err, isRead)
	if err != nil {
		return nil, WrapQueryError(op, query, args, err)
	}
	return rows, nil
}

// exec runs a write statement.
func (c *Connection) exec(ctx context.Context, op, query string, args []any) (sql.Result, error) {
	query = c.dialect.Rebind(query)
	start := time.Now()
	q := c.querier(ctx, true)

	stmt, release, ok, err := c.prepared(ctx, q, query)
	if err != nil {
		c.record(ctx, query, args, start, err, false)
		return nil, WrapQueryError("PREPARE", query, args, err)
	}

	var res sql.Result
	if ok {
		res, err = stmt.ExecContext(ctx, args...)
		release()
	} else {
		res, err = q.ExecContext(ctx, query, args...)
	}
	c.record(ctx, query, args, start, err, false)
	if err != nil {
		return nil, WrapQueryError(op, query, args, err)
	}
	return res, nil
}

// queryStrings reads a single string column.
func (c *Connection) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := c.query(ctx, query, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, WrapQueryError("SELECT", query, args, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (c *Connection) record(ctx context.Context, query string, args []any, start time.Time, err error, isQuery bool) {
	duration := time.Since(start)
	if isQuery {
		c.stats.TotalQueries.Add(1)
	} else {
		c.stats.TotalExecs.Add(1)
	}
	c.stats.TotalDuration.Add(int64(duration))
	if err != nil {
		c.stats.Errors.Add(1)
	}

	if duration > c.slowThreshold {
		c.stats.SlowQueries.Add(1)
		c.logger.WarnContext(ctx, "slow query detected", "duration", duration, "query", query, "args", args)
		return
	}
	c.logger.DebugContext(ctx, "query", "connection", c.Name, "duration", duration, "query", query, "args", args, "error", err)
}

// Stats returns a snapshot of the statement counters.
func (c *Connection) Stats() StatsSnapshot {
	return c.stats.Stats()
}

// ResetStats zeroes the statement counters.
func (c *Connection) ResetStats() {
	c.stats.Reset()
}

// QueryStats holds statement counters.
type QueryStats struct {
	TotalQueries  atomic.Int64
	TotalExecs    atomic.Int64
	TotalDuration atomic.Int64 // nanoseconds
	SlowQueries   atomic.Int64
	Errors        atomic.Int64
}

// Stats returns a snapshot of the current statistics.
func (s *QueryStats) Stats() StatsSnapshot {
	return StatsSnapshot{
		TotalQueries:  s.TotalQueries.Load(),
		TotalExecs:    s.TotalExecs.Load(),
		TotalDuration: time.Duration(s.TotalDuration.Load()),
		SlowQueries:   s.SlowQueries.Load(),
		Errors:        s.Errors.Load(),
	}
}

// Reset resets all statistics to zero.
func (s *QueryStats) Reset() {
	s.TotalQueries.Store(0)
	s.TotalExecs.Store(0)
	s.TotalDuration.Store(0)
	s.SlowQueries.Store(0)
	s.Errors.Store(0)
}

// StatsSnapshot is a point-in-time copy of QueryStats.
type StatsSnapshot struct {
	TotalQueries  int64
	TotalExecs    int64
	TotalDuration time.Duration
	SlowQueries   int64
	Errors        int64
}

func (s StatsSnapshot) String() string {
	return fmt.Sprintf("queries=%d execs=%d duration=%s slow=%d errors=%d",
		s.TotalQueries, s.TotalExecs, s.TotalDuration, s.SlowQueries, s.Errors)
}
