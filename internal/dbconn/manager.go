package dbconn

import (
	"context"
	"database/sql"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/odxtools/odetl/internal/config"
	"github.com/odxtools/odetl/internal/etlerr"
)

// Default manager behavior. The inter-query delay keeps the pipeline from
// hammering the operational database; the retry policy matches
// PipelineConfig.error_handling defaults.
const (
	DefaultInterQueryDelay = 100 * time.Millisecond
	DefaultMaxAttempts     = 3
	DefaultBaseDelay       = time.Second
)

// Manager runs queries over one lazily acquired connection, rate-limiting
// successive calls and retrying transient failures on a fresh connection.
// A Manager is single-threaded; give each worker its own.
type Manager struct {
	db          *sqlx.DB
	dbType      config.DatabaseType
	logger      *zap.Logger
	limiter     *rate.Limiter
	maxAttempts int
	baseDelay   time.Duration
	conn        *sqlx.Conn
}

// ManagerOption adjusts a Manager.
type ManagerOption func(*Manager)

// WithRetryPolicy overrides attempt count and base backoff delay.
func WithRetryPolicy(attempts int, base time.Duration) ManagerOption {
	return func(m *Manager) {
		if attempts > 0 {
			m.maxAttempts = attempts
		}
		if base > 0 {
			m.baseDelay = base
		}
	}
}

// WithInterQueryDelay overrides the minimum delay between successive calls.
func WithInterQueryDelay(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.limiter = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager wraps a pooled handle in a per-scope manager.
func NewManager(db *sqlx.DB, dbType config.DatabaseType, opts ...ManagerOption) *Manager {
	m := &Manager{
		db:          db,
		dbType:      dbType,
		logger:      zap.NewNop(),
		limiter:     rate.NewLimiter(rate.Every(DefaultInterQueryDelay), 1),
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DB exposes the underlying pooled handle for callers that need
// driver-specific access (COPY).
func (m *Manager) DB() *sqlx.DB { return m.db }

// DatabaseType returns which database this manager talks to.
func (m *Manager) DatabaseType() config.DatabaseType { return m.dbType }

// Exec runs a statement with retry.
func (m *Manager) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := m.withRetry(ctx, "exec", func(ctx context.Context, conn *sqlx.Conn) error {
		var err error
		res, err = conn.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// Query runs a query with retry. The caller must close the rows before the
// next call on this manager; they share its connection.
func (m *Manager) Query(ctx context.Context, query string, args ...any) (*sqlx.Rows, error) {
	var rows *sqlx.Rows
	err := m.withRetry(ctx, "query", func(ctx context.Context, conn *sqlx.Conn) error {
		var err error
		rows, err = conn.QueryxContext(ctx, query, args...)
		return err
	})
	return rows, err
}

// Get scans a single row into dest with retry.
func (m *Manager) Get(ctx context.Context, dest any, query string, args ...any) error {
	return m.withRetry(ctx, "get", func(ctx context.Context, conn *sqlx.Conn) error {
		return conn.GetContext(ctx, dest, query, args...)
	})
}

// Select scans all rows into dest with retry.
func (m *Manager) Select(ctx context.Context, dest any, query string, args ...any) error {
	return m.withRetry(ctx, "select", func(ctx context.Context, conn *sqlx.Conn) error {
		return conn.SelectContext(ctx, dest, query, args...)
	})
}

// Close releases the held connection, if any.
func (m *Manager) Close() error {
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	return err
}

func (m *Manager) acquire(ctx context.Context) (*sqlx.Conn, error) {
	if m.conn != nil {
		return m.conn, nil
	}
	conn, err := m.db.Connx(ctx)
	if err != nil {
		return nil, etlerr.Newf(etlerr.KindConnection, "dbconn.acquire",
			"acquiring %s connection: %w", m.dbType, err)
	}
	m.conn = conn
	return conn, nil
}

func (m *Manager) dispose() {
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

// withRetry applies the rate limit, then runs fn up to maxAttempts times.
// Transient failures dispose the connection so the next attempt starts
// fresh; sleeps are baseDelay doubling per attempt.
func (m *Manager) withRetry(ctx context.Context, op string, fn func(context.Context, *sqlx.Conn) error) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}

	attempt := 0
	operation := func() error {
		attempt++
		conn, err := m.acquire(ctx)
		if err != nil {
			if Retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := fn(ctx, conn); err != nil {
			if Retryable(err) {
				m.logger.Warn("transient query failure",
					zap.Stringer("database", m.dbType),
					zap.String("op", op),
					zap.Int("attempt", attempt),
					zap.Error(err))
				m.dispose()
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	// BackOff values are stateful; build a fresh one per call.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.baseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	err := backoff.Retry(operation, backoff.WithMaxRetries(backoff.WithContext(bo, ctx), uint64(m.maxAttempts-1)))
	if err == nil {
		return nil
	}
	if etlerr.KindOf(err) != etlerr.KindUnknown {
		return err
	}
	return etlerr.Newf(etlerr.KindQuery, "dbconn."+op,
		"%s query failed after %d attempts: %w", m.dbType, attempt, err)
}
