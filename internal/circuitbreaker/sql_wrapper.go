package circuitbreaker

import (
	"context"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// SQLWrapper guards a sqlx connection pool with a circuit breaker. Query
// methods return the breaker error when the circuit is open so callers never
// touch a dependency that is known to be down.
type SQLWrapper struct {
	db *sqlx.DB
	cb *CircuitBreaker
}

// NewSQLWrapper wraps db with a breaker named "postgres".
func NewSQLWrapper(db *sqlx.DB, logger *zap.Logger) *SQLWrapper {
	return &SQLWrapper{
		db: db,
		cb: New("postgres", DefaultConfig(), logger),
	}
}

// PingContext wraps Ping with the breaker.
func (w *SQLWrapper) PingContext(ctx context.Context) error {
	return w.cb.Execute(ctx, func() error {
		return w.db.PingContext(ctx)
	})
}

// ExecContext wraps Exec with the breaker.
func (w *SQLWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) error {
	return w.cb.Execute(ctx, func() error {
		_, err := w.db.ExecContext(ctx, query, args...)
		return err
	})
}

// QueryxContext wraps Queryx with the breaker.
func (w *SQLWrapper) QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error) {
	var rows *sqlx.Rows
	err := w.cb.Execute(ctx, func() error {
		var err error
		rows, err = w.db.QueryxContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// GetContext wraps sqlx.Get with the breaker.
func (w *SQLWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return w.cb.Execute(ctx, func() error {
		return w.db.GetContext(ctx, dest, query, args...)
	})
}

// State exposes the breaker state for health checks.
func (w *SQLWrapper) State() State { return w.cb.State() }

// DB returns the underlying pool for engine-specific extensions.
func (w *SQLWrapper) DB() *sqlx.DB { return w.db }

// Close closes the pool.
func (w *SQLWrapper) Close() error { return w.db.Close() }
