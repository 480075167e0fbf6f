// Package storage is the single substrate abstraction every other core
// component calls: Postgres (with pgvector columns) for rows and similarity,
// Redis for the tenant-prefixed KV space.
package storage

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/Healer-AI/p8fs-sub003/internal/circuitbreaker"
)

// Config holds substrate connection configuration.
type Config struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

// Provider owns both substrates plus the table metadata cache. All DML is
// parameterized; all reads are tenant-filtered by the callers through the
// descriptor contract.
type Provider struct {
	sql        *circuitbreaker.SQLWrapper
	kv         *circuitbreaker.RedisWrapper
	dimensions map[string]int // embedding provider id -> vector width
	meta       *metaCache
	logger     *zap.Logger

	stopCh chan struct{}
}

// Connect opens both substrates, retrying the SQL ping with bounded
// exponential backoff up to cfg.ConnectTimeout.
func Connect(ctx context.Context, cfg Config, dimensions map[string]int, logger *zap.Logger) (*Provider, error) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 5
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "require"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.Password == "" {
		cfg.Password = os.Getenv("POSTGRES_PASSWORD")
	}
	if cfg.RedisPassword == "" {
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	rawDB, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	rawDB.SetMaxOpenConns(cfg.MaxConnections)
	rawDB.SetMaxIdleConns(cfg.IdleConnections)
	rawDB.SetConnMaxLifetime(cfg.MaxLifetime)

	if err := pingWithBackoff(ctx, rawDB, cfg.ConnectTimeout, logger); err != nil {
		rawDB.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	kv := circuitbreaker.NewRedisWrapper(redisClient, logger)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := kv.Ping(pingCtx).Err(); err != nil {
		rawDB.Close()
		return nil, fmt.Errorf("%w: redis: %v", ErrConnect, err)
	}

	p := New(rawDB, redisClient, dimensions, logger)
	go p.healthCheck()

	logger.Info("Storage provider connected",
		zap.String("host", cfg.Host),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.Int("max_connections", cfg.MaxConnections),
	)
	return p, nil
}

// New builds a provider from already-open clients. Tests use it with
// sqlmock and miniredis.
func New(db *sqlx.DB, redisClient *redis.Client, dimensions map[string]int, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		sql:        circuitbreaker.NewSQLWrapper(db, logger),
		kv:         circuitbreaker.NewRedisWrapper(redisClient, logger),
		dimensions: dimensions,
		meta:       newMetaCache(128),
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// pingWithBackoff retries the initial ping with exponential backoff until
// the deadline passes.
func pingWithBackoff(ctx context.Context, db *sqlx.DB, timeout time.Duration, logger *zap.Logger) error {
	deadline := time.Now().Add(timeout)
	delay := 250 * time.Millisecond
	var lastErr error
	for attempt := 1; ; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		lastErr = db.PingContext(pingCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		if time.Now().Add(delay).After(deadline) {
			return lastErr
		}
		logger.Warn("Database ping failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > 5*time.Second {
			delay = 5 * time.Second
		}
	}
}

// healthCheck pings the SQL pool periodically until Close.
func (p *Provider) healthCheck() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := p.sql.PingContext(ctx); err != nil {
				p.logger.Error("Database health check failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// KV exposes the breaker-wrapped Redis client for components that layer
// their own caches on the shared substrate.
func (p *Provider) KV() *circuitbreaker.RedisWrapper { return p.kv }

// PingSQL checks the relational substrate.
func (p *Provider) PingSQL(ctx context.Context) error {
	return p.sql.PingContext(ctx)
}

// PingKV checks the key-value substrate.
func (p *Provider) PingKV(ctx context.Context) error {
	return p.kv.Ping(ctx).Err()
}

// Dimension returns the declared vector width for an embedding provider id.
func (p *Provider) Dimension(providerID string) (int, bool) {
	d, ok := p.dimensions[providerID]
	return d, ok
}

// InvalidateTable drops one table from the metadata cache.
func (p *Provider) InvalidateTable(table string) { p.meta.invalidate(table) }

// ClearTableCache drops all cached table metadata.
func (p *Provider) ClearTableCache() { p.meta.clear() }

// Close shuts both substrates down.
func (p *Provider) Close() error {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	if err := p.kv.Close(); err != nil {
		p.logger.Warn("Redis close failed", zap.Error(err))
	}
	return p.sql.Close()
}
