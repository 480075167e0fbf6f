package embeddings

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownProvider is returned for an unregistered provider id.
	ErrUnknownProvider = errors.New("unknown embedding provider")

	// ErrDimensionMismatch is returned when a fallback provider's width
	// differs from the requested one. The service never silently changes
	// dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrRateLimited is returned when a provider's token bucket is empty
	// and the context cannot wait.
	ErrRateLimited = errors.New("embedding provider rate limited")
)

// Provider produces fixed-width vectors for a named model.
type Provider interface {
	ID() string
	Dimension() int
	RequiresAPIKey() bool
	Encode(ctx context.Context, texts []string) ([][]float32, error)
	EncodeBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ProviderConfig is one row of the embedding-provider table supplied by the
// enclosing service's configuration.
type ProviderConfig struct {
	ID        string `mapstructure:"id"`
	Kind      string `mapstructure:"kind"` // remote_text, remote_image, local
	Dimension int    `mapstructure:"dimension"`
	Endpoint  string `mapstructure:"endpoint"`
	APIKeyEnv string `mapstructure:"api_key_env"`
	RateLimit int    `mapstructure:"rate_limit"` // requests per second; 0 = unlimited
}

// Config holds embedding service configuration.
type Config struct {
	Providers       []ProviderConfig `mapstructure:"providers"`
	DefaultProvider string           `mapstructure:"default_provider"`
	FallbackLocal   string           `mapstructure:"fallback_local"` // local provider id, optional
	Timeout         time.Duration    `mapstructure:"timeout"`
	CacheTTL        time.Duration    `mapstructure:"cache_ttl"`
	MaxLRU          int              `mapstructure:"max_lru"`
}
