// Package config loads the service configuration from a YAML file with
// environment overrides for secrets and deployment knobs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"

	"github.com/Healer-AI/p8fs-sub003/internal/affinity"
	"github.com/Healer-AI/p8fs-sub003/internal/dreaming"
	"github.com/Healer-AI/p8fs-sub003/internal/embeddings"
	"github.com/Healer-AI/p8fs-sub003/internal/llm"
	"github.com/Healer-AI/p8fs-sub003/internal/session"
	"github.com/Healer-AI/p8fs-sub003/internal/storage"
	"github.com/Healer-AI/p8fs-sub003/internal/tracing"
)

// ServiceConfig holds the outer service surface.
type ServiceConfig struct {
	MetricsPort     int           `mapstructure:"metrics_port"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
}

// AuthConfig holds token validation settings. The secret itself always
// comes from the environment.
type AuthConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	JWTSecretEnv string `mapstructure:"jwt_secret_env"`
}

// Config is the full service configuration tree.
type Config struct {
	Service    ServiceConfig     `mapstructure:"service"`
	Auth       AuthConfig        `mapstructure:"auth"`
	Storage    storage.Config    `mapstructure:"storage"`
	Embeddings embeddings.Config `mapstructure:"embeddings"`
	LLM        llm.Config        `mapstructure:"llm"`
	Session    session.Config    `mapstructure:"session"`
	Affinity   affinity.Config   `mapstructure:"affinity"`
	Dreaming   dreaming.Config   `mapstructure:"dreaming"`
	Tracing    tracing.Config    `mapstructure:"tracing"`
	Logging    LoggingConfig     `mapstructure:"logging"`
}

// LoggingConfig selects the zap profile.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "console"
}

// Load reads the config file at P8FS_CONFIG (default /app/config/p8fs.yaml)
// and applies defaults and env overrides. Secrets (database passwords, API
// keys) never live in the file; the file names the env variables that carry
// them.
func Load() (*Config, error) {
	path := os.Getenv("P8FS_CONFIG")
	if path == "" {
		path = "/app/config/p8fs.yaml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		if _, missing := err.(viper.ConfigFileNotFoundError); !missing && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		// No file is fine; defaults plus env carry a dev setup.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// Provider lists do not flatten into viper defaults; backstop them here
	// so a file-less boot still has the deterministic local providers the
	// default_provider and fallback_local names point at.
	if len(cfg.Embeddings.Providers) == 0 {
		cfg.Embeddings.Providers = []embeddings.ProviderConfig{
			{ID: "text-default", Kind: "local", Dimension: 384},
			{ID: "local", Kind: "local", Dimension: 384},
		}
	}
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.metrics_port", 2112)
	v.SetDefault("service.graceful_timeout", "15s")

	v.SetDefault("storage.host", "localhost")
	v.SetDefault("storage.port", 5432)
	v.SetDefault("storage.user", "p8fs")
	v.SetDefault("storage.database", "p8fs")
	v.SetDefault("storage.ssl_mode", "disable")
	v.SetDefault("storage.redis_addr", "localhost:6379")

	v.SetDefault("embeddings.default_provider", "text-default")
	v.SetDefault("embeddings.fallback_local", "local")
	v.SetDefault("embeddings.timeout", "5s")
	v.SetDefault("embeddings.cache_ttl", "1h")

	v.SetDefault("llm.timeout", "60s")
	v.SetDefault("llm.api_key_env", "LLM_API_KEY")

	v.SetDefault("session.compression_threshold", 500)

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.jwt_secret_env", "P8FS_JWT_SECRET")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("tracing.service_name", "p8fs-core")
}

// applyEnvOverrides covers the deployment variables that commonly differ
// from the packaged file.
func applyEnvOverrides(cfg *Config) {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Storage.RedisAddr = addr
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		cfg.Storage.Host = host
	}
	if port := os.Getenv("POSTGRES_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil && n > 0 {
			cfg.Storage.Port = n
		}
	}
	if endpoint := os.Getenv("LLM_ENDPOINT"); endpoint != "" {
		cfg.LLM.Endpoint = endpoint
	}
	if endpoint := os.Getenv("OTLP_ENDPOINT"); endpoint != "" {
		cfg.Tracing.OTLPEndpoint = endpoint
		cfg.Tracing.Enabled = true
	}
}

// JWTSecret resolves the signing secret from the configured env variable.
func (c *Config) JWTSecret() []byte {
	name := c.Auth.JWTSecretEnv
	if name == "" {
		name = "P8FS_JWT_SECRET"
	}
	return []byte(os.Getenv(name))
}
