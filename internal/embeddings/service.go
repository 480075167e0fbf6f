package embeddings

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Healer-AI/p8fs-sub003/internal/metrics"
)

// Service routes embedding requests to named providers with two-level
// caching and per-provider rate limiting.
type Service struct {
	cfg       Config
	providers map[string]Provider
	limiters  map[string]*rate.Limiter
	fallback  Provider
	cache     Cache
	lru       *LocalLRU
	logger    *zap.Logger
}

// NewService builds the provider registry from config. cache may be nil
// (LRU only). Unknown provider kinds are rejected up front.
func NewService(cfg Config, cache Cache, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.MaxLRU == 0 {
		cfg.MaxLRU = 2048
	}

	s := &Service{
		cfg:       cfg,
		providers: make(map[string]Provider, len(cfg.Providers)),
		limiters:  make(map[string]*rate.Limiter, len(cfg.Providers)),
		cache:     cache,
		lru:       NewLocalLRU(cfg.MaxLRU),
		logger:    logger,
	}

	for _, pc := range cfg.Providers {
		var p Provider
		switch pc.Kind {
		case "remote_text", "remote_image":
			p = NewRemoteProvider(pc, cfg.Timeout, logger)
		case "local":
			p = NewLocalProvider(pc.ID, pc.Dimension)
		default:
			return nil, fmt.Errorf("provider %q: unknown kind %q", pc.ID, pc.Kind)
		}
		s.providers[pc.ID] = p
		if pc.RateLimit > 0 {
			s.limiters[pc.ID] = rate.NewLimiter(rate.Limit(pc.RateLimit), pc.RateLimit)
		}
	}

	if cfg.FallbackLocal != "" {
		fb, ok := s.providers[cfg.FallbackLocal]
		if !ok {
			return nil, fmt.Errorf("fallback provider %q not registered", cfg.FallbackLocal)
		}
		s.fallback = fb
	}
	return s, nil
}

// SetCache installs the second cache tier. The service is built before
// storage connects (the provider needs the dimension table), so the shared
// Redis tier arrives after the fact.
func (s *Service) SetCache(c Cache) {
	s.cache = c
}

// Register adds a provider directly; tests use it.
func (s *Service) Register(p Provider) {
	s.providers[p.ID()] = p
}

// Provider returns the registered provider for id.
func (s *Service) Provider(id string) (Provider, error) {
	p, ok := s.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}
	return p, nil
}

// Dimension returns the declared width for a provider id.
func (s *Service) Dimension(id string) (int, error) {
	p, err := s.Provider(id)
	if err != nil {
		return 0, err
	}
	return p.Dimension(), nil
}

// Dimensions returns the full provider -> width table, the shape the
// storage provider wants at construction.
func (s *Service) Dimensions() map[string]int {
	out := make(map[string]int, len(s.providers))
	for id, p := range s.providers {
		out[id] = p.Dimension()
	}
	return out
}

// Embed returns the vector for one text under the named provider.
func (s *Service) Embed(ctx context.Context, providerID, text string) ([]float32, error) {
	vecs, err := s.EmbedBatch(ctx, providerID, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts under the named provider, serving what it can
// from cache. When the remote provider fails and a local fallback with the
// same dimension is configured, the fallback serves the request; a fallback
// with a different width fails with ErrDimensionMismatch instead of
// silently changing dimension.
func (s *Service) EmbedBatch(ctx context.Context, providerID string, texts []string) ([][]float32, error) {
	p, err := s.Provider(providerID)
	if err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	var uncached []string
	var uncachedIdx []int
	for i, text := range texts {
		key := MakeKey(providerID, text)
		if v, ok := s.lru.Get(ctx, key); ok {
			results[i] = v
			continue
		}
		if s.cache != nil {
			if v, ok := s.cache.Get(ctx, key); ok {
				results[i] = v
				s.lru.Set(ctx, key, v, 30*time.Minute)
				continue
			}
		}
		uncached = append(uncached, text)
		uncachedIdx = append(uncachedIdx, i)
	}
	if len(uncached) == 0 {
		metrics.EmbeddingCalls.WithLabelValues(providerID, "cache_hit").Inc()
		return results, nil
	}

	if lim, ok := s.limiters[providerID]; ok {
		if err := lim.Wait(ctx); err != nil {
			metrics.EmbeddingCalls.WithLabelValues(providerID, "rate_limited").Inc()
			return nil, fmt.Errorf("%w: %s", ErrRateLimited, providerID)
		}
	}

	start := time.Now()
	vecs, err := p.EncodeBatch(ctx, uncached)
	if err != nil {
		metrics.EmbeddingCalls.WithLabelValues(providerID, "error").Inc()
		if s.fallback == nil || s.fallback.ID() == providerID {
			return nil, err
		}
		if s.fallback.Dimension() != p.Dimension() {
			return nil, fmt.Errorf("%w: fallback %s is %d-wide, %s needs %d",
				ErrDimensionMismatch, s.fallback.ID(), s.fallback.Dimension(), providerID, p.Dimension())
		}
		s.logger.Warn("Embedding provider unreachable, using local fallback",
			zap.String("provider", providerID),
			zap.String("fallback", s.fallback.ID()),
			zap.Error(err),
		)
		vecs, err = s.fallback.EncodeBatch(ctx, uncached)
		if err != nil {
			return nil, err
		}
	}
	metrics.EmbeddingCalls.WithLabelValues(providerID, "ok").Inc()
	metrics.EmbeddingDuration.WithLabelValues(providerID).Observe(time.Since(start).Seconds())

	for i, vec := range vecs {
		idx := uncachedIdx[i]
		results[idx] = vec
		key := MakeKey(providerID, uncached[i])
		s.lru.Set(ctx, key, vec, 30*time.Minute)
		if s.cache != nil {
			s.cache.Set(ctx, key, vec, s.cfg.CacheTTL)
		}
	}
	return results, nil
}
