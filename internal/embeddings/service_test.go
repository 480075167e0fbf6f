package embeddings

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Healer-AI/p8fs-sub003/internal/circuitbreaker"
)

// flakyProvider fails a fixed number of calls before succeeding.
type flakyProvider struct {
	*LocalProvider
	failures int
	calls    int
}

func (f *flakyProvider) EncodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("upstream unreachable")
	}
	return f.LocalProvider.EncodeBatch(ctx, texts)
}

func (f *flakyProvider) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	return f.EncodeBatch(ctx, texts)
}

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	s, err := NewService(cfg, nil, zap.NewNop())
	require.NoError(t, err)
	return s
}

func localConfig() Config {
	return Config{
		Providers: []ProviderConfig{
			{ID: "local-test", Kind: "local", Dimension: 64},
		},
		DefaultProvider: "local-test",
	}
}

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

func TestLocalProviderDeterministic(t *testing.T) {
	p := NewLocalProvider("local-test", 64)
	ctx := context.Background()

	v1, err := p.Encode(ctx, []string{"the quick brown fox"})
	require.NoError(t, err)
	v2, err := p.Encode(ctx, []string{"the quick brown fox"})
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Len(t, v1[0], 64)
	// Unit-normalized.
	assert.InDelta(t, 1.0, cosine(v1[0], v1[0]), 1e-5)
}

func TestLocalProviderOverlapRaisesSimilarity(t *testing.T) {
	p := NewLocalProvider("local-test", 256)
	ctx := context.Background()

	vecs, err := p.Encode(ctx, []string{
		"database schema migration plan",
		"database schema migration steps",
		"holiday photos from the beach",
	})
	require.NoError(t, err)

	near := cosine(vecs[0], vecs[1])
	far := cosine(vecs[0], vecs[2])
	assert.Greater(t, near, far)
}

func TestServiceDimensions(t *testing.T) {
	s := newTestService(t, localConfig())

	d, err := s.Dimension("local-test")
	require.NoError(t, err)
	assert.Equal(t, 64, d)

	_, err = s.Dimension("nope")
	require.ErrorIs(t, err, ErrUnknownProvider)

	assert.Equal(t, map[string]int{"local-test": 64}, s.Dimensions())
}

func TestServiceUnknownKindRejected(t *testing.T) {
	_, err := NewService(Config{
		Providers: []ProviderConfig{{ID: "x", Kind: "quantum"}},
	}, nil, zap.NewNop())
	require.Error(t, err)
}

func TestEmbedServesFromLRU(t *testing.T) {
	s := newTestService(t, localConfig())
	flaky := &flakyProvider{LocalProvider: NewLocalProvider("flaky", 64)}
	s.Register(flaky)

	ctx := context.Background()
	v1, err := s.Embed(ctx, "flaky", "cache me")
	require.NoError(t, err)
	require.Equal(t, 1, flaky.calls)

	v2, err := s.Embed(ctx, "flaky", "cache me")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	// Served from the LRU, no second provider call.
	assert.Equal(t, 1, flaky.calls)
}

func TestEmbedFallsBackToLocal(t *testing.T) {
	s := newTestService(t, Config{
		Providers: []ProviderConfig{
			{ID: "local-fb", Kind: "local", Dimension: 64},
		},
		FallbackLocal: "local-fb",
	})
	flaky := &flakyProvider{LocalProvider: NewLocalProvider("remote", 64), failures: 1000}
	s.Register(flaky)

	vec, err := s.Embed(context.Background(), "remote", "hello")
	require.NoError(t, err)
	assert.Len(t, vec, 64)
}

func TestEmbedFallbackDimensionMismatch(t *testing.T) {
	s := newTestService(t, Config{
		Providers: []ProviderConfig{
			{ID: "local-fb", Kind: "local", Dimension: 32},
		},
		FallbackLocal: "local-fb",
	})
	flaky := &flakyProvider{LocalProvider: NewLocalProvider("remote", 64), failures: 1000}
	s.Register(flaky)

	_, err := s.Embed(context.Background(), "remote", "hello")
	require.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	cli := circuitbreaker.NewRedisWrapper(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zap.NewNop())
	cache := NewRedisCache(cli)
	ctx := context.Background()

	_, ok := cache.Get(ctx, "emb:missing")
	assert.False(t, ok)

	vec := []float32{0.25, -1.5, 3.0}
	cache.Set(ctx, "emb:k", vec, time.Minute)

	got, ok := cache.Get(ctx, "emb:k")
	require.True(t, ok)
	assert.Equal(t, vec, got)
}

func TestSetCacheSharesRedisTierAcrossProcesses(t *testing.T) {
	mr := miniredis.RunT(t)
	cli := circuitbreaker.NewRedisWrapper(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zap.NewNop())
	ctx := context.Background()

	first := newTestService(t, localConfig())
	first.SetCache(NewRedisCache(cli))
	flaky := &flakyProvider{LocalProvider: NewLocalProvider("flaky", 64)}
	first.Register(flaky)

	vec, err := first.Embed(ctx, "flaky", "warm the shared tier")
	require.NoError(t, err)
	require.Equal(t, 1, flaky.calls)

	// A second service with a cold LRU and a dead provider still answers
	// from the shared Redis tier.
	second := newTestService(t, localConfig())
	second.SetCache(NewRedisCache(cli))
	dead := &flakyProvider{LocalProvider: NewLocalProvider("flaky", 64), failures: 1000}
	second.Register(dead)

	got, err := second.Embed(ctx, "flaky", "warm the shared tier")
	require.NoError(t, err)
	assert.Equal(t, vec, got)
	assert.Zero(t, dead.calls)
}

func TestLocalLRUEvictsOldest(t *testing.T) {
	lru := NewLocalLRU(2)
	ctx := context.Background()

	lru.Set(ctx, "a", []float32{1}, time.Minute)
	lru.Set(ctx, "b", []float32{2}, time.Minute)
	_, ok := lru.Get(ctx, "a")
	require.True(t, ok)

	lru.Set(ctx, "c", []float32{3}, time.Minute)
	_, ok = lru.Get(ctx, "b")
	assert.False(t, ok)
	_, ok = lru.Get(ctx, "a")
	assert.True(t, ok)
}

func TestLocalLRUTTLExpiry(t *testing.T) {
	lru := NewLocalLRU(8)
	ctx := context.Background()

	lru.Set(ctx, "a", []float32{1}, -time.Second)
	_, ok := lru.Get(ctx, "a")
	assert.False(t, ok)
}

func TestMakeKeyStableAndDistinct(t *testing.T) {
	k1 := MakeKey("p1", "text")
	assert.Equal(t, k1, MakeKey("p1", "text"))
	assert.NotEqual(t, k1, MakeKey("p2", "text"))
	assert.NotEqual(t, k1, MakeKey("p1", "other"))
	assert.Contains(t, k1, "emb:")
}
