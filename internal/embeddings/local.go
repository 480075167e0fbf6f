package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// LocalProvider is a deterministic, dependency-free text embedder: token
// hashes projected onto a fixed-width unit vector. It exists as a fallback
// when remote providers are unreachable and as the provider under test.
// Identical texts map to identical vectors and token overlap raises cosine
// similarity, which is all the tests and the fallback path need.
type LocalProvider struct {
	id        string
	dimension int
}

func NewLocalProvider(id string, dimension int) *LocalProvider {
	if dimension <= 0 {
		dimension = 256
	}
	return &LocalProvider{id: id, dimension: dimension}
}

func (p *LocalProvider) ID() string           { return p.id }
func (p *LocalProvider) Dimension() int       { return p.dimension }
func (p *LocalProvider) RequiresAPIKey() bool { return false }

func (p *LocalProvider) Encode(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.encodeOne(t)
	}
	return out, nil
}

func (p *LocalProvider) EncodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return p.Encode(ctx, texts)
}

func (p *LocalProvider) encodeOne(text string) []float32 {
	vec := make([]float32, p.dimension)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(p.dimension))
		// Sign from a high bit keeps the distribution roughly centered.
		if sum&(1<<63) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}
	// L2-normalize so cosine distance behaves.
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}
