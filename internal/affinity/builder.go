// Package affinity discovers relationships between resources by nearest
// neighbor search over their embeddings and materializes them as graph
// edges on the source resource.
package affinity

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Healer-AI/p8fs-sub003/internal/llm"
	"github.com/Healer-AI/p8fs-sub003/internal/metrics"
	"github.com/Healer-AI/p8fs-sub003/internal/models"
	"github.com/Healer-AI/p8fs-sub003/internal/repository"
	"github.com/Healer-AI/p8fs-sub003/internal/storage"
)

// RelTypeSeeAlso is the untyped similarity edge.
const RelTypeSeeAlso = "SEE_ALSO"

// Config shapes one affinity pass.
type Config struct {
	K           int     `mapstructure:"k"`           // neighbors per resource, 2..5
	Threshold   float64 `mapstructure:"threshold"`   // minimum similarity for an edge
	Parallelism int     `mapstructure:"parallelism"` // concurrent resources
	TypedEdges  bool    `mapstructure:"typed_edges"` // second LLM pass
}

func (c Config) withDefaults() Config {
	if c.K <= 0 {
		c.K = 3
	}
	if c.K < 2 {
		c.K = 2
	}
	if c.K > 5 {
		c.K = 5
	}
	if c.Threshold <= 0 {
		c.Threshold = 0.7
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 4
	}
	return c
}

// Builder runs affinity passes under the dreaming worker's pool.
type Builder struct {
	repo      *repository.Repository
	completer llm.Completer // nil disables the typed-edge pass
	cfg       Config
	logger    *zap.Logger
}

func New(repo *repository.Repository, completer llm.Completer, cfg Config, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{repo: repo, completer: completer, cfg: cfg.withDefaults(), logger: logger}
}

// Build processes the batch and returns the number of edges written. Each
// resource is handled on its own task under a bounded group; a single
// resource failure aborts the pass.
func (b *Builder) Build(ctx context.Context, tenantID string, resourceIDs []string) (int, error) {
	if tenantID == "" {
		return 0, storage.ErrTenantMissing
	}

	var written int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Parallelism)
	for _, id := range resourceIDs {
		id := id
		g.Go(func() error {
			n, err := b.buildOne(gctx, tenantID, id)
			if err != nil {
				return fmt.Errorf("affinity for resource %s: %w", id, err)
			}
			atomic.AddInt64(&written, int64(n))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(atomic.LoadInt64(&written)), err
	}
	return int(atomic.LoadInt64(&written)), nil
}

type neighbor struct {
	id         string
	name       string
	content    string
	similarity float64
}

func (b *Builder) buildOne(ctx context.Context, tenantID, resourceID string) (int, error) {
	row, err := b.repo.Get(ctx, tenantID, models.TableResources, resourceID)
	if err != nil {
		return 0, err
	}
	content, _ := row["content"].(string)
	if content == "" {
		return 0, nil
	}

	// Over-fetch by one because the resource matches itself.
	rows, err := b.repo.Search(ctx, tenantID, models.TableResources, "", content, storage.SearchOptions{
		Limit:     b.cfg.K + 1,
		Threshold: b.cfg.Threshold,
	})
	if err != nil {
		return 0, err
	}

	var neighbors []neighbor
	for _, r := range rows {
		id, _ := r["id"].(string)
		if id == "" || id == resourceID {
			continue
		}
		name, _ := r["name"].(string)
		nContent, _ := r["content"].(string)
		sim, _ := r["similarity"].(float64)
		neighbors = append(neighbors, neighbor{id: id, name: name, content: nContent, similarity: sim})
		if len(neighbors) == b.cfg.K {
			break
		}
	}
	if len(neighbors) == 0 {
		return 0, nil
	}

	paths := parsePaths(row["graph_paths"])
	now := time.Now().UTC()
	changed := 0
	for _, n := range neighbors {
		if paths.Merge(models.GraphPath{
			Dst:       n.id,
			RelType:   RelTypeSeeAlso,
			Weight:    n.similarity,
			CreatedAt: now,
			Properties: map[string]interface{}{
				"discovered_at": now.Format(time.RFC3339),
			},
		}) {
			changed++
		}
	}

	if b.cfg.TypedEdges && b.completer != nil {
		typed, err := b.proposeTypedEdges(ctx, content, neighbors)
		if err != nil {
			// The SEE_ALSO edges are still worth keeping.
			b.logger.Warn("Typed edge pass failed",
				zap.String("resource_id", resourceID),
				zap.Error(err),
			)
		}
		for _, edge := range typed {
			edge.CreatedAt = now
			if paths.Merge(edge) {
				changed++
			}
		}
	}

	if changed == 0 {
		return 0, nil
	}
	encoded, err := json.Marshal(paths)
	if err != nil {
		return 0, err
	}
	row["graph_paths"] = string(encoded)
	if err := b.repo.Upsert(ctx, tenantID, models.TableResources, []map[string]interface{}{row}); err != nil {
		return 0, err
	}
	metrics.AffinityEdgesWritten.Add(float64(changed))
	return changed, nil
}

const typedEdgeSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "properties": {
      "dst": {"type": "string"},
      "rel_type": {"type": "string", "enum": ["causes", "implements", "refines", "contradicts", "extends"]},
      "weight": {"type": "number", "minimum": 0, "maximum": 1}
    },
    "required": ["dst", "rel_type", "weight"]
  }
}`

const typedEdgeSystemPrompt = `You classify the relationship between a source document and each
candidate neighbor. Only propose an edge when the relationship is clearly
one of: causes, implements, refines, contradicts, extends. Respond with JSON
matching the provided schema and nothing else.`

type typedEdgeWire struct {
	Dst     string  `json:"dst"`
	RelType string  `json:"rel_type"`
	Weight  float64 `json:"weight"`
}

// proposeTypedEdges asks the LLM to type the relationships over the same
// neighbor set. Destinations outside the neighbor set are discarded.
func (b *Builder) proposeTypedEdges(ctx context.Context, content string, neighbors []neighbor) ([]models.GraphPath, error) {
	valid := make(map[string]bool, len(neighbors))
	prompt := "Source:\n" + content + "\n\nNeighbors:\n"
	for _, n := range neighbors {
		valid[n.id] = true
		prompt += fmt.Sprintf("- id=%s name=%q\n%s\n\n", n.id, n.name, n.content)
	}

	out, err := b.completer.Complete(ctx, llm.Request{
		System:   typedEdgeSystemPrompt,
		Messages: []llm.Message{{Role: "user", Content: prompt}},
		Schema:   json.RawMessage(typedEdgeSchema),
	})
	if err != nil {
		return nil, err
	}

	var wire []typedEdgeWire
	if err := json.Unmarshal(out, &wire); err != nil {
		return nil, fmt.Errorf("malformed typed edge response: %w", err)
	}
	var edges []models.GraphPath
	for _, w := range wire {
		if !valid[w.Dst] || w.Weight <= 0 {
			continue
		}
		edges = append(edges, models.GraphPath{Dst: w.Dst, RelType: w.RelType, Weight: w.Weight})
	}
	return edges, nil
}

func parsePaths(raw interface{}) models.GraphPaths {
	var paths models.GraphPaths
	switch v := raw.(type) {
	case string:
		_ = json.Unmarshal([]byte(v), &paths)
	case []byte:
		_ = json.Unmarshal(v, &paths)
	case models.GraphPaths:
		paths = v
	}
	return paths
}
