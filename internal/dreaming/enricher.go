package dreaming

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Healer-AI/p8fs-sub003/internal/affinity"
	"github.com/Healer-AI/p8fs-sub003/internal/extractors"
	"github.com/Healer-AI/p8fs-sub003/internal/llm"
	"github.com/Healer-AI/p8fs-sub003/internal/models"
	"github.com/Healer-AI/p8fs-sub003/internal/repository"
)

// ResourceEnricher is the standard enrichment unit: extract entities from
// every resource in the data window, write them back, then run the affinity
// builder over the batch. Data windows are days, "2026-08-24".
type ResourceEnricher struct {
	repo     *repository.Repository
	builder  *affinity.Builder
	logger   *zap.Logger
}

func NewResourceEnricher(repo *repository.Repository, builder *affinity.Builder, logger *zap.Logger) *ResourceEnricher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResourceEnricher{repo: repo, builder: builder, logger: logger}
}

// windowBounds parses a day window into [start, end).
func windowBounds(dataWindow string) (time.Time, time.Time, error) {
	day, err := time.Parse("2006-01-02", dataWindow)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid data window %q: %w", dataWindow, err)
	}
	return day, day.Add(24 * time.Hour), nil
}

// BuildRequests emits one entity-extraction request per resource created in
// the window. The item id is the resource id so Ingest can route results
// back without extra state.
func (e *ResourceEnricher) BuildRequests(ctx context.Context, tenantID, dataWindow string) ([]llm.BatchItem, error) {
	start, end, err := windowBounds(dataWindow)
	if err != nil {
		return nil, err
	}
	rows, err := e.repo.Store().Execute(ctx,
		"SELECT id, name, content FROM resources WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3 ORDER BY created_at ASC",
		tenantID, start, end,
	)
	if err != nil {
		return nil, err
	}

	var items []llm.BatchItem
	for _, row := range rows {
		id, _ := row["id"].(string)
		content, _ := row["content"].(string)
		if id == "" || content == "" {
			continue
		}
		name, _ := row["name"].(string)
		items = append(items, llm.BatchItem{
			ID:      id,
			Request: extractors.EntityRequest(content, name),
		})
	}
	return items, nil
}

// Ingest writes extracted entities onto their resources and then runs the
// affinity pass over every touched resource. Per-item LLM failures are
// skipped; substrate failures abort so the job retries.
func (e *ResourceEnricher) Ingest(ctx context.Context, tenantID string, results []llm.BatchResult) (models.JSONMap, error) {
	var touched []string
	entityCount := 0
	for _, res := range results {
		if res.Error != "" {
			e.logger.Warn("Batch item failed upstream",
				zap.String("resource_id", res.ID),
				zap.String("error", res.Error),
			)
			continue
		}
		entities, edges, err := extractors.ParseEntities(res.Output, e.logger)
		if err != nil {
			e.logger.Warn("Unparseable extraction result",
				zap.String("resource_id", res.ID),
				zap.Error(err),
			)
			continue
		}

		row, err := e.repo.Get(ctx, tenantID, models.TableResources, res.ID)
		if err != nil {
			return nil, err
		}
		paths := parsePaths(row["graph_paths"])
		for _, edge := range edges {
			paths.Merge(edge)
		}
		encodedEntities, err := json.Marshal(entities)
		if err != nil {
			return nil, err
		}
		encodedPaths, err := json.Marshal(paths)
		if err != nil {
			return nil, err
		}
		row["related_entities"] = string(encodedEntities)
		row["graph_paths"] = string(encodedPaths)
		if err := e.repo.Upsert(ctx, tenantID, models.TableResources, []map[string]interface{}{row}); err != nil {
			return nil, err
		}
		touched = append(touched, res.ID)
		entityCount += len(entities)
	}

	edgeCount := 0
	if e.builder != nil && len(touched) > 0 {
		n, err := e.builder.Build(ctx, tenantID, touched)
		if err != nil {
			return nil, err
		}
		edgeCount = n
	}

	return models.JSONMap{
		"resources": len(touched),
		"entities":  entityCount,
		"edges":     edgeCount,
	}, nil
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
