package storage

import (
	"context"
	"fmt"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/Healer-AI/p8fs-sub003/internal/metrics"
	"github.com/Healer-AI/p8fs-sub003/internal/models"
)

// Metric selects the distance operator for similarity search.
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricL2     Metric = "l2"
)

func (m Metric) operator() (string, error) {
	switch m {
	case MetricCosine, "":
		return "<=>", nil
	case MetricL2:
		return "<->", nil
	default:
		return "", fmt.Errorf("unsupported distance metric %q", m)
	}
}

// SearchOptions shape a similarity search.
type SearchOptions struct {
	Limit     int
	Threshold float64 // minimum similarity (1 - distance); 0 disables
	Metric    Metric
}

// SimilaritySearch joins the main table with its embeddings table and
// returns rows annotated with "distance" and "similarity", ordered most
// similar first. A missing pgvector operator surfaces as
// ErrVectorUnavailable rather than a silent wrong answer.
func (p *Provider) SimilaritySearch(ctx context.Context, desc models.ModelDescriptor, field string, tenantID string, queryVec []float32, opts SearchOptions) ([]map[string]interface{}, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: similarity search on %s", ErrTenantMissing, desc.Table)
	}
	if len(desc.EmbeddingFields) == 0 {
		return nil, fmt.Errorf("table %s has no embedding fields", desc.Table)
	}
	op, err := opts.Metric.operator()
	if err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	query := fmt.Sprintf(`SELECT t.*, (e.embedding_vector %s $1) AS distance
FROM %s t
JOIN %s e ON e.entity_id = t.%s AND e.tenant_id = t.tenant_id
WHERE t.tenant_id = $2 AND e.field_name = $3
ORDER BY distance ASC
LIMIT $4`, op, desc.Table, desc.EmbeddingTable(), desc.PrimaryKey)

	rows, err := p.queryMaps(ctx, query, pgvector.NewVector(queryVec), tenantID, field, limit)
	if err != nil {
		metrics.VectorSearches.WithLabelValues(desc.Table, "error").Inc()
		return nil, classifyVectorErr(err)
	}

	out := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		distance := toFloat(row["distance"])
		similarity := 1 - distance
		if opts.Threshold > 0 && similarity < opts.Threshold {
			continue
		}
		row["similarity"] = similarity
		row["distance"] = distance
		out = append(out, row)
	}
	metrics.VectorSearches.WithLabelValues(desc.Table, "ok").Inc()
	return out, nil
}

// UpsertEmbedding writes one embedding row, unique on
// (entity_id, field_name, tenant_id). The declared dimension must match the
// vector length.
func (p *Provider) UpsertEmbedding(ctx context.Context, desc models.ModelDescriptor, rec models.EmbeddingRecord, vec []float32) error {
	if rec.TenantID == "" {
		return fmt.Errorf("%w: embedding upsert for %s", ErrTenantMissing, desc.Table)
	}
	if rec.VectorDimension != len(vec) {
		return fmt.Errorf("%w: declared %d, got %d", ErrDimensionMismatch, rec.VectorDimension, len(vec))
	}

	query := fmt.Sprintf(`INSERT INTO %s
    (id, entity_id, field_name, embedding_provider, embedding_vector, vector_dimension, tenant_id)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (entity_id, field_name, tenant_id) DO UPDATE SET
    embedding_provider = EXCLUDED.embedding_provider,
    embedding_vector = EXCLUDED.embedding_vector,
    vector_dimension = EXCLUDED.vector_dimension,
    updated_at = now()`, desc.EmbeddingTable())

	err := p.sql.ExecContext(ctx, query,
		rec.ID, rec.EntityID, rec.FieldName, rec.EmbeddingProvider,
		pgvector.NewVector(vec), rec.VectorDimension, rec.TenantID,
	)
	if err != nil {
		return fmt.Errorf("upsert embedding for %s: %w", desc.Table, classifyVectorErr(err))
	}
	return nil
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case string:
		var f float64
		fmt.Sscanf(n, "%g", &f)
		return f
	default:
		return 0
	}
}
