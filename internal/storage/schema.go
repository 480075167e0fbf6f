package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/Healer-AI/p8fs-sub003/internal/models"
)

// BuildDDL renders the idempotent DDL for a model: the main table, its
// parallel embeddings table (when the descriptor declares embedding fields)
// and the supporting indexes. The vector column width is baked in from the
// provider's declared dimension at creation time.
func (p *Provider) BuildDDL(desc models.ModelDescriptor) ([]string, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	var cols []string
	for _, f := range desc.Fields {
		col := fmt.Sprintf("    %s %s", f.Name, f.SQLType)
		if f.Name == desc.PrimaryKey {
			col += " PRIMARY KEY"
		}
		cols = append(cols, col)
	}

	var stmts []string
	stmts = append(stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n);",
		desc.Table, strings.Join(cols, ",\n")))

	if desc.TenantIsolated {
		stmts = append(stmts, fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS idx_%s_tenant ON %s (tenant_id);",
			desc.Table, desc.Table))
	}
	for _, nf := range desc.NameFields {
		stmts = append(stmts, fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s);",
			desc.Table, nf, desc.Table, nf))
	}
	for _, uc := range desc.UniqueConstraints {
		stmts = append(stmts, fmt.Sprintf(
			"CREATE UNIQUE INDEX IF NOT EXISTS uq_%s_%s ON %s (%s);",
			desc.Table, strings.Join(uc, "_"), desc.Table, strings.Join(uc, ", ")))
	}

	if len(desc.EmbeddingFields) > 0 {
		dim, ok := p.Dimension(desc.EmbeddingFields[0].Provider)
		if !ok {
			return nil, fmt.Errorf("no declared dimension for embedding provider %q", desc.EmbeddingFields[0].Provider)
		}
		for _, ef := range desc.EmbeddingFields[1:] {
			// One vector column per table; every bound provider must agree
			// on the width.
			other, ok := p.Dimension(ef.Provider)
			if !ok {
				return nil, fmt.Errorf("no declared dimension for embedding provider %q", ef.Provider)
			}
			if other != dim {
				return nil, fmt.Errorf("%w: providers %q and %q disagree on width for table %s",
					ErrDimensionMismatch, desc.EmbeddingFields[0].Provider, ef.Provider, desc.Table)
			}
		}

		embTable := desc.EmbeddingTable()
		stmts = append(stmts,
			"CREATE SCHEMA IF NOT EXISTS embeddings;",
			"CREATE EXTENSION IF NOT EXISTS vector;",
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id UUID PRIMARY KEY,
    entity_id UUID NOT NULL,
    field_name TEXT NOT NULL,
    embedding_provider TEXT NOT NULL,
    embedding_vector vector(%d),
    vector_dimension INTEGER NOT NULL,
    tenant_id TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`, embTable, dim),
			fmt.Sprintf(
				"CREATE UNIQUE INDEX IF NOT EXISTS uq_%s_embeddings_entity_field_tenant ON %s (entity_id, field_name, tenant_id);",
				desc.Table, embTable),
			fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS idx_%s_embeddings_vector ON %s USING hnsw (embedding_vector vector_cosine_ops);",
				desc.Table, embTable),
		)
	}

	return stmts, nil
}

// EnsureTable creates the model's tables if they do not exist. It is
// idempotent and consults the metadata cache to skip the round-trip on the
// hot path.
func (p *Provider) EnsureTable(ctx context.Context, desc models.ModelDescriptor) error {
	if meta, ok := p.meta.get(desc.Table); ok && meta.exists {
		return nil
	}

	stmts, err := p.BuildDDL(desc)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if err := p.sql.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure table %s: %w", desc.Table, err)
		}
	}
	p.meta.set(desc.Table, tableMeta{primaryKey: desc.PrimaryKey, exists: true})
	return nil
}
