// Package repository is the tenant-scoped write and read path over the
// storage substrates. Every upsert fans out to the SQL row, the parallel
// embeddings table, and the reverse name index; reads always carry the
// tenant filter.
package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Healer-AI/p8fs-sub003/internal/models"
	"github.com/Healer-AI/p8fs-sub003/internal/nameindex"
	"github.com/Healer-AI/p8fs-sub003/internal/storage"
)

// Embedder is the slice of the embedding service the repository needs.
type Embedder interface {
	Embed(ctx context.Context, providerID, text string) ([]float32, error)
	Dimension(providerID string) (int, error)
}

// Repository coordinates writes across substrates. Cross-substrate writes
// are eventually consistent: the SQL row is the source of truth, and the
// embedding and name index writes follow it. A failure after the row write
// leaves a row whose sidecars heal on the next upsert or lookup.
type Repository struct {
	store    *storage.Provider
	index    *nameindex.Index
	embedder Embedder
	logger   *zap.Logger

	mu     sync.RWMutex
	models map[string]models.ModelDescriptor
}

// New builds a repository over the given substrates. Descriptors are
// registered afterwards through RegisterModel.
func New(store *storage.Provider, index *nameindex.Index, embedder Embedder, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		store:    store,
		index:    index,
		embedder: embedder,
		logger:   logger,
		models:   make(map[string]models.ModelDescriptor),
	}
}

// RegisterModel validates a descriptor and ensures its tables exist. With
// plan set the DDL is returned without being executed, and the model is not
// registered.
func (r *Repository) RegisterModel(ctx context.Context, desc models.ModelDescriptor, plan bool) ([]string, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	for _, ef := range desc.EmbeddingFields {
		if _, err := r.embedder.Dimension(ef.Provider); err != nil {
			return nil, fmt.Errorf("register %s: %w", desc.Table, err)
		}
	}

	if plan {
		return r.store.BuildDDL(desc)
	}
	if err := r.store.EnsureTable(ctx, desc); err != nil {
		return nil, fmt.Errorf("register %s: %w", desc.Table, err)
	}

	r.mu.Lock()
	r.models[desc.Table] = desc
	r.mu.Unlock()
	r.logger.Info("Model registered", zap.String("table", desc.Table))
	return nil, nil
}

// Descriptor returns the registered descriptor for a table.
func (r *Repository) Descriptor(table string) (models.ModelDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.models[table]
	return desc, ok
}

// Descriptors returns a copy of the registered table set.
func (r *Repository) Descriptors() map[string]models.ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]models.ModelDescriptor, len(r.models))
	for t, d := range r.models {
		out[t] = d
	}
	return out
}

// Upsert writes rows for one tenant. Each row gets the tenant stamped and an
// id generated when absent. Embedding vectors are recomputed only when the
// embedded field's text is new or changed; name index entries are rewritten
// for every row that carries a name.
func (r *Repository) Upsert(ctx context.Context, tenantID, table string, rows []map[string]interface{}) error {
	if tenantID == "" {
		return storage.ErrTenantMissing
	}
	desc, ok := r.Descriptor(table)
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrUnknownTable, table)
	}

	for _, row := range rows {
		row["tenant_id"] = tenantID
		id, _ := row[desc.PrimaryKey].(string)
		if id == "" {
			if u, ok := row[desc.PrimaryKey].(uuid.UUID); ok && u != uuid.Nil {
				id = u.String()
			} else {
				id = uuid.NewString()
			}
			row[desc.PrimaryKey] = id
		}

		// Snapshot the current text of embedded fields for change detection.
		prior, err := r.priorTexts(ctx, desc, tenantID, id)
		if err != nil {
			return err
		}

		if err := r.store.Upsert(ctx, desc, []map[string]interface{}{row}); err != nil {
			return err
		}

		if err := r.syncEmbeddings(ctx, desc, tenantID, id, row, prior); err != nil {
			return err
		}
		r.syncNameIndex(ctx, desc, tenantID, id, row)
	}
	return nil
}

// priorTexts fetches the existing row's embedded-field text, or nil when the
// row does not exist yet.
func (r *Repository) priorTexts(ctx context.Context, desc models.ModelDescriptor, tenantID, id string) (map[string]string, error) {
	if len(desc.EmbeddingFields) == 0 {
		return nil, nil
	}
	existing, err := r.store.Select(ctx, desc, storage.SelectOptions{
		Filters: map[string]interface{}{"tenant_id": tenantID, desc.PrimaryKey: id},
		Limit:   1,
	})
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		return nil, nil
	}
	prior := make(map[string]string, len(desc.EmbeddingFields))
	for _, ef := range desc.EmbeddingFields {
		if s, ok := existing[0][ef.Field].(string); ok {
			prior[ef.Field] = s
		}
	}
	return prior, nil
}

// syncEmbeddings re-embeds fields whose text changed since the prior row.
func (r *Repository) syncEmbeddings(ctx context.Context, desc models.ModelDescriptor, tenantID, id string, row map[string]interface{}, prior map[string]string) error {
	for _, ef := range desc.EmbeddingFields {
		text, _ := row[ef.Field].(string)
		if text == "" {
			continue
		}
		if prior != nil {
			if old, ok := prior[ef.Field]; ok && old == text {
				continue
			}
		}

		vec, err := r.embedder.Embed(ctx, ef.Provider, text)
		if err != nil {
			return fmt.Errorf("embed %s.%s: %w", desc.Table, ef.Field, err)
		}
		entityID, err := uuid.Parse(id)
		if err != nil {
			return fmt.Errorf("upsert %s: primary key %q is not a uuid", desc.Table, id)
		}
		rec := models.EmbeddingRecord{
			ID:                uuid.New(),
			EntityID:          entityID,
			FieldName:         ef.Field,
			EmbeddingProvider: ef.Provider,
			VectorDimension:   len(vec),
			TenantID:          tenantID,
		}
		if err := r.store.UpsertEmbedding(ctx, desc, rec, vec); err != nil {
			return err
		}
	}
	return nil
}

// syncNameIndex rewrites reverse index entries; failures are logged, not
// fatal, because lookups self-heal from SQL.
func (r *Repository) syncNameIndex(ctx context.Context, desc models.ModelDescriptor, tenantID, id string, row map[string]interface{}) {
	if r.index == nil {
		return
	}
	for _, nf := range desc.NameFields {
		name, _ := row[nf].(string)
		if name == "" {
			continue
		}
		if err := r.index.Put(ctx, tenantID, name, desc.EntityType, desc.Table, id); err != nil {
			r.logger.Warn("Name index write failed",
				zap.String("table", desc.Table),
				zap.String("name", name),
				zap.Error(err),
			)
		}
	}
}

// Get loads one row by primary key.
func (r *Repository) Get(ctx context.Context, tenantID, table, id string) (map[string]interface{}, error) {
	if tenantID == "" {
		return nil, storage.ErrTenantMissing
	}
	desc, ok := r.Descriptor(table)
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrUnknownTable, table)
	}
	rows, err := r.store.Select(ctx, desc, storage.SelectOptions{
		Filters: map[string]interface{}{"tenant_id": tenantID, desc.PrimaryKey: id},
		Limit:   1,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", storage.ErrNotFound, table, id)
	}
	return rows[0], nil
}

// Select reads rows with the tenant filter injected regardless of what the
// caller passed.
func (r *Repository) Select(ctx context.Context, tenantID, table string, opts storage.SelectOptions) ([]map[string]interface{}, error) {
	if tenantID == "" {
		return nil, storage.ErrTenantMissing
	}
	desc, ok := r.Descriptor(table)
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrUnknownTable, table)
	}
	if opts.Filters == nil {
		opts.Filters = map[string]interface{}{}
	}
	opts.Filters["tenant_id"] = tenantID
	return r.store.Select(ctx, desc, opts)
}

// Search embeds the query text under the field's provider and runs a
// similarity search over the table's embeddings.
func (r *Repository) Search(ctx context.Context, tenantID, table, field, query string, opts storage.SearchOptions) ([]map[string]interface{}, error) {
	if tenantID == "" {
		return nil, storage.ErrTenantMissing
	}
	desc, ok := r.Descriptor(table)
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrUnknownTable, table)
	}
	if len(desc.EmbeddingFields) == 0 {
		return nil, fmt.Errorf("table %s has no embedding fields", table)
	}

	ef := desc.EmbeddingFields[0]
	if field != "" {
		found := false
		for _, candidate := range desc.EmbeddingFields {
			if candidate.Field == field {
				ef = candidate
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("table %s has no embedding field %q", table, field)
		}
	}

	vec, err := r.embedder.Embed(ctx, ef.Provider, query)
	if err != nil {
		return nil, fmt.Errorf("embed search query: %w", err)
	}
	return r.store.SimilaritySearch(ctx, desc, ef.Field, tenantID, vec, opts)
}

// Lookup resolves a name or id through the reverse index.
func (r *Repository) Lookup(ctx context.Context, tenantID, key, tableHint string, limit int) ([]nameindex.Hit, error) {
	if r.index == nil {
		return nil, fmt.Errorf("name index not configured")
	}
	return r.index.Lookup(ctx, tenantID, key, tableHint, limit)
}

// Store exposes the underlying provider for components that need raw
// substrate access (the query engine's SQL path, the session manager's KV).
func (r *Repository) Store() *storage.Provider { return r.store }
