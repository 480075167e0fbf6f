// Package nameindex resolves human names to entities across tables through
// a tenant-prefixed KV index, with SQL verification and self-healing
// backfill on misses and stale pointers.
package nameindex

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Healer-AI/p8fs-sub003/internal/metrics"
	"github.com/Healer-AI/p8fs-sub003/internal/models"
	"github.com/Healer-AI/p8fs-sub003/internal/storage"
)

// DefaultScanLimit bounds one KV prefix scan per lookup key.
const DefaultScanLimit = 100

// Store is the slice of the storage provider the index needs.
type Store interface {
	KVGet(ctx context.Context, key string) (json.RawMessage, bool, error)
	KVPut(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	KVScan(ctx context.Context, prefix string, limit int) ([]storage.KVPair, error)
	Select(ctx context.Context, desc models.ModelDescriptor, opts storage.SelectOptions) ([]map[string]interface{}, error)
}

// Hit is one resolved entity with the table that claims the name.
type Hit struct {
	Table string
	Row   map[string]interface{}
}

// Index maps "<tenant>/<name>/<entity_type>" KV keys to entity pointers
// over the set of nameable tables.
type Index struct {
	store  Store
	tables map[string]models.ModelDescriptor
	logger *zap.Logger
}

// New builds an index over the nameable descriptors.
func New(store Store, descriptors map[string]models.ModelDescriptor, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	tables := make(map[string]models.ModelDescriptor, len(descriptors))
	for table, desc := range descriptors {
		if len(desc.NameFields) > 0 {
			tables[table] = desc
		}
	}
	return &Index{store: store, tables: tables, logger: logger}
}

// Key renders the reverse-index KV key. The tenant prefix is the isolation
// boundary at scan time.
func Key(tenantID, name, entityType string) string {
	return fmt.Sprintf("%s/%s/%s", tenantID, name, entityType)
}

// Put writes one reverse-index entry. Writes are idempotent; concurrent
// writers for the same name produce the same value.
func (ix *Index) Put(ctx context.Context, tenantID, name, entityType, table, entityID string) error {
	if tenantID == "" {
		return storage.ErrTenantMissing
	}
	if name == "" {
		return nil
	}
	entry := models.NameEntry{
		EntityID:   entityID,
		EntityType: entityType,
		TableName:  table,
		TenantID:   tenantID,
	}
	return ix.store.KVPut(ctx, Key(tenantID, name, entityType), entry, 0)
}

// Lookup resolves a name (or id) to full rows. With a table hint it goes
// straight to SQL and repairs the KV entry on a hit. Without one it scans
// the tenant's KV prefix and verifies each pointer against SQL; an empty
// scan falls back to a broadcast across the nameable tables and backfills
// KV. A miss is an empty result, not an error.
func (ix *Index) Lookup(ctx context.Context, tenantID, key, tableHint string, limit int) ([]Hit, error) {
	if tenantID == "" {
		return nil, storage.ErrTenantMissing
	}
	if limit <= 0 {
		limit = DefaultScanLimit
	}

	if tableHint != "" {
		desc, ok := ix.tables[tableHint]
		if !ok {
			return nil, fmt.Errorf("%w: %s", storage.ErrUnknownTable, tableHint)
		}
		hits, err := ix.sqlLookup(ctx, desc, tenantID, key)
		if err != nil {
			return nil, err
		}
		ix.backfill(ctx, tenantID, hits)
		return hits, nil
	}

	pairs, err := ix.store.KVScan(ctx, tenantID+"/"+key+"/", limit)
	if err != nil {
		return nil, err
	}

	var hits []Hit
	stale := false
	for _, pair := range pairs {
		var entry models.NameEntry
		if err := json.Unmarshal(pair.Value, &entry); err != nil {
			ix.logger.Warn("Corrupt name index entry", zap.String("key", pair.Key), zap.Error(err))
			stale = true
			continue
		}
		row, err := ix.rowByID(ctx, entry.TableName, tenantID, entry.EntityID)
		if err != nil {
			return nil, err
		}
		if row == nil {
			// Pointer outlived the row (rename or purge); repair below.
			stale = true
			metrics.NameIndexRepairs.Inc()
			continue
		}
		hits = append(hits, Hit{Table: entry.TableName, Row: row})
	}

	if len(pairs) > 0 && !stale {
		metrics.NameIndexLookups.WithLabelValues("kv_hit").Inc()
		sortHits(hits)
		return hits, nil
	}

	// Cold cache or stale pointers: broadcast across nameable tables.
	hits = nil
	for _, table := range ix.tableNames() {
		desc := ix.tables[table]
		found, err := ix.sqlLookup(ctx, desc, tenantID, key)
		if err != nil {
			return nil, err
		}
		hits = append(hits, found...)
	}
	if len(hits) == 0 {
		metrics.NameIndexLookups.WithLabelValues("miss").Inc()
		return nil, nil
	}
	metrics.NameIndexLookups.WithLabelValues("sql_fallback").Inc()
	ix.backfill(ctx, tenantID, hits)
	sortHits(hits)
	return hits, nil
}

// sqlLookup matches key against the table's id or name fields.
func (ix *Index) sqlLookup(ctx context.Context, desc models.ModelDescriptor, tenantID, key string) ([]Hit, error) {
	var hits []Hit

	if isUUID(key) {
		rows, err := ix.store.Select(ctx, desc, storage.SelectOptions{
			Filters: map[string]interface{}{"tenant_id": tenantID, desc.PrimaryKey: key},
			Limit:   1,
		})
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			hits = append(hits, Hit{Table: desc.Table, Row: row})
		}
		if len(hits) > 0 {
			return hits, nil
		}
	}

	for _, nf := range desc.NameFields {
		rows, err := ix.store.Select(ctx, desc, storage.SelectOptions{
			Filters: map[string]interface{}{"tenant_id": tenantID, nf: key},
			OrderBy: "updated_at DESC",
			Limit:   DefaultScanLimit,
		})
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			hits = append(hits, Hit{Table: desc.Table, Row: row})
		}
	}
	return hits, nil
}

// rowByID loads the row a KV pointer references, verifying it still exists.
func (ix *Index) rowByID(ctx context.Context, table, tenantID, entityID string) (map[string]interface{}, error) {
	desc, ok := ix.tables[table]
	if !ok {
		return nil, nil
	}
	rows, err := ix.store.Select(ctx, desc, storage.SelectOptions{
		Filters: map[string]interface{}{"tenant_id": tenantID, desc.PrimaryKey: entityID},
		Limit:   1,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// backfill (re)writes KV entries for verified hits.
func (ix *Index) backfill(ctx context.Context, tenantID string, hits []Hit) {
	for _, hit := range hits {
		desc := ix.tables[hit.Table]
		id, _ := hit.Row[desc.PrimaryKey].(string)
		for _, nf := range desc.NameFields {
			name, _ := hit.Row[nf].(string)
			if name == "" || id == "" {
				continue
			}
			if err := ix.Put(ctx, tenantID, name, desc.EntityType, desc.Table, id); err != nil {
				ix.logger.Warn("Name index backfill failed",
					zap.String("table", hit.Table),
					zap.String("name", name),
					zap.Error(err),
				)
			}
		}
	}
}

func (ix *Index) tableNames() []string {
	names := make([]string, 0, len(ix.tables))
	for t := range ix.tables {
		names = append(names, t)
	}
	sort.Strings(names)
	return names
}

// sortHits orders by updated_at descending, the LOOKUP contract.
func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		return rowUpdatedAt(hits[i].Row).After(rowUpdatedAt(hits[j].Row))
	})
}

func rowUpdatedAt(row map[string]interface{}) time.Time {
	switch v := row["updated_at"].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// isUUID accepts the canonical 36-char form only; uuid.Parse alone would
// also admit urn: and braced variants that never appear as row ids.
func isUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
