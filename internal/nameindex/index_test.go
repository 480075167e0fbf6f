package nameindex

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Healer-AI/p8fs-sub003/internal/models"
	"github.com/Healer-AI/p8fs-sub003/internal/storage"
)

// fakeStore is an in-memory Store: a KV map plus per-table rows with
// equality-filtered selects.
type fakeStore struct {
	kv      map[string]json.RawMessage
	rows    map[string][]map[string]interface{}
	selects int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		kv:   map[string]json.RawMessage{},
		rows: map[string][]map[string]interface{}{},
	}
}

func (f *fakeStore) KVGet(_ context.Context, key string) (json.RawMessage, bool, error) {
	v, ok := f.kv[key]
	return v, ok, nil
}

func (f *fakeStore) KVPut(_ context.Context, key string, value interface{}, _ time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.kv[key] = data
	return nil
}

func (f *fakeStore) KVScan(_ context.Context, prefix string, limit int) ([]storage.KVPair, error) {
	var keys []string
	for k := range f.kv {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if len(keys) > limit {
		keys = keys[:limit]
	}
	pairs := make([]storage.KVPair, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, storage.KVPair{Key: k, Value: f.kv[k]})
	}
	return pairs, nil
}

func (f *fakeStore) Select(_ context.Context, desc models.ModelDescriptor, opts storage.SelectOptions) ([]map[string]interface{}, error) {
	f.selects++
	var out []map[string]interface{}
	for _, row := range f.rows[desc.Table] {
		match := true
		for k, v := range opts.Filters {
			if row[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, row)
		}
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

func testIndex(t *testing.T) (*Index, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	return New(store, models.CoreDescriptors("text-default", "image-default"), nil), store
}

const testResourceID = "11111111-2222-3333-4444-555555555555"

func seedResource(store *fakeStore, tenantID, id, name string) {
	store.rows["resources"] = append(store.rows["resources"], map[string]interface{}{
		"id":         id,
		"tenant_id":  tenantID,
		"name":       name,
		"updated_at": time.Now(),
	})
}

func TestKey(t *testing.T) {
	assert.Equal(t, "t1/alpha/resource", Key("t1", "alpha", "resource"))
}

func TestPutValidation(t *testing.T) {
	ix, store := testIndex(t)
	ctx := context.Background()

	require.ErrorIs(t, ix.Put(ctx, "", "alpha", "resource", "resources", testResourceID), storage.ErrTenantMissing)

	// Empty names are silently skipped.
	require.NoError(t, ix.Put(ctx, "t1", "", "resource", "resources", testResourceID))
	assert.Empty(t, store.kv)
}

func TestLookupKVHit(t *testing.T) {
	ix, store := testIndex(t)
	ctx := context.Background()

	seedResource(store, "t1", testResourceID, "alpha")
	require.NoError(t, ix.Put(ctx, "t1", "alpha", "resource", "resources", testResourceID))

	hits, err := ix.Lookup(ctx, "t1", "alpha", "", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "resources", hits[0].Table)
	assert.Equal(t, testResourceID, hits[0].Row["id"])

	// One verification select, no broadcast.
	assert.Equal(t, 1, store.selects)
}

func TestLookupTenantIsolation(t *testing.T) {
	ix, store := testIndex(t)
	ctx := context.Background()

	seedResource(store, "t1", testResourceID, "alpha")
	require.NoError(t, ix.Put(ctx, "t1", "alpha", "resource", "resources", testResourceID))

	hits, err := ix.Lookup(ctx, "t2", "alpha", "", 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestLookupColdCacheBackfills(t *testing.T) {
	ix, store := testIndex(t)
	ctx := context.Background()

	seedResource(store, "t1", testResourceID, "alpha")

	hits, err := ix.Lookup(ctx, "t1", "alpha", "", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	// The broadcast hit is written back to KV.
	entry, ok := store.kv[Key("t1", "alpha", "resource")]
	require.True(t, ok)
	var decoded models.NameEntry
	require.NoError(t, json.Unmarshal(entry, &decoded))
	assert.Equal(t, testResourceID, decoded.EntityID)
}

func TestLookupRepairsStalePointer(t *testing.T) {
	ix, store := testIndex(t)
	ctx := context.Background()

	// The pointer references a purged row; the live row has a new id.
	require.NoError(t, ix.Put(ctx, "t1", "alpha", "resource", "resources", "99999999-9999-9999-9999-999999999999"))
	seedResource(store, "t1", testResourceID, "alpha")

	hits, err := ix.Lookup(ctx, "t1", "alpha", "", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, testResourceID, hits[0].Row["id"])

	var decoded models.NameEntry
	require.NoError(t, json.Unmarshal(store.kv[Key("t1", "alpha", "resource")], &decoded))
	assert.Equal(t, testResourceID, decoded.EntityID)
}

func TestLookupTableHint(t *testing.T) {
	ix, store := testIndex(t)
	ctx := context.Background()

	seedResource(store, "t1", testResourceID, "alpha")

	hits, err := ix.Lookup(ctx, "t1", "alpha", "resources", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	_, err = ix.Lookup(ctx, "t1", "alpha", "secrets", 0)
	require.ErrorIs(t, err, storage.ErrUnknownTable)
}

func TestLookupByUUID(t *testing.T) {
	ix, store := testIndex(t)
	ctx := context.Background()

	seedResource(store, "t1", testResourceID, "alpha")

	hits, err := ix.Lookup(ctx, "t1", testResourceID, "resources", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "alpha", hits[0].Row["name"])
}

func TestLookupMissIsNotAnError(t *testing.T) {
	ix, _ := testIndex(t)

	hits, err := ix.Lookup(context.Background(), "t1", "nothing-here", "", 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestIsUUID(t *testing.T) {
	assert.True(t, isUUID(testResourceID))
	assert.False(t, isUUID("alpha"))
	assert.False(t, isUUID("11111111-2222-3333-4444-55555555555z"))
	assert.False(t, isUUID("11111111x2222-3333-4444-555555555555"))
}
