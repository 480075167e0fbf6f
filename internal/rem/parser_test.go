package rem

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLookup(t *testing.T) {
	t.Run("single key", func(t *testing.T) {
		q, err := Parse("LOOKUP my-project-alpha")
		require.NoError(t, err)
		require.Equal(t, KindLookup, q.Kind)
		assert.Equal(t, []string{"my-project-alpha"}, q.Lookup.Keys)
		assert.Empty(t, q.Lookup.Table)
		assert.Equal(t, DefaultLookupLimit, q.Lookup.Limit)
	})

	t.Run("table scoped", func(t *testing.T) {
		q, err := Parse("LOOKUP resources:my-key")
		require.NoError(t, err)
		assert.Equal(t, "resources", q.Lookup.Table)
		assert.Equal(t, []string{"my-key"}, q.Lookup.Keys)
	})

	t.Run("multi key", func(t *testing.T) {
		q, err := Parse("LOOKUP alpha, beta, gamma")
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "beta", "gamma"}, q.Lookup.Keys)
	})

	t.Run("in clause and limit", func(t *testing.T) {
		q, err := Parse("lookup alpha in moments limit 5")
		require.NoError(t, err)
		assert.Equal(t, "moments", q.Lookup.Table)
		assert.Equal(t, 5, q.Lookup.Limit)
	})

	t.Run("quoted key with spaces", func(t *testing.T) {
		q, err := Parse(`LOOKUP "weekly sync notes"`)
		require.NoError(t, err)
		assert.Equal(t, []string{"weekly sync notes"}, q.Lookup.Keys)
	})

	t.Run("no keys", func(t *testing.T) {
		_, err := Parse("LOOKUP")
		assertKind(t, err, KindParse)
	})
}

func TestParseSearch(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		q, err := Parse(`SEARCH "OAuth authentication security"`)
		require.NoError(t, err)
		require.Equal(t, KindSearch, q.Kind)
		assert.Equal(t, "OAuth authentication security", q.Search.Text)
		assert.Equal(t, DefaultSearchLimit, q.Search.Limit)
		assert.Equal(t, DefaultSearchThreshold, q.Search.Threshold)
	})

	t.Run("with table limit threshold", func(t *testing.T) {
		q, err := Parse(`SEARCH "database design" IN resources LIMIT 3 THRESHOLD 0.0`)
		require.NoError(t, err)
		assert.Equal(t, "resources", q.Search.Table)
		assert.Equal(t, 3, q.Search.Limit)
		assert.Equal(t, 0.0, q.Search.Threshold)
	})

	t.Run("invalid threshold", func(t *testing.T) {
		_, err := Parse(`SEARCH "x" THRESHOLD 1.5`)
		assertKind(t, err, KindParse)
	})
}

func TestParseSQL(t *testing.T) {
	q, err := Parse("SELECT * FROM resources WHERE category = 'notes' LIMIT 10")
	require.NoError(t, err)
	require.Equal(t, KindSQL, q.Kind)
	assert.Contains(t, q.SQL.Raw, "FROM resources")
}

func TestParseTraverse(t *testing.T) {
	t.Run("lookup seed with depth", func(t *testing.T) {
		q, err := Parse("TRAVERSE WITH LOOKUP A DEPTH 2")
		require.NoError(t, err)
		require.Equal(t, KindTraverse, q.Kind)
		assert.Equal(t, 2, q.Traverse.Depth)
		assert.False(t, q.Traverse.Plan)
		require.Equal(t, KindLookup, q.Traverse.Inner.Kind)
		assert.Equal(t, []string{"A"}, q.Traverse.Inner.Lookup.Keys)
	})

	t.Run("rel type list", func(t *testing.T) {
		q, err := Parse("TRAVERSE SEE_ALSO,mentions WITH SEARCH \"auth\" DEPTH 1")
		require.NoError(t, err)
		assert.Equal(t, []string{"SEE_ALSO", "mentions"}, q.Traverse.RelTypes)
		require.Equal(t, KindSearch, q.Traverse.Inner.Kind)
		assert.Equal(t, "auth", q.Traverse.Inner.Search.Text)
	})

	t.Run("plan mode", func(t *testing.T) {
		q, err := Parse("TRAVERSE PLAN WITH LOOKUP A")
		require.NoError(t, err)
		assert.True(t, q.Traverse.Plan)
		assert.Equal(t, DefaultDepth, q.Traverse.Depth)
	})

	t.Run("depth over cap", func(t *testing.T) {
		_, err := Parse("TRAVERSE WITH LOOKUP A DEPTH 6")
		assertKind(t, err, KindDepthExceeded)
	})

	t.Run("missing inner query", func(t *testing.T) {
		_, err := Parse("TRAVERSE SEE_ALSO")
		assertKind(t, err, KindParse)
	})

	t.Run("inner select rejected", func(t *testing.T) {
		_, err := Parse("TRAVERSE WITH SELECT * FROM resources")
		assertKind(t, err, KindParse)
	})
}

func TestParseUnknownKind(t *testing.T) {
	_, err := Parse("EXPLAIN everything")
	assertKind(t, err, KindParse)

	_, err = Parse("   ")
	assertKind(t, err, KindParse)
}

func assertKind(t *testing.T, err error, kind string) {
	t.Helper()
	require.Error(t, err)
	var qe *QueryError
	require.True(t, errors.As(err, &qe), "expected QueryError, got %T", err)
	assert.Equal(t, kind, qe.Kind)
}
