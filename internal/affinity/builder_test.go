package affinity

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Healer-AI/p8fs-sub003/internal/llm"
	"github.com/Healer-AI/p8fs-sub003/internal/models"
	"github.com/Healer-AI/p8fs-sub003/internal/nameindex"
	"github.com/Healer-AI/p8fs-sub003/internal/repository"
	"github.com/Healer-AI/p8fs-sub003/internal/storage"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, _, _ string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}
func (stubEmbedder) Dimension(_ string) (int, error) { return 3, nil }

type stubCompleter struct {
	response json.RawMessage
	err      error
}

func (s *stubCompleter) Complete(_ context.Context, _ llm.Request) (json.RawMessage, error) {
	return s.response, s.err
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 3, cfg.K)
	assert.Equal(t, 0.7, cfg.Threshold)
	assert.Equal(t, 4, cfg.Parallelism)

	assert.Equal(t, 2, Config{K: 1}.withDefaults().K)
	assert.Equal(t, 5, Config{K: 9}.withDefaults().K)
}

func TestParsePaths(t *testing.T) {
	paths := parsePaths(`[{"dst": "x", "rel_type": "SEE_ALSO", "weight": 0.8}]`)
	require.Len(t, paths, 1)
	assert.Equal(t, "x", paths[0].Dst)

	paths = parsePaths([]byte(`[{"dst": "y", "rel_type": "mentions", "weight": 0.5}]`))
	require.Len(t, paths, 1)

	paths = parsePaths(models.GraphPaths{{Dst: "z"}})
	require.Len(t, paths, 1)

	assert.Empty(t, parsePaths(nil))
	assert.Empty(t, parsePaths("not json"))
}

func TestProposeTypedEdgesFiltersUnknownDst(t *testing.T) {
	completer := &stubCompleter{response: json.RawMessage(`[
		{"dst": "n1", "rel_type": "refines", "weight": 0.9},
		{"dst": "not-a-neighbor", "rel_type": "causes", "weight": 0.8},
		{"dst": "n2", "rel_type": "extends", "weight": 0}
	]`)}
	b := New(nil, completer, Config{}, zap.NewNop())

	edges, err := b.proposeTypedEdges(context.Background(), "source text", []neighbor{
		{id: "n1", name: "one"},
		{id: "n2", name: "two"},
	})
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "n1", edges[0].Dst)
	assert.Equal(t, "refines", edges[0].RelType)
}

func TestBuildRequiresTenant(t *testing.T) {
	b := New(nil, nil, Config{}, zap.NewNop())
	_, err := b.Build(context.Background(), "", []string{"r1"})
	require.ErrorIs(t, err, storage.ErrTenantMissing)
}

const (
	srcID      = "11111111-1111-1111-1111-111111111111"
	neighborID = "22222222-2222-2222-2222-222222222222"
)

func newTestBuilder(t *testing.T) (*Builder, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	mr := miniredis.RunT(t)

	store := storage.New(
		sqlx.NewDb(db, "sqlmock"),
		redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		map[string]int{"text-default": 3},
		zap.NewNop(),
	)
	t.Cleanup(func() { _ = store.Close() })

	desc := models.ResourceDescriptor("text-default")
	index := nameindex.New(store, map[string]models.ModelDescriptor{desc.Table: desc}, nil)
	repo := repository.New(store, index, stubEmbedder{}, zap.NewNop())

	stmts, err := repo.RegisterModel(context.Background(), desc, true)
	require.NoError(t, err)
	for range stmts {
		mock.ExpectExec(`CREATE`).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	_, err = repo.RegisterModel(context.Background(), desc, false)
	require.NoError(t, err)

	return New(repo, nil, Config{K: 3, Threshold: 0.7, Parallelism: 1}, zap.NewNop()), mock
}

func TestBuildWritesSeeAlsoEdges(t *testing.T) {
	b, mock := newTestBuilder(t)

	// Load the source resource.
	mock.ExpectQuery(`SELECT \* FROM resources WHERE id = \$1 AND tenant_id = \$2`).
		WithArgs(srcID, "t1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "name", "content", "graph_paths"}).
			AddRow(srcID, "t1", "source", "shared topic", "[]"))

	// Neighbor search: the resource matches itself at distance zero, one
	// real neighbor passes the threshold, one falls below it.
	mock.ExpectQuery(`JOIN embeddings\.resources_embeddings`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "name", "content", "distance"}).
			AddRow(srcID, "t1", "source", "shared topic", 0.0).
			AddRow(neighborID, "t1", "nearby", "shared topic too", 0.15).
			AddRow("33333333-3333-3333-3333-333333333333", "t1", "far", "unrelated", 0.6))

	// Persisting the merged graph: the prior-text probe sees unchanged
	// content, so no re-embedding happens, then the row upsert.
	mock.ExpectQuery(`SELECT \* FROM resources WHERE id = \$1 AND tenant_id = \$2`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "content"}).AddRow(srcID, "shared topic"))
	mock.ExpectExec(`INSERT INTO resources`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	written, err := b.Build(context.Background(), "t1", []string{srcID})
	require.NoError(t, err)
	assert.Equal(t, 1, written)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildSkipsEmptyContent(t *testing.T) {
	b, mock := newTestBuilder(t)

	mock.ExpectQuery(`SELECT \* FROM resources WHERE id = \$1 AND tenant_id = \$2`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "content"}).
			AddRow(srcID, "t1", ""))

	written, err := b.Build(context.Background(), "t1", []string{srcID})
	require.NoError(t, err)
	assert.Zero(t, written)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTypedEdgeFailureKeepsSeeAlso(t *testing.T) {
	b, mock := newTestBuilder(t)
	b.completer = &stubCompleter{response: json.RawMessage(`garbage`)}
	b.cfg.TypedEdges = true

	mock.ExpectQuery(`SELECT \* FROM resources WHERE id = \$1 AND tenant_id = \$2`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "name", "content", "graph_paths"}).
			AddRow(srcID, "t1", "source", "shared topic", "[]"))
	mock.ExpectQuery(`JOIN embeddings\.resources_embeddings`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "name", "content", "distance"}).
			AddRow(neighborID, "t1", "nearby", "shared topic too", 0.15))
	mock.ExpectQuery(`SELECT \* FROM resources WHERE id = \$1 AND tenant_id = \$2`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "content"}).AddRow(srcID, "shared topic"))
	mock.ExpectExec(`INSERT INTO resources`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	written, err := b.Build(context.Background(), "t1", []string{srcID})
	require.NoError(t, err)
	assert.Equal(t, 1, written)
}
