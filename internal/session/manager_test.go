package session

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Healer-AI/p8fs-sub003/internal/models"
	"github.com/Healer-AI/p8fs-sub003/internal/nameindex"
	"github.com/Healer-AI/p8fs-sub003/internal/repository"
	"github.com/Healer-AI/p8fs-sub003/internal/storage"
)

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(_ context.Context, _, _ string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}
func (fixedEmbedder) Dimension(_ string) (int, error) { return 3, nil }

func newTestManager(t *testing.T, cfg Config) (*Manager, sqlmock.Sqlmock, *miniredis.Miniredis) {
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

	desc := models.SessionDescriptor("text-default")
	index := nameindex.New(store, map[string]models.ModelDescriptor{desc.Table: desc}, nil)
	repo := repository.New(store, index, fixedEmbedder{}, zap.NewNop())

	stmts, err := repo.RegisterModel(context.Background(), desc, true)
	require.NoError(t, err)
	for range stmts {
		mock.ExpectExec(`CREATE`).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	_, err = repo.RegisterModel(context.Background(), desc, false)
	require.NoError(t, err)

	return NewManager(repo, cfg, zap.NewNop()), mock, mr
}

// expectPersist queues the two statements one thread persist produces: the
// prior-text probe and the row upsert.
func expectPersist(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`SELECT \* FROM sessions WHERE id = \$1 AND tenant_id = \$2`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(`INSERT INTO sessions .* ON CONFLICT \(id\) DO UPDATE SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestSidecarKey(t *testing.T) {
	assert.Equal(t, "session-s1-msg-3", SidecarKey("s1", 3))
}

func TestOpenThreadRequiresTenant(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})

	_, err := m.OpenThread(context.Background(), "", "u1", "", "", "", "")
	require.ErrorIs(t, err, storage.ErrTenantMissing)
}

func TestAppendMessageCompression(t *testing.T) {
	m, mock, mr := newTestManager(t, Config{CompressionThreshold: 50})
	ctx := context.Background()

	expectPersist(mock)
	thread, err := m.OpenThread(ctx, "t1", "u1", "", "", "assistant", "chat")
	require.NoError(t, err)

	expectPersist(mock)
	require.NoError(t, m.AppendMessage(ctx, thread, Message{Role: "user", Content: "short"}))

	long := strings.Repeat("the discussion continued ", 10)
	expectPersist(mock)
	require.NoError(t, m.AppendMessage(ctx, thread, Message{Role: "assistant", Content: long}))

	require.Len(t, thread.Messages, 2)
	assert.Equal(t, "short", thread.Messages[0].Content)
	assert.False(t, thread.Messages[0].Compressed)

	msg := thread.Messages[1]
	key := SidecarKey(thread.SessionID, 1)
	assert.True(t, msg.Compressed)
	assert.Equal(t, "REM LOOKUP "+key, msg.Content)
	assert.Equal(t, key, msg.EntityKey)
	assert.Equal(t, len(long), msg.OriginalLength)

	// The original text is in the sidecar, JSON-encoded.
	raw, err := mr.Get(key)
	require.NoError(t, err)
	var stored string
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	assert.Equal(t, long, stored)

	require.NoError(t, mock.ExpectationsWereMet())
}

func sessionRow(t *testing.T, sessionID string, messages []Message) *sqlmock.Rows {
	t.Helper()
	encoded, err := json.Marshal(map[string]interface{}{"messages": messages})
	require.NoError(t, err)
	return sqlmock.NewRows([]string{"id", "tenant_id", "thread_id", "userid", "name", "agent", "session_type", "query", "metadata", "updated_at"}).
		AddRow(sessionID, "t1", "th1", "u1", "standup", "assistant", "chat", "", encoded, time.Now())
}

func TestReloadThreadDecompress(t *testing.T) {
	m, mock, _ := newTestManager(t, Config{})
	ctx := context.Background()

	key := SidecarKey("s1", 0)
	require.NoError(t, m.repo.Store().KVPut(ctx, key, "the full original text", 0))

	stub := []Message{{
		Role:           "assistant",
		Content:        "REM LOOKUP " + key,
		Compressed:     true,
		EntityKey:      key,
		OriginalLength: 22,
	}}

	mock.ExpectQuery(`SELECT \* FROM sessions WHERE id = \$1 AND tenant_id = \$2`).
		WithArgs("s1", "t1").
		WillReturnRows(sessionRow(t, "s1", stub))

	thread, err := m.ReloadThread(ctx, "t1", "s1", true)
	require.NoError(t, err)
	require.Len(t, thread.Messages, 1)

	msg := thread.Messages[0]
	assert.Equal(t, "the full original text", msg.Content)
	assert.False(t, msg.Compressed)
	assert.Empty(t, msg.EntityKey)
	assert.Zero(t, msg.OriginalLength)
}

func TestReloadThreadKeepsStubsWithoutDecompress(t *testing.T) {
	m, mock, _ := newTestManager(t, Config{})

	key := SidecarKey("s1", 0)
	stub := []Message{{Role: "assistant", Content: "REM LOOKUP " + key, Compressed: true, EntityKey: key}}

	mock.ExpectQuery(`SELECT \* FROM sessions`).
		WillReturnRows(sessionRow(t, "s1", stub))

	thread, err := m.ReloadThread(context.Background(), "t1", "s1", false)
	require.NoError(t, err)
	assert.Equal(t, "REM LOOKUP "+key, thread.Messages[0].Content)
	assert.True(t, thread.Messages[0].Compressed)
}

func TestReloadThreadMissingSidecar(t *testing.T) {
	m, mock, _ := newTestManager(t, Config{})

	key := SidecarKey("s1", 0)
	stub := []Message{{Role: "assistant", Content: "REM LOOKUP " + key, Compressed: true, EntityKey: key}}

	mock.ExpectQuery(`SELECT \* FROM sessions`).
		WillReturnRows(sessionRow(t, "s1", stub))

	// A vanished sidecar leaves the stub in place instead of failing.
	thread, err := m.ReloadThread(context.Background(), "t1", "s1", true)
	require.NoError(t, err)
	assert.Equal(t, "REM LOOKUP "+key, thread.Messages[0].Content)
}

func TestCacheEviction(t *testing.T) {
	m, mock, _ := newTestManager(t, Config{MaxCachedThreads: 1})
	ctx := context.Background()

	expectPersist(mock)
	first, err := m.OpenThread(ctx, "t1", "u1", "", "", "", "")
	require.NoError(t, err)
	expectPersist(mock)
	second, err := m.OpenThread(ctx, "t1", "u1", "", "", "", "")
	require.NoError(t, err)

	_, ok := m.Cached(first.SessionID)
	assert.False(t, ok)
	_, ok = m.Cached(second.SessionID)
	assert.True(t, ok)
}

func TestCloseThreadDropsFromCache(t *testing.T) {
	m, mock, _ := newTestManager(t, Config{})
	ctx := context.Background()

	expectPersist(mock)
	thread, err := m.OpenThread(ctx, "t1", "u1", "", "", "", "")
	require.NoError(t, err)
	_, ok := m.Cached(thread.SessionID)
	require.True(t, ok)

	expectPersist(mock)
	require.NoError(t, m.CloseThread(ctx, thread))
	_, ok = m.Cached(thread.SessionID)
	assert.False(t, ok)
}
