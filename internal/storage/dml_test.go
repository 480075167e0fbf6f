package storage

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Healer-AI/p8fs-sub003/internal/models"
)

func TestBuildUpsert(t *testing.T) {
	desc := models.ResourceDescriptor("text-default")
	row := map[string]interface{}{
		"id":        "11111111-1111-1111-1111-111111111111",
		"tenant_id": "t1",
		"name":      "alpha",
		"content":   "hello",
		"ignored":   "not a declared column",
	}

	query, args := buildUpsert(desc, row)

	// Column order follows the descriptor, undeclared keys are dropped.
	assert.Equal(t,
		"INSERT INTO resources (id, tenant_id, name, content) VALUES ($1, $2, $3, $4) "+
			"ON CONFLICT (id) DO UPDATE SET tenant_id = EXCLUDED.tenant_id, name = EXCLUDED.name, "+
			"content = EXCLUDED.content, updated_at = now()",
		query,
	)
	assert.Equal(t, []interface{}{"11111111-1111-1111-1111-111111111111", "t1", "alpha", "hello"}, args)
}

func TestUpsertRequiresTenant(t *testing.T) {
	p, _, _ := newTestProvider(t)
	desc := models.ResourceDescriptor("text-default")

	err := p.Upsert(context.Background(), desc, []map[string]interface{}{
		{"id": "11111111-1111-1111-1111-111111111111", "name": "x"},
	})
	require.ErrorIs(t, err, ErrTenantMissing)
}

func TestUpsertRequiresPrimaryKey(t *testing.T) {
	p, _, _ := newTestProvider(t)
	desc := models.ResourceDescriptor("text-default")

	err := p.Upsert(context.Background(), desc, []map[string]interface{}{
		{"tenant_id": "t1", "name": "x"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing primary key")
}

func TestUpsertExecutesPerRow(t *testing.T) {
	p, mock, _ := newTestProvider(t)
	desc := models.ResourceDescriptor("text-default")

	mock.ExpectExec(`INSERT INTO resources .* ON CONFLICT \(id\) DO UPDATE SET`).
		WithArgs("11111111-1111-1111-1111-111111111111", "t1", "alpha").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO resources .* ON CONFLICT \(id\) DO UPDATE SET`).
		WithArgs("22222222-2222-2222-2222-222222222222", "t1", "beta").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := p.Upsert(context.Background(), desc, []map[string]interface{}{
		{"id": "11111111-1111-1111-1111-111111111111", "tenant_id": "t1", "name": "alpha"},
		{"id": "22222222-2222-2222-2222-222222222222", "tenant_id": "t1", "name": "beta"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildSelect(t *testing.T) {
	desc := models.ResourceDescriptor("text-default")

	query, args, err := buildSelect(desc, SelectOptions{
		Filters: map[string]interface{}{
			"tenant_id":     "t1",
			"name__like":    "%sync%",
			"resource_type": "doc",
		},
		OrderBy: "updated_at desc",
		Limit:   10,
		Offset:  5,
	})
	require.NoError(t, err)

	// Filter keys are sorted for a stable statement.
	assert.Equal(t,
		"SELECT * FROM resources WHERE name LIKE $1 AND resource_type = $2 AND tenant_id = $3 "+
			"ORDER BY updated_at DESC LIMIT 10 OFFSET 5",
		query,
	)
	assert.Equal(t, []interface{}{"%sync%", "doc", "t1"}, args)
}

func TestBuildSelectRejectsUnknownFilter(t *testing.T) {
	desc := models.ResourceDescriptor("text-default")

	_, _, err := buildSelect(desc, SelectOptions{
		Filters: map[string]interface{}{"tenant_id": "t1", "password": "x"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown filter column")
}

func TestSelectRequiresTenant(t *testing.T) {
	p, _, _ := newTestProvider(t)
	desc := models.ResourceDescriptor("text-default")

	_, err := p.Select(context.Background(), desc, SelectOptions{
		Filters: map[string]interface{}{"name": "x"},
	})
	require.ErrorIs(t, err, ErrTenantMissing)
}

func TestSanitizeOrderBy(t *testing.T) {
	desc := models.ResourceDescriptor("text-default")

	out, err := sanitizeOrderBy(desc, "updated_at desc, name")
	require.NoError(t, err)
	assert.Equal(t, "updated_at DESC, name", out)

	_, err = sanitizeOrderBy(desc, "no_such_column")
	assert.Error(t, err)

	_, err = sanitizeOrderBy(desc, "name sideways")
	assert.Error(t, err)

	_, err = sanitizeOrderBy(desc, "name; DROP TABLE resources")
	assert.Error(t, err)
}

func TestExecuteRoutesSelects(t *testing.T) {
	p, mock, _ := newTestProvider(t)

	mock.ExpectQuery(`SELECT id FROM resources`).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "metadata"}).
			AddRow("r1", []byte(`{"k":"v"}`)))

	rows, err := p.Execute(context.Background(), "SELECT id FROM resources WHERE tenant_id = $1", "t1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "r1", rows[0]["id"])
	// JSONB bytes come back as JSON text.
	assert.Equal(t, `{"k":"v"}`, rows[0]["metadata"])

	mock.ExpectExec(`UPDATE resources SET name`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rows, err = p.Execute(context.Background(), "UPDATE resources SET name = $1", "x")
	require.NoError(t, err)
	assert.Nil(t, rows)
	require.NoError(t, mock.ExpectationsWereMet())
}
