package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Healer-AI/p8fs-sub003/internal/models"
)

func TestBuildDDLResources(t *testing.T) {
	p, _, _ := newTestProvider(t)
	desc := models.ResourceDescriptor("text-default")

	stmts, err := p.BuildDDL(desc)
	require.NoError(t, err)

	joined := strings.Join(stmts, "\n")
	assert.Contains(t, joined, "CREATE TABLE IF NOT EXISTS resources (")
	assert.Contains(t, joined, "id UUID PRIMARY KEY")
	assert.Contains(t, joined, "CREATE INDEX IF NOT EXISTS idx_resources_tenant ON resources (tenant_id);")
	assert.Contains(t, joined, "CREATE INDEX IF NOT EXISTS idx_resources_name ON resources (name);")
	assert.Contains(t, joined, "uq_resources_tenant_id_name_resource_type ON resources (tenant_id, name, resource_type);")

	// The vector column width is baked in from the declared dimension.
	assert.Contains(t, joined, "CREATE SCHEMA IF NOT EXISTS embeddings;")
	assert.Contains(t, joined, "CREATE EXTENSION IF NOT EXISTS vector;")
	assert.Contains(t, joined, "CREATE TABLE IF NOT EXISTS embeddings.resources_embeddings (")
	assert.Contains(t, joined, "embedding_vector vector(384)")
	assert.Contains(t, joined, "USING hnsw (embedding_vector vector_cosine_ops)")
	assert.Contains(t, joined, "uq_resources_embeddings_entity_field_tenant ON embeddings.resources_embeddings (entity_id, field_name, tenant_id);")
}

func TestBuildDDLJobsHasNoEmbeddings(t *testing.T) {
	p, _, _ := newTestProvider(t)

	stmts, err := p.BuildDDL(models.JobDescriptor())
	require.NoError(t, err)

	joined := strings.Join(stmts, "\n")
	assert.NotContains(t, joined, "embeddings")
	assert.Contains(t, joined, "uq_dreaming_jobs_tenant_id_mode_data_window ON dreaming_jobs (tenant_id, mode, data_window);")
}

func TestBuildDDLUnknownProviderDimension(t *testing.T) {
	p, _, _ := newTestProvider(t)
	desc := models.ResourceDescriptor("unheard-of-provider")

	_, err := p.BuildDDL(desc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no declared dimension")
}

func TestEnsureTableCachesExistence(t *testing.T) {
	p, mock, _ := newTestProvider(t)
	desc := models.JobDescriptor()

	stmts, err := p.BuildDDL(desc)
	require.NoError(t, err)
	for range stmts {
		mock.ExpectExec(`CREATE`).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, p.EnsureTable(context.Background(), desc))
	// Second call is served from the metadata cache; no further statements.
	require.NoError(t, p.EnsureTable(context.Background(), desc))
	require.NoError(t, mock.ExpectationsWereMet())

	p.InvalidateTable(desc.Table)
	for range stmts {
		mock.ExpectExec(`CREATE`).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, p.EnsureTable(context.Background(), desc))
	require.NoError(t, mock.ExpectationsWereMet())
}
