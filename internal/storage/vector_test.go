package storage

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Healer-AI/p8fs-sub003/internal/models"
)

func TestSimilaritySearchAnnotatesAndFilters(t *testing.T) {
	p, mock, _ := newTestProvider(t)
	desc := models.ResourceDescriptor("text-default")

	mock.ExpectQuery(`SELECT t\.\*, \(e\.embedding_vector <=> \$1\) AS distance\s+FROM resources t\s+JOIN embeddings\.resources_embeddings e`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "distance"}).
			AddRow("r1", "close", 0.1).
			AddRow("r2", "far", 0.6))

	rows, err := p.SimilaritySearch(context.Background(), desc, "content", "t1", []float32{0.1, 0.2}, SearchOptions{
		Limit:     10,
		Threshold: 0.7,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "r1", rows[0]["id"])
	assert.InDelta(t, 0.9, rows[0]["similarity"], 1e-9)
	assert.InDelta(t, 0.1, rows[0]["distance"], 1e-9)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSimilaritySearchRequiresTenant(t *testing.T) {
	p, _, _ := newTestProvider(t)
	desc := models.ResourceDescriptor("text-default")

	_, err := p.SimilaritySearch(context.Background(), desc, "content", "", nil, SearchOptions{})
	require.ErrorIs(t, err, ErrTenantMissing)
}

func TestSimilaritySearchMissingOperator(t *testing.T) {
	p, mock, _ := newTestProvider(t)
	desc := models.ResourceDescriptor("text-default")

	mock.ExpectQuery(`JOIN embeddings\.resources_embeddings`).
		WillReturnError(&pq.Error{Code: "42883"})

	_, err := p.SimilaritySearch(context.Background(), desc, "content", "t1", []float32{0.1}, SearchOptions{})
	require.ErrorIs(t, err, ErrVectorUnavailable)
}

func TestSimilaritySearchL2Metric(t *testing.T) {
	p, mock, _ := newTestProvider(t)
	desc := models.ResourceDescriptor("text-default")

	mock.ExpectQuery(`<-> \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "distance"}))

	_, err := p.SimilaritySearch(context.Background(), desc, "content", "t1", []float32{0.1}, SearchOptions{
		Metric: MetricL2,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertEmbeddingDimensionMismatch(t *testing.T) {
	p, _, _ := newTestProvider(t)
	desc := models.ResourceDescriptor("text-default")

	rec := models.EmbeddingRecord{TenantID: "t1", VectorDimension: 3}
	err := p.UpsertEmbedding(context.Background(), desc, rec, []float32{0.1, 0.2})
	require.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestMetricOperator(t *testing.T) {
	op, err := Metric("").operator()
	require.NoError(t, err)
	assert.Equal(t, "<=>", op)

	op, err = MetricL2.operator()
	require.NoError(t, err)
	assert.Equal(t, "<->", op)

	_, err = Metric("chebyshev").operator()
	assert.Error(t, err)
}
