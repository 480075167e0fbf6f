package rem

import (
	"errors"
	"fmt"

	"github.com/Healer-AI/p8fs-sub003/internal/embeddings"
	"github.com/Healer-AI/p8fs-sub003/internal/storage"
)

// Error kinds exposed through the query contract.
const (
	KindUnknownTable      = "unknown_table"
	KindUnsupportedSQL    = "unsupported_sql_construct"
	KindVectorUnavailable = "vector_unavailable"
	KindDimensionMismatch = "embedding_dimension_mismatch"
	KindDepthExceeded     = "depth_exceeded"
	KindParse             = "parse_error"
	KindInternal          = "internal_query_error"
)

// QueryError is the structured failure every engine call returns. Kind is
// stable contract; Err carries substrate detail.
type QueryError struct {
	Kind string
	Err  error
}

func (e *QueryError) Error() string {
	if e.Err == nil {
		return e.Kind
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

func queryErr(kind string, format string, args ...interface{}) *QueryError {
	return &QueryError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// classify maps substrate sentinels onto contract kinds; anything
// unrecognized becomes internal_query_error.
func classify(err error) *QueryError {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe
	}
	switch {
	case errors.Is(err, storage.ErrUnknownTable):
		return &QueryError{Kind: KindUnknownTable, Err: err}
	case errors.Is(err, storage.ErrVectorUnavailable):
		return &QueryError{Kind: KindVectorUnavailable, Err: err}
	case errors.Is(err, storage.ErrDimensionMismatch), errors.Is(err, embeddings.ErrDimensionMismatch):
		return &QueryError{Kind: KindDimensionMismatch, Err: err}
	default:
		return &QueryError{Kind: KindInternal, Err: err}
	}
}
