package storage

import (
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrTenantMissing is returned when a row or query carries no tenant id.
	ErrTenantMissing = errors.New("tenant id missing")

	// ErrNotFound is returned when an entity or KV key is absent.
	ErrNotFound = errors.New("not found")

	// ErrUnknownTable is returned for operations against a table the
	// provider has no descriptor for.
	ErrUnknownTable = errors.New("unknown table")

	// ErrVectorUnavailable is returned when the engine does not support
	// vector operators. SEARCH degrades to this error, never to a silent
	// wrong answer.
	ErrVectorUnavailable = errors.New("vector operations unavailable")

	// ErrDimensionMismatch is returned when a provider's vector width does
	// not match the stored column width.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrConnect is returned when the connect path exhausts its retries.
	ErrConnect = errors.New("storage connect failed")
)

// undefinedFunction is the Postgres SQLSTATE raised when the pgvector
// operators are missing (extension not installed).
const undefinedFunction = "42883"

// classifyVectorErr maps a missing-operator failure to ErrVectorUnavailable
// and passes everything else through verbatim.
func classifyVectorErr(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == undefinedFunction {
		return ErrVectorUnavailable
	}
	return err
}
