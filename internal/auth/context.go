// Package auth carries the identity contract between the edge and the core:
// an authenticated request provides (tenant_id, user_id) as in-process
// context. Token issuance, OAuth device flow and device registration live in
// the enclosing service.
package auth

import (
	"context"
	"errors"
)

// ErrTenantMissing is returned when an operation requires tenant context
// and none is present. Callers must not retry.
var ErrTenantMissing = errors.New("tenant context missing")

// UserContext identifies the caller for the duration of a request. The core
// never derives the tenant from the network path.
type UserContext struct {
	UserID   string
	TenantID string
}

type contextKey struct{}

// WithUserContext attaches the caller identity to ctx.
func WithUserContext(ctx context.Context, uc UserContext) context.Context {
	return context.WithValue(ctx, contextKey{}, uc)
}

// GetUserContext extracts the caller identity, or ErrTenantMissing when the
// request was not authenticated.
func GetUserContext(ctx context.Context) (UserContext, error) {
	uc, ok := ctx.Value(contextKey{}).(UserContext)
	if !ok || uc.TenantID == "" {
		return UserContext{}, ErrTenantMissing
	}
	return uc, nil
}

// TenantID is a convenience accessor; empty when unauthenticated.
func TenantID(ctx context.Context) string {
	uc, err := GetUserContext(ctx)
	if err != nil {
		return ""
	}
	return uc.TenantID
}
