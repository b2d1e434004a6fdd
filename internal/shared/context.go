package shared

import (
	"context"

	"github.com/google/uuid"
)

// TenantScope identifies the cold storage and actor of a request.
type TenantScope struct {
	ColdStorageID uuid.UUID
	ActorID       string
}

type tenantContextKey struct{}

// ContextWithTenant stores the tenant scope in context.
func ContextWithTenant(ctx context.Context, scope TenantScope) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, scope)
}

// TenantFromContext extracts the tenant scope from context.
func TenantFromContext(ctx context.Context) (TenantScope, bool) {
	scope, ok := ctx.Value(tenantContextKey{}).(TenantScope)
	if !ok || scope.ColdStorageID == uuid.Nil {
		return TenantScope{}, false
	}
	return scope, true
}
