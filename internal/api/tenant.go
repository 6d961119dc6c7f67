package api

import (
	"context"
	"net/http"
)

// TenantHeader carries the caller's tenant. Authentication happens in front
// of this service.
const TenantHeader = "X-Tenant-ID"

type tenantKey struct{}

func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get(TenantHeader)
		if tenant == "" {
			respondError(w, http.StatusUnauthorized, TenantHeader+" header is required")
			return
		}
		ctx := context.WithValue(r.Context(), tenantKey{}, tenant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tenantFrom(ctx context.Context) string {
	tenant, _ := ctx.Value(tenantKey{}).(string)
	return tenant
}
