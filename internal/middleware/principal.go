package middleware

import (
	"context"
	"net/http"
	"strings"
)

// AnonymousPrincipal is used when a request carries no X-Principal header.
const AnonymousPrincipal = "anonymous"

// SystemPrincipal marks changes made by the broker itself (reconciler, failover).
const SystemPrincipal = "system"

const headerPrincipal = "X-Principal"

type principalCtxKey struct{}

// Principal is middleware that stores the caller identity from the
// X-Principal header in the request context. Authentication happens in front
// of the broker; this only carries the asserted name for audit fields.
func Principal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := strings.TrimSpace(r.Header.Get(headerPrincipal))
		if p == "" {
			p = AnonymousPrincipal
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// WithPrincipal returns a context carrying the given principal.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalCtxKey{}, principal)
}

// PrincipalFromContext returns the principal stored in ctx, or AnonymousPrincipal.
func PrincipalFromContext(ctx context.Context) string {
	if p, ok := ctx.Value(principalCtxKey{}).(string); ok {
		return p
	}
	return AnonymousPrincipal
}
