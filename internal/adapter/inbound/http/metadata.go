package http

import (
	"context"
	"net/http"

	"github.com/elf-platform/accessrl/internal/domain/limiter"
)

// metadataContextKey is the context key type for the endpoint metadata
// chain.
type metadataContextKey struct{}

// WithMetadata wraps a handler so the given metadata entries are
// appended to the request's metadata chain before it runs. Wrappers
// compose: entries from outer wrappers come first, so the innermost
// (most specific) entry wins during the driver's last-wins walk.
func WithMetadata(next http.Handler, meta ...limiter.EndpointMetadata) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := appendMetadata(r.Context(), meta...)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// appendMetadata returns a context whose metadata chain includes meta.
func appendMetadata(ctx context.Context, meta ...limiter.EndpointMetadata) context.Context {
	if len(meta) == 0 {
		return ctx
	}
	existing := MetadataFromContext(ctx)
	chain := make([]limiter.EndpointMetadata, 0, len(existing)+len(meta))
	chain = append(chain, existing...)
	chain = append(chain, meta...)
	return context.WithValue(ctx, metadataContextKey{}, chain)
}

// MetadataFromContext returns the request's metadata chain, outermost
// first. Nil when no metadata was attached.
func MetadataFromContext(ctx context.Context) []limiter.EndpointMetadata {
	meta, _ := ctx.Value(metadataContextKey{}).([]limiter.EndpointMetadata)
	return meta
}
