// Package identity derives stable caller identities from HTTP requests.
package identity

import "context"

// Well-known claim types consumed by the built-in resolvers.
const (
	// ClaimUserID is the primary user identifier claim.
	ClaimUserID = "user_id"

	// ClaimSubject is the OIDC subject claim.
	ClaimSubject = "sub"
)

// Claim is a single typed assertion about a principal.
type Claim struct {
	Type  string
	Value string
}

// Principal is the authenticated caller attached to a request by the
// host application's auth layer. The limiter only reads it; it never
// authenticates anything itself.
type Principal struct {
	// Subject is a convenience copy of the subject claim, if any.
	Subject string

	// Authenticated reports whether the auth layer verified this caller.
	Authenticated bool

	Claims []Claim
}

// ClaimValue returns the first claim of the given type, or "".
func (p *Principal) ClaimValue(claimType string) string {
	if p == nil {
		return ""
	}
	for _, c := range p.Claims {
		if c.Type == claimType {
			return c.Value
		}
	}
	return ""
}

// principalContextKey is the context key type for the request principal.
type principalContextKey struct{}

// WithPrincipal returns a context carrying the principal. Host auth
// middleware calls this before the limiter runs.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext returns the request principal, or nil.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalContextKey{}).(*Principal)
	return p
}
