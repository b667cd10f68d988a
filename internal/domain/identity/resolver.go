package identity

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// KeyResolver maps a request to a stable caller identity string.
// An empty result means "no stable identity" and the request should
// skip limiting. Built-in resolvers never return an error; custom
// resolvers that perform I/O may, and must honor ctx cancellation.
type KeyResolver interface {
	Resolve(ctx context.Context, r *http.Request) (string, error)
}

// ResolverFunc adapts a function to the KeyResolver interface.
type ResolverFunc func(ctx context.Context, r *http.Request) (string, error)

// Resolve implements KeyResolver.
func (f ResolverFunc) Resolve(ctx context.Context, r *http.Request) (string, error) {
	return f(ctx, r)
}

// IPResolver identifies callers by client IP. It prefers the first
// parseable address from X-Forwarded-For, then X-Real-IP, then falls
// back to the transport-level remote address. Only the first entry of
// X-Forwarded-For is trusted to avoid spoofing via appended hops.
func IPResolver() KeyResolver {
	return ResolverFunc(func(_ context.Context, r *http.Request) (string, error) {
		return clientIP(r), nil
	})
}

// clientIP extracts the client IP per the resolver contract.
func clientIP(r *http.Request) string {
	for _, header := range []string{"X-Forwarded-For", "X-Real-IP"} {
		for _, part := range strings.Split(r.Header.Get(header), ",") {
			if ip := normalizeIPCandidate(part); ip != "" {
				return ip
			}
		}
	}
	// RemoteAddr is "host:port"; extract host. If splitting fails the
	// address is used as-is (e.g. unix socket peers).
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// normalizeIPCandidate trims a forwarded-header entry, strips IPv6
// brackets and a trailing :port (only when a single colon and a dot are
// present, i.e. an IPv4:port pair), and returns the candidate if it
// parses as an IP address.
func normalizeIPCandidate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.HasPrefix(s, "[") {
		if end := strings.Index(s, "]"); end > 0 {
			s = s[1:end]
		}
	}
	if strings.Count(s, ":") == 1 && strings.Contains(s, ".") {
		s = s[:strings.Index(s, ":")]
	}
	if net.ParseIP(s) == nil {
		return ""
	}
	return s
}

// UserResolver identifies callers by the user ID claim of the
// authenticated principal. Anonymous requests resolve to "".
func UserResolver() KeyResolver {
	return ClaimResolver(ClaimUserID)
}

// SubjectResolver identifies callers by the subject claim.
func SubjectResolver() KeyResolver {
	return ClaimResolver(ClaimSubject)
}

// ClaimResolver identifies callers by an arbitrary claim type.
func ClaimResolver(claimType string) KeyResolver {
	return ResolverFunc(func(ctx context.Context, _ *http.Request) (string, error) {
		return PrincipalFromContext(ctx).ClaimValue(claimType), nil
	})
}

// HeaderResolver identifies callers by a request header (first value).
func HeaderResolver(name string) KeyResolver {
	return ResolverFunc(func(_ context.Context, r *http.Request) (string, error) {
		return r.Header.Get(name), nil
	})
}

// APIKeyResolver identifies callers by the X-Api-Key header.
func APIKeyResolver() KeyResolver {
	return HeaderResolver("X-Api-Key")
}

// ClientIDResolver identifies callers by the X-Client-Id header.
func ClientIDResolver() KeyResolver {
	return HeaderResolver("X-Client-Id")
}

// NopResolver never yields an identity. It is the "no fallback"
// configuration: requests the policy resolver cannot identify bypass
// limiting instead of being keyed by IP.
func NopResolver() KeyResolver {
	return ResolverFunc(func(context.Context, *http.Request) (string, error) {
		return "", nil
	})
}

// CompositeResolver invokes every part in order and joins the non-empty
// results with "|". It is not a fallback chain: every part that yields
// an identity contributes to the key. All parts empty means no identity.
type CompositeResolver struct {
	parts []KeyResolver
}

// NewCompositeResolver builds a composite over the given parts.
func NewCompositeResolver(parts ...KeyResolver) *CompositeResolver {
	return &CompositeResolver{parts: parts}
}

// Resolve implements KeyResolver.
func (c *CompositeResolver) Resolve(ctx context.Context, r *http.Request) (string, error) {
	var sb strings.Builder
	for _, part := range c.parts {
		v, err := part.Resolve(ctx, r)
		if err != nil {
			return "", err
		}
		if v == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString(v)
	}
	return sb.String(), nil
}
