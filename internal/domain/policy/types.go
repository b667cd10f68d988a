// Package policy contains the rate limit policy model and its
// normalization rules.
package policy

import (
	"context"
	"net/http"
	"time"

	"github.com/elf-platform/accessrl/internal/domain/identity"
	"github.com/elf-platform/accessrl/internal/domain/limiter"
)

// Policy is a named rate limiting rule set. Policies are immutable once
// published in a snapshot; reconfiguration builds and publishes a fresh
// snapshot instead of mutating in place.
type Policy struct {
	// Name is the case-insensitive lookup key.
	Name string

	// Limit is the bucket capacity in tokens.
	Limit int64

	// Window is the period over which Limit tokens refill.
	Window time.Duration

	// LimitPerSecond/Minute/Hour are convenience fields; normalization
	// materializes them into Limit and Window.
	LimitPerSecond int64
	LimitPerMinute int64
	LimitPerHour   int64

	// Cost is the tokens one request consumes. Defaults to 1.
	Cost int64

	// AuthenticatedLimit and AnonymousLimit override Limit depending on
	// whether the caller is authenticated. Zero means unset.
	AuthenticatedLimit int64
	AnonymousLimit     int64

	// AuthenticatedWhen overrides the authentication check for this
	// policy. When nil, the driver falls back to its own predicate, the
	// principal, and AuthenticatedHeaders, in that order.
	AuthenticatedWhen func(r *http.Request) bool

	// AuthenticatedHeaders lists header names whose presence (with a
	// non-empty value) marks the request authenticated.
	AuthenticatedHeaders []string

	// SharedBucket names a cross-endpoint scope. Endpoints sharing the
	// name share one bucket per caller.
	SharedBucket string

	// KeyResolvers is an ordered list of resolver specs compiled during
	// normalization. Ignored when Resolver is set explicitly.
	KeyResolvers []string

	// Resolver is the compiled caller identity resolver. Set explicitly
	// or compiled from KeyResolvers; normalization injects "ip" when
	// neither is provided.
	Resolver identity.KeyResolver

	// Penalty configures escalating blocks for repeated denials.
	Penalty limiter.PenaltyConfig

	// Enabled is the policy kill-switch. A disabled policy bypasses
	// limiting entirely, with zero store traffic.
	Enabled bool

	// ExemptWhen skips limiting for matching requests.
	ExemptWhen func(ctx context.Context, r *http.Request) bool

	// CostResolver computes a dynamic per-request cost. A non-positive
	// result falls back to Cost.
	CostResolver func(r *http.Request) int64
}
