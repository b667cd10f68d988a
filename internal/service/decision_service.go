package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/elf-platform/accessrl/internal/domain/identity"
	"github.com/elf-platform/accessrl/internal/domain/limiter"
	"github.com/elf-platform/accessrl/internal/domain/policy"
)

// tracerName identifies decision service spans.
const tracerName = "github.com/elf-platform/accessrl/internal/service"

// Options configures the decision service.
type Options struct {
	// KeyPrefix namespaces all store keys. Defaults to
	// limiter.DefaultKeyPrefix.
	KeyPrefix string

	// FailOpen lets requests through when the store is unreachable.
	// The alternative surfaces the failure to the caller as an
	// infrastructure error.
	FailOpen bool

	// AuthenticatedWhen is the global authentication predicate, used when
	// a policy does not bring its own.
	AuthenticatedWhen func(r *http.Request) bool

	// ExemptWhen is the global exemption predicate.
	ExemptWhen func(ctx context.Context, r *http.Request) bool

	// FallbackResolver is tried exactly once when the policy resolver
	// yields no identity. Defaults to the IP resolver.
	FallbackResolver identity.KeyResolver
}

// DefaultOptions returns the production defaults: fail-open, IP fallback.
func DefaultOptions() Options {
	return Options{
		KeyPrefix: limiter.DefaultKeyPrefix,
		FailOpen:  true,
	}
}

// Outcome is the result of one evaluation. When Bypassed is true no
// limiting applies and Decision is zero; the request proceeds untouched.
type Outcome struct {
	Bypassed bool
	Decision limiter.Decision
}

// DecisionService orchestrates policy lookup, caller identity
// derivation, and the atomic store evaluation for each request. It is
// the single error boundary: nothing below it recovers errors.
type DecisionService struct {
	provider *PolicyProvider
	store    limiter.Store
	opts     Options
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewDecisionService wires a decision service. A nil fallback resolver
// defaults to IP, a zero key prefix to the package default.
func NewDecisionService(provider *PolicyProvider, store limiter.Store, opts Options, logger *slog.Logger) *DecisionService {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = limiter.DefaultKeyPrefix
	}
	if opts.FallbackResolver == nil {
		opts.FallbackResolver = identity.IPResolver()
	}
	return &DecisionService{
		provider: provider,
		store:    store,
		opts:     opts,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
}

// Evaluate runs the full decision flow for one request. meta is the
// endpoint metadata chain, walked last-wins. A Bypassed outcome means
// the request must proceed without limiting. An error is returned only
// for store failures with fail-open disabled; the caller surfaces it as
// an infrastructure failure, never as a limit.
func (s *DecisionService) Evaluate(ctx context.Context, r *http.Request, meta []limiter.EndpointMetadata) (Outcome, error) {
	directive := resolveMetadata(meta)

	policyName := directive.Policy
	if policyName == "" {
		if snap := s.provider.Snapshot(); snap != nil {
			policyName = snap.DefaultName()
		}
	}
	if policyName == "" {
		return Outcome{Bypassed: true}, nil
	}

	pol := s.provider.GetPolicy(policyName)
	if pol == nil {
		s.logger.Warn("unknown rate limit policy, bypassing",
			"policy", policyName, "path", r.URL.Path)
		return Outcome{Bypassed: true}, nil
	}

	if !pol.Enabled {
		return Outcome{Bypassed: true}, nil
	}
	if s.opts.ExemptWhen != nil && s.opts.ExemptWhen(ctx, r) {
		return Outcome{Bypassed: true}, nil
	}
	if pol.ExemptWhen != nil && pol.ExemptWhen(ctx, r) {
		return Outcome{Bypassed: true}, nil
	}

	scope := resolveScope(directive, pol, r)

	key := s.resolveKey(ctx, r, pol)
	if key == "" {
		// No stable identity either way: a caller we cannot identify
		// cannot be limited.
		return Outcome{Bypassed: true}, nil
	}

	effLimit := s.effectiveLimit(r, pol)
	effCost := s.effectiveCost(r, pol, directive, effLimit)

	keyHash := limiter.Fingerprint(key)
	scopeKey := limiter.SanitizeScope(scope)
	bucketKey, blockKey, violKey := limiter.StoreKeys(s.opts.KeyPrefix, pol.Name, scopeKey, keyHash)

	req := limiter.StoreRequest{
		BucketKey:    bucketKey,
		BlockKey:     blockKey,
		ViolationKey: violKey,
		Capacity:     effLimit,
		Window:       pol.Window,
		Cost:         effCost,
		Penalty:      pol.Penalty,
	}

	result, err := s.evalStore(ctx, pol.Name, scopeKey, req)
	if err != nil {
		if s.opts.FailOpen {
			s.logger.Error("rate limit store failure, failing open",
				"policy", pol.Name, "scope", scopeKey, "error", err)
			return Outcome{Bypassed: true}, nil
		}
		return Outcome{}, fmt.Errorf("rate limit store: %w", err)
	}

	return Outcome{Decision: s.buildDecision(pol.Name, scopeKey, keyHash, effLimit, effCost, result)}, nil
}

// evalStore runs the atomic store round-trip inside a span. The store
// call is one of only two suspension points in the flow and honors ctx
// cancellation; a cancellation is indistinguishable from a store error.
func (s *DecisionService) evalStore(ctx context.Context, policyName, scope string, req limiter.StoreRequest) (limiter.StoreResult, error) {
	ctx, span := s.tracer.Start(ctx, "accessrl.store.eval",
		trace.WithAttributes(
			attribute.String("accessrl.policy", policyName),
			attribute.String("accessrl.scope", scope),
		))
	defer span.End()

	result, err := s.store.Eval(ctx, req)
	if err != nil {
		span.RecordError(err)
		return limiter.StoreResult{}, err
	}
	span.SetAttributes(attribute.Bool("accessrl.allowed", result.Allowed))
	return result, nil
}

// buildDecision shapes the store result into an immutable Decision.
// Remaining is floored and never negative: the block-gate early exit
// reports -1 remaining tokens, which deliberately surfaces as 0 here.
func (s *DecisionService) buildDecision(policyName, scope, keyHash string, limit, cost int64, res limiter.StoreResult) limiter.Decision {
	remaining := int64(math.Floor(math.Max(0, res.RemainingTokens)))

	resetAfter := res.ResetAfter
	if resetAfter <= 0 {
		resetAfter = res.RetryAfter
	}

	return limiter.Decision{
		Policy:     policyName,
		Scope:      scope,
		KeyHash:    keyHash,
		Limit:      limit,
		Remaining:  remaining,
		Cost:       cost,
		RetryAfter: res.RetryAfter,
		Reset:      s.now().UTC().Add(resetAfter),
		Allowed:    res.Allowed,
		Blocked:    res.Blocked,
		Violations: res.Violations,
	}
}

// resolveKey derives the caller identity: the policy resolver first,
// then the fallback resolver exactly once. Resolver errors are treated
// as "no identity" so a broken custom resolver degrades to bypass
// instead of rejecting traffic.
func (s *DecisionService) resolveKey(ctx context.Context, r *http.Request, pol *policy.Policy) string {
	key, err := pol.Resolver.Resolve(ctx, r)
	if err != nil {
		s.logger.Warn("key resolver failed", "policy", pol.Name, "error", err)
		key = ""
	}
	if key != "" {
		return key
	}
	key, err = s.opts.FallbackResolver.Resolve(ctx, r)
	if err != nil {
		s.logger.Warn("fallback key resolver failed", "policy", pol.Name, "error", err)
		return ""
	}
	return key
}

// effectiveLimit picks the identity-conditional capacity.
func (s *DecisionService) effectiveLimit(r *http.Request, pol *policy.Policy) int64 {
	if s.isAuthenticated(r, pol) {
		if pol.AuthenticatedLimit > 0 {
			return pol.AuthenticatedLimit
		}
	} else if pol.AnonymousLimit > 0 {
		return pol.AnonymousLimit
	}
	return pol.Limit
}

// isAuthenticated applies the predicate chain: policy predicate, global
// predicate, principal, authenticated headers.
func (s *DecisionService) isAuthenticated(r *http.Request, pol *policy.Policy) bool {
	if pol.AuthenticatedWhen != nil {
		return pol.AuthenticatedWhen(r)
	}
	if s.opts.AuthenticatedWhen != nil {
		return s.opts.AuthenticatedWhen(r)
	}
	if p := identity.PrincipalFromContext(r.Context()); p != nil && p.Authenticated {
		return true
	}
	for _, h := range pol.AuthenticatedHeaders {
		if r.Header.Get(h) != "" {
			return true
		}
	}
	return false
}

// effectiveCost picks the per-request cost and clamps it to
// [1, effLimit]. The clamp is a safety net; normalization already
// rejects static costs above the limit.
func (s *DecisionService) effectiveCost(r *http.Request, pol *policy.Policy, directive limiter.EndpointMetadata, effLimit int64) int64 {
	cost := directive.Cost
	if cost <= 0 && pol.CostResolver != nil {
		cost = pol.CostResolver(r)
	}
	if cost <= 0 {
		cost = pol.Cost
	}
	if cost < 1 {
		cost = 1
	}
	if cost > effLimit {
		cost = effLimit
	}
	return cost
}

// resolveMetadata collapses the metadata chain last-wins, per field.
func resolveMetadata(meta []limiter.EndpointMetadata) limiter.EndpointMetadata {
	var out limiter.EndpointMetadata
	for _, m := range meta {
		if m.Policy != "" {
			out.Policy = m.Policy
		}
		if m.Scope != "" {
			out.Scope = m.Scope
		}
		if m.Name != "" {
			out.Name = m.Name
		}
		if m.Cost > 0 {
			out.Cost = m.Cost
		}
	}
	return out
}

// resolveScope picks the bucket partition: explicit metadata scope, the
// policy's shared bucket, the route pattern, the endpoint display name,
// then "unknown".
func resolveScope(directive limiter.EndpointMetadata, pol *policy.Policy, r *http.Request) string {
	switch {
	case directive.Scope != "":
		return directive.Scope
	case pol.SharedBucket != "":
		return pol.SharedBucket
	case r.Pattern != "":
		return r.Pattern
	case directive.Name != "":
		return directive.Name
	}
	return "unknown"
}
