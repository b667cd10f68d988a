// Package limiter provides the core rate limiting domain types.
package limiter

import (
	"context"
	"errors"
	"time"
)

// ErrStoreProtocol indicates the store returned a malformed result.
// This is a bug (script/client mismatch), not a load condition, and is
// never silently converted into an allow or deny.
var ErrStoreProtocol = errors.New("limiter: malformed store result")

// PenaltyConfig configures escalating penalties for repeated denials.
//
// When a request is denied and penalties are enabled, a violation counter
// (scoped by the violation window) selects a block duration from Durations:
// the k-th violation selects Durations[min(k,n)-1]. While a block is active
// every request is denied regardless of bucket state.
type PenaltyConfig struct {
	// Enabled turns penalty escalation on.
	Enabled bool

	// ViolationWindow is how long denials accumulate toward escalation.
	// Zero means the counter never expires on its own.
	ViolationWindow time.Duration

	// Durations is the ordered escalation ladder, 1-indexed by violation
	// count and saturating at the last entry. Monotonic non-decreasing by
	// convention; not enforced.
	Durations []time.Duration
}

// Active reports whether the config can produce a block.
func (p PenaltyConfig) Active() bool {
	return p.Enabled && len(p.Durations) > 0
}

// StoreRequest is the wire contract from the decision driver to the store.
// All three keys are pre-derived, sanitized ASCII strings.
type StoreRequest struct {
	BucketKey    string
	BlockKey     string
	ViolationKey string

	// Capacity is the effective bucket limit (tokens).
	Capacity int64

	// Window is the full-refill period for Capacity tokens.
	Window time.Duration

	// Cost is the tokens this request consumes, already clamped to
	// [1, Capacity].
	Cost int64

	Penalty PenaltyConfig
}

// StoreResult is the store core's answer for one request.
type StoreResult struct {
	Allowed bool
	Blocked bool

	// RemainingTokens is the fractional bucket level after this request.
	// The block-gate early exit reports -1 (no bucket state was read).
	RemainingTokens float64

	// RetryAfter is how long the caller should wait before retrying.
	// Zero when the request was allowed.
	RetryAfter time.Duration

	// ResetAfter is how long until the bucket is full again. Zero on the
	// block-gate early exit.
	ResetAfter time.Duration

	// Violations is the violation counter value, zero unless this request
	// was denied with penalties or a violation window configured.
	Violations int64
}

// Store evaluates one request atomically against the shared KV store.
//
// Implementations must execute the whole evaluation as a single atomic
// action; partial updates must never be observable. The store's own clock
// is the time authority. A context cancellation during the round-trip is
// reported as an ordinary store error.
type Store interface {
	Eval(ctx context.Context, req StoreRequest) (StoreResult, error)
}

// Decision is the immutable outcome of one rate limit evaluation.
type Decision struct {
	// Policy is the name of the policy that produced this decision.
	Policy string

	// Scope is the bucket partition (route, shared bucket, or override).
	Scope string

	// KeyHash is the hex SHA-256 fingerprint of the caller key.
	KeyHash string

	// Limit is the effective capacity applied to this caller.
	Limit int64

	// Remaining is the whole tokens left, floored and never negative.
	Remaining int64

	// Cost is the tokens charged for this request.
	Cost int64

	// RetryAfter is the wait hint attached to denials.
	RetryAfter time.Duration

	// Reset is the wall-clock instant the bucket is expected to be full.
	Reset time.Time

	Allowed    bool
	Blocked    bool
	Violations int64
}

// EndpointMetadata carries per-endpoint limit directives. Entries are
// walked last-wins, so a route can override what a handler group set.
type EndpointMetadata struct {
	// Policy names the policy to apply. Empty means inherit.
	Policy string

	// Scope overrides the bucket partition.
	Scope string

	// Name is a display name used as a scope fallback.
	Name string

	// Cost overrides the per-request token cost when positive.
	Cost int64
}

// MetricsSink receives decision outcomes. Implementations must be
// non-blocking; panics are recovered by the caller and must not affect
// the decision path.
type MetricsSink interface {
	OnAllowed(d Decision)
	OnLimited(d Decision)
	OnBlocked(d Decision)
}

// NopSink is a MetricsSink that discards everything.
type NopSink struct{}

func (NopSink) OnAllowed(Decision) {}
func (NopSink) OnLimited(Decision) {}
func (NopSink) OnBlocked(Decision) {}
