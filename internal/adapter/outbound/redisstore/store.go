// Package redisstore implements the atomic rate limit store core on
// Redis. The whole evaluation — block gate, refill, decision, violation
// accounting, penalty escalation — executes as a single server-side Lua
// script, so concurrent instances serialize per key and no partial
// update is ever observable.
package redisstore

import (
	"context"
	_ "embed"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/elf-platform/accessrl/internal/domain/limiter"
)

//go:embed tokenbucket.lua
var tokenBucketScript string

// defaultTimeout bounds one store round-trip. Expiry surfaces as an
// ordinary store error, so fail-open policy applies.
const defaultTimeout = 2 * time.Second

// Store is the Redis-backed limiter.Store. Scripts are cached by SHA on
// the server after first load; go-redis falls back to EVAL on NOSCRIPT.
type Store struct {
	client   redis.UniversalClient
	script   *redis.Script
	timeout  time.Duration
	observer func(time.Duration, error)
}

// Option configures a Store.
type Option func(*Store)

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.timeout = d
	}
}

// WithObserver registers a hook called after every round-trip with its
// duration and outcome. Used for latency and failure metrics.
func WithObserver(f func(time.Duration, error)) Option {
	return func(s *Store) {
		s.observer = f
	}
}

// New creates a Store on the given client. The client is shared, long
// lived, and owned by the caller.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:  client,
		script:  redis.NewScript(tokenBucketScript),
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping verifies store connectivity, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Eval runs one atomic evaluation. Numeric arguments cross the boundary
// with invariant formatting; the window travels as fractional seconds.
func (s *Store) Eval(ctx context.Context, req limiter.StoreRequest) (limiter.StoreResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	args := make([]interface{}, 0, 4+len(req.Penalty.Durations))
	args = append(args,
		strconv.FormatInt(req.Capacity, 10),
		strconv.FormatFloat(req.Window.Seconds(), 'f', -1, 64),
		strconv.FormatInt(req.Cost, 10),
	)
	if req.Penalty.Enabled {
		args = append(args, strconv.FormatInt(int64(req.Penalty.ViolationWindow.Seconds()), 10))
		for _, d := range req.Penalty.Durations {
			args = append(args, strconv.FormatInt(int64(math.Ceil(d.Seconds())), 10))
		}
	} else {
		args = append(args, "0")
	}

	start := time.Now()
	raw, err := s.script.Run(ctx, s.client,
		[]string{req.BucketKey, req.BlockKey, req.ViolationKey},
		args...).Result()
	if s.observer != nil {
		s.observer(time.Since(start), err)
	}
	if err != nil {
		return limiter.StoreResult{}, fmt.Errorf("redisstore: script run: %w", err)
	}

	return parseResult(raw)
}

// parseResult decodes the script's 6-element reply. Anything shorter or
// mistyped is a protocol violation: a bug in the script or client, not a
// load condition, so it is raised instead of silently succeeding.
func parseResult(raw interface{}) (limiter.StoreResult, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) < 6 {
		return limiter.StoreResult{}, fmt.Errorf("%w: got %T with %d elements",
			limiter.ErrStoreProtocol, raw, resultLen(raw))
	}

	allowed, err := resultInt(values[0])
	if err != nil {
		return limiter.StoreResult{}, fmt.Errorf("%w: allowed: %v", limiter.ErrStoreProtocol, err)
	}
	blocked, err := resultInt(values[1])
	if err != nil {
		return limiter.StoreResult{}, fmt.Errorf("%w: blocked: %v", limiter.ErrStoreProtocol, err)
	}
	remaining, err := resultFloat(values[2])
	if err != nil {
		return limiter.StoreResult{}, fmt.Errorf("%w: remaining: %v", limiter.ErrStoreProtocol, err)
	}
	retryAfter, err := resultInt(values[3])
	if err != nil {
		return limiter.StoreResult{}, fmt.Errorf("%w: retry_after: %v", limiter.ErrStoreProtocol, err)
	}
	resetAfter, err := resultInt(values[4])
	if err != nil {
		return limiter.StoreResult{}, fmt.Errorf("%w: reset_after: %v", limiter.ErrStoreProtocol, err)
	}
	violations, err := resultInt(values[5])
	if err != nil {
		return limiter.StoreResult{}, fmt.Errorf("%w: violations: %v", limiter.ErrStoreProtocol, err)
	}

	return limiter.StoreResult{
		Allowed:         allowed == 1,
		Blocked:         blocked == 1,
		RemainingTokens: remaining,
		RetryAfter:      time.Duration(retryAfter) * time.Second,
		ResetAfter:      time.Duration(resetAfter) * time.Second,
		Violations:      violations,
	}, nil
}

func resultLen(raw interface{}) int {
	if values, ok := raw.([]interface{}); ok {
		return len(values)
	}
	return 0
}

func resultInt(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func resultFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case string:
		return strconv.ParseFloat(n, 64)
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
