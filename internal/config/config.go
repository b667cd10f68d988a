// Package config provides configuration loading for accessrl.
package config

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	celadapter "github.com/elf-platform/accessrl/internal/adapter/outbound/cel"
	"github.com/elf-platform/accessrl/internal/domain/identity"
	"github.com/elf-platform/accessrl/internal/domain/limiter"
	"github.com/elf-platform/accessrl/internal/domain/policy"
)

// Config is the top-level configuration.
type Config struct {
	// Server configures the HTTP listener and the optional upstream the
	// serve command proxies to.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Redis configures the shared store connection.
	Redis RedisConfig `yaml:"redis" mapstructure:"redis"`

	// Limiter configures driver and response shaping behavior.
	Limiter LimiterConfig `yaml:"limiter" mapstructure:"limiter"`

	// Policies defines the rate limit rule sets.
	Policies []PolicyConfig `yaml:"policies" mapstructure:"policies" validate:"omitempty,dive"`

	// DefaultPolicy names the policy applied to endpoints without
	// explicit metadata. Empty means such endpoints are not limited.
	DefaultPolicy string `yaml:"default_policy" mapstructure:"default_policy"`

	// DevMode enables development features (verbose logging).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Addr is the listen address. Default ":8080".
	Addr string `yaml:"addr" mapstructure:"addr"`

	// Upstream is the URL the serve command reverse-proxies to after
	// the limiter. Required by serve, unused by library embedding.
	Upstream string `yaml:"upstream" mapstructure:"upstream" validate:"omitempty,url"`

	// LogLevel is debug, info, warn, or error. Default "info".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// RedisConfig configures the store connection.
type RedisConfig struct {
	// Addr is the Redis host:port. Default "127.0.0.1:6379".
	Addr string `yaml:"addr" mapstructure:"addr"`

	// Password is optional.
	Password string `yaml:"password" mapstructure:"password"`

	// DB selects the logical database.
	DB int `yaml:"db" mapstructure:"db" validate:"gte=0"`

	// Timeout bounds one store round-trip. Default 2s.
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" validate:"gte=0"`
}

// LimiterConfig configures the decision driver and response shaper.
type LimiterConfig struct {
	// KeyPrefix namespaces store keys. Default "elf:accessrl".
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`

	// FailOpen lets requests through on store failure. Default true.
	FailOpen *bool `yaml:"fail_open" mapstructure:"fail_open"`

	// Headers enables the X-RateLimit-* response headers. Default true.
	Headers *bool `yaml:"headers" mapstructure:"headers"`

	// Body and ContentType shape the denial response.
	Body        string `yaml:"body" mapstructure:"body"`
	ContentType string `yaml:"content_type" mapstructure:"content_type"`

	// FallbackResolver is tried when the policy resolver finds no
	// identity: a resolver spec, or "none" to disable the fallback.
	// Default "ip".
	FallbackResolver string `yaml:"fallback_resolver" mapstructure:"fallback_resolver"`

	// ExemptWhen is a CEL expression exempting matching requests from
	// every policy.
	ExemptWhen string `yaml:"exempt_when" mapstructure:"exempt_when"`

	// PoliciesFile points to a standalone YAML file with additional
	// policies, merged after the inline ones.
	PoliciesFile string `yaml:"policies_file" mapstructure:"policies_file"`
}

// PolicyConfig is the configuration schema for one policy.
type PolicyConfig struct {
	Name string `yaml:"name" mapstructure:"name" validate:"required"`

	Limit  int64         `yaml:"limit" mapstructure:"limit" validate:"gte=0"`
	Window time.Duration `yaml:"window" mapstructure:"window" validate:"gte=0"`

	LimitPerSecond int64 `yaml:"limit_per_second" mapstructure:"limit_per_second" validate:"gte=0"`
	LimitPerMinute int64 `yaml:"limit_per_minute" mapstructure:"limit_per_minute" validate:"gte=0"`
	LimitPerHour   int64 `yaml:"limit_per_hour" mapstructure:"limit_per_hour" validate:"gte=0"`

	Cost int64 `yaml:"cost" mapstructure:"cost" validate:"gte=0"`

	AuthenticatedLimit int64 `yaml:"authenticated_limit" mapstructure:"authenticated_limit" validate:"gte=0"`
	AnonymousLimit     int64 `yaml:"anonymous_limit" mapstructure:"anonymous_limit" validate:"gte=0"`

	// AuthenticatedHeaders lists headers whose presence marks a request
	// authenticated.
	AuthenticatedHeaders []string `yaml:"authenticated_headers" mapstructure:"authenticated_headers"`

	SharedBucket string `yaml:"shared_bucket" mapstructure:"shared_bucket"`

	// KeyResolvers is the ordered resolver spec list. KeyStrategy is the
	// comma-separated shorthand; when both are set KeyResolvers wins.
	KeyResolvers []string `yaml:"key_resolvers" mapstructure:"key_resolvers"`
	KeyStrategy  string   `yaml:"key_strategy" mapstructure:"key_strategy"`

	Penalty PenaltyConfig `yaml:"penalty" mapstructure:"penalty"`

	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled" mapstructure:"enabled"`

	// ExemptWhen is a CEL expression exempting matching requests.
	ExemptWhen string `yaml:"exempt_when" mapstructure:"exempt_when"`

	// CostExpr is a CEL expression computing a dynamic per-request cost.
	CostExpr string `yaml:"cost_expr" mapstructure:"cost_expr"`
}

// PenaltyConfig is the configuration schema for penalty escalation.
type PenaltyConfig struct {
	Enabled         bool            `yaml:"enabled" mapstructure:"enabled"`
	ViolationWindow time.Duration   `yaml:"violation_window" mapstructure:"violation_window" validate:"gte=0"`
	Penalties       []time.Duration `yaml:"penalties" mapstructure:"penalties"`
}

// SetDefaults applies default values for optional fields.
func (c *Config) SetDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Redis.Timeout == 0 {
		c.Redis.Timeout = 2 * time.Second
	}
	if c.Limiter.KeyPrefix == "" {
		c.Limiter.KeyPrefix = limiter.DefaultKeyPrefix
	}
	if c.Limiter.FailOpen == nil {
		c.Limiter.FailOpen = boolPtr(true)
	}
	if c.Limiter.Headers == nil {
		c.Limiter.Headers = boolPtr(true)
	}
	if c.Limiter.FallbackResolver == "" {
		c.Limiter.FallbackResolver = "ip"
	}
}

func boolPtr(b bool) *bool { return &b }

// FallbackResolver compiles the configured fallback resolver spec.
func (c *Config) FallbackResolver() (identity.KeyResolver, error) {
	spec := c.Limiter.FallbackResolver
	if strings.EqualFold(spec, "none") {
		return identity.NopResolver(), nil
	}
	return identity.Compile([]string{spec})
}

// ToPolicies converts the policy configurations into domain policies,
// compiling CEL expressions with the given evaluator. Normalization
// itself happens when the provider publishes the snapshot.
func (c *Config) ToPolicies(eval *celadapter.Evaluator, authenticated func(*http.Request) bool) ([]policy.Policy, error) {
	out := make([]policy.Policy, 0, len(c.Policies))
	for _, pc := range c.Policies {
		p, err := pc.toPolicy(eval, authenticated)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (pc PolicyConfig) toPolicy(eval *celadapter.Evaluator, authenticated func(*http.Request) bool) (policy.Policy, error) {
	resolvers := pc.KeyResolvers
	if len(resolvers) == 0 && pc.KeyStrategy != "" {
		for _, part := range strings.Split(pc.KeyStrategy, ",") {
			if part = strings.TrimSpace(part); part != "" {
				resolvers = append(resolvers, part)
			}
		}
	}

	p := policy.Policy{
		Name:                 pc.Name,
		Limit:                pc.Limit,
		Window:               pc.Window,
		LimitPerSecond:       pc.LimitPerSecond,
		LimitPerMinute:       pc.LimitPerMinute,
		LimitPerHour:         pc.LimitPerHour,
		Cost:                 pc.Cost,
		AuthenticatedLimit:   pc.AuthenticatedLimit,
		AnonymousLimit:       pc.AnonymousLimit,
		AuthenticatedHeaders: pc.AuthenticatedHeaders,
		SharedBucket:         pc.SharedBucket,
		KeyResolvers:         resolvers,
		Penalty: limiter.PenaltyConfig{
			Enabled:         pc.Penalty.Enabled,
			ViolationWindow: pc.Penalty.ViolationWindow,
			Durations:       pc.Penalty.Penalties,
		},
		Enabled: pc.Enabled == nil || *pc.Enabled,
	}

	if pc.ExemptWhen != "" {
		if eval == nil {
			return policy.Policy{}, fmt.Errorf("policy %q: exempt_when requires a CEL evaluator", pc.Name)
		}
		pred, err := eval.ExemptPredicate(pc.ExemptWhen, authenticated)
		if err != nil {
			return policy.Policy{}, fmt.Errorf("policy %q: exempt_when: %w", pc.Name, err)
		}
		p.ExemptWhen = pred
	}
	if pc.CostExpr != "" {
		if eval == nil {
			return policy.Policy{}, fmt.Errorf("policy %q: cost_expr requires a CEL evaluator", pc.Name)
		}
		costFn, err := eval.CostFunc(pc.CostExpr, authenticated)
		if err != nil {
			return policy.Policy{}, fmt.Errorf("policy %q: cost_expr: %w", pc.Name, err)
		}
		p.CostResolver = costFn
	}

	return p, nil
}
