package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	celadapter "github.com/elf-platform/accessrl/internal/adapter/outbound/cel"
	"github.com/elf-platform/accessrl/internal/domain/limiter"
)

func TestSetDefaults(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr = %q, want :8080", cfg.Server.Addr)
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("Server.LogLevel = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Redis.Addr != "127.0.0.1:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	if cfg.Redis.Timeout != 2*time.Second {
		t.Errorf("Redis.Timeout = %v, want 2s", cfg.Redis.Timeout)
	}
	if cfg.Limiter.KeyPrefix != limiter.DefaultKeyPrefix {
		t.Errorf("Limiter.KeyPrefix = %q", cfg.Limiter.KeyPrefix)
	}
	if cfg.Limiter.FailOpen == nil || !*cfg.Limiter.FailOpen {
		t.Error("Limiter.FailOpen should default to true")
	}
	if cfg.Limiter.Headers == nil || !*cfg.Limiter.Headers {
		t.Error("Limiter.Headers should default to true")
	}
	if cfg.Limiter.FallbackResolver != "ip" {
		t.Errorf("Limiter.FallbackResolver = %q, want ip", cfg.Limiter.FallbackResolver)
	}
}

func TestSetDefaultsPreservesExplicitValues(t *testing.T) {
	off := false
	cfg := Config{
		Server:  ServerConfig{Addr: ":9999", LogLevel: "debug"},
		Limiter: LimiterConfig{FailOpen: &off},
	}
	cfg.SetDefaults()

	if cfg.Server.Addr != ":9999" {
		t.Errorf("Server.Addr = %q, want :9999", cfg.Server.Addr)
	}
	if *cfg.Limiter.FailOpen {
		t.Error("explicit fail_open=false was overwritten")
	}
}

func TestValidateDuplicatePolicyNames(t *testing.T) {
	cfg := Config{
		Policies: []PolicyConfig{
			{Name: "api"},
			{Name: "API"},
		},
	}
	cfg.SetDefaults()

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected duplicate name error")
	}
	if !strings.Contains(err.Error(), "duplicate policy name") {
		t.Errorf("error = %v", err)
	}
}

func TestValidateUnknownDefaultPolicy(t *testing.T) {
	cfg := Config{
		Policies:      []PolicyConfig{{Name: "api"}},
		DefaultPolicy: "missing",
	}
	cfg.SetDefaults()

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected unknown default_policy error")
	}
	if !strings.Contains(err.Error(), "unknown policy") {
		t.Errorf("error = %v", err)
	}
}

func TestValidateDefaultPolicyCaseInsensitive(t *testing.T) {
	cfg := Config{
		Policies:      []PolicyConfig{{Name: "API"}},
		DefaultPolicy: "api",
	}
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
}

func TestValidateBadLogLevel(t *testing.T) {
	cfg := Config{Server: ServerConfig{LogLevel: "verbose"}}
	cfg.SetDefaults()

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected log level validation error")
	}
}

func TestKeyStrategySplit(t *testing.T) {
	pc := PolicyConfig{
		Name:        "api",
		Limit:       10,
		Window:      time.Minute,
		KeyStrategy: "user, ip ,header:X-Team",
	}

	p, err := pc.toPolicy(nil, nil)
	if err != nil {
		t.Fatalf("toPolicy() = %v", err)
	}
	want := []string{"user", "ip", "header:X-Team"}
	if len(p.KeyResolvers) != len(want) {
		t.Fatalf("KeyResolvers = %v, want %v", p.KeyResolvers, want)
	}
	for i := range want {
		if p.KeyResolvers[i] != want[i] {
			t.Errorf("KeyResolvers[%d] = %q, want %q", i, p.KeyResolvers[i], want[i])
		}
	}
}

func TestKeyResolversWinOverStrategy(t *testing.T) {
	pc := PolicyConfig{
		Name:         "api",
		KeyResolvers: []string{"sub"},
		KeyStrategy:  "ip,user",
	}

	p, err := pc.toPolicy(nil, nil)
	if err != nil {
		t.Fatalf("toPolicy() = %v", err)
	}
	if len(p.KeyResolvers) != 1 || p.KeyResolvers[0] != "sub" {
		t.Errorf("KeyResolvers = %v, want [sub]", p.KeyResolvers)
	}
}

func TestEnabledDefaultsTrue(t *testing.T) {
	p, err := PolicyConfig{Name: "api"}.toPolicy(nil, nil)
	if err != nil {
		t.Fatalf("toPolicy() = %v", err)
	}
	if !p.Enabled {
		t.Error("Enabled should default to true")
	}

	off := false
	p, err = PolicyConfig{Name: "api", Enabled: &off}.toPolicy(nil, nil)
	if err != nil {
		t.Fatalf("toPolicy() = %v", err)
	}
	if p.Enabled {
		t.Error("explicit enabled=false ignored")
	}
}

func TestToPoliciesCompilesCEL(t *testing.T) {
	eval, err := celadapter.NewEvaluator(nil)
	if err != nil {
		t.Fatalf("NewEvaluator() = %v", err)
	}

	cfg := Config{
		Policies: []PolicyConfig{
			{
				Name:       "api",
				Limit:      100,
				Window:     time.Minute,
				ExemptWhen: `path.startsWith("/healthz")`,
				CostExpr:   `method == "POST" ? 5 : 1`,
			},
		},
	}

	policies, err := cfg.ToPolicies(eval, nil)
	if err != nil {
		t.Fatalf("ToPolicies() = %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("got %d policies", len(policies))
	}
	if policies[0].ExemptWhen == nil {
		t.Error("ExemptWhen not compiled")
	}
	if policies[0].CostResolver == nil {
		t.Error("CostResolver not compiled")
	}
}

func TestToPoliciesRejectsBadExpression(t *testing.T) {
	eval, err := celadapter.NewEvaluator(nil)
	if err != nil {
		t.Fatalf("NewEvaluator() = %v", err)
	}

	cfg := Config{
		Policies: []PolicyConfig{
			{Name: "api", ExemptWhen: `path ==`},
		},
	}

	if _, err := cfg.ToPolicies(eval, nil); err == nil {
		t.Fatal("expected compile error")
	} else if !strings.Contains(err.Error(), `policy "api"`) {
		t.Errorf("error should name the policy: %v", err)
	}
}

func TestToPoliciesRequiresEvaluator(t *testing.T) {
	cfg := Config{
		Policies: []PolicyConfig{{Name: "api", ExemptWhen: `true`}},
	}
	if _, err := cfg.ToPolicies(nil, nil); err == nil {
		t.Fatal("expected error when evaluator is nil")
	}
}

func TestPenaltyMapping(t *testing.T) {
	pc := PolicyConfig{
		Name: "strict",
		Penalty: PenaltyConfig{
			Enabled:         true,
			ViolationWindow: 5 * time.Minute,
			Penalties:       []time.Duration{2 * time.Second, 10 * time.Second},
		},
	}

	p, err := pc.toPolicy(nil, nil)
	if err != nil {
		t.Fatalf("toPolicy() = %v", err)
	}
	if !p.Penalty.Enabled {
		t.Error("Penalty.Enabled not mapped")
	}
	if p.Penalty.ViolationWindow != 5*time.Minute {
		t.Errorf("ViolationWindow = %v", p.Penalty.ViolationWindow)
	}
	if len(p.Penalty.Durations) != 2 || p.Penalty.Durations[1] != 10*time.Second {
		t.Errorf("Durations = %v", p.Penalty.Durations)
	}
}

func TestFallbackResolverNone(t *testing.T) {
	cfg := Config{Limiter: LimiterConfig{FallbackResolver: "none"}}

	r, err := cfg.FallbackResolver()
	if err != nil {
		t.Fatalf("FallbackResolver() = %v", err)
	}
	key, err := r.Resolve(nil, nil)
	if err != nil {
		t.Fatalf("Resolve() = %v", err)
	}
	if key != "" {
		t.Errorf("nop resolver returned %q", key)
	}
}

func TestFallbackResolverUnknownSpec(t *testing.T) {
	cfg := Config{Limiter: LimiterConfig{FallbackResolver: "fingerprint"}}
	if _, err := cfg.FallbackResolver(); err == nil {
		t.Fatal("expected unknown resolver error")
	}
}

func TestLoadPoliciesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.yaml")
	data := `policies:
  - name: api
    limit: 100
    window: 1m
    key_strategy: "user,ip"
  - name: login
    limit_per_minute: 5
    penalty:
      enabled: true
      violation_window: 10m
      penalties: [2s, 10s, 1m]
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	policies, err := LoadPoliciesFile(path)
	if err != nil {
		t.Fatalf("LoadPoliciesFile() = %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("got %d policies, want 2", len(policies))
	}
	if policies[0].Name != "api" || policies[0].Limit != 100 || policies[0].Window != time.Minute {
		t.Errorf("policies[0] = %+v", policies[0])
	}
	if policies[1].LimitPerMinute != 5 {
		t.Errorf("policies[1].LimitPerMinute = %d", policies[1].LimitPerMinute)
	}
	if !policies[1].Penalty.Enabled || len(policies[1].Penalty.Penalties) != 3 {
		t.Errorf("policies[1].Penalty = %+v", policies[1].Penalty)
	}
	if policies[1].Penalty.Penalties[2] != time.Minute {
		t.Errorf("Penalties[2] = %v", policies[1].Penalty.Penalties[2])
	}
}

func TestLoadPoliciesFileMissing(t *testing.T) {
	if _, err := LoadPoliciesFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected read error")
	}
}

func TestLoadPoliciesFileMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("policies: {not: a list"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPoliciesFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}
