package policy

import (
	"fmt"
	"time"

	"github.com/elf-platform/accessrl/internal/domain/identity"
)

// Normalize validates the policy and returns a normalized copy ready for
// publication: per-period limits promoted, cost defaulted, invariants
// checked, and the key resolver compiled. Errors name the offending
// policy and field so a bad config fails fast at registration.
func (p Policy) Normalize() (Policy, error) {
	if p.Name == "" {
		return Policy{}, fmt.Errorf("policy: name is required")
	}

	// Per-period convenience fields materialize into Limit+Window.
	switch {
	case p.LimitPerSecond > 0:
		p.Limit, p.Window = p.LimitPerSecond, time.Second
	case p.LimitPerMinute > 0:
		p.Limit, p.Window = p.LimitPerMinute, time.Minute
	case p.LimitPerHour > 0:
		p.Limit, p.Window = p.LimitPerHour, time.Hour
	}

	if p.Cost == 0 {
		p.Cost = 1
	}

	if p.Limit <= 0 {
		return Policy{}, fmt.Errorf("policy %q: limit must be positive, got %d", p.Name, p.Limit)
	}
	if p.Window <= 0 {
		return Policy{}, fmt.Errorf("policy %q: window must be positive, got %s", p.Name, p.Window)
	}
	if p.Cost < 0 || p.Cost > p.Limit {
		return Policy{}, fmt.Errorf("policy %q: cost %d outside (0, limit=%d]", p.Name, p.Cost, p.Limit)
	}
	if p.AuthenticatedLimit < 0 {
		return Policy{}, fmt.Errorf("policy %q: authenticated_limit must not be negative", p.Name)
	}
	if p.AnonymousLimit < 0 {
		return Policy{}, fmt.Errorf("policy %q: anonymous_limit must not be negative", p.Name)
	}
	if p.Penalty.ViolationWindow < 0 {
		return Policy{}, fmt.Errorf("policy %q: penalty violation_window must not be negative", p.Name)
	}
	for i, d := range p.Penalty.Durations {
		if d <= 0 {
			return Policy{}, fmt.Errorf("policy %q: penalty duration %d must be positive, got %s", p.Name, i+1, d)
		}
	}

	if p.Resolver == nil {
		specs := p.KeyResolvers
		if len(specs) == 0 {
			specs = []string{"ip"}
		}
		resolver, err := identity.Compile(specs)
		if err != nil {
			return Policy{}, fmt.Errorf("policy %q: %w", p.Name, err)
		}
		p.Resolver = resolver
	}

	return p, nil
}
