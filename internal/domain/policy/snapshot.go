package policy

import "strings"

// Snapshot is an immutable published set of normalized policies.
// Lookups are plain map reads; readers hold a snapshot reference for the
// duration of one request and never observe a partially built set.
type Snapshot struct {
	byName      map[string]Policy
	defaultName string
}

// NewSnapshot normalizes every policy and builds a snapshot. The first
// normalization failure aborts the whole build so a bad policy can never
// be half-published.
func NewSnapshot(policies []Policy, defaultName string) (*Snapshot, error) {
	byName := make(map[string]Policy, len(policies))
	for _, p := range policies {
		normalized, err := p.Normalize()
		if err != nil {
			return nil, err
		}
		byName[strings.ToLower(normalized.Name)] = normalized
	}
	return &Snapshot{byName: byName, defaultName: defaultName}, nil
}

// Get returns the policy for name (case-insensitive), or nil when no
// such policy exists. A nil result is not an error: it means no limiting
// applies.
func (s *Snapshot) Get(name string) *Policy {
	if s == nil || name == "" {
		return nil
	}
	if p, ok := s.byName[strings.ToLower(name)]; ok {
		return &p
	}
	return nil
}

// Default returns the default policy, or nil when none is configured.
func (s *Snapshot) Default() *Policy {
	if s == nil {
		return nil
	}
	return s.Get(s.defaultName)
}

// DefaultName returns the configured default policy name.
func (s *Snapshot) DefaultName() string {
	if s == nil {
		return ""
	}
	return s.defaultName
}

// Len returns the number of published policies.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.byName)
}
