// Package service contains the orchestration layer: the policy provider
// and the decision service that drives the store core.
package service

import (
	"log/slog"
	"sync/atomic"

	"github.com/elf-platform/accessrl/internal/domain/policy"
)

// PolicyProvider publishes immutable policy snapshots and serves
// lock-free lookups. Reconfiguration builds a fresh snapshot and swaps
// the pointer; in-flight requests keep reading the snapshot they
// started with.
type PolicyProvider struct {
	logger *slog.Logger
	snap   atomic.Pointer[policy.Snapshot]
}

// NewPolicyProvider creates an empty provider. Call Replace to publish
// the first snapshot.
func NewPolicyProvider(logger *slog.Logger) *PolicyProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyProvider{logger: logger}
}

// Replace normalizes the given policies and atomically publishes them as
// the new snapshot. On any normalization error the current snapshot is
// left untouched, so a bad reload can never take down limiting.
func (p *PolicyProvider) Replace(policies []policy.Policy, defaultName string) error {
	snap, err := policy.NewSnapshot(policies, defaultName)
	if err != nil {
		return err
	}
	p.snap.Store(snap)
	p.logger.Info("policy snapshot published",
		"policies", snap.Len(),
		"default", defaultName)
	return nil
}

// Snapshot returns the current snapshot, which may be nil before the
// first Replace.
func (p *PolicyProvider) Snapshot() *policy.Snapshot {
	return p.snap.Load()
}

// GetPolicy returns the named policy from the current snapshot
// (case-insensitive), or nil. Nil means "no limiting applies".
func (p *PolicyProvider) GetPolicy(name string) *policy.Policy {
	return p.snap.Load().Get(name)
}

// Default returns the default policy from the current snapshot, or nil.
func (p *PolicyProvider) Default() *policy.Policy {
	return p.snap.Load().Default()
}
