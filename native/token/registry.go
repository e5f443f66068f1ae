package token

import (
	"math/big"
	"sync"
)

// EligibilityGate restricts which parties may send or receive an asset. The
// ledger consults the gate before every balance mutation.
type EligibilityGate interface {
	IsEligible(from, to [20]byte, amount *big.Int) bool
}

// OpenGate admits every party. Used for assets without compliance rules.
type OpenGate struct{}

func (OpenGate) IsEligible(from, to [20]byte, amount *big.Int) bool { return true }

// Registry is an allowlist-backed eligibility gate. A zero party always
// passes, modelling mint and burn, and callers must not tighten that
// convention: the surrounding ledger special-cases issuance and redemption
// through the zero address.
type Registry struct {
	mu      sync.RWMutex
	allowed map[[20]byte]struct{}
}

// NewRegistry returns an empty allowlist registry.
func NewRegistry() *Registry {
	return &Registry{allowed: make(map[[20]byte]struct{})}
}

// Add marks the party as eligible.
func (r *Registry) Add(party [20]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allowed[party] = struct{}{}
}

// Remove revokes the party's eligibility.
func (r *Registry) Remove(party [20]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.allowed, party)
}

// IsEligible reports whether both parties may take part in a transfer of the
// given amount.
func (r *Registry) IsEligible(from, to [20]byte, amount *big.Int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.partyEligible(from) && r.partyEligible(to)
}

func (r *Registry) partyEligible(party [20]byte) bool {
	if party == ([20]byte{}) {
		return true
	}
	_, ok := r.allowed[party]
	return ok
}
