// Package nonce implements the facilitator's replay defense: a process-wide
// set of consumed intent nonces, scoped per mechanism namespace so an
// EIP-7702 intent nonce and an EIP-3009 authorization nonce never collide
// even if their string forms are identical.
package nonce

import "sync"

// Arbiter is a single guarded set of used nonce keys. check-and-mark is
// linearizable: under concurrent callers racing the same key, exactly one
// observes true.
type Arbiter struct {
	mu   sync.Mutex
	used map[string]struct{}
}

// NewArbiter constructs an empty arbiter.
func NewArbiter() *Arbiter {
	return &Arbiter{used: make(map[string]struct{})}
}

// key namespaces a nonce by mechanism family so distinct mechanisms never
// share a replay-guard keyspace.
func key(namespace, nonce string) string {
	return namespace + "\x00" + nonce
}

// Has performs a non-mutating lookup. Used by read-only verify.
func (a *Arbiter) Has(namespace, nonce string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.used[key(namespace, nonce)]
	return ok
}

// CheckAndMark atomically tests and inserts a nonce, returning true if it
// was newly inserted and false if it was already present. Only settle paths
// call this; once it returns true for a nonce, the nonce is permanently
// consumed for the lifetime of the process, even if the settlement that
// consumed it later reverts on-chain.
func (a *Arbiter) CheckAndMark(namespace, nonce string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := key(namespace, nonce)
	if _, exists := a.used[k]; exists {
		return false
	}
	a.used[k] = struct{}{}
	return true
}
