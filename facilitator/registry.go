package facilitator

import (
	"context"
	"fmt"
	"sync"
)

// registration pairs a mechanism with the networks it was registered for,
// plus a derived wildcard pattern for fast family-wide matching.
type registration struct {
	mechanism Mechanism
	networks  map[Network]bool
	pattern   Network
}

// Registry routes verify/settle requests to the mechanism registered for a
// request's (scheme, network) pair, and fires post-settle hooks. It speaks
// only the x402 v2 wire format.
type Registry struct {
	mu               sync.RWMutex
	registrations    []*registration
	extensions       []string
	afterSettleHooks []AfterSettleHook
}

// NewRegistry constructs an empty facilitator registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register binds a mechanism to the given networks. Networks sharing a CAIP
// namespace are collapsed into a wildcard pattern (e.g. "eip155:*") so a
// single mechanism instance answers for every configured chain id.
func (r *Registry) Register(networks []Network, mechanism Mechanism) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := make(map[Network]bool, len(networks))
	for _, n := range networks {
		set[n] = true
	}
	r.registrations = append(r.registrations, &registration{
		mechanism: mechanism,
		networks:  set,
		pattern:   derivePattern(networks),
	})
	return r
}

// RegisterExtension records a protocol extension tag (e.g. "bazaar") as
// supported, surfaced in GetSupported().
func (r *Registry) RegisterExtension(extension string) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.extensions {
		if e == extension {
			return r
		}
	}
	r.extensions = append(r.extensions, extension)
	return r
}

// OnAfterSettle registers a hook invoked after every settle attempt.
func (r *Registry) OnAfterSettle(hook AfterSettleHook) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterSettleHooks = append(r.afterSettleHooks, hook)
	return r
}

func (r *Registry) lookup(scheme string, network Network) Mechanism {
	for _, reg := range r.registrations {
		if reg.mechanism.Scheme() != scheme {
			continue
		}
		if reg.networks[network] || network.Match(reg.pattern) {
			return reg.mechanism
		}
	}
	return nil
}

// Verify routes a verify request to its registered mechanism.
func (r *Registry) Verify(ctx context.Context, payload PaymentPayload, reqs PaymentRequirements) (*VerifyResponse, error) {
	r.mu.RLock()
	mechanism := r.lookup(reqs.Scheme, Network(reqs.Network))
	r.mu.RUnlock()

	if mechanism == nil {
		return nil, NewVerifyError(ReasonUnsupportedNetwork, "", Network(reqs.Network),
			fmt.Errorf("no mechanism registered for scheme %q on network %q", reqs.Scheme, reqs.Network))
	}
	return mechanism.Verify(ctx, payload, reqs)
}

// Settle routes a settle request to its registered mechanism and fires the
// after-settle hooks with the outcome, win or lose.
func (r *Registry) Settle(ctx context.Context, payload PaymentPayload, reqs PaymentRequirements) (*SettleResponse, error) {
	r.mu.RLock()
	mechanism := r.lookup(reqs.Scheme, Network(reqs.Network))
	hooks := append([]AfterSettleHook(nil), r.afterSettleHooks...)
	r.mu.RUnlock()

	if mechanism == nil {
		err := NewSettleError(ReasonUnsupportedNetwork, "", Network(reqs.Network), "",
			fmt.Errorf("no mechanism registered for scheme %q on network %q", reqs.Scheme, reqs.Network))
		for _, hook := range hooks {
			hook(ctx, payload, reqs, nil, err)
		}
		return nil, err
	}

	result, err := mechanism.Settle(ctx, payload, reqs)
	for _, hook := range hooks {
		hook(ctx, payload, reqs, result, err)
	}
	return result, err
}

// GetSupported describes every (scheme, network) combination registered,
// plus the registered extensions and the signer addresses collected per
// chain family.
func (r *Registry) GetSupported() SupportedResponse {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]SupportedKind, 0, len(r.registrations))
	signersByFamily := make(map[string]map[string]bool)

	for _, reg := range r.registrations {
		for network := range reg.networks {
			kind := SupportedKind{
				X402Version: 2,
				Scheme:      reg.mechanism.Scheme(),
				Network:     string(network),
			}
			if extra := reg.mechanism.Extra(network); extra != nil {
				kind.Extra = extra
			}
			kinds = append(kinds, kind)

			family := reg.mechanism.ChainFamily()
			if signersByFamily[family] == nil {
				signersByFamily[family] = make(map[string]bool)
			}
			for _, signer := range reg.mechanism.Signers(network) {
				signersByFamily[family][signer] = true
			}
		}
	}

	signers := make(map[string][]string, len(signersByFamily))
	for family, set := range signersByFamily {
		list := make([]string, 0, len(set))
		for s := range set {
			list = append(list, s)
		}
		signers[family] = list
	}

	return SupportedResponse{
		Kinds:      kinds,
		Extensions: append([]string(nil), r.extensions...),
		Signers:    signers,
	}
}

// derivePattern collapses a set of networks sharing one CAIP namespace into
// a wildcard pattern; mixed namespaces fall back to exact-match-only.
func derivePattern(networks []Network) Network {
	if len(networks) == 0 {
		return ""
	}
	if len(networks) == 1 {
		return networks[0]
	}
	namespaces := make(map[string]bool)
	for _, n := range networks {
		if ns, _, ok := n.Parse(); ok {
			namespaces[ns] = true
		}
	}
	if len(namespaces) == 1 {
		for ns := range namespaces {
			return Network(ns + ":*")
		}
	}
	return networks[0]
}
