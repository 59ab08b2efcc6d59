package facilitator

import "context"

// Mechanism is the capability tuple every settlement mechanism implements:
// a scheme name, the CAIP chain family it answers for, and the verify/settle
// pair. EIP-7702 and Exact are the two concrete mechanisms this build ships;
// a mechanism for another chain family (solana:*, ton:*, ...) would implement
// the same interface without touching the registry.
type Mechanism interface {
	// Scheme is the wire-level scheme name, e.g. "eip7702" or "exact".
	Scheme() string

	// ChainFamily is the CAIP namespace pattern this mechanism answers for,
	// e.g. "eip155:*".
	ChainFamily() string

	// Extra returns mechanism-specific metadata surfaced in SupportedKind.Extra.
	Extra(network Network) map[string]interface{}

	// Signers returns the addresses this mechanism signs settlement
	// transactions from, for the given network.
	Signers(network Network) []string

	Verify(ctx context.Context, payload PaymentPayload, reqs PaymentRequirements) (*VerifyResponse, error)
	Settle(ctx context.Context, payload PaymentPayload, reqs PaymentRequirements) (*SettleResponse, error)
}

// AfterSettleHook is invoked for every settle attempt, success or failure.
// Hooks observe the outcome; they MUST NOT alter the response returned to
// the caller. The discovery catalog's upsert is wired as one such hook.
type AfterSettleHook func(ctx context.Context, payload PaymentPayload, reqs PaymentRequirements, result *SettleResponse, settleErr error)
