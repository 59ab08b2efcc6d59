package facilitator

import (
	"math/big"
	"strings"
)

// CrossCheckAccepted enforces the payload/requirements cross-check invariant:
// when a payload carries a non-empty accepted PaymentRequirements (the x402
// v2 echo of the seller's demand), every field it carries must agree with
// the seller's actual reqs, and its amount may only ask for at least as
// much as reqs requires. An accepted with an empty Network is treated as
// absent and always passes.
func CrossCheckAccepted(accepted, reqs PaymentRequirements) bool {
	if accepted.Network == "" {
		return true
	}
	if accepted.Scheme != "" && accepted.Scheme != reqs.Scheme {
		return false
	}
	if accepted.Network != reqs.Network {
		return false
	}
	if accepted.Asset != "" && !strings.EqualFold(accepted.Asset, reqs.Asset) {
		return false
	}
	if accepted.PayTo != "" && !strings.EqualFold(accepted.PayTo, reqs.PayTo) {
		return false
	}
	if accepted.Amount != "" {
		acceptedAmount, ok1 := new(big.Int).SetString(accepted.Amount, 10)
		requiredAmount, ok2 := new(big.Int).SetString(reqs.Amount, 10)
		if !ok1 || !ok2 || acceptedAmount.Cmp(requiredAmount) < 0 {
			return false
		}
	}
	return true
}
