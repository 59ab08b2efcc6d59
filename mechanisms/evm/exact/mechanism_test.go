package exact_test

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402rail/facilitator/facilitator"
	"github.com/x402rail/facilitator/facilitator/nonce"
	"github.com/x402rail/facilitator/internal/testsupport"
	"github.com/x402rail/facilitator/mechanisms/evm"
	"github.com/x402rail/facilitator/mechanisms/evm/exact"
)

func bigInt(n int64) *big.Int { return big.NewInt(n) }

// nonce32Hex builds a distinct, validly-sized (32-byte) bytes32 nonce for
// each test case so the shared arbiter never sees accidental collisions.
func nonce32Hex(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

const (
	testRelayerKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testBuyerKey   = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	testChainID    = 8453
	testPayTo      = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	testToken      = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
)

func testNetwork() string { return "eip155:" + strconv.Itoa(testChainID) }

func newMechanism(t *testing.T) *exact.Mechanism {
	t.Helper()
	fabric, err := evm.NewChainFabric(testRelayerKey, 0)
	require.NoError(t, err)
	return exact.New(fabric, nonce.NewArbiter())
}

func baseReqs() facilitator.PaymentRequirements {
	return facilitator.PaymentRequirements{
		Scheme:  evm.SchemeExact,
		Network: testNetwork(),
		Asset:   testToken,
		Amount:  "1000000",
		PayTo:   testPayTo,
		Extra:   map[string]interface{}{"name": "USD Coin", "version": "2"},
	}
}

func buildEip3009Payload(t *testing.T, value, validAfter, validBefore, nonceHex, to string) map[string]interface{} {
	t.Helper()
	buyer, err := testsupport.NewSigner(testBuyerKey)
	require.NoError(t, err)

	auth := evm.Eip3009Authorization{
		From:        buyer.Address(),
		To:          to,
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       nonceHex,
	}
	digest, err := evm.HashEip3009Authorization(auth, bigInt(testChainID), testToken, "USD Coin", "2")
	require.NoError(t, err)
	sig, err := buyer.SignDigest(digest)
	require.NoError(t, err)

	return map[string]interface{}{
		"authorization": map[string]interface{}{
			"from":        auth.From,
			"to":          auth.To,
			"value":       auth.Value,
			"validAfter":  auth.ValidAfter,
			"validBefore": auth.ValidBefore,
			"nonce":       auth.Nonce,
		},
		"signature": hexutil.Encode(sig),
	}
}

func buildPermit2Payload(t *testing.T, amount, deadline, validAfter, permitNonce, to, token, spender string) map[string]interface{} {
	t.Helper()
	buyer, err := testsupport.NewSigner(testBuyerKey)
	require.NoError(t, err)

	auth := evm.Permit2Authorization{
		From: buyer.Address(),
		Permitted: evm.Permit2TokenPermissions{
			Token:  token,
			Amount: amount,
		},
		Spender:  spender,
		Nonce:    permitNonce,
		Deadline: deadline,
		Witness: evm.Permit2Witness{
			To:         to,
			ValidAfter: validAfter,
			Extra:      "0x",
		},
	}
	digest, err := evm.HashPermit2Authorization(auth, bigInt(testChainID))
	require.NoError(t, err)
	sig, err := buyer.SignDigest(digest)
	require.NoError(t, err)

	return map[string]interface{}{
		"permit2Authorization": map[string]interface{}{
			"from": auth.From,
			"permitted": map[string]interface{}{
				"token":  auth.Permitted.Token,
				"amount": auth.Permitted.Amount,
			},
			"spender":  auth.Spender,
			"nonce":    auth.Nonce,
			"deadline": auth.Deadline,
			"witness": map[string]interface{}{
				"to":         auth.Witness.To,
				"validAfter": auth.Witness.ValidAfter,
				"extra":      auth.Witness.Extra,
			},
		},
		"signature": hexutil.Encode(sig),
	}
}

// invalidReason runs Verify and asserts it produced a classified rejection,
// returning the reason code.
func invalidReason(t *testing.T, m *exact.Mechanism, payload map[string]interface{}, reqs facilitator.PaymentRequirements) string {
	t.Helper()
	resp, err := m.Verify(context.Background(), facilitator.PaymentPayload{X402Version: 2, Payload: payload}, reqs)
	require.NoError(t, err)
	require.False(t, resp.IsValid)
	return resp.InvalidReason
}

func TestVerify_Eip3009_AcceptedRequirementsMismatch(t *testing.T) {
	m := newMechanism(t)
	payload := buildEip3009Payload(t, "1000000", "0", "9999999999", nonce32Hex(1), testPayTo)
	reqs := baseReqs()
	accepted := reqs
	accepted.Amount = "500000"

	resp, err := m.Verify(context.Background(), facilitator.PaymentPayload{
		X402Version: 2, Payload: payload, Accepted: accepted,
	}, reqs)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, facilitator.ReasonAcceptedRequirementsMismatch, resp.InvalidReason)
}

func TestVerify_Eip3009_RecipientMismatch(t *testing.T) {
	m := newMechanism(t)
	payload := buildEip3009Payload(t, "1000000", "0", "9999999999", nonce32Hex(2), "0x1111111111111111111111111111111111111111")

	assert.Equal(t, facilitator.ReasonRecipientMismatch, invalidReason(t, m, payload, baseReqs()))
}

func TestVerify_Eip3009_InsufficientPaymentAmount(t *testing.T) {
	m := newMechanism(t)
	payload := buildEip3009Payload(t, "1", "0", "9999999999", nonce32Hex(3), testPayTo)

	assert.Equal(t, facilitator.ReasonInsufficientPaymentAmount, invalidReason(t, m, payload, baseReqs()))
}

func TestVerify_Eip3009_ExpiredValidBefore(t *testing.T) {
	m := newMechanism(t)
	payload := buildEip3009Payload(t, "1000000", "0", "1", nonce32Hex(4), testPayTo)

	assert.Equal(t, facilitator.ReasonExpired, invalidReason(t, m, payload, baseReqs()))
}

func TestVerify_Eip3009_NotYetValid(t *testing.T) {
	m := newMechanism(t)
	payload := buildEip3009Payload(t, "1000000", "9999999998", "9999999999", nonce32Hex(5), testPayTo)

	assert.Equal(t, facilitator.ReasonExpired, invalidReason(t, m, payload, baseReqs()))
}

func TestVerify_Eip3009_MissingTokenDomainIsInvalidPayload(t *testing.T) {
	m := newMechanism(t)
	payload := buildEip3009Payload(t, "1000000", "0", "9999999999", nonce32Hex(6), testPayTo)
	reqs := baseReqs()
	reqs.Extra = nil

	assert.Equal(t, facilitator.ReasonInvalidPayload, invalidReason(t, m, payload, reqs))
}

func TestVerify_Eip3009_TamperedValueInvalidatesSignature(t *testing.T) {
	m := newMechanism(t)
	payload := buildEip3009Payload(t, "2000000", "0", "9999999999", nonce32Hex(7), testPayTo)
	payload["authorization"].(map[string]interface{})["value"] = "3000000"

	assert.Equal(t, facilitator.ReasonInvalidSignature, invalidReason(t, m, payload, baseReqs()))
}

func TestVerify_Eip3009_TamperedRecipientInvalidatesSignature(t *testing.T) {
	m := newMechanism(t)
	payload := buildEip3009Payload(t, "1000000", "0", "9999999999", nonce32Hex(10), testPayTo)
	payload["authorization"].(map[string]interface{})["to"] = "0x1111111111111111111111111111111111111111"

	assert.Equal(t, facilitator.ReasonInvalidSignature, invalidReason(t, m, payload, baseReqs()),
		"tampering the recipient after signing invalidates the signature before the recipient check runs")
}

func TestVerify_Eip3009_NonceUsedOnReplay(t *testing.T) {
	fabric, err := evm.NewChainFabric(testRelayerKey, 0)
	require.NoError(t, err)
	arbiter := nonce.NewArbiter()
	m := exact.New(fabric, arbiter)

	buyer, err := testsupport.NewSigner(testBuyerKey)
	require.NoError(t, err)
	payload := buildEip3009Payload(t, "1000000", "0", "9999999999", nonce32Hex(8), testPayTo)
	arbiter.CheckAndMark(evm.SchemeExact, buyer.Address()+":"+nonce32Hex(8))

	assert.Equal(t, facilitator.ReasonNonceUsed, invalidReason(t, m, payload, baseReqs()))
}

func TestVerify_Eip3009_HappyPathReachesChainChecks(t *testing.T) {
	m := newMechanism(t)
	payload := buildEip3009Payload(t, "1000000", "0", "9999999999", nonce32Hex(9), testPayTo)

	_, err := m.Verify(context.Background(), facilitator.PaymentPayload{X402Version: 2, Payload: payload}, baseReqs())
	require.Error(t, err)
	_, isVerifyError := err.(*facilitator.VerifyError)
	assert.False(t, isVerifyError, "every classified check should have passed before the unconfigured-RPC on-chain lookups")
}

func TestVerify_Permit2_UntrustedSpender(t *testing.T) {
	m := newMechanism(t)
	payload := buildPermit2Payload(t, "1000000", "9999999999", "0", "1", testPayTo, testToken, "0x00000000000000000000000000000000BADBAD")

	assert.Equal(t, facilitator.ReasonUntrustedDelegate, invalidReason(t, m, payload, baseReqs()))
}

func TestVerify_Permit2_AssetMismatch(t *testing.T) {
	m := newMechanism(t)
	payload := buildPermit2Payload(t, "1000000", "9999999999", "0", "2", testPayTo, "0x2222222222222222222222222222222222222222", evm.PERMIT2Address)

	assert.Equal(t, facilitator.ReasonAssetMismatch, invalidReason(t, m, payload, baseReqs()))
}

func TestVerify_Permit2_RecipientMismatch(t *testing.T) {
	m := newMechanism(t)
	payload := buildPermit2Payload(t, "1000000", "9999999999", "0", "3", "0x1111111111111111111111111111111111111111", testToken, evm.PERMIT2Address)

	assert.Equal(t, facilitator.ReasonRecipientMismatch, invalidReason(t, m, payload, baseReqs()))
}

func TestVerify_Permit2_ExpiredDeadline(t *testing.T) {
	m := newMechanism(t)
	payload := buildPermit2Payload(t, "1000000", "1", "0", "4", testPayTo, testToken, evm.PERMIT2Address)

	assert.Equal(t, facilitator.ReasonExpired, invalidReason(t, m, payload, baseReqs()))
}

func TestVerify_Permit2_TamperedAmountInvalidatesSignature(t *testing.T) {
	m := newMechanism(t)
	payload := buildPermit2Payload(t, "2000000", "9999999999", "0", "5", testPayTo, testToken, evm.PERMIT2Address)
	auth := payload["permit2Authorization"].(map[string]interface{})
	auth["permitted"].(map[string]interface{})["amount"] = "3000000"

	assert.Equal(t, facilitator.ReasonInvalidSignature, invalidReason(t, m, payload, baseReqs()))
}

func TestVerify_Permit2_HappyPathReachesChainChecks(t *testing.T) {
	m := newMechanism(t)
	payload := buildPermit2Payload(t, "1000000", "9999999999", "0", "6", testPayTo, testToken, evm.PERMIT2Address)

	_, err := m.Verify(context.Background(), facilitator.PaymentPayload{X402Version: 2, Payload: payload}, baseReqs())
	require.Error(t, err)
	_, isVerifyError := err.(*facilitator.VerifyError)
	assert.False(t, isVerifyError, "every classified check should have passed before the unconfigured-RPC allowance/balance lookups")
}

func TestVerify_UnrecognizedShapeIsInvalidPayload(t *testing.T) {
	m := newMechanism(t)

	assert.Equal(t, facilitator.ReasonInvalidPayload,
		invalidReason(t, m, map[string]interface{}{"something": "else"}, baseReqs()))
}
