package eip7702_test

import (
	"context"
	"math/big"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402rail/facilitator/facilitator"
	"github.com/x402rail/facilitator/facilitator/nonce"
	"github.com/x402rail/facilitator/internal/testsupport"
	"github.com/x402rail/facilitator/mechanisms/evm"
	"github.com/x402rail/facilitator/mechanisms/evm/eip7702"
)

const (
	testRelayerKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testBuyerKey   = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	testDelegate   = "0x000000000000000000000000000000000000De"
	testChainID    = 8453
	testPayTo      = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	testToken      = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
)

func testNetwork() facilitator.Network {
	return facilitator.Network("eip155:" + strconv.Itoa(testChainID))
}

// buildPayload signs a real EIP-7702 authorization for buyerKey's own address
// (so its Authority() recovers to the buyer) and a matching transfer intent,
// returning the wire-level payload map plus the buyer's signer.
func buildPayload(t *testing.T, amount, deadline, intentNonce string, token string, delegate string) (map[string]interface{}, *testsupport.Signer) {
	t.Helper()

	buyer, err := testsupport.NewSigner(testBuyerKey)
	require.NoError(t, err)
	buyerKey, err := crypto.HexToECDSA(testBuyerKey)
	require.NoError(t, err)

	chainID := new(big.Int).SetInt64(testChainID)
	chainIDU, overflow := uint256.FromBig(chainID)
	require.False(t, overflow)

	auth := types.SetCodeAuthorization{
		ChainID: *chainIDU,
		Address: common.HexToAddress(delegate),
		Nonce:   0,
	}
	signedAuth, err := types.SignSetCode(buyerKey, auth)
	require.NoError(t, err)

	intent := evm.Eip7702Intent{
		Token:    token,
		Amount:   amount,
		To:       testPayTo,
		Nonce:    intentNonce,
		Deadline: deadline,
	}
	native := token == ""
	digest, err := evm.HashEip7702Intent(intent, chainID, buyer.Address(), native)
	require.NoError(t, err)
	sig, err := buyer.SignDigest(digest)
	require.NoError(t, err)

	rBytes := signedAuth.R.Bytes32()
	sBytes := signedAuth.S.Bytes32()

	payload := map[string]interface{}{
		"authorization": map[string]interface{}{
			"contractAddress": delegate,
			"chainId":         chainID.String(),
			"nonce":           "0",
			"r":               hexutil.Encode(rBytes[:]),
			"s":               hexutil.Encode(sBytes[:]),
			"yParity":         strconv.Itoa(int(signedAuth.V)),
		},
		"intent": map[string]interface{}{
			"token":    token,
			"amount":   amount,
			"to":       testPayTo,
			"nonce":    intentNonce,
			"deadline": deadline,
		},
		"signature": hexutil.Encode(sig),
	}
	return payload, buyer
}

func baseReqs() facilitator.PaymentRequirements {
	return facilitator.PaymentRequirements{
		Scheme:  evm.SchemeEip7702,
		Network: string(testNetwork()),
		Asset:   testToken,
		Amount:  "1000000",
		PayTo:   testPayTo,
	}
}

func newMechanism(t *testing.T) *eip7702.Mechanism {
	t.Helper()
	fabric, err := evm.NewChainFabric(testRelayerKey, 0)
	require.NoError(t, err)
	return eip7702.New(fabric, nonce.NewArbiter(), testDelegate)
}

// invalidReason runs Verify and asserts it produced a classified rejection,
// returning the reason code.
func invalidReason(t *testing.T, m *eip7702.Mechanism, payload map[string]interface{}, reqs facilitator.PaymentRequirements) string {
	t.Helper()
	resp, err := m.Verify(context.Background(), facilitator.PaymentPayload{X402Version: 2, Payload: payload}, reqs)
	require.NoError(t, err)
	require.False(t, resp.IsValid)
	return resp.InvalidReason
}

func TestVerify_AcceptedRequirementsMismatch(t *testing.T) {
	m := newMechanism(t)
	payload, _ := buildPayload(t, "1000000", "9999999999", "1", testToken, testDelegate)
	reqs := baseReqs()

	accepted := reqs
	accepted.Amount = "500000" // accepted amount below reqs.Amount

	resp, err := m.Verify(context.Background(), facilitator.PaymentPayload{
		X402Version: 2, Payload: payload, Accepted: accepted,
	}, reqs)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, facilitator.ReasonAcceptedRequirementsMismatch, resp.InvalidReason)
}

func TestVerify_ChainIdMismatch(t *testing.T) {
	m := newMechanism(t)
	payload, _ := buildPayload(t, "1000000", "9999999999", "1", testToken, testDelegate)
	reqs := baseReqs()
	reqs.Network = "eip155:1"

	assert.Equal(t, facilitator.ReasonChainIdMismatch, invalidReason(t, m, payload, reqs))
}

func TestVerify_UntrustedDelegate(t *testing.T) {
	m := newMechanism(t)
	payload, _ := buildPayload(t, "1000000", "9999999999", "1", testToken, "0x00000000000000000000000000000000BADBAD")

	assert.Equal(t, facilitator.ReasonUntrustedDelegate, invalidReason(t, m, payload, baseReqs()))
}

func TestVerify_TamperedIntentInvalidatesSignature(t *testing.T) {
	m := newMechanism(t)
	payload, _ := buildPayload(t, "1000000", "9999999999", "1", testToken, testDelegate)
	payload["intent"].(map[string]interface{})["to"] = "0x1111111111111111111111111111111111111111"

	assert.Equal(t, facilitator.ReasonInvalidSignature, invalidReason(t, m, payload, baseReqs()),
		"tampering the intent after signing invalidates the signature before the recipient check runs")
}

func TestVerify_RecipientMismatch(t *testing.T) {
	m := newMechanism(t)
	payload, _ := buildPayload(t, "1000000", "9999999999", "1", testToken, testDelegate)
	reqs := baseReqs()
	reqs.PayTo = "0x1111111111111111111111111111111111111111"

	assert.Equal(t, facilitator.ReasonRecipientMismatch, invalidReason(t, m, payload, reqs))
}

func TestVerify_InsufficientPaymentAmount(t *testing.T) {
	m := newMechanism(t)
	payload, _ := buildPayload(t, "1", "9999999999", "1", testToken, testDelegate)

	assert.Equal(t, facilitator.ReasonInsufficientPaymentAmount, invalidReason(t, m, payload, baseReqs()))
}

func TestVerify_AssetMismatch(t *testing.T) {
	m := newMechanism(t)
	payload, _ := buildPayload(t, "1000000", "9999999999", "1", testToken, testDelegate)
	reqs := baseReqs()
	reqs.Asset = "0x2222222222222222222222222222222222222222"

	assert.Equal(t, facilitator.ReasonAssetMismatch, invalidReason(t, m, payload, reqs))
}

func TestVerify_Expired(t *testing.T) {
	m := newMechanism(t)
	payload, _ := buildPayload(t, "1000000", "1", "1", testToken, testDelegate)

	assert.Equal(t, facilitator.ReasonExpired, invalidReason(t, m, payload, baseReqs()))
}

func TestVerify_GraceBufferRejectsNearDeadline(t *testing.T) {
	m := newMechanism(t)
	deadline := strconv.FormatInt(time.Now().Unix()+1, 10)
	payload, _ := buildPayload(t, "1000000", deadline, "1", testToken, testDelegate)

	assert.Equal(t, facilitator.ReasonExpired, invalidReason(t, m, payload, baseReqs()),
		"a deadline one second out is inside the six-second grace buffer")
}

func TestVerify_NonceUsedOnReplay(t *testing.T) {
	fabric, err := evm.NewChainFabric(testRelayerKey, 0)
	require.NoError(t, err)
	arbiter := nonce.NewArbiter()
	m := eip7702.New(fabric, arbiter, testDelegate)

	payload, buyer := buildPayload(t, "1000000", "9999999999", "42", testToken, testDelegate)
	arbiter.CheckAndMark(evm.SchemeEip7702, buyer.Address()+":42")

	assert.Equal(t, facilitator.ReasonNonceUsed, invalidReason(t, m, payload, baseReqs()))
}

func TestVerify_IsReadOnlyOnNonce(t *testing.T) {
	fabric, err := evm.NewChainFabric(testRelayerKey, 0)
	require.NoError(t, err)
	arbiter := nonce.NewArbiter()
	m := eip7702.New(fabric, arbiter, testDelegate)

	payload, buyer := buildPayload(t, "1000000", "9999999999", "7", testToken, testDelegate)

	// Two verifies against an unconfigured RPC both fail at the balance
	// read, after the nonce check; neither may consume the nonce.
	for i := 0; i < 2; i++ {
		_, err := m.Verify(context.Background(), facilitator.PaymentPayload{X402Version: 2, Payload: payload}, baseReqs())
		require.Error(t, err)
		_, isVerifyError := err.(*facilitator.VerifyError)
		assert.False(t, isVerifyError, "every classified check should have passed, leaving only the unconfigured-RPC system error")
	}
	assert.False(t, arbiter.Has(evm.SchemeEip7702, buyer.Address()+":7"))
}

func TestSettle_ConsumesNonceBeforeChainAccess(t *testing.T) {
	fabric, err := evm.NewChainFabric(testRelayerKey, 0)
	require.NoError(t, err)
	arbiter := nonce.NewArbiter()
	m := eip7702.New(fabric, arbiter, testDelegate)

	payload, buyer := buildPayload(t, "1000000", "9999999999", "9", testToken, testDelegate)

	// Settle against an unconfigured RPC dies at the balance read, but only
	// after CheckAndMark ran: the nonce is consumed permanently.
	_, err = m.Settle(context.Background(), facilitator.PaymentPayload{X402Version: 2, Payload: payload}, baseReqs())
	require.Error(t, err)
	assert.True(t, arbiter.Has(evm.SchemeEip7702, buyer.Address()+":9"))

	// A replayed settle is now rejected at the nonce check, before any RPC.
	_, err = m.Settle(context.Background(), facilitator.PaymentPayload{X402Version: 2, Payload: payload}, baseReqs())
	require.Error(t, err)
	se, ok := err.(*facilitator.SettleError)
	require.True(t, ok)
	assert.Equal(t, facilitator.ReasonNonceUsed, se.Reason)
}

func TestVerify_MalformedPayloadIsInvalidPayload(t *testing.T) {
	m := newMechanism(t)

	assert.Equal(t, facilitator.ReasonInvalidPayload,
		invalidReason(t, m, map[string]interface{}{"intent": map[string]interface{}{}}, baseReqs()))
}
