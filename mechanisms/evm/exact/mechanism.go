// Package exact implements the facilitator.Mechanism for the exact scheme:
// fixed-amount transfers authorized either via EIP-3009
// transferWithAuthorization or via a Permit2 witness-transfer signature.
// The two sub-flows share one scheme name and dispatch on payload shape.
package exact

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/x402rail/facilitator/facilitator"
	"github.com/x402rail/facilitator/facilitator/nonce"
	"github.com/x402rail/facilitator/mechanisms/evm"
)

// Mechanism implements facilitator.Mechanism for the exact scheme.
type Mechanism struct {
	fabric      *evm.ChainFabric
	arbiter     *nonce.Arbiter
	expiryGrace time.Duration
	nowFunc     func() time.Time
}

// New builds an exact-scheme mechanism bound to a chain fabric and the
// shared nonce arbiter.
func New(fabric *evm.ChainFabric, arbiter *nonce.Arbiter) *Mechanism {
	return &Mechanism{
		fabric:      fabric,
		arbiter:     arbiter,
		expiryGrace: evm.DefaultExpiryGraceSeconds * time.Second,
		nowFunc:     time.Now,
	}
}

// WithExpiryGrace overrides the default deadline grace buffer. The buffer
// absorbs latency between verify and the settle transaction landing.
func (m *Mechanism) WithExpiryGrace(grace time.Duration) *Mechanism {
	if grace > 0 {
		m.expiryGrace = grace
	}
	return m
}

func (m *Mechanism) Scheme() string      { return evm.SchemeExact }
func (m *Mechanism) ChainFamily() string { return evm.ChainFamilyEip155 }

func (m *Mechanism) Extra(_ facilitator.Network) map[string]interface{} {
	return map[string]interface{}{"permit2": evm.PERMIT2Address}
}

func (m *Mechanism) Signers(_ facilitator.Network) []string {
	return []string{m.fabric.RelayerAddress().Hex()}
}

func (m *Mechanism) Verify(ctx context.Context, payload facilitator.PaymentPayload, reqs facilitator.PaymentRequirements) (*facilitator.VerifyResponse, error) {
	signer, err := m.dispatch(ctx, payload, reqs, false)
	if err != nil {
		if ve, ok := err.(*facilitator.VerifyError); ok {
			return &facilitator.VerifyResponse{IsValid: false, InvalidReason: ve.Reason}, nil
		}
		return nil, err
	}
	return &facilitator.VerifyResponse{IsValid: true, Payer: signer.Hex()}, nil
}

func (m *Mechanism) Settle(ctx context.Context, payload facilitator.PaymentPayload, reqs facilitator.PaymentRequirements) (*facilitator.SettleResponse, error) {
	network := facilitator.Network(reqs.Network)

	signer, err := m.dispatch(ctx, payload, reqs, true)
	if err != nil {
		if ve, ok := err.(*facilitator.VerifyError); ok {
			return nil, facilitator.NewSettleError(ve.Reason, ve.Payer, network, "", ve.Err)
		}
		return nil, err
	}

	// The nonce is consumed: detach from the request context so a client
	// disconnect cannot abandon a transaction already in flight.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), evm.DefaultSettleTimeoutSeconds*time.Second)
	defer cancel()

	var txHash string
	if evm.IsPermit2Payload(payload.Payload) {
		inner, parseErr := evm.Permit2PayloadFromMap(payload.Payload)
		if parseErr != nil {
			return nil, facilitator.NewSettleError(facilitator.ReasonInvalidPayload, signer.Hex(), network, "", parseErr)
		}
		txHash, err = m.sendPermit2(ctx, string(network), signer, inner)
	} else {
		inner, parseErr := evm.Eip3009PayloadFromMap(payload.Payload)
		if parseErr != nil {
			return nil, facilitator.NewSettleError(facilitator.ReasonInvalidPayload, signer.Hex(), network, "", parseErr)
		}
		txHash, err = m.sendEip3009(ctx, string(network), reqs.Asset, inner)
	}
	if err != nil {
		return nil, fmt.Errorf("send exact settlement tx: %w", err)
	}

	receipt, err := m.fabric.WaitForReceipt(ctx, string(network), txHash)
	if err != nil {
		return nil, fmt.Errorf("wait for receipt: %w", err)
	}
	if receipt.Status != evm.TxStatusSuccess {
		return &facilitator.SettleResponse{
			Success:     false,
			ErrorReason: facilitator.ReasonTransactionReverted,
			Transaction: txHash,
			Network:     network,
			Payer:       signer.Hex(),
		}, nil
	}
	return &facilitator.SettleResponse{
		Success:     true,
		Transaction: txHash,
		Network:     network,
		Payer:       signer.Hex(),
	}, nil
}

// dispatch routes to the EIP-3009 or Permit2 verify pipeline by payload
// shape.
func (m *Mechanism) dispatch(ctx context.Context, payload facilitator.PaymentPayload, reqs facilitator.PaymentRequirements, consume bool) (common.Address, error) {
	if !facilitator.CrossCheckAccepted(payload.Accepted, reqs) {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonAcceptedRequirementsMismatch, "", facilitator.Network(reqs.Network), nil)
	}
	if evm.IsPermit2Payload(payload.Payload) {
		return m.verifyPermit2(ctx, payload, reqs, consume)
	}
	if evm.IsEip3009Payload(payload.Payload) {
		return m.verifyEip3009(ctx, payload, reqs, consume)
	}
	return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonInvalidPayload, "", facilitator.Network(reqs.Network), fmt.Errorf("payload matches neither EIP-3009 nor Permit2 shape"))
}

// verifyEip3009 checks an EIP-3009 transferWithAuthorization payload:
// domain metadata, signature, recipient, amount, validity window, nonce,
// and on-chain state.
func (m *Mechanism) verifyEip3009(ctx context.Context, payload facilitator.PaymentPayload, reqs facilitator.PaymentRequirements, consume bool) (common.Address, error) {
	network := facilitator.Network(reqs.Network)

	inner, err := evm.Eip3009PayloadFromMap(payload.Payload)
	if err != nil {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonInvalidPayload, "", network, err)
	}

	tokenName, _ := reqs.Extra["name"].(string)
	tokenVersion, _ := reqs.Extra["version"].(string)
	if tokenName == "" || tokenVersion == "" {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonInvalidPayload, "", network, fmt.Errorf("reqs.extra.name/version required for EIP-3009 domain"))
	}

	_, chainRef, ok := facilitator.Network(reqs.Network).Parse()
	if !ok {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonUnsupportedNetwork, inner.Authorization.From, network, nil)
	}
	chainID, ok := new(big.Int).SetString(chainRef, 10)
	if !ok {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonUnsupportedNetwork, inner.Authorization.From, network, nil)
	}

	// Signature first: a field tampered after signing must classify as
	// InvalidSignature, not as whatever cross-check it happens to fail.
	sigBytes, err := evm.HexToBytes(inner.Signature)
	if err != nil {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonInvalidSignature, inner.Authorization.From, network, err)
	}
	digest, err := evm.HashEip3009Authorization(inner.Authorization, chainID, reqs.Asset, tokenName, tokenVersion)
	if err != nil {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonInvalidPayload, inner.Authorization.From, network, err)
	}
	recovered, err := evm.RecoverSigner(digest, sigBytes)
	if err != nil || !addrEqual(recovered.Hex(), inner.Authorization.From) {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonInvalidSignature, inner.Authorization.From, network, err)
	}

	if !addrEqual(inner.Authorization.To, reqs.PayTo) {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonRecipientMismatch, inner.Authorization.From, network, nil)
	}
	value, ok := new(big.Int).SetString(inner.Authorization.Value, 10)
	if !ok {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonInvalidPayload, inner.Authorization.From, network, nil)
	}
	required, ok := new(big.Int).SetString(reqs.Amount, 10)
	if !ok {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonInvalidPayload, inner.Authorization.From, network, nil)
	}
	if value.Cmp(required) < 0 {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonInsufficientPaymentAmount, inner.Authorization.From, network, nil)
	}

	validAfter, ok1 := new(big.Int).SetString(inner.Authorization.ValidAfter, 10)
	validBefore, ok2 := new(big.Int).SetString(inner.Authorization.ValidBefore, 10)
	if !ok1 || !ok2 {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonInvalidPayload, inner.Authorization.From, network, nil)
	}
	now := big.NewInt(m.nowFunc().Unix())
	if now.Cmp(validAfter) < 0 {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonExpired, inner.Authorization.From, network, nil)
	}
	graceNow := big.NewInt(m.nowFunc().Unix() + int64(m.expiryGrace.Seconds()))
	if graceNow.Cmp(validBefore) > 0 {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonExpired, inner.Authorization.From, network, nil)
	}

	nonceKey := inner.Authorization.From + ":" + inner.Authorization.Nonce
	if consume {
		if !m.arbiter.CheckAndMark(evm.SchemeExact, nonceKey) {
			return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonNonceUsed, inner.Authorization.From, network, nil)
		}
	} else if m.arbiter.Has(evm.SchemeExact, nonceKey) {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonNonceUsed, inner.Authorization.From, network, nil)
	}

	used, err := m.authorizationUsedOnChain(ctx, string(network), reqs.Asset, inner.Authorization.From, inner.Authorization.Nonce)
	if err != nil {
		return common.Address{}, err
	}
	if used {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonNonceUsed, inner.Authorization.From, network, nil)
	}

	balance, err := m.fabric.GetBalance(ctx, string(network), inner.Authorization.From, reqs.Asset)
	if err != nil {
		return common.Address{}, err
	}
	if balance.Cmp(value) < 0 {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonInsufficientBalance, inner.Authorization.From, network, nil)
	}

	return common.HexToAddress(inner.Authorization.From), nil
}

// authorizationUsedOnChain reads the token's authorizationState(authorizer,
// nonce) view, in addition to the process-lifetime nonce arbiter, so a
// nonce already settled by a prior facilitator process is still rejected.
func (m *Mechanism) authorizationUsedOnChain(ctx context.Context, network, tokenAddress, from, nonceHex string) (bool, error) {
	nonceBytes, err := evm.HexToBytes(nonceHex)
	if err != nil {
		return false, fmt.Errorf("decode authorization nonce: %w", err)
	}
	var nonce32 [32]byte
	copy(nonce32[32-len(nonceBytes):], nonceBytes)
	result, err := m.fabric.ReadContract(ctx, network, tokenAddress, evm.AuthorizationStateABI, evm.FunctionAuthorizationState, common.HexToAddress(from), nonce32)
	if err != nil {
		return false, fmt.Errorf("read authorizationState: %w", err)
	}
	used, _ := result.(bool)
	return used, nil
}

func (m *Mechanism) sendEip3009(ctx context.Context, network, tokenAddress string, inner *evm.Eip3009Payload) (string, error) {
	sig, err := evm.HexToBytes(inner.Signature)
	if err != nil {
		return "", err
	}
	value, _ := new(big.Int).SetString(inner.Authorization.Value, 10)
	validAfter, _ := new(big.Int).SetString(inner.Authorization.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(inner.Authorization.ValidBefore, 10)
	nonceBytes, err := evm.HexToBytes(inner.Authorization.Nonce)
	if err != nil {
		return "", err
	}
	var nonce32 [32]byte
	copy(nonce32[32-len(nonceBytes):], nonceBytes)

	from := common.HexToAddress(inner.Authorization.From)
	to := common.HexToAddress(inner.Authorization.To)

	if len(sig) == 65 {
		r := [32]byte{}
		s := [32]byte{}
		copy(r[:], sig[0:32])
		copy(s[:], sig[32:64])
		v := sig[64]
		if v < 27 {
			v += 27
		}
		return m.fabric.WriteContract(ctx, network, tokenAddress, evm.TransferWithAuthorizationVRSABI, evm.FunctionTransferWithAuthorization,
			from, to, value, validAfter, validBefore, nonce32, v, r, s)
	}
	return m.fabric.WriteContract(ctx, network, tokenAddress, evm.TransferWithAuthorizationBytesABI, evm.FunctionTransferWithAuthorization,
		from, to, value, validAfter, validBefore, nonce32, sig)
}

// verifyPermit2 checks a Permit2 witness-transfer payload: spender
// identity, recipient, asset, amount, validity window, signature, nonce,
// and on-chain allowance plus balance.
func (m *Mechanism) verifyPermit2(ctx context.Context, payload facilitator.PaymentPayload, reqs facilitator.PaymentRequirements, consume bool) (common.Address, error) {
	network := facilitator.Network(reqs.Network)

	inner, err := evm.Permit2PayloadFromMap(payload.Payload)
	if err != nil {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonInvalidPayload, "", network, err)
	}
	auth := inner.Permit2Authorization

	if !addrEqual(auth.Spender, evm.PERMIT2Address) {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonUntrustedDelegate, auth.From, network, nil)
	}
	if !addrEqual(auth.Witness.To, reqs.PayTo) {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonRecipientMismatch, auth.From, network, nil)
	}
	if !addrEqual(auth.Permitted.Token, reqs.Asset) {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonAssetMismatch, auth.From, network, nil)
	}

	amount, ok := new(big.Int).SetString(auth.Permitted.Amount, 10)
	if !ok {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonInvalidPayload, auth.From, network, nil)
	}
	required, ok := new(big.Int).SetString(reqs.Amount, 10)
	if !ok {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonInvalidPayload, auth.From, network, nil)
	}
	if amount.Cmp(required) < 0 {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonInsufficientPaymentAmount, auth.From, network, nil)
	}

	deadline, ok1 := new(big.Int).SetString(auth.Deadline, 10)
	validAfter, ok2 := new(big.Int).SetString(auth.Witness.ValidAfter, 10)
	if !ok1 || !ok2 {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonInvalidPayload, auth.From, network, nil)
	}
	now := big.NewInt(m.nowFunc().Unix())
	if now.Cmp(validAfter) < 0 {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonExpired, auth.From, network, nil)
	}
	graceNow := big.NewInt(m.nowFunc().Unix() + int64(m.expiryGrace.Seconds()))
	if graceNow.Cmp(deadline) > 0 {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonExpired, auth.From, network, nil)
	}

	_, chainRef, ok := facilitator.Network(reqs.Network).Parse()
	if !ok {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonUnsupportedNetwork, auth.From, network, nil)
	}
	chainID, ok := new(big.Int).SetString(chainRef, 10)
	if !ok {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonUnsupportedNetwork, auth.From, network, nil)
	}

	sigBytes, err := evm.HexToBytes(inner.Signature)
	if err != nil {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonInvalidSignature, auth.From, network, err)
	}
	digest, err := evm.HashPermit2Authorization(auth, chainID)
	if err != nil {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonInvalidPayload, auth.From, network, err)
	}
	recovered, err := evm.RecoverSigner(digest, sigBytes)
	if err != nil || !addrEqual(recovered.Hex(), auth.From) {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonInvalidSignature, auth.From, network, err)
	}

	nonceKey := auth.From + ":" + auth.Nonce
	if consume {
		if !m.arbiter.CheckAndMark(evm.SchemeExact, nonceKey) {
			return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonNonceUsed, auth.From, network, nil)
		}
	} else if m.arbiter.Has(evm.SchemeExact, nonceKey) {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonNonceUsed, auth.From, network, nil)
	}

	allowanceResult, err := m.fabric.ReadContract(ctx, string(network), auth.Permitted.Token, evm.ERC20AllowanceABI, evm.FunctionAllowance, common.HexToAddress(auth.From), common.HexToAddress(evm.PERMIT2Address))
	if err != nil {
		return common.Address{}, err
	}
	allowance, ok := allowanceResult.(*big.Int)
	if !ok || allowance.Cmp(amount) < 0 {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonInsufficientBalance, auth.From, network, nil)
	}

	balance, err := m.fabric.GetBalance(ctx, string(network), auth.From, auth.Permitted.Token)
	if err != nil {
		return common.Address{}, err
	}
	if balance.Cmp(amount) < 0 {
		return common.Address{}, facilitator.NewVerifyError(facilitator.ReasonInsufficientBalance, auth.From, network, nil)
	}

	return common.HexToAddress(auth.From), nil
}

func (m *Mechanism) sendPermit2(ctx context.Context, network string, signer common.Address, inner *evm.Permit2Payload) (string, error) {
	auth := inner.Permit2Authorization
	sig, err := evm.HexToBytes(inner.Signature)
	if err != nil {
		return "", err
	}
	amount, _ := new(big.Int).SetString(auth.Permitted.Amount, 10)
	permitNonce, _ := new(big.Int).SetString(auth.Nonce, 10)
	deadline, _ := new(big.Int).SetString(auth.Deadline, 10)
	validAfter, _ := new(big.Int).SetString(auth.Witness.ValidAfter, 10)
	extraBytes, err := evm.HexToBytes(auth.Witness.Extra)
	if err != nil {
		return "", err
	}

	permitStruct := struct {
		Permitted struct {
			Token  common.Address
			Amount *big.Int
		}
		Nonce    *big.Int
		Deadline *big.Int
	}{
		Permitted: struct {
			Token  common.Address
			Amount *big.Int
		}{common.HexToAddress(auth.Permitted.Token), amount},
		Nonce:    permitNonce,
		Deadline: deadline,
	}
	witnessStruct := struct {
		To         common.Address
		ValidAfter *big.Int
		Extra      []byte
	}{common.HexToAddress(auth.Witness.To), validAfter, extraBytes}

	return m.fabric.WriteContract(ctx, network, evm.PERMIT2Address, evm.Permit2SettleABI, evm.FunctionSettle,
		permitStruct, signer, witnessStruct, sig)
}

func addrEqual(a, b string) bool {
	return common.HexToAddress(a) == common.HexToAddress(b)
}
