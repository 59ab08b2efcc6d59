// Package eip7702 implements the facilitator.Mechanism that settles payments
// by having the buyer's EOA adopt a trusted delegate contract's code for one
// transaction (EIP-7702) and having that delegate execute a buyer-signed
// transfer intent. It handles both ERC-20 and native-value intents.
package eip7702

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/x402rail/facilitator/facilitator"
	"github.com/x402rail/facilitator/facilitator/nonce"
	"github.com/x402rail/facilitator/mechanisms/evm"
)

// Mechanism implements facilitator.Mechanism for the eip7702 scheme.
type Mechanism struct {
	fabric      *evm.ChainFabric
	arbiter     *nonce.Arbiter
	delegate    common.Address
	expiryGrace time.Duration
	nowFunc     func() time.Time
}

// New builds an EIP-7702 mechanism bound to a chain fabric, a shared nonce
// arbiter, and the single delegate contract this deployment trusts.
// Refusal is unconditional for any authorization targeting a different
// contract address, per Invariant 4.
func New(fabric *evm.ChainFabric, arbiter *nonce.Arbiter, delegateAddress string) *Mechanism {
	return &Mechanism{
		fabric:      fabric,
		arbiter:     arbiter,
		delegate:    common.HexToAddress(delegateAddress),
		expiryGrace: evm.DefaultExpiryGraceSeconds * time.Second,
		nowFunc:     time.Now,
	}
}

// WithExpiryGrace overrides the default deadline grace buffer.
func (m *Mechanism) WithExpiryGrace(grace time.Duration) *Mechanism {
	if grace > 0 {
		m.expiryGrace = grace
	}
	return m
}

func (m *Mechanism) Scheme() string      { return evm.SchemeEip7702 }
func (m *Mechanism) ChainFamily() string { return evm.ChainFamilyEip155 }

func (m *Mechanism) Extra(_ facilitator.Network) map[string]interface{} {
	return map[string]interface{}{"delegate": m.delegate.Hex()}
}

func (m *Mechanism) Signers(_ facilitator.Network) []string {
	return []string{m.fabric.RelayerAddress().Hex()}
}

// Verify runs the read-only verification pipeline (consumeNonce=false).
func (m *Mechanism) Verify(ctx context.Context, payload facilitator.PaymentPayload, reqs facilitator.PaymentRequirements) (*facilitator.VerifyResponse, error) {
	signer, _, err := m.run(ctx, payload, reqs, false)
	if err != nil {
		if ve, ok := err.(*facilitator.VerifyError); ok {
			return &facilitator.VerifyResponse{IsValid: false, InvalidReason: ve.Reason}, nil
		}
		return nil, err
	}
	return &facilitator.VerifyResponse{IsValid: true, Payer: signer.Hex()}, nil
}

// Settle re-runs the verification pipeline with nonce consumption enabled,
// then submits the on-chain transfer and waits for its receipt.
func (m *Mechanism) Settle(ctx context.Context, payload facilitator.PaymentPayload, reqs facilitator.PaymentRequirements) (*facilitator.SettleResponse, error) {
	network := facilitator.Network(reqs.Network)

	signer, inner, err := m.run(ctx, payload, reqs, true)
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

	callData, abiJSON, err := m.buildTransferCalldata(inner)
	if err != nil {
		return nil, facilitator.NewSettleError(facilitator.ReasonInvalidPayload, signer.Hex(), network, "", err)
	}

	code, err := m.fabric.GetCode(ctx, string(network), signer.Hex())
	if err != nil {
		return nil, fmt.Errorf("get code for %s: %w", signer.Hex(), err)
	}

	var txHash string
	if len(code) > 0 {
		// Payer already carries delegate code from a prior settlement:
		// simulate first since a Type-4 authorization_list cannot be
		// attached a second time.
		if simErr := m.fabric.Simulate(ctx, string(network), signer.Hex(), callData); simErr != nil {
			return nil, facilitator.NewSettleError(facilitator.ReasonTransactionSimulationFailed, signer.Hex(), network, "", simErr)
		}
		txHash, err = m.fabric.WriteContract(ctx, string(network), signer.Hex(), abiJSON, transferMethod(inner), transferArgs(inner)...)
		if err != nil {
			return nil, fmt.Errorf("send transfer tx: %w", err)
		}
	} else {
		auth, authErr := toSetCodeAuthorization(inner.Authorization)
		if authErr != nil {
			return nil, facilitator.NewSettleError(facilitator.ReasonInvalidPayload, signer.Hex(), network, "", authErr)
		}
		txHash, err = m.fabric.SendSetCodeTx(ctx, string(network), auth, signer, callData)
		if err != nil {
			return nil, fmt.Errorf("send setcode tx: %w", err)
		}
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

// run executes the verification pipeline shared by Verify and Settle,
// short-circuiting on the first classified failure. consumeNonce selects
// between verify's read-only Has and settle's atomic CheckAndMark.
func (m *Mechanism) run(ctx context.Context, payload facilitator.PaymentPayload, reqs facilitator.PaymentRequirements, consumeNonce bool) (common.Address, *evm.Eip7702Payload, error) {
	network := facilitator.Network(reqs.Network)

	if !facilitator.CrossCheckAccepted(payload.Accepted, reqs) {
		return common.Address{}, nil, facilitator.NewVerifyError(facilitator.ReasonAcceptedRequirementsMismatch, "", network, nil)
	}

	inner, err := evm.Eip7702PayloadFromMap(payload.Payload)
	if err != nil {
		return common.Address{}, nil, facilitator.NewVerifyError(facilitator.ReasonInvalidPayload, "", network, err)
	}

	_, chainRef, ok := facilitator.Network(reqs.Network).Parse()
	if !ok {
		return common.Address{}, nil, facilitator.NewVerifyError(facilitator.ReasonUnsupportedNetwork, "", network, fmt.Errorf("malformed network %q", reqs.Network))
	}
	wantChainID, ok := new(big.Int).SetString(chainRef, 10)
	if !ok {
		return common.Address{}, nil, facilitator.NewVerifyError(facilitator.ReasonUnsupportedNetwork, "", network, fmt.Errorf("non-numeric chain reference %q", chainRef))
	}
	gotChainID, ok := new(big.Int).SetString(inner.Authorization.ChainID, 10)
	if !ok || gotChainID.Cmp(wantChainID) != 0 {
		return common.Address{}, nil, facilitator.NewVerifyError(facilitator.ReasonChainIdMismatch, "", network, nil)
	}

	auth, err := toSetCodeAuthorization(inner.Authorization)
	if err != nil {
		return common.Address{}, nil, facilitator.NewVerifyError(facilitator.ReasonInvalidPayload, "", network, err)
	}
	if auth.Address != m.delegate {
		return common.Address{}, nil, facilitator.NewVerifyError(facilitator.ReasonUntrustedDelegate, "", network, nil)
	}
	authoritySigner, err := auth.Authority()
	if err != nil {
		return common.Address{}, nil, facilitator.NewVerifyError(facilitator.ReasonInvalidSignature, "", network, err)
	}

	native := inner.IsNative()
	sigBytes, err := evm.HexToBytes(inner.Signature)
	if err != nil || len(sigBytes) != 65 {
		return common.Address{}, nil, facilitator.NewVerifyError(facilitator.ReasonInvalidSignature, authoritySigner.Hex(), network, err)
	}
	digest, err := evm.HashEip7702Intent(inner.Intent, wantChainID, authoritySigner.Hex(), native)
	if err != nil {
		return common.Address{}, nil, facilitator.NewVerifyError(facilitator.ReasonInvalidPayload, authoritySigner.Hex(), network, err)
	}
	intentSigner, err := evm.RecoverSigner(digest, sigBytes)
	if err != nil || intentSigner != authoritySigner {
		return common.Address{}, nil, facilitator.NewVerifyError(facilitator.ReasonInvalidSignature, authoritySigner.Hex(), network, err)
	}

	if common.HexToAddress(inner.Intent.To) != common.HexToAddress(reqs.PayTo) {
		return common.Address{}, nil, facilitator.NewVerifyError(facilitator.ReasonRecipientMismatch, authoritySigner.Hex(), network, nil)
	}
	intentAmount, ok := new(big.Int).SetString(inner.Intent.Amount, 10)
	if !ok {
		return common.Address{}, nil, facilitator.NewVerifyError(facilitator.ReasonInvalidPayload, authoritySigner.Hex(), network, nil)
	}
	requiredAmount, ok := new(big.Int).SetString(reqs.Amount, 10)
	if !ok {
		return common.Address{}, nil, facilitator.NewVerifyError(facilitator.ReasonInvalidPayload, authoritySigner.Hex(), network, nil)
	}
	if intentAmount.Cmp(requiredAmount) < 0 {
		return common.Address{}, nil, facilitator.NewVerifyError(facilitator.ReasonInsufficientPaymentAmount, authoritySigner.Hex(), network, nil)
	}
	if !native && common.HexToAddress(inner.Intent.Token) != common.HexToAddress(reqs.Asset) {
		return common.Address{}, nil, facilitator.NewVerifyError(facilitator.ReasonAssetMismatch, authoritySigner.Hex(), network, nil)
	}

	deadline, ok := new(big.Int).SetString(inner.Intent.Deadline, 10)
	if !ok {
		return common.Address{}, nil, facilitator.NewVerifyError(facilitator.ReasonInvalidPayload, authoritySigner.Hex(), network, nil)
	}
	graceDeadline := big.NewInt(m.nowFunc().Unix() + int64(m.expiryGrace.Seconds()))
	if deadline.Cmp(graceDeadline) < 0 {
		return common.Address{}, nil, facilitator.NewVerifyError(facilitator.ReasonExpired, authoritySigner.Hex(), network, nil)
	}

	nonceKey := authoritySigner.Hex() + ":" + inner.Intent.Nonce
	if consumeNonce {
		if !m.arbiter.CheckAndMark(evm.SchemeEip7702, nonceKey) {
			return common.Address{}, nil, facilitator.NewVerifyError(facilitator.ReasonNonceUsed, authoritySigner.Hex(), network, nil)
		}
	} else if m.arbiter.Has(evm.SchemeEip7702, nonceKey) {
		return common.Address{}, nil, facilitator.NewVerifyError(facilitator.ReasonNonceUsed, authoritySigner.Hex(), network, nil)
	}

	tokenAddress := ""
	if !native {
		tokenAddress = inner.Intent.Token
	}
	balance, err := m.fabric.GetBalance(ctx, string(network), authoritySigner.Hex(), tokenAddress)
	if err != nil {
		return common.Address{}, nil, err
	}
	if balance.Cmp(intentAmount) < 0 {
		return common.Address{}, nil, facilitator.NewVerifyError(facilitator.ReasonInsufficientBalance, authoritySigner.Hex(), network, nil)
	}

	return authoritySigner, inner, nil
}

// toSetCodeAuthorization converts the wire-level authorization tuple into
// go-ethereum's SetCodeAuthorization, whose Authority() method recovers the
// signing EOA per EIP-7702's own signature scheme.
func toSetCodeAuthorization(a evm.Eip7702Authorization) (types.SetCodeAuthorization, error) {
	chainID, ok := new(big.Int).SetString(a.ChainID, 10)
	if !ok {
		return types.SetCodeAuthorization{}, fmt.Errorf("invalid authorization chainId: %s", a.ChainID)
	}
	authNonce, err := strconv.ParseUint(a.Nonce, 10, 64)
	if err != nil {
		return types.SetCodeAuthorization{}, fmt.Errorf("invalid authorization nonce: %w", err)
	}
	yParity, err := strconv.ParseUint(a.YParity, 10, 8)
	if err != nil {
		return types.SetCodeAuthorization{}, fmt.Errorf("invalid authorization yParity: %w", err)
	}
	rBytes, err := evm.HexToBytes(a.R)
	if err != nil {
		return types.SetCodeAuthorization{}, fmt.Errorf("invalid authorization r: %w", err)
	}
	sBytes, err := evm.HexToBytes(a.S)
	if err != nil {
		return types.SetCodeAuthorization{}, fmt.Errorf("invalid authorization s: %w", err)
	}

	chainIDU, overflow := uint256.FromBig(chainID)
	if overflow {
		return types.SetCodeAuthorization{}, fmt.Errorf("authorization chainId overflows uint256")
	}

	return types.SetCodeAuthorization{
		ChainID: *chainIDU,
		Address: common.HexToAddress(a.ContractAddress),
		Nonce:   authNonce,
		V:       uint8(yParity),
		R:       *new(uint256.Int).SetBytes(rBytes),
		S:       *new(uint256.Int).SetBytes(sBytes),
	}, nil
}

// buildTransferCalldata packs the delegate's transfer or transferEth call
// for the verified intent, returning the calldata alongside the ABI it was
// packed against (needed again by WriteContract's own Pack call).
func (m *Mechanism) buildTransferCalldata(p *evm.Eip7702Payload) ([]byte, []byte, error) {
	sig, err := evm.HexToBytes(p.Signature)
	if err != nil {
		return nil, nil, err
	}
	abiJSON := evm.DelegateTransferABI
	if p.IsNative() {
		abiJSON = evm.DelegateTransferEthABI
	}
	data, err := m.fabric.Pack(abiJSON, transferMethod(p), transferArgsRaw(p, sig)...)
	return data, abiJSON, err
}

func transferMethod(p *evm.Eip7702Payload) string {
	if p.IsNative() {
		return evm.FunctionTransferEth
	}
	return evm.FunctionTransfer
}

func transferArgs(p *evm.Eip7702Payload) []interface{} {
	sig, _ := evm.HexToBytes(p.Signature)
	return transferArgsRaw(p, sig)
}

func transferArgsRaw(p *evm.Eip7702Payload, sig []byte) []interface{} {
	amount, _ := new(big.Int).SetString(p.Intent.Amount, 10)
	intentNonce, _ := new(big.Int).SetString(p.Intent.Nonce, 10)
	deadline, _ := new(big.Int).SetString(p.Intent.Deadline, 10)

	if p.IsNative() {
		intent := struct {
			Amount   *big.Int
			To       common.Address
			Nonce    *big.Int
			Deadline *big.Int
		}{amount, common.HexToAddress(p.Intent.To), intentNonce, deadline}
		return []interface{}{intent, sig}
	}

	intent := struct {
		Token    common.Address
		Amount   *big.Int
		To       common.Address
		Nonce    *big.Int
		Deadline *big.Int
	}{common.HexToAddress(p.Intent.Token), amount, common.HexToAddress(p.Intent.To), intentNonce, deadline}
	return []interface{}{intent, sig}
}
