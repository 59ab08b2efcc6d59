package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
)

func uint256FromBig(v *big.Int) *uint256.Int {
	u, _ := uint256.FromBig(v)
	return u
}

// TransactionReceipt is the subset of a receipt the mechanisms need to
// classify a settlement as success, revert, or not-yet-mined.
type TransactionReceipt struct {
	Status      uint64
	BlockNumber uint64
	TxHash      string
}

// chainHandle bundles the dialed client with the submitter mutex that
// serializes relayer account-nonce assignment on that chain.
type chainHandle struct {
	client      *ethclient.Client
	submitterMu sync.Mutex
}

// ChainFabric dials and caches one *ethclient.Client per CAIP-2 eip155
// network, and holds the single relayer key used to submit settlements on
// every configured chain. It is the facilitator's only point of contact
// with the network.
type ChainFabric struct {
	relayerKey     *ecdsa.PrivateKey
	relayerAddress common.Address

	mu     sync.RWMutex
	chains map[string]*chainHandle // keyed by CAIP-2 network string

	receiptTimeout time.Duration
}

// NewChainFabric builds a fabric around a single relayer key with no chains
// attached. Each CAIP-2 network (e.g. "eip155:8453") is added by Dial; a
// network that was never dialed is not dialed on first use, its calls
// return a "no RPC configured" error instead.
func NewChainFabric(relayerPrivateKeyHex string, receiptTimeout time.Duration) (*ChainFabric, error) {
	relayerPrivateKeyHex = strings.TrimPrefix(relayerPrivateKeyHex, "0x")
	key, err := crypto.HexToECDSA(relayerPrivateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid relayer private key: %w", err)
	}
	return &ChainFabric{
		relayerKey:     key,
		relayerAddress: crypto.PubkeyToAddress(key.PublicKey),
		chains:         make(map[string]*chainHandle),
		receiptTimeout: receiptTimeout,
	}, nil
}

// RelayerAddress returns the facilitator's on-chain address, identical
// across every eip155 chain since it derives from the one relayer key.
func (f *ChainFabric) RelayerAddress() common.Address {
	return f.relayerAddress
}

// Dial registers the RPC endpoint for a network ahead of time, so startup
// fails fast on a bad RPC URL rather than on the first request.
func (f *ChainFabric) Dial(network, rpcURL string) error {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return fmt.Errorf("dial %s: %w", network, err)
	}
	f.mu.Lock()
	f.chains[network] = &chainHandle{client: client}
	f.mu.Unlock()
	return nil
}

func (f *ChainFabric) handle(network string) (*chainHandle, error) {
	f.mu.RLock()
	h, ok := f.chains[network]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no RPC configured for network %s", network)
	}
	return h, nil
}

// ChainID returns the chain's numeric ID, used to build EIP-712 domains and
// EIP-7702/EIP-155 signers.
func (f *ChainFabric) ChainID(ctx context.Context, network string) (*big.Int, error) {
	h, err := f.handle(network)
	if err != nil {
		return nil, err
	}
	return h.client.ChainID(ctx)
}

// GetCode returns the runtime code at address, used to tell an
// already-delegated EOA (non-empty code, EIP-7702 0xef0100 prefix) from an
// undeployed one.
func (f *ChainFabric) GetCode(ctx context.Context, network, address string) ([]byte, error) {
	h, err := f.handle(network)
	if err != nil {
		return nil, err
	}
	return h.client.CodeAt(ctx, common.HexToAddress(address), nil)
}

// GetBalance returns the native or ERC-20 balance of address. An empty or
// zero tokenAddress means native balance.
func (f *ChainFabric) GetBalance(ctx context.Context, network, address, tokenAddress string) (*big.Int, error) {
	h, err := f.handle(network)
	if err != nil {
		return nil, err
	}
	if tokenAddress == "" || common.HexToAddress(tokenAddress) == (common.Address{}) {
		return h.client.BalanceAt(ctx, common.HexToAddress(address), nil)
	}
	result, err := f.ReadContract(ctx, network, tokenAddress, ERC20BalanceOfABI, FunctionBalanceOf, common.HexToAddress(address))
	if err != nil {
		return nil, err
	}
	balance, ok := result.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf return type %T", result)
	}
	return balance, nil
}

// ReadContract packs method(args...) against abiJSON, calls it against
// contractAddress, and unpacks the first return value. Empty results for
// authorizationState/balanceOf/allowance are treated as their zero value
// rather than an error, matching common RPC behavior against light nodes.
func (f *ChainFabric) ReadContract(ctx context.Context, network, contractAddress string, abiJSON []byte, method string, args ...interface{}) (interface{}, error) {
	h, err := f.handle(network)
	if err != nil {
		return nil, err
	}
	contractABI, err := abi.JSON(strings.NewReader(string(abiJSON)))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	to := common.HexToAddress(contractAddress)
	result, err := h.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	if len(result) == 0 {
		switch method {
		case FunctionAuthorizationState:
			return false, nil
		case FunctionBalanceOf, FunctionAllowance:
			return big.NewInt(0), nil
		}
		return nil, fmt.Errorf("empty result calling %s", method)
	}

	methodObj, ok := contractABI.Methods[method]
	if !ok {
		return nil, fmt.Errorf("method %s not in abi", method)
	}
	outputs, err := methodObj.Outputs.Unpack(result)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(outputs) == 0 {
		return nil, nil
	}
	return outputs[0], nil
}

// Pack ABI-encodes method(args...) without sending anything, for calls that
// need the raw calldata ahead of a simulate-then-send sequence (the EIP-7702
// transfer/transferEth entrypoints).
func (f *ChainFabric) Pack(abiJSON []byte, method string, args ...interface{}) ([]byte, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiJSON)))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	return contractABI.Pack(method, args...)
}

// Simulate performs a read-only eth_call of already-packed calldata against
// to, returning the revert error if any. Used to pre-flight a standard
// transaction before broadcasting it: a payer address that already carries
// delegate code cannot be targeted by a Type-4 transaction's
// authorization_list, so the facilitator simulates instead.
func (f *ChainFabric) Simulate(ctx context.Context, network, to string, data []byte) error {
	h, err := f.handle(network)
	if err != nil {
		return err
	}
	toAddr := common.HexToAddress(to)
	_, err = h.client.CallContract(ctx, ethereum.CallMsg{From: f.relayerAddress, To: &toAddr, Data: data}, nil)
	return err
}

// WriteContract packs and submits method(args...) as an EIP-1559 dynamic-fee
// transaction signed by the relayer key, under the chain's submitter mutex
// so concurrent settlements on the same chain never race on account nonce.
func (f *ChainFabric) WriteContract(ctx context.Context, network, contractAddress string, abiJSON []byte, method string, args ...interface{}) (string, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiJSON)))
	if err != nil {
		return "", fmt.Errorf("parse abi: %w", err)
	}
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return "", fmt.Errorf("pack %s: %w", method, err)
	}
	return f.sendRawTx(ctx, network, contractAddress, big.NewInt(0), data)
}

// sendRawTx assigns the next relayer nonce, signs, and broadcasts a plain
// EIP-1559 transaction, holding the chain's submitter mutex only long
// enough to read PendingNonceAt and broadcast: the nonce must be consumed
// before the lock is released, or two concurrent sends could collide.
func (f *ChainFabric) sendRawTx(ctx context.Context, network, to string, value *big.Int, data []byte) (string, error) {
	h, err := f.handle(network)
	if err != nil {
		return "", err
	}

	h.submitterMu.Lock()
	defer h.submitterMu.Unlock()

	chainID, err := h.client.ChainID(ctx)
	if err != nil {
		return "", fmt.Errorf("chain id: %w", err)
	}
	nonce, err := h.client.PendingNonceAt(ctx, f.relayerAddress)
	if err != nil {
		return "", fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := h.client.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest tip cap: %w", err)
	}
	head, err := h.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("header by number: %w", err)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)

	toAddr := common.HexToAddress(to)
	gasLimit, err := h.client.EstimateGas(ctx, ethereum.CallMsg{
		From: f.relayerAddress, To: &toAddr, Value: value, Data: data,
	})
	if err != nil {
		gasLimit = 300000
	}

	txData := &types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &toAddr,
		Value:     value,
		Data:      data,
	}
	signedTx, err := types.SignNewTx(f.relayerKey, types.LatestSignerForChainID(chainID), txData)
	if err != nil {
		return "", fmt.Errorf("sign tx: %w", err)
	}
	if err := h.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("send tx: %w", err)
	}
	return signedTx.Hash().Hex(), nil
}

// SendSetCodeTx submits a Type-4 EIP-7702 transaction on behalf of the
// relayer, adopting delegateAddress as the authority's code for the
// duration of the transaction, then executing callData against the
// authority's own address (the entrypoint into the newly-adopted delegate
// code). authorization must already carry a valid signature from the
// authority EOA.
func (f *ChainFabric) SendSetCodeTx(ctx context.Context, network string, authorization types.SetCodeAuthorization, authorityAddress common.Address, callData []byte) (string, error) {
	h, err := f.handle(network)
	if err != nil {
		return "", err
	}

	h.submitterMu.Lock()
	defer h.submitterMu.Unlock()

	chainID, err := h.client.ChainID(ctx)
	if err != nil {
		return "", fmt.Errorf("chain id: %w", err)
	}
	nonce, err := h.client.PendingNonceAt(ctx, f.relayerAddress)
	if err != nil {
		return "", fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := h.client.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest tip cap: %w", err)
	}
	head, err := h.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("header by number: %w", err)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)

	gasLimit, err := h.client.EstimateGas(ctx, ethereum.CallMsg{
		From: f.relayerAddress, To: &authorityAddress, Data: callData,
	})
	if err != nil {
		gasLimit = 500000
	}

	txData := &types.SetCodeTx{
		ChainID:   uint256FromBig(chainID),
		Nonce:     nonce,
		GasTipCap: uint256FromBig(tip),
		GasFeeCap: uint256FromBig(feeCap),
		Gas:       gasLimit,
		To:        authorityAddress,
		Data:      callData,
		AuthList:  []types.SetCodeAuthorization{authorization},
	}
	signedTx, err := types.SignNewTx(f.relayerKey, types.LatestSignerForChainID(chainID), txData)
	if err != nil {
		return "", fmt.Errorf("sign setcode tx: %w", err)
	}
	if err := h.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("send setcode tx: %w", err)
	}
	return signedTx.Hash().Hex(), nil
}

// WaitForReceipt polls for a transaction receipt until it appears or the
// fabric's configured receipt timeout elapses.
func (f *ChainFabric) WaitForReceipt(ctx context.Context, network, txHash string) (*TransactionReceipt, error) {
	h, err := f.handle(network)
	if err != nil {
		return nil, err
	}
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, f.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		receipt, err := h.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return &TransactionReceipt{
				Status:      receipt.Status,
				BlockNumber: receipt.BlockNumber.Uint64(),
				TxHash:      receipt.TxHash.Hex(),
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("receipt not found for %s within timeout: %w", txHash, ctx.Err())
		case <-ticker.C:
		}
	}
}
