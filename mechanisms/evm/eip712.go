package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// HashTypedData computes the EIP-712 digest keccak256("\x19\x01" ||
// domainSeparator || structHash) for an arbitrary typed-data message. Every
// mechanism's signature check funnels through this one function so the
// digest construction is exercised identically regardless of scheme.
func HashTypedData(domain TypedDataDomain, types map[string][]TypedDataField, primaryType string, message map[string]interface{}) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       make(apitypes.Types),
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: message,
	}

	for typeName, fields := range types {
		typedFields := make([]apitypes.Type, len(fields))
		for i, f := range fields {
			typedFields[i] = apitypes.Type{Name: f.Name, Type: f.Type}
		}
		typedData.Types[typeName] = typedFields
	}

	if _, exists := typedData.Types["EIP712Domain"]; !exists {
		fields := EIP712DomainTypes
		if domain.Version == "" {
			fields = Permit2DomainTypes
		}
		apiFields := make([]apitypes.Type, len(fields))
		for i, f := range fields {
			apiFields[i] = apitypes.Type{Name: f.Name, Type: f.Type}
		}
		typedData.Types["EIP712Domain"] = apiFields
	}

	dataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("hash struct: %w", err)
	}
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}

	raw := []byte{0x19, 0x01}
	raw = append(raw, domainSeparator...)
	raw = append(raw, dataHash...)
	return crypto.Keccak256(raw), nil
}

// HashEip7702Intent hashes an EIP-7702 transfer intent under the
// {name:"Delegate", version:"1.0", chainId, verifyingContract} domain.
// verifyingContract is the recovered authorization signer, not a fixed
// delegate address: the buyer EOA is its own EIP-712 verifying contract
// once it has adopted delegate code.
func HashEip7702Intent(intent Eip7702Intent, chainID *big.Int, verifyingContract string, native bool) ([]byte, error) {
	amount, ok := new(big.Int).SetString(intent.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid intent amount: %s", intent.Amount)
	}
	nonce, ok := new(big.Int).SetString(intent.Nonce, 10)
	if !ok {
		return nil, fmt.Errorf("invalid intent nonce: %s", intent.Nonce)
	}
	deadline, ok := new(big.Int).SetString(intent.Deadline, 10)
	if !ok {
		return nil, fmt.Errorf("invalid intent deadline: %s", intent.Deadline)
	}

	domain := TypedDataDomain{
		Name:              DelegateDomainName,
		Version:           DelegateDomainVersion,
		ChainID:           chainID,
		VerifyingContract: verifyingContract,
	}

	message := map[string]interface{}{
		"amount":   amount,
		"to":       common.HexToAddress(intent.To).Hex(),
		"nonce":    nonce,
		"deadline": deadline,
	}
	types := NativeIntentTypes
	if !native {
		types = Erc20IntentTypes
		message["token"] = common.HexToAddress(intent.Token).Hex()
	}

	return HashTypedData(domain, types, "Intent", message)
}

// HashEip3009Authorization hashes a TransferWithAuthorization message under
// the token's own EIP-712 domain.
func HashEip3009Authorization(auth Eip3009Authorization, chainID *big.Int, verifyingContract, tokenName, tokenVersion string) ([]byte, error) {
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid authorization value: %s", auth.Value)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validAfter: %s", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validBefore: %s", auth.ValidBefore)
	}
	nonceBytes, err := HexToBytes(auth.Nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce: %w", err)
	}

	domain := TypedDataDomain{
		Name:              tokenName,
		Version:           tokenVersion,
		ChainID:           chainID,
		VerifyingContract: verifyingContract,
	}
	message := map[string]interface{}{
		"from":        common.HexToAddress(auth.From).Hex(),
		"to":          common.HexToAddress(auth.To).Hex(),
		"value":       value,
		"validAfter":  validAfter,
		"validBefore": validBefore,
		"nonce":       nonceBytes,
	}
	return HashTypedData(domain, TransferWithAuthorizationTypes, "TransferWithAuthorization", message)
}

// HashPermit2Authorization hashes a PermitWitnessTransferFrom message under
// the canonical Permit2 domain.
func HashPermit2Authorization(auth Permit2Authorization, chainID *big.Int) ([]byte, error) {
	amount, ok := new(big.Int).SetString(auth.Permitted.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid permitted amount: %s", auth.Permitted.Amount)
	}
	nonce, ok := new(big.Int).SetString(auth.Nonce, 10)
	if !ok {
		return nil, fmt.Errorf("invalid nonce: %s", auth.Nonce)
	}
	deadline, ok := new(big.Int).SetString(auth.Deadline, 10)
	if !ok {
		return nil, fmt.Errorf("invalid deadline: %s", auth.Deadline)
	}
	validAfter, ok := new(big.Int).SetString(auth.Witness.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("invalid witness validAfter: %s", auth.Witness.ValidAfter)
	}
	extraBytes, err := HexToBytes(auth.Witness.Extra)
	if err != nil {
		return nil, fmt.Errorf("invalid witness extra: %w", err)
	}

	domain := TypedDataDomain{
		Name:              "Permit2",
		ChainID:           chainID,
		VerifyingContract: PERMIT2Address,
	}
	message := map[string]interface{}{
		"permitted": map[string]interface{}{
			"token":  common.HexToAddress(auth.Permitted.Token).Hex(),
			"amount": amount,
		},
		"spender":  common.HexToAddress(auth.Spender).Hex(),
		"nonce":    nonce,
		"deadline": deadline,
		"witness": map[string]interface{}{
			"extra":      extraBytes,
			"to":         common.HexToAddress(auth.Witness.To).Hex(),
			"validAfter": validAfter,
		},
	}
	return HashTypedData(domain, GetPermit2EIP712Types(), "PermitWitnessTransferFrom", message)
}

// RecoverSigner recovers the address that produced sig over digest. sig may
// carry v in either {0,1} or {27,28} form; this normalizes to {0,1} before
// calling SigToPub, as go-ethereum requires.
func RecoverSigner(digest, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// HexToBytes decodes a 0x-prefixed hex string. bytes32-shaped nonces are
// passed through untouched; this only strips the prefix and decodes.
func HexToBytes(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("empty hex string")
	}
	return hexutil.Decode(s)
}
