// Package evm holds the EVM-specific machinery shared by the EIP-7702 and
// Exact mechanisms: the chain client fabric, EIP-712 hashing, ABI plumbing,
// and the wire-level structs for each mechanism's inner payload shape.
package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// TypedDataDomain is an EIP-712 domain separator.
type TypedDataDomain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract string
}

// TypedDataField is one field of an EIP-712 type definition.
type TypedDataField struct {
	Name string
	Type string
}

// --- EIP-7702 inner payload -------------------------------------------------

// Eip7702Authorization is the buyer-signed Type-4 authorization tuple.
type Eip7702Authorization struct {
	ContractAddress string
	ChainID         string
	Nonce           string
	R               string
	S               string
	YParity         string
}

// Eip7702Intent is the buyer-signed transfer intent, ERC-20 or native.
type Eip7702Intent struct {
	Token    string // empty for native transfers
	Amount   string
	To       string
	Nonce    string
	Deadline string
}

// Eip7702Payload is the full inner payload of an eip7702-scheme payment.
type Eip7702Payload struct {
	Authorization Eip7702Authorization
	Intent        Eip7702Intent
	Signature     string
}

// Eip7702PayloadFromMap parses the generic inner-payload map into a typed
// Eip7702Payload. Missing required fields produce an error classified by
// the caller as InvalidPayload.
func Eip7702PayloadFromMap(data map[string]interface{}) (*Eip7702Payload, error) {
	authRaw, ok := data["authorization"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing authorization field")
	}
	intentRaw, ok := data["intent"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing intent field")
	}
	sig, _ := data["signature"].(string)

	p := &Eip7702Payload{Signature: sig}
	p.Authorization.ContractAddress = stringField(authRaw, "contractAddress")
	p.Authorization.ChainID = stringField(authRaw, "chainId")
	p.Authorization.Nonce = stringField(authRaw, "nonce")
	p.Authorization.R = stringField(authRaw, "r")
	p.Authorization.S = stringField(authRaw, "s")
	p.Authorization.YParity = stringField(authRaw, "yParity")

	p.Intent.Token = stringField(intentRaw, "token")
	p.Intent.Amount = stringField(intentRaw, "amount")
	p.Intent.To = stringField(intentRaw, "to")
	p.Intent.Nonce = stringField(intentRaw, "nonce")
	p.Intent.Deadline = stringField(intentRaw, "deadline")

	if p.Authorization.ContractAddress == "" || p.Authorization.ChainID == "" {
		return nil, fmt.Errorf("authorization missing required fields")
	}
	if p.Intent.Amount == "" || p.Intent.To == "" || p.Intent.Deadline == "" {
		return nil, fmt.Errorf("intent missing required fields")
	}
	if p.Signature == "" {
		return nil, fmt.Errorf("missing signature")
	}
	return p, nil
}

// IsNative reports whether the intent describes a native-value transfer
// (no token address carried).
func (p *Eip7702Payload) IsNative() bool {
	return p.Intent.Token == "" || common.HexToAddress(p.Intent.Token) == (common.Address{})
}

// --- Exact / EIP-3009 inner payload -----------------------------------------

// Eip3009Authorization is the buyer-signed transferWithAuthorization struct.
type Eip3009Authorization struct {
	From        string
	To          string
	Value       string
	ValidAfter  string
	ValidBefore string
	Nonce       string
}

// Eip3009Payload is the full inner payload of an exact-scheme, EIP-3009-shaped payment.
type Eip3009Payload struct {
	Signature     string
	Authorization Eip3009Authorization
}

// Eip3009PayloadFromMap parses the generic inner-payload map.
func Eip3009PayloadFromMap(data map[string]interface{}) (*Eip3009Payload, error) {
	authRaw, ok := data["authorization"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing authorization field")
	}
	sig, _ := data["signature"].(string)
	if sig == "" {
		return nil, fmt.Errorf("missing signature")
	}

	p := &Eip3009Payload{Signature: sig}
	p.Authorization.From = stringField(authRaw, "from")
	p.Authorization.To = stringField(authRaw, "to")
	p.Authorization.Value = stringField(authRaw, "value")
	p.Authorization.ValidAfter = stringField(authRaw, "validAfter")
	p.Authorization.ValidBefore = stringField(authRaw, "validBefore")
	p.Authorization.Nonce = stringField(authRaw, "nonce")

	if p.Authorization.From == "" || p.Authorization.To == "" || p.Authorization.Value == "" || p.Authorization.Nonce == "" {
		return nil, fmt.Errorf("authorization missing required fields")
	}
	return p, nil
}

// --- Exact / Permit2 inner payload ------------------------------------------

// Permit2TokenPermissions is the permitted token+amount pair.
type Permit2TokenPermissions struct {
	Token  string
	Amount string
}

// Permit2Witness is the x402-specific witness struct carried alongside the
// canonical Permit2 permit.
type Permit2Witness struct {
	To         string
	ValidAfter string
	Extra      string
}

// Permit2Authorization is the buyer-signed PermitWitnessTransferFrom struct.
type Permit2Authorization struct {
	From      string
	Permitted Permit2TokenPermissions
	Spender   string
	Nonce     string
	Deadline  string
	Witness   Permit2Witness
}

// Permit2Payload is the full inner payload of an exact-scheme, Permit2-shaped payment.
type Permit2Payload struct {
	Signature            string
	Permit2Authorization Permit2Authorization
}

// Permit2PayloadFromMap parses the generic inner-payload map.
func Permit2PayloadFromMap(data map[string]interface{}) (*Permit2Payload, error) {
	authRaw, ok := data["permit2Authorization"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing permit2Authorization field")
	}
	sig, _ := data["signature"].(string)
	if sig == "" {
		return nil, fmt.Errorf("missing signature")
	}

	p := &Permit2Payload{Signature: sig}
	p.Permit2Authorization.From = stringField(authRaw, "from")
	p.Permit2Authorization.Spender = stringField(authRaw, "spender")
	p.Permit2Authorization.Nonce = stringField(authRaw, "nonce")
	p.Permit2Authorization.Deadline = stringField(authRaw, "deadline")

	permittedRaw, ok := authRaw["permitted"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing permit2Authorization.permitted field")
	}
	p.Permit2Authorization.Permitted.Token = stringField(permittedRaw, "token")
	p.Permit2Authorization.Permitted.Amount = stringField(permittedRaw, "amount")

	witnessRaw, ok := authRaw["witness"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing permit2Authorization.witness field")
	}
	p.Permit2Authorization.Witness.To = stringField(witnessRaw, "to")
	p.Permit2Authorization.Witness.ValidAfter = stringField(witnessRaw, "validAfter")
	p.Permit2Authorization.Witness.Extra = stringField(witnessRaw, "extra")
	if p.Permit2Authorization.Witness.Extra == "" {
		p.Permit2Authorization.Witness.Extra = "0x"
	}

	if p.Permit2Authorization.From == "" || p.Permit2Authorization.Spender == "" ||
		p.Permit2Authorization.Nonce == "" || p.Permit2Authorization.Deadline == "" ||
		p.Permit2Authorization.Permitted.Token == "" || p.Permit2Authorization.Permitted.Amount == "" {
		return nil, fmt.Errorf("permit2Authorization missing required fields")
	}
	return p, nil
}

// IsPermit2Payload reports whether the inner payload map is Permit2-shaped.
func IsPermit2Payload(data map[string]interface{}) bool {
	_, ok := data["permit2Authorization"]
	return ok
}

// IsEip3009Payload reports whether the inner payload map is EIP-3009-shaped.
func IsEip3009Payload(data map[string]interface{}) bool {
	_, ok := data["authorization"]
	return ok
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
