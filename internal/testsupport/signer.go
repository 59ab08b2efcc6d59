// Package testsupport provides a buyer-side EIP-712 signer used only by
// this module's own tests to construct validly-signed payment payloads.
// The production facilitator never signs on the buyer's behalf; this
// exists purely so mechanism tests can exercise real signature recovery
// without a live wallet.
package testsupport

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/x402rail/facilitator/mechanisms/evm"
)

// Signer signs EIP-712 typed data with a single ECDSA key, mirroring a
// buyer wallet.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    string
}

// NewSigner builds a Signer from a hex-encoded private key (with or
// without a 0x prefix).
func NewSigner(privateKeyHex string) (*Signer, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Signer{
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
	}, nil
}

// Address returns the signer's Ethereum address.
func (s *Signer) Address() string {
	return s.address
}

// SignDigest signs a pre-computed EIP-712 digest, returning a 65-byte
// (r,s,v) signature with v normalized to {27,28}.
func (s *Signer) SignDigest(digest []byte) ([]byte, error) {
	sig, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// SignTypedData hashes and signs an arbitrary typed-data message via
// evm.HashTypedData, for tests that do not need a mechanism-specific
// hashing helper.
func (s *Signer) SignTypedData(domain evm.TypedDataDomain, types map[string][]evm.TypedDataField, primaryType string, message map[string]interface{}) ([]byte, error) {
	digest, err := evm.HashTypedData(domain, types, primaryType, message)
	if err != nil {
		return nil, err
	}
	return s.SignDigest(digest)
}
