package evm_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402rail/facilitator/internal/testsupport"
	"github.com/x402rail/facilitator/mechanisms/evm"
)

func TestHashEip7702Intent_RoundTripsThroughRecoverSigner(t *testing.T) {
	signer, err := testsupport.NewSigner("59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d")
	require.NoError(t, err)

	intent := evm.Eip7702Intent{
		Token:    "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Amount:   "1000000",
		To:       "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		Nonce:    "1",
		Deadline: "2000000000",
	}
	chainID := big.NewInt(8453)

	digest, err := evm.HashEip7702Intent(intent, chainID, signer.Address(), false)
	require.NoError(t, err)

	sig, err := signer.SignDigest(digest)
	require.NoError(t, err)

	recovered, err := evm.RecoverSigner(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), recovered.Hex())
}

func TestHashEip7702Intent_NativeVsErc20DigestsDiffer(t *testing.T) {
	intent := evm.Eip7702Intent{Amount: "1", To: "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", Nonce: "1", Deadline: "100"}
	chainID := big.NewInt(1)

	nativeDigest, err := evm.HashEip7702Intent(intent, chainID, "0x1111111111111111111111111111111111111111", true)
	require.NoError(t, err)

	intent.Token = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	erc20Digest, err := evm.HashEip7702Intent(intent, chainID, "0x1111111111111111111111111111111111111111", false)
	require.NoError(t, err)

	assert.NotEqual(t, nativeDigest, erc20Digest)
}

func TestHashEip3009Authorization_RoundTrips(t *testing.T) {
	signer, err := testsupport.NewSigner("59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d")
	require.NoError(t, err)

	auth := evm.Eip3009Authorization{
		From:        signer.Address(),
		To:          "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		Value:       "1000000",
		ValidAfter:  "0",
		ValidBefore: "2000000000",
		Nonce:       "0x0000000000000000000000000000000000000000000000000000000000000001",
	}
	digest, err := evm.HashEip3009Authorization(auth, big.NewInt(8453), "0x036CbD53842c5426634e7929541eC2318f3dCF7e", "USD Coin", "2")
	require.NoError(t, err)

	sig, err := signer.SignDigest(digest)
	require.NoError(t, err)

	recovered, err := evm.RecoverSigner(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), recovered.Hex())
}

func TestHashPermit2Authorization_RoundTrips(t *testing.T) {
	signer, err := testsupport.NewSigner("59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d")
	require.NoError(t, err)

	auth := evm.Permit2Authorization{
		From: signer.Address(),
		Permitted: evm.Permit2TokenPermissions{
			Token:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			Amount: "1000000",
		},
		Spender:  evm.PERMIT2Address,
		Nonce:    "1",
		Deadline: "2000000000",
		Witness: evm.Permit2Witness{
			To:         "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
			ValidAfter: "0",
			Extra:      "0x",
		},
	}
	digest, err := evm.HashPermit2Authorization(auth, big.NewInt(8453))
	require.NoError(t, err)

	sig, err := signer.SignDigest(digest)
	require.NoError(t, err)

	recovered, err := evm.RecoverSigner(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), recovered.Hex())
}

func TestRecoverSigner_RejectsWrongLengthSignature(t *testing.T) {
	_, err := evm.RecoverSigner(make([]byte, 32), make([]byte, 64))
	assert.Error(t, err)
}
