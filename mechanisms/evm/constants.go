package evm

const (
	SchemeEip7702 = "eip7702"
	SchemeExact   = "exact"

	ChainFamilyEip155 = "eip155:*"

	FunctionTransferWithAuthorization = "transferWithAuthorization"
	FunctionAuthorizationState        = "authorizationState"
	FunctionBalanceOf                 = "balanceOf"
	FunctionAllowance                 = "allowance"
	FunctionSettle                    = "settle"
	FunctionTransfer                  = "transfer"
	FunctionTransferEth               = "transferEth"

	TxStatusSuccess uint64 = 1

	// DefaultExpiryGraceSeconds absorbs latency between verify and
	// on-chain execution: a deadline closer than this is already expired.
	DefaultExpiryGraceSeconds = 6

	DefaultReceiptTimeoutSeconds = 30

	// DefaultSettleTimeoutSeconds caps the whole submit-and-confirm phase
	// of a settlement once the nonce is consumed.
	DefaultSettleTimeoutSeconds = 60

	// PERMIT2Address is the canonical Uniswap Permit2 contract address,
	// identical on every EVM chain via CREATE2 deployment.
	PERMIT2Address = "0x000000000022D473030F116dDEE9F6B43aC78BA3"

	// DelegateDomainName/Version are the EIP-7702 intent's EIP-712 domain.
	// The domain's verifyingContract is the recovered authorization signer
	// (the buyer EOA itself), not a fixed address.
	DelegateDomainName    = "Delegate"
	DelegateDomainVersion = "1.0"
)

var (
	// TransferWithAuthorizationVRSABI packs the (v,r,s)-overload used when
	// the buyer signed with a 65-byte EOA signature.
	TransferWithAuthorizationVRSABI = []byte(`[{
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "validAfter", "type": "uint256"},
			{"name": "validBefore", "type": "uint256"},
			{"name": "nonce", "type": "bytes32"},
			{"name": "v", "type": "uint8"},
			{"name": "r", "type": "bytes32"},
			{"name": "s", "type": "bytes32"}
		],
		"name": "transferWithAuthorization",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}]`)

	// TransferWithAuthorizationBytesABI packs the bytes-signature overload
	// used when the signature is not exactly 65 bytes.
	TransferWithAuthorizationBytesABI = []byte(`[{
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "validAfter", "type": "uint256"},
			{"name": "validBefore", "type": "uint256"},
			{"name": "nonce", "type": "bytes32"},
			{"name": "signature", "type": "bytes"}
		],
		"name": "transferWithAuthorization",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}]`)

	AuthorizationStateABI = []byte(`[{
		"inputs": [
			{"name": "authorizer", "type": "address"},
			{"name": "nonce", "type": "bytes32"}
		],
		"name": "authorizationState",
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "view",
		"type": "function"
	}]`)

	ERC20BalanceOfABI = []byte(`[{
		"inputs": [{"name": "account", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}]`)

	ERC20AllowanceABI = []byte(`[{
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "spender", "type": "address"}
		],
		"name": "allowance",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}]`)

	// Permit2SettleABI calls the x402 Permit2 proxy's settle entrypoint.
	Permit2SettleABI = []byte(`[{
		"type": "function",
		"name": "settle",
		"inputs": [
			{"name": "permit", "type": "tuple", "components": [
				{"name": "permitted", "type": "tuple", "components": [
					{"name": "token", "type": "address"},
					{"name": "amount", "type": "uint256"}
				]},
				{"name": "nonce", "type": "uint256"},
				{"name": "deadline", "type": "uint256"}
			]},
			{"name": "owner", "type": "address"},
			{"name": "witness", "type": "tuple", "components": [
				{"name": "to", "type": "address"},
				{"name": "validAfter", "type": "uint256"},
				{"name": "extra", "type": "bytes"}
			]},
			{"name": "signature", "type": "bytes"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	}]`)

	// DelegateTransferABI calls the delegate contract's ERC-20 transfer
	// entrypoint on the payer's address once it has adopted delegate code.
	DelegateTransferABI = []byte(`[{
		"type": "function",
		"name": "transfer",
		"inputs": [
			{"name": "intent", "type": "tuple", "components": [
				{"name": "token", "type": "address"},
				{"name": "amount", "type": "uint256"},
				{"name": "to", "type": "address"},
				{"name": "nonce", "type": "uint256"},
				{"name": "deadline", "type": "uint256"}
			]},
			{"name": "signature", "type": "bytes"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	}]`)

	// DelegateTransferEthABI calls the delegate contract's native-value
	// transfer entrypoint.
	DelegateTransferEthABI = []byte(`[{
		"type": "function",
		"name": "transferEth",
		"inputs": [
			{"name": "intent", "type": "tuple", "components": [
				{"name": "amount", "type": "uint256"},
				{"name": "to", "type": "address"},
				{"name": "nonce", "type": "uint256"},
				{"name": "deadline", "type": "uint256"}
			]},
			{"name": "signature", "type": "bytes"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	}]`)

	// EIP712DomainTypes is the standard domain type set. Permit2's domain
	// omits "version"; callers building that domain must drop the field.
	EIP712DomainTypes = []TypedDataField{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	}

	Permit2DomainTypes = []TypedDataField{
		{Name: "name", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	}

	// Permit2WitnessTypes is the field order Permit2's on-chain contract and
	// the x402 proxy expect; it MUST match exactly.
	Permit2WitnessTypes = map[string][]TypedDataField{
		"PermitWitnessTransferFrom": {
			{Name: "permitted", Type: "TokenPermissions"},
			{Name: "spender", Type: "address"},
			{Name: "nonce", Type: "uint256"},
			{Name: "deadline", Type: "uint256"},
			{Name: "witness", Type: "Witness"},
		},
		"TokenPermissions": {
			{Name: "token", Type: "address"},
			{Name: "amount", Type: "uint256"},
		},
		"Witness": {
			{Name: "to", Type: "address"},
			{Name: "validAfter", Type: "uint256"},
			{Name: "extra", Type: "bytes"},
		},
	}

	// TransferWithAuthorizationTypes is the EIP-3009 intent type set.
	TransferWithAuthorizationTypes = map[string][]TypedDataField{
		"TransferWithAuthorization": {
			{Name: "from", Type: "address"},
			{Name: "to", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "validAfter", Type: "uint256"},
			{Name: "validBefore", Type: "uint256"},
			{Name: "nonce", Type: "bytes32"},
		},
	}

	// Erc20IntentTypes/NativeIntentTypes are the two EIP-7702 intent type
	// sets, selected by whether the requirements' asset is the zero address.
	Erc20IntentTypes = map[string][]TypedDataField{
		"Intent": {
			{Name: "token", Type: "address"},
			{Name: "amount", Type: "uint256"},
			{Name: "to", Type: "address"},
			{Name: "nonce", Type: "uint256"},
			{Name: "deadline", Type: "uint256"},
		},
	}
	NativeIntentTypes = map[string][]TypedDataField{
		"Intent": {
			{Name: "amount", Type: "uint256"},
			{Name: "to", Type: "address"},
			{Name: "nonce", Type: "uint256"},
			{Name: "deadline", Type: "uint256"},
		},
	}
)

// GetPermit2EIP712Types returns the full types map for Permit2 signing.
func GetPermit2EIP712Types() map[string][]TypedDataField {
	return map[string][]TypedDataField{
		"EIP712Domain":              Permit2DomainTypes,
		"PermitWitnessTransferFrom": Permit2WitnessTypes["PermitWitnessTransferFrom"],
		"TokenPermissions":          Permit2WitnessTypes["TokenPermissions"],
		"Witness":                   Permit2WitnessTypes["Witness"],
	}
}
