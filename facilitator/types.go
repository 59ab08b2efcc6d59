// Package facilitator implements the x402 payment facilitator core: the
// mechanism registry, the nonce arbiter, the discovery catalog, and the
// wire-level data model shared by every settlement mechanism.
package facilitator

import (
	"strings"
)

// Network is a CAIP-2 style blockchain network identifier, e.g. "eip155:8453".
type Network string

// Parse splits the network into namespace and reference components.
func (n Network) Parse() (namespace, reference string, ok bool) {
	parts := strings.SplitN(string(n), ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Match reports whether n satisfies pattern, where pattern may end in ":*"
// to match every reference within a namespace.
func (n Network) Match(pattern Network) bool {
	if n == pattern {
		return true
	}
	ps := string(pattern)
	if strings.HasSuffix(ps, ":*") {
		prefix := strings.TrimSuffix(ps, "*")
		return strings.HasPrefix(string(n), prefix)
	}
	return false
}

// ResourceInfo identifies the HTTP resource a payment is paying for.
type ResourceInfo struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PaymentRequirements is the seller-declared payment demand, echoed into
// every verify/settle request.
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           string                 `json:"network"`
	Asset             string                 `json:"asset"`
	Amount            string                 `json:"amount"`
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// PaymentPayload is the buyer-constructed payment intent.
type PaymentPayload struct {
	X402Version int                    `json:"x402Version"`
	Payload     map[string]interface{} `json:"payload"`
	Accepted    PaymentRequirements    `json:"accepted"`
	Resource    *ResourceInfo          `json:"resource,omitempty"`
	Extensions  map[string]interface{} `json:"extensions,omitempty"`
}

// VerifyResponse is the result of a verify call. A mechanism's classified
// rejection comes back as IsValid=false with InvalidReason set; the
// registry's unsupported-network rejection (*VerifyError) and system errors
// come back as an error with no VerifyResponse.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the result of a settle call.
type SettleResponse struct {
	Success     bool    `json:"success"`
	ErrorReason string  `json:"errorReason,omitempty"`
	Payer       string  `json:"payer,omitempty"`
	Transaction string  `json:"transaction"`
	Network     Network `json:"network"`
}

// SupportedKind describes one (x402Version, scheme, network) combination a
// registered mechanism answers for.
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     string                 `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse is the full answer to GET /supported.
type SupportedResponse struct {
	Kinds      []SupportedKind     `json:"kinds"`
	Extensions []string            `json:"extensions"`
	Signers    map[string][]string `json:"signers"`
}

// DiscoveryRecord is one entry in the discovery catalog: the latest known
// payment configuration for a resource, populated only after a successful
// settlement against that resource.
type DiscoveryRecord struct {
	Resource    string                `json:"resource"`
	Type        string                `json:"type"`
	Method      string                `json:"method,omitempty"`
	X402Version int                   `json:"x402Version"`
	Accepts     []PaymentRequirements `json:"accepts"`
	LastUpdated int64                 `json:"lastUpdated"`
	Metadata    interface{}           `json:"metadata,omitempty"`
}
