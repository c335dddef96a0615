// Package x402 implements the protocol core of x402: the three-party
// handshake between an HTTP client, a resource server, and a facilitator
// that verifies and settles on-chain payment authorizations in exchange
// for releasing a response that would otherwise be gated behind HTTP 402.
//
// The protocol is fixed at x402Version 2 throughout this module; there is
// no legacy v1 wire format and no version-negotiation step.
package x402

import (
	"fmt"
	"strings"
)

// ProtocolVersion is the only x402Version this module speaks.
const ProtocolVersion = 2

// Network is a CAIP-2 identifier: "<family>:<id>", e.g. "eip155:84532".
// A family wildcard "eip155:*" matches any concrete network of that
// family during mechanism registration and lookup.
type Network string

// Family returns the CAIP-2 namespace ("eip155" for "eip155:84532").
func (n Network) Family() string {
	if idx := strings.IndexByte(string(n), ':'); idx >= 0 {
		return string(n)[:idx]
	}
	return string(n)
}

// IsWildcard reports whether n is a family wildcard ("eip155:*").
func (n Network) IsWildcard() bool {
	return strings.HasSuffix(string(n), ":*")
}

// Match reports whether n matches pattern, where pattern may be a concrete
// network (exact string match) or a family wildcard.
func (n Network) Match(pattern Network) bool {
	if pattern.IsWildcard() {
		return n.Family() == pattern.Family()
	}
	return n == pattern
}

// ParseNetwork validates s is a well-formed CAIP-2 identifier.
func ParseNetwork(s string) (Network, error) {
	if s == "" {
		return "", fmt.Errorf("network identifier is empty")
	}
	idx := strings.IndexByte(s, ':')
	if idx <= 0 || idx == len(s)-1 {
		return "", fmt.Errorf("network identifier %q is not in <family>:<id> form", s)
	}
	return Network(s), nil
}

// AssetAmount is an explicit price: amount already expressed in the
// token's smallest units.
type AssetAmount struct {
	Asset  string                 `json:"asset"`
	Amount string                 `json:"amount"`
	Extra  map[string]interface{} `json:"extra,omitempty"`
}

// Price is either a display string ("$0.001") or an explicit AssetAmount.
type Price interface{}

// ResourceInfo is metadata about the protected resource, echoed in
// PaymentRequired for clients/indexers.
type ResourceInfo struct {
	URL         string `json:"url,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PaymentRequirements is a single server-offered way to pay, immutable
// once emitted within a PaymentRequired response.
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           Network                `json:"network"`
	Asset             string                 `json:"asset"`
	Amount            string                 `json:"amount"`
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// Validate implements codec.Validatable.
func (r PaymentRequirements) Validate() error {
	if r.Scheme == "" {
		return fmt.Errorf("scheme is required")
	}
	if r.Network == "" {
		return fmt.Errorf("network is required")
	}
	if r.Asset == "" {
		return fmt.Errorf("asset is required")
	}
	if r.Amount == "" {
		return fmt.Errorf("amount is required")
	}
	if r.PayTo == "" {
		return fmt.Errorf("payTo is required")
	}
	return nil
}

// AssetTransferMethod reads extra.assetTransferMethod, defaulting to
// "eip3009" per spec.
func (r PaymentRequirements) AssetTransferMethod() string {
	if r.Extra != nil {
		if m, ok := r.Extra["assetTransferMethod"].(string); ok && m != "" {
			return m
		}
	}
	return "eip3009"
}

// Equal reports whether two requirements are the same offer, by the
// five fields the server re-validates incoming payloads against:
// (scheme, network, asset, payTo, amount).
func (r PaymentRequirements) Equal(o PaymentRequirements) bool {
	return r.Scheme == o.Scheme &&
		r.Network == o.Network &&
		strings.EqualFold(r.Asset, o.Asset) &&
		strings.EqualFold(r.PayTo, o.PayTo) &&
		r.Amount == o.Amount
}

// PaymentRequired is the body carried (base64url canonical JSON) in the
// PAYMENT-REQUIRED header of a 402 response.
type PaymentRequired struct {
	X402Version int                    `json:"x402Version"`
	Error       string                 `json:"error,omitempty"`
	Resource    *ResourceInfo          `json:"resource,omitempty"`
	Accepts     []PaymentRequirements  `json:"accepts"`
	Extensions  map[string]interface{} `json:"extensions,omitempty"`
}

// Validate implements codec.Validatable.
func (p PaymentRequired) Validate() error {
	if p.X402Version != ProtocolVersion {
		return fmt.Errorf("unsupported x402Version %d", p.X402Version)
	}
	if len(p.Accepts) == 0 {
		return fmt.Errorf("accepts must be non-empty")
	}
	return nil
}

// PaymentPayload is the body carried (base64url canonical JSON) in the
// PAYMENT-SIGNATURE header of a client request.
type PaymentPayload struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     Network                `json:"network"`
	Payload     map[string]interface{} `json:"payload"`
	Accepted    PaymentRequirements    `json:"accepted"`
}

// Validate implements codec.Validatable.
func (p PaymentPayload) Validate() error {
	if p.X402Version != ProtocolVersion {
		return fmt.Errorf("unsupported x402Version %d", p.X402Version)
	}
	if p.Scheme == "" {
		return fmt.Errorf("scheme is required")
	}
	if p.Network == "" {
		return fmt.Errorf("network is required")
	}
	if p.Payload == nil {
		return fmt.Errorf("payload is required")
	}
	return nil
}

// VerifyResponse is the facilitator's answer to /verify.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the facilitator's answer to /settle, also the body
// carried (base64url canonical JSON) in PAYMENT-RESPONSE on success.
type SettleResponse struct {
	Success     bool    `json:"success"`
	ErrorReason string  `json:"errorReason,omitempty"`
	Payer       string  `json:"payer,omitempty"`
	Transaction string  `json:"transaction,omitempty"`
	Network     Network `json:"network,omitempty"`
}

// Validate implements codec.Validatable.
func (s SettleResponse) Validate() error {
	if s.Success && s.ErrorReason != "" {
		return fmt.Errorf("success settlement must not carry an errorReason")
	}
	if !s.Success && s.ErrorReason == "" {
		return fmt.Errorf("failed settlement must carry an errorReason")
	}
	return nil
}

// SupportedKind describes one registered (scheme, network) mechanism.
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     string                 `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse is the body of GET /supported.
type SupportedResponse struct {
	Kinds      []SupportedKind     `json:"kinds"`
	Extensions []string            `json:"extensions,omitempty"`
	Signers    map[string][]string `json:"signers,omitempty"`
}

// ResourceConfig is a single route's payment configuration as given by the
// resource-server operator, before the mechanism registry resolves Price
// into a concrete PaymentRequirements.
type ResourceConfig struct {
	Scheme            string
	PayTo             string
	Price             Price
	Network           Network
	MaxTimeoutSeconds int
	Extra             map[string]interface{}
}
