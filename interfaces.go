package x402

import (
	"context"
	"math/big"
)

// MoneyParser converts a display amount in USD (e.g. 0.001 for "$0.001")
// into an AssetAmount for network, using a custom stablecoin/decimals
// table. Registered per service scheme as a fallback before the
// mechanism's own default conversion.
type MoneyParser func(amount float64, network Network) (*AssetAmount, error)

// SchemeNetworkClient builds a PaymentPayload to satisfy one
// PaymentRequirements offer. One implementation per (scheme,
// network-pattern) registered on the client.
type SchemeNetworkClient interface {
	Scheme() string
	CreatePaymentPayload(ctx context.Context, requirements PaymentRequirements) (map[string]interface{}, error)
}

// SchemeNetworkServer resolves a route's configured Price into a concrete
// PaymentRequirements and enriches it with mechanism-specific defaults
// (EIP-712 domain, default assetTransferMethod, etc). One implementation
// per (scheme, network-pattern) registered on the resource server.
type SchemeNetworkServer interface {
	Scheme() string
	ParsePrice(price Price, network Network) (*AssetAmount, error)
	EnhancePaymentRequirements(ctx context.Context, requirements PaymentRequirements, supportedKind *SupportedKind, extensions map[string]interface{}) (PaymentRequirements, error)
}

// SchemeNetworkFacilitator verifies and settles payloads for one (scheme,
// network-pattern). One implementation per mechanism variant registered
// on the facilitator coordinator.
//
// CaipFamily/GetExtra/GetSigners exist only to serve GET /supported: they
// let the coordinator group registered signer addresses by chain family
// without reaching into mechanism internals.
type SchemeNetworkFacilitator interface {
	Scheme() string
	CaipFamily() string
	GetExtra(network Network) map[string]interface{}
	GetSigners(network Network) []string
	Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error)
	Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error)
}

// FacilitatorClient is the resource server's network-boundary view of a
// facilitator: raw bytes in, typed responses out, so the server never
// needs to know whether the facilitator is embedded in-process or a
// remote HTTP service.
type FacilitatorClient interface {
	Verify(ctx context.Context, payloadBytes []byte, requirementsBytes []byte) (*VerifyResponse, error)
	Settle(ctx context.Context, payloadBytes []byte, requirementsBytes []byte) (*SettleResponse, error)
	GetSupported(ctx context.Context) (*SupportedResponse, error)
}

// BalanceChecker reports the client's balance available to satisfy m, in
// the token's smallest units. SelectPaymentMethod must never call this
// for a (scheme, network) pair the client has no registered mechanism
// for.
type BalanceChecker func(ctx context.Context, m PaymentRequirements) (*big.Int, error)

// PaymentRequirementsSelector chooses one of candidates to pay, or nil if
// none is satisfiable. The client's default is SelectPaymentMethod
// (balance-aware, first-hit-wins); see client.go.
type PaymentRequirementsSelector func(ctx context.Context, candidates []PaymentRequirements, bc BalanceChecker) (*PaymentRequirements, error)

// PaymentPolicy reorders or filters candidates before selection runs —
// the client's own preference, analogous to the server's accepts
// ordering being its preference.
type PaymentPolicy func(candidates []PaymentRequirements) []PaymentRequirements
