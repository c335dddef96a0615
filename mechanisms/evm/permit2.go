package evm

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Permit2Address is the canonical, chain-independent deployment address
// of Uniswap's Permit2 contract.
const Permit2Address = "0x000000000022D473030F116dDEE9F6B43aC78BA3"

// Permit2WitnessTypeString is the EIP-712 witness type string Permit2's
// SignatureTransfer expects appended after its own TokenPermissions
// struct, binding a signed transfer to this protocol's PaymentOrder. It is
// passed verbatim to the on-chain permitWitnessTransferFrom call so
// Permit2 can reconstruct and check the same digest this package signs.
const Permit2WitnessTypeString = "PaymentOrder witness)PaymentOrder(address token,uint256 amount,address recipient,bytes32 paymentId,uint256 nonce,uint256 deadline)TokenPermissions(address token,uint256 amount)"

var paymentOrderTypeHash = crypto.Keccak256Hash([]byte(
	"PaymentOrder(address token,uint256 amount,address recipient,bytes32 paymentId,uint256 nonce,uint256 deadline)",
))

// HashPaymentOrderWitness computes the witness hash Permit2's
// permitWitnessTransferFrom takes as its "witness" argument: the
// keccak256 of the ABI-encoded PaymentOrder typehash and fields.
func HashPaymentOrderWitness(order PaymentOrder) ([32]byte, error) {
	args := abi.Arguments{
		{Type: mustType("bytes32")},
		{Type: mustType("address")},
		{Type: mustType("uint256")},
		{Type: mustType("address")},
		{Type: mustType("bytes32")},
		{Type: mustType("uint256")},
		{Type: mustType("uint256")},
	}
	packed, err := args.Pack(
		paymentOrderTypeHash,
		common.HexToAddress(order.Token),
		order.Amount,
		common.HexToAddress(order.Recipient),
		order.PaymentID,
		order.Nonce,
		order.Deadline,
	)
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to pack payment order witness: %w", err)
	}
	return crypto.Keccak256Hash(packed), nil
}

// PaymentOrder is the witness struct bound into a Permit2
// PermitWitnessTransferFrom signature, asserting the payer's intended
// recipient and idempotency key alongside Permit2's own token/amount
// permission.
type PaymentOrder struct {
	Token     string
	Amount    *big.Int
	Recipient string
	PaymentID [32]byte
	Nonce     *big.Int
	Deadline  *big.Int
}

// TokenPermissions is the token/amount pair Permit2's
// PermitWitnessTransferFrom signs over.
type TokenPermissions struct {
	Token  string
	Amount *big.Int
}

// HashPermit2WitnessTransfer computes the EIP-712 digest for a Permit2
// PermitWitnessTransferFrom call carrying a PaymentOrder witness.
func HashPermit2WitnessTransfer(
	permitted TokenPermissions,
	spender string,
	nonce *big.Int,
	deadline *big.Int,
	order PaymentOrder,
	chainID *big.Int,
) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TokenPermissions": {
				{Name: "token", Type: "address"},
				{Name: "amount", Type: "uint256"},
			},
			"PermitWitnessTransferFrom": {
				{Name: "permitted", Type: "TokenPermissions"},
				{Name: "spender", Type: "address"},
				{Name: "nonce", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
				{Name: "witness", Type: "PaymentOrder"},
			},
			"PaymentOrder": {
				{Name: "token", Type: "address"},
				{Name: "amount", Type: "uint256"},
				{Name: "recipient", Type: "address"},
				{Name: "paymentId", Type: "bytes32"},
				{Name: "nonce", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
			},
		},
		PrimaryType: "PermitWitnessTransferFrom",
		Domain: apitypes.TypedDataDomain{
			Name:              "Permit2",
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: Permit2Address,
		},
		Message: map[string]interface{}{
			"permitted": map[string]interface{}{
				"token":  permitted.Token,
				"amount": permitted.Amount,
			},
			"spender":  spender,
			"nonce":    nonce,
			"deadline": deadline,
			"witness": map[string]interface{}{
				"token":     order.Token,
				"amount":    order.Amount,
				"recipient": order.Recipient,
				"paymentId": order.PaymentID[:],
				"nonce":     order.Nonce,
				"deadline":  order.Deadline,
			},
		},
	}

	dataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash struct: %w", err)
	}
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	rawData := []byte{0x19, 0x01}
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, dataHash...)
	return crypto.Keccak256(rawData), nil
}

// settlementAddresses caches resolved settlement addresses by chain ID.
var settlementAddresses sync.Map

// SettlementAddress resolves the address the Permit2 mechanism transfers
// funds to on the facilitator's behalf, in order of precedence:
// X402_SETTLEMENT_ADDRESS_<chainId>, X402_SETTLEMENT_ADDRESS, then
// defaultSettlementAddress. Resolved once per chain ID, on first use; an
// empty result is not cached.
func SettlementAddress(chainID *big.Int, defaultSettlementAddress string) string {
	key := chainID.String()
	if v, ok := settlementAddresses.Load(key); ok {
		return v.(string)
	}
	addr := os.Getenv("X402_SETTLEMENT_ADDRESS_" + key)
	if addr == "" {
		addr = os.Getenv("X402_SETTLEMENT_ADDRESS")
	}
	if addr == "" {
		addr = defaultSettlementAddress
	}
	if addr == "" {
		return ""
	}
	v, _ := settlementAddresses.LoadOrStore(key, addr)
	return v.(string)
}

// IsPermit2Address reports whether addr is the canonical Permit2
// deployment, case-insensitively.
func IsPermit2Address(addr string) bool {
	return strings.EqualFold(addr, Permit2Address)
}
