// Package evm provides the shared EVM building blocks the exact and
// permit2 mechanisms are built on: EIP-712 typed-data domains, EIP-3009
// transferWithAuthorization encoding, ERC-6492 smart-wallet signature
// parsing and universal (EOA/EIP-1271/ERC-6492) signature verification,
// and a static network/asset configuration table.
package evm

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// SchemeExact is the scheme identifier for the EIP-3009/Permit2 exact
// payment mechanism.
const SchemeExact = "exact"

// TxStatusSuccess is the receipt status go-ethereum reports for a
// transaction that executed without reverting.
const TxStatusSuccess uint64 = 1

const (
	ErrUndeployedSmartWallet       = "invalid_exact_evm_payload_undeployed_smart_wallet"
	ErrSmartWalletDeploymentFailed = "smart_wallet_deployment_failed"
)

const (
	FunctionTransferWithAuthorization = "transferWithAuthorization"
	FunctionAuthorizationState        = "authorizationState"
)

// TransferWithAuthorizationVRSABI is the EIP-3009 overload taking a
// split (v, r, s) signature, used by EOA-signed authorizations.
const TransferWithAuthorizationVRSABI = `[{
	"constant": false,
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
	"type": "function"
}]`

// TransferWithAuthorizationBytesABI is the EIP-3009 overload taking a
// single opaque signature, used for EIP-1271/ERC-6492 smart-wallet
// signatures that do not decompose into (v, r, s).
const TransferWithAuthorizationBytesABI = `[{
	"constant": false,
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
	"type": "function"
}]`

// AuthorizationStateABI is the EIP-3009 read-only nonce-usage check.
const AuthorizationStateABI = `[{
	"constant": true,
	"inputs": [
		{"name": "authorizer", "type": "address"},
		{"name": "nonce", "type": "bytes32"}
	],
	"name": "authorizationState",
	"outputs": [{"name": "", "type": "bool"}],
	"type": "function"
}]`

// TypedDataDomain is the EIP-712 domain separator fields the exact and
// Permit2 mechanisms sign against.
type TypedDataDomain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract string
}

// TypedDataField is one field of an EIP-712 struct type definition.
type TypedDataField struct {
	Name string
	Type string
}

// ClientEvmSigner signs payment authorizations on behalf of the payer.
type ClientEvmSigner interface {
	Address() string
	SignTypedData(ctx context.Context, domain TypedDataDomain, types map[string][]TypedDataField, primaryType string, message map[string]interface{}) ([]byte, error)

	// SignDigest signs a pre-computed EIP-712 digest directly, for
	// mechanisms (like Permit2's witness transfer) that build their
	// final hash themselves rather than handing the signer raw fields.
	SignDigest(ctx context.Context, digest [32]byte) ([]byte, error)
}

// Receipt is the subset of an on-chain transaction receipt the
// facilitator mechanisms need.
type Receipt struct {
	TransactionHash string
	Status          uint64
}

// FacilitatorEvmSigner reads chain state and submits settlement
// transactions on behalf of the facilitator.
type FacilitatorEvmSigner interface {
	GetAddresses() []string
	GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error)
	GetCode(ctx context.Context, address string) ([]byte, error)
	ReadContract(ctx context.Context, contractAddress string, contractABI string, method string, args ...interface{}) (interface{}, error)
	WriteContract(ctx context.Context, contractAddress string, contractABI string, method string, args ...interface{}) (string, error)
	SendTransaction(ctx context.Context, to string, data []byte) (string, error)
	WaitForTransactionReceipt(ctx context.Context, txHash string) (*Receipt, error)
}

// ExactEIP3009Authorization is the signed EIP-3009 transfer
// authorization carried in an exact-scheme PaymentPayload.
type ExactEIP3009Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactEIP3009Payload is the scheme-specific payload of an exact-scheme
// PaymentPayload.
type ExactEIP3009Payload struct {
	Signature     string                    `json:"signature"`
	Authorization ExactEIP3009Authorization `json:"authorization"`
}

// ToMap flattens the payload into the map[string]interface{} shape
// PaymentPayload.Payload carries over the wire.
func (p *ExactEIP3009Payload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"signature": p.Signature,
		"authorization": map[string]interface{}{
			"from":        p.Authorization.From,
			"to":          p.Authorization.To,
			"value":       p.Authorization.Value,
			"validAfter":  p.Authorization.ValidAfter,
			"validBefore": p.Authorization.ValidBefore,
			"nonce":       p.Authorization.Nonce,
		},
	}
}

// PayloadFromMap reverses ToMap, as read off the wire on the
// facilitator side.
func PayloadFromMap(m map[string]interface{}) (*ExactEIP3009Payload, error) {
	signature, _ := m["signature"].(string)

	authMap, ok := m["authorization"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing authorization object")
	}

	str := func(key string) string {
		v, _ := authMap[key].(string)
		return v
	}

	return &ExactEIP3009Payload{
		Signature: signature,
		Authorization: ExactEIP3009Authorization{
			From:        str("from"),
			To:          str("to"),
			Value:       str("value"),
			ValidAfter:  str("validAfter"),
			ValidBefore: str("validBefore"),
			Nonce:       str("nonce"),
		},
	}, nil
}

// CreateNonce generates a random bytes32 nonce, hex-encoded with a "0x"
// prefix, suitable for an EIP-3009 authorization.
func CreateNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return "0x" + hex.EncodeToString(buf), nil
}

// CreateValidityWindow returns (validAfter, validBefore) as Unix
// timestamps bounding an authorization usable immediately and expiring
// after buffer.
func CreateValidityWindow(buffer time.Duration) (*big.Int, *big.Int) {
	now := time.Now()
	validAfter := big.NewInt(0)
	validBefore := big.NewInt(now.Add(buffer).Unix())
	return validAfter, validBefore
}

// HexToBytes decodes a "0x"-prefixed or bare hex string.
func HexToBytes(s string) ([]byte, error) {
	return hexutilDecode(s)
}

func hexutilDecode(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s)%2 != 0 {
		s = "0" + s
	}
	return hex.DecodeString(s)
}

// BytesToHex encodes b as a "0x"-prefixed hex string.
func BytesToHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// IsValidAddress reports whether addr is a well-formed hex Ethereum
// address.
func IsValidAddress(addr string) bool {
	return common.IsHexAddress(addr)
}

// ParseAmount converts a decimal display amount (e.g. "1.50") into the
// token's smallest units given its decimals.
func ParseAmount(decimalAmount string, decimals int) (*big.Int, error) {
	parts := strings.SplitN(decimalAmount, ".", 2)
	whole := parts[0]
	if whole == "" {
		whole = "0"
	}
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if len(frac) > decimals {
		frac = frac[:decimals]
	}
	for len(frac) < decimals {
		frac += "0"
	}

	combined := whole + frac
	combined = strings.TrimLeft(combined, "0")
	if combined == "" {
		combined = "0"
	}

	amount, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal amount: %s", decimalAmount)
	}
	return amount, nil
}

// FormatAmount converts an amount expressed in smallest units back into
// a decimal display string.
func FormatAmount(amount *big.Int, decimals int) string {
	s := amount.String()
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	for len(s) <= decimals {
		s = "0" + s
	}
	whole := s[:len(s)-decimals]
	frac := s[len(s)-decimals:]
	frac = strings.TrimRight(frac, "0")

	out := whole
	if frac != "" {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

// HashEIP3009Authorization computes the EIP-712 digest
// (0x19 0x01 || domainSeparator || structHash) for a
// TransferWithAuthorization struct.
func HashEIP3009Authorization(
	auth ExactEIP3009Authorization,
	chainID *big.Int,
	verifyingContract string,
	tokenName string,
	tokenVersion string,
) ([]byte, error) {
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid value: %s", auth.Value)
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

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              tokenName,
			Version:           tokenVersion,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: verifyingContract,
		},
		Message: map[string]interface{}{
			"from":        auth.From,
			"to":          auth.To,
			"value":       value,
			"validAfter":  validAfter,
			"validBefore": validBefore,
			"nonce":       nonceBytes,
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

// IsValidNetwork reports whether network has an entry in NetworkConfigs.
func IsValidNetwork(network string) bool {
	_, ok := NetworkConfigs[network]
	return ok
}

// GetNetworkConfig returns the static configuration for network.
func GetNetworkConfig(network string) (*NetworkConfig, error) {
	config, ok := NetworkConfigs[network]
	if !ok {
		return nil, fmt.Errorf("unsupported network: %s", network)
	}
	return &config, nil
}

// GetAssetInfo resolves asset (an address or a known symbol) to its
// AssetInfo on network.
func GetAssetInfo(network string, asset string) (*AssetInfo, error) {
	config, err := GetNetworkConfig(network)
	if err != nil {
		return nil, err
	}

	if info, ok := config.SupportedAssets[strings.ToUpper(asset)]; ok {
		return &info, nil
	}
	for _, info := range config.SupportedAssets {
		if strings.EqualFold(info.Address, asset) {
			return &info, nil
		}
	}
	if common.IsHexAddress(asset) {
		return &AssetInfo{Address: asset, Name: "", Version: "2", Decimals: config.DefaultAsset.Decimals}, nil
	}

	return nil, fmt.Errorf("unknown asset %q on network %s", asset, network)
}
