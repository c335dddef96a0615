package client

import (
	"context"
	"fmt"
	"math/big"
	"time"

	x402 "github.com/x402-io/x402/go"
	"github.com/x402-io/x402/go/mechanisms/evm"
)

// ExactEvmScheme implements SchemeNetworkClient for the exact payment
// scheme on EVM chains, dispatching between EIP-3009
// transferWithAuthorization and Permit2 PermitWitnessTransferFrom by the
// requirements' asset transfer method.
type ExactEvmScheme struct {
	signer evm.ClientEvmSigner
}

// NewExactEvmScheme creates an ExactEvmScheme.
func NewExactEvmScheme(signer evm.ClientEvmSigner) *ExactEvmScheme {
	return &ExactEvmScheme{signer: signer}
}

// defaultMaxTimeout bounds the authorization validity window when
// requirements carry no MaxTimeoutSeconds.
const defaultMaxTimeout = time.Hour

// maxTimeoutWindow converts requirements.MaxTimeoutSeconds into the
// duration used to build an authorization's validity window, per
// spec.md's now+maxTimeout construction rule.
func maxTimeoutWindow(maxTimeoutSeconds int) time.Duration {
	if maxTimeoutSeconds <= 0 {
		return defaultMaxTimeout
	}
	return time.Duration(maxTimeoutSeconds) * time.Second
}

func (c *ExactEvmScheme) Scheme() string {
	return evm.SchemeExact
}

func (c *ExactEvmScheme) CreatePaymentPayload(
	ctx context.Context,
	requirements x402.PaymentRequirements,
) (map[string]interface{}, error) {
	networkStr := string(requirements.Network)
	if !evm.IsValidNetwork(networkStr) {
		return nil, fmt.Errorf("unsupported network: %s", requirements.Network)
	}

	if requirements.AssetTransferMethod() == "permit2" {
		return c.createPermit2Payload(ctx, requirements)
	}
	return c.createEIP3009Payload(ctx, requirements)
}

func (c *ExactEvmScheme) createEIP3009Payload(
	ctx context.Context,
	requirements x402.PaymentRequirements,
) (map[string]interface{}, error) {
	networkStr := string(requirements.Network)

	config, err := evm.GetNetworkConfig(networkStr)
	if err != nil {
		return nil, err
	}
	assetInfo, err := evm.GetAssetInfo(networkStr, requirements.Asset)
	if err != nil {
		return nil, err
	}

	value, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", requirements.Amount)
	}

	nonce, err := evm.CreateNonce()
	if err != nil {
		return nil, err
	}
	validAfter, validBefore := evm.CreateValidityWindow(maxTimeoutWindow(requirements.MaxTimeoutSeconds))

	tokenName := assetInfo.Name
	tokenVersion := assetInfo.Version
	if requirements.Extra != nil {
		if name, ok := requirements.Extra["name"].(string); ok {
			tokenName = name
		}
		if ver, ok := requirements.Extra["version"].(string); ok {
			tokenVersion = ver
		}
	}

	authorization := evm.ExactEIP3009Authorization{
		From:        c.signer.Address(),
		To:          requirements.PayTo,
		Value:       value.String(),
		ValidAfter:  validAfter.String(),
		ValidBefore: validBefore.String(),
		Nonce:       nonce,
	}

	signature, err := c.signAuthorization(ctx, authorization, config.ChainID, assetInfo.Address, tokenName, tokenVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to sign authorization: %w", err)
	}

	evmPayload := &evm.ExactEIP3009Payload{
		Signature:     evm.BytesToHex(signature),
		Authorization: authorization,
	}
	return evmPayload.ToMap(), nil
}

func (c *ExactEvmScheme) signAuthorization(
	ctx context.Context,
	authorization evm.ExactEIP3009Authorization,
	chainID *big.Int,
	verifyingContract, tokenName, tokenVersion string,
) ([]byte, error) {
	domain := evm.TypedDataDomain{
		Name:              tokenName,
		Version:           tokenVersion,
		ChainID:           chainID,
		VerifyingContract: verifyingContract,
	}

	types := map[string][]evm.TypedDataField{
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
	}

	value, _ := new(big.Int).SetString(authorization.Value, 10)
	validAfter, _ := new(big.Int).SetString(authorization.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(authorization.ValidBefore, 10)
	nonceBytes, _ := evm.HexToBytes(authorization.Nonce)

	message := map[string]interface{}{
		"from":        authorization.From,
		"to":          authorization.To,
		"value":       value,
		"validAfter":  validAfter,
		"validBefore": validBefore,
		"nonce":       nonceBytes,
	}

	return c.signer.SignTypedData(ctx, domain, types, "TransferWithAuthorization", message)
}
