package facilitator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/x402-io/x402/go"
	"github.com/x402-io/x402/go/mechanisms/evm"
)

// ExactEvmSchemeConfig configures ExactEvmScheme's facilitator behavior.
type ExactEvmSchemeConfig struct {
	// DeployERC4337WithEIP6492 enables automatic deployment of ERC-4337
	// smart wallets via their ERC-6492 factory when settlement hits an
	// undeployed wallet.
	DeployERC4337WithEIP6492 bool

	// SettlementAddress is the address the Permit2 sub-mechanism transfers
	// funds through. It is the fallback passed to evm.SettlementAddress:
	// X402_SETTLEMENT_ADDRESS_<chainId> and X402_SETTLEMENT_ADDRESS, when
	// set, take precedence over it.
	SettlementAddress string
}

// ExactEvmScheme implements SchemeNetworkFacilitator for the exact payment
// scheme on EVM chains, dispatching between the EIP-3009
// transferWithAuthorization mechanism and the Permit2
// PermitWitnessTransferFrom mechanism by the requirements' asset transfer
// method.
type ExactEvmScheme struct {
	signer evm.FacilitatorEvmSigner
	config ExactEvmSchemeConfig
}

// NewExactEvmScheme creates an ExactEvmScheme. config may be nil to take
// defaults.
func NewExactEvmScheme(signer evm.FacilitatorEvmSigner, config *ExactEvmSchemeConfig) *ExactEvmScheme {
	cfg := ExactEvmSchemeConfig{}
	if config != nil {
		cfg = *config
	}
	return &ExactEvmScheme{signer: newBreakerSigner(signer), config: cfg}
}

func (f *ExactEvmScheme) Scheme() string {
	return evm.SchemeExact
}

func (f *ExactEvmScheme) CaipFamily() string {
	return "eip155:*"
}

func (f *ExactEvmScheme) GetExtra(_ x402.Network) map[string]interface{} {
	return nil
}

func (f *ExactEvmScheme) GetSigners(_ x402.Network) []string {
	return f.signer.GetAddresses()
}

func (f *ExactEvmScheme) Verify(
	ctx context.Context,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
) (*x402.VerifyResponse, error) {
	network := requirements.Network

	if payload.Accepted.Scheme != evm.SchemeExact {
		return nil, x402.NewVerifyError(x402.ReasonUnsupportedScheme, "", network, nil)
	}
	if payload.Accepted.Network != requirements.Network {
		return nil, x402.NewVerifyError(x402.ReasonNetworkMismatch, "", network, nil)
	}

	if requirements.AssetTransferMethod() == "permit2" {
		return f.verifyPermit2(ctx, payload, requirements)
	}
	return f.verifyEIP3009(ctx, payload, requirements)
}

func (f *ExactEvmScheme) verifyEIP3009(
	ctx context.Context,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
) (*x402.VerifyResponse, error) {
	network := requirements.Network

	evmPayload, err := evm.PayloadFromMap(payload.Payload)
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonMalformedAccepted, "", network, err)
	}
	if evmPayload.Signature == "" {
		return nil, x402.NewVerifyError(x402.ReasonMissingEIP712Domain, "", network, nil)
	}

	networkStr := string(requirements.Network)
	config, err := evm.GetNetworkConfig(networkStr)
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonNetworkMismatch, "", network, err)
	}

	assetInfo, err := evm.GetAssetInfo(networkStr, requirements.Asset)
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonTokenMismatch, "", network, err)
	}

	if !strings.EqualFold(evmPayload.Authorization.To, requirements.PayTo) {
		return nil, x402.NewVerifyError(x402.ReasonRecipientMismatch, "", network, nil)
	}

	authValue, ok := new(big.Int).SetString(evmPayload.Authorization.Value, 10)
	if !ok {
		return nil, x402.NewVerifyError(x402.ReasonAuthValueTooLow, "", network, nil)
	}
	requiredValue, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok {
		return nil, x402.NewVerifyError(x402.ReasonAuthValueTooLow, "", network, fmt.Errorf("invalid amount: %s", requirements.Amount))
	}
	if authValue.Cmp(requiredValue) < 0 {
		return nil, x402.NewVerifyError(x402.ReasonInsufficientFunds, evmPayload.Authorization.From, network, nil)
	}

	nonceUsed, err := f.checkNonceUsed(ctx, evmPayload.Authorization.From, evmPayload.Authorization.Nonce, assetInfo.Address)
	if err != nil {
		return nil, x402.NewVerifyError(rpcErrorReason(err), evmPayload.Authorization.From, network, err)
	}
	if nonceUsed {
		return nil, x402.NewVerifyError(x402.ReasonInvalidTransactionState, evmPayload.Authorization.From, network, nil)
	}

	// The balance check is a read-only sanity check ahead of
	// settlement, not part of the signed commitment: an RPC error skips
	// it, except that an open circuit breaker fails verification with
	// rpc_unavailable.
	balance, err := f.signer.GetBalance(ctx, evmPayload.Authorization.From, assetInfo.Address)
	if err != nil {
		if isCircuitOpen(err) {
			return nil, x402.NewVerifyError(x402.ReasonRPCUnavailable, evmPayload.Authorization.From, network, err)
		}
	} else if balance.Cmp(authValue) < 0 {
		return nil, x402.NewVerifyError(x402.ReasonInsufficientFunds, evmPayload.Authorization.From, network, nil)
	}

	tokenName := assetInfo.Name
	tokenVersion := assetInfo.Version
	if requirements.Extra != nil {
		if name, ok := requirements.Extra["name"].(string); ok {
			tokenName = name
		}
		if version, ok := requirements.Extra["version"].(string); ok {
			tokenVersion = version
		}
	}

	signatureBytes, err := evm.HexToBytes(evmPayload.Signature)
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonMalformedAccepted, evmPayload.Authorization.From, network, err)
	}

	valid, err := f.verifySignature(ctx, evmPayload.Authorization, signatureBytes, config.ChainID, assetInfo.Address, tokenName, tokenVersion)
	if err != nil {
		return nil, x402.NewVerifyError(rpcErrorReason(err), evmPayload.Authorization.From, network, err)
	}
	if !valid {
		return nil, x402.NewVerifyError(x402.ReasonInvalidTransactionState, evmPayload.Authorization.From, network, nil)
	}

	return &x402.VerifyResponse{IsValid: true, Payer: evmPayload.Authorization.From}, nil
}

func (f *ExactEvmScheme) Settle(
	ctx context.Context,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
) (*x402.SettleResponse, error) {
	network := payload.Accepted.Network

	verifyResp, err := f.Verify(ctx, payload, requirements)
	if err != nil {
		var ve *x402.VerifyError
		if errors.As(err, &ve) {
			return nil, x402.NewSettleError(ve.Reason, ve.Payer, ve.Network, "", ve.Err)
		}
		return nil, x402.NewSettleError(x402.ReasonTransactionFailed, "", network, "", err)
	}

	if requirements.AssetTransferMethod() == "permit2" {
		return f.settlePermit2(ctx, payload, requirements, verifyResp)
	}
	return f.settleEIP3009(ctx, payload, requirements, verifyResp)
}

func (f *ExactEvmScheme) settleEIP3009(
	ctx context.Context,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
	verifyResp *x402.VerifyResponse,
) (*x402.SettleResponse, error) {
	network := payload.Accepted.Network

	evmPayload, err := evm.PayloadFromMap(payload.Payload)
	if err != nil {
		return nil, x402.NewSettleError(x402.ReasonMalformedAccepted, verifyResp.Payer, network, "", err)
	}

	networkStr := string(requirements.Network)
	assetInfo, err := evm.GetAssetInfo(networkStr, requirements.Asset)
	if err != nil {
		return nil, x402.NewSettleError(x402.ReasonTokenMismatch, verifyResp.Payer, network, "", err)
	}

	signatureBytes, err := evm.HexToBytes(evmPayload.Signature)
	if err != nil {
		return nil, x402.NewSettleError(x402.ReasonMalformedAccepted, verifyResp.Payer, network, "", err)
	}

	sigData, err := evm.ParseERC6492Signature(signatureBytes)
	if err != nil {
		return nil, x402.NewSettleError(x402.ReasonMalformedAccepted, verifyResp.Payer, network, "", err)
	}

	zeroFactory := [20]byte{}
	if sigData.Factory != zeroFactory && len(sigData.FactoryCalldata) > 0 {
		code, err := f.signer.GetCode(ctx, evmPayload.Authorization.From)
		if err != nil {
			return nil, x402.NewSettleError(x402.ReasonRPCTimeout, verifyResp.Payer, network, "", err)
		}
		if len(code) == 0 {
			if f.config.DeployERC4337WithEIP6492 {
				if err := f.deploySmartWallet(ctx, sigData); err != nil {
					return nil, x402.NewSettleError(evm.ErrSmartWalletDeploymentFailed, verifyResp.Payer, network, "", err)
				}
			} else {
				return nil, x402.NewSettleError(evm.ErrUndeployedSmartWallet, verifyResp.Payer, network, "", nil)
			}
		}
	}

	signatureBytes = sigData.InnerSignature

	value, _ := new(big.Int).SetString(evmPayload.Authorization.Value, 10)
	validAfter, _ := new(big.Int).SetString(evmPayload.Authorization.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(evmPayload.Authorization.ValidBefore, 10)
	nonceBytes, _ := evm.HexToBytes(evmPayload.Authorization.Nonce)

	var txHash string
	if len(signatureBytes) == 65 {
		r := signatureBytes[0:32]
		s := signatureBytes[32:64]
		v := signatureBytes[64]

		txHash, err = f.signer.WriteContract(
			ctx,
			assetInfo.Address,
			evm.TransferWithAuthorizationVRSABI,
			evm.FunctionTransferWithAuthorization,
			common.HexToAddress(evmPayload.Authorization.From),
			common.HexToAddress(evmPayload.Authorization.To),
			value,
			validAfter,
			validBefore,
			[32]byte(nonceBytes),
			v,
			[32]byte(r),
			[32]byte(s),
		)
	} else {
		txHash, err = f.signer.WriteContract(
			ctx,
			assetInfo.Address,
			evm.TransferWithAuthorizationBytesABI,
			evm.FunctionTransferWithAuthorization,
			common.HexToAddress(evmPayload.Authorization.From),
			common.HexToAddress(evmPayload.Authorization.To),
			value,
			validAfter,
			validBefore,
			[32]byte(nonceBytes),
			signatureBytes,
		)
	}
	if err != nil {
		return nil, x402.NewSettleError(x402.ReasonTransactionFailed, verifyResp.Payer, network, "", err)
	}

	receipt, err := f.signer.WaitForTransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, x402.NewSettleError(x402.ReasonTransactionFailed, verifyResp.Payer, network, txHash, err)
	}
	if receipt.Status != evm.TxStatusSuccess {
		return nil, x402.NewSettleError(x402.ReasonTransactionFailed, verifyResp.Payer, network, txHash, nil)
	}

	return &x402.SettleResponse{Success: true, Transaction: txHash, Network: network, Payer: verifyResp.Payer}, nil
}

func (f *ExactEvmScheme) deploySmartWallet(ctx context.Context, sigData *evm.ERC6492SignatureData) error {
	factoryAddr := common.BytesToAddress(sigData.Factory[:])

	txHash, err := f.signer.SendTransaction(ctx, factoryAddr.Hex(), sigData.FactoryCalldata)
	if err != nil {
		return fmt.Errorf("factory deployment transaction failed: %w", err)
	}

	receipt, err := f.signer.WaitForTransactionReceipt(ctx, txHash)
	if err != nil {
		return fmt.Errorf("failed to wait for deployment: %w", err)
	}
	if receipt.Status != evm.TxStatusSuccess {
		return fmt.Errorf("deployment transaction reverted")
	}
	return nil
}

func (f *ExactEvmScheme) checkNonceUsed(ctx context.Context, from, nonce, tokenAddress string) (bool, error) {
	nonceBytes, err := evm.HexToBytes(nonce)
	if err != nil {
		return false, err
	}

	result, err := f.signer.ReadContract(
		ctx,
		tokenAddress,
		evm.AuthorizationStateABI,
		evm.FunctionAuthorizationState,
		common.HexToAddress(from),
		[32]byte(nonceBytes),
	)
	if err != nil {
		return false, err
	}

	used, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("unexpected result type from authorizationState")
	}
	return used, nil
}

func (f *ExactEvmScheme) verifySignature(
	ctx context.Context,
	authorization evm.ExactEIP3009Authorization,
	signature []byte,
	chainID *big.Int,
	verifyingContract, tokenName, tokenVersion string,
) (bool, error) {
	hash, err := evm.HashEIP3009Authorization(authorization, chainID, verifyingContract, tokenName, tokenVersion)
	if err != nil {
		return false, err
	}

	var hash32 [32]byte
	copy(hash32[:], hash)

	valid, _, err := evm.VerifyUniversalSignature(ctx, f.signer, authorization.From, hash32, signature, true)
	if err != nil {
		return false, err
	}
	return valid, nil
}
