package facilitator

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/x402-io/x402/go"
	"github.com/x402-io/x402/go/mechanisms/evm"
)

const erc20AllowanceABI = `[{
	"constant": true,
	"inputs": [
		{"name": "owner", "type": "address"},
		{"name": "spender", "type": "address"}
	],
	"name": "allowance",
	"outputs": [{"name": "", "type": "uint256"}],
	"type": "function"
}]`

const permit2TransferFromABI = `[{
	"inputs": [
		{"name": "permit", "type": "tuple", "components": [
			{"name": "permitted", "type": "tuple", "components": [
				{"name": "token", "type": "address"},
				{"name": "amount", "type": "uint256"}
			]},
			{"name": "nonce", "type": "uint256"},
			{"name": "deadline", "type": "uint256"}
		]},
		{"name": "transferDetails", "type": "tuple", "components": [
			{"name": "to", "type": "address"},
			{"name": "requestedAmount", "type": "uint256"}
		]},
		{"name": "owner", "type": "address"},
		{"name": "witness", "type": "bytes32"},
		{"name": "witnessTypeString", "type": "string"},
		{"name": "signature", "type": "bytes"}
	],
	"name": "permitWitnessTransferFrom",
	"outputs": [],
	"type": "function"
}]`

// permit2Payload is the Permit2-specific wire shape of an exact-scheme
// PaymentPayload, carried under PaymentPayload.payload.
type permit2Payload struct {
	Signature string
	Owner     string
	Token     string
	Amount    string
	Recipient string
	Nonce     string
	Deadline  string
	PaymentID string
}

func permit2PayloadFromMap(m map[string]interface{}) (*permit2Payload, error) {
	str := func(key string) string {
		v, _ := m[key].(string)
		return v
	}
	return &permit2Payload{
		Signature: str("signature"),
		Owner:     str("owner"),
		Token:     str("token"),
		Amount:    str("amount"),
		Recipient: str("recipient"),
		Nonce:     str("nonce"),
		Deadline:  str("deadline"),
		PaymentID: str("paymentId"),
	}, nil
}

func (f *ExactEvmScheme) verifyPermit2(
	ctx context.Context,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
) (*x402.VerifyResponse, error) {
	network := requirements.Network

	p2, err := permit2PayloadFromMap(payload.Payload)
	if err != nil || p2.Signature == "" {
		return nil, x402.NewVerifyError(x402.ReasonMalformedAccepted, "", network, err)
	}

	networkStr := string(requirements.Network)
	config, err := evm.GetNetworkConfig(networkStr)
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonNetworkMismatch, p2.Owner, network, err)
	}
	assetInfo, err := evm.GetAssetInfo(networkStr, requirements.Asset)
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonTokenMismatch, p2.Owner, network, err)
	}

	deadline, ok := new(big.Int).SetString(p2.Deadline, 10)
	if !ok {
		return nil, x402.NewVerifyError(x402.ReasonMalformedAccepted, p2.Owner, network, nil)
	}
	if deadline.Int64() < time.Now().Unix() {
		return nil, x402.NewVerifyError(x402.ReasonPermit2DeadlineExpired, p2.Owner, network, nil)
	}

	nonce, ok := new(big.Int).SetString(p2.Nonce, 10)
	if !ok {
		return nil, x402.NewVerifyError(x402.ReasonMalformedAccepted, p2.Owner, network, nil)
	}

	amount, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok {
		return nil, x402.NewVerifyError(x402.ReasonAuthValueTooLow, p2.Owner, network, nil)
	}

	if !strings.EqualFold(p2.Token, assetInfo.Address) {
		return nil, x402.NewVerifyError(x402.ReasonTokenMismatch, p2.Owner, network, nil)
	}
	if !strings.EqualFold(p2.Recipient, requirements.PayTo) {
		return nil, x402.NewVerifyError(x402.ReasonPermit2RecipientMismatch, p2.Owner, network, nil)
	}
	claimedAmount, ok := new(big.Int).SetString(p2.Amount, 10)
	if !ok || claimedAmount.Cmp(amount) != 0 {
		return nil, x402.NewVerifyError(x402.ReasonInsufficientAmount, p2.Owner, network, nil)
	}

	settlementAddr := evm.SettlementAddress(config.ChainID, f.config.SettlementAddress)
	if settlementAddr == "" {
		return nil, x402.NewVerifyError(x402.ReasonSettlementContractMissing, p2.Owner, network, nil)
	}

	var paymentID [32]byte
	paymentIDBytes, err := evm.HexToBytes(p2.PaymentID)
	if err == nil {
		copy(paymentID[:], paymentIDBytes)
	}

	// Hash against the payload's own claimed token/amount/recipient,
	// already checked above against requirements, so the witness
	// signature is verified over what the payer actually signed.
	order := evm.PaymentOrder{
		Token:     p2.Token,
		Amount:    claimedAmount,
		Recipient: p2.Recipient,
		PaymentID: paymentID,
		Nonce:     nonce,
		Deadline:  deadline,
	}

	hash, err := evm.HashPermit2WitnessTransfer(
		evm.TokenPermissions{Token: p2.Token, Amount: claimedAmount},
		settlementAddr,
		nonce,
		deadline,
		order,
		config.ChainID,
	)
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonInvalidPermit2Signature, p2.Owner, network, err)
	}

	signatureBytes, err := evm.HexToBytes(p2.Signature)
	if err != nil {
		return nil, x402.NewVerifyError(x402.ReasonMalformedAccepted, p2.Owner, network, err)
	}

	var hash32 [32]byte
	copy(hash32[:], hash)

	valid, _, err := evm.VerifyUniversalSignature(ctx, f.signer, p2.Owner, hash32, signatureBytes, true)
	if err != nil {
		return nil, x402.NewVerifyError(rpcErrorReason(err), p2.Owner, network, err)
	}
	if !valid {
		return nil, x402.NewVerifyError(x402.ReasonInvalidPermit2Signature, p2.Owner, network, nil)
	}

	// Balance and allowance are read-only sanity checks ahead of
	// settlement, not part of the signed commitment: an RPC error skips
	// them, except that an open circuit breaker fails verification with
	// rpc_unavailable.
	balance, err := f.signer.GetBalance(ctx, p2.Owner, p2.Token)
	if err != nil {
		if isCircuitOpen(err) {
			return nil, x402.NewVerifyError(x402.ReasonRPCUnavailable, p2.Owner, network, err)
		}
	} else if balance.Cmp(claimedAmount) < 0 {
		return nil, x402.NewVerifyError(x402.ReasonInsufficientFunds, p2.Owner, network, nil)
	}

	allowanceResult, err := f.signer.ReadContract(
		ctx,
		p2.Token,
		erc20AllowanceABI,
		"allowance",
		common.HexToAddress(p2.Owner),
		common.HexToAddress(evm.Permit2Address),
	)
	if err != nil {
		if isCircuitOpen(err) {
			return nil, x402.NewVerifyError(x402.ReasonRPCUnavailable, p2.Owner, network, err)
		}
	} else if allowance, ok := allowanceResult.(*big.Int); ok && allowance.Cmp(claimedAmount) < 0 {
		return nil, x402.NewVerifyError(x402.ReasonInsufficientPermit2Allowance, p2.Owner, network, nil)
	}

	return &x402.VerifyResponse{IsValid: true, Payer: p2.Owner}, nil
}

func (f *ExactEvmScheme) settlePermit2(
	ctx context.Context,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
	verifyResp *x402.VerifyResponse,
) (*x402.SettleResponse, error) {
	network := payload.Accepted.Network

	p2, err := permit2PayloadFromMap(payload.Payload)
	if err != nil {
		return nil, x402.NewSettleError(x402.ReasonMalformedAccepted, verifyResp.Payer, network, "", err)
	}

	networkStr := string(requirements.Network)
	assetInfo, err := evm.GetAssetInfo(networkStr, requirements.Asset)
	if err != nil {
		return nil, x402.NewSettleError(x402.ReasonTokenMismatch, verifyResp.Payer, network, "", err)
	}
	if !strings.EqualFold(p2.Token, assetInfo.Address) {
		return nil, x402.NewSettleError(x402.ReasonTokenMismatch, verifyResp.Payer, network, "", nil)
	}

	amount, ok := new(big.Int).SetString(p2.Amount, 10)
	if !ok {
		return nil, x402.NewSettleError(x402.ReasonInsufficientAmount, verifyResp.Payer, network, "", nil)
	}
	nonce, _ := new(big.Int).SetString(p2.Nonce, 10)
	deadline, _ := new(big.Int).SetString(p2.Deadline, 10)
	signatureBytes, err := evm.HexToBytes(p2.Signature)
	if err != nil {
		return nil, x402.NewSettleError(x402.ReasonMalformedAccepted, verifyResp.Payer, network, "", err)
	}

	var paymentID [32]byte
	if paymentIDBytes, err := evm.HexToBytes(p2.PaymentID); err == nil {
		copy(paymentID[:], paymentIDBytes)
	}

	witnessHash, err := evm.HashPaymentOrderWitness(evm.PaymentOrder{
		Token:     p2.Token,
		Amount:    amount,
		Recipient: p2.Recipient,
		PaymentID: paymentID,
		Nonce:     nonce,
		Deadline:  deadline,
	})
	if err != nil {
		return nil, x402.NewSettleError(x402.ReasonInvalidPermit2Signature, verifyResp.Payer, network, "", err)
	}

	txHash, err := f.signer.WriteContract(
		ctx,
		evm.Permit2Address,
		permit2TransferFromABI,
		"permitWitnessTransferFrom",
		struct {
			Permitted struct {
				Token  common.Address
				Amount *big.Int
			}
			Nonce    *big.Int
			Deadline *big.Int
		}{
			Permitted: struct {
				Token  common.Address
				Amount *big.Int
			}{Token: common.HexToAddress(p2.Token), Amount: amount},
			Nonce:    nonce,
			Deadline: deadline,
		},
		struct {
			To              common.Address
			RequestedAmount *big.Int
		}{To: common.HexToAddress(p2.Recipient), RequestedAmount: amount},
		common.HexToAddress(p2.Owner),
		witnessHash,
		evm.Permit2WitnessTypeString,
		signatureBytes,
	)
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
