package client

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/x402-io/x402/go"
	"github.com/x402-io/x402/go/mechanisms/evm"
)

// defaultPaymentIDSeed is the resourceUrl fallback used to derive
// paymentId when requirements.Extra carries none.
const defaultPaymentIDSeed = "x402-payment"

// permit2NonceBits is the width Permit2's bitmap nonces are drawn from;
// a random value this wide makes collision negligible without requiring
// the client to track per-owner nonce state.
const permit2NonceBits = 256

func (c *ExactEvmScheme) createPermit2Payload(
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

	amount, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", requirements.Amount)
	}

	settlementAddr := evm.SettlementAddress(config.ChainID, "")
	if settlementAddr == "" {
		return nil, fmt.Errorf("no settlement address configured for network %s", requirements.Network)
	}

	nonce, err := randomUint256()
	if err != nil {
		return nil, err
	}
	deadline := big.NewInt(time.Now().Add(maxTimeoutWindow(requirements.MaxTimeoutSeconds)).Unix())

	paymentID := derivePaymentID(requirements)

	order := evm.PaymentOrder{
		Token:     assetInfo.Address,
		Amount:    amount,
		Recipient: requirements.PayTo,
		PaymentID: paymentID,
		Nonce:     nonce,
		Deadline:  deadline,
	}

	hash, err := evm.HashPermit2WitnessTransfer(
		evm.TokenPermissions{Token: assetInfo.Address, Amount: amount},
		settlementAddr,
		nonce,
		deadline,
		order,
		config.ChainID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to hash permit2 witness transfer: %w", err)
	}

	var digest [32]byte
	copy(digest[:], hash)

	signature, err := c.signer.SignDigest(ctx, digest)
	if err != nil {
		return nil, fmt.Errorf("failed to sign permit2 witness transfer: %w", err)
	}

	return map[string]interface{}{
		"signature": evm.BytesToHex(signature),
		"owner":     c.signer.Address(),
		"token":     assetInfo.Address,
		"amount":    amount.String(),
		"recipient": requirements.PayTo,
		"nonce":     nonce.String(),
		"deadline":  deadline.String(),
		"paymentId": evm.BytesToHex(paymentID[:]),
	}, nil
}

// derivePaymentID computes Permit2's paymentId per spec: the keccak256
// digest of the resource URL the payment is for, falling back to a
// fixed seed when requirements carry none.
func derivePaymentID(requirements x402.PaymentRequirements) [32]byte {
	seed := defaultPaymentIDSeed
	if requirements.Extra != nil {
		if resourceURL, ok := requirements.Extra["resourceUrl"].(string); ok && resourceURL != "" {
			seed = resourceURL
		}
	}
	var paymentID [32]byte
	copy(paymentID[:], crypto.Keccak256([]byte(seed)))
	return paymentID
}

func randomUint256() (*big.Int, error) {
	buf := make([]byte, permit2NonceBits/8)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	// Keep the top bytes non-degenerate so the value reliably uses the
	// full width rather than happening to look like a small integer.
	binary.BigEndian.PutUint16(buf, binary.BigEndian.Uint16(buf)|0x8000)
	return new(big.Int).SetBytes(buf), nil
}
