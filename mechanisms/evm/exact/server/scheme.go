package server

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	x402 "github.com/x402-io/x402/go"
	"github.com/x402-io/x402/go/mechanisms/evm"
)

// ExactEvmScheme implements SchemeNetworkServer for the exact payment
// scheme on EVM chains.
type ExactEvmScheme struct {
	moneyParsers []x402.MoneyParser
}

// NewExactEvmScheme creates an ExactEvmScheme.
func NewExactEvmScheme() *ExactEvmScheme {
	return &ExactEvmScheme{moneyParsers: []x402.MoneyParser{}}
}

func (s *ExactEvmScheme) Scheme() string {
	return evm.SchemeExact
}

// RegisterMoneyParser adds a custom display-amount-to-asset converter to
// the parser chain, tried in registration order before the default USDC
// conversion. A parser returning nil defers to the next one.
func (s *ExactEvmScheme) RegisterMoneyParser(parser x402.MoneyParser) *ExactEvmScheme {
	s.moneyParsers = append(s.moneyParsers, parser)
	return s
}

// ParsePrice resolves price into a concrete AssetAmount. An AssetAmount
// already carried as a map (amount + asset) passes through unchanged;
// otherwise price is treated as a display amount and run through the
// custom parser chain, falling back to the default USDC conversion.
func (s *ExactEvmScheme) ParsePrice(price x402.Price, network x402.Network) (*x402.AssetAmount, error) {
	if priceMap, ok := price.(map[string]interface{}); ok {
		if amountVal, hasAmount := priceMap["amount"]; hasAmount {
			amountStr, ok := amountVal.(string)
			if !ok {
				return nil, fmt.Errorf("amount must be a string")
			}

			asset, _ := priceMap["asset"].(string)
			if asset == "" {
				return nil, fmt.Errorf("asset address must be specified for AssetAmount")
			}

			extra, _ := priceMap["extra"].(map[string]interface{})
			return &x402.AssetAmount{Amount: amountStr, Asset: asset, Extra: extra}, nil
		}
	}

	decimalAmount, err := s.parseMoneyToDecimal(price)
	if err != nil {
		return nil, err
	}

	for _, parser := range s.moneyParsers {
		result, err := parser(decimalAmount, network)
		if err != nil {
			continue
		}
		if result != nil {
			return result, nil
		}
	}

	return s.defaultMoneyConversion(decimalAmount, network)
}

func (s *ExactEvmScheme) parseMoneyToDecimal(price x402.Price) (float64, error) {
	switch v := price.(type) {
	case string:
		cleanPrice := strings.TrimSpace(v)
		cleanPrice = strings.TrimPrefix(cleanPrice, "$")
		cleanPrice = strings.TrimSuffix(cleanPrice, " USD")
		cleanPrice = strings.TrimSuffix(cleanPrice, " USDC")
		cleanPrice = strings.TrimSpace(cleanPrice)

		amount, err := strconv.ParseFloat(cleanPrice, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse price string %q: %w", v, err)
		}
		return amount, nil
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("unsupported price type: %T", price)
	}
}

func (s *ExactEvmScheme) defaultMoneyConversion(amount float64, network x402.Network) (*x402.AssetAmount, error) {
	networkStr := string(network)

	config, err := evm.GetNetworkConfig(networkStr)
	if err != nil {
		return nil, err
	}

	oneUnit := float64(1)
	for i := 0; i < config.DefaultAsset.Decimals; i++ {
		oneUnit *= 10
	}

	if amount >= oneUnit && amount == float64(int64(amount)) {
		return &x402.AssetAmount{Asset: config.DefaultAsset.Address, Amount: fmt.Sprintf("%.0f", amount)}, nil
	}

	amountStr := fmt.Sprintf("%.6f", amount)
	parsedAmount, err := evm.ParseAmount(amountStr, config.DefaultAsset.Decimals)
	if err != nil {
		return nil, fmt.Errorf("failed to convert amount: %w", err)
	}

	return &x402.AssetAmount{Asset: config.DefaultAsset.Address, Amount: parsedAmount.String()}, nil
}

// EnhancePaymentRequirements fills in the EIP-712 token name/version and
// default asset the exact/Permit2 mechanisms need, and copies through any
// extension fields the facilitator's supported kind advertises.
func (s *ExactEvmScheme) EnhancePaymentRequirements(
	ctx context.Context,
	requirements x402.PaymentRequirements,
	supportedKind *x402.SupportedKind,
	extensions map[string]interface{},
) (x402.PaymentRequirements, error) {
	networkStr := string(requirements.Network)
	config, err := evm.GetNetworkConfig(networkStr)
	if err != nil {
		return requirements, err
	}

	var assetInfo *evm.AssetInfo
	if requirements.Asset != "" {
		assetInfo, err = evm.GetAssetInfo(networkStr, requirements.Asset)
		if err != nil {
			return requirements, err
		}
	} else {
		assetInfo = &config.DefaultAsset
		requirements.Asset = assetInfo.Address
	}

	if requirements.Amount != "" && strings.Contains(requirements.Amount, ".") {
		amount, err := evm.ParseAmount(requirements.Amount, assetInfo.Decimals)
		if err != nil {
			return requirements, fmt.Errorf("failed to parse amount: %w", err)
		}
		requirements.Amount = amount.String()
	}

	if requirements.Extra == nil {
		requirements.Extra = make(map[string]interface{})
	}
	if _, ok := requirements.Extra["name"]; !ok {
		requirements.Extra["name"] = assetInfo.Name
	}
	if _, ok := requirements.Extra["version"]; !ok {
		requirements.Extra["version"] = assetInfo.Version
	}

	if supportedKind != nil && supportedKind.Extra != nil {
		for key := range extensions {
			if v, ok := supportedKind.Extra[key]; ok {
				requirements.Extra[key] = v
			}
		}
	}

	return requirements, nil
}

// GetDisplayAmount formats amount (smallest units) as a "$X.YY USDC"
// string for the given network/asset.
func (s *ExactEvmScheme) GetDisplayAmount(amount, network, asset string) (string, error) {
	assetInfo, err := evm.GetAssetInfo(network, asset)
	if err != nil {
		return "", err
	}

	amountBig, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return "", fmt.Errorf("invalid amount: %s", amount)
	}

	return "$" + evm.FormatAmount(amountBig, assetInfo.Decimals) + " USDC", nil
}
