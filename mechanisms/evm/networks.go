package evm

import "math/big"

// AssetInfo describes a fungible token recognized by a mechanism: its
// address, EIP-712 domain name/version, and decimals.
type AssetInfo struct {
	Address string
	Name    string
	Version string
	Decimals int
}

// NetworkConfig is the static per-network configuration the exact and
// Permit2 mechanisms resolve prices and EIP-712 domains against.
type NetworkConfig struct {
	ChainID         *big.Int
	DefaultAsset    AssetInfo
	SupportedAssets map[string]AssetInfo
}

// NetworkConfigs is the canonical table of EVM networks and stablecoins
// this module knows how to price and settle against. Keyed by CAIP-2
// identifier ("eip155:<chainId>").
var NetworkConfigs = map[string]NetworkConfig{
	"eip155:1": {
		ChainID: big.NewInt(1),
		DefaultAsset: AssetInfo{
			Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
			Name:    "USD Coin",
			Version: "2",
			Decimals: 6,
		},
		SupportedAssets: map[string]AssetInfo{
			"USDC": {Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Name: "USD Coin", Version: "2", Decimals: 6},
		},
	},
	"eip155:8453": {
		ChainID: big.NewInt(8453),
		DefaultAsset: AssetInfo{
			Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			Name:    "USD Coin",
			Version: "2",
			Decimals: 6,
		},
		SupportedAssets: map[string]AssetInfo{
			"USDC": {Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Name: "USD Coin", Version: "2", Decimals: 6},
		},
	},
	"eip155:84532": {
		ChainID: big.NewInt(84532),
		DefaultAsset: AssetInfo{
			Address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			Name:    "USDC",
			Version: "2",
			Decimals: 6,
		},
		SupportedAssets: map[string]AssetInfo{
			"USDC": {Address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", Name: "USDC", Version: "2", Decimals: 6},
		},
	},
	"eip155:137": {
		ChainID: big.NewInt(137),
		DefaultAsset: AssetInfo{
			Address: "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
			Name:    "USD Coin",
			Version: "2",
			Decimals: 6,
		},
		SupportedAssets: map[string]AssetInfo{
			"USDC": {Address: "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", Name: "USD Coin", Version: "2", Decimals: 6},
		},
	},
	"eip155:42161": {
		ChainID: big.NewInt(42161),
		DefaultAsset: AssetInfo{
			Address: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831",
			Name:    "USD Coin",
			Version: "2",
			Decimals: 6,
		},
		SupportedAssets: map[string]AssetInfo{
			"USDC": {Address: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", Name: "USD Coin", Version: "2", Decimals: 6},
		},
	},
}
