package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	x402 "github.com/x402-io/x402/go"
	"github.com/x402-io/x402/go/mechanisms/evm"
	evmfac "github.com/x402-io/x402/go/mechanisms/evm/exact/facilitator"
	"github.com/x402-io/x402/services/facilitator/internal/cache"
	"github.com/x402-io/x402/services/facilitator/internal/config"
	"github.com/x402-io/x402/services/facilitator/internal/server"
)

var errNoNetworksConfigured = errors.New("no networks configured: at least one EVM private key and RPC endpoint are required")

func main() {
	cfg := config.Load()

	if cfg.IsDevelopment() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Info().Str("environment", cfg.Environment).Int("port", cfg.Port).Msg("starting x402 facilitator service")

	redisClient, err := cache.NewClient(cfg.RedisURL)
	if err != nil {
		log.Warn().Err(err).Msg("redis connection failed, continuing without rate limiting or replay protection")
		redisClient = nil
	} else {
		log.Info().Str("url", cfg.RedisURL).Msg("redis connected")
	}

	facilitator, err := setupFacilitator(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up facilitator")
	}

	srv := server.New(facilitator, redisClient, cfg)
	srv.Start()
}

// setupFacilitator creates and configures the x402 facilitator with every
// EVM chain that has an RPC endpoint configured.
func setupFacilitator(cfg *config.Config) (server.Facilitator, error) {
	facilitator := x402.NewFacilitator()

	if cfg.EvmPrivateKey == "" {
		log.Warn().Msg("EVM_PRIVATE_KEY not set, EVM chains disabled")
		return nil, errNoNetworksConfigured
	}

	type networkInfo struct {
		network x402.Network
		rpc     string
		name    string
	}

	networks := []networkInfo{
		{x402.Network("eip155:1"), cfg.EthRPC, "Ethereum"},
		{x402.Network("eip155:137"), cfg.PolygonRPC, "Polygon"},
		{x402.Network("eip155:8453"), cfg.BaseRPC, "Base"},
		{x402.Network("eip155:84532"), cfg.BaseSepoliaRPC, "Base Sepolia"},
		{x402.Network("eip155:42161"), cfg.ArbitrumRPC, "Arbitrum"},
	}

	defaultRPC := cfg.BaseRPC
	if defaultRPC == "" {
		defaultRPC = cfg.EthRPC
	}
	if defaultRPC == "" {
		defaultRPC = cfg.ArbitrumRPC
	}
	if defaultRPC == "" {
		log.Warn().Msg("no RPC endpoint configured for EVM chains")
		return nil, errNoNetworksConfigured
	}

	signer, err := newFacilitatorEvmSigner(cfg.EvmPrivateKey, defaultRPC)
	if err != nil {
		return nil, fmt.Errorf("failed to create EVM signer: %w", err)
	}

	var networkList []x402.Network
	var configuredNames []string
	for _, n := range networks {
		if n.rpc != "" {
			networkList = append(networkList, n.network)
			configuredNames = append(configuredNames, n.name)
		}
	}
	if len(networkList) == 0 {
		return nil, errNoNetworksConfigured
	}

	evmConfig := &evmfac.ExactEvmSchemeConfig{DeployERC4337WithEIP6492: true}
	facilitator.Register(networkList, evmfac.NewExactEvmScheme(signer, evmConfig))
	log.Info().Strs("networks", configuredNames).Str("address", signer.GetAddresses()[0]).Msg("configured EVM facilitator")

	facilitator.OnAfterVerify(func(ctx x402.FacilitatorVerifyResultContext) error {
		log.Info().Str("payer", ctx.Result.Payer).Bool("valid", ctx.Result.IsValid).Msg("payment verified")
		return nil
	})

	facilitator.OnAfterSettle(func(ctx x402.FacilitatorSettleResultContext) error {
		log.Info().Str("transaction", ctx.Result.Transaction).Str("payer", ctx.Result.Payer).Msg("payment settled")
		return nil
	})

	facilitator.OnVerifyFailure(func(ctx x402.FacilitatorVerifyFailureContext) (*x402.FacilitatorVerifyFailureHookResult, error) {
		log.Warn().Err(ctx.Error).Msg("verify failed")
		return nil, nil
	})

	facilitator.OnSettleFailure(func(ctx x402.FacilitatorSettleFailureContext) (*x402.FacilitatorSettleFailureHookResult, error) {
		log.Warn().Err(ctx.Error).Msg("settle failed")
		return nil, nil
	})

	return facilitator, nil
}

// ============================================================================
// EVM Facilitator Signer
// ============================================================================

// facilitatorEvmSigner implements evm.FacilitatorEvmSigner against a live
// JSON-RPC node via go-ethereum.
type facilitatorEvmSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	client     *ethclient.Client
	chainID    *big.Int
}

func newFacilitatorEvmSigner(privateKeyHex string, rpcURL string) (*facilitatorEvmSigner, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	address := crypto.PubkeyToAddress(privateKey.PublicKey)

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	ctx := context.Background()
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	return &facilitatorEvmSigner{
		privateKey: privateKey,
		address:    address,
		client:     client,
		chainID:    chainID,
	}, nil
}

func (s *facilitatorEvmSigner) GetAddresses() []string {
	return []string{s.address.Hex()}
}

func (s *facilitatorEvmSigner) ReadContract(
	ctx context.Context,
	contractAddress string,
	contractABI string,
	method string,
	args ...interface{},
) (interface{}, error) {
	parsedABI, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	data, err := parsedABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack method call: %w", err)
	}

	to := common.HexToAddress(contractAddress)
	result, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call contract: %w", err)
	}

	if len(result) == 0 {
		if method == "authorizationState" {
			return false, nil
		}
		if method == "balanceOf" || method == "allowance" {
			return big.NewInt(0), nil
		}
		return nil, errors.New("empty result from contract call")
	}

	methodObj, exists := parsedABI.Methods[method]
	if !exists {
		return nil, fmt.Errorf("method %s not found in ABI", method)
	}

	output, err := methodObj.Outputs.Unpack(result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack result: %w", err)
	}
	if len(output) > 0 {
		return output[0], nil
	}
	return nil, nil
}

func (s *facilitatorEvmSigner) WriteContract(
	ctx context.Context,
	contractAddress string,
	contractABI string,
	method string,
	args ...interface{},
) (string, error) {
	parsedABI, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return "", fmt.Errorf("failed to parse ABI: %w", err)
	}

	data, err := parsedABI.Pack(method, args...)
	if err != nil {
		return "", fmt.Errorf("failed to pack method call: %w", err)
	}

	return s.sendRawTransaction(ctx, common.HexToAddress(contractAddress), data)
}

func (s *facilitatorEvmSigner) SendTransaction(ctx context.Context, to string, data []byte) (string, error) {
	return s.sendRawTransaction(ctx, common.HexToAddress(to), data)
}

func (s *facilitatorEvmSigner) sendRawTransaction(ctx context.Context, to common.Address, data []byte) (string, error) {
	nonce, err := s.client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}

	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), 300000, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	return signedTx.Hash().Hex(), nil
}

func (s *facilitatorEvmSigner) WaitForTransactionReceipt(ctx context.Context, txHash string) (*evm.Receipt, error) {
	hash := common.HexToHash(txHash)

	receipt, err := s.client.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction receipt: %w", err)
	}

	return &evm.Receipt{
		TransactionHash: receipt.TxHash.Hex(),
		Status:          receipt.Status,
	}, nil
}

func (s *facilitatorEvmSigner) GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error) {
	if tokenAddress == "" || tokenAddress == "0x0000000000000000000000000000000000000000" {
		balance, err := s.client.BalanceAt(ctx, common.HexToAddress(address), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to get balance: %w", err)
		}
		return balance, nil
	}

	const erc20ABI = `[{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}]`

	result, err := s.ReadContract(ctx, tokenAddress, erc20ABI, "balanceOf", common.HexToAddress(address))
	if err != nil {
		return nil, err
	}
	if balance, ok := result.(*big.Int); ok {
		return balance, nil
	}
	return nil, fmt.Errorf("unexpected balance type: %T", result)
}

func (s *facilitatorEvmSigner) GetCode(ctx context.Context, address string) ([]byte, error) {
	code, err := s.client.CodeAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get code: %w", err)
	}
	return code, nil
}
