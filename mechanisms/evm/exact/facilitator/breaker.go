package facilitator

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/sony/gobreaker"

	x402 "github.com/x402-io/x402/go"
	"github.com/x402-io/x402/go/mechanisms/evm"
)

// breakerSigner wraps a FacilitatorEvmSigner with a circuit breaker so a
// wedged or failing chain RPC endpoint fails fast instead of blocking
// every verify/settle call behind it. One breaker per signer covers all
// of its RPC-calling methods, since they share the same underlying
// endpoint and outage.
type breakerSigner struct {
	evm.FacilitatorEvmSigner
	breaker *gobreaker.CircuitBreaker
}

func newBreakerSigner(signer evm.FacilitatorEvmSigner) *breakerSigner {
	return &breakerSigner{
		FacilitatorEvmSigner: signer,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "evm-facilitator-rpc",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (s *breakerSigner) GetBalance(ctx context.Context, address, tokenAddress string) (*big.Int, error) {
	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.FacilitatorEvmSigner.GetBalance(ctx, address, tokenAddress)
	})
	if err != nil {
		return nil, err
	}
	return result.(*big.Int), nil
}

func (s *breakerSigner) GetCode(ctx context.Context, address string) ([]byte, error) {
	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.FacilitatorEvmSigner.GetCode(ctx, address)
	})
	if err != nil {
		return nil, err
	}
	code, _ := result.([]byte)
	return code, nil
}

func (s *breakerSigner) ReadContract(ctx context.Context, contractAddress, contractABI, method string, args ...interface{}) (interface{}, error) {
	return s.breaker.Execute(func() (interface{}, error) {
		return s.FacilitatorEvmSigner.ReadContract(ctx, contractAddress, contractABI, method, args...)
	})
}

func (s *breakerSigner) WriteContract(ctx context.Context, contractAddress, contractABI, method string, args ...interface{}) (string, error) {
	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.FacilitatorEvmSigner.WriteContract(ctx, contractAddress, contractABI, method, args...)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (s *breakerSigner) SendTransaction(ctx context.Context, to string, data []byte) (string, error) {
	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.FacilitatorEvmSigner.SendTransaction(ctx, to, data)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (s *breakerSigner) WaitForTransactionReceipt(ctx context.Context, txHash string) (*evm.Receipt, error) {
	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.FacilitatorEvmSigner.WaitForTransactionReceipt(ctx, txHash)
	})
	if err != nil {
		return nil, err
	}
	return result.(*evm.Receipt), nil
}

// isCircuitOpen reports whether err came from a breaker refusing to
// dispatch the call, as opposed to the underlying RPC call itself
// failing or timing out.
func isCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// rpcErrorReason maps an RPC-path error to the stable reason string
// verify/settle should report: a tripped breaker is a distinct,
// fail-fast condition from a single slow or failed RPC call.
func rpcErrorReason(err error) string {
	if isCircuitOpen(err) {
		return x402.ReasonRPCUnavailable
	}
	return x402.ReasonRPCTimeout
}
