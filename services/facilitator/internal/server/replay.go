package server

import (
	"context"

	x402 "github.com/x402-io/x402/go"
	"github.com/x402-io/x402/services/facilitator/internal/cache"
)

// replayGuardedFacilitator wraps a Facilitator with the Redis-backed replay
// cache, refusing to settle a payload this fleet hasn't already verified and
// refusing to settle the same payload twice across replicas.
type replayGuardedFacilitator struct {
	inner Facilitator
	cache *cache.ReplayCache
}

// WithReplayGuard wraps a Facilitator with distributed replay protection.
// Passing a nil cache (e.g. because Redis was unreachable at startup)
// degrades to the inner facilitator's own behavior.
func WithReplayGuard(inner Facilitator, replayCache *cache.ReplayCache) Facilitator {
	return &replayGuardedFacilitator{inner: inner, cache: replayCache}
}

func (f *replayGuardedFacilitator) Verify(ctx context.Context, payloadBytes, requirementsBytes []byte) (*x402.VerifyResponse, error) {
	resp, err := f.inner.Verify(ctx, payloadBytes, requirementsBytes)
	if err != nil || resp == nil || !resp.IsValid {
		return resp, err
	}
	key := cache.PaymentKey(payloadBytes, requirementsBytes)
	if markErr := f.cache.MarkVerified(ctx, key); markErr != nil {
		return resp, nil
	}
	return resp, nil
}

func (f *replayGuardedFacilitator) Settle(ctx context.Context, payloadBytes, requirementsBytes []byte) (*x402.SettleResponse, error) {
	key := cache.PaymentKey(payloadBytes, requirementsBytes)

	verified, err := f.cache.WasVerified(ctx, key)
	if err == nil && !verified {
		return &x402.SettleResponse{Success: false, ErrorReason: x402.ReasonNotVerifiedFirst}, nil
	}

	claimed, err := f.cache.ClaimSettlement(ctx, key)
	if err == nil && !claimed {
		return &x402.SettleResponse{Success: false, ErrorReason: "duplicate_settlement"}, nil
	}

	return f.inner.Settle(ctx, payloadBytes, requirementsBytes)
}

func (f *replayGuardedFacilitator) GetSupported() x402.SupportedResponse {
	return f.inner.GetSupported()
}
