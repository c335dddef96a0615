package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-io/x402/go"
	"github.com/x402-io/x402/services/facilitator/internal/cache"
)

func TestWithReplayGuardDegradesWithDisabledCache(t *testing.T) {
	inner := &stubFacilitator{
		verifyResp: &x402.VerifyResponse{IsValid: true},
		settleResp: &x402.SettleResponse{Success: true, Transaction: "0x1"},
	}
	guarded := WithReplayGuard(inner, cache.NewReplayCache(nil, 0))

	ctx := context.Background()
	verifyResp, err := guarded.Verify(ctx, []byte("payload"), []byte("requirements"))
	require.NoError(t, err)
	assert.True(t, verifyResp.IsValid)

	settleResp, err := guarded.Settle(ctx, []byte("payload"), []byte("requirements"))
	require.NoError(t, err)
	assert.True(t, settleResp.Success)
	assert.Equal(t, "0x1", settleResp.Transaction)
}

func TestWithReplayGuardPassesThroughInvalidVerify(t *testing.T) {
	inner := &stubFacilitator{
		verifyResp: &x402.VerifyResponse{IsValid: false, InvalidReason: x402.ReasonRecipientMismatch},
	}
	guarded := WithReplayGuard(inner, cache.NewReplayCache(nil, 0))

	resp, err := guarded.Verify(context.Background(), []byte("payload"), []byte("requirements"))
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
}

func TestWithReplayGuardExposesSupported(t *testing.T) {
	inner := &stubFacilitator{supported: x402.SupportedResponse{
		Kinds: []x402.SupportedKind{{Scheme: "exact", Network: "eip155:8453"}},
	}}
	guarded := WithReplayGuard(inner, cache.NewReplayCache(nil, 0))

	assert.Len(t, guarded.GetSupported().Kinds, 1)
}
