package x402

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSchemeServer struct {
	scheme      string
	assetAmount *AssetAmount
	parseErr    error
}

func (s *stubSchemeServer) Scheme() string { return s.scheme }

func (s *stubSchemeServer) ParsePrice(price Price, network Network) (*AssetAmount, error) {
	return s.assetAmount, s.parseErr
}

func (s *stubSchemeServer) EnhancePaymentRequirements(ctx context.Context, requirements PaymentRequirements, supportedKind *SupportedKind, extensions map[string]interface{}) (PaymentRequirements, error) {
	return requirements, nil
}

type stubFacilitatorClient struct {
	supported  *SupportedResponse
	verifyResp *VerifyResponse
	verifyErr  error
	settleResp *SettleResponse
	settleErr  error
}

func (f *stubFacilitatorClient) Verify(ctx context.Context, payloadBytes, requirementsBytes []byte) (*VerifyResponse, error) {
	return f.verifyResp, f.verifyErr
}

func (f *stubFacilitatorClient) Settle(ctx context.Context, payloadBytes, requirementsBytes []byte) (*SettleResponse, error) {
	return f.settleResp, f.settleErr
}

func (f *stubFacilitatorClient) GetSupported(ctx context.Context) (*SupportedResponse, error) {
	return f.supported, nil
}

func TestResourceServerInitializePopulatesRoutingTable(t *testing.T) {
	fc := &stubFacilitatorClient{supported: &SupportedResponse{
		Kinds: []SupportedKind{{Scheme: "exact", Network: "eip155:8453"}},
	}}
	s := NewResourceServer(WithFacilitatorClient(fc))

	require.NoError(t, s.Initialize(context.Background()))

	got, ok := findByNetworkAndScheme(s.facilitatorClients, "exact", "eip155:8453")
	require.True(t, ok)
	assert.Same(t, fc, got.(*stubFacilitatorClient))
}

func TestResourceServerInitializeFirstFacilitatorWins(t *testing.T) {
	first := &stubFacilitatorClient{supported: &SupportedResponse{
		Kinds: []SupportedKind{{Scheme: "exact", Network: "eip155:8453"}},
	}}
	second := &stubFacilitatorClient{supported: &SupportedResponse{
		Kinds: []SupportedKind{{Scheme: "exact", Network: "eip155:8453"}},
	}}
	s := NewResourceServer(WithFacilitatorClient(first), WithFacilitatorClient(second))

	require.NoError(t, s.Initialize(context.Background()))

	got, ok := findByNetworkAndScheme(s.facilitatorClients, "exact", "eip155:8453")
	require.True(t, ok)
	assert.Same(t, first, got.(*stubFacilitatorClient))
}

func TestResourceServerBuildPaymentRequirements(t *testing.T) {
	s := NewResourceServer(WithSchemeServer("eip155:8453", &stubSchemeServer{
		scheme:      "exact",
		assetAmount: &AssetAmount{Asset: "0xusdc", Amount: "1000"},
	}))

	requirements, err := s.BuildPaymentRequirements(context.Background(), ResourceConfig{
		Scheme:  "exact",
		Network: "eip155:8453",
		PayTo:   "0xmerchant",
		Price:   "$0.001",
	}, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, "0xusdc", requirements.Asset)
	assert.Equal(t, "1000", requirements.Amount)
	assert.Equal(t, 60, requirements.MaxTimeoutSeconds)
}

func TestResourceServerBuildPaymentRequirementsUnsupportedScheme(t *testing.T) {
	s := NewResourceServer()
	_, err := s.BuildPaymentRequirements(context.Background(), ResourceConfig{
		Scheme:  "exact",
		Network: "eip155:8453",
	}, nil, nil)

	require.Error(t, err)
	var paymentErr *PaymentError
	require.ErrorAs(t, err, &paymentErr)
	assert.Equal(t, ErrCodeUnsupportedScheme, paymentErr.Code)
}

func TestResourceServerFindMatchingRequirements(t *testing.T) {
	s := NewResourceServer()
	available := []PaymentRequirements{
		{Scheme: "exact", Network: "eip155:8453", Asset: "0xusdc", Amount: "1000", PayTo: "0xmerchant"},
	}
	payload := PaymentPayload{Accepted: available[0]}

	match := s.FindMatchingRequirements(available, payload)
	require.NotNil(t, match)
	assert.Equal(t, available[0], *match)

	payload.Accepted.Amount = "9999"
	assert.Nil(t, s.FindMatchingRequirements(available, payload))
}

func TestResourceServerVerifyPaymentDelegatesToFacilitator(t *testing.T) {
	fc := &stubFacilitatorClient{verifyResp: &VerifyResponse{IsValid: true, Payer: "0xpayer"}}
	s := NewResourceServer()

	s.mu.Lock()
	s.facilitatorClients["eip155:8453"] = map[string]FacilitatorClient{"exact": fc}
	s.mu.Unlock()

	requirements := PaymentRequirements{Scheme: "exact", Network: "eip155:8453", Asset: "0xusdc", Amount: "1000", PayTo: "0xmerchant"}
	resp, err := s.VerifyPayment(context.Background(), PaymentPayload{Accepted: requirements}, requirements)
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
}

func TestResourceServerVerifyPaymentNoFacilitator(t *testing.T) {
	s := NewResourceServer()
	requirements := PaymentRequirements{Scheme: "exact", Network: "eip155:8453"}
	_, err := s.VerifyPayment(context.Background(), PaymentPayload{}, requirements)
	require.Error(t, err)
}

func TestSupportedCacheExpiresEntries(t *testing.T) {
	cache := &SupportedCache{
		data:   make(map[string]SupportedResponse),
		expiry: make(map[string]time.Time),
		ttl:    -time.Minute,
	}
	cache.Set("key", SupportedResponse{Kinds: []SupportedKind{{Scheme: "exact"}}})

	_, ok := cache.Get("key")
	assert.False(t, ok)
}
