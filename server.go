package x402

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ResourceServer manages payment requirements and verification for
// protected resources. It only ever produces or accepts x402 protocol
// version 2 payments.
type ResourceServer struct {
	mu sync.RWMutex

	schemes map[Network]map[string]SchemeNetworkServer

	facilitatorClients     map[Network]map[string]FacilitatorClient
	tempFacilitatorClients []FacilitatorClient

	supportedCache *SupportedCache

	beforeVerifyHooks    []BeforeVerifyHook
	afterVerifyHooks     []AfterVerifyHook
	onVerifyFailureHooks []OnVerifyFailureHook
	beforeSettleHooks    []BeforeSettleHook
	afterSettleHooks     []AfterSettleHook
	onSettleFailureHooks []OnSettleFailureHook
}

// SupportedCache caches each facilitator's /supported response, keyed by
// facilitator identity, so BuildPaymentRequirementsFromConfig doesn't
// re-query the network on every resource request.
type SupportedCache struct {
	mu     sync.RWMutex
	data   map[string]SupportedResponse
	expiry map[string]time.Time
	ttl    time.Duration
}

func (c *SupportedCache) Set(key string, response SupportedResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = response
	c.expiry[key] = time.Now().Add(c.ttl)
}

func (c *SupportedCache) Get(key string) (SupportedResponse, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	response, exists := c.data[key]
	if !exists {
		return SupportedResponse{}, false
	}
	if time.Now().After(c.expiry[key]) {
		return SupportedResponse{}, false
	}
	return response, true
}

// ResourceServerOption configures a ResourceServer at construction time.
type ResourceServerOption func(*ResourceServer)

// WithFacilitatorClient registers a facilitator the server will query
// during Initialize to learn which (scheme, network) pairs it can verify
// and settle.
func WithFacilitatorClient(client FacilitatorClient) ResourceServerOption {
	return func(s *ResourceServer) {
		s.tempFacilitatorClients = append(s.tempFacilitatorClients, client)
	}
}

// WithSchemeServer registers a scheme server implementation for network.
func WithSchemeServer(network Network, schemeServer SchemeNetworkServer) ResourceServerOption {
	return func(s *ResourceServer) {
		s.Register(network, schemeServer)
	}
}

// WithCacheTTL overrides the default TTL for cached /supported responses.
func WithCacheTTL(ttl time.Duration) ResourceServerOption {
	return func(s *ResourceServer) {
		s.supportedCache.ttl = ttl
	}
}

// NewResourceServer creates an x402 resource server. Call Initialize
// before serving requests so facilitatorClients is populated.
func NewResourceServer(opts ...ResourceServerOption) *ResourceServer {
	s := &ResourceServer{
		schemes:            make(map[Network]map[string]SchemeNetworkServer),
		facilitatorClients: make(map[Network]map[string]FacilitatorClient),
		supportedCache: &SupportedCache{
			data:   make(map[string]SupportedResponse),
			expiry: make(map[string]time.Time),
			ttl:    5 * time.Minute,
		},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Initialize concurrently queries every registered facilitator's
// /supported endpoint and populates the (network, scheme) -> facilitator
// routing table. Facilitators registered earlier take precedence on
// overlapping (network, scheme) pairs.
func (s *ResourceServer) Initialize(ctx context.Context) error {
	clients := s.tempFacilitatorClients

	results := make([]*SupportedResponse, len(clients))
	g, gctx := errgroup.WithContext(ctx)
	for i, fc := range clients {
		i, fc := i, fc
		g.Go(func() error {
			supported, err := fc.GetSupported(gctx)
			if err != nil {
				return fmt.Errorf("failed to get supported from facilitator: %w", err)
			}
			results[i] = supported
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, fc := range clients {
		supported := results[i]
		for _, kind := range supported.Kinds {
			network := Network(kind.Network)
			if s.facilitatorClients[network] == nil {
				s.facilitatorClients[network] = make(map[string]FacilitatorClient)
			}
			if s.facilitatorClients[network][kind.Scheme] == nil {
				s.facilitatorClients[network][kind.Scheme] = fc
			}
		}
		s.supportedCache.Set(fmt.Sprintf("facilitator_%p", fc), *supported)
	}

	return nil
}

// Register registers a scheme server implementation for network.
func (s *ResourceServer) Register(network Network, schemeServer SchemeNetworkServer) *ResourceServer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schemes[network] == nil {
		s.schemes[network] = make(map[string]SchemeNetworkServer)
	}
	s.schemes[network][schemeServer.Scheme()] = schemeServer
	return s
}

func (s *ResourceServer) OnBeforeVerify(hook BeforeVerifyHook) *ResourceServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeVerifyHooks = append(s.beforeVerifyHooks, hook)
	return s
}

func (s *ResourceServer) OnAfterVerify(hook AfterVerifyHook) *ResourceServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterVerifyHooks = append(s.afterVerifyHooks, hook)
	return s
}

func (s *ResourceServer) OnVerifyFailure(hook OnVerifyFailureHook) *ResourceServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onVerifyFailureHooks = append(s.onVerifyFailureHooks, hook)
	return s
}

func (s *ResourceServer) OnBeforeSettle(hook BeforeSettleHook) *ResourceServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeSettleHooks = append(s.beforeSettleHooks, hook)
	return s
}

func (s *ResourceServer) OnAfterSettle(hook AfterSettleHook) *ResourceServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterSettleHooks = append(s.afterSettleHooks, hook)
	return s
}

func (s *ResourceServer) OnSettleFailure(hook OnSettleFailureHook) *ResourceServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSettleFailureHooks = append(s.onSettleFailureHooks, hook)
	return s
}

// BuildPaymentRequirements resolves config's Price into concrete
// asset/amount terms via the registered scheme server and enhances the
// result with mechanism-specific defaults (EIP-712 domain and similar).
func (s *ResourceServer) BuildPaymentRequirements(
	ctx context.Context,
	config ResourceConfig,
	supportedKind *SupportedKind,
	extensions map[string]interface{},
) (PaymentRequirements, error) {
	s.mu.RLock()
	schemeServer := s.schemes[config.Network][config.Scheme]
	s.mu.RUnlock()

	if schemeServer == nil {
		return PaymentRequirements{}, &PaymentError{
			Code:    ErrCodeUnsupportedScheme,
			Message: fmt.Sprintf("no scheme server for %s on %s", config.Scheme, config.Network),
		}
	}

	assetAmount, err := schemeServer.ParsePrice(config.Price, config.Network)
	if err != nil {
		return PaymentRequirements{}, err
	}

	maxTimeout := config.MaxTimeoutSeconds
	if maxTimeout == 0 {
		maxTimeout = 60
	}

	requirements := PaymentRequirements{
		Scheme:            config.Scheme,
		Network:           config.Network,
		Asset:             assetAmount.Asset,
		Amount:            assetAmount.Amount,
		PayTo:             config.PayTo,
		MaxTimeoutSeconds: maxTimeout,
		Extra:             assetAmount.Extra,
	}

	return schemeServer.EnhancePaymentRequirements(ctx, requirements, supportedKind, extensions)
}

// BuildPaymentRequirementsFromConfig wraps BuildPaymentRequirements with
// the cached facilitator /supported kind, when one is known for
// (config.Scheme, config.Network).
func (s *ResourceServer) BuildPaymentRequirementsFromConfig(ctx context.Context, config ResourceConfig) ([]PaymentRequirements, error) {
	s.mu.RLock()
	schemeServer := s.schemes[config.Network][config.Scheme]
	s.mu.RUnlock()

	if schemeServer == nil {
		return nil, fmt.Errorf("no scheme server for %s on %s", config.Scheme, config.Network)
	}

	var supportedKind *SupportedKind
	s.supportedCache.mu.RLock()
	for _, cachedResponse := range s.supportedCache.data {
		for _, kind := range cachedResponse.Kinds {
			if kind.Scheme == config.Scheme && Network(kind.Network).Match(config.Network) {
				k := kind
				supportedKind = &k
				break
			}
		}
		if supportedKind != nil {
			break
		}
	}
	s.supportedCache.mu.RUnlock()

	if supportedKind == nil {
		supportedKind = &SupportedKind{
			X402Version: ProtocolVersion,
			Scheme:      config.Scheme,
			Network:     string(config.Network),
			Extra:       make(map[string]interface{}),
		}
	}

	requirement, err := s.BuildPaymentRequirements(ctx, config, supportedKind, nil)
	if err != nil {
		return nil, err
	}

	return []PaymentRequirements{requirement}, nil
}

// FindMatchingRequirements returns the element of available the payer's
// PaymentPayload.Accepted matches, or nil if none does. The server must
// never trust the client-supplied Accepted directly for settlement
// terms — this re-resolves it against the server's own offered list.
func (s *ResourceServer) FindMatchingRequirements(available []PaymentRequirements, payload PaymentPayload) *PaymentRequirements {
	for i := range available {
		if payload.Accepted.Equal(available[i]) {
			return &available[i]
		}
	}
	return nil
}

// VerifyPayment verifies payload against requirements via the facilitator
// registered for (requirements.Scheme, requirements.Network).
func (s *ResourceServer) VerifyPayment(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, NewVerifyError("failed_to_marshal_payload", "", requirements.Network, err)
	}
	requirementsBytes, err := json.Marshal(requirements)
	if err != nil {
		return nil, NewVerifyError("failed_to_marshal_requirements", "", requirements.Network, err)
	}

	hookCtx := VerifyContext{
		Ctx:               ctx,
		Payload:           payload,
		Requirements:      requirements,
		PayloadBytes:      payloadBytes,
		RequirementsBytes: requirementsBytes,
	}

	for _, hook := range s.beforeVerifyHooks {
		result, err := hook(hookCtx)
		if err != nil {
			return nil, err
		}
		if result != nil && result.Abort {
			return nil, NewVerifyError(result.Reason, "", requirements.Network, nil)
		}
	}

	s.mu.RLock()
	fc, ok := findByNetworkAndScheme(s.facilitatorClients, requirements.Scheme, requirements.Network)
	s.mu.RUnlock()
	if !ok {
		return nil, NewVerifyError("no_facilitator", "", requirements.Network, fmt.Errorf("no facilitator for %s on %s", requirements.Scheme, requirements.Network))
	}

	verifyResult, verifyErr := fc.Verify(ctx, payloadBytes, requirementsBytes)

	if verifyErr != nil {
		failureCtx := VerifyFailureContext{VerifyContext: hookCtx, Error: verifyErr}
		for _, hook := range s.onVerifyFailureHooks {
			result, _ := hook(failureCtx)
			if result != nil && result.Recovered {
				return result.Result, nil
			}
		}
		return verifyResult, verifyErr
	}

	resultCtx := VerifyResultContext{VerifyContext: hookCtx, Result: verifyResult}
	for _, hook := range s.afterVerifyHooks {
		_ = hook(resultCtx)
	}

	return verifyResult, nil
}

// SettlePayment settles payload against requirements via the facilitator
// registered for (requirements.Scheme, requirements.Network). Callers
// must have verified this exact payload/requirements pair first — the
// facilitator coordinator itself enforces this invariant and returns an
// error otherwise.
func (s *ResourceServer) SettlePayment(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, NewSettleError("failed_to_marshal_payload", "", requirements.Network, "", err)
	}
	requirementsBytes, err := json.Marshal(requirements)
	if err != nil {
		return nil, NewSettleError("failed_to_marshal_requirements", "", requirements.Network, "", err)
	}

	hookCtx := SettleContext{
		Ctx:               ctx,
		Payload:           payload,
		Requirements:      requirements,
		PayloadBytes:      payloadBytes,
		RequirementsBytes: requirementsBytes,
	}

	for _, hook := range s.beforeSettleHooks {
		result, err := hook(hookCtx)
		if err != nil {
			return nil, err
		}
		if result != nil && result.Abort {
			return nil, NewSettleError(result.Reason, "", requirements.Network, "", nil)
		}
	}

	s.mu.RLock()
	fc, ok := findByNetworkAndScheme(s.facilitatorClients, requirements.Scheme, requirements.Network)
	s.mu.RUnlock()
	if !ok {
		return nil, NewSettleError("no_facilitator", "", requirements.Network, "", fmt.Errorf("no facilitator for %s on %s", requirements.Scheme, requirements.Network))
	}

	settleResult, settleErr := fc.Settle(ctx, payloadBytes, requirementsBytes)

	if settleErr != nil {
		failureCtx := SettleFailureContext{SettleContext: hookCtx, Error: settleErr}
		for _, hook := range s.onSettleFailureHooks {
			result, _ := hook(failureCtx)
			if result != nil && result.Recovered {
				return result.Result, nil
			}
		}
		return settleResult, settleErr
	}

	resultCtx := SettleResultContext{SettleContext: hookCtx, Result: settleResult}
	for _, hook := range s.afterSettleHooks {
		_ = hook(resultCtx)
	}

	return settleResult, nil
}

// CreatePaymentRequiredResponse builds the body returned alongside HTTP
// 402 when no acceptable payment has been presented yet.
func (s *ResourceServer) CreatePaymentRequiredResponse(
	requirements []PaymentRequirements,
	resourceInfo *ResourceInfo,
	errorMsg string,
	extensions map[string]interface{},
) PaymentRequired {
	return PaymentRequired{
		X402Version: ProtocolVersion,
		Error:       errorMsg,
		Resource:    resourceInfo,
		Accepts:     requirements,
		Extensions:  extensions,
	}
}
