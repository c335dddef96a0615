package x402

import (
	"context"
	"fmt"
	"math/big"
	"sync"
)

// Client manages payment mechanisms and creates payment payloads. Used by
// applications that hold wallets/signers and need to pay for a resource.
type Client struct {
	mu sync.RWMutex

	schemes map[Network]map[string]SchemeNetworkClient

	requirementsSelector PaymentRequirementsSelector
	balanceCheckers      map[Network]map[string]BalanceChecker
	policies             []PaymentPolicy

	beforePaymentCreationHooks    []BeforePaymentCreationHook
	afterPaymentCreationHooks     []AfterPaymentCreationHook
	onPaymentCreationFailureHooks []OnPaymentCreationFailureHook
}

// ClientOption configures a client at construction time.
type ClientOption func(*Client)

// WithPaymentSelector overrides the default balance-aware selector.
func WithPaymentSelector(selector PaymentRequirementsSelector) ClientOption {
	return func(c *Client) {
		c.requirementsSelector = selector
	}
}

// WithPolicy registers a payment policy at construction time.
func WithPolicy(policy PaymentPolicy) ClientOption {
	return func(c *Client) {
		c.policies = append(c.policies, policy)
	}
}

// NewClient creates an x402 client with no mechanisms registered.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		schemes:              make(map[Network]map[string]SchemeNetworkClient),
		balanceCheckers:      make(map[Network]map[string]BalanceChecker),
		requirementsSelector: SelectPaymentMethod,
		policies:             []PaymentPolicy{},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Register registers a payment mechanism for network, optionally paired
// with a BalanceChecker the default selector will consult before choosing
// it. bc may be nil, in which case the default selector treats the
// mechanism as always affordable.
func (c *Client) Register(network Network, impl SchemeNetworkClient, bc BalanceChecker) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.schemes[network] == nil {
		c.schemes[network] = make(map[string]SchemeNetworkClient)
	}
	c.schemes[network][impl.Scheme()] = impl

	if bc != nil {
		if c.balanceCheckers[network] == nil {
			c.balanceCheckers[network] = make(map[string]BalanceChecker)
		}
		c.balanceCheckers[network][impl.Scheme()] = bc
	}

	return c
}

// RegisterPolicy registers a policy to filter or reorder candidates before
// selection runs.
func (c *Client) RegisterPolicy(policy PaymentPolicy) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policies = append(c.policies, policy)
	return c
}

// SelectPaymentMethod is the default PaymentRequirementsSelector: it walks
// candidates in order (the server's preference, or the caller's after
// policies reorder them) and returns the first one whose BalanceChecker
// reports a positive balance. A candidate with no registered
// BalanceChecker is treated as affordable without a balance query.
// SelectPaymentMethod itself never invokes bc for a (scheme, network) pair
// the caller has not registered a mechanism for — that filtering happens
// in CreatePaymentPayload before the selector ever runs.
func SelectPaymentMethod(ctx context.Context, candidates []PaymentRequirements, bc BalanceChecker) (*PaymentRequirements, error) {
	for i := range candidates {
		cand := candidates[i]
		if bc == nil {
			return &cand, nil
		}
		balance, err := bc(ctx, cand)
		if err != nil {
			return nil, err
		}
		if balance == nil || balance.Sign() > 0 {
			return &cand, nil
		}
	}
	return nil, &PaymentError{
		Code:    ErrCodeInsufficientFunds,
		Message: "no candidate payment method has a sufficient balance",
	}
}

// CreatePaymentPayload selects among requirements the candidate this
// client can and should pay, builds a payload via the registered
// mechanism, and wraps it with the accepted requirements.
func (c *Client) CreatePaymentPayload(
	ctx context.Context,
	requirements []PaymentRequirements,
) (PaymentPayload, error) {
	c.mu.RLock()
	var supported []PaymentRequirements
	for _, req := range requirements {
		schemes := findSchemesByNetwork(c.schemes, req.Network)
		if schemes == nil {
			continue
		}
		if _, ok := schemes[req.Scheme]; ok {
			supported = append(supported, req)
		}
	}
	c.mu.RUnlock()

	if len(supported) == 0 {
		return PaymentPayload{}, &PaymentError{
			Code:    ErrCodeUnsupportedScheme,
			Message: "no supported payment schemes available",
		}
	}

	filtered := supported
	for _, policy := range c.policies {
		filtered = policy(filtered)
		if len(filtered) == 0 {
			return PaymentPayload{}, &PaymentError{
				Code:    ErrCodeUnsupportedScheme,
				Message: "all payment requirements were filtered out by policies",
			}
		}
	}

	selected, err := c.requirementsSelector(ctx, filtered, c.lookupBalanceChecker)
	if err != nil {
		return PaymentPayload{}, err
	}

	hookCtx := PaymentCreationContext{Ctx: ctx, SelectedRequirements: *selected}
	for _, hook := range c.beforePaymentCreationHooks {
		result, err := hook(hookCtx)
		if err != nil {
			return PaymentPayload{}, err
		}
		if result != nil && result.Abort {
			return PaymentPayload{}, &PaymentError{
				Code:    ErrCodeInvalidPayment,
				Message: result.Reason,
			}
		}
	}

	c.mu.RLock()
	schemes := findSchemesByNetwork(c.schemes, selected.Network)
	var impl SchemeNetworkClient
	if schemes != nil {
		impl = schemes[selected.Scheme]
	}
	c.mu.RUnlock()

	if impl == nil {
		return PaymentPayload{}, &PaymentError{
			Code:    ErrCodeUnsupportedScheme,
			Message: fmt.Sprintf("no client registered for scheme %s on network %s", selected.Scheme, selected.Network),
		}
	}

	payloadFields, err := impl.CreatePaymentPayload(ctx, *selected)
	if err != nil {
		for _, hook := range c.onPaymentCreationFailureHooks {
			result, hookErr := hook(PaymentCreationFailureContext{PaymentCreationContext: hookCtx, Error: err})
			if hookErr != nil {
				return PaymentPayload{}, hookErr
			}
			if result != nil && result.Recovered {
				return result.Payload, nil
			}
		}
		return PaymentPayload{}, err
	}

	payload := PaymentPayload{
		X402Version: ProtocolVersion,
		Scheme:      selected.Scheme,
		Network:     selected.Network,
		Payload:     payloadFields,
		Accepted:    *selected,
	}

	for _, hook := range c.afterPaymentCreationHooks {
		_ = hook(PaymentCreatedContext{PaymentCreationContext: hookCtx, Payload: payload})
	}

	return payload, nil
}

// lookupBalanceChecker adapts the registry of per-mechanism BalanceCheckers
// into a single BalanceChecker closed over the requested requirements'
// (scheme, network), satisfying the caller-never-queries-unregistered-
// mechanisms guarantee.
func (c *Client) lookupBalanceChecker(ctx context.Context, m PaymentRequirements) (*big.Int, error) {
	c.mu.RLock()
	checkers := findSchemesByNetwork(c.balanceCheckers, m.Network)
	var bc BalanceChecker
	if checkers != nil {
		bc = checkers[m.Scheme]
	}
	c.mu.RUnlock()

	if bc == nil {
		return nil, nil
	}
	return bc(ctx, m)
}
