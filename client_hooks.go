package x402

import "context"

// PaymentCreationContext is passed to client payment-creation hooks.
type PaymentCreationContext struct {
	Ctx                  context.Context
	SelectedRequirements PaymentRequirements
}

// PaymentCreatedContext carries a successful creation result alongside
// its context.
type PaymentCreatedContext struct {
	PaymentCreationContext
	Payload PaymentPayload
}

// PaymentCreationFailureContext carries a failed creation attempt
// alongside its context.
type PaymentCreationFailureContext struct {
	PaymentCreationContext
	Error error
}

// BeforePaymentCreationHookResult aborts payment creation when Abort is
// true, failing the fetch with Reason.
type BeforePaymentCreationHookResult struct {
	Abort  bool
	Reason string
}

// PaymentCreationFailureHookResult recovers from a creation failure by
// supplying Payload in place of propagating Error, when Recovered is
// true.
type PaymentCreationFailureHookResult struct {
	Recovered bool
	Payload   PaymentPayload
}

// BeforePaymentCreationHook runs before CreatePaymentPayload.
type BeforePaymentCreationHook func(PaymentCreationContext) (*BeforePaymentCreationHookResult, error)

// AfterPaymentCreationHook runs after a successful CreatePaymentPayload.
// Its own error is discarded: neither logged nor surfaced to the caller.
type AfterPaymentCreationHook func(PaymentCreatedContext) error

// OnPaymentCreationFailureHook runs when CreatePaymentPayload fails.
type OnPaymentCreationFailureHook func(PaymentCreationFailureContext) (*PaymentCreationFailureHookResult, error)

// WithBeforePaymentCreationHook registers a before-creation hook.
func WithBeforePaymentCreationHook(hook BeforePaymentCreationHook) ClientOption {
	return func(c *Client) {
		c.beforePaymentCreationHooks = append(c.beforePaymentCreationHooks, hook)
	}
}

// WithAfterPaymentCreationHook registers an after-creation hook.
func WithAfterPaymentCreationHook(hook AfterPaymentCreationHook) ClientOption {
	return func(c *Client) {
		c.afterPaymentCreationHooks = append(c.afterPaymentCreationHooks, hook)
	}
}

// WithOnPaymentCreationFailureHook registers a creation-failure hook.
func WithOnPaymentCreationFailureHook(hook OnPaymentCreationFailureHook) ClientOption {
	return func(c *Client) {
		c.onPaymentCreationFailureHooks = append(c.onPaymentCreationFailureHooks, hook)
	}
}
