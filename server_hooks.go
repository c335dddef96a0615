package x402

import "context"

// VerifyContext is passed to resource-server verify hooks. PayloadBytes/
// RequirementsBytes are the raw canonical bytes, kept alongside the typed
// values as an escape hatch for hooks that need the exact wire bytes
// (replay-cache keys, logging, extensions).
type VerifyContext struct {
	Ctx               context.Context
	Payload           PaymentPayload
	Requirements      PaymentRequirements
	PayloadBytes      []byte
	RequirementsBytes []byte
}

// VerifyResultContext carries a successful verify result alongside its
// context.
type VerifyResultContext struct {
	VerifyContext
	Result *VerifyResponse
}

// VerifyFailureContext carries a failed verify attempt alongside its
// context.
type VerifyFailureContext struct {
	VerifyContext
	Error error
}

// SettleContext is passed to resource-server settle hooks.
type SettleContext struct {
	Ctx               context.Context
	Payload           PaymentPayload
	Requirements      PaymentRequirements
	PayloadBytes      []byte
	RequirementsBytes []byte
}

// SettleResultContext carries a successful settle result alongside its
// context.
type SettleResultContext struct {
	SettleContext
	Result *SettleResponse
}

// SettleFailureContext carries a failed settle attempt alongside its
// context.
type SettleFailureContext struct {
	SettleContext
	Error error
}

// BeforeHookResult aborts the operation when Abort is true.
type BeforeHookResult struct {
	Abort  bool
	Reason string
}

// VerifyFailureHookResult recovers from a verify failure by supplying
// Result in place of propagating Error.
type VerifyFailureHookResult struct {
	Recovered bool
	Result    *VerifyResponse
}

// SettleFailureHookResult recovers from a settle failure by supplying
// Result in place of propagating Error.
type SettleFailureHookResult struct {
	Recovered bool
	Result    *SettleResponse
}

// BeforeVerifyHook runs before payment verification. Abort=true skips
// verification and returns a *VerifyError with Reason.
type BeforeVerifyHook func(VerifyContext) (*BeforeHookResult, error)

// AfterVerifyHook runs after a successful verification. Its own error is
// discarded: neither logged nor surfaced to the caller.
type AfterVerifyHook func(VerifyResultContext) error

// OnVerifyFailureHook runs when verification fails. Recovered=true
// substitutes Result for the error.
type OnVerifyFailureHook func(VerifyFailureContext) (*VerifyFailureHookResult, error)

// BeforeSettleHook runs before payment settlement. Abort=true skips
// settlement and returns an error with Reason.
type BeforeSettleHook func(SettleContext) (*BeforeHookResult, error)

// AfterSettleHook runs after a successful settlement. Its own error is
// discarded: neither logged nor surfaced to the caller.
type AfterSettleHook func(SettleResultContext) error

// OnSettleFailureHook runs when settlement fails. Recovered=true
// substitutes Result for the error.
type OnSettleFailureHook func(SettleFailureContext) (*SettleFailureHookResult, error)

func WithBeforeVerifyHook(hook BeforeVerifyHook) ResourceServerOption {
	return func(s *ResourceServer) {
		s.beforeVerifyHooks = append(s.beforeVerifyHooks, hook)
	}
}

func WithAfterVerifyHook(hook AfterVerifyHook) ResourceServerOption {
	return func(s *ResourceServer) {
		s.afterVerifyHooks = append(s.afterVerifyHooks, hook)
	}
}

func WithOnVerifyFailureHook(hook OnVerifyFailureHook) ResourceServerOption {
	return func(s *ResourceServer) {
		s.onVerifyFailureHooks = append(s.onVerifyFailureHooks, hook)
	}
}

func WithBeforeSettleHook(hook BeforeSettleHook) ResourceServerOption {
	return func(s *ResourceServer) {
		s.beforeSettleHooks = append(s.beforeSettleHooks, hook)
	}
}

func WithAfterSettleHook(hook AfterSettleHook) ResourceServerOption {
	return func(s *ResourceServer) {
		s.afterSettleHooks = append(s.afterSettleHooks, hook)
	}
}

func WithOnSettleFailureHook(hook OnSettleFailureHook) ResourceServerOption {
	return func(s *ResourceServer) {
		s.onSettleFailureHooks = append(s.onSettleFailureHooks, hook)
	}
}
