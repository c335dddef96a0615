package x402

import "context"

// FacilitatorVerifyContext is passed to facilitator verify hooks.
// PayloadBytes/RequirementsBytes are the raw canonical bytes received over
// the wire, kept alongside the typed values as an escape hatch.
type FacilitatorVerifyContext struct {
	Ctx               context.Context
	Payload           PaymentPayload
	Requirements      PaymentRequirements
	PayloadBytes      []byte
	RequirementsBytes []byte
}

// FacilitatorVerifyResultContext carries a successful verify result
// alongside its context.
type FacilitatorVerifyResultContext struct {
	FacilitatorVerifyContext
	Result *VerifyResponse
}

// FacilitatorVerifyFailureContext carries a failed verify attempt
// alongside its context.
type FacilitatorVerifyFailureContext struct {
	FacilitatorVerifyContext
	Error error
}

// FacilitatorSettleContext is passed to facilitator settle hooks.
type FacilitatorSettleContext struct {
	Ctx               context.Context
	Payload           PaymentPayload
	Requirements      PaymentRequirements
	PayloadBytes      []byte
	RequirementsBytes []byte
}

// FacilitatorSettleResultContext carries a successful settle result
// alongside its context.
type FacilitatorSettleResultContext struct {
	FacilitatorSettleContext
	Result *SettleResponse
}

// FacilitatorSettleFailureContext carries a failed settle attempt
// alongside its context.
type FacilitatorSettleFailureContext struct {
	FacilitatorSettleContext
	Error error
}

// FacilitatorBeforeHookResult aborts the operation when Abort is true.
type FacilitatorBeforeHookResult struct {
	Abort  bool
	Reason string
}

// FacilitatorVerifyFailureHookResult recovers from a verify failure by
// supplying Result in place of propagating Error.
type FacilitatorVerifyFailureHookResult struct {
	Recovered bool
	Result    *VerifyResponse
}

// FacilitatorSettleFailureHookResult recovers from a settle failure by
// supplying Result in place of propagating Error.
type FacilitatorSettleFailureHookResult struct {
	Recovered bool
	Result    *SettleResponse
}

// FacilitatorBeforeVerifyHook runs before facilitator verification.
// Abort=true skips verification and returns a *VerifyError with Reason.
type FacilitatorBeforeVerifyHook func(FacilitatorVerifyContext) (*FacilitatorBeforeHookResult, error)

// FacilitatorAfterVerifyHook runs after a successful facilitator
// verification. Its own error is discarded: neither logged nor surfaced
// to the caller.
type FacilitatorAfterVerifyHook func(FacilitatorVerifyResultContext) error

// FacilitatorOnVerifyFailureHook runs when facilitator verification
// fails. Recovered=true substitutes Result for the error.
type FacilitatorOnVerifyFailureHook func(FacilitatorVerifyFailureContext) (*FacilitatorVerifyFailureHookResult, error)

// FacilitatorBeforeSettleHook runs before facilitator settlement.
// Abort=true skips settlement and returns an error with Reason.
type FacilitatorBeforeSettleHook func(FacilitatorSettleContext) (*FacilitatorBeforeHookResult, error)

// FacilitatorAfterSettleHook runs after a successful facilitator
// settlement. Its own error is discarded: neither logged nor surfaced to
// the caller.
type FacilitatorAfterSettleHook func(FacilitatorSettleResultContext) error

// FacilitatorOnSettleFailureHook runs when facilitator settlement fails.
// Recovered=true substitutes Result for the error.
type FacilitatorOnSettleFailureHook func(FacilitatorSettleFailureContext) (*FacilitatorSettleFailureHookResult, error)

func WithFacilitatorBeforeVerifyHook(hook FacilitatorBeforeVerifyHook) FacilitatorOption {
	return func(f *Facilitator) {
		f.beforeVerifyHooks = append(f.beforeVerifyHooks, hook)
	}
}

func WithFacilitatorAfterVerifyHook(hook FacilitatorAfterVerifyHook) FacilitatorOption {
	return func(f *Facilitator) {
		f.afterVerifyHooks = append(f.afterVerifyHooks, hook)
	}
}

func WithFacilitatorOnVerifyFailureHook(hook FacilitatorOnVerifyFailureHook) FacilitatorOption {
	return func(f *Facilitator) {
		f.onVerifyFailureHooks = append(f.onVerifyFailureHooks, hook)
	}
}

func WithFacilitatorBeforeSettleHook(hook FacilitatorBeforeSettleHook) FacilitatorOption {
	return func(f *Facilitator) {
		f.beforeSettleHooks = append(f.beforeSettleHooks, hook)
	}
}

func WithFacilitatorAfterSettleHook(hook FacilitatorAfterSettleHook) FacilitatorOption {
	return func(f *Facilitator) {
		f.afterSettleHooks = append(f.afterSettleHooks, hook)
	}
}

func WithFacilitatorOnSettleFailureHook(hook FacilitatorOnSettleFailureHook) FacilitatorOption {
	return func(f *Facilitator) {
		f.onSettleFailureHooks = append(f.onSettleFailureHooks, hook)
	}
}
