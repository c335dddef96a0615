package x402

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/x402-io/x402/go/codec"
)

// schemeData pairs a registered SchemeNetworkFacilitator with the
// networks it was registered for and the wildcard pattern those networks
// reduce to, used by GetSupported and by the Verify/Settle lookup.
type schemeData struct {
	facilitator SchemeNetworkFacilitator
	networks    map[Network]bool
	pattern     Network
}

// Facilitator coordinates verification and settlement across registered
// scheme/network mechanisms, enforcing the protocol's verify-before-settle
// invariant: Settle refuses a (payload, requirements) pair that has not
// first passed Verify within verifiedTTL.
type Facilitator struct {
	mu sync.RWMutex

	schemes    []*schemeData
	extensions []string

	verifiedTTL      time.Duration
	verifiedPayments map[string]time.Time

	beforeVerifyHooks    []FacilitatorBeforeVerifyHook
	afterVerifyHooks     []FacilitatorAfterVerifyHook
	onVerifyFailureHooks []FacilitatorOnVerifyFailureHook
	beforeSettleHooks    []FacilitatorBeforeSettleHook
	afterSettleHooks     []FacilitatorAfterSettleHook
	onSettleFailureHooks []FacilitatorOnSettleFailureHook
}

// FacilitatorOption configures a facilitator at construction time.
type FacilitatorOption func(*Facilitator)

// WithVerifiedTTL overrides the default window a successful Verify stays
// valid for a subsequent Settle of the same payload.
func WithVerifiedTTL(ttl time.Duration) FacilitatorOption {
	return func(f *Facilitator) {
		f.verifiedTTL = ttl
	}
}

// NewFacilitator creates an x402 facilitator coordinator with no
// mechanisms registered.
func NewFacilitator(opts ...FacilitatorOption) *Facilitator {
	f := &Facilitator{
		schemes:          []*schemeData{},
		extensions:       []string{},
		verifiedTTL:      5 * time.Minute,
		verifiedPayments: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register registers impl for every network in networks. Multiple
// facilitators may register the same scheme name for disjoint networks.
func (f *Facilitator) Register(networks []Network, impl SchemeNetworkFacilitator) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()

	networkSet := make(map[Network]bool, len(networks))
	for _, network := range networks {
		networkSet[network] = true
	}

	f.schemes = append(f.schemes, &schemeData{
		facilitator: impl,
		networks:    networkSet,
		pattern:     derivePattern(networks),
	})

	return f
}

// RegisterExtension records a protocol extension name reported via
// GetSupported. De-duplicates silently on repeat registration.
func (f *Facilitator) RegisterExtension(extension string) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ext := range f.extensions {
		if ext == extension {
			return f
		}
	}
	f.extensions = append(f.extensions, extension)
	return f
}

func (f *Facilitator) OnBeforeVerify(hook FacilitatorBeforeVerifyHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeVerifyHooks = append(f.beforeVerifyHooks, hook)
	return f
}

func (f *Facilitator) OnAfterVerify(hook FacilitatorAfterVerifyHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterVerifyHooks = append(f.afterVerifyHooks, hook)
	return f
}

func (f *Facilitator) OnVerifyFailure(hook FacilitatorOnVerifyFailureHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onVerifyFailureHooks = append(f.onVerifyFailureHooks, hook)
	return f
}

func (f *Facilitator) OnBeforeSettle(hook FacilitatorBeforeSettleHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeSettleHooks = append(f.beforeSettleHooks, hook)
	return f
}

func (f *Facilitator) OnAfterSettle(hook FacilitatorAfterSettleHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterSettleHooks = append(f.afterSettleHooks, hook)
	return f
}

func (f *Facilitator) OnSettleFailure(hook FacilitatorOnSettleFailureHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSettleFailureHooks = append(f.onSettleFailureHooks, hook)
	return f
}

// verificationKey derives the replay-cache key for a (payload,
// requirements) pair from their canonical JSON encodings, so two
// byte-distinct-but-semantically-equal requests collide as intended
// (e.g. differing key order in the raw request).
func verificationKey(payloadBytes, requirementsBytes []byte) (string, error) {
	var payload PaymentPayload
	var requirements PaymentRequirements
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return "", err
	}
	if err := json.Unmarshal(requirementsBytes, &requirements); err != nil {
		return "", err
	}

	canonPayload, err := codec.Canonicalize(payload)
	if err != nil {
		return "", err
	}
	canonReq, err := codec.Canonicalize(requirements)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write(canonPayload)
	h.Write([]byte{0})
	h.Write(canonReq)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (f *Facilitator) markVerified(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evictExpiredLocked()
	f.verifiedPayments[key] = time.Now().Add(f.verifiedTTL)
}

func (f *Facilitator) wasVerified(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evictExpiredLocked()
	expiry, ok := f.verifiedPayments[key]
	return ok && time.Now().Before(expiry)
}

// evictExpiredLocked drops stale replay-cache entries. Called while
// f.mu is already held.
func (f *Facilitator) evictExpiredLocked() {
	now := time.Now()
	for key, expiry := range f.verifiedPayments {
		if now.After(expiry) {
			delete(f.verifiedPayments, key)
		}
	}
}

// Verify verifies a payment at the network boundary: raw canonical bytes
// in, typed result out. A successful verification is recorded so a
// subsequent Settle of the identical pair is permitted.
func (f *Facilitator) Verify(ctx context.Context, payloadBytes []byte, requirementsBytes []byte) (*VerifyResponse, error) {
	var payload PaymentPayload
	var requirements PaymentRequirements
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, NewVerifyError(ReasonMalformedAccepted, "", "", err)
	}
	if err := json.Unmarshal(requirementsBytes, &requirements); err != nil {
		return nil, NewVerifyError(ReasonMalformedAccepted, "", "", err)
	}

	hookCtx := FacilitatorVerifyContext{
		Ctx:               ctx,
		Payload:           payload,
		Requirements:      requirements,
		PayloadBytes:      payloadBytes,
		RequirementsBytes: requirementsBytes,
	}

	for _, hook := range f.beforeVerifyHooks {
		result, err := hook(hookCtx)
		if err != nil {
			return nil, err
		}
		if result != nil && result.Abort {
			return nil, NewVerifyError(result.Reason, "", requirements.Network, nil)
		}
	}

	impl, ok := f.lookup(requirements.Scheme, requirements.Network)
	if !ok {
		return nil, NewVerifyError(ReasonUnsupportedScheme, "", requirements.Network,
			fmt.Errorf("no facilitator for scheme %s on network %s", requirements.Scheme, requirements.Network))
	}

	verifyResult, verifyErr := impl.Verify(ctx, payload, requirements)

	if verifyErr != nil {
		failureCtx := FacilitatorVerifyFailureContext{FacilitatorVerifyContext: hookCtx, Error: verifyErr}
		for _, hook := range f.onVerifyFailureHooks {
			result, _ := hook(failureCtx)
			if result != nil && result.Recovered {
				return result.Result, nil
			}
		}
		return nil, verifyErr
	}

	if verifyResult.IsValid {
		if key, err := verificationKey(payloadBytes, requirementsBytes); err == nil {
			f.markVerified(key)
		}
	}

	resultCtx := FacilitatorVerifyResultContext{FacilitatorVerifyContext: hookCtx, Result: verifyResult}
	for _, hook := range f.afterVerifyHooks {
		_ = hook(resultCtx)
	}

	return verifyResult, nil
}

// Settle settles a payment at the network boundary. Refuses to run if the
// identical (payload, requirements) pair has not been Verified within the
// facilitator's verifiedTTL.
func (f *Facilitator) Settle(ctx context.Context, payloadBytes []byte, requirementsBytes []byte) (*SettleResponse, error) {
	var payload PaymentPayload
	var requirements PaymentRequirements
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, NewSettleError(ReasonMalformedAccepted, "", "", "", err)
	}
	if err := json.Unmarshal(requirementsBytes, &requirements); err != nil {
		return nil, NewSettleError(ReasonMalformedAccepted, "", "", "", err)
	}

	key, keyErr := verificationKey(payloadBytes, requirementsBytes)
	if keyErr != nil || !f.wasVerified(key) {
		return nil, NewSettleError(ReasonNotVerifiedFirst, "", requirements.Network, "",
			fmt.Errorf("payment must be verified before settlement"))
	}

	hookCtx := FacilitatorSettleContext{
		Ctx:               ctx,
		Payload:           payload,
		Requirements:      requirements,
		PayloadBytes:      payloadBytes,
		RequirementsBytes: requirementsBytes,
	}

	for _, hook := range f.beforeSettleHooks {
		result, err := hook(hookCtx)
		if err != nil {
			return nil, err
		}
		if result != nil && result.Abort {
			return nil, NewSettleError(result.Reason, "", requirements.Network, "", nil)
		}
	}

	impl, ok := f.lookup(requirements.Scheme, requirements.Network)
	if !ok {
		return nil, NewSettleError(ReasonUnsupportedScheme, "", requirements.Network, "",
			fmt.Errorf("no facilitator for scheme %s on network %s", requirements.Scheme, requirements.Network))
	}

	settleResult, settleErr := impl.Settle(ctx, payload, requirements)

	if settleErr != nil {
		failureCtx := FacilitatorSettleFailureContext{FacilitatorSettleContext: hookCtx, Error: settleErr}
		for _, hook := range f.onSettleFailureHooks {
			result, _ := hook(failureCtx)
			if result != nil && result.Recovered {
				return result.Result, nil
			}
		}
		return nil, settleErr
	}

	resultCtx := FacilitatorSettleResultContext{FacilitatorSettleContext: hookCtx, Result: settleResult}
	for _, hook := range f.afterSettleHooks {
		_ = hook(resultCtx)
	}

	return settleResult, nil
}

// lookup finds the registered facilitator for (scheme, network),
// preferring an exact network registration over a wildcard pattern.
func (f *Facilitator) lookup(scheme string, network Network) (SchemeNetworkFacilitator, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, data := range f.schemes {
		if data.facilitator.Scheme() != scheme {
			continue
		}
		if data.networks[network] {
			return data.facilitator, true
		}
	}
	for _, data := range f.schemes {
		if data.facilitator.Scheme() != scheme {
			continue
		}
		if network.Match(data.pattern) {
			return data.facilitator, true
		}
	}
	return nil, false
}

// GetSupported reports every (scheme, network) pair registered, grouped
// alongside the signer addresses registered for each CAIP-2 family.
func (f *Facilitator) GetSupported() SupportedResponse {
	f.mu.RLock()
	defer f.mu.RUnlock()

	kinds := []SupportedKind{}
	signersByFamily := make(map[string]map[string]bool)

	for _, data := range f.schemes {
		scheme := data.facilitator.Scheme()

		for network := range data.networks {
			kind := SupportedKind{
				X402Version: ProtocolVersion,
				Scheme:      scheme,
				Network:     string(network),
			}
			if extra := data.facilitator.GetExtra(network); extra != nil {
				kind.Extra = extra
			}
			kinds = append(kinds, kind)

			family := data.facilitator.CaipFamily()
			if signersByFamily[family] == nil {
				signersByFamily[family] = make(map[string]bool)
			}
			for _, signer := range data.facilitator.GetSigners(network) {
				signersByFamily[family][signer] = true
			}
		}
	}

	signers := make(map[string][]string)
	for family, signerSet := range signersByFamily {
		signerList := make([]string, 0, len(signerSet))
		for signer := range signerSet {
			signerList = append(signerList, signer)
		}
		signers[family] = signerList
	}

	return SupportedResponse{
		Kinds:      kinds,
		Extensions: f.extensions,
		Signers:    signers,
	}
}

// derivePattern reduces networks to a single wildcard pattern when they
// all share a CAIP-2 family, otherwise to the first network (exact-match
// only; mixed-family registration falls back to per-network lookup via
// the networks set, not the pattern).
func derivePattern(networks []Network) Network {
	if len(networks) == 0 {
		return ""
	}
	if len(networks) == 1 {
		return networks[0]
	}

	families := make(map[string]bool)
	for _, network := range networks {
		families[network.Family()] = true
	}

	if len(families) == 1 {
		for family := range families {
			return Network(family + ":*")
		}
	}

	return networks[0]
}
