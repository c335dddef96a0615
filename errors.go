package x402

import "fmt"

// PaymentError represents a payment-specific error
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common error codes
const (
	ErrCodeInvalidPayment     = "invalid_payment"
	ErrCodePaymentRequired    = "payment_required"
	ErrCodeInsufficientFunds  = "insufficient_funds"
	ErrCodeNetworkMismatch    = "network_mismatch"
	ErrCodeSchemeMismatch     = "scheme_mismatch"
	ErrCodeSignatureInvalid   = "signature_invalid"
	ErrCodePaymentExpired     = "payment_expired"
	ErrCodeSettlementFailed   = "settlement_failed"
	ErrCodeUnsupportedScheme  = "unsupported_scheme"
	ErrCodeUnsupportedNetwork = "unsupported_network"
)

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// VerifyError represents a payment verification failure
// All verification failures (business logic and system errors) are returned as errors
type VerifyError struct {
	Reason  string  // Error reason/code (e.g., "insufficient_balance", "invalid_signature")
	Payer   string  // Payer address (if known)
	Network Network // Network identifier (if known)
	Err     error   // Optional underlying error (for wrapping system errors)
}

// Error implements the error interface
func (e *VerifyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("verification failed: %s (reason: %s)", e.Err.Error(), e.Reason)
	}
	return fmt.Sprintf("verification failed: %s", e.Reason)
}

// Unwrap returns the underlying error (for errors.Is/As)
func (e *VerifyError) Unwrap() error {
	return e.Err
}

// NewVerifyError creates a new verification error
//
// Args:
//
//	reason: Error reason/code
//	payer: Payer address (empty string if unknown)
//	network: Network identifier (empty string if unknown)
//	err: Optional underlying error
//
// Returns:
//
//	*VerifyError
func NewVerifyError(reason string, payer string, network Network, err error) *VerifyError {
	return &VerifyError{
		Reason:  reason,
		Payer:   payer,
		Network: network,
		Err:     err,
	}
}

// SettleError represents a payment settlement failure
// All settlement failures (business logic and system errors) are returned as errors
type SettleError struct {
	Reason      string  // Error reason/code (e.g., "transaction_failed", "insufficient_balance")
	Payer       string  // Payer address (if known)
	Network     Network // Network identifier
	Transaction string  // Transaction hash (if settlement was attempted)
	Err         error   // Optional underlying error (for wrapping system errors)
}

// Error implements the error interface
func (e *SettleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("settlement failed: %s (reason: %s)", e.Err.Error(), e.Reason)
	}
	return fmt.Sprintf("settlement failed: %s", e.Reason)
}

// Unwrap returns the underlying error (for errors.Is/As)
func (e *SettleError) Unwrap() error {
	return e.Err
}

// NewSettleError creates a new settlement error
//
// Args:
//
//	reason: Error reason/code
//	payer: Payer address (empty string if unknown)
//	network: Network identifier
//	transaction: Transaction hash (empty string if not submitted)
//	err: Optional underlying error
//
// Returns:
//
//	*SettleError
func NewSettleError(reason string, payer string, network Network, transaction string, err error) *SettleError {
	return &SettleError{
		Reason:      reason,
		Payer:       payer,
		Network:     network,
		Transaction: transaction,
		Err:         err,
	}
}

// ConfigError represents a missing or invalid piece of static
// configuration: an unregistered network, a missing settlement address, a
// requirements object missing its EIP-712 domain. Detected at the first
// request that needs the value (or at startup, when detectable there);
// never retryable.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func NewConfigError(reason string, err error) *ConfigError {
	return &ConfigError{Reason: reason, Err: err}
}

// Stable verification/settlement reason strings. These are part of the
// wire contract (test suites key on the exact string), so never rename
// one in place — add a new constant instead.
const (
	ReasonUnsupportedScheme  = "unsupported_scheme"
	ReasonNetworkMismatch    = "network_mismatch"
	ReasonMalformedAccepted  = "malformed_accepted"
	ReasonRPCTimeout         = "rpc_timeout"
	ReasonRPCUnavailable     = "rpc_unavailable"

	// EIP-3009
	ReasonMissingEIP712Domain          = "missing_eip712_domain"
	ReasonUndeployedSmartWallet        = "invalid_exact_evm_payload_undeployed_smart_wallet"
	ReasonRecipientMismatch            = "invalid_exact_evm_payload_recipient_mismatch"
	ReasonAuthValidBefore              = "invalid_exact_evm_payload_authorization_valid_before"
	ReasonAuthValidAfter               = "invalid_exact_evm_payload_authorization_valid_after"
	ReasonInsufficientFunds            = "insufficient_funds"
	ReasonAuthValueTooLow              = "invalid_exact_evm_payload_authorization_value"
	ReasonInvalidTransactionState      = "invalid_transaction_state"

	// Permit2
	ReasonTokenMismatch               = "token_mismatch"
	ReasonPermit2RecipientMismatch    = "recipient_mismatch"
	ReasonSettlementContractNotDeployed = "settlement_contract_not_deployed"
	ReasonSettlementContractMissing   = "SettlementContractMissing"
	ReasonInvalidPermit2Signature     = "invalid_permit2_signature"
	ReasonPermit2DeadlineExpired      = "permit2_deadline_expired"
	ReasonInsufficientAmount          = "insufficient_amount"
	ReasonInsufficientPermit2Allowance = "insufficient_permit2_allowance"

	// Settlement, both sub-mechanisms
	ReasonTransactionFailed = "transaction_failed"

	// Facilitator coordinator
	ReasonNotVerifiedFirst = "Payment was not verified first"
	ReasonUnsupportedKind  = "UnsupportedKind"

	// Resource server middleware
	ReasonMalformedPaymentHeader    = "malformed payment header"
	ReasonInvalidAcceptedRequirements = "invalid_accepted_requirements"
	ReasonSettlementFailed          = "settlement_failed"

	// Client
	ReasonPaymentRetryLoop        = "PaymentRetryLoop"
	ReasonNoCompatiblePaymentMethod = "NoCompatiblePaymentMethod"
)
