package errors

import (
	"errors"
	"fmt"
	"math/big"
)

// Fatal settlement faults. Retrying cannot help until an operator acts.
var (
	ErrPriceUnavailable      = errors.New("price unavailable")
	ErrInsufficientBalance   = errors.New("insufficient safe wallet token balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance to hot wallet")
	ErrInsufficientGas       = errors.New("insufficient hot wallet gas balance")
	ErrConfigurationError    = errors.New("configuration error")
	// ErrUnknownPair is the configuration error for a pair with no oracle
	// settings.
	ErrUnknownPair = fmt.Errorf("%w: unknown price pair", ErrConfigurationError)
)

// Transient settlement faults. The record is retried with backoff.
var (
	ErrTransactionReverted = errors.New("transaction reverted")
	ErrTransactionTimeout  = errors.New("transaction confirmation timeout")
	ErrLedgerUnavailable   = errors.New("ledger unavailable")
)

// Bookkeeping errors.
var (
	// ErrClaimLost means another worker or the sweeper took the record over.
	ErrClaimLost = errors.New("payment record claim lost")
	// ErrNotRequeueable is returned when a manual retry targets a record
	// that is not dead-lettered.
	ErrNotRequeueable = errors.New("payment record is not dead-lettered")
)

// ErrorType is the short classification persisted on a failed record.
type ErrorType string

const (
	ErrorTypeNone                  ErrorType = ""
	ErrorTypePriceUnavailable      ErrorType = "price_unavailable"
	ErrorTypeInsufficientBalance   ErrorType = "insufficient_balance"
	ErrorTypeInsufficientAllowance ErrorType = "insufficient_allowance"
	ErrorTypeInsufficientGas       ErrorType = "insufficient_gas"
	ErrorTypeConfiguration         ErrorType = "configuration"
	ErrorTypeTransactionReverted   ErrorType = "transaction_reverted"
	ErrorTypeTransactionTimeout    ErrorType = "transaction_timeout"
	ErrorTypeLedgerUnavailable     ErrorType = "ledger_unavailable"
	ErrorTypeInternal              ErrorType = "internal"
)

var fatalSentinels = []struct {
	err error
	typ ErrorType
}{
	{ErrPriceUnavailable, ErrorTypePriceUnavailable},
	{ErrInsufficientBalance, ErrorTypeInsufficientBalance},
	{ErrInsufficientAllowance, ErrorTypeInsufficientAllowance},
	{ErrInsufficientGas, ErrorTypeInsufficientGas},
	{ErrConfigurationError, ErrorTypeConfiguration},
}

var transientSentinels = []struct {
	err error
	typ ErrorType
}{
	{ErrTransactionReverted, ErrorTypeTransactionReverted},
	{ErrTransactionTimeout, ErrorTypeTransactionTimeout},
	{ErrLedgerUnavailable, ErrorTypeLedgerUnavailable},
}

// IsFatal reports whether err must fail the record without retry.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	for _, s := range fatalSentinels {
		if errors.Is(err, s.err) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether a later attempt may succeed. Unclassified
// errors (database blips, context deadlines) are treated as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var de *DomainError
	if errors.As(err, &de) && de.Retryable {
		return true
	}
	return !IsFatal(err)
}

// Classify maps err onto the persisted ErrorType.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorTypeNone
	}
	for _, s := range fatalSentinels {
		if errors.Is(err, s.err) {
			return s.typ
		}
	}
	for _, s := range transientSentinels {
		if errors.Is(err, s.err) {
			return s.typ
		}
	}
	return ErrorTypeInternal
}

// PriceUnavailableError wraps an upstream read failure for a pair without fallback.
func PriceUnavailableError(pair string, cause error) *DomainError {
	de := &DomainError{
		Err:     ErrPriceUnavailable,
		Code:    "PRICE_UNAVAILABLE",
		Message: fmt.Sprintf("price unavailable for %s", pair),
		Details: map[string]interface{}{"pair": pair},
	}
	if cause != nil {
		de.Message = fmt.Sprintf("price unavailable for %s: %v", pair, cause)
		de.Details["cause"] = cause.Error()
	}
	return de
}

func InsufficientBalanceError(have, need *big.Int) *DomainError {
	return &DomainError{
		Err:     ErrInsufficientBalance,
		Code:    "INSUFFICIENT_BALANCE",
		Message: fmt.Sprintf("safe wallet balance %s below required %s", have, need),
		Details: map[string]interface{}{"have": have.String(), "need": need.String()},
	}
}

func InsufficientAllowanceError(have, need *big.Int) *DomainError {
	return &DomainError{
		Err:     ErrInsufficientAllowance,
		Code:    "INSUFFICIENT_ALLOWANCE",
		Message: fmt.Sprintf("allowance %s below required %s", have, need),
		Details: map[string]interface{}{"have": have.String(), "need": need.String()},
	}
}

func InsufficientGasError(have, need *big.Int) *DomainError {
	return &DomainError{
		Err:     ErrInsufficientGas,
		Code:    "INSUFFICIENT_GAS",
		Message: fmt.Sprintf("hot wallet gas balance %s below minimum %s", have, need),
		Details: map[string]interface{}{"have": have.String(), "need": need.String()},
	}
}

// ConfigurationError reports an invalid or missing setting.
func ConfigurationError(format string, args ...interface{}) *DomainError {
	return &DomainError{
		Err:     ErrConfigurationError,
		Code:    "CONFIGURATION_ERROR",
		Message: fmt.Sprintf("configuration error: "+format, args...),
	}
}

func UnknownPairError(pair string) *DomainError {
	return &DomainError{
		Err:     ErrUnknownPair,
		Code:    "UNKNOWN_PAIR",
		Message: fmt.Sprintf("unknown price pair %q", pair),
		Details: map[string]interface{}{"pair": pair},
	}
}

func TransactionRevertedError(txHash string) *DomainError {
	return &DomainError{
		Err:       ErrTransactionReverted,
		Code:      "TRANSACTION_REVERTED",
		Message:   fmt.Sprintf("transaction %s reverted", txHash),
		Details:   map[string]interface{}{"tx_hash": txHash},
		Retryable: true,
	}
}

func TransactionTimeoutError(txHash string) *DomainError {
	return &DomainError{
		Err:       ErrTransactionTimeout,
		Code:      "TRANSACTION_TIMEOUT",
		Message:   fmt.Sprintf("transaction %s not confirmed in time", txHash),
		Details:   map[string]interface{}{"tx_hash": txHash},
		Retryable: true,
	}
}

// LedgerUnavailableError wraps an RPC failure.
func LedgerUnavailableError(op string, cause error) *DomainError {
	return &DomainError{
		Err:       fmt.Errorf("%w: %w", ErrLedgerUnavailable, cause),
		Code:      "LEDGER_UNAVAILABLE",
		Message:   fmt.Sprintf("ledger %s failed: %v", op, cause),
		Details:   map[string]interface{}{"operation": op},
		Retryable: true,
	}
}
