package entitle

import (
	"errors"
	"fmt"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/payment"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("entitle: not found")
	ErrAlreadyExists = errors.New("entitle: already exists")
	ErrInvalidInput  = errors.New("entitle: invalid input")

	// Payment ledger errors
	ErrPaymentNotFound        = errors.New("entitle: payment not found")
	ErrDuplicateActivePayment = payment.ErrDuplicateActivePayment
	ErrInvalidTransition      = payment.ErrInvalidTransition
	ErrAlreadyMaterialized    = errors.New("entitle: payment already materialized")
	ErrAmountMismatch         = errors.New("entitle: paid amount is lower than the amount due")

	// Gateway errors
	ErrGatewayUnavailable = errors.New("entitle: payment gateway unavailable")
	ErrNoGateway          = errors.New("entitle: no payment gateway configured")
	ErrInvalidSignature   = errors.New("entitle: webhook signature rejected")

	// Entitlement errors
	ErrEntitlementNotFound       = errors.New("entitle: entitlement not found")
	ErrPackageNotFound           = errors.New("entitle: package not found")
	ErrPackageInactive           = errors.New("entitle: package is not available for purchase")
	ErrServiceNotInEntitlement   = entitlement.ErrServiceNotInEntitlement
	ErrQuotaExceeded             = entitlement.ErrQuotaExceeded
	ErrEntitlementNotActive      = entitlement.ErrEntitlementNotActive
	ErrInvalidQuantity           = entitlement.ErrInvalidQuantity
	ErrMaterializationIncomplete = errors.New("entitle: payment received, entitlement not yet materialized")

	// Store errors
	ErrVersionConflict   = errors.New("entitle: version conflict")
	ErrStoreClosed       = errors.New("entitle: store is closed")
	ErrTransactionFailed = errors.New("entitle: transaction failed")
	ErrMigrationFailed   = errors.New("entitle: migration failed")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("entitle: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is(err, ErrInvalidInput) match validation failures.
func (e ValidationError) Unwrap() error { return ErrInvalidInput }

// MultiError collects several errors, typically one per invalid field.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "entitle: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("entitle: %d errors occurred (first: %v)", len(e.Errors), e.Errors[0])
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e MultiError) Unwrap() []error { return e.Errors }

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// First returns the first error or nil.
func (e MultiError) First() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// ErrOrNil returns e when it holds errors and nil otherwise.
func (e MultiError) ErrOrNil() error {
	if e.HasErrors() {
		return e
	}
	return nil
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrEntitlementNotFound) ||
		errors.Is(err, ErrPackageNotFound)
}

// IsQuotaError returns true if the error rejects a consumption.
func IsQuotaError(err error) bool {
	return errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrEntitlementNotActive) ||
		errors.Is(err, ErrServiceNotInEntitlement) ||
		errors.Is(err, ErrInvalidQuantity)
}

// IsRejected returns true for business-rule refusals. They are reported to
// the caller as a refused operation and never retried automatically.
func IsRejected(err error) bool {
	return errors.Is(err, ErrDuplicateActivePayment) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrAmountMismatch) ||
		errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrEntitlementNotActive) ||
		errors.Is(err, ErrServiceNotInEntitlement) ||
		errors.Is(err, ErrPackageInactive)
}

// IsRetryable returns true if the error is temporary and the operation can
// be retried, by the caller's poll loop or by the background sweep.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable) ||
		errors.Is(err, ErrMaterializationIncomplete) ||
		errors.Is(err, ErrTransactionFailed) ||
		errors.Is(err, ErrVersionConflict)
}
