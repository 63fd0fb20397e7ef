package entitlement

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrServiceNotInEntitlement = errors.New("entitle: service not in entitlement")
	ErrQuotaExceeded           = errors.New("entitle: quota exceeded")
	ErrEntitlementNotActive    = errors.New("entitle: entitlement not active")
	ErrInvalidQuantity         = errors.New("entitle: quantity must be positive")
)

// Remaining returns the unused quantity for serviceID.
func Remaining(e *Entitlement, serviceID string) (int64, error) {
	l := e.Line(serviceID)
	if l == nil {
		return 0, fmt.Errorf("%w: %s", ErrServiceNotInEntitlement, serviceID)
	}
	return l.Remaining(), nil
}

// Reserve returns a copy of e with quantity units of serviceID consumed and
// its status re-derived. The input is not modified, so a failed
// compare-and-swap can retry from a fresh read.
func Reserve(e *Entitlement, serviceID string, quantity int64, now time.Time) (*Entitlement, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	if s := DeriveStatus(e, now); s != StatusActive {
		return nil, fmt.Errorf("%w: status is %s", ErrEntitlementNotActive, s)
	}

	remaining, err := Remaining(e, serviceID)
	if err != nil {
		return nil, err
	}
	if remaining < quantity {
		return nil, fmt.Errorf("%w: %s has %d remaining, requested %d",
			ErrQuotaExceeded, serviceID, remaining, quantity)
	}

	next := e.Clone()
	next.Line(serviceID).UsedQuantity += quantity
	next.Status = DeriveStatus(next, now)
	return next, nil
}
