package payment

import (
	"errors"
	"fmt"
	"time"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/types"
)

var (
	ErrDuplicateActivePayment = errors.New("entitle: subject already has a successful payment")
	ErrInvalidTransition      = errors.New("entitle: invalid payment state transition")
)

// Reissue describes the fields overwritten when a record is (re)opened.
type Reissue struct {
	Code        int64
	PackageID   id.PackageID
	Payer       Payer
	Amount      types.Money
	Description string
	ExpiresAt   time.Time
}

// Reopen resets a non-success record to pending with a new correlation code.
func Reopen(r *Record, in Reissue, now time.Time) error {
	if r.Status == StatusSuccess {
		return ErrDuplicateActivePayment
	}
	r.CorrelationCode = in.Code
	r.PackageID = in.PackageID
	r.Payer = in.Payer
	r.Amount = in.Amount
	r.Description = in.Description
	r.ExpiresAt = in.ExpiresAt
	r.Status = StatusPending
	r.CheckoutURL = ""
	r.QRCode = ""
	r.CancelReason = ""
	r.Attempts++
	r.TouchAt(now)
	return nil
}

// Confirm moves a pending record to success. It reports false without error
// when the record is already successful.
//
// A failed record is confirmable too: its session creation failed from our
// side, but the gateway may still have opened it and taken the money.
func Confirm(r *Record, c Confirmation, now time.Time) (bool, error) {
	switch r.Status {
	case StatusSuccess:
		return false, nil
	case StatusPending, StatusFailed:
	default:
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, StatusSuccess)
	}

	t := now.UTC()
	r.Status = StatusSuccess
	r.ConfirmedAt = &t
	r.TransactionRef = c.TransactionRef
	r.TransactionTime = c.TransactionTime
	r.TouchAt(now)
	return true, nil
}

// Cancel moves a pending or failed record to cancelled. It reports false
// without error when the record is already cancelled.
func Cancel(r *Record, reason string, now time.Time) (bool, error) {
	switch r.Status {
	case StatusCancelled:
		return false, nil
	case StatusSuccess:
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, StatusCancelled)
	}

	r.Status = StatusCancelled
	r.CancelReason = reason
	r.TouchAt(now)
	return true, nil
}

// Fail marks a pending record failed, e.g. when no checkout session could
// be created. Failed records are reusable.
func Fail(r *Record, reason string, now time.Time) error {
	if r.Status != StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, StatusFailed)
	}
	r.Status = StatusFailed
	r.CancelReason = reason
	r.TouchAt(now)
	return nil
}
