package payment

import (
	"time"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/types"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSuccess   Status = "success"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

type SubjectType string

const (
	SubjectAppointment SubjectType = "appointment"
	SubjectPackage     SubjectType = "package"
)

// Valid reports whether t is a known subject type.
func (t SubjectType) Valid() bool {
	return t == SubjectAppointment || t == SubjectPackage
}

// RequiresEntitlement reports whether a confirmed payment for this subject
// must be materialized into an entitlement.
func (t SubjectType) RequiresEntitlement() bool {
	return t == SubjectPackage
}

// Reason recorded when a pending record is closed because its reservation
// window elapsed.
const ReasonExpired = "expired"

// Record is the single source of truth for whether a subject has been paid
// for. There is at most one record per (SubjectType, SubjectID); retries
// reuse it with a fresh correlation code.
type Record struct {
	types.Entity
	ID              id.PaymentID     `json:"id"`
	CorrelationCode int64            `json:"correlation_code"`
	SubjectType     SubjectType      `json:"subject_type"`
	SubjectID       string           `json:"subject_id"`
	PackageID       id.PackageID     `json:"package_id,omitempty"`
	Payer           Payer            `json:"payer"`
	Amount          types.Money      `json:"amount"`
	Description     string           `json:"description"`
	Status          Status           `json:"status"`
	CheckoutURL     string           `json:"checkout_url,omitempty"`
	QRCode          string           `json:"qr_code,omitempty"`
	ExpiresAt       time.Time        `json:"expires_at"`
	ConfirmedAt     *time.Time       `json:"confirmed_at,omitempty"`
	TransactionRef  string           `json:"transaction_ref,omitempty"`
	TransactionTime *time.Time       `json:"transaction_time,omitempty"`
	EntitlementID   id.EntitlementID `json:"entitlement_id,omitempty"`
	CancelReason    string           `json:"cancel_reason,omitempty"`
	Attempts        int              `json:"attempts"`
	Version         int64            `json:"version"`
}

type Payer struct {
	UserID string `json:"user_id" validate:"required"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty" validate:"omitempty,email"`
	Phone  string `json:"phone,omitempty"`
}

// Confirmation carries the gateway's evidence of payment.
type Confirmation struct {
	TransactionRef  string
	TransactionTime *time.Time
	Amount          int64
}

// Materialized reports whether the entitlement back-reference is set.
func (r *Record) Materialized() bool { return !r.EntitlementID.IsNil() }

// Expired reports whether the reservation window has elapsed at now.
func (r *Record) Expired(now time.Time) bool {
	return r.Status == StatusPending && !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Clone returns a copy that can be mutated independently.
func (r *Record) Clone() *Record {
	c := *r
	return &c
}
