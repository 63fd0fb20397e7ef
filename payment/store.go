package payment

import (
	"context"
	"time"

	"github.com/xraph/entitle/id"
)

type Store interface {
	// CreatePayment fails with ErrAlreadyExists when the subject already has
	// a record.
	CreatePayment(ctx context.Context, r *Record) error
	GetPayment(ctx context.Context, paymentID id.PaymentID) (*Record, error)
	GetPaymentByCode(ctx context.Context, code int64) (*Record, error)
	GetPaymentBySubject(ctx context.Context, subjectType SubjectType, subjectID string) (*Record, error)
	// UpdatePayment persists r only if the stored version equals
	// expectedVersion and bumps r.Version on success. The entitlement
	// back-reference is never written here.
	UpdatePayment(ctx context.Context, r *Record, expectedVersion int64) error
	// StampEntitlement sets the entitlement back-reference only while it is
	// empty. It returns ErrAlreadyMaterialized otherwise.
	StampEntitlement(ctx context.Context, paymentID id.PaymentID, entID id.EntitlementID) error
	// ListExpiredPending pages pending payments that expired before now,
	// ordered by id and starting after afterID.
	ListExpiredPending(ctx context.Context, now time.Time, afterID id.PaymentID, limit int) ([]*Record, error)
	// ListUnmaterialized returns successful package payments without an
	// entitlement back-reference.
	ListUnmaterialized(ctx context.Context, limit int) ([]*Record, error)
}
