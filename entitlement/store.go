package entitlement

import (
	"context"

	"github.com/xraph/entitle/id"
)

type Store interface {
	// CreateEntitlement fails with ErrAlreadyExists when an entitlement for
	// the same payment is already stored.
	CreateEntitlement(ctx context.Context, e *Entitlement) error
	GetEntitlement(ctx context.Context, entID id.EntitlementID) (*Entitlement, error)
	GetEntitlementByPayment(ctx context.Context, paymentID id.PaymentID) (*Entitlement, error)
	ListEntitlements(ctx context.Context, ownerID string, opts ListOpts) ([]*Entitlement, error)
	// ListEntitlementsForRefresh returns entitlements whose cached status is
	// not expired with an ID greater than afterID, ordered by ID.
	ListEntitlementsForRefresh(ctx context.Context, afterID id.EntitlementID, limit int) ([]*Entitlement, error)
	// UpdateEntitlement persists e only if the stored version equals
	// expectedVersion, and bumps e.Version on success. It returns
	// ErrVersionConflict otherwise.
	UpdateEntitlement(ctx context.Context, e *Entitlement, expectedVersion int64) error
}
