package store

import (
	"context"
	"time"

	"github.com/xraph/entitle/catalog"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/payment"
)

// Store is the unified storage interface for payments, entitlements and
// package definitions. Methods are declared explicitly rather than by
// embedding so every backend lists its full surface in one place.
type Store interface {
	// Payment methods
	CreatePayment(ctx context.Context, r *payment.Record) error
	GetPayment(ctx context.Context, paymentID id.PaymentID) (*payment.Record, error)
	GetPaymentByCode(ctx context.Context, code int64) (*payment.Record, error)
	GetPaymentBySubject(ctx context.Context, subjectType payment.SubjectType, subjectID string) (*payment.Record, error)
	UpdatePayment(ctx context.Context, r *payment.Record, expectedVersion int64) error
	StampEntitlement(ctx context.Context, paymentID id.PaymentID, entID id.EntitlementID) error
	ListExpiredPending(ctx context.Context, now time.Time, afterID id.PaymentID, limit int) ([]*payment.Record, error)
	ListUnmaterialized(ctx context.Context, limit int) ([]*payment.Record, error)

	// Entitlement methods
	CreateEntitlement(ctx context.Context, e *entitlement.Entitlement) error
	GetEntitlement(ctx context.Context, entID id.EntitlementID) (*entitlement.Entitlement, error)
	GetEntitlementByPayment(ctx context.Context, paymentID id.PaymentID) (*entitlement.Entitlement, error)
	ListEntitlements(ctx context.Context, ownerID string, opts entitlement.ListOpts) ([]*entitlement.Entitlement, error)
	ListEntitlementsForRefresh(ctx context.Context, afterID id.EntitlementID, limit int) ([]*entitlement.Entitlement, error)
	UpdateEntitlement(ctx context.Context, e *entitlement.Entitlement, expectedVersion int64) error

	// Catalog methods
	SavePackage(ctx context.Context, p *catalog.PackageDefinition) error
	GetPackage(ctx context.Context, pkgID id.PackageID) (*catalog.PackageDefinition, error)

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ payment.Store     = (Store)(nil)
	_ entitlement.Store = (Store)(nil)
	_ catalog.Store     = (Store)(nil)
)
