package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/catalog"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/payment"
	entitlestore "github.com/xraph/entitle/store"
)

// Collection name constants.
const (
	colPayments     = "entitle_payments"
	colEntitlements = "entitle_entitlements"
	colPackages     = "entitle_packages"
)

// compile-time interface check
var _ entitlestore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via Grove ORM.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all entitle collections. The unique indexes
// carry the at-most-one guarantees, so Migrate must run before first use.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := migrationIndexes()

	for col, models := range indexes {
		if len(models) == 0 {
			continue
		}
		_, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("entitle/mongo: migrate %s indexes: %w: %w", col, entitle.ErrMigrationFailed, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Payment Store ====================

func (s *Store) CreatePayment(ctx context.Context, r *payment.Record) error {
	m := toPaymentModel(r)
	_, err := s.mdb.NewInsert(m).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return entitle.ErrAlreadyExists
		}
		return fmt.Errorf("entitle/mongo: create payment: %w", err)
	}
	return nil
}

func (s *Store) GetPayment(ctx context.Context, paymentID id.PaymentID) (*payment.Record, error) {
	return s.findPayment(ctx, bson.M{"_id": paymentID.String()})
}

func (s *Store) GetPaymentByCode(ctx context.Context, code int64) (*payment.Record, error) {
	return s.findPayment(ctx, bson.M{"correlation_code": code})
}

func (s *Store) GetPaymentBySubject(ctx context.Context, subjectType payment.SubjectType, subjectID string) (*payment.Record, error) {
	return s.findPayment(ctx, bson.M{"subject_type": string(subjectType), "subject_id": subjectID})
}

func (s *Store) findPayment(ctx context.Context, filter bson.M) (*payment.Record, error) {
	var m paymentModel
	err := s.mdb.NewFind(&m).
		Filter(filter).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("entitle/mongo: get payment: %w", err)
	}
	return fromPaymentModel(&m)
}

// UpdatePayment matches on both _id and version; entitlement_id is left to
// StampEntitlement.
func (s *Store) UpdatePayment(ctx context.Context, r *payment.Record, expectedVersion int64) error {
	m := toPaymentModel(r)
	res, err := s.mdb.NewUpdate((*paymentModel)(nil)).
		Filter(bson.M{"_id": m.ID, "version": expectedVersion}).
		SetUpdate(bson.M{
			"$set": bson.M{
				"correlation_code": m.CorrelationCode,
				"package_id":       m.PackageID,
				"payer":            m.Payer,
				"amount":           m.Amount,
				"currency":         m.Currency,
				"description":      m.Description,
				"status":           m.Status,
				"checkout_url":     m.CheckoutURL,
				"qr_code":          m.QRCode,
				"expires_at":       m.ExpiresAt,
				"confirmed_at":     m.ConfirmedAt,
				"transaction_ref":  m.TransactionRef,
				"transaction_time": m.TransactionTime,
				"cancel_reason":    m.CancelReason,
				"attempts":         m.Attempts,
				"updated_at":       m.UpdatedAt,
			},
			"$inc": bson.M{"version": 1},
		}).
		Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return entitle.ErrAlreadyExists
		}
		return fmt.Errorf("entitle/mongo: update payment: %w", err)
	}
	if res.MatchedCount() == 0 {
		if _, err := s.GetPayment(ctx, r.ID); err != nil {
			return err
		}
		return entitle.ErrVersionConflict
	}
	r.Version = expectedVersion + 1
	return nil
}

func (s *Store) StampEntitlement(ctx context.Context, paymentID id.PaymentID, entID id.EntitlementID) error {
	res, err := s.mdb.NewUpdate((*paymentModel)(nil)).
		Filter(bson.M{"_id": paymentID.String(), "entitlement_id": ""}).
		SetUpdate(bson.M{
			"$set": bson.M{"entitlement_id": entID.String(), "updated_at": now()},
			"$inc": bson.M{"version": 1},
		}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("entitle/mongo: stamp entitlement: %w", err)
	}
	if res.MatchedCount() == 0 {
		if _, err := s.GetPayment(ctx, paymentID); err != nil {
			return err
		}
		return entitle.ErrAlreadyMaterialized
	}
	return nil
}

func (s *Store) ListExpiredPending(ctx context.Context, at time.Time, afterID id.PaymentID, limit int) ([]*payment.Record, error) {
	return s.listPayments(ctx,
		bson.M{
			"status":     string(payment.StatusPending),
			"expires_at": bson.M{"$lt": at.UTC()},
			"_id":        bson.M{"$gt": afterID.String()},
		},
		bson.D{{Key: "_id", Value: 1}},
		limit,
	)
}

func (s *Store) ListUnmaterialized(ctx context.Context, limit int) ([]*payment.Record, error) {
	return s.listPayments(ctx,
		bson.M{
			"status":         string(payment.StatusSuccess),
			"subject_type":   string(payment.SubjectPackage),
			"entitlement_id": "",
		},
		bson.D{{Key: "_id", Value: 1}},
		limit,
	)
}

func (s *Store) listPayments(ctx context.Context, filter bson.M, sort bson.D, limit int) ([]*payment.Record, error) {
	var models []paymentModel

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(sort)
	if limit > 0 {
		q = q.Limit(int64(limit))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("entitle/mongo: list payments: %w", err)
	}

	result := make([]*payment.Record, len(models))
	for i := range models {
		r, err := fromPaymentModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = r
	}
	return result, nil
}

// ==================== Entitlement Store ====================

func (s *Store) CreateEntitlement(ctx context.Context, e *entitlement.Entitlement) error {
	m := toEntitlementModel(e)
	_, err := s.mdb.NewInsert(m).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return entitle.ErrAlreadyExists
		}
		return fmt.Errorf("entitle/mongo: create entitlement: %w", err)
	}
	return nil
}

func (s *Store) GetEntitlement(ctx context.Context, entID id.EntitlementID) (*entitlement.Entitlement, error) {
	return s.findEntitlement(ctx, bson.M{"_id": entID.String()})
}

func (s *Store) GetEntitlementByPayment(ctx context.Context, paymentID id.PaymentID) (*entitlement.Entitlement, error) {
	return s.findEntitlement(ctx, bson.M{"payment_id": paymentID.String()})
}

func (s *Store) findEntitlement(ctx context.Context, filter bson.M) (*entitlement.Entitlement, error) {
	var m entitlementModel
	err := s.mdb.NewFind(&m).
		Filter(filter).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrEntitlementNotFound
		}
		return nil, fmt.Errorf("entitle/mongo: get entitlement: %w", err)
	}
	return fromEntitlementModel(&m)
}

func (s *Store) ListEntitlements(ctx context.Context, ownerID string, opts entitlement.ListOpts) ([]*entitlement.Entitlement, error) {
	filter := bson.M{"owner_id": ownerID}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	return s.listEntitlements(ctx, filter, opts.Limit, opts.Offset)
}

func (s *Store) ListEntitlementsForRefresh(ctx context.Context, afterID id.EntitlementID, limit int) ([]*entitlement.Entitlement, error) {
	filter := bson.M{
		"status": bson.M{"$ne": string(entitlement.StatusExpired)},
		"_id":    bson.M{"$gt": afterID.String()},
	}
	return s.listEntitlements(ctx, filter, limit, 0)
}

func (s *Store) listEntitlements(ctx context.Context, filter bson.M, limit, offset int) ([]*entitlement.Entitlement, error) {
	var models []entitlementModel

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		q = q.Limit(int64(limit))
	}
	if offset > 0 {
		q = q.Skip(int64(offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("entitle/mongo: list entitlements: %w", err)
	}

	result := make([]*entitlement.Entitlement, len(models))
	for i := range models {
		e, err := fromEntitlementModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = e
	}
	return result, nil
}

func (s *Store) UpdateEntitlement(ctx context.Context, e *entitlement.Entitlement, expectedVersion int64) error {
	m := toEntitlementModel(e)
	res, err := s.mdb.NewUpdate((*entitlementModel)(nil)).
		Filter(bson.M{"_id": m.ID, "version": expectedVersion}).
		SetUpdate(bson.M{
			"$set": bson.M{
				"status":     m.Status,
				"lines":      m.Lines,
				"updated_at": m.UpdatedAt,
			},
			"$inc": bson.M{"version": 1},
		}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("entitle/mongo: update entitlement: %w", err)
	}
	if res.MatchedCount() == 0 {
		if _, err := s.GetEntitlement(ctx, e.ID); err != nil {
			return err
		}
		return entitle.ErrVersionConflict
	}
	e.Version = expectedVersion + 1
	return nil
}

// ==================== Catalog Store ====================

func (s *Store) SavePackage(ctx context.Context, p *catalog.PackageDefinition) error {
	m := toPackageModel(p)
	_, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID}).
		SetUpdate(bson.M{
			"$set": bson.M{
				"name":           m.Name,
				"price_amount":   m.PriceAmount,
				"price_currency": m.PriceCurrency,
				"duration_days":  m.DurationDays,
				"lines":          m.Lines,
				"active":         m.Active,
				"updated_at":     m.UpdatedAt,
			},
			"$setOnInsert": bson.M{"created_at": m.CreatedAt},
		}).
		Upsert().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("entitle/mongo: save package: %w", err)
	}
	return nil
}

func (s *Store) GetPackage(ctx context.Context, pkgID id.PackageID) (*catalog.PackageDefinition, error) {
	var m packageModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": pkgID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrPackageNotFound
		}
		return nil, fmt.Errorf("entitle/mongo: get package: %w", err)
	}
	return fromPackageModel(&m)
}

// ==================== Helpers ====================

func now() time.Time {
	return time.Now().UTC()
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all entitle collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colPayments: {
			{
				Keys:    bson.D{{Key: "subject_type", Value: 1}, {Key: "subject_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{
				Keys:    bson.D{{Key: "correlation_code", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "expires_at", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "subject_type", Value: 1}, {Key: "entitlement_id", Value: 1}}},
		},
		colEntitlements: {
			{
				Keys:    bson.D{{Key: "payment_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "status", Value: 1}}},
		},
		colPackages: {
			{Keys: bson.D{{Key: "active", Value: 1}}},
		},
	}
}
