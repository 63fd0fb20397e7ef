package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	_ "github.com/xraph/grove/drivers/sqlitedriver/sqlitemigrate"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/catalog"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/payment"
	entitlestore "github.com/xraph/entitle/store"
)

// compile-time interface check
var _ entitlestore.Store = (*Store)(nil)

// Store implements store.Store using SQLite via Grove ORM.
//
// Optimistic concurrency is enforced in SQL: every update carries
// "version = ?" in its WHERE clause and a zero row count is resolved into
// not-found or ErrVersionConflict.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("entitle/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("entitle/sqlite: %w: %w", entitle.ErrMigrationFailed, err)
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
	res, err := s.sdb.NewInsert(m).
		OnConflict("DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("entitle/sqlite: create payment: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return entitle.ErrAlreadyExists
	}
	return nil
}

func (s *Store) GetPayment(ctx context.Context, paymentID id.PaymentID) (*payment.Record, error) {
	return s.getPayment(ctx, "id = ?", paymentID.String())
}

func (s *Store) GetPaymentByCode(ctx context.Context, code int64) (*payment.Record, error) {
	return s.getPayment(ctx, "correlation_code = ?", code)
}

func (s *Store) GetPaymentBySubject(ctx context.Context, subjectType payment.SubjectType, subjectID string) (*payment.Record, error) {
	m := new(paymentModel)
	err := s.sdb.NewSelect(m).
		Where("subject_type = ?", string(subjectType)).
		Where("subject_id = ?", subjectID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrPaymentNotFound
		}
		return nil, err
	}
	return fromPaymentModel(m)
}

func (s *Store) getPayment(ctx context.Context, where string, arg any) (*payment.Record, error) {
	m := new(paymentModel)
	err := s.sdb.NewSelect(m).Where(where, arg).Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrPaymentNotFound
		}
		return nil, err
	}
	return fromPaymentModel(m)
}

// UpdatePayment writes every mutable column except entitlement_id, which only
// StampEntitlement may set.
func (s *Store) UpdatePayment(ctx context.Context, r *payment.Record, expectedVersion int64) error {
	m := toPaymentModel(r)
	res, err := s.sdb.NewUpdate((*paymentModel)(nil)).
		Set("correlation_code = ?", m.CorrelationCode).
		Set("package_id = ?", m.PackageID).
		Set("payer_user_id = ?", m.PayerUserID).
		Set("payer_name = ?", m.PayerName).
		Set("payer_email = ?", m.PayerEmail).
		Set("payer_phone = ?", m.PayerPhone).
		Set("amount = ?", m.Amount).
		Set("currency = ?", m.Currency).
		Set("description = ?", m.Description).
		Set("status = ?", m.Status).
		Set("checkout_url = ?", m.CheckoutURL).
		Set("qr_code = ?", m.QRCode).
		Set("expires_at = ?", m.ExpiresAt).
		Set("confirmed_at = ?", m.ConfirmedAt).
		Set("transaction_ref = ?", m.TransactionRef).
		Set("transaction_time = ?", m.TransactionTime).
		Set("cancel_reason = ?", m.CancelReason).
		Set("attempts = ?", m.Attempts).
		Set("updated_at = ?", m.UpdatedAt).
		Set("version = version + 1").
		Where("id = ?", m.ID).
		Where("version = ?", expectedVersion).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("entitle/sqlite: update payment: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := s.GetPayment(ctx, r.ID); err != nil {
			return err
		}
		return entitle.ErrVersionConflict
	}
	r.Version = expectedVersion + 1
	return nil
}

func (s *Store) StampEntitlement(ctx context.Context, paymentID id.PaymentID, entID id.EntitlementID) error {
	res, err := s.sdb.NewUpdate((*paymentModel)(nil)).
		Set("entitlement_id = ?", entID.String()).
		Set("updated_at = ?", now()).
		Set("version = version + 1").
		Where("id = ?", paymentID.String()).
		Where("entitlement_id = ''").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("entitle/sqlite: stamp entitlement: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := s.GetPayment(ctx, paymentID); err != nil {
			return err
		}
		return entitle.ErrAlreadyMaterialized
	}
	return nil
}

func (s *Store) ListExpiredPending(ctx context.Context, at time.Time, afterID id.PaymentID, limit int) ([]*payment.Record, error) {
	var models []paymentModel
	q := s.sdb.NewSelect(&models).
		Where("status = ?", string(payment.StatusPending)).
		Where("expires_at < ?", at.UTC()).
		Where("id > ?", afterID.String()).
		OrderExpr("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromPaymentModels(models)
}

func (s *Store) ListUnmaterialized(ctx context.Context, limit int) ([]*payment.Record, error) {
	var models []paymentModel
	q := s.sdb.NewSelect(&models).
		Where("status = ?", string(payment.StatusSuccess)).
		Where("subject_type = ?", string(payment.SubjectPackage)).
		Where("entitlement_id = ''").
		OrderExpr("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromPaymentModels(models)
}

func fromPaymentModels(models []paymentModel) ([]*payment.Record, error) {
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
	m, err := toEntitlementModel(e)
	if err != nil {
		return err
	}
	res, err := s.sdb.NewInsert(m).
		OnConflict("DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("entitle/sqlite: create entitlement: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return entitle.ErrAlreadyExists
	}
	return nil
}

func (s *Store) GetEntitlement(ctx context.Context, entID id.EntitlementID) (*entitlement.Entitlement, error) {
	return s.getEntitlement(ctx, "id = ?", entID.String())
}

func (s *Store) GetEntitlementByPayment(ctx context.Context, paymentID id.PaymentID) (*entitlement.Entitlement, error) {
	return s.getEntitlement(ctx, "payment_id = ?", paymentID.String())
}

func (s *Store) getEntitlement(ctx context.Context, where string, arg any) (*entitlement.Entitlement, error) {
	m := new(entitlementModel)
	err := s.sdb.NewSelect(m).Where(where, arg).Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrEntitlementNotFound
		}
		return nil, err
	}
	return fromEntitlementModel(m)
}

func (s *Store) ListEntitlements(ctx context.Context, ownerID string, opts entitlement.ListOpts) ([]*entitlement.Entitlement, error) {
	var models []entitlementModel
	q := s.sdb.NewSelect(&models).Where("owner_id = ?", ownerID)

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromEntitlementModels(models)
}

func (s *Store) ListEntitlementsForRefresh(ctx context.Context, afterID id.EntitlementID, limit int) ([]*entitlement.Entitlement, error) {
	var models []entitlementModel
	q := s.sdb.NewSelect(&models).
		Where("status != ?", string(entitlement.StatusExpired)).
		Where("id > ?", afterID.String()).
		OrderExpr("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromEntitlementModels(models)
}

func (s *Store) UpdateEntitlement(ctx context.Context, e *entitlement.Entitlement, expectedVersion int64) error {
	m, err := toEntitlementModel(e)
	if err != nil {
		return err
	}
	res, err := s.sdb.NewUpdate((*entitlementModel)(nil)).
		Set("status = ?", m.Status).
		Set("lines = ?", m.Lines).
		Set("updated_at = ?", m.UpdatedAt).
		Set("version = version + 1").
		Where("id = ?", m.ID).
		Where("version = ?", expectedVersion).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("entitle/sqlite: update entitlement: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := s.GetEntitlement(ctx, e.ID); err != nil {
			return err
		}
		return entitle.ErrVersionConflict
	}
	e.Version = expectedVersion + 1
	return nil
}

func fromEntitlementModels(models []entitlementModel) ([]*entitlement.Entitlement, error) {
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

// ==================== Catalog Store ====================

func (s *Store) SavePackage(ctx context.Context, p *catalog.PackageDefinition) error {
	m := toPackageModel(p)
	_, err := s.sdb.NewInsert(m).
		OnConflict("(id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("price_amount = EXCLUDED.price_amount").
		Set("price_currency = EXCLUDED.price_currency").
		Set("duration_days = EXCLUDED.duration_days").
		Set("lines = EXCLUDED.lines").
		Set("active = EXCLUDED.active").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("entitle/sqlite: save package: %w", err)
	}
	return nil
}

func (s *Store) GetPackage(ctx context.Context, pkgID id.PackageID) (*catalog.PackageDefinition, error) {
	m := new(packageModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", pkgID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrPackageNotFound
		}
		return nil, err
	}
	return fromPackageModel(m)
}

// ==================== Helpers ====================

func now() time.Time {
	return time.Now().UTC()
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
