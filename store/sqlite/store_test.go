package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/catalog"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/payment"
	"github.com/xraph/entitle/types"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// newTestStore opens a migrated store on a fresh database file.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	drv := sqlitedriver.New()
	dsn := "file:" + filepath.Join(t.TempDir(), "entitle.db") + "?_pragma=busy_timeout(5000)"
	if err := drv.Open(ctx, dsn); err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db, err := grove.Open(drv)
	if err != nil {
		t.Fatalf("grove.Open: %v", err)
	}

	s := New(db)
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func newRecord(subjectID string, code int64) *payment.Record {
	return &payment.Record{
		Entity:          types.NewEntityAt(testNow),
		ID:              id.NewPaymentID(),
		CorrelationCode: code,
		SubjectType:     payment.SubjectPackage,
		SubjectID:       subjectID,
		Amount:          types.VND(200000),
		Status:          payment.StatusPending,
		ExpiresAt:       testNow.Add(10 * time.Minute),
		Attempts:        1,
	}
}

func newEntitlement(paymentID id.PaymentID) *entitlement.Entitlement {
	return &entitlement.Entitlement{
		Entity:       types.NewEntityAt(testNow),
		ID:           id.NewEntitlementID(),
		OwnerID:      "user-1",
		PackageID:    id.NewPackageID(),
		PaymentID:    paymentID,
		PurchaseDate: testNow,
		ExpiryDate:   testNow.Add(30 * 24 * time.Hour),
		Status:       entitlement.StatusActive,
		Lines:        []entitlement.QuotaLine{{ServiceID: "A", MaxQuantity: 2}, {ServiceID: "B", MaxQuantity: 1}},
	}
}

func TestMigrateIsRepeatable(t *testing.T) {
	s := newTestStore(t)

	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestPaymentRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := newRecord("order-1", 1001)
	r.Payer = payment.Payer{UserID: "user-1", Email: "patient@example.test"}
	if err := s.CreatePayment(ctx, r); err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}

	byCode, err := s.GetPaymentByCode(ctx, 1001)
	if err != nil {
		t.Fatalf("GetPaymentByCode: %v", err)
	}
	if byCode.ID.String() != r.ID.String() || byCode.Payer.Email != r.Payer.Email {
		t.Errorf("by code: got %+v", byCode)
	}
	if !byCode.ExpiresAt.Equal(r.ExpiresAt) {
		t.Errorf("ExpiresAt: got %v, want %v", byCode.ExpiresAt, r.ExpiresAt)
	}
	if !byCode.Amount.Equal(r.Amount) {
		t.Errorf("Amount: got %v", byCode.Amount)
	}

	bySubject, err := s.GetPaymentBySubject(ctx, payment.SubjectPackage, "order-1")
	if err != nil || bySubject.ID.String() != r.ID.String() {
		t.Fatalf("GetPaymentBySubject: %v", err)
	}
}

func TestPaymentUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreatePayment(ctx, newRecord("order-1", 1)); err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if err := s.CreatePayment(ctx, newRecord("order-1", 2)); !errors.Is(err, entitle.ErrAlreadyExists) {
		t.Errorf("same subject: got %v, want ErrAlreadyExists", err)
	}
	if err := s.CreatePayment(ctx, newRecord("order-2", 1)); !errors.Is(err, entitle.ErrAlreadyExists) {
		t.Errorf("same code: got %v, want ErrAlreadyExists", err)
	}
}

func TestUpdatePaymentVersionCheck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := newRecord("order-1", 1)
	if err := s.CreatePayment(ctx, r); err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}

	a, _ := s.GetPayment(ctx, r.ID)
	b, _ := s.GetPayment(ctx, r.ID)

	confirmed := testNow.Add(time.Minute)
	a.Status = payment.StatusSuccess
	a.ConfirmedAt = &confirmed
	if err := s.UpdatePayment(ctx, a, a.Version); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if a.Version != r.Version+1 {
		t.Errorf("version: got %d, want %d", a.Version, r.Version+1)
	}

	b.Status = payment.StatusCancelled
	if err := s.UpdatePayment(ctx, b, b.Version); !errors.Is(err, entitle.ErrVersionConflict) {
		t.Fatalf("stale update: got %v, want ErrVersionConflict", err)
	}

	stored, err := s.GetPayment(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetPayment: %v", err)
	}
	if stored.Status != payment.StatusSuccess {
		t.Errorf("status: got %s, want success", stored.Status)
	}
	if stored.ConfirmedAt == nil || !stored.ConfirmedAt.Equal(confirmed) {
		t.Errorf("ConfirmedAt: got %v", stored.ConfirmedAt)
	}

	missing := newRecord("order-9", 9)
	if err := s.UpdatePayment(ctx, missing, 0); !entitle.IsNotFound(err) {
		t.Errorf("missing record: got %v, want not found", err)
	}
}

func TestStampEntitlementOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := newRecord("order-1", 1)
	if err := s.CreatePayment(ctx, r); err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}

	first := id.NewEntitlementID()
	if err := s.StampEntitlement(ctx, r.ID, first); err != nil {
		t.Fatalf("StampEntitlement: %v", err)
	}
	if err := s.StampEntitlement(ctx, r.ID, id.NewEntitlementID()); !errors.Is(err, entitle.ErrAlreadyMaterialized) {
		t.Fatalf("second stamp: got %v, want ErrAlreadyMaterialized", err)
	}

	stored, _ := s.GetPayment(ctx, r.ID)
	if stored.EntitlementID.String() != first.String() {
		t.Errorf("back-reference: got %s, want %s", stored.EntitlementID, first)
	}

	// A regular update never clears the back-reference.
	stored.EntitlementID = id.Nil
	if err := s.UpdatePayment(ctx, stored, stored.Version); err != nil {
		t.Fatalf("UpdatePayment: %v", err)
	}
	again, _ := s.GetPayment(ctx, r.ID)
	if again.EntitlementID.String() != first.String() {
		t.Error("UpdatePayment overwrote the back-reference")
	}
}

func TestListExpiredPendingPages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, subject := range []string{"order-1", "order-2", "order-3"} {
		if err := s.CreatePayment(ctx, newRecord(subject, int64(i+1))); err != nil {
			t.Fatalf("CreatePayment: %v", err)
		}
	}
	paid := newRecord("order-4", 4)
	paid.Status = payment.StatusSuccess
	if err := s.CreatePayment(ctx, paid); err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}

	if due, err := s.ListExpiredPending(ctx, testNow, id.Nil, 10); err != nil || len(due) != 0 {
		t.Fatalf("nothing is due yet: got %d, err %v", len(due), err)
	}

	at := testNow.Add(time.Hour)
	first, err := s.ListExpiredPending(ctx, at, id.Nil, 2)
	if err != nil || len(first) != 2 {
		t.Fatalf("first page: got %d, err %v", len(first), err)
	}
	rest, err := s.ListExpiredPending(ctx, at, first[1].ID, 2)
	if err != nil || len(rest) != 1 {
		t.Fatalf("second page: got %d, err %v", len(rest), err)
	}
	for _, r := range first {
		if r.ID.String() == rest[0].ID.String() {
			t.Errorf("record %s returned on both pages", r.ID)
		}
	}

	open, err := s.ListUnmaterialized(ctx, 10)
	if err != nil || len(open) != 1 || open[0].ID.String() != paid.ID.String() {
		t.Errorf("unmaterialized: got %d, err %v", len(open), err)
	}
}

func TestEntitlementPerPayment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	payID := id.NewPaymentID()
	e := newEntitlement(payID)
	if err := s.CreateEntitlement(ctx, e); err != nil {
		t.Fatalf("CreateEntitlement: %v", err)
	}

	dup := newEntitlement(payID)
	if err := s.CreateEntitlement(ctx, dup); !errors.Is(err, entitle.ErrAlreadyExists) {
		t.Fatalf("second entitlement for payment: got %v, want ErrAlreadyExists", err)
	}

	got, err := s.GetEntitlementByPayment(ctx, payID)
	if err != nil {
		t.Fatalf("GetEntitlementByPayment: %v", err)
	}
	if got.ID.String() != e.ID.String() {
		t.Errorf("ID: got %s, want %s", got.ID, e.ID)
	}
	if len(got.Lines) != 2 || got.Lines[0].MaxQuantity != 2 {
		t.Errorf("Lines: got %+v", got.Lines)
	}
	if !got.ExpiryDate.Equal(e.ExpiryDate) {
		t.Errorf("ExpiryDate: got %v, want %v", got.ExpiryDate, e.ExpiryDate)
	}

	list, err := s.ListEntitlements(ctx, "user-1", entitlement.ListOpts{Status: entitlement.StatusActive})
	if err != nil || len(list) != 1 {
		t.Errorf("ListEntitlements: got %d, err %v", len(list), err)
	}
}

func TestUpdateEntitlementVersionCheck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := newEntitlement(id.NewPaymentID())
	if err := s.CreateEntitlement(ctx, e); err != nil {
		t.Fatalf("CreateEntitlement: %v", err)
	}

	a, _ := s.GetEntitlement(ctx, e.ID)
	b, _ := s.GetEntitlement(ctx, e.ID)

	a.Lines[0].UsedQuantity = 1
	if err := s.UpdateEntitlement(ctx, a, a.Version); err != nil {
		t.Fatalf("UpdateEntitlement: %v", err)
	}
	b.Lines[0].UsedQuantity = 2
	if err := s.UpdateEntitlement(ctx, b, b.Version); !errors.Is(err, entitle.ErrVersionConflict) {
		t.Fatalf("stale update: got %v, want ErrVersionConflict", err)
	}

	stored, _ := s.GetEntitlement(ctx, e.ID)
	if stored.Lines[0].UsedQuantity != 1 {
		t.Errorf("used: got %d, want 1", stored.Lines[0].UsedQuantity)
	}
}

func TestPackageUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &catalog.PackageDefinition{
		Entity:       types.NewEntityAt(testNow),
		ID:           id.NewPackageID(),
		Name:         "Annual checkup bundle",
		Price:        types.VND(200000),
		DurationDays: 30,
		Lines:        []catalog.Line{{ServiceID: "A", Quantity: 2}},
		Active:       true,
	}
	if err := s.SavePackage(ctx, p); err != nil {
		t.Fatalf("SavePackage: %v", err)
	}

	p.Price = types.VND(250000)
	p.Active = false
	if err := s.SavePackage(ctx, p); err != nil {
		t.Fatalf("second SavePackage: %v", err)
	}

	got, err := s.GetPackage(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPackage: %v", err)
	}
	if !got.Price.Equal(types.VND(250000)) || got.Active {
		t.Errorf("package not updated: %+v", got)
	}
	if len(got.Lines) != 1 || got.Lines[0].Quantity != 2 {
		t.Errorf("Lines: got %+v", got.Lines)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetPayment(ctx, id.NewPaymentID()); !entitle.IsNotFound(err) {
		t.Errorf("payment: got %v", err)
	}
	if _, err := s.GetEntitlement(ctx, id.NewEntitlementID()); !entitle.IsNotFound(err) {
		t.Errorf("entitlement: got %v", err)
	}
	if _, err := s.GetPackage(ctx, id.NewPackageID()); !entitle.IsNotFound(err) {
		t.Errorf("package: got %v", err)
	}
}
