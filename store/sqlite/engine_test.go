package sqlite_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/catalog"
	"github.com/xraph/entitle/gateway/gatewaytest"
	"github.com/xraph/entitle/payment"
	"github.com/xraph/entitle/store/sqlite"
	"github.com/xraph/entitle/types"
)

func TestEngineOnSQLite(t *testing.T) {
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

	gw := gatewaytest.New()
	eng, err := entitle.New(sqlite.New(db),
		entitle.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		entitle.WithGateway(gw),
		entitle.WithSweepInterval(0),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = eng.Stop() })

	pkg := &catalog.PackageDefinition{
		Name:         "Annual checkup bundle",
		Price:        types.VND(200000),
		DurationDays: 30,
		Lines:        []catalog.Line{{ServiceID: "A", Quantity: 2}, {ServiceID: "B", Quantity: 1}},
		Active:       true,
	}
	if err := eng.RegisterPackage(ctx, pkg); err != nil {
		t.Fatalf("RegisterPackage: %v", err)
	}

	req := entitle.PurchaseRequest{
		SubjectType: payment.SubjectPackage,
		SubjectID:   "order-1",
		PackageID:   pkg.ID,
		Payer:       payment.Payer{UserID: "user-1"},
	}
	first, err := eng.InitiatePurchase(ctx, req)
	if err != nil {
		t.Fatalf("InitiatePurchase: %v", err)
	}
	co, err := eng.InitiatePurchase(ctx, req)
	if err != nil {
		t.Fatalf("second InitiatePurchase: %v", err)
	}
	if co.PaymentID.String() != first.PaymentID.String() {
		t.Fatalf("pending record not reused: %s then %s", first.PaymentID, co.PaymentID)
	}

	gw.Pay(co.CorrelationCode)

	var wg sync.WaitGroup
	outs := make([]*entitle.Outcome, 8)
	errs := make([]error, len(outs))
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i], errs[i] = eng.Reconcile(ctx, co.CorrelationCode)
		}(i)
	}
	wg.Wait()

	entID := ""
	for i, out := range outs {
		if errs[i] != nil {
			t.Fatalf("Reconcile %d: %v", i, errs[i])
		}
		if out.State != entitle.StateMaterialized || out.Entitlement == nil {
			t.Fatalf("Reconcile %d: state %s", i, out.State)
		}
		if entID == "" {
			entID = out.Entitlement.ID.String()
		} else if out.Entitlement.ID.String() != entID {
			t.Fatalf("two entitlements for one payment: %s and %s", entID, out.Entitlement.ID)
		}
	}
	ent := outs[0].Entitlement

	var ok, exceeded atomic.Int32
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.Consume(ctx, ent.ID, "A", 1)
			switch {
			case err == nil:
				ok.Add(1)
			case entitle.IsQuotaError(err):
				exceeded.Add(1)
			default:
				t.Errorf("Consume: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 2 || exceeded.Load() != 4 {
		t.Fatalf("consumed %d, rejected %d; want 2 and 4", ok.Load(), exceeded.Load())
	}

	view, err := eng.GetEntitlementStatus(ctx, ent.ID)
	if err != nil {
		t.Fatalf("GetEntitlementStatus: %v", err)
	}
	if view.Status != "active" {
		t.Errorf("status: got %s", view.Status)
	}
}
