package entitle_test

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/catalog"
	"github.com/xraph/entitle/gateway/gatewaytest"
	"github.com/xraph/entitle/payment"
	"github.com/xraph/entitle/store/memory"
	"github.com/xraph/entitle/types"
)

// TestDocumentationExamples verifies that the package documentation examples
// run as written.
func TestDocumentationExamples(t *testing.T) {
	t.Run("QuickStartExample", func(t *testing.T) {
		// Memory store and scripted gateway for demo; use PostgreSQL and the
		// checkout client in production.
		store := memory.New()
		gw := gatewaytest.New()

		eng, err := entitle.New(store,
			entitle.WithLogger(slog.New(slog.DiscardHandler)),
			entitle.WithGateway(gw),
			entitle.WithReturnURLs("https://app.example/paid", "https://app.example/cancelled"),
			entitle.WithSweepInterval(time.Minute),
		)
		if err != nil {
			t.Fatal(err)
		}

		ctx := context.Background()
		if err := eng.Start(ctx); err != nil {
			t.Fatal(err)
		}
		defer eng.Stop() //nolint:errcheck // test teardown

		// Define a package
		pkg := &catalog.PackageDefinition{
			Name:         "Prenatal care",
			Price:        types.VND(200000),
			DurationDays: 30,
			Lines: []catalog.Line{
				{ServiceID: "consultation", Quantity: 2},
				{ServiceID: "ultrasound", Quantity: 1},
			},
			Active: true,
		}
		if err := eng.RegisterPackage(ctx, pkg); err != nil {
			t.Fatal(err)
		}

		// Open a checkout
		co, err := eng.InitiatePurchase(ctx, entitle.PurchaseRequest{
			SubjectType: payment.SubjectPackage,
			SubjectID:   "order-42",
			PackageID:   pkg.ID,
			Payer:       payment.Payer{UserID: "user-1"},
		})
		if err != nil {
			t.Fatal(err)
		}
		log.Printf("Pay at %s (code %d)\n", co.CheckoutURL, co.CorrelationCode)

		// The payer completes the checkout
		gw.Pay(co.CorrelationCode)

		// Poll until settled
		out, err := eng.Reconcile(ctx, co.CorrelationCode)
		if err != nil {
			t.Fatal(err)
		}
		if out.State != entitle.StateMaterialized {
			t.Fatalf("unexpected state %s", out.State)
		}

		// Consume
		res, err := eng.Consume(ctx, out.Entitlement.ID, "consultation", 1)
		if errors.Is(err, entitle.ErrQuotaExceeded) {
			t.Fatal("rejected, nothing was reserved")
		}
		if err != nil {
			t.Fatal(err)
		}
		log.Printf("Consultations remaining: %d\n", res.Remaining)
	})

	t.Run("MoneyExamples", func(t *testing.T) {
		// Constructors
		_ = entitle.VND(200000) // ₫200000
		_ = entitle.THB(150000) // ฿1500.00

		m1 := entitle.VND(100000)
		if !m1.Equal(entitle.VND(100000)) {
			t.Error("Equal")
		}

		// Formatting
		_ = m1.String()      // "₫100000"
		_ = m1.FormatMajor() // "100000"
	})
}
