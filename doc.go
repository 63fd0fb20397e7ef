// Package entitle turns asynchronous payment-gateway confirmations into
// durable, quota-bearing entitlements and meters their consumption.
//
// Entitle is a library. It owns two mutable resources, the payment record
// and the entitlement, and exposes one engine that keeps them consistent:
//
//   - A payment ledger with at most one record per purchasable subject,
//     reused under a fresh correlation code on every retry
//   - Idempotent confirmation shared by the gateway webhook and polling
//   - Exactly one entitlement per successful package payment, even under
//     concurrent reconciliation or a crash between confirmation and creation
//   - Atomic per-service quota reservation on a version counter
//   - Lifecycle status derived from expiry and usage on every read
//
// # Quick Start
//
//	import (
//	    "github.com/xraph/entitle"
//	    "github.com/xraph/entitle/gateway/checkout"
//	    "github.com/xraph/entitle/store/postgres"
//	)
//
//	s := postgres.New(db)
//	eng, err := entitle.New(s,
//	    entitle.WithGateway(checkout.New(clientID, apiKey, checksumKey)),
//	    entitle.WithReturnURLs("https://app.example/paid", "https://app.example/cancelled"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := eng.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Stop()
//
// # Purchases
//
// A purchase opens a checkout session for a subject:
//
//	co, err := eng.InitiatePurchase(ctx, entitle.PurchaseRequest{
//	    SubjectType: payment.SubjectPackage,
//	    SubjectID:   "order-42",
//	    PackageID:   pkgID,
//	    Payer:       payment.Payer{UserID: "user-1"},
//	})
//
// Either the gateway webhook or a poll settles it:
//
//	out, err := eng.Reconcile(ctx, co.CorrelationCode)
//	if out.State == entitle.StateMaterialized {
//	    // out.Entitlement is ready
//	}
//
// # Consumption
//
//	res, err := eng.Consume(ctx, entID, "consultation", 1)
//	if errors.Is(err, entitle.ErrQuotaExceeded) {
//	    // rejected, nothing was reserved
//	}
//
// # TypeID
//
// Entities use TypeIDs:
//
//	pay_01h2xcejqtf2nbrexx3vqjhp41  // Payment record
//	ent_01h2xcejqtf2nbrexx3vqjhp41  // Entitlement
//	pkg_01h455vb4pex5vsknk084sn02q  // Package definition
//
// Gateway correlation codes are separate: numeric snowflake ids, issued anew
// for every checkout attempt.
package entitle
