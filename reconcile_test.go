package entitle_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/gateway"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/payment"
	"github.com/xraph/entitle/store/memory"
)

func TestPackagePurchaseScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	co := f.initiate(t, f.packageRequest("order-1"))
	if co.Amount.Amount != 200000 || co.Amount.Currency != "vnd" {
		t.Fatalf("Amount: got %v, want 200000 vnd from the package price", co.Amount)
	}
	if co.CheckoutURL == "" {
		t.Fatal("expected a checkout URL")
	}
	if sess, ok := f.gw.Session(co.CorrelationCode); !ok || sess.Amount != 200000 {
		t.Fatalf("gateway session: %+v (found %v)", sess, ok)
	}

	out, err := f.eng.Reconcile(ctx, co.CorrelationCode)
	if err != nil {
		t.Fatalf("Reconcile before payment: %v", err)
	}
	if out.State != entitle.StateAwaitingGateway || out.Final() {
		t.Fatalf("State before payment: got %s", out.State)
	}

	f.gw.Pay(co.CorrelationCode)
	out, err = f.eng.Reconcile(ctx, co.CorrelationCode)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if out.State != entitle.StateMaterialized {
		t.Fatalf("State: got %s, want %s", out.State, entitle.StateMaterialized)
	}
	if out.Payment.Status != payment.StatusSuccess {
		t.Errorf("payment status: got %s", out.Payment.Status)
	}
	if out.Payment.EntitlementID.String() != out.Entitlement.ID.String() {
		t.Errorf("back-reference: got %q, want %q", out.Payment.EntitlementID, out.Entitlement.ID)
	}

	ent := out.Entitlement
	wantExpiry := f.clock.Now().Add(30 * 24 * time.Hour)
	if !ent.ExpiryDate.Equal(wantExpiry) {
		t.Errorf("ExpiryDate: got %v, want %v", ent.ExpiryDate, wantExpiry)
	}
	if ent.OwnerID != "user-1" {
		t.Errorf("OwnerID: got %q", ent.OwnerID)
	}

	view, err := f.eng.GetEntitlementStatus(ctx, ent.ID)
	if err != nil {
		t.Fatalf("GetEntitlementStatus: %v", err)
	}
	if view.Status != "active" || len(view.Lines) != 2 {
		t.Fatalf("view: %+v", view)
	}
	for _, l := range view.Lines {
		if l.Used != 0 || l.Remaining != l.Max {
			t.Errorf("line %s: used %d remaining %d", l.ServiceID, l.Used, l.Remaining)
		}
	}

	res, err := f.eng.Consume(ctx, ent.ID, "A", 2)
	if err != nil {
		t.Fatalf("Consume A x2: %v", err)
	}
	if res.Remaining != 0 || res.Status != "active" {
		t.Errorf("after A x2: remaining %d status %s", res.Remaining, res.Status)
	}

	res, err = f.eng.Consume(ctx, ent.ID, "B", 1)
	if err != nil {
		t.Fatalf("Consume B x1: %v", err)
	}
	if res.Status != "exhausted" {
		t.Errorf("after B x1: status %s, want exhausted", res.Status)
	}

	if _, err := f.eng.Consume(ctx, ent.ID, "A", 1); !errors.Is(err, entitle.ErrEntitlementNotActive) {
		t.Fatalf("Consume on exhausted: got %v, want ErrEntitlementNotActive", err)
	}

	if n := f.store.Stats()["entitlements"]; n != 1 {
		t.Errorf("entitlements stored: got %d, want 1", n)
	}
}

func TestAppointmentPurchaseConfirmsWithoutEntitlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	co := f.initiate(t, appointmentRequest("appt-1"))
	f.gw.Pay(co.CorrelationCode)

	out, err := f.eng.Reconcile(ctx, co.CorrelationCode)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if out.State != entitle.StateConfirmed || out.Entitlement != nil {
		t.Fatalf("outcome: state %s entitlement %v", out.State, out.Entitlement)
	}
	if out.Payment.TransactionRef == "" {
		t.Error("expected the transaction reference to be recorded")
	}
	if n := f.store.Stats()["entitlements"]; n != 0 {
		t.Errorf("entitlements stored: got %d, want 0", n)
	}
}

func TestConfirmIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	co := f.initiate(t, f.packageRequest("order-1"))
	paid := gateway.StatusResult{Status: gateway.StatusPaid, Amount: 200000, TransactionRef: "FT1"}

	var entID id.EntitlementID
	for i := range 5 {
		out, err := f.eng.Confirm(ctx, co.CorrelationCode, paid)
		if err != nil {
			t.Fatalf("Confirm #%d: %v", i, err)
		}
		if out.State != entitle.StateMaterialized {
			t.Fatalf("Confirm #%d: state %s", i, out.State)
		}
		if i == 0 {
			entID = out.Entitlement.ID
		} else if out.Entitlement.ID.String() != entID.String() {
			t.Fatalf("Confirm #%d: entitlement %s, want %s", i, out.Entitlement.ID, entID)
		}
	}

	receipt, err := f.eng.HandleWebhook(ctx, gateway.WebhookPayload{
		ResultCode:      gateway.ResultCodeSuccess,
		CorrelationCode: co.CorrelationCode,
		Amount:          200000,
		TransactionRef:  "FT1",
	})
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if !receipt.Applied || receipt.Outcome.Entitlement.ID.String() != entID.String() {
		t.Fatalf("receipt: %+v", receipt)
	}

	if n := f.store.Stats()["entitlements"]; n != 1 {
		t.Errorf("entitlements stored: got %d, want 1", n)
	}
	if n := f.rec.count("confirmed"); n != 1 {
		t.Errorf("confirmed hooks: got %d, want 1", n)
	}
	if n := f.rec.count("materialized"); n != 1 {
		t.Errorf("materialized hooks: got %d, want 1", n)
	}
}

func TestConcurrentReconcileMaterializesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	co := f.initiate(t, f.packageRequest("order-1"))
	f.gw.Pay(co.CorrelationCode)

	const workers = 20
	var wg sync.WaitGroup
	ids := make([]string, workers)
	errs := make([]error, workers)

	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var out *entitle.Outcome
			var err error
			if i%2 == 0 {
				out, err = f.eng.Reconcile(ctx, co.CorrelationCode)
			} else {
				var receipt *entitle.WebhookReceipt
				receipt, err = f.eng.HandleWebhook(ctx, gateway.WebhookPayload{
					ResultCode:      gateway.ResultCodeSuccess,
					CorrelationCode: co.CorrelationCode,
					Amount:          200000,
				})
				if receipt != nil {
					out = receipt.Outcome
				}
			}
			if err != nil {
				errs[i] = err
				return
			}
			if out == nil || out.Entitlement == nil {
				errs[i] = errors.New("no entitlement in outcome")
				return
			}
			ids[i] = out.Entitlement.ID.String()
		}(i)
	}
	wg.Wait()

	for i := range workers {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("worker %d saw entitlement %s, worker 0 saw %s", i, ids[i], ids[0])
		}
	}
	if n := f.store.Stats()["entitlements"]; n != 1 {
		t.Errorf("entitlements stored: got %d, want 1", n)
	}
	if n := f.rec.count("materialized"); n != 1 {
		t.Errorf("materialized hooks: got %d, want 1", n)
	}
}

func TestWebhookNonSuccessIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	co := f.initiate(t, f.packageRequest("order-1"))

	receipt, err := f.eng.HandleWebhook(ctx, gateway.WebhookPayload{
		ResultCode:      "01",
		CorrelationCode: co.CorrelationCode,
	})
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if receipt.Applied {
		t.Error("non-success webhook must not be applied")
	}

	rec, err := f.eng.GetPaymentByCode(ctx, co.CorrelationCode)
	if err != nil {
		t.Fatalf("GetPaymentByCode: %v", err)
	}
	if rec.Status != payment.StatusPending {
		t.Errorf("status: got %s, want pending", rec.Status)
	}

	receipt, err = f.eng.HandleWebhook(ctx, gateway.WebhookPayload{
		ResultCode:      gateway.ResultCodeSuccess,
		CorrelationCode: 424242,
	})
	if err != nil {
		t.Fatalf("HandleWebhook unknown code: %v", err)
	}
	if receipt.Applied {
		t.Error("webhook for an unknown code must not be applied")
	}
	if n := f.rec.count("webhook"); n != 2 {
		t.Errorf("webhook hooks: got %d, want 2", n)
	}
}

func TestAmountMismatchIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	co := f.initiate(t, f.packageRequest("order-1"))
	f.gw.SetStatus(co.CorrelationCode, gateway.StatusResult{Status: gateway.StatusPaid, Amount: 1000})

	_, err := f.eng.Reconcile(ctx, co.CorrelationCode)
	if !errors.Is(err, entitle.ErrAmountMismatch) {
		t.Fatalf("got %v, want ErrAmountMismatch", err)
	}
	if !entitle.IsRejected(err) {
		t.Error("amount mismatch should be a rejection")
	}

	rec, _ := f.eng.GetPaymentByCode(ctx, co.CorrelationCode)
	if rec.Status != payment.StatusPending {
		t.Errorf("status: got %s, want pending", rec.Status)
	}
}

func TestGatewayTimeoutIsUnknown(t *testing.T) {
	f := newFixture(t, entitle.WithGatewayTimeout(20*time.Millisecond))
	ctx := context.Background()

	co := f.initiate(t, f.packageRequest("order-1"))
	f.gw.Pay(co.CorrelationCode)
	f.gw.Delay = 200 * time.Millisecond

	out, err := f.eng.Reconcile(ctx, co.CorrelationCode)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !out.GatewayUnavailable || out.State != entitle.StateAwaitingGateway {
		t.Fatalf("outcome: state %s unavailable %v", out.State, out.GatewayUnavailable)
	}
	if out.Payment.Status != payment.StatusPending {
		t.Errorf("status: got %s, want pending", out.Payment.Status)
	}
	if n := f.rec.count("gateway_unavailable"); n != 1 {
		t.Errorf("gateway_unavailable hooks: got %d, want 1", n)
	}

	f.gw.Delay = 0
	out, err = f.eng.Reconcile(ctx, co.CorrelationCode)
	if err != nil {
		t.Fatalf("Reconcile after recovery: %v", err)
	}
	if out.State != entitle.StateMaterialized {
		t.Fatalf("State after recovery: got %s", out.State)
	}
}

func TestGatewayUnreachableAtCheckout(t *testing.T) {
	f := newFixture(t, entitle.WithGatewayTimeout(20*time.Millisecond))
	ctx := context.Background()

	f.gw.Delay = 200 * time.Millisecond
	_, err := f.eng.InitiatePurchase(ctx, f.packageRequest("order-1"))
	if !errors.Is(err, entitle.ErrGatewayUnavailable) {
		t.Fatalf("got %v, want ErrGatewayUnavailable", err)
	}

	rec, err := f.eng.GetPaymentBySubject(ctx, payment.SubjectPackage, "order-1")
	if err != nil {
		t.Fatalf("GetPaymentBySubject: %v", err)
	}
	if rec.Status != payment.StatusFailed {
		t.Fatalf("status: got %s, want failed", rec.Status)
	}

	out, err := f.eng.Reconcile(ctx, rec.CorrelationCode)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if out.State != entitle.StateFailed && !out.GatewayUnavailable {
		t.Errorf("State: got %s", out.State)
	}

	// The failed record is reused once the gateway answers again.
	f.gw.Delay = 0
	co := f.initiate(t, f.packageRequest("order-1"))
	if co.PaymentID.String() != rec.ID.String() {
		t.Errorf("PaymentID: got %s, want reused %s", co.PaymentID, rec.ID)
	}
	if co.CorrelationCode == rec.CorrelationCode {
		t.Error("reused record must get a fresh correlation code")
	}
	if co.Attempt != 2 {
		t.Errorf("Attempt: got %d, want 2", co.Attempt)
	}
}

func TestMaterializationIncompleteSelfHeals(t *testing.T) {
	mem := memory.New()
	fs := &flakyStore{Store: mem}
	f := buildFixture(t, mem, fs)
	ctx := context.Background()

	co := f.initiate(t, f.packageRequest("order-1"))
	f.gw.Pay(co.CorrelationCode)

	fs.failCreate.Store(1)
	out, err := f.eng.Reconcile(ctx, co.CorrelationCode)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if out.State != entitle.StateProcessing || out.Final() {
		t.Fatalf("State: got %s, want processing", out.State)
	}
	if out.Payment.Status != payment.StatusSuccess {
		t.Errorf("payment status: got %s, want success", out.Payment.Status)
	}
	if f.rec.count("materialization_failed") != 1 {
		t.Errorf("materialization_failed hooks: got %d", f.rec.count("materialization_failed"))
	}

	out, err = f.eng.Reconcile(ctx, co.CorrelationCode)
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if out.State != entitle.StateMaterialized {
		t.Fatalf("State: got %s, want materialized", out.State)
	}
	if n := mem.Stats()["entitlements"]; n != 1 {
		t.Errorf("entitlements stored: got %d, want 1", n)
	}
}

func TestMaterializationResumesAfterStampFailure(t *testing.T) {
	mem := memory.New()
	fs := &flakyStore{Store: mem}
	f := buildFixture(t, mem, fs)
	ctx := context.Background()

	co := f.initiate(t, f.packageRequest("order-1"))
	f.gw.Pay(co.CorrelationCode)

	// The entitlement is stored but the payment is never stamped.
	fs.failStamp.Store(1)
	out, err := f.eng.Reconcile(ctx, co.CorrelationCode)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if out.State != entitle.StateProcessing {
		t.Fatalf("State: got %s, want processing", out.State)
	}

	ent, err := f.eng.Materialize(ctx, co.PaymentID)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if n := mem.Stats()["entitlements"]; n != 1 {
		t.Errorf("entitlements stored: got %d, want 1", n)
	}

	rec, _ := f.eng.GetPayment(ctx, co.PaymentID)
	if rec.EntitlementID.String() != ent.ID.String() {
		t.Errorf("back-reference: got %s, want %s", rec.EntitlementID, ent.ID)
	}
}

func TestMaterializeRejectsUnpaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	co := f.initiate(t, f.packageRequest("order-1"))
	_, err := f.eng.Materialize(ctx, co.PaymentID)
	if !errors.Is(err, entitle.ErrInvalidTransition) {
		t.Fatalf("got %v, want ErrInvalidTransition", err)
	}
}

func TestReconcileUnknownCode(t *testing.T) {
	f := newFixture(t)
	if _, err := f.eng.Reconcile(context.Background(), 12345); !entitle.IsNotFound(err) {
		t.Fatalf("got %v, want not found", err)
	}
}
