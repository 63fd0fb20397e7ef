package entitle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/payment"
	"github.com/xraph/entitle/store/memory"
)

func TestExpireStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	co := f.initiate(t, appointmentRequest("appt-1"))
	f.initiate(t, appointmentRequest("appt-2"))

	// Not yet due.
	n, err := f.eng.ExpireStale(ctx, f.clock.Now())
	if err != nil || n != 0 {
		t.Fatalf("ExpireStale before the window: n=%d err=%v", n, err)
	}

	f.clock.Advance(entitle.DefaultReservationTTL + time.Minute)
	n, err = f.eng.ExpireStale(ctx, f.clock.Now())
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if n != 2 {
		t.Fatalf("expired: got %d, want 2", n)
	}

	rec, _ := f.eng.GetPaymentByCode(ctx, co.CorrelationCode)
	if rec.Status != payment.StatusCancelled || rec.CancelReason != payment.ReasonExpired {
		t.Errorf("record: status %s reason %q", rec.Status, rec.CancelReason)
	}
	if reason, ok := f.gw.CancelReason(co.CorrelationCode); !ok || reason != payment.ReasonExpired {
		t.Errorf("gateway cancel reason: got %q (cancelled %v)", reason, ok)
	}

	out, err := f.eng.Reconcile(ctx, co.CorrelationCode)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if out.State != entitle.StateExpiredUnpaid {
		t.Errorf("State: got %s, want expired_unpaid", out.State)
	}
	if n := f.rec.count("expired"); n != 2 {
		t.Errorf("expired hooks: got %d, want 2", n)
	}
}

func TestExpireStaleConfirmsLatePayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	co := f.initiate(t, f.packageRequest("order-1"))
	f.gw.Pay(co.CorrelationCode)
	f.clock.Advance(entitle.DefaultReservationTTL + time.Minute)

	n, err := f.eng.ExpireStale(ctx, f.clock.Now())
	if err != nil || n != 0 {
		t.Fatalf("ExpireStale: n=%d err=%v", n, err)
	}

	rec, _ := f.eng.GetPayment(ctx, co.PaymentID)
	if rec.Status != payment.StatusSuccess || !rec.Materialized() {
		t.Errorf("record: status %s materialized %v", rec.Status, rec.Materialized())
	}
}

func TestExpireStaleLeavesUnknownPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	co := f.initiate(t, appointmentRequest("appt-1"))
	f.clock.Advance(entitle.DefaultReservationTTL + time.Minute)

	f.gw.QueryErr = errors.New("gateway down")
	n, err := f.eng.ExpireStale(ctx, f.clock.Now())
	f.gw.QueryErr = nil
	if err != nil || n != 0 {
		t.Fatalf("ExpireStale: n=%d err=%v", n, err)
	}

	rec, _ := f.eng.GetPaymentByCode(ctx, co.CorrelationCode)
	if rec.Status != payment.StatusPending {
		t.Errorf("status: got %s, want pending", rec.Status)
	}

	// Next pass, with the gateway back, closes it.
	n, err = f.eng.ExpireStale(ctx, f.clock.Now())
	if err != nil || n != 1 {
		t.Fatalf("second ExpireStale: n=%d err=%v", n, err)
	}
}

func TestExpireStaleGetsPastStuckRecords(t *testing.T) {
	f := newFixture(t, entitle.WithSweepBatch(1))
	ctx := context.Background()

	a := f.initiate(t, appointmentRequest("appt-1"))
	b := f.initiate(t, appointmentRequest("appt-2"))
	f.clock.Advance(entitle.DefaultReservationTTL + time.Minute)

	// The record listed first never gets an answer from the gateway.
	stuck, other := a, b
	if b.PaymentID.String() < a.PaymentID.String() {
		stuck, other = b, a
	}
	f.gw.FailQuery(stuck.CorrelationCode, errors.New("gateway down"))

	n, err := f.eng.ExpireStale(ctx, f.clock.Now())
	if err != nil || n != 1 {
		t.Fatalf("ExpireStale: n=%d err=%v", n, err)
	}

	rec, _ := f.eng.GetPayment(ctx, other.PaymentID)
	if rec.Status != payment.StatusCancelled {
		t.Errorf("later record: got %s, want cancelled", rec.Status)
	}
	rec, _ = f.eng.GetPayment(ctx, stuck.PaymentID)
	if rec.Status != payment.StatusPending {
		t.Errorf("stuck record: got %s, want pending", rec.Status)
	}
}

func TestRefreshStatuses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.purchase(t, "order-1")
	f.purchase(t, "order-2")

	n, err := f.eng.RefreshStatuses(ctx, f.clock.Now())
	if err != nil || n != 0 {
		t.Fatalf("RefreshStatuses while active: n=%d err=%v", n, err)
	}

	f.clock.Advance(31 * 24 * time.Hour)
	n, err = f.eng.RefreshStatuses(ctx, f.clock.Now())
	if err != nil {
		t.Fatalf("RefreshStatuses: %v", err)
	}
	if n != 2 {
		t.Fatalf("refreshed: got %d, want 2", n)
	}

	// Expired entitlements are not revisited.
	n, err = f.eng.RefreshStatuses(ctx, f.clock.Now())
	if err != nil || n != 0 {
		t.Fatalf("second RefreshStatuses: n=%d err=%v", n, err)
	}
}

func TestRefreshStatusesPages(t *testing.T) {
	f := newFixture(t, entitle.WithSweepBatch(1))
	ctx := context.Background()

	for _, subject := range []string{"order-1", "order-2", "order-3"} {
		f.purchase(t, subject)
	}
	f.clock.Advance(31 * 24 * time.Hour)

	n, err := f.eng.RefreshStatuses(ctx, f.clock.Now())
	if err != nil {
		t.Fatalf("RefreshStatuses: %v", err)
	}
	if n != 3 {
		t.Fatalf("refreshed: got %d, want 3", n)
	}
}

func TestSweepRetriesMaterialization(t *testing.T) {
	mem := memory.New()
	fs := &flakyStore{Store: mem}
	f := buildFixture(t, mem, fs)
	ctx := context.Background()

	co := f.initiate(t, f.packageRequest("order-1"))
	f.gw.Pay(co.CorrelationCode)

	fs.failCreate.Store(1)
	out, err := f.eng.Reconcile(ctx, co.CorrelationCode)
	if err != nil || out.State != entitle.StateProcessing {
		t.Fatalf("Reconcile: state %v err %v", out, err)
	}

	report, err := f.eng.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.Materialized != 1 {
		t.Fatalf("materialized: got %d, want 1", report.Materialized)
	}

	rec, _ := f.eng.GetPayment(ctx, co.PaymentID)
	if !rec.Materialized() {
		t.Error("expected the sweep to stamp the payment")
	}

	report, err = f.eng.Sweep(ctx)
	if err != nil || report.Materialized != 0 {
		t.Fatalf("second Sweep: %+v err %v", report, err)
	}
}
