package audithook

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/gateway"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/payment"
	"github.com/xraph/entitle/types"
)

type memRecorder struct {
	mu     sync.Mutex
	events []*AuditEvent
	err    error
}

func (m *memRecorder) Record(_ context.Context, evt *AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return m.err
}

func (m *memRecorder) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Action
	}
	return out
}

func testRecord() *payment.Record {
	return &payment.Record{
		ID:              id.NewPaymentID(),
		CorrelationCode: 1234567,
		SubjectType:     payment.SubjectPackage,
		SubjectID:       "order-1",
		Payer:           payment.Payer{UserID: "user-1"},
		Amount:          types.VND(200000),
		Status:          payment.StatusSuccess,
		TransactionRef:  "FT123",
		Attempts:        1,
	}
}

func quiet() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestExtensionRecordsPaymentLifecycle(t *testing.T) {
	rec := &memRecorder{}
	ext := New(rec, WithLogger(quiet()))
	ctx := context.Background()
	r := testRecord()

	_ = ext.OnPaymentInitiated(ctx, r)                        //nolint:errcheck // always nil
	_ = ext.OnPaymentConfirmed(ctx, r)                        //nolint:errcheck // always nil
	_ = ext.OnPaymentCancelled(ctx, r, "user_cancelled")      //nolint:errcheck // always nil
	_ = ext.OnMaterializationFailed(ctx, r, errors.New("db")) //nolint:errcheck // always nil

	got := rec.actions()
	want := []string{ActionPaymentInitiated, ActionPaymentConfirmed, ActionPaymentCancelled, ActionMaterializationFailed}
	if len(got) != len(want) {
		t.Fatalf("actions: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("action %d: got %s, want %s", i, got[i], want[i])
		}
	}

	confirmed := rec.events[1]
	if confirmed.ResourceID != r.ID.String() || confirmed.Metadata["transaction_ref"] != "FT123" {
		t.Errorf("confirmed event: %+v", confirmed)
	}
	failed := rec.events[3]
	if failed.Severity != SeverityCritical || failed.Outcome != OutcomeFailure || failed.Reason != "db" {
		t.Errorf("failure event: %+v", failed)
	}
}

func TestExtensionEnabledActions(t *testing.T) {
	rec := &memRecorder{}
	ext := New(rec, WithLogger(quiet()), WithEnabledActions(ActionQuotaExceeded))
	ctx := context.Background()

	ent := &entitlement.Entitlement{
		ID:    id.NewEntitlementID(),
		Lines: []entitlement.QuotaLine{{ServiceID: "A", MaxQuantity: 2, UsedQuantity: 1}},
	}
	_ = ext.OnQuotaConsumed(ctx, ent, "A", 1)                                    //nolint:errcheck // always nil
	_ = ext.OnQuotaExceeded(ctx, ent.ID, "A", 5, 1)                              //nolint:errcheck // always nil
	_ = ext.OnWebhookReceived(ctx, id.NewWebhookID(), &gateway.WebhookPayload{}) //nolint:errcheck // always nil

	got := rec.actions()
	if len(got) != 1 || got[0] != ActionQuotaExceeded {
		t.Fatalf("actions: got %v, want only %s", got, ActionQuotaExceeded)
	}
}

func TestExtensionDisabledActions(t *testing.T) {
	rec := &memRecorder{}
	ext := New(rec, WithLogger(quiet()), WithDisabledActions(ActionQuotaConsumed))
	ctx := context.Background()

	ent := &entitlement.Entitlement{ID: id.NewEntitlementID()}
	_ = ext.OnQuotaConsumed(ctx, ent, "A", 1)       //nolint:errcheck // always nil
	_ = ext.OnQuotaExceeded(ctx, ent.ID, "A", 5, 0) //nolint:errcheck // always nil

	if got := rec.actions(); len(got) != 1 || got[0] != ActionQuotaExceeded {
		t.Fatalf("actions: got %v", got)
	}
}

func TestRecorderFailureIsSwallowed(t *testing.T) {
	rec := &memRecorder{err: errors.New("audit store down")}
	ext := New(rec, WithLogger(quiet()))

	if err := ext.OnPaymentExpired(context.Background(), testRecord()); err != nil {
		t.Fatalf("hook must not fail the engine: %v", err)
	}
}
