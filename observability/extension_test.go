package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/gateway"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/payment"
	"github.com/xraph/entitle/types"
)

func TestMetricsExtensionCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	factory := NewPrometheusFactory(reg)
	m := NewMetricsExtension(factory)
	ctx := context.Background()

	r := &payment.Record{ID: id.NewPaymentID(), Amount: types.VND(200000)}
	_ = m.OnPaymentInitiated(ctx, r) //nolint:errcheck // always nil
	_ = m.OnPaymentConfirmed(ctx, r) //nolint:errcheck // always nil

	ent := &entitlement.Entitlement{ID: id.NewEntitlementID(), Status: entitlement.StatusExhausted}
	_ = m.OnQuotaConsumed(ctx, ent, "A", 3)                              //nolint:errcheck // always nil
	_ = m.OnQuotaExceeded(ctx, ent.ID, "A", 1, 0)                        //nolint:errcheck // always nil
	_ = m.OnEntitlementStatusChanged(ctx, ent, entitlement.StatusActive) //nolint:errcheck // always nil

	_ = m.OnWebhookReceived(ctx, id.NewWebhookID(), &gateway.WebhookPayload{ResultCode: "99"}) //nolint:errcheck // always nil
	_ = m.OnGatewayUnavailable(ctx, "query", 1, errors.New("timeout"))                         //nolint:errcheck // always nil
	_ = m.OnGatewayCalled(ctx, "query", 40*time.Millisecond, nil)                              //nolint:errcheck // always nil

	tests := []struct {
		name string
		c    Counter
		want float64
	}{
		{"initiated", m.PaymentInitiated, 1},
		{"confirmed", m.PaymentConfirmed, 1},
		{"consumed units", m.QuotaConsumed, 3},
		{"quota exceeded", m.QuotaExceeded, 1},
		{"exhausted", m.EntitlementExhausted, 1},
		{"expired", m.EntitlementExpired, 0},
		{"webhooks", m.WebhookReceived, 1},
		{"non-success webhooks", m.WebhookNonSuccess, 1},
		{"gateway unavailable", m.GatewayUnavailable, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.c.(prometheus.Counter)); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}

	if n := testutil.CollectAndCount(reg, "entitle_gateway_latency_ms"); n != 1 {
		t.Errorf("latency histogram series: got %d, want 1", n)
	}
}

func TestPrometheusFactoryReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()

	a := NewPrometheusFactory(reg).Counter("entitle.payment.initiated")
	b := NewPrometheusFactory(reg).Counter("entitle.payment.initiated")
	a.Inc()
	b.Inc()

	if got := testutil.ToFloat64(a.(prometheus.Counter)); got != 2 {
		t.Fatalf("shared counter: got %v, want 2", got)
	}
}
