// Package observability provides a metrics extension for entitle that
// records lifecycle event counts and gateway latency through a MetricFactory.
package observability

import (
	"context"
	"time"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/gateway"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/payment"
	"github.com/xraph/entitle/plugin"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                     = (*MetricsExtension)(nil)
	_ plugin.OnInit                     = (*MetricsExtension)(nil)
	_ plugin.OnPaymentInitiated         = (*MetricsExtension)(nil)
	_ plugin.OnPaymentConfirmed         = (*MetricsExtension)(nil)
	_ plugin.OnPaymentCancelled         = (*MetricsExtension)(nil)
	_ plugin.OnPaymentExpired           = (*MetricsExtension)(nil)
	_ plugin.OnEntitlementMaterialized  = (*MetricsExtension)(nil)
	_ plugin.OnMaterializationFailed    = (*MetricsExtension)(nil)
	_ plugin.OnEntitlementStatusChanged = (*MetricsExtension)(nil)
	_ plugin.OnQuotaConsumed            = (*MetricsExtension)(nil)
	_ plugin.OnQuotaExceeded            = (*MetricsExtension)(nil)
	_ plugin.OnWebhookReceived          = (*MetricsExtension)(nil)
	_ plugin.OnGatewayUnavailable       = (*MetricsExtension)(nil)
	_ plugin.OnGatewayCalled            = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics.
// Register it as an entitle plugin to track payment and quota metrics.
type MetricsExtension struct {
	factory MetricFactory

	// Payment metrics
	PaymentInitiated Counter
	PaymentConfirmed Counter
	PaymentCancelled Counter
	PaymentExpired   Counter
	PaymentAmount    Histogram

	// Entitlement metrics
	EntitlementMaterialized Counter
	MaterializationFailed   Counter
	EntitlementExpired      Counter
	EntitlementExhausted    Counter

	// Quota metrics
	QuotaConsumed Counter
	QuotaExceeded Counter

	// Gateway metrics
	WebhookReceived    Counter
	WebhookNonSuccess  Counter
	GatewayUnavailable Counter
	GatewayLatency     Histogram
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		// Payment metrics
		PaymentInitiated: factory.Counter("entitle.payment.initiated"),
		PaymentConfirmed: factory.Counter("entitle.payment.confirmed"),
		PaymentCancelled: factory.Counter("entitle.payment.cancelled"),
		PaymentExpired:   factory.Counter("entitle.payment.expired"),
		PaymentAmount:    factory.Histogram("entitle.payment.amount_minor"),

		// Entitlement metrics
		EntitlementMaterialized: factory.Counter("entitle.entitlement.materialized"),
		MaterializationFailed:   factory.Counter("entitle.entitlement.materialization_failed"),
		EntitlementExpired:      factory.Counter("entitle.entitlement.expired"),
		EntitlementExhausted:    factory.Counter("entitle.entitlement.exhausted"),

		// Quota metrics
		QuotaConsumed: factory.Counter("entitle.quota.consumed"),
		QuotaExceeded: factory.Counter("entitle.quota.exceeded"),

		// Gateway metrics
		WebhookReceived:    factory.Counter("entitle.webhook.received"),
		WebhookNonSuccess:  factory.Counter("entitle.webhook.non_success"),
		GatewayUnavailable: factory.Counter("entitle.gateway.unavailable"),
		GatewayLatency:     factory.Histogram("entitle.gateway.latency_ms"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ any) error {
	return nil
}

// ──────────────────────────────────────────────────
// Payment lifecycle hooks
// ──────────────────────────────────────────────────

// OnPaymentInitiated implements plugin.OnPaymentInitiated.
func (m *MetricsExtension) OnPaymentInitiated(_ context.Context, _ *payment.Record) error {
	m.PaymentInitiated.Inc()
	return nil
}

// OnPaymentConfirmed implements plugin.OnPaymentConfirmed.
func (m *MetricsExtension) OnPaymentConfirmed(_ context.Context, r *payment.Record) error {
	m.PaymentConfirmed.Inc()
	m.PaymentAmount.Observe(float64(r.Amount.Amount))
	return nil
}

// OnPaymentCancelled implements plugin.OnPaymentCancelled.
func (m *MetricsExtension) OnPaymentCancelled(_ context.Context, _ *payment.Record, _ string) error {
	m.PaymentCancelled.Inc()
	return nil
}

// OnPaymentExpired implements plugin.OnPaymentExpired.
func (m *MetricsExtension) OnPaymentExpired(_ context.Context, _ *payment.Record) error {
	m.PaymentExpired.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Entitlement lifecycle hooks
// ──────────────────────────────────────────────────

// OnEntitlementMaterialized implements plugin.OnEntitlementMaterialized.
func (m *MetricsExtension) OnEntitlementMaterialized(_ context.Context, _ *entitlement.Entitlement, _ *payment.Record) error {
	m.EntitlementMaterialized.Inc()
	return nil
}

// OnMaterializationFailed implements plugin.OnMaterializationFailed.
func (m *MetricsExtension) OnMaterializationFailed(_ context.Context, _ *payment.Record, _ error) error {
	m.MaterializationFailed.Inc()
	return nil
}

// OnEntitlementStatusChanged implements plugin.OnEntitlementStatusChanged.
func (m *MetricsExtension) OnEntitlementStatusChanged(_ context.Context, e *entitlement.Entitlement, _ entitlement.Status) error {
	switch e.Status {
	case entitlement.StatusExpired:
		m.EntitlementExpired.Inc()
	case entitlement.StatusExhausted:
		m.EntitlementExhausted.Inc()
	}
	return nil
}

// OnQuotaConsumed implements plugin.OnQuotaConsumed.
func (m *MetricsExtension) OnQuotaConsumed(_ context.Context, _ *entitlement.Entitlement, _ string, quantity int64) error {
	m.QuotaConsumed.Add(float64(quantity))
	return nil
}

// OnQuotaExceeded implements plugin.OnQuotaExceeded.
func (m *MetricsExtension) OnQuotaExceeded(_ context.Context, _ id.EntitlementID, _ string, _, _ int64) error {
	m.QuotaExceeded.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Gateway hooks
// ──────────────────────────────────────────────────

// OnWebhookReceived implements plugin.OnWebhookReceived.
func (m *MetricsExtension) OnWebhookReceived(_ context.Context, _ id.WebhookID, p *gateway.WebhookPayload) error {
	m.WebhookReceived.Inc()
	if !p.Success() {
		m.WebhookNonSuccess.Inc()
	}
	return nil
}

// OnGatewayUnavailable implements plugin.OnGatewayUnavailable.
func (m *MetricsExtension) OnGatewayUnavailable(_ context.Context, _ string, _ int64, _ error) error {
	m.GatewayUnavailable.Inc()
	return nil
}

// OnGatewayCalled implements plugin.OnGatewayCalled.
func (m *MetricsExtension) OnGatewayCalled(_ context.Context, _ string, elapsed time.Duration, _ error) error {
	m.GatewayLatency.Observe(float64(elapsed.Milliseconds()))
	return nil
}
