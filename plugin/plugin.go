// Package plugin provides the hook system for the entitle engine.
// Plugins implement any subset of the hook interfaces below; the Registry
// discovers them once at registration and dispatches events to them.
package plugin

import (
	"context"
	"time"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/gateway"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/payment"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts. engine is the *entitle.Engine.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Payment hooks
// ──────────────────────────────────────────────────

// OnPaymentInitiated is called after a checkout session was created.
type OnPaymentInitiated interface {
	Plugin
	OnPaymentInitiated(ctx context.Context, r *payment.Record) error
}

// OnPaymentConfirmed is called once per record, when it first turns success.
type OnPaymentConfirmed interface {
	Plugin
	OnPaymentConfirmed(ctx context.Context, r *payment.Record) error
}

// OnPaymentCancelled is called when a pending record is cancelled.
type OnPaymentCancelled interface {
	Plugin
	OnPaymentCancelled(ctx context.Context, r *payment.Record, reason string) error
}

// OnPaymentExpired is called when the sweep cancels an unpaid record.
type OnPaymentExpired interface {
	Plugin
	OnPaymentExpired(ctx context.Context, r *payment.Record) error
}

// ──────────────────────────────────────────────────
// Entitlement hooks
// ──────────────────────────────────────────────────

// OnEntitlementMaterialized is called once per successful package payment.
type OnEntitlementMaterialized interface {
	Plugin
	OnEntitlementMaterialized(ctx context.Context, e *entitlement.Entitlement, r *payment.Record) error
}

// OnMaterializationFailed is called when a confirmed payment could not be
// turned into an entitlement. The sweep retries it.
type OnMaterializationFailed interface {
	Plugin
	OnMaterializationFailed(ctx context.Context, r *payment.Record, err error) error
}

// OnQuotaConsumed is called after units were reserved.
type OnQuotaConsumed interface {
	Plugin
	OnQuotaConsumed(ctx context.Context, e *entitlement.Entitlement, serviceID string, quantity int64) error
}

// OnQuotaExceeded is called when a reservation is rejected for lack of units.
type OnQuotaExceeded interface {
	Plugin
	OnQuotaExceeded(ctx context.Context, entID id.EntitlementID, serviceID string, requested, remaining int64) error
}

// OnEntitlementStatusChanged is called when a refresh persists a new status.
type OnEntitlementStatusChanged interface {
	Plugin
	OnEntitlementStatusChanged(ctx context.Context, e *entitlement.Entitlement, from entitlement.Status) error
}

// ──────────────────────────────────────────────────
// Gateway hooks
// ──────────────────────────────────────────────────

// OnWebhookReceived is called for every authenticated gateway notification.
type OnWebhookReceived interface {
	Plugin
	OnWebhookReceived(ctx context.Context, receiptID id.WebhookID, p *gateway.WebhookPayload) error
}

// OnGatewayUnavailable is called when a gateway call fails or times out.
type OnGatewayUnavailable interface {
	Plugin
	OnGatewayUnavailable(ctx context.Context, op string, code int64, err error) error
}

// OnGatewayCalled is called after every gateway round trip, successful or
// not, with its latency.
type OnGatewayCalled interface {
	Plugin
	OnGatewayCalled(ctx context.Context, op string, elapsed time.Duration, err error) error
}
