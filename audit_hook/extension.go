// Package audithook bridges entitle lifecycle events to an audit trail
// backend.
//
// It defines a local Recorder interface so the package does not depend on a
// particular audit store. Callers inject a RecorderFunc adapter at wiring
// time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/gateway"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/payment"
	"github.com/xraph/entitle/plugin"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                     = (*Extension)(nil)
	_ plugin.OnPaymentInitiated         = (*Extension)(nil)
	_ plugin.OnPaymentConfirmed         = (*Extension)(nil)
	_ plugin.OnPaymentCancelled         = (*Extension)(nil)
	_ plugin.OnPaymentExpired           = (*Extension)(nil)
	_ plugin.OnEntitlementMaterialized  = (*Extension)(nil)
	_ plugin.OnMaterializationFailed    = (*Extension)(nil)
	_ plugin.OnEntitlementStatusChanged = (*Extension)(nil)
	_ plugin.OnQuotaConsumed            = (*Extension)(nil)
	_ plugin.OnQuotaExceeded            = (*Extension)(nil)
	_ plugin.OnWebhookReceived          = (*Extension)(nil)
	_ plugin.OnGatewayUnavailable       = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a single entry in the audit trail.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges entitle lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Payment lifecycle hooks
// ──────────────────────────────────────────────────

// OnPaymentInitiated implements plugin.OnPaymentInitiated.
func (e *Extension) OnPaymentInitiated(ctx context.Context, r *payment.Record) error {
	return e.record(ctx, ActionPaymentInitiated, SeverityInfo, OutcomeSuccess,
		ResourcePayment, r.ID.String(), CategoryPayment, nil,
		paymentFields(r)...,
	)
}

// OnPaymentConfirmed implements plugin.OnPaymentConfirmed.
func (e *Extension) OnPaymentConfirmed(ctx context.Context, r *payment.Record) error {
	return e.record(ctx, ActionPaymentConfirmed, SeverityInfo, OutcomeSuccess,
		ResourcePayment, r.ID.String(), CategoryPayment, nil,
		append(paymentFields(r), "transaction_ref", r.TransactionRef)...,
	)
}

// OnPaymentCancelled implements plugin.OnPaymentCancelled.
func (e *Extension) OnPaymentCancelled(ctx context.Context, r *payment.Record, reason string) error {
	return e.record(ctx, ActionPaymentCancelled, SeverityInfo, OutcomeSuccess,
		ResourcePayment, r.ID.String(), CategoryPayment, nil,
		append(paymentFields(r), "cancel_reason", reason)...,
	)
}

// OnPaymentExpired implements plugin.OnPaymentExpired.
func (e *Extension) OnPaymentExpired(ctx context.Context, r *payment.Record) error {
	return e.record(ctx, ActionPaymentExpired, SeverityInfo, OutcomeSuccess,
		ResourcePayment, r.ID.String(), CategoryPayment, nil,
		append(paymentFields(r), "expires_at", r.ExpiresAt)...,
	)
}

// ──────────────────────────────────────────────────
// Entitlement lifecycle hooks
// ──────────────────────────────────────────────────

// OnEntitlementMaterialized implements plugin.OnEntitlementMaterialized.
func (e *Extension) OnEntitlementMaterialized(ctx context.Context, ent *entitlement.Entitlement, r *payment.Record) error {
	return e.record(ctx, ActionEntitlementMaterialized, SeverityInfo, OutcomeSuccess,
		ResourceEntitlement, ent.ID.String(), CategoryAccess, nil,
		"owner_id", ent.OwnerID,
		"package_id", ent.PackageID.String(),
		"payment_id", r.ID.String(),
		"expiry_date", ent.ExpiryDate,
	)
}

// OnMaterializationFailed implements plugin.OnMaterializationFailed.
// The payer has paid but holds no entitlement yet, hence critical.
func (e *Extension) OnMaterializationFailed(ctx context.Context, r *payment.Record, err error) error {
	return e.record(ctx, ActionMaterializationFailed, SeverityCritical, OutcomeFailure,
		ResourcePayment, r.ID.String(), CategoryAccess, err,
		paymentFields(r)...,
	)
}

// OnEntitlementStatusChanged implements plugin.OnEntitlementStatusChanged.
func (e *Extension) OnEntitlementStatusChanged(ctx context.Context, ent *entitlement.Entitlement, from entitlement.Status) error {
	return e.record(ctx, ActionEntitlementStatus, SeverityInfo, OutcomeSuccess,
		ResourceEntitlement, ent.ID.String(), CategoryAccess, nil,
		"owner_id", ent.OwnerID,
		"from", string(from),
		"to", string(ent.Status),
	)
}

// OnQuotaConsumed implements plugin.OnQuotaConsumed.
func (e *Extension) OnQuotaConsumed(ctx context.Context, ent *entitlement.Entitlement, serviceID string, quantity int64) error {
	var remaining int64
	if l := ent.Line(serviceID); l != nil {
		remaining = l.Remaining()
	}
	return e.record(ctx, ActionQuotaConsumed, SeverityInfo, OutcomeSuccess,
		ResourceEntitlement, ent.ID.String(), CategoryAccess, nil,
		"owner_id", ent.OwnerID,
		"service_id", serviceID,
		"quantity", quantity,
		"remaining", remaining,
	)
}

// OnQuotaExceeded implements plugin.OnQuotaExceeded.
func (e *Extension) OnQuotaExceeded(ctx context.Context, entID id.EntitlementID, serviceID string, requested, remaining int64) error {
	return e.record(ctx, ActionQuotaExceeded, SeverityWarning, OutcomeFailure,
		ResourceEntitlement, entID.String(), CategoryAccess, nil,
		"service_id", serviceID,
		"requested", requested,
		"remaining", remaining,
	)
}

// ──────────────────────────────────────────────────
// Gateway hooks
// ──────────────────────────────────────────────────

// OnWebhookReceived implements plugin.OnWebhookReceived.
func (e *Extension) OnWebhookReceived(ctx context.Context, receiptID id.WebhookID, p *gateway.WebhookPayload) error {
	outcome := OutcomeSuccess
	if !p.Success() {
		outcome = OutcomeFailure
	}
	return e.record(ctx, ActionWebhookReceived, SeverityInfo, outcome,
		ResourceWebhook, receiptID.String(), CategoryIntegration, nil,
		"correlation_code", p.CorrelationCode,
		"result_code", p.ResultCode,
		"amount", p.Amount,
		"transaction_ref", p.TransactionRef,
	)
}

// OnGatewayUnavailable implements plugin.OnGatewayUnavailable.
func (e *Extension) OnGatewayUnavailable(ctx context.Context, op string, code int64, err error) error {
	return e.record(ctx, ActionGatewayUnavailable, SeverityError, OutcomeFailure,
		ResourceGateway, op, CategoryIntegration, err,
		"operation", op,
		"correlation_code", code,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}

func paymentFields(r *payment.Record) []any {
	return []any{
		"correlation_code", r.CorrelationCode,
		"subject_type", string(r.SubjectType),
		"subject_id", r.SubjectID,
		"payer_id", r.Payer.UserID,
		"amount", r.Amount.Amount,
		"currency", r.Amount.Currency,
		"attempts", r.Attempts,
	}
}
