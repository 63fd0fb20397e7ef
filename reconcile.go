package entitle

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/gateway"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/payment"
	"github.com/xraph/entitle/types"
)

// State is a purchase attempt as the caller sees it.
type State string

const (
	StateAwaitingGateway State = "awaiting_gateway"
	StateConfirmed       State = "confirmed"
	StateMaterialized    State = "materialized"
	// StateProcessing means the payment was received but its entitlement is
	// not stored yet. The next reconciliation completes it.
	StateProcessing    State = "processing"
	StateCancelled     State = "cancelled"
	StateExpiredUnpaid State = "expired_unpaid"
	// StateFailed means no checkout could be opened; the purchase can be
	// initiated again.
	StateFailed State = "failed"
)

// Outcome is the result of a reconciliation.
type Outcome struct {
	State       State                    `json:"state"`
	Payment     *payment.Record          `json:"payment"`
	Entitlement *entitlement.Entitlement `json:"entitlement,omitempty"`
	// GatewayUnavailable is set when the gateway did not answer. State is
	// the last known ledger state; poll again later.
	GatewayUnavailable bool `json:"gateway_unavailable,omitempty"`
}

// Final reports whether polling can stop.
func (o *Outcome) Final() bool {
	switch o.State {
	case StateConfirmed, StateMaterialized, StateCancelled, StateExpiredUnpaid, StateFailed:
		return true
	}
	return false
}

// WebhookReceipt acknowledges an inbound gateway notification.
type WebhookReceipt struct {
	ID              id.WebhookID `json:"id"`
	CorrelationCode int64        `json:"correlation_code"`
	ResultCode      string       `json:"result_code"`
	// Applied is false for non-success notifications and unknown codes;
	// neither changes any state.
	Applied bool     `json:"applied"`
	Outcome *Outcome `json:"outcome,omitempty"`
}

// ──────────────────────────────────────────────────
// Reconciliation
// ──────────────────────────────────────────────────

// Confirm applies a gateway status to the record holding code. It is the
// single entry point shared by webhooks and polling, and is safe to call
// any number of times, concurrently, for the same code: a record already
// successful is not confirmed again, and an entitlement already stamped on
// it is not created again.
func (e *Engine) Confirm(ctx context.Context, code int64, res gateway.StatusResult) (*Outcome, error) {
	switch res.Status {
	case gateway.StatusPaid:
		rec, _, err := e.markConfirmed(ctx, code, payment.Confirmation{
			TransactionRef:  res.TransactionRef,
			TransactionTime: res.TransactionTime,
			Amount:          res.Amount,
		})
		if err != nil {
			return nil, err
		}
		return e.settle(ctx, rec), nil

	case gateway.StatusCancelled:
		rec, err := e.store.GetPaymentByCode(ctx, code)
		if err != nil {
			return nil, err
		}
		if rec.Status != payment.StatusPending && rec.Status != payment.StatusFailed {
			return e.settle(ctx, rec), nil
		}
		return e.closeUnpaid(ctx, rec)

	case gateway.StatusPending:
		rec, err := e.store.GetPaymentByCode(ctx, code)
		if err != nil {
			return nil, err
		}
		if rec.Expired(e.now()) {
			return e.expire(ctx, rec)
		}
		return e.settle(ctx, rec), nil

	default:
		return nil, fmt.Errorf("%w: unknown gateway status %q", ErrInvalidInput, res.Status)
	}
}

// Reconcile asks the gateway for the status of code and applies it. If the
// gateway cannot be reached the last known state is returned with
// GatewayUnavailable set and nothing is changed.
func (e *Engine) Reconcile(ctx context.Context, code int64) (*Outcome, error) {
	rec, err := e.store.GetPaymentByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	if rec.Status != payment.StatusPending && rec.Status != payment.StatusFailed {
		return e.settle(ctx, rec), nil
	}

	res, err := e.queryGateway(ctx, code)
	switch {
	case isSessionNotFound(err):
		if rec.Expired(e.now()) {
			return e.closeUnpaid(ctx, rec)
		}
		return e.settle(ctx, rec), nil
	case err != nil:
		out := e.settle(ctx, rec)
		out.GatewayUnavailable = true
		return out, nil
	}

	return e.Confirm(ctx, code, *res)
}

// ReconcileSubject reconciles the subject's current payment record.
func (e *Engine) ReconcileSubject(ctx context.Context, subjectType payment.SubjectType, subjectID string) (*Outcome, error) {
	rec, err := e.store.GetPaymentBySubject(ctx, subjectType, subjectID)
	if err != nil {
		return nil, err
	}
	return e.Reconcile(ctx, rec.CorrelationCode)
}

// HandleWebhook applies an authenticated gateway notification. Non-success
// result codes and unknown correlation codes are acknowledged without
// changing state.
func (e *Engine) HandleWebhook(ctx context.Context, p gateway.WebhookPayload) (*WebhookReceipt, error) {
	receipt := &WebhookReceipt{
		ID:              id.NewWebhookID(),
		CorrelationCode: p.CorrelationCode,
		ResultCode:      p.ResultCode,
	}
	e.plugins.EmitWebhookReceived(ctx, receipt.ID, &p)

	if !p.Success() {
		e.logger.Info("webhook acknowledged without effect",
			"receipt", receipt.ID.String(),
			"code", p.CorrelationCode,
			"result_code", p.ResultCode,
		)
		return receipt, nil
	}

	out, err := e.Confirm(ctx, p.CorrelationCode, p.Result())
	if err != nil {
		if IsNotFound(err) {
			e.logger.Warn("webhook for unknown correlation code",
				"receipt", receipt.ID.String(),
				"code", p.CorrelationCode,
			)
			return receipt, nil
		}
		return receipt, err
	}

	receipt.Applied = true
	receipt.Outcome = out
	return receipt, nil
}

// ──────────────────────────────────────────────────
// Materialization
// ──────────────────────────────────────────────────

// Materialize creates the entitlement for a successful package payment, or
// returns the one already stamped on it. Failures wrap
// ErrMaterializationIncomplete.
func (e *Engine) Materialize(ctx context.Context, paymentID id.PaymentID) (*entitlement.Entitlement, error) {
	rec, err := e.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	ent, _, err := e.materialize(ctx, rec.CorrelationCode)
	return ent, err
}

// materialize is the stamp-and-check critical section for one code.
func (e *Engine) materialize(ctx context.Context, code int64) (*entitlement.Entitlement, *payment.Record, error) {
	unlock, err := e.lock(ctx, "materialize:"+strconv.FormatInt(code, 10))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrMaterializationIncomplete, err)
	}
	defer unlock()

	rec, err := e.store.GetPaymentByCode(ctx, code)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrMaterializationIncomplete, err)
	}
	if rec.Status != payment.StatusSuccess || !rec.SubjectType.RequiresEntitlement() {
		return nil, rec, fmt.Errorf("%w: payment %s is %s %s", ErrInvalidTransition, rec.ID, rec.Status, rec.SubjectType)
	}

	if rec.Materialized() {
		ent, err := e.store.GetEntitlement(ctx, rec.EntitlementID)
		if err != nil {
			return nil, rec, err
		}
		return ent, rec, nil
	}

	// A previous attempt may have stored the entitlement and crashed before
	// stamping the payment.
	ent, err := e.store.GetEntitlementByPayment(ctx, rec.ID)
	if err != nil {
		if !IsNotFound(err) {
			return nil, rec, fmt.Errorf("%w: %w", ErrMaterializationIncomplete, err)
		}
		if ent, err = e.createEntitlement(ctx, rec); err != nil {
			return nil, rec, fmt.Errorf("%w: %w", ErrMaterializationIncomplete, err)
		}
	}

	if err := e.store.StampEntitlement(ctx, rec.ID, ent.ID); err != nil {
		if !errors.Is(err, ErrAlreadyMaterialized) {
			return nil, rec, fmt.Errorf("%w: %w", ErrMaterializationIncomplete, err)
		}
		// Another instance won; report what it stamped.
		if rec, err = e.store.GetPayment(ctx, rec.ID); err != nil {
			return nil, nil, err
		}
		stamped, err := e.store.GetEntitlement(ctx, rec.EntitlementID)
		return stamped, rec, err
	}

	// The stamp bumped the stored version; reload so callers hold it.
	if fresh, err := e.store.GetPayment(ctx, rec.ID); err == nil {
		rec = fresh
	} else {
		rec.EntitlementID = ent.ID
	}

	e.logger.Info("entitlement materialized",
		"entitlement_id", ent.ID.String(),
		"payment_id", rec.ID.String(),
		"owner_id", ent.OwnerID,
		"expires", ent.ExpiryDate,
	)
	e.plugins.EmitEntitlementMaterialized(ctx, ent, rec)

	return ent, rec, nil
}

func (e *Engine) createEntitlement(ctx context.Context, rec *payment.Record) (*entitlement.Entitlement, error) {
	pkg, err := e.store.GetPackage(ctx, rec.PackageID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	purchased := now
	if rec.ConfirmedAt != nil {
		purchased = *rec.ConfirmedAt
	}

	ent := &entitlement.Entitlement{
		Entity:       types.NewEntityAt(now),
		ID:           id.NewEntitlementID(),
		OwnerID:      rec.Payer.UserID,
		PackageID:    pkg.ID,
		PaymentID:    rec.ID,
		PurchaseDate: purchased,
		ExpiryDate:   purchased.Add(pkg.Duration()),
		Lines:        make([]entitlement.QuotaLine, 0, len(pkg.Lines)),
	}
	for _, l := range pkg.Lines {
		ent.Lines = append(ent.Lines, entitlement.QuotaLine{ServiceID: l.ServiceID, MaxQuantity: l.Quantity})
	}
	ent.Status = entitlement.DeriveStatus(ent, now)

	if err := e.store.CreateEntitlement(ctx, ent); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return e.store.GetEntitlementByPayment(ctx, rec.ID)
		}
		return nil, err
	}
	return ent, nil
}

// ──────────────────────────────────────────────────
// Outcomes
// ──────────────────────────────────────────────────

// settle reports rec's state, completing a pending materialization first.
// A materialization failure is not an error to the caller: the payment was
// received and the outcome says so.
func (e *Engine) settle(ctx context.Context, rec *payment.Record) *Outcome {
	out := &Outcome{Payment: rec}

	switch rec.Status {
	case payment.StatusPending:
		out.State = StateAwaitingGateway
	case payment.StatusFailed:
		out.State = StateFailed
	case payment.StatusCancelled:
		out.State = StateCancelled
		if rec.CancelReason == payment.ReasonExpired {
			out.State = StateExpiredUnpaid
		}
	case payment.StatusSuccess:
		if !rec.SubjectType.RequiresEntitlement() {
			out.State = StateConfirmed
			break
		}
		ent, fresh, err := e.materialize(ctx, rec.CorrelationCode)
		if fresh != nil {
			out.Payment = fresh
		}
		if err != nil {
			out.State = StateProcessing
			e.logger.Error("materialization incomplete",
				"payment_id", rec.ID.String(),
				"code", rec.CorrelationCode,
				"error", err,
			)
			e.plugins.EmitMaterializationFailed(ctx, rec, err)
			break
		}
		out.State = StateMaterialized
		out.Entitlement = e.derived(ent)
	}

	return out
}

// closeUnpaid cancels a record the gateway reports as cancelled. Records
// past their reservation window are closed as expired.
func (e *Engine) closeUnpaid(ctx context.Context, rec *payment.Record) (*Outcome, error) {
	reason := ReasonGatewayCancelled
	if !rec.ExpiresAt.IsZero() && e.now().After(rec.ExpiresAt) {
		reason = payment.ReasonExpired
	}

	fresh, changed, err := e.markCancelled(ctx, rec.CorrelationCode, reason)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// Paid in the meantime.
			return e.reload(ctx, rec.CorrelationCode)
		}
		return nil, err
	}

	if changed {
		e.emitClosed(ctx, fresh, reason)
	}
	return e.settle(ctx, fresh), nil
}

// expire closes a pending record whose reservation window elapsed. The
// gateway session is cancelled first; if that cannot be confirmed the
// record stays pending, since the payer might still complete it.
func (e *Engine) expire(ctx context.Context, rec *payment.Record) (*Outcome, error) {
	if err := e.cancelGateway(ctx, rec.CorrelationCode, payment.ReasonExpired); err != nil && !isSessionNotFound(err) {
		out := e.settle(ctx, rec)
		out.GatewayUnavailable = true
		return out, nil
	}

	fresh, changed, err := e.markCancelled(ctx, rec.CorrelationCode, payment.ReasonExpired)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return e.reload(ctx, rec.CorrelationCode)
		}
		return nil, err
	}

	if changed {
		e.emitClosed(ctx, fresh, payment.ReasonExpired)
	}
	return e.settle(ctx, fresh), nil
}

func (e *Engine) emitClosed(ctx context.Context, rec *payment.Record, reason string) {
	e.logger.Info("payment closed unpaid",
		"payment_id", rec.ID.String(),
		"code", rec.CorrelationCode,
		"reason", reason,
	)
	if reason == payment.ReasonExpired {
		e.plugins.EmitPaymentExpired(ctx, rec)
		return
	}
	e.plugins.EmitPaymentCancelled(ctx, rec, reason)
}

func (e *Engine) reload(ctx context.Context, code int64) (*Outcome, error) {
	rec, err := e.store.GetPaymentByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return e.settle(ctx, rec), nil
}
