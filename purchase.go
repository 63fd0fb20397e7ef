package entitle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/entitle/gateway"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/payment"
	"github.com/xraph/entitle/types"
)

// PurchaseRequest starts, or restarts, the payment of one subject.
type PurchaseRequest struct {
	SubjectType payment.SubjectType `json:"subject_type" validate:"required,oneof=appointment package"`
	SubjectID   string              `json:"subject_id" validate:"required,max=128"`
	// PackageID names the catalog package for package subjects. Amount
	// defaults to the package price and must equal it when set. Description
	// defaults to the package name.
	PackageID   id.PackageID  `json:"package_id"`
	Amount      types.Money   `json:"amount"`
	Description string        `json:"description" validate:"max=255"`
	Payer       payment.Payer `json:"payer"`
}

// Checkout is what the payer needs to complete a purchase.
type Checkout struct {
	PaymentID       id.PaymentID `json:"payment_id"`
	CorrelationCode int64        `json:"correlation_code"`
	CheckoutURL     string       `json:"checkout_url"`
	QRCode          string       `json:"qr_code,omitempty"`
	Amount          types.Money  `json:"amount"`
	ExpiresAt       time.Time    `json:"expires_at"`
	Attempt         int          `json:"attempt"`
}

// Reasons recorded on cancelled records.
const (
	ReasonUserCancelled    = "cancelled by user"
	ReasonGatewayCancelled = "cancelled at gateway"
	ReasonSuperseded       = "superseded"
	reasonCheckoutFailed   = "checkout unavailable"
)

// ──────────────────────────────────────────────────
// Payment ledger
// ──────────────────────────────────────────────────

// InitiatePurchase creates or reuses the subject's pending record and opens
// a checkout session for it. A subject that is already paid for is
// rejected with ErrDuplicateActivePayment.
func (e *Engine) InitiatePurchase(ctx context.Context, req PurchaseRequest) (*Checkout, error) {
	if err := e.preparePurchase(ctx, &req); err != nil {
		return nil, err
	}

	unlock, err := e.lock(ctx, subjectKey(req.SubjectType, req.SubjectID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := e.createPending(ctx, req)
	if err != nil {
		return nil, err
	}

	sess, err := e.createSession(ctx, rec)
	if err != nil {
		e.failPending(ctx, rec, err)
		return nil, fmt.Errorf("entitle: cannot create checkout: %w", err)
	}

	code := rec.CorrelationCode
	rec, _, err = e.updatePayment(ctx, e.paymentByID(rec.ID), func(r *payment.Record) (bool, error) {
		if r.CorrelationCode != code || r.Status != payment.StatusPending {
			return false, fmt.Errorf("%w: checkout %d superseded before it was stored", ErrInvalidTransition, code)
		}
		r.CheckoutURL = sess.CheckoutURL
		r.QRCode = sess.QRCode
		r.TouchAt(e.now())
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("checkout created",
		"payment_id", rec.ID.String(),
		"code", rec.CorrelationCode,
		"subject_type", rec.SubjectType,
		"subject_id", rec.SubjectID,
		"attempt", rec.Attempts,
	)
	e.plugins.EmitPaymentInitiated(ctx, rec)

	return &Checkout{
		PaymentID:       rec.ID,
		CorrelationCode: rec.CorrelationCode,
		CheckoutURL:     rec.CheckoutURL,
		QRCode:          rec.QRCode,
		Amount:          rec.Amount,
		ExpiresAt:       rec.ExpiresAt,
		Attempt:         rec.Attempts,
	}, nil
}

// CreatePending stores a pending record for the subject without opening a
// checkout session. An existing pending, failed or cancelled record is
// reused under a fresh correlation code after its old session is
// invalidated at the gateway.
func (e *Engine) CreatePending(ctx context.Context, req PurchaseRequest) (*payment.Record, error) {
	if err := e.preparePurchase(ctx, &req); err != nil {
		return nil, err
	}

	unlock, err := e.lock(ctx, subjectKey(req.SubjectType, req.SubjectID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	return e.createPending(ctx, req)
}

// MarkConfirmed moves the record holding code to success. Confirming a
// record that is already successful returns it unchanged.
func (e *Engine) MarkConfirmed(ctx context.Context, code int64, c payment.Confirmation) (*payment.Record, error) {
	rec, _, err := e.markConfirmed(ctx, code, c)
	return rec, err
}

// MarkCancelled moves the record holding code to cancelled. Cancelling a
// successful record fails with ErrInvalidTransition.
func (e *Engine) MarkCancelled(ctx context.Context, code int64, reason string) (*payment.Record, error) {
	if reason == "" {
		reason = ReasonUserCancelled
	}
	rec, changed, err := e.markCancelled(ctx, code, reason)
	if err != nil {
		return nil, err
	}
	if changed {
		e.plugins.EmitPaymentCancelled(ctx, rec, reason)
	}
	return rec, nil
}

// CancelPurchase cancels the subject's open checkout. The gateway session
// is cancelled first; if the gateway cannot confirm that, the record is
// left as it is.
func (e *Engine) CancelPurchase(ctx context.Context, subjectType payment.SubjectType, subjectID, reason string) (*payment.Record, error) {
	if reason == "" {
		reason = ReasonUserCancelled
	}

	unlock, err := e.lock(ctx, subjectKey(subjectType, subjectID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := e.store.GetPaymentBySubject(ctx, subjectType, subjectID)
	if err != nil {
		return nil, err
	}

	switch rec.Status {
	case payment.StatusSuccess:
		return nil, fmt.Errorf("%w: payment %s already succeeded", ErrInvalidTransition, rec.ID)
	case payment.StatusCancelled:
		return rec, nil
	}

	code := rec.CorrelationCode
	if err := e.cancelGateway(ctx, code, reason); err != nil && !isSessionNotFound(err) {
		res, qerr := e.queryGateway(ctx, code)
		switch {
		case isSessionNotFound(qerr):
		case qerr != nil:
			return nil, qerr
		case res.Status == gateway.StatusPaid:
			if _, cerr := e.Confirm(ctx, code, *res); cerr != nil {
				return nil, cerr
			}
			return nil, fmt.Errorf("%w: checkout %d was paid", ErrInvalidTransition, code)
		case res.Status == gateway.StatusPending:
			return nil, err
		}
	}

	return e.MarkCancelled(ctx, code, reason)
}

// GetPayment returns a payment record by id.
func (e *Engine) GetPayment(ctx context.Context, paymentID id.PaymentID) (*payment.Record, error) {
	return e.store.GetPayment(ctx, paymentID)
}

// GetPaymentByCode returns the record currently holding a correlation code.
func (e *Engine) GetPaymentByCode(ctx context.Context, code int64) (*payment.Record, error) {
	return e.store.GetPaymentByCode(ctx, code)
}

// GetPaymentBySubject returns the subject's payment record.
func (e *Engine) GetPaymentBySubject(ctx context.Context, subjectType payment.SubjectType, subjectID string) (*payment.Record, error) {
	return e.store.GetPaymentBySubject(ctx, subjectType, subjectID)
}

// ──────────────────────────────────────────────────
// Internals
// ──────────────────────────────────────────────────

func subjectKey(t payment.SubjectType, subjectID string) string {
	return "subject:" + string(t) + ":" + subjectID
}

// preparePurchase validates req and fills package defaults.
func (e *Engine) preparePurchase(ctx context.Context, req *PurchaseRequest) error {
	if err := validateStruct(req); err != nil {
		return err
	}

	if req.SubjectType.RequiresEntitlement() {
		if req.PackageID.IsNil() {
			return ValidationError{Field: "PurchaseRequest.PackageID", Message: "is required for package purchases"}
		}
		pkg, err := e.store.GetPackage(ctx, req.PackageID)
		if err != nil {
			return err
		}
		if !pkg.Active {
			return fmt.Errorf("%w: %s", ErrPackageInactive, pkg.ID)
		}
		switch {
		case req.Amount.IsZero():
			req.Amount = pkg.Price
		case !req.Amount.Equal(pkg.Price):
			return ValidationError{
				Field:   "PurchaseRequest.Amount",
				Message: fmt.Sprintf("must equal the package price %s", pkg.Price),
			}
		}
		if req.Description == "" {
			req.Description = pkg.Name
		}
	}

	var me MultiError
	if !req.Amount.IsPositive() {
		me.Add(ValidationError{Field: "PurchaseRequest.Amount", Message: "must be positive"})
	}
	if req.Amount.Currency == "" {
		me.Add(ValidationError{Field: "PurchaseRequest.Amount.Currency", Message: "is required"})
	}
	if err := me.ErrOrNil(); err != nil {
		return err
	}

	if req.Description == "" {
		req.Description = fmt.Sprintf("%s %s", req.SubjectType, req.SubjectID)
	}
	return nil
}

// createPending must run under the subject lock.
func (e *Engine) createPending(ctx context.Context, req PurchaseRequest) (*payment.Record, error) {
	for range e.maxCASRetries {
		existing, err := e.store.GetPaymentBySubject(ctx, req.SubjectType, req.SubjectID)
		if err != nil {
			if !IsNotFound(err) {
				return nil, err
			}

			rec := e.newRecord(req)
			if err := e.store.CreatePayment(ctx, rec); err != nil {
				if errors.Is(err, ErrAlreadyExists) {
					continue
				}
				return nil, err
			}
			return rec, nil
		}

		rec, err := e.reuse(ctx, existing, req)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		return rec, err
	}

	return nil, fmt.Errorf("%w: pending payment for %s %s kept conflicting",
		ErrTransactionFailed, req.SubjectType, req.SubjectID)
}

func (e *Engine) newRecord(req PurchaseRequest) *payment.Record {
	now := e.now()
	return &payment.Record{
		Entity:          types.NewEntityAt(now),
		ID:              id.NewPaymentID(),
		CorrelationCode: e.nextCode(),
		SubjectType:     req.SubjectType,
		SubjectID:       req.SubjectID,
		PackageID:       req.PackageID,
		Payer:           req.Payer,
		Amount:          req.Amount,
		Description:     req.Description,
		Status:          payment.StatusPending,
		ExpiresAt:       now.Add(e.reservationTTL),
		Attempts:        1,
	}
}

// reuse reopens a non-success record under a new correlation code. The old
// session is invalidated first so a stale checkout link cannot be paid
// after the new one is issued.
func (e *Engine) reuse(ctx context.Context, rec *payment.Record, req PurchaseRequest) (*payment.Record, error) {
	if rec.Status == payment.StatusSuccess {
		return nil, fmt.Errorf("%w: %s %s", ErrDuplicateActivePayment, rec.SubjectType, rec.SubjectID)
	}

	if rec.Status == payment.StatusPending || rec.Status == payment.StatusFailed {
		if err := e.invalidateSession(ctx, rec); err != nil {
			return nil, err
		}
	}

	oldCode := rec.CorrelationCode
	expected := rec.Version
	now := e.now()
	if err := payment.Reopen(rec, payment.Reissue{
		Code:        e.nextCode(),
		PackageID:   req.PackageID,
		Payer:       req.Payer,
		Amount:      req.Amount,
		Description: req.Description,
		ExpiresAt:   now.Add(e.reservationTTL),
	}, now); err != nil {
		return nil, err
	}

	if err := e.store.UpdatePayment(ctx, rec, expected); err != nil {
		return nil, err
	}

	e.logger.Info("payment record reused",
		"payment_id", rec.ID.String(),
		"old_code", oldCode,
		"code", rec.CorrelationCode,
		"attempt", rec.Attempts,
	)
	return rec, nil
}

// invalidateSession makes sure the record's current code can no longer be
// paid. If the gateway refuses the cancellation because the session was
// already paid, that payment is confirmed and the reuse is rejected.
func (e *Engine) invalidateSession(ctx context.Context, rec *payment.Record) error {
	code := rec.CorrelationCode

	err := e.cancelGateway(ctx, code, ReasonSuperseded)
	if err == nil || isSessionNotFound(err) {
		return nil
	}

	res, qerr := e.queryGateway(ctx, code)
	switch {
	case isSessionNotFound(qerr):
		return nil
	case qerr != nil:
		return fmt.Errorf("entitle: cannot invalidate checkout %d: %w", code, qerr)
	}

	switch res.Status {
	case gateway.StatusCancelled:
		return nil
	case gateway.StatusPaid:
		if _, cerr := e.Confirm(ctx, code, *res); cerr != nil {
			return cerr
		}
		return fmt.Errorf("%w: checkout %d was paid", ErrDuplicateActivePayment, code)
	default:
		return fmt.Errorf("entitle: checkout %d is still open: %w", code, err)
	}
}

func (e *Engine) createSession(ctx context.Context, rec *payment.Record) (*gateway.Session, error) {
	var sess *gateway.Session
	err := e.callGateway(ctx, "create", rec.CorrelationCode, func(ctx context.Context, g gateway.Client) error {
		var err error
		sess, err = g.CreateSession(ctx, gateway.SessionRequest{
			CorrelationCode: rec.CorrelationCode,
			Amount:          rec.Amount.Amount,
			Currency:        rec.Amount.Currency,
			Description:     rec.Description,
			ReturnURL:       e.returnURL,
			CancelURL:       e.cancelURL,
			BuyerName:       rec.Payer.Name,
			BuyerEmail:      rec.Payer.Email,
			BuyerPhone:      rec.Payer.Phone,
			ExpiresAt:       rec.ExpiresAt,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// failPending marks a record whose session could not be opened as failed,
// keeping it reusable. Best effort: the caller already reports the error.
func (e *Engine) failPending(ctx context.Context, rec *payment.Record, cause error) {
	code := rec.CorrelationCode
	_, _, err := e.updatePayment(ctx, e.paymentByID(rec.ID), func(r *payment.Record) (bool, error) {
		if r.CorrelationCode != code || r.Status != payment.StatusPending {
			return false, nil
		}
		return true, payment.Fail(r, reasonCheckoutFailed, e.now())
	})
	if err != nil {
		e.logger.Warn("failed to mark payment failed",
			"payment_id", rec.ID.String(),
			"code", code,
			"error", err,
		)
		return
	}

	e.logger.Warn("checkout creation failed",
		"payment_id", rec.ID.String(),
		"code", code,
		"error", cause,
	)
}

func (e *Engine) markConfirmed(ctx context.Context, code int64, c payment.Confirmation) (*payment.Record, bool, error) {
	rec, changed, err := e.updatePayment(ctx, e.paymentByCode(code), func(r *payment.Record) (bool, error) {
		if r.Status != payment.StatusSuccess && c.Amount > 0 && c.Amount < r.Amount.Amount {
			return false, fmt.Errorf("%w: code %d paid %d of %d", ErrAmountMismatch, code, c.Amount, r.Amount.Amount)
		}
		return payment.Confirm(r, c, e.now())
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrAmountMismatch) {
			// Money may have been taken for a record we no longer
			// consider payable; this needs a human.
			e.logger.Error("gateway reports payment the ledger cannot accept",
				"code", code,
				"transaction_ref", c.TransactionRef,
				"amount", c.Amount,
				"error", err,
			)
		}
		return nil, false, err
	}

	if changed {
		e.logger.Info("payment confirmed",
			"payment_id", rec.ID.String(),
			"code", code,
			"transaction_ref", rec.TransactionRef,
		)
		e.plugins.EmitPaymentConfirmed(ctx, rec)
	}
	return rec, changed, nil
}

func (e *Engine) markCancelled(ctx context.Context, code int64, reason string) (*payment.Record, bool, error) {
	return e.updatePayment(ctx, e.paymentByCode(code), func(r *payment.Record) (bool, error) {
		return payment.Cancel(r, reason, e.now())
	})
}

type paymentLoader func(context.Context) (*payment.Record, error)

func (e *Engine) paymentByCode(code int64) paymentLoader {
	return func(ctx context.Context) (*payment.Record, error) {
		return e.store.GetPaymentByCode(ctx, code)
	}
}

func (e *Engine) paymentByID(paymentID id.PaymentID) paymentLoader {
	return func(ctx context.Context) (*payment.Record, error) {
		return e.store.GetPayment(ctx, paymentID)
	}
}

// updatePayment applies mutate to a freshly loaded record and stores it
// with a version check, reloading on conflict. mutate reports whether it
// changed anything; unchanged records are not written.
func (e *Engine) updatePayment(ctx context.Context, load paymentLoader, mutate func(*payment.Record) (bool, error)) (*payment.Record, bool, error) {
	for range e.maxCASRetries {
		rec, err := load(ctx)
		if err != nil {
			return nil, false, err
		}

		expected := rec.Version
		changed, err := mutate(rec)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return rec, false, nil
		}

		err = e.store.UpdatePayment(ctx, rec, expected)
		if err == nil {
			return rec, true, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, false, err
		}
	}

	return nil, false, fmt.Errorf("%w: payment update kept conflicting", ErrTransactionFailed)
}
