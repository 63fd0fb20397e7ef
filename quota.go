package entitle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
)

// ConsumeResult reports a successful reservation.
type ConsumeResult struct {
	EntitlementID id.EntitlementID   `json:"entitlement_id"`
	ServiceID     string             `json:"service_id"`
	Quantity      int64              `json:"quantity"`
	Remaining     int64              `json:"remaining"`
	Status        entitlement.Status `json:"status"`
}

// StatusView is the read model of an entitlement.
type StatusView struct {
	EntitlementID id.EntitlementID   `json:"entitlement_id"`
	OwnerID       string             `json:"owner_id"`
	PackageID     id.PackageID       `json:"package_id"`
	Status        entitlement.Status `json:"status"`
	PurchaseDate  time.Time          `json:"purchase_date"`
	ExpiryDate    time.Time          `json:"expiry_date"`
	Lines         []LineView         `json:"lines"`
}

type LineView struct {
	ServiceID string `json:"service_id"`
	Max       int64  `json:"max"`
	Used      int64  `json:"used"`
	Remaining int64  `json:"remaining"`
}

// ──────────────────────────────────────────────────
// Quota ledger
// ──────────────────────────────────────────────────

// Consume reserves quantity units of serviceID. The status is re-derived
// before the check and after the increment, so a reservation that uses up
// the last unit leaves the entitlement exhausted.
//
// Reservations on one entitlement are serialized by the quota lock and
// written with a version check, so concurrent callers can never jointly
// overdraw a line.
func (e *Engine) Consume(ctx context.Context, entID id.EntitlementID, serviceID string, quantity int64) (*ConsumeResult, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	unlock, err := e.lock(ctx, "quota:"+entID.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	for range e.maxCASRetries {
		cur, err := e.store.GetEntitlement(ctx, entID)
		if err != nil {
			return nil, err
		}

		now := e.now()
		next, err := entitlement.Reserve(cur, serviceID, quantity, now)
		if err != nil {
			e.rejectConsume(ctx, cur, serviceID, quantity, err)
			return nil, err
		}

		expected := cur.Version
		next.TouchAt(now)
		err = e.store.UpdateEntitlement(ctx, next, expected)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		remaining, _ := entitlement.Remaining(next, serviceID) //nolint:errcheck // Reserve already found the line
		e.logger.Debug("quota consumed",
			"entitlement_id", entID.String(),
			"service_id", serviceID,
			"quantity", quantity,
			"remaining", remaining,
		)
		e.plugins.EmitQuotaConsumed(ctx, next, serviceID, quantity)
		if next.Status != cur.Status {
			e.plugins.EmitEntitlementStatusChanged(ctx, next, cur.Status)
		}

		return &ConsumeResult{
			EntitlementID: entID,
			ServiceID:     serviceID,
			Quantity:      quantity,
			Remaining:     remaining,
			Status:        next.Status,
		}, nil
	}

	return nil, fmt.Errorf("%w: entitlement %s kept conflicting", ErrTransactionFailed, entID)
}

func (e *Engine) rejectConsume(ctx context.Context, cur *entitlement.Entitlement, serviceID string, quantity int64, cause error) {
	if errors.Is(cause, ErrQuotaExceeded) {
		remaining, _ := entitlement.Remaining(cur, serviceID) //nolint:errcheck // exceeded implies the line exists
		e.plugins.EmitQuotaExceeded(ctx, cur.ID, serviceID, quantity, remaining)
	}
	if errors.Is(cause, ErrEntitlementNotActive) {
		// The stored cache is behind; bring it up to date while we are here.
		e.refreshCached(ctx, cur, e.now())
	}
}

// GetEntitlement returns an entitlement with its status derived for now.
func (e *Engine) GetEntitlement(ctx context.Context, entID id.EntitlementID) (*entitlement.Entitlement, error) {
	ent, err := e.store.GetEntitlement(ctx, entID)
	if err != nil {
		return nil, err
	}
	e.refreshCached(ctx, ent, e.now())
	return e.derived(ent), nil
}

// GetEntitlementStatus returns the derived status and remaining units of
// every line.
func (e *Engine) GetEntitlementStatus(ctx context.Context, entID id.EntitlementID) (*StatusView, error) {
	ent, err := e.GetEntitlement(ctx, entID)
	if err != nil {
		return nil, err
	}
	return NewStatusView(ent), nil
}

// NewStatusView builds the read model of ent as it stands.
func NewStatusView(ent *entitlement.Entitlement) *StatusView {
	v := &StatusView{
		EntitlementID: ent.ID,
		OwnerID:       ent.OwnerID,
		PackageID:     ent.PackageID,
		Status:        ent.Status,
		PurchaseDate:  ent.PurchaseDate,
		ExpiryDate:    ent.ExpiryDate,
		Lines:         make([]LineView, 0, len(ent.Lines)),
	}
	for _, l := range ent.Lines {
		v.Lines = append(v.Lines, LineView{
			ServiceID: l.ServiceID,
			Max:       l.MaxQuantity,
			Used:      l.UsedQuantity,
			Remaining: l.Remaining(),
		})
	}
	return v
}

// ListEntitlements returns an owner's entitlements with derived statuses.
// A status filter applies to the derived status, not the stored one.
func (e *Engine) ListEntitlements(ctx context.Context, ownerID string, opts entitlement.ListOpts) ([]*entitlement.Entitlement, error) {
	want := opts.Status
	if want == "" {
		ents, err := e.store.ListEntitlements(ctx, ownerID, opts)
		if err != nil {
			return nil, err
		}
		for i, ent := range ents {
			ents[i] = e.derived(ent)
		}
		return ents, nil
	}

	all, err := e.store.ListEntitlements(ctx, ownerID, entitlement.ListOpts{})
	if err != nil {
		return nil, err
	}

	out := make([]*entitlement.Entitlement, 0, len(all))
	for _, ent := range all {
		if d := e.derived(ent); d.Status == want {
			out = append(out, d)
		}
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []*entitlement.Entitlement{}, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// derived returns a copy of ent whose Status is recomputed for now.
func (e *Engine) derived(ent *entitlement.Entitlement) *entitlement.Entitlement {
	if ent == nil {
		return nil
	}
	d := ent.Clone()
	d.Status = entitlement.DeriveStatus(d, e.now())
	return d
}

// refreshCached persists a changed derived status. Best effort: a version
// conflict means someone else wrote a newer state, which carries its own
// derived status.
func (e *Engine) refreshCached(ctx context.Context, ent *entitlement.Entitlement, now time.Time) bool {
	next := ent.Clone()
	from := next.Status
	if !entitlement.Refresh(next, now) {
		return false
	}

	expected := next.Version
	next.TouchAt(now)
	if err := e.store.UpdateEntitlement(ctx, next, expected); err != nil {
		if !errors.Is(err, ErrVersionConflict) {
			e.logger.Warn("failed to refresh entitlement status",
				"entitlement_id", ent.ID.String(),
				"error", err,
			)
		}
		return false
	}

	e.plugins.EmitEntitlementStatusChanged(ctx, next, from)
	return true
}
