package entitle

import (
	"context"
	"time"

	"github.com/xraph/entitle/gateway"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/payment"
)

// SweepReport summarizes one background pass.
type SweepReport struct {
	StatusesRefreshed int           `json:"statuses_refreshed"`
	PaymentsExpired   int           `json:"payments_expired"`
	Materialized      int           `json:"materialized"`
	Elapsed           time.Duration `json:"elapsed"`
}

// Sweep runs one pass of every background task: entitlement status
// refresh, expiry of unpaid reservations, and completion of payments left
// without their entitlement. Each task reports its own errors; a failing
// task does not stop the others.
func (e *Engine) Sweep(ctx context.Context) (*SweepReport, error) {
	start := time.Now()
	now := e.now()
	report := &SweepReport{}

	var errs MultiError
	var err error

	if report.StatusesRefreshed, err = e.RefreshStatuses(ctx, now); err != nil {
		errs.Add(err)
	}
	if report.PaymentsExpired, err = e.ExpireStale(ctx, now); err != nil {
		errs.Add(err)
	}
	if report.Materialized, err = e.RetryMaterialization(ctx); err != nil {
		errs.Add(err)
	}

	report.Elapsed = time.Since(start)
	return report, errs.ErrOrNil()
}

// RefreshStatuses recomputes the cached status of every entitlement that is
// not yet expired and stores the ones that changed. It uses the same pure
// derivation as every reader; conflicting writers win.
func (e *Engine) RefreshStatuses(ctx context.Context, now time.Time) (int, error) {
	refreshed := 0
	after := id.Nil

	for {
		page, err := e.store.ListEntitlementsForRefresh(ctx, after, e.sweepBatch)
		if err != nil {
			return refreshed, err
		}
		for _, ent := range page {
			if e.refreshCached(ctx, ent, now) {
				refreshed++
			}
		}
		if len(page) < e.sweepBatch {
			return refreshed, nil
		}
		after = page[len(page)-1].ID
	}
}

// ExpireStale closes pending payments whose reservation window ended before
// now. Each is checked with the gateway first: a paid session is confirmed
// instead, and a session the gateway cannot report on is left for the next
// pass. Records left behind never block the ones after them.
func (e *Engine) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	expired := 0
	after := id.Nil

	for {
		recs, err := e.store.ListExpiredPending(ctx, now, after, e.sweepBatch)
		if err != nil {
			return expired, err
		}
		for _, rec := range recs {
			out, err := e.expireOne(ctx, rec)
			if err != nil {
				e.logger.Warn("expiry check failed",
					"payment_id", rec.ID.String(),
					"code", rec.CorrelationCode,
					"error", err,
				)
				continue
			}
			if out != nil && out.State == StateExpiredUnpaid {
				expired++
			}
		}
		if len(recs) < e.sweepBatch {
			return expired, nil
		}
		after = recs[len(recs)-1].ID
	}
}

func (e *Engine) expireOne(ctx context.Context, rec *payment.Record) (*Outcome, error) {
	unlock, err := e.lock(ctx, subjectKey(rec.SubjectType, rec.SubjectID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	res, err := e.queryGateway(ctx, rec.CorrelationCode)
	switch {
	case isSessionNotFound(err):
		res = &gateway.StatusResult{Status: gateway.StatusCancelled}
	case err != nil:
		return nil, err
	}
	return e.Confirm(ctx, rec.CorrelationCode, *res)
}

// RetryMaterialization completes successful package payments that have no
// entitlement yet.
func (e *Engine) RetryMaterialization(ctx context.Context) (int, error) {
	recs, err := e.store.ListUnmaterialized(ctx, e.sweepBatch)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, rec := range recs {
		if _, _, err := e.materialize(ctx, rec.CorrelationCode); err != nil {
			e.logger.Warn("materialization retry failed",
				"payment_id", rec.ID.String(),
				"code", rec.CorrelationCode,
				"error", err,
			)
			e.plugins.EmitMaterializationFailed(ctx, rec, err)
			continue
		}
		done++
	}
	return done, nil
}

// sweepWorker runs Sweep every sweepInterval until Stop.
func (e *Engine) sweepWorker(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			report, err := e.Sweep(ctx)
			if err != nil {
				e.logger.Error("sweep failed", "error", err)
			}
			e.logger.Debug("sweep finished",
				"statuses_refreshed", report.StatusesRefreshed,
				"payments_expired", report.PaymentsExpired,
				"materialized", report.Materialized,
				"elapsed_ms", report.Elapsed.Milliseconds(),
			)
		}
	}
}
