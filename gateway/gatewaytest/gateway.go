// Package gatewaytest provides a scriptable in-memory gateway.Client.
package gatewaytest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xraph/entitle/gateway"
)

var _ gateway.Client = (*Gateway)(nil)

// Gateway records sessions in memory. Every session starts PENDING; tests
// move it with Pay or SetStatus.
type Gateway struct {
	mu        sync.Mutex
	sessions  map[int64]*gateway.SessionRequest
	statuses  map[int64]gateway.StatusResult
	cancelled map[int64]string
	failing   map[int64]error

	// Delay is applied to every call and honours context cancellation.
	// Delay and the error fields are read without locking; set them
	// between calls, not during.
	Delay time.Duration

	CreateErr error
	QueryErr  error
	CancelErr error

	queries int
}

func New() *Gateway {
	return &Gateway{
		sessions:  make(map[int64]*gateway.SessionRequest),
		statuses:  make(map[int64]gateway.StatusResult),
		cancelled: make(map[int64]string),
		failing:   make(map[int64]error),
	}
}

func (g *Gateway) CreateSession(ctx context.Context, req gateway.SessionRequest) (*gateway.Session, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.CreateErr != nil {
		return nil, g.CreateErr
	}
	r := req
	g.sessions[req.CorrelationCode] = &r
	g.statuses[req.CorrelationCode] = gateway.StatusResult{Status: gateway.StatusPending, Amount: req.Amount}
	return &gateway.Session{
		CorrelationCode: req.CorrelationCode,
		CheckoutURL:     fmt.Sprintf("https://pay.example.test/checkout/%d", req.CorrelationCode),
		QRCode:          fmt.Sprintf("qr-%d", req.CorrelationCode),
	}, nil
}

func (g *Gateway) QueryStatus(ctx context.Context, code int64) (*gateway.StatusResult, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queries++
	if g.QueryErr != nil {
		return nil, g.QueryErr
	}
	if err := g.failing[code]; err != nil {
		return nil, err
	}
	st, ok := g.statuses[code]
	if !ok {
		return nil, fmt.Errorf("gatewaytest: session %d: %w", code, gateway.ErrSessionNotFound)
	}
	return &st, nil
}

func (g *Gateway) CancelSession(ctx context.Context, code int64, reason string) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.CancelErr != nil {
		return g.CancelErr
	}
	st, ok := g.statuses[code]
	if !ok {
		return fmt.Errorf("gatewaytest: session %d: %w", code, gateway.ErrSessionNotFound)
	}
	if st.Status == gateway.StatusPaid {
		return fmt.Errorf("gatewaytest: session %d already paid", code)
	}
	g.statuses[code] = gateway.StatusResult{Status: gateway.StatusCancelled, Amount: st.Amount}
	g.cancelled[code] = reason
	return nil
}

// Pay marks the session paid with a generated transaction reference.
func (g *Gateway) Pay(code int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now().UTC()
	st := g.statuses[code]
	g.statuses[code] = gateway.StatusResult{
		Status:          gateway.StatusPaid,
		Amount:          st.Amount,
		TransactionRef:  fmt.Sprintf("TX%d", code),
		TransactionTime: &now,
	}
}

// FailQuery makes every QueryStatus for code return err. A nil err clears it.
func (g *Gateway) FailQuery(code int64, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.failing, code)
		return
	}
	g.failing[code] = err
}

// SetStatus overrides the status reported for code.
func (g *Gateway) SetStatus(code int64, st gateway.StatusResult) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[code] = st
}

// Session returns the request a session was created with.
func (g *Gateway) Session(code int64) (gateway.SessionRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.sessions[code]
	if !ok {
		return gateway.SessionRequest{}, false
	}
	return *r, true
}

// SessionCount returns the number of sessions created.
func (g *Gateway) SessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// CancelReason returns the reason a session was cancelled with.
func (g *Gateway) CancelReason(code int64) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.cancelled[code]
	return r, ok
}

// Queries returns how many status queries were served.
func (g *Gateway) Queries() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queries
}

func (g *Gateway) wait(ctx context.Context) error {
	if g.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(g.Delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
