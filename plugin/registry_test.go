package plugin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xraph/entitle/payment"
)

type confirmHook struct {
	name  string
	err   error
	sleep time.Duration

	mu    sync.Mutex
	calls int
}

func (p *confirmHook) Name() string { return p.name }

func (p *confirmHook) OnPaymentConfirmed(context.Context, *payment.Record) error {
	time.Sleep(p.sleep)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.err
}

func (p *confirmHook) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type nameOnly struct{}

func (nameOnly) Name() string { return "name-only" }

func quiet() *Registry {
	return NewRegistry().WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := quiet()
	if err := r.Register(&confirmHook{name: "audit"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(&confirmHook{name: "audit"}); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if err := r.Register(nameOnly{}); err != nil {
		t.Fatalf("Register name-only: %v", err)
	}

	if r.Count() != 2 || len(r.List()) != 2 {
		t.Errorf("Count: got %d", r.Count())
	}
	if r.Get("audit") == nil || r.Get("missing") != nil {
		t.Error("Get lookup mismatch")
	}
}

func TestEmitReachesImplementers(t *testing.T) {
	r := quiet()
	a := &confirmHook{name: "a"}
	b := &confirmHook{name: "b", err: errors.New("hook failed")}
	_ = r.Register(a)
	_ = r.Register(b)
	_ = r.Register(nameOnly{})

	r.EmitPaymentConfirmed(context.Background(), &payment.Record{})

	// A failing hook neither stops the others nor surfaces to the caller.
	if a.count() != 1 || b.count() != 1 {
		t.Errorf("calls: a=%d b=%d, want 1 each", a.count(), b.count())
	}

	// Hooks nobody implements are a no-op.
	r.EmitPaymentExpired(context.Background(), &payment.Record{})
}

func TestSlowHookTimesOut(t *testing.T) {
	r := quiet().WithTimeout(10 * time.Millisecond)
	slow := &confirmHook{name: "slow", sleep: 200 * time.Millisecond}
	_ = r.Register(slow)

	start := time.Now()
	r.EmitPaymentConfirmed(context.Background(), &payment.Record{})
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("emit waited %v for a slow hook", elapsed)
	}
}
