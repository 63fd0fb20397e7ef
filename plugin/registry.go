package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/gateway"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/payment"
)

// DefaultTimeout bounds a single hook call.
const DefaultTimeout = 5 * time.Second

// Registry holds registered plugins and dispatches hooks to them. Hook
// lists are resolved once at registration time.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	onInit                     []OnInit
	onShutdown                 []OnShutdown
	onPaymentInitiated         []OnPaymentInitiated
	onPaymentConfirmed         []OnPaymentConfirmed
	onPaymentCancelled         []OnPaymentCancelled
	onPaymentExpired           []OnPaymentExpired
	onEntitlementMaterialized  []OnEntitlementMaterialized
	onMaterializationFailed    []OnMaterializationFailed
	onQuotaConsumed            []OnQuotaConsumed
	onQuotaExceeded            []OnQuotaExceeded
	onEntitlementStatusChanged []OnEntitlementStatusChanged
	onWebhookReceived          []OnWebhookReceived
	onGatewayUnavailable       []OnGatewayUnavailable
	onGatewayCalled            []OnGatewayCalled
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
}

// WithLogger sets the logger used to report hook failures.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout changes the per-hook timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin and caches the hooks it implements.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	var hooks []string
	add := func(ok bool, name string) {
		if ok {
			hooks = append(hooks, name)
		}
	}

	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
		add(ok, "OnInit")
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
		add(ok, "OnShutdown")
	}
	if v, ok := p.(OnPaymentInitiated); ok {
		r.onPaymentInitiated = append(r.onPaymentInitiated, v)
		add(ok, "OnPaymentInitiated")
	}
	if v, ok := p.(OnPaymentConfirmed); ok {
		r.onPaymentConfirmed = append(r.onPaymentConfirmed, v)
		add(ok, "OnPaymentConfirmed")
	}
	if v, ok := p.(OnPaymentCancelled); ok {
		r.onPaymentCancelled = append(r.onPaymentCancelled, v)
		add(ok, "OnPaymentCancelled")
	}
	if v, ok := p.(OnPaymentExpired); ok {
		r.onPaymentExpired = append(r.onPaymentExpired, v)
		add(ok, "OnPaymentExpired")
	}
	if v, ok := p.(OnEntitlementMaterialized); ok {
		r.onEntitlementMaterialized = append(r.onEntitlementMaterialized, v)
		add(ok, "OnEntitlementMaterialized")
	}
	if v, ok := p.(OnMaterializationFailed); ok {
		r.onMaterializationFailed = append(r.onMaterializationFailed, v)
		add(ok, "OnMaterializationFailed")
	}
	if v, ok := p.(OnQuotaConsumed); ok {
		r.onQuotaConsumed = append(r.onQuotaConsumed, v)
		add(ok, "OnQuotaConsumed")
	}
	if v, ok := p.(OnQuotaExceeded); ok {
		r.onQuotaExceeded = append(r.onQuotaExceeded, v)
		add(ok, "OnQuotaExceeded")
	}
	if v, ok := p.(OnEntitlementStatusChanged); ok {
		r.onEntitlementStatusChanged = append(r.onEntitlementStatusChanged, v)
		add(ok, "OnEntitlementStatusChanged")
	}
	if v, ok := p.(OnWebhookReceived); ok {
		r.onWebhookReceived = append(r.onWebhookReceived, v)
		add(ok, "OnWebhookReceived")
	}
	if v, ok := p.(OnGatewayUnavailable); ok {
		r.onGatewayUnavailable = append(r.onGatewayUnavailable, v)
		add(ok, "OnGatewayUnavailable")
	}
	if v, ok := p.(OnGatewayCalled); ok {
		r.onGatewayCalled = append(r.onGatewayCalled, v)
		add(ok, "OnGatewayCalled")
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"hooks", hooks,
	)

	return nil
}

// Get returns a plugin by name, or nil.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission
// ──────────────────────────────────────────────────

// dispatch calls fn for every hook in list. Failures are logged and never
// propagate: plugins observe the reconciliation flow, they do not steer it.
func dispatch[T Plugin](ctx context.Context, r *Registry, hook string, list func(*Registry) []T, fn func(T) error) {
	r.mu.RLock()
	plugins := list(r)
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error { return fn(p) }); err != nil {
			r.logger.Warn("plugin hook failed",
				"hook", hook,
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitInit calls OnInit for every plugin that implements it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	dispatch(ctx, r, "OnInit", func(r *Registry) []OnInit { return r.onInit },
		func(p OnInit) error { return p.OnInit(ctx, engine) })
}

// EmitShutdown calls OnShutdown for every plugin that implements it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	dispatch(ctx, r, "OnShutdown", func(r *Registry) []OnShutdown { return r.onShutdown },
		func(p OnShutdown) error { return p.OnShutdown(ctx) })
}

func (r *Registry) EmitPaymentInitiated(ctx context.Context, rec *payment.Record) {
	dispatch(ctx, r, "OnPaymentInitiated", func(r *Registry) []OnPaymentInitiated { return r.onPaymentInitiated },
		func(p OnPaymentInitiated) error { return p.OnPaymentInitiated(ctx, rec) })
}

func (r *Registry) EmitPaymentConfirmed(ctx context.Context, rec *payment.Record) {
	dispatch(ctx, r, "OnPaymentConfirmed", func(r *Registry) []OnPaymentConfirmed { return r.onPaymentConfirmed },
		func(p OnPaymentConfirmed) error { return p.OnPaymentConfirmed(ctx, rec) })
}

func (r *Registry) EmitPaymentCancelled(ctx context.Context, rec *payment.Record, reason string) {
	dispatch(ctx, r, "OnPaymentCancelled", func(r *Registry) []OnPaymentCancelled { return r.onPaymentCancelled },
		func(p OnPaymentCancelled) error { return p.OnPaymentCancelled(ctx, rec, reason) })
}

func (r *Registry) EmitPaymentExpired(ctx context.Context, rec *payment.Record) {
	dispatch(ctx, r, "OnPaymentExpired", func(r *Registry) []OnPaymentExpired { return r.onPaymentExpired },
		func(p OnPaymentExpired) error { return p.OnPaymentExpired(ctx, rec) })
}

func (r *Registry) EmitEntitlementMaterialized(ctx context.Context, e *entitlement.Entitlement, rec *payment.Record) {
	dispatch(ctx, r, "OnEntitlementMaterialized", func(r *Registry) []OnEntitlementMaterialized { return r.onEntitlementMaterialized },
		func(p OnEntitlementMaterialized) error { return p.OnEntitlementMaterialized(ctx, e, rec) })
}

func (r *Registry) EmitMaterializationFailed(ctx context.Context, rec *payment.Record, cause error) {
	dispatch(ctx, r, "OnMaterializationFailed", func(r *Registry) []OnMaterializationFailed { return r.onMaterializationFailed },
		func(p OnMaterializationFailed) error { return p.OnMaterializationFailed(ctx, rec, cause) })
}

func (r *Registry) EmitQuotaConsumed(ctx context.Context, e *entitlement.Entitlement, serviceID string, quantity int64) {
	dispatch(ctx, r, "OnQuotaConsumed", func(r *Registry) []OnQuotaConsumed { return r.onQuotaConsumed },
		func(p OnQuotaConsumed) error { return p.OnQuotaConsumed(ctx, e, serviceID, quantity) })
}

func (r *Registry) EmitQuotaExceeded(ctx context.Context, entID id.EntitlementID, serviceID string, requested, remaining int64) {
	dispatch(ctx, r, "OnQuotaExceeded", func(r *Registry) []OnQuotaExceeded { return r.onQuotaExceeded },
		func(p OnQuotaExceeded) error { return p.OnQuotaExceeded(ctx, entID, serviceID, requested, remaining) })
}

func (r *Registry) EmitEntitlementStatusChanged(ctx context.Context, e *entitlement.Entitlement, from entitlement.Status) {
	dispatch(ctx, r, "OnEntitlementStatusChanged", func(r *Registry) []OnEntitlementStatusChanged { return r.onEntitlementStatusChanged },
		func(p OnEntitlementStatusChanged) error { return p.OnEntitlementStatusChanged(ctx, e, from) })
}

func (r *Registry) EmitWebhookReceived(ctx context.Context, receiptID id.WebhookID, payload *gateway.WebhookPayload) {
	dispatch(ctx, r, "OnWebhookReceived", func(r *Registry) []OnWebhookReceived { return r.onWebhookReceived },
		func(p OnWebhookReceived) error { return p.OnWebhookReceived(ctx, receiptID, payload) })
}

func (r *Registry) EmitGatewayUnavailable(ctx context.Context, op string, code int64, cause error) {
	dispatch(ctx, r, "OnGatewayUnavailable", func(r *Registry) []OnGatewayUnavailable { return r.onGatewayUnavailable },
		func(p OnGatewayUnavailable) error { return p.OnGatewayUnavailable(ctx, op, code, cause) })
}

func (r *Registry) EmitGatewayCalled(ctx context.Context, op string, elapsed time.Duration, cause error) {
	dispatch(ctx, r, "OnGatewayCalled", func(r *Registry) []OnGatewayCalled { return r.onGatewayCalled },
		func(p OnGatewayCalled) error { return p.OnGatewayCalled(ctx, op, elapsed, cause) })
}

// callWithTimeout runs fn but gives up after the registry timeout so a
// slow plugin never stalls reconciliation.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
