package entitle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/xraph/entitle/gateway"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/store"
)

// Defaults applied by New.
const (
	DefaultGatewayTimeout = 10 * time.Second
	DefaultReservationTTL = 10 * time.Minute
	DefaultSweepInterval  = time.Minute
	DefaultSweepBatch     = 200
	DefaultMaxCASRetries  = 8
	DefaultCodeNode       = 1
)

// Engine reconciles gateway payments into entitlements and meters their
// consumption.
type Engine struct {
	store   store.Store
	plugins *plugin.Registry
	logger  *slog.Logger
	gateway gateway.Client
	locker  Locker
	codes   *snowflake.Node
	now     func() time.Time

	// Background sweep
	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex

	// Configuration
	codeNode       int64
	gatewayTimeout time.Duration
	reservationTTL time.Duration
	sweepInterval  time.Duration
	sweepBatch     int
	maxCASRetries  int
	returnURL      string
	cancelURL      string
	skipMigrate    bool
}

// New creates an Engine on top of s. It fails only when the correlation
// code generator cannot be built from the configured node number.
func New(s store.Store, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:          s,
		plugins:        plugin.NewRegistry(),
		logger:         slog.Default(),
		locker:         NewKeyedMutex(),
		now:            time.Now,
		stopChan:       make(chan struct{}),
		codeNode:       DefaultCodeNode,
		gatewayTimeout: DefaultGatewayTimeout,
		reservationTTL: DefaultReservationTTL,
		sweepInterval:  DefaultSweepInterval,
		sweepBatch:     DefaultSweepBatch,
		maxCASRetries:  DefaultMaxCASRetries,
	}

	for _, opt := range opts {
		opt(e)
	}

	node, err := newCodeNode(e.codeNode)
	if err != nil {
		return nil, fmt.Errorf("entitle: correlation code node %d: %w", e.codeNode, err)
	}
	e.codes = node

	return e, nil
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithGateway sets the payment gateway adapter.
func WithGateway(g gateway.Client) Option {
	return func(e *Engine) { e.gateway = g }
}

// WithLocker replaces the in-process KeyedMutex, e.g. with a Redis lock
// when several engine instances share one database.
func WithLocker(l Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithGatewayTimeout bounds every gateway call. A call that exceeds it is
// treated as an unknown answer.
func WithGatewayTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.gatewayTimeout = d
		}
	}
}

// WithReservationTTL sets how long a pending payment holds its subject.
func WithReservationTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.reservationTTL = d
		}
	}
}

// WithSweepInterval sets the period of the background sweep. Zero or a
// negative value disables it.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) { e.sweepInterval = d }
}

// WithSweepBatch sets how many rows one sweep pass reads per page.
func WithSweepBatch(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sweepBatch = n
		}
	}
}

// WithCodeNode sets the snowflake node number (0-15) used for correlation
// codes. Instances sharing a database need distinct nodes.
func WithCodeNode(node int64) Option {
	return func(e *Engine) { e.codeNode = node }
}

// WithReturnURLs sets where the gateway sends the payer after checkout.
func WithReturnURLs(returnURL, cancelURL string) Option {
	return func(e *Engine) {
		e.returnURL = returnURL
		e.cancelURL = cancelURL
	}
}

// WithMaxCASRetries bounds optimistic-concurrency retries.
func WithMaxCASRetries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxCASRetries = n
		}
	}
}

// WithoutMigrate makes Start leave the schema alone.
func WithoutMigrate() Option {
	return func(e *Engine) { e.skipMigrate = true }
}

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// Logger returns the engine logger.
func (e *Engine) Logger() *slog.Logger { return e.logger }

// Start migrates the store, initializes plugins and launches the sweep.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	if !e.skipMigrate {
		if err := e.store.Migrate(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrMigrationFailed, err)
		}
	}

	e.plugins.EmitInit(ctx, e)

	e.stopChan = make(chan struct{})
	if e.sweepInterval > 0 {
		e.wg.Add(1)
		go e.sweepWorker(context.WithoutCancel(ctx))
	}
	e.started = true

	e.logger.Info("entitle started",
		"gateway", e.gateway != nil,
		"gateway_timeout", e.gatewayTimeout,
		"reservation_ttl", e.reservationTTL,
		"sweep_interval", e.sweepInterval,
		"code_node", e.codeNode,
	)

	return nil
}

// Stop halts the sweep, notifies plugins and closes the store.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	select {
	case <-e.stopChan:
	default:
		close(e.stopChan)
	}
	e.wg.Wait()

	e.plugins.EmitShutdown(context.Background())
	e.started = false

	e.logger.Info("entitle stopped")
	return e.store.Close()
}

// ──────────────────────────────────────────────────
// Gateway calls
// ──────────────────────────────────────────────────

// callGateway runs fn under the gateway timeout. Any failure other than a
// definitive ErrSessionNotFound is reported as ErrGatewayUnavailable: the
// answer is unknown, so callers must not change state on it.
func (e *Engine) callGateway(ctx context.Context, op string, code int64, fn func(context.Context, gateway.Client) error) error {
	if e.gateway == nil {
		return ErrNoGateway
	}

	cctx, cancel := context.WithTimeout(ctx, e.gatewayTimeout)
	defer cancel()

	start := time.Now()
	err := fn(cctx, e.gateway)
	e.plugins.EmitGatewayCalled(ctx, op, time.Since(start), err)

	switch {
	case err == nil:
		return nil
	case isSessionNotFound(err):
		return err
	}

	e.logger.Warn("gateway call failed",
		"op", op,
		"code", code,
		"error", err,
	)
	e.plugins.EmitGatewayUnavailable(ctx, op, code, err)

	return fmt.Errorf("%w: %s %d: %w", ErrGatewayUnavailable, op, code, err)
}

func (e *Engine) queryGateway(ctx context.Context, code int64) (*gateway.StatusResult, error) {
	var res *gateway.StatusResult
	err := e.callGateway(ctx, "query", code, func(ctx context.Context, g gateway.Client) error {
		var err error
		res, err = g.QueryStatus(ctx, code)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) cancelGateway(ctx context.Context, code int64, reason string) error {
	return e.callGateway(ctx, "cancel", code, func(ctx context.Context, g gateway.Client) error {
		return g.CancelSession(ctx, code, reason)
	})
}

func (e *Engine) lock(ctx context.Context, key string) (func(), error) {
	unlock, err := e.locker.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("entitle: lock %s: %w", key, err)
	}
	return unlock, nil
}

func isSessionNotFound(err error) bool {
	return errors.Is(err, gateway.ErrSessionNotFound)
}
