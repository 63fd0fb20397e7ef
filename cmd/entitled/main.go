// Command entitled serves the entitle engine over HTTP.
//
// Configuration comes from ENTITLE_* environment variables; see Config.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/drivers/sqlitedriver"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/api"
	audithook "github.com/xraph/entitle/audit_hook"
	"github.com/xraph/entitle/catalog"
	"github.com/xraph/entitle/gateway/checkout"
	"github.com/xraph/entitle/lock/redislock"
	"github.com/xraph/entitle/notify/rabbitmq"
	"github.com/xraph/entitle/observability"
	"github.com/xraph/entitle/store"
	"github.com/xraph/entitle/store/memory"
	"github.com/xraph/entitle/store/postgres"
	"github.com/xraph/entitle/store/sqlite"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Error("entitled exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	loc, err := time.LoadLocation(cfg.GatewayTimezone)
	if err != nil {
		return fmt.Errorf("gateway timezone: %w", err)
	}
	gw := checkout.New(cfg.GatewayClientID, cfg.GatewayAPIKey, cfg.GatewayChecksumKey,
		checkout.WithBaseURL(cfg.GatewayURL),
		checkout.WithLocation(loc),
	)

	opts := []entitle.Option{
		entitle.WithLogger(logger),
		entitle.WithGateway(gw),
		entitle.WithGatewayTimeout(cfg.GatewayTimeout),
		entitle.WithReservationTTL(cfg.ReservationTTL),
		entitle.WithSweepInterval(cfg.SweepInterval),
		entitle.WithSweepBatch(cfg.SweepBatch),
		entitle.WithCodeNode(cfg.CodeNode),
		entitle.WithReturnURLs(cfg.ReturnURL, cfg.CancelURL),
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close() //nolint:errcheck // process exit
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		opts = append(opts, entitle.WithLocker(redislock.New(rdb,
			redislock.WithTTL(lockTTL(cfg.GatewayTimeout)),
			redislock.WithLogger(logger),
		)))
		logger.Info("distributed locks enabled", "addr", cfg.RedisAddr)
	}

	if cfg.RabbitURL != "" {
		n, err := rabbitmq.Dial(cfg.RabbitURL, cfg.RabbitExchange, rabbitmq.WithLogger(logger))
		if err != nil {
			return err
		}
		opts = append(opts, entitle.WithPlugin(n))
		logger.Info("event publishing enabled", "exchange", cfg.RabbitExchange)
	}

	if cfg.MetricsEnabled {
		opts = append(opts, entitle.WithPlugin(
			observability.NewMetricsExtension(observability.NewPrometheusFactory(nil)),
		))
	}

	if cfg.AuditLogEnabled {
		opts = append(opts, entitle.WithPlugin(audithook.New(auditLog(logger), audithook.WithLogger(logger))))
	}

	eng, err := entitle.New(s, opts...)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Stop() //nolint:errcheck // logged by the engine

	if cfg.PackagesFile != "" {
		if err := loadPackages(ctx, eng, cfg.PackagesFile); err != nil {
			return err
		}
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), api.RequestID(), api.AccessLog(logger))
	if cfg.MetricsEnabled {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	api.New(eng, gw, logger).Register(r.Group(cfg.BasePath))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("entitled listening", "addr", cfg.HTTPAddr, "store", cfg.Store)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	switch cfg.Store {
	case "memory":
		return memory.New(), nil
	case "postgres":
		pg := pgdriver.New()
		if err := pg.Open(ctx, cfg.DSN); err != nil {
			return nil, err
		}
		db, err := grove.Open(pg)
		if err != nil {
			return nil, err
		}
		return postgres.New(db), nil
	case "sqlite":
		sq := sqlitedriver.New()
		if err := sq.Open(ctx, cfg.DSN); err != nil {
			return nil, err
		}
		db, err := grove.Open(sq)
		if err != nil {
			return nil, err
		}
		return sqlite.New(db), nil
	default:
		return nil, fmt.Errorf("unknown store %q (want memory, postgres or sqlite)", cfg.Store)
	}
}

// loadPackages registers the package definitions listed in a JSON file.
// Definitions carrying an id keep it, so restarts update in place.
func loadPackages(ctx context.Context, eng *entitle.Engine, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read packages: %w", err)
	}
	var pkgs []*catalog.PackageDefinition
	if err := json.Unmarshal(raw, &pkgs); err != nil {
		return fmt.Errorf("decode packages: %w", err)
	}
	for _, p := range pkgs {
		if err := eng.RegisterPackage(ctx, p); err != nil {
			return fmt.Errorf("register package %q: %w", p.Name, err)
		}
	}
	return nil
}

// auditLog writes audit events to the structured log.
func auditLog(logger *slog.Logger) audithook.RecorderFunc {
	audit := logger.With("component", "audit")
	return func(ctx context.Context, ev *audithook.AuditEvent) error {
		audit.InfoContext(ctx, ev.Action,
			"resource", ev.Resource,
			"resource_id", ev.ResourceID,
			"category", ev.Category,
			"severity", ev.Severity,
			"outcome", ev.Outcome,
			"reason", ev.Reason,
			"metadata", ev.Metadata,
		)
		return nil
	}
}

// lockTTL outlives the longest critical section: a purchase that
// supersedes an old session may cancel it, query it and open a new one.
func lockTTL(gatewayTimeout time.Duration) time.Duration {
	return 3*gatewayTimeout + 10*time.Second
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
