package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/store/memory"
)

func setGatewayEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ENTITLE_GATEWAY_URL", "https://gateway.example.test")
	t.Setenv("ENTITLE_GATEWAY_CLIENT_ID", "client")
	t.Setenv("ENTITLE_GATEWAY_API_KEY", "key")
	t.Setenv("ENTITLE_GATEWAY_CHECKSUM_KEY", "checksum")
}

func TestLoadConfigDefaults(t *testing.T) {
	setGatewayEnv(t)
	t.Setenv("ENTITLE_SWEEP_INTERVAL", "30s")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.Store != "memory" || cfg.ReservationTTL != 10*time.Minute {
		t.Errorf("defaults: %+v", cfg)
	}
	if cfg.SweepInterval != 30*time.Second {
		t.Errorf("SweepInterval: got %v", cfg.SweepInterval)
	}
}

func TestLoadConfigRequiresGateway(t *testing.T) {
	t.Setenv("ENTITLE_GATEWAY_URL", "https://gateway.example.test")
	if _, err := loadConfig(); err == nil {
		t.Fatal("expected an error without gateway credentials")
	}
}

func TestOpenStoreRejectsUnknownBackend(t *testing.T) {
	if _, err := openStore(context.Background(), Config{Store: "cassandra"}); err == nil {
		t.Fatal("expected an error for an unknown store")
	}
}

func TestLoadPackages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "packages.json")
	data := `[{
		"name": "Physiotherapy x10",
		"price": {"amount": 1500000, "currency": "vnd"},
		"duration_days": 90,
		"lines": [{"service_id": "physio", "quantity": 10}],
		"active": true
	}]`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	s := memory.New()
	eng, err := entitle.New(s, entitle.WithLogger(slog.New(slog.DiscardHandler)), entitle.WithSweepInterval(0))
	if err != nil {
		t.Fatal(err)
	}
	if err := loadPackages(context.Background(), eng, path); err != nil {
		t.Fatalf("loadPackages: %v", err)
	}
	if n := s.Stats()["packages"]; n != 1 {
		t.Errorf("packages stored: got %d, want 1", n)
	}
}

func TestLockTTLCoversThreeGatewayCalls(t *testing.T) {
	for _, timeout := range []time.Duration{time.Second, 10 * time.Second, time.Minute} {
		if got := lockTTL(timeout); got <= 3*timeout {
			t.Errorf("lockTTL(%v) = %v, want more than %v", timeout, got, 3*timeout)
		}
	}
}
