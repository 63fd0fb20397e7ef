package extension

import (
	"time"

	"github.com/xraph/entitle"
)

// Config holds the entitle extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.entitle" or "entitle" keys).
type Config struct {
	// DisableRoutes prevents the HTTP handler from being built.
	DisableRoutes bool `json:"disable_routes" mapstructure:"disable_routes" yaml:"disable_routes"`

	// DisableMigrate skips store migrations on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// BasePath is the URL prefix for entitle routes (default: "/entitle").
	BasePath string `json:"base_path" mapstructure:"base_path" yaml:"base_path"`

	// ReservationTTL is how long a checkout stays payable (default: 10m).
	ReservationTTL time.Duration `json:"reservation_ttl" mapstructure:"reservation_ttl" yaml:"reservation_ttl"`

	// GatewayTimeout bounds every gateway round trip (default: 10s).
	GatewayTimeout time.Duration `json:"gateway_timeout" mapstructure:"gateway_timeout" yaml:"gateway_timeout"`

	// SweepInterval is the period of the background sweep that expires
	// stale checkouts, retries materialization and refreshes entitlement
	// statuses (default: 1m).
	SweepInterval time.Duration `json:"sweep_interval" mapstructure:"sweep_interval" yaml:"sweep_interval"`

	// SweepBatch is the page size used by the sweep (default: 200).
	SweepBatch int `json:"sweep_batch" mapstructure:"sweep_batch" yaml:"sweep_batch"`

	// CodeNode distinguishes instances generating correlation codes.
	CodeNode int64 `json:"code_node" mapstructure:"code_node" yaml:"code_node"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BasePath:       "/entitle",
		ReservationTTL: entitle.DefaultReservationTTL,
		GatewayTimeout: entitle.DefaultGatewayTimeout,
		SweepInterval:  entitle.DefaultSweepInterval,
		SweepBatch:     entitle.DefaultSweepBatch,
	}
}
