package main

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is read from ENTITLE_* environment variables.
type Config struct {
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080"`
	BasePath        string        `envconfig:"BASE_PATH" default:"/v1"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`

	// Store is one of memory, postgres or sqlite.
	Store string `envconfig:"STORE" default:"memory"`
	DSN   string `envconfig:"DSN"`

	// Gateway
	GatewayURL         string        `envconfig:"GATEWAY_URL" required:"true"`
	GatewayClientID    string        `envconfig:"GATEWAY_CLIENT_ID" required:"true"`
	GatewayAPIKey      string        `envconfig:"GATEWAY_API_KEY" required:"true"`
	GatewayChecksumKey string        `envconfig:"GATEWAY_CHECKSUM_KEY" required:"true"`
	GatewayTimeout     time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"10s"`
	GatewayTimezone    string        `envconfig:"GATEWAY_TIMEZONE" default:"Asia/Ho_Chi_Minh"`
	ReturnURL          string        `envconfig:"RETURN_URL"`
	CancelURL          string        `envconfig:"CANCEL_URL"`

	// Engine
	ReservationTTL time.Duration `envconfig:"RESERVATION_TTL" default:"10m"`
	SweepInterval  time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	SweepBatch     int           `envconfig:"SWEEP_BATCH" default:"200"`
	CodeNode       int64         `envconfig:"CODE_NODE" default:"1"`
	PackagesFile   string        `envconfig:"PACKAGES_FILE"`

	// Optional integrations, enabled when set.
	RedisAddr       string `envconfig:"REDIS_ADDR"`
	RedisPassword   string `envconfig:"REDIS_PASSWORD"`
	RabbitURL       string `envconfig:"RABBITMQ_URL"`
	RabbitExchange  string `envconfig:"RABBITMQ_EXCHANGE" default:"entitle.events"`
	MetricsEnabled  bool   `envconfig:"METRICS_ENABLED" default:"true"`
	AuditLogEnabled bool   `envconfig:"AUDIT_LOG_ENABLED" default:"true"`
}

func loadConfig() (Config, error) {
	var c Config
	err := envconfig.Process("ENTITLE", &c)
	return c, err
}
