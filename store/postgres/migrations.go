package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the entitle store (PostgreSQL).
var Migrations = migrate.NewGroup("entitle")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_entitle_payments",
			Version: "20250101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entitle_payments (
    id               TEXT PRIMARY KEY,
    correlation_code BIGINT NOT NULL,
    subject_type     TEXT NOT NULL,
    subject_id       TEXT NOT NULL,
    package_id       TEXT NOT NULL DEFAULT '',
    payer_user_id    TEXT NOT NULL,
    payer_name       TEXT NOT NULL DEFAULT '',
    payer_email      TEXT NOT NULL DEFAULT '',
    payer_phone      TEXT NOT NULL DEFAULT '',
    amount           BIGINT NOT NULL,
    currency         TEXT NOT NULL,
    description      TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL DEFAULT 'pending',
    checkout_url     TEXT NOT NULL DEFAULT '',
    qr_code          TEXT NOT NULL DEFAULT '',
    expires_at       TIMESTAMPTZ NOT NULL,
    confirmed_at     TIMESTAMPTZ,
    transaction_ref  TEXT NOT NULL DEFAULT '',
    transaction_time TIMESTAMPTZ,
    entitlement_id   TEXT NOT NULL DEFAULT '',
    cancel_reason    TEXT NOT NULL DEFAULT '',
    attempts         INTEGER NOT NULL DEFAULT 1,
    version          BIGINT NOT NULL DEFAULT 0,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_entitle_payments_subject ON entitle_payments (subject_type, subject_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_entitle_payments_code ON entitle_payments (correlation_code);
CREATE INDEX IF NOT EXISTS idx_entitle_payments_pending ON entitle_payments (expires_at) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_entitle_payments_unmaterialized ON entitle_payments (id)
    WHERE status = 'success' AND subject_type = 'package' AND entitlement_id = '';
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS entitle_payments`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_entitle_entitlements",
			Version: "20250101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entitle_entitlements (
    id            TEXT PRIMARY KEY,
    owner_id      TEXT NOT NULL,
    package_id    TEXT NOT NULL,
    payment_id    TEXT NOT NULL,
    purchase_date TIMESTAMPTZ NOT NULL,
    expiry_date   TIMESTAMPTZ NOT NULL,
    status        TEXT NOT NULL DEFAULT 'active',
    lines         JSONB NOT NULL DEFAULT '[]',
    version       BIGINT NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_entitle_entitlements_payment ON entitle_entitlements (payment_id);
CREATE INDEX IF NOT EXISTS idx_entitle_entitlements_owner ON entitle_entitlements (owner_id, status);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS entitle_entitlements`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_entitle_packages",
			Version: "20250101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entitle_packages (
    id             TEXT PRIMARY KEY,
    name           TEXT NOT NULL,
    price_amount   BIGINT NOT NULL,
    price_currency TEXT NOT NULL,
    duration_days  INTEGER NOT NULL,
    lines          JSONB NOT NULL DEFAULT '[]',
    active         BOOLEAN NOT NULL DEFAULT TRUE,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS entitle_packages`)
				return err
			},
		},
	)
}
