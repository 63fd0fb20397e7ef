package sqlite

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the entitle store (SQLite).
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
    correlation_code INTEGER NOT NULL,
    subject_type     TEXT NOT NULL,
    subject_id       TEXT NOT NULL,
    package_id       TEXT NOT NULL DEFAULT '',
    payer_user_id    TEXT NOT NULL,
    payer_name       TEXT NOT NULL DEFAULT '',
    payer_email      TEXT NOT NULL DEFAULT '',
    payer_phone      TEXT NOT NULL DEFAULT '',
    amount           INTEGER NOT NULL,
    currency         TEXT NOT NULL,
    description      TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL DEFAULT 'pending',
    checkout_url     TEXT NOT NULL DEFAULT '',
    qr_code          TEXT NOT NULL DEFAULT '',
    expires_at       TIMESTAMP NOT NULL,
    confirmed_at     TIMESTAMP,
    transaction_ref  TEXT NOT NULL DEFAULT '',
    transaction_time TIMESTAMP,
    entitlement_id   TEXT NOT NULL DEFAULT '',
    cancel_reason    TEXT NOT NULL DEFAULT '',
    attempts         INTEGER NOT NULL DEFAULT 1,
    version          INTEGER NOT NULL DEFAULT 0,
    created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_entitle_payments_subject ON entitle_payments (subject_type, subject_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_entitle_payments_code ON entitle_payments (correlation_code);
CREATE INDEX IF NOT EXISTS idx_entitle_payments_status ON entitle_payments (status, expires_at);
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
    purchase_date TIMESTAMP NOT NULL,
    expiry_date   TIMESTAMP NOT NULL,
    status        TEXT NOT NULL DEFAULT 'active',
    lines         TEXT NOT NULL DEFAULT '[]',
    version       INTEGER NOT NULL DEFAULT 0,
    created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
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
    price_amount   INTEGER NOT NULL,
    price_currency TEXT NOT NULL,
    duration_days  INTEGER NOT NULL,
    lines          TEXT NOT NULL DEFAULT '[]',
    active         INTEGER NOT NULL DEFAULT 1,
    created_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
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
