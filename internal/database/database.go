package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureSchema creates the intake tables if needed. The partial unique index
// on envelopes is what enforces the one-live-envelope-per-zip invariant; the
// rest of the pipeline assumes the database holds that line.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS envelopes (
	id TEXT PRIMARY KEY,
	container TEXT NOT NULL,
	zip_file_name TEXT NOT NULL,
	po_box TEXT NOT NULL,
	jurisdiction TEXT NOT NULL,
	delivery_date TIMESTAMPTZ NOT NULL,
	opening_date TIMESTAMPTZ NOT NULL,
	zip_file_created_date TIMESTAMPTZ NOT NULL,
	case_number TEXT,
	case_reference TEXT,
	classification TEXT NOT NULL,
	rescan_for TEXT,
	status TEXT NOT NULL,
	upload_failure_count INT NOT NULL DEFAULT 0,
	zip_deleted BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_envelopes_live
	ON envelopes(container, zip_file_name) WHERE NOT zip_deleted;
CREATE INDEX IF NOT EXISTS idx_envelopes_status ON envelopes(status);

CREATE TABLE IF NOT EXISTS scannable_items (
	id TEXT PRIMARY KEY,
	envelope_id TEXT NOT NULL REFERENCES envelopes(id),
	document_control_number TEXT NOT NULL,
	scanning_date TIMESTAMPTZ,
	ocr_accuracy TEXT,
	manual_intervention TEXT,
	next_action TEXT,
	next_action_date TIMESTAMPTZ,
	ocr_data JSONB,
	ocr_validation_warnings TEXT[] NOT NULL DEFAULT '{}',
	file_name TEXT NOT NULL,
	document_type TEXT,
	document_subtype TEXT,
	document_url TEXT
);
CREATE INDEX IF NOT EXISTS idx_scannable_items_envelope ON scannable_items(envelope_id);

CREATE TABLE IF NOT EXISTS non_scannable_items (
	id TEXT PRIMARY KEY,
	envelope_id TEXT NOT NULL REFERENCES envelopes(id),
	document_control_number TEXT NOT NULL,
	item_type TEXT,
	notes TEXT
);

CREATE TABLE IF NOT EXISTS payments (
	id TEXT PRIMARY KEY,
	envelope_id TEXT NOT NULL REFERENCES envelopes(id),
	document_control_number TEXT NOT NULL,
	status TEXT NOT NULL,
	last_modified TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS process_events (
	id BIGSERIAL PRIMARY KEY,
	container TEXT NOT NULL,
	zip_file_name TEXT NOT NULL,
	event TEXT NOT NULL,
	reason TEXT,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_process_events_zip
	ON process_events(container, zip_file_name, created_at DESC);

CREATE TABLE IF NOT EXISTS error_notifications (
	id TEXT PRIMARY KEY,
	event_id BIGINT NOT NULL REFERENCES process_events(id),
	notification_id TEXT,
	error_code TEXT NOT NULL,
	description TEXT,
	created_at TIMESTAMPTZ NOT NULL
);`
	_, err := pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
