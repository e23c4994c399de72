package repository

import (
	"database/sql"
	"fmt"
)

// InitMigration initializes the database. In production, this would use a proper migration
// library like go-migrate
func InitMigration(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			order_id VARCHAR(80) PRIMARY KEY,
			user_id VARCHAR(80) NOT NULL,
			kind VARCHAR(20) NOT NULL,
			external_ref VARCHAR(120) NOT NULL DEFAULT '',
			status VARCHAR(30) NOT NULL,
			from_network VARCHAR(30) NOT NULL DEFAULT '',
			from_chain_id VARCHAR(30) NOT NULL DEFAULT '',
			from_tx_id VARCHAR(120) NOT NULL DEFAULT '',
			from_tx_time TIMESTAMP,
			from_block_height BIGINT NOT NULL DEFAULT 0,
			from_symbol VARCHAR(30) NOT NULL DEFAULT '',
			from_amount DECIMAL(78,18),
			from_status VARCHAR(20) NOT NULL DEFAULT '',
			from_sender VARCHAR(120) NOT NULL DEFAULT '',
			from_recipient VARCHAR(120) NOT NULL DEFAULT '',
			from_fees JSONB NOT NULL DEFAULT '[]',
			to_network VARCHAR(30) NOT NULL DEFAULT '',
			to_chain_id VARCHAR(30) NOT NULL DEFAULT '',
			to_tx_id VARCHAR(120) NOT NULL DEFAULT '',
			to_tx_time TIMESTAMP,
			to_block_height BIGINT NOT NULL DEFAULT 0,
			to_symbol VARCHAR(30) NOT NULL DEFAULT '',
			to_amount DECIMAL(78,18),
			to_status VARCHAR(20) NOT NULL DEFAULT '',
			to_sender VARCHAR(120) NOT NULL DEFAULT '',
			to_recipient VARCHAR(120) NOT NULL DEFAULT '',
			to_fees JSONB NOT NULL DEFAULT '[]',
			extension JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			expire_at TIMESTAMP NOT NULL,
			arrived_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_user_status_created ON orders (user_id, status, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (status)`,
		`CREATE TABLE IF NOT EXISTS order_status_flow (
			id BIGSERIAL PRIMARY KEY,
			order_id VARCHAR(80) NOT NULL,
			status VARCHAR(30) NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			actor VARCHAR(30) NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_status_flow_order ON order_status_flow (order_id, id)`,
		`CREATE TABLE IF NOT EXISTS monitor_checkpoints (
			subject_id VARCHAR(120) PRIMARY KEY,
			last_poll_time TIMESTAMP NOT NULL,
			last_callback_time TIMESTAMP NOT NULL,
			backfill_done BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS watched_addresses (
			id SERIAL PRIMARY KEY,
			address VARCHAR(120) NOT NULL,
			network VARCHAR(30) NOT NULL,
			user_id VARCHAR(80) NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE(address, network)
		)`,
		`CREATE TABLE IF NOT EXISTS rate_limit_windows (
			window_key VARCHAR(80) PRIMARY KEY,
			remaining DECIMAL(78,18) NOT NULL,
			initialized BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS notification_outbox (
			id BIGSERIAL PRIMARY KEY,
			order_id VARCHAR(80) NOT NULL,
			user_id VARCHAR(80) NOT NULL,
			status VARCHAR(30) NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			state VARCHAR(20) NOT NULL DEFAULT 'unsent',
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_state_created ON notification_outbox (state, created_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query %s: %w", query, err)
		}
	}

	return nil
}
