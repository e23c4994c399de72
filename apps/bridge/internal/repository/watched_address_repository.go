package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"bridge/apps/bridge/internal/model"
)

// WatchedAddressRepository persists the deposit addresses the monitors poll,
// so watches survive process restart.
type WatchedAddressRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewWatchedAddressRepository(db *sql.DB, logger *zap.Logger) *WatchedAddressRepository {
	return &WatchedAddressRepository{db: db, logger: logger}
}

func (r *WatchedAddressRepository) Add(ctx context.Context, address model.WatchedAddress) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO watched_addresses (address, network, user_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (address, network) DO NOTHING
	`, address.Address, address.Network, address.UserID)

	if err != nil {
		return fmt.Errorf("failed to add watched address: %w", err)
	}

	r.logger.Info("Added watched address",
		zap.String("address", address.Address),
		zap.String("network", address.Network))
	return nil
}

func (r *WatchedAddressRepository) GetAll(ctx context.Context) ([]model.WatchedAddress, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, address, network, user_id, created_at
		FROM watched_addresses
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get watched addresses: %w", err)
	}
	defer rows.Close()

	var addresses []model.WatchedAddress
	for rows.Next() {
		var addr model.WatchedAddress
		if err := rows.Scan(&addr.ID, &addr.Address, &addr.Network, &addr.UserID, &addr.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan watched address: %w", err)
		}
		addresses = append(addresses, addr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating watched addresses: %w", err)
	}

	return addresses, nil
}
