package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"bridge/apps/bridge/internal/model"
)

// StatusFlowRepository is the append-only audit trail. No update or delete
// path exists on purpose.
type StatusFlowRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewStatusFlowRepository(db *sql.DB, logger *zap.Logger) *StatusFlowRepository {
	return &StatusFlowRepository{db: db, logger: logger}
}

func (r *StatusFlowRepository) Append(ctx context.Context, entry model.StatusFlowEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO order_status_flow (order_id, status, reason, actor, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.OrderID, string(entry.Status), entry.Reason, entry.Actor, entry.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to append status flow entry: %w", err)
	}
	return nil
}

func (r *StatusFlowRepository) ListByOrder(ctx context.Context, orderID string) ([]model.StatusFlowEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT order_id, status, reason, actor, created_at
		FROM order_status_flow
		WHERE order_id = $1
		ORDER BY id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list status flow: %w", err)
	}
	defer rows.Close()

	var entries []model.StatusFlowEntry
	for rows.Next() {
		var entry model.StatusFlowEntry
		var status string
		if err := rows.Scan(&entry.OrderID, &status, &entry.Reason, &entry.Actor, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan status flow entry: %w", err)
		}
		entry.Status = model.OrderStatus(status)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
