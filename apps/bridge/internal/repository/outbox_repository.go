package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"bridge/apps/bridge/internal/model"
)

type OutboxRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewOutboxRepository(db *sql.DB, logger *zap.Logger) *OutboxRepository {
	return &OutboxRepository{db: db, logger: logger}
}

func (r *OutboxRepository) Enqueue(ctx context.Context, n model.Notification) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notification_outbox (order_id, user_id, status, reason, state, created_at)
		VALUES ($1, $2, $3, $4, 'unsent', $5)
	`, n.OrderID, n.UserID, string(n.Status), n.Reason, n.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

// Claim selects up to limit unsent notifications and marks them processing
// inside one transaction, so concurrent publisher instances never pick up
// the same rows.
func (r *OutboxRepository) Claim(ctx context.Context, limit int) ([]model.Notification, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() // Will be ignored if tx.Commit() succeeds

	rows, err := tx.QueryContext(ctx, `
		SELECT id, order_id, user_id, status, reason, state, created_at
		FROM notification_outbox
		WHERE state = 'unsent'
		ORDER BY created_at, id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notifications []model.Notification
	var ids []int64
	for rows.Next() {
		var n model.Notification
		var status string
		if err := rows.Scan(&n.ID, &n.OrderID, &n.UserID, &status, &n.Reason, &n.State, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Status = model.OrderStatus(status)
		notifications = append(notifications, n)
		ids = append(ids, n.ID)
	}
	rows.Close()

	if len(ids) > 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE notification_outbox
			SET state = 'processing'
			WHERE id = ANY($1) AND state = 'unsent'
		`, pq.Array(ids))
		if err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}

	return notifications, nil
}

func (r *OutboxRepository) MarkSent(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE notification_outbox SET state = 'sent' WHERE id = $1
	`, id)
	return err
}

// MarkFailed returns a claimed notification to unsent for retry.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE notification_outbox SET state = 'unsent' WHERE id = $1 AND state = 'processing'
	`, id)
	return err
}
