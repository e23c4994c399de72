package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"bridge/apps/bridge/internal/model"
)

type CheckpointRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewCheckpointRepository(db *sql.DB, logger *zap.Logger) *CheckpointRepository {
	return &CheckpointRepository{db: db, logger: logger}
}

// Load returns nil, nil when the subject has never checkpointed.
func (r *CheckpointRepository) Load(ctx context.Context, subjectID string) (*model.MonitorCheckpoint, error) {
	var cp model.MonitorCheckpoint
	err := r.db.QueryRowContext(ctx, `
		SELECT subject_id, last_poll_time, last_callback_time, backfill_done, updated_at
		FROM monitor_checkpoints
		WHERE subject_id = $1
	`, subjectID).Scan(&cp.SubjectID, &cp.LastPollTime, &cp.LastCallbackTime, &cp.BackfillDone, &cp.UpdatedAt)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return &cp, nil
}

func (r *CheckpointRepository) Save(ctx context.Context, cp model.MonitorCheckpoint) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO monitor_checkpoints (subject_id, last_poll_time, last_callback_time, backfill_done, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (subject_id) DO UPDATE SET
			last_poll_time = EXCLUDED.last_poll_time,
			last_callback_time = EXCLUDED.last_callback_time,
			backfill_done = EXCLUDED.backfill_done,
			updated_at = NOW()
	`, cp.SubjectID, cp.LastPollTime, cp.LastCallbackTime, cp.BackfillDone)

	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}
