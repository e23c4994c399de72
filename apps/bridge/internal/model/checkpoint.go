package model

import (
	"time"
)

// MonitorCheckpoint is the persisted resume marker for one polling subject.
// It is read once at actor start and written only after a fully successful
// tick, so a crash or a failed tick replays the same window.
type MonitorCheckpoint struct {
	SubjectID        string    `db:"subject_id"`
	LastPollTime     time.Time `db:"last_poll_time"`
	LastCallbackTime time.Time `db:"last_callback_time"`
	BackfillDone     bool      `db:"backfill_done"`
	UpdatedAt        time.Time `db:"updated_at"`
}
