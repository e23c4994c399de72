package model

import (
	"time"
)

// Notification is the outbound status-change record queued in the outbox and
// delivered to the notification sink by the notifier.
type Notification struct {
	ID        int64       `db:"id"`
	OrderID   string      `db:"order_id"`
	UserID    string      `db:"user_id"`
	Status    OrderStatus `db:"status"`
	Reason    string      `db:"reason"`
	State     string      `db:"state"` // "unsent", "processing", "sent"
	CreatedAt time.Time   `db:"created_at"`
}
