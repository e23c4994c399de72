package model

import (
	"time"
)

// StatusFlowEntry is one row of an order's append-only audit trail. Entries
// are never updated or deleted.
type StatusFlowEntry struct {
	OrderID   string      `db:"order_id"`
	Status    OrderStatus `db:"status"`
	Reason    string      `db:"reason"`
	Actor     string      `db:"actor"` // "monitor", "webhook", "api"
	CreatedAt time.Time   `db:"created_at"`
}
