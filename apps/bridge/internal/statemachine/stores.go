package statemachine

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"bridge/apps/bridge/internal/model"
	"bridge/apps/bridge/internal/swap"
)

// ErrConcurrentModification is returned by OrderStore.Update when another
// writer advanced the order first. The losing writer discards its transition
// and re-reads instead of overwriting.
var ErrConcurrentModification = errors.New("order modified concurrently")

// OrderStore is the durable per-order record with optimistic concurrency.
type OrderStore interface {
	// Get returns nil, nil when the order does not exist.
	Get(ctx context.Context, orderID string) (*model.Order, error)
	// Create inserts the order; returns false with no error when an order
	// with the same id already exists (idempotent re-delivery).
	Create(ctx context.Context, order *model.Order) (bool, error)
	// Update writes the order compare-and-swapped against expected status,
	// failing with ErrConcurrentModification on a lost race.
	Update(ctx context.Context, order *model.Order, expected model.OrderStatus) error
}

// StatusFlowStore appends to the per-order audit trail.
type StatusFlowStore interface {
	Append(ctx context.Context, entry model.StatusFlowEntry) error
}

// NotificationOutbox queues status-change notifications for the sink.
type NotificationOutbox interface {
	Enqueue(ctx context.Context, n model.Notification) error
}

// Quoter is the slice of the swap quoter the state machine consults.
type Quoter interface {
	Quote(chainID, symbolIn, symbolOut string, amountIn decimal.Decimal) (swap.Quote, error)
}
