package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrInsufficientAllowance = errors.New("insufficient withdrawal allowance")

// Limiter guards outbound transfers with a rolling per-token allowance.
// TryReserve either atomically decrements the current window's remaining
// allowance by amount, or fails with ErrInsufficientAllowance and changes
// nothing. A token with no configured ceiling is not limited.
type Limiter interface {
	TryReserve(ctx context.Context, token string, amount decimal.Decimal) error
}

// WindowKey addresses the daily UTC window for a token. Rollover needs no
// reset step: the next day simply addresses a fresh key, and reservations
// already in flight keep decrementing the old window's balance.
func WindowKey(token string, at time.Time) string {
	return token + "/" + at.UTC().Format("2006-01-02")
}
