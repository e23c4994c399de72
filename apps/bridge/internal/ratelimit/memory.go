package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryLimiter is the single-process variant: windows live in a sync.Map
// with a per-window mutex guarding the check-and-decrement.
type MemoryLimiter struct {
	ceilings map[string]decimal.Decimal
	windows  sync.Map // window key -> *window
	now      func() time.Time
}

type window struct {
	mu        sync.Mutex
	remaining decimal.Decimal
}

func NewMemoryLimiter(ceilings map[string]decimal.Decimal) *MemoryLimiter {
	return &MemoryLimiter{
		ceilings: ceilings,
		now:      time.Now,
	}
}

func (l *MemoryLimiter) TryReserve(ctx context.Context, token string, amount decimal.Decimal) error {
	ceiling, limited := l.ceilings[token]
	if !limited {
		return nil
	}

	w := l.getWindow(WindowKey(token, l.now()), ceiling)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.remaining.LessThan(amount) {
		return ErrInsufficientAllowance
	}
	w.remaining = w.remaining.Sub(amount)
	return nil
}

// Remaining reports the current window's balance; the ceiling if untouched.
func (l *MemoryLimiter) Remaining(token string) decimal.Decimal {
	ceiling, limited := l.ceilings[token]
	if !limited {
		return decimal.Zero
	}
	w := l.getWindow(WindowKey(token, l.now()), ceiling)
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.remaining
}

func (l *MemoryLimiter) getWindow(key string, ceiling decimal.Decimal) *window {
	if v, ok := l.windows.Load(key); ok {
		return v.(*window)
	}
	actual, _ := l.windows.LoadOrStore(key, &window{remaining: ceiling})
	return actual.(*window)
}
