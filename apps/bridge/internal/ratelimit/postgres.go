package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PostgresLimiter keeps windows in the rate_limit_windows table so multiple
// process instances share one allowance. The decrement is a conditional
// UPDATE, so concurrent reservations against the same window serialize in
// the store rather than behind an in-process lock.
type PostgresLimiter struct {
	db       *sql.DB
	ceilings map[string]decimal.Decimal
	logger   *zap.Logger
	now      func() time.Time
}

func NewPostgresLimiter(db *sql.DB, ceilings map[string]decimal.Decimal, logger *zap.Logger) *PostgresLimiter {
	return &PostgresLimiter{
		db:       db,
		ceilings: ceilings,
		logger:   logger,
		now:      time.Now,
	}
}

func (l *PostgresLimiter) TryReserve(ctx context.Context, token string, amount decimal.Decimal) error {
	ceiling, limited := l.ceilings[token]
	if !limited {
		return nil
	}

	key := WindowKey(token, l.now())

	// Lazy-init the window at the configured ceiling. Losing the insert race
	// is fine, some other caller initialized it first.
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO rate_limit_windows (window_key, remaining, initialized)
		VALUES ($1, $2, TRUE)
		ON CONFLICT (window_key) DO NOTHING
	`, key, ceiling.String())
	if err != nil {
		return fmt.Errorf("failed to initialize rate limit window: %w", err)
	}

	res, err := l.db.ExecContext(ctx, `
		UPDATE rate_limit_windows
		SET remaining = remaining - $2, updated_at = NOW()
		WHERE window_key = $1 AND remaining >= $2
	`, key, amount.String())
	if err != nil {
		return fmt.Errorf("failed to reserve allowance: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read reservation result: %w", err)
	}
	if rows == 0 {
		l.logger.Warn("Withdrawal allowance exhausted",
			zap.String("token", token),
			zap.String("window_key", key),
			zap.String("amount", amount.String()))
		return ErrInsufficientAllowance
	}

	return nil
}
