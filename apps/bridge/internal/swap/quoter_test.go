package swap

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newTestQuoter(t *testing.T) *Quoter {
	t.Helper()
	q := NewQuoter(50, 30*time.Second) // 0.5% slippage
	q.SetReserves("tron", "USDT", "TRX", decimal.NewFromInt(1_000_000), decimal.NewFromInt(8_000_000))
	return q
}

func TestQuoteConstantProduct(t *testing.T) {
	q := newTestQuoter(t)

	quote, err := q.Quote("tron", "USDT", "TRX", decimal.NewFromInt(1000))
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}

	// out = 8_000_000 * 1000 / (1_000_000 + 1000)
	expected := decimal.NewFromInt(8_000_000).Mul(decimal.NewFromInt(1000)).
		Div(decimal.NewFromInt(1_001_000))
	if !quote.AmountOut.Equal(expected) {
		t.Errorf("AmountOut = %s, want %s", quote.AmountOut, expected)
	}

	if quote.MinAmountOut.GreaterThan(quote.AmountOut) {
		t.Errorf("MinAmountOut %s exceeds AmountOut %s", quote.MinAmountOut, quote.AmountOut)
	}

	if quote.ReserveIn.IsZero() || quote.ReserveOut.IsZero() {
		t.Error("quote should carry the reserve snapshot it was priced against")
	}
}

func TestQuoteMonotonicInAmountIn(t *testing.T) {
	q := newTestQuoter(t)

	var prev decimal.Decimal
	for _, amountIn := range []int64{1, 10, 100, 1000, 50_000, 900_000} {
		quote, err := q.Quote("tron", "USDT", "TRX", decimal.NewFromInt(amountIn))
		if err != nil {
			t.Fatalf("Quote(%d) failed: %v", amountIn, err)
		}
		if quote.AmountOut.LessThan(prev) {
			t.Fatalf("AmountOut decreased: %s after %s for amountIn=%d", quote.AmountOut, prev, amountIn)
		}
		prev = quote.AmountOut
	}
}

func TestQuoteUnsupportedPair(t *testing.T) {
	q := newTestQuoter(t)

	if _, err := q.Quote("tron", "USDT", "DOGE", decimal.NewFromInt(1)); !errors.Is(err, ErrUnsupportedPair) {
		t.Errorf("expected ErrUnsupportedPair, got %v", err)
	}
	if _, err := q.Quote("solana", "USDT", "TRX", decimal.NewFromInt(1)); !errors.Is(err, ErrUnsupportedPair) {
		t.Errorf("expected ErrUnsupportedPair for wrong chain, got %v", err)
	}
}

func TestQuoteEmptyPool(t *testing.T) {
	q := newTestQuoter(t)
	q.SetReserves("tron", "USDT", "SOL", decimal.Zero, decimal.NewFromInt(100))
	q.SetReserves("tron", "SOL", "USDT", decimal.NewFromInt(100), decimal.Zero)

	// A drained side must price as unsupported, never divide by zero.
	if _, err := q.Quote("tron", "USDT", "SOL", decimal.NewFromInt(1)); !errors.Is(err, ErrUnsupportedPair) {
		t.Errorf("expected ErrUnsupportedPair for zero reserve in, got %v", err)
	}
	if _, err := q.Quote("tron", "SOL", "USDT", decimal.NewFromInt(1)); !errors.Is(err, ErrUnsupportedPair) {
		t.Errorf("expected ErrUnsupportedPair for zero reserve out, got %v", err)
	}
	if _, err := q.ConversionRate("tron", "USDT", "SOL"); !errors.Is(err, ErrUnsupportedPair) {
		t.Errorf("expected ErrUnsupportedPair from ConversionRate, got %v", err)
	}
}

func TestQuoteStaleReserve(t *testing.T) {
	q := newTestQuoter(t)

	// Shift the clock past the staleness threshold without refreshing.
	base := time.Now()
	q.now = func() time.Time { return base.Add(31 * time.Second) }

	if _, err := q.Quote("tron", "USDT", "TRX", decimal.NewFromInt(1)); !errors.Is(err, ErrStaleReserve) {
		t.Errorf("expected ErrStaleReserve, got %v", err)
	}

	// A refresh makes the pair quotable again.
	q.SetReserves("tron", "USDT", "TRX", decimal.NewFromInt(2_000_000), decimal.NewFromInt(16_000_000))
	if _, err := q.Quote("tron", "USDT", "TRX", decimal.NewFromInt(1)); err != nil {
		t.Errorf("expected quote after refresh, got %v", err)
	}
}

func TestConversionRateIsMarginalPrice(t *testing.T) {
	q := newTestQuoter(t)

	rate, err := q.ConversionRate("tron", "USDT", "TRX")
	if err != nil {
		t.Fatalf("ConversionRate failed: %v", err)
	}
	if !rate.Equal(decimal.NewFromInt(8)) {
		t.Errorf("rate = %s, want 8", rate)
	}

	// The marginal price bounds any finite-size quote from above.
	quote, err := q.Quote("tron", "USDT", "TRX", decimal.NewFromInt(10_000))
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	effective := quote.AmountOut.Div(decimal.NewFromInt(10_000))
	if effective.GreaterThan(rate) {
		t.Errorf("effective rate %s exceeds marginal price %s", effective, rate)
	}
}
