package swap

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUnsupportedPair = errors.New("no reserves for symbol pair")
	ErrStaleReserve    = errors.New("reserve snapshot older than staleness threshold")
)

// Reserves is one pool snapshot used for constant-product pricing.
type Reserves struct {
	In        decimal.Decimal
	Out       decimal.Decimal
	UpdatedAt time.Time
}

// Quote carries the computed output plus the reserve snapshot it was priced
// against, so the decision can be reproduced from the order's extension data.
type Quote struct {
	SymbolIn     string          `json:"symbol_in"`
	SymbolOut    string          `json:"symbol_out"`
	AmountIn     decimal.Decimal `json:"amount_in"`
	AmountOut    decimal.Decimal `json:"amount_out"`
	MinAmountOut decimal.Decimal `json:"min_amount_out"`
	ReserveIn    decimal.Decimal `json:"reserve_in"`
	ReserveOut   decimal.Decimal `json:"reserve_out"`
	QuotedAt     time.Time       `json:"quoted_at"`
}

// Quoter prices in-flow conversions off pool reserve snapshots. Snapshots are
// pushed in by whatever liquidity feed the deployment uses (SetReserves); a
// quote against a snapshot older than the staleness threshold fails rather
// than guessing a rate.
type Quoter struct {
	mu        sync.RWMutex
	pools     map[string]Reserves
	slippage  decimal.Decimal // fraction, e.g. 0.005
	staleness time.Duration
	now       func() time.Time
}

func NewQuoter(slippageBps int64, staleness time.Duration) *Quoter {
	return &Quoter{
		pools:     make(map[string]Reserves),
		slippage:  decimal.New(slippageBps, -4),
		staleness: staleness,
		now:       time.Now,
	}
}

func poolKey(chainID, symbolIn, symbolOut string) string {
	return fmt.Sprintf("%s/%s-%s", chainID, symbolIn, symbolOut)
}

// SetReserves refreshes the snapshot for a pair.
func (q *Quoter) SetReserves(chainID, symbolIn, symbolOut string, reserveIn, reserveOut decimal.Decimal) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pools[poolKey(chainID, symbolIn, symbolOut)] = Reserves{
		In:        reserveIn,
		Out:       reserveOut,
		UpdatedAt: q.now(),
	}
}

func (q *Quoter) reserves(chainID, symbolIn, symbolOut string) (Reserves, error) {
	q.mu.RLock()
	r, ok := q.pools[poolKey(chainID, symbolIn, symbolOut)]
	q.mu.RUnlock()

	if !ok {
		return Reserves{}, fmt.Errorf("%w: %s/%s on %s", ErrUnsupportedPair, symbolIn, symbolOut, chainID)
	}
	if !r.In.IsPositive() || !r.Out.IsPositive() {
		// An empty pool cannot price anything; treat it like a missing pair.
		return Reserves{}, fmt.Errorf("%w: empty pool for %s/%s on %s", ErrUnsupportedPair, symbolIn, symbolOut, chainID)
	}
	if q.now().Sub(r.UpdatedAt) > q.staleness {
		return Reserves{}, fmt.Errorf("%w: %s/%s on %s", ErrStaleReserve, symbolIn, symbolOut, chainID)
	}
	return r, nil
}

// Quote computes constant-product output for amountIn and the slippage-bounded
// floor the order must receive.
func (q *Quoter) Quote(chainID, symbolIn, symbolOut string, amountIn decimal.Decimal) (Quote, error) {
	r, err := q.reserves(chainID, symbolIn, symbolOut)
	if err != nil {
		return Quote{}, err
	}

	// out = reserveOut * in / (reserveIn + in)
	amountOut := r.Out.Mul(amountIn).Div(r.In.Add(amountIn))
	minOut := amountOut.Mul(decimal.NewFromInt(1).Sub(q.slippage))

	return Quote{
		SymbolIn:     symbolIn,
		SymbolOut:    symbolOut,
		AmountIn:     amountIn,
		AmountOut:    amountOut,
		MinAmountOut: minOut,
		ReserveIn:    r.In,
		ReserveOut:   r.Out,
		QuotedAt:     q.now(),
	}, nil
}

// ConversionRate is the marginal price of the pair: the amountIn→0 limit of
// Quote, i.e. reserveOut/reserveIn.
func (q *Quoter) ConversionRate(chainID, symbolIn, symbolOut string) (decimal.Decimal, error) {
	r, err := q.reserves(chainID, symbolIn, symbolOut)
	if err != nil {
		return decimal.Zero, err
	}
	return r.Out.Div(r.In), nil
}
