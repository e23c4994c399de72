package statemachine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bridge/apps/bridge/internal/chainclient"
	"bridge/apps/bridge/internal/model"
	"bridge/apps/bridge/internal/ratelimit"
)

const (
	ReasonLimitExceeded    = "withdrawal_limit_exceeded"
	ReasonSwapBelowMinimum = "swap_output_below_minimum"
	ReasonSwapInfeasible   = "swap_quote_failed"
	ReasonExpired          = "order_ttl_elapsed"
)

// extLimitReserved marks that the order's allowance decrement was already
// issued, so re-driving the gate never reserves twice.
const extLimitReserved = "limit_reserved"

// Machine drives the order lifecycle:
//
//	created → source_detected → source_confirmed → [rate_limited|swap_quoted]
//	       → destination_pending → destination_confirmed
//
// with expired and failed reachable from any non-terminal state. Every
// transition is compare-and-swapped against the order's current status and
// appends exactly one audit entry, which is what makes duplicate and
// out-of-order deliveries safe.
type Machine struct {
	orders  OrderStore
	flow    StatusFlowStore
	outbox  NotificationOutbox
	limiter ratelimit.Limiter
	quoter  Quoter

	minOutput map[string]decimal.Decimal
	orderTTL  time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

func NewMachine(
	orders OrderStore,
	flow StatusFlowStore,
	outbox NotificationOutbox,
	limiter ratelimit.Limiter,
	quoter Quoter,
	minOutput map[string]decimal.Decimal,
	orderTTL time.Duration,
	logger *zap.Logger,
) *Machine {
	return &Machine{
		orders:    orders,
		flow:      flow,
		outbox:    outbox,
		limiter:   limiter,
		quoter:    quoter,
		minOutput: minOutput,
		orderTTL:  orderTTL,
		logger:    logger,
		now:       time.Now,
	}
}

// RegisterWithdrawal stores a user-requested withdrawal order. The id is
// caller-generated (uuid), so re-posting the same id is a no-op.
func (m *Machine) RegisterWithdrawal(ctx context.Context, order *model.Order) error {
	order.Kind = model.KindWithdraw
	order.Status = model.StatusCreated
	order.CreatedAt = m.now()
	order.UpdatedAt = order.CreatedAt
	if order.ExpireAt.IsZero() {
		order.ExpireAt = order.CreatedAt.Add(m.orderTTL)
	}

	created, err := m.orders.Create(ctx, order)
	if err != nil {
		return fmt.Errorf("failed to create withdrawal order: %w", err)
	}
	if !created {
		return nil
	}

	return m.record(ctx, order, "withdrawal registered", "api")
}

// HandleObservation ingests one normalized custody/chain event. Push and
// pull deliveries of the same underlying transaction converge here: the
// status compare-and-swap makes the second delivery a no-op.
func (m *Machine) HandleObservation(ctx context.Context, obs model.TransferObservation, actor string) error {
	if obs.Direction == model.DirectionOut {
		return m.attachDestination(ctx, obs)
	}
	return m.handleSourceObservation(ctx, obs, actor)
}

func (m *Machine) handleSourceObservation(ctx context.Context, obs model.TransferObservation, actor string) error {
	orderID := model.DepositOrderID(obs.Network, obs.Symbol, obs.TxID)
	if obs.CustodyRef != "" {
		// Withdrawals reference their own order; the observation is the
		// user's source transfer for that order.
		if existing, err := m.orders.Get(ctx, obs.CustodyRef); err != nil {
			return err
		} else if existing != nil {
			return m.markSourceDetected(ctx, existing, obs, actor)
		}
	}

	order, err := m.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}

	if order == nil {
		order = m.newDepositOrder(orderID, obs)
		created, err := m.orders.Create(ctx, order)
		if err != nil {
			return fmt.Errorf("failed to create deposit order: %w", err)
		}
		if created {
			if err := m.record(ctx, order, "deposit observed on "+obs.Network, actor); err != nil {
				return err
			}
		} else {
			// Lost the create race; re-read the winner's row.
			if order, err = m.orders.Get(ctx, orderID); err != nil || order == nil {
				return err
			}
		}
	}

	return m.markSourceDetected(ctx, order, obs, actor)
}

func (m *Machine) newDepositOrder(orderID string, obs model.TransferObservation) *model.Order {
	now := m.now()
	return &model.Order{
		OrderID:     orderID,
		UserID:      obs.UserID,
		Kind:        model.KindDeposit,
		ExternalRef: obs.CustodyRef,
		From: model.Transfer{
			Network:     obs.Network,
			ChainID:     obs.ChainID,
			TxID:        obs.TxID,
			TxTime:      obs.TxTime,
			BlockHeight: obs.BlockHeight,
			Symbol:      obs.Symbol,
			Amount:      obs.Amount,
			Status:      "detected",
			FromAddress: obs.FromAddress,
			ToAddress:   obs.ToAddress,
			Fees:        obs.Fees,
		},
		To: model.Transfer{
			Symbol: obs.Symbol,
		},
		Status:    model.StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
		ExpireAt:  now.Add(m.orderTTL),
	}
}

func (m *Machine) markSourceDetected(ctx context.Context, order *model.Order, obs model.TransferObservation, actor string) error {
	if order.Status.Rank() >= model.StatusSourceDetected.Rank() {
		return nil
	}

	order.From.TxID = obs.TxID
	order.From.TxTime = obs.TxTime
	order.From.BlockHeight = obs.BlockHeight
	order.From.Status = "detected"
	if order.From.Amount == "" {
		order.From.Amount = obs.Amount
	}
	if len(obs.Fees) > 0 {
		order.From.Fees = obs.Fees
	}

	return m.transition(ctx, order, model.StatusSourceDetected, "source transfer detected via "+obs.Source, actor)
}

// MarkSourceConfirmed is called by the monitor once the source transaction
// has held its place on chain past the configured confirmation threshold.
// It then immediately runs the release gates (rate limit, swap quote).
func (m *Machine) MarkSourceConfirmed(ctx context.Context, orderID string, info chainclient.BlockInfo, actor string) error {
	order, err := m.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if order == nil {
		return fmt.Errorf("order %s not found", orderID)
	}

	if order.Status.Rank() >= model.StatusSourceConfirmed.Rank() {
		return nil
	}
	if order.Status != model.StatusSourceDetected {
		return nil // not yet detected; confirmation needs a detected source
	}

	// FromTransfer becomes immutable here.
	order.From.BlockHeight = info.BlockHeight
	if !info.BlockTimestamp.IsZero() {
		order.From.TxTime = info.BlockTimestamp
	}
	order.From.Status = "confirmed"

	if err := m.transition(ctx, order, model.StatusSourceConfirmed, "source transfer confirmed", actor); err != nil {
		return err
	}

	return m.runReleaseGates(ctx, order, actor)
}

// runReleaseGates moves a source-confirmed order toward destination_pending,
// consulting the rate limiter for withdrawals and the swap quoter when the
// legs settle in different symbols.
func (m *Machine) runReleaseGates(ctx context.Context, order *model.Order, actor string) error {
	if order.Kind == model.KindWithdraw {
		if order.Extension[extLimitReserved] == "" {
			amount, err := decimal.NewFromString(order.From.Amount)
			if err != nil {
				return m.transition(ctx, order, model.StatusFailed, "unparseable withdrawal amount", actor)
			}

			// Persist the marker before decrementing: a crash between the
			// decrement and the status write must not reserve twice when the
			// monitor re-drives the gate.
			order.SetExtension(extLimitReserved, ratelimit.WindowKey(order.From.Symbol, m.now()))
			if err := m.orders.Update(ctx, order, order.Status); err != nil {
				if errors.Is(err, ErrConcurrentModification) {
					return err
				}
				return fmt.Errorf("failed to record allowance reservation: %w", err)
			}

			if err := m.limiter.TryReserve(ctx, order.From.Symbol, amount); err != nil {
				if errors.Is(err, ratelimit.ErrInsufficientAllowance) {
					return m.transition(ctx, order, model.StatusFailed, ReasonLimitExceeded, actor)
				}
				return fmt.Errorf("rate limit check failed: %w", err)
			}
		}

		if err := m.transition(ctx, order, model.StatusRateLimited, "withdrawal allowance reserved", actor); err != nil {
			return err
		}
		return m.transition(ctx, order, model.StatusDestinationPending, "destination transfer requested", actor)
	}

	if order.To.Symbol != "" && order.To.Symbol != order.From.Symbol {
		return m.runSwapGate(ctx, order, actor)
	}

	return m.transition(ctx, order, model.StatusDestinationPending, "destination transfer requested", actor)
}

func (m *Machine) runSwapGate(ctx context.Context, order *model.Order, actor string) error {
	amountIn, err := decimal.NewFromString(order.From.Amount)
	if err != nil {
		return m.transition(ctx, order, model.StatusFailed, "unparseable source amount", actor)
	}

	quote, err := m.quoter.Quote(order.From.ChainID, order.From.Symbol, order.To.Symbol, amountIn)
	if err != nil {
		m.logger.Error("Swap quote failed",
			zap.String("order_id", order.OrderID),
			zap.String("symbol_in", order.From.Symbol),
			zap.String("symbol_out", order.To.Symbol),
			zap.Error(err))
		return m.transition(ctx, order, model.StatusFailed, ReasonSwapInfeasible, actor)
	}

	if min, ok := m.minOutput[order.To.Symbol]; ok && quote.AmountOut.LessThan(min) {
		return m.transition(ctx, order, model.StatusFailed, ReasonSwapBelowMinimum, actor)
	}

	// Embed the quote so audits can reproduce the pricing decision.
	blob, err := json.Marshal(quote)
	if err != nil {
		return fmt.Errorf("failed to marshal swap quote: %w", err)
	}
	order.SetExtension("swap_quote", string(blob))
	order.To.Amount = quote.AmountOut.String()
	order.To.Fees = append(order.To.Fees, model.Fee{
		Symbol: order.To.Symbol,
		Amount: quote.AmountOut.Sub(quote.MinAmountOut).String(),
		Kind:   "swap",
	})

	if err := m.transition(ctx, order, model.StatusSwapQuoted, "swap quote accepted", actor); err != nil {
		return err
	}
	return m.transition(ctx, order, model.StatusDestinationPending, "destination transfer requested", actor)
}

// ResumeReleaseGates re-drives an order parked between source confirmation
// and destination_pending. The monitor calls it every tick for orders in the
// gate states, so a failure between chained transitions is retried instead of
// parking the order until its deadline.
func (m *Machine) ResumeReleaseGates(ctx context.Context, orderID string, actor string) error {
	order, err := m.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if order == nil {
		return fmt.Errorf("order %s not found", orderID)
	}

	switch order.Status {
	case model.StatusSourceConfirmed:
		return m.runReleaseGates(ctx, order, actor)
	case model.StatusRateLimited, model.StatusSwapQuoted:
		return m.transition(ctx, order, model.StatusDestinationPending, "destination transfer requested", actor)
	}
	return nil
}

// attachDestination records the outbound transaction id on an order waiting
// for its destination leg. No status change: confirmation still requires the
// monitor to re-poll the destination chain.
func (m *Machine) attachDestination(ctx context.Context, obs model.TransferObservation) error {
	if obs.CustodyRef == "" {
		return fmt.Errorf("outbound observation %s has no order reference", obs.TxID)
	}

	order, err := m.orders.Get(ctx, obs.CustodyRef)
	if err != nil {
		return err
	}
	if order == nil {
		return fmt.Errorf("order %s not found for outbound tx %s", obs.CustodyRef, obs.TxID)
	}
	if order.Status != model.StatusDestinationPending {
		return nil
	}
	if order.To.TxID != "" {
		return nil // already attached
	}

	order.To.Network = obs.Network
	order.To.ChainID = obs.ChainID
	order.To.TxID = obs.TxID
	order.To.TxTime = obs.TxTime
	order.To.BlockHeight = obs.BlockHeight
	if obs.Symbol != "" {
		order.To.Symbol = obs.Symbol
	}
	if obs.Amount != "" {
		order.To.Amount = obs.Amount
	}
	order.To.Status = "detected"
	order.To.FromAddress = obs.FromAddress
	order.To.ToAddress = obs.ToAddress
	if len(obs.Fees) > 0 {
		order.To.Fees = append(order.To.Fees, obs.Fees...)
	}

	if err := m.orders.Update(ctx, order, model.StatusDestinationPending); err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			return nil // someone else advanced the order; their state wins
		}
		return err
	}
	return nil
}

// MarkDestinationConfirmed completes the order once the outbound transfer
// reaches its chain's confirmation threshold.
func (m *Machine) MarkDestinationConfirmed(ctx context.Context, orderID string, info chainclient.BlockInfo, actor string) error {
	order, err := m.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if order == nil {
		return fmt.Errorf("order %s not found", orderID)
	}

	if order.Status.IsTerminal() {
		return nil
	}
	if order.Status != model.StatusDestinationPending {
		return nil
	}

	order.To.BlockHeight = info.BlockHeight
	if !info.BlockTimestamp.IsZero() {
		order.To.TxTime = info.BlockTimestamp
	}
	order.To.Status = "confirmed"
	arrived := m.now()
	order.ArrivedAt = &arrived

	return m.transition(ctx, order, model.StatusDestinationConfirmed, "destination transfer confirmed", actor)
}

// ExpireIfDue moves a past-deadline, non-terminal order to expired.
// Returns true when the order terminated.
func (m *Machine) ExpireIfDue(ctx context.Context, orderID string, actor string) (bool, error) {
	order, err := m.orders.Get(ctx, orderID)
	if err != nil {
		return false, err
	}
	if order == nil {
		return false, nil
	}
	if order.Status.IsTerminal() {
		return true, nil
	}
	if m.now().Before(order.ExpireAt) {
		return false, nil
	}

	if err := m.transition(ctx, order, model.StatusExpired, ReasonExpired, actor); err != nil {
		return false, err
	}
	return true, nil
}

// transition is the single write path: compare-and-swap the status, append
// one audit entry, queue one notification. A lost CAS means another observer
// already advanced the order; the caller's view is discarded.
func (m *Machine) transition(ctx context.Context, order *model.Order, to model.OrderStatus, reason, actor string) error {
	from := order.Status
	if from.IsTerminal() {
		return nil
	}

	order.Status = to
	order.UpdatedAt = m.now()

	if err := m.orders.Update(ctx, order, from); err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			m.logger.Info("Lost status race, discarding transition",
				zap.String("order_id", order.OrderID),
				zap.String("from", string(from)),
				zap.String("to", string(to)))
			// Restore the caller's copy so a retry re-reads fresh state.
			order.Status = from
			return ErrConcurrentModification
		}
		return fmt.Errorf("failed to update order status: %w", err)
	}

	m.logger.Info("Order transitioned",
		zap.String("order_id", order.OrderID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))

	return m.record(ctx, order, reason, actor)
}

func (m *Machine) record(ctx context.Context, order *model.Order, reason, actor string) error {
	entry := model.StatusFlowEntry{
		OrderID:   order.OrderID,
		Status:    order.Status,
		Reason:    reason,
		Actor:     actor,
		CreatedAt: m.now(),
	}
	if err := m.flow.Append(ctx, entry); err != nil {
		return fmt.Errorf("failed to append status flow: %w", err)
	}

	if err := m.outbox.Enqueue(ctx, model.Notification{
		OrderID:   order.OrderID,
		UserID:    order.UserID,
		Status:    order.Status,
		Reason:    reason,
		State:     "unsent",
		CreatedAt: entry.CreatedAt,
	}); err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}

	return nil
}
