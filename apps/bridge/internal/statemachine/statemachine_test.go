package statemachine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bridge/apps/bridge/internal/chainclient"
	"bridge/apps/bridge/internal/model"
	"bridge/apps/bridge/internal/ratelimit"
	"bridge/apps/bridge/internal/swap"
)

// memStores backs the machine with map-based stores so transitions can be
// asserted without a database.
type memStores struct {
	mu     sync.Mutex
	orders map[string]model.Order
	flow   []model.StatusFlowEntry
	outbox []model.Notification

	failNextUpdate bool
	updateCalls    int
	failOnUpdate   int
	updateErr      error
}

func newMemStores() *memStores {
	return &memStores{orders: make(map[string]model.Order)}
}

func (s *memStores) Get(_ context.Context, orderID string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, nil
	}
	copied := o
	return &copied, nil
}

func (s *memStores) Create(_ context.Context, order *model.Order) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[order.OrderID]; exists {
		return false, nil
	}
	s.orders[order.OrderID] = *order
	return true, nil
}

func (s *memStores) Update(_ context.Context, order *model.Order, expected model.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNextUpdate {
		s.failNextUpdate = false
		return ErrConcurrentModification
	}
	s.updateCalls++
	if s.failOnUpdate != 0 && s.updateCalls == s.failOnUpdate {
		return s.updateErr
	}
	current, ok := s.orders[order.OrderID]
	if !ok || current.Status != expected {
		return ErrConcurrentModification
	}
	s.orders[order.OrderID] = *order
	return nil
}

func (s *memStores) Append(_ context.Context, entry model.StatusFlowEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flow = append(s.flow, entry)
	return nil
}

func (s *memStores) Enqueue(_ context.Context, n model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox = append(s.outbox, n)
	return nil
}

func (s *memStores) statuses() []model.OrderStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.OrderStatus, len(s.flow))
	for i, e := range s.flow {
		out[i] = e.Status
	}
	return out
}

func newTestMachine(t *testing.T, stores *memStores, limits, minOutput map[string]decimal.Decimal) *Machine {
	m, _ := newTestMachineWithLimiter(t, stores, limits, minOutput)
	return m
}

func newTestMachineWithLimiter(t *testing.T, stores *memStores, limits, minOutput map[string]decimal.Decimal) (*Machine, *ratelimit.MemoryLimiter) {
	t.Helper()
	quoter := swap.NewQuoter(50, time.Minute)
	quoter.SetReserves("tron-mainnet", "USDT", "TRX", decimal.NewFromInt(1_000_000), decimal.NewFromInt(8_000_000))
	limiter := ratelimit.NewMemoryLimiter(limits)
	m := NewMachine(
		stores, stores, stores,
		limiter,
		quoter,
		minOutput,
		24*time.Hour,
		zap.NewNop(),
	)
	return m, limiter
}

func depositObservation() model.TransferObservation {
	return model.TransferObservation{
		Source:      "custody_push",
		Direction:   model.DirectionIn,
		Network:     "tron",
		ChainID:     "tron-mainnet",
		TxID:        "srctx-1",
		TxTime:      time.Now().Add(-time.Minute),
		BlockHeight: 100,
		Symbol:      "USDT",
		Amount:      "500",
		ToAddress:   "TDeposit1",
		UserID:      "user-1",
	}
}

func TestDepositLifecycle(t *testing.T) {
	stores := newMemStores()
	m := newTestMachine(t, stores, nil, nil)
	ctx := context.Background()

	obs := depositObservation()
	if err := m.HandleObservation(ctx, obs, "webhook"); err != nil {
		t.Fatalf("HandleObservation failed: %v", err)
	}

	orderID := model.DepositOrderID(obs.Network, obs.Symbol, obs.TxID)
	order, _ := stores.Get(ctx, orderID)
	if order == nil {
		t.Fatal("deposit order was not created")
	}
	if order.Status != model.StatusSourceDetected {
		t.Fatalf("status = %s, want source_detected", order.Status)
	}
	if order.Kind != model.KindDeposit {
		t.Errorf("kind = %s", order.Kind)
	}

	info := chainclient.BlockInfo{BlockHeight: 100, BlockTimestamp: obs.TxTime}
	if err := m.MarkSourceConfirmed(ctx, orderID, info, "monitor"); err != nil {
		t.Fatalf("MarkSourceConfirmed failed: %v", err)
	}
	order, _ = stores.Get(ctx, orderID)
	// Same-symbol deposit skips both gates and waits on the destination leg.
	if order.Status != model.StatusDestinationPending {
		t.Fatalf("status = %s, want destination_pending", order.Status)
	}
	if order.From.Status != "confirmed" {
		t.Errorf("source leg status = %s", order.From.Status)
	}

	out := model.TransferObservation{
		Direction:  model.DirectionOut,
		Network:    "solana",
		ChainID:    "solana-mainnet",
		TxID:       "dsttx-1",
		Symbol:     "USDT",
		Amount:     "499",
		CustodyRef: orderID,
	}
	if err := m.HandleObservation(ctx, out, "pull"); err != nil {
		t.Fatalf("attach destination failed: %v", err)
	}
	order, _ = stores.Get(ctx, orderID)
	if order.To.TxID != "dsttx-1" || order.Status != model.StatusDestinationPending {
		t.Fatalf("destination not attached: %+v", order)
	}

	if err := m.MarkDestinationConfirmed(ctx, orderID, chainclient.BlockInfo{BlockHeight: 200}, "monitor"); err != nil {
		t.Fatalf("MarkDestinationConfirmed failed: %v", err)
	}
	order, _ = stores.Get(ctx, orderID)
	if order.Status != model.StatusDestinationConfirmed {
		t.Fatalf("status = %s, want destination_confirmed", order.Status)
	}
	if order.ArrivedAt == nil {
		t.Error("ArrivedAt not set on completion")
	}

	want := []model.OrderStatus{
		model.StatusCreated,
		model.StatusSourceDetected,
		model.StatusSourceConfirmed,
		model.StatusDestinationPending,
		model.StatusDestinationConfirmed,
	}
	got := stores.statuses()
	if len(got) != len(want) {
		t.Fatalf("flow = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("flow[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if len(stores.outbox) != len(stores.flow) {
		t.Errorf("outbox has %d entries, flow has %d; every transition should notify once",
			len(stores.outbox), len(stores.flow))
	}
}

func TestDuplicateObservationIsNoOp(t *testing.T) {
	stores := newMemStores()
	m := newTestMachine(t, stores, nil, nil)
	ctx := context.Background()

	obs := depositObservation()
	if err := m.HandleObservation(ctx, obs, "webhook"); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	flowLen := len(stores.statuses())

	// Push and pull redeliver the same underlying transfer.
	obs.Source = "custody_pull"
	if err := m.HandleObservation(ctx, obs, "monitor"); err != nil {
		t.Fatalf("second delivery failed: %v", err)
	}

	if got := len(stores.statuses()); got != flowLen {
		t.Errorf("duplicate delivery appended flow entries: %d -> %d", flowLen, got)
	}
	if len(stores.orders) != 1 {
		t.Errorf("duplicate delivery created a second order")
	}
}

func registerWithdrawal(t *testing.T, m *Machine, stores *memStores, amount string) *model.Order {
	t.Helper()
	ctx := context.Background()
	order := &model.Order{
		OrderID: "wd-1",
		UserID:  "user-1",
		From: model.Transfer{
			Network: "tron",
			ChainID: "tron-mainnet",
			Symbol:  "USDT",
			Amount:  amount,
		},
		To: model.Transfer{Network: "tron", ChainID: "tron-mainnet", Symbol: "USDT", ToAddress: "TDest9"},
	}
	if err := m.RegisterWithdrawal(ctx, order); err != nil {
		t.Fatalf("RegisterWithdrawal failed: %v", err)
	}

	obs := model.TransferObservation{
		Direction:  model.DirectionIn,
		Network:    "tron",
		ChainID:    "tron-mainnet",
		TxID:       "user-src-1",
		Symbol:     "USDT",
		Amount:     amount,
		CustodyRef: "wd-1",
	}
	if err := m.HandleObservation(ctx, obs, "webhook"); err != nil {
		t.Fatalf("source observation failed: %v", err)
	}

	got, _ := stores.Get(ctx, "wd-1")
	if got.Status != model.StatusSourceDetected {
		t.Fatalf("status = %s, want source_detected", got.Status)
	}
	return got
}

func TestWithdrawalWithinLimit(t *testing.T) {
	stores := newMemStores()
	m := newTestMachine(t, stores, map[string]decimal.Decimal{"USDT": decimal.NewFromInt(1000)}, nil)
	ctx := context.Background()

	registerWithdrawal(t, m, stores, "250")
	if err := m.MarkSourceConfirmed(ctx, "wd-1", chainclient.BlockInfo{BlockHeight: 10}, "monitor"); err != nil {
		t.Fatalf("MarkSourceConfirmed failed: %v", err)
	}

	order, _ := stores.Get(ctx, "wd-1")
	if order.Status != model.StatusDestinationPending {
		t.Fatalf("status = %s, want destination_pending", order.Status)
	}

	statuses := stores.statuses()
	sawReserved := false
	for _, s := range statuses {
		if s == model.StatusRateLimited {
			sawReserved = true
		}
	}
	if !sawReserved {
		t.Errorf("expected rate_limited in flow, got %v", statuses)
	}
}

func TestWithdrawalOverLimitFails(t *testing.T) {
	stores := newMemStores()
	m := newTestMachine(t, stores, map[string]decimal.Decimal{"USDT": decimal.NewFromInt(100)}, nil)
	ctx := context.Background()

	registerWithdrawal(t, m, stores, "250")
	if err := m.MarkSourceConfirmed(ctx, "wd-1", chainclient.BlockInfo{BlockHeight: 10}, "monitor"); err != nil {
		t.Fatalf("MarkSourceConfirmed failed: %v", err)
	}

	order, _ := stores.Get(ctx, "wd-1")
	if order.Status != model.StatusFailed {
		t.Fatalf("status = %s, want failed", order.Status)
	}
	if order.To.TxID != "" {
		t.Error("denied withdrawal must not gain a destination transaction")
	}

	last := stores.flow[len(stores.flow)-1]
	if last.Reason != ReasonLimitExceeded {
		t.Errorf("failure reason = %q, want %q", last.Reason, ReasonLimitExceeded)
	}
}

func TestResumeAfterReservationReservesOnce(t *testing.T) {
	stores := newMemStores()
	m, limiter := newTestMachineWithLimiter(t, stores,
		map[string]decimal.Decimal{"USDT": decimal.NewFromInt(1000)}, nil)
	ctx := context.Background()

	registerWithdrawal(t, m, stores, "250")

	// Updates so far: source_detected (1). Confirmation issues source_confirmed
	// (2), the reservation marker (3), then rate_limited (4). Failing the
	// fourth write parks the order at source_confirmed with the allowance
	// already spent.
	stores.failOnUpdate = 4
	stores.updateErr = errors.New("store unavailable")
	if err := m.MarkSourceConfirmed(ctx, "wd-1", chainclient.BlockInfo{BlockHeight: 10}, "monitor"); err == nil {
		t.Fatal("expected the interrupted gate to surface the store error")
	}

	order, _ := stores.Get(ctx, "wd-1")
	if order.Status != model.StatusSourceConfirmed {
		t.Fatalf("status = %s, want source_confirmed", order.Status)
	}
	if order.Extension[extLimitReserved] == "" {
		t.Fatal("reservation marker should be persisted before the decrement")
	}
	if got := limiter.Remaining("USDT"); !got.Equal(decimal.NewFromInt(750)) {
		t.Fatalf("remaining = %s, want 750", got)
	}

	stores.failOnUpdate = 0
	if err := m.ResumeReleaseGates(ctx, "wd-1", "monitor"); err != nil {
		t.Fatalf("ResumeReleaseGates failed: %v", err)
	}

	order, _ = stores.Get(ctx, "wd-1")
	if order.Status != model.StatusDestinationPending {
		t.Fatalf("status = %s, want destination_pending", order.Status)
	}
	// The replayed gate must not reserve a second 250.
	if got := limiter.Remaining("USDT"); !got.Equal(decimal.NewFromInt(750)) {
		t.Fatalf("remaining after resume = %s, want 750", got)
	}
}

func TestResumeFromRateLimited(t *testing.T) {
	stores := newMemStores()
	m, limiter := newTestMachineWithLimiter(t, stores,
		map[string]decimal.Decimal{"USDT": decimal.NewFromInt(1000)}, nil)
	ctx := context.Background()

	registerWithdrawal(t, m, stores, "250")

	// Fail the final write of the gate chain, parking the order at
	// rate_limited with the reservation applied.
	stores.failOnUpdate = 5
	stores.updateErr = errors.New("store unavailable")
	if err := m.MarkSourceConfirmed(ctx, "wd-1", chainclient.BlockInfo{BlockHeight: 10}, "monitor"); err == nil {
		t.Fatal("expected the interrupted gate to surface the store error")
	}
	order, _ := stores.Get(ctx, "wd-1")
	if order.Status != model.StatusRateLimited {
		t.Fatalf("status = %s, want rate_limited", order.Status)
	}

	stores.failOnUpdate = 0
	if err := m.ResumeReleaseGates(ctx, "wd-1", "monitor"); err != nil {
		t.Fatalf("ResumeReleaseGates failed: %v", err)
	}
	order, _ = stores.Get(ctx, "wd-1")
	if order.Status != model.StatusDestinationPending {
		t.Fatalf("status = %s, want destination_pending", order.Status)
	}
	if got := limiter.Remaining("USDT"); !got.Equal(decimal.NewFromInt(750)) {
		t.Fatalf("remaining = %s, want 750", got)
	}
}

func TestResumeFromSwapQuoted(t *testing.T) {
	stores := newMemStores()
	m := newTestMachine(t, stores, nil, nil)
	ctx := context.Background()

	stores.orders["swap-1"] = model.Order{
		OrderID:  "swap-1",
		Kind:     model.KindDeposit,
		From:     model.Transfer{ChainID: "tron-mainnet", Symbol: "USDT", Amount: "1000"},
		To:       model.Transfer{Symbol: "TRX", Amount: "7950"},
		Status:   model.StatusSwapQuoted,
		ExpireAt: time.Now().Add(time.Hour),
	}

	if err := m.ResumeReleaseGates(ctx, "swap-1", "monitor"); err != nil {
		t.Fatalf("ResumeReleaseGates failed: %v", err)
	}
	order, _ := stores.Get(ctx, "swap-1")
	if order.Status != model.StatusDestinationPending {
		t.Fatalf("status = %s, want destination_pending", order.Status)
	}
}

func seedSwapOrder(stores *memStores) {
	stores.orders["swap-1"] = model.Order{
		OrderID: "swap-1",
		UserID:  "user-1",
		Kind:    model.KindDeposit,
		From: model.Transfer{
			Network: "tron",
			ChainID: "tron-mainnet",
			Symbol:  "USDT",
			Amount:  "1000",
		},
		To:       model.Transfer{Symbol: "TRX"},
		Status:   model.StatusSourceDetected,
		ExpireAt: time.Now().Add(time.Hour),
	}
}

func TestSwapGateQuotesAndAdvances(t *testing.T) {
	stores := newMemStores()
	m := newTestMachine(t, stores, nil, map[string]decimal.Decimal{"TRX": decimal.NewFromInt(100)})
	ctx := context.Background()
	seedSwapOrder(stores)

	if err := m.MarkSourceConfirmed(ctx, "swap-1", chainclient.BlockInfo{BlockHeight: 10}, "monitor"); err != nil {
		t.Fatalf("MarkSourceConfirmed failed: %v", err)
	}

	order, _ := stores.Get(ctx, "swap-1")
	if order.Status != model.StatusDestinationPending {
		t.Fatalf("status = %s, want destination_pending", order.Status)
	}
	if order.To.Amount == "" {
		t.Error("swap gate should set the destination amount from the quote")
	}
	if _, ok := order.Extension["swap_quote"]; !ok {
		t.Error("accepted quote should be embedded for audit")
	}

	statuses := stores.statuses()
	sawQuoted := false
	for _, s := range statuses {
		if s == model.StatusSwapQuoted {
			sawQuoted = true
		}
	}
	if !sawQuoted {
		t.Errorf("expected swap_quoted in flow, got %v", statuses)
	}
}

func TestSwapGateBelowMinimumFails(t *testing.T) {
	stores := newMemStores()
	// ~1000 USDT in yields just under 8000 TRX out; demand more than that.
	m := newTestMachine(t, stores, nil, map[string]decimal.Decimal{"TRX": decimal.NewFromInt(10_000)})
	ctx := context.Background()
	seedSwapOrder(stores)

	if err := m.MarkSourceConfirmed(ctx, "swap-1", chainclient.BlockInfo{BlockHeight: 10}, "monitor"); err != nil {
		t.Fatalf("MarkSourceConfirmed failed: %v", err)
	}

	order, _ := stores.Get(ctx, "swap-1")
	if order.Status != model.StatusFailed {
		t.Fatalf("status = %s, want failed", order.Status)
	}
	last := stores.flow[len(stores.flow)-1]
	if last.Reason != ReasonSwapBelowMinimum {
		t.Errorf("failure reason = %q, want %q", last.Reason, ReasonSwapBelowMinimum)
	}
}

func TestSwapGateUnsupportedPairFails(t *testing.T) {
	stores := newMemStores()
	m := newTestMachine(t, stores, nil, nil)
	ctx := context.Background()
	seedSwapOrder(stores)

	order := stores.orders["swap-1"]
	order.To.Symbol = "SOL" // no pool for USDT/SOL
	stores.orders["swap-1"] = order

	if err := m.MarkSourceConfirmed(ctx, "swap-1", chainclient.BlockInfo{BlockHeight: 10}, "monitor"); err != nil {
		t.Fatalf("MarkSourceConfirmed failed: %v", err)
	}

	got, _ := stores.Get(ctx, "swap-1")
	if got.Status != model.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	last := stores.flow[len(stores.flow)-1]
	if last.Reason != ReasonSwapInfeasible {
		t.Errorf("failure reason = %q, want %q", last.Reason, ReasonSwapInfeasible)
	}
}

func TestExpireIfDue(t *testing.T) {
	stores := newMemStores()
	m := newTestMachine(t, stores, nil, nil)
	ctx := context.Background()

	stores.orders["late-1"] = model.Order{
		OrderID:  "late-1",
		Status:   model.StatusSourceDetected,
		ExpireAt: time.Now().Add(-time.Minute),
	}
	stores.orders["fresh-1"] = model.Order{
		OrderID:  "fresh-1",
		Status:   model.StatusSourceDetected,
		ExpireAt: time.Now().Add(time.Hour),
	}

	terminal, err := m.ExpireIfDue(ctx, "late-1", "monitor")
	if err != nil || !terminal {
		t.Fatalf("ExpireIfDue(late) = (%v, %v), want (true, nil)", terminal, err)
	}
	order, _ := stores.Get(ctx, "late-1")
	if order.Status != model.StatusExpired {
		t.Errorf("status = %s, want expired", order.Status)
	}

	terminal, err = m.ExpireIfDue(ctx, "fresh-1", "monitor")
	if err != nil || terminal {
		t.Fatalf("ExpireIfDue(fresh) = (%v, %v), want (false, nil)", terminal, err)
	}

	// Terminal orders report done without a second transition.
	flowLen := len(stores.flow)
	terminal, err = m.ExpireIfDue(ctx, "late-1", "monitor")
	if err != nil || !terminal {
		t.Fatalf("ExpireIfDue(terminal) = (%v, %v), want (true, nil)", terminal, err)
	}
	if len(stores.flow) != flowLen {
		t.Error("expiring a terminal order must not append flow entries")
	}
}

func TestLostRaceDiscardsTransition(t *testing.T) {
	stores := newMemStores()
	m := newTestMachine(t, stores, nil, nil)
	ctx := context.Background()

	obs := depositObservation()
	if err := m.HandleObservation(ctx, obs, "webhook"); err != nil {
		t.Fatalf("HandleObservation failed: %v", err)
	}
	orderID := model.DepositOrderID(obs.Network, obs.Symbol, obs.TxID)
	flowLen := len(stores.flow)

	stores.failNextUpdate = true
	err := m.MarkSourceConfirmed(ctx, orderID, chainclient.BlockInfo{BlockHeight: 10}, "monitor")
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}

	// The losing writer leaves no trace: no flow entry, status untouched.
	if len(stores.flow) != flowLen {
		t.Error("lost race appended a flow entry")
	}
	order, _ := stores.Get(ctx, orderID)
	if order.Status != model.StatusSourceDetected {
		t.Errorf("status = %s, want source_detected", order.Status)
	}
}
