package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"bridge/apps/bridge/internal/chainclient"
	"bridge/apps/bridge/internal/config"
	"bridge/apps/bridge/internal/custody"
	"bridge/apps/bridge/internal/model"
	"bridge/apps/bridge/internal/statemachine"
)

// Monitor schedules one logical actor per subject on a sharded worker pool.
// Each tick pulls custody activity since the subject's checkpoint, feeds it
// to the state machine, re-polls chains for confirmation progress, and only
// then advances the checkpoint. A failed tick replays the same window, and
// the state machine's idempotent transitions absorb the replay.
type Monitor struct {
	registry    *chainclient.Registry
	custody     CustodySource
	machine     StateMachine
	orders      OrdersView
	checkpoints CheckpointStore
	chains      map[string]config.ChainConfig
	pool        *Pool
	logger      *zap.Logger

	tickTimeout    time.Duration
	backfillWindow time.Duration
	now            func() time.Time

	mu     sync.Mutex
	actors map[string]*actor
	wg     sync.WaitGroup
}

type actor struct {
	subject    Subject
	checkpoint *model.MonitorCheckpoint
	inFlight   atomic.Bool
	stop       chan struct{}
	stopOnce   sync.Once
}

func New(
	registry *chainclient.Registry,
	custodySource CustodySource,
	machine StateMachine,
	orders OrdersView,
	checkpoints CheckpointStore,
	chains map[string]config.ChainConfig,
	shards int,
	tickTimeout time.Duration,
	logger *zap.Logger,
) *Monitor {
	return &Monitor{
		registry:       registry,
		custody:        custodySource,
		machine:        machine,
		orders:         orders,
		checkpoints:    checkpoints,
		chains:         chains,
		pool:           NewPool(shards),
		logger:         logger,
		tickTimeout:    tickTimeout,
		backfillWindow: time.Hour,
		now:            time.Now,
		actors:         make(map[string]*actor),
	}
}

// Watch starts scheduling ticks for a subject. Watching an already-watched
// subject is a no-op.
func (m *Monitor) Watch(ctx context.Context, subject Subject) {
	m.mu.Lock()
	if _, exists := m.actors[subject.ID]; exists {
		m.mu.Unlock()
		return
	}
	a := &actor{subject: subject, stop: make(chan struct{})}
	m.actors[subject.ID] = a
	m.mu.Unlock()

	m.logger.Info("Watching subject",
		zap.String("subject_id", subject.ID),
		zap.String("kind", string(subject.Kind)),
		zap.Duration("poll_interval", subject.PollInterval))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(subject.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-a.stop:
				return
			case <-ticker.C:
				// Skip the tick when the previous one is still running;
				// the subject's window is replayed anyway.
				if !a.inFlight.CompareAndSwap(false, true) {
					continue
				}
				m.pool.Submit(subject.ID, func() {
					defer a.inFlight.Store(false)
					m.runTick(ctx, a)
				})
			}
		}
	}()
}

// Close stops accepting ticks and waits for in-flight ones.
func (m *Monitor) Close() {
	m.mu.Lock()
	for _, a := range m.actors {
		a.stopOnce.Do(func() { close(a.stop) })
	}
	m.mu.Unlock()
	m.wg.Wait()
	m.pool.Close()
}

func (m *Monitor) runTick(ctx context.Context, a *actor) {
	tickCtx, cancel := context.WithTimeout(ctx, m.tickTimeout)
	defer cancel()

	done, err := m.tick(tickCtx, a)
	if err != nil {
		tickCounter.WithLabelValues(string(a.subject.Kind), "error").Inc()
		m.logger.Error("Tick failed, checkpoint not advanced",
			zap.String("subject_id", a.subject.ID),
			zap.Error(err))
		return
	}
	tickCounter.WithLabelValues(string(a.subject.Kind), "ok").Inc()

	if done {
		m.logger.Info("Subject reached terminal state, stopping",
			zap.String("subject_id", a.subject.ID))
		a.stopOnce.Do(func() { close(a.stop) })
	}
}

// tick runs one poll cycle. It returns done=true when the subject no longer
// needs scheduling. Any error means no progress this tick: the checkpoint
// stays put and the same window is retried.
func (m *Monitor) tick(ctx context.Context, a *actor) (bool, error) {
	now := m.now()

	if a.checkpoint == nil {
		cp, err := m.checkpoints.Load(ctx, a.subject.ID)
		if err != nil {
			return false, err
		}
		if cp == nil {
			cp = &model.MonitorCheckpoint{
				SubjectID:    a.subject.ID,
				LastPollTime: now.Add(-m.backfillWindow),
			}
		}
		a.checkpoint = cp
	}

	orderIDs, err := m.subjectOrderIDs(ctx, a.subject)
	if err != nil {
		return false, err
	}

	callbackSeen, err := m.ingestCustodyActivity(ctx, a, a.checkpoint.LastPollTime, now, orderIDs)
	if err != nil {
		return false, fmt.Errorf("custody ingestion failed: %w", err)
	}

	done, err := m.advanceOrders(ctx, a, now)
	if err != nil {
		return false, err
	}

	cp := *a.checkpoint
	cp.LastPollTime = now
	cp.BackfillDone = true
	if callbackSeen {
		cp.LastCallbackTime = now
	}
	if err := m.checkpoints.Save(ctx, cp); err != nil {
		return false, fmt.Errorf("failed to persist checkpoint: %w", err)
	}
	a.checkpoint = &cp

	return done, nil
}

func (m *Monitor) ingestCustodyActivity(ctx context.Context, a *actor, from, to time.Time, orderIDs map[string]bool) (bool, error) {
	records, err := m.custody.QueryByTimeRange(ctx, from, to)
	if err != nil {
		return false, err
	}

	seen := false
	for _, record := range records {
		if !m.recordMatchesSubject(record, a.subject, orderIDs) {
			continue
		}
		if err := m.machine.HandleObservation(ctx, record.ToObservation(), "monitor"); err != nil {
			if errors.Is(err, statemachine.ErrConcurrentModification) {
				// A concurrent webhook applied the same event first; the
				// transition exists, nothing to retry.
				continue
			}
			return false, err
		}
		observationCounter.Inc()
		seen = true
	}
	return seen, nil
}

func (m *Monitor) recordMatchesSubject(record custody.TransactionRecord, subject Subject, orderIDs map[string]bool) bool {
	switch subject.Kind {
	case SubjectDeposit:
		if record.Direction == "deposit" &&
			record.Network == subject.Network &&
			record.ToAddress == subject.Address {
			return true
		}
		// Outbound payout for one of this subject's orders, picked up by
		// pull when the push was missed.
		return record.OrderRef != "" && orderIDs[record.OrderRef]
	case SubjectWithdrawal:
		return record.OrderRef == subject.OrderID
	}
	return false
}

func (m *Monitor) subjectOrderIDs(ctx context.Context, subject Subject) (map[string]bool, error) {
	orders, err := m.subjectOrders(ctx, subject)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(orders))
	for _, order := range orders {
		ids[order.OrderID] = true
	}
	return ids, nil
}

// advanceOrders re-polls chains for the subject's in-flight orders and
// applies expiry. Confirmation needs repeated polling since first detection:
// a transfer counts as final only once its block has held for the chain's
// configured confirmation age.
func (m *Monitor) advanceOrders(ctx context.Context, a *actor, now time.Time) (bool, error) {
	orders, err := m.subjectOrders(ctx, a.subject)
	if err != nil {
		return false, err
	}

	allTerminal := a.subject.Kind == SubjectWithdrawal
	for i := range orders {
		order := &orders[i]

		terminal, err := m.machine.ExpireIfDue(ctx, order.OrderID, "monitor")
		if err != nil && !errors.Is(err, statemachine.ErrConcurrentModification) {
			return false, err
		}
		if terminal {
			continue
		}
		allTerminal = false

		switch order.Status {
		case model.StatusSourceDetected:
			m.confirmLeg(ctx, order.OrderID, order.From, now, true)
		case model.StatusSourceConfirmed, model.StatusRateLimited, model.StatusSwapQuoted:
			// Parked mid-gate by a crash or a failed transition; re-drive
			// toward destination_pending.
			if err := m.machine.ResumeReleaseGates(ctx, order.OrderID, "monitor"); err != nil &&
				!errors.Is(err, statemachine.ErrConcurrentModification) {
				m.logger.Error("Failed to resume release gates",
					zap.String("order_id", order.OrderID),
					zap.String("status", string(order.Status)),
					zap.Error(err))
			}
		case model.StatusDestinationPending:
			if order.To.TxID != "" {
				m.confirmLeg(ctx, order.OrderID, order.To, now, false)
			}
		}
	}

	return allTerminal && len(orders) > 0, nil
}

func (m *Monitor) subjectOrders(ctx context.Context, subject Subject) ([]model.Order, error) {
	if subject.Kind == SubjectWithdrawal {
		order, err := m.orders.Get(ctx, subject.OrderID)
		if err != nil {
			return nil, err
		}
		if order == nil {
			return nil, nil
		}
		return []model.Order{*order}, nil
	}

	active, err := m.orders.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	var matched []model.Order
	for _, order := range active {
		if order.From.Network == subject.Network && order.From.ToAddress == subject.Address {
			matched = append(matched, order)
		}
	}
	return matched, nil
}

// confirmLeg polls the leg's chain and promotes the order when the block has
// aged past the chain's confirmation threshold. Chain adapters degrade to a
// zero BlockInfo on failure, so an RPC outage reads as not-yet-confirmed.
func (m *Monitor) confirmLeg(ctx context.Context, orderID string, leg model.Transfer, now time.Time, source bool) {
	client, ok := m.registry.Get(leg.Network)
	if !ok {
		m.logger.Warn("No chain client for network",
			zap.String("order_id", orderID),
			zap.String("network", leg.Network))
		return
	}

	chainCfg, ok := m.chains[leg.Network]
	if !ok {
		return
	}

	info := client.GetBlockInfo(ctx, leg.ChainID, leg.TxID)
	if info.IsZero() {
		return
	}
	if now.Sub(info.BlockTimestamp) < chainCfg.ConfirmationAge {
		return
	}

	var err error
	if source {
		err = m.machine.MarkSourceConfirmed(ctx, orderID, info, "monitor")
	} else {
		err = m.machine.MarkDestinationConfirmed(ctx, orderID, info, "monitor")
	}
	if err != nil && !errors.Is(err, statemachine.ErrConcurrentModification) {
		m.logger.Error("Failed to apply confirmation",
			zap.String("order_id", orderID),
			zap.String("network", leg.Network),
			zap.String("tx_id", leg.TxID),
			zap.Error(err))
	}
}
