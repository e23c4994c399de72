package monitor

import (
	"context"
	"time"

	"bridge/apps/bridge/internal/chainclient"
	"bridge/apps/bridge/internal/custody"
	"bridge/apps/bridge/internal/model"
)

type SubjectKind string

const (
	// SubjectDeposit watches one deposit address on one network.
	SubjectDeposit SubjectKind = "deposit_watch"
	// SubjectWithdrawal watches one withdrawal order end to end.
	SubjectWithdrawal SubjectKind = "withdrawal_watch"
)

// Subject is the polling unit an actor owns. Exactly one actor ticks a
// subject at a time.
type Subject struct {
	ID           string
	Kind         SubjectKind
	Network      string
	Address      string // deposit watch
	OrderID      string // withdrawal watch
	PollInterval time.Duration
}

func DepositSubject(network, address string, interval time.Duration) Subject {
	return Subject{
		ID:           "dep/" + network + "/" + address,
		Kind:         SubjectDeposit,
		Network:      network,
		Address:      address,
		PollInterval: interval,
	}
}

func WithdrawalSubject(orderID string, interval time.Duration) Subject {
	return Subject{
		ID:           "wd/" + orderID,
		Kind:         SubjectWithdrawal,
		OrderID:      orderID,
		PollInterval: interval,
	}
}

// CheckpointStore persists per-subject resume markers.
type CheckpointStore interface {
	Load(ctx context.Context, subjectID string) (*model.MonitorCheckpoint, error)
	Save(ctx context.Context, cp model.MonitorCheckpoint) error
}

// StateMachine is the slice of the order state machine the monitor drives.
type StateMachine interface {
	HandleObservation(ctx context.Context, obs model.TransferObservation, actor string) error
	MarkSourceConfirmed(ctx context.Context, orderID string, info chainclient.BlockInfo, actor string) error
	MarkDestinationConfirmed(ctx context.Context, orderID string, info chainclient.BlockInfo, actor string) error
	ResumeReleaseGates(ctx context.Context, orderID string, actor string) error
	ExpireIfDue(ctx context.Context, orderID string, actor string) (bool, error)
}

// OrdersView is the read-only order access the monitor needs to decide what
// to poll.
type OrdersView interface {
	Get(ctx context.Context, orderID string) (*model.Order, error)
	ListActive(ctx context.Context) ([]model.Order, error)
}

// CustodySource is the custody pull API.
type CustodySource interface {
	QueryByTimeRange(ctx context.Context, from, to time.Time) ([]custody.TransactionRecord, error)
}
