package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

type OrderKind string

const (
	KindDeposit      OrderKind = "deposit"
	KindWithdraw     OrderKind = "withdraw"
	KindSwapTransfer OrderKind = "swap_transfer"
)

type OrderStatus string

const (
	StatusCreated              OrderStatus = "created"
	StatusSourceDetected       OrderStatus = "source_detected"
	StatusSourceConfirmed      OrderStatus = "source_confirmed"
	StatusRateLimited          OrderStatus = "rate_limited"
	StatusSwapQuoted           OrderStatus = "swap_quoted"
	StatusDestinationPending   OrderStatus = "destination_pending"
	StatusDestinationConfirmed OrderStatus = "destination_confirmed"
	StatusExpired              OrderStatus = "expired"
	StatusFailed               OrderStatus = "failed"
)

// statusRank orders the forward path of the lifecycle. Duplicate or late
// observations for a stage the order has already passed compare <= and are
// dropped by the state machine. Terminal states rank highest so nothing
// can advance out of them.
var statusRank = map[OrderStatus]int{
	StatusCreated:              0,
	StatusSourceDetected:       1,
	StatusSourceConfirmed:      2,
	StatusRateLimited:          3,
	StatusSwapQuoted:           3,
	StatusDestinationPending:   4,
	StatusDestinationConfirmed: 5,
	StatusExpired:              5,
	StatusFailed:               5,
}

func (s OrderStatus) Rank() int {
	return statusRank[s]
}

func (s OrderStatus) IsTerminal() bool {
	return s == StatusDestinationConfirmed || s == StatusExpired || s == StatusFailed
}

type Fee struct {
	Symbol string `json:"symbol"`
	Amount string `json:"amount"`
	Kind   string `json:"kind"` // "network", "service", "swap"
}

// Transfer is one leg of an order: the inbound source transaction or the
// outbound destination transaction.
type Transfer struct {
	Network     string    `json:"network"`
	ChainID     string    `json:"chain_id"`
	TxID        string    `json:"tx_id"`
	TxTime      time.Time `json:"tx_time"`
	BlockHeight uint64    `json:"block_height"`
	Symbol      string    `json:"symbol"`
	Amount      string    `json:"amount"`
	Status      string    `json:"status"`
	FromAddress string    `json:"from_address"`
	ToAddress   string    `json:"to_address"`
	Fees        []Fee     `json:"fees,omitempty"`
}

type Order struct {
	OrderID     string            `db:"order_id"`
	UserID      string            `db:"user_id"`
	Kind        OrderKind         `db:"kind"`
	ExternalRef string            `db:"external_ref"` // custody provider's order reference
	From        Transfer          `db:"from_transfer"`
	To          Transfer          `db:"to_transfer"`
	Status      OrderStatus       `db:"status"`
	CreatedAt   time.Time         `db:"created_at"`
	UpdatedAt   time.Time         `db:"updated_at"`
	ExpireAt    time.Time         `db:"expire_at"`
	ArrivedAt   *time.Time        `db:"arrived_at"` // set when destination confirms
	Extension   map[string]string `db:"extension"`  // provider-specific metadata, swap quote audit copy
}

// DepositOrderID derives a stable order id from the upstream identity of a
// deposit so re-delivery of the same chain/custody event maps onto the same
// order. Withdrawal ids are generated instead (uuid.New in the handler).
func DepositOrderID(network, symbol, txID string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s", network, symbol, txID)))
	return "dep-" + hex.EncodeToString(sum[:16])
}

func (o *Order) SetExtension(key, value string) {
	if o.Extension == nil {
		o.Extension = make(map[string]string)
	}
	o.Extension[key] = value
}
