package model

import (
	"time"
)

type TransferDirection string

const (
	DirectionIn  TransferDirection = "in"
	DirectionOut TransferDirection = "out"
)

// TransferObservation is the single normalized shape the state machine
// ingests, regardless of whether the event arrived as a custody webhook, a
// custody poll result, or a direct chain lookup.
type TransferObservation struct {
	Source      string            `json:"source"` // "custody_push", "custody_pull", "chain"
	Direction   TransferDirection `json:"direction"`
	Network     string            `json:"network"`
	ChainID     string            `json:"chain_id"`
	TxID        string            `json:"tx_id"`
	TxTime      time.Time         `json:"tx_time"`
	BlockHeight uint64            `json:"block_height"`
	Symbol      string            `json:"symbol"`
	Amount      string            `json:"amount"`
	FromAddress string            `json:"from_address"`
	ToAddress   string            `json:"to_address"`
	CustodyRef  string            `json:"custody_ref"` // provider order/transaction reference
	UserID      string            `json:"user_id"`
	Fees        []Fee             `json:"fees,omitempty"`
}
