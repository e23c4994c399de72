package api

import (
	"time"

	"bridge/apps/bridge/internal/model"
)

// TransferView mirrors one order leg in API responses.
type TransferView struct {
	Network     string      `json:"network"`
	ChainID     string      `json:"chain_id"`
	TxID        string      `json:"tx_id,omitempty"`
	TxTime      *time.Time  `json:"tx_time,omitempty"`
	BlockHeight uint64      `json:"block_height,omitempty"`
	Symbol      string      `json:"symbol"`
	Amount      string      `json:"amount,omitempty"`
	Status      string      `json:"status,omitempty"`
	FromAddress string      `json:"from_address,omitempty"`
	ToAddress   string      `json:"to_address,omitempty"`
	Fees        []model.Fee `json:"fees,omitempty"`
}

// OrderResponse represents the API response for order information
type OrderResponse struct {
	OrderID     string            `json:"order_id"`
	UserID      string            `json:"user_id"`
	Kind        string            `json:"kind"`
	ExternalRef string            `json:"external_ref,omitempty"`
	Status      string            `json:"status"`
	From        TransferView      `json:"from"`
	To          TransferView      `json:"to"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	ExpireAt    time.Time         `json:"expire_at"`
	ArrivedAt   *time.Time        `json:"arrived_at,omitempty"`
	Extension   map[string]string `json:"extension,omitempty"`
}

// StatusFlowView is one audit-trail entry in the detail response.
type StatusFlowView struct {
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// OrderDetailResponse is the single-order response with the audit trail.
type OrderDetailResponse struct {
	OrderResponse
	StatusFlow []StatusFlowView `json:"status_flow"`
}

// OrderListResponse is the paginated list response.
type OrderListResponse struct {
	Orders []OrderResponse `json:"orders"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// WithdrawalRequest represents the request body for creating a withdrawal order
type WithdrawalRequest struct {
	UserID      string `json:"user_id"`
	Network     string `json:"network"`
	ChainID     string `json:"chain_id"`
	Symbol      string `json:"symbol"`
	Amount      string `json:"amount"`
	FromAddress string `json:"from_address"`
	ToNetwork   string `json:"to_network"`
	ToChainID   string `json:"to_chain_id"`
	ToSymbol    string `json:"to_symbol"`
	ToAddress   string `json:"to_address"`
}

// DepositRequest registers a deposit address to watch.
type DepositRequest struct {
	UserID  string `json:"user_id"`
	Network string `json:"network"`
	Address string `json:"address"`
}

// DepositResponse acknowledges a registered deposit watch.
type DepositResponse struct {
	Network string `json:"network"`
	Address string `json:"address"`
	Status  string `json:"status"`
}

// WithdrawalResponse acknowledges a registered withdrawal order.
type WithdrawalResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

func toOrderResponse(o model.Order) OrderResponse {
	return OrderResponse{
		OrderID:     o.OrderID,
		UserID:      o.UserID,
		Kind:        string(o.Kind),
		ExternalRef: o.ExternalRef,
		Status:      string(o.Status),
		From:        toTransferView(o.From),
		To:          toTransferView(o.To),
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
		ExpireAt:    o.ExpireAt,
		ArrivedAt:   o.ArrivedAt,
		Extension:   o.Extension,
	}
}

func toTransferView(t model.Transfer) TransferView {
	view := TransferView{
		Network:     t.Network,
		ChainID:     t.ChainID,
		TxID:        t.TxID,
		BlockHeight: t.BlockHeight,
		Symbol:      t.Symbol,
		Amount:      t.Amount,
		Status:      t.Status,
		FromAddress: t.FromAddress,
		ToAddress:   t.ToAddress,
		Fees:        t.Fees,
	}
	if !t.TxTime.IsZero() {
		tt := t.TxTime
		view.TxTime = &tt
	}
	return view
}
