package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"bridge/apps/bridge/internal/model"
	"bridge/apps/bridge/internal/repository"
)

// WithdrawalRegistrar registers new withdrawal orders with the state machine.
type WithdrawalRegistrar interface {
	RegisterWithdrawal(ctx context.Context, order *model.Order) error
}

// Watcher starts monitor actors for newly registered subjects.
type Watcher struct {
	Deposit    func(network, address string)
	Withdrawal func(orderID string)
}

// OrderHandler serves the order query API.
type OrderHandler struct {
	orders    *repository.OrderRepository
	flow      *repository.StatusFlowRepository
	addresses *repository.WatchedAddressRepository
	registrar WithdrawalRegistrar
	watcher   Watcher
	orderTTL  time.Duration
	logger    *zap.Logger
}

func NewOrderHandler(
	orders *repository.OrderRepository,
	flow *repository.StatusFlowRepository,
	addresses *repository.WatchedAddressRepository,
	registrar WithdrawalRegistrar,
	watcher Watcher,
	orderTTL time.Duration,
	logger *zap.Logger,
) *OrderHandler {
	return &OrderHandler{
		orders:    orders,
		flow:      flow,
		addresses: addresses,
		registrar: registrar,
		watcher:   watcher,
		orderTTL:  orderTTL,
		logger:    logger,
	}
}

// ListOrders handles GET /api/orders?user_id=&status=&from=&to=&limit=&offset=
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := repository.ListFilter{
		UserID: query.Get("user_id"),
		Status: model.OrderStatus(query.Get("status")),
	}
	if raw := query.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeErrorResponse(w, http.StatusBadRequest, "invalid_from", "from must be RFC3339")
			return
		}
		filter.From = t
	}
	if raw := query.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeErrorResponse(w, http.StatusBadRequest, "invalid_to", "to must be RFC3339")
			return
		}
		filter.To = t
	}
	if raw := query.Get("limit"); raw != "" {
		filter.Limit, _ = strconv.Atoi(raw)
	}
	if raw := query.Get("offset"); raw != "" {
		filter.Offset, _ = strconv.Atoi(raw)
	}

	orders, err := h.orders.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list orders", zap.Error(err))
		h.writeErrorResponse(w, http.StatusInternalServerError, "database_error", "Failed to list orders")
		return
	}

	response := OrderListResponse{
		Orders: make([]OrderResponse, 0, len(orders)),
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}
	for _, order := range orders {
		response.Orders = append(response.Orders, toOrderResponse(order))
	}

	h.writeJSONResponse(w, http.StatusOK, response)
}

// GetOrder handles GET /api/orders/{order_id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	orderID := vars["order_id"]

	order, err := h.orders.Get(r.Context(), orderID)
	if err != nil {
		h.logger.Error("Failed to get order", zap.String("order_id", orderID), zap.Error(err))
		h.writeErrorResponse(w, http.StatusInternalServerError, "database_error", "Failed to retrieve order")
		return
	}
	if order == nil {
		h.writeErrorResponse(w, http.StatusNotFound, "order_not_found", "Order not found")
		return
	}

	entries, err := h.flow.ListByOrder(r.Context(), orderID)
	if err != nil {
		h.logger.Error("Failed to get status flow", zap.String("order_id", orderID), zap.Error(err))
		h.writeErrorResponse(w, http.StatusInternalServerError, "database_error", "Failed to retrieve order history")
		return
	}

	response := OrderDetailResponse{
		OrderResponse: toOrderResponse(*order),
		StatusFlow:    make([]StatusFlowView, 0, len(entries)),
	}
	for _, entry := range entries {
		response.StatusFlow = append(response.StatusFlow, StatusFlowView{
			Status:    string(entry.Status),
			Reason:    entry.Reason,
			Actor:     entry.Actor,
			CreatedAt: entry.CreatedAt,
		})
	}

	h.writeJSONResponse(w, http.StatusOK, response)
}

// GetStats handles GET /api/orders/stats
func (h *OrderHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.orders.StatusCounts(r.Context())
	if err != nil {
		h.logger.Error("Failed to count orders", zap.Error(err))
		h.writeErrorResponse(w, http.StatusInternalServerError, "database_error", "Failed to count orders")
		return
	}

	response := make(map[string]int, len(counts))
	for status, count := range counts {
		response[string(status)] = count
	}
	h.writeJSONResponse(w, http.StatusOK, response)
}

// CreateWithdrawal handles POST /api/orders/withdrawal
func (h *OrderHandler) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req WithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_body", "Invalid JSON in request body")
		return
	}
	if req.UserID == "" || req.Symbol == "" || req.Amount == "" || req.ToAddress == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, "missing_fields", "user_id, symbol, amount and to_address are required")
		return
	}

	order := &model.Order{
		OrderID: uuid.New().String(),
		UserID:  req.UserID,
		From: model.Transfer{
			Network:     req.Network,
			ChainID:     req.ChainID,
			Symbol:      req.Symbol,
			Amount:      req.Amount,
			FromAddress: req.FromAddress,
		},
		To: model.Transfer{
			Network:   req.ToNetwork,
			ChainID:   req.ToChainID,
			Symbol:    defaultString(req.ToSymbol, req.Symbol),
			ToAddress: req.ToAddress,
		},
	}

	if err := h.registrar.RegisterWithdrawal(r.Context(), order); err != nil {
		h.logger.Error("Failed to register withdrawal", zap.Error(err))
		h.writeErrorResponse(w, http.StatusInternalServerError, "registration_failed", "Failed to register withdrawal")
		return
	}

	if h.watcher.Withdrawal != nil {
		h.watcher.Withdrawal(order.OrderID)
	}

	h.writeJSONResponse(w, http.StatusCreated, WithdrawalResponse{
		OrderID: order.OrderID,
		Status:  string(order.Status),
	})
}

// CreateDeposit handles POST /api/orders/deposit: it registers a deposit
// address to watch; the deposit order itself materializes when the first
// custody/chain observation for that address arrives.
func (h *OrderHandler) CreateDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_body", "Invalid JSON in request body")
		return
	}
	if req.Network == "" || req.Address == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, "missing_fields", "network and address are required")
		return
	}

	err := h.addresses.Add(r.Context(), model.WatchedAddress{
		Address: req.Address,
		Network: req.Network,
		UserID:  req.UserID,
	})
	if err != nil {
		h.logger.Error("Failed to add watched address", zap.Error(err))
		h.writeErrorResponse(w, http.StatusInternalServerError, "database_error", "Failed to register deposit address")
		return
	}

	if h.watcher.Deposit != nil {
		h.watcher.Deposit(req.Network, req.Address)
	}

	h.writeJSONResponse(w, http.StatusCreated, DepositResponse{
		Network: req.Network,
		Address: req.Address,
		Status:  "watching",
	})
}

func defaultString(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func (h *OrderHandler) writeJSONResponse(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *OrderHandler) writeErrorResponse(w http.ResponseWriter, status int, code, message string) {
	h.writeJSONResponse(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
