package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"bridge/apps/bridge/internal/model"
	"bridge/apps/bridge/internal/statemachine"
)

type OrderRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewOrderRepository(db *sql.DB, logger *zap.Logger) *OrderRepository {
	return &OrderRepository{db: db, logger: logger}
}

const orderColumns = `order_id, user_id, kind, external_ref, status,
	from_network, from_chain_id, from_tx_id, from_tx_time, from_block_height, from_symbol, from_amount, from_status, from_sender, from_recipient, from_fees,
	to_network, to_chain_id, to_tx_id, to_tx_time, to_block_height, to_symbol, to_amount, to_status, to_sender, to_recipient, to_fees,
	extension, created_at, updated_at, expire_at, arrived_at`

func (r *OrderRepository) Create(ctx context.Context, order *model.Order) (bool, error) {
	fromFees, toFees, extension, err := marshalOrderBlobs(order)
	if err != nil {
		return false, err
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11, NULLIF($12, ''), $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, NULLIF($23, ''), $24, $25, $26, $27,
			$28, $29, $30, $31, $32)
		ON CONFLICT (order_id) DO NOTHING
	`,
		order.OrderID, order.UserID, string(order.Kind), order.ExternalRef, string(order.Status),
		order.From.Network, order.From.ChainID, order.From.TxID, nullTime(order.From.TxTime), order.From.BlockHeight, order.From.Symbol, order.From.Amount, order.From.Status, order.From.FromAddress, order.From.ToAddress, fromFees,
		order.To.Network, order.To.ChainID, order.To.TxID, nullTime(order.To.TxTime), order.To.BlockHeight, order.To.Symbol, order.To.Amount, order.To.Status, order.To.FromAddress, order.To.ToAddress, toFees,
		extension, order.CreatedAt, order.UpdatedAt, order.ExpireAt, order.ArrivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create order: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	r.logger.Info("Created order",
		zap.String("order_id", order.OrderID),
		zap.String("kind", string(order.Kind)),
		zap.String("status", string(order.Status)),
		zap.String("user_id", order.UserID))
	return true, nil
}

// Update rewrites the mutable fields compare-and-swapped on the status the
// caller read, so two observers can never double-advance the same order.
func (r *OrderRepository) Update(ctx context.Context, order *model.Order, expected model.OrderStatus) error {
	fromFees, toFees, extension, err := marshalOrderBlobs(order)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE orders SET
			status = $3, external_ref = $4,
			from_tx_id = $5, from_tx_time = $6, from_block_height = $7, from_amount = NULLIF($8, ''), from_status = $9, from_fees = $10,
			to_network = $11, to_chain_id = $12, to_tx_id = $13, to_tx_time = $14, to_block_height = $15, to_symbol = $16, to_amount = NULLIF($17, ''), to_status = $18, to_sender = $19, to_recipient = $20, to_fees = $21,
			extension = $22, updated_at = $23, arrived_at = $24
		WHERE order_id = $1 AND status = $2
	`,
		order.OrderID, string(expected), string(order.Status), order.ExternalRef,
		order.From.TxID, nullTime(order.From.TxTime), order.From.BlockHeight, order.From.Amount, order.From.Status, fromFees,
		order.To.Network, order.To.ChainID, order.To.TxID, nullTime(order.To.TxTime), order.To.BlockHeight, order.To.Symbol, order.To.Amount, order.To.Status, order.To.FromAddress, order.To.ToAddress, toFees,
		extension, order.UpdatedAt, order.ArrivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if rows == 0 {
		return statemachine.ErrConcurrentModification
	}
	return nil
}

func (r *OrderRepository) Get(ctx context.Context, orderID string) (*model.Order, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE order_id = $1
	`, orderID)

	order, err := scanOrder(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// ListFilter narrows List; zero values mean "no constraint".
type ListFilter struct {
	UserID   string
	Status   model.OrderStatus
	Statuses []model.OrderStatus
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

func (r *OrderRepository) List(ctx context.Context, filter ListFilter) ([]model.Order, error) {
	var conds []string
	var args []interface{}

	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, strings.Replace(cond, "?", "$"+strconv.Itoa(len(args)), 1))
	}

	if filter.UserID != "" {
		add("user_id = ?", filter.UserID)
	}
	if filter.Status != "" {
		add("status = ?", string(filter.Status))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY(?)", pq.Array(statuses))
	}
	if !filter.From.IsZero() {
		add("created_at >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at < ?", filter.To)
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit)
	query += " LIMIT $" + strconv.Itoa(len(args))
	args = append(args, filter.Offset)
	query += " OFFSET $" + strconv.Itoa(len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

// ListActive returns all orders the monitors should still be driving.
func (r *OrderRepository) ListActive(ctx context.Context) ([]model.Order, error) {
	return r.List(ctx, ListFilter{
		Statuses: []model.OrderStatus{
			model.StatusCreated,
			model.StatusSourceDetected,
			model.StatusSourceConfirmed,
			model.StatusRateLimited,
			model.StatusSwapQuoted,
			model.StatusDestinationPending,
		},
		Limit: 200,
	})
}

func (r *OrderRepository) StatusCounts(ctx context.Context) (map[model.OrderStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM orders GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count orders: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.OrderStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[model.OrderStatus(status)] = count
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*model.Order, error) {
	var o model.Order
	var kind, status string
	var fromTxTime, toTxTime, arrivedAt sql.NullTime
	var fromAmount, toAmount sql.NullString
	var fromFees, toFees, extension []byte

	err := row.Scan(
		&o.OrderID, &o.UserID, &kind, &o.ExternalRef, &status,
		&o.From.Network, &o.From.ChainID, &o.From.TxID, &fromTxTime, &o.From.BlockHeight, &o.From.Symbol, &fromAmount, &o.From.Status, &o.From.FromAddress, &o.From.ToAddress, &fromFees,
		&o.To.Network, &o.To.ChainID, &o.To.TxID, &toTxTime, &o.To.BlockHeight, &o.To.Symbol, &toAmount, &o.To.Status, &o.To.FromAddress, &o.To.ToAddress, &toFees,
		&extension, &o.CreatedAt, &o.UpdatedAt, &o.ExpireAt, &arrivedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Kind = model.OrderKind(kind)
	o.Status = model.OrderStatus(status)
	if fromTxTime.Valid {
		o.From.TxTime = fromTxTime.Time
	}
	if toTxTime.Valid {
		o.To.TxTime = toTxTime.Time
	}
	if fromAmount.Valid {
		o.From.Amount = fromAmount.String
	}
	if toAmount.Valid {
		o.To.Amount = toAmount.String
	}
	if arrivedAt.Valid {
		t := arrivedAt.Time
		o.ArrivedAt = &t
	}
	if err := json.Unmarshal(fromFees, &o.From.Fees); err != nil {
		return nil, fmt.Errorf("failed to decode from_fees: %w", err)
	}
	if err := json.Unmarshal(toFees, &o.To.Fees); err != nil {
		return nil, fmt.Errorf("failed to decode to_fees: %w", err)
	}
	if err := json.Unmarshal(extension, &o.Extension); err != nil {
		return nil, fmt.Errorf("failed to decode extension: %w", err)
	}
	return &o, nil
}

func marshalOrderBlobs(order *model.Order) (fromFees, toFees, extension []byte, err error) {
	if fromFees, err = marshalOrEmptyArray(order.From.Fees); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode from_fees: %w", err)
	}
	if toFees, err = marshalOrEmptyArray(order.To.Fees); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode to_fees: %w", err)
	}
	ext := order.Extension
	if ext == nil {
		ext = map[string]string{}
	}
	if extension, err = json.Marshal(ext); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode extension: %w", err)
	}
	return fromFees, toFees, extension, nil
}

func marshalOrEmptyArray(fees []model.Fee) ([]byte, error) {
	if fees == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(fees)
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
