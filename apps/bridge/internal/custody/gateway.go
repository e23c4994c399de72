package custody

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"bridge/apps/bridge/internal/model"
)

var (
	ErrInvalidSignature  = errors.New("invalid webhook signature")
	ErrStaleNotification = errors.New("webhook timestamp outside freshness window")
)

// Gateway verifies and decodes push notifications from the custody provider.
// Pull-side access lives in PullClient; both produce the same normalized
// TransferObservation so the state machine has one ingestion contract.
type Gateway struct {
	secret          []byte
	freshnessWindow time.Duration
	logger          *zap.Logger
	now             func() time.Time
}

func NewGateway(secret string, freshnessWindow time.Duration, logger *zap.Logger) *Gateway {
	return &Gateway{
		secret:          []byte(secret),
		freshnessWindow: freshnessWindow,
		logger:          logger,
		now:             time.Now,
	}
}

// VerifyWebhook checks the HMAC-SHA256 signature over "timestamp.body" and
// that the timestamp (unix seconds) is inside the freshness window. Rejected
// webhooks cause no state change.
func (g *Gateway) VerifyWebhook(timestamp, signature string, body []byte) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrStaleNotification, timestamp)
	}

	age := g.now().Sub(time.Unix(ts, 0))
	if age > g.freshnessWindow || age < -g.freshnessWindow {
		return ErrStaleNotification
	}

	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}

	return nil
}

// webhookPayload is the provider's raw push body.
type webhookPayload struct {
	TransactionID string `json:"transaction_id"`
	OrderRef      string `json:"order_ref"`
	UserID        string `json:"user_id"`
	Direction     string `json:"direction"` // "deposit" or "withdrawal"
	Network       string `json:"network"`
	ChainID       string `json:"chain_id"`
	Symbol        string `json:"symbol"`
	Amount        string `json:"amount"`
	FromAddress   string `json:"from_address"`
	ToAddress     string `json:"to_address"`
	TxTime        int64  `json:"tx_time"` // unix seconds
	BlockHeight   uint64 `json:"block_height"`
	Fee           string `json:"fee,omitempty"`
	FeeSymbol     string `json:"fee_symbol,omitempty"`
}

// DecodeWebhook turns a verified push body into the normalized observation.
func (g *Gateway) DecodeWebhook(body []byte) (model.TransferObservation, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return model.TransferObservation{}, fmt.Errorf("failed to decode webhook body: %w", err)
	}

	if payload.TransactionID == "" {
		return model.TransferObservation{}, fmt.Errorf("webhook body missing transaction_id")
	}

	direction := model.DirectionIn
	if payload.Direction == "withdrawal" {
		direction = model.DirectionOut
	}

	obs := model.TransferObservation{
		Source:      "custody_push",
		Direction:   direction,
		Network:     payload.Network,
		ChainID:     payload.ChainID,
		TxID:        payload.TransactionID,
		TxTime:      time.Unix(payload.TxTime, 0),
		BlockHeight: payload.BlockHeight,
		Symbol:      payload.Symbol,
		Amount:      payload.Amount,
		FromAddress: payload.FromAddress,
		ToAddress:   payload.ToAddress,
		CustodyRef:  payload.OrderRef,
		UserID:      payload.UserID,
	}
	if payload.Fee != "" {
		obs.Fees = []model.Fee{{Symbol: payload.FeeSymbol, Amount: payload.Fee, Kind: "service"}}
	}

	return obs, nil
}
