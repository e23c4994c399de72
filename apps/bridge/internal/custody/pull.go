package custody

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"bridge/apps/bridge/internal/model"
)

// TransactionRecord is one row of the provider's pull API.
type TransactionRecord struct {
	TransactionID string `json:"transaction_id"`
	OrderRef      string `json:"order_ref"`
	UserID        string `json:"user_id"`
	Direction     string `json:"direction"`
	Network       string `json:"network"`
	ChainID       string `json:"chain_id"`
	Symbol        string `json:"symbol"`
	Amount        string `json:"amount"`
	Status        string `json:"status"`
	FromAddress   string `json:"from_address"`
	ToAddress     string `json:"to_address"`
	TxTime        int64  `json:"tx_time"`
	BlockHeight   uint64 `json:"block_height"`
	Fee           string `json:"fee,omitempty"`
	FeeSymbol     string `json:"fee_symbol,omitempty"`
}

// PullClient actively queries the custody provider when pushes do not
// arrive. It shares the webhook's normalized output shape.
type PullClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

func NewPullClient(baseURL, apiKey string, logger *zap.Logger) *PullClient {
	return &PullClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

// QueryByTimeRange lists provider transactions with tx_time in [from, to).
func (c *PullClient) QueryByTimeRange(ctx context.Context, from, to time.Time) ([]TransactionRecord, error) {
	query := url.Values{}
	query.Set("from", strconv.FormatInt(from.Unix(), 10))
	query.Set("to", strconv.FormatInt(to.Unix(), 10))

	return c.fetch(ctx, c.baseURL+"/v1/transactions?"+query.Encode())
}

// QueryByID fetches a single provider transaction; nil when not found.
func (c *PullClient) QueryByID(ctx context.Context, transactionID string) (*TransactionRecord, error) {
	records, err := c.fetch(ctx, c.baseURL+"/v1/transactions/"+url.PathEscape(transactionID))
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

func (c *PullClient) fetch(ctx context.Context, fetchURL string) ([]TransactionRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("custody request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("custody API returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read custody response: %w", err)
	}

	// The list endpoint returns {"transactions": [...]}, the detail endpoint
	// a single object.
	var wrapped struct {
		Transactions []TransactionRecord `json:"transactions"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Transactions != nil {
		return wrapped.Transactions, nil
	}

	var single TransactionRecord
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("failed to decode custody response: %w", err)
	}
	if single.TransactionID == "" {
		return nil, nil
	}
	return []TransactionRecord{single}, nil
}

// ToObservation maps a pull record onto the shared ingestion shape.
func (r TransactionRecord) ToObservation() model.TransferObservation {
	direction := model.DirectionIn
	if r.Direction == "withdrawal" {
		direction = model.DirectionOut
	}

	obs := model.TransferObservation{
		Source:      "custody_pull",
		Direction:   direction,
		Network:     r.Network,
		ChainID:     r.ChainID,
		TxID:        r.TransactionID,
		TxTime:      time.Unix(r.TxTime, 0),
		BlockHeight: r.BlockHeight,
		Symbol:      r.Symbol,
		Amount:      r.Amount,
		FromAddress: r.FromAddress,
		ToAddress:   r.ToAddress,
		CustodyRef:  r.OrderRef,
		UserID:      r.UserID,
	}
	if r.Fee != "" {
		obs.Fees = []model.Fee{{Symbol: r.FeeSymbol, Amount: r.Fee, Kind: "service"}}
	}
	return obs
}
