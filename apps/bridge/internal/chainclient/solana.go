package chainclient

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// SolanaClient resolves transaction signatures through the JSON-RPC
// getTransaction method.
type SolanaClient struct {
	rpcURL string
	client *http.Client
	logger *zap.Logger
}

func NewSolanaClient(rpcURL string, logger *zap.Logger) *SolanaClient {
	return &SolanaClient{
		rpcURL: rpcURL,
		client: newHTTPClient(),
		logger: logger,
	}
}

type solanaRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type solanaTxResponse struct {
	Result *struct {
		Slot        uint64 `json:"slot"`
		BlockTime   *int64 `json:"blockTime"`
		Transaction struct {
			Signatures []string `json:"signatures"`
		} `json:"transaction"`
	} `json:"result"`
}

func (c *SolanaClient) GetBlockInfo(ctx context.Context, chainID, ref string) BlockInfo {
	req := solanaRPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getTransaction",
		Params:  []interface{}{ref, map[string]interface{}{"encoding": "json", "maxSupportedTransactionVersion": 0}},
	}

	var resp solanaTxResponse
	if err := postJSON(ctx, c.client, c.rpcURL, req, &resp); err != nil {
		c.logger.Error("Failed to fetch solana transaction",
			zap.String("chain_id", chainID),
			zap.String("signature", ref),
			zap.Error(err))
		return BlockInfo{}
	}

	if resp.Result == nil || resp.Result.Slot == 0 {
		return BlockInfo{}
	}

	info := BlockInfo{
		BlockHeight:    resp.Result.Slot,
		TransactionIDs: resp.Result.Transaction.Signatures,
	}
	if resp.Result.BlockTime != nil {
		info.BlockTimestamp = time.Unix(*resp.Result.BlockTime, 0)
	}
	return info
}
