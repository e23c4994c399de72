package chainclient

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// TronClient resolves transactions through a tron full-node HTTP API
// (wallet/gettransactioninfobyid).
type TronClient struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

func NewTronClient(baseURL string, logger *zap.Logger) *TronClient {
	return &TronClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  newHTTPClient(),
		logger:  logger,
	}
}

type tronTxInfo struct {
	ID             string `json:"id"`
	BlockNumber    uint64 `json:"blockNumber"`
	BlockTimeStamp int64  `json:"blockTimeStamp"` // milliseconds
}

func (c *TronClient) GetBlockInfo(ctx context.Context, chainID, ref string) BlockInfo {
	var info tronTxInfo
	url := c.baseURL + "/wallet/gettransactioninfobyid"
	if err := postJSON(ctx, c.client, url, map[string]string{"value": ref}, &info); err != nil {
		c.logger.Error("Failed to fetch tron transaction info",
			zap.String("chain_id", chainID),
			zap.String("tx_id", ref),
			zap.Error(err))
		return BlockInfo{}
	}

	if info.ID == "" || info.BlockNumber == 0 {
		return BlockInfo{}
	}

	return BlockInfo{
		BlockHeight:    info.BlockNumber,
		BlockTimestamp: time.UnixMilli(info.BlockTimeStamp),
		TransactionIDs: []string{info.ID},
	}
}
