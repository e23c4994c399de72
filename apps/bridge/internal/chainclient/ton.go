package chainclient

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

type tonVariant int

const (
	tonVariantScan    tonVariant = iota // tonscan-style /api/tx?hash= lookup
	tonVariantIndexer                   // toncenter indexer /api/v3/transactions?hash= lookup
	tonVariantREST                      // tonapi-style /v2/blockchain/transactions/{hash} path lookup
)

// TonClient talks to one of three mirror API shapes, selected by inspecting
// the configured base URL. An unrecognized base URL falls back to the scan
// variant so a misconfigured mirror degrades to not-yet-confirmed lookups
// instead of killing the monitor; the mismatch is logged once at startup.
type TonClient struct {
	baseURL string
	variant tonVariant
	client  *http.Client
	logger  *zap.Logger
}

func NewTonClient(baseURL string, logger *zap.Logger) *TonClient {
	trimmed := strings.TrimRight(baseURL, "/")
	variant, known := detectTonVariant(trimmed)
	if !known {
		logger.Warn("Unrecognized ton base URL, falling back to scan-style lookups",
			zap.String("base_url", baseURL))
	}
	return &TonClient{
		baseURL: trimmed,
		variant: variant,
		client:  newHTTPClient(),
		logger:  logger,
	}
}

func detectTonVariant(baseURL string) (tonVariant, bool) {
	switch {
	case strings.Contains(baseURL, "tonscan"):
		return tonVariantScan, true
	case strings.Contains(baseURL, "toncenter"):
		return tonVariantIndexer, true
	case strings.Contains(baseURL, "tonapi"):
		return tonVariantREST, true
	}
	return tonVariantScan, false
}

type tonScanTx struct {
	Hash        string `json:"hash"`
	Seqno       uint64 `json:"seqno"`
	Utime       int64  `json:"utime"`
	BlockHash   string `json:"block_hash"`
}

type tonIndexerResponse struct {
	Transactions []struct {
		Hash  string `json:"hash"`
		Now   int64  `json:"now"`
		Block struct {
			Seqno    uint64 `json:"seqno"`
			RootHash string `json:"root_hash"`
		} `json:"block_ref"`
	} `json:"transactions"`
}

type tonRESTTx struct {
	Hash  string `json:"hash"`
	Utime int64  `json:"utime"`
	Block string `json:"block"`
	Seqno uint64 `json:"seqno"`
}

func (c *TonClient) GetBlockInfo(ctx context.Context, chainID, ref string) BlockInfo {
	info, err := c.lookup(ctx, ref)
	if err != nil {
		c.logger.Error("Failed to fetch ton transaction",
			zap.String("chain_id", chainID),
			zap.String("tx_hash", ref),
			zap.Error(err))
		return BlockInfo{}
	}
	return info
}

func (c *TonClient) lookup(ctx context.Context, ref string) (BlockInfo, error) {
	switch c.variant {
	case tonVariantIndexer:
		var resp tonIndexerResponse
		lookupURL := c.baseURL + "/api/v3/transactions?hash=" + url.QueryEscape(ref)
		if err := getJSON(ctx, c.client, lookupURL, &resp); err != nil {
			return BlockInfo{}, err
		}
		if len(resp.Transactions) == 0 {
			return BlockInfo{}, nil
		}
		tx := resp.Transactions[0]
		return BlockInfo{
			BlockHash:      tx.Block.RootHash,
			BlockHeight:    tx.Block.Seqno,
			BlockTimestamp: time.Unix(tx.Now, 0),
			TransactionIDs: []string{tx.Hash},
		}, nil

	case tonVariantREST:
		var tx tonRESTTx
		lookupURL := c.baseURL + "/v2/blockchain/transactions/" + url.PathEscape(ref)
		if err := getJSON(ctx, c.client, lookupURL, &tx); err != nil {
			return BlockInfo{}, err
		}
		if tx.Hash == "" {
			return BlockInfo{}, nil
		}
		return BlockInfo{
			BlockHash:      tx.Block,
			BlockHeight:    tx.Seqno,
			BlockTimestamp: time.Unix(tx.Utime, 0),
			TransactionIDs: []string{tx.Hash},
		}, nil

	default:
		var tx tonScanTx
		lookupURL := c.baseURL + "/api/tx?hash=" + url.QueryEscape(ref)
		if err := getJSON(ctx, c.client, lookupURL, &tx); err != nil {
			return BlockInfo{}, err
		}
		if tx.Hash == "" {
			return BlockInfo{}, nil
		}
		return BlockInfo{
			BlockHash:      tx.BlockHash,
			BlockHeight:    tx.Seqno,
			BlockTimestamp: time.Unix(tx.Utime, 0),
			TransactionIDs: []string{tx.Hash},
		}, nil
	}
}
