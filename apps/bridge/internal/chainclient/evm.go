package chainclient

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// EVMClient covers the EVM family through go-ethereum's RPC client. The
// underlying connection is established once and reused.
type EVMClient struct {
	client *ethclient.Client
	logger *zap.Logger
}

func NewEVMClient(rpcURL string, logger *zap.Logger) (*EVMClient, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum client: %w", err)
	}

	return &EVMClient{client: client, logger: logger}, nil
}

func (c *EVMClient) GetBlockInfo(ctx context.Context, chainID, ref string) BlockInfo {
	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(ref))
	if err != nil {
		c.logger.Error("Failed to fetch transaction receipt",
			zap.String("chain_id", chainID),
			zap.String("tx_hash", ref),
			zap.Error(err))
		return BlockInfo{}
	}

	if receipt.Status == 0 {
		// Reverted transactions never confirm.
		return BlockInfo{}
	}

	header, err := c.client.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		c.logger.Error("Failed to fetch block header",
			zap.String("chain_id", chainID),
			zap.String("tx_hash", ref),
			zap.Error(err))
		return BlockInfo{}
	}

	return BlockInfo{
		BlockHash:      receipt.BlockHash.Hex(),
		BlockHeight:    receipt.BlockNumber.Uint64(),
		BlockTimestamp: time.Unix(int64(header.Time), 0),
		TransactionIDs: []string{receipt.TxHash.Hex()},
	}
}

func (c *EVMClient) Close() {
	c.client.Close()
}
