package chainclient

import (
	"context"
	"time"
)

// BlockInfo is the normalized result of a per-chain transaction/block lookup.
// A zero BlockInfo means "not found yet or chain unreachable"; adapters never
// return transport errors to callers, they log and degrade so a flaky RPC
// reads as not-yet-confirmed.
type BlockInfo struct {
	BlockHash      string
	BlockHeight    uint64
	BlockTimestamp time.Time
	TransactionIDs []string
}

func (b BlockInfo) IsZero() bool {
	return b.BlockHash == "" && b.BlockHeight == 0 && b.BlockTimestamp.IsZero()
}

// Client resolves a transaction id or hash on one chain into BlockInfo.
type Client interface {
	GetBlockInfo(ctx context.Context, chainID, ref string) BlockInfo
}

// Registry maps a network name to its Client. Resolution is a plain map read;
// clients and their HTTP transports are built once at startup.
type Registry struct {
	clients map[string]Client
}

func NewRegistry(clients map[string]Client) *Registry {
	return &Registry{clients: clients}
}

func (r *Registry) Get(network string) (Client, bool) {
	c, ok := r.clients[network]
	return c, ok
}

func (r *Registry) Networks() []string {
	networks := make([]string, 0, len(r.clients))
	for network := range r.clients {
		networks = append(networks, network)
	}
	return networks
}
