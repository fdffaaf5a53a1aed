package web3

import (
	"context"
	"math/big"
)

// ChainSnapshot represents summarized network metadata for health reporting.
type ChainSnapshot struct {
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// Domain is an execution domain an intent may originate from or target.
type Domain struct {
	Name        string `json:"name"`
	ID          uint64 `json:"id"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	// Connected reports whether an RPC client backs the domain.
	Connected bool `json:"connected"`
}

// Client defines the subset of chain access the service relies on.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}
