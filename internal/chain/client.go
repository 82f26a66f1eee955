package chain

import (
	"context"

	"ChainVoyager/pkg/skillapi"
)

// Client is implemented by every chain backend.
type Client interface {
	// Name is the key of the chain in the registry.
	Name() string
	// Family is the receipt shape the chain produces, solana or evm.
	Family() string
	// Snapshot captures what a skill may observe about agent.
	Snapshot(ctx context.Context, agent string) (skillapi.Snapshot, error)
	// FetchReceipt returns the raw receipt JSON of a confirmed transaction.
	FetchReceipt(ctx context.Context, signature string) ([]byte, error)
	Close()
}
