package chain

import (
	"context"
	"os"

	xerrors "ChainVoyager/internal/errors"
	"ChainVoyager/pkg/skillapi"
)

// StaticClient serves a fixed snapshot and receipts read from files.
type StaticClient struct {
	name string
	def  StaticDefinition
}

// NewStaticClient never touches the network.
func NewStaticClient(name string, def StaticDefinition) *StaticClient {
	if def.Family == "" {
		def.Family = TypeSolana
	}
	return &StaticClient{name: name, def: def}
}

func (c *StaticClient) Name() string { return c.name }

func (c *StaticClient) Family() string { return c.def.Family }

func (c *StaticClient) Snapshot(_ context.Context, agent string) (skillapi.Snapshot, error) {
	snap := skillapi.Snapshot{
		Chain:           c.def.Family,
		AgentPubkey:     agent,
		LatestBlockhash: c.def.LatestBlockhash,
		Slot:            c.def.Slot,
		Balances:        make(map[string]uint64, len(c.def.Balances)),
		Data:            make(map[string]string, len(c.def.Data)),
	}
	for k, v := range c.def.Balances {
		snap.Balances[k] = v
	}
	for k, v := range c.def.Data {
		snap.Data[k] = v
	}
	return snap, nil
}

func (c *StaticClient) FetchReceipt(_ context.Context, signature string) ([]byte, error) {
	path, ok := c.def.Receipts[signature]
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeNotFound, "transaction %s not found", signature)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read receipt file")
	}
	return raw, nil
}

func (c *StaticClient) Close() {}
