package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "ChainVoyager/internal/errors"
	"ChainVoyager/pkg/skillapi"
)

// SolanaClient speaks the Solana JSON-RPC dialect over go-ethereum's generic
// JSON-RPC 2.0 client.
type SolanaClient struct {
	name       string
	commitment string
	mu         sync.Mutex
	rpc        *gethrpc.Client
}

// NewSolanaClient dials rpcURL. Commitment defaults to confirmed.
func NewSolanaClient(ctx context.Context, name, rpcURL, commitment string) (*SolanaClient, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, errors.New("未配置 Solana RPC 地址")
	}
	client, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接 Solana 节点失败: %w", err)
	}
	if commitment == "" {
		commitment = "confirmed"
	}
	return &SolanaClient{name: name, commitment: commitment, rpc: client}, nil
}

func (c *SolanaClient) Name() string { return c.name }

func (c *SolanaClient) Family() string { return TypeSolana }

type solanaContextValue[T any] struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value T `json:"value"`
}

type latestBlockhash struct {
	Blockhash            string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

func (c *SolanaClient) client() (*gethrpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc == nil {
		return nil, errors.New("Solana 客户端已关闭")
	}
	return c.rpc, nil
}

// Snapshot reads the latest blockhash, the current slot and agent's balance.
func (c *SolanaClient) Snapshot(ctx context.Context, agent string) (skillapi.Snapshot, error) {
	rpc, err := c.client()
	if err != nil {
		return skillapi.Snapshot{}, err
	}
	opts := map[string]string{"commitment": c.commitment}

	var hash solanaContextValue[latestBlockhash]
	if err := rpc.CallContext(ctx, &hash, "getLatestBlockhash", opts); err != nil {
		return skillapi.Snapshot{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "getLatestBlockhash")
	}
	var slot uint64
	if err := rpc.CallContext(ctx, &slot, "getSlot", opts); err != nil {
		return skillapi.Snapshot{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "getSlot")
	}

	snap := skillapi.Snapshot{
		Chain:           TypeSolana,
		AgentPubkey:     agent,
		LatestBlockhash: hash.Value.Blockhash,
		Slot:            slot,
		Balances:        map[string]uint64{},
	}
	if agent != "" {
		var balance solanaContextValue[uint64]
		if err := rpc.CallContext(ctx, &balance, "getBalance", agent, opts); err != nil {
			return skillapi.Snapshot{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "getBalance")
		}
		snap.Balances[agent] = balance.Value
	}
	return snap, nil
}

// FetchReceipt calls getTransaction in json encoding with v0 support.
func (c *SolanaClient) FetchReceipt(ctx context.Context, signature string) ([]byte, error) {
	rpc, err := c.client()
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	opts := map[string]any{
		"encoding":                       "json",
		"commitment":                     c.commitment,
		"maxSupportedTransactionVersion": 0,
	}
	if err := rpc.CallContext(ctx, &raw, "getTransaction", signature, opts); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "getTransaction")
	}
	if isNullJSON(raw) {
		return nil, xerrors.Newf(xerrors.CodeNotFound, "transaction %s not found", signature)
	}
	return raw, nil
}

// Close releases the connection.
func (c *SolanaClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc != nil {
		c.rpc.Close()
		c.rpc = nil
	}
}

func isNullJSON(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}
