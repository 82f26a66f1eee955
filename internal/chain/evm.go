package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "ChainVoyager/internal/errors"
	"ChainVoyager/pkg/skillapi"
)

// EVMClient serves snapshots and receipts from an EVM compatible node.
type EVMClient struct {
	name string
	mu   sync.Mutex
	rpc  *gethrpc.Client
	eth  *ethclient.Client
}

// NewEVMClient dials the configured RPC endpoint.
func NewEVMClient(ctx context.Context, name, rpcURL string) (*EVMClient, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	return &EVMClient{name: name, rpc: rpcClient, eth: ethclient.NewClient(rpcClient)}, nil
}

func (c *EVMClient) Name() string { return c.name }

func (c *EVMClient) Family() string { return TypeEVM }

type blockHead struct {
	Hash   common.Hash    `json:"hash"`
	Number hexutil.Uint64 `json:"number"`
}

func (c *EVMClient) clients() (*gethrpc.Client, *ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc == nil {
		return nil, nil, errors.New("以太坊客户端已关闭")
	}
	return c.rpc, c.eth, nil
}

// Snapshot uses the latest block hash in place of a recent blockhash and its
// number as the slot. Balances above 2^64-1 wei are capped.
func (c *EVMClient) Snapshot(ctx context.Context, agent string) (skillapi.Snapshot, error) {
	rpc, eth, err := c.clients()
	if err != nil {
		return skillapi.Snapshot{}, err
	}
	var head blockHead
	if err := rpc.CallContext(ctx, &head, "eth_getBlockByNumber", "latest", false); err != nil {
		return skillapi.Snapshot{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取最新区块失败")
	}

	snap := skillapi.Snapshot{
		Chain:           TypeEVM,
		AgentPubkey:     agent,
		LatestBlockhash: head.Hash.Hex(),
		Slot:            uint64(head.Number),
		Balances:        map[string]uint64{},
	}
	if agent != "" {
		if !common.IsHexAddress(agent) {
			return skillapi.Snapshot{}, xerrors.Newf(xerrors.CodeInvalidArgument, "agent %q is not an address", agent)
		}
		balance, err := eth.BalanceAt(ctx, common.HexToAddress(agent), nil)
		if err != nil {
			return skillapi.Snapshot{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取余额失败")
		}
		if balance.IsUint64() {
			snap.Balances[agent] = balance.Uint64()
		} else {
			snap.Balances[agent] = math.MaxUint64
		}
	}
	return snap, nil
}

// FetchReceipt returns the eth_getTransactionReceipt payload untouched.
func (c *EVMClient) FetchReceipt(ctx context.Context, txHash string) ([]byte, error) {
	rpc, _, err := c.clients()
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := rpc.CallContext(ctx, &raw, "eth_getTransactionReceipt", common.HexToHash(txHash)); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取交易回执失败")
	}
	if isNullJSON(raw) {
		return nil, xerrors.Newf(xerrors.CodeNotFound, "transaction %s not found", txHash)
	}
	return raw, nil
}

// Close releases network connections held by the client.
func (c *EVMClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpc = nil
}
