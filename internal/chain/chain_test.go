package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "ChainVoyager/internal/errors"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeNode answers JSON-RPC calls from a method table and records them.
type fakeNode struct {
	mu      sync.Mutex
	calls   []rpcRequest
	results map[string]string
}

func (f *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.calls = append(f.calls, req)
	result, ok := f.results[req.Method]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"error":{"code":-32601,"message":"method not found"}}`))
		return
	}
	_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":` + result + `}`))
}

func (f *fakeNode) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Method
	}
	return out
}

const agent = "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"

func TestSolanaSnapshotAndReceipt(t *testing.T) {
	node := &fakeNode{results: map[string]string{
		"getLatestBlockhash": `{"context":{"slot":310},"value":{"blockhash":"EkSnNWid2cvwEVnVx9aBqawnmiCNiDgp3gUdkDPTKN1N","lastValidBlockHeight":400}}`,
		"getSlot":            `311`,
		"getBalance":         `{"context":{"slot":311},"value":1500000000}`,
		"getTransaction":     `{"slot":311,"meta":{"err":null},"transaction":{"message":{"accountKeys":[],"instructions":[]}}}`,
	}}
	srv := httptest.NewServer(node)
	defer srv.Close()

	client, err := NewSolanaClient(context.Background(), "devnet", srv.URL, "")
	require.NoError(t, err)
	defer client.Close()

	snap, err := client.Snapshot(context.Background(), agent)
	require.NoError(t, err)
	assert.Equal(t, "solana", snap.Chain)
	assert.Equal(t, "EkSnNWid2cvwEVnVx9aBqawnmiCNiDgp3gUdkDPTKN1N", snap.LatestBlockhash)
	assert.Equal(t, uint64(311), snap.Slot)
	assert.Equal(t, uint64(1500000000), snap.Balances[agent])
	assert.Equal(t, []string{"getLatestBlockhash", "getSlot", "getBalance"}, node.methods())

	raw, err := client.FetchReceipt(context.Background(), "5sig")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"slot":311`)

	node.mu.Lock()
	params := node.calls[len(node.calls)-1].Params
	node.results["getTransaction"] = `null`
	node.mu.Unlock()
	require.Len(t, params, 2)
	assert.JSONEq(t, `"5sig"`, string(params[0]))
	assert.Contains(t, string(params[1]), `"maxSupportedTransactionVersion":0`)

	_, err = client.FetchReceipt(context.Background(), "missing")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
}

func TestSolanaRPCError(t *testing.T) {
	srv := httptest.NewServer(&fakeNode{results: map[string]string{}})
	defer srv.Close()

	client, err := NewSolanaClient(context.Background(), "broken", srv.URL, "finalized")
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Snapshot(context.Background(), agent)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeChainFailure))

	client.Close()
	_, err = client.FetchReceipt(context.Background(), "x")
	assert.Error(t, err)
}

func TestEVMSnapshotAndReceipt(t *testing.T) {
	node := &fakeNode{results: map[string]string{
		"eth_getBlockByNumber":      `{"hash":"0x88e96d4537bea4d9c05d12549907b32561d3bf31f45aae734cdc119f13406cb6","number":"0x1b4"}`,
		"eth_getBalance":            `"0xde0b6b3a7640000"`,
		"eth_getTransactionReceipt": `{"status":"0x1","logs":[]}`,
	}}
	srv := httptest.NewServer(node)
	defer srv.Close()

	client, err := NewEVMClient(context.Background(), "anvil", srv.URL)
	require.NoError(t, err)
	defer client.Close()

	addr := "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"
	snap, err := client.Snapshot(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, "evm", snap.Chain)
	assert.Equal(t, uint64(436), snap.Slot)
	assert.Equal(t, "0x88e96d4537bea4d9c05d12549907b32561d3bf31f45aae734cdc119f13406cb6", snap.LatestBlockhash)
	assert.Equal(t, uint64(1_000_000_000_000_000_000), snap.Balances[addr])

	_, err = client.Snapshot(context.Background(), "not-an-address")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	raw, err := client.FetchReceipt(context.Background(), "0x01")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"0x1","logs":[]}`, string(raw))
}

func TestRegistryFromDefinitions(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tx.json"), []byte(`{"status":"0x1"}`), 0o644))
	defsPath := filepath.Join(dir, "chain.yaml")
	require.NoError(t, os.WriteFile(defsPath, []byte(`
chains:
  offline:
    type: static
    static:
      family: evm
      latest_blockhash: "0xabc"
      slot: 9
      balances:
        "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D": 5
      receipts:
        "0x01": tx.json
`), 0o644))

	defs, err := LoadDefinitions(defsPath)
	require.NoError(t, err)
	reg, err := NewRegistry(context.Background(), defs, "", dir)
	require.NoError(t, err)
	defer reg.Close()

	assert.Equal(t, []string{"offline"}, reg.Chains())
	client, err := reg.Default()
	require.NoError(t, err)
	assert.Equal(t, "evm", client.Family())

	snap, err := client.Snapshot(context.Background(), "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), snap.Slot)
	assert.Equal(t, uint64(5), snap.Balances["0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"])

	raw, err := client.FetchReceipt(context.Background(), "0x01")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"0x1"}`, string(raw))
	_, err = client.FetchReceipt(context.Background(), "0x02")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))

	_, err = NewRegistry(context.Background(), defs, "mainnet", dir)
	assert.Error(t, err)
	_, err = NewRegistry(context.Background(), Definitions{Chains: map[string]Definition{"x": {Type: "cosmos"}}}, "", dir)
	assert.Error(t, err)
}

func TestRegistryFallsBackToStatic(t *testing.T) {
	defs, err := LoadDefinitions("")
	require.NoError(t, err)
	reg, err := NewRegistry(context.Background(), defs, "local", "")
	require.NoError(t, err)
	client, ok := reg.Client("local")
	require.True(t, ok)
	assert.Equal(t, "solana", client.Family())
}
