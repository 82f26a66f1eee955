package skillapi

import (
	"crypto/sha512"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
)

const (
	solanaBaseFee      = 5000
	solanaComputeLimit = 200000
	evmGasPrice        = 1_000_000_000
	evmBaseGas         = 21000
)

// Simulate is the local simulator: it validates tx against the snapshot and
// fabricates a receipt in the chain's native shape without touching a node.
func Simulate(snap Snapshot, tx Transaction) (*Receipt, error) {
	if len(tx.Instructions) == 0 {
		return nil, errors.New("voyager: transaction has no instructions")
	}
	if snap.Chain == "evm" {
		return simulateEVM(snap, tx)
	}
	return simulateSolana(snap, tx)
}

type solanaTxJSON struct {
	Signatures []string          `json:"signatures"`
	Message    solanaMessageJSON `json:"message"`
}

type solanaMessageJSON struct {
	AccountKeys     []string       `json:"accountKeys"`
	RecentBlockhash string         `json:"recentBlockhash"`
	Instructions    []solanaIxJSON `json:"instructions"`
}

type solanaIxJSON struct {
	ProgramIDIndex int    `json:"programIdIndex"`
	Accounts       []int  `json:"accounts"`
	Data           string `json:"data"`
	StackHeight    *int   `json:"stackHeight"`
}

type solanaMetaJSON struct {
	Err                  any      `json:"err"`
	Status               any      `json:"status"`
	Fee                  uint64   `json:"fee"`
	LogMessages          []string `json:"logMessages"`
	InnerInstructions    []any    `json:"innerInstructions"`
	ComputeUnitsConsumed uint64   `json:"computeUnitsConsumed"`
}

type solanaReceiptJSON struct {
	Slot        uint64         `json:"slot"`
	Transaction solanaTxJSON   `json:"transaction"`
	Meta        solanaMetaJSON `json:"meta"`
}

func validSolanaKey(key string) error {
	raw, err := base58.Decode(key)
	if err != nil {
		return fmt.Errorf("voyager: %q is not base58: %w", key, err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("voyager: %q decodes to %d bytes, want 32", key, len(raw))
	}
	return nil
}

func simulateSolana(snap Snapshot, tx Transaction) (*Receipt, error) {
	if err := validSolanaKey(tx.FeePayer); err != nil {
		return nil, fmt.Errorf("fee payer: %w", err)
	}

	index := map[string]int{}
	var keys []string
	add := func(k string) int {
		if i, ok := index[k]; ok {
			return i
		}
		index[k] = len(keys)
		keys = append(keys, k)
		return index[k]
	}
	add(tx.FeePayer)
	for _, ix := range tx.Instructions {
		for _, acc := range ix.Accounts {
			if err := validSolanaKey(acc); err != nil {
				return nil, fmt.Errorf("account: %w", err)
			}
			add(acc)
		}
	}

	digest := sha512.New()
	digest.Write([]byte(tx.FeePayer))
	digest.Write([]byte(tx.RecentBlockhash))

	var (
		ixs   []solanaIxJSON
		logs  []string
		total uint64
	)
	for _, ix := range tx.Instructions {
		if err := validSolanaKey(ix.ProgramID); err != nil {
			return nil, fmt.Errorf("program: %w", err)
		}
		entry := solanaIxJSON{ProgramIDIndex: add(ix.ProgramID), Accounts: []int{}, Data: base58.Encode(ix.Data)}
		for _, acc := range ix.Accounts {
			entry.Accounts = append(entry.Accounts, index[acc])
		}
		ixs = append(ixs, entry)

		units := uint64(150 + 10*len(ix.Data) + 25*len(ix.Accounts))
		total += units
		logs = append(logs,
			fmt.Sprintf("Program %s invoke [1]", ix.ProgramID),
			fmt.Sprintf("Program %s consumed %d of %d compute units", ix.ProgramID, units, solanaComputeLimit),
			fmt.Sprintf("Program %s success", ix.ProgramID),
		)
		digest.Write([]byte(ix.ProgramID))
		digest.Write(ix.Data)
	}

	meta := solanaMetaJSON{
		Err:                  nil,
		Status:               map[string]any{"Ok": nil},
		Fee:                  solanaBaseFee,
		LogMessages:          logs,
		InnerInstructions:    []any{},
		ComputeUnitsConsumed: total,
	}
	switch {
	case snap.LatestBlockhash != "" && tx.RecentBlockhash != snap.LatestBlockhash:
		meta.Err = "BlockhashNotFound"
		meta.LogMessages, meta.ComputeUnitsConsumed, meta.Fee = nil, 0, 0
	case insufficient(snap, tx.FeePayer, solanaBaseFee):
		meta.Err = "InsufficientFundsForFee"
		meta.LogMessages, meta.ComputeUnitsConsumed, meta.Fee = nil, 0, 0
	}
	if meta.Err != nil {
		meta.Status = map[string]any{"Err": meta.Err}
	}

	body, err := json.Marshal(solanaReceiptJSON{
		Slot: snap.Slot,
		Transaction: solanaTxJSON{
			Signatures: []string{base58.Encode(digest.Sum(nil))},
			Message: solanaMessageJSON{
				AccountKeys:     keys,
				RecentBlockhash: tx.RecentBlockhash,
				Instructions:    ixs,
			},
		},
		Meta: meta,
	})
	if err != nil {
		return nil, err
	}
	return &Receipt{Raw: body}, nil
}

func insufficient(snap Snapshot, payer string, fee uint64) bool {
	balance, tracked := snap.Balances[payer]
	return tracked && balance < fee
}

type evmLogJSON struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    hexutil.Bytes  `json:"data"`
}

type evmReceiptJSON struct {
	TransactionHash   common.Hash    `json:"transactionHash"`
	BlockNumber       hexutil.Uint64 `json:"blockNumber"`
	From              common.Address `json:"from"`
	To                common.Address `json:"to"`
	GasUsed           hexutil.Uint64 `json:"gasUsed"`
	EffectiveGasPrice hexutil.Uint64 `json:"effectiveGasPrice"`
	Status            hexutil.Uint64 `json:"status"`
	Logs              []evmLogJSON   `json:"logs"`
}

func simulateEVM(snap Snapshot, tx Transaction) (*Receipt, error) {
	if !common.IsHexAddress(tx.FeePayer) {
		return nil, fmt.Errorf("voyager: fee payer %q is not an address", tx.FeePayer)
	}
	receipt := evmReceiptJSON{
		BlockNumber:       hexutil.Uint64(snap.Slot),
		From:              common.HexToAddress(tx.FeePayer),
		EffectiveGasPrice: evmGasPrice,
		Status:            1,
		Logs:              []evmLogJSON{},
	}

	var preimage []byte
	gas := uint64(evmBaseGas)
	for i, ix := range tx.Instructions {
		if !common.IsHexAddress(ix.ProgramID) {
			return nil, fmt.Errorf("voyager: program %q is not an address", ix.ProgramID)
		}
		addr := common.HexToAddress(ix.ProgramID)
		if i == 0 {
			receipt.To = addr
		}
		receipt.Logs = append(receipt.Logs, evmLogJSON{
			Address: addr,
			Topics:  []common.Hash{crypto.Keccak256Hash(ix.Data)},
			Data:    append(hexutil.Bytes(nil), ix.Data...),
		})
		gas += 16*uint64(len(ix.Data)) + 375
		preimage = append(preimage, addr.Bytes()...)
		preimage = append(preimage, ix.Data...)
	}
	receipt.GasUsed = hexutil.Uint64(gas)
	receipt.TransactionHash = crypto.Keccak256Hash(receipt.From.Bytes(), preimage)
	if insufficient(snap, tx.FeePayer, gas*evmGasPrice) {
		receipt.Status = 0
		receipt.Logs = []evmLogJSON{}
	}

	body, err := json.Marshal(receipt)
	if err != nil {
		return nil, err
	}
	return &Receipt{Raw: body}, nil
}
