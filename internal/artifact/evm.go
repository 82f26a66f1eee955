package artifact

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type evmReceipt struct {
	Status            *hexutil.Uint64 `json:"status"`
	TransactionHash   *common.Hash    `json:"transactionHash"`
	BlockNumber       *hexutil.Big    `json:"blockNumber"`
	GasUsed           *hexutil.Uint64 `json:"gasUsed"`
	EffectiveGasPrice *hexutil.Big    `json:"effectiveGasPrice"`
	From              *common.Address `json:"from"`
	To                *common.Address `json:"to"`
	ContractAddress   *common.Address `json:"contractAddress"`
	Logs              []evmLog        `json:"logs"`
}

type evmLog struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    hexutil.Bytes  `json:"data"`
}

// parseEVM maps a receipt onto the instruction model: the called contract is
// the top-level instruction and every emitted log becomes an inner
// instruction attributed to the emitting contract.
func parseEVM(fields map[string]json.RawMessage) (*Artifact, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	var r evmReceipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode evm receipt: %w", err)
	}

	a := &Artifact{chain: ChainEVM}
	if r.TransactionHash != nil {
		a.signature = r.TransactionHash.Hex()
	}
	if r.BlockNumber != nil && r.BlockNumber.ToInt().IsUint64() {
		a.slot = r.BlockNumber.ToInt().Uint64()
	}
	if r.GasUsed != nil {
		a.computeUnits = uint64(*r.GasUsed)
		if r.EffectiveGasPrice != nil {
			fee := new(big.Int).Mul(new(big.Int).SetUint64(uint64(*r.GasUsed)), r.EffectiveGasPrice.ToInt())
			if fee.IsUint64() {
				a.fee = fee.Uint64()
			}
		}
	}

	switch {
	case r.Status == nil:
		a.err = "no success signal"
	case *r.Status == 1:
		a.succeeded = true
	default:
		a.err = "execution reverted"
	}

	if r.From != nil {
		a.accountKeys = append(a.accountKeys, r.From.Hex())
	}
	target := r.To
	if target == nil {
		target = r.ContractAddress
	}
	if target != nil {
		a.accountKeys = append(a.accountKeys, target.Hex())
		a.instructions = append(a.instructions, Instruction{ProgramID: target.Hex(), Path: "0"})
	}

	depth, prefix := 1, "0."
	if target == nil {
		depth, prefix = 0, ""
	}
	for i, l := range r.Logs {
		ix := Instruction{
			ProgramID: l.Address.Hex(),
			Data:      append([]byte(nil), l.Data...),
			Depth:     depth,
			Path:      prefix + itoa(i),
		}
		for _, topic := range l.Topics {
			ix.Accounts = append(ix.Accounts, topic.Hex())
		}
		a.instructions = append(a.instructions, ix)
		a.logs = append(a.logs, fmt.Sprintf("log %d emitted by %s with %d topics", i, l.Address.Hex(), len(l.Topics)))
	}
	return a, nil
}
