package artifact

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

type solanaTransaction struct {
	Signatures []string      `json:"signatures"`
	Message    solanaMessage `json:"message"`
}

type solanaMessage struct {
	AccountKeys  []json.RawMessage   `json:"accountKeys"`
	Instructions []solanaInstruction `json:"instructions"`
}

type solanaInstruction struct {
	ProgramIDIndex *int              `json:"programIdIndex"`
	ProgramID      string            `json:"programId"`
	Accounts       []json.RawMessage `json:"accounts"`
	Data           *string           `json:"data"`
	StackHeight    *int              `json:"stackHeight"`
}

type solanaInnerSet struct {
	Index        int                 `json:"index"`
	Instructions []solanaInstruction `json:"instructions"`
}

type solanaLoadedAddresses struct {
	Writable []string `json:"writable"`
	Readonly []string `json:"readonly"`
}

type solanaMeta struct {
	Fee                  uint64                 `json:"fee"`
	LogMessages          []string               `json:"logMessages"`
	InnerInstructions    []solanaInnerSet       `json:"innerInstructions"`
	LoadedAddresses      *solanaLoadedAddresses `json:"loadedAddresses"`
	ComputeUnitsConsumed *uint64                `json:"computeUnitsConsumed"`
}

func parseSolana(fields map[string]json.RawMessage) (*Artifact, error) {
	a := &Artifact{chain: ChainSolana}

	if raw, ok := fields["slot"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &a.slot); err != nil {
			return nil, fmt.Errorf("decode slot: %w", err)
		}
	}

	txRaw := fields["transaction"]
	if isNull(txRaw) {
		return nil, errors.New("transaction is null")
	}
	if bytes.HasPrefix(bytes.TrimSpace(txRaw), []byte("[")) {
		return nil, errors.New("binary transaction encoding is not supported, request json or jsonParsed")
	}
	var tx solanaTransaction
	if err := json.Unmarshal(txRaw, &tx); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	if len(tx.Signatures) > 0 {
		a.signature = tx.Signatures[0]
	}

	keys, err := accountKeys(tx.Message.AccountKeys)
	if err != nil {
		return nil, err
	}

	var (
		meta       solanaMeta
		metaFields map[string]json.RawMessage
	)
	if raw, ok := fields["meta"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("decode meta: %w", err)
		}
		if metaFields, err = object(raw); err != nil {
			return nil, err
		}
	}
	if meta.LoadedAddresses != nil {
		keys = append(keys, meta.LoadedAddresses.Writable...)
		keys = append(keys, meta.LoadedAddresses.Readonly...)
	}
	a.accountKeys = keys
	a.fee = meta.Fee
	a.logs = append([]string(nil), meta.LogMessages...)
	a.succeeded, a.err = solanaOutcome(metaFields)

	inner := make(map[int][]solanaInstruction, len(meta.InnerInstructions))
	for _, set := range meta.InnerInstructions {
		if set.Index < 0 || set.Index >= len(tx.Message.Instructions) {
			return nil, fmt.Errorf("inner instructions reference instruction %d of %d", set.Index, len(tx.Message.Instructions))
		}
		inner[set.Index] = append(inner[set.Index], set.Instructions...)
	}

	for i, raw := range tx.Message.Instructions {
		ix, err := solanaInstructionOf(raw, keys, 0)
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
		ix.Path = itoa(i)
		a.instructions = append(a.instructions, ix)

		for j, rawInner := range inner[i] {
			depth := 1
			if rawInner.StackHeight != nil && *rawInner.StackHeight > 1 {
				depth = *rawInner.StackHeight - 1
			}
			child, err := solanaInstructionOf(rawInner, keys, depth)
			if err != nil {
				return nil, fmt.Errorf("inner instruction %d.%d: %w", i, j, err)
			}
			child.Path = itoa(i) + "." + itoa(j)
			a.instructions = append(a.instructions, child)
		}
	}

	if meta.ComputeUnitsConsumed != nil {
		a.computeUnits = *meta.ComputeUnitsConsumed
	} else {
		a.computeUnits = computeUnitsFromLogs(a.logs)
	}
	return a, nil
}

// accountKeys accepts plain base58 strings (json encoding) and
// {"pubkey": ...} objects (jsonParsed encoding).
func accountKeys(raw []json.RawMessage) ([]string, error) {
	keys := make([]string, 0, len(raw))
	for i, entry := range raw {
		var key string
		if err := json.Unmarshal(entry, &key); err != nil {
			var parsed struct {
				Pubkey string `json:"pubkey"`
			}
			if err := json.Unmarshal(entry, &parsed); err != nil || parsed.Pubkey == "" {
				return nil, fmt.Errorf("account key %d is neither a string nor an object with pubkey", i)
			}
			key = parsed.Pubkey
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func solanaInstructionOf(raw solanaInstruction, keys []string, depth int) (Instruction, error) {
	ix := Instruction{Depth: depth}
	switch {
	case raw.ProgramIDIndex != nil:
		idx := *raw.ProgramIDIndex
		if idx < 0 || idx >= len(keys) {
			return ix, fmt.Errorf("programIdIndex %d out of range (%d keys)", idx, len(keys))
		}
		ix.ProgramID = keys[idx]
	case raw.ProgramID != "":
		ix.ProgramID = raw.ProgramID
	default:
		return ix, errors.New("missing program id")
	}

	for _, entry := range raw.Accounts {
		var idx int
		if err := json.Unmarshal(entry, &idx); err == nil {
			if idx < 0 || idx >= len(keys) {
				return ix, fmt.Errorf("account index %d out of range (%d keys)", idx, len(keys))
			}
			ix.Accounts = append(ix.Accounts, keys[idx])
			continue
		}
		var key string
		if err := json.Unmarshal(entry, &key); err != nil {
			return ix, fmt.Errorf("account entry %s: %w", entry, err)
		}
		ix.Accounts = append(ix.Accounts, key)
	}

	// jsonParsed instructions carry "parsed" instead of data.
	if raw.Data != nil && *raw.Data != "" {
		data, err := base58.Decode(*raw.Data)
		if err != nil {
			return ix, fmt.Errorf("instruction data: %w", err)
		}
		ix.Data = data
	}
	return ix, nil
}

// solanaOutcome applies the conservative success rule: the transaction
// succeeded only when no error is reported and either status.Ok is present or
// err is explicitly null.
func solanaOutcome(meta map[string]json.RawMessage) (bool, string) {
	if meta == nil {
		return false, "receipt has no meta"
	}

	errRaw, hasErr := meta["err"]
	if hasErr && !isNull(errRaw) {
		return false, compact(errRaw)
	}

	statusOK := false
	if raw, ok := meta["status"]; ok && !isNull(raw) {
		var status map[string]json.RawMessage
		if err := json.Unmarshal(raw, &status); err != nil {
			return false, "unreadable status"
		}
		if e, ok := status["Err"]; ok && !isNull(e) {
			return false, compact(e)
		}
		_, statusOK = status["Ok"]
	}

	if statusOK || hasErr {
		return true, ""
	}
	return false, "no success signal"
}

func compact(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return strings.TrimSpace(string(raw))
	}
	return buf.String()
}
