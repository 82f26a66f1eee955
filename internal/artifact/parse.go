package artifact

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	xerrors "ChainVoyager/internal/errors"
)

// Parse normalizes a raw receipt. Solana getTransaction results (json and
// jsonParsed encodings, optionally wrapped in a JSON-RPC envelope) and EVM
// transaction receipts are accepted; anything else is MALFORMED_RECEIPT.
func Parse(raw []byte) (*Artifact, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, malformed(errors.New("empty receipt"))
	}

	fields, err := object(raw)
	if err != nil {
		return nil, malformed(err)
	}
	if result, ok := fields["result"]; ok && !has(fields, "transaction") && !has(fields, "status") {
		if isNull(result) {
			return nil, malformed(errors.New("transaction not found"))
		}
		if fields, err = object(result); err != nil {
			return nil, malformed(err)
		}
	}

	var a *Artifact
	switch {
	case has(fields, "transaction"):
		a, err = parseSolana(fields)
	case has(fields, "transactionHash"), has(fields, "logsBloom"), has(fields, "status") && has(fields, "logs"):
		a, err = parseEVM(fields)
	default:
		return nil, malformed(errors.New("unrecognized receipt shape"))
	}
	if err != nil {
		return nil, malformed(err)
	}
	return a, nil
}

func malformed(err error) error {
	return xerrors.Wrap(xerrors.CodeMalformedReceipt, err, "")
}

func object(raw []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	if fields == nil {
		return nil, errors.New("receipt is null")
	}
	return fields, nil
}

func has(fields map[string]json.RawMessage, key string) bool {
	_, ok := fields[key]
	return ok
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// computeUnitsFromLogs sums "consumed N of M compute units" lines emitted by
// top-level programs. Nested invocations are already included in their
// parent's figure, so only depth-1 lines count.
func computeUnitsFromLogs(logs []string) uint64 {
	var (
		total uint64
		depth int
	)
	for _, line := range logs {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[0] != "Program" {
			continue
		}
		switch verb := fields[2]; {
		case verb == "invoke":
			if len(fields) >= 4 {
				if d, err := strconv.Atoi(strings.Trim(fields[3], "[]")); err == nil {
					depth = d
				}
			}
		case verb == "success" || strings.HasPrefix(verb, "failed"):
			if depth > 0 {
				depth--
			}
		case verb == "consumed":
			if depth > 1 || len(fields) < 4 {
				continue
			}
			if n, err := strconv.ParseUint(fields[3], 10, 64); err == nil {
				total += n
			}
		}
	}
	return total
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
