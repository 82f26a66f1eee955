package sandbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Environment variables carrying per-invocation input to the child.
const (
	EnvNonce   = "VOYAGER_SANDBOX_NONCE"
	EnvContext = "VOYAGER_SANDBOX_CONTEXT"
)

const (
	markerPrefix  = "@@voyager:"
	markerLoaded  = "loaded"
	markerResult  = "result"
	maxReportLine = 4 << 20
)

// Report is the payload of the child's single result line.
type Report struct {
	Success    bool              `json:"success"`
	Reward     float64           `json:"reward"`
	DoneReason string            `json:"done_reason"`
	TxReceipt  json.RawMessage   `json:"tx_receipt,omitempty"`
	Error      string            `json:"error,omitempty"`
	ErrorKind  Kind              `json:"error_kind,omitempty"`
	Writes     map[string]string `json:"writes,omitempty"`
	Logs       []string          `json:"logs,omitempty"`
	APIVersion string            `json:"api_version,omitempty"`
}

// ReceiptJSON embeds raw as the tx_receipt field. Bytes that are not JSON are
// carried as a JSON string so the parent can still report them as malformed.
func ReceiptJSON(raw []byte) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return json.RawMessage(raw)
	}
	quoted, _ := json.Marshal(string(raw))
	return quoted
}

// receiptBytes undoes ReceiptJSON: a JSON string holding the receipt is
// unquoted, any other JSON value is returned as is.
func receiptBytes(field json.RawMessage) []byte {
	field = bytes.TrimSpace(field)
	if len(field) == 0 || bytes.Equal(field, []byte("null")) {
		return nil
	}
	if field[0] == '"' {
		var s string
		if err := json.Unmarshal(field, &s); err == nil {
			return []byte(s)
		}
	}
	return field
}

func markerFor(kind, nonce string) string {
	return markerPrefix + kind + ":" + nonce
}

// WriteLoaded announces the end of the compile phase.
func WriteLoaded(w io.Writer, nonce string) error {
	_, err := fmt.Fprintln(w, markerFor(markerLoaded, nonce))
	return err
}

// WriteReport emits the single result line.
func WriteReport(w io.Writer, nonce string, r Report) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s %s\n", markerFor(markerResult, nonce), payload)
	return err
}

// lineKind classifies one stdout line for the given nonce.
func lineKind(line, nonce string) (kind string, payload string) {
	if !strings.HasPrefix(line, markerPrefix) {
		return "", ""
	}
	if line == markerFor(markerLoaded, nonce) {
		return markerLoaded, ""
	}
	prefix := markerFor(markerResult, nonce) + " "
	if strings.HasPrefix(line, prefix) {
		return markerResult, line[len(prefix):]
	}
	return "", ""
}
