package sandbox

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportRoundTripThroughScanner(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteLoaded(&buf, "abc"))
	buf.WriteString("noise\n@@voyager:result:other {}\n")
	require.NoError(t, WriteReport(&buf, "abc", Report{Success: true, Reward: 0.5, TxReceipt: ReceiptJSON([]byte(`{"status":"0x1"}`))}))

	s := newStdoutScanner("abc", 1024)
	// Feed in small chunks to exercise partial lines.
	data := buf.Bytes()
	for len(data) > 0 {
		n := min(7, len(data))
		_, _ = s.Write(data[:n])
		data = data[n:]
	}
	s.flush()

	select {
	case <-s.loaded:
	default:
		t.Fatal("loaded marker not seen")
	}
	line, count := s.report()
	require.Equal(t, 1, count)
	var r Report
	require.NoError(t, json.Unmarshal([]byte(line), &r))
	assert.Equal(t, 0.5, r.Reward)
	assert.JSONEq(t, `{"status":"0x1"}`, string(receiptBytes(r.TxReceipt)))
	assert.Contains(t, s.debug.String(), "noise")
	assert.Contains(t, s.debug.String(), "@@voyager:result:other")
}

func TestReceiptJSONQuotesInvalidBytes(t *testing.T) {
	field := ReceiptJSON([]byte("not json"))
	assert.Equal(t, `"not json"`, string(field))
	assert.Equal(t, "not json", string(receiptBytes(field)))
	assert.Nil(t, ReceiptJSON(nil))
	assert.Nil(t, receiptBytes(json.RawMessage("null")))
}

func TestTailBufferKeepsEnd(t *testing.T) {
	b := newTailBuffer(8)
	_, _ = b.Write([]byte("0123456789abcdef"))
	assert.Equal(t, "[truncated]\n89abcdef", b.String())
}

func TestScannerDropsOversizedLine(t *testing.T) {
	s := newStdoutScanner("n", 64)
	_, _ = s.Write([]byte(strings.Repeat("x", maxReportLine+1)))
	_, _ = s.Write([]byte("\n"))
	_, count := s.report()
	assert.Zero(t, count)
	assert.Contains(t, s.debug.String(), "exceeded limit")
}

func TestImportPolicy(t *testing.T) {
	p := DefaultImportPolicy()
	assert.True(t, p.Permits("fmt"))
	assert.True(t, p.Permits(CapabilityImport))
	assert.False(t, p.Permits("os"))
	assert.False(t, p.Permits("os/exec"))
	assert.False(t, p.Permits("net/http"))
	assert.False(t, p.Permits("regexp"))

	custom := ImportPolicy{Allow: []string{"os", "fmt"}}.Merge(DefaultImportPolicy())
	assert.False(t, custom.Permits("os"), "deny wins over allow")
	assert.True(t, custom.Permits("fmt"))

	err := p.Check([]string{"fmt", "unsafe", "net"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[net unsafe]")
}

func TestSkillImports(t *testing.T) {
	imports, err := SkillImports("s.go", []byte("package main\n\nimport (\n\t\"fmt\"\n\tv \"voyager\"\n)\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"fmt", "voyager"}, imports)

	_, err = SkillImports("s.go", []byte("package lib\n"))
	assert.Error(t, err)
}

func TestResultErrCarriesCode(t *testing.T) {
	res := failure(KindTimeout, "")
	assert.Equal(t, TimedOut, res.Error)
	assert.ErrorContains(t, res.Err(), "TIMEOUT")
}
