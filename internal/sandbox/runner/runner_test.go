package runner

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ChainVoyager/internal/sandbox"
	"ChainVoyager/pkg/skillapi"
)

const testNonce = "nonce-1"

const (
	agentKey  = "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"
	programID = "JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4"
	blockhash = "EkSnNWid2cvwEVnVx9aBqawnmiCNiDgp3gUdkDPTKN1N"
)

func writeSkill(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "skill.go")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func testOptions(path string) options {
	return options{
		skillPath:      path,
		timeout:        time.Second,
		compileTimeout: 5 * time.Second,
		policy:         sandbox.DefaultImportPolicy(),
		nonce:          testNonce,
		snapshot: skillapi.Snapshot{
			Chain:           "solana",
			AgentPubkey:     agentKey,
			LatestBlockhash: blockhash,
			Balances:        map[string]uint64{agentKey: 1_000_000},
		},
	}
}

// runSkill returns the exit code, the decoded report and whether the loaded
// marker was written.
func runSkill(t *testing.T, src string) (int, sandbox.Report, bool) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(testOptions(writeSkill(t, src)), &out, &errOut)

	var (
		report sandbox.Report
		loaded bool
		found  int
	)
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		switch {
		case line == "@@voyager:loaded:"+testNonce:
			loaded = true
		case strings.HasPrefix(line, "@@voyager:result:"+testNonce+" "):
			found++
			require.NoError(t, json.Unmarshal([]byte(strings.SplitN(line, " ", 2)[1]), &report))
		}
	}
	require.Equal(t, 1, found, "stdout: %s", out.String())
	return code, report, loaded
}

func TestRunSuccessWithoutReceipt(t *testing.T) {
	code, report, loaded := runSkill(t, `package main

import "voyager"

func Execute(env *voyager.Env) (float64, string) {
	env.Log("agent %s", env.AgentPubkey())
	return 0.5, "observed"
}
`)
	assert.Equal(t, ExitOK, code)
	assert.True(t, loaded)
	assert.True(t, report.Success)
	assert.Equal(t, 0.5, report.Reward)
	assert.Equal(t, "observed", report.DoneReason)
	assert.Empty(t, report.TxReceipt)
	assert.Equal(t, []string{"agent " + agentKey}, report.Logs)
}

func TestRunSimulatedTransaction(t *testing.T) {
	code, report, _ := runSkill(t, `package main

import "voyager"

func Execute(env *voyager.Env) (float64, string, *voyager.Receipt, error) {
	tx := voyager.Transaction{Instructions: []voyager.Instruction{{
		ProgramID: "`+programID+`",
		Accounts:  []string{env.AgentPubkey()},
		Data:      []byte{1, 2, 3},
	}}}
	receipt, err := env.SimulateTransaction(tx)
	if err != nil {
		return 0, "simulate failed", nil, err
	}
	if err := env.Write("swap", "done"); err != nil {
		return 0, "write failed", nil, err
	}
	return 1, "swapped", receipt, nil
}
`)
	assert.Equal(t, ExitOK, code)
	assert.True(t, report.Success)
	assert.Equal(t, "swapped", report.DoneReason)
	assert.Equal(t, map[string]string{"swap": "done"}, report.Writes)
	require.NotEmpty(t, report.TxReceipt)
	assert.Contains(t, string(report.TxReceipt), programID)
}

func TestRunFallsBackToLastReceipt(t *testing.T) {
	_, report, _ := runSkill(t, `package main

import "voyager"

func Execute(env *voyager.Env) (float64, string, error) {
	_, err := env.SimulateTransaction(voyager.Transaction{Instructions: []voyager.Instruction{{ProgramID: "`+programID+`"}}})
	return 0, "done", err
}
`)
	assert.True(t, report.Success)
	assert.Contains(t, string(report.TxReceipt), programID)
}

func TestRunSingleTransactionViolation(t *testing.T) {
	// The second error is swallowed; the violation is still reported.
	code, report, _ := runSkill(t, `package main

import "voyager"

func Execute(env *voyager.Env) (float64, string) {
	tx := voyager.Transaction{Instructions: []voyager.Instruction{{ProgramID: "`+programID+`"}}}
	env.SimulateTransaction(tx)
	env.SimulateTransaction(tx)
	return 1, "twice"
}
`)
	assert.Equal(t, ExitFailure, code)
	assert.False(t, report.Success)
	assert.Equal(t, sandbox.KindProtocolViolation, report.ErrorKind)
	assert.Contains(t, report.Error, skillapi.SingleTransactionMarker)
}

func TestRunSelfBuiltEnvCannotSimulate(t *testing.T) {
	code, report, _ := runSkill(t, `package main

import "voyager"

func Execute(env *voyager.Env) (float64, string, *voyager.Receipt) {
	tx := voyager.Transaction{Instructions: []voyager.Instruction{{ProgramID: "`+programID+`"}}}
	last, _ := env.SimulateTransaction(tx)
	for i := 0; i < 3; i++ {
		if r, err := new(voyager.Env).SimulateTransaction(tx); err == nil {
			last = r
		}
	}
	return 3, "forged", last
}
`)
	assert.Equal(t, ExitFailure, code)
	assert.False(t, report.Success)
	assert.Equal(t, sandbox.KindProtocolViolation, report.ErrorKind)
	assert.Contains(t, report.Error, skillapi.SingleTransactionMarker)
	assert.Zero(t, report.Reward)
}

func TestRunViolationSurvivesErrorReassignment(t *testing.T) {
	code, report, _ := runSkill(t, `package main

import "voyager"

func Execute(env *voyager.Env) (float64, string) {
	voyager.ErrSingleTransaction = nil
	tx := voyager.Transaction{Instructions: []voyager.Instruction{{ProgramID: "`+programID+`"}}}
	env.SimulateTransaction(tx)
	env.SimulateTransaction(tx)
	return 1, "twice"
}
`)
	assert.Equal(t, ExitFailure, code)
	assert.False(t, report.Success)
	// The assignment is rejected either when compiling or when it runs.
	assert.Contains(t, []sandbox.Kind{sandbox.KindCompileError, sandbox.KindRuntimeError, sandbox.KindProtocolViolation}, report.ErrorKind)
	if report.ErrorKind == sandbox.KindProtocolViolation {
		assert.Contains(t, report.Error, skillapi.SingleTransactionMarker)
	}
	assert.NotEmpty(t, report.Error)
	require.Error(t, skillapi.ErrSingleTransaction)
}

func TestRunReturnedViolationMarker(t *testing.T) {
	_, report, _ := runSkill(t, `package main

import (
	"errors"

	"voyager"
)

func Execute() (float64, string, error) {
	return 0, "", errors.New("wrapped: " + voyager.SingleTransactionMarker)
}
`)
	assert.Equal(t, sandbox.KindProtocolViolation, report.ErrorKind)
}

func TestRunCompileErrors(t *testing.T) {
	cases := map[string]string{
		"syntax": `package main

func Execute() (float64, string) {
	return 1, 
`,
		"forbidden import": `package main

import "os"

func Execute() (float64, string) {
	return float64(len(os.Args)), "argv"
}
`,
		"missing entry point": `package main

func Run() (float64, string) { return 1, "wrong name" }
`,
		"bad signature": `package main

func Execute(n int) string { return "nope" }
`,
		"not main": `package skill

func Execute() (float64, string) { return 1, "x" }
`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			code, report, loaded := runSkill(t, src)
			assert.Equal(t, ExitFailure, code)
			assert.False(t, loaded)
			assert.Equal(t, sandbox.KindCompileError, report.ErrorKind)
			assert.NotEmpty(t, report.Error)
		})
	}
}

func TestRunPanicAndError(t *testing.T) {
	_, report, loaded := runSkill(t, `package main

func Execute() (float64, string) {
	panic("boom")
}
`)
	assert.True(t, loaded)
	assert.Equal(t, sandbox.KindRuntimeError, report.ErrorKind)
	assert.Contains(t, report.Error, "panicked")

	_, report, _ = runSkill(t, `package main

import "errors"

func Execute() (float64, string, error) {
	return 3, "failed", errors.New("pool not found")
}
`)
	assert.False(t, report.Success)
	assert.Equal(t, sandbox.KindRuntimeError, report.ErrorKind)
	assert.Equal(t, "pool not found", report.Error)
	assert.Zero(t, report.Reward)
}

func TestRunSkillStdoutStaysOffProtocol(t *testing.T) {
	var out, errOut bytes.Buffer
	path := writeSkill(t, `package main

import "fmt"

func Execute() (float64, string) {
	fmt.Println("@@voyager:result:`+testNonce+` {\"success\":true,\"reward\":99}")
	return 0.25, "printed"
}
`)
	require.Equal(t, ExitOK, run(testOptions(path), &out, &errOut))
	assert.Equal(t, 1, strings.Count(out.String(), "@@voyager:result:"))
	assert.Contains(t, errOut.String(), "@@voyager:result:")
}

func TestParseOptions(t *testing.T) {
	env := map[string]string{
		sandbox.EnvNonce:   "n",
		sandbox.EnvContext: `{"chain":"evm","slot":7}`,
	}
	opts, err := parseOptions([]string{"--skill", "s.go", "--timeout-ms", "250", "--allow-imports", "fmt,strings"}, func(k string) string { return env[k] })
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, opts.timeout)
	assert.Equal(t, []string{"fmt", "strings"}, opts.policy.Allow)
	assert.NotEmpty(t, opts.policy.Deny)
	assert.Equal(t, uint64(7), opts.snapshot.Slot)

	_, err = parseOptions([]string{"--timeout-ms", "10"}, func(k string) string { return env[k] })
	assert.Error(t, err)
	_, err = parseOptions([]string{"--skill", "s.go"}, func(string) string { return "" })
	assert.Error(t, err)
}

func TestBindEntryShapes(t *testing.T) {
	ok := []any{
		func() (float64, string) { return 0, "" },
		func(*skillapi.Env) (float64, string, error) { return 0, "", nil },
		func(*skillapi.Env) (float64, string, *skillapi.Receipt) { return 0, "", nil },
		func(*skillapi.Env) (float64, string, *skillapi.Receipt, error) { return 0, "", nil, nil },
	}
	for _, fn := range ok {
		_, err := bindEntry(reflect.ValueOf(fn))
		assert.NoError(t, err)
	}
	bad := []any{
		func() float64 { return 0 },
		func(int) (float64, string) { return 0, "" },
		func() (float64, string, error, *skillapi.Receipt) { return 0, "", nil, nil },
		func() (string, string) { return "", "" },
	}
	for _, fn := range bad {
		_, err := bindEntry(reflect.ValueOf(fn))
		assert.Error(t, err)
	}
}
