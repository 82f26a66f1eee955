package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "ChainVoyager/internal/errors"
	"ChainVoyager/internal/explorer"
	"ChainVoyager/internal/sandbox/runner"
	"ChainVoyager/pkg/skillapi"
)

const (
	agentKey  = "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"
	jupiter   = "JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4"
	blockhash = "EkSnNWid2cvwEVnVx9aBqawnmiCNiDgp3gUdkDPTKN1N"
)

// The sandbox re-executes the current binary with "sandbox-run".
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == "sandbox-run" {
		os.Exit(runner.Main(os.Args[2:]))
	}
	os.Exit(m.Run())
}

const swapSkill = `package main

import "voyager"

func Execute(env *voyager.Env) (float64, string, *voyager.Receipt, error) {
	tx := voyager.Transaction{Instructions: []voyager.Instruction{{
		ProgramID: "` + jupiter + `",
		Accounts:  []string{env.AgentPubkey()},
		Data:      []byte{1},
	}}}
	receipt, err := env.SimulateTransaction(tx)
	if err != nil {
		return 0, "simulate failed", nil, err
	}
	return 1, "swapped", receipt, nil
}
`

type workspace struct {
	dir    string
	config string
}

func newWorkspace(t *testing.T) workspace {
	t.Helper()
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}
	write("program_ids.csv", "program_address,project_name\n"+jupiter+",Jupiter\n")
	write("chain.yaml", `chains:
  local:
    type: static
    static:
      family: solana
      latest_blockhash: `+blockhash+`
      slot: 42
      balances:
        `+agentKey+`: 1000000000
`)
	config := write("voyager.yaml", `log:
  level: warn
runtime:
  data_dir: data
lookup:
  path: program_ids.csv
chain:
  definitions: chain.yaml
  name: local
  agent: `+agentKey+`
events:
  driver: none
trajectory:
  driver: file
`)
	write("swap.go", swapSkill)
	return workspace{dir: dir, config: config}
}

func (w workspace) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", w.config}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSkillsAddListSearch(t *testing.T) {
	w := newWorkspace(t)

	out, err := w.run(t, "skills", "add", filepath.Join(w.dir, "swap.go"), "-d", "swap tokens through the jupiter aggregator")
	require.NoError(t, err)
	assert.Contains(t, out, "registered swap")

	_, err = w.run(t, "skills", "add", filepath.Join(w.dir, "swap.go"))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeConflict))

	out, err = w.run(t, "skills", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "- swap (indexed)")

	out, err = w.run(t, "--json", "skills", "search", "jupiter", "swap")
	require.NoError(t, err)
	var matches []struct {
		Ref         struct{ Name string }
		Description string
	}
	require.NoError(t, json.Unmarshal([]byte(out), &matches))
	require.Len(t, matches, 1)
	assert.Equal(t, "swap", matches[0].Ref.Name)
}

func TestExecAttributesReward(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns the sandbox runner")
	}
	w := newWorkspace(t)
	out, err := w.run(t, "--json", "exec", filepath.Join(w.dir, "swap.go"))
	require.NoError(t, err, out)

	var view stepView
	require.NoError(t, json.Unmarshal([]byte(out), &view), out)
	assert.True(t, view.OK, view.Error)
	assert.True(t, view.Success)
	assert.False(t, view.Promoted)
	assert.Equal(t, 1.0, view.BaseReward)
	assert.Equal(t, 1.0, view.Bonus)
	assert.Equal(t, 2.0, view.TotalReward)
	assert.Equal(t, "swapped", view.DoneReason)
	assert.Equal(t, []string{jupiter}, view.NewProtocols)
	assert.Equal(t, []string{jupiter}, view.Programs)

	trajectory, err := os.ReadFile(filepath.Join(w.dir, "data", "trajectory.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(trajectory), `"skill":"swap"`)
}

func TestRunEpisodeOverLibrary(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns the sandbox runner")
	}
	w := newWorkspace(t)
	_, err := w.run(t, "skills", "add", filepath.Join(w.dir, "swap.go"))
	require.NoError(t, err)

	out, err := w.run(t, "--json", "run", "--steps", "2")
	require.NoError(t, err, out)

	var summaries []explorer.EpisodeSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summaries), out)
	require.Len(t, summaries, 1)
	s := summaries[0]
	assert.Equal(t, explorer.ReasonMaxSteps, s.Reason)
	assert.Equal(t, 2, s.Steps)
	assert.Equal(t, 3.0, s.TotalReward)
	assert.Equal(t, []string{jupiter}, s.ProtocolsSeen)
}

func TestLabelReceiptFile(t *testing.T) {
	w := newWorkspace(t)
	receipt, err := skillapi.Simulate(skillapi.Snapshot{
		Chain:           "solana",
		AgentPubkey:     agentKey,
		LatestBlockhash: blockhash,
	}, skillapi.Transaction{
		FeePayer:        agentKey,
		RecentBlockhash: blockhash,
		Instructions:    []skillapi.Instruction{{ProgramID: jupiter}, {ProgramID: jupiter}},
	})
	require.NoError(t, err)
	path := filepath.Join(w.dir, "receipt.json")
	require.NoError(t, os.WriteFile(path, receipt.Raw, 0o644))

	out, err := w.run(t, "--json", "label", "--file", path)
	require.NoError(t, err, out)
	var view labelView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.True(t, view.Succeeded)
	assert.Equal(t, []string{jupiter, jupiter}, view.Programs)
	assert.Equal(t, 1.0, view.Bonus)
	require.Len(t, view.Discoveries, 1)
	assert.Equal(t, "Jupiter", view.Discoveries[0].Project)

	_, err = w.run(t, "label")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestMissingLookupTableIsFatal(t *testing.T) {
	w := newWorkspace(t)
	require.NoError(t, os.Remove(filepath.Join(w.dir, "program_ids.csv")))
	_, err := w.run(t, "label", "--file", filepath.Join(w.dir, "swap.go"))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeMissingLookupTable))
}

func TestExampleSkills(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns the sandbox runner")
	}
	csv, err := filepath.Abs(filepath.Join("..", "..", "data", "program_ids.csv"))
	require.NoError(t, err)

	cases := []struct {
		file      string
		reward    float64
		protocols []string
	}{
		{"swap_jupiter.go", 2, []string{jupiter}},
		{"memo_with_budget.go", 3, []string{"ComputeBudget111111111111111111111111111111", "MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr"}},
		{"inspect_balance.go", 0.1, []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.file, func(t *testing.T) {
			w := newWorkspace(t)
			t.Setenv("VOYAGER_LOOKUP__PATH", csv)
			out, err := w.run(t, "--json", "exec", filepath.Join("testdata", "skills", tc.file))
			require.NoError(t, err, out)

			var view stepView
			require.NoError(t, json.Unmarshal([]byte(out), &view), out)
			require.True(t, view.OK, view.Error+view.Stderr)
			assert.InDelta(t, tc.reward, view.TotalReward, 1e-9)
			assert.Equal(t, tc.protocols, view.NewProtocols)
		})
	}
}
