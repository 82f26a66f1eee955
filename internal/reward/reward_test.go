package reward

import (
	"reflect"
	"testing"

	"ChainVoyager/internal/artifact"
	"ChainVoyager/internal/lookup"
	"ChainVoyager/internal/sandbox"
)

const (
	progA   = "JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4"
	progB   = "whirLbMiicVdio4qvUfM5KAg6Ct8VwpYzGff3uctyCc"
	progC   = "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"
	unknown = "11111111111111111111111111111111"
	evmAddr = "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"
)

func testLabeler(t *testing.T) *Labeler {
	t.Helper()
	table, err := lookup.FromMap(map[string]string{
		progA:   "Jupiter",
		progB:   "Orca",
		progC:   "Raydium",
		evmAddr: "Uniswap V2",
	})
	if err != nil {
		t.Fatalf("build table: %v", err)
	}
	l, err := NewLabeler(table)
	if err != nil {
		t.Fatalf("new labeler: %v", err)
	}
	return l
}

func txn(succeeded bool, programs ...string) *artifact.Artifact {
	ixs := make([]artifact.Instruction, len(programs))
	for i, p := range programs {
		ixs[i] = artifact.Instruction{ProgramID: p}
	}
	return artifact.New(ixs, succeeded, nil)
}

func seenSet(ids ...string) ProtocolSet {
	s := make(ProtocolSet)
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func TestLabelFailedOrMissingArtifact(t *testing.T) {
	l := testLabeler(t)
	for _, seen := range []ProtocolSet{nil, seenSet(), seenSet(progA)} {
		for _, a := range []*artifact.Artifact{nil, txn(false, progA, progB)} {
			got := l.Label(a, seen)
			if got.Bonus != 0 || len(got.NewProtocols) != 0 || len(got.Discoveries) != 0 {
				t.Fatalf("expected empty label, got %+v", got)
			}
		}
	}
}

func TestLabelCountsEveryUnseenProgram(t *testing.T) {
	got := testLabeler(t).Label(txn(true, progC, progA, progB), nil)
	if got.Bonus != 3 {
		t.Fatalf("bonus = %v, want 3", got.Bonus)
	}
	want := []string{progC, progA, progB}
	if !reflect.DeepEqual(got.NewProtocols, want) {
		t.Fatalf("new protocols = %v, want %v", got.NewProtocols, want)
	}
	if got.Discoveries[0].Project != "Raydium" {
		t.Fatalf("unexpected discovery %+v", got.Discoveries[0])
	}
}

func TestLabelRepeatedProgramCreditedOnce(t *testing.T) {
	got := testLabeler(t).Label(txn(true, progA, progA, progA), nil)
	if got.Bonus != 1 || len(got.NewProtocols) != 1 {
		t.Fatalf("repeated program: %+v", got)
	}

	got = testLabeler(t).Label(txn(true, progA, progB, progA), nil)
	if got.Bonus != 2 || !reflect.DeepEqual(got.NewProtocols, []string{progA, progB}) {
		t.Fatalf("interleaved programs: %+v", got)
	}
}

func TestLabelSkipsSeenAndUnknown(t *testing.T) {
	seen := seenSet(progA)
	got := testLabeler(t).Label(txn(true, unknown, progA, progB), seen)
	if got.Bonus != 1 || !reflect.DeepEqual(got.NewProtocols, []string{progB}) {
		t.Fatalf("unexpected label %+v", got)
	}
	if len(seen) != 1 || !seen.Has(progA) {
		t.Fatalf("seen set mutated: %v", seen)
	}
}

func TestLabelIsPure(t *testing.T) {
	l := testLabeler(t)
	a := txn(true, progB, progA)
	seen := seenSet(progC)
	first := l.Label(a, seen)
	second := l.Label(a, seen)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("label not idempotent: %+v vs %+v", first, second)
	}
}

func TestLabelEVMCaseInsensitive(t *testing.T) {
	l := testLabeler(t)
	lower := "0x7a250d5630b4cf539739df2c5dacb4c659f2488d"
	got := l.Label(txn(true, evmAddr, lower), seenSet())
	if got.Bonus != 1 || got.NewProtocols[0] != lower {
		t.Fatalf("checksummed and lower-case forms should match: %+v", got)
	}
	got = l.Label(txn(true, evmAddr), seenSet(lower))
	if got.Bonus != 0 {
		t.Fatalf("seen lower-case address credited again: %+v", got)
	}
}

func TestNewLabelerRejectsMissingTable(t *testing.T) {
	if _, err := NewLabeler(nil); err == nil {
		t.Fatal("expected error for nil resolver")
	}
	var table *lookup.Table
	if _, err := NewLabeler(table); err == nil {
		t.Fatal("expected error for nil table")
	}
	if _, err := NewEngine(nil); err == nil {
		t.Fatal("expected error for nil labeler")
	}
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(testLabeler(t))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func TestAttributeAddsBonus(t *testing.T) {
	res := sandbox.Result{OK: true, Reward: 0.25, DoneReason: "swapped", Artifact: txn(true, progA, progB)}
	got := testEngine(t).Attribute(res, NewState())
	if got.TotalReward != 2.25 || got.Bonus != 2 || got.BaseReward != 0.25 {
		t.Fatalf("unexpected attribution %+v", got)
	}
	if got.DoneReason != "swapped" {
		t.Fatalf("done reason = %q", got.DoneReason)
	}
}

func TestAttributeFailedResultEarnsNoBonus(t *testing.T) {
	res := sandbox.Result{OK: false, Error: "boom", Kind: sandbox.KindRuntimeError, Artifact: txn(true, progA)}
	got := testEngine(t).Attribute(res, nil)
	if got.TotalReward != 0 || got.Bonus != 0 || len(got.NewProtocols) != 0 {
		t.Fatalf("failed result credited: %+v", got)
	}
	if got.DoneReason != UnknownDoneReason {
		t.Fatalf("done reason = %q, want %q", got.DoneReason, UnknownDoneReason)
	}
}

func TestAttributeObservationWithoutArtifact(t *testing.T) {
	res := sandbox.Result{OK: true, Reward: 0.5, DoneReason: "observed"}
	got := testEngine(t).Attribute(res, NewState())
	if got.TotalReward != 0.5 || got.Bonus != 0 || len(got.Discoveries) != 0 {
		t.Fatalf("unexpected attribution %+v", got)
	}
}

func TestStateCommitAndReset(t *testing.T) {
	e := testEngine(t)
	state := NewState()
	res := sandbox.Result{OK: true, Reward: 1, Artifact: txn(true, progA)}

	first := e.Attribute(res, state)
	if len(state.ProtocolsSeen) != 0 || state.StepCount != 0 {
		t.Fatalf("attribute mutated state: %+v", state)
	}
	state.Commit(first)
	second := e.Attribute(res, state)
	state.Commit(second)

	if first.Bonus != 1 || second.Bonus != 0 {
		t.Fatalf("bonus should only be earned once per episode: %v then %v", first.Bonus, second.Bonus)
	}
	if state.StepCount != 2 || state.TotalReward != 3 || len(state.Discoveries) != 1 {
		t.Fatalf("unexpected state %+v", state)
	}
	if !reflect.DeepEqual(state.ProtocolsSeen.Sorted(), []string{progA}) {
		t.Fatalf("seen = %v", state.ProtocolsSeen.Sorted())
	}

	state.Reset()
	if state.StepCount != 0 || len(state.ProtocolsSeen) != 0 {
		t.Fatalf("reset left %+v", state)
	}
	if again := e.Attribute(res, state); again.Bonus != 1 {
		t.Fatalf("bonus after reset = %v", again.Bonus)
	}
}
