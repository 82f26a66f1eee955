// Package artifact normalizes raw transaction receipts into an ordered,
// immutable list of program invocations.
package artifact

import (
	"encoding/json"
	"math"
	"sort"
)

// Chain families understood by the parser.
const (
	ChainSolana = "solana"
	ChainEVM    = "evm"
)

// Instruction is one program invocation. Top-level instructions have Depth 0
// and Path "i"; inner invocations follow their parent with Path "i.j".
type Instruction struct {
	ProgramID string   `json:"program_id"`
	Data      []byte   `json:"data,omitempty"`
	Accounts  []string `json:"accounts,omitempty"`
	Depth     int      `json:"depth"`
	Path      string   `json:"path"`
}

func (ix Instruction) clone() Instruction {
	out := ix
	if ix.Data != nil {
		out.Data = append([]byte(nil), ix.Data...)
	}
	if ix.Accounts != nil {
		out.Accounts = append([]string(nil), ix.Accounts...)
	}
	return out
}

// Artifact is the normalized record of one transaction. Fields are private
// and every accessor returns a copy.
type Artifact struct {
	chain        string
	signature    string
	slot         uint64
	fee          uint64
	computeUnits uint64
	succeeded    bool
	err          string
	logs         []string
	accountKeys  []string
	instructions []Instruction
}

// New builds an artifact directly, for receipts fabricated in simulation or
// tests. Instructions without a Path are numbered as top-level entries.
func New(instructions []Instruction, succeeded bool, logs []string) *Artifact {
	a := &Artifact{
		chain:     ChainSolana,
		succeeded: succeeded,
		logs:      append([]string(nil), logs...),
	}
	for i, ix := range instructions {
		c := ix.clone()
		if c.Path == "" {
			c.Path = itoa(i)
		}
		a.instructions = append(a.instructions, c)
	}
	a.computeUnits = computeUnitsFromLogs(a.logs)
	return a
}

// Instructions returns every invocation in execution order.
func (a *Artifact) Instructions() []Instruction {
	if a == nil {
		return nil
	}
	out := make([]Instruction, len(a.instructions))
	for i, ix := range a.instructions {
		out[i] = ix.clone()
	}
	return out
}

// ProgramIDs lists the program of every instruction in order, repeats included.
func (a *Artifact) ProgramIDs() []string {
	if a == nil {
		return nil
	}
	ids := make([]string, len(a.instructions))
	for i, ix := range a.instructions {
		ids[i] = ix.ProgramID
	}
	return ids
}

func (a *Artifact) Succeeded() bool {
	return a != nil && a.succeeded
}

func (a *Artifact) Logs() []string {
	if a == nil {
		return nil
	}
	return append([]string(nil), a.logs...)
}

func (a *Artifact) AccountKeys() []string {
	if a == nil {
		return nil
	}
	return append([]string(nil), a.accountKeys...)
}

func (a *Artifact) Chain() string {
	if a == nil {
		return ""
	}
	return a.chain
}

func (a *Artifact) Signature() string {
	if a == nil {
		return ""
	}
	return a.signature
}

func (a *Artifact) Slot() uint64 {
	if a == nil {
		return 0
	}
	return a.slot
}

func (a *Artifact) Fee() uint64 {
	if a == nil {
		return 0
	}
	return a.fee
}

func (a *Artifact) ComputeUnits() uint64 {
	if a == nil {
		return 0
	}
	return a.computeUnits
}

// Err is the chain-reported failure detail, empty on success.
func (a *Artifact) Err() string {
	if a == nil {
		return ""
	}
	return a.err
}

// ComplexityScore rates how involved a transaction was: instructions,
// accounts, consumed compute and cross-program invocations all add weight.
func (a *Artifact) ComplexityScore() float64 {
	if a == nil {
		return 0
	}
	top := 0
	programs := make(map[string]struct{})
	score := 0.0
	for _, ix := range a.instructions {
		if ix.Depth == 0 {
			top++
		} else {
			score += 20
		}
		programs[ix.ProgramID] = struct{}{}
	}
	score += float64(top) * 10
	score += float64(len(a.accountKeys)) * 5
	score += math.Min(float64(a.computeUnits)/10000, 50)
	score += float64(len(programs)) * 15
	return math.Round(score*100) / 100
}

// UniquePrograms returns the distinct program identifiers in first-seen order.
func (a *Artifact) UniquePrograms() []string {
	if a == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(a.instructions))
	var out []string
	for _, ix := range a.instructions {
		if _, ok := seen[ix.ProgramID]; ok {
			continue
		}
		seen[ix.ProgramID] = struct{}{}
		out = append(out, ix.ProgramID)
	}
	return out
}

// SortedPrograms is UniquePrograms in lexical order.
func (a *Artifact) SortedPrograms() []string {
	out := a.UniquePrograms()
	sort.Strings(out)
	return out
}

type artifactJSON struct {
	Chain        string        `json:"chain"`
	Signature    string        `json:"signature,omitempty"`
	Slot         uint64        `json:"slot,omitempty"`
	Fee          uint64        `json:"fee,omitempty"`
	ComputeUnits uint64        `json:"compute_units,omitempty"`
	Succeeded    bool          `json:"succeeded"`
	Err          string        `json:"err,omitempty"`
	Logs         []string      `json:"logs,omitempty"`
	Instructions []Instruction `json:"instructions"`
}

// MarshalJSON renders the normalized view used by trajectory records.
func (a *Artifact) MarshalJSON() ([]byte, error) {
	if a == nil {
		return []byte("null"), nil
	}
	return json.Marshal(artifactJSON{
		Chain:        a.chain,
		Signature:    a.signature,
		Slot:         a.slot,
		Fee:          a.fee,
		ComputeUnits: a.computeUnits,
		Succeeded:    a.succeeded,
		Err:          a.err,
		Logs:         a.logs,
		Instructions: a.instructions,
	})
}
