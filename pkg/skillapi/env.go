// Package skillapi is the capability surface handed to a running skill.
//
// Skills import it as "voyager" and receive a *voyager.Env. The set of
// operations is fixed and versioned by APIVersion; skills get no direct
// network or filesystem access.
package skillapi

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// APIVersion identifies the capability set exposed to skills.
const APIVersion = "1.0"

// SingleTransactionMarker appears in every error caused by a second
// transaction-producing call within one invocation.
const SingleTransactionMarker = "single-transaction violation"

const (
	maxWrites     = 64
	maxValueBytes = 4 << 10
	maxLogLines   = 256
	maxLogBytes   = 512
)

// SingleTransactionError is the text of ErrSingleTransaction.
const SingleTransactionError = "voyager: " + SingleTransactionMarker + ": SimulateTransaction may be called at most once per invocation"

// ErrSingleTransaction is returned by the second SimulateTransaction call.
var ErrSingleTransaction = errors.New(SingleTransactionError)

var errUnboundEnv = fmt.Errorf("%w (environment not issued by the runner)", ErrSingleTransaction)

// active is the invocation of the most recent NewEnv. A child process serves
// one invocation, so Envs a skill builds itself are charged to it.
var active atomic.Pointer[invocation]

// invocation holds the transaction budget shared by every copy of an Env.
type invocation struct {
	mu          sync.Mutex
	simulations int
	unbound     int
	receipt     *Receipt
}

func (inv *invocation) attempts() (int, int) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.simulations + inv.unbound, inv.unbound
}

// Snapshot is the chain context serialized by the parent and rebuilt into an
// Env inside the child process.
type Snapshot struct {
	Chain           string            `json:"chain"`
	AgentPubkey     string            `json:"agent_pubkey"`
	LatestBlockhash string            `json:"latest_blockhash"`
	Slot            uint64            `json:"slot"`
	Balances        map[string]uint64 `json:"balances,omitempty"`
	Data            map[string]string `json:"data,omitempty"`
}

// Instruction is one program call inside a skill-built transaction.
type Instruction struct {
	ProgramID string
	Accounts  []string
	Data      []byte
}

// Transaction is what a skill hands to SimulateTransaction.
type Transaction struct {
	FeePayer        string
	RecentBlockhash string
	Instructions    []Instruction
}

// Receipt carries a raw transaction receipt in one of the shapes the
// artifact parser understands. Skills may also construct one directly.
type Receipt struct {
	Raw []byte
}

// String returns the receipt JSON.
func (r *Receipt) String() string {
	if r == nil {
		return ""
	}
	return string(r.Raw)
}

// Simulator turns a transaction into a receipt.
type Simulator func(Snapshot, Transaction) (*Receipt, error)

// Option configures an Env.
type Option func(*Env)

// WithSimulator replaces the local simulator.
func WithSimulator(sim Simulator) Option {
	return func(e *Env) {
		if sim != nil {
			e.simulate = sim
		}
	}
}

// Env is owned by exactly one invocation. Only an Env returned by NewEnv can
// simulate; any other Env, including a zero value, is refused and the attempt
// counts as a violation of the current invocation.
type Env struct {
	snap     Snapshot
	simulate Simulator
	inv      *invocation

	mu          sync.Mutex
	writes      map[string]string
	logs        []string
	droppedLogs int
}

// NewEnv builds the context for one invocation and makes it the active one.
func NewEnv(snap Snapshot, opts ...Option) *Env {
	inv := &invocation{}
	active.Store(inv)
	e := &Env{
		snap:     cloneSnapshot(snap),
		simulate: Simulate,
		inv:      inv,
		writes:   make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func cloneSnapshot(s Snapshot) Snapshot {
	out := s
	out.Balances = make(map[string]uint64, len(s.Balances))
	for k, v := range s.Balances {
		out.Balances[k] = v
	}
	out.Data = make(map[string]string, len(s.Data))
	for k, v := range s.Data {
		out.Data[k] = v
	}
	return out
}

func (e *Env) APIVersion() string { return APIVersion }

func (e *Env) Chain() string { return e.snap.Chain }

func (e *Env) AgentPubkey() string { return e.snap.AgentPubkey }

func (e *Env) LatestBlockhash() string { return e.snap.LatestBlockhash }

func (e *Env) Slot() uint64 { return e.snap.Slot }

// Balance is the agent's own balance in the chain's base unit.
func (e *Env) Balance() uint64 { return e.snap.Balances[e.snap.AgentPubkey] }

// BalanceOf returns the snapshot balance of any tracked account.
func (e *Env) BalanceOf(account string) uint64 { return e.snap.Balances[account] }

// Accounts lists every account with a known balance.
func (e *Env) Accounts() []string {
	out := make([]string, 0, len(e.snap.Balances))
	for k := range e.snap.Balances {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SimulateTransaction builds the receipt for tx. Only the first call per
// invocation is honoured; later calls fail with ErrSingleTransaction.
func (e *Env) SimulateTransaction(tx Transaction) (*Receipt, error) {
	inv := e.inv
	if inv == nil {
		if cur := active.Load(); cur != nil {
			cur.mu.Lock()
			cur.unbound++
			cur.mu.Unlock()
		}
		return nil, errUnboundEnv
	}
	inv.mu.Lock()
	inv.simulations++
	if inv.simulations > 1 {
		inv.mu.Unlock()
		return nil, ErrSingleTransaction
	}
	inv.mu.Unlock()

	if tx.FeePayer == "" {
		tx.FeePayer = e.snap.AgentPubkey
	}
	if tx.RecentBlockhash == "" {
		tx.RecentBlockhash = e.snap.LatestBlockhash
	}
	simulate := e.simulate
	if simulate == nil {
		simulate = Simulate
	}
	receipt, err := simulate(e.snap, tx)
	if err != nil {
		return nil, err
	}

	inv.mu.Lock()
	inv.receipt = receipt
	inv.mu.Unlock()
	return receipt, nil
}

// Read returns a value written earlier in this invocation, falling back to
// the snapshot data supplied by the caller.
func (e *Env) Read(key string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.writes[key]; ok {
		return v, true
	}
	v, ok := e.snap.Data[key]
	return v, ok
}

// Write records a key/value pair that is reported back with the result.
func (e *Env) Write(key, value string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("voyager: empty write key")
	}
	if len(value) > maxValueBytes {
		return fmt.Errorf("voyager: value for %q exceeds %d bytes", key, maxValueBytes)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.writes == nil {
		e.writes = make(map[string]string)
	}
	if _, exists := e.writes[key]; !exists && len(e.writes) >= maxWrites {
		return fmt.Errorf("voyager: at most %d keys may be written", maxWrites)
	}
	e.writes[key] = value
	return nil
}

// Log appends a diagnostic line to the invocation log.
func (e *Env) Log(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if len(line) > maxLogBytes {
		line = line[:maxLogBytes]
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.logs) >= maxLogLines {
		e.droppedLogs++
		return
	}
	e.logs = append(e.logs, line)
}

// Simulations reports how many transaction-producing calls were attempted,
// counting refused calls on Envs not issued by NewEnv.
func (e *Env) Simulations() int {
	if e.inv == nil {
		return 0
	}
	n, _ := e.inv.attempts()
	return n
}

// Violated reports whether the single-transaction rule was broken, even if
// the skill swallowed the error.
func (e *Env) Violated() bool {
	if e.inv == nil {
		return false
	}
	n, unbound := e.inv.attempts()
	return n > 1 || unbound > 0
}

// LastReceipt is the receipt produced by the honoured SimulateTransaction call.
func (e *Env) LastReceipt() *Receipt {
	if e.inv == nil {
		return nil
	}
	e.inv.mu.Lock()
	defer e.inv.mu.Unlock()
	return e.inv.receipt
}

// Writes returns a copy of every recorded write.
func (e *Env) Writes() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.writes))
	for k, v := range e.writes {
		out[k] = v
	}
	return out
}

// Logs returns the invocation log, noting any dropped lines at the end.
func (e *Env) Logs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := append([]string(nil), e.logs...)
	if e.droppedLogs > 0 {
		out = append(out, fmt.Sprintf("... %d log lines dropped", e.droppedLogs))
	}
	return out
}
