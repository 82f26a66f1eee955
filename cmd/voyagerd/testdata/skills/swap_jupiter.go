package main

import (
	"fmt"

	"voyager"
)

const jupiter = "JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4"

// Execute routes a small swap through the Jupiter aggregator.
func Execute(env *voyager.Env) (float64, string, *voyager.Receipt, error) {
	if env.Balance() < 10_000 {
		return 0, "balance too low", nil, nil
	}
	tx := voyager.Transaction{Instructions: []voyager.Instruction{{
		ProgramID: jupiter,
		Accounts:  []string{env.AgentPubkey()},
		Data:      []byte{0xe5, 0x17, 0xcb, 0x97},
	}}}
	receipt, err := env.SimulateTransaction(tx)
	if err != nil {
		return 0, "simulation failed", nil, err
	}
	env.Log("swap simulated at slot %d", env.Slot())
	return 1, fmt.Sprintf("swapped via %s", jupiter[:4]), receipt, nil
}
