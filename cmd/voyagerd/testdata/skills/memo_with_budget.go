package main

import "voyager"

const (
	computeBudget = "ComputeBudget111111111111111111111111111111"
	memo          = "MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr"
)

// Execute sets a compute unit limit and writes a memo in the same transaction.
func Execute(env *voyager.Env) (float64, string, *voyager.Receipt, error) {
	limit := []byte{2, 0x40, 0x0d, 0x03, 0x00}
	tx := voyager.Transaction{Instructions: []voyager.Instruction{
		{ProgramID: computeBudget, Data: limit},
		{ProgramID: memo, Accounts: []string{env.AgentPubkey()}, Data: []byte("voyager")},
	}}
	receipt, err := env.SimulateTransaction(tx)
	if err != nil {
		return 0, "memo failed", nil, err
	}
	if err := env.Write("last_memo", "voyager"); err != nil {
		return 0, "write failed", nil, err
	}
	return 1, "memo written", receipt, nil
}
