package main

import "voyager"

// Execute only reads the context; it earns no protocol bonus.
func Execute(env *voyager.Env) (float64, string, error) {
	env.Log("agent %s holds %d lamports", env.AgentPubkey(), env.Balance())
	if _, ok := env.Read("last_memo"); ok {
		return 0.5, "memo seen", nil
	}
	return 0.1, "balance inspected", nil
}
