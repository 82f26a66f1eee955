// Package chain connects the explorer to a network. A Client produces the
// context snapshot handed to skills and fetches raw transaction receipts by
// signature. Solana nodes are reached over JSON-RPC, EVM nodes through
// go-ethereum's ethclient, and a static client serves fixed data for offline
// runs.
package chain
