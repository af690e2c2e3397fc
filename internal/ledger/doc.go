// Package ledger implements a tamper-evident, append-only audit ledger made of
// independent hash chains.
//
// Every chain is identified by a chain ID (for example "global" or
// "identity:u1"). The first entry of a chain (seq 0) links to the reserved
// GenesisHash; every later entry records the hash of its predecessor, so any
// edit, reorder or deletion is detectable with Verify.
//
// Appends are optimistic: the writer reads the chain head, builds the next
// entry and asks the Store to commit it only if the head has not moved in the
// meantime. Three Store implementations are provided:
//   - MemoryStore: in-process, for testing and development.
//   - PostgresStore: durable, for production use.
//   - SQLiteStore: durable, embedded single-node deployments.
package ledger
