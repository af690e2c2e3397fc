package ledger

import "context"

// Store is the durable backing of the ledger: one head row per chain plus the
// entries themselves. MemoryStore, PostgresStore and SQLiteStore implement it.
type Store interface {
	// Head returns the current head of chainID, or ErrChainNotFound if the
	// chain has no entries.
	Head(ctx context.Context, chainID string) (*ChainHead, error)

	// Commit atomically inserts entry and advances the head of
	// entry.ChainID to (entry.Seq, entry.Hash), but only if the current head
	// still matches expected. A nil expected means the chain must not exist
	// yet. If the head moved, Commit returns ErrHeadMoved and writes nothing.
	Commit(ctx context.Context, expected *ChainHead, entry *Entry) error

	// Range returns up to limit entries of chainID with from <= seq <= to,
	// ascending by seq. Missing seqs are simply absent from the result.
	Range(ctx context.Context, chainID string, from, to uint64, limit int) ([]*Entry, error)

	// Entry returns the entry at seq, or ErrEntryNotFound.
	Entry(ctx context.Context, chainID string, seq uint64) (*Entry, error)

	// Chains returns the heads of all non-empty chains ordered by chain ID.
	Chains(ctx context.Context) ([]*ChainHead, error)
}
