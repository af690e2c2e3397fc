package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory, thread-safe Store implementation.
// It is primarily useful for testing and for single-process deployments
// that do not require durable persistence across restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	heads   map[string]*ChainHead
	entries map[string][]*Entry // ascending by seq
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		heads:   make(map[string]*ChainHead),
		entries: make(map[string][]*Entry),
	}
}

// Head implements Store.
func (s *MemoryStore) Head(_ context.Context, chainID string) (*ChainHead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.heads[chainID]
	if !ok {
		return nil, ErrChainNotFound
	}
	c := *h
	return &c, nil
}

// Commit implements Store.
func (s *MemoryStore) Commit(ctx context.Context, expected *ChainHead, entry *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.heads[entry.ChainID].Matches(expected) {
		return ErrHeadMoved
	}
	if want, _ := expected.next(); entry.Seq != want {
		return fmt.Errorf("commit seq %d after head %d: %w", entry.Seq, want, ErrHeadMoved)
	}

	s.entries[entry.ChainID] = append(s.entries[entry.ChainID], entry.Clone())
	s.heads[entry.ChainID] = &ChainHead{
		ChainID:   entry.ChainID,
		LastSeq:   entry.Seq,
		LastHash:  entry.Hash,
		UpdatedAt: entry.OccurredAt,
	}
	return nil
}

// Range implements Store.
func (s *MemoryStore) Range(_ context.Context, chainID string, from, to uint64, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.entries[chainID]
	i := sort.Search(len(chain), func(i int) bool { return chain[i].Seq >= from })

	var out []*Entry
	for ; i < len(chain) && chain[i].Seq <= to; i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, chain[i].Clone())
	}
	return out, nil
}

// Entry implements Store.
func (s *MemoryStore) Entry(_ context.Context, chainID string, seq uint64) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.entries[chainID]
	i := sort.Search(len(chain), func(i int) bool { return chain[i].Seq >= seq })
	if i == len(chain) || chain[i].Seq != seq {
		return nil, ErrEntryNotFound
	}
	return chain[i].Clone(), nil
}

// Chains implements Store.
func (s *MemoryStore) Chains(_ context.Context) ([]*ChainHead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ChainHead, 0, len(s.heads))
	for _, h := range s.heads {
		c := *h
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out, nil
}
