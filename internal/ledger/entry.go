package ledger

import (
	"encoding/json"
	"time"
)

// GenesisHash is the reserved prev-hash of the first entry (seq 0) of every
// chain. It has the width of a digest but is never the output of a Hasher.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is a single immutable record in a chain.
type Entry struct {
	ChainID    string          `json:"chain_id"`
	Seq        uint64          `json:"seq"`
	PrevHash   string          `json:"prev_hash"`
	Hash       string          `json:"hash"`
	Payload    json.RawMessage `json:"payload"` // canonical JSON object
	Actor      string          `json:"actor,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Payload = append(json.RawMessage(nil), e.Payload...)
	return &c
}

// ChainHead is the tail of a chain: the seq and hash of its last entry.
type ChainHead struct {
	ChainID   string    `json:"chain_id"`
	LastSeq   uint64    `json:"last_seq"`
	LastHash  string    `json:"last_hash"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Matches reports whether h and other describe the same tail. Two nil heads
// (empty chains) match.
func (h *ChainHead) Matches(other *ChainHead) bool {
	if h == nil || other == nil {
		return h == nil && other == nil
	}
	return h.LastSeq == other.LastSeq && h.LastHash == other.LastHash
}

// next returns the seq and prev-hash the next entry after h must carry.
func (h *ChainHead) next() (uint64, string) {
	if h == nil {
		return 0, GenesisHash
	}
	return h.LastSeq + 1, h.LastHash
}
