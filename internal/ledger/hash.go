package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// fieldSeparator joins the fields of a hash preimage. No field encoding can
// produce it: strings are JSON-encoded (control bytes escaped), the payload is
// canonical JSON, and seq and timestamps are plain ASCII.
const fieldSeparator = 0x1f

// timestampLayout fixes occurred_at to microsecond precision, the finest
// precision every backing store round-trips exactly.
const timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// Supported hash algorithm names.
const (
	HashSHA256     = "sha256"
	HashSHA3_256   = "sha3-256"
	HashBLAKE2b256 = "blake2b-256"
)

// Hasher computes a fixed-width digest and returns it as lowercase hex.
type Hasher interface {
	Name() string
	Sum(data []byte) string
}

type sha256Hasher struct{}

func (sha256Hasher) Name() string { return HashSHA256 }
func (sha256Hasher) Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

type sha3Hasher struct{}

func (sha3Hasher) Name() string { return HashSHA3_256 }
func (sha3Hasher) Sum(data []byte) string {
	h := sha3.Sum256(data)
	return hex.EncodeToString(h[:])
}

type blake2bHasher struct{}

func (blake2bHasher) Name() string { return HashBLAKE2b256 }
func (blake2bHasher) Sum(data []byte) string {
	h := blake2b.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SHA256 returns the default Hasher.
func SHA256() Hasher { return sha256Hasher{} }

// NewHasher returns the Hasher registered under name. An empty name selects
// SHA-256.
func NewHasher(name string) (Hasher, error) {
	switch name {
	case "", HashSHA256:
		return sha256Hasher{}, nil
	case HashSHA3_256:
		return sha3Hasher{}, nil
	case HashBLAKE2b256:
		return blake2bHasher{}, nil
	}
	return nil, fmt.Errorf("unknown hash algorithm %q", name)
}

// HashEntry computes the digest of e over, in order: chain_id, seq,
// prev_hash, canonical(payload), actor and occurred_at. e.Hash is ignored.
func HashEntry(h Hasher, e *Entry) (string, error) {
	pre, err := preimage(e)
	if err != nil {
		return "", err
	}
	return h.Sum(pre), nil
}

func preimage(e *Entry) ([]byte, error) {
	for _, f := range [...]struct{ name, value string }{
		{"chain_id", e.ChainID},
		{"prev_hash", e.PrevHash},
		{"actor", e.Actor},
	} {
		if !utf8.ValidString(f.value) {
			return nil, fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidField, f.name)
		}
	}

	payload, err := Canonicalize(e.Payload)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	writeString(&buf, e.ChainID)
	buf.WriteByte(fieldSeparator)
	buf.WriteString(strconv.FormatUint(e.Seq, 10))
	buf.WriteByte(fieldSeparator)
	writeString(&buf, e.PrevHash)
	buf.WriteByte(fieldSeparator)
	buf.Write(payload)
	buf.WriteByte(fieldSeparator)
	writeString(&buf, e.Actor)
	buf.WriteByte(fieldSeparator)
	buf.WriteString(formatTimestamp(e.OccurredAt))
	return buf.Bytes(), nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(timestampLayout, s)
}
