package ledger_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jmerrifield20/auditledger/internal/ledger"
)

func baseEntry() *ledger.Entry {
	return &ledger.Entry{
		ChainID:    "identity:u1",
		Seq:        7,
		PrevHash:   ledger.GenesisHash,
		Payload:    json.RawMessage(`{"type":"LOGIN"}`),
		Actor:      "auth",
		OccurredAt: time.Date(2026, 3, 1, 10, 0, 0, 123456000, time.UTC),
	}
}

func TestHashEntry_deterministic(t *testing.T) {
	h1, err := ledger.HashEntry(ledger.SHA256(), baseEntry())
	if err != nil {
		t.Fatal(err)
	}
	e := baseEntry()
	e.Payload = json.RawMessage(`{ "type" : "LOGIN" }`)
	e.OccurredAt = e.OccurredAt.In(time.FixedZone("CET", 3600))
	h2, err := ledger.HashEntry(ledger.SHA256(), e)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Error("hash must not depend on payload formatting or timestamp zone")
	}
}

func TestHashEntry_everyFieldMatters(t *testing.T) {
	base, _ := ledger.HashEntry(ledger.SHA256(), baseEntry())

	mutations := map[string]func(e *ledger.Entry){
		"chain_id":    func(e *ledger.Entry) { e.ChainID = "identity:u2" },
		"seq":         func(e *ledger.Entry) { e.Seq = 8 },
		"prev_hash":   func(e *ledger.Entry) { e.PrevHash = ledger.SHA256().Sum([]byte("x")) },
		"payload":     func(e *ledger.Entry) { e.Payload = json.RawMessage(`{"type":"LOGOUT"}`) },
		"actor":       func(e *ledger.Entry) { e.Actor = "" },
		"occurred_at": func(e *ledger.Entry) { e.OccurredAt = e.OccurredAt.Add(time.Microsecond) },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			e := baseEntry()
			mutate(e)
			h, err := ledger.HashEntry(ledger.SHA256(), e)
			if err != nil {
				t.Fatal(err)
			}
			if h == base {
				t.Errorf("changing %s did not change the hash", name)
			}
		})
	}
}

func TestHashEntry_fieldBoundariesAreUnambiguous(t *testing.T) {
	a := baseEntry()
	a.ChainID = "x\x1fy"
	a.Actor = ""
	b := baseEntry()
	b.ChainID = "x"
	b.Actor = "y"

	ha, _ := ledger.HashEntry(ledger.SHA256(), a)
	hb, _ := ledger.HashEntry(ledger.SHA256(), b)
	if ha == hb {
		t.Error("separator bytes inside a field must not collide with field boundaries")
	}
}

func TestHashEntry_ignoresStoredHash(t *testing.T) {
	e := baseEntry()
	h1, _ := ledger.HashEntry(ledger.SHA256(), e)
	e.Hash = "anything"
	h2, _ := ledger.HashEntry(ledger.SHA256(), e)
	if h1 != h2 {
		t.Error("the stored hash must not feed its own computation")
	}
}

func TestNewHasher(t *testing.T) {
	digests := map[string]string{}
	for _, name := range []string{"", ledger.HashSHA256, ledger.HashSHA3_256, ledger.HashBLAKE2b256} {
		h, err := ledger.NewHasher(name)
		if err != nil {
			t.Fatalf("NewHasher(%q): %v", name, err)
		}
		d := h.Sum([]byte("audit"))
		if len(d) != 64 {
			t.Errorf("%s digest should be 64 hex chars, got %d", h.Name(), len(d))
		}
		digests[h.Name()] = d
	}
	if len(digests) != 3 {
		t.Errorf("expected 3 distinct algorithms, got %v", digests)
	}

	if _, err := ledger.NewHasher("md5"); err == nil {
		t.Error("expected error for unknown algorithm")
	}
}

func TestHashEntry_rejectsInvalidUTF8(t *testing.T) {
	for _, mutate := range []func(e *ledger.Entry){
		func(e *ledger.Entry) { e.Actor = "\xff" },
		func(e *ledger.Entry) { e.Actor = "\xfe" },
		func(e *ledger.Entry) { e.PrevHash = "\xff" + ledger.GenesisHash[1:] },
	} {
		e := baseEntry()
		mutate(e)
		if _, err := ledger.HashEntry(ledger.SHA256(), e); !errors.Is(err, ledger.ErrInvalidField) {
			t.Errorf("expected ErrInvalidField, got %v", err)
		}
	}

	e := baseEntry()
	e.Payload = json.RawMessage("{\"type\":\"\xff\"}")
	var cerr *ledger.CanonicalizationError
	if _, err := ledger.HashEntry(ledger.SHA256(), e); !errors.As(err, &cerr) {
		t.Errorf("expected CanonicalizationError for payload, got %v", err)
	}
}
