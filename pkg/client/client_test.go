package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/api/handler"
	"github.com/jmerrifield20/auditledger/internal/fanout"
	"github.com/jmerrifield20/auditledger/internal/ledger"
	"github.com/jmerrifield20/auditledger/pkg/client"
)

// ── Test server ─────────────────────────────────────────────────────────

func newTestServer(t *testing.T) (*httptest.Server, *ledger.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := ledger.NewMemoryStore()
	l := ledger.New(store, ledger.Config{}, zap.NewNop())
	router := gin.New()
	v1 := router.Group("/api/v1")
	handler.NewLedgerHandler(l, zap.NewNop()).Register(v1)
	handler.NewFanoutHandler(fanout.NewRecorder(l, zap.NewNop()), zap.NewNop()).Register(v1)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, store
}

func u64(v uint64) *uint64 { return &v }

// ── Tests ────────────────────────────────────────────────────────────────

func TestNew_invalidURL(t *testing.T) {
	for _, raw := range []string{"", "localhost:8080", "://x"} {
		if _, err := client.New(raw); err == nil {
			t.Errorf("New(%q): expected error", raw)
		}
	}
}

func TestAppendHeadRead(t *testing.T) {
	srv, _ := newTestServer(t)
	c := client.MustNew(srv.URL)
	ctx := context.Background()

	h, err := c.Head(ctx, "identity:u1")
	if err != nil {
		t.Fatal(err)
	}
	if !h.Empty {
		t.Errorf("expected empty head, got %+v", h)
	}

	first, err := c.Append(ctx, "identity:u1", map[string]any{"type": "LOGIN"}, "auth")
	if err != nil {
		t.Fatal(err)
	}
	if first.Seq != 0 || first.PrevHash != ledger.GenesisHash {
		t.Errorf("unexpected genesis entry: %+v", first)
	}
	second, err := c.Append(ctx, "identity:u1", json.RawMessage(`{"type":"LOGOUT"}`), "auth")
	if err != nil {
		t.Fatal(err)
	}
	if second.Seq != 1 || second.PrevHash != first.Hash {
		t.Errorf("second entry does not link to the first: %+v", second)
	}

	h, err = c.Head(ctx, "identity:u1")
	if err != nil {
		t.Fatal(err)
	}
	if h.Empty || h.LastSeq != 1 || h.LastHash != second.Hash {
		t.Errorf("unexpected head: %+v", h)
	}

	entries, err := c.Read(ctx, "identity:u1", client.Range{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || string(entries[1].Payload) != `{"type":"LOGOUT"}` {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

func TestReadAll_pages(t *testing.T) {
	srv, _ := newTestServer(t)
	c := client.MustNew(srv.URL)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		if _, err := c.Append(ctx, "global", map[string]int{"i": i}, ""); err != nil {
			t.Fatal(err)
		}
	}

	all, err := c.ReadAll(ctx, "global", client.Range{Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 7 {
		t.Fatalf("got %d entries, want 7", len(all))
	}
	for i, e := range all {
		if e.Seq != uint64(i) {
			t.Errorf("entry %d has seq %d", i, e.Seq)
		}
	}

	bounded, err := c.ReadAll(ctx, "global", client.Range{From: 2, To: u64(4), Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(bounded) != 3 || bounded[0].Seq != 2 || bounded[2].Seq != 4 {
		t.Errorf("unexpected bounded read: %+v", bounded)
	}
}

func TestVerify(t *testing.T) {
	srv, _ := newTestServer(t)
	c := client.MustNew(srv.URL)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := c.Append(ctx, "a:b", nil, ""); err != nil {
			t.Fatal(err)
		}
	}
	rep, err := c.Verify(ctx, "a:b", client.Range{})
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Valid || rep.CheckedCount != 3 || rep.FirstBreakAt != nil {
		t.Errorf("unexpected report: %+v", rep)
	}
}

func TestChains(t *testing.T) {
	srv, _ := newTestServer(t)
	c := client.MustNew(srv.URL)
	ctx := context.Background()

	for _, id := range []string{"x:1", "global"} {
		if _, err := c.Append(ctx, id, nil, ""); err != nil {
			t.Fatal(err)
		}
	}
	heads, err := c.Chains(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(heads) != 2 || heads[0].ChainID != "global" || heads[1].ChainID != "x:1" {
		t.Errorf("unexpected chains: %+v", heads)
	}
}

func TestAPIError(t *testing.T) {
	srv, _ := newTestServer(t)
	c := client.MustNew(srv.URL)

	_, err := c.Append(context.Background(), ":bad", nil, "")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 APIError, got %v", err)
	}
	if client.IsConflict(err) || client.IsUnavailable(err) {
		t.Error("a 400 is neither a conflict nor unavailable")
	}
}

func TestAPIError_classification(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/chains/busy:1/entries", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"storage unavailable"}`))
	})
	mux.HandleFunc("/api/v1/chains/gap:1/entries", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"gap","seq":4}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := client.MustNew(srv.URL, client.WithBearerToken("t"))
	ctx := context.Background()

	if _, err := c.Read(ctx, "busy:1", client.Range{}); !client.IsUnavailable(err) {
		t.Errorf("expected unavailable, got %v", err)
	}

	_, err := c.Read(ctx, "gap:1", client.Range{})
	if !client.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var apiErr *client.APIError
	errors.As(err, &apiErr)
	if apiErr.Seq == nil || *apiErr.Seq != 4 {
		t.Errorf("expected gap seq 4, got %v", apiErr.Seq)
	}
}

func TestWithBearerToken(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.Write([]byte(`{"chains":[]}`))
	}))
	defer srv.Close()

	c := client.MustNew(srv.URL, client.WithBearerToken("secret"))
	if _, err := c.Chains(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got != "Bearer secret" {
		t.Errorf("Authorization: got %q", got)
	}
}

func TestRecordEvent(t *testing.T) {
	srv, _ := newTestServer(t)
	c := client.MustNew(srv.URL)
	ctx := context.Background()

	res, err := c.RecordEvent(ctx, []string{"identity:u1", "global"}, map[string]any{"type": "LOGIN"}, "auth")
	if err != nil {
		t.Fatal(err)
	}
	if res.CorrelationID == "" || len(res.Entries) != 2 || len(res.Pending) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !strings.Contains(string(res.Entries["global"].Payload), res.CorrelationID) {
		t.Error("payload must carry the correlation id")
	}
}
