package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/api/handler"
	"github.com/jmerrifield20/auditledger/internal/ledger"
)

func setupLedgerRouter(t *testing.T, store ledger.Store) (*gin.Engine, *ledger.Ledger) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if store == nil {
		store = ledger.NewMemoryStore()
	}
	l := ledger.New(store, ledger.Config{MaxAttempts: 2, BaseBackoff: 1, MaxBackoff: 1}, zap.NewNop())
	r := gin.New()
	h := handler.NewLedgerHandler(l, zap.NewNop())
	v1 := r.Group("/api/v1")
	h.Register(v1)
	return r, l
}

func do(t *testing.T, router *gin.Engine, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestAppend_201(t *testing.T) {
	router, _ := setupLedgerRouter(t, nil)

	w, resp := do(t, router, http.MethodPost, "/api/v1/chains/identity:u1/entries", map[string]any{
		"payload": map[string]any{"type": "LOGIN"},
		"actor":   "auth",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if resp["chain_id"] != "identity:u1" {
		t.Errorf("chain_id: got %v", resp["chain_id"])
	}
	if resp["seq"] != float64(0) {
		t.Errorf("seq: got %v, want 0", resp["seq"])
	}
	if resp["prev_hash"] != ledger.GenesisHash {
		t.Errorf("prev_hash: got %v", resp["prev_hash"])
	}
	if h, _ := resp["hash"].(string); len(h) != 64 {
		t.Errorf("hash: got %v", resp["hash"])
	}

	w, resp = do(t, router, http.MethodPost, "/api/v1/chains/identity:u1/entries", map[string]any{
		"payload": map[string]any{"type": "LOGOUT"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if resp["seq"] != float64(1) {
		t.Errorf("seq: got %v, want 1", resp["seq"])
	}
}

func TestAppend_400(t *testing.T) {
	router, l := setupLedgerRouter(t, nil)

	tests := []struct {
		name string
		path string
		body any
	}{
		{"malformed body", "/api/v1/chains/identity:u1/entries", `{"payload":`},
		{"array payload", "/api/v1/chains/identity:u1/entries", map[string]any{"payload": []int{1}}},
		{"invalid chain id", "/api/v1/chains/:no-namespace/entries", map[string]any{"payload": map[string]any{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := do(t, router, http.MethodPost, tt.path, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}

	heads, _ := l.Chains(context.Background())
	if len(heads) != 0 {
		t.Errorf("rejected appends must not create chains, got %d", len(heads))
	}
}

type unavailableStore struct{ *ledger.MemoryStore }

func (unavailableStore) Head(context.Context, string) (*ledger.ChainHead, error) {
	return nil, ledger.ErrStorageUnavailable
}

type conflictStore struct{ *ledger.MemoryStore }

func (conflictStore) Commit(context.Context, *ledger.ChainHead, *ledger.Entry) error {
	return ledger.ErrHeadMoved
}

type brokenStore struct{ *ledger.MemoryStore }

func (brokenStore) Chains(context.Context) ([]*ledger.ChainHead, error) {
	return nil, errors.New("disk on fire")
}

func TestAppend_errorMapping(t *testing.T) {
	tests := []struct {
		name  string
		store ledger.Store
		want  int
	}{
		{"storage unavailable", unavailableStore{ledger.NewMemoryStore()}, http.StatusServiceUnavailable},
		{"conflict exhausted", conflictStore{ledger.NewMemoryStore()}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _ := setupLedgerRouter(t, tt.store)
			w, _ := do(t, router, http.MethodPost, "/api/v1/chains/a:b/entries", map[string]any{"payload": map[string]any{}})
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
			if w.Header().Get("Retry-After") == "" {
				t.Error("expected Retry-After header")
			}
		})
	}
}

func TestListChains_500(t *testing.T) {
	router, _ := setupLedgerRouter(t, brokenStore{ledger.NewMemoryStore()})
	w, resp := do(t, router, http.MethodGet, "/api/v1/chains", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if resp["error"] != "internal error" {
		t.Errorf("internal details must not leak: %v", resp["error"])
	}
}

func TestHead(t *testing.T) {
	router, l := setupLedgerRouter(t, nil)

	w, resp := do(t, router, http.MethodGet, "/api/v1/chains/identity:u1/head", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp["empty"] != true {
		t.Errorf("expected empty=true for a new chain, got %v", resp)
	}

	e, err := l.Append(context.Background(), "identity:u1", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	w, resp = do(t, router, http.MethodGet, "/api/v1/chains/identity:u1/head", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp["last_hash"] != e.Hash || resp["last_seq"] != float64(0) {
		t.Errorf("unexpected head: %v", resp)
	}
}

func TestReadEntries(t *testing.T) {
	router, l := setupLedgerRouter(t, nil)
	for i := 0; i < 5; i++ {
		if _, err := l.Append(context.Background(), "global:all", map[string]int{"i": i}, ""); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		query string
		want  []float64
	}{
		{"", []float64{0, 1, 2, 3, 4}},
		{"?from=2", []float64{2, 3, 4}},
		{"?from=1&to=2", []float64{1, 2}},
		{"?limit=2", []float64{0, 1}},
		{"?from=9", nil},
		{"?to=100", []float64{0, 1, 2, 3, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w, resp := do(t, router, http.MethodGet, "/api/v1/chains/global:all/entries"+tt.query, nil)
			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
			}
			entries, ok := resp["entries"].([]any)
			if !ok {
				t.Fatalf("entries must be an array, got %T", resp["entries"])
			}
			if len(entries) != len(tt.want) {
				t.Fatalf("got %d entries, want %d", len(entries), len(tt.want))
			}
			for i, e := range entries {
				if seq := e.(map[string]any)["seq"]; seq != tt.want[i] {
					t.Errorf("entry %d: seq %v, want %v", i, seq, tt.want[i])
				}
			}
		})
	}
}

func TestReadEntries_400(t *testing.T) {
	router, _ := setupLedgerRouter(t, nil)
	for _, q := range []string{"?from=-1", "?to=x", "?limit=0", "?limit=abc"} {
		w, _ := do(t, router, http.MethodGet, "/api/v1/chains/a:b/entries"+q, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, w.Code)
		}
	}
}

type gapStore struct {
	*ledger.MemoryStore
	missing uint64
}

func (s gapStore) Range(ctx context.Context, chainID string, from, to uint64, limit int) ([]*ledger.Entry, error) {
	all, err := s.MemoryStore.Range(ctx, chainID, from, to, 0)
	if err != nil {
		return nil, err
	}
	var out []*ledger.Entry
	for _, e := range all {
		if e.Seq == s.missing {
			continue
		}
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

func TestReadEntries_gap409(t *testing.T) {
	router, l := setupLedgerRouter(t, gapStore{MemoryStore: ledger.NewMemoryStore(), missing: 2})
	for i := 0; i < 4; i++ {
		if _, err := l.Append(context.Background(), "a:b", nil, ""); err != nil {
			t.Fatal(err)
		}
	}

	w, resp := do(t, router, http.MethodGet, "/api/v1/chains/a:b/entries", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	if resp["seq"] != float64(2) {
		t.Errorf("seq: got %v, want 2", resp["seq"])
	}
}

func TestVerify_200(t *testing.T) {
	router, l := setupLedgerRouter(t, gapStore{MemoryStore: ledger.NewMemoryStore(), missing: 3})
	for i := 0; i < 5; i++ {
		if _, err := l.Append(context.Background(), "a:b", nil, ""); err != nil {
			t.Fatal(err)
		}
	}

	w, resp := do(t, router, http.MethodGet, "/api/v1/chains/a:b/verify?to=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp["valid"] != true || resp["checked_count"] != float64(3) {
		t.Errorf("unexpected report: %v", resp)
	}

	w, resp = do(t, router, http.MethodGet, "/api/v1/chains/a:b/verify", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("a broken chain is still a 200, got %d", w.Code)
	}
	if resp["valid"] != false || resp["break_kind"] != string(ledger.BreakSequenceGap) || resp["first_break_at"] != float64(3) {
		t.Errorf("unexpected report: %v", resp)
	}
}

func TestListChains(t *testing.T) {
	router, l := setupLedgerRouter(t, nil)

	w, resp := do(t, router, http.MethodGet, "/api/v1/chains", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if chains, ok := resp["chains"].([]any); !ok || len(chains) != 0 {
		t.Errorf("expected empty chains array, got %v", resp["chains"])
	}

	for _, id := range []string{"b:1", "a:1"} {
		if _, err := l.Append(context.Background(), id, nil, ""); err != nil {
			t.Fatal(err)
		}
	}
	_, resp = do(t, router, http.MethodGet, "/api/v1/chains", nil)
	chains := resp["chains"].([]any)
	if len(chains) != 2 || chains[0].(map[string]any)["chain_id"] != "a:1" {
		t.Errorf("unexpected chains: %v", chains)
	}
}
