package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/ledger"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// LedgerHandler exposes the audit ledger over HTTP.
type LedgerHandler struct {
	ledger *ledger.Ledger
	logger *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(l *ledger.Ledger, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: l, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/chains", h.ListChains)
	c := rg.Group("/chains/:chain")
	{
		c.POST("/entries", h.Append)
		c.GET("/entries", h.ReadEntries)
		c.GET("/head", h.Head)
		c.GET("/verify", h.Verify)
	}
}

type appendRequest struct {
	Payload json.RawMessage `json:"payload"`
	Actor   string          `json:"actor"`
}

// Append handles POST /chains/:chain/entries.
func (h *LedgerHandler) Append(c *gin.Context) {
	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	entry, err := h.ledger.Append(c.Request.Context(), c.Param("chain"), req.Payload, req.Actor)
	if err != nil {
		h.writeError(c, "append", err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// Head handles GET /chains/:chain/head. An empty chain is not an error.
func (h *LedgerHandler) Head(c *gin.Context) {
	chainID := c.Param("chain")
	head, err := h.ledger.Head(c.Request.Context(), chainID)
	if errors.Is(err, ledger.ErrChainNotFound) {
		c.JSON(http.StatusOK, gin.H{"chain_id": chainID, "empty": true})
		return
	}
	if err != nil {
		h.writeError(c, "head", err)
		return
	}
	c.JSON(http.StatusOK, head)
}

// ReadEntries handles GET /chains/:chain/entries?from=&to=&limit=.
func (h *LedgerHandler) ReadEntries(c *gin.Context) {
	from, to, ok := rangeParams(c)
	if !ok {
		return
	}
	limit := defaultPageLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxPageLimit)
	}

	entries := make([]*ledger.Entry, 0)
	for e, err := range h.ledger.Read(c.Request.Context(), c.Param("chain"), ledger.ReadOptions{From: from, To: to, Limit: limit}) {
		if err != nil {
			h.writeError(c, "read", err)
			return
		}
		entries = append(entries, e)
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// Verify handles GET /chains/:chain/verify?from=&to=. A broken chain is still
// a 200: the report is the answer.
func (h *LedgerHandler) Verify(c *gin.Context) {
	from, to, ok := rangeParams(c)
	if !ok {
		return
	}
	report, err := h.ledger.Verify(c.Request.Context(), c.Param("chain"), ledger.VerifyOptions{From: from, To: to})
	if err != nil {
		h.writeError(c, "verify", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// ListChains handles GET /chains.
func (h *LedgerHandler) ListChains(c *gin.Context) {
	heads, err := h.ledger.Chains(c.Request.Context())
	if err != nil {
		h.writeError(c, "list chains", err)
		return
	}
	if heads == nil {
		heads = []*ledger.ChainHead{}
	}
	c.JSON(http.StatusOK, gin.H{"chains": heads})
}

// rangeParams parses the optional from/to query parameters. On failure it has
// already written a 400.
func rangeParams(c *gin.Context) (uint64, *uint64, bool) {
	var from uint64
	if s := c.Query("from"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be a non-negative integer"})
			return 0, nil, false
		}
		from = n
	}
	var to *uint64
	if s := c.Query("to"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be a non-negative integer"})
			return 0, nil, false
		}
		to = &n
	}
	return from, to, true
}

// writeError maps ledger errors onto HTTP status codes.
func (h *LedgerHandler) writeError(c *gin.Context, op string, err error) {
	var gap *ledger.ChainGapError
	switch {
	case ledger.IsClientError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &gap):
		h.logger.Error("ledger integrity finding during "+op,
			zap.String("chain_id", gap.ChainID),
			zap.Uint64("seq", gap.Seq),
		)
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "seq": gap.Seq})
	case errors.Is(err, ledger.ErrChainConflict):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrStorageUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		h.logger.Warn("ledger "+op+" unavailable", zap.Error(err))
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
	default:
		h.logger.Error("ledger "+op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
