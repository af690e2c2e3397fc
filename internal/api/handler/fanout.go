package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/fanout"
	"github.com/jmerrifield20/auditledger/internal/ledger"
)

// FanoutHandler records one event on several chains.
type FanoutHandler struct {
	recorder *fanout.Recorder
	logger   *zap.Logger
}

// NewFanoutHandler creates a new FanoutHandler.
func NewFanoutHandler(rec *fanout.Recorder, logger *zap.Logger) *FanoutHandler {
	return &FanoutHandler{recorder: rec, logger: logger}
}

// Register mounts the fan-out routes on the given router group.
func (h *FanoutHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/events", h.Record)
}

type recordRequest struct {
	Chains  []string        `json:"chains"  binding:"required,min=1"`
	Payload json.RawMessage `json:"payload"`
	Actor   string          `json:"actor"`
}

// Record handles POST /events. It answers 201 when every leg committed and
// 202 when some legs were queued for reconciliation.
func (h *FanoutHandler) Record(c *gin.Context) {
	var req recordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	res, err := h.recorder.Record(c.Request.Context(), fanout.Event{
		Chains:  req.Chains,
		Payload: req.Payload,
		Actor:   req.Actor,
	})
	if err != nil {
		if ledger.IsClientError(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("fanout record", zap.Error(err))
		body := gin.H{"error": "internal error"}
		if res != nil {
			body["correlation_id"] = res.CorrelationID
			body["entries"] = res.Entries
		}
		c.JSON(http.StatusInternalServerError, body)
		return
	}

	status := http.StatusCreated
	if !res.Complete() {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{
		"correlation_id": res.CorrelationID,
		"entries":        res.Entries,
		"pending":        res.Pending,
	})
}
