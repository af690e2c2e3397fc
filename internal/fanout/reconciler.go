package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/ledger"
)

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	Interval    time.Duration // default 30s
	MaxAttempts int           // per leg, including the original attempt; default 10
}

// AbandonFunc is called for legs dropped after MaxAttempts.
type AbandonFunc func(ctx context.Context, leg Leg)

// Reconciler retries the queued legs of a Recorder.
type Reconciler struct {
	rec       *Recorder
	cfg       ReconcilerConfig
	onAbandon AbandonFunc
	onPending func(n int)
	logger    *zap.Logger
}

// NewReconciler creates a Reconciler draining rec.
func NewReconciler(rec *Recorder, cfg ReconcilerConfig, logger *zap.Logger) *Reconciler {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 10
	}
	return &Reconciler{rec: rec, cfg: cfg, logger: logger}
}

// SetAbandon configures the callback for abandoned legs.
func (rc *Reconciler) SetAbandon(fn AbandonFunc) {
	rc.onAbandon = fn
}

// SetPendingGauge configures a callback receiving the backlog after each pass.
func (rc *Reconciler) SetPendingGauge(fn func(n int)) {
	rc.onPending = fn
}

// Start runs reconciliation passes until ctx is done.
func (rc *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(rc.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rc.Reconcile(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Reconcile makes one pass over the queue and returns the number of legs
// that are now committed. A leg that turns out to be committed already (the
// original append succeeded but its response was lost) is not appended again.
func (rc *Reconciler) Reconcile(ctx context.Context) int {
	legs := rc.rec.drain()
	done := 0

	for i, leg := range legs {
		if ctx.Err() != nil {
			for _, rest := range legs[i:] {
				rc.rec.enqueue(rest)
			}
			break
		}

		committed, err := rc.alreadyCommitted(ctx, leg)
		if err == nil && committed {
			rc.logger.Info("fanout: leg found committed",
				zap.String("correlation_id", leg.CorrelationID),
				zap.String("chain_id", leg.ChainID),
			)
			done++
			continue
		}

		if err == nil {
			_, err = rc.rec.ledger.Append(ctx, leg.ChainID, leg.Payload, leg.Actor)
		}
		leg.Attempts++
		if err == nil {
			rc.logger.Info("fanout: leg reconciled",
				zap.String("correlation_id", leg.CorrelationID),
				zap.String("chain_id", leg.ChainID),
				zap.Int("attempts", leg.Attempts),
			)
			done++
			continue
		}

		leg.LastErr = err
		if ledger.IsClientError(err) || leg.Attempts >= rc.cfg.MaxAttempts {
			rc.logger.Error("fanout: leg abandoned",
				zap.String("correlation_id", leg.CorrelationID),
				zap.String("chain_id", leg.ChainID),
				zap.Int("attempts", leg.Attempts),
				zap.Error(err),
			)
			if rc.onAbandon != nil {
				rc.onAbandon(ctx, *leg)
			}
			continue
		}
		rc.rec.enqueue(leg)
	}

	if rc.onPending != nil {
		rc.onPending(len(rc.rec.Pending()))
	}
	return done
}

// Shutdown makes a final reconciliation pass and abandons every leg still
// queued afterwards, so no leg is dropped without reaching the abandon
// callback. It returns the number of abandoned legs. The queue lives in
// memory only; call Shutdown once Start has returned and no new events are
// being recorded.
func (rc *Reconciler) Shutdown(ctx context.Context) int {
	rc.Reconcile(ctx)

	legs := rc.rec.drain()
	for _, leg := range legs {
		rc.logger.Error("fanout: leg abandoned at shutdown",
			zap.String("correlation_id", leg.CorrelationID),
			zap.String("chain_id", leg.ChainID),
			zap.Int("attempts", leg.Attempts),
			zap.Error(leg.LastErr),
		)
		if rc.onAbandon != nil {
			rc.onAbandon(ctx, *leg)
		}
	}
	if rc.onPending != nil {
		rc.onPending(0)
	}
	return len(legs)
}

// alreadyCommitted scans the chain past the head observed before the first
// attempt for an entry carrying the leg's correlation ID.
func (rc *Reconciler) alreadyCommitted(ctx context.Context, leg *Leg) (bool, error) {
	opts := ledger.ReadOptions{}
	if leg.AfterSeq != nil {
		opts.From = *leg.AfterSeq + 1
	}

	for e, err := range rc.rec.ledger.Read(ctx, leg.ChainID, opts) {
		if err != nil {
			var gap *ledger.ChainGapError
			if errors.As(err, &gap) {
				// Integrity findings belong to the auditor; the leg cannot be
				// matched past a gap, so treat it as not committed.
				return false, nil
			}
			return false, err
		}
		var p struct {
			CorrelationID string `json:"correlation_id"`
		}
		if json.Unmarshal(e.Payload, &p) == nil && p.CorrelationID == leg.CorrelationID {
			return true, nil
		}
	}
	return false, nil
}
