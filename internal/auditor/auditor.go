// Package auditor periodically re-verifies every chain in the ledger and
// escalates integrity breaks to operators.
package auditor

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/alert"
	"github.com/jmerrifield20/auditledger/internal/ledger"
)

// Config holds auditor configuration.
type Config struct {
	Interval      time.Duration // time between sweeps, default 10m
	Timeout       time.Duration // per-sweep deadline, default Interval
	FailThreshold int           // consecutive broken sweeps before alerting, default 1
}

// Verifier verifies every chain. *ledger.Ledger implements it.
type Verifier interface {
	VerifyAll(ctx context.Context) ([]*ledger.Report, error)
}

// AlertFunc is an optional callback for escalating integrity transitions.
type AlertFunc func(ctx context.Context, eventType string, payload map[string]string)

// MetricsRecordFunc is an optional callback for recording sweep results.
type MetricsRecordFunc func(broken int, err error)

// Auditor runs periodic integrity sweeps.
type Auditor struct {
	verifier   Verifier
	cfg        Config
	mu         sync.Mutex
	failCounts map[string]int
	lastSweep  time.Time
	onAlert    AlertFunc
	onMetrics  MetricsRecordFunc
	logger     *zap.Logger
}

// New creates a new Auditor.
func New(verifier Verifier, cfg Config, logger *zap.Logger) *Auditor {
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = cfg.Interval
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 1
	}
	return &Auditor{
		verifier:   verifier,
		cfg:        cfg,
		failCounts: make(map[string]int),
		logger:     logger,
	}
}

// SetAlert configures the alert callback.
func (a *Auditor) SetAlert(fn AlertFunc) {
	a.onAlert = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (a *Auditor) SetMetricsRecord(fn MetricsRecordFunc) {
	a.onMetrics = fn
}

// Start runs the sweep loop until ctx is done.
func (a *Auditor) Start(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
			a.sweep(ctx, sweepCtx)
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs a single sweep and returns the broken reports.
func (a *Auditor) RunOnce(ctx context.Context) ([]*ledger.Report, error) {
	return a.sweep(ctx, ctx)
}

// sweep verifies all chains under sweepCtx; alerts are dispatched under
// alertCtx so they outlive the sweep deadline.
func (a *Auditor) sweep(alertCtx, sweepCtx context.Context) ([]*ledger.Report, error) {
	reports, err := a.verifier.VerifyAll(sweepCtx)
	if err != nil {
		a.logger.Error("auditor: sweep failed", zap.Error(err))
		if a.onMetrics != nil {
			a.onMetrics(0, err)
		}
		if a.onAlert != nil {
			a.onAlert(alertCtx, alert.EventAuditFailed, map[string]string{"error": err.Error()})
		}
		return nil, err
	}

	var broken []*ledger.Report
	for _, r := range reports {
		if !r.Valid {
			broken = append(broken, r)
		}
		a.record(alertCtx, r)
	}

	a.mu.Lock()
	a.lastSweep = time.Now().UTC()
	a.mu.Unlock()

	if a.onMetrics != nil {
		a.onMetrics(len(broken), nil)
	}
	a.logger.Info("auditor: sweep complete",
		zap.Int("chains", len(reports)),
		zap.Int("broken", len(broken)),
	)
	return broken, nil
}

// record updates the fail count of one chain and fires transition alerts.
func (a *Auditor) record(ctx context.Context, r *ledger.Report) {
	a.mu.Lock()
	prevCount := a.failCounts[r.ChainID]
	if r.Valid {
		delete(a.failCounts, r.ChainID)
	} else {
		a.failCounts[r.ChainID]++
	}
	count := a.failCounts[r.ChainID]
	a.mu.Unlock()

	switch {
	case r.Valid && prevCount >= a.cfg.FailThreshold:
		// Transition: broken → intact
		a.logger.Info("auditor: chain intact again", zap.String("chain_id", r.ChainID))
		if a.onAlert != nil {
			a.onAlert(ctx, alert.EventIntegrityRestored, map[string]string{"chain_id": r.ChainID})
		}
	case !r.Valid && count == a.cfg.FailThreshold:
		// Transition: intact → broken (exactly at threshold)
		a.logger.Error("auditor: chain integrity broken",
			zap.String("chain_id", r.ChainID),
			zap.Uint64("first_break_at", *r.FirstBreakAt),
			zap.String("break_kind", string(*r.BreakKind)),
		)
		if a.onAlert != nil {
			a.onAlert(ctx, alert.EventIntegrityBroken, map[string]string{
				"chain_id":       r.ChainID,
				"first_break_at": strconv.FormatUint(*r.FirstBreakAt, 10),
				"break_kind":     string(*r.BreakKind),
				"detail":         r.Detail,
			})
		}
	}
}

// Status is a snapshot of the auditor's view of the ledger.
type Status struct {
	LastSweep    time.Time `json:"last_sweep"`
	BrokenChains []string  `json:"broken_chains"`
}

// Status returns the chains currently considered broken, i.e. at or above
// the fail threshold.
func (a *Auditor) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := Status{LastSweep: a.lastSweep, BrokenChains: []string{}}
	for id, n := range a.failCounts {
		if n >= a.cfg.FailThreshold {
			st.BrokenChains = append(st.BrokenChains, id)
		}
	}
	slices.Sort(st.BrokenChains)
	return st
}
