// Package fanout records one logical event on several chains.
//
// Each leg is an independent, atomic Append: there is no cross-chain
// transaction. Every leg carries the same correlation_id in its payload so the
// legs can be joined later. Legs that fail for transient reasons are queued
// and retried by Reconciler, which first checks whether the leg was in fact
// committed before re-appending it.
package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jmerrifield20/auditledger/internal/ledger"
)

// CorrelationKey is the payload field that joins the legs of one event.
const CorrelationKey = "correlation_id"

// maxParallelLegs bounds concurrent appends per event.
const maxParallelLegs = 8

// Ledger is the subset of *ledger.Ledger used by fan-out.
type Ledger interface {
	Append(ctx context.Context, chainID string, payload any, actor string) (*ledger.Entry, error)
	Head(ctx context.Context, chainID string) (*ledger.ChainHead, error)
	Read(ctx context.Context, chainID string, opts ledger.ReadOptions) iter.Seq2[*ledger.Entry, error]
}

// Event is one logical occurrence to be recorded on every chain in Chains.
// Payload takes the same forms as ledger.Ledger.Append and must not carry
// its own correlation_id.
type Event struct {
	Chains  []string
	Payload any
	Actor   string
}

// Result reports the outcome of Record.
type Result struct {
	CorrelationID string
	Entries       map[string]*ledger.Entry // committed legs by chain ID
	Pending       []string                 // chains queued for reconciliation
}

// Complete reports whether every leg was committed.
func (r *Result) Complete() bool {
	return len(r.Pending) == 0
}

// Leg is a queued, not yet committed, part of a fan-out event.
type Leg struct {
	CorrelationID string
	ChainID       string
	Payload       json.RawMessage // canonical, correlation_id included
	Actor         string
	AfterSeq      *uint64 // head seq observed before the first attempt
	Attempts      int
	LastErr       error
	QueuedAt      time.Time
}

// Recorder appends events to several chains.
type Recorder struct {
	ledger Ledger
	mu     sync.Mutex
	queue  []*Leg
	logger *zap.Logger
}

// NewRecorder creates a new Recorder.
func NewRecorder(l Ledger, logger *zap.Logger) *Recorder {
	return &Recorder{ledger: l, logger: logger}
}

// Record appends ev to each of its chains concurrently. Invalid chain IDs and
// payloads are rejected before anything is written. Legs that fail with a
// retryable error are queued and listed in Result.Pending; the returned error
// is non-nil only if the event was rejected or a leg failed permanently.
func (r *Recorder) Record(ctx context.Context, ev Event) (*Result, error) {
	chains := dedupe(ev.Chains)
	if len(chains) == 0 {
		return nil, fmt.Errorf("%w: event has no chains", ledger.ErrInvalidChainID)
	}
	for _, id := range chains {
		if err := ledger.ValidateChainID(id); err != nil {
			return nil, err
		}
	}

	corrID := uuid.NewString()
	canonical, err := withCorrelation(ev.Payload, corrID)
	if err != nil {
		return nil, err
	}

	res := &Result{CorrelationID: corrID, Entries: make(map[string]*ledger.Entry, len(chains))}
	var mu sync.Mutex
	var permanent []error

	var g errgroup.Group
	g.SetLimit(maxParallelLegs)
	for _, chainID := range chains {
		g.Go(func() error {
			after := r.headSeq(ctx, chainID)
			entry, err := r.ledger.Append(ctx, chainID, canonical, ev.Actor)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.Entries[chainID] = entry
			case ledger.IsRetryable(err) || errors.Is(err, ledger.ErrAppendFailed) || ctx.Err() != nil:
				res.Pending = append(res.Pending, chainID)
				r.enqueue(&Leg{
					CorrelationID: corrID,
					ChainID:       chainID,
					Payload:       canonical,
					Actor:         ev.Actor,
					AfterSeq:      after,
					Attempts:      1,
					LastErr:       err,
					QueuedAt:      time.Now().UTC(),
				})
			default:
				permanent = append(permanent, fmt.Errorf("chain %q: %w", chainID, err))
			}
			return nil
		})
	}
	_ = g.Wait() // legs report through res and permanent

	slices.Sort(res.Pending)
	if len(res.Pending) > 0 {
		r.logger.Warn("fanout: legs queued for reconciliation",
			zap.String("correlation_id", corrID),
			zap.Strings("chains", res.Pending),
		)
	}
	if len(permanent) > 0 {
		return res, errors.Join(permanent...)
	}
	return res, nil
}

// withCorrelation stamps corrID into payload. Numbers keep their exact
// literal form.
func withCorrelation(payload any, corrID string) (json.RawMessage, error) {
	base, err := ledger.Canonicalize(payload)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(base))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, &ledger.CanonicalizationError{Path: "$", Reason: "malformed JSON", Err: err}
	}
	if _, ok := obj[CorrelationKey]; ok {
		return nil, &ledger.CanonicalizationError{Path: "$." + CorrelationKey, Reason: "reserved for fan-out"}
	}
	obj[CorrelationKey] = corrID
	return ledger.Canonicalize(obj)
}

// Pending returns a snapshot of the queued legs.
func (r *Recorder) Pending() []Leg {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Leg, len(r.queue))
	for i, l := range r.queue {
		out[i] = *l
	}
	return out
}

func (r *Recorder) enqueue(l *Leg) {
	r.mu.Lock()
	r.queue = append(r.queue, l)
	r.mu.Unlock()
}

// drain removes and returns all queued legs.
func (r *Recorder) drain() []*Leg {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.queue
	r.queue = nil
	return q
}

// headSeq returns the current head seq of chainID, or nil if the chain is
// empty or the head cannot be read.
func (r *Recorder) headSeq(ctx context.Context, chainID string) *uint64 {
	h, err := r.ledger.Head(ctx, chainID)
	if err != nil {
		return nil
	}
	seq := h.LastSeq
	return &seq
}

func dedupe(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
