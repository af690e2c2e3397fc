package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// VerifyOptions bounds a verification. From defaults to 0 (genesis); To is
// inclusive and defaults to the current head.
type VerifyOptions struct {
	From uint64
	To   *uint64
}

// Report is the outcome of verifying a range of one chain. It carries no
// wall-clock data, so verifying unchanged data twice yields equal reports.
type Report struct {
	ChainID      string     `json:"chain_id"`
	Valid        bool       `json:"valid"`
	CheckedCount int        `json:"checked_count"`
	FirstBreakAt *uint64    `json:"first_break_at"`
	BreakKind    *BreakKind `json:"break_kind"`
	Detail       string     `json:"detail,omitempty"`
	FromSeq      uint64     `json:"from_seq"`
	ToSeq        *uint64    `json:"to_seq"`
	HeadHash     string     `json:"head_hash,omitempty"`
}

func (r *Report) fail(seq uint64, kind BreakKind, detail string) {
	r.Valid = false
	r.FirstBreakAt = &seq
	r.BreakKind = &kind
	r.Detail = detail
}

// Verify replays a range of chainID and checks, for every entry in order:
// that its seq follows the previous one (SEQUENCE_GAP), that its stored hash
// matches a recomputation over its fields (HASH_MISMATCH), and that its
// prev-hash equals the previous entry's hash, or GenesisHash at seq 0
// (LINK_MISMATCH). When the range ends at the head, the head itself must
// point at the last entry.
//
// Verify stops at the first break. A broken chain is not an error: the
// returned error is reserved for operational failures such as an unreachable
// store. Verify never writes.
func (l *Ledger) Verify(ctx context.Context, chainID string, opts VerifyOptions) (*Report, error) {
	if err := ValidateChainID(chainID); err != nil {
		return nil, err
	}

	report, err := l.verify(ctx, chainID, opts)
	if err != nil {
		return nil, err
	}

	if !report.Valid {
		l.logger.Warn("ledger integrity check failed",
			zap.String("chain_id", chainID),
			zap.Uint64("first_break_at", *report.FirstBreakAt),
			zap.String("break_kind", string(*report.BreakKind)),
			zap.String("detail", report.Detail),
		)
	}
	if l.observer.OnVerify != nil {
		l.observer.OnVerify(report)
	}
	return report, nil
}

func (l *Ledger) verify(ctx context.Context, chainID string, opts VerifyOptions) (*Report, error) {
	report := &Report{ChainID: chainID, Valid: true, FromSeq: opts.From}

	head, err := l.headOrNil(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("verify %q: %w", chainID, err)
	}
	if head == nil {
		// No head: there must be no entries either.
		orphans, err := l.store.Range(ctx, chainID, opts.From, maxSeq(opts.To), 1)
		if err != nil {
			return nil, fmt.Errorf("verify %q: %w", chainID, err)
		}
		if len(orphans) > 0 {
			report.fail(orphans[0].Seq, BreakLinkMismatch, "entries exist but the chain has no head")
		}
		return report, nil
	}

	report.HeadHash = head.LastHash
	to, toHead := head.LastSeq, true
	if opts.To != nil && *opts.To < to {
		to, toHead = *opts.To, false
	}
	report.ToSeq = &to
	if opts.From > to {
		return report, nil
	}

	expectedPrev := GenesisHash
	if opts.From > 0 {
		anchor, err := l.store.Entry(ctx, chainID, opts.From-1)
		if errors.Is(err, ErrEntryNotFound) {
			report.fail(opts.From-1, BreakSequenceGap, "entry preceding the range is missing")
			return report, nil
		}
		if err != nil {
			return nil, fmt.Errorf("verify %q: %w", chainID, err)
		}
		expectedPrev = anchor.Hash
	}

	next := opts.From
	var last *Entry
	for next <= to {
		page, err := l.store.Range(ctx, chainID, next, to, l.cfg.PageSize)
		if err != nil {
			return nil, fmt.Errorf("verify %q: %w", chainID, err)
		}
		if len(page) == 0 {
			break
		}

		for _, e := range page {
			if e.Seq != next {
				report.fail(next, BreakSequenceGap, fmt.Sprintf("expected seq %d, found %d", next, e.Seq))
				return report, nil
			}

			hash, err := HashEntry(l.hasher, e)
			if err != nil {
				report.fail(e.Seq, BreakHashMismatch, fmt.Sprintf("stored fields no longer hash: %v", err))
				return report, nil
			}
			if hash != e.Hash {
				report.fail(e.Seq, BreakHashMismatch, "stored hash does not match entry contents")
				return report, nil
			}
			if e.PrevHash != expectedPrev {
				report.fail(e.Seq, BreakLinkMismatch, "prev_hash does not match the preceding entry")
				return report, nil
			}

			report.CheckedCount++
			expectedPrev = e.Hash
			last = e
			if e.Seq == to {
				break
			}
			next++
		}
		if last != nil && last.Seq == to {
			break
		}
	}

	if last == nil || last.Seq != to {
		report.fail(next, BreakSequenceGap, "entries missing before the end of the range")
		return report, nil
	}
	if toHead && last.Hash != head.LastHash {
		report.fail(head.LastSeq, BreakLinkMismatch, "chain head does not match the last entry")
	}
	return report, nil
}

// VerifyAll verifies every chain known to the store from genesis to head.
func (l *Ledger) VerifyAll(ctx context.Context) ([]*Report, error) {
	heads, err := l.store.Chains(ctx)
	if err != nil {
		return nil, fmt.Errorf("list chains: %w", err)
	}

	reports := make([]*Report, 0, len(heads))
	for _, h := range heads {
		r, err := l.Verify(ctx, h.ChainID, VerifyOptions{})
		if err != nil {
			return reports, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

func maxSeq(to *uint64) uint64 {
	if to != nil {
		return *to
	}
	return ^uint64(0)
}
