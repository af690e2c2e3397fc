package ledger

import (
	"context"
	"iter"
)

// ReadOptions bounds a Read. From is inclusive; To is inclusive and defaults
// to the head at the time iteration starts. Limit caps the number of entries
// yielded; 0 means no cap.
type ReadOptions struct {
	From  uint64
	To    *uint64
	Limit int
}

// Read returns a lazy sequence of the entries of chainID in strictly
// increasing seq order, fetched from the store one page at a time.
//
// Ranges that start past the head, and empty chains, yield nothing. If a seq
// inside the range is missing the sequence yields a *ChainGapError and stops.
// Each call to the returned function re-reads the store, so the sequence can
// be restarted; committed entries never change, so it yields the same
// entries every time.
func (l *Ledger) Read(ctx context.Context, chainID string, opts ReadOptions) iter.Seq2[*Entry, error] {
	return func(yield func(*Entry, error) bool) {
		if err := ValidateChainID(chainID); err != nil {
			yield(nil, err)
			return
		}

		head, err := l.headOrNil(ctx, chainID)
		if err != nil {
			yield(nil, err)
			return
		}
		if head == nil {
			return
		}
		to := head.LastSeq
		if opts.To != nil && *opts.To < to {
			to = *opts.To
		}
		if opts.From > to {
			return
		}

		next := opts.From
		yielded := 0
		for {
			pageLimit := l.cfg.PageSize
			if opts.Limit > 0 && opts.Limit-yielded < pageLimit {
				pageLimit = opts.Limit - yielded
			}

			page, err := l.store.Range(ctx, chainID, next, to, pageLimit)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, e := range page {
				if e.Seq != next {
					yield(nil, &ChainGapError{ChainID: chainID, Seq: next})
					return
				}
				if !yield(e, nil) {
					return
				}
				yielded++
				if e.Seq == to || (opts.Limit > 0 && yielded >= opts.Limit) {
					return
				}
				next++
			}
			if len(page) < pageLimit {
				// The store ran out of rows before reaching to.
				yield(nil, &ChainGapError{ChainID: chainID, Seq: next})
				return
			}
		}
	}
}

// ReadAll collects Read into a slice. It stops at the first error.
func (l *Ledger) ReadAll(ctx context.Context, chainID string, opts ReadOptions) ([]*Entry, error) {
	var out []*Entry
	for e, err := range l.Read(ctx, chainID, opts) {
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}
