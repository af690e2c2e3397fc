package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Append adds payload to the end of chainID and returns the committed entry.
//
// The head is read, the next entry is built and hashed, and the Store commits
// it only if the head is unchanged. A lost race or a transient storage failure
// is retried with jittered exponential backoff up to Config.MaxAttempts; after
// that Append returns an *AppendFailedError. Payload errors are reported
// before the store is touched.
func (l *Ledger) Append(ctx context.Context, chainID string, payload any, actor string) (*Entry, error) {
	if err := ValidateChainID(chainID); err != nil {
		return nil, err
	}
	if !utf8.ValidString(actor) {
		return nil, fmt.Errorf("%w: actor is not valid UTF-8", ErrInvalidField)
	}
	canonical, err := Canonicalize(payload)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= l.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, l.backoff(attempt-1)); err != nil {
				return nil, fmt.Errorf("append to chain %q: %w", chainID, err)
			}
		}

		entry, err := l.tryAppend(ctx, chainID, canonical, actor)
		if err == nil {
			if l.observer.OnAppend != nil {
				l.observer.OnAppend(chainID)
			}
			l.logger.Debug("ledger entry appended",
				zap.String("chain_id", chainID),
				zap.Uint64("seq", entry.Seq),
				zap.Int("attempt", attempt),
			)
			return entry, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("append to chain %q: %w", chainID, ctxErr)
		}

		switch {
		case errors.Is(err, ErrHeadMoved):
			lastErr = ErrChainConflict
			if l.observer.OnConflict != nil {
				l.observer.OnConflict(chainID)
			}
			l.logger.Debug("chain head moved, retrying append",
				zap.String("chain_id", chainID),
				zap.Int("attempt", attempt),
			)
		case errors.Is(err, ErrStorageUnavailable):
			lastErr = err
			l.logger.Warn("storage unavailable, retrying append",
				zap.String("chain_id", chainID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		default:
			return nil, fmt.Errorf("append to chain %q: %w", chainID, err)
		}
	}

	l.logger.Warn("append gave up",
		zap.String("chain_id", chainID),
		zap.Int("attempts", l.cfg.MaxAttempts),
		zap.Error(lastErr),
	)
	return nil, &AppendFailedError{ChainID: chainID, Attempts: l.cfg.MaxAttempts, Err: lastErr}
}

// tryAppend performs one read-build-commit round.
func (l *Ledger) tryAppend(ctx context.Context, chainID string, payload []byte, actor string) (*Entry, error) {
	head, err := l.headOrNil(ctx, chainID)
	if err != nil {
		return nil, err
	}
	if head != nil && head.LastSeq == math.MaxUint64 {
		return nil, fmt.Errorf("chain %q has exhausted its sequence space", chainID)
	}

	seq, prev := head.next()
	entry := &Entry{
		ChainID:    chainID,
		Seq:        seq,
		PrevHash:   prev,
		Payload:    payload,
		Actor:      actor,
		OccurredAt: l.occurredAt(head),
	}
	if entry.Hash, err = HashEntry(l.hasher, entry); err != nil {
		return nil, err
	}

	if err := l.store.Commit(ctx, head, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// occurredAt returns the current UTC time at microsecond precision, never
// earlier than the previous entry of the chain.
func (l *Ledger) occurredAt(head *ChainHead) time.Time {
	now := l.cfg.Clock().UTC().Truncate(time.Microsecond)
	if head != nil && now.Before(head.UpdatedAt) {
		return head.UpdatedAt.UTC()
	}
	return now
}

// backoff returns the delay before retry n (1-based): exponential growth from
// BaseBackoff, capped at MaxBackoff, with the upper half jittered.
func (l *Ledger) backoff(n int) time.Duration {
	d := l.cfg.MaxBackoff
	if n < 31 {
		if exp := l.cfg.BaseBackoff << (n - 1); exp > 0 && exp < d {
			d = exp
		}
	}
	half := d / 2
	return half + rand.N(half+1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
