package ledger

import (
	"errors"
	"fmt"
)

// Sentinel errors. Use with errors.Is.
var (
	// ErrInvalidChainID is returned when a chain ID fails validation.
	ErrInvalidChainID = errors.New("invalid chain id")

	// ErrInvalidField is returned when an entry field such as the actor is
	// not valid UTF-8. Invalid bytes would otherwise collapse onto U+FFFD in
	// the hash preimage.
	ErrInvalidField = errors.New("invalid entry field")

	// ErrChainNotFound is returned by stores when a chain has no head yet.
	ErrChainNotFound = errors.New("chain not found")

	// ErrEntryNotFound is returned by stores when no entry exists at a seq.
	ErrEntryNotFound = errors.New("entry not found")

	// ErrHeadMoved is returned by Store.Commit when the chain head no longer
	// matches the head the writer read. The writer retries on it.
	ErrHeadMoved = errors.New("chain head moved")

	// ErrChainConflict means appends kept losing the head race until the
	// retry budget ran out. Callers may retry the whole operation.
	ErrChainConflict = errors.New("chain conflict: retries exhausted under contention")

	// ErrStorageUnavailable marks transient infrastructure failures. No
	// partial state is left behind, so the operation is safe to retry.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrAppendFailed is the umbrella error for appends that gave up.
	ErrAppendFailed = errors.New("append failed")
)

// BreakKind classifies the first integrity violation found by Verify.
type BreakKind string

const (
	BreakHashMismatch BreakKind = "HASH_MISMATCH"
	BreakLinkMismatch BreakKind = "LINK_MISMATCH"
	BreakSequenceGap  BreakKind = "SEQUENCE_GAP"
)

// CanonicalizationError reports a payload that cannot be canonicalised.
// Nothing is written when it is returned.
type CanonicalizationError struct {
	Path   string // JSONPath-style location of the offending value
	Reason string
	Err    error
}

func (e *CanonicalizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("canonicalize payload at %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("canonicalize payload at %s: %s", e.Path, e.Reason)
}

func (e *CanonicalizationError) Unwrap() error { return e.Err }

// AppendFailedError is returned when Append gives up after its retry budget.
type AppendFailedError struct {
	ChainID  string
	Attempts int
	Err      error // ErrChainConflict or an ErrStorageUnavailable chain
}

func (e *AppendFailedError) Error() string {
	return fmt.Sprintf("append to chain %q failed after %d attempts: %v", e.ChainID, e.Attempts, e.Err)
}

func (e *AppendFailedError) Unwrap() []error { return []error{ErrAppendFailed, e.Err} }

// ChainGapError is an integrity finding: the chain has no entry at Seq even
// though later entries (or the head) say it should.
type ChainGapError struct {
	ChainID string
	Seq     uint64
}

func (e *ChainGapError) Error() string {
	return fmt.Sprintf("chain %q has no entry at seq %d", e.ChainID, e.Seq)
}

// IsRetryable reports whether err is transient and the operation may be
// retried as a whole.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrChainConflict) ||
		errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrHeadMoved)
}

// IsClientError reports whether err was caused by invalid caller input.
func IsClientError(err error) bool {
	var cerr *CanonicalizationError
	return errors.Is(err, ErrInvalidChainID) || errors.Is(err, ErrInvalidField) || errors.As(err, &cerr)
}

// IsIntegrityError reports whether err is a finding about committed data.
// Such errors must be escalated, never retried.
func IsIntegrityError(err error) bool {
	var gap *ChainGapError
	return errors.As(err, &gap)
}
