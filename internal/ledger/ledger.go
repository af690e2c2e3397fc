package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmerrifield20/auditledger/pkg/chainid"
	"go.uber.org/zap"
)

// Config holds the tunables of a Ledger. Zero values select the defaults.
type Config struct {
	Hasher      Hasher           // default SHA256()
	MaxAttempts int              // append attempts before giving up, default 8
	BaseBackoff time.Duration    // first retry delay, default 5ms
	MaxBackoff  time.Duration    // retry delay cap, default 250ms
	PageSize    int              // entries fetched per store round trip, default 256
	Clock       func() time.Time // default time.Now
}

// Observer receives optional callbacks, typically wired to metrics.
type Observer struct {
	OnAppend   func(chainID string)
	OnConflict func(chainID string)
	OnVerify   func(report *Report)
}

// Ledger is the audit ledger engine. It owns no global state; construct one
// per Store and share it between goroutines.
type Ledger struct {
	store    Store
	hasher   Hasher
	cfg      Config
	observer Observer
	logger   *zap.Logger
}

// New creates a Ledger over store.
func New(store Store, cfg Config, logger *zap.Logger) *Ledger {
	if cfg.Hasher == nil {
		cfg.Hasher = SHA256()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 5 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = 250 * time.Millisecond
		if cfg.MaxBackoff < cfg.BaseBackoff {
			cfg.MaxBackoff = cfg.BaseBackoff
		}
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 256
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, hasher: cfg.Hasher, cfg: cfg, logger: logger}
}

// SetObserver configures the observer callbacks.
func (l *Ledger) SetObserver(o Observer) {
	l.observer = o
}

// Hasher returns the hash function the ledger chains with.
func (l *Ledger) Hasher() Hasher {
	return l.hasher
}

// Head returns the current head of chainID, or ErrChainNotFound if the chain
// has no entries yet.
func (l *Ledger) Head(ctx context.Context, chainID string) (*ChainHead, error) {
	if err := ValidateChainID(chainID); err != nil {
		return nil, err
	}
	return l.store.Head(ctx, chainID)
}

// Chains returns the heads of all non-empty chains.
func (l *Ledger) Chains(ctx context.Context) ([]*ChainHead, error) {
	return l.store.Chains(ctx)
}

// headOrNil reads the head of chainID, mapping ErrChainNotFound to nil.
func (l *Ledger) headOrNil(ctx context.Context, chainID string) (*ChainHead, error) {
	head, err := l.store.Head(ctx, chainID)
	if errors.Is(err, ErrChainNotFound) {
		return nil, nil
	}
	return head, err
}

// ValidateChainID returns an ErrInvalidChainID error if chainID is malformed.
func ValidateChainID(chainID string) error {
	if err := chainid.Validate(chainID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidChainID, err)
	}
	return nil
}
