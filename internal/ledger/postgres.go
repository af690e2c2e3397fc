package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore persists chains to PostgreSQL (schema in migrations/).
// It implements the Store interface.
//
// Commit is a single transaction: a conditional head insert/update followed by
// the entry insert. The (chain_id, seq) primary key and the unique
// (chain_id, prev_hash) index on entries reject forks even if two writers got
// past the head check.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

const entryColumns = `chain_id, seq, prev_hash, hash, payload, actor, occurred_at`

// Head implements Store.
func (s *PostgresStore) Head(ctx context.Context, chainID string) (*ChainHead, error) {
	h := &ChainHead{}
	var lastSeq int64
	err := s.pool.QueryRow(ctx,
		`SELECT chain_id, last_seq, last_hash, updated_at FROM chain_heads WHERE chain_id = $1`,
		chainID,
	).Scan(&h.ChainID, &lastSeq, &h.LastHash, &h.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrChainNotFound
	}
	if err != nil {
		return nil, classifyPgError("read chain head", err)
	}
	h.LastSeq = uint64(lastSeq)
	h.UpdatedAt = h.UpdatedAt.UTC()
	return h, nil
}

// Commit implements Store.
func (s *PostgresStore) Commit(ctx context.Context, expected *ChainHead, entry *Entry) error {
	if entry.Seq > math.MaxInt64 {
		return fmt.Errorf("seq %d exceeds bigint range", entry.Seq)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classifyPgError("begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var tag pgconn.CommandTag
	if expected == nil {
		tag, err = tx.Exec(ctx,
			`INSERT INTO chain_heads (chain_id, last_seq, last_hash, updated_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (chain_id) DO NOTHING`,
			entry.ChainID, int64(entry.Seq), entry.Hash, entry.OccurredAt,
		)
	} else {
		tag, err = tx.Exec(ctx,
			`UPDATE chain_heads SET last_seq = $2, last_hash = $3, updated_at = $4
			 WHERE chain_id = $1 AND last_seq = $5 AND last_hash = $6`,
			entry.ChainID, int64(entry.Seq), entry.Hash, entry.OccurredAt,
			int64(expected.LastSeq), expected.LastHash,
		)
	}
	if err != nil {
		return classifyPgError("advance chain head", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrHeadMoved
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO entries (`+entryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ChainID, int64(entry.Seq), entry.PrevHash, entry.Hash,
		string(entry.Payload), entry.Actor, entry.OccurredAt,
	); err != nil {
		return classifyPgError("insert ledger entry", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyPgError("commit ledger tx", err)
	}

	s.logger.Debug("ledger entry committed",
		zap.String("chain_id", entry.ChainID),
		zap.Uint64("seq", entry.Seq),
	)
	return nil
}

// Range implements Store.
func (s *PostgresStore) Range(ctx context.Context, chainID string, from, to uint64, limit int) ([]*Entry, error) {
	if from > math.MaxInt64 {
		return nil, nil
	}
	if to > math.MaxInt64 {
		to = math.MaxInt64
	}
	var lim any // NULL means no limit
	if limit > 0 {
		lim = limit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM entries
		 WHERE chain_id = $1 AND seq >= $2 AND seq <= $3
		 ORDER BY seq ASC LIMIT $4`,
		chainID, int64(from), int64(to), lim,
	)
	if err != nil {
		return nil, classifyPgError("query ledger range", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError("iterate ledger range", err)
	}
	return out, nil
}

// Entry implements Store.
func (s *PostgresStore) Entry(ctx context.Context, chainID string, seq uint64) (*Entry, error) {
	if seq > math.MaxInt64 {
		return nil, ErrEntryNotFound
	}
	e, err := scanEntry(s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE chain_id = $1 AND seq = $2`,
		chainID, int64(seq),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, classifyPgError(fmt.Sprintf("get ledger entry %d", seq), err)
	}
	return e, nil
}

// Chains implements Store.
func (s *PostgresStore) Chains(ctx context.Context) ([]*ChainHead, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT chain_id, last_seq, last_hash, updated_at FROM chain_heads ORDER BY chain_id`,
	)
	if err != nil {
		return nil, classifyPgError("list chains", err)
	}
	defer rows.Close()

	var out []*ChainHead
	for rows.Next() {
		h := &ChainHead{}
		var lastSeq int64
		if err := rows.Scan(&h.ChainID, &lastSeq, &h.LastHash, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chain head: %w", err)
		}
		h.LastSeq = uint64(lastSeq)
		h.UpdatedAt = h.UpdatedAt.UTC()
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanEntry(row pgx.Row) (*Entry, error) {
	e := &Entry{}
	var seq int64
	var payload []byte
	var occurredAt time.Time
	if err := row.Scan(&e.ChainID, &seq, &e.PrevHash, &e.Hash, &payload, &e.Actor, &occurredAt); err != nil {
		return nil, err
	}
	e.Seq = uint64(seq)
	e.Payload = payload
	e.OccurredAt = occurredAt.UTC()
	return e, nil
}

// classifyPgError maps PostgreSQL failures onto the ledger taxonomy:
// constraint and serialization failures become ErrHeadMoved, connection-class
// failures become ErrStorageUnavailable.
func classifyPgError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505", // unique_violation
			pgErr.Code == "40001", // serialization_failure
			pgErr.Code == "40P01": // deadlock_detected
			return fmt.Errorf("%s: %w: %w", op, ErrHeadMoved, err)
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "57P"), // operator intervention
			pgErr.Code == "53300":                // too_many_connections
			return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var connErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connErr) || errors.As(err, &netErr) || pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
