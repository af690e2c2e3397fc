package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// SQLiteStore persists chains to an embedded SQLite database. It implements
// the Store interface with the same conditional-update protocol as
// PostgresStore and suits single-node deployments and tests.
//
// The database is opened in WAL mode so readers never block the writer.
// The schema is created on open.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (creating if needed) the SQLite database at path.
// Use ":memory:" for a private in-memory database.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	dsn := "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS chain_heads (
		chain_id   TEXT PRIMARY KEY,
		last_seq   INTEGER NOT NULL,
		last_hash  TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS entries (
		chain_id    TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		prev_hash   TEXT NOT NULL,
		hash        TEXT NOT NULL,
		payload     TEXT NOT NULL,
		actor       TEXT NOT NULL DEFAULT '',
		occurred_at TEXT NOT NULL,
		PRIMARY KEY (chain_id, seq)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_chain_prev
		ON entries(chain_id, prev_hash);

	CREATE TRIGGER IF NOT EXISTS entries_no_update
		BEFORE UPDATE ON entries
		BEGIN SELECT RAISE(ABORT, 'ledger entries are immutable'); END;

	CREATE TRIGGER IF NOT EXISTS entries_no_delete
		BEFORE DELETE ON entries
		BEGIN SELECT RAISE(ABORT, 'ledger entries are immutable'); END;
	`)
	return err
}

// Head implements Store.
func (s *SQLiteStore) Head(ctx context.Context, chainID string) (*ChainHead, error) {
	h := &ChainHead{}
	var lastSeq int64
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT chain_id, last_seq, last_hash, updated_at FROM chain_heads WHERE chain_id = ?`,
		chainID,
	).Scan(&h.ChainID, &lastSeq, &h.LastHash, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChainNotFound
	}
	if err != nil {
		return nil, classifySQLiteError("read chain head", err)
	}
	h.LastSeq = uint64(lastSeq)
	if h.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return h, nil
}

// Commit implements Store.
func (s *SQLiteStore) Commit(ctx context.Context, expected *ChainHead, entry *Entry) error {
	if entry.Seq > math.MaxInt64 {
		return fmt.Errorf("seq %d exceeds integer range", entry.Seq)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLiteError("begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	occurredAt := formatTimestamp(entry.OccurredAt)
	var res sql.Result
	if expected == nil {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO chain_heads (chain_id, last_seq, last_hash, updated_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (chain_id) DO NOTHING`,
			entry.ChainID, int64(entry.Seq), entry.Hash, occurredAt,
		)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE chain_heads SET last_seq = ?, last_hash = ?, updated_at = ?
			 WHERE chain_id = ? AND last_seq = ? AND last_hash = ?`,
			int64(entry.Seq), entry.Hash, occurredAt,
			entry.ChainID, int64(expected.LastSeq), expected.LastHash,
		)
	}
	if err != nil {
		return classifySQLiteError("advance chain head", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return classifySQLiteError("advance chain head", err)
	} else if n != 1 {
		return ErrHeadMoved
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entries (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ChainID, int64(entry.Seq), entry.PrevHash, entry.Hash,
		string(entry.Payload), entry.Actor, occurredAt,
	); err != nil {
		return classifySQLiteError("insert ledger entry", err)
	}

	if err := tx.Commit(); err != nil {
		return classifySQLiteError("commit ledger tx", err)
	}

	s.logger.Debug("ledger entry committed",
		zap.String("chain_id", entry.ChainID),
		zap.Uint64("seq", entry.Seq),
	)
	return nil
}

// Range implements Store.
func (s *SQLiteStore) Range(ctx context.Context, chainID string, from, to uint64, limit int) ([]*Entry, error) {
	if from > math.MaxInt64 {
		return nil, nil
	}
	if to > math.MaxInt64 {
		to = math.MaxInt64
	}
	if limit <= 0 {
		limit = -1 // SQLite: negative LIMIT means no limit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM entries
		 WHERE chain_id = ? AND seq >= ? AND seq <= ?
		 ORDER BY seq ASC LIMIT ?`,
		chainID, int64(from), int64(to), limit,
	)
	if err != nil {
		return nil, classifySQLiteError("query ledger range", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanSQLiteEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLiteError("iterate ledger range", err)
	}
	return out, nil
}

// Entry implements Store.
func (s *SQLiteStore) Entry(ctx context.Context, chainID string, seq uint64) (*Entry, error) {
	if seq > math.MaxInt64 {
		return nil, ErrEntryNotFound
	}
	e, err := scanSQLiteEntry(s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE chain_id = ? AND seq = ?`,
		chainID, int64(seq),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, classifySQLiteError(fmt.Sprintf("get ledger entry %d", seq), err)
	}
	return e, nil
}

// Chains implements Store.
func (s *SQLiteStore) Chains(ctx context.Context) ([]*ChainHead, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chain_id, last_seq, last_hash, updated_at FROM chain_heads ORDER BY chain_id`,
	)
	if err != nil {
		return nil, classifySQLiteError("list chains", err)
	}
	defer rows.Close()

	var out []*ChainHead
	for rows.Next() {
		h := &ChainHead{}
		var lastSeq int64
		var updatedAt string
		if err := rows.Scan(&h.ChainID, &lastSeq, &h.LastHash, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan chain head: %w", err)
		}
		h.LastSeq = uint64(lastSeq)
		if h.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEntry(row rowScanner) (*Entry, error) {
	e := &Entry{}
	var seq int64
	var payload, occurredAt string
	if err := row.Scan(&e.ChainID, &seq, &e.PrevHash, &e.Hash, &payload, &e.Actor, &occurredAt); err != nil {
		return nil, err
	}
	t, err := parseTimestamp(occurredAt)
	if err != nil {
		return nil, fmt.Errorf("parse occurred_at: %w", err)
	}
	e.Seq = uint64(seq)
	e.Payload = []byte(payload)
	e.OccurredAt = t
	return e, nil
}

// classifySQLiteError maps SQLite failures onto the ledger taxonomy.
func classifySQLiteError(op string, err error) error {
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		switch {
		case sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey,
			sqErr.ExtendedCode == sqlite3.ErrConstraintUnique:
			return fmt.Errorf("%s: %w: %w", op, ErrHeadMoved, err)
		case sqErr.Code == sqlite3.ErrBusy,
			sqErr.Code == sqlite3.ErrLocked,
			sqErr.Code == sqlite3.ErrIoErr,
			sqErr.Code == sqlite3.ErrCantOpen:
			return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
