// Package migrations embeds the PostgreSQL schema of the audit ledger.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed *.sql
var files embed.FS

// Migration is one forward schema step.
type Migration struct {
	Version int64
	Name    string
	SQL     string
}

// Up returns the forward migrations in version order.
func Up() ([]Migration, error) {
	names, err := fs.Glob(files, "*.up.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	out := make([]Migration, 0, len(names))
	for _, name := range names {
		ver, err := versionFromFile(name)
		if err != nil {
			return nil, fmt.Errorf("parse version from %s: %w", name, err)
		}
		body, err := files.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		out = append(out, Migration{Version: ver, Name: name, SQL: string(body)})
	}
	return out, nil
}

// versionFromFile extracts the leading integer: "001_init.up.sql" → 1.
func versionFromFile(filename string) (int64, error) {
	prefix, _, ok := strings.Cut(filename, "_")
	if !ok {
		return 0, fmt.Errorf("unexpected filename format")
	}
	return strconv.ParseInt(prefix, 10, 64)
}

// Apply runs every migration not yet recorded in schema_migrations. The
// tracking table uses the golang-migrate layout (bigint version plus a dirty
// flag) so either tool can take over. It returns the number applied.
func Apply(ctx context.Context, db *pgxpool.Pool, logger *zap.Logger) (int, error) {
	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version bigint NOT NULL,
			dirty   boolean NOT NULL,
			PRIMARY KEY (version)
		)`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	ms, err := Up()
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range ms {
		var done bool
		if err := db.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1 AND dirty = false)`,
			m.Version,
		).Scan(&done); err != nil {
			return applied, fmt.Errorf("check %s: %w", m.Name, err)
		}
		if done {
			logger.Debug("migration already applied", zap.String("file", m.Name))
			continue
		}

		// Mark dirty first so a crash mid-apply is visible.
		if _, err := db.Exec(ctx,
			`INSERT INTO schema_migrations (version, dirty) VALUES ($1, true)
			 ON CONFLICT (version) DO UPDATE SET dirty = true`, m.Version,
		); err != nil {
			return applied, fmt.Errorf("mark dirty %s: %w", m.Name, err)
		}
		if _, err := db.Exec(ctx, m.SQL); err != nil {
			return applied, fmt.Errorf("apply %s: %w", m.Name, err)
		}
		if _, err := db.Exec(ctx,
			`UPDATE schema_migrations SET dirty = false WHERE version = $1`, m.Version,
		); err != nil {
			return applied, fmt.Errorf("mark clean %s: %w", m.Name, err)
		}

		logger.Info("migration applied", zap.String("file", m.Name), zap.Int64("version", m.Version))
		applied++
	}
	return applied, nil
}
