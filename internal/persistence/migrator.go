package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Migrator runs SQL migration files in order.
// Compatible with golang-migrate file naming: {version}_{name}.up.sql / .down.sql
type Migrator struct {
	db     *sql.DB
	fsys   fs.FS
	logger zerolog.Logger
}

// NewMigrator reads migrations from the root of fsys (os.DirFS or the
// embedded migrations.FS).
func NewMigrator(db *sql.DB, fsys fs.FS, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, fsys: fsys, logger: logger}
}

// MigrationStatus describes one migration file.
type MigrationStatus struct {
	Version  string
	Filename string
	Applied  bool
}

// Up applies all pending up-migrations in order and returns how many ran.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return 0, fmt.Errorf("ensure migration table: %w", err)
	}

	applied, err := m.getAppliedVersions(ctx)
	if err != nil {
		return 0, fmt.Errorf("get applied versions: %w", err)
	}

	files, err := m.listMigrationFiles(".up.sql")
	if err != nil {
		return 0, fmt.Errorf("list migrations: %w", err)
	}

	n := 0
	for _, f := range files {
		version := extractVersion(f)
		if applied[version] {
			continue
		}

		content, err := fs.ReadFile(m.fsys, f)
		if err != nil {
			return n, fmt.Errorf("read migration %s: %w", f, err)
		}

		err = m.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(content)); err != nil {
				return fmt.Errorf("exec migration %s: %w", f, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`,
				version, f,
			); err != nil {
				return fmt.Errorf("record migration %s: %w", f, err)
			}
			return nil
		})
		if err != nil {
			return n, err
		}

		n++
		m.logger.Info().Str("migration", f).Msg("applied migration")
	}

	return n, nil
}

// Down rolls back the last applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return err
	}

	var version, filename string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &filename)
	if errors.Is(err, sql.ErrNoRows) {
		m.logger.Info().Msg("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("get latest migration: %w", err)
	}

	downFile := strings.Replace(filename, ".up.sql", ".down.sql", 1)
	content, err := fs.ReadFile(m.fsys, downFile)
	if err != nil {
		return fmt.Errorf("read down migration %s: %w", downFile, err)
	}

	err = m.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("exec down migration %s: %w", downFile, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM public.schema_migrations WHERE version = $1`, version,
		); err != nil {
			return fmt.Errorf("remove migration record %s: %w", version, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Info().Str("migration", downFile).Msg("rolled back migration")
	return nil
}

// Status lists every up-migration and whether it has been applied.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.getAppliedVersions(ctx)
	if err != nil {
		return nil, err
	}
	files, err := m.listMigrationFiles(".up.sql")
	if err != nil {
		return nil, err
	}

	out := make([]MigrationStatus, 0, len(files))
	for _, f := range files {
		v := extractVersion(f)
		out = append(out, MigrationStatus{Version: v, Filename: f, Applied: applied[v]})
	}
	return out, nil
}

func (m *Migrator) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

func (m *Migrator) ensureMigrationTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (m *Migrator) getAppliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (m *Migrator) listMigrationFiles(suffix string) ([]string, error) {
	entries, err := fs.ReadDir(m.fsys, ".")
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, e.Name())
		}
	}

	sort.Strings(files)
	return files, nil
}

// extractVersion returns the numeric prefix from a migration filename,
// e.g. "000001_ledger.up.sql" -> "000001".
func extractVersion(filename string) string {
	parts := strings.SplitN(filename, "_", 2)
	if len(parts) > 0 {
		return parts[0]
	}
	return filename
}
