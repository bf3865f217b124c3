// Package migrate applies the embedded alertcore schema migrations.
//
// Migration files live in db/migrate/migrations and are named
// NNN_descriptive_name.sql. They are applied in version order, each in its
// own transaction, and recorded in schema_migrations so a version runs at
// most once. Concurrent control planes starting together serialize on a
// PostgreSQL advisory lock.
//
//	pool, _ := pgxpool.New(ctx, databaseURL)
//	if err := migrate.Run(ctx, pool, logger); err != nil {
//	    return err
//	}
package migrate

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var embedded embed.FS

// advisoryLockKey is an arbitrary constant shared by all alertcore processes.
const advisoryLockKey = 0x616c6572

// Record is a migration that has been applied.
type Record struct {
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	AppliedAt time.Time `json:"applied_at"`
}

// Status describes applied and pending migrations.
type Status struct {
	Applied []Record `json:"applied"`
	Pending []string `json:"pending"`
}

type migration struct {
	version int
	name    string
	sql     string
}

func (m migration) String() string {
	return fmt.Sprintf("%03d_%s", m.version, m.name)
}

// Run applies every pending embedded migration.
func Run(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	return RunFS(ctx, pool, embedded, "migrations", logger)
}

// RunFS applies pending migrations read from dir in fsys.
func RunFS(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS, dir string, logger *slog.Logger) error {
	logger = logger.With("component", "migrate")

	available, err := load(fsys, dir)
	if err != nil {
		return fmt.Errorf("reading migrations: %w", err)
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockKey); err != nil {
		return fmt.Errorf("taking migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, advisoryLockKey); err != nil {
			logger.Warn("failed to release migration lock", "error", err)
		}
	}()

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	applied, err := appliedRecords(ctx, pool)
	if err != nil {
		return err
	}

	pending := pendingMigrations(available, applied)
	for _, m := range pending {
		logger.Info("applying migration", "version", m.version, "name", m.name)

		tx, err := conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("migration %s: begin: %w", m, err)
		}
		if _, err := tx.Exec(ctx, m.sql); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("migration %s: %w", m, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.version, m.name); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("migration %s: recording: %w", m, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("migration %s: commit: %w", m, err)
		}
	}

	if len(pending) == 0 {
		logger.Info("database schema is up to date", "version", latest(applied))
	} else {
		logger.Info("migrations complete", "applied", len(pending), "version", pending[len(pending)-1].version)
	}
	return nil
}

// GetStatus reports applied and pending embedded migrations.
func GetStatus(ctx context.Context, pool *pgxpool.Pool) (*Status, error) {
	available, err := load(embedded, "migrations")
	if err != nil {
		return nil, err
	}

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT to_regclass('public.schema_migrations') IS NOT NULL`).Scan(&exists); err != nil {
		return nil, fmt.Errorf("checking migrations table: %w", err)
	}

	status := &Status{}
	if exists {
		if status.Applied, err = appliedRecords(ctx, pool); err != nil {
			return nil, err
		}
	}
	for _, m := range pendingMigrations(available, status.Applied) {
		status.Pending = append(status.Pending, m.String())
	}
	return status, nil
}

func appliedRecords(ctx context.Context, pool *pgxpool.Pool) ([]Record, error) {
	rows, err := pool.Query(ctx, `SELECT version, name, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("listing applied migrations: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Version, &r.Name, &r.AppliedAt); err != nil {
			return nil, fmt.Errorf("scanning migration record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// pendingMigrations returns available migrations not yet applied, in order.
func pendingMigrations(available []migration, applied []Record) []migration {
	done := make(map[int]bool, len(applied))
	for _, r := range applied {
		done[r.Version] = true
	}
	var pending []migration
	for _, m := range available {
		if !done[m.version] {
			pending = append(pending, m)
		}
	}
	return pending
}

func latest(applied []Record) int {
	if len(applied) == 0 {
		return 0
	}
	return applied[len(applied)-1].Version
}

// load reads and sorts the migrations in dir. Duplicate versions are an
// error.
func load(fsys fs.FS, dir string) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	var migrations []migration
	seen := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, name, err := parseFilename(entry.Name())
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[version]; ok {
			return nil, fmt.Errorf("duplicate migration version %03d: %s and %s", version, prev, entry.Name())
		}
		seen[version] = entry.Name()

		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", entry.Name(), err)
		}
		migrations = append(migrations, migration{version: version, name: name, sql: string(content)})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})
	return migrations, nil
}

// parseFilename splits "001_initial_schema.sql" into 1 and "initial_schema".
func parseFilename(filename string) (int, string, error) {
	base := strings.TrimSuffix(filename, ".sql")
	num, name, ok := strings.Cut(base, "_")
	if !ok || name == "" {
		return 0, "", fmt.Errorf("invalid migration filename %s (expected NNN_name.sql)", filename)
	}
	version, err := strconv.Atoi(num)
	if err != nil || version <= 0 {
		return 0, "", fmt.Errorf("invalid version number in %s", filename)
	}
	return version, name, nil
}
