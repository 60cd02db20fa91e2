package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

//go:embed migrations
var migrationsFS embed.FS

type migration struct {
	name    string
	version int
	path    string
}

// Migrate applies every embedded migration for the database's dialect that
// has not been applied yet, each in its own transaction, and returns the
// names of those it applied.
func Migrate(ctx context.Context, db *sqlx.DB) ([]string, error) {
	dialect, err := dialectOf(db.DriverName())
	if err != nil {
		return nil, err
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return nil, fmt.Errorf("create migrations table: %w", err)
	}

	migrations, err := migrationFiles(dialect)
	if err != nil {
		return nil, err
	}

	var names []string
	if err := db.SelectContext(ctx, &names, "SELECT name FROM schema_migrations"); err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}

	applied := make(map[string]struct{}, len(names))
	for _, name := range names {
		applied[name] = struct{}{}
	}

	var done []string

	for _, m := range migrations {
		if _, ok := applied[m.name]; ok {
			continue
		}

		if err := applyMigration(ctx, db, m); err != nil {
			return done, fmt.Errorf("apply migration %s: %w", m.name, err)
		}

		log.Info().Str("migration", m.name).Msg("migration applied")

		done = append(done, m.name)
	}

	return done, nil
}

func dialectOf(driver string) (string, error) {
	switch driver {
	case "postgres", "pgx":
		return "postgres", nil
	case "sqlite", "sqlite3":
		return "sqlite", nil
	default:
		return "", fmt.Errorf("no migrations for driver %q", driver)
	}
}

func migrationFiles(dialect string) ([]migration, error) {
	dir := path.Join("migrations", dialect)

	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	var migrations []migration

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		prefix, _, ok := strings.Cut(entry.Name(), "_")
		if !ok {
			continue
		}

		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}

		migrations = append(migrations, migration{
			name:    strings.TrimSuffix(entry.Name(), ".sql"),
			version: version,
			path:    path.Join(dir, entry.Name()),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})

	return migrations, nil
}

func applyMigration(ctx context.Context, db *sqlx.DB, m migration) error {
	content, err := migrationsFS.ReadFile(m.path)
	if err != nil {
		return err
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range strings.Split(string(content), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}

		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind("INSERT INTO schema_migrations (version, name) VALUES (?, ?)"), m.version, m.name); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}

	return tx.Commit()
}
