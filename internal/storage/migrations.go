package storage

import (
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

var migrationRE = regexp.MustCompile(`^(\d+)_.*\.sql$`)

type migration struct {
	version  int
	filename string
	sql      string
}

// ApplyMigrations applies numbered .sql migrations from fsys in ascending
// order, recording each applied version in schema_migrations. Files that do
// not match NNN_name.sql are ignored. Safe to run on every startup: each
// migration is applied once, and the scripts themselves use IF NOT EXISTS
// guards so a half-recorded state cannot wedge the runner.
func ApplyMigrations(db *sqlx.DB, fsys fs.FS) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
		  version    INTEGER PRIMARY KEY,
		  filename   TEXT NOT NULL,
		  applied_at INTEGER NOT NULL
		);`); err != nil {
		return errors.Wrap(err, "ensure schema_migrations")
	}

	applied := map[int]bool{}
	var versions []int
	if err := db.Select(&versions, "SELECT version FROM schema_migrations ORDER BY version"); err != nil {
		return errors.Wrap(err, "read applied versions")
	}
	for _, v := range versions {
		applied[v] = true
	}

	pending, err := loadMigrations(fsys)
	if err != nil {
		return err
	}

	for _, m := range pending {
		if applied[m.version] {
			continue
		}
		tx, err := db.Beginx()
		if err != nil {
			return errors.Wrapf(err, "begin migration %03d", m.version)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "apply migration %03d (%s)", m.version, m.filename)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations(version, filename, applied_at) VALUES (?, ?, ?)",
			m.version, m.filename, time.Now().UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "record migration %03d", m.version)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit migration %03d", m.version)
		}
	}
	return nil
}

func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, errors.Wrap(err, "read migrations dir")
	}

	var migrations []migration
	for _, entry := range entries {
		match := migrationRE.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, err := strconv.Atoi(match[1])
		if err != nil {
			return nil, errors.Wrapf(err, "migration version in %s", entry.Name())
		}
		raw, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, errors.Wrapf(err, "read migration %s", entry.Name())
		}
		migrations = append(migrations, migration{
			version:  version,
			filename: entry.Name(),
			sql:      string(raw),
		})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })
	return migrations, nil
}
