package db

import (
	"database/sql"
	"embed"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/castellan/quarry/errors"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

// DefaultTablePrefix is the table prefix baked into the migration files.
const DefaultTablePrefix = "quarry_"

// Migrate runs all pending migrations in filename order. An alternate table
// prefix lets unrelated deployments share one database file without key
// collision; pass DefaultTablePrefix (or "") to keep the canonical names.
// If logger is nil the run is silent.
func Migrate(db *sql.DB, prefix string, logger *zap.SugaredLogger) error {
	if prefix == "" {
		prefix = DefaultTablePrefix
	}
	entries, err := migrations.ReadDir("sqlite/migrations")
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}

	var migrationFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			migrationFiles = append(migrationFiles, entry.Name())
		}
	}
	sort.Strings(migrationFiles)

	for _, filename := range migrationFiles {
		version := strings.Split(filename, "_")[0]

		// schema_migrations is created by migration 000 itself.
		var exists bool
		err := db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&exists)
		if err != nil {
			if version != "000" {
				return errors.Newf("schema_migrations table missing, but migration is not 000: %s", filename)
			}
		} else if exists {
			if logger != nil {
				logger.Debugw("Skipping migration (already applied)", "migration", filename)
			}
			continue
		}

		sqlBytes, err := migrations.ReadFile(filepath.Join("sqlite/migrations", filename))
		if err != nil {
			return errors.Wrapf(err, "read %s", filename)
		}

		if logger != nil {
			logger.Infow("Applying migration", "migration", filename)
		}

		tx, err := db.Begin()
		if err != nil {
			return errors.Wrapf(err, "begin tx for %s", filename)
		}

		stmt := string(sqlBytes)
		if prefix != DefaultTablePrefix {
			stmt = strings.ReplaceAll(stmt, DefaultTablePrefix, prefix)
		}

		if _, err := tx.Exec(stmt); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "execute %s", filename)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "record %s", filename)
		}

		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit %s", filename)
		}
	}

	if logger != nil {
		logger.Infow("Migrations complete", "total", len(migrationFiles))
	}

	return nil
}
