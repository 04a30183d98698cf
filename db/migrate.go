package db

import (
	"database/sql"
	"embed"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/brighthome/dispatch/errors"
)

// The dispatch schema ships embedded in the binary: one numbered .sql
// file per migration, applied in lexical order. 000 bootstraps the
// schema_migrations ledger and records itself.
//
//go:embed sqlite/migrations/*.sql
var migrations embed.FS

const migrationDir = "sqlite/migrations"

// Migrate brings the dispatch schema up to date, applying each bundled
// migration that schema_migrations does not list yet. Safe to run on
// every startup. A nil logger runs silently.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	files, err := bundledMigrations()
	if err != nil {
		return err
	}

	for _, filename := range files {
		version := strings.SplitN(filename, "_", 2)[0]

		applied, err := versionApplied(db, version)
		if err != nil {
			// Before 000 runs there is no ledger to consult.
			if version != "000" {
				return errors.Newf("schema_migrations table missing, but migration is not 000: %s", filename)
			}
		} else if applied {
			if logger != nil {
				logger.Debugw("Skipping migration (already applied)",
					"migration", filename,
					"version", version,
				)
			}
			continue
		}

		if logger != nil {
			logger.Infow("Applying migration",
				"migration", filename,
				"version", version,
			)
		}
		if err := applyMigration(db, filename, version); err != nil {
			return err
		}
	}

	if logger != nil {
		logger.Infow("Migrations complete",
			"total_migrations", len(files),
		)
	}
	return nil
}

// bundledMigrations lists the embedded .sql files in apply order.
func bundledMigrations() ([]string, error) {
	entries, err := migrations.ReadDir(migrationDir)
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func versionApplied(db *sql.DB, version string) (bool, error) {
	var applied bool
	err := db.QueryRow(
		"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version,
	).Scan(&applied)
	return applied, err
}

// applyMigration executes one migration file and records its version,
// atomically. 000 creates schema_migrations inside the same
// transaction, then records itself into it.
func applyMigration(db *sql.DB, filename, version string) error {
	ddl, err := migrations.ReadFile(filepath.Join(migrationDir, filename))
	if err != nil {
		return errors.Wrapf(err, "read %s", filename)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin tx for %s", filename)
	}

	if _, err := tx.Exec(string(ddl)); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "execute %s", filename)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "record %s", filename)
	}
	return errors.Wrapf(tx.Commit(), "commit %s", filename)
}
