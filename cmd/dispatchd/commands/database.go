package commands

import (
	"database/sql"

	"github.com/brighthome/dispatch/config"
	"github.com/brighthome/dispatch/db"
	"github.com/brighthome/dispatch/errors"
	"github.com/brighthome/dispatch/logger"
)

// openDatabase opens and migrates the database at the given path. An empty
// path falls back to the configured one.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, errors.Wrap(err, "load config")
		}
		dbPath = cfg.Database.Path
	}

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "open database at %s", dbPath)
	}
	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "run migrations on %s", dbPath)
	}
	return database, nil
}
