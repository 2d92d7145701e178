package commands

import (
	"database/sql"

	"github.com/tfswheels/foreman/config"
	"github.com/tfswheels/foreman/db"
	"github.com/tfswheels/foreman/errors"
	"github.com/tfswheels/foreman/logger"
)

// openDatabase opens and migrates the foreman database. An empty path means
// use the configured one.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load configuration")
		}
		dbPath = cfg.Database.Path
		if dbPath == "" {
			dbPath = "foreman.db"
		}
	}

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", dbPath)
	}

	return database, nil
}
