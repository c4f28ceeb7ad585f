package ccoffload

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	_ "github.com/mattn/go-sqlite3"
)

type MigrationFn = func(ctx context.Context, tx *sql.Tx) error

func OpenDB(ctx context.Context, logger hclog.Logger, fileName string, migrations []MigrationFn) (db *sql.DB, cleanup func() error, err error) {
	logger = logger.Named("db")
	logger.Debug("opening database", "path", fileName)

	if err := os.MkdirAll(filepath.Dir(fileName), 0o700); err != nil {
		return nil, nil, err
	}
	db, err = sql.Open("sqlite3", fileName+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, nil, err
	}
	cleanup = db.Close

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return db, cleanup, err
	}
	if err := applyMigrations(ctx, logger, tx, migrations); err != nil {
		_ = tx.Rollback()
		return db, cleanup, err
	}
	return db, cleanup, tx.Commit()
}

func applyMigrations(ctx context.Context, logger hclog.Logger, tx *sql.Tx, migrations []MigrationFn) error {
	if _, err := tx.ExecContext(ctx, `
		create table if not exists _migration_status (
			id integer primary key check (id = 0),
			level integer
		)
	`); err != nil {
		return err
	}

	var migrationLevel int
	var m *int
	switch err := tx.QueryRowContext(ctx, "select level from _migration_status").Scan(&m); {
	case err == sql.ErrNoRows:
	case err != nil:
		return err
	case m != nil:
		migrationLevel = *m
	}
	if migrationLevel > len(migrations) {
		return fmt.Errorf("database is at migration level %d but only %d migrations are known", migrationLevel, len(migrations))
	}

	for i, migration := range migrations[migrationLevel:] {
		logger.Debug("applying database migration", "level", migrationLevel+i)
		if err := migration(ctx, tx); err != nil {
			return err
		}
	}

	migrationLevel = len(migrations)
	result, err := tx.ExecContext(ctx, "update _migration_status set level = ?", migrationLevel)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		if _, err := tx.ExecContext(ctx, "insert into _migration_status (id, level) values (0, ?)", migrationLevel); err != nil {
			return err
		}
	}

	return nil
}
