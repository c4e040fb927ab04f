package store

import (
	"context"
	"embed"
	stderrors "errors"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/felixgeelhaar/foundry/internal/errors"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies all pending schema migrations. It is safe to call on every start.
func (db *DB) Migrate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return errors.Wrap(errors.ErrCodeStore, "load migrations", err)
	}

	var driver database.Driver
	switch db.driver {
	case DriverPostgres:
		driver, err = pgxmigrate.WithInstance(db.sql, &pgxmigrate.Config{})
	default:
		driver, err = sqlitemigrate.WithInstance(db.sql, &sqlitemigrate.Config{})
	}
	if err != nil {
		return errors.Wrap(errors.ErrCodeStore, "create migration driver", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, string(db.driver), driver)
	if err != nil {
		return errors.Wrap(errors.ErrCodeStore, "create migrator", err)
	}

	if err := m.Up(); err != nil && !stderrors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(errors.ErrCodeStore, "apply migrations", err)
	}
	return nil
}
