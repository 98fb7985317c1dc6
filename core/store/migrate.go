package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"

	"merlin-itsm/core/utils"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// ApplyMigrations brings the schema up to date. The dialect argument is
// the value of Dialect(cfg); each dialect carries its own SQL directory
// because sqlite and postgres disagree on autoincrement and time types.
func ApplyMigrations(ctx context.Context, db *sql.DB, dialect string, logger *utils.Logger) error {
	var gooseDialect, dir string
	switch dialect {
	case DriverPostgres:
		gooseDialect, dir = "postgres", "migrations/postgres"
	case DriverSQLite:
		gooseDialect, dir = "sqlite3", "migrations/sqlite"
	default:
		return fmt.Errorf("unknown migration dialect %q", dialect)
	}
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(gooseDialect); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, dir); err != nil {
		return fmt.Errorf("apply %s migrations: %w", dialect, err)
	}
	if logger != nil {
		logger.Printf("database migrations applied (%s)", dialect)
	}
	return nil
}
