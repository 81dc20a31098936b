package store

import (
	"context"
	"fmt"

	"github.com/theirongolddev/usagesync/internal/model"
)

// Backend is a storage engine plus the maintenance and query surface the
// CLI and daemon use.
type Backend interface {
	Engine
	Migrate(ctx context.Context) error
	Recent(ctx context.Context, limit int) ([]model.UsageEvent, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open connects to the engine named by driver. SQLite databases get their
// schema on open; Postgres schemas are applied by Migrate.
func Open(ctx context.Context, driver, dsn string) (Backend, error) {
	switch driver {
	case "", DriverSQLite:
		return OpenSQLite(dsn)
	case DriverPostgres:
		return OpenPostgres(ctx, dsn)
	}
	return nil, fmt.Errorf("store: unknown driver %q", driver)
}

var (
	_ Backend = (*SQLite)(nil)
	_ Backend = (*Postgres)(nil)
)
