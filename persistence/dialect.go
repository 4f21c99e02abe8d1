package persistence

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
	_ "modernc.org/sqlite"
)

// Dialect names accepted by Unit.Dialect.
const (
	// DialectSQLite is SQLite through the pure Go modernc driver.
	DialectSQLite = "sqlite"
	// DialectSQLite3 is SQLite through the cgo mattn driver.
	DialectSQLite3 = "sqlite3"
	// DialectPostgres is PostgreSQL through pgx.
	DialectPostgres = "postgres"
	// DialectPQ is PostgreSQL through lib/pq.
	DialectPQ = "pq"
)

// DialectSpec pairs a database/sql driver with the bun dialect that renders
// SQL for it.
type DialectSpec struct {
	Driver  string
	Dialect func() schema.Dialect
}

var (
	dialectsMu sync.RWMutex
	dialects   = map[string]DialectSpec{
		DialectSQLite:   {Driver: "sqlite", Dialect: func() schema.Dialect { return sqlitedialect.New() }},
		DialectSQLite3:  {Driver: "sqlite3", Dialect: func() schema.Dialect { return sqlitedialect.New() }},
		DialectPostgres: {Driver: "pgx", Dialect: func() schema.Dialect { return pgdialect.New() }},
		DialectPQ:       {Driver: "postgres", Dialect: func() schema.Dialect { return pgdialect.New() }},
	}
)

// RegisterDialect makes a driver usable under name. The driver must already
// be registered with database/sql.
func RegisterDialect(name string, spec DialectSpec) {
	dialectsMu.Lock()
	defer dialectsMu.Unlock()
	dialects[name] = spec
}

func lookupDialect(name string) (DialectSpec, error) {
	dialectsMu.RLock()
	defer dialectsMu.RUnlock()
	spec, ok := dialects[name]
	if !ok {
		return DialectSpec{}, fmt.Errorf("persistence: unknown dialect %q", name)
	}
	return spec, nil
}

func registeredDialects() []string {
	dialectsMu.RLock()
	defer dialectsMu.RUnlock()
	names := make([]string, 0, len(dialects))
	for name := range dialects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// openDB opens the connection pool described by u.
func openDB(u Unit) (*sql.DB, schema.Dialect, error) {
	spec, err := lookupDialect(u.Dialect)
	if err != nil {
		return nil, nil, err
	}

	sqldb, err := sql.Open(spec.Driver, u.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("persistence: open %s: %w", u.Dialect, err)
	}
	if u.MaxOpenConns > 0 {
		sqldb.SetMaxOpenConns(u.MaxOpenConns)
	}
	if u.MaxIdleConns > 0 {
		sqldb.SetMaxIdleConns(u.MaxIdleConns)
	}
	if u.ConnMaxLifetime > 0 {
		sqldb.SetConnMaxLifetime(u.ConnMaxLifetime)
	}
	return sqldb, spec.Dialect(), nil
}
