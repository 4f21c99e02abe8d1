package persistence

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-entity-lab/cache"
)

// SchemaAction is applied to the registered entities when a factory opens.
type SchemaAction string

const (
	SchemaNone       SchemaAction = "none"
	SchemaCreate     SchemaAction = "create"
	SchemaCreateDrop SchemaAction = "create-drop"
)

// Unit describes a persistence unit: where the database lives and how the
// factory built on it behaves.
type Unit struct {
	Name            string
	Dialect         string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	SchemaAction    SchemaAction
	ShowSQL         bool
	SlowQuery       time.Duration

	// SecondLevelCache enables the entity cache for types mapped Cacheable.
	SecondLevelCache bool
	// QueryCache enables caching of queries executed with HintCacheable.
	QueryCache bool
	Cache      cache.Config

	// MappingFiles are YAML documents declaring named native queries.
	MappingFiles []string
}

// DefaultUnit returns a local SQLite unit with both cache tiers enabled.
func DefaultUnit() Unit {
	return Unit{
		Name:             "entity-lab",
		Dialect:          DialectSQLite,
		DSN:              "file:entitylab.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)",
		SchemaAction:     SchemaCreate,
		SlowQuery:        200 * time.Millisecond,
		SecondLevelCache: true,
		QueryCache:       true,
		Cache:            cache.DefaultConfig(),
	}
}

// Validate checks the unit before a factory is opened on it.
func (u Unit) Validate() error {
	err := goerrors.ValidateWithOzzo(func() error {
		return validation.ValidateStruct(&u,
			validation.Field(&u.Name, validation.Required),
			validation.Field(&u.Dialect, validation.Required, validation.In(toAny(registeredDialects())...)),
			validation.Field(&u.DSN, validation.Required),
			validation.Field(&u.MaxOpenConns, validation.Min(0)),
			validation.Field(&u.MaxIdleConns, validation.Min(0)),
			validation.Field(&u.SchemaAction, validation.In(SchemaNone, SchemaCreate, SchemaCreateDrop)),
		)
	}, "invalid persistence unit")
	if err != nil {
		return err
	}

	if u.SecondLevelCache || u.QueryCache {
		return u.Cache.Validate()
	}
	return nil
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
