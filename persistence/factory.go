package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"sync"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/schema"
	"go.uber.org/zap"

	"github.com/goliatone/go-entity-lab/cache"
	"github.com/goliatone/go-entity-lab/internal/logging"
)

// Factory is the entity manager factory of one persistence unit. It owns the
// connection pool, the mapping metadata, the shared cache tiers and the named
// query catalogue. A Factory is safe for concurrent use; the managers it
// creates are not.
type Factory struct {
	unit      Unit
	db        *bun.DB
	meta      *metamodel
	logger    *zap.Logger
	junctions []any
	named     *namedQueries

	l2      *secondLevelCache
	queries *queryCache
	// closed with the factory when the factory built it
	ownedCache io.Closer

	mu     sync.Mutex
	closed bool
}

type factoryOptions struct {
	logger       *zap.Logger
	mappings     []EntityMapping
	junctions    []any
	cacheService cache.CacheService
	recorder     *logging.Recorder
	sqldb        *sql.DB
	dialect      schema.Dialect
}

// Option configures NewFactory.
type Option func(*factoryOptions)

// WithLogger sets the logger of the factory and its managers.
func WithLogger(logger *zap.Logger) Option {
	return func(o *factoryOptions) {
		o.logger = logger
	}
}

// WithEntities registers entity mappings.
func WithEntities(mappings ...EntityMapping) Option {
	return func(o *factoryOptions) {
		o.mappings = append(o.mappings, mappings...)
	}
}

// WithJunctions registers the join models of many-to-many relations. bun
// needs them before any model referencing them is inspected.
func WithJunctions(models ...any) Option {
	return func(o *factoryOptions) {
		o.junctions = append(o.junctions, models...)
	}
}

// WithCacheService backs both cache tiers with service instead of one built
// from Unit.Cache.
func WithCacheService(service cache.CacheService) Option {
	return func(o *factoryOptions) {
		o.cacheService = service
	}
}

// WithRecorder captures every statement the factory's connections execute.
func WithRecorder(r *logging.Recorder) Option {
	return func(o *factoryOptions) {
		o.recorder = r
	}
}

// WithDB uses an already opened pool instead of opening Unit.DSN.
func WithDB(sqldb *sql.DB, dialect schema.Dialect) Option {
	return func(o *factoryOptions) {
		o.sqldb = sqldb
		o.dialect = dialect
	}
}

// NewFactory opens the persistence unit and applies its schema action.
func NewFactory(ctx context.Context, unit Unit, opts ...Option) (*Factory, error) {
	o := factoryOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.OrNop(o.logger).Named("persistence")

	sqldb, dialect := o.sqldb, o.dialect
	if sqldb == nil {
		if err := unit.Validate(); err != nil {
			return nil, err
		}
		var err error
		if sqldb, dialect, err = openDB(unit); err != nil {
			return nil, err
		}
	}

	db := bun.NewDB(sqldb, dialect)
	db.AddQueryHook(logging.NewQueryHook(logger,
		logging.WithVerbose(unit.ShowSQL),
		logging.WithSlowThreshold(unit.SlowQuery),
		logging.WithRecorder(o.recorder),
	))

	f := &Factory{
		unit:      unit,
		db:        db,
		logger:    logger,
		junctions: o.junctions,
		named:     newNamedQueries(),
	}
	if err := f.init(ctx, o); err != nil {
		if f.ownedCache != nil {
			_ = f.ownedCache.Close()
		}
		_ = db.Close()
		return nil, err
	}

	logger.Info("persistence unit ready",
		zap.String("unit", unit.Name),
		zap.String("dialect", db.Dialect().Name().String()),
		zap.Int("entities", len(f.meta.order)),
		zap.Bool("second_level_cache", f.l2 != nil),
		zap.Bool("query_cache", f.queries != nil),
	)
	return f, nil
}

func (f *Factory) init(ctx context.Context, o factoryOptions) error {
	if len(o.junctions) > 0 {
		f.db.RegisterModel(o.junctions...)
	}

	meta, err := buildMetamodel(f.db, o.mappings)
	if err != nil {
		return err
	}
	f.meta = meta

	if f.unit.SecondLevelCache || f.unit.QueryCache {
		service := o.cacheService
		if service == nil {
			if service, err = cache.NewCacheService(f.unit.Cache); err != nil {
				return err
			}
			if closer, ok := service.(io.Closer); ok {
				f.ownedCache = closer
			}
		}
		if f.unit.SecondLevelCache {
			f.l2 = &secondLevelCache{service: service, logger: f.logger.Named("l2")}
		}
		if f.unit.QueryCache {
			f.queries = &queryCache{
				service: service,
				keys:    cache.NewHashedKeySerializer(nil),
				logger:  f.logger.Named("query_cache"),
			}
		}
	}

	for _, path := range f.unit.MappingFiles {
		if err := f.loadMappingFile(path); err != nil {
			return err
		}
	}

	if err := f.db.PingContext(ctx); err != nil {
		return fmt.Errorf("persistence: connect %s: %w", f.unit.Name, err)
	}

	switch f.unit.SchemaAction {
	case SchemaCreate, SchemaCreateDrop:
		return f.CreateSchema(ctx)
	}
	return nil
}

// CreateEntityManager returns a manager with an empty persistence context.
func (f *Factory) CreateEntityManager() *EntityManager {
	return newEntityManager(f)
}

// Cache returns the handle on the shared cache tiers.
func (f *Factory) Cache() *Cache {
	return &Cache{factory: f}
}

// DB returns the underlying bun database.
func (f *Factory) DB() *bun.DB {
	return f.db
}

// Unit returns the persistence unit the factory was opened with.
func (f *Factory) Unit() Unit {
	return f.unit
}

// IsOpen reports whether Close has not been called yet.
func (f *Factory) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

// Close drops the schema when the unit asks for create-drop and closes the
// connection pool.
func (f *Factory) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true

	var dropErr error
	if f.unit.SchemaAction == SchemaCreateDrop {
		dropErr = f.DropSchema(ctx)
	}
	if f.ownedCache != nil {
		if err := f.ownedCache.Close(); err != nil {
			f.logger.Warn("cache close failed", zap.Error(err))
		}
	}
	if err := f.db.Close(); err != nil {
		return fmt.Errorf("persistence: close %s: %w", f.unit.Name, err)
	}
	return dropErr
}
