package di

import (
	"context"
	"fmt"
	"io"

	repository "github.com/goliatone/go-repository-bun"
	"go.uber.org/zap"

	"github.com/goliatone/go-entity-lab/cache"
	"github.com/goliatone/go-entity-lab/internal/config"
	"github.com/goliatone/go-entity-lab/internal/logging"
	"github.com/goliatone/go-entity-lab/model"
	"github.com/goliatone/go-entity-lab/persistence"
	"github.com/goliatone/go-entity-lab/repositorycache"
	"github.com/goliatone/go-entity-lab/service"
)

// Container wires the lab together: one cache service shared by the entity
// manager factory and the cached repositories, the factory itself with the
// model registered, and the person service.
type Container struct {
	config        config.Config
	logger        *zap.Logger
	cacheService  cache.CacheService
	keySerializer cache.KeySerializer
	factory       *persistence.Factory
	persons       *repositorycache.CachedRepository[*model.Person]
	personService *service.PersonService
}

// Option configures a Container.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	recorder *logging.Recorder
}

// WithLogger replaces the logger built from the log section of the config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRecorder records every statement the factory issues.
func WithRecorder(r *logging.Recorder) Option {
	return func(o *options) {
		o.recorder = r
	}
}

// NewContainer validates cfg and opens everything it describes. Close
// releases it again.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (*Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		if logger, err = logging.New(cfg.Log); err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
	}

	unit := cfg.Unit()
	cacheService, err := cache.NewCacheService(unit.Cache)
	if err != nil {
		return nil, fmt.Errorf("build cache service: %w", err)
	}

	factoryOpts := append(model.Options(),
		persistence.WithLogger(logger),
		persistence.WithCacheService(cacheService),
	)
	if o.recorder != nil {
		factoryOpts = append(factoryOpts, persistence.WithRecorder(o.recorder))
	}

	factory, err := persistence.NewFactory(ctx, unit, factoryOpts...)
	if err != nil {
		closeCache(cacheService)
		return nil, err
	}

	c := &Container{
		config:        cfg,
		logger:        logger,
		cacheService:  cacheService,
		keySerializer: cache.NewDefaultKeySerializer(),
		factory:       factory,
	}

	if err := c.init(ctx); err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	return c, nil
}

func (c *Container) init(ctx context.Context) error {
	if err := model.Register(c.factory); err != nil {
		return fmt.Errorf("register named queries: %w", err)
	}

	db := c.factory.DB()
	if c.config.Unit().SchemaAction != persistence.SchemaNone {
		if err := service.EnsurePersonTable(ctx, db); err != nil {
			return err
		}
	}

	c.persons = NewCachedRepository(c, service.NewPersonRepository(db))
	c.personService = service.NewPersonService(db, c.persons, service.WithLogger(c.logger.Named("persons")))
	return nil
}

// Close closes the factory, then the cache service when it holds
// connections of its own.
func (c *Container) Close(ctx context.Context) error {
	var dropErr error
	if c.factory.IsOpen() && c.config.Unit().SchemaAction == persistence.SchemaCreateDrop {
		dropErr = service.DropPersonTable(ctx, c.factory.DB())
	}
	err := c.factory.Close(ctx)
	closeCache(c.cacheService)
	if err != nil {
		return err
	}
	return dropErr
}

func closeCache(service cache.CacheService) {
	if closer, ok := service.(io.Closer); ok {
		_ = closer.Close()
	}
}

// Config returns the configuration the container was built from.
func (c *Container) Config() config.Config {
	return c.config
}

func (c *Container) Logger() *zap.Logger {
	return c.logger
}

// CacheService returns the cache shared by the factory and the repositories.
func (c *Container) CacheService() cache.CacheService {
	return c.cacheService
}

func (c *Container) KeySerializer() cache.KeySerializer {
	return c.keySerializer
}

// Factory returns the entity manager factory.
func (c *Container) Factory() *persistence.Factory {
	return c.factory
}

// Persons returns the cached person repository.
func (c *Container) Persons() *repositorycache.CachedRepository[*model.Person] {
	return c.persons
}

func (c *Container) PersonService() *service.PersonService {
	return c.personService
}

// NewCachedRepository wraps base with the container's cache service and key
// serializer.
func NewCachedRepository[T any](c *Container, base repository.Repository[T]) *repositorycache.CachedRepository[T] {
	return repositorycache.New(base, c.cacheService, c.keySerializer, repositorycache.WithLogger(c.logger))
}
