package repositorycache

import (
	"context"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/goliatone/go-entity-lab/cache"
)

// Namespace prefixes every key written by a CachedRepository.
const Namespace = "repo"

var _ repository.Repository[any] = (*CachedRepository[any])(nil)

// listResult wraps the tuple result from List operations for caching
type listResult[T any] struct {
	Records []T `json:"records" msgpack:"records"`
	Total   int `json:"total" msgpack:"total"`
}

// CachedRepository decorates a base repository with read-through caching.
// Keys live under repo::<region>:: so a write can drop the region with one
// prefix delete.
type CachedRepository[T any] struct {
	base          repository.Repository[T]
	cache         cache.CacheService
	keySerializer cache.KeySerializer
	region        string
	logger        *zap.Logger
	// tag -> keys read under it
	tagged *xsync.MapOf[string, *xsync.MapOf[string, struct{}]]
}

// Option configures a CachedRepository.
type Option func(*options)

type options struct {
	region string
	logger *zap.Logger
}

// WithRegion overrides the region, which defaults to the snake-cased record
// type name (person for *model.Person).
func WithRegion(region string) Option {
	return func(o *options) {
		o.region = region
	}
}

// WithLogger reports failed invalidations to logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a CachedRepository that wraps base.
func New[T any](base repository.Repository[T], cacheService cache.CacheService, keySerializer cache.KeySerializer, opts ...Option) *CachedRepository[T] {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.region == "" {
		o.region = regionOf[T]()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if keySerializer == nil {
		keySerializer = cache.NewDefaultKeySerializer()
	}

	return &CachedRepository[T]{
		base:          base,
		cache:         cacheService,
		keySerializer: keySerializer,
		region:        o.region,
		logger:        o.logger.Named("repositorycache").With(zap.String("region", o.region)),
		tagged:        xsync.NewMapOf[string, *xsync.MapOf[string, struct{}]](),
	}
}

// Region returns the cache region of the repository.
func (c *CachedRepository[T]) Region() string {
	return c.region
}

func (c *CachedRepository[T]) key(ctx context.Context, method string, args ...any) string {
	key := cache.RegionKey(Namespace, c.region, c.keySerializer.SerializeKey(method, args...))
	for _, tag := range cacheTagsFromContext(ctx) {
		keys, _ := c.tagged.LoadOrCompute(tag, newKeySet)
		keys.Store(key, struct{}{})
	}
	return key
}

// Get retrieves a single record using the provided criteria, with caching
func (c *CachedRepository[T]) Get(ctx context.Context, criteria ...repository.SelectCriteria) (T, error) {
	key := c.key(ctx, "Get", criteria)
	return cache.GetOrFetch(ctx, c.cache, key, func(ctx context.Context) (T, error) {
		return c.base.Get(ctx, criteria...)
	})
}

// GetByID retrieves a record by ID with optional criteria, with caching
func (c *CachedRepository[T]) GetByID(ctx context.Context, id string, criteria ...repository.SelectCriteria) (T, error) {
	key := c.key(ctx, "GetByID", id, criteria)
	return cache.GetOrFetch(ctx, c.cache, key, func(ctx context.Context) (T, error) {
		return c.base.GetByID(ctx, id, criteria...)
	})
}

// List retrieves multiple records using the provided criteria, with caching
func (c *CachedRepository[T]) List(ctx context.Context, criteria ...repository.SelectCriteria) ([]T, int, error) {
	key := c.key(ctx, "List", criteria)
	res, err := cache.GetOrFetch(ctx, c.cache, key, func(ctx context.Context) (listResult[T], error) {
		records, total, err := c.base.List(ctx, criteria...)
		return listResult[T]{Records: records, Total: total}, err
	})
	if err != nil {
		return nil, 0, err
	}
	return res.Records, res.Total, nil
}

// Count returns the number of records matching the criteria, with caching
func (c *CachedRepository[T]) Count(ctx context.Context, criteria ...repository.SelectCriteria) (int, error) {
	key := c.key(ctx, "Count", criteria)
	return cache.GetOrFetch(ctx, c.cache, key, func(ctx context.Context) (int, error) {
		return c.base.Count(ctx, criteria...)
	})
}

// GetByIdentifier retrieves a record by identifier with optional criteria, with caching
func (c *CachedRepository[T]) GetByIdentifier(ctx context.Context, identifier string, criteria ...repository.SelectCriteria) (T, error) {
	key := c.key(ctx, "GetByIdentifier", identifier, criteria)
	return cache.GetOrFetch(ctx, c.cache, key, func(ctx context.Context) (T, error) {
		return c.base.GetByIdentifier(ctx, identifier, criteria...)
	})
}

// Create passes through and drops cached lists and counts.
func (c *CachedRepository[T]) Create(ctx context.Context, record T, criteria ...repository.InsertCriteria) (T, error) {
	result, err := c.base.Create(ctx, record, criteria...)
	if err == nil {
		c.invalidateAfterCreate(ctx)
	}
	return result, err
}

// CreateTx creates a record within a transaction. Cached lists are dropped
// right away, before the transaction commits; callers that read through the
// cache while tx is open should call Invalidate once it commits.
func (c *CachedRepository[T]) CreateTx(ctx context.Context, tx bun.IDB, record T, criteria ...repository.InsertCriteria) (T, error) {
	result, err := c.base.CreateTx(ctx, tx, record, criteria...)
	if err == nil {
		c.invalidateAfterCreate(ctx)
	}
	return result, err
}

// CreateMany creates multiple records
func (c *CachedRepository[T]) CreateMany(ctx context.Context, records []T, criteria ...repository.InsertCriteria) ([]T, error) {
	result, err := c.base.CreateMany(ctx, records, criteria...)
	if err == nil {
		c.invalidateAfterCreate(ctx)
	}
	return result, err
}

// CreateManyTx creates multiple records within a transaction
func (c *CachedRepository[T]) CreateManyTx(ctx context.Context, tx bun.IDB, records []T, criteria ...repository.InsertCriteria) ([]T, error) {
	result, err := c.base.CreateManyTx(ctx, tx, records, criteria...)
	if err == nil {
		c.invalidateAfterCreate(ctx)
	}
	return result, err
}

// GetOrCreate may insert, so it invalidates like Create.
func (c *CachedRepository[T]) GetOrCreate(ctx context.Context, record T) (T, error) {
	result, err := c.base.GetOrCreate(ctx, record)
	if err == nil {
		c.invalidateAfterCreate(ctx)
	}
	return result, err
}

// GetOrCreateTx gets a record or creates it if it doesn't exist within a transaction
func (c *CachedRepository[T]) GetOrCreateTx(ctx context.Context, tx bun.IDB, record T) (T, error) {
	result, err := c.base.GetOrCreateTx(ctx, tx, record)
	if err == nil {
		c.invalidateAfterCreate(ctx)
	}
	return result, err
}

// Update passes through and drops the whole region.
func (c *CachedRepository[T]) Update(ctx context.Context, record T, criteria ...repository.UpdateCriteria) (T, error) {
	result, err := c.base.Update(ctx, record, criteria...)
	if err == nil {
		c.invalidateRegion(ctx)
	}
	return result, err
}

// UpdateTx updates a record within a transaction
func (c *CachedRepository[T]) UpdateTx(ctx context.Context, tx bun.IDB, record T, criteria ...repository.UpdateCriteria) (T, error) {
	result, err := c.base.UpdateTx(ctx, tx, record, criteria...)
	if err == nil {
		c.invalidateRegion(ctx)
	}
	return result, err
}

// UpdateMany updates multiple records
func (c *CachedRepository[T]) UpdateMany(ctx context.Context, records []T, criteria ...repository.UpdateCriteria) ([]T, error) {
	result, err := c.base.UpdateMany(ctx, records, criteria...)
	if err == nil {
		c.invalidateRegion(ctx)
	}
	return result, err
}

// UpdateManyTx updates multiple records within a transaction
func (c *CachedRepository[T]) UpdateManyTx(ctx context.Context, tx bun.IDB, records []T, criteria ...repository.UpdateCriteria) ([]T, error) {
	result, err := c.base.UpdateManyTx(ctx, tx, records, criteria...)
	if err == nil {
		c.invalidateRegion(ctx)
	}
	return result, err
}

// Upsert inserts or updates a record
func (c *CachedRepository[T]) Upsert(ctx context.Context, record T, criteria ...repository.UpdateCriteria) (T, error) {
	result, err := c.base.Upsert(ctx, record, criteria...)
	if err == nil {
		c.invalidateRegion(ctx)
	}
	return result, err
}

// UpsertTx inserts or updates a record within a transaction
func (c *CachedRepository[T]) UpsertTx(ctx context.Context, tx bun.IDB, record T, criteria ...repository.UpdateCriteria) (T, error) {
	result, err := c.base.UpsertTx(ctx, tx, record, criteria...)
	if err == nil {
		c.invalidateRegion(ctx)
	}
	return result, err
}

// UpsertMany inserts or updates multiple records
func (c *CachedRepository[T]) UpsertMany(ctx context.Context, records []T, criteria ...repository.UpdateCriteria) ([]T, error) {
	result, err := c.base.UpsertMany(ctx, records, criteria...)
	if err == nil {
		c.invalidateRegion(ctx)
	}
	return result, err
}

// UpsertManyTx inserts or updates multiple records within a transaction
func (c *CachedRepository[T]) UpsertManyTx(ctx context.Context, tx bun.IDB, records []T, criteria ...repository.UpdateCriteria) ([]T, error) {
	result, err := c.base.UpsertManyTx(ctx, tx, records, criteria...)
	if err == nil {
		c.invalidateRegion(ctx)
	}
	return result, err
}

// Delete deletes a record
func (c *CachedRepository[T]) Delete(ctx context.Context, record T) error {
	err := c.base.Delete(ctx, record)
	if err == nil {
		c.invalidateRegion(ctx)
	}
	return err
}

// DeleteTx deletes a record within a transaction
func (c *CachedRepository[T]) DeleteTx(ctx context.Context, tx bun.IDB, record T) error {
	err := c.base.DeleteTx(ctx, tx, record)
	if err == nil {
		c.invalidateRegion(ctx)
	}
	return err
}

// DeleteMany deletes multiple records based on criteria
func (c *CachedRepository[T]) DeleteMany(ctx context.Context, criteria ...repository.DeleteCriteria) error {
	err := c.base.DeleteMany(ctx, criteria...)
	if err == nil {
		c.invalidateRegion(ctx)
	}
	return err
}

// DeleteManyTx deletes multiple records based on criteria within a transaction
func (c *CachedRepository[T]) DeleteManyTx(ctx context.Context, tx bun.IDB, criteria ...repository.DeleteCriteria) error {
	err := c.base.DeleteManyTx(ctx, tx, criteria...)
	if err == nil {
		c.invalidateRegion(ctx)
	}
	return err
}

// DeleteWhere deletes records based on criteria
func (c *CachedRepository[T]) DeleteWhere(ctx context.Context, criteria ...repository.DeleteCriteria) error {
	err := c.base.DeleteWhere(ctx, criteria...)
	if err == nil {
		c.invalidateRegion(ctx)
	}
	return err
}

// DeleteWhereTx deletes records based on criteria within a transaction
func (c *CachedRepository[T]) DeleteWhereTx(ctx context.Context, tx bun.IDB, criteria ...repository.DeleteCriteria) error {
	err := c.base.DeleteWhereTx(ctx, tx, criteria...)
	if err == nil {
		c.invalidateRegion(ctx)
	}
	return err
}

// ForceDelete force deletes a record (bypassing soft delete)
func (c *CachedRepository[T]) ForceDelete(ctx context.Context, record T) error {
	err := c.base.ForceDelete(ctx, record)
	if err == nil {
		c.invalidateRegion(ctx)
	}
	return err
}

// ForceDeleteTx force deletes a record within a transaction (bypassing soft delete)
func (c *CachedRepository[T]) ForceDeleteTx(ctx context.Context, tx bun.IDB, record T) error {
	err := c.base.ForceDeleteTx(ctx, tx, record)
	if err == nil {
		c.invalidateRegion(ctx)
	}
	return err
}

// GetTx reads through tx and bypasses the cache.
func (c *CachedRepository[T]) GetTx(ctx context.Context, tx bun.IDB, criteria ...repository.SelectCriteria) (T, error) {
	return c.base.GetTx(ctx, tx, criteria...)
}

// GetByIDTx reads through tx and bypasses the cache.
func (c *CachedRepository[T]) GetByIDTx(ctx context.Context, tx bun.IDB, id string, criteria ...repository.SelectCriteria) (T, error) {
	return c.base.GetByIDTx(ctx, tx, id, criteria...)
}

// ListTx reads through tx and bypasses the cache.
func (c *CachedRepository[T]) ListTx(ctx context.Context, tx bun.IDB, criteria ...repository.SelectCriteria) ([]T, int, error) {
	return c.base.ListTx(ctx, tx, criteria...)
}

// CountTx reads through tx and bypasses the cache.
func (c *CachedRepository[T]) CountTx(ctx context.Context, tx bun.IDB, criteria ...repository.SelectCriteria) (int, error) {
	return c.base.CountTx(ctx, tx, criteria...)
}

// GetByIdentifierTx reads through tx and bypasses the cache.
func (c *CachedRepository[T]) GetByIdentifierTx(ctx context.Context, tx bun.IDB, identifier string, criteria ...repository.SelectCriteria) (T, error) {
	return c.base.GetByIdentifierTx(ctx, tx, identifier, criteria...)
}

// Raw executes a raw SQL query and returns the results
func (c *CachedRepository[T]) Raw(ctx context.Context, sql string, args ...any) ([]T, error) {
	return c.base.Raw(ctx, sql, args...)
}

// RawTx executes a raw SQL query within a transaction and returns the results
func (c *CachedRepository[T]) RawTx(ctx context.Context, tx bun.IDB, sql string, args ...any) ([]T, error) {
	return c.base.RawTx(ctx, tx, sql, args...)
}

// Handlers returns the model handlers from the base repository
func (c *CachedRepository[T]) Handlers() repository.ModelHandlers[T] {
	return c.base.Handlers()
}

func newKeySet() *xsync.MapOf[string, struct{}] {
	return xsync.NewMapOf[string, struct{}]()
}

// InvalidateTags drops every key read under one of tags. See WithCacheTags.
func (c *CachedRepository[T]) InvalidateTags(ctx context.Context, tags ...string) {
	for _, tag := range dedupeStrings(tags) {
		keys, ok := c.tagged.LoadAndDelete(tag)
		if !ok {
			continue
		}
		keys.Range(func(key string, _ struct{}) bool {
			if err := c.cache.Delete(ctx, key); err != nil {
				c.logger.Warn("tag invalidation failed", zap.String("tag", tag), zap.String("key", key), zap.Error(err))
			}
			return true
		})
	}
}

// Invalidate drops every cached read of the region.
func (c *CachedRepository[T]) Invalidate(ctx context.Context) {
	c.invalidateRegion(ctx)
}

func (c *CachedRepository[T]) invalidatePrefix(ctx context.Context, method string) {
	prefix := cache.RegionPrefix(Namespace, c.region) + method
	if err := c.cache.DeleteByPrefix(ctx, prefix); err != nil {
		c.logger.Warn("invalidation failed", zap.String("prefix", prefix), zap.Error(err))
	}
}

func (c *CachedRepository[T]) invalidateAfterCreate(ctx context.Context) {
	c.invalidatePrefix(ctx, "List")
	c.invalidatePrefix(ctx, "Count")
}

func (c *CachedRepository[T]) invalidateRegion(ctx context.Context) {
	c.invalidatePrefix(ctx, "")
}
