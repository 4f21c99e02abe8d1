package persistence

import (
	"context"
	"fmt"
	"reflect"

	"go.uber.org/zap"

	"github.com/goliatone/go-entity-lab/cache"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// secondLevelCache holds detached copies of cacheable entities, shared by
// every manager of a factory.
type secondLevelCache struct {
	service cache.CacheService
	logger  *zap.Logger
}

func (c *secondLevelCache) key(meta *entityMeta, id string) string {
	return cache.RegionKey(cache.EntityNamespace, meta.region, id)
}

// load returns a new instance built from the cached copy, calling fetch on a
// miss. errRowMissing from fetch is passed through and not cached.
func (c *secondLevelCache) load(ctx context.Context, meta *entityMeta, id any, fetch func(context.Context) (reflect.Value, error)) (reflect.Value, error) {
	// func(context.Context) (T, error) with T the entity struct, so that
	// backends decoding by type (Redis) get the right target
	fnType := reflect.FuncOf([]reflect.Type{contextType}, []reflect.Type{meta.typ, errorType}, false)
	fetchFn := reflect.MakeFunc(fnType, func(args []reflect.Value) []reflect.Value {
		ctx, _ := args[0].Interface().(context.Context)
		ptr, err := fetch(ctx)
		if err != nil {
			return []reflect.Value{reflect.Zero(meta.typ), reflect.ValueOf(&err).Elem()}
		}
		c.logger.Debug("l2 miss", zap.String("region", meta.region), zap.Any("id", id))
		return []reflect.Value{meta.detachedCopy(ptr).Elem(), reflect.Zero(errorType)}
	})

	result, err := c.service.GetOrFetch(ctx, c.key(meta, formatID(id)), fetchFn.Interface())
	if err != nil {
		return reflect.Value{}, err
	}

	rv := reflect.ValueOf(result)
	if !rv.IsValid() || rv.Type() != meta.typ {
		return reflect.Value{}, &cache.TypeMismatchError{Key: c.key(meta, formatID(id)), Value: result}
	}

	stored := reflect.New(meta.typ)
	stored.Elem().Set(rv)
	return meta.detachedCopy(stored), nil
}

func (c *secondLevelCache) evictKey(ctx context.Context, meta *entityMeta, id string) {
	if err := c.service.Delete(ctx, c.key(meta, id)); err != nil {
		c.logger.Warn("l2 eviction failed", zap.String("region", meta.region), zap.String("id", id), zap.Error(err))
	}
}

func (c *secondLevelCache) evictRegion(ctx context.Context, region string) {
	if err := c.service.DeleteByPrefix(ctx, cache.RegionPrefix(cache.EntityNamespace, region)); err != nil {
		c.logger.Warn("l2 region eviction failed", zap.String("region", region), zap.Error(err))
	}
}

func (c *secondLevelCache) evictAll(ctx context.Context) {
	if err := c.service.DeleteByPrefix(ctx, cache.EntityNamespace+cache.KeySeparator); err != nil {
		c.logger.Warn("l2 eviction failed", zap.Error(err))
	}
}

// queryCache maps a query and its parameters to the keys of its result.
type queryCache struct {
	service cache.CacheService
	keys    cache.KeySerializer
	logger  *zap.Logger
}

func (c *queryCache) key(region, name string, args ...any) string {
	return cache.RegionKey(cache.QueryNamespace, region, c.keys.SerializeKey(name, args...))
}

func (c *queryCache) evictRegion(ctx context.Context, region string) {
	if err := c.service.DeleteByPrefix(ctx, cache.RegionPrefix(cache.QueryNamespace, region)); err != nil {
		c.logger.Warn("query cache eviction failed", zap.String("region", region), zap.Error(err))
	}
}

func (c *queryCache) evictAll(ctx context.Context) {
	if err := c.service.DeleteByPrefix(ctx, cache.QueryNamespace+cache.KeySeparator); err != nil {
		c.logger.Warn("query cache eviction failed", zap.Error(err))
	}
}

func (c *queryCache) evictKey(ctx context.Context, key string) {
	if err := c.service.Delete(ctx, key); err != nil {
		c.logger.Warn("query cache eviction failed", zap.String("key", key), zap.Error(err))
	}
}

// Cache is the factory's view of the second-level and query caches.
type Cache struct {
	factory *Factory
}

// Evict drops the cached copy of one entity.
func (c *Cache) Evict(ctx context.Context, model any, id any) error {
	meta, err := c.meta(model)
	if err != nil {
		return err
	}
	if c.factory.l2 == nil {
		return nil
	}
	nid, err := meta.normalizeID(id)
	if err != nil {
		return err
	}
	c.factory.l2.evictKey(ctx, meta, formatID(nid))
	return nil
}

// EvictType drops every cached copy of model's type and the queries of its region.
func (c *Cache) EvictType(ctx context.Context, model any) error {
	meta, err := c.meta(model)
	if err != nil {
		return err
	}
	if c.factory.l2 != nil {
		c.factory.l2.evictRegion(ctx, meta.region)
	}
	if c.factory.queries != nil {
		c.factory.queries.evictRegion(ctx, meta.region)
	}
	return nil
}

// EvictAll empties both cache tiers.
func (c *Cache) EvictAll(ctx context.Context) {
	if c.factory.l2 != nil {
		c.factory.l2.evictAll(ctx)
	}
	if c.factory.queries != nil {
		c.factory.queries.evictAll(ctx)
	}
}

// Enabled reports whether the second-level cache is on.
func (c *Cache) Enabled() bool {
	return c.factory.l2 != nil
}

func (c *Cache) meta(model any) (*entityMeta, error) {
	typ := reflect.TypeOf(model)
	if typ == nil {
		return nil, fmt.Errorf("persistence: nil model: %w", ErrNotAnEntity)
	}
	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	return c.factory.meta.metaOf(typ)
}
