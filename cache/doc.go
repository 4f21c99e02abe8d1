// Package cache provides the read-through cache used by the entity manager's
// second-level cache, its query cache and the repository decorators.
//
// # Overview
//
// The package exports two interfaces and their default implementations:
//
//   - CacheService: read-through GetOrFetch plus single key and region eviction
//   - KeySerializer: builds stable cache keys from method names and arguments
//
// NewCacheService picks a backend from Config.Backend. BackendMemory keeps
// entries in an in-process sturdyc client; BackendRedis stores msgpack encoded
// values in Redis so several processes share one second-level cache.
//
// # Keys and regions
//
// Entries are grouped in regions. A region is a namespace plus a name:
//
//	cache.RegionKey(cache.EntityNamespace, "customer", "42") // entity::customer::42
//	cache.RegionPrefix(cache.QueryNamespace, "customer")     // query::customer::
//
// DeleteByPrefix with a RegionPrefix evicts every entry of that region, which
// is what a bulk update or a committed write does to the query cache.
//
// # Basic Usage
//
//	svc, err := cache.NewCacheService(cache.DefaultConfig())
//	customer, err := cache.GetOrFetch(ctx, svc, key, func(ctx context.Context) (Customer, error) {
//		return loadCustomer(ctx, 42)
//	})
//
// # Key Serialization Strategy
//
// The default key serializer walks arguments with reflection:
//
//   - Function pointers use %p formatting and are stable only within a process
//   - Maps are rendered with sorted keys
//   - Structs render their exported fields, Stringers (time.Time) their String()
//   - Anything else falls back to JSON
//
// NewHashedKeySerializer wraps another serializer and replaces the argument
// part with an xxhash digest, keeping keys short when parameters are large.
package cache
