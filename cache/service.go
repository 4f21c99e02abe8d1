package cache

import (
	"context"
	"strings"
)

// KeySerializer builds a cache key from a method name + arbitrary args.
// It is responsible for producing stable keys across calls.
type KeySerializer interface {
	SerializeKey(method string, args ...any) string
}

// FetchFn is the function signature CacheService expects when fetching from the source of truth.
type FetchFn[T any] func(ctx context.Context) (T, error)

// CacheService exposes the read-through operations shared by the second-level
// entity cache, the query cache and the repository decorators.
type CacheService interface {
	GetOrFetch(ctx context.Context, key string, fetchFn any) (any, error)
	Delete(ctx context.Context, key string) error
	// DeleteByPrefix evicts every entry whose key starts with prefix. Regions
	// rely on it to drop all entries of an entity type at once.
	DeleteByPrefix(ctx context.Context, prefix string) error
}

// GetOrFetch is a type-safe wrapper function that provides generic support for CacheService.
// A nil cached value yields the zero value of T.
func GetOrFetch[T any](ctx context.Context, service CacheService, key string, fetchFn FetchFn[T]) (T, error) {
	var zero T
	result, err := service.GetOrFetch(ctx, key, fetchFn)
	if err != nil {
		return zero, err
	}
	if result == nil {
		return zero, nil
	}
	typed, ok := result.(T)
	if !ok {
		return zero, &TypeMismatchError{Key: key, Value: result}
	}
	return typed, nil
}

// Region namespaces used by the persistence layer.
const (
	EntityNamespace = "entity"
	QueryNamespace  = "query"
)

// RegionKey joins a namespace, a region and key parts with KeySeparator.
//
//	RegionKey("entity", "customer", "42") // entity::customer::42
func RegionKey(namespace, region string, parts ...string) string {
	segments := make([]string, 0, len(parts)+2)
	segments = append(segments, namespace, region)
	segments = append(segments, parts...)
	return strings.Join(segments, KeySeparator)
}

// RegionPrefix returns the prefix shared by every key of a region, including
// the trailing separator so "customer" does not match "customer_archive".
func RegionPrefix(namespace, region string) string {
	return namespace + KeySeparator + region + KeySeparator
}
