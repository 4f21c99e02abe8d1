package cacheinfra

import (
	"context"
	"strings"

	"github.com/viccon/sturdyc"
)

// sturdycService is the in-process cache backend.
type sturdycService struct {
	client *sturdyc.Client[any]
}

// NewSturdycService validates cfg and builds a sturdyc client from it.
//
// Capacity, NumShards, TTL and EvictionPercentage are passed to sturdyc.New();
// everything else is applied through ToSturdycOptions().
func NewSturdycService(cfg Config) (*sturdycService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := sturdyc.New[any](
		cfg.Capacity,
		cfg.NumShards,
		cfg.TTL,
		cfg.EvictionPercentage,
		cfg.ToSturdycOptions()...,
	)

	return &sturdycService{client: client}, nil
}

// GetOrFetch returns the value stored under key, calling fetchFn on a miss.
// fetchFn must have the signature func(context.Context) (T, error). Errors
// returned by fetchFn are not cached.
func (s *sturdycService) GetOrFetch(ctx context.Context, key string, fetchFn any) (any, error) {
	if err := validateFetchFn(fetchFn); err != nil {
		return nil, err
	}

	return s.client.GetOrFetch(ctx, key, func(ctx context.Context) (any, error) {
		return callFetch(ctx, fetchFn)
	})
}

// Delete removes a single entry.
func (s *sturdycService) Delete(ctx context.Context, key string) error {
	s.client.Delete(key)
	return nil
}

// DeleteByPrefix removes every entry whose key starts with prefix.
func (s *sturdycService) DeleteByPrefix(ctx context.Context, prefix string) error {
	for _, key := range s.client.ScanKeys() {
		if strings.HasPrefix(key, prefix) {
			s.client.Delete(key)
		}
	}
	return nil
}

// InvalidateKeys removes the given keys.
func (s *sturdycService) InvalidateKeys(ctx context.Context, keys []string) error {
	for _, key := range keys {
		s.client.Delete(key)
	}
	return nil
}

// Size reports the number of stored entries.
func (s *sturdycService) Size() int {
	return s.client.Size()
}
