// Package repositorycache decorates go-repository-bun repositories with
// read-through caching.
//
// # Overview
//
// CachedRepository[T] wraps a base repository.Repository[T] and implements the
// same interface, so it can be handed to anything that expects the base. The
// person service in this module is wired that way:
//
//	base := service.NewPersonRepository(db)
//	persons := repositorycache.New(base, cacheService, cache.NewDefaultKeySerializer())
//	svc := service.NewPersonService(db, persons)
//
// pkg/di does the same through di.NewCachedRepository, sharing the cache
// service with the entity manager factory.
//
// # Cached and pass-through operations
//
// Get, GetByID, GetByIdentifier, List and Count are cached. List stores the
// records and the total as one entry.
//
// Writes (Create, Update, Upsert, Delete and their Many variants) go to the
// base repository. Transactional reads (*Tx) and Raw bypass the cache, since
// they may observe uncommitted rows.
//
// # Keys and invalidation
//
// Keys have the form repo::<region>::<method>::<args>. The region defaults to
// the snake-cased record type (person for *model.Person) and can be set with
// WithRegion.
//
// A successful create drops the cached List and Count entries of the region;
// updates, upserts and deletes drop the whole region. Failed writes leave the
// cache alone. Invalidate drops the region on demand.
//
// Reads made with a context from WithCacheTags are also recorded under each
// tag, and InvalidateTags drops exactly those keys:
//
//	ctx = repositorycache.WithCacheTags(ctx, "team:7")
//	members, _, err := persons.List(ctx, byTeam)
//	...
//	persons.InvalidateTags(ctx, "team:7")
//
// Criteria are functions and render into keys by address. Build them once at
// package level, or a closure capturing different values will share one key.
//
// # Errors
//
// Errors from the base repository are returned unchanged and never cached.
// Invalidation failures are logged through WithLogger and do not fail the
// write that triggered them.
package repositorycache
