package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"

	"github.com/uptrace/bun"

	"github.com/goliatone/go-entity-lab/cache"
)

// Query hints.
const (
	// HintCacheable caches the result of a query in the query cache.
	HintCacheable = "cacheable"
	// HintCacheRegion overrides the query cache region. Entity queries default
	// to the entity's region, scalar queries to their name.
	HintCacheRegion = "cacheRegion"
)

// Params are the positional parameters of a query. Positions start at 1.
type Params []any

// At returns the parameter bound at pos, or nil.
func (p Params) At(pos int) any {
	if pos < 1 || pos > len(p) {
		return nil
	}
	return p[pos-1]
}

// BuildFunc shapes a select query from bound parameters.
type BuildFunc func(q *bun.SelectQuery, p Params) *bun.SelectQuery

// queryState is shared by every query type.
type queryState struct {
	name        string
	params      []any
	bound       []bool
	hints       map[string]any
	maxResults  int
	firstResult int
	err         error
}

func (s *queryState) setParameter(pos int, value any) {
	if pos < 1 {
		s.err = fmt.Errorf("persistence: query %s: position %d: %w", s.name, pos, ErrInvalidParameter)
		return
	}
	for len(s.params) < pos {
		s.params = append(s.params, nil)
		s.bound = append(s.bound, false)
	}
	s.params[pos-1] = value
	s.bound[pos-1] = true
}

func (s *queryState) setHint(name string, value any) {
	if s.hints == nil {
		s.hints = make(map[string]any)
	}
	s.hints[name] = value
}

func (s *queryState) boundParams() (Params, error) {
	if s.err != nil {
		return nil, s.err
	}
	for i, ok := range s.bound {
		if !ok {
			return nil, fmt.Errorf("persistence: query %s: parameter %d not bound: %w", s.name, i+1, ErrInvalidParameter)
		}
	}
	return Params(s.params), nil
}

func (s *queryState) cacheable() bool {
	v, _ := s.hints[HintCacheable].(bool)
	return v
}

func (s *queryState) region(fallback string) string {
	if r, ok := s.hints[HintCacheRegion].(string); ok && r != "" {
		return r
	}
	return fallback
}

func (s *queryState) window(q *bun.SelectQuery) *bun.SelectQuery {
	if s.maxResults > 0 {
		q = q.Limit(s.maxResults)
	}
	if s.firstResult > 0 {
		q = q.Offset(s.firstResult)
	}
	return q
}

// TypedQuery selects managed entities of type T.
type TypedQuery[T any] struct {
	em    *EntityManager
	meta  *entityMeta
	build BuildFunc
	queryState
}

// CreateQuery prepares an entity query. name identifies it in logs and in the
// query cache; build receives the bound parameters.
//
//	q := persistence.CreateQuery[model.Customer](em, "Customer.olderThan",
//		func(q *bun.SelectQuery, p persistence.Params) *bun.SelectQuery {
//			return q.Where("?TableAlias.age > ?", p.At(1))
//		}).SetParameter(1, 1)
func CreateQuery[T any](em *EntityManager, name string, build BuildFunc) *TypedQuery[T] {
	q := &TypedQuery[T]{em: em, build: build, queryState: queryState{name: name}}
	q.meta, q.err = metaFor[T](em)
	return q
}

// SetParameter binds value at the 1-based position pos.
func (q *TypedQuery[T]) SetParameter(pos int, value any) *TypedQuery[T] {
	q.setParameter(pos, value)
	return q
}

// SetHint sets a query hint such as HintCacheable.
func (q *TypedQuery[T]) SetHint(name string, value any) *TypedQuery[T] {
	q.setHint(name, value)
	return q
}

// SetMaxResults limits the number of rows returned.
func (q *TypedQuery[T]) SetMaxResults(n int) *TypedQuery[T] {
	q.maxResults = n
	return q
}

// SetFirstResult skips the first n rows.
func (q *TypedQuery[T]) SetFirstResult(n int) *TypedQuery[T] {
	q.firstResult = n
	return q
}

// GetResultList runs the query and returns managed instances. With
// HintCacheable and the query cache enabled, a repeated execution with the
// same parameters resolves the cached keys instead of running SQL.
func (q *TypedQuery[T]) GetResultList(ctx context.Context) (_ []*T, err error) {
	if err := q.em.requireOpen(); err != nil {
		return nil, err
	}
	params, err := q.boundParams()
	if err != nil {
		return nil, err
	}

	ctx, span := startSpan(ctx, "Query "+q.name, q.meta)
	defer func() { endSpan(span, err) }()

	if q.cacheable() && q.em.factory.queries != nil && !q.em.hasWrites() {
		return q.cachedResultList(ctx, params)
	}
	return q.execute(ctx, params)
}

// GetSingleResult runs the query and expects exactly one row.
func (q *TypedQuery[T]) GetSingleResult(ctx context.Context) (*T, error) {
	rows, err := q.GetResultList(ctx)
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, fmt.Errorf("persistence: query %s: %w", q.name, ErrNoResult)
	case 1:
		return rows[0], nil
	default:
		return nil, fmt.Errorf("persistence: query %s returned %d rows: %w", q.name, len(rows), ErrNonUniqueResult)
	}
}

func (q *TypedQuery[T]) execute(ctx context.Context, params Params) ([]*T, error) {
	var rows []*T
	sel := q.build(q.em.db().NewSelect().Model(&rows), params)
	if err := q.window(sel).Scan(ctx); err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("persistence: query %s: %w", q.name, err)
	}

	out := make([]*T, 0, len(rows))
	for _, row := range rows {
		managed, err := q.em.attachRow(ctx, q.meta, reflect.ValueOf(row))
		if err != nil {
			return nil, err
		}
		if managed.IsValid() {
			out = append(out, managed.Interface().(*T))
		}
	}
	return out, nil
}

func (q *TypedQuery[T]) cachedResultList(ctx context.Context, params Params) ([]*T, error) {
	qc := q.em.factory.queries
	args := append([]any{q.firstResult, q.maxResults}, params...)
	key := qc.key(q.region(q.meta.region), q.name, args...)

	var fresh []*T
	missed := false
	ids, err := cache.GetOrFetch(ctx, qc.service, key, func(ctx context.Context) ([]string, error) {
		missed = true
		rows, err := q.execute(ctx, params)
		if err != nil {
			return nil, err
		}
		fresh = rows
		ids := make([]string, 0, len(rows))
		for _, row := range rows {
			id, _ := q.meta.idOf(reflect.ValueOf(row))
			ids = append(ids, formatID(id))
		}
		return ids, nil
	})
	if err != nil {
		return nil, err
	}
	if missed {
		return fresh, nil
	}

	out := make([]*T, 0, len(ids))
	for _, raw := range ids {
		id, err := q.meta.parseID(raw)
		if err != nil {
			return nil, err
		}
		ptr, err := q.em.find(ctx, q.meta, id)
		if err != nil {
			return nil, err
		}
		if !ptr.IsValid() {
			// a row behind the cached result is gone
			qc.evictKey(ctx, key)
			return q.execute(ctx, params)
		}
		out = append(out, ptr.Interface().(*T))
	}
	return out, nil
}

// ScalarQuery selects values that are not managed: single columns,
// aggregates or projections into a DTO struct.
type ScalarQuery[R any] struct {
	em    *EntityManager
	build BuildFunc
	queryState
}

// CreateScalarQuery prepares a projection query. build must select from a
// model or table.
//
//	persistence.CreateScalarQuery[string](em, "Customer.emails",
//		func(q *bun.SelectQuery, _ persistence.Params) *bun.SelectQuery {
//			return q.Model((*model.Customer)(nil)).ColumnExpr("lower(?TableAlias.email)")
//		})
func CreateScalarQuery[R any](em *EntityManager, name string, build BuildFunc) *ScalarQuery[R] {
	return &ScalarQuery[R]{em: em, build: build, queryState: queryState{name: name}}
}

// SetParameter binds value at the 1-based position pos.
func (q *ScalarQuery[R]) SetParameter(pos int, value any) *ScalarQuery[R] {
	q.setParameter(pos, value)
	return q
}

// SetHint sets a query hint such as HintCacheable.
func (q *ScalarQuery[R]) SetHint(name string, value any) *ScalarQuery[R] {
	q.setHint(name, value)
	return q
}

// SetMaxResults limits the number of rows returned.
func (q *ScalarQuery[R]) SetMaxResults(n int) *ScalarQuery[R] {
	q.maxResults = n
	return q
}

// SetFirstResult skips the first n rows.
func (q *ScalarQuery[R]) SetFirstResult(n int) *ScalarQuery[R] {
	q.firstResult = n
	return q
}

// GetResultList runs the query.
func (q *ScalarQuery[R]) GetResultList(ctx context.Context) (_ []R, err error) {
	if err := q.em.requireOpen(); err != nil {
		return nil, err
	}
	params, err := q.boundParams()
	if err != nil {
		return nil, err
	}

	ctx, span := startSpan(ctx, "Query "+q.name, nil)
	defer func() { endSpan(span, err) }()

	if q.cacheable() && q.em.factory.queries != nil && !q.em.hasWrites() {
		qc := q.em.factory.queries
		args := append([]any{q.firstResult, q.maxResults}, params...)
		key := qc.key(q.region(q.name), q.name, args...)
		return cache.GetOrFetch(ctx, qc.service, key, func(ctx context.Context) ([]R, error) {
			return q.execute(ctx, params)
		})
	}
	return q.execute(ctx, params)
}

// GetSingleResult runs the query and expects exactly one row.
func (q *ScalarQuery[R]) GetSingleResult(ctx context.Context) (R, error) {
	var zero R
	rows, err := q.GetResultList(ctx)
	if err != nil {
		return zero, err
	}
	switch len(rows) {
	case 0:
		return zero, fmt.Errorf("persistence: query %s: %w", q.name, ErrNoResult)
	case 1:
		return rows[0], nil
	default:
		return zero, fmt.Errorf("persistence: query %s returned %d rows: %w", q.name, len(rows), ErrNonUniqueResult)
	}
}

func (q *ScalarQuery[R]) execute(ctx context.Context, params Params) ([]R, error) {
	var out []R
	sel := q.build(q.em.db().NewSelect(), params)
	if err := q.window(sel).Scan(ctx, &out); err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("persistence: query %s: %w", q.name, err)
	}
	return out, nil
}

// BulkQuery is a set-based UPDATE or DELETE on the table of T. It bypasses
// the persistence context: managed instances keep their state until
// refreshed.
type BulkQuery[T any] struct {
	em   *EntityManager
	meta *entityMeta
	exec func(ctx context.Context, db bun.IDB, p Params) (sql.Result, error)
	queryState
}

// CreateUpdate prepares a bulk UPDATE.
//
//	persistence.CreateUpdate[model.Customer](em, "Customer.rename",
//		func(q *bun.UpdateQuery, p persistence.Params) *bun.UpdateQuery {
//			return q.Set("last_name = ?", p.At(1)).Where("id = ?", p.At(2))
//		})
func CreateUpdate[T any](em *EntityManager, name string, build func(*bun.UpdateQuery, Params) *bun.UpdateQuery) *BulkQuery[T] {
	q := &BulkQuery[T]{em: em, queryState: queryState{name: name}}
	q.meta, q.err = metaFor[T](em)
	q.exec = func(ctx context.Context, db bun.IDB, p Params) (sql.Result, error) {
		return build(db.NewUpdate().Model((*T)(nil)), p).Exec(ctx)
	}
	return q
}

// CreateDelete prepares a bulk DELETE. Junction rows and references are not
// touched; use Remove when the row participates in relations.
func CreateDelete[T any](em *EntityManager, name string, build func(*bun.DeleteQuery, Params) *bun.DeleteQuery) *BulkQuery[T] {
	q := &BulkQuery[T]{em: em, queryState: queryState{name: name}}
	q.meta, q.err = metaFor[T](em)
	q.exec = func(ctx context.Context, db bun.IDB, p Params) (sql.Result, error) {
		return build(db.NewDelete().Model((*T)(nil)), p).Exec(ctx)
	}
	return q
}

// SetParameter binds value at the 1-based position pos.
func (q *BulkQuery[T]) SetParameter(pos int, value any) *BulkQuery[T] {
	q.setParameter(pos, value)
	return q
}

// ExecuteUpdate runs the statement and returns the number of affected rows.
// Until commit the manager bypasses both cache tiers for T; commit evicts
// its entity region and query region.
func (q *BulkQuery[T]) ExecuteUpdate(ctx context.Context) (_ int64, err error) {
	if err := q.em.requireTx("execute update"); err != nil {
		return 0, err
	}
	params, err := q.boundParams()
	if err != nil {
		return 0, err
	}

	ctx, span := startSpan(ctx, "Update "+q.name, q.meta)
	defer func() { endSpan(span, err) }()

	res, err := q.exec(ctx, q.em.db(), params)
	if err != nil {
		return 0, fmt.Errorf("persistence: update %s: %w", q.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("persistence: update %s: %w", q.name, err)
	}

	q.em.markBulkWritten(q.meta)
	return n, nil
}
