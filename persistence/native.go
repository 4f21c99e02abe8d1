package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
)

// NativeQuery runs SQL as written. Parameters use bun's positional `?`
// placeholders. Results are never attached to the persistence context.
type NativeQuery struct {
	em    *EntityManager
	query string
	queryState
}

// CreateNativeQuery prepares raw SQL.
func (em *EntityManager) CreateNativeQuery(query string) *NativeQuery {
	return &NativeQuery{em: em, query: query, queryState: queryState{name: "native"}}
}

// SetParameter binds value at the 1-based position pos.
func (q *NativeQuery) SetParameter(pos int, value any) *NativeQuery {
	q.setParameter(pos, value)
	return q
}

// GetResultList returns each row as a column name to value map.
func (q *NativeQuery) GetResultList(ctx context.Context) (_ []map[string]any, err error) {
	if err := q.em.requireOpen(); err != nil {
		return nil, err
	}
	params, err := q.boundParams()
	if err != nil {
		return nil, err
	}

	ctx, span := startSpan(ctx, "NativeQuery "+q.name, nil)
	defer func() { endSpan(span, err) }()

	var rows []map[string]any
	if err := q.em.db().NewRaw(q.query, params...).Scan(ctx, &rows); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("persistence: native query %s: %w", q.name, err)
	}
	return rows, nil
}

// GetSingleResult expects exactly one row. A single-column row yields the
// column value, a wider row its map.
func (q *NativeQuery) GetSingleResult(ctx context.Context) (any, error) {
	rows, err := q.GetResultList(ctx)
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, fmt.Errorf("persistence: native query %s: %w", q.name, ErrNoResult)
	case 1:
	default:
		return nil, fmt.Errorf("persistence: native query %s returned %d rows: %w", q.name, len(rows), ErrNonUniqueResult)
	}

	row := rows[0]
	if len(row) == 1 {
		for _, v := range row {
			return v, nil
		}
	}
	return row, nil
}

// Scan runs the query and scans into dest the way bun does: a struct, a
// slice of structs or one variable per column.
func (q *NativeQuery) Scan(ctx context.Context, dest ...any) (err error) {
	if err := q.em.requireOpen(); err != nil {
		return err
	}
	params, err := q.boundParams()
	if err != nil {
		return err
	}

	ctx, span := startSpan(ctx, "NativeQuery "+q.name, nil)
	defer func() { endSpan(span, err) }()

	if err := q.em.db().NewRaw(q.query, params...).Scan(ctx, dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("persistence: native query %s: %w", q.name, ErrNoResult)
		}
		return fmt.Errorf("persistence: native query %s: %w", q.name, err)
	}
	return nil
}

// ExecuteUpdate runs a writing statement inside the active transaction. The
// tables touched are unknown, so commit empties both cache tiers.
func (q *NativeQuery) ExecuteUpdate(ctx context.Context) (_ int64, err error) {
	if err := q.em.requireTx("execute native update"); err != nil {
		return 0, err
	}
	params, err := q.boundParams()
	if err != nil {
		return 0, err
	}

	ctx, span := startSpan(ctx, "NativeUpdate "+q.name, nil)
	defer func() { endSpan(span, err) }()

	res, err := q.em.db().ExecContext(ctx, q.query, params...)
	if err != nil {
		return 0, fmt.Errorf("persistence: native update %s: %w", q.name, err)
	}
	q.em.nativeWrite = true
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("persistence: native update %s: %w", q.name, err)
	}
	return n, nil
}

// NativeEntityQuery maps the rows of raw SQL onto managed entities of type T.
// The statement must select every column of the table.
type NativeEntityQuery[T any] struct {
	em    *EntityManager
	meta  *entityMeta
	query string
	queryState
}

// CreateNativeEntityQuery prepares raw SQL whose rows are entities of type T.
func CreateNativeEntityQuery[T any](em *EntityManager, query string) *NativeEntityQuery[T] {
	q := &NativeEntityQuery[T]{em: em, query: query, queryState: queryState{name: "native"}}
	q.meta, q.err = metaFor[T](em)
	return q
}

// SetParameter binds value at the 1-based position pos.
func (q *NativeEntityQuery[T]) SetParameter(pos int, value any) *NativeEntityQuery[T] {
	q.setParameter(pos, value)
	return q
}

// GetResultList runs the query and returns managed instances.
func (q *NativeEntityQuery[T]) GetResultList(ctx context.Context) (_ []*T, err error) {
	if err := q.em.requireOpen(); err != nil {
		return nil, err
	}
	params, err := q.boundParams()
	if err != nil {
		return nil, err
	}

	ctx, span := startSpan(ctx, "NativeQuery "+q.name, q.meta)
	defer func() { endSpan(span, err) }()

	var rows []*T
	if err := q.em.db().NewRaw(q.query, params...).Scan(ctx, &rows); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("persistence: native query %s: %w", q.name, err)
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

// GetSingleResult runs the query and expects exactly one row.
func (q *NativeEntityQuery[T]) GetSingleResult(ctx context.Context) (*T, error) {
	rows, err := q.GetResultList(ctx)
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, fmt.Errorf("persistence: native query %s: %w", q.name, ErrNoResult)
	case 1:
		return rows[0], nil
	default:
		return nil, fmt.Errorf("persistence: native query %s returned %d rows: %w", q.name, len(rows), ErrNonUniqueResult)
	}
}
