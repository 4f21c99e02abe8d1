package persistence

import (
	"context"
	"fmt"
	"reflect"

	"github.com/uptrace/bun"
)

// Initialize loads a relation of a managed entity, the equivalent of touching
// a lazy proxy or collection. Loading an m2m relation issues the same join
// whichever side owns the junction.
func (em *EntityManager) Initialize(ctx context.Context, entity any, relation string) (err error) {
	if err := em.requireOpen(); err != nil {
		return err
	}
	meta, ptr, err := em.factory.meta.lookup(entity)
	if err != nil {
		return err
	}

	ctx, span := startSpan(ctx, "Initialize", meta)
	defer func() { endSpan(span, err) }()

	rm := meta.relations[relation]
	if rm == nil {
		return fmt.Errorf("persistence: %s has no relation %q: %w", meta.name, relation, ErrInvalidParameter)
	}
	e := em.pc.byPointer(ptr)
	if e == nil || e.state != stateManaged {
		return fmt.Errorf("persistence: initialize %s.%s: %w", meta.name, relation, ErrNotManaged)
	}
	if e.loaded[relation] {
		return nil
	}
	if err := em.loadRelation(ctx, e, rm); err != nil {
		return err
	}
	e.captureRefs()
	return nil
}

// IsLoaded reports whether relation of entity reflects the database, either
// because it was fetched eagerly or initialized since.
func (em *EntityManager) IsLoaded(entity any, relation string) bool {
	_, ptr, err := em.factory.meta.lookup(entity)
	if err != nil {
		return false
	}
	e := em.pc.byPointer(ptr)
	return e != nil && e.loaded[relation]
}

func (em *EntityManager) loadEager(ctx context.Context, e *entry) error {
	for _, name := range e.meta.relationOrder {
		rm := e.meta.relations[name]
		if !rm.eager() || e.loaded[name] {
			continue
		}
		if err := em.loadRelation(ctx, e, rm); err != nil {
			return err
		}
	}
	return nil
}

func (em *EntityManager) loadRelation(ctx context.Context, e *entry, rm *relationMeta) error {
	// mark first so cycles of eager relations terminate
	e.loaded[rm.name] = true

	switch rm.kind {
	case relBelongsTo:
		fk := fieldValue(rm.fkFields[0], e.ptr)
		if fk == nil {
			em.assignRelation(e, rm, nil)
			return nil
		}
		related, err := em.find(ctx, rm.target, fk)
		if err != nil {
			return err
		}
		if !related.IsValid() {
			em.assignRelation(e, rm, nil)
			return nil
		}
		em.assignRelation(e, rm, []reflect.Value{related})
		return nil

	case relHasOne, relHasMany:
		rows := reflect.New(reflect.SliceOf(reflect.PointerTo(rm.target.typ)))
		err := em.db().NewSelect().
			Model(rows.Interface()).
			Where("?TableAlias.? = ?", bun.Ident(rm.fkFields[0].Name), e.id).
			OrderExpr("?TableAlias.? ASC", bun.Ident(rm.target.pk.Name)).
			Scan(ctx)
		if err != nil {
			return fmt.Errorf("persistence: load %s.%s: %w", e.meta.name, rm.name, err)
		}
		managed, err := em.attachRows(ctx, rm.target, rows.Elem())
		if err != nil {
			return err
		}
		em.assignRelation(e, rm, managed)
		return nil

	case relManyToMany:
		rows := reflect.New(reflect.SliceOf(reflect.PointerTo(rm.target.typ)))
		err := em.db().NewSelect().
			Model(rows.Interface()).
			Join("JOIN ? AS lnk ON lnk.? = ?TableAlias.?",
				rm.rel.M2MTable.SQLName, bun.Ident(rm.rel.M2MJoinPKs[0].Name), bun.Ident(rm.target.pk.Name)).
			Where("lnk.? = ?", bun.Ident(rm.rel.M2MBasePKs[0].Name), e.id).
			OrderExpr("?TableAlias.? ASC", bun.Ident(rm.target.pk.Name)).
			Scan(ctx)
		if err != nil {
			return fmt.Errorf("persistence: load %s.%s: %w", e.meta.name, rm.name, err)
		}
		managed, err := em.attachRows(ctx, rm.target, rows.Elem())
		if err != nil {
			return err
		}
		em.assignRelation(e, rm, managed)
		return nil
	}
	return nil
}

// assignRelation stores managed instances in the relation field of e and
// points inverse to-one fields back at e.
func (em *EntityManager) assignRelation(e *entry, rm *relationMeta, related []reflect.Value) {
	field := rm.field.Value(e.ptr.Elem())

	if field.Kind() == reflect.Ptr {
		if len(related) == 0 {
			field.Set(reflect.Zero(field.Type()))
		} else {
			field.Set(related[0])
		}
	} else {
		out := reflect.MakeSlice(field.Type(), 0, len(related))
		for _, r := range related {
			out = reflect.Append(out, r)
		}
		field.Set(out)
	}
	e.loaded[rm.name] = true

	if rm.kind == relManyToMany && rm.owning {
		links := make(map[string]any, len(related))
		for _, r := range related {
			if id, ok := rm.target.idOf(r); ok {
				links[formatID(id)] = id
			}
		}
		e.links[rm.name] = links
	}

	inv := rm.inverse
	if inv == nil || inv.kind != relBelongsTo {
		return
	}
	for _, r := range related {
		back := inv.field.Value(r.Elem())
		if !back.IsNil() {
			continue
		}
		back.Set(e.ptr)
		if re := em.pc.byPointer(r); re != nil {
			re.loaded[inv.name] = true
			re.refs[inv.name] = e.ptr.Interface()
		}
	}
}

// attachRows puts freshly scanned rows under management. Rows already in the
// persistence context resolve to the managed instance, whose state wins.
func (em *EntityManager) attachRows(ctx context.Context, meta *entityMeta, rows reflect.Value) ([]reflect.Value, error) {
	out := make([]reflect.Value, 0, rows.Len())
	for i := 0; i < rows.Len(); i++ {
		row := rows.Index(i)
		if row.IsNil() {
			continue
		}
		managed, err := em.attachRow(ctx, meta, row)
		if err != nil {
			return nil, err
		}
		if managed.IsValid() {
			out = append(out, managed)
		}
	}
	return out, nil
}

func (em *EntityManager) attachRow(ctx context.Context, meta *entityMeta, row reflect.Value) (reflect.Value, error) {
	id, ok := meta.idOf(row)
	if !ok {
		return reflect.Value{}, fmt.Errorf("persistence: %s row without key", meta.name)
	}

	e := em.pc.get(meta, id)
	if e != nil && e.state == stateRemoved {
		return reflect.Value{}, nil
	}

	fresh := e == nil
	if fresh {
		// relation fields are adopted below, not trusted as loaded
		e = em.pc.add(meta, row, id)
	}

	// relations fetched by the query itself (bun Relation joins)
	for _, name := range meta.relationOrder {
		rm := meta.relations[name]
		if e.loaded[name] {
			continue
		}
		fetched := rm.field.Value(row.Elem())
		if fetched.Kind() == reflect.Ptr && fetched.IsNil() {
			continue
		}
		if fetched.Kind() == reflect.Slice && fetched.IsNil() {
			continue
		}
		if rm.kind == relBelongsTo && fetched.Kind() == reflect.Ptr {
			if _, ok := rm.target.idOf(fetched); !ok {
				// bun leaves an empty struct when the join matched nothing
				field := rm.field.Value(e.ptr.Elem())
				field.Set(reflect.Zero(field.Type()))
				e.loaded[name] = true
				continue
			}
		}

		items := reflect.MakeSlice(reflect.SliceOf(reflect.PointerTo(rm.target.typ)), 0, 1)
		if fetched.Kind() == reflect.Ptr {
			items = reflect.Append(items, fetched)
		} else {
			items = reflect.AppendSlice(items, fetched)
		}
		managed, err := em.attachRows(ctx, rm.target, items)
		if err != nil {
			return reflect.Value{}, err
		}
		em.assignRelation(e, rm, managed)
	}

	if fresh {
		e.snap = meta.snapshot(e.ptr)
		if err := em.loadEager(ctx, e); err != nil {
			return reflect.Value{}, err
		}
		// relation fields bun left unset are not loaded
		for _, name := range meta.relationOrder {
			if !e.loaded[name] {
				field := meta.relations[name].field.Value(e.ptr.Elem())
				field.Set(reflect.Zero(field.Type()))
			}
		}
		e.captureRefs()
	}
	return e.ptr, nil
}

// linkIDs reads the junction rows of an owning m2m relation.
func (em *EntityManager) linkIDs(ctx context.Context, e *entry, rm *relationMeta) (map[string]any, error) {
	rows := reflect.New(reflect.SliceOf(reflect.PointerTo(rm.rel.M2MTable.Type)))
	err := em.db().NewSelect().
		Model(rows.Interface()).
		Where("? = ?", bun.Ident(rm.rel.M2MBasePKs[0].Name), e.id).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("persistence: read %s links: %w", rm.rel.M2MTable.Name, err)
	}

	links := make(map[string]any, rows.Elem().Len())
	for i := 0; i < rows.Elem().Len(); i++ {
		id := fieldValue(rm.rel.M2MJoinPKs[0], rows.Elem().Index(i))
		if id != nil {
			links[formatID(id)] = id
		}
	}
	return links, nil
}
