package persistence

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// Flush writes pending changes without committing. Statements run in this
// order: foreign keys left unset by Persist, UPDATEs of changed columns,
// junction inserts and deletes, then DELETEs.
func (em *EntityManager) Flush(ctx context.Context) (err error) {
	if err := em.requireTx("flush"); err != nil {
		return err
	}

	ctx, span := startSpan(ctx, "Flush", nil)
	defer func() { endSpan(span, err) }()

	return em.flush(ctx)
}

func (em *EntityManager) flush(ctx context.Context) error {
	entries := em.pc.list()

	for _, e := range entries {
		if e.state != stateManaged {
			continue
		}
		if err := em.syncForeignKeys(e.meta, e.ptr, e, true); err != nil {
			return err
		}
	}

	updates := 0
	for _, e := range entries {
		if e.state != stateManaged {
			continue
		}
		cols := e.meta.dirtyColumns(e.ptr, e.snap)
		if len(cols) == 0 {
			e.captureRefs()
			continue
		}
		if err := validateEntity(e.meta, e.ptr); err != nil {
			return err
		}
		_, err := em.db().NewUpdate().
			Model(e.ptr.Interface()).
			Column(cols...).
			WherePK().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("persistence: update %s#%v: %w", e.meta.name, e.id, err)
		}
		e.sync()
		em.recordEviction(e.meta, e.id)
		em.markWritten(e.meta)
		updates++
	}

	for _, e := range entries {
		if e.state != stateManaged {
			continue
		}
		for _, name := range e.meta.relationOrder {
			rm := e.meta.relations[name]
			if rm.kind != relManyToMany || !rm.owning {
				continue
			}
			if err := em.flushLinks(ctx, e, rm); err != nil {
				return err
			}
		}
	}

	removals := em.removals
	em.removals = nil
	for _, e := range removals {
		if err := em.flushRemoval(ctx, e); err != nil {
			return err
		}
	}

	em.logger.Debug("flushed",
		zap.Int("managed", em.pc.size()),
		zap.Int("updates", updates),
		zap.Int("deletes", len(removals)),
	)
	return nil
}

// flushLinks diffs the owning side of an m2m relation against the junction
// rows last seen and writes the difference.
func (em *EntityManager) flushLinks(ctx context.Context, e *entry, rm *relationMeta) error {
	field := rm.field.Value(e.ptr.Elem())

	previous := e.links[rm.name]
	additive := false
	if !e.loaded[rm.name] {
		if field.Len() == 0 {
			return nil
		}
		// appended to without being initialized: existing links stay
		existing, err := em.linkIDs(ctx, e, rm)
		if err != nil {
			return err
		}
		previous = existing
		additive = true
	}

	current := make(map[string]any, field.Len())
	if additive {
		for k, id := range previous {
			current[k] = id
		}
	}
	for _, related := range relatedValues(rm, e.ptr) {
		id, ok := rm.target.idOf(related)
		if !ok {
			return fmt.Errorf("persistence: %s.%s: %w", e.meta.name, rm.name, ErrTransientReference)
		}
		current[formatID(id)] = id
	}

	for _, key := range sortedKeys(current) {
		if _, ok := previous[key]; ok {
			continue
		}
		row, err := em.junctionRow(rm, e.id, current[key])
		if err != nil {
			return err
		}
		if _, err := em.db().NewInsert().Model(row.Interface()).Exec(ctx); err != nil {
			return fmt.Errorf("persistence: link %s#%v to %s#%v: %w", e.meta.name, e.id, rm.target.name, current[key], err)
		}
	}

	for _, key := range sortedKeys(previous) {
		if _, ok := current[key]; ok {
			continue
		}
		row, err := em.junctionRow(rm, e.id, previous[key])
		if err != nil {
			return err
		}
		if _, err := em.db().NewDelete().Model(row.Interface()).WherePK().Exec(ctx); err != nil {
			return fmt.Errorf("persistence: unlink %s#%v from %s#%v: %w", e.meta.name, e.id, rm.target.name, previous[key], err)
		}
	}

	e.links[rm.name] = current
	return nil
}

func (em *EntityManager) junctionRow(rm *relationMeta, baseID, targetID any) (reflect.Value, error) {
	row := reflect.New(rm.rel.M2MTable.Type)
	if err := setFieldValue(rm.rel.M2MBasePKs[0].Value(row.Elem()), baseID); err != nil {
		return reflect.Value{}, err
	}
	if err := setFieldValue(rm.rel.M2MJoinPKs[0].Value(row.Elem()), targetID); err != nil {
		return reflect.Value{}, err
	}
	return row, nil
}

// flushRemoval deletes one row after releasing everything that references it.
func (em *EntityManager) flushRemoval(ctx context.Context, e *entry) error {
	for _, name := range e.meta.relationOrder {
		rm := e.meta.relations[name]
		if rm.kind != relManyToMany {
			continue
		}
		_, err := em.db().NewDelete().
			Model(reflect.New(rm.rel.M2MTable.Type).Interface()).
			Where("? = ?", bun.Ident(rm.rel.M2MBasePKs[0].Name), e.id).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("persistence: delete %s links of %s#%v: %w", rm.rel.M2MTable.Name, e.meta.name, e.id, err)
		}
	}

	for _, ref := range e.meta.referencedBy {
		if ref.inverse != nil && ref.inverse.cascade.Has(CascadeRemove) {
			continue
		}
		if err := em.releaseReferences(ctx, ref, e); err != nil {
			return err
		}
	}

	if _, err := em.db().NewDelete().Model(e.ptr.Interface()).WherePK().Exec(ctx); err != nil {
		return fmt.Errorf("persistence: delete %s#%v: %w", e.meta.name, e.id, err)
	}

	em.recordEviction(e.meta, e.id)
	em.markWritten(e.meta)
	em.pc.remove(e)
	return nil
}

// releaseReferences nulls the foreign key of rows owned through ref that
// point at the removed entity, in the database and in managed instances.
func (em *EntityManager) releaseReferences(ctx context.Context, ref *relationMeta, removed *entry) error {
	fk := ref.fkFields[0]

	res, err := em.db().NewUpdate().
		Model(reflect.New(ref.owner.typ).Interface()).
		Set("? = NULL", bun.Ident(fk.Name)).
		Where("? = ?", bun.Ident(fk.Name), removed.id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("persistence: release %s.%s of %s#%v: %w", ref.owner.name, fk.Name, removed.meta.name, removed.id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		em.markBulkWritten(ref.owner)
	}

	for _, e := range em.pc.list() {
		if e.meta != ref.owner || fieldValue(fk, e.ptr) != removed.id {
			continue
		}
		fv := fk.Value(e.ptr.Elem())
		fv.Set(reflect.Zero(fv.Type()))
		field := ref.field.Value(e.ptr.Elem())
		field.Set(reflect.Zero(field.Type()))
		e.sync()
		em.recordEviction(e.meta, e.id)
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
