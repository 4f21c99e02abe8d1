package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"

	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// EntityManager owns one persistence context and at most one transaction.
// It is not safe for concurrent use; create one per unit of work.
type EntityManager struct {
	factory *Factory
	logger  *zap.Logger
	pc      *persistenceContext
	tx      *Transaction
	closed  bool

	removals []*entry
	// second-level cache keys written by this transaction
	evictions map[*entityMeta]map[string]struct{}
	// query cache regions written by this transaction
	written map[*entityMeta]struct{}
	// entity regions changed by statements that bypass the context
	bulk        map[*entityMeta]struct{}
	nativeWrite bool
}

func newEntityManager(f *Factory) *EntityManager {
	em := &EntityManager{
		factory: f,
		logger:  f.logger.Named("em"),
		pc:      newPersistenceContext(),
	}
	em.tx = &Transaction{em: em}
	em.resetPending()
	return em
}

func (em *EntityManager) resetPending() {
	em.removals = nil
	em.evictions = make(map[*entityMeta]map[string]struct{})
	em.written = make(map[*entityMeta]struct{})
	em.bulk = make(map[*entityMeta]struct{})
	em.nativeWrite = false
}

// GetTransaction returns the resource-local transaction of this manager.
func (em *EntityManager) GetTransaction() *Transaction {
	return em.tx
}

// Factory returns the factory that created this manager.
func (em *EntityManager) Factory() *Factory {
	return em.factory
}

func (em *EntityManager) db() bun.IDB {
	if em.tx.active {
		return em.tx.tx
	}
	return em.factory.db
}

func (em *EntityManager) requireOpen() error {
	if em.closed {
		return ErrManagerClosed
	}
	return nil
}

func (em *EntityManager) requireTx(op string) error {
	if err := em.requireOpen(); err != nil {
		return err
	}
	if !em.tx.active {
		return fmt.Errorf("persistence: %s: %w", op, ErrTransactionRequired)
	}
	return nil
}

// Find returns the entity of type T with the given primary key, or nil when
// no row exists. Within one manager repeated finds return the same pointer.
func Find[T any](ctx context.Context, em *EntityManager, id any) (_ *T, err error) {
	if err := em.requireOpen(); err != nil {
		return nil, err
	}
	meta, err := metaFor[T](em)
	if err != nil {
		return nil, err
	}

	ctx, span := startSpan(ctx, "Find", meta)
	defer func() { endSpan(span, err) }()

	ptr, err := em.find(ctx, meta, id)
	if err != nil || !ptr.IsValid() {
		return nil, err
	}
	return ptr.Interface().(*T), nil
}

func (em *EntityManager) find(ctx context.Context, meta *entityMeta, rawID any) (reflect.Value, error) {
	id, err := meta.normalizeID(rawID)
	if err != nil {
		return reflect.Value{}, err
	}

	if e := em.pc.get(meta, id); e != nil {
		if e.state == stateRemoved {
			return reflect.Value{}, nil
		}
		return e.ptr, nil
	}

	ptr, err := em.loadRow(ctx, meta, id)
	if errors.Is(err, errRowMissing) {
		return reflect.Value{}, nil
	}
	if err != nil {
		return reflect.Value{}, err
	}

	e := em.pc.add(meta, ptr, id)
	if err := em.loadEager(ctx, e); err != nil {
		return reflect.Value{}, err
	}
	e.captureRefs()
	return e.ptr, nil
}

var errRowMissing = errors.New("row missing")

// loadRow reads one row through the second-level cache when the entity is
// cacheable and the row is not dirty in the active transaction.
func (em *EntityManager) loadRow(ctx context.Context, meta *entityMeta, id any) (reflect.Value, error) {
	if meta.cacheable && em.factory.l2 != nil && !em.dirty(meta, id) {
		return em.factory.l2.load(ctx, meta, id, func(ctx context.Context) (reflect.Value, error) {
			return em.selectByID(ctx, meta, id)
		})
	}
	return em.selectByID(ctx, meta, id)
}

func (em *EntityManager) selectByID(ctx context.Context, meta *entityMeta, id any) (reflect.Value, error) {
	ptr := reflect.New(meta.typ)
	err := em.db().NewSelect().
		Model(ptr.Interface()).
		Where("?TableAlias.? = ?", bun.Ident(meta.pk.Name), id).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return reflect.Value{}, errRowMissing
	}
	if err != nil {
		return reflect.Value{}, fmt.Errorf("persistence: select %s#%v: %w", meta.name, id, err)
	}
	return ptr, nil
}

// Persist makes a transient entity managed and inserts it right away so the
// generated key is available. Entities that already carry a key are rejected
// with ErrDetachedEntity.
func (em *EntityManager) Persist(ctx context.Context, entity any) (err error) {
	if err := em.requireOpen(); err != nil {
		return err
	}
	meta, ptr, err := em.factory.meta.lookup(entity)
	if err != nil {
		return err
	}

	ctx, span := startSpan(ctx, "Persist", meta)
	defer func() { endSpan(span, err) }()

	if err := em.requireTx("persist"); err != nil {
		return err
	}
	return em.persist(ctx, meta, ptr, make(map[any]bool))
}

func (em *EntityManager) persist(ctx context.Context, meta *entityMeta, ptr reflect.Value, visited map[any]bool) error {
	if visited[ptr.Interface()] {
		return nil
	}
	visited[ptr.Interface()] = true

	if e := em.pc.byPointer(ptr); e != nil {
		if e.state == stateRemoved {
			e.state = stateManaged
			em.unscheduleRemoval(e)
		}
		return em.cascade(ctx, e, CascadePersist, func(rm *relationMeta, related reflect.Value) error {
			return em.persist(ctx, rm.target, related, visited)
		})
	}

	if _, ok := meta.idOf(ptr); ok {
		return fmt.Errorf("persistence: persist %s: %w", meta.name, ErrDetachedEntity)
	}

	if err := validateEntity(meta, ptr); err != nil {
		return err
	}

	// owners first, so their keys land in this INSERT
	for _, name := range meta.relationOrder {
		rm := meta.relations[name]
		if rm.kind != relBelongsTo || !rm.cascade.Has(CascadePersist) {
			continue
		}
		related := rm.field.Value(ptr.Elem())
		if related.IsNil() || em.pc.byPointer(related) != nil {
			continue
		}
		if err := em.persist(ctx, rm.target, related, visited); err != nil {
			return err
		}
	}

	if err := em.syncForeignKeys(meta, ptr, nil, false); err != nil {
		return err
	}

	if _, err := em.db().NewInsert().Model(ptr.Interface()).Exec(ctx); err != nil {
		return fmt.Errorf("persistence: insert %s: %w", meta.name, err)
	}

	id, ok := meta.idOf(ptr)
	if !ok {
		return fmt.Errorf("persistence: insert %s: no key generated", meta.name)
	}

	e := em.pc.add(meta, ptr, id)
	for _, name := range meta.relationOrder {
		rm := meta.relations[name]
		switch rm.kind {
		case relBelongsTo:
			// transient owners are written by the flush-time UPDATE
			e.loaded[name] = !rm.field.Value(ptr.Elem()).IsNil()
		case relManyToMany:
			e.loaded[name] = true
			if rm.owning {
				e.links[name] = map[string]any{}
			}
		default:
			e.loaded[name] = true
		}
	}
	e.captureRefs()
	em.recordEviction(meta, id)
	em.markWritten(meta)

	em.logger.Debug("persisted", zap.String("entity", meta.name), zap.Any("id", id))

	return em.cascade(ctx, e, CascadePersist, func(rm *relationMeta, related reflect.Value) error {
		if re := em.pc.byPointer(related); re != nil && re.state == stateManaged {
			return nil
		}
		return em.persist(ctx, rm.target, related, visited)
	})
}

// cascade calls fn for every instance reachable through relations that
// cascade op.
func (em *EntityManager) cascade(ctx context.Context, e *entry, op CascadeType, fn func(*relationMeta, reflect.Value) error) error {
	for _, name := range e.meta.relationOrder {
		rm := e.meta.relations[name]
		if !rm.cascade.Has(op) {
			continue
		}
		for _, related := range relatedValues(rm, e.ptr) {
			if err := fn(rm, related); err != nil {
				return err
			}
		}
	}
	return nil
}

// relatedValues lists the non-nil instances held by a relation field.
func relatedValues(rm *relationMeta, ptr reflect.Value) []reflect.Value {
	fv := rm.field.Value(ptr.Elem())
	switch fv.Kind() {
	case reflect.Ptr:
		if fv.IsNil() {
			return nil
		}
		return []reflect.Value{fv}
	case reflect.Slice:
		out := make([]reflect.Value, 0, fv.Len())
		for i := 0; i < fv.Len(); i++ {
			if el := fv.Index(i); !el.IsNil() {
				out = append(out, el)
			}
		}
		return out
	}
	return nil
}

// syncForeignKeys copies the keys of belongs-to targets into the owning
// columns. In strict mode a target without a key fails with
// ErrTransientReference; otherwise the column is left for a later flush.
func (em *EntityManager) syncForeignKeys(meta *entityMeta, ptr reflect.Value, e *entry, strict bool) error {
	for _, name := range meta.relationOrder {
		rm := meta.relations[name]
		if rm.kind != relBelongsTo {
			continue
		}

		fk := rm.fkFields[0].Value(ptr.Elem())
		related := rm.field.Value(ptr.Elem())

		if related.IsNil() {
			if e != nil && e.refs[name] != nil {
				// the reference was cleared since the last flush
				fk.Set(reflect.Zero(fk.Type()))
			}
			continue
		}

		id, ok := rm.target.idOf(related)
		if !ok {
			if strict {
				return fmt.Errorf("persistence: %s.%s: %w", meta.name, name, ErrTransientReference)
			}
			continue
		}
		if err := setFieldValue(fk, id); err != nil {
			return fmt.Errorf("persistence: %s.%s: %w", meta.name, name, err)
		}
	}
	return nil
}

type validator interface {
	Validate() error
}

func validateEntity(meta *entityMeta, ptr reflect.Value) error {
	v, ok := ptr.Interface().(validator)
	if !ok {
		return nil
	}
	if err := goerrors.ValidateWithOzzo(v.Validate, "invalid "+meta.name); err != nil {
		return err
	}
	return nil
}

// Merge copies the state of entity onto a managed instance and returns it.
// A transient entity is copied and the copy persisted; the argument keeps its
// zero key. A detached entity is matched by key against the persistence
// context, then the database; when neither has it a new row is inserted.
func Merge[T any](ctx context.Context, em *EntityManager, entity *T) (_ *T, err error) {
	if err := em.requireOpen(); err != nil {
		return nil, err
	}
	meta, ptr, err := em.factory.meta.lookup(entity)
	if err != nil {
		return nil, err
	}

	ctx, span := startSpan(ctx, "Merge", meta)
	defer func() { endSpan(span, err) }()

	if err := em.requireTx("merge"); err != nil {
		return nil, err
	}

	merged, err := em.merge(ctx, meta, ptr, make(map[any]reflect.Value))
	if err != nil {
		return nil, err
	}
	return merged.Interface().(*T), nil
}

func (em *EntityManager) merge(ctx context.Context, meta *entityMeta, ptr reflect.Value, visited map[any]reflect.Value) (reflect.Value, error) {
	if done, ok := visited[ptr.Interface()]; ok {
		return done, nil
	}

	if e := em.pc.byPointer(ptr); e != nil {
		if e.state == stateRemoved {
			return reflect.Value{}, fmt.Errorf("persistence: merge removed %s: %w", meta.name, ErrNotManaged)
		}
		visited[ptr.Interface()] = ptr
		return ptr, nil
	}

	var managed reflect.Value
	if id, ok := meta.idOf(ptr); ok {
		found, err := em.find(ctx, meta, id)
		if err != nil {
			return reflect.Value{}, err
		}
		managed = found
	}

	if managed.IsValid() {
		visited[ptr.Interface()] = managed
		meta.copyColumns(managed, ptr)
		if err := em.mergeRelations(ctx, meta, managed, ptr, visited); err != nil {
			return reflect.Value{}, err
		}
		return managed, nil
	}

	cp := reflect.New(meta.typ)
	meta.copyColumns(cp, ptr)
	visited[ptr.Interface()] = cp
	if err := em.mergeRelations(ctx, meta, cp, ptr, visited); err != nil {
		return reflect.Value{}, err
	}
	if err := em.persist(ctx, meta, cp, make(map[any]bool)); err != nil {
		return reflect.Value{}, err
	}
	return cp, nil
}

// mergeRelations points dst at managed counterparts of the instances src
// references.
func (em *EntityManager) mergeRelations(ctx context.Context, meta *entityMeta, dst, src reflect.Value, visited map[any]reflect.Value) error {
	for _, name := range meta.relationOrder {
		rm := meta.relations[name]
		srcField := rm.field.Value(src.Elem())
		dstField := rm.field.Value(dst.Elem())

		switch rm.kind {
		case relBelongsTo:
			if srcField.IsNil() {
				em.clearStaleReference(rm, dst)
				continue
			}
			related, err := em.mergeReference(ctx, rm, srcField, visited)
			if err != nil {
				return err
			}
			dstField.Set(related)

		default:
			if !rm.cascade.Has(CascadeMerge) || (srcField.Kind() == reflect.Ptr && srcField.IsNil()) {
				continue
			}
			if srcField.Kind() == reflect.Ptr {
				related, err := em.merge(ctx, rm.target, srcField, visited)
				if err != nil {
					return err
				}
				dstField.Set(related)
				continue
			}
			out := reflect.MakeSlice(srcField.Type(), 0, srcField.Len())
			for _, el := range relatedValues(rm, src) {
				related, err := em.merge(ctx, rm.target, el, visited)
				if err != nil {
					return err
				}
				out = reflect.Append(out, related)
			}
			dstField.Set(out)
		}
	}
	return nil
}

// clearStaleReference drops a belongs-to pointer that no longer matches the
// foreign key column. The column wins: the entry forgets the old target so
// the next flush does not treat the change as a cleared reference.
func (em *EntityManager) clearStaleReference(rm *relationMeta, ptr reflect.Value) {
	field := rm.field.Value(ptr.Elem())
	if field.IsNil() {
		return
	}
	if id, ok := rm.target.idOf(field); ok && fieldValue(rm.fkFields[0], ptr) == id {
		return
	}
	field.Set(reflect.Zero(field.Type()))
	if e := em.pc.byPointer(ptr); e != nil {
		delete(e.refs, rm.name)
		delete(e.loaded, rm.name)
	}
}

func (em *EntityManager) mergeReference(ctx context.Context, rm *relationMeta, related reflect.Value, visited map[any]reflect.Value) (reflect.Value, error) {
	if rm.cascade.Has(CascadeMerge) {
		return em.merge(ctx, rm.target, related, visited)
	}
	if e := em.pc.byPointer(related); e != nil {
		return related, nil
	}
	id, ok := rm.target.idOf(related)
	if !ok {
		return reflect.Value{}, fmt.Errorf("persistence: merge %s.%s: %w", rm.owner.name, rm.name, ErrTransientReference)
	}
	managed, err := em.find(ctx, rm.target, id)
	if err != nil {
		return reflect.Value{}, err
	}
	if !managed.IsValid() {
		return reflect.Value{}, fmt.Errorf("persistence: merge %s.%s: %s#%v: %w", rm.owner.name, rm.name, rm.target.name, id, ErrEntityNotFound)
	}
	return managed, nil
}

// Remove schedules a managed entity for deletion at the next flush. Rows
// referencing it through a foreign key are detached from it (the column is
// nulled) unless the inverse relation cascades removal; junction rows are
// deleted.
func (em *EntityManager) Remove(ctx context.Context, entity any) (err error) {
	if err := em.requireOpen(); err != nil {
		return err
	}
	meta, ptr, err := em.factory.meta.lookup(entity)
	if err != nil {
		return err
	}

	ctx, span := startSpan(ctx, "Remove", meta)
	defer func() { endSpan(span, err) }()

	if err := em.requireTx("remove"); err != nil {
		return err
	}

	e := em.pc.byPointer(ptr)
	if e == nil {
		return fmt.Errorf("persistence: remove %s: %w", meta.name, ErrNotManaged)
	}
	return em.remove(ctx, e)
}

func (em *EntityManager) remove(ctx context.Context, e *entry) error {
	if e.state == stateRemoved {
		return nil
	}
	e.state = stateRemoved

	for _, name := range e.meta.relationOrder {
		rm := e.meta.relations[name]
		if !rm.cascade.Has(CascadeRemove) {
			continue
		}
		if !e.loaded[name] {
			if err := em.loadRelation(ctx, e, rm); err != nil {
				return err
			}
		}
		for _, related := range relatedValues(rm, e.ptr) {
			re := em.pc.byPointer(related)
			if re == nil {
				continue
			}
			if err := em.remove(ctx, re); err != nil {
				return err
			}
		}
	}

	em.removals = append(em.removals, e)
	em.markWritten(e.meta)
	return nil
}

func (em *EntityManager) unscheduleRemoval(e *entry) {
	for i, r := range em.removals {
		if r == e {
			em.removals = append(em.removals[:i], em.removals[i+1:]...)
			return
		}
	}
}

// Refresh overwrites the state of a managed entity with the database row.
func (em *EntityManager) Refresh(ctx context.Context, entity any) (err error) {
	if err := em.requireOpen(); err != nil {
		return err
	}
	meta, ptr, err := em.factory.meta.lookup(entity)
	if err != nil {
		return err
	}

	ctx, span := startSpan(ctx, "Refresh", meta)
	defer func() { endSpan(span, err) }()

	e := em.pc.byPointer(ptr)
	if e == nil || e.state != stateManaged {
		return fmt.Errorf("persistence: refresh %s: %w", meta.name, ErrNotManaged)
	}
	return em.refresh(ctx, e, make(map[any]bool))
}

func (em *EntityManager) refresh(ctx context.Context, e *entry, visited map[any]bool) error {
	if visited[e.ptr.Interface()] {
		return nil
	}
	visited[e.ptr.Interface()] = true

	fresh, err := em.selectByID(ctx, e.meta, e.id)
	if errors.Is(err, errRowMissing) {
		return fmt.Errorf("persistence: refresh %s#%v: %w", e.meta.name, e.id, ErrEntityNotFound)
	}
	if err != nil {
		return err
	}
	e.meta.copyColumns(e.ptr, fresh)

	for _, name := range e.meta.relationOrder {
		rm := e.meta.relations[name]
		if rm.cascade.Has(CascadeRefresh) {
			for _, related := range relatedValues(rm, e.ptr) {
				if re := em.pc.byPointer(related); re != nil && re.state == stateManaged {
					if err := em.refresh(ctx, re, visited); err != nil {
						return err
					}
				}
			}
			continue
		}
		// reloaded below when eager, on Initialize otherwise
		field := rm.field.Value(e.ptr.Elem())
		field.Set(reflect.Zero(field.Type()))
		delete(e.loaded, name)
		delete(e.links, name)
	}
	e.refs = make(map[string]any)

	e.snap = e.meta.snapshot(e.ptr)
	if err := em.loadEager(ctx, e); err != nil {
		return err
	}
	e.captureRefs()
	return nil
}

// Contains reports whether entity is managed by this manager.
func (em *EntityManager) Contains(entity any) bool {
	_, ptr, err := em.factory.meta.lookup(entity)
	if err != nil {
		return false
	}
	e := em.pc.byPointer(ptr)
	return e != nil && e.state == stateManaged
}

// Detach evicts entity from the persistence context. Pending changes to it
// are not flushed.
func (em *EntityManager) Detach(entity any) {
	_, ptr, err := em.factory.meta.lookup(entity)
	if err != nil {
		return
	}
	if e := em.pc.byPointer(ptr); e != nil {
		em.detach(e, make(map[any]bool))
	}
}

func (em *EntityManager) detach(e *entry, visited map[any]bool) {
	if visited[e.ptr.Interface()] {
		return
	}
	visited[e.ptr.Interface()] = true

	em.pc.remove(e)
	em.unscheduleRemoval(e)

	_ = em.cascade(context.Background(), e, CascadeDetach, func(_ *relationMeta, related reflect.Value) error {
		if re := em.pc.byPointer(related); re != nil {
			em.detach(re, visited)
		}
		return nil
	})
}

// Clear detaches every managed entity.
func (em *EntityManager) Clear() {
	em.pc = newPersistenceContext()
	em.removals = nil
}

// Size reports how many instances the persistence context holds.
func (em *EntityManager) Size() int {
	return em.pc.size()
}

// Close rolls back an active transaction and discards the persistence context.
func (em *EntityManager) Close(ctx context.Context) error {
	if em.closed {
		return nil
	}
	var err error
	if em.tx.active {
		err = em.tx.Rollback(ctx)
	}
	em.Clear()
	em.closed = true
	return err
}

// IsOpen reports whether Close has not been called yet.
func (em *EntityManager) IsOpen() bool {
	return !em.closed
}

func (em *EntityManager) markWritten(meta *entityMeta) {
	em.written[meta] = struct{}{}
}

func (em *EntityManager) markBulkWritten(meta *entityMeta) {
	em.bulk[meta] = struct{}{}
	em.written[meta] = struct{}{}
}

// dirty reports whether the active transaction wrote the row of meta with
// id, so that neither reading nor filling the second-level cache is safe
// before commit.
func (em *EntityManager) dirty(meta *entityMeta, id any) bool {
	if !em.tx.active {
		return false
	}
	if em.nativeWrite {
		return true
	}
	if _, ok := em.bulk[meta]; ok {
		return true
	}
	_, ok := em.evictions[meta][formatID(id)]
	return ok
}

// hasWrites reports whether the active transaction wrote anything. Query
// results are neither read from nor stored in the query cache then.
func (em *EntityManager) hasWrites() bool {
	return em.tx.active && (em.nativeWrite || len(em.written) > 0)
}

func (em *EntityManager) recordEviction(meta *entityMeta, id any) {
	if !meta.cacheable {
		return
	}
	keys := em.evictions[meta]
	if keys == nil {
		keys = make(map[string]struct{})
		em.evictions[meta] = keys
	}
	keys[formatID(id)] = struct{}{}
}
