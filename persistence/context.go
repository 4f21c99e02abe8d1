package persistence

import (
	"reflect"
	"sort"
)

type entityState int

const (
	stateManaged entityState = iota + 1
	stateRemoved
)

type entityKey struct {
	typ reflect.Type
	id  any
}

// entry is the persistence context's record of one managed instance.
type entry struct {
	seq   uint64
	meta  *entityMeta
	ptr   reflect.Value
	id    any
	state entityState

	// column state as last synchronized with the database
	snap []any
	// belongs-to targets as last synchronized
	refs map[string]any
	// relations whose field reflects the database
	loaded map[string]bool
	// owning m2m links as last synchronized, keyed by formatted target id
	links map[string]map[string]any
}

func (e *entry) captureRefs() {
	for _, rm := range e.meta.relations {
		if rm.kind != relBelongsTo {
			continue
		}
		fv := rm.field.Value(e.ptr.Elem())
		if fv.IsNil() {
			delete(e.refs, rm.name)
			continue
		}
		e.refs[rm.name] = fv.Interface()
	}
}

func (e *entry) sync() {
	e.snap = e.meta.snapshot(e.ptr)
	e.captureRefs()
}

// persistenceContext is the identity map of an EntityManager: at most one
// instance per entity type and key.
type persistenceContext struct {
	seq     uint64
	entries map[entityKey]*entry
	byPtr   map[any]*entry
}

func newPersistenceContext() *persistenceContext {
	return &persistenceContext{
		entries: make(map[entityKey]*entry),
		byPtr:   make(map[any]*entry),
	}
}

func (pc *persistenceContext) get(meta *entityMeta, id any) *entry {
	return pc.entries[entityKey{typ: meta.typ, id: id}]
}

func (pc *persistenceContext) byPointer(ptr reflect.Value) *entry {
	return pc.byPtr[ptr.Interface()]
}

func (pc *persistenceContext) add(meta *entityMeta, ptr reflect.Value, id any) *entry {
	pc.seq++
	e := &entry{
		seq:    pc.seq,
		meta:   meta,
		ptr:    ptr,
		id:     id,
		state:  stateManaged,
		refs:   make(map[string]any),
		loaded: make(map[string]bool),
		links:  make(map[string]map[string]any),
	}
	e.snap = meta.snapshot(ptr)
	pc.entries[entityKey{typ: meta.typ, id: id}] = e
	pc.byPtr[ptr.Interface()] = e
	return e
}

func (pc *persistenceContext) remove(e *entry) {
	delete(pc.entries, entityKey{typ: e.meta.typ, id: e.id})
	delete(pc.byPtr, e.ptr.Interface())
}

// list returns entries in the order they entered the context.
func (pc *persistenceContext) list() []*entry {
	out := make([]*entry, 0, len(pc.entries))
	for _, e := range pc.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (pc *persistenceContext) size() int {
	return len(pc.entries)
}
