package persistence

import (
	"context"
	"fmt"
)

// Reference stands in for an entity that has not been loaded yet. Obtaining
// one issues no SQL; the row is read on the first Get.
type Reference[T any] struct {
	em     *EntityManager
	meta   *entityMeta
	id     any
	target *T
}

// GetReference returns a lazy handle on the entity of type T with key id.
// When the entity is already managed the reference is initialized.
func GetReference[T any](em *EntityManager, id any) (*Reference[T], error) {
	if err := em.requireOpen(); err != nil {
		return nil, err
	}
	meta, err := metaFor[T](em)
	if err != nil {
		return nil, err
	}
	nid, err := meta.normalizeID(id)
	if err != nil {
		return nil, err
	}

	ref := &Reference[T]{em: em, meta: meta, id: nid}
	if e := em.pc.get(meta, nid); e != nil && e.state == stateManaged {
		ref.target = e.ptr.Interface().(*T)
	}
	return ref, nil
}

// ID returns the key the reference points at.
func (r *Reference[T]) ID() any {
	return r.id
}

// Initialized reports whether the entity has been loaded.
func (r *Reference[T]) Initialized() bool {
	return r.target != nil
}

// Get loads the entity through the persistence context. A missing row fails
// with ErrEntityNotFound.
func (r *Reference[T]) Get(ctx context.Context) (*T, error) {
	if r.target != nil {
		return r.target, nil
	}
	found, err := Find[T](ctx, r.em, r.id)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("persistence: %s#%v: %w", r.meta.name, r.id, ErrEntityNotFound)
	}
	r.target = found
	return found, nil
}
