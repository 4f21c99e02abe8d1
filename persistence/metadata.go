package persistence

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/schema"
)

// FetchType controls when a relation is loaded.
type FetchType int

const (
	// FetchDefault picks Eager for to-one relations and Lazy for collections.
	FetchDefault FetchType = iota
	FetchEager
	FetchLazy
)

func (f FetchType) String() string {
	switch f {
	case FetchEager:
		return "EAGER"
	case FetchLazy:
		return "LAZY"
	default:
		return "DEFAULT"
	}
}

// CascadeType is a bit set of operations propagated along a relation.
type CascadeType uint8

const (
	CascadePersist CascadeType = 1 << iota
	CascadeMerge
	CascadeRemove
	CascadeRefresh
	CascadeDetach

	CascadeAll = CascadePersist | CascadeMerge | CascadeRemove | CascadeRefresh | CascadeDetach
)

// Has reports whether every bit of op is set.
func (c CascadeType) Has(op CascadeType) bool {
	return op != 0 && c&op == op
}

type relationKind int

const (
	relBelongsTo relationKind = iota + 1
	relHasOne
	relHasMany
	relManyToMany
)

func (k relationKind) String() string {
	switch k {
	case relBelongsTo:
		return "belongs-to"
	case relHasOne:
		return "has-one"
	case relHasMany:
		return "has-many"
	case relManyToMany:
		return "m2m"
	default:
		return "unknown"
	}
}

// EntityMapping declares a model and the policies bun does not model itself:
// fetch types, cascades, which m2m side owns the junction and caching.
type EntityMapping struct {
	model     any
	region    string
	cacheable bool
	relations map[string]relationOptions
}

type relationOptions struct {
	fetch    FetchType
	cascade  CascadeType
	mappedBy bool
}

// EntityOption configures an EntityMapping
type EntityOption func(*EntityMapping)

// RelationOption configures one relation of an EntityMapping
type RelationOption func(*relationOptions)

// Entity registers model, a pointer to a bun model struct.
//
//	persistence.Entity((*model.Customer)(nil),
//		persistence.Cacheable("customer"),
//		persistence.Relation("Orders", persistence.Fetch(persistence.FetchLazy)),
//	)
func Entity(model any, opts ...EntityOption) EntityMapping {
	m := EntityMapping{model: model, relations: make(map[string]relationOptions)}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Cacheable stores the entity in the second-level cache under region.
func Cacheable(region string) EntityOption {
	return func(m *EntityMapping) {
		m.cacheable = true
		m.region = region
	}
}

// Relation sets the policies of the relation declared on the struct field goName.
func Relation(goName string, opts ...RelationOption) EntityOption {
	return func(m *EntityMapping) {
		ro := m.relations[goName]
		for _, opt := range opts {
			opt(&ro)
		}
		m.relations[goName] = ro
	}
}

// Fetch overrides the default fetch type.
func Fetch(ft FetchType) RelationOption {
	return func(o *relationOptions) { o.fetch = ft }
}

// Cascade adds operations cascaded along the relation.
func Cascade(ops CascadeType) RelationOption {
	return func(o *relationOptions) { o.cascade |= ops }
}

// MappedBy marks an m2m relation as the inverse side. Only the owning side
// writes junction rows.
func MappedBy() RelationOption {
	return func(o *relationOptions) { o.mappedBy = true }
}

type entityMeta struct {
	name      string
	typ       reflect.Type // struct type
	table     *schema.Table
	pk        *schema.Field
	region    string
	cacheable bool
	relations map[string]*relationMeta
	// relation names sorted for deterministic traversal
	relationOrder []string
	// belongs-to relations of any entity that point at this one
	referencedBy []*relationMeta
}

type relationMeta struct {
	name     string
	kind     relationKind
	rel      *schema.Relation
	fetch    FetchType
	cascade  CascadeType
	owning   bool
	owner    *entityMeta
	target   *entityMeta
	inverse  *relationMeta
	field    *schema.Field
	fkFields []*schema.Field
}

func (r *relationMeta) eager() bool {
	return r.fetch == FetchEager
}

func (m *entityMeta) String() string {
	return m.name
}

// metamodel maps struct types to their metadata.
type metamodel struct {
	byType map[reflect.Type]*entityMeta
	order  []*entityMeta
}

func buildMetamodel(db *bun.DB, mappings []EntityMapping) (*metamodel, error) {
	mm := &metamodel{byType: make(map[reflect.Type]*entityMeta)}

	for _, mapping := range mappings {
		typ := reflect.TypeOf(mapping.model)
		if typ == nil || typ.Kind() != reflect.Ptr || typ.Elem().Kind() != reflect.Struct {
			return nil, fmt.Errorf("persistence: entity model must be a struct pointer, got %T", mapping.model)
		}
		typ = typ.Elem()

		table := db.Table(typ)
		if len(table.PKs) != 1 {
			return nil, fmt.Errorf("persistence: %s must declare exactly one primary key, has %d", typ.Name(), len(table.PKs))
		}

		region := mapping.region
		if region == "" {
			region = table.Name
		}

		mm.byType[typ] = &entityMeta{
			name:      typ.Name(),
			typ:       typ,
			table:     table,
			pk:        table.PKs[0],
			region:    region,
			cacheable: mapping.cacheable,
			relations: make(map[string]*relationMeta),
		}
		mm.order = append(mm.order, mm.byType[typ])
	}

	for _, mapping := range mappings {
		meta := mm.byType[reflect.TypeOf(mapping.model).Elem()]

		for name := range mapping.relations {
			if _, ok := meta.table.Relations[name]; !ok {
				return nil, fmt.Errorf("persistence: %s has no relation %q", meta.name, name)
			}
		}

		for name, rel := range meta.table.Relations {
			target := mm.byType[rel.JoinTable.Type]
			if target == nil {
				// relations to unregistered models stay invisible
				continue
			}

			opts := mapping.relations[name]
			rm := &relationMeta{
				name:    name,
				rel:     rel,
				fetch:   opts.fetch,
				cascade: opts.cascade,
				owner:   meta,
				target:  target,
				field:   rel.Field,
			}

			switch rel.Type {
			case schema.BelongsToRelation:
				rm.kind = relBelongsTo
				rm.owning = true
				rm.fkFields = rel.BasePKs
			case schema.HasOneRelation:
				rm.kind = relHasOne
				rm.fkFields = rel.JoinPKs
			case schema.HasManyRelation:
				rm.kind = relHasMany
				rm.fkFields = rel.JoinPKs
			case schema.ManyToManyRelation:
				rm.kind = relManyToMany
				rm.owning = !opts.mappedBy
			default:
				return nil, fmt.Errorf("persistence: %s.%s has unsupported relation type", meta.name, name)
			}

			if err := checkRelationField(rm); err != nil {
				return nil, err
			}

			if rm.kind != relManyToMany && len(rm.fkFields) != 1 {
				return nil, fmt.Errorf("persistence: %s.%s must join on a single column", meta.name, name)
			}

			if rm.fetch == FetchDefault {
				if rm.kind == relBelongsTo || rm.kind == relHasOne {
					rm.fetch = FetchEager
				} else {
					rm.fetch = FetchLazy
				}
			}

			meta.relations[name] = rm
			meta.relationOrder = append(meta.relationOrder, name)
		}
		sort.Strings(meta.relationOrder)
	}

	for _, meta := range mm.order {
		for _, name := range meta.relationOrder {
			rm := meta.relations[name]
			rm.inverse = findInverse(rm)
			if rm.kind == relBelongsTo {
				rm.target.referencedBy = append(rm.target.referencedBy, rm)
			}
		}
	}

	return mm, nil
}

func checkRelationField(rm *relationMeta) error {
	typ := rm.field.StructField.Type
	switch rm.kind {
	case relHasMany, relManyToMany:
		if typ.Kind() == reflect.Slice && typ.Elem().Kind() == reflect.Ptr {
			return nil
		}
		return fmt.Errorf("persistence: %s.%s must be a slice of pointers, got %s", rm.owner.name, rm.name, typ)
	default:
		if typ.Kind() == reflect.Ptr {
			return nil
		}
		return fmt.Errorf("persistence: %s.%s must be a pointer, got %s", rm.owner.name, rm.name, typ)
	}
}

// findInverse returns the relation on the target that maps the same columns
// from the other side, if the model declares one.
func findInverse(rm *relationMeta) *relationMeta {
	for _, name := range rm.target.relationOrder {
		other := rm.target.relations[name]
		if other.target != rm.owner {
			continue
		}
		switch rm.kind {
		case relBelongsTo:
			if (other.kind == relHasMany || other.kind == relHasOne) && other.fkFields[0].Name == rm.fkFields[0].Name {
				return other
			}
		case relHasOne, relHasMany:
			if other.kind == relBelongsTo && other.fkFields[0].Name == rm.fkFields[0].Name {
				return other
			}
		case relManyToMany:
			if other.kind == relManyToMany && other.rel.M2MTable == rm.rel.M2MTable {
				return other
			}
		}
	}
	return nil
}

func (mm *metamodel) lookup(v any) (*entityMeta, reflect.Value, error) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Ptr || rv.IsNil() {
		return nil, reflect.Value{}, fmt.Errorf("persistence: %T: %w", v, ErrNotAnEntity)
	}
	meta := mm.byType[rv.Type().Elem()]
	if meta == nil {
		return nil, reflect.Value{}, fmt.Errorf("persistence: %T: %w", v, ErrNotAnEntity)
	}
	return meta, rv, nil
}

func (mm *metamodel) metaOf(typ reflect.Type) (*entityMeta, error) {
	meta := mm.byType[typ]
	if meta == nil {
		return nil, fmt.Errorf("persistence: %s: %w", typ, ErrNotAnEntity)
	}
	return meta, nil
}

func metaFor[T any](em *EntityManager) (*entityMeta, error) {
	return em.factory.meta.metaOf(reflect.TypeOf((*T)(nil)).Elem())
}
