package model

import (
	"github.com/goliatone/go-entity-lab/persistence"
)

// CustomerRegion is the second-level cache region of Customer.
const CustomerRegion = "customer"

// Mappings returns the entity mappings of the schema with the fetch and
// cascade policies the probes expect. Collections are lazy and to-one
// relations eager, except Department.Mgr which the owning side loads lazily.
func Mappings() []persistence.EntityMapping {
	return []persistence.EntityMapping{
		persistence.Entity((*Customer)(nil),
			persistence.Cacheable(CustomerRegion),
			persistence.Relation("Orders", persistence.Fetch(persistence.FetchLazy)),
		),
		persistence.Entity((*Order)(nil),
			persistence.Relation("Customer", persistence.Fetch(persistence.FetchEager)),
		),
		persistence.Entity((*Item)(nil),
			persistence.Relation("Categories", persistence.Fetch(persistence.FetchLazy)),
		),
		persistence.Entity((*Category)(nil),
			persistence.Relation("Items", persistence.Fetch(persistence.FetchLazy), persistence.MappedBy()),
		),
		persistence.Entity((*Department)(nil),
			persistence.Relation("Mgr", persistence.Fetch(persistence.FetchLazy)),
		),
		persistence.Entity((*Manager)(nil),
			persistence.Relation("Dept", persistence.Fetch(persistence.FetchEager)),
		),
	}
}

// Junctions returns the join models that must be registered with bun before
// the mappings are built.
func Junctions() []any {
	return []any{(*ItemCategory)(nil)}
}

// Options returns the factory options registering the whole schema.
func Options() []persistence.Option {
	return []persistence.Option{
		persistence.WithJunctions(Junctions()...),
		persistence.WithEntities(Mappings()...),
	}
}
