package persistence_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-entity-lab/model"
	"github.com/goliatone/go-entity-lab/persistence"
	"github.com/goliatone/go-entity-lab/pkg/testsupport"
)

func TestOneToMany_PersistOwnerFirst(t *testing.T) {
	ctx := context.Background()
	f, recorder := testsupport.OpenUnit(t, nil)
	em := testsupport.Begin(t, f)

	c := &model.Customer{LastName: "Han", Email: "han@example.com", Age: 30}
	o1 := &model.Order{OrderName: "O-HAN-1", Customer: c}
	o2 := &model.Order{OrderName: "O-HAN-2", Customer: c}

	require.NoError(t, em.Persist(ctx, c))
	require.NoError(t, em.Persist(ctx, o1))
	require.NoError(t, em.Persist(ctx, o2))
	require.NoError(t, em.GetTransaction().Commit(ctx))

	assert.Equal(t, 3, recorder.Count("INSERT"))
	assert.Zero(t, recorder.Count("UPDATE"), "foreign keys are part of the INSERT")
	require.NotNil(t, o1.CustomerID)
	assert.Equal(t, c.ID, *o1.CustomerID)
	assert.Equal(t, 2, countRows(t, f, (*model.Order)(nil), "customer_id = ?", c.ID))
}

func TestOneToMany_PersistOwnerLast(t *testing.T) {
	ctx := context.Background()
	f, recorder := testsupport.OpenUnit(t, nil)
	em := testsupport.Begin(t, f)

	c := &model.Customer{LastName: "Han", Email: "han@example.com", Age: 30}
	o1 := &model.Order{OrderName: "O-HAN-1", Customer: c}
	o2 := &model.Order{OrderName: "O-HAN-2", Customer: c}

	require.NoError(t, em.Persist(ctx, o1))
	require.NoError(t, em.Persist(ctx, o2))
	require.NoError(t, em.Persist(ctx, c))
	require.NoError(t, em.GetTransaction().Commit(ctx))

	assert.Equal(t, 3, recorder.Count("INSERT"))
	assert.Equal(t, 2, recorder.Count("UPDATE"), "foreign keys are written at flush")
	assert.Equal(t, 2, countRows(t, f, (*model.Order)(nil), "customer_id = ?", c.ID))
}

func TestOneToMany_TransientReference(t *testing.T) {
	ctx := context.Background()
	f, _ := testsupport.OpenUnit(t, nil)
	em := testsupport.Begin(t, f)

	o := &model.Order{OrderName: "O-X", Customer: &model.Customer{LastName: "Never", Age: 1}}
	require.NoError(t, em.Persist(ctx, o))

	err := em.GetTransaction().Commit(ctx)
	assert.ErrorIs(t, err, persistence.ErrTransientReference)
	assert.False(t, em.GetTransaction().IsActive(), "a failed flush rolls back")
	assert.Equal(t, 7, countRows(t, f, (*model.Order)(nil), ""))
}

func TestOneToMany_LazyCollection(t *testing.T) {
	ctx := context.Background()
	f, recorder := testsupport.OpenUnit(t, nil)
	em := testsupport.Begin(t, f)

	c, err := persistence.Find[model.Customer](ctx, em, 1)
	require.NoError(t, err)
	assert.False(t, em.IsLoaded(c, "Orders"))
	assert.Nil(t, c.Orders)
	assert.Equal(t, 1, recorder.Count("SELECT"))

	require.NoError(t, em.Initialize(ctx, c, "Orders"))
	assert.True(t, em.IsLoaded(c, "Orders"))
	require.Len(t, c.Orders, 2)
	assert.Equal(t, "O-KIM-1", c.Orders[0].OrderName)
	for _, o := range c.Orders {
		assert.Same(t, c, o.Customer, "orders point back at the managed customer")
		assert.True(t, em.Contains(o))
	}
	assert.Equal(t, 2, recorder.Count("SELECT"))

	require.NoError(t, em.Initialize(ctx, c, "Orders"))
	assert.Equal(t, 2, recorder.Count("SELECT"), "initialized relations are not reloaded")
}

func TestOneToMany_UpdateThroughCollection(t *testing.T) {
	ctx := context.Background()
	f, recorder := testsupport.OpenUnit(t, nil)
	em := testsupport.Begin(t, f)

	c, err := persistence.Find[model.Customer](ctx, em, 1)
	require.NoError(t, err)
	require.NoError(t, em.Initialize(ctx, c, "Orders"))
	c.Orders[0].OrderName = "O-KIM-10"

	require.NoError(t, em.GetTransaction().Commit(ctx))
	assert.Equal(t, 1, recorder.Count("UPDATE"))
	assert.Equal(t, 1, countRows(t, f, (*model.Order)(nil), "order_name = ?", "O-KIM-10"))
}

func TestOneToMany_ReassignOwner(t *testing.T) {
	ctx := context.Background()
	f, _ := testsupport.OpenUnit(t, nil)
	em := testsupport.Begin(t, f)

	o, err := persistence.Find[model.Order](ctx, em, 6)
	require.NoError(t, err)
	yy, err := persistence.Find[model.Customer](ctx, em, 3)
	require.NoError(t, err)
	o.Customer = yy

	require.NoError(t, em.GetTransaction().Commit(ctx))
	assert.Equal(t, 4, countRows(t, f, (*model.Order)(nil), "customer_id = ?", 3))
}

func TestOneToMany_ClearOwner(t *testing.T) {
	ctx := context.Background()
	f, _ := testsupport.OpenUnit(t, nil)
	em := testsupport.Begin(t, f)

	o, err := persistence.Find[model.Order](ctx, em, 6)
	require.NoError(t, err)
	require.NotNil(t, o.Customer)
	o.Customer = nil

	require.NoError(t, em.GetTransaction().Commit(ctx))
	assert.Nil(t, o.CustomerID)
	assert.Equal(t, 2, countRows(t, f, (*model.Order)(nil), "customer_id IS NULL"))
}

func TestOneToMany_RemoveOwnerReleasesChildren(t *testing.T) {
	ctx := context.Background()
	f, _ := testsupport.OpenUnit(t, nil)
	em := testsupport.Begin(t, f)

	o, err := persistence.Find[model.Order](ctx, em, 1)
	require.NoError(t, err)
	c := o.Customer
	require.NotNil(t, c)

	require.NoError(t, em.Remove(ctx, c))
	require.NoError(t, em.GetTransaction().Commit(ctx))

	assert.Nil(t, o.Customer, "managed children drop the removed owner")
	assert.Nil(t, o.CustomerID)
	assert.Equal(t, 7, countRows(t, f, (*model.Order)(nil), ""))
	assert.Equal(t, 3, countRows(t, f, (*model.Order)(nil), "customer_id IS NULL"))
}

func cascadingMappings() []persistence.EntityMapping {
	return []persistence.EntityMapping{
		persistence.Entity((*model.Customer)(nil),
			persistence.Cacheable(model.CustomerRegion),
			persistence.Relation("Orders",
				persistence.Fetch(persistence.FetchLazy),
				persistence.Cascade(persistence.CascadeAll),
			),
		),
		persistence.Entity((*model.Order)(nil)),
		persistence.Entity((*model.Item)(nil)),
		persistence.Entity((*model.Category)(nil),
			persistence.Relation("Items", persistence.MappedBy()),
		),
		persistence.Entity((*model.Department)(nil),
			persistence.Relation("Mgr", persistence.Cascade(persistence.CascadePersist)),
		),
		persistence.Entity((*model.Manager)(nil)),
	}
}

func TestCascade_PersistAndRemove(t *testing.T) {
	ctx := context.Background()
	f, recorder := testsupport.OpenMapped(t, cascadingMappings(), nil)
	em := testsupport.Begin(t, f)

	c := &model.Customer{LastName: "Han", Email: "han@example.com", Age: 30}
	c.Orders = []*model.Order{
		{OrderName: "O-HAN-1", Customer: c},
		{OrderName: "O-HAN-2", Customer: c},
	}
	require.NoError(t, em.Persist(ctx, c))
	assert.Equal(t, 3, recorder.Count("INSERT"))
	assert.True(t, em.Contains(c.Orders[1]))

	kim, err := persistence.Find[model.Customer](ctx, em, 1)
	require.NoError(t, err)
	require.NoError(t, em.Remove(ctx, kim))
	require.NoError(t, em.GetTransaction().Commit(ctx))

	assert.Zero(t, countRows(t, f, (*model.Order)(nil), "order_name LIKE ?", "O-KIM-%"))
	assert.Equal(t, 2, countRows(t, f, (*model.Order)(nil), "customer_id = ?", c.ID))
}

func TestCascade_PersistBelongsTo(t *testing.T) {
	ctx := context.Background()
	f, recorder := testsupport.OpenMapped(t, cascadingMappings(), nil)
	em := testsupport.Begin(t, f)

	d := &model.Department{DeptName: "D-NEW", Mgr: &model.Manager{MgrName: "M-NEW"}}
	require.NoError(t, em.Persist(ctx, d))

	assert.NotZero(t, d.Mgr.ID, "the owner is inserted first")
	require.NotNil(t, d.ManagerID)
	assert.Equal(t, d.Mgr.ID, *d.ManagerID)
	assert.Equal(t, 2, recorder.Count("INSERT"))
}

func TestOneToOne_Persist(t *testing.T) {
	ctx := context.Background()
	f, recorder := testsupport.OpenUnit(t, nil)
	em := testsupport.Begin(t, f)

	mgr := &model.Manager{MgrName: "M-CC"}
	dept := &model.Department{DeptName: "D-BB", Mgr: mgr}
	require.NoError(t, em.Persist(ctx, mgr))
	require.NoError(t, em.Persist(ctx, dept))
	require.NoError(t, em.GetTransaction().Commit(ctx))

	assert.Equal(t, 2, recorder.Count("INSERT"))
	assert.Zero(t, recorder.Count("UPDATE"))
	assert.Equal(t, 1, countRows(t, f, (*model.Department)(nil), "manager_id = ?", mgr.ID))
}

func TestOneToOne_FindOwningSide(t *testing.T) {
	ctx := context.Background()
	f, recorder := testsupport.OpenUnit(t, nil)
	em := testsupport.Begin(t, f)

	dept, err := persistence.Find[model.Department](ctx, em, 1)
	require.NoError(t, err)
	assert.False(t, em.IsLoaded(dept, "Mgr"), "Mgr is lazy")
	assert.Nil(t, dept.Mgr)
	assert.Equal(t, 1, recorder.Count("SELECT"))

	require.NoError(t, em.Initialize(ctx, dept, "Mgr"))
	require.NotNil(t, dept.Mgr)
	assert.Equal(t, "M-AA", dept.Mgr.MgrName)
	assert.Same(t, dept, dept.Mgr.Dept)
}

func TestOneToOne_FindInverseSide(t *testing.T) {
	ctx := context.Background()
	f, _ := testsupport.OpenUnit(t, nil)
	em := testsupport.Begin(t, f)

	mgr, err := persistence.Find[model.Manager](ctx, em, 1)
	require.NoError(t, err)
	assert.True(t, em.IsLoaded(mgr, "Dept"), "Dept is eager")
	require.NotNil(t, mgr.Dept)
	assert.Equal(t, "D-AA", mgr.Dept.DeptName)
	assert.Same(t, mgr, mgr.Dept.Mgr)

	lonely, err := persistence.Find[model.Manager](ctx, em, 2)
	require.NoError(t, err)
	assert.Nil(t, lonely.Dept)
	assert.True(t, em.IsLoaded(lonely, "Dept"))
}

func TestOneToOne_RemoveInverseSide(t *testing.T) {
	ctx := context.Background()
	f, _ := testsupport.OpenUnit(t, nil)
	em := testsupport.Begin(t, f)

	mgr, err := persistence.Find[model.Manager](ctx, em, 1)
	require.NoError(t, err)
	dept := mgr.Dept

	require.NoError(t, em.Remove(ctx, mgr))
	require.NoError(t, em.GetTransaction().Commit(ctx))

	assert.Nil(t, dept.ManagerID)
	assert.Zero(t, countRows(t, f, (*model.Department)(nil), "manager_id IS NOT NULL"))
	assert.Equal(t, 1, countRows(t, f, (*model.Manager)(nil), ""))
}

func TestManyToMany_InitializeBothSides(t *testing.T) {
	ctx := context.Background()
	f, recorder := testsupport.OpenUnit(t, nil)
	em := testsupport.Begin(t, f)

	item, err := persistence.Find[model.Item](ctx, em, 1)
	require.NoError(t, err)
	assert.False(t, em.IsLoaded(item, "Categories"))

	require.NoError(t, em.Initialize(ctx, item, "Categories"))
	require.Len(t, item.Categories, 2)
	assert.Equal(t, "C-1", item.Categories[0].CategoryName)
	assert.Equal(t, "C-2", item.Categories[1].CategoryName)

	cat := item.Categories[0]
	require.NoError(t, em.Initialize(ctx, cat, "Items"))
	require.Len(t, cat.Items, 2)
	assert.Same(t, item, cat.Items[0], "the identity map resolves the item already loaded")
	assert.Equal(t, "i-2", cat.Items[1].ItemName)

	for _, q := range recorded(recorder.Queries(), "SELECT")[1:] {
		assert.Contains(t, q, `"jpa_item_categories"`)
	}
}

func TestManyToMany_PersistLinks(t *testing.T) {
	ctx := context.Background()
	f, recorder := testsupport.OpenUnit(t, nil)
	em := testsupport.Begin(t, f)

	i1 := &model.Item{ItemName: "i-10"}
	i2 := &model.Item{ItemName: "i-20"}
	c1 := &model.Category{CategoryName: "C-10"}
	c2 := &model.Category{CategoryName: "C-20"}
	i1.Categories = []*model.Category{c1, c2}
	i2.Categories = []*model.Category{c1, c2}
	c1.Items = []*model.Item{i1, i2}
	c2.Items = []*model.Item{i1, i2}

	for _, e := range []any{c1, c2, i1, i2} {
		require.NoError(t, em.Persist(ctx, e))
	}
	require.NoError(t, em.GetTransaction().Commit(ctx))

	// four rows and four links; the inverse side writes nothing
	assert.Equal(t, 8, recorder.Count("INSERT"))
	assert.Equal(t, 7, countRows(t, f, (*model.ItemCategory)(nil), ""))
	assert.Equal(t, 2, countRows(t, f, (*model.ItemCategory)(nil), "item_id = ?", i1.ID))
}

func TestManyToMany_InverseSideIsIgnored(t *testing.T) {
	ctx := context.Background()
	f, _ := testsupport.OpenUnit(t, nil)
	em := testsupport.Begin(t, f)

	cat, err := persistence.Find[model.Category](ctx, em, 2)
	require.NoError(t, err)
	item3, err := persistence.Find[model.Item](ctx, em, 3)
	require.NoError(t, err)
	cat.Items = append(cat.Items, item3)

	require.NoError(t, em.GetTransaction().Commit(ctx))
	assert.Zero(t, countRows(t, f, (*model.ItemCategory)(nil), "item_id = ?", 3))
}

func TestManyToMany_Unlink(t *testing.T) {
	ctx := context.Background()
	f, recorder := testsupport.OpenUnit(t, nil)
	em := testsupport.Begin(t, f)

	item, err := persistence.Find[model.Item](ctx, em, 1)
	require.NoError(t, err)
	require.NoError(t, em.Initialize(ctx, item, "Categories"))
	item.Categories = item.Categories[:1]

	require.NoError(t, em.GetTransaction().Commit(ctx))
	assert.Equal(t, 1, recorder.Count("DELETE"))
	assert.Equal(t, 1, countRows(t, f, (*model.ItemCategory)(nil), "item_id = ?", 1))
}

func TestManyToMany_AppendWithoutInitialize(t *testing.T) {
	ctx := context.Background()
	f, _ := testsupport.OpenUnit(t, nil)
	em := testsupport.Begin(t, f)

	item, err := persistence.Find[model.Item](ctx, em, 2)
	require.NoError(t, err)
	cat, err := persistence.Find[model.Category](ctx, em, 2)
	require.NoError(t, err)
	item.Categories = append(item.Categories, cat)

	require.NoError(t, em.GetTransaction().Commit(ctx))
	assert.Equal(t, 2, countRows(t, f, (*model.ItemCategory)(nil), "item_id = ?", 2), "existing links are kept")
}

func TestManyToMany_RemoveDeletesLinks(t *testing.T) {
	ctx := context.Background()
	f, _ := testsupport.OpenUnit(t, nil)
	em := testsupport.Begin(t, f)

	item, err := persistence.Find[model.Item](ctx, em, 1)
	require.NoError(t, err)
	require.NoError(t, em.Remove(ctx, item))
	require.NoError(t, em.GetTransaction().Commit(ctx))

	assert.Equal(t, 1, countRows(t, f, (*model.ItemCategory)(nil), ""))
	assert.Equal(t, 2, countRows(t, f, (*model.Item)(nil), ""))
}

func TestInitialize_Errors(t *testing.T) {
	ctx := context.Background()
	f, _ := testsupport.OpenUnit(t, nil)
	em := testsupport.Begin(t, f)

	c, err := persistence.Find[model.Customer](ctx, em, 1)
	require.NoError(t, err)

	assert.ErrorIs(t, em.Initialize(ctx, c, "Nope"), persistence.ErrInvalidParameter)
	assert.ErrorIs(t, em.Initialize(ctx, &model.Customer{ID: 9}, "Orders"), persistence.ErrNotManaged)
}
