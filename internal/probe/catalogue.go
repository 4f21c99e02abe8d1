package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-entity-lab/model"
	"github.com/goliatone/go-entity-lab/persistence"
)

var errNoPersonService = errors.New("probe needs the person service")

// Catalogue returns the probes in the order the lab walks through them:
// entity manager operations, relation mappings, caching, then queries.
func Catalogue() []Probe {
	return []Probe{
		{"find", "find a customer by key", probeFind},
		{"get-reference", "obtain a lazy reference and load it on first access", probeGetReference},
		{"persist", "persist two transient customers", probePersist},
		{"remove", "remove a managed customer", probeRemove},
		{"merge-transient", "merge a customer without a key", probeMergeTransient},
		{"merge-detached-new", "merge a detached customer whose row does not exist", probeMergeDetachedNew},
		{"merge-detached-existing", "merge a detached customer over its row", probeMergeDetachedExisting},
		{"merge-detached-managed", "merge a detached customer already in the persistence context", probeMergeDetachedManaged},
		{"flush", "flush a change before commit", probeFlush},
		{"refresh", "re-read a managed customer", probeRefresh},
		{"many-to-one-persist", "persist a customer and its orders, owner first", probeManyToOnePersist},
		{"many-to-one-find", "find an order with its eager customer", probeManyToOneFind},
		{"many-to-one-update", "update the customer through an order", probeManyToOneUpdate},
		{"one-to-many-persist", "persist orders before their customer", probeOneToManyPersist},
		{"one-to-many-find", "find a customer and load its lazy orders", probeOneToManyFind},
		{"one-to-many-update", "rename an order through the collection", probeOneToManyUpdate},
		{"one-to-many-remove", "remove a customer that still has orders", probeOneToManyRemove},
		{"one-to-one-persist", "persist a manager and its department", probeOneToOnePersist},
		{"one-to-one-find", "find a department, owning side", probeOneToOneFind},
		{"one-to-one-find-inverse", "find a manager, inverse side", probeOneToOneFindInverse},
		{"many-to-many-persist", "persist two items and two categories linked both ways", probeManyToManyPersist},
		{"many-to-many-find", "find an item and load its categories", probeManyToManyFind},
		{"second-level-cache", "find the same customer from two managers", probeSecondLevelCache},
		{"hello-query", "customers older than 1", probeHelloQuery},
		{"order-by", "customers older than 1, oldest first", probeOrderBy},
		{"query-cache", "run a cacheable query twice", probeQueryCache},
		{"partly-properties", "project last name and age", probePartlyProperties},
		{"function", "apply lower() to every email", probeFunction},
		{"subquery", "orders of customers named YY", probeSubquery},
		{"group-by", "customers with at least two orders", probeGroupBy},
		{"fetch-join", "load a customer and its orders in one query", probeFetchJoin},
		{"named-query", "run a registered named query", probeNamedQuery},
		{"native-query", "read one column with raw SQL", probeNativeQuery},
		{"execute-update", "bulk update a last name", probeExecuteUpdate},
		{"save-persons", "save two persons in one service transaction", probeSavePersons},
	}
}

func newCustomer(lastName, email string, age int) *model.Customer {
	now := time.Now()
	return &model.Customer{
		LastName:    lastName,
		Email:       email,
		Age:         age,
		CreatedTime: now,
		Birth:       now,
	}
}

func describe(c *model.Customer) string {
	if c == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Customer{id=%d lastName=%s email=%s age=%d}", c.ID, c.LastName, c.Email, c.Age)
}

func probeFind(ctx context.Context, s *Session) error {
	c, err := persistence.Find[model.Customer](ctx, s.EM, 1)
	if err != nil {
		return err
	}
	s.Printf("%s", describe(c))
	return nil
}

func probeGetReference(ctx context.Context, s *Session) error {
	ref, err := persistence.GetReference[model.Customer](s.EM, 1)
	if err != nil {
		return err
	}
	s.Printf("reference to %v, initialized=%v", ref.ID(), ref.Initialized())

	c, err := ref.Get(ctx)
	if err != nil {
		return err
	}
	s.Printf("loaded %s, initialized=%v", describe(c), ref.Initialized())
	return nil
}

func probePersist(ctx context.Context, s *Session) error {
	pp := newCustomer("pp", "333@qq.com", 10)
	qq := newCustomer("qq", "444@qq.com", 11)
	for _, c := range []*model.Customer{pp, qq} {
		if err := s.EM.Persist(ctx, c); err != nil {
			return err
		}
	}
	s.Printf("ids after persist: %d, %d", pp.ID, qq.ID)
	return nil
}

func probeRemove(ctx context.Context, s *Session) error {
	c, err := persistence.Find[model.Customer](ctx, s.EM, 1)
	if err != nil {
		return err
	}
	if c == nil {
		s.Printf("customer 1 is already gone")
		return nil
	}
	s.Printf("%s", describe(c))
	if err := s.EM.Remove(ctx, c); err != nil {
		return err
	}
	s.Printf("managed after remove: %v", s.EM.Contains(c))
	return nil
}

func probeMergeTransient(ctx context.Context, s *Session) error {
	c := newCustomer("CC", "cc@163.com", 18)
	merged, err := persistence.Merge(ctx, s.EM, c)
	if err != nil {
		return err
	}
	if err := s.EM.Flush(ctx); err != nil {
		return err
	}
	s.Printf("customer#id: %d", c.ID)
	s.Printf("merged#id: %d", merged.ID)
	return nil
}

func probeMergeDetachedNew(ctx context.Context, s *Session) error {
	c := newCustomer("DD", "dd@163.com", 18)
	c.ID = 100
	merged, err := persistence.Merge(ctx, s.EM, c)
	if err != nil {
		return err
	}
	if err := s.EM.Flush(ctx); err != nil {
		return err
	}
	s.Printf("customer#id: %d", c.ID)
	s.Printf("merged#id: %d", merged.ID)
	return nil
}

func probeMergeDetachedExisting(ctx context.Context, s *Session) error {
	c := newCustomer("EE", "ee@163.com", 18)
	c.ID = 4
	merged, err := persistence.Merge(ctx, s.EM, c)
	if err != nil {
		return err
	}
	s.Printf("same instance: %v", c == merged)
	s.Printf("%s", describe(merged))
	return nil
}

func probeMergeDetachedManaged(ctx context.Context, s *Session) error {
	c := newCustomer("DD", "dd@163.com", 18)
	c.ID = 4
	managed, err := persistence.Find[model.Customer](ctx, s.EM, 4)
	if err != nil {
		return err
	}
	merged, err := persistence.Merge(ctx, s.EM, c)
	if err != nil {
		return err
	}
	s.Printf("detached == managed: %v", c == managed)
	s.Printf("merged == managed: %v", merged == managed)
	return nil
}

func probeFlush(ctx context.Context, s *Session) error {
	c, err := persistence.Find[model.Customer](ctx, s.EM, 2)
	if err != nil {
		return err
	}
	if c == nil {
		s.Printf("customer 2 is gone")
		return nil
	}
	s.Printf("%s", describe(c))
	c.LastName = "AA"
	if err := s.EM.Flush(ctx); err != nil {
		return err
	}
	s.Printf("flushed, commit follows")
	return nil
}

func probeRefresh(ctx context.Context, s *Session) error {
	first, err := persistence.Find[model.Customer](ctx, s.EM, 3)
	if err != nil {
		return err
	}
	second, err := persistence.Find[model.Customer](ctx, s.EM, 3)
	if err != nil {
		return err
	}
	if first == nil {
		s.Printf("customer 3 is gone")
		return nil
	}
	s.Printf("second find is the same instance: %v", first == second)

	first.Age = -1
	if err := s.EM.Refresh(ctx, first); err != nil {
		return err
	}
	s.Printf("age after refresh: %d", first.Age)
	return nil
}

func probeManyToOnePersist(ctx context.Context, s *Session) error {
	gg := newCustomer("GG", "gg@163.com", 18)
	o1 := &model.Order{OrderName: "G-GG-1", Customer: gg}
	o2 := &model.Order{OrderName: "G-GG-2", Customer: gg}

	for _, e := range []any{gg, o1, o2} {
		if err := s.EM.Persist(ctx, e); err != nil {
			return err
		}
	}
	s.Printf("customer %d, orders %d and %d", gg.ID, o1.ID, o2.ID)
	return nil
}

func probeManyToOneFind(ctx context.Context, s *Session) error {
	o, err := persistence.Find[model.Order](ctx, s.EM, 3)
	if err != nil {
		return err
	}
	if o == nil {
		s.Printf("order 3 is gone")
		return nil
	}
	s.Printf("order %s", o.OrderName)
	s.Printf("customer %s", describe(o.Customer))
	return nil
}

func probeManyToOneUpdate(ctx context.Context, s *Session) error {
	o, err := persistence.Find[model.Order](ctx, s.EM, 6)
	if err != nil {
		return err
	}
	if o == nil || o.Customer == nil {
		s.Printf("order 6 has no customer")
		return nil
	}
	o.Customer.LastName = "FFF"
	s.Printf("customer %d renamed through order %d", o.Customer.ID, o.ID)
	return nil
}

func probeOneToManyPersist(ctx context.Context, s *Session) error {
	mm := newCustomer("MM", "mm@163.com", 18)
	o1 := &model.Order{OrderName: "O-MM-1", Customer: mm}
	o2 := &model.Order{OrderName: "O-MM-2", Customer: mm}
	mm.Orders = []*model.Order{o1, o2}

	for _, e := range []any{o1, o2, mm} {
		if err := s.EM.Persist(ctx, e); err != nil {
			return err
		}
	}
	if err := s.EM.Flush(ctx); err != nil {
		return err
	}
	s.Printf("customer %d, orders %d and %d", mm.ID, o1.ID, o2.ID)
	return nil
}

func probeOneToManyFind(ctx context.Context, s *Session) error {
	c, err := persistence.Find[model.Customer](ctx, s.EM, 3)
	if err != nil {
		return err
	}
	if c == nil {
		s.Printf("customer 3 is gone")
		return nil
	}
	s.Printf("%s, orders loaded: %v", c.LastName, s.EM.IsLoaded(c, "Orders"))
	if err := s.EM.Initialize(ctx, c, "Orders"); err != nil {
		return err
	}
	s.Printf("orders: %d", len(c.Orders))
	return nil
}

func probeOneToManyUpdate(ctx context.Context, s *Session) error {
	c, err := persistence.Find[model.Customer](ctx, s.EM, 3)
	if err != nil {
		return err
	}
	if c == nil {
		s.Printf("customer 3 is gone")
		return nil
	}
	if err := s.EM.Initialize(ctx, c, "Orders"); err != nil {
		return err
	}
	if len(c.Orders) == 0 {
		s.Printf("customer 3 has no orders")
		return nil
	}
	c.Orders[0].OrderName = "O-XXX-10"
	s.Printf("order %d renamed", c.Orders[0].ID)
	return nil
}

func probeOneToManyRemove(ctx context.Context, s *Session) error {
	c, err := persistence.Find[model.Customer](ctx, s.EM, 2)
	if err != nil {
		return err
	}
	if c == nil {
		s.Printf("customer 2 is already gone")
		return nil
	}
	if err := s.EM.Remove(ctx, c); err != nil {
		return err
	}
	if err := s.EM.Flush(ctx); err != nil {
		return err
	}

	var orphans int
	if err := s.EM.CreateNativeQuery("SELECT count(*) FROM jpa_orders WHERE customer_id IS NULL").Scan(ctx, &orphans); err != nil {
		return err
	}
	s.Printf("orders without customer: %d", orphans)
	return nil
}

func probeOneToOnePersist(ctx context.Context, s *Session) error {
	mgr := &model.Manager{MgrName: "M-BB"}
	dept := &model.Department{DeptName: "D-BB", Mgr: mgr}

	for _, e := range []any{mgr, dept} {
		if err := s.EM.Persist(ctx, e); err != nil {
			return err
		}
	}
	s.Printf("manager %d, department %d", mgr.ID, dept.ID)
	return nil
}

func probeOneToOneFind(ctx context.Context, s *Session) error {
	dept, err := persistence.Find[model.Department](ctx, s.EM, 1)
	if err != nil {
		return err
	}
	if dept == nil {
		s.Printf("department 1 is gone")
		return nil
	}
	s.Printf("%s, manager loaded: %v", dept.DeptName, s.EM.IsLoaded(dept, "Mgr"))
	if err := s.EM.Initialize(ctx, dept, "Mgr"); err != nil {
		return err
	}
	if dept.Mgr != nil {
		s.Printf("manager %s", dept.Mgr.MgrName)
	}
	return nil
}

func probeOneToOneFindInverse(ctx context.Context, s *Session) error {
	mgr, err := persistence.Find[model.Manager](ctx, s.EM, 1)
	if err != nil {
		return err
	}
	if mgr == nil {
		s.Printf("manager 1 is gone")
		return nil
	}
	s.Printf("%s, department loaded: %v", mgr.MgrName, s.EM.IsLoaded(mgr, "Dept"))
	if mgr.Dept != nil {
		s.Printf("department %s", mgr.Dept.DeptName)
	}
	return nil
}

func probeManyToManyPersist(ctx context.Context, s *Session) error {
	i1 := &model.Item{ItemName: "i-1"}
	i2 := &model.Item{ItemName: "i-2"}
	c1 := &model.Category{CategoryName: "C-1"}
	c2 := &model.Category{CategoryName: "C-2"}

	i1.Categories = []*model.Category{c1, c2}
	i2.Categories = []*model.Category{c1, c2}
	c1.Items = []*model.Item{i1, i2}
	c2.Items = []*model.Item{i1, i2}

	for _, e := range []any{i1, i2, c1, c2} {
		if err := s.EM.Persist(ctx, e); err != nil {
			return err
		}
	}
	s.Printf("items %d, %d and categories %d, %d", i1.ID, i2.ID, c1.ID, c2.ID)
	return nil
}

func probeManyToManyFind(ctx context.Context, s *Session) error {
	item, err := persistence.Find[model.Item](ctx, s.EM, 1)
	if err != nil {
		return err
	}
	if item == nil {
		s.Printf("item 1 is gone")
		return nil
	}
	s.Printf("%s", item.ItemName)
	if err := s.EM.Initialize(ctx, item, "Categories"); err != nil {
		return err
	}
	s.Printf("categories: %d", len(item.Categories))
	return nil
}

func probeSecondLevelCache(ctx context.Context, s *Session) error {
	first, err := persistence.Find[model.Customer](ctx, s.EM, 4)
	if err != nil {
		return err
	}
	if err := s.Restart(ctx); err != nil {
		return err
	}
	second, err := persistence.Find[model.Customer](ctx, s.EM, 4)
	if err != nil {
		return err
	}
	s.Printf("first %s", describe(first))
	s.Printf("second %s", describe(second))
	s.Printf("cache enabled: %v", s.Factory.Cache().Enabled())
	return nil
}

func probeHelloQuery(ctx context.Context, s *Session) error {
	customers, err := model.CustomersOlderThan(s.EM, 1).GetResultList(ctx)
	if err != nil {
		return err
	}
	s.Printf("customers: %d", len(customers))
	return nil
}

func probeOrderBy(ctx context.Context, s *Session) error {
	customers, err := model.CustomersByAgeDesc(s.EM, 1).
		SetHint(persistence.HintCacheable, true).
		GetResultList(ctx)
	if err != nil {
		return err
	}
	for _, c := range customers {
		s.Printf("%s", describe(c))
	}
	return nil
}

func probeQueryCache(ctx context.Context, s *Session) error {
	for i := 1; i <= 2; i++ {
		customers, err := model.CustomersOlderThan(s.EM, 1).
			SetHint(persistence.HintCacheable, true).
			GetResultList(ctx)
		if err != nil {
			return err
		}
		s.Printf("run %d: %d customers", i, len(customers))
	}
	return nil
}

func probePartlyProperties(ctx context.Context, s *Session) error {
	rows, err := model.CustomerSummaries(s.EM, 1).GetResultList(ctx)
	if err != nil {
		return err
	}
	s.Printf("%v", rows)
	return nil
}

func probeFunction(ctx context.Context, s *Session) error {
	emails, err := model.LowerEmails(s.EM).GetResultList(ctx)
	if err != nil {
		return err
	}
	s.Printf("%v", emails)
	return nil
}

func probeSubquery(ctx context.Context, s *Session) error {
	orders, err := model.OrdersOfCustomersNamed(s.EM, "YY").GetResultList(ctx)
	if err != nil {
		return err
	}
	s.Printf("orders: %d", len(orders))
	return nil
}

func probeGroupBy(ctx context.Context, s *Session) error {
	customers, err := model.CustomersWithOrders(s.EM, 2).GetResultList(ctx)
	if err != nil {
		return err
	}
	for _, c := range customers {
		s.Printf("%s", describe(c))
	}
	return nil
}

func probeFetchJoin(ctx context.Context, s *Session) error {
	customers, err := model.CustomerFetchOrders(s.EM, 3).GetResultList(ctx)
	if err != nil {
		return err
	}
	if len(customers) == 0 {
		s.Printf("customer 3 is gone")
		return nil
	}
	c := customers[0]
	s.Printf("%s", c.LastName)
	s.Printf("orders: %d, loaded: %v", len(c.Orders), s.EM.IsLoaded(c, "Orders"))
	return nil
}

func probeNamedQuery(ctx context.Context, s *Session) error {
	c, err := persistence.CreateNamedQuery[model.Customer](s.EM, model.NamedCustomerByID).
		SetParameter(1, 3).
		GetSingleResult(ctx)
	if errors.Is(err, persistence.ErrNoResult) {
		s.Printf("customer 3 is gone")
		return nil
	}
	if err != nil {
		return err
	}
	s.Printf("%s", describe(c))
	return nil
}

func probeNativeQuery(ctx context.Context, s *Session) error {
	age, err := model.CustomerAgeByID(s.EM, 3).GetSingleResult(ctx)
	if errors.Is(err, persistence.ErrNoResult) {
		s.Printf("customer 3 is gone")
		return nil
	}
	if err != nil {
		return err
	}
	s.Printf("age: %v", age)
	return nil
}

func probeExecuteUpdate(ctx context.Context, s *Session) error {
	n, err := model.RenameCustomer(s.EM, 5, "YYY").ExecuteUpdate(ctx)
	if err != nil {
		return err
	}
	s.Printf("rows updated: %d", n)
	return nil
}

func probeSavePersons(ctx context.Context, s *Session) error {
	if s.Persons == nil {
		return errNoPersonService
	}
	// the service opens its own transactions
	if err := s.EM.GetTransaction().Commit(ctx); err != nil {
		return err
	}

	suffix := time.Now().UnixNano()
	p1 := &model.Person{LastName: "AA", Email: fmt.Sprintf("aa-%d@example.com", suffix)}
	p2 := &model.Person{LastName: "BB", Email: fmt.Sprintf("bb-%d@example.com", suffix)}
	if err := s.Persons.SavePersons(ctx, p1, p2); err != nil {
		return err
	}
	s.Printf("saved %s and %s", p1.ID, p2.ID)

	bad := &model.Person{LastName: "CC", Email: p1.Email}
	ok := &model.Person{LastName: "DD", Email: fmt.Sprintf("dd-%d@example.com", suffix)}
	err := s.Persons.SavePersons(ctx, ok, bad)
	s.Printf("second batch rolled back: %v", err != nil)

	_, total, err := s.Persons.List(ctx)
	if err != nil {
		return err
	}
	s.Printf("persons: %d", total)
	return nil
}
