package model

import (
	"github.com/uptrace/bun"

	"github.com/goliatone/go-entity-lab/persistence"
)

// Named queries registered by Register.
const (
	NamedCustomerByID    = "Customer.byID"
	NamedCustomerAgeByID = "Customer.ageByID"
)

// CustomerSummary is the projection of CustomerSummaries.
type CustomerSummary struct {
	LastName string `bun:"last_name" json:"last_name"`
	Age      int    `bun:"age" json:"age"`
}

// Register adds the named queries of the schema to f.
func Register(f *persistence.Factory) error {
	err := persistence.RegisterNamedQuery[Customer](f, NamedCustomerByID,
		func(q *bun.SelectQuery, p persistence.Params) *bun.SelectQuery {
			return q.Where("?TableAlias.id = ?", p.At(1))
		})
	if err != nil {
		return err
	}
	return f.RegisterNamedNativeQuery(NamedCustomerAgeByID, "SELECT age FROM jpa_customers WHERE id = ?")
}

// CustomersOlderThan selects customers whose age exceeds parameter 1.
func CustomersOlderThan(em *persistence.EntityManager, age int) *persistence.TypedQuery[Customer] {
	return persistence.CreateQuery[Customer](em, "Customer.olderThan",
		func(q *bun.SelectQuery, p persistence.Params) *bun.SelectQuery {
			return q.Where("?TableAlias.age > ?", p.At(1)).OrderExpr("?TableAlias.id ASC")
		}).SetParameter(1, age)
}

// CustomersByAgeDesc is CustomersOlderThan ordered by age, oldest first.
func CustomersByAgeDesc(em *persistence.EntityManager, age int) *persistence.TypedQuery[Customer] {
	return persistence.CreateQuery[Customer](em, "Customer.byAgeDesc",
		func(q *bun.SelectQuery, p persistence.Params) *bun.SelectQuery {
			return q.Where("?TableAlias.age > ?", p.At(1)).
				OrderExpr("?TableAlias.age DESC").
				OrderExpr("?TableAlias.id ASC")
		}).SetParameter(1, age)
}

// LowerEmails applies a SQL function to every customer email.
func LowerEmails(em *persistence.EntityManager) *persistence.ScalarQuery[string] {
	return persistence.CreateScalarQuery[string](em, "Customer.lowerEmails",
		func(q *bun.SelectQuery, _ persistence.Params) *bun.SelectQuery {
			return q.Model((*Customer)(nil)).
				ColumnExpr("lower(?TableAlias.email)").
				OrderExpr("?TableAlias.id ASC")
		})
}

// OrdersOfCustomersNamed selects orders through a subquery on their
// customer's last name.
func OrdersOfCustomersNamed(em *persistence.EntityManager, lastName string) *persistence.TypedQuery[Order] {
	return persistence.CreateQuery[Order](em, "Order.ofCustomersNamed",
		func(q *bun.SelectQuery, p persistence.Params) *bun.SelectQuery {
			sub := q.DB().NewSelect().
				Model((*Customer)(nil)).
				ColumnExpr("c.id").
				Where("c.last_name = ?", p.At(1))
			// the outer alias is spelled out: ?TableAlias would render the
			// subquery's model once sub is an argument
			return q.Where("o.customer_id IN (?)", sub).OrderExpr("o.id ASC")
		}).SetParameter(1, lastName)
}

// CustomersWithOrders selects customers having at least min orders.
func CustomersWithOrders(em *persistence.EntityManager, min int) *persistence.TypedQuery[Customer] {
	return persistence.CreateQuery[Customer](em, "Customer.withOrders",
		func(q *bun.SelectQuery, p persistence.Params) *bun.SelectQuery {
			sub := q.DB().NewSelect().
				Model((*Order)(nil)).
				ColumnExpr("o.customer_id").
				GroupExpr("o.customer_id").
				Having("count(o.id) >= ?", p.At(1))
			return q.Where("c.id IN (?)", sub).OrderExpr("c.id ASC")
		}).SetParameter(1, min)
}

// CustomerFetchOrders loads one customer together with its orders, the
// equivalent of a left join fetch.
func CustomerFetchOrders(em *persistence.EntityManager, id int64) *persistence.TypedQuery[Customer] {
	return persistence.CreateQuery[Customer](em, "Customer.fetchOrders",
		func(q *bun.SelectQuery, p persistence.Params) *bun.SelectQuery {
			return q.Relation("Orders", func(q *bun.SelectQuery) *bun.SelectQuery {
				return q.OrderExpr("?TableAlias.id ASC")
			}).Where("?TableAlias.id = ?", p.At(1))
		}).SetParameter(1, id)
}

// CustomerSummaries projects last name and age of customers with an id above
// parameter 1.
func CustomerSummaries(em *persistence.EntityManager, afterID int64) *persistence.ScalarQuery[CustomerSummary] {
	return persistence.CreateScalarQuery[CustomerSummary](em, "Customer.summaries",
		func(q *bun.SelectQuery, p persistence.Params) *bun.SelectQuery {
			return q.Model((*Customer)(nil)).
				Column("last_name", "age").
				Where("?TableAlias.id > ?", p.At(1)).
				OrderExpr("?TableAlias.id ASC")
		}).SetParameter(1, afterID)
}

// RenameCustomer is a bulk UPDATE of one customer's last name.
func RenameCustomer(em *persistence.EntityManager, id int64, lastName string) *persistence.BulkQuery[Customer] {
	return persistence.CreateUpdate[Customer](em, "Customer.rename",
		func(q *bun.UpdateQuery, p persistence.Params) *bun.UpdateQuery {
			return q.Set("last_name = ?", p.At(1)).Where("id = ?", p.At(2))
		}).SetParameter(1, lastName).SetParameter(2, id)
}

// CustomerAgeByID reads one column with raw SQL.
func CustomerAgeByID(em *persistence.EntityManager, id int64) *persistence.NativeQuery {
	return em.CreateNativeQuery("SELECT age FROM jpa_customers WHERE id = ?").SetParameter(1, id)
}
