// Package model holds the textbook schema the persistence layer is exercised
// against: customers with orders, items in categories, departments with a
// manager, and persons saved through a repository.
package model

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Customer is the cacheable root of the one-to-many mapping. Orders is the
// inverse side; the foreign key lives on Order.
type Customer struct {
	bun.BaseModel `bun:"table:jpa_customers,alias:c"`

	ID          int64     `bun:"id,pk,autoincrement" json:"id" msgpack:"id"`
	LastName    string    `bun:"last_name,notnull" json:"last_name" msgpack:"last_name"`
	Email       string    `bun:"email" json:"email" msgpack:"email"`
	Age         int       `bun:"age,notnull" json:"age" msgpack:"age"`
	CreatedTime time.Time `bun:"created_time,nullzero" json:"created_time" msgpack:"created_time"`
	Birth       time.Time `bun:"birth,type:date,nullzero" json:"birth" msgpack:"birth"`

	Orders []*Order `bun:"rel:has-many,join:id=customer_id" json:"orders,omitempty" msgpack:"-"`
}

// Validate checks the columns before they are written.
func (c *Customer) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.LastName, validation.Required, validation.Length(1, 255)),
		validation.Field(&c.Email, is.EmailFormat),
		validation.Field(&c.Age, validation.Min(0), validation.Max(200)),
	)
}

// Order owns the customer_id foreign key.
type Order struct {
	bun.BaseModel `bun:"table:jpa_orders,alias:o"`

	ID         int64  `bun:"id,pk,autoincrement" json:"id"`
	OrderName  string `bun:"order_name,notnull" json:"order_name"`
	CustomerID *int64 `bun:"customer_id" json:"customer_id,omitempty"`

	Customer *Customer `bun:"rel:belongs-to,join:customer_id=id" json:"-"`
}

// Validate checks the columns before they are written.
func (o *Order) Validate() error {
	return validation.ValidateStruct(o,
		validation.Field(&o.OrderName, validation.Required),
	)
}

// Item owns the jpa_item_categories junction.
type Item struct {
	bun.BaseModel `bun:"table:jpa_items,alias:i"`

	ID       int64  `bun:"id,pk,autoincrement" json:"id"`
	ItemName string `bun:"item_name,notnull" json:"item_name"`

	Categories []*Category `bun:"m2m:jpa_item_categories,join:Item=Category" json:"-"`
}

// Category is the inverse side of the many-to-many mapping.
type Category struct {
	bun.BaseModel `bun:"table:jpa_categories,alias:cat"`

	ID           int64  `bun:"id,pk,autoincrement" json:"id"`
	CategoryName string `bun:"category_name,notnull" json:"category_name"`

	Items []*Item `bun:"m2m:jpa_item_categories,join:Category=Item" json:"-"`
}

// ItemCategory is the junction row between Item and Category.
type ItemCategory struct {
	bun.BaseModel `bun:"table:jpa_item_categories,alias:ic"`

	ItemID     int64     `bun:"item_id,pk" json:"item_id"`
	Item       *Item     `bun:"rel:belongs-to,join:item_id=id" json:"-"`
	CategoryID int64     `bun:"category_id,pk" json:"category_id"`
	Category   *Category `bun:"rel:belongs-to,join:category_id=id" json:"-"`
}

// Department owns the one-to-one foreign key manager_id.
type Department struct {
	bun.BaseModel `bun:"table:jpa_departments,alias:d"`

	ID        int64  `bun:"id,pk,autoincrement" json:"id"`
	DeptName  string `bun:"dept_name,notnull" json:"dept_name"`
	ManagerID *int64 `bun:"manager_id,unique" json:"manager_id,omitempty"`

	Mgr *Manager `bun:"rel:belongs-to,join:manager_id=id" json:"-"`
}

// Manager is the inverse side of the one-to-one mapping.
type Manager struct {
	bun.BaseModel `bun:"table:jpa_managers,alias:m"`

	ID      int64  `bun:"id,pk,autoincrement" json:"id"`
	MgrName string `bun:"mgr_name,notnull" json:"mgr_name"`

	Dept *Department `bun:"rel:has-one,join:id=manager_id" json:"-"`
}

// Person is saved through the repository layer rather than the entity
// manager. Its key is generated client side.
type Person struct {
	bun.BaseModel `bun:"table:jpa_persons,alias:p"`

	ID       uuid.UUID `bun:"id,pk,type:uuid" json:"id" msgpack:"id"`
	LastName string    `bun:"last_name,notnull" json:"last_name" msgpack:"last_name"`
	Email    string    `bun:"email,unique" json:"email" msgpack:"email"`
	Birth    time.Time `bun:"birth,type:date,nullzero" json:"birth" msgpack:"birth"`
}

// Validate checks the columns before they are written.
func (p *Person) Validate() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.LastName, validation.Required),
		validation.Field(&p.Email, validation.Required, is.EmailFormat),
	)
}
