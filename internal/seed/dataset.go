package seed

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/goliatone/go-entity-lab/model"
)

//go:embed seed.json
var seedJSON []byte

// Dataset is the data the probes and tests run against. Keys are fixed so
// tests can address rows directly.
type Dataset struct {
	Customers   []*model.Customer     `json:"customers"`
	Orders      []*model.Order        `json:"orders"`
	Items       []*model.Item         `json:"items"`
	Categories  []*model.Category     `json:"categories"`
	Links       []*model.ItemCategory `json:"item_categories"`
	Managers    []*model.Manager      `json:"managers"`
	Departments []*model.Department   `json:"departments"`
}

// Default decodes the embedded seed data.
func Default() (*Dataset, error) {
	var ds Dataset
	if err := json.Unmarshal(seedJSON, &ds); err != nil {
		return nil, fmt.Errorf("decode seed data: %w", err)
	}
	return &ds, nil
}

// Insert writes the dataset with plain bun inserts, owners first.
func (ds *Dataset) Insert(ctx context.Context, db bun.IDB) error {
	batches := []struct {
		name  string
		model any
		n     int
	}{
		{"customers", &ds.Customers, len(ds.Customers)},
		{"orders", &ds.Orders, len(ds.Orders)},
		{"items", &ds.Items, len(ds.Items)},
		{"categories", &ds.Categories, len(ds.Categories)},
		{"item_categories", &ds.Links, len(ds.Links)},
		{"managers", &ds.Managers, len(ds.Managers)},
		{"departments", &ds.Departments, len(ds.Departments)},
	}
	for _, b := range batches {
		if b.n == 0 {
			continue
		}
		if _, err := db.NewInsert().Model(b.model).Exec(ctx); err != nil {
			return fmt.Errorf("seed %s: %w", b.name, err)
		}
	}
	return nil
}

// Seeded reports whether the customers table already holds rows, in which
// case Insert would collide on the fixed keys.
func Seeded(ctx context.Context, db bun.IDB) (bool, error) {
	n, err := db.NewSelect().Model((*model.Customer)(nil)).Count(ctx)
	if err != nil {
		return false, fmt.Errorf("count customers: %w", err)
	}
	return n > 0, nil
}
