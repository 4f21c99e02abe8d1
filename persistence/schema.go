package persistence

import (
	"context"
	"fmt"
	"reflect"

	"go.uber.org/zap"
)

// tableModels returns entity models with referenced tables first, followed
// by the junction models.
func (f *Factory) tableModels() []any {
	var (
		out     []any
		visited = make(map[*entityMeta]bool)
		visit   func(*entityMeta)
	)
	visit = func(meta *entityMeta) {
		if visited[meta] {
			return
		}
		visited[meta] = true
		for _, name := range meta.relationOrder {
			if rm := meta.relations[name]; rm.kind == relBelongsTo {
				visit(rm.target)
			}
		}
		out = append(out, reflect.New(meta.typ).Interface())
	}
	for _, meta := range f.meta.order {
		visit(meta)
	}
	return append(out, f.junctions...)
}

// CreateSchema creates every mapped table that does not exist yet, foreign
// keys included.
func (f *Factory) CreateSchema(ctx context.Context) error {
	for _, model := range f.tableModels() {
		table := f.db.Table(reflect.TypeOf(model).Elem())
		_, err := f.db.NewCreateTable().
			Model(model).
			IfNotExists().
			WithForeignKeys().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("persistence: create table %s: %w", table.Name, err)
		}
		f.logger.Debug("table ready", zap.String("table", table.Name))
	}
	return nil
}

// DropSchema drops every mapped table, dependents first.
func (f *Factory) DropSchema(ctx context.Context) error {
	models := f.tableModels()
	for i := len(models) - 1; i >= 0; i-- {
		table := f.db.Table(reflect.TypeOf(models[i]).Elem())
		if _, err := f.db.NewDropTable().Model(models[i]).IfExists().Exec(ctx); err != nil {
			return fmt.Errorf("persistence: drop table %s: %w", table.Name, err)
		}
	}
	return nil
}
