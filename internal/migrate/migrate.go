package migrate

import (
	"context"
	"fmt"

	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/sql/schema"
)

// Create creates or updates the store tables. It never drops columns or
// indexes, so running it against a newer schema is safe.
func Create(ctx context.Context, drv dialect.Driver) error {
	m, err := schema.NewMigrate(drv, schema.WithDropColumn(false), schema.WithDropIndex(false))
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := m.Create(ctx, Tables()...); err != nil {
		return fmt.Errorf("migrate: create tables: %w", err)
	}
	return nil
}
