package postgres

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/jwalitptl/compounding-api/internal/model"
	"github.com/jwalitptl/compounding-api/internal/repository"
)

type inventoryRepository struct {
	BaseRepository
}

func NewInventoryRepository(base BaseRepository) repository.InventoryRepository {
	return &inventoryRepository{base}
}

const lotColumns = `id, ingredient_name, lot_number, available_quantity, unit, expires_on, ndc`

func normalizedNames(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = model.NormalizeName(n)
	}
	return out
}

func (r *inventoryRepository) ListLots(ctx context.Context, ingredientNames []string) ([]model.InventoryLot, error) {
	query := `
		SELECT ` + lotColumns + `
		FROM inventory_lots
		WHERE lower(trim(ingredient_name)) = ANY($1)
		ORDER BY lot_number
	`
	lots := []model.InventoryLot{}
	if err := r.db.SelectContext(ctx, &lots, query, pq.Array(normalizedNames(ingredientNames))); err != nil {
		return nil, fmt.Errorf("failed to list inventory lots: %w", err)
	}
	return lots, nil
}
