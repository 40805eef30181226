package model

import (
	"time"

	"github.com/google/uuid"
)

// InventoryLot is one lot of a stocked ingredient.
type InventoryLot struct {
	ID                uuid.UUID  `json:"id" db:"id"`
	IngredientName    string     `json:"ingredient_name" db:"ingredient_name"`
	LotNumber         string     `json:"lot_number" db:"lot_number"`
	AvailableQuantity float64    `json:"available_quantity" db:"available_quantity"`
	Unit              Unit       `json:"unit" db:"unit"`
	ExpiresOn         *time.Time `json:"expires_on,omitempty" db:"expires_on"`
	NDC               *string    `json:"ndc,omitempty" db:"ndc"`
}

// ConsumedLine is one lot drawn down at approval time.
type ConsumedLine struct {
	LotID          uuid.UUID `json:"lot_id"`
	LotNumber      string    `json:"lot_number"`
	IngredientName string    `json:"ingredient_name"`
	Quantity       float64   `json:"quantity"`
	Unit           Unit      `json:"unit"`
}
