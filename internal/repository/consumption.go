package repository

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/jwalitptl/compounding-api/internal/model"
)

var ErrInsufficientInventory = errors.New("insufficient inventory")

const consumptionEpsilon = 1e-9

func massUnit(u model.Unit) bool { return u == model.UnitMg || u == model.UnitG }

func compatible(a, b model.Unit) bool {
	return (massUnit(a) && massUnit(b)) || (a == model.UnitML && b == model.UnitML)
}

func toBase(qty float64, u model.Unit) float64 {
	if u == model.UnitG {
		return qty * 1000
	}
	return qty
}

func fromBase(qty float64, u model.Unit) float64 {
	if u == model.UnitG {
		return qty / 1000
	}
	return qty
}

// PlanConsumption draws each requirement from its matching lots, earliest
// expiry first. Mass requirements only draw from mg or g lots and volume
// requirements only from mL lots. Lines are expressed in the lot's unit.
func PlanConsumption(reqs []model.IngredientRequirement, lots []model.InventoryLot) ([]model.ConsumedLine, error) {
	ordered := make([]model.InventoryLot, len(lots))
	copy(ordered, lots)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i].ExpiresOn, ordered[j].ExpiresOn
		switch {
		case a == nil && b == nil:
			return ordered[i].LotNumber < ordered[j].LotNumber
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.Before(*b)
		default:
			return ordered[i].LotNumber < ordered[j].LotNumber
		}
	})

	remaining := make(map[int]float64, len(ordered))
	for i, lot := range ordered {
		remaining[i] = toBase(lot.AvailableQuantity, lot.Unit)
	}

	var lines []model.ConsumedLine
	for _, req := range reqs {
		if !(req.RequiredAmount > 0) || math.IsInf(req.RequiredAmount, 0) {
			continue
		}
		name := model.NormalizeName(req.Name)
		need := toBase(req.RequiredAmount, req.Unit)

		for i, lot := range ordered {
			if need <= consumptionEpsilon {
				break
			}
			if model.NormalizeName(lot.IngredientName) != name || !compatible(lot.Unit, req.Unit) {
				continue
			}
			avail := remaining[i]
			if avail <= 0 {
				continue
			}
			take := math.Min(avail, need)
			remaining[i] = avail - take
			need -= take
			lines = append(lines, model.ConsumedLine{
				LotID:          lot.ID,
				LotNumber:      lot.LotNumber,
				IngredientName: lot.IngredientName,
				Quantity:       fromBase(take, lot.Unit),
				Unit:           lot.Unit,
			})
		}
		if need > consumptionEpsilon {
			return nil, fmt.Errorf("%w: %s short by %g %s", ErrInsufficientInventory, req.Name, fromBase(need, req.Unit), req.Unit)
		}
	}
	return lines, nil
}
