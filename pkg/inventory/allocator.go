package inventory

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// SortFEFO orders batches first-expired-first-out:
// expiry ascending with no-expiry last, then purchase date, then batch ID.
// 先入先出（期限順）で並べ替え。期限なしは最後、同一期限は仕入日、バッチIDの順
func SortFEFO(batches []Batch) {
	sort.SliceStable(batches, func(i, j int) bool {
		return fefoLess(&batches[i], &batches[j])
	})
}

func fefoLess(a, b *Batch) bool {
	switch {
	case a.ExpiryDate != nil && b.ExpiryDate == nil:
		return true
	case a.ExpiryDate == nil && b.ExpiryDate != nil:
		return false
	case a.ExpiryDate != nil && !a.ExpiryDate.Equal(*b.ExpiryDate):
		return a.ExpiryDate.Before(*b.ExpiryDate)
	}
	if !a.PurchaseDate.Equal(b.PurchaseDate) {
		return a.PurchaseDate.Before(b.PurchaseDate)
	}
	return a.ID < b.ID
}

// PlanFEFO computes the batch draws for quantity of one item over a snapshot of its batches.
// Either the full quantity is planned or a shortage is returned with no plan.
// The input slice is not modified.
// 品目バッチのスナップショットに対して引当を計算（全量計画できなければ不足のみ返す）
func PlanFEFO(itemID string, batches []Batch, quantity decimal.Decimal, asOf time.Time, opts PlanOptions) (*ConsumptionPlan, *Shortage) {
	candidates := make([]Batch, 0, len(batches))
	available := decimal.Zero
	for _, b := range batches {
		if b.InventoryItemID != itemID || !b.IsAllocatable(asOf, opts) {
			continue
		}
		candidates = append(candidates, b)
		available = available.Add(b.CurrentQuantity)
	}

	if available.LessThan(quantity) {
		return nil, &Shortage{
			QuantityNeeded:    quantity,
			QuantityAvailable: available,
			Deficit:           quantity.Sub(available),
		}
	}

	SortFEFO(candidates)

	plan := &ConsumptionPlan{
		InventoryItemID: itemID,
		QuantityNeeded:  quantity,
		Draws:           make([]BatchDraw, 0, 1),
	}
	remaining := quantity
	for _, b := range candidates {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(remaining, b.CurrentQuantity)
		plan.Draws = append(plan.Draws, BatchDraw{
			BatchID:     b.ID,
			BatchNumber: b.BatchNumber,
			Quantity:    take,
			UnitCost:    b.PurchasePrice,
			ExpiryDate:  b.ExpiryDate,
		})
		remaining = remaining.Sub(take)
	}

	return plan, nil
}

// planRequirements plans every requirement against per-item batch snapshots.
// Lines for the same item are planned in order against a working copy so they never
// draw the same stock twice; a short item yields one shortage covering all its lines.
// 全要求を品目ごとのスナップショットに対して計画（同一品目の複数行は作業コピー上で順に計画）
func planRequirements(requirements []ConsumptionRequirement, batchesByItem map[string][]Batch, asOf time.Time, opts PlanOptions) ([]ConsumptionPlan, []ItemShortage) {
	working := make(map[string][]Batch, len(batchesByItem))
	for itemID, batches := range batchesByItem {
		working[itemID] = append([]Batch(nil), batches...)
	}

	needed := make(map[string]decimal.Decimal)
	short := make(map[string]bool)
	itemOrder := make([]string, 0, len(requirements))
	plans := make([]ConsumptionPlan, 0, len(requirements))

	for _, req := range requirements {
		itemID := req.InventoryItemID
		if _, seen := needed[itemID]; !seen {
			itemOrder = append(itemOrder, itemID)
			needed[itemID] = decimal.Zero
		}
		needed[itemID] = needed[itemID].Add(req.Quantity)
		if short[itemID] {
			continue
		}

		plan, shortage := PlanFEFO(itemID, working[itemID], req.Quantity, asOf, opts)
		if shortage != nil {
			short[itemID] = true
			continue
		}
		plan.ReferenceType = req.ReferenceType
		plan.ReferenceID = req.ReferenceID
		plans = append(plans, *plan)
		deductDraws(working[itemID], plan.Draws)
	}

	var shortages []ItemShortage
	for _, itemID := range itemOrder {
		if !short[itemID] {
			continue
		}
		available := decimal.Zero
		for _, b := range batchesByItem[itemID] {
			if b.InventoryItemID == itemID && b.IsAllocatable(asOf, opts) {
				available = available.Add(b.CurrentQuantity)
			}
		}
		shortages = append(shortages, ItemShortage{
			InventoryItemID: itemID,
			Shortage: Shortage{
				QuantityNeeded:    needed[itemID],
				QuantityAvailable: available,
				Deficit:           needed[itemID].Sub(available),
			},
		})
	}

	if len(shortages) > 0 {
		return nil, shortages
	}
	return plans, nil
}

func deductDraws(batches []Batch, draws []BatchDraw) {
	for _, d := range draws {
		for i := range batches {
			if batches[i].ID == d.BatchID {
				batches[i].CurrentQuantity = batches[i].CurrentQuantity.Sub(d.Quantity)
				break
			}
		}
	}
}
