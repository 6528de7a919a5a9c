package inventory

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var planAt = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func date(month time.Month, day int) *time.Time {
	t := time.Date(2024, month, day, 0, 0, 0, 0, time.UTC)
	return &t
}

func testBatch(id, qty string, expiry *time.Time) Batch {
	return Batch{
		ID:              id,
		InventoryItemID: "tomato",
		BatchNumber:     "BN-" + id,
		InitialQuantity: d(qty),
		CurrentQuantity: d(qty),
		PurchasePrice:   d("10"),
		PurchaseDate:    time.Date(2023, 12, 20, 0, 0, 0, 0, time.UTC),
		ExpiryDate:      expiry,
		Status:          BatchStatusActive,
	}
}

func drawIDs(plan *ConsumptionPlan) []string {
	ids := make([]string, 0, len(plan.Draws))
	for _, dr := range plan.Draws {
		ids = append(ids, dr.BatchID)
	}
	return ids
}

func TestPlanFEFO_EarliestExpiryFirst(t *testing.T) {
	batches := []Batch{
		testBatch("no-expiry", "100", nil),
		testBatch("jan-10", "5", date(1, 10)),
		testBatch("jan-05", "3", date(1, 5)),
	}

	plan, shortage := PlanFEFO("tomato", batches, d("6"), planAt, PlanOptions{})

	require.Nil(t, shortage)
	assert.Equal(t, []string{"jan-05", "jan-10"}, drawIDs(plan))
	assert.True(t, plan.Draws[0].Quantity.Equal(d("3")))
	assert.True(t, plan.Draws[1].Quantity.Equal(d("3")))
	assert.True(t, plan.TotalDrawn().Equal(d("6")))
	assert.True(t, plan.Cost().Equal(d("60")))

	// 入力は変更しない
	assert.Equal(t, "no-expiry", batches[0].ID)
	assert.True(t, batches[2].CurrentQuantity.Equal(d("3")))
}

func TestPlanFEFO_NoExpiryLast(t *testing.T) {
	batches := []Batch{
		testBatch("no-expiry", "100", nil),
		testBatch("jan-10", "5", date(1, 10)),
	}

	plan, shortage := PlanFEFO("tomato", batches, d("8"), planAt, PlanOptions{})

	require.Nil(t, shortage)
	assert.Equal(t, []string{"jan-10", "no-expiry"}, drawIDs(plan))
	assert.True(t, plan.Draws[1].Quantity.Equal(d("3")))
}

func TestPlanFEFO_TieBreaks(t *testing.T) {
	older := testBatch("b", "1", date(1, 5))
	older.PurchaseDate = time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC)
	newer := testBatch("a", "1", date(1, 5))
	sameDateHigherID := testBatch("c", "1", date(1, 5))

	plan, shortage := PlanFEFO("tomato", []Batch{sameDateHigherID, newer, older}, d("3"), planAt, PlanOptions{})

	require.Nil(t, shortage)
	// 同一期限は仕入日、さらにIDの昇順
	assert.Equal(t, []string{"b", "a", "c"}, drawIDs(plan))
}

func TestPlanFEFO_Exclusions(t *testing.T) {
	expired := testBatch("expired", "10", date(1, 1)) // 1/1 0:00 は planAt より前
	consumed := testBatch("consumed", "0", nil)
	consumed.Status = BatchStatusConsumed
	damaged := testBatch("damaged", "4", nil)
	damaged.Status = BatchStatusDamaged
	otherItem := testBatch("other", "50", nil)
	otherItem.InventoryItemID = "basil"
	flagged := testBatch("flagged", "2", date(2, 1))
	flagged.Status = BatchStatusExpired
	usable := testBatch("usable", "1", nil)

	batches := []Batch{expired, consumed, damaged, otherItem, flagged, usable}

	_, shortage := PlanFEFO("tomato", batches, d("2"), planAt, PlanOptions{})
	require.NotNil(t, shortage)
	assert.True(t, shortage.QuantityAvailable.Equal(d("1")))
	assert.True(t, shortage.Deficit.Equal(d("1")))

	plan, shortage := PlanFEFO("tomato", batches, d("13"), planAt, PlanOptions{IncludeExpired: true})
	require.Nil(t, shortage)
	assert.Equal(t, []string{"expired", "flagged", "usable"}, drawIDs(plan))
}

func TestPlanFEFO_ShortageReturnsNoPlan(t *testing.T) {
	plan, shortage := PlanFEFO("tomato", []Batch{testBatch("a", "2.5", nil)}, d("4"), planAt, PlanOptions{})

	assert.Nil(t, plan)
	require.NotNil(t, shortage)
	assert.True(t, shortage.QuantityNeeded.Equal(d("4")))
	assert.True(t, shortage.QuantityAvailable.Equal(d("2.5")))
	assert.True(t, shortage.Deficit.Equal(d("1.5")))

	_, shortage = PlanFEFO("tomato", nil, d("1"), planAt, PlanOptions{})
	require.NotNil(t, shortage)
	assert.True(t, shortage.QuantityAvailable.IsZero())
}

func TestPlanFEFO_ExactQuantityDrainsBatch(t *testing.T) {
	plan, shortage := PlanFEFO("tomato", []Batch{testBatch("a", "2", nil), testBatch("b", "2", nil)}, d("2"), planAt, PlanOptions{})

	require.Nil(t, shortage)
	assert.Equal(t, []string{"a"}, drawIDs(plan))
}

func TestPlanRequirements(t *testing.T) {
	snapshot := func() map[string][]Batch {
		basil := testBatch("basil-1", "2", nil)
		basil.InventoryItemID = "basil"
		return map[string][]Batch{
			"tomato": {testBatch("t1", "5", date(1, 3)), testBatch("t2", "5", date(1, 4))},
			"basil":  {basil},
		}
	}
	req := func(item, qty string) ConsumptionRequirement {
		return ConsumptionRequirement{InventoryItemID: item, Quantity: d(qty), ReferenceType: ReferenceTypeOrder, ReferenceID: "o-1"}
	}

	t.Run("same item lines do not overlap", func(t *testing.T) {
		batches := snapshot()
		plans, shortages := planRequirements([]ConsumptionRequirement{req("tomato", "4"), req("tomato", "4")}, batches, planAt, PlanOptions{})

		require.Empty(t, shortages)
		require.Len(t, plans, 2)
		assert.Equal(t, []string{"t1"}, drawIDs(&plans[0]))
		assert.Equal(t, []string{"t1", "t2"}, drawIDs(&plans[1]))
		assert.True(t, plans[1].Draws[0].Quantity.Equal(d("1")))
		assert.Equal(t, "o-1", plans[1].ReferenceID)

		// スナップショットは変更しない
		assert.True(t, batches["tomato"][0].CurrentQuantity.Equal(d("5")))
	})

	t.Run("any shortage drops every plan", func(t *testing.T) {
		plans, shortages := planRequirements([]ConsumptionRequirement{req("tomato", "10"), req("basil", "5")}, snapshot(), planAt, PlanOptions{})

		assert.Nil(t, plans)
		require.Len(t, shortages, 1)
		assert.Equal(t, "basil", shortages[0].InventoryItemID)
		assert.True(t, shortages[0].Deficit.Equal(d("3")))
	})

	t.Run("shortage aggregates lines of one item", func(t *testing.T) {
		_, shortages := planRequirements([]ConsumptionRequirement{req("tomato", "7"), req("tomato", "7")}, snapshot(), planAt, PlanOptions{})

		require.Len(t, shortages, 1)
		assert.True(t, shortages[0].QuantityNeeded.Equal(d("14")))
		assert.True(t, shortages[0].QuantityAvailable.Equal(d("10")))
		assert.True(t, shortages[0].Deficit.Equal(d("4")))
	})
}

func TestStatusAfterQuantityChange(t *testing.T) {
	tests := []struct {
		name     string
		status   BatchStatus
		qty      string
		expiry   *time.Time
		movement MovementType
		want     BatchStatus
	}{
		{"consumed to zero", BatchStatusActive, "0", nil, MovementTypeConsumption, BatchStatusConsumed},
		{"damaged to zero", BatchStatusActive, "0", nil, MovementTypeDamage, BatchStatusDamaged},
		{"return revives consumed", BatchStatusConsumed, "2", nil, MovementTypeReturn, BatchStatusActive},
		{"return to past expiry", BatchStatusConsumed, "2", date(1, 1), MovementTypeReturn, BatchStatusExpired},
		{"damaged stays damaged", BatchStatusDamaged, "2", nil, MovementTypeReturn, BatchStatusDamaged},
		{"partial draw keeps status", BatchStatusExpired, "1", date(1, 1), MovementTypeConsumption, BatchStatusExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := testBatch("x", "5", tt.expiry)
			b.Status = tt.status
			b.CurrentQuantity = d(tt.qty)
			assert.Equal(t, tt.want, statusAfterQuantityChange(&b, tt.movement, planAt))
		})
	}
}
