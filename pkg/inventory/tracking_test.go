package inventory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiBatchLedger/pkg/inventory"
)

func TestExpiryMonitor_ExpiringWithin(t *testing.T) {
	f := newFixture(t)
	soon := f.batch(t, "tomato", "SOON", "3", day(2))
	f.batch(t, "tomato", "LATER", "3", day(10))
	f.batch(t, "salt", "NONE", "3", nil)
	past := f.batch(t, "milk", "PAST", "1", &time.Time{})
	empty := f.batch(t, "basil", "EMPTY", "1", day(3))
	_, err := f.manager.AdjustBatch(f.ctx, empty.ID, dec("-1"), "")
	require.NoError(t, err)

	other, err := f.manager.CreateBatch(f.ctx, inventory.CreateBatchInput{
		InventoryItemID: "tomato",
		RestaurantID:    "rest-2",
		BatchNumber:     "OTHER",
		InitialQuantity: dec("1"),
		Unit:            "kg",
		ExpiryDate:      day(2),
	})
	require.NoError(t, err)

	monitor := inventory.NewExpiryMonitor(f.store, zap.NewNop(), nil).
		WithClock(func() time.Time { return testNow })

	batches, err := monitor.ExpiringWithin(f.ctx, 3, "rest-1")
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, past.ID, batches[0].ID)
	assert.Equal(t, soon.ID, batches[1].ID)

	all, err := monitor.ExpiringWithin(f.ctx, 3, "")
	require.NoError(t, err)
	ids := make([]string, 0, len(all))
	for _, b := range all {
		ids = append(ids, b.ID)
	}
	assert.Contains(t, ids, other.ID)
	assert.Len(t, ids, 3)

	_, err = monitor.ExpiringWithin(f.ctx, -1, "")
	var ve *inventory.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestExpiryMonitor_Reclassify(t *testing.T) {
	f := newFixture(t)
	soon := f.batch(t, "tomato", "SOON", "3", day(2))
	later := f.batch(t, "tomato", "LATER", "3", day(10))
	drained := f.batch(t, "basil", "DRAINED", "1", day(2))
	_, err := f.manager.AdjustBatch(f.ctx, drained.ID, dec("-1"), "")
	require.NoError(t, err)

	monitor := inventory.NewExpiryMonitor(f.store, zap.NewNop(), inventory.NewMetrics(nil)).
		WithClock(func() time.Time { return *day(6) })

	n, err := monitor.Reclassify(f.ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	after := f.get(t, soon.ID)
	assert.Equal(t, inventory.BatchStatusExpired, after.Status)
	assert.True(t, after.CurrentQuantity.Equal(dec("3")))
	assert.Equal(t, int64(2), after.Version)
	assert.Equal(t, inventory.BatchStatusActive, f.get(t, later.ID).Status)
	assert.Equal(t, inventory.BatchStatusConsumed, f.get(t, drained.ID).Status)

	// 繰り返し実行しても変化なし
	n, err = monitor.Reclassify(f.ctx, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, n)

	// 再分類は移動を記録しない
	movements, err := f.manager.ListMovementsByBatch(f.ctx, soon.ID)
	require.NoError(t, err)
	assert.Empty(t, movements)
}

func TestExpiryMonitor_Run(t *testing.T) {
	f := newFixture(t)
	soon := f.batch(t, "tomato", "SOON", "3", day(2))

	monitor := inventory.NewExpiryMonitor(f.store, zap.NewNop(), nil).
		WithClock(func() time.Time { return *day(6) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- monitor.Run(ctx, 10*time.Millisecond) }()

	assert.Eventually(t, func() bool {
		b, err := f.store.GetBatch(context.Background(), soon.ID)
		return err == nil && b.Status == inventory.BatchStatusExpired
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	b := f.get(t, soon.ID)
	assert.Equal(t, "expiry-monitor", b.UpdatedBy)

	assert.Error(t, monitor.Run(context.Background(), 0))
}
