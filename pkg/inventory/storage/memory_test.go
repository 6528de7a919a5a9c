package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiBatchLedger/pkg/inventory"
)

var (
	jan1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	jan5 = time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
)

func newBatch(item, number, qty string, expiry *time.Time) *inventory.Batch {
	q := decimal.RequireFromString(qty)
	return &inventory.Batch{
		ID:              uuid.New().String(),
		InventoryItemID: item,
		RestaurantID:    "rest-1",
		BatchNumber:     number,
		Unit:            "kg",
		InitialQuantity: q,
		CurrentQuantity: q,
		Currency:        "JPY",
		PurchaseDate:    jan1,
		ExpiryDate:      expiry,
		Status:          inventory.BatchStatusActive,
		Version:         1,
	}
}

func seed(t *testing.T, s *MemoryStorage, batches ...*inventory.Batch) {
	t.Helper()
	err := s.RunInTx(context.Background(), func(tx inventory.StorageTx) error {
		for _, b := range batches {
			if err := tx.CreateBatch(context.Background(), b); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

// draw stages a consumption of qty from the batch inside tx
func draw(ctx context.Context, tx inventory.StorageTx, batchID string, qty string, ref string) error {
	b, err := tx.GetBatchForUpdate(ctx, batchID)
	if err != nil {
		return err
	}
	delta := decimal.RequireFromString(qty)
	b.CurrentQuantity = b.CurrentQuantity.Sub(delta)
	b.Version++
	if err := tx.UpdateBatch(ctx, b); err != nil {
		return err
	}
	return tx.AppendMovement(ctx, &inventory.Movement{
		ID:                uuid.New().String(),
		BatchID:           b.ID,
		InventoryItemID:   b.InventoryItemID,
		RestaurantID:      b.RestaurantID,
		Type:              inventory.MovementTypeConsumption,
		QuantityDelta:     delta.Neg(),
		ResultingQuantity: b.CurrentQuantity,
		ReferenceType:     inventory.ReferenceTypeOrder,
		ReferenceID:       ref,
		CreatedAt:         jan1,
	})
}

func TestMemoryStorage_CommitAndRollback(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage(zap.NewNop())
	b := newBatch("tomato", "T-1", "10", nil)
	seed(t, s, b)

	require.NoError(t, s.RunInTx(ctx, func(tx inventory.StorageTx) error {
		return draw(ctx, tx, b.ID, "3", "o-1")
	}))

	boom := errors.New("boom")
	err := s.RunInTx(ctx, func(tx inventory.StorageTx) error {
		if err := draw(ctx, tx, b.ID, "2", "o-2"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, s.RunInTx(ctx, func(tx inventory.StorageTx) error {
		return draw(ctx, tx, b.ID, "1", "o-3")
	}))

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.CurrentQuantity.Equal(decimal.NewFromInt(6)))
	assert.Equal(t, int64(3), got.Version)

	movements, err := s.ListMovements(ctx, inventory.MovementFilter{BatchID: b.ID})
	require.NoError(t, err)
	require.Len(t, movements, 2)
	assert.Equal(t, "o-1", movements[0].ReferenceID)
	assert.Equal(t, "o-3", movements[1].ReferenceID)
	// ロールバックした移動の番号は欠番になる
	assert.Equal(t, movements[0].Sequence+2, movements[1].Sequence)
}

func TestMemoryStorage_StaleVersionRejected(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage(nil)
	b := newBatch("tomato", "T-1", "10", nil)
	seed(t, s, b)

	err := s.RunInTx(ctx, func(tx inventory.StorageTx) error {
		stale := *b
		stale.Version = 5
		return tx.UpdateBatch(ctx, &stale)
	})
	assert.ErrorIs(t, err, inventory.ErrVersionMismatch)
	assert.True(t, inventory.IsConflict(err))
}

func TestMemoryStorage_MarkExpiredConflictsWithOpenTx(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage(nil)
	expiry := jan5
	b := newBatch("tomato", "T-1", "10", &expiry)
	seed(t, s, b)

	err := s.RunInTx(ctx, func(tx inventory.StorageTx) error {
		if err := draw(ctx, tx, b.ID, "4", "o-1"); err != nil {
			return err
		}
		n, err := s.MarkExpired(ctx, jan5.AddDate(0, 0, 1), "expiry-monitor")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return nil
	})

	var ce *inventory.ConcurrencyError
	require.ErrorAs(t, err, &ce)
	assert.True(t, inventory.IsConflict(err))

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, inventory.BatchStatusExpired, got.Status)
	assert.True(t, got.CurrentQuantity.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, "expiry-monitor", got.UpdatedBy)

	movements, err := s.ListMovements(ctx, inventory.MovementFilter{})
	require.NoError(t, err)
	assert.Empty(t, movements)
}

func TestMemoryStorage_DuplicateBatchNumber(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage(nil)
	seed(t, s, newBatch("tomato", "T-1", "1", nil))

	err := s.RunInTx(ctx, func(tx inventory.StorageTx) error {
		return tx.CreateBatch(ctx, newBatch("tomato", "T-1", "2", nil))
	})
	assert.ErrorIs(t, err, inventory.ErrDuplicateBatchNumber)

	// 品目が異なれば同じ番号を使える
	seed(t, s, newBatch("basil", "T-1", "2", nil))

	batches, err := s.ListBatches(ctx, inventory.BatchFilter{})
	require.NoError(t, err)
	assert.Len(t, batches, 2)
}

func TestMemoryStorage_TxSeesOwnWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage(nil)
	a := newBatch("tomato", "T-1", "5", nil)
	seed(t, s, a)
	require.NoError(t, s.RunInTx(ctx, func(tx inventory.StorageTx) error {
		return draw(ctx, tx, a.ID, "1", "o-1")
	}))

	err := s.RunInTx(ctx, func(tx inventory.StorageTx) error {
		created := newBatch("tomato", "T-2", "3", nil)
		require.NoError(t, tx.CreateBatch(ctx, created))
		require.NoError(t, draw(ctx, tx, a.ID, "2", "o-1"))

		batches, err := tx.LockItemBatches(ctx, "tomato")
		require.NoError(t, err)
		require.Len(t, batches, 2)
		for _, b := range batches {
			if b.ID == a.ID {
				assert.True(t, b.CurrentQuantity.Equal(decimal.NewFromInt(2)))
			}
		}

		movements, err := tx.ListMovements(ctx, inventory.MovementFilter{ReferenceID: "o-1"})
		require.NoError(t, err)
		require.Len(t, movements, 2)
		assert.Less(t, movements[0].Sequence, movements[1].Sequence)

		// コミット前は外から見えない
		outside, err := s.ListMovements(ctx, inventory.MovementFilter{ReferenceID: "o-1"})
		require.NoError(t, err)
		assert.Len(t, outside, 1)
		_, err = s.GetBatch(ctx, created.ID)
		assert.ErrorIs(t, err, inventory.ErrBatchNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStorage_Filters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage(nil)
	expiry := jan5
	soon := newBatch("tomato", "T-1", "5", &expiry)
	none := newBatch("tomato", "T-2", "5", nil)
	other := newBatch("basil", "B-1", "5", &expiry)
	other.RestaurantID = "rest-2"
	empty := newBatch("salt", "S-1", "1", &expiry)
	seed(t, s, soon, none, other, empty)
	require.NoError(t, s.RunInTx(ctx, func(tx inventory.StorageTx) error {
		return draw(ctx, tx, empty.ID, "1", "o-9")
	}))

	batches, err := s.ListBatches(ctx, inventory.BatchFilter{InventoryItemID: "tomato"})
	require.NoError(t, err)
	assert.Len(t, batches, 2)

	before := jan5
	batches, err = s.ListBatches(ctx, inventory.BatchFilter{ExpiringBefore: &before, OnlyWithStock: true})
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, "basil", batches[0].InventoryItemID)
	assert.Equal(t, "tomato", batches[1].InventoryItemID)

	batches, err = s.ListBatches(ctx, inventory.BatchFilter{RestaurantID: "rest-1", Statuses: []inventory.BatchStatus{inventory.BatchStatusActive}})
	require.NoError(t, err)
	assert.Len(t, batches, 3)

	from := jan1.Add(time.Hour)
	movements, err := s.ListMovements(ctx, inventory.MovementFilter{From: &from})
	require.NoError(t, err)
	assert.Empty(t, movements)

	movements, err = s.ListMovements(ctx, inventory.MovementFilter{
		Types: []inventory.MovementType{inventory.MovementTypeConsumption},
	})
	require.NoError(t, err)
	assert.Len(t, movements, 1)

	movements, err = s.ListMovements(ctx, inventory.MovementFilter{
		Types: []inventory.MovementType{inventory.MovementTypeDamage},
	})
	require.NoError(t, err)
	assert.Empty(t, movements)
}

func TestMemoryStorage_CanceledContext(t *testing.T) {
	s := NewMemoryStorage(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.RunInTx(ctx, func(tx inventory.StorageTx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
	assert.ErrorIs(t, s.Ping(ctx), context.Canceled)
}
