package storage

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nemonet1337/zaiBatchLedger/pkg/inventory"
)

// MemoryStorage implements the Storage interface in process memory.
// Each inventory item has its own lock held for the whole transaction, and
// writes are staged and applied at commit after a version check.
// プロセス内メモリによるStorage実装（品目ごとのロックをトランザクション中保持し、書き込みはコミット時に反映）
type MemoryStorage struct {
	mu        sync.RWMutex
	batches   map[string]*inventory.Batch
	movements []inventory.Movement
	seq       atomic.Int64

	locksMu   sync.Mutex
	itemLocks map[string]*sync.Mutex

	logger *zap.Logger
}

var _ inventory.Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty in-memory store
// 空のメモリストレージを作成
func NewMemoryStorage(logger *zap.Logger) *MemoryStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStorage{
		batches:   make(map[string]*inventory.Batch),
		itemLocks: make(map[string]*sync.Mutex),
		logger:    logger,
	}
}

func (s *MemoryStorage) itemLock(itemID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.itemLocks[itemID]
	if !ok {
		l = &sync.Mutex{}
		s.itemLocks[itemID] = l
	}
	return l
}

// RunInTx runs fn with a staged transaction; nothing is visible to others until commit
// ステージングしたトランザクションでfnを実行（コミットまで他から見えない）
func (s *MemoryStorage) RunInTx(ctx context.Context, fn func(tx inventory.StorageTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{
		s:           s,
		held:        make(map[string]*sync.Mutex),
		staged:      make(map[string]*inventory.Batch),
		created:     make(map[string]bool),
		baseVersion: make(map[string]int64),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

// GetBatch returns a copy of a committed batch
func (s *MemoryStorage) GetBatch(ctx context.Context, batchID string) (*inventory.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[batchID]
	if !ok {
		return nil, inventory.ErrBatchNotFound
	}
	return cloneBatch(b), nil
}

// ListBatches returns copies of committed batches matching the filter, ordered by item and ID
func (s *MemoryStorage) ListBatches(ctx context.Context, filter inventory.BatchFilter) ([]inventory.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []inventory.Batch
	for _, b := range s.batches {
		if matchBatch(b, filter) {
			out = append(out, *cloneBatch(b))
		}
	}
	sortBatches(out)
	return out, nil
}

// ListMovements returns committed movements matching the filter in ledger order
func (s *MemoryStorage) ListMovements(ctx context.Context, filter inventory.MovementFilter) ([]inventory.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []inventory.Movement
	for _, mv := range s.movements {
		if matchMovement(&mv, filter) {
			out = append(out, mv)
		}
	}
	return out, nil
}

// MarkExpired reclassifies active past-expiry batches holding stock.
// It bumps their version, so an in-flight transaction that staged one of them fails its commit.
// 期限切れの在庫ありactiveバッチを再分類（バージョンを上げるため、処理中のトランザクションはコミット時に競合となる）
func (s *MemoryStorage) MarkExpired(ctx context.Context, asOf time.Time, updatedBy string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	n := 0
	for _, b := range s.batches {
		if b.Status == inventory.BatchStatusActive && b.HasStock() && b.IsExpiredAt(asOf) {
			b.Status = inventory.BatchStatusExpired
			b.Version++
			b.UpdatedAt = now
			b.UpdatedBy = updatedBy
			n++
		}
	}
	return n, nil
}

// Ping always succeeds
func (s *MemoryStorage) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op
func (s *MemoryStorage) Close() error {
	return nil
}

// memoryTx stages batch writes and movements until commit
// コミットまでバッチ更新と移動をステージング
type memoryTx struct {
	s           *MemoryStorage
	held        map[string]*sync.Mutex      // 保持中の品目ロック
	staged      map[string]*inventory.Batch // 作成・更新予定のバッチ
	created     map[string]bool
	baseVersion map[string]int64 // 最初に更新した時点のコミット済みバージョン
	movements   []inventory.Movement
}

var _ inventory.StorageTx = (*memoryTx)(nil)

func (t *memoryTx) lockItem(itemID string) {
	if _, ok := t.held[itemID]; ok {
		return
	}
	l := t.s.itemLock(itemID)
	l.Lock()
	t.held[itemID] = l
}

func (t *memoryTx) release() {
	for id, l := range t.held {
		l.Unlock()
		delete(t.held, id)
	}
}

// view returns the batch as this transaction sees it
func (t *memoryTx) view(batchID string) (*inventory.Batch, bool) {
	if b, ok := t.staged[batchID]; ok {
		return cloneBatch(b), true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	b, ok := t.s.batches[batchID]
	if !ok {
		return nil, false
	}
	return cloneBatch(b), true
}

func (t *memoryTx) LockItemBatches(ctx context.Context, itemID string) ([]inventory.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.lockItem(itemID)

	t.s.mu.RLock()
	var out []inventory.Batch
	for id, b := range t.s.batches {
		if b.InventoryItemID != itemID {
			continue
		}
		if staged, ok := t.staged[id]; ok {
			out = append(out, *cloneBatch(staged))
			continue
		}
		out = append(out, *cloneBatch(b))
	}
	t.s.mu.RUnlock()

	for id := range t.created {
		if b := t.staged[id]; b.InventoryItemID == itemID {
			out = append(out, *cloneBatch(b))
		}
	}
	sortBatches(out)
	return out, nil
}

func (t *memoryTx) GetBatchForUpdate(ctx context.Context, batchID string) (*inventory.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, ok := t.view(batchID)
	if !ok {
		return nil, inventory.ErrBatchNotFound
	}
	// 品目ロック取得後に読み直す
	t.lockItem(b.InventoryItemID)
	b, ok = t.view(batchID)
	if !ok {
		return nil, inventory.ErrBatchNotFound
	}
	return b, nil
}

func (t *memoryTx) CreateBatch(ctx context.Context, b *inventory.Batch) error {
	t.lockItem(b.InventoryItemID)
	t.staged[b.ID] = cloneBatch(b)
	t.created[b.ID] = true
	return nil
}

func (t *memoryTx) UpdateBatch(ctx context.Context, b *inventory.Batch) error {
	current, ok := t.view(b.ID)
	if !ok {
		return inventory.ErrBatchNotFound
	}
	if current.Version != b.Version-1 {
		return inventory.ErrVersionMismatch
	}
	if _, staged := t.staged[b.ID]; !staged && !t.created[b.ID] {
		t.baseVersion[b.ID] = current.Version
	}
	t.staged[b.ID] = cloneBatch(b)
	return nil
}

// AppendMovement assigns the next sequence immediately; a rolled back transaction leaves a gap
func (t *memoryTx) AppendMovement(ctx context.Context, mv *inventory.Movement) error {
	mv.Sequence = t.s.seq.Add(1)
	t.movements = append(t.movements, *mv)
	return nil
}

func (t *memoryTx) ListMovements(ctx context.Context, filter inventory.MovementFilter) ([]inventory.Movement, error) {
	out, err := t.s.ListMovements(ctx, filter)
	if err != nil {
		return nil, err
	}
	for i := range t.movements {
		if matchMovement(&t.movements[i], filter) {
			out = append(out, t.movements[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

func (t *memoryTx) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	// 全件検証してから反映（途中失敗で部分反映しない）
	for id, b := range t.staged {
		if t.created[id] {
			if _, exists := s.batches[id]; exists {
				return inventory.ErrDuplicateBatchNumber
			}
			for _, other := range s.batches {
				if other.InventoryItemID == b.InventoryItemID && other.BatchNumber == b.BatchNumber {
					return inventory.ErrDuplicateBatchNumber
				}
			}
			continue
		}
		committed, ok := s.batches[id]
		if !ok {
			return inventory.ErrBatchNotFound
		}
		if committed.Version != t.baseVersion[id] {
			return inventory.NewConcurrencyError("commit", id, "コミット前にバッチが更新されました")
		}
	}

	for id, b := range t.staged {
		s.batches[id] = b
	}
	if len(t.movements) > 0 {
		s.movements = append(s.movements, t.movements...)
		sort.SliceStable(s.movements, func(i, j int) bool {
			return s.movements[i].Sequence < s.movements[j].Sequence
		})
	}
	return nil
}

func matchBatch(b *inventory.Batch, f inventory.BatchFilter) bool {
	if f.InventoryItemID != "" && b.InventoryItemID != f.InventoryItemID {
		return false
	}
	if f.RestaurantID != "" && b.RestaurantID != f.RestaurantID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if b.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ExpiringBefore != nil && (b.ExpiryDate == nil || b.ExpiryDate.After(*f.ExpiringBefore)) {
		return false
	}
	if f.OnlyWithStock && !b.HasStock() {
		return false
	}
	return true
}

func matchMovement(mv *inventory.Movement, f inventory.MovementFilter) bool {
	switch {
	case f.BatchID != "" && mv.BatchID != f.BatchID:
		return false
	case f.InventoryItemID != "" && mv.InventoryItemID != f.InventoryItemID:
		return false
	case f.RestaurantID != "" && mv.RestaurantID != f.RestaurantID:
		return false
	case f.ReferenceType != "" && mv.ReferenceType != f.ReferenceType:
		return false
	case f.ReferenceID != "" && mv.ReferenceID != f.ReferenceID:
		return false
	case f.From != nil && mv.CreatedAt.Before(*f.From):
		return false
	case f.To != nil && mv.CreatedAt.After(*f.To):
		return false
	}
	if len(f.Types) > 0 {
		for _, mt := range f.Types {
			if mv.Type == mt {
				return true
			}
		}
		return false
	}
	return true
}

func sortBatches(batches []inventory.Batch) {
	sort.Slice(batches, func(i, j int) bool {
		if batches[i].InventoryItemID != batches[j].InventoryItemID {
			return batches[i].InventoryItemID < batches[j].InventoryItemID
		}
		return batches[i].ID < batches[j].ID
	})
}

func cloneBatch(b *inventory.Batch) *inventory.Batch {
	c := *b
	if b.ExpiryDate != nil {
		t := *b.ExpiryDate
		c.ExpiryDate = &t
	}
	if b.ManufacturingDate != nil {
		t := *b.ManufacturingDate
		c.ManufacturingDate = &t
	}
	return &c
}
