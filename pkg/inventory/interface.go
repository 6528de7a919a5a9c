package inventory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// BatchLedger defines batch intake, housekeeping and ledger queries
// バッチ登録・保守・台帳照会のインターフェースを定義
type BatchLedger interface {
	// バッチ管理 - Batch management
	CreateBatch(ctx context.Context, input CreateBatchInput) (*Batch, error)
	UpdateBatch(ctx context.Context, input UpdateBatchInput) (*Batch, error)
	GetBatch(ctx context.Context, batchID string) (*Batch, error)
	ListBatchesByItem(ctx context.Context, itemID string) ([]Batch, error)

	// 手動移動 - Manual movements
	AdjustBatch(ctx context.Context, batchID string, delta decimal.Decimal, notes string) (*Movement, error)
	RecordDamage(ctx context.Context, batchID string, quantity decimal.Decimal, notes string) (*Movement, error)

	// 台帳照会 - Ledger inquiry
	ListMovementsByBatch(ctx context.Context, batchID string) ([]Movement, error)
	ItemStock(ctx context.Context, itemID string) (*ItemStock, error)
	AuditBatch(ctx context.Context, batchID string) (*AuditReport, error)
}

// ConsumptionEngine defines planning, consumption and reversal
// 引当計画・消費・取り消しのインターフェースを定義
type ConsumptionEngine interface {
	Plan(ctx context.Context, itemID string, quantity decimal.Decimal, asOf time.Time, opts PlanOptions) (*ConsumptionPlan, *Shortage, error)
	Validate(ctx context.Context, requirements []ConsumptionRequirement) (*ValidationResult, error)
	Consume(ctx context.Context, requirements []ConsumptionRequirement) (*ConsumptionResult, error)
	ConsumeIncludingExpired(ctx context.Context, requirements []ConsumptionRequirement) (*ConsumptionResult, error)
	Reverse(ctx context.Context, referenceType ReferenceType, referenceID string) (*ReversalResult, error)
}

// ExpiryTracker defines expiry queries and housekeeping
// 期限照会と保守のインターフェースを定義
type ExpiryTracker interface {
	ExpiringWithin(ctx context.Context, daysAhead int, restaurantID string) ([]Batch, error)
	Reclassify(ctx context.Context, asOf time.Time) (int, error)
}

// AnalyticsEngine defines read-only rollups over batches and movements
// バッチと移動に対する読み取り専用集計のインターフェースを定義
type AnalyticsEngine interface {
	Summarize(ctx context.Context, query AnalyticsQuery) (*AnalyticsSummary, error)
}

// CreateBatchInput carries the fields accepted at batch intake
// バッチ登録時に受け付ける項目
type CreateBatchInput struct {
	InventoryItemID   string          `json:"inventory_item_id"`
	RestaurantID      string          `json:"restaurant_id,omitempty"`
	BatchNumber       string          `json:"batch_number"`
	InitialQuantity   decimal.Decimal `json:"initial_quantity"`
	Unit              string          `json:"unit"`
	PurchasePrice     decimal.Decimal `json:"purchase_price"`
	SellingPrice      decimal.Decimal `json:"selling_price"`
	Currency          string          `json:"currency,omitempty"`
	Supplier          string          `json:"supplier,omitempty"`
	PurchaseDate      *time.Time      `json:"purchase_date,omitempty"`
	ExpiryDate        *time.Time      `json:"expiry_date,omitempty"`
	ManufacturingDate *time.Time      `json:"manufacturing_date,omitempty"`
	LotNumber         string          `json:"lot_number,omitempty"`
	Notes             string          `json:"notes,omitempty"`
}

// UpdateBatchInput carries the non-quantity fields that may change
// 変更可能な数量以外の項目
type UpdateBatchInput struct {
	BatchID      string           `json:"batch_id"`
	Notes        *string          `json:"notes,omitempty"`
	SellingPrice *decimal.Decimal `json:"selling_price,omitempty"`
	Status       *BatchStatus     `json:"status,omitempty"`
}

// Storage defines the interface for the data persistence layer
// データ永続化層のインターフェースを定義
type Storage interface {
	// RunInTx runs fn inside one atomic transaction. Returning an error rolls everything back.
	// fnを1つのアトミックなトランザクション内で実行（エラー時はすべてロールバック）
	RunInTx(ctx context.Context, fn func(tx StorageTx) error) error

	// Snapshot reads (read committed, no locks)
	GetBatch(ctx context.Context, batchID string) (*Batch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]Batch, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)

	// MarkExpired flips active batches holding stock past their expiry to expired; quantities are untouched
	MarkExpired(ctx context.Context, asOf time.Time, updatedBy string) (int, error)

	// Health check
	Ping(ctx context.Context) error
	Close() error
}

// StorageTx is the transactional view of the storage.
// Locks taken through it are held until the transaction ends.
// ストレージのトランザクションビュー（取得したロックは終了まで保持）
type StorageTx interface {
	// LockItemBatches returns every batch of the item and locks them against concurrent consumers
	LockItemBatches(ctx context.Context, itemID string) ([]Batch, error)
	GetBatchForUpdate(ctx context.Context, batchID string) (*Batch, error)
	CreateBatch(ctx context.Context, batch *Batch) error
	// UpdateBatch expects batch.Version to be the stored version + 1
	UpdateBatch(ctx context.Context, batch *Batch) error
	// AppendMovement writes a movement and assigns its sequence
	AppendMovement(ctx context.Context, movement *Movement) error
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
}

// EventPublisher defines interface for publishing ledger events
// 台帳イベント発行のインターフェースを定義
type EventPublisher interface {
	PublishConsumptionCommitted(ctx context.Context, event ConsumptionCommittedEvent) error
	PublishConsumptionReversed(ctx context.Context, event ConsumptionReversedEvent) error
	PublishShortageDetected(ctx context.Context, event ShortageDetectedEvent) error
}

// ConsumptionCommittedEvent is published after a consumption commits
// 消費コミット後に発行
type ConsumptionCommittedEvent struct {
	ReferenceType ReferenceType     `json:"reference_type"`
	ReferenceID   string            `json:"reference_id"`
	Plans         []ConsumptionPlan `json:"plans"`
	Timestamp     time.Time         `json:"timestamp"`
	UserID        string            `json:"user_id"`
}

// ConsumptionReversedEvent is published after a reversal commits
// 取り消しコミット後に発行
type ConsumptionReversedEvent struct {
	ReferenceType ReferenceType `json:"reference_type"`
	ReferenceID   string        `json:"reference_id"`
	Movements     []Movement    `json:"movements"`
	Timestamp     time.Time     `json:"timestamp"`
	UserID        string        `json:"user_id"`
}

// ShortageDetectedEvent is published when a consume call is refused
// 消費が在庫不足で拒否された時に発行
type ShortageDetectedEvent struct {
	ReferenceType ReferenceType  `json:"reference_type"`
	ReferenceID   string         `json:"reference_id"`
	Shortages     []ItemShortage `json:"shortages"`
	Timestamp     time.Time      `json:"timestamp"`
}
