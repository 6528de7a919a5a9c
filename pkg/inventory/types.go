// Package inventory provides the batch ledger and FEFO consumption engine
package inventory

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BatchStatus defines the lifecycle status of a batch
// バッチのライフサイクル状態を定義
type BatchStatus string

const (
	BatchStatusActive   BatchStatus = "active"   // 利用可能
	BatchStatusExpired  BatchStatus = "expired"  // 期限切れ
	BatchStatusConsumed BatchStatus = "consumed" // 使い切り
	BatchStatusDamaged  BatchStatus = "damaged"  // 破損・廃棄
)

// MovementType defines the kind of quantity change recorded in the ledger
// 台帳に記録される数量変更の種類を定義
type MovementType string

const (
	MovementTypeConsumption MovementType = "consumption" // 消費
	MovementTypeAdjustment  MovementType = "adjustment"  // 調整
	MovementTypeDamage      MovementType = "damage"      // 破損
	MovementTypeReturn      MovementType = "return"      // 戻し
)

// ReferenceType defines what caused a movement
// 移動の発生元を定義
type ReferenceType string

const (
	ReferenceTypeOrder  ReferenceType = "order"  // 注文
	ReferenceTypeManual ReferenceType = "manual" // 手動
	ReferenceTypeSystem ReferenceType = "system" // システム
)

// Batch represents a purchased lot of one inventory item
// 1つの在庫品目の仕入ロット（バッチ）を表現
type Batch struct {
	ID                string          `json:"id" db:"id"`                                           // バッチID
	InventoryItemID   string          `json:"inventory_item_id" db:"inventory_item_id"`             // 在庫品目ID
	RestaurantID      string          `json:"restaurant_id,omitempty" db:"restaurant_id"`           // 店舗ID
	BatchNumber       string          `json:"batch_number" db:"batch_number"`                       // バッチ番号（品目内で一意）
	Unit              string          `json:"unit" db:"unit"`                                       // 単位
	InitialQuantity   decimal.Decimal `json:"initial_quantity" db:"initial_quantity"`               // 初期数量（不変）
	CurrentQuantity   decimal.Decimal `json:"current_quantity" db:"current_quantity"`               // 現在数量
	PurchasePrice     decimal.Decimal `json:"purchase_price" db:"purchase_price"`                   // 仕入単価
	SellingPrice      decimal.Decimal `json:"selling_price" db:"selling_price"`                     // 販売単価
	Currency          string          `json:"currency" db:"currency"`                               // 通貨
	Supplier          string          `json:"supplier,omitempty" db:"supplier"`                     // 仕入先
	PurchaseDate      time.Time       `json:"purchase_date" db:"purchase_date"`                     // 仕入日
	ManufacturingDate *time.Time      `json:"manufacturing_date,omitempty" db:"manufacturing_date"` // 製造日
	ExpiryDate        *time.Time      `json:"expiry_date,omitempty" db:"expiry_date"`               // 有効期限（nilは期限なし）
	LotNumber         string          `json:"lot_number,omitempty" db:"lot_number"`                 // ロット番号
	Notes             string          `json:"notes,omitempty" db:"notes"`                           // 備考
	Status            BatchStatus     `json:"status" db:"status"`                                   // ステータス
	Version           int64           `json:"version" db:"version"`                                 // 楽観的ロック用バージョン
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`                           // 作成日時
	CreatedBy         string          `json:"created_by" db:"created_by"`                           // 作成者
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`                           // 更新日時
	UpdatedBy         string          `json:"updated_by" db:"updated_by"`                           // 更新者
}

// Movement represents one immutable change to a batch's current quantity
// バッチ現在数量への1回の不変な変更を表現
type Movement struct {
	ID                string          `json:"id" db:"id"`                                 // 移動ID
	Sequence          int64           `json:"sequence" db:"seq"`                          // 記録順序
	BatchID           string          `json:"batch_id" db:"batch_id"`                     // バッチID
	InventoryItemID   string          `json:"inventory_item_id" db:"inventory_item_id"`   // 在庫品目ID
	RestaurantID      string          `json:"restaurant_id,omitempty" db:"restaurant_id"` // 店舗ID
	Type              MovementType    `json:"movement_type" db:"movement_type"`           // 移動種別
	QuantityDelta     decimal.Decimal `json:"quantity_delta" db:"quantity_delta"`         // 数量差分（消費・破損は負）
	ResultingQuantity decimal.Decimal `json:"resulting_quantity" db:"resulting_quantity"` // 適用後数量のスナップショット
	ReferenceType     ReferenceType   `json:"reference_type" db:"reference_type"`         // 参照種別
	ReferenceID       string          `json:"reference_id,omitempty" db:"reference_id"`   // 参照ID（注文IDなど）
	Notes             string          `json:"notes,omitempty" db:"notes"`                 // 備考
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`                 // 作成日時
	CreatedBy         string          `json:"created_by" db:"created_by"`                 // 作成者
}

// ConsumptionRequirement is one line of a consumption request
// 消費リクエストの1行を表現
type ConsumptionRequirement struct {
	InventoryItemID string          `json:"inventory_item_id"`
	Quantity        decimal.Decimal `json:"quantity"`
	ReferenceType   ReferenceType   `json:"reference_type"`
	ReferenceID     string          `json:"reference_id,omitempty"`
	Notes           string          `json:"notes,omitempty"`
}

// BatchDraw is the quantity taken from one batch by a plan
// プランが1つのバッチから引き当てる数量
type BatchDraw struct {
	BatchID           string           `json:"batch_id"`
	BatchNumber       string           `json:"batch_number"`
	Quantity          decimal.Decimal  `json:"quantity"`
	UnitCost          decimal.Decimal  `json:"unit_cost"`
	ExpiryDate        *time.Time       `json:"expiry_date,omitempty"`
	MovementID        string           `json:"movement_id,omitempty"`        // コミット後に設定
	ResultingQuantity *decimal.Decimal `json:"resulting_quantity,omitempty"` // コミット後に設定
}

// ConsumptionPlan is the ordered list of batch draws satisfying one requirement
// 1つの要求を満たすバッチ引当の順序付きリスト
type ConsumptionPlan struct {
	InventoryItemID string          `json:"inventory_item_id"`
	QuantityNeeded  decimal.Decimal `json:"quantity_needed"`
	ReferenceType   ReferenceType   `json:"reference_type,omitempty"`
	ReferenceID     string          `json:"reference_id,omitempty"`
	Draws           []BatchDraw     `json:"draws"`
}

// TotalDrawn returns the sum of all draws
// 引当数量の合計を返す
func (p *ConsumptionPlan) TotalDrawn() decimal.Decimal {
	total := decimal.Zero
	for _, d := range p.Draws {
		total = total.Add(d.Quantity)
	}
	return total
}

// Cost returns the purchase cost of the plan
func (p *ConsumptionPlan) Cost() decimal.Decimal {
	total := decimal.Zero
	for _, d := range p.Draws {
		total = total.Add(d.Quantity.Mul(d.UnitCost))
	}
	return total
}

// Shortage describes an unmet requirement
// 満たせなかった要求を表現
type Shortage struct {
	QuantityNeeded    decimal.Decimal `json:"quantity_needed"`
	QuantityAvailable decimal.Decimal `json:"quantity_available"`
	Deficit           decimal.Decimal `json:"deficit"`
}

// ItemShortage is a shortage for a specific inventory item
// 特定の在庫品目の不足
type ItemShortage struct {
	InventoryItemID string `json:"inventory_item_id"`
	Shortage
}

// ConsumptionResult is the outcome of a consume call
// 消費呼び出しの結果
type ConsumptionResult struct {
	Committed []ConsumptionPlan `json:"committed,omitempty"`
	Shortages []ItemShortage    `json:"shortages,omitempty"`
}

// HasShortages reports whether nothing was committed because of shortages
func (r *ConsumptionResult) HasShortages() bool {
	return len(r.Shortages) > 0
}

// ValidationResult is the outcome of a read-only precheck
// 読み取り専用の事前チェック結果
type ValidationResult struct {
	CanPrepare bool              `json:"can_prepare"`
	Plans      []ConsumptionPlan `json:"plans,omitempty"`
	Shortages  []ItemShortage    `json:"shortages"`
}

// ReversalResult is the outcome of reversing the consumption of a reference
// 参照単位の消費取り消し結果
type ReversalResult struct {
	ReferenceType ReferenceType `json:"reference_type"`
	ReferenceID   string        `json:"reference_id"`
	Movements     []Movement    `json:"movements"`
}

// PlanOptions controls which batches the allocator may draw from
// アロケーターが引き当て可能なバッチを制御
type PlanOptions struct {
	// IncludeExpired allows drawing from batches past their expiry date
	IncludeExpired bool
}

// BatchFilter narrows batch listings
// バッチ一覧の絞り込み条件
type BatchFilter struct {
	InventoryItemID string
	RestaurantID    string
	Statuses        []BatchStatus
	ExpiringBefore  *time.Time // expiry_date <= この時刻
	OnlyWithStock   bool
}

// MovementFilter narrows movement listings
// 移動一覧の絞り込み条件
type MovementFilter struct {
	BatchID         string
	InventoryItemID string
	RestaurantID    string
	ReferenceType   ReferenceType
	ReferenceID     string
	Types           []MovementType
	From            *time.Time
	To              *time.Time
}

// ItemStock is the item-level quantity derived from its batches
// バッチから導出される品目単位の在庫数量
type ItemStock struct {
	InventoryItemID string          `json:"inventory_item_id"`
	Total           decimal.Decimal `json:"total"`     // 全バッチ現在数量の合計
	Available       decimal.Decimal `json:"available"` // 引当可能数量
	Expired         decimal.Decimal `json:"expired"`   // 期限切れ数量
	BatchCount      int             `json:"batch_count"`
	ActiveBatches   int             `json:"active_batches"`
	NextExpiry      *time.Time      `json:"next_expiry,omitempty"`
	AsOf            time.Time       `json:"as_of"`
}

// AuditReport is the result of replaying a batch's movements
// バッチ移動履歴の再生結果
type AuditReport struct {
	BatchID          string          `json:"batch_id"`
	InitialQuantity  decimal.Decimal `json:"initial_quantity"`
	CurrentQuantity  decimal.Decimal `json:"current_quantity"`
	ReplayedQuantity decimal.Decimal `json:"replayed_quantity"`
	MovementCount    int             `json:"movement_count"`
	Consistent       bool            `json:"consistent"`
	Discrepancies    []string        `json:"discrepancies,omitempty"`
}

// NewBatchID generates a new batch ID
// 新しいバッチIDを生成
func NewBatchID() string {
	return uuid.New().String()
}

// NewMovementID generates a new movement ID
// 新しい移動IDを生成
func NewMovementID() string {
	return uuid.New().String()
}

// IsExpiredAt checks if the batch is past its expiry date at the given time
// 指定時刻にバッチが期限切れかチェック
func (b *Batch) IsExpiredAt(asOf time.Time) bool {
	if b.ExpiryDate == nil {
		return false
	}
	return b.ExpiryDate.Before(asOf)
}

// ExpiresWithin checks if the batch expires before asOf + d
// asOf + d までに期限切れになるかチェック
func (b *Batch) ExpiresWithin(asOf time.Time, d time.Duration) bool {
	if b.ExpiryDate == nil {
		return false
	}
	return !b.ExpiryDate.After(asOf.Add(d))
}

// HasStock reports whether the batch still holds quantity
func (b *Batch) HasStock() bool {
	return b.CurrentQuantity.IsPositive()
}

// IsAllocatable reports whether the allocator may draw from the batch
// アロケーターがこのバッチから引き当て可能かを判定
func (b *Batch) IsAllocatable(asOf time.Time, opts PlanOptions) bool {
	if !b.HasStock() {
		return false
	}
	switch b.Status {
	case BatchStatusActive:
		return opts.IncludeExpired || !b.IsExpiredAt(asOf)
	case BatchStatusExpired:
		return opts.IncludeExpired
	default:
		return false
	}
}

// statusAfterQuantityChange returns the status a batch takes after its quantity changed
// 数量変更後のステータスを返す
func statusAfterQuantityChange(b *Batch, movement MovementType, asOf time.Time) BatchStatus {
	if b.CurrentQuantity.IsZero() {
		if movement == MovementTypeDamage {
			return BatchStatusDamaged
		}
		return BatchStatusConsumed
	}
	if b.Status == BatchStatusConsumed {
		if b.IsExpiredAt(asOf) {
			return BatchStatusExpired
		}
		return BatchStatusActive
	}
	return b.Status
}
