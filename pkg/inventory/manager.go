package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/nemonet1337/zaiBatchLedger/pkg/inventory"

// Manager is the consumption transaction manager and batch ledger.
// It is the only component that mutates batch quantities or writes movements.
// 消費トランザクションマネージャー兼バッチ台帳（数量の変更と移動の記録はここだけが行う）
type Manager struct {
	storage   Storage        // ストレージ層
	publisher EventPublisher // イベント発行者
	logger    *zap.Logger    // ログ
	config    *Config        // 設定
	metrics   *Metrics       // メトリクス
	tracer    trace.Tracer   // トレーサー
}

// すべてのインターフェースを実装することを明示
var (
	_ BatchLedger       = (*Manager)(nil)
	_ ConsumptionEngine = (*Manager)(nil)
)

// Config holds configuration for the ledger manager
// 台帳マネージャーの設定を保持
type Config struct {
	MaxConflictRetries int              `yaml:"max_conflict_retries"` // 同時更新時の再試行回数
	MaxRequirements    int              `yaml:"max_requirements"`     // 1回の消費で受け付ける要求行数の上限
	DefaultCurrency    string           `yaml:"default_currency"`     // 通貨未指定時の既定値
	Clock              func() time.Time `yaml:"-"`                    // 現在時刻（テスト用に差し替え可能）
}

// DefaultConfig returns the default manager configuration
// デフォルト設定を返す
func DefaultConfig() *Config {
	return &Config{
		MaxConflictRetries: 1,
		MaxRequirements:    100,
		DefaultCurrency:    "JPY",
	}
}

// NewManager creates a new ledger manager
// 新しい台帳マネージャーを作成
func NewManager(storage Storage, publisher EventPublisher, logger *zap.Logger, config *Config, metrics *Metrics) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		storage:   storage,
		publisher: publisher,
		logger:    logger,
		config:    config,
		metrics:   metrics,
		tracer:    otel.Tracer(tracerName),
	}
}

// CreateBatch registers a purchased batch. No movement is written:
// the batch starts with current quantity equal to its initial quantity.
// 仕入バッチを登録（移動は記録しない。現在数量＝初期数量で開始）
func (m *Manager) CreateBatch(ctx context.Context, input CreateBatchInput) (batch *Batch, err error) {
	ctx, span := m.startSpan(ctx, "ledger.CreateBatch", attribute.String("item_id", input.InventoryItemID))
	defer func() { endSpan(span, err) }()

	if err := ValidateCreateBatchInput(&input); err != nil {
		return nil, err
	}

	now := m.now()
	user := UserFromContext(ctx)
	batch = &Batch{
		ID:                NewBatchID(),
		InventoryItemID:   input.InventoryItemID,
		RestaurantID:      input.RestaurantID,
		BatchNumber:       input.BatchNumber,
		Unit:              input.Unit,
		InitialQuantity:   input.InitialQuantity,
		CurrentQuantity:   input.InitialQuantity,
		PurchasePrice:     input.PurchasePrice,
		SellingPrice:      input.SellingPrice,
		Currency:          input.Currency,
		Supplier:          input.Supplier,
		PurchaseDate:      now,
		ManufacturingDate: input.ManufacturingDate,
		ExpiryDate:        input.ExpiryDate,
		LotNumber:         input.LotNumber,
		Notes:             input.Notes,
		Status:            BatchStatusActive,
		Version:           1,
		CreatedAt:         now,
		CreatedBy:         user,
		UpdatedAt:         now,
		UpdatedBy:         user,
	}
	if input.PurchaseDate != nil {
		batch.PurchaseDate = *input.PurchaseDate
	}
	if batch.Currency == "" {
		batch.Currency = m.config.DefaultCurrency
	}
	if batch.IsExpiredAt(now) {
		batch.Status = BatchStatusExpired
	}

	err = m.storage.RunInTx(ctx, func(tx StorageTx) error {
		existing, err := tx.LockItemBatches(ctx, batch.InventoryItemID)
		if err != nil {
			return err
		}
		for _, b := range existing {
			if b.BatchNumber == batch.BatchNumber {
				return ErrDuplicateBatchNumber
			}
		}
		return tx.CreateBatch(ctx, batch)
	})
	if err != nil {
		return nil, wrapStorage("create_batch", "バッチ作成に失敗しました", err)
	}

	m.logger.Info("バッチ登録完了",
		zap.String("batch_id", batch.ID),
		zap.String("batch_number", batch.BatchNumber),
		zap.String("item_id", batch.InventoryItemID),
		zap.String("quantity", batch.InitialQuantity.String()),
		zap.String("status", string(batch.Status)),
	)

	return batch, nil
}

// UpdateBatch changes notes, selling price or housekeeping status of a batch.
// Quantities only ever change through movements.
// バッチの備考・販売単価・ステータスを変更（数量は移動経由でのみ変更）
func (m *Manager) UpdateBatch(ctx context.Context, input UpdateBatchInput) (*Batch, error) {
	if err := ValidateUpdateBatchInput(&input); err != nil {
		return nil, err
	}

	var updated *Batch
	err := m.withConflictRetry(ctx, "update_batch", func() error {
		return m.storage.RunInTx(ctx, func(tx StorageTx) error {
			b, err := tx.GetBatchForUpdate(ctx, input.BatchID)
			if err != nil {
				return err
			}

			if input.Status != nil && *input.Status != b.Status {
				if err := checkStatusChange(b, *input.Status); err != nil {
					return err
				}
				b.Status = *input.Status
			}
			if input.Notes != nil {
				b.Notes = *input.Notes
			}
			if input.SellingPrice != nil {
				b.SellingPrice = *input.SellingPrice
			}

			b.Version++
			b.UpdatedAt = m.now()
			b.UpdatedBy = UserFromContext(ctx)
			if err := tx.UpdateBatch(ctx, b); err != nil {
				return err
			}
			updated = b
			return nil
		})
	})
	if err != nil {
		return nil, wrapStorage("update_batch", "バッチ更新に失敗しました", err)
	}

	m.logger.Info("バッチ更新完了",
		zap.String("batch_id", updated.ID),
		zap.String("status", string(updated.Status)),
		zap.Int64("version", updated.Version),
	)

	return updated, nil
}

// checkStatusChange enforces the housekeeping transitions allowed outside movements
// 移動を伴わないステータス変更の可否を判定
func checkStatusChange(b *Batch, to BatchStatus) error {
	switch to {
	case BatchStatusConsumed:
		return NewBusinessRuleError("status_consumed_by_update",
			"consumedステータスは数量が0になった時のみ設定されます", b.ID)
	case BatchStatusDamaged:
		return NewBusinessRuleError("status_damaged_by_update",
			"damagedステータスは破損の移動（RecordDamage）でのみ設定されます", b.ID)
	case BatchStatusActive, BatchStatusExpired:
		if !b.HasStock() {
			return NewBusinessRuleError("status_requires_stock",
				fmt.Sprintf("在庫のないバッチを%sにはできません", to), b.ID)
		}
	}
	return nil
}

// GetBatch retrieves a batch by ID
// IDでバッチを取得
func (m *Manager) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	if err := ValidateID("batch_id", batchID); err != nil {
		return nil, err
	}
	b, err := m.storage.GetBatch(ctx, batchID)
	if err != nil {
		return nil, wrapStorage("get_batch", "バッチ取得に失敗しました", err)
	}
	return b, nil
}

// ListBatchesByItem returns every batch of an item in FEFO order
// 品目の全バッチをFEFO順で取得
func (m *Manager) ListBatchesByItem(ctx context.Context, itemID string) ([]Batch, error) {
	if err := ValidateID("inventory_item_id", itemID); err != nil {
		return nil, err
	}
	batches, err := m.storage.ListBatches(ctx, BatchFilter{InventoryItemID: itemID})
	if err != nil {
		return nil, wrapStorage("list_batches", "バッチ一覧取得に失敗しました", err)
	}
	SortFEFO(batches)
	return batches, nil
}

// ListMovementsByBatch returns the movement history of a batch in ledger order
// バッチの移動履歴を記録順で取得
func (m *Manager) ListMovementsByBatch(ctx context.Context, batchID string) ([]Movement, error) {
	if _, err := m.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}
	movements, err := m.storage.ListMovements(ctx, MovementFilter{BatchID: batchID})
	if err != nil {
		return nil, wrapStorage("list_movements", "移動履歴取得に失敗しました", err)
	}
	return movements, nil
}

// AdjustBatch writes a manual adjustment movement. The resulting quantity must stay within [0, initial].
// 手動調整の移動を記録（結果数量は0以上かつ初期数量以下）
func (m *Manager) AdjustBatch(ctx context.Context, batchID string, delta decimal.Decimal, notes string) (*Movement, error) {
	if err := ValidateID("batch_id", batchID); err != nil {
		return nil, err
	}
	if delta.IsZero() {
		return nil, NewValidationError("delta", "調整数量は0以外である必要があります", delta.String())
	}
	if err := ValidateScale("delta", delta); err != nil {
		return nil, err
	}
	return m.applyManualMovement(ctx, "adjust_batch", batchID, MovementTypeAdjustment, delta, notes)
}

// RecordDamage writes a damage movement removing quantity from a batch
// バッチから数量を差し引く破損の移動を記録
func (m *Manager) RecordDamage(ctx context.Context, batchID string, quantity decimal.Decimal, notes string) (*Movement, error) {
	if err := ValidateID("batch_id", batchID); err != nil {
		return nil, err
	}
	if err := ValidateQuantity("quantity", quantity); err != nil {
		return nil, err
	}
	return m.applyManualMovement(ctx, "record_damage", batchID, MovementTypeDamage, quantity.Neg(), notes)
}

func (m *Manager) applyManualMovement(ctx context.Context, op, batchID string, mtype MovementType, delta decimal.Decimal, notes string) (mv *Movement, err error) {
	ctx, span := m.startSpan(ctx, "ledger."+op, attribute.String("batch_id", batchID))
	defer func() { endSpan(span, err) }()

	start := time.Now()
	defer func() { m.metrics.observeDuration(op, time.Since(start).Seconds()) }()

	err = m.withConflictRetry(ctx, op, func() error {
		return m.storage.RunInTx(ctx, func(tx StorageTx) error {
			b, err := tx.GetBatchForUpdate(ctx, batchID)
			if err != nil {
				return err
			}

			next := b.CurrentQuantity.Add(delta)
			switch {
			case next.IsNegative():
				return NewBusinessRuleError(op+"_below_zero",
					fmt.Sprintf("数量が0未満になります (現在: %s, 変更: %s)", b.CurrentQuantity, delta), b.ID)
			case next.GreaterThan(b.InitialQuantity):
				return NewBusinessRuleError(op+"_above_initial",
					fmt.Sprintf("数量が初期数量を超えます (初期: %s, 変更後: %s)", b.InitialQuantity, next), b.ID)
			}

			mv, err = m.applyMovement(ctx, tx, b, mtype, delta, ReferenceTypeManual, "", notes)
			return err
		})
	})
	if err != nil {
		return nil, wrapStorage(op, "移動の記録に失敗しました", err)
	}

	m.metrics.observeMovements(mv.Type, 1)
	m.logger.Info("手動移動を記録しました",
		zap.String("batch_id", mv.BatchID),
		zap.String("item_id", mv.InventoryItemID),
		zap.String("movement_type", string(mv.Type)),
		zap.String("delta", mv.QuantityDelta.String()),
		zap.String("resulting_quantity", mv.ResultingQuantity.String()),
	)

	return mv, nil
}

// applyMovement changes a locked batch by delta, bumps its version and appends the movement.
// 更新ロック済みバッチに差分を適用し、バージョンを上げて移動を追記
func (m *Manager) applyMovement(ctx context.Context, tx StorageTx, b *Batch, mtype MovementType, delta decimal.Decimal, refType ReferenceType, refID, notes string) (*Movement, error) {
	now := m.now()
	user := UserFromContext(ctx)

	b.CurrentQuantity = b.CurrentQuantity.Add(delta)
	if b.CurrentQuantity.IsNegative() {
		return nil, ErrNegativeQuantity
	}
	b.Status = statusAfterQuantityChange(b, mtype, now)
	b.Version++
	b.UpdatedAt = now
	b.UpdatedBy = user
	if err := tx.UpdateBatch(ctx, b); err != nil {
		return nil, err
	}

	mv := &Movement{
		ID:                NewMovementID(),
		BatchID:           b.ID,
		InventoryItemID:   b.InventoryItemID,
		RestaurantID:      b.RestaurantID,
		Type:              mtype,
		QuantityDelta:     delta,
		ResultingQuantity: b.CurrentQuantity,
		ReferenceType:     refType,
		ReferenceID:       refID,
		Notes:             notes,
		CreatedAt:         now,
		CreatedBy:         user,
	}
	if err := tx.AppendMovement(ctx, mv); err != nil {
		return nil, err
	}
	return mv, nil
}

// ItemStock derives item-level quantities from the batch set
// バッチ集合から品目単位の数量を導出
func (m *Manager) ItemStock(ctx context.Context, itemID string) (*ItemStock, error) {
	if err := ValidateID("inventory_item_id", itemID); err != nil {
		return nil, err
	}
	batches, err := m.storage.ListBatches(ctx, BatchFilter{InventoryItemID: itemID})
	if err != nil {
		return nil, wrapStorage("item_stock", "在庫集計に失敗しました", err)
	}
	if len(batches) == 0 {
		return nil, ErrItemHasNoBatches
	}

	asOf := m.now()
	stock := &ItemStock{
		InventoryItemID: itemID,
		Total:           decimal.Zero,
		Available:       decimal.Zero,
		Expired:         decimal.Zero,
		BatchCount:      len(batches),
		AsOf:            asOf,
	}
	for i := range batches {
		b := &batches[i]
		stock.Total = stock.Total.Add(b.CurrentQuantity)
		switch {
		case b.IsAllocatable(asOf, PlanOptions{}):
			stock.Available = stock.Available.Add(b.CurrentQuantity)
			stock.ActiveBatches++
			if b.ExpiryDate != nil && (stock.NextExpiry == nil || b.ExpiryDate.Before(*stock.NextExpiry)) {
				stock.NextExpiry = b.ExpiryDate
			}
		case b.HasStock() && (b.Status == BatchStatusExpired || (b.Status == BatchStatusActive && b.IsExpiredAt(asOf))):
			stock.Expired = stock.Expired.Add(b.CurrentQuantity)
		}
	}
	return stock, nil
}

// AuditBatch replays the movements of a batch and checks them against its stored quantity
// バッチの移動を再生し、保存数量との整合性を検証
func (m *Manager) AuditBatch(ctx context.Context, batchID string) (*AuditReport, error) {
	b, err := m.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	movements, err := m.storage.ListMovements(ctx, MovementFilter{BatchID: batchID})
	if err != nil {
		return nil, wrapStorage("audit_batch", "移動履歴取得に失敗しました", err)
	}

	report := &AuditReport{
		BatchID:         b.ID,
		InitialQuantity: b.InitialQuantity,
		CurrentQuantity: b.CurrentQuantity,
		MovementCount:   len(movements),
	}
	q := b.InitialQuantity
	for _, mv := range movements {
		q = q.Add(mv.QuantityDelta)
		if !q.Equal(mv.ResultingQuantity) {
			report.Discrepancies = append(report.Discrepancies,
				fmt.Sprintf("移動 %s (seq %d): 記録値 %s / 再生値 %s", mv.ID, mv.Sequence, mv.ResultingQuantity, q))
		}
		if q.IsNegative() || q.GreaterThan(b.InitialQuantity) {
			report.Discrepancies = append(report.Discrepancies,
				fmt.Sprintf("移動 %s (seq %d): 数量が範囲外です (%s)", mv.ID, mv.Sequence, q))
		}
	}
	report.ReplayedQuantity = q
	if !q.Equal(b.CurrentQuantity) {
		report.Discrepancies = append(report.Discrepancies,
			fmt.Sprintf("現在数量 %s と再生値 %s が一致しません", b.CurrentQuantity, q))
	}
	report.Consistent = len(report.Discrepancies) == 0

	if !report.Consistent {
		m.logger.Warn("台帳の不整合を検出しました",
			zap.String("batch_id", b.ID),
			zap.Strings("discrepancies", report.Discrepancies),
		)
	}
	return report, nil
}

// withConflictRetry runs fn again when it fails with a concurrent modification,
// up to MaxConflictRetries extra attempts. Other errors are returned as they are.
// 同時更新エラーの場合のみfnを再実行（他のエラーはそのまま返す）
func (m *Manager) withConflictRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= m.config.MaxConflictRetries; attempt++ {
		if attempt > 0 {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
		}
		err = fn()
		if err == nil || !IsConflict(err) {
			return err
		}
		m.metrics.observeConflict(op)
		m.logger.Warn("同時更新を検出しました",
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	var ce *ConcurrencyError
	if !errors.As(err, &ce) {
		return NewConcurrencyError(op, "batch", err.Error())
	}
	return err
}

func (m *Manager) now() time.Time {
	if m.config.Clock != nil {
		return m.config.Clock()
	}
	return time.Now()
}

func (m *Manager) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

type contextKey string

const userContextKey contextKey = "user_id"

// WithUser returns a context carrying the acting user ID
// 操作ユーザーIDを持つコンテキストを返す
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userContextKey, userID)
}

// UserFromContext extracts the acting user ID, defaulting to "system"
// コンテキストからユーザーIDを取得（未設定時は"system"）
func UserFromContext(ctx context.Context) string {
	if userID, ok := ctx.Value(userContextKey).(string); ok && userID != "" {
		return userID
	}
	return "system"
}
