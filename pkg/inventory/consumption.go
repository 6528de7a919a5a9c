package inventory

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Plan previews the FEFO draws for one item without changing anything.
// A zero asOf means now.
// 1品目のFEFO引当をプレビュー（変更なし）
func (m *Manager) Plan(ctx context.Context, itemID string, quantity decimal.Decimal, asOf time.Time, opts PlanOptions) (*ConsumptionPlan, *Shortage, error) {
	if err := ValidateID("inventory_item_id", itemID); err != nil {
		return nil, nil, err
	}
	if err := ValidateQuantity("quantity", quantity); err != nil {
		return nil, nil, err
	}
	if asOf.IsZero() {
		asOf = m.now()
	}

	batches, err := m.storage.ListBatches(ctx, BatchFilter{InventoryItemID: itemID, OnlyWithStock: true})
	if err != nil {
		return nil, nil, wrapStorage("plan", "バッチ一覧取得に失敗しました", err)
	}
	plan, shortage := PlanFEFO(itemID, batches, quantity, asOf, opts)
	return plan, shortage, nil
}

// Validate runs the allocator over every requirement against a read-committed snapshot.
// Nothing is locked or written; the rules are the same as Consume.
// 全要求に対して引当を試算（ロック・書き込みなし。Consumeと同じ規則）
func (m *Manager) Validate(ctx context.Context, requirements []ConsumptionRequirement) (result *ValidationResult, err error) {
	ctx, span := m.startSpan(ctx, "ledger.Validate", attribute.Int("requirements", len(requirements)))
	defer func() { endSpan(span, err) }()

	if err := ValidateRequirements(requirements, m.config.MaxRequirements); err != nil {
		return nil, err
	}

	snapshot := make(map[string][]Batch)
	for _, itemID := range distinctItems(requirements) {
		batches, err := m.storage.ListBatches(ctx, BatchFilter{InventoryItemID: itemID, OnlyWithStock: true})
		if err != nil {
			return nil, wrapStorage("validate", "バッチ一覧取得に失敗しました", err)
		}
		snapshot[itemID] = batches
	}

	plans, shortages := planRequirements(requirements, snapshot, m.now(), PlanOptions{})
	m.metrics.observeShortages(len(shortages))
	if shortages == nil {
		shortages = []ItemShortage{}
	}
	return &ValidationResult{
		CanPrepare: len(shortages) == 0,
		Plans:      plans,
		Shortages:  shortages,
	}, nil
}

// Consume plans and commits every requirement in one transaction, drawing FEFO from non-expired batches.
// If any item is short nothing is written and the result lists every short item.
// 全要求を1トランザクションで計画・確定（1品目でも不足なら何も書き込まず、全不足品目を返す）
func (m *Manager) Consume(ctx context.Context, requirements []ConsumptionRequirement) (*ConsumptionResult, error) {
	return m.consume(ctx, "consume", requirements, PlanOptions{})
}

// ConsumeIncludingExpired is Consume that may also draw from batches past their expiry,
// for use-before-waste workflows.
// 期限切れバッチからの引当も許可する消費（廃棄削減用）
func (m *Manager) ConsumeIncludingExpired(ctx context.Context, requirements []ConsumptionRequirement) (*ConsumptionResult, error) {
	return m.consume(ctx, "consume_including_expired", requirements, PlanOptions{IncludeExpired: true})
}

func (m *Manager) consume(ctx context.Context, op string, requirements []ConsumptionRequirement, opts PlanOptions) (result *ConsumptionResult, err error) {
	ctx, span := m.startSpan(ctx, "ledger."+op,
		attribute.Int("requirements", len(requirements)),
		attribute.Bool("include_expired", opts.IncludeExpired),
	)
	defer func() { endSpan(span, err) }()

	start := time.Now()
	defer func() { m.metrics.observeDuration(op, time.Since(start).Seconds()) }()

	if err := ValidateRequirements(requirements, m.config.MaxRequirements); err != nil {
		m.metrics.observeConsume("invalid")
		return nil, err
	}

	err = m.withConflictRetry(ctx, op, func() error {
		r, err := m.consumeOnce(ctx, requirements, opts)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		m.metrics.observeConsume("error")
		err = wrapStorage(op, "消費処理に失敗しました", err)
		m.logger.Error("消費処理に失敗しました", zap.String("operation", op), zap.Error(err))
		return nil, err
	}

	// 全行の参照は検証済みで同一
	refType, refID := requirements[0].ReferenceType, requirements[0].ReferenceID

	if result.HasShortages() {
		m.metrics.observeConsume("shortage")
		m.metrics.observeShortages(len(result.Shortages))
		m.logger.Info("在庫不足のため消費を行いませんでした",
			zap.String("reference_type", string(refType)),
			zap.String("reference_id", refID),
			zap.Int("short_items", len(result.Shortages)),
		)
		if m.publisher != nil {
			event := ShortageDetectedEvent{
				ReferenceType: refType,
				ReferenceID:   refID,
				Shortages:     result.Shortages,
				Timestamp:     m.now(),
			}
			if err := m.publisher.PublishShortageDetected(ctx, event); err != nil {
				m.logger.Error("イベント発行に失敗しました", zap.Error(err))
			}
		}
		return result, nil
	}

	m.metrics.observeConsume("committed")
	for _, p := range result.Committed {
		m.metrics.observeMovements(MovementTypeConsumption, len(p.Draws))
		m.logger.Info("消費完了",
			zap.String("item_id", p.InventoryItemID),
			zap.String("quantity", p.QuantityNeeded.String()),
			zap.Int("batches", len(p.Draws)),
			zap.String("reference_type", string(p.ReferenceType)),
			zap.String("reference_id", p.ReferenceID),
		)
	}

	if m.publisher != nil {
		event := ConsumptionCommittedEvent{
			ReferenceType: refType,
			ReferenceID:   refID,
			Plans:         result.Committed,
			Timestamp:     m.now(),
			UserID:        UserFromContext(ctx),
		}
		if err := m.publisher.PublishConsumptionCommitted(ctx, event); err != nil {
			m.logger.Error("イベント発行に失敗しました", zap.Error(err))
		}
	}

	return result, nil
}

// consumeOnce is one plan-and-commit attempt. Item batches are locked in sorted item order
// so that concurrent multi-item calls cannot deadlock each other.
// 1回分の計画・確定（品目IDの昇順でロックしデッドロックを防ぐ）
func (m *Manager) consumeOnce(ctx context.Context, requirements []ConsumptionRequirement, opts PlanOptions) (*ConsumptionResult, error) {
	result := &ConsumptionResult{}

	err := m.storage.RunInTx(ctx, func(tx StorageTx) error {
		asOf := m.now()
		snapshot := make(map[string][]Batch)
		byID := make(map[string]*Batch)
		for _, itemID := range distinctItems(requirements) {
			batches, err := tx.LockItemBatches(ctx, itemID)
			if err != nil {
				return err
			}
			snapshot[itemID] = batches
			for i := range batches {
				byID[batches[i].ID] = &batches[i]
			}
		}

		plans, shortages := planRequirements(requirements, snapshot, asOf, opts)
		if len(shortages) > 0 {
			result.Shortages = shortages
			return nil
		}

		for pi := range plans {
			req := requirements[pi]
			for di := range plans[pi].Draws {
				draw := &plans[pi].Draws[di]
				mv, err := m.applyMovement(ctx, tx, byID[draw.BatchID], MovementTypeConsumption,
					draw.Quantity.Neg(), req.ReferenceType, req.ReferenceID, req.Notes)
				if err != nil {
					return err
				}
				resulting := mv.ResultingQuantity
				draw.MovementID = mv.ID
				draw.ResultingQuantity = &resulting
			}
		}
		result.Committed = plans
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Reverse writes return movements restoring what a reference consumed and has not been returned yet.
// Reversing an already reversed reference writes nothing and returns an empty result.
// 参照単位で未返却の消費を戻す（取り消し済みの参照は何も書き込まず空の結果を返す）
func (m *Manager) Reverse(ctx context.Context, referenceType ReferenceType, referenceID string) (result *ReversalResult, err error) {
	ctx, span := m.startSpan(ctx, "ledger.Reverse",
		attribute.String("reference_type", string(referenceType)),
		attribute.String("reference_id", referenceID),
	)
	defer func() { endSpan(span, err) }()

	start := time.Now()
	defer func() { m.metrics.observeDuration("reverse", time.Since(start).Seconds()) }()

	if err := ValidateReferenceType(referenceType); err != nil {
		return nil, err
	}
	if err := ValidateReferenceID(referenceID); err != nil {
		return nil, err
	}

	err = m.withConflictRetry(ctx, "reverse", func() error {
		r, err := m.reverseOnce(ctx, referenceType, referenceID)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, wrapStorage("reverse", "消費の取り消しに失敗しました", err)
	}

	m.metrics.observeMovements(MovementTypeReturn, len(result.Movements))
	m.logger.Info("消費取り消し完了",
		zap.String("reference_type", string(referenceType)),
		zap.String("reference_id", referenceID),
		zap.Int("movements", len(result.Movements)),
	)

	if m.publisher != nil && len(result.Movements) > 0 {
		event := ConsumptionReversedEvent{
			ReferenceType: referenceType,
			ReferenceID:   referenceID,
			Movements:     result.Movements,
			Timestamp:     m.now(),
			UserID:        UserFromContext(ctx),
		}
		if err := m.publisher.PublishConsumptionReversed(ctx, event); err != nil {
			m.logger.Error("イベント発行に失敗しました", zap.Error(err))
		}
	}

	return result, nil
}

func (m *Manager) reverseOnce(ctx context.Context, referenceType ReferenceType, referenceID string) (*ReversalResult, error) {
	result := &ReversalResult{
		ReferenceType: referenceType,
		ReferenceID:   referenceID,
		Movements:     []Movement{},
	}
	filter := MovementFilter{
		ReferenceType: referenceType,
		ReferenceID:   referenceID,
		Types:         []MovementType{MovementTypeConsumption, MovementTypeReturn},
	}

	err := m.storage.RunInTx(ctx, func(tx StorageTx) error {
		// 対象品目の特定（ロック前）
		found, err := tx.ListMovements(ctx, filter)
		if err != nil {
			return err
		}
		itemSet := make(map[string]struct{})
		for _, mv := range found {
			if mv.Type == MovementTypeConsumption {
				itemSet[mv.InventoryItemID] = struct{}{}
			}
		}
		if len(itemSet) == 0 {
			return ErrReferenceNotFound
		}
		itemIDs := make([]string, 0, len(itemSet))
		for id := range itemSet {
			itemIDs = append(itemIDs, id)
		}
		sort.Strings(itemIDs)

		byID := make(map[string]*Batch)
		for _, itemID := range itemIDs {
			batches, err := tx.LockItemBatches(ctx, itemID)
			if err != nil {
				return err
			}
			for i := range batches {
				byID[batches[i].ID] = &batches[i]
			}
		}

		// ロック取得後に再読込し、並行した取り消しとの二重返却を防ぐ
		movements, err := tx.ListMovements(ctx, filter)
		if err != nil {
			return err
		}
		outstanding := make(map[string]decimal.Decimal)
		order := make([]string, 0)
		for _, mv := range movements {
			if _, seen := outstanding[mv.BatchID]; !seen {
				outstanding[mv.BatchID] = decimal.Zero
				order = append(order, mv.BatchID)
			}
			// 消費は負、返却は正の差分なので、差し引きの符号を反転したものが未返却量
			outstanding[mv.BatchID] = outstanding[mv.BatchID].Sub(mv.QuantityDelta)
		}

		for _, batchID := range order {
			qty := outstanding[batchID]
			if !qty.IsPositive() {
				continue
			}
			b, ok := byID[batchID]
			if !ok {
				return ErrBatchNotFound
			}
			if b.CurrentQuantity.Add(qty).GreaterThan(b.InitialQuantity) {
				return NewBusinessRuleError("return_above_initial",
					"返却後の数量が初期数量を超えます", b.ID)
			}
			mv, err := m.applyMovement(ctx, tx, b, MovementTypeReturn, qty,
				referenceType, referenceID, "消費の取り消し")
			if err != nil {
				return err
			}
			result.Movements = append(result.Movements, *mv)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// distinctItems returns the item IDs of the requirements, sorted
func distinctItems(requirements []ConsumptionRequirement) []string {
	seen := make(map[string]struct{}, len(requirements))
	items := make([]string, 0, len(requirements))
	for _, r := range requirements {
		if _, ok := seen[r.InventoryItemID]; ok {
			continue
		}
		seen[r.InventoryItemID] = struct{}{}
		items = append(items, r.InventoryItemID)
	}
	sort.Strings(items)
	return items
}
