package inventory

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AnalyticsQuery scopes an analytics summary. From/To bound batch purchase dates
// and movement timestamps; both are optional.
// 集計範囲（From/Toはバッチ仕入日と移動日時に適用、いずれも任意）
type AnalyticsQuery struct {
	RestaurantID string     `json:"restaurant_id"`
	From         *time.Time `json:"from,omitempty"`
	To           *time.Time `json:"to,omitempty"`
}

// CurrencyValue is the stock on hand valued at purchase and selling price in one currency
// 1通貨における仕入価格・販売価格での手持在庫評価額
type CurrencyValue struct {
	Currency      string          `json:"currency"`
	PurchaseValue decimal.Decimal `json:"purchase_value"`
	SellingValue  decimal.Decimal `json:"selling_value"`
}

// ItemAnalytics is the per-item breakdown of a summary
// 品目別の内訳
type ItemAnalytics struct {
	InventoryItemID  string          `json:"inventory_item_id"`
	Batches          int             `json:"batches"`
	CurrentQuantity  decimal.Decimal `json:"current_quantity"`
	ConsumedQuantity decimal.Decimal `json:"consumed_quantity"`
	WastedQuantity   decimal.Decimal `json:"wasted_quantity"`
	ReturnedQuantity decimal.Decimal `json:"returned_quantity"`
	ConsumedCost     decimal.Decimal `json:"consumed_cost"`
	ABCClass         string          `json:"abc_class"`
}

// AnalyticsSummary is a read-only rollup over batches and movements
// バッチと移動の読み取り専用集計
type AnalyticsSummary struct {
	RestaurantID        string              `json:"restaurant_id"`
	From                time.Time           `json:"from"`
	To                  time.Time           `json:"to"`
	GeneratedAt         time.Time           `json:"generated_at"`
	TotalBatches        int                 `json:"total_batches"`
	StatusCounts        map[BatchStatus]int `json:"status_counts"`
	Values              []CurrencyValue     `json:"values"`
	ConsumedQuantity    decimal.Decimal     `json:"consumed_quantity"`
	ReturnedQuantity    decimal.Decimal     `json:"returned_quantity"`
	NetConsumedQuantity decimal.Decimal     `json:"net_consumed_quantity"`
	WastedQuantity      decimal.Decimal     `json:"wasted_quantity"`
	ConsumptionVelocity decimal.Decimal     `json:"consumption_velocity"` // 1日あたりの正味消費量
	Items               []ItemAnalytics     `json:"items"`
}

// Analytics aggregates batches and movements without taking any lock
// ロックを取らずにバッチと移動を集計
type Analytics struct {
	storage Storage
	logger  *zap.Logger
	clock   func() time.Time
}

var _ AnalyticsEngine = (*Analytics)(nil)

// NewAnalytics creates a new analytics aggregator
// 新しい集計エンジンを作成
func NewAnalytics(storage Storage, logger *zap.Logger) *Analytics {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analytics{
		storage: storage,
		logger:  logger,
		clock:   time.Now,
	}
}

// WithClock replaces the aggregator's time source
func (a *Analytics) WithClock(clock func() time.Time) *Analytics {
	a.clock = clock
	return a
}

// Summarize computes the rollup for one restaurant
// 店舗単位の集計を計算
func (a *Analytics) Summarize(ctx context.Context, query AnalyticsQuery) (*AnalyticsSummary, error) {
	if err := ValidateID("restaurant_id", query.RestaurantID); err != nil {
		return nil, err
	}
	if query.From != nil && query.To != nil && query.To.Before(*query.From) {
		return nil, NewValidationError("to", "終了日時が開始日時より前です", query.To.Format(time.RFC3339))
	}

	// 範囲外の仕入バッチでも範囲内の移動の単価参照に必要なため全件取得
	batches, err := a.storage.ListBatches(ctx, BatchFilter{RestaurantID: query.RestaurantID})
	if err != nil {
		return nil, wrapStorage("analytics", "バッチ一覧取得に失敗しました", err)
	}
	movements, err := a.storage.ListMovements(ctx, MovementFilter{
		RestaurantID: query.RestaurantID,
		From:         query.From,
		To:           query.To,
	})
	if err != nil {
		return nil, wrapStorage("analytics", "移動履歴取得に失敗しました", err)
	}

	now := a.clock()
	summary := &AnalyticsSummary{
		RestaurantID: query.RestaurantID,
		GeneratedAt:  now,
		StatusCounts: map[BatchStatus]int{
			BatchStatusActive:   0,
			BatchStatusExpired:  0,
			BatchStatusConsumed: 0,
			BatchStatusDamaged:  0,
		},
		ConsumedQuantity: decimal.Zero,
		ReturnedQuantity: decimal.Zero,
		WastedQuantity:   decimal.Zero,
	}

	items := make(map[string]*ItemAnalytics)
	item := func(id string) *ItemAnalytics {
		if it, ok := items[id]; ok {
			return it
		}
		it := &ItemAnalytics{
			InventoryItemID:  id,
			CurrentQuantity:  decimal.Zero,
			ConsumedQuantity: decimal.Zero,
			WastedQuantity:   decimal.Zero,
			ReturnedQuantity: decimal.Zero,
			ConsumedCost:     decimal.Zero,
		}
		items[id] = it
		return it
	}

	values := make(map[string]*CurrencyValue)
	byID := make(map[string]*Batch, len(batches))
	var earliest *time.Time
	for i := range batches {
		b := &batches[i]
		byID[b.ID] = b
		if !inRange(b.PurchaseDate, query.From, query.To) {
			continue
		}
		if earliest == nil || b.PurchaseDate.Before(*earliest) {
			earliest = &b.PurchaseDate
		}

		summary.TotalBatches++
		summary.StatusCounts[b.Status]++
		it := item(b.InventoryItemID)
		it.Batches++
		it.CurrentQuantity = it.CurrentQuantity.Add(b.CurrentQuantity)

		if !b.HasStock() || b.Status == BatchStatusDamaged {
			continue
		}
		cv, ok := values[b.Currency]
		if !ok {
			cv = &CurrencyValue{Currency: b.Currency, PurchaseValue: decimal.Zero, SellingValue: decimal.Zero}
			values[b.Currency] = cv
		}
		cv.PurchaseValue = cv.PurchaseValue.Add(b.CurrentQuantity.Mul(b.PurchasePrice))
		cv.SellingValue = cv.SellingValue.Add(b.CurrentQuantity.Mul(b.SellingPrice))

		// 期限切れのまま残っている数量は廃棄見込みとして扱う
		if b.Status == BatchStatusExpired || b.IsExpiredAt(now) {
			summary.WastedQuantity = summary.WastedQuantity.Add(b.CurrentQuantity)
			it.WastedQuantity = it.WastedQuantity.Add(b.CurrentQuantity)
		}
	}

	for _, mv := range movements {
		qty := mv.QuantityDelta.Abs()
		it := item(mv.InventoryItemID)
		if earliest == nil || mv.CreatedAt.Before(*earliest) {
			t := mv.CreatedAt
			earliest = &t
		}
		switch mv.Type {
		case MovementTypeConsumption:
			summary.ConsumedQuantity = summary.ConsumedQuantity.Add(qty)
			it.ConsumedQuantity = it.ConsumedQuantity.Add(qty)
			if b, ok := byID[mv.BatchID]; ok {
				it.ConsumedCost = it.ConsumedCost.Add(qty.Mul(b.PurchasePrice))
			}
		case MovementTypeReturn:
			summary.ReturnedQuantity = summary.ReturnedQuantity.Add(qty)
			it.ReturnedQuantity = it.ReturnedQuantity.Add(qty)
			if b, ok := byID[mv.BatchID]; ok {
				it.ConsumedCost = it.ConsumedCost.Sub(qty.Mul(b.PurchasePrice))
			}
		case MovementTypeDamage:
			summary.WastedQuantity = summary.WastedQuantity.Add(qty)
			it.WastedQuantity = it.WastedQuantity.Add(qty)
		}
	}
	summary.NetConsumedQuantity = summary.ConsumedQuantity.Sub(summary.ReturnedQuantity)

	// 集計期間の決定（未指定時は最初の記録から現在まで）
	summary.To = now
	if query.To != nil {
		summary.To = *query.To
	}
	summary.From = summary.To
	switch {
	case query.From != nil:
		summary.From = *query.From
	case earliest != nil:
		summary.From = *earliest
	}
	summary.ConsumptionVelocity = velocityPerDay(summary.NetConsumedQuantity, summary.From, summary.To)

	summary.Values = make([]CurrencyValue, 0, len(values))
	for _, cv := range values {
		summary.Values = append(summary.Values, *cv)
	}
	sort.Slice(summary.Values, func(i, j int) bool {
		return summary.Values[i].Currency < summary.Values[j].Currency
	})

	costs := make(map[string]decimal.Decimal, len(items))
	for id, it := range items {
		costs[id] = it.ConsumedCost
	}
	classes := classifyABC(costs)

	summary.Items = make([]ItemAnalytics, 0, len(items))
	for id, it := range items {
		it.ABCClass = classes[id]
		summary.Items = append(summary.Items, *it)
	}
	sort.Slice(summary.Items, func(i, j int) bool {
		return summary.Items[i].InventoryItemID < summary.Items[j].InventoryItemID
	})

	a.logger.Debug("集計完了",
		zap.String("restaurant_id", query.RestaurantID),
		zap.Int("batches", summary.TotalBatches),
		zap.Int("movements", len(movements)),
	)

	return summary, nil
}

func inRange(t time.Time, from, to *time.Time) bool {
	if from != nil && t.Before(*from) {
		return false
	}
	if to != nil && t.After(*to) {
		return false
	}
	return true
}

// velocityPerDay divides quantity by the window length in days, with a one-day floor
// 期間（日数、最低1日）あたりの数量
func velocityPerDay(quantity decimal.Decimal, from, to time.Time) decimal.Decimal {
	days := decimal.NewFromFloat(to.Sub(from).Hours() / 24)
	if days.LessThan(decimal.NewFromInt(1)) {
		days = decimal.NewFromInt(1)
	}
	return quantity.DivRound(days, 4)
}

// classifyABC classifies items into A, B, C categories by consumed cost (80-15-5)
// 消費原価で品目をA、B、Cカテゴリに分類（80-15-5の法則）
func classifyABC(itemValues map[string]decimal.Decimal) map[string]string {
	type itemValue struct {
		itemID string
		value  decimal.Decimal
	}

	items := make([]itemValue, 0, len(itemValues))
	total := decimal.Zero
	for itemID, value := range itemValues {
		items = append(items, itemValue{itemID: itemID, value: value})
		total = total.Add(value)
	}

	sort.Slice(items, func(i, j int) bool {
		if !items[i].value.Equal(items[j].value) {
			return items[i].value.GreaterThan(items[j].value)
		}
		return items[i].itemID < items[j].itemID
	})

	classification := make(map[string]string, len(items))
	if !total.IsPositive() {
		for _, it := range items {
			classification[it.itemID] = "C"
		}
		return classification
	}

	a, b := decimal.NewFromFloat(0.8), decimal.NewFromFloat(0.95)
	cumulative := decimal.Zero
	for _, it := range items {
		// 自身を加える前の累積比率で判定（最上位品目は常にA）
		share := cumulative.Div(total)
		cumulative = cumulative.Add(it.value)
		switch {
		case share.LessThan(a):
			classification[it.itemID] = "A"
		case share.LessThan(b):
			classification[it.itemID] = "B"
		default:
			classification[it.itemID] = "C"
		}
	}
	return classification
}
