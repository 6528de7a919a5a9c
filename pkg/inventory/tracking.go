package inventory

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ExpiryMonitor answers expiry queries and reclassifies past-expiry batches.
// It never changes quantities.
// 有効期限の照会と期限切れバッチの再分類を行う（数量は変更しない）
type ExpiryMonitor struct {
	storage Storage
	logger  *zap.Logger
	metrics *Metrics
	tracer  trace.Tracer
	clock   func() time.Time
}

var _ ExpiryTracker = (*ExpiryMonitor)(nil)

// NewExpiryMonitor creates a new expiry monitor
// 新しい期限監視を作成
func NewExpiryMonitor(storage Storage, logger *zap.Logger, metrics *Metrics) *ExpiryMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExpiryMonitor{
		storage: storage,
		logger:  logger,
		metrics: metrics,
		tracer:  otel.Tracer(tracerName),
		clock:   time.Now,
	}
}

// WithClock replaces the monitor's time source
func (em *ExpiryMonitor) WithClock(clock func() time.Time) *ExpiryMonitor {
	em.clock = clock
	return em
}

// ExpiringWithin returns batches still holding stock whose expiry falls on or before now + daysAhead,
// soonest first. Already expired batches are included; batches without expiry never are.
// 現在時刻+指定日数までに期限を迎える在庫ありバッチを期限順で取得（期限切れ済みも含む）
func (em *ExpiryMonitor) ExpiringWithin(ctx context.Context, daysAhead int, restaurantID string) ([]Batch, error) {
	if daysAhead < 0 {
		return nil, NewValidationError("days_ahead", "日数は0以上である必要があります", fmt.Sprintf("%d", daysAhead))
	}
	if restaurantID != "" {
		if err := ValidateID("restaurant_id", restaurantID); err != nil {
			return nil, err
		}
	}

	horizon := em.clock().AddDate(0, 0, daysAhead)
	batches, err := em.storage.ListBatches(ctx, BatchFilter{
		RestaurantID:   restaurantID,
		Statuses:       []BatchStatus{BatchStatusActive, BatchStatusExpired},
		ExpiringBefore: &horizon,
		OnlyWithStock:  true,
	})
	if err != nil {
		return nil, wrapStorage("expiring_within", "期限間近バッチ取得に失敗しました", err)
	}

	SortFEFO(batches)
	return batches, nil
}

// Reclassify marks active batches that still hold stock and expired before asOf as expired.
// Running it repeatedly is harmless.
// asOf時点で期限切れの在庫ありactiveバッチをexpiredに変更（繰り返し実行しても安全）
func (em *ExpiryMonitor) Reclassify(ctx context.Context, asOf time.Time) (n int, err error) {
	ctx, span := em.tracer.Start(ctx, "ledger.Reclassify")
	defer func() {
		span.SetAttributes(attribute.Int("reclassified", n))
		endSpan(span, err)
	}()

	if asOf.IsZero() {
		asOf = em.clock()
	}

	n, err = em.storage.MarkExpired(ctx, asOf, UserFromContext(ctx))
	if err != nil {
		return 0, wrapStorage("reclassify", "期限切れ再分類に失敗しました", err)
	}

	em.metrics.observeReclassified(n)
	if n > 0 {
		em.logger.Info("期限切れバッチを再分類しました",
			zap.Int("count", n),
			zap.Time("as_of", asOf),
		)
	}
	return n, nil
}

// Run sweeps on every tick of interval until ctx is cancelled
// ctxがキャンセルされるまでintervalごとに再分類を実行
func (em *ExpiryMonitor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return NewValidationError("interval", "期間は正の値である必要があります", interval.String())
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	em.logger.Info("期限監視を開始しました", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			em.logger.Info("期限監視を停止しました")
			return ctx.Err()
		case <-ticker.C:
			sweepCtx := WithUser(ctx, "expiry-monitor")
			if _, err := em.Reclassify(sweepCtx, em.clock()); err != nil {
				em.logger.Error("定期再分類に失敗しました", zap.Error(err))
			}
		}
	}
}
