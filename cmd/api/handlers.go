package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiBatchLedger/pkg/inventory"
)

// Handlers holds HTTP handlers for the batch ledger API
// バッチ台帳API用のHTTPハンドラーを保持
type Handlers struct {
	ledger              inventory.BatchLedger
	engine              inventory.ConsumptionEngine
	expiry              inventory.ExpiryTracker
	analytics           inventory.AnalyticsEngine
	storage             inventory.Storage
	logger              *zap.Logger
	defaultExpiringDays int
}

// NewHandlers creates new HTTP handlers
// 新しいHTTPハンドラーを作成
func NewHandlers(
	ledger inventory.BatchLedger,
	engine inventory.ConsumptionEngine,
	expiry inventory.ExpiryTracker,
	analytics inventory.AnalyticsEngine,
	storage inventory.Storage,
	logger *zap.Logger,
	defaultExpiringDays int,
) *Handlers {
	return &Handlers{
		ledger:              ledger,
		engine:              engine,
		expiry:              expiry,
		analytics:           analytics,
		storage:             storage,
		logger:              logger,
		defaultExpiringDays: defaultExpiringDays,
	}
}

// APIResponse represents standard API response format
// 標準的なAPIレスポンス形式を表現
type APIResponse struct {
	Status  bool        `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// UpdateBatchRequest represents request to update a batch
// バッチ更新リクエストを表現
type UpdateBatchRequest struct {
	Notes        *string                `json:"notes,omitempty"`
	SellingPrice *decimal.Decimal       `json:"selling_price,omitempty"`
	Status       *inventory.BatchStatus `json:"status,omitempty"`
}

// AdjustBatchRequest represents request to adjust a batch
// バッチ調整リクエストを表現
type AdjustBatchRequest struct {
	Delta decimal.Decimal `json:"delta"`
	Notes string          `json:"notes"`
}

// DamageBatchRequest represents request to record damage
// 破損記録リクエストを表現
type DamageBatchRequest struct {
	Quantity decimal.Decimal `json:"quantity"`
	Notes    string          `json:"notes"`
}

// ConsumeRequest accepts either one requirement inline or a list under "requirements"
// 単一要求（インライン）または複数要求（requirements）を受け付ける消費リクエスト
type ConsumeRequest struct {
	inventory.ConsumptionRequirement
	Requirements []inventory.ConsumptionRequirement `json:"requirements,omitempty"`
}

func (r ConsumeRequest) requirements() []inventory.ConsumptionRequirement {
	if len(r.Requirements) > 0 {
		return r.Requirements
	}
	if r.InventoryItemID == "" && r.Quantity.IsZero() {
		return nil
	}
	return []inventory.ConsumptionRequirement{r.ConsumptionRequirement}
}

// OrderItem is one resolved ingredient line of an order
// 注文の解決済み材料1行
type OrderItem struct {
	InventoryItemID string          `json:"inventory_item_id"`
	Quantity        decimal.Decimal `json:"quantity"`
	Notes           string          `json:"notes,omitempty"`
}

// OrderRequest represents the ingredient lines of an order
// 注文の材料行を表現
type OrderRequest struct {
	Items []OrderItem `json:"items"`
}

func (r OrderRequest) requirements(orderID string) []inventory.ConsumptionRequirement {
	reqs := make([]inventory.ConsumptionRequirement, 0, len(r.Items))
	for _, it := range r.Items {
		reqs = append(reqs, inventory.ConsumptionRequirement{
			InventoryItemID: it.InventoryItemID,
			Quantity:        it.Quantity,
			ReferenceType:   inventory.ReferenceTypeOrder,
			ReferenceID:     orderID,
			Notes:           it.Notes,
		})
	}
	return reqs
}

// ReverseRequest represents request to reverse a reference's consumption
// 消費取り消しリクエストを表現
type ReverseRequest struct {
	ReferenceType inventory.ReferenceType `json:"reference_type"`
	ReferenceID   string                  `json:"reference_id"`
}

// HealthCheck handles health check requests
// ヘルスチェックリクエストを処理
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	data := map[string]interface{}{
		"timestamp": time.Now(),
		"service":   "batch-ledger",
	}
	if err := h.storage.Ping(r.Context()); err != nil {
		h.logger.Error("ヘルスチェックに失敗しました", zap.Error(err))
		data["status"] = "unhealthy"
		h.send(w, http.StatusServiceUnavailable, false, "ストレージに接続できません", data)
		return
	}
	data["status"] = "healthy"
	h.sendSuccess(w, "正常です", data)
}

// CreateBatch handles batch intake requests
// バッチ登録リクエストを処理
func (h *Handlers) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req inventory.CreateBatchInput
	if !h.decode(w, r, &req) {
		return
	}

	batch, err := h.ledger.CreateBatch(r.Context(), req)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.send(w, http.StatusCreated, true, "バッチを登録しました", batch)
}

// GetBatch handles get batch requests
// バッチ取得リクエストを処理
func (h *Handlers) GetBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.ledger.GetBatch(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendSuccess(w, "バッチを取得しました", batch)
}

// UpdateBatch handles update batch requests
// バッチ更新リクエストを処理
func (h *Handlers) UpdateBatch(w http.ResponseWriter, r *http.Request) {
	var req UpdateBatchRequest
	if !h.decode(w, r, &req) {
		return
	}

	batch, err := h.ledger.UpdateBatch(r.Context(), inventory.UpdateBatchInput{
		BatchID:      mux.Vars(r)["id"],
		Notes:        req.Notes,
		SellingPrice: req.SellingPrice,
		Status:       req.Status,
	})
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendSuccess(w, "バッチを更新しました", batch)
}

// AdjustBatch handles adjustment requests
// 調整リクエストを処理
func (h *Handlers) AdjustBatch(w http.ResponseWriter, r *http.Request) {
	var req AdjustBatchRequest
	if !h.decode(w, r, &req) {
		return
	}

	mv, err := h.ledger.AdjustBatch(r.Context(), mux.Vars(r)["id"], req.Delta, req.Notes)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendSuccess(w, "調整を記録しました", mv)
}

// RecordDamage handles damage requests
// 破損記録リクエストを処理
func (h *Handlers) RecordDamage(w http.ResponseWriter, r *http.Request) {
	var req DamageBatchRequest
	if !h.decode(w, r, &req) {
		return
	}

	mv, err := h.ledger.RecordDamage(r.Context(), mux.Vars(r)["id"], req.Quantity, req.Notes)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendSuccess(w, "破損を記録しました", mv)
}

// ListMovements handles movement history requests
// 移動履歴リクエストを処理
func (h *Handlers) ListMovements(w http.ResponseWriter, r *http.Request) {
	movements, err := h.ledger.ListMovementsByBatch(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.sendError(w, err)
		return
	}
	if movements == nil {
		movements = []inventory.Movement{}
	}
	h.sendSuccess(w, "移動履歴を取得しました", movements)
}

// AuditBatch handles ledger replay requests
// 台帳再生リクエストを処理
func (h *Handlers) AuditBatch(w http.ResponseWriter, r *http.Request) {
	report, err := h.ledger.AuditBatch(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendSuccess(w, "台帳を検証しました", report)
}

// ListBatchesByItem handles batches-by-item requests
// 品目別バッチ一覧リクエストを処理
func (h *Handlers) ListBatchesByItem(w http.ResponseWriter, r *http.Request) {
	batches, err := h.ledger.ListBatchesByItem(r.Context(), mux.Vars(r)["itemId"])
	if err != nil {
		h.sendError(w, err)
		return
	}
	if batches == nil {
		batches = []inventory.Batch{}
	}
	h.sendSuccess(w, "バッチ一覧を取得しました", batches)
}

// ItemStock handles derived item stock requests
// 品目在庫リクエストを処理
func (h *Handlers) ItemStock(w http.ResponseWriter, r *http.Request) {
	stock, err := h.ledger.ItemStock(r.Context(), mux.Vars(r)["itemId"])
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendSuccess(w, "在庫を取得しました", stock)
}

// PlanPreview handles FEFO plan preview requests
// FEFO引当プレビューリクエストを処理
func (h *Handlers) PlanPreview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	quantity, err := decimal.NewFromString(q.Get("quantity"))
	if err != nil {
		h.sendError(w, inventory.NewValidationError("quantity", "数量の形式が正しくありません", q.Get("quantity")))
		return
	}
	includeExpired := false
	if v := q.Get("include_expired"); v != "" {
		if includeExpired, err = strconv.ParseBool(v); err != nil {
			h.sendError(w, inventory.NewValidationError("include_expired", "真偽値の形式が正しくありません", v))
			return
		}
	}

	plan, shortage, err := h.engine.Plan(r.Context(), mux.Vars(r)["itemId"], quantity, time.Time{},
		inventory.PlanOptions{IncludeExpired: includeExpired})
	if err != nil {
		h.sendError(w, err)
		return
	}
	if shortage != nil {
		h.sendSuccess(w, "在庫が不足しています", map[string]interface{}{"shortage": shortage})
		return
	}
	h.sendSuccess(w, "引当計画を作成しました", map[string]interface{}{"plan": plan})
}

// Consume handles single or multi requirement consumption
// 単一・複数要求の消費を処理
func (h *Handlers) Consume(w http.ResponseWriter, r *http.Request) {
	var req ConsumeRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.engine.Consume(r.Context(), req.requirements())
	h.sendConsumption(w, result, err)
}

// ConsumeExpiring handles consumption that may draw from expired batches
// 期限切れバッチも対象とする消費を処理
func (h *Handlers) ConsumeExpiring(w http.ResponseWriter, r *http.Request) {
	var req ConsumeRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.engine.ConsumeIncludingExpired(r.Context(), req.requirements())
	h.sendConsumption(w, result, err)
}

// ConsumeOrder handles order-level consumption
// 注文単位の消費を処理
func (h *Handlers) ConsumeOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.engine.Consume(r.Context(), req.requirements(mux.Vars(r)["orderId"]))
	h.sendConsumption(w, result, err)
}

// ValidateOrder handles the read-only order precheck
// 注文の事前チェックを処理
func (h *Handlers) ValidateOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.engine.Validate(r.Context(), req.requirements(mux.Vars(r)["orderId"]))
	if err != nil {
		h.sendError(w, err)
		return
	}
	message := "調理可能です"
	if !result.CanPrepare {
		message = "在庫が不足しています"
	}
	h.sendSuccess(w, message, result)
}

// Reverse handles consumption reversal requests
// 消費取り消しリクエストを処理
func (h *Handlers) Reverse(w http.ResponseWriter, r *http.Request) {
	var req ReverseRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.engine.Reverse(r.Context(), req.ReferenceType, req.ReferenceID)
	if err != nil {
		h.sendError(w, err)
		return
	}
	message := "消費を取り消しました"
	if len(result.Movements) == 0 {
		message = "取り消し済みです"
	}
	h.sendSuccess(w, message, result)
}

// ExpiringBatches handles expiring batch queries
// 期限間近バッチ照会を処理
func (h *Handlers) ExpiringBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days := h.defaultExpiringDays
	if v := q.Get("days_ahead"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.sendError(w, inventory.NewValidationError("days_ahead", "日数の形式が正しくありません", v))
			return
		}
		days = n
	}

	batches, err := h.expiry.ExpiringWithin(r.Context(), days, q.Get("restaurant_id"))
	if err != nil {
		h.sendError(w, err)
		return
	}
	if batches == nil {
		batches = []inventory.Batch{}
	}
	h.sendSuccess(w, "期限間近のバッチを取得しました", batches)
}

// Reclassify handles manual expiry sweeps
// 手動の期限切れ再分類を処理
func (h *Handlers) Reclassify(w http.ResponseWriter, r *http.Request) {
	n, err := h.expiry.Reclassify(r.Context(), time.Now())
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendSuccess(w, "期限切れバッチを再分類しました", map[string]int{"reclassified": n})
}

// Analytics handles analytics requests
// 集計リクエストを処理
func (h *Handlers) Analytics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := inventory.AnalyticsQuery{RestaurantID: q.Get("restaurant_id")}

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &query.From}, {"to", &query.To}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := parseTime(v)
		if err != nil {
			h.sendError(w, inventory.NewValidationError(p.name, "日時の形式が正しくありません", v))
			return
		}
		*p.dst = &t
	}

	summary, err := h.analytics.Summarize(r.Context(), query)
	if err != nil {
		h.sendError(w, err)
		return
	}
	h.sendSuccess(w, "集計しました", summary)
}

// parseTime accepts RFC 3339 timestamps or plain dates
func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

// ヘルパーメソッド

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.send(w, http.StatusBadRequest, false, "無効なリクエスト形式です", nil)
		return false
	}
	return true
}

func (h *Handlers) sendConsumption(w http.ResponseWriter, result *inventory.ConsumptionResult, err error) {
	if err != nil {
		h.sendError(w, err)
		return
	}
	if result.HasShortages() {
		h.send(w, http.StatusUnprocessableEntity, false, inventory.NewShortageError(result.Shortages).Error(), result)
		return
	}
	h.sendSuccess(w, "消費が完了しました", result)
}

// statusFor maps ledger errors to HTTP status codes
// 台帳エラーをHTTPステータスコードに対応付け
func statusFor(err error) int {
	var (
		ve  *inventory.ValidationError
		she *inventory.ShortageError
		be  *inventory.BusinessRuleError
	)
	switch {
	case errors.As(err, &ve), errors.Is(err, inventory.ErrDuplicateBatchNumber):
		return http.StatusBadRequest
	case inventory.IsNotFound(err):
		return http.StatusNotFound
	case inventory.IsConflict(err):
		return http.StatusConflict
	case errors.As(err, &she), errors.As(err, &be):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// sendSuccess sends a successful API response
// 成功APIレスポンスを送信
func (h *Handlers) sendSuccess(w http.ResponseWriter, message string, data interface{}) {
	h.send(w, http.StatusOK, true, message, data)
}

// sendError sends an error API response
// エラーAPIレスポンスを送信
func (h *Handlers) sendError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("リクエスト処理に失敗しました", zap.Error(err))
		message = "内部エラーが発生しました"
	}

	var data interface{}
	var she *inventory.ShortageError
	if errors.As(err, &she) {
		data = map[string]interface{}{"shortages": she.Shortages}
	}
	h.send(w, status, false, message, data)
}

func (h *Handlers) send(w http.ResponseWriter, statusCode int, ok bool, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Status:  ok,
		Message: message,
		Data:    data,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("レスポンス送信に失敗しました", zap.Error(err))
	}
}
