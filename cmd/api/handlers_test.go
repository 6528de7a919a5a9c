package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiBatchLedger/pkg/inventory"
	"github.com/nemonet1337/zaiBatchLedger/pkg/inventory/storage"
)

type testEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestRouter(t *testing.T) *mux.Router {
	t.Helper()
	logger := zap.NewNop()
	store := storage.NewMemoryStorage(logger)
	manager := inventory.NewManager(store, nil, logger, nil, nil)
	monitor := inventory.NewExpiryMonitor(store, logger, nil)
	analytics := inventory.NewAnalytics(store, logger)

	h := NewHandlers(manager, manager, monitor, analytics, store, logger, 3)
	return setupRouter(h, routerOptions{EnableCORS: true})
}

func doRequest(t *testing.T, router http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, testEnvelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "chef-1")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var env testEnvelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func createBatch(t *testing.T, router http.Handler, item, number, qty string) inventory.Batch {
	t.Helper()
	rec, env := doRequest(t, router, http.MethodPost, "/api/v1/batches", map[string]interface{}{
		"inventory_item_id": item,
		"restaurant_id":     "rest-1",
		"batch_number":      number,
		"initial_quantity":  qty,
		"unit":              "kg",
		"purchase_price":    "100",
		"selling_price":     "150",
	})
	require.Equal(t, http.StatusCreated, rec.Code, env.Message)

	var b inventory.Batch
	require.NoError(t, json.Unmarshal(env.Data, &b))
	return b
}

func TestHealthCheck(t *testing.T) {
	router := newTestRouter(t)

	rec, env := doRequest(t, router, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Status)
}

func TestCreateAndGetBatch(t *testing.T) {
	router := newTestRouter(t)
	b := createBatch(t, router, "tomato", "B-001", "10")

	assert.Equal(t, inventory.BatchStatusActive, b.Status)
	assert.Equal(t, "chef-1", b.CreatedBy)
	assert.Equal(t, "JPY", b.Currency)

	rec, env := doRequest(t, router, http.MethodGet, "/api/v1/batches/"+b.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Status)
}

func TestCreateBatch_Errors(t *testing.T) {
	router := newTestRouter(t)
	createBatch(t, router, "tomato", "B-001", "10")

	t.Run("duplicate batch number", func(t *testing.T) {
		rec, env := doRequest(t, router, http.MethodPost, "/api/v1/batches", map[string]interface{}{
			"inventory_item_id": "tomato",
			"batch_number":      "B-001",
			"initial_quantity":  "5",
			"unit":              "kg",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.False(t, env.Status)
	})

	t.Run("non-positive quantity", func(t *testing.T) {
		rec, _ := doRequest(t, router, http.MethodPost, "/api/v1/batches", map[string]interface{}{
			"inventory_item_id": "tomato",
			"batch_number":      "B-002",
			"initial_quantity":  "0",
			"unit":              "kg",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		rec, env := doRequest(t, router, http.MethodPost, "/api/v1/batches", "{not json")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.False(t, env.Status)
	})
}

func TestGetBatch_NotFound(t *testing.T) {
	router := newTestRouter(t)

	rec, env := doRequest(t, router, http.MethodGet, "/api/v1/batches/missing-batch", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, env.Status)
}

func TestOrderConsumeAndReverse(t *testing.T) {
	router := newTestRouter(t)
	b := createBatch(t, router, "tomato", "B-001", "10")

	order := map[string]interface{}{
		"items": []map[string]interface{}{
			{"inventory_item_id": "tomato", "quantity": "4"},
		},
	}

	rec, env := doRequest(t, router, http.MethodPost, "/api/v1/orders/order-1/validate", order)
	require.Equal(t, http.StatusOK, rec.Code)
	var vr inventory.ValidationResult
	require.NoError(t, json.Unmarshal(env.Data, &vr))
	assert.True(t, vr.CanPrepare)

	rec, env = doRequest(t, router, http.MethodPost, "/api/v1/orders/order-1/consume", order)
	require.Equal(t, http.StatusOK, rec.Code, env.Message)
	var result inventory.ConsumptionResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	require.Len(t, result.Committed, 1)
	require.Len(t, result.Committed[0].Draws, 1)
	assert.Equal(t, b.ID, result.Committed[0].Draws[0].BatchID)
	assert.Equal(t, "6", result.Committed[0].Draws[0].ResultingQuantity.String())

	rec, env = doRequest(t, router, http.MethodPost, "/api/v1/reverse", map[string]string{
		"reference_type": "order",
		"reference_id":   "order-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, env.Message)
	var rr inventory.ReversalResult
	require.NoError(t, json.Unmarshal(env.Data, &rr))
	assert.Len(t, rr.Movements, 1)

	rec, env = doRequest(t, router, http.MethodGet, "/api/v1/batches/"+b.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var after inventory.Batch
	require.NoError(t, json.Unmarshal(env.Data, &after))
	assert.Equal(t, "10", after.CurrentQuantity.String())

	rec, env = doRequest(t, router, http.MethodGet, "/api/v1/batches/"+b.ID+"/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report inventory.AuditReport
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.True(t, report.Consistent)
	assert.Equal(t, 2, report.MovementCount)
}

func TestConsume_ShortageIsUnprocessable(t *testing.T) {
	router := newTestRouter(t)
	createBatch(t, router, "tomato", "B-001", "10")
	createBatch(t, router, "basil", "B-001", "2")

	rec, env := doRequest(t, router, http.MethodPost, "/api/v1/consume", map[string]interface{}{
		"requirements": []map[string]interface{}{
			{"inventory_item_id": "tomato", "quantity": "10", "reference_type": "manual"},
			{"inventory_item_id": "basil", "quantity": "5", "reference_type": "manual"},
		},
	})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.False(t, env.Status)
	var result inventory.ConsumptionResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	require.Len(t, result.Shortages, 1)
	assert.Equal(t, "basil", result.Shortages[0].InventoryItemID)
	assert.Equal(t, "3", result.Shortages[0].Deficit.String())

	// 何も消費されていない
	rec, env = doRequest(t, router, http.MethodGet, "/api/v1/items/tomato/stock", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stock inventory.ItemStock
	require.NoError(t, json.Unmarshal(env.Data, &stock))
	assert.Equal(t, "10", stock.Available.String())
}

func TestConsume_SingleRequirement(t *testing.T) {
	router := newTestRouter(t)
	createBatch(t, router, "tomato", "B-001", "10")

	rec, env := doRequest(t, router, http.MethodPost, "/api/v1/consume", map[string]interface{}{
		"inventory_item_id": "tomato",
		"quantity":          "2.5",
		"reference_type":    "manual",
	})

	require.Equal(t, http.StatusOK, rec.Code, env.Message)
	var result inventory.ConsumptionResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	require.Len(t, result.Committed, 1)
	assert.Equal(t, "2.5", result.Committed[0].TotalDrawn().String())
}

func TestConsume_EmptyRequestIsBadRequest(t *testing.T) {
	router := newTestRouter(t)

	rec, env := doRequest(t, router, http.MethodPost, "/api/v1/consume", map[string]interface{}{})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, env.Status)
}

func TestReverse_UnknownReference(t *testing.T) {
	router := newTestRouter(t)

	rec, _ := doRequest(t, router, http.MethodPost, "/api/v1/reverse", map[string]string{
		"reference_type": "order",
		"reference_id":   "never-consumed",
	})

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdjustAndDamage(t *testing.T) {
	router := newTestRouter(t)
	b := createBatch(t, router, "tomato", "B-001", "10")

	rec, _ := doRequest(t, router, http.MethodPost, "/api/v1/batches/"+b.ID+"/damage", map[string]interface{}{
		"quantity": "3",
		"notes":    "落下",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	// 初期数量を超える調整は業務ルール違反
	rec, env := doRequest(t, router, http.MethodPost, "/api/v1/batches/"+b.ID+"/adjust", map[string]interface{}{
		"delta": "5",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.False(t, env.Status)

	rec, env = doRequest(t, router, http.MethodGet, "/api/v1/batches/"+b.ID+"/movements", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var movements []inventory.Movement
	require.NoError(t, json.Unmarshal(env.Data, &movements))
	require.Len(t, movements, 1)
	assert.Equal(t, inventory.MovementTypeDamage, movements[0].Type)
	assert.Equal(t, "chef-1", movements[0].CreatedBy)
}

func TestPlanPreview(t *testing.T) {
	router := newTestRouter(t)
	createBatch(t, router, "tomato", "B-001", "10")

	rec, _ := doRequest(t, router, http.MethodGet, "/api/v1/items/tomato/plan?quantity=4", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doRequest(t, router, http.MethodGet, "/api/v1/items/tomato/plan?quantity=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExpiringAndAnalytics(t *testing.T) {
	router := newTestRouter(t)
	createBatch(t, router, "tomato", "B-001", "10")

	rec, env := doRequest(t, router, http.MethodGet, "/api/v1/expiring?days_ahead=7", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", string(env.Data))

	rec, _ = doRequest(t, router, http.MethodGet, "/api/v1/expiring?days_ahead=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doRequest(t, router, http.MethodPost, "/api/v1/expiry/reclassify", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env = doRequest(t, router, http.MethodGet, "/api/v1/analytics?restaurant_id=rest-1&from=2020-01-01", nil)
	require.Equal(t, http.StatusOK, rec.Code, env.Message)
	var summary inventory.AnalyticsSummary
	require.NoError(t, json.Unmarshal(env.Data, &summary))
	assert.Equal(t, 1, summary.TotalBatches)

	rec, _ = doRequest(t, router, http.MethodGet, "/api/v1/analytics", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doRequest(t, router, http.MethodGet, "/api/v1/analytics?restaurant_id=rest-1&from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCORSHeaders(t *testing.T) {
	router := newTestRouter(t)

	rec, _ := doRequest(t, router, http.MethodGet, "/health", nil)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-User-ID")
}
