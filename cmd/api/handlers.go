package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nemonet1337/hikiateGoFramework/internal/metrics"
	"github.com/nemonet1337/hikiateGoFramework/pkg/fulfillment"
)

// Handlers holds HTTP handlers for the fulfillment API
// フルフィルメントAPI用のHTTPハンドラーを保持
type Handlers struct {
	registry *fulfillment.Registry
	storage  fulfillment.Storage
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewHandlers creates new HTTP handlers
// 新しいHTTPハンドラーを作成
func NewHandlers(registry *fulfillment.Registry, storage fulfillment.Storage, m *metrics.Metrics, logger *zap.Logger) *Handlers {
	return &Handlers{
		registry: registry,
		storage:  storage,
		metrics:  m,
		logger:   logger,
	}
}

// APIResponse represents standard API response format
// 標準的なAPIレスポンス形式を表現
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ReceiveStockRequest represents a purchasing receipt for an item
// 品目の仕入受入リクエストを表現
type ReceiveStockRequest struct {
	Quantity  int64  `json:"quantity"`
	Reference string `json:"reference"`
}

// AdjustStockRequest represents a manual stock adjustment
// 手動在庫調整リクエストを表現
type AdjustStockRequest struct {
	Delta     int64  `json:"delta"`
	Reference string `json:"reference"`
}

// CreateOrderRequest represents a new order submission
// 新規注文リクエストを表現
type CreateOrderRequest struct {
	ContactID string                  `json:"contact_id"`
	Lines     []fulfillment.OrderLine `json:"lines"`
}

// SaveRecipeRequest represents a bill-of-materials registration
// 部品表登録リクエストを表現
type SaveRecipeRequest struct {
	Lines []fulfillment.BOMLine `json:"lines"`
}

// actor resolves the acting user from the request
// リクエストから実行者を解決
func actor(r *http.Request) string {
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return "api_user"
}

// HealthCheck handles health check requests
// ヘルスチェックリクエストを処理
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.storage.Ping(r.Context()); err != nil {
		h.sendError(w, http.StatusServiceUnavailable, "ストレージに接続できません")
		return
	}

	h.sendSuccess(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now(),
		"service":   "hikiateGoFramework",
	})
}

// RegisterItem handles item registration requests
// 品目登録リクエストを処理
func (h *Handlers) RegisterItem(w http.ResponseWriter, r *http.Request) {
	var reg fulfillment.ItemRegistration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	item, err := h.registry.RegisterItem(r.Context(), reg, actor(r))
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendSuccess(w, item)
}

// ListItems handles item listing requests, optionally filtered by kind
// 品目一覧リクエストを処理（種別フィルター任意）
func (h *Handlers) ListItems(w http.ResponseWriter, r *http.Request) {
	kind := fulfillment.ItemKind(r.URL.Query().Get("kind"))

	items, err := h.storage.ListItems(r.Context(), kind)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendSuccess(w, items)
}

// GetItem handles single item retrieval
// 品目取得リクエストを処理
func (h *Handlers) GetItem(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	item, err := h.storage.GetItem(r.Context(), vars["itemId"])
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendSuccess(w, item)
}

// GetItemHistory handles mutation history requests
// 変動履歴リクエストを処理
func (h *Handlers) GetItemHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	limit := 50 // デフォルト
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 {
			limit = parsedLimit
		}
	}

	history, err := h.registry.Ledger().GetHistory(r.Context(), vars["itemId"], limit)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendSuccess(w, history)
}

// ReceiveStock handles purchase receipt requests
// 仕入受入リクエストを処理
func (h *Handlers) ReceiveStock(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req ReceiveStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}
	if req.Quantity <= 0 {
		h.sendError(w, http.StatusBadRequest, "受入数量は正の値である必要があります")
		return
	}

	mutation, err := h.registry.Ledger().ApplyDelta(
		r.Context(), vars["itemId"], req.Quantity,
		fulfillment.ReasonPurchaseReceipt, req.Reference, actor(r),
	)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.metrics.StockMutations.WithLabelValues(string(fulfillment.ReasonPurchaseReceipt)).Inc()
	h.sendSuccess(w, mutation)
}

// AdjustStock handles manual adjustment requests
// 手動調整リクエストを処理
func (h *Handlers) AdjustStock(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req AdjustStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	mutation, err := h.registry.Ledger().ApplyDelta(
		r.Context(), vars["itemId"], req.Delta,
		fulfillment.ReasonManualAdjust, req.Reference, actor(r),
	)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.metrics.StockMutations.WithLabelValues(string(fulfillment.ReasonManualAdjust)).Inc()
	h.sendSuccess(w, mutation)
}

// SaveRecipe handles bill-of-materials registration requests
// 部品表登録リクエストを処理
func (h *Handlers) SaveRecipe(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req SaveRecipeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	if err := h.registry.Resolver().SaveRecipe(r.Context(), vars["finishedGoodId"], req.Lines); err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendSuccess(w, map[string]string{
		"message": "部品表を登録しました",
	})
}

// GetRecipe handles bill-of-materials retrieval requests
// 部品表取得リクエストを処理
func (h *Handlers) GetRecipe(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	lines, err := h.registry.Resolver().Resolve(r.Context(), vars["finishedGoodId"])
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendSuccess(w, lines)
}

// CreateOrder handles order creation requests
// 注文作成リクエストを処理
func (h *Handlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	order, err := h.registry.CreateOrder(r.Context(), req.ContactID, req.Lines, actor(r))
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendSuccess(w, order)
}

// GetOrder handles single order retrieval
// 注文取得リクエストを処理
func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	order, err := h.registry.GetOrder(r.Context(), vars["orderId"])
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendSuccess(w, order)
}

// GetOrderHistory handles order history retrieval
// 注文履歴取得リクエストを処理
func (h *Handlers) GetOrderHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 {
			limit = parsedLimit
		}
	}

	entries, err := h.registry.GetOrderHistory(r.Context(), vars["orderId"], limit)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendSuccess(w, entries)
}

// CheckAvailability handles availability check requests
// 在庫充足チェックリクエストを処理
func (h *Handlers) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	report, err := h.registry.CheckAvailability(r.Context(), vars["orderId"])
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendSuccess(w, report)
}

// AssembleOrder handles assembly execution requests
// 組立実行リクエストを処理
func (h *Handlers) AssembleOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	order, err := h.registry.Assemble(r.Context(), vars["orderId"], actor(r))
	if err != nil {
		if errors.Is(err, fulfillment.ErrInsufficientStock) {
			h.metrics.AssemblyFailures.Inc()
		}
		h.sendDomainError(w, err)
		return
	}

	h.metrics.AssembliesTotal.Inc()
	h.sendSuccess(w, order)
}

// SeizeForOrder handles priority reallocation requests
// 優先度再引当リクエストを処理
func (h *Handlers) SeizeForOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	result, err := h.registry.SeizeForOrder(r.Context(), vars["orderId"], actor(r))
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.metrics.SeizuresTotal.Inc()
	h.metrics.SeizedUnitsTotal.Add(float64(result.SeizedUnits))
	h.sendSuccess(w, result)
}

// TriggerProduction handles production trigger requests for an order
// 注文起点の製造トリガーリクエストを処理
func (h *Handlers) TriggerProduction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	po, err := h.registry.TriggerProductionForOrder(r.Context(), vars["orderId"], actor(r))
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.metrics.ProductionOrders.WithLabelValues(string(po.Status)).Inc()
	h.sendSuccess(w, po)
}

// ShipOrder handles shipping requests
// 出荷リクエストを処理
func (h *Handlers) ShipOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	order, err := h.registry.Ship(r.Context(), vars["orderId"], actor(r))
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendSuccess(w, order)
}

// DeliverOrder handles delivery requests
// 納品リクエストを処理
func (h *Handlers) DeliverOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	order, err := h.registry.Deliver(r.Context(), vars["orderId"], actor(r))
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendSuccess(w, order)
}

// CancelOrder handles cancellation requests
// キャンセルリクエストを処理
func (h *Handlers) CancelOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	order, err := h.registry.Cancel(r.Context(), vars["orderId"], actor(r))
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendSuccess(w, order)
}

// GetProductionOrder handles production order retrieval
// 製造指図取得リクエストを処理
func (h *Handlers) GetProductionOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	po, err := h.storage.GetProductionOrder(r.Context(), vars["productionOrderId"])
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendSuccess(w, po)
}

// GetShortage handles shortage recomputation requests
// 不足再計算リクエストを処理
func (h *Handlers) GetShortage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	report, err := h.registry.GetShortage(r.Context(), vars["productionOrderId"])
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendSuccess(w, report)
}

// StartProduction handles start-production requests
// 製造開始リクエストを処理
func (h *Handlers) StartProduction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	po, err := h.registry.Production().StartProduction(r.Context(), vars["productionOrderId"], actor(r))
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendSuccess(w, po)
}

// CompleteProduction handles complete-production requests
// 製造完了リクエストを処理
func (h *Handlers) CompleteProduction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	receipt, err := h.registry.Production().CompleteProduction(r.Context(), vars["productionOrderId"], actor(r))
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.metrics.StockMutations.WithLabelValues(string(fulfillment.ReasonProductionReceipt)).Inc()
	h.sendSuccess(w, receipt)
}

// CancelProduction handles production cancellation requests
// 製造指図キャンセルリクエストを処理
func (h *Handlers) CancelProduction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	po, err := h.registry.Production().CancelProduction(r.Context(), vars["productionOrderId"], actor(r))
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	h.sendSuccess(w, po)
}

// ヘルパーメソッド

// sendDomainError maps fulfillment errors to HTTP status codes
// フルフィルメントエラーをHTTPステータスコードにマッピング
func (h *Handlers) sendDomainError(w http.ResponseWriter, err error) {
	var (
		validationErr   *fulfillment.ValidationError
		businessRuleErr *fulfillment.BusinessRuleError
	)

	switch {
	case errors.Is(err, fulfillment.ErrItemNotFound),
		errors.Is(err, fulfillment.ErrOrderNotFound),
		errors.Is(err, fulfillment.ErrProductionOrderNotFound),
		errors.Is(err, fulfillment.ErrRecipeNotFound):
		h.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, fulfillment.ErrInsufficientStock):
		h.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, fulfillment.ErrInvalidTransition),
		errors.Is(err, fulfillment.ErrOrderAlreadyAssembled):
		h.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, fulfillment.ErrDuplicateItem),
		errors.Is(err, fulfillment.ErrDuplicateOrder):
		h.sendError(w, http.StatusConflict, err.Error())
	case errors.As(err, &validationErr):
		h.sendError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &businessRuleErr):
		h.sendError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.sendError(w, http.StatusInternalServerError, err.Error())
	}
}

// sendSuccess sends a successful API response
// 成功APIレスポンスを送信
func (h *Handlers) sendSuccess(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	response := APIResponse{
		Success: true,
		Data:    data,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("レスポンス送信に失敗しました", zap.Error(err))
	}
}

// sendError sends an error API response
// エラーAPIレスポンスを送信
func (h *Handlers) sendError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success: false,
		Error:   message,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("エラーレスポンス送信に失敗しました", zap.Error(err))
	}
}
