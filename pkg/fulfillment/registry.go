package fulfillment

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Config holds tunable defaults for the fulfillment engine
// フルフィルメントエンジンの調整可能なデフォルト値を保持
type Config struct {
	DefaultLowStockThreshold int64 `json:"default_low_stock_threshold" yaml:"default_low_stock_threshold"` // 品目に閾値がない場合の低在庫閾値
	DefaultPriorityTier      int   `json:"default_priority_tier" yaml:"default_priority_tier"`             // 顧客解決に失敗した場合の優先度層
	HistoryDefaultLimit      int   `json:"history_default_limit" yaml:"history_default_limit"`             // 履歴取得のデフォルト件数
}

// DefaultConfig returns the default engine configuration
// デフォルトのエンジン設定を返す
func DefaultConfig() *Config {
	return &Config{
		DefaultLowStockThreshold: 10,
		DefaultPriorityTier:      3,
		HistoryDefaultLimit:      100,
	}
}

// validTransitions is the order state machine. Delivered and cancelled are
// terminal. Assembled may fall back to cannot-assemble only through a
// seizure; no forward edge skips assembly.
// 注文ステートマシン。納品済みとキャンセルは終端。組立済みから組立不可
// への後退は再引当によるもののみで、組立を飛ばす前進辺は存在しない。
var validTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusNew:            {OrderStatusProcessing, OrderStatusCanAssemble, OrderStatusCannotAssemble, OrderStatusCancelled},
	OrderStatusProcessing:     {OrderStatusCanAssemble, OrderStatusCannotAssemble, OrderStatusCancelled},
	OrderStatusCanAssemble:    {OrderStatusAssembled, OrderStatusCannotAssemble, OrderStatusCancelled},
	OrderStatusCannotAssemble: {OrderStatusCanAssemble, OrderStatusAssembled, OrderStatusCancelled},
	OrderStatusAssembled:      {OrderStatusShipped, OrderStatusCannotAssemble, OrderStatusCancelled},
	OrderStatusShipped:        {OrderStatusDelivered, OrderStatusCancelled},
	OrderStatusDelivered:      {},
	OrderStatusCancelled:      {},
}

// canTransition reports whether the state machine permits from -> to
// ステートマシンが from -> to の遷移を許可するかを返す
func canTransition(from, to OrderStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// transition moves an order to a new status, persists it and appends a
// status-change history entry. The caller holds any item locks it needs;
// this helper only touches the order.
// 注文を新しいステータスへ遷移させ、永続化し、ステータス変更履歴を追記
// する。品目ロックは呼び出し側の責務であり、このヘルパーは注文のみを扱
// う。
func transition(ctx context.Context, st Storage, order *Order, to OrderStatus, actor, message string) error {
	if order.Status == to {
		return nil
	}
	if !canTransition(order.Status, to) {
		return ErrInvalidTransition
	}

	from := order.Status
	order.Status = to
	order.UpdatedAt = time.Now()

	if err := st.UpdateOrder(ctx, order); err != nil {
		order.Status = from
		return NewStorageError("update_order", "注文更新に失敗しました", err)
	}

	entry := &OrderHistoryEntry{
		ID:         NewHistoryID(),
		OrderID:    order.ID,
		Kind:       HistoryKindStatusChange,
		FromStatus: from,
		ToStatus:   to,
		Message:    message,
		Actor:      actor,
		CreatedAt:  time.Now(),
	}
	if err := st.AppendOrderHistory(ctx, entry); err != nil {
		// 履歴は監査用のため遷移自体は確定させる
		return NewStorageError("append_order_history", "注文履歴追記に失敗しました", err)
	}
	return nil
}

// Registry is the coordinator tying the ledger, checker, executor,
// reallocator and production trigger together behind one surface
// 台帳・チェッカー・実行器・再引当・製造トリガーを単一の窓口として束ね
// る調整層
type Registry struct {
	storage    Storage            // ストレージ層
	ledger     *Ledger            // 在庫台帳
	checker    *Checker           // 充足チェッカー
	resolver   *BOMResolver       // 部品表リゾルバ
	executor   *Executor          // 組立実行器
	realloc    *Reallocator       // 優先度再引当
	production *ProductionTrigger // 製造トリガー
	contacts   ContactResolver    // 顧客優先度リゾルバ
	publisher  EventPublisher     // イベント発行者
	logger     *zap.Logger        // ログ
	config     *Config            // 設定
}

// Ensure Registry implements AllocationEngine
var _ AllocationEngine = (*Registry)(nil)

// NewRegistry creates a new fulfillment registry with all components wired
// 全コンポーネントを結線した新しいレジストリを作成
func NewRegistry(storage Storage, publisher EventPublisher, contacts ContactResolver, logger *zap.Logger, config *Config) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ledger := NewLedger(storage, publisher, logger, config)
	checker := NewChecker(storage)
	resolver := NewBOMResolver(storage, logger)

	return &Registry{
		storage:    storage,
		ledger:     ledger,
		checker:    checker,
		resolver:   resolver,
		executor:   NewExecutor(ledger, checker, storage, publisher, logger),
		realloc:    NewReallocator(ledger, checker, storage, publisher, logger),
		production: NewProductionTrigger(storage, resolver, ledger, publisher, logger),
		contacts:   contacts,
		publisher:  publisher,
		logger:     logger,
		config:     config,
	}
}

// Ledger returns the stock ledger component
// 在庫台帳コンポーネントを返す
func (r *Registry) Ledger() *Ledger {
	return r.ledger
}

// Resolver returns the BOM resolver component
// 部品表リゾルバコンポーネントを返す
func (r *Registry) Resolver() *BOMResolver {
	return r.resolver
}

// Production returns the production trigger component
// 製造トリガーコンポーネントを返す
func (r *Registry) Production() *ProductionTrigger {
	return r.production
}

// ItemRegistration describes a new item to track
// 新規に管理する品目の定義
type ItemRegistration struct {
	ID                string   `json:"id"`                  // 品目ID（SKU）
	Name              string   `json:"name"`                // 品目名
	Kind              ItemKind `json:"kind"`                // 品目種別
	InitialStock      int64    `json:"initial_stock"`       // 初期在庫
	UnitCost          float64  `json:"unit_cost"`           // 単価
	LowStockThreshold *int64   `json:"low_stock_threshold"` // 低在庫閾値（任意）
}

// RegisterItem registers a new stock item. The item is created at quantity
// zero, then the initial stock is applied as a ledger mutation so the
// mutation history fully accounts for the current quantity.
// 新しい品目を登録する。品目は数量0で作成し、初期在庫は台帳変動として適
// 用する。これにより変動履歴の合計が常に現在数量と一致する。
func (r *Registry) RegisterItem(ctx context.Context, reg ItemRegistration, actor string) (*StockItem, error) {
	if err := ValidateItemID(reg.ID); err != nil {
		return nil, err
	}
	if reg.Name == "" {
		return nil, NewValidationError("name", "品目名は必須です", "")
	}
	if reg.Kind != ItemKindFinishedGood && reg.Kind != ItemKindRawMaterial {
		return nil, NewValidationError("kind", "品目種別が不正です", string(reg.Kind))
	}
	if reg.InitialStock < 0 {
		return nil, NewValidationError("initial_stock", "初期在庫は負であってはなりません", fmt.Sprintf("%d", reg.InitialStock))
	}
	if reg.UnitCost < 0 {
		return nil, NewValidationError("unit_cost", "単価は負であってはなりません", fmt.Sprintf("%f", reg.UnitCost))
	}

	now := time.Now()
	item := &StockItem{
		ID:                reg.ID,
		Name:              reg.Name,
		Kind:              reg.Kind,
		Quantity:          0,
		UnitCost:          reg.UnitCost,
		LowStockThreshold: reg.LowStockThreshold,
		CreatedAt:         now,
		UpdatedAt:         now,
		UpdatedBy:         actor,
	}

	if err := r.storage.CreateItem(ctx, item); err != nil {
		if err == ErrDuplicateItem {
			return nil, ErrDuplicateItem
		}
		return nil, NewStorageError("create_item", "品目作成に失敗しました", err)
	}

	if reg.InitialStock > 0 {
		if _, err := r.ledger.ApplyDelta(ctx, item.ID, reg.InitialStock, ReasonInitialStock, "", actor); err != nil {
			return nil, err
		}
		item.Quantity = reg.InitialStock
	}

	r.logger.Info("品目登録完了",
		zap.String("item_id", item.ID),
		zap.String("kind", string(item.Kind)),
		zap.Int64("initial_stock", reg.InitialStock),
	)

	return item, nil
}

// CreateOrder creates a new order, resolving the contact's priority tier.
// A contact that cannot be resolved falls back to the configured default
// tier rather than blocking intake.
// 新しい注文を作成し、顧客の優先度層を解決する。解決できない顧客は受注
// を止めず設定のデフォルト層へフォールバックする。
func (r *Registry) CreateOrder(ctx context.Context, contactID string, lines []OrderLine, actor string) (*Order, error) {
	if contactID == "" {
		return nil, NewValidationError("contact_id", "顧客IDは必須です", "")
	}
	if len(lines) == 0 {
		return nil, NewValidationError("lines", "注文明細が空です", "")
	}
	for i, line := range lines {
		if err := ValidateQuantity(line.Quantity); err != nil {
			return nil, err
		}
		if line.Assembled || line.AssembledAt != nil {
			return nil, NewValidationError("lines", "新規明細に組立済みフラグは設定できません", fmt.Sprintf("line %d", i))
		}
		item, err := r.storage.GetItem(ctx, line.ItemID)
		if err != nil {
			if err == ErrItemNotFound {
				return nil, ErrItemNotFound
			}
			return nil, NewStorageError("get_item", "品目取得に失敗しました", err)
		}
		if item.Kind != ItemKindFinishedGood {
			return nil, NewBusinessRuleError("finished_good_only", "注文できるのは完成品のみです", line.ItemID)
		}
	}

	tier := r.config.DefaultPriorityTier
	if r.contacts != nil {
		resolved, err := r.contacts.ResolvePriorityTier(ctx, contactID)
		if err != nil {
			r.logger.Warn("顧客優先度の解決に失敗したためデフォルト層を使用します",
				zap.String("contact_id", contactID),
				zap.Error(err),
			)
		} else {
			tier = resolved
		}
	}
	if err := ValidatePriorityTier(tier); err != nil {
		return nil, err
	}

	now := time.Now()
	order := &Order{
		ID:           NewOrderID(),
		ContactID:    contactID,
		PriorityTier: tier,
		Lines:        append([]OrderLine(nil), lines...),
		Status:       OrderStatusNew,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := r.storage.CreateOrder(ctx, order); err != nil {
		return nil, NewStorageError("create_order", "注文作成に失敗しました", err)
	}

	r.logger.Info("注文作成完了",
		zap.String("order_id", order.ID),
		zap.String("contact_id", contactID),
		zap.Int("priority_tier", tier),
		zap.Int("lines", len(lines)),
	)

	return order, nil
}

// GetOrder retrieves a single order
// 注文を1件取得
func (r *Registry) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	order, err := r.storage.GetOrder(ctx, orderID)
	if err != nil {
		if err == ErrOrderNotFound {
			return nil, ErrOrderNotFound
		}
		return nil, NewStorageError("get_order", "注文取得に失敗しました", err)
	}
	return order, nil
}

// GetOrderHistory retrieves the audit history for an order
// 注文の監査履歴を取得
func (r *Registry) GetOrderHistory(ctx context.Context, orderID string, limit int) ([]OrderHistoryEntry, error) {
	if limit <= 0 {
		limit = r.config.HistoryDefaultLimit
	}
	if _, err := r.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	entries, err := r.storage.GetOrderHistory(ctx, orderID, limit)
	if err != nil {
		return nil, NewStorageError("get_order_history", "注文履歴取得に失敗しました", err)
	}
	return entries, nil
}

// CheckAvailability evaluates an order against current stock and updates
// the order's can-assemble / cannot-assemble marker. The check itself
// reserves nothing; only assembly deducts stock.
// 注文を現在在庫に対して評価し、組立可否マーカーを更新する。チェック自
// 体は何も予約せず、在庫を控除するのは組立のみ。
func (r *Registry) CheckAvailability(ctx context.Context, orderID string) (*AvailabilityReport, error) {
	order, err := r.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	report, err := r.checker.CheckOrder(ctx, order)
	if err != nil {
		return nil, err
	}

	if !order.Status.IsTerminal() && order.Status != OrderStatusAssembled && order.Status != OrderStatusShipped {
		target := OrderStatusCannotAssemble
		message := "在庫不足のため組立できません"
		if report.AllAvailable {
			target = OrderStatusCanAssemble
			message = "在庫充足を確認しました"
		}
		if order.Status != target {
			if err := transition(ctx, r.storage, order, target, "system", message); err != nil {
				return nil, err
			}
		}
	}

	return report, nil
}

// Assemble executes the order's assembly via the executor
// 実行器を通じて注文の組立を実行
func (r *Registry) Assemble(ctx context.Context, orderID, actor string) (*Order, error) {
	order, err := r.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := r.executor.Assemble(ctx, order, actor); err != nil {
		return nil, err
	}
	return order, nil
}

// SeizeForOrder reallocates stock from lower-priority assembled orders
// 優先度の低い組立済み注文から在庫を再引当
func (r *Registry) SeizeForOrder(ctx context.Context, orderID, actor string) (*SeizureResult, error) {
	order, err := r.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return r.realloc.SeizeForOrder(ctx, order, actor)
}

// TriggerProductionForOrder creates a production order covering the target
// order's unmet finished-good shortfall
// 対象注文の完成品不足を補う製造指図を作成
func (r *Registry) TriggerProductionForOrder(ctx context.Context, orderID, actor string) (*ProductionOrder, error) {
	order, err := r.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.IsTerminal() {
		return nil, ErrInvalidTransition
	}

	report, err := r.checker.CheckOrder(ctx, order)
	if err != nil {
		return nil, err
	}
	if report.AllAvailable {
		return nil, NewBusinessRuleError("no_shortfall", "不足がないため製造指図は不要です", orderID)
	}

	req := ProductionRequest{SourceOrderID: &order.ID}
	for itemID, line := range report.PerLine {
		if line.Shortfall > 0 {
			req.Lines = append(req.Lines, ProductionRequestLine{
				FinishedGoodID: itemID,
				Quantity:       line.Shortfall,
			})
		}
	}
	sort.Slice(req.Lines, func(i, j int) bool {
		return req.Lines[i].FinishedGoodID < req.Lines[j].FinishedGoodID
	})

	po, err := r.production.TriggerProduction(ctx, req, actor)
	if err != nil {
		return nil, err
	}

	entry := &OrderHistoryEntry{
		ID:        NewHistoryID(),
		OrderID:   order.ID,
		Kind:      HistoryKindProduction,
		Message:   fmt.Sprintf("製造指図 %s を作成しました", po.ID),
		Actor:     actor,
		CreatedAt: time.Now(),
	}
	if err := r.storage.AppendOrderHistory(ctx, entry); err != nil {
		r.logger.Error("製造履歴の追記に失敗しました", zap.String("order_id", order.ID), zap.Error(err))
	}

	return po, nil
}

// GetShortage recomputes a production order's raw-material shortage
// 製造指図の原材料不足を再計算
func (r *Registry) GetShortage(ctx context.Context, productionOrderID string) (*ShortageReport, error) {
	return r.production.GetShortage(ctx, productionOrderID)
}

// Ship marks an assembled order as shipped
// 組立済み注文を出荷済みにする
func (r *Registry) Ship(ctx context.Context, orderID, actor string) (*Order, error) {
	order, err := r.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != OrderStatusAssembled {
		return nil, ErrInvalidTransition
	}
	if err := transition(ctx, r.storage, order, OrderStatusShipped, actor, "出荷しました"); err != nil {
		return nil, err
	}
	return order, nil
}

// Deliver marks a shipped order as delivered
// 出荷済み注文を納品済みにする
func (r *Registry) Deliver(ctx context.Context, orderID, actor string) (*Order, error) {
	order, err := r.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := transition(ctx, r.storage, order, OrderStatusDelivered, actor, "納品しました"); err != nil {
		return nil, err
	}
	return order, nil
}

// Cancel cancels a non-terminal order. Stock already deducted for an
// assembled order is returned to the ledger so the conservation of the
// mutation history holds.
// 未終端の注文をキャンセルする。組立済み注文で控除済みの在庫は台帳へ返
// 却し、変動履歴の保存則を維持する。
func (r *Registry) Cancel(ctx context.Context, orderID, actor string) (*Order, error) {
	order, err := r.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.IsTerminal() {
		return nil, ErrInvalidTransition
	}

	var returns []Delta
	for _, line := range order.Lines {
		if line.Assembled {
			returns = append(returns, Delta{ItemID: line.ItemID, Delta: line.Quantity})
		}
	}
	if len(returns) > 0 {
		if _, err := r.ledger.ApplyDeltas(ctx, returns, ReasonManualAdjust, order.ID, actor); err != nil {
			return nil, err
		}
		for i := range order.Lines {
			order.Lines[i].Assembled = false
			order.Lines[i].AssembledBy = ""
			order.Lines[i].AssembledAt = nil
		}
	}

	if err := transition(ctx, r.storage, order, OrderStatusCancelled, actor, "キャンセルしました"); err != nil {
		return nil, err
	}
	return order, nil
}
