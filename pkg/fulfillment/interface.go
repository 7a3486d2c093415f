package fulfillment

import (
	"context"
	"time"
)

// StockLedger defines the stock quantity and history operations
// 在庫数量と履歴の操作を定義
type StockLedger interface {
	GetQuantity(ctx context.Context, itemID string) (int64, error)
	ApplyDelta(ctx context.Context, itemID string, delta int64, reason MutationReason, correlationID, actor string) (*StockMutation, error)
	ApplyDeltas(ctx context.Context, deltas []Delta, reason MutationReason, correlationID, actor string) ([]StockMutation, error)
	GetHistory(ctx context.Context, itemID string, limit int) ([]StockMutation, error)
}

// Delta is a single signed quantity change request
// 単一の符号付き数量変更要求
type Delta struct {
	ItemID string `json:"item_id"` // 品目ID
	Delta  int64  `json:"delta"`   // 変化量
}

// AllocationEngine is the coordinator surface exposed to collaborators
// 外部コラボレーターに公開する調整層のインターフェース
type AllocationEngine interface {
	// 注文操作 - Order operations
	CreateOrder(ctx context.Context, contactID string, lines []OrderLine, actor string) (*Order, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	GetOrderHistory(ctx context.Context, orderID string, limit int) ([]OrderHistoryEntry, error)

	// 引当操作 - Allocation operations
	CheckAvailability(ctx context.Context, orderID string) (*AvailabilityReport, error)
	Assemble(ctx context.Context, orderID, actor string) (*Order, error)
	SeizeForOrder(ctx context.Context, orderID, actor string) (*SeizureResult, error)

	// 製造連携 - Production handoff
	TriggerProductionForOrder(ctx context.Context, orderID, actor string) (*ProductionOrder, error)
	GetShortage(ctx context.Context, productionOrderID string) (*ShortageReport, error)

	// 出荷系遷移 - Outbound transitions
	Ship(ctx context.Context, orderID, actor string) (*Order, error)
	Deliver(ctx context.Context, orderID, actor string) (*Order, error)
	Cancel(ctx context.Context, orderID, actor string) (*Order, error)
}

// ContactResolver resolves a contact to its priority tier. The contact
// module itself lives outside this subsystem.
// 顧客を優先度層に解決する。顧客管理はこのサブシステムの外にある。
type ContactResolver interface {
	ResolvePriorityTier(ctx context.Context, contactID string) (int, error)
}

// ContactResolverFunc adapts a function to the ContactResolver interface
// 関数をContactResolverインターフェースに適合させる
type ContactResolverFunc func(ctx context.Context, contactID string) (int, error)

// ResolvePriorityTier implements ContactResolver
func (f ContactResolverFunc) ResolvePriorityTier(ctx context.Context, contactID string) (int, error) {
	return f(ctx, contactID)
}

// Storage defines the interface for the data persistence layer
// データ永続化層のインターフェースを定義
type Storage interface {
	// Item management
	CreateItem(ctx context.Context, item *StockItem) error
	GetItem(ctx context.Context, itemID string) (*StockItem, error)
	UpdateItem(ctx context.Context, item *StockItem) error
	ListItems(ctx context.Context, kind ItemKind) ([]StockItem, error)

	// Mutation history (append-only)
	AppendMutation(ctx context.Context, mutation *StockMutation) error
	GetMutationHistory(ctx context.Context, itemID string, limit int) ([]StockMutation, error)

	// Recipes (bill of materials)
	SaveRecipe(ctx context.Context, finishedGoodID string, lines []BOMLine) error
	GetRecipe(ctx context.Context, finishedGoodID string) ([]BOMLine, error)

	// Order management
	CreateOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	UpdateOrder(ctx context.Context, order *Order) error
	ListOrdersByStatus(ctx context.Context, status OrderStatus) ([]Order, error)

	// Order history (append-only)
	AppendOrderHistory(ctx context.Context, entry *OrderHistoryEntry) error
	GetOrderHistory(ctx context.Context, orderID string, limit int) ([]OrderHistoryEntry, error)

	// Production orders
	CreateProductionOrder(ctx context.Context, po *ProductionOrder) error
	GetProductionOrder(ctx context.Context, id string) (*ProductionOrder, error)
	UpdateProductionOrder(ctx context.Context, po *ProductionOrder) error
	ListProductionOrders(ctx context.Context, status ProductionStatus) ([]ProductionOrder, error)

	// Health check
	Ping(ctx context.Context) error
	Close() error
}

// EventPublisher defines the interface for publishing fulfillment events.
// Events are dispatched after the ledger mutation commits and must never
// roll a committed mutation back.
// フルフィルメントイベント発行のインターフェースを定義。イベントは在庫
// 変動の確定後に発行され、確定済みの変動を巻き戻すことはできない。
type EventPublisher interface {
	PublishLowStock(ctx context.Context, event LowStockEvent) error
	PublishStockSeized(ctx context.Context, event StockSeizedEvent) error
	PublishOrderAssembled(ctx context.Context, event OrderAssembledEvent) error
	PublishAwaitingMaterials(ctx context.Context, event AwaitingMaterialsEvent) error
}

// Events for fulfillment operations
// フルフィルメント操作のイベント定義

// LowStockEvent signals that an item reached its low-stock threshold
// 品目が低在庫閾値に達したことを通知
type LowStockEvent struct {
	ItemID    string    `json:"item_id"`
	Quantity  int64     `json:"quantity"`
	Threshold int64     `json:"threshold"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// StockSeizedEvent documents one committed seizure transfer
// 確定した再引当移転1件を記録
type StockSeizedEvent struct {
	ItemID      string    `json:"item_id"`
	FromOrderID string    `json:"from_order_id"`
	ToOrderID   string    `json:"to_order_id"`
	Quantity    int64     `json:"quantity"`
	Actor       string    `json:"actor"`
	Timestamp   time.Time `json:"timestamp"`
}

// OrderAssembledEvent signals a successful order assembly
// 注文組立の成功を通知
type OrderAssembledEvent struct {
	OrderID   string    `json:"order_id"`
	Lines     int       `json:"lines"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
}

// AwaitingMaterialsEvent signals a production order blocked on raw materials
// 原材料待ちの製造指図を通知
type AwaitingMaterialsEvent struct {
	ProductionOrderID string    `json:"production_order_id"`
	SourceOrderID     string    `json:"source_order_id,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}
