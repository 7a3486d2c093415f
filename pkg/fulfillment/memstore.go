package fulfillment

import (
	"context"
	"sort"
	"sync"
)

// MemoryStorage is an in-memory Storage implementation for tests, examples
// and single-process deployments. All returned values are deep copies so
// callers can never mutate the store through a returned pointer.
// テスト・サンプル・単一プロセス運用向けのインメモリStorage実装。返却値
// はすべてディープコピーであり、呼び出し側が返却ポインタ経由でストアを
// 変更することはできない。
type MemoryStorage struct {
	mu sync.RWMutex

	items       map[string]*StockItem
	mutations   map[string][]StockMutation // itemID -> append order
	recipes     map[string][]BOMLine       // finishedGoodID -> lines
	orders      map[string]*Order
	orderSeq    map[string]int // orderID -> insertion sequence
	nextSeq     int
	histories   map[string][]OrderHistoryEntry // orderID -> append order
	productions map[string]*ProductionOrder
}

// Ensure MemoryStorage implements Storage
var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty in-memory storage
// 空のインメモリストレージを作成
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		items:       make(map[string]*StockItem),
		mutations:   make(map[string][]StockMutation),
		recipes:     make(map[string][]BOMLine),
		orders:      make(map[string]*Order),
		orderSeq:    make(map[string]int),
		histories:   make(map[string][]OrderHistoryEntry),
		productions: make(map[string]*ProductionOrder),
	}
}

// CreateItem creates a new stock item
// 品目を新規作成
func (m *MemoryStorage) CreateItem(ctx context.Context, item *StockItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.items[item.ID]; exists {
		return ErrDuplicateItem
	}
	m.items[item.ID] = copyItem(item)
	return nil
}

// GetItem retrieves a stock item by ID
// 品目をIDで取得
func (m *MemoryStorage) GetItem(ctx context.Context, itemID string) (*StockItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, exists := m.items[itemID]
	if !exists {
		return nil, ErrItemNotFound
	}
	return copyItem(item), nil
}

// UpdateItem updates an existing stock item
// 品目を更新
func (m *MemoryStorage) UpdateItem(ctx context.Context, item *StockItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.items[item.ID]; !exists {
		return ErrItemNotFound
	}
	m.items[item.ID] = copyItem(item)
	return nil
}

// ListItems lists items of a kind, sorted by ID. Empty kind lists all.
// 指定種別の品目をID順で列挙。種別が空の場合は全件。
func (m *MemoryStorage) ListItems(ctx context.Context, kind ItemKind) ([]StockItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var items []StockItem
	for _, item := range m.items {
		if kind != "" && item.Kind != kind {
			continue
		}
		items = append(items, *copyItem(item))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// AppendMutation appends an immutable mutation record
// 変動記録を追記
func (m *MemoryStorage) AppendMutation(ctx context.Context, mutation *StockMutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mutations[mutation.ItemID] = append(m.mutations[mutation.ItemID], *mutation)
	return nil
}

// GetMutationHistory returns mutations newest first, up to limit
// 変動履歴を新しい順にlimit件まで返す
func (m *MemoryStorage) GetMutationHistory(ctx context.Context, itemID string, limit int) ([]StockMutation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.mutations[itemID]
	result := make([]StockMutation, 0, limit)
	for i := len(records) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, records[i])
	}
	return result, nil
}

// SaveRecipe stores the bill of materials for a finished good
// 完成品の部品表を保存
func (m *MemoryStorage) SaveRecipe(ctx context.Context, finishedGoodID string, lines []BOMLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.recipes[finishedGoodID] = append([]BOMLine(nil), lines...)
	return nil
}

// GetRecipe retrieves the bill of materials for a finished good
// 完成品の部品表を取得
func (m *MemoryStorage) GetRecipe(ctx context.Context, finishedGoodID string) ([]BOMLine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lines, exists := m.recipes[finishedGoodID]
	if !exists {
		return nil, ErrRecipeNotFound
	}
	return append([]BOMLine(nil), lines...), nil
}

// CreateOrder creates a new order
// 注文を新規作成
func (m *MemoryStorage) CreateOrder(ctx context.Context, order *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orders[order.ID]; exists {
		return ErrDuplicateOrder
	}
	m.orders[order.ID] = copyOrder(order)
	m.orderSeq[order.ID] = m.nextSeq
	m.nextSeq++
	return nil
}

// GetOrder retrieves an order by ID
// 注文をIDで取得
func (m *MemoryStorage) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order, exists := m.orders[orderID]
	if !exists {
		return nil, ErrOrderNotFound
	}
	return copyOrder(order), nil
}

// UpdateOrder updates an existing order
// 注文を更新
func (m *MemoryStorage) UpdateOrder(ctx context.Context, order *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orders[order.ID]; !exists {
		return ErrOrderNotFound
	}
	m.orders[order.ID] = copyOrder(order)
	return nil
}

// ListOrdersByStatus lists orders in a status, in insertion order
// 指定ステータスの注文を作成順で列挙
func (m *MemoryStorage) ListOrdersByStatus(ctx context.Context, status OrderStatus) ([]Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var orders []Order
	for _, order := range m.orders {
		if order.Status == status {
			orders = append(orders, *copyOrder(order))
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		return m.orderSeq[orders[i].ID] < m.orderSeq[orders[j].ID]
	})
	return orders, nil
}

// AppendOrderHistory appends an order history entry
// 注文履歴を追記
func (m *MemoryStorage) AppendOrderHistory(ctx context.Context, entry *OrderHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.histories[entry.OrderID] = append(m.histories[entry.OrderID], *entry)
	return nil
}

// GetOrderHistory returns history entries newest first, up to limit
// 注文履歴を新しい順にlimit件まで返す
func (m *MemoryStorage) GetOrderHistory(ctx context.Context, orderID string, limit int) ([]OrderHistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.histories[orderID]
	result := make([]OrderHistoryEntry, 0, limit)
	for i := len(entries) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, entries[i])
	}
	return result, nil
}

// CreateProductionOrder creates a new production order
// 製造指図を新規作成
func (m *MemoryStorage) CreateProductionOrder(ctx context.Context, po *ProductionOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.productions[po.ID] = copyProductionOrder(po)
	return nil
}

// GetProductionOrder retrieves a production order by ID
// 製造指図をIDで取得
func (m *MemoryStorage) GetProductionOrder(ctx context.Context, id string) (*ProductionOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	po, exists := m.productions[id]
	if !exists {
		return nil, ErrProductionOrderNotFound
	}
	return copyProductionOrder(po), nil
}

// UpdateProductionOrder updates an existing production order
// 製造指図を更新
func (m *MemoryStorage) UpdateProductionOrder(ctx context.Context, po *ProductionOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.productions[po.ID]; !exists {
		return ErrProductionOrderNotFound
	}
	m.productions[po.ID] = copyProductionOrder(po)
	return nil
}

// ListProductionOrders lists production orders in a status, sorted by
// creation time then ID
// 指定ステータスの製造指図を作成時刻・ID順で列挙
func (m *MemoryStorage) ListProductionOrders(ctx context.Context, status ProductionStatus) ([]ProductionOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var pos []ProductionOrder
	for _, po := range m.productions {
		if po.Status == status {
			pos = append(pos, *copyProductionOrder(po))
		}
	}
	sort.Slice(pos, func(i, j int) bool {
		if !pos[i].CreatedAt.Equal(pos[j].CreatedAt) {
			return pos[i].CreatedAt.Before(pos[j].CreatedAt)
		}
		return pos[i].ID < pos[j].ID
	})
	return pos, nil
}

// Ping always succeeds for in-memory storage
// インメモリストレージでは常に成功
func (m *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

// Close releases nothing for in-memory storage
// インメモリストレージでは何も解放しない
func (m *MemoryStorage) Close() error {
	return nil
}

func copyItem(item *StockItem) *StockItem {
	clone := *item
	if item.LowStockThreshold != nil {
		v := *item.LowStockThreshold
		clone.LowStockThreshold = &v
	}
	return &clone
}

func copyOrder(order *Order) *Order {
	clone := *order
	clone.Lines = make([]OrderLine, len(order.Lines))
	for i, line := range order.Lines {
		clone.Lines[i] = line
		if line.AssembledAt != nil {
			t := *line.AssembledAt
			clone.Lines[i].AssembledAt = &t
		}
	}
	return &clone
}

func copyProductionOrder(po *ProductionOrder) *ProductionOrder {
	clone := *po
	if po.SourceOrderID != nil {
		s := *po.SourceOrderID
		clone.SourceOrderID = &s
	}
	if po.CompletedAt != nil {
		t := *po.CompletedAt
		clone.CompletedAt = &t
	}
	clone.Lines = make([]ProductionLine, len(po.Lines))
	for i, line := range po.Lines {
		clone.Lines[i] = line
		clone.Lines[i].BOMSnapshot = append([]BOMLine(nil), line.BOMSnapshot...)
	}
	return &clone
}
