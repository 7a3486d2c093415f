package fulfillment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

// MockStorage はテスト用のStorageモック
type MockStorage struct {
	mock.Mock
}

func (m *MockStorage) CreateItem(ctx context.Context, item *StockItem) error {
	args := m.Called(ctx, item)
	return args.Error(0)
}

func (m *MockStorage) GetItem(ctx context.Context, itemID string) (*StockItem, error) {
	args := m.Called(ctx, itemID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*StockItem), args.Error(1)
}

func (m *MockStorage) UpdateItem(ctx context.Context, item *StockItem) error {
	args := m.Called(ctx, item)
	return args.Error(0)
}

func (m *MockStorage) ListItems(ctx context.Context, kind ItemKind) ([]StockItem, error) {
	args := m.Called(ctx, kind)
	return args.Get(0).([]StockItem), args.Error(1)
}

func (m *MockStorage) AppendMutation(ctx context.Context, mutation *StockMutation) error {
	args := m.Called(ctx, mutation)
	return args.Error(0)
}

func (m *MockStorage) GetMutationHistory(ctx context.Context, itemID string, limit int) ([]StockMutation, error) {
	args := m.Called(ctx, itemID, limit)
	return args.Get(0).([]StockMutation), args.Error(1)
}

func (m *MockStorage) SaveRecipe(ctx context.Context, finishedGoodID string, lines []BOMLine) error {
	args := m.Called(ctx, finishedGoodID, lines)
	return args.Error(0)
}

func (m *MockStorage) GetRecipe(ctx context.Context, finishedGoodID string) ([]BOMLine, error) {
	args := m.Called(ctx, finishedGoodID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]BOMLine), args.Error(1)
}

func (m *MockStorage) CreateOrder(ctx context.Context, order *Order) error {
	args := m.Called(ctx, order)
	return args.Error(0)
}

func (m *MockStorage) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Order), args.Error(1)
}

func (m *MockStorage) UpdateOrder(ctx context.Context, order *Order) error {
	args := m.Called(ctx, order)
	return args.Error(0)
}

func (m *MockStorage) ListOrdersByStatus(ctx context.Context, status OrderStatus) ([]Order, error) {
	args := m.Called(ctx, status)
	return args.Get(0).([]Order), args.Error(1)
}

func (m *MockStorage) AppendOrderHistory(ctx context.Context, entry *OrderHistoryEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockStorage) GetOrderHistory(ctx context.Context, orderID string, limit int) ([]OrderHistoryEntry, error) {
	args := m.Called(ctx, orderID, limit)
	return args.Get(0).([]OrderHistoryEntry), args.Error(1)
}

func (m *MockStorage) CreateProductionOrder(ctx context.Context, po *ProductionOrder) error {
	args := m.Called(ctx, po)
	return args.Error(0)
}

func (m *MockStorage) GetProductionOrder(ctx context.Context, id string) (*ProductionOrder, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ProductionOrder), args.Error(1)
}

func (m *MockStorage) UpdateProductionOrder(ctx context.Context, po *ProductionOrder) error {
	args := m.Called(ctx, po)
	return args.Error(0)
}

func (m *MockStorage) ListProductionOrders(ctx context.Context, status ProductionStatus) ([]ProductionOrder, error) {
	args := m.Called(ctx, status)
	return args.Get(0).([]ProductionOrder), args.Error(1)
}

func (m *MockStorage) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockStorage) Close() error {
	args := m.Called()
	return args.Error(0)
}

// newLedgerItem はテスト用の品目をメモリストレージに投入
func newLedgerItem(t *testing.T, store *MemoryStorage, id string, kind ItemKind, qty int64) {
	t.Helper()
	now := time.Now()
	err := store.CreateItem(context.Background(), &StockItem{
		ID:        id,
		Name:      "テスト品目 " + id,
		Kind:      kind,
		Quantity:  qty,
		UnitCost:  100,
		CreatedAt: now,
		UpdatedAt: now,
	})
	assert.NoError(t, err)
}

// TestLedger_ApplyDelta は単一の在庫変動適用のテスト
func TestLedger_ApplyDelta(t *testing.T) {
	store := NewMemoryStorage()
	ledger := NewLedger(store, nil, zap.NewNop(), nil)
	ctx := context.Background()

	newLedgerItem(t, store, "ITEM-A", ItemKindFinishedGood, 10)

	mutation, err := ledger.ApplyDelta(ctx, "ITEM-A", 5, ReasonPurchaseReceipt, "PO-001", "tester")
	assert.NoError(t, err)
	assert.Equal(t, int64(5), mutation.Delta)
	assert.Equal(t, int64(15), mutation.ResultingQty)

	qty, err := ledger.GetQuantity(ctx, "ITEM-A")
	assert.NoError(t, err)
	assert.Equal(t, int64(15), qty)
}

// TestLedger_ApplyDelta_RejectsNegativeResult は非負制約のテスト
func TestLedger_ApplyDelta_RejectsNegativeResult(t *testing.T) {
	store := NewMemoryStorage()
	ledger := NewLedger(store, nil, zap.NewNop(), nil)
	ctx := context.Background()

	newLedgerItem(t, store, "ITEM-A", ItemKindFinishedGood, 3)

	_, err := ledger.ApplyDelta(ctx, "ITEM-A", -5, ReasonOrderFulfillment, "ORDER-1", "tester")
	assert.Equal(t, ErrInsufficientStock, err)

	// 失敗した変動は数量も履歴も変えない
	qty, _ := ledger.GetQuantity(ctx, "ITEM-A")
	assert.Equal(t, int64(3), qty)
	history, _ := ledger.GetHistory(ctx, "ITEM-A", 10)
	assert.Empty(t, history)
}

// TestLedger_ApplyDelta_RejectsZero は変化量0拒否のテスト
func TestLedger_ApplyDelta_RejectsZero(t *testing.T) {
	store := NewMemoryStorage()
	ledger := NewLedger(store, nil, zap.NewNop(), nil)

	_, err := ledger.ApplyDelta(context.Background(), "ITEM-A", 0, ReasonManualAdjust, "", "tester")
	var validationErr *ValidationError
	assert.ErrorAs(t, err, &validationErr)
}

// TestLedger_Conservation は変動履歴の合計が現在数量と一致することのテスト
func TestLedger_Conservation(t *testing.T) {
	store := NewMemoryStorage()
	ledger := NewLedger(store, nil, zap.NewNop(), nil)
	ctx := context.Background()

	newLedgerItem(t, store, "ITEM-A", ItemKindRawMaterial, 0)

	deltas := []int64{10, -3, 25, -7, -5}
	for _, d := range deltas {
		reason := ReasonPurchaseReceipt
		if d < 0 {
			reason = ReasonOrderFulfillment
		}
		_, err := ledger.ApplyDelta(ctx, "ITEM-A", d, reason, "", "tester")
		assert.NoError(t, err)
	}

	history, err := ledger.GetHistory(ctx, "ITEM-A", 100)
	assert.NoError(t, err)
	assert.Len(t, history, len(deltas))

	var sum int64
	for _, m := range history {
		sum += m.Delta
	}
	qty, _ := ledger.GetQuantity(ctx, "ITEM-A")
	assert.Equal(t, qty, sum)
}

// TestLedger_ApplyDeltas_CompensatesOnFailure は途中失敗時の補償のテスト
func TestLedger_ApplyDeltas_CompensatesOnFailure(t *testing.T) {
	store := NewMemoryStorage()
	ledger := NewLedger(store, nil, zap.NewNop(), nil)
	ctx := context.Background()

	newLedgerItem(t, store, "ITEM-A", ItemKindRawMaterial, 20)
	newLedgerItem(t, store, "ITEM-B", ItemKindRawMaterial, 5)

	// ITEM-Bの在庫が足りないためバッチ全体が失敗する
	_, err := ledger.ApplyDeltas(ctx, []Delta{
		{ItemID: "ITEM-A", Delta: -10},
		{ItemID: "ITEM-B", Delta: -8},
	}, ReasonOrderFulfillment, "ORDER-1", "tester")
	assert.Equal(t, ErrInsufficientStock, err)

	// ITEM-Aは補償により元の数量に戻っている
	qtyA, _ := ledger.GetQuantity(ctx, "ITEM-A")
	assert.Equal(t, int64(20), qtyA)
	qtyB, _ := ledger.GetQuantity(ctx, "ITEM-B")
	assert.Equal(t, int64(5), qtyB)

	// 補償の痕跡は履歴に残る（控除と逆方向の戻し）
	history, _ := ledger.GetHistory(ctx, "ITEM-A", 10)
	assert.Len(t, history, 2)
	assert.Equal(t, ReasonCompensation, history[0].Reason)
	assert.Equal(t, int64(10), history[0].Delta)
	assert.Equal(t, ReasonOrderFulfillment, history[1].Reason)
	assert.Equal(t, int64(-10), history[1].Delta)
}

// TestLedger_AppendFailureRevertsQuantity は変動記録失敗時の数量復元のテスト
func TestLedger_AppendFailureRevertsQuantity(t *testing.T) {
	mockStorage := new(MockStorage)
	ledger := NewLedger(mockStorage, nil, zap.NewNop(), nil)
	ctx := context.Background()

	item := &StockItem{
		ID:       "ITEM-A",
		Name:     "テスト品目",
		Kind:     ItemKindFinishedGood,
		Quantity: 10,
	}

	mockStorage.On("GetItem", ctx, "ITEM-A").Return(item, nil)
	mockStorage.On("UpdateItem", ctx, mock.AnythingOfType("*fulfillment.StockItem")).Return(nil)
	mockStorage.On("AppendMutation", ctx, mock.AnythingOfType("*fulfillment.StockMutation")).Return(errors.New("db down"))

	_, err := ledger.ApplyDelta(ctx, "ITEM-A", -4, ReasonOrderFulfillment, "ORDER-1", "tester")

	var storageErr *StorageError
	assert.ErrorAs(t, err, &storageErr)
	// 数量は復元されている
	assert.Equal(t, int64(10), item.Quantity)
	mockStorage.AssertExpectations(t)
}

// TestLedger_LowStockEvent は低在庫イベント発行のテスト
func TestLedger_LowStockEvent(t *testing.T) {
	store := NewMemoryStorage()
	publisher := &capturePublisher{}
	config := &Config{DefaultLowStockThreshold: 5, DefaultPriorityTier: 3, HistoryDefaultLimit: 100}
	ledger := NewLedger(store, publisher, zap.NewNop(), config)
	ctx := context.Background()

	newLedgerItem(t, store, "ITEM-A", ItemKindRawMaterial, 10)

	// 閾値より上に残る控除ではイベントなし
	_, err := ledger.ApplyDelta(ctx, "ITEM-A", -2, ReasonOrderFulfillment, "", "tester")
	assert.NoError(t, err)
	assert.Empty(t, publisher.lowStock)

	// 閾値以下に落ちる控除でイベント発行
	_, err = ledger.ApplyDelta(ctx, "ITEM-A", -4, ReasonOrderFulfillment, "", "tester")
	assert.NoError(t, err)
	assert.Len(t, publisher.lowStock, 1)
	assert.Equal(t, "ITEM-A", publisher.lowStock[0].ItemID)
	assert.Equal(t, int64(4), publisher.lowStock[0].Quantity)

	// 通知条件は適用後数量のみ: 閾値以下に留まる受入でも通知する
	_, err = ledger.ApplyDelta(ctx, "ITEM-A", 1, ReasonPurchaseReceipt, "", "tester")
	assert.NoError(t, err)
	assert.Len(t, publisher.lowStock, 2)
	assert.Equal(t, int64(5), publisher.lowStock[1].Quantity)

	// 閾値を上回る受入では通知しない
	_, err = ledger.ApplyDelta(ctx, "ITEM-A", 10, ReasonPurchaseReceipt, "", "tester")
	assert.NoError(t, err)
	assert.Len(t, publisher.lowStock, 2)
}

// TestLedger_ConcurrentDeductions は並行控除の直列化のテスト
func TestLedger_ConcurrentDeductions(t *testing.T) {
	store := NewMemoryStorage()
	ledger := NewLedger(store, nil, zap.NewNop(), nil)
	ctx := context.Background()

	newLedgerItem(t, store, "ITEM-A", ItemKindFinishedGood, 5)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var succeeded, failed int

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.ApplyDelta(ctx, "ITEM-A", -1, ReasonOrderFulfillment, "", "tester")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else {
				assert.Equal(t, ErrInsufficientStock, err)
				failed++
			}
		}()
	}
	wg.Wait()

	// 在庫5に対して10並行控除: ちょうど5件成功し在庫は0
	assert.Equal(t, 5, succeeded)
	assert.Equal(t, 5, failed)
	qty, _ := ledger.GetQuantity(ctx, "ITEM-A")
	assert.Equal(t, int64(0), qty)
}

// BenchmarkLedger_ApplyDelta は在庫変動適用のベンチマーク
func BenchmarkLedger_ApplyDelta(b *testing.B) {
	store := NewMemoryStorage()
	ledger := NewLedger(store, nil, zap.NewNop(), nil)
	ctx := context.Background()

	now := time.Now()
	_ = store.CreateItem(ctx, &StockItem{
		ID:        "BENCH-ITEM",
		Name:      "ベンチマーク品目",
		Kind:      ItemKindFinishedGood,
		Quantity:  0,
		CreatedAt: now,
		UpdatedAt: now,
	})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := ledger.ApplyDelta(ctx, "BENCH-ITEM", 1, ReasonPurchaseReceipt, "", "bench")
		if err != nil {
			b.Fatal(err)
		}
	}
}

// capturePublisher はイベントを記録するテスト用発行者
type capturePublisher struct {
	mu                sync.Mutex
	lowStock          []LowStockEvent
	seized            []StockSeizedEvent
	assembled         []OrderAssembledEvent
	awaitingMaterials []AwaitingMaterialsEvent
}

func (p *capturePublisher) PublishLowStock(ctx context.Context, event LowStockEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lowStock = append(p.lowStock, event)
	return nil
}

func (p *capturePublisher) PublishStockSeized(ctx context.Context, event StockSeizedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seized = append(p.seized, event)
	return nil
}

func (p *capturePublisher) PublishOrderAssembled(ctx context.Context, event OrderAssembledEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.assembled = append(p.assembled, event)
	return nil
}

func (p *capturePublisher) PublishAwaitingMaterials(ctx context.Context, event AwaitingMaterialsEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.awaitingMaterials = append(p.awaitingMaterials, event)
	return nil
}
