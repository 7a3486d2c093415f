package fulfillment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

// newExecutor はメモリストレージ上に組立実行器一式を構築
func newExecutor(store Storage, publisher EventPublisher) *Executor {
	ledger := NewLedger(store, publisher, zap.NewNop(), nil)
	checker := NewChecker(store)
	return NewExecutor(ledger, checker, store, publisher, zap.NewNop())
}

// newAssemblyOrder はテスト用の注文をストレージに投入
func newAssemblyOrder(t *testing.T, store Storage, status OrderStatus, tier int, lines []OrderLine) *Order {
	t.Helper()
	now := time.Now()
	order := &Order{
		ID:           NewOrderID(),
		ContactID:    "CONTACT-1",
		PriorityTier: tier,
		Lines:        lines,
		Status:       status,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	assert.NoError(t, store.CreateOrder(context.Background(), order))
	return order
}

// TestExecutor_Assemble は組立成功パスのテスト
func TestExecutor_Assemble(t *testing.T) {
	store := NewMemoryStorage()
	publisher := &capturePublisher{}
	executor := newExecutor(store, publisher)
	ctx := context.Background()

	newLedgerItem(t, store, "ITEM-A", ItemKindFinishedGood, 10)
	newLedgerItem(t, store, "ITEM-B", ItemKindFinishedGood, 5)

	order := newAssemblyOrder(t, store, OrderStatusCanAssemble, 3, []OrderLine{
		{ItemID: "ITEM-A", Quantity: 4},
		{ItemID: "ITEM-B", Quantity: 2},
	})

	err := executor.Assemble(ctx, order, "worker")
	assert.NoError(t, err)

	// 注文は組立済みになり全明細に実行記録が付く
	assert.Equal(t, OrderStatusAssembled, order.Status)
	for _, line := range order.Lines {
		assert.True(t, line.Assembled)
		assert.Equal(t, "worker", line.AssembledBy)
		assert.NotNil(t, line.AssembledAt)
	}

	// 在庫は明細分だけ控除される
	itemA, _ := store.GetItem(ctx, "ITEM-A")
	assert.Equal(t, int64(6), itemA.Quantity)
	itemB, _ := store.GetItem(ctx, "ITEM-B")
	assert.Equal(t, int64(3), itemB.Quantity)

	// 組立履歴とイベントが残る
	history, _ := store.GetOrderHistory(ctx, order.ID, 10)
	assert.Len(t, history, 1)
	assert.Equal(t, HistoryKindAssembly, history[0].Kind)
	assert.Len(t, publisher.assembled, 1)
	assert.Equal(t, order.ID, publisher.assembled[0].OrderID)
}

// TestExecutor_Assemble_InsufficientStock は在庫不足時のテスト
func TestExecutor_Assemble_InsufficientStock(t *testing.T) {
	store := NewMemoryStorage()
	executor := newExecutor(store, nil)
	ctx := context.Background()

	newLedgerItem(t, store, "ITEM-A", ItemKindFinishedGood, 10)
	newLedgerItem(t, store, "ITEM-B", ItemKindFinishedGood, 1)

	order := newAssemblyOrder(t, store, OrderStatusNew, 3, []OrderLine{
		{ItemID: "ITEM-A", Quantity: 4},
		{ItemID: "ITEM-B", Quantity: 2},
	})

	err := executor.Assemble(ctx, order, "worker")
	assert.Equal(t, ErrInsufficientStock, err)

	// 注文は組立不可へ遷移し、在庫は一切控除されない
	assert.Equal(t, OrderStatusCannotAssemble, order.Status)
	itemA, _ := store.GetItem(ctx, "ITEM-A")
	assert.Equal(t, int64(10), itemA.Quantity)
	mutations, _ := store.GetMutationHistory(ctx, "ITEM-A", 10)
	assert.Empty(t, mutations)
}

// TestExecutor_Assemble_Guards は組立前ガードのテスト
func TestExecutor_Assemble_Guards(t *testing.T) {
	store := NewMemoryStorage()
	executor := newExecutor(store, nil)
	ctx := context.Background()

	newLedgerItem(t, store, "ITEM-A", ItemKindFinishedGood, 10)
	lines := []OrderLine{{ItemID: "ITEM-A", Quantity: 1}}

	// 終端状態の注文は組み立てられない
	cancelled := newAssemblyOrder(t, store, OrderStatusCancelled, 3, lines)
	assert.Equal(t, ErrInvalidTransition, executor.Assemble(ctx, cancelled, "worker"))

	// 組立済み・出荷済みは二重組立できない
	assembled := newAssemblyOrder(t, store, OrderStatusAssembled, 3, lines)
	assert.Equal(t, ErrOrderAlreadyAssembled, executor.Assemble(ctx, assembled, "worker"))
	shipped := newAssemblyOrder(t, store, OrderStatusShipped, 3, lines)
	assert.Equal(t, ErrOrderAlreadyAssembled, executor.Assemble(ctx, shipped, "worker"))

	// 明細行のない注文は拒否
	empty := newAssemblyOrder(t, store, OrderStatusNew, 3, nil)
	var validationErr *ValidationError
	assert.ErrorAs(t, executor.Assemble(ctx, empty, "worker"), &validationErr)
}

// TestExecutor_Assemble_RevertsOnOrderUpdateFailure は注文確定失敗時の控除巻き戻しのテスト
func TestExecutor_Assemble_RevertsOnOrderUpdateFailure(t *testing.T) {
	mockStorage := new(MockStorage)
	executor := newExecutor(mockStorage, nil)
	ctx := context.Background()

	item := &StockItem{
		ID:       "ITEM-A",
		Name:     "テスト品目",
		Kind:     ItemKindFinishedGood,
		Quantity: 10,
	}
	order := &Order{
		ID:           NewOrderID(),
		ContactID:    "CONTACT-1",
		PriorityTier: 3,
		Lines:        []OrderLine{{ItemID: "ITEM-A", Quantity: 4}},
		Status:       OrderStatusCanAssemble,
	}

	mockStorage.On("GetItem", ctx, "ITEM-A").Return(item, nil)
	mockStorage.On("UpdateItem", ctx, mock.AnythingOfType("*fulfillment.StockItem")).Return(nil)
	mockStorage.On("AppendMutation", ctx, mock.AnythingOfType("*fulfillment.StockMutation")).Return(nil)
	mockStorage.On("UpdateOrder", ctx, mock.AnythingOfType("*fulfillment.Order")).Return(errors.New("db down"))

	err := executor.Assemble(ctx, order, "worker")

	var storageErr *StorageError
	assert.ErrorAs(t, err, &storageErr)
	// 控除は補償され、注文は元の状態に戻る
	assert.Equal(t, int64(10), item.Quantity)
	assert.Equal(t, OrderStatusCanAssemble, order.Status)
	assert.False(t, order.Lines[0].Assembled)
	mockStorage.AssertExpectations(t)
}
