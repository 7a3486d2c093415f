package fulfillment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// TestChecker_Check は在庫充足チェックのテスト
func TestChecker_Check(t *testing.T) {
	store := NewMemoryStorage()
	checker := NewChecker(store)
	ctx := context.Background()

	newLedgerItem(t, store, "ITEM-A", ItemKindFinishedGood, 10)
	newLedgerItem(t, store, "ITEM-B", ItemKindFinishedGood, 3)

	report, err := checker.Check(ctx, []DemandLine{
		{ItemID: "ITEM-A", Quantity: 4},
		{ItemID: "ITEM-B", Quantity: 5},
	})
	assert.NoError(t, err)
	assert.False(t, report.AllAvailable)

	assert.Equal(t, int64(10), report.PerLine["ITEM-A"].Available)
	assert.Equal(t, int64(4), report.PerLine["ITEM-A"].Needed)
	assert.Equal(t, int64(0), report.PerLine["ITEM-A"].Shortfall)

	assert.Equal(t, int64(3), report.PerLine["ITEM-B"].Available)
	assert.Equal(t, int64(5), report.PerLine["ITEM-B"].Needed)
	assert.Equal(t, int64(2), report.PerLine["ITEM-B"].Shortfall)
}

// TestChecker_Check_AggregatesDuplicateItems は同一品目の需要集計のテスト
func TestChecker_Check_AggregatesDuplicateItems(t *testing.T) {
	store := NewMemoryStorage()
	checker := NewChecker(store)
	ctx := context.Background()

	newLedgerItem(t, store, "ITEM-A", ItemKindFinishedGood, 5)

	// 3 + 4 = 7 の需要を在庫5と比較する
	report, err := checker.Check(ctx, []DemandLine{
		{ItemID: "ITEM-A", Quantity: 3},
		{ItemID: "ITEM-A", Quantity: 4},
	})
	assert.NoError(t, err)
	assert.False(t, report.AllAvailable)
	assert.Equal(t, int64(7), report.PerLine["ITEM-A"].Needed)
	assert.Equal(t, int64(2), report.PerLine["ITEM-A"].Shortfall)
}

// TestChecker_Check_ReadOnly はチェックが在庫を変更しないことのテスト
func TestChecker_Check_ReadOnly(t *testing.T) {
	store := NewMemoryStorage()
	checker := NewChecker(store)
	ledger := NewLedger(store, nil, zap.NewNop(), nil)
	ctx := context.Background()

	newLedgerItem(t, store, "ITEM-A", ItemKindFinishedGood, 10)

	for i := 0; i < 3; i++ {
		report, err := checker.Check(ctx, []DemandLine{{ItemID: "ITEM-A", Quantity: 4}})
		assert.NoError(t, err)
		assert.True(t, report.AllAvailable)
	}

	// 数量も履歴も変化しない
	qty, _ := ledger.GetQuantity(ctx, "ITEM-A")
	assert.Equal(t, int64(10), qty)
	history, _ := store.GetMutationHistory(ctx, "ITEM-A", 10)
	assert.Empty(t, history)
}

// TestChecker_Check_UnknownItem は未登録品目のテスト
func TestChecker_Check_UnknownItem(t *testing.T) {
	store := NewMemoryStorage()
	checker := NewChecker(store)

	_, err := checker.Check(context.Background(), []DemandLine{{ItemID: "MISSING", Quantity: 1}})
	assert.Equal(t, ErrItemNotFound, err)
}

// TestChecker_Check_RejectsInvalidDemand は不正な需要行のテスト
func TestChecker_Check_RejectsInvalidDemand(t *testing.T) {
	store := NewMemoryStorage()
	checker := NewChecker(store)
	ctx := context.Background()

	var validationErr *ValidationError

	_, err := checker.Check(ctx, nil)
	assert.ErrorAs(t, err, &validationErr)

	_, err = checker.Check(ctx, []DemandLine{{ItemID: "ITEM-A", Quantity: 0}})
	assert.ErrorAs(t, err, &validationErr)

	_, err = checker.Check(ctx, []DemandLine{{ItemID: "ITEM-A", Quantity: -2}})
	assert.ErrorAs(t, err, &validationErr)
}
