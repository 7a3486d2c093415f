package fulfillment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// productionFixture は製造テスト用の部品一式
type productionFixture struct {
	store    *MemoryStorage
	ledger   *Ledger
	resolver *BOMResolver
	trigger  *ProductionTrigger
}

// newProductionFixture は完成品CHAIRと原材料LEG・PADの部品表を持つ環境を構築
// （CHAIR 1台 = LEG 4本 + PAD 1枚）
func newProductionFixture(t *testing.T, publisher EventPublisher) *productionFixture {
	t.Helper()
	store := NewMemoryStorage()
	ledger := NewLedger(store, publisher, zap.NewNop(), nil)
	resolver := NewBOMResolver(store, zap.NewNop())
	trigger := NewProductionTrigger(store, resolver, ledger, publisher, zap.NewNop())
	ctx := context.Background()

	newLedgerItem(t, store, "CHAIR", ItemKindFinishedGood, 0)
	newLedgerItem(t, store, "LEG", ItemKindRawMaterial, 0)
	newLedgerItem(t, store, "PAD", ItemKindRawMaterial, 0)

	err := resolver.SaveRecipe(ctx, "CHAIR", []BOMLine{
		{RawMaterialID: "LEG", QuantityPer: 4, Unit: "本"},
		{RawMaterialID: "PAD", QuantityPer: 1, Unit: "枚"},
	})
	assert.NoError(t, err)

	return &productionFixture{store: store, ledger: ledger, resolver: resolver, trigger: trigger}
}

// receive は原材料の仕入受入
func (f *productionFixture) receive(t *testing.T, itemID string, qty int64) {
	t.Helper()
	_, err := f.ledger.ApplyDelta(context.Background(), itemID, qty, ReasonPurchaseReceipt, "", "tester")
	assert.NoError(t, err)
}

// TestProductionTrigger_TriggerProduction は製造指図作成のテスト
func TestProductionTrigger_TriggerProduction(t *testing.T) {
	f := newProductionFixture(t, nil)
	ctx := context.Background()

	f.receive(t, "LEG", 20)
	f.receive(t, "PAD", 5)

	po, err := f.trigger.TriggerProduction(ctx, ProductionRequest{
		Lines: []ProductionRequestLine{{FinishedGoodID: "CHAIR", Quantity: 4}},
	}, "planner")
	assert.NoError(t, err)

	// 原材料が足りるため着手可能
	assert.Equal(t, ProductionStatusReadyToStart, po.Status)
	assert.False(t, po.Shortage)
	assert.Len(t, po.Lines, 1)
	assert.Equal(t, int64(4), po.Lines[0].PlannedQty)
	assert.Len(t, po.Lines[0].BOMSnapshot, 2)
}

// TestProductionTrigger_TriggerProduction_AwaitingMaterials は原材料不足時のテスト
func TestProductionTrigger_TriggerProduction_AwaitingMaterials(t *testing.T) {
	publisher := &capturePublisher{}
	f := newProductionFixture(t, publisher)
	ctx := context.Background()

	// CHAIR 4台にはLEG 16本必要だが5本しかない
	f.receive(t, "LEG", 5)
	f.receive(t, "PAD", 10)

	po, err := f.trigger.TriggerProduction(ctx, ProductionRequest{
		Lines: []ProductionRequestLine{{FinishedGoodID: "CHAIR", Quantity: 4}},
	}, "planner")
	assert.NoError(t, err)
	assert.Equal(t, ProductionStatusAwaitingMaterials, po.Status)
	assert.True(t, po.Shortage)

	// 原材料待ちイベントが発行される
	assert.Len(t, publisher.awaitingMaterials, 1)
	assert.Equal(t, po.ID, publisher.awaitingMaterials[0].ProductionOrderID)
}

// TestProductionTrigger_FrozenSnapshot は部品表変更が既存指図に影響しないことのテスト
func TestProductionTrigger_FrozenSnapshot(t *testing.T) {
	f := newProductionFixture(t, nil)
	ctx := context.Background()

	f.receive(t, "LEG", 20)
	f.receive(t, "PAD", 5)

	po, err := f.trigger.TriggerProduction(ctx, ProductionRequest{
		Lines: []ProductionRequestLine{{FinishedGoodID: "CHAIR", Quantity: 2}},
	}, "planner")
	assert.NoError(t, err)

	// 部品表をLEG 6本へ変更しても指図のスナップショットは4本のまま
	err = f.resolver.SaveRecipe(ctx, "CHAIR", []BOMLine{
		{RawMaterialID: "LEG", QuantityPer: 6, Unit: "本"},
		{RawMaterialID: "PAD", QuantityPer: 1, Unit: "枚"},
	})
	assert.NoError(t, err)

	reloaded, err := f.store.GetProductionOrder(ctx, po.ID)
	assert.NoError(t, err)
	assert.Equal(t, int64(4), reloaded.Lines[0].BOMSnapshot[0].QuantityPer)

	// 不足計算もスナップショット基準（2台 × 4本 = 8本）
	report, err := f.trigger.GetShortage(ctx, po.ID)
	assert.NoError(t, err)
	assert.False(t, report.Shortage)
	assert.Equal(t, int64(8), report.Requirements[0].Required)
}

// TestProductionTrigger_GetShortage_FlipsStatus は不足状態の再計算遷移のテスト
func TestProductionTrigger_GetShortage_FlipsStatus(t *testing.T) {
	f := newProductionFixture(t, nil)
	ctx := context.Background()

	f.receive(t, "PAD", 10)

	po, err := f.trigger.TriggerProduction(ctx, ProductionRequest{
		Lines: []ProductionRequestLine{{FinishedGoodID: "CHAIR", Quantity: 2}},
	}, "planner")
	assert.NoError(t, err)
	assert.Equal(t, ProductionStatusAwaitingMaterials, po.Status)

	// 仕入受入後の再計算で着手可能へ遷移
	f.receive(t, "LEG", 8)
	report, err := f.trigger.GetShortage(ctx, po.ID)
	assert.NoError(t, err)
	assert.False(t, report.Shortage)

	reloaded, _ := f.store.GetProductionOrder(ctx, po.ID)
	assert.Equal(t, ProductionStatusReadyToStart, reloaded.Status)

	// 在庫が他用途へ奪われたら再び原材料待ちへ戻る
	_, err = f.ledger.ApplyDelta(ctx, "LEG", -5, ReasonManualAdjust, "", "tester")
	assert.NoError(t, err)
	report, err = f.trigger.GetShortage(ctx, po.ID)
	assert.NoError(t, err)
	assert.True(t, report.Shortage)

	reloaded, _ = f.store.GetProductionOrder(ctx, po.ID)
	assert.Equal(t, ProductionStatusAwaitingMaterials, reloaded.Status)
}

// TestProductionTrigger_StartProduction は製造開始ガードのテスト
func TestProductionTrigger_StartProduction(t *testing.T) {
	f := newProductionFixture(t, nil)
	ctx := context.Background()

	po, err := f.trigger.TriggerProduction(ctx, ProductionRequest{
		Lines: []ProductionRequestLine{{FinishedGoodID: "CHAIR", Quantity: 2}},
	}, "planner")
	assert.NoError(t, err)
	assert.Equal(t, ProductionStatusAwaitingMaterials, po.Status)

	// 原材料不足のままでは開始できない
	_, err = f.trigger.StartProduction(ctx, po.ID, "operator")
	assert.Equal(t, ErrInsufficientStock, err)

	f.receive(t, "LEG", 8)
	f.receive(t, "PAD", 2)

	started, err := f.trigger.StartProduction(ctx, po.ID, "operator")
	assert.NoError(t, err)
	assert.Equal(t, ProductionStatusInProgress, started.Status)

	// 二重開始は拒否
	_, err = f.trigger.StartProduction(ctx, po.ID, "operator")
	assert.Equal(t, ErrInvalidTransition, err)
}

// TestProductionTrigger_CompleteProduction は製造完了のテスト
func TestProductionTrigger_CompleteProduction(t *testing.T) {
	f := newProductionFixture(t, nil)
	ctx := context.Background()

	// LEG単価100、PAD単価100（newLedgerItemのデフォルト）
	f.receive(t, "LEG", 10)
	f.receive(t, "PAD", 3)

	po, err := f.trigger.TriggerProduction(ctx, ProductionRequest{
		Lines: []ProductionRequestLine{{FinishedGoodID: "CHAIR", Quantity: 2}},
	}, "planner")
	assert.NoError(t, err)
	_, err = f.trigger.StartProduction(ctx, po.ID, "operator")
	assert.NoError(t, err)

	receipt, err := f.trigger.CompleteProduction(ctx, po.ID, "operator")
	assert.NoError(t, err)

	// 原材料費 = (LEG 8本 + PAD 2枚) × 単価100
	assert.Equal(t, float64(1000), receipt.MaterialCost)
	assert.Equal(t, int64(2), receipt.ReceivedUnits)

	// 原材料は払出され完成品が受け入れられる
	leg, _ := f.store.GetItem(ctx, "LEG")
	assert.Equal(t, int64(2), leg.Quantity)
	pad, _ := f.store.GetItem(ctx, "PAD")
	assert.Equal(t, int64(1), pad.Quantity)
	chair, _ := f.store.GetItem(ctx, "CHAIR")
	assert.Equal(t, int64(2), chair.Quantity)

	// 指図は完了状態になり実績数量が記録される
	reloaded, _ := f.store.GetProductionOrder(ctx, po.ID)
	assert.Equal(t, ProductionStatusCompleted, reloaded.Status)
	assert.NotNil(t, reloaded.CompletedAt)
	assert.Equal(t, int64(2), reloaded.Lines[0].ProducedQty)

	// 台帳には払出と受入の両方が残る
	legHistory, _ := f.store.GetMutationHistory(ctx, "LEG", 10)
	assert.Equal(t, ReasonProductionIssue, legHistory[0].Reason)
	assert.Equal(t, po.ID, legHistory[0].CorrelationID)
	chairHistory, _ := f.store.GetMutationHistory(ctx, "CHAIR", 10)
	assert.Equal(t, ReasonProductionReceipt, chairHistory[0].Reason)
}

// TestProductionTrigger_CompleteProduction_RequiresInProgress は完了ガードのテスト
func TestProductionTrigger_CompleteProduction_RequiresInProgress(t *testing.T) {
	f := newProductionFixture(t, nil)
	ctx := context.Background()

	f.receive(t, "LEG", 8)
	f.receive(t, "PAD", 2)

	po, err := f.trigger.TriggerProduction(ctx, ProductionRequest{
		Lines: []ProductionRequestLine{{FinishedGoodID: "CHAIR", Quantity: 2}},
	}, "planner")
	assert.NoError(t, err)

	// 開始前の指図は完了できない
	_, err = f.trigger.CompleteProduction(ctx, po.ID, "operator")
	assert.Equal(t, ErrInvalidTransition, err)
}

// TestProductionTrigger_CancelProduction は製造指図キャンセルのテスト
func TestProductionTrigger_CancelProduction(t *testing.T) {
	f := newProductionFixture(t, nil)
	ctx := context.Background()

	f.receive(t, "LEG", 8)
	f.receive(t, "PAD", 2)

	po, err := f.trigger.TriggerProduction(ctx, ProductionRequest{
		Lines: []ProductionRequestLine{{FinishedGoodID: "CHAIR", Quantity: 2}},
	}, "planner")
	assert.NoError(t, err)

	cancelled, err := f.trigger.CancelProduction(ctx, po.ID, "planner")
	assert.NoError(t, err)
	assert.Equal(t, ProductionStatusCancelled, cancelled.Status)

	// キャンセル済みは再キャンセルも開始もできない
	_, err = f.trigger.CancelProduction(ctx, po.ID, "planner")
	assert.Equal(t, ErrInvalidTransition, err)
}

// TestProductionTrigger_TriggerProduction_Validation は製造要求の検証のテスト
func TestProductionTrigger_TriggerProduction_Validation(t *testing.T) {
	f := newProductionFixture(t, nil)
	ctx := context.Background()

	var validationErr *ValidationError

	_, err := f.trigger.TriggerProduction(ctx, ProductionRequest{}, "planner")
	assert.ErrorAs(t, err, &validationErr)

	_, err = f.trigger.TriggerProduction(ctx, ProductionRequest{
		Lines: []ProductionRequestLine{{FinishedGoodID: "CHAIR", Quantity: 0}},
	}, "planner")
	assert.ErrorAs(t, err, &validationErr)

	// 部品表のない完成品は指図を作れない
	newLedgerItem(t, f.store, "TABLE", ItemKindFinishedGood, 0)
	_, err = f.trigger.TriggerProduction(ctx, ProductionRequest{
		Lines: []ProductionRequestLine{{FinishedGoodID: "TABLE", Quantity: 1}},
	}, "planner")
	assert.Equal(t, ErrRecipeNotFound, err)
}
