package fulfillment

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// ProductionTrigger materializes production orders for finished-goods
// shortfalls. Each production line carries a frozen snapshot of the recipe
// taken at creation time; later recipe changes never alter in-flight
// orders. The raw-material shortage check is exposed as a standalone
// idempotent query so it can be re-run after purchasing receipts change
// raw-material stock.
// 完成品不足に対して製造指図を具現化する。各製造明細は作成時点の部品表
// スナップショットを保持し、その後の部品表変更は進行中の指図に影響しな
// い。原材料不足チェックは独立した冪等クエリとして公開され、仕入受入で
// 原材料在庫が変化した後に再実行できる。
type ProductionTrigger struct {
	storage   Storage        // ストレージ層
	resolver  *BOMResolver   // 部品表リゾルバ
	ledger    *Ledger        // 在庫台帳
	publisher EventPublisher // イベント発行者
	logger    *zap.Logger    // ログ
}

// NewProductionTrigger creates a new production trigger
// 新しい製造トリガーを作成
func NewProductionTrigger(storage Storage, resolver *BOMResolver, ledger *Ledger, publisher EventPublisher, logger *zap.Logger) *ProductionTrigger {
	return &ProductionTrigger{
		storage:   storage,
		resolver:  resolver,
		ledger:    ledger,
		publisher: publisher,
		logger:    logger,
	}
}

// ProductionRequestLine is one planned finished good in a request
// 製造要求内の完成品1件
type ProductionRequestLine struct {
	FinishedGoodID string `json:"finished_good_id"` // 完成品品目ID
	Quantity       int64  `json:"quantity"`         // 計画数量
}

// ProductionRequest describes a production order to create
// 作成する製造指図の内容
type ProductionRequest struct {
	SourceOrderID *string                 `json:"source_order_id,omitempty"` // 起因となった注文ID
	Lines         []ProductionRequestLine `json:"lines"`                     // 明細
}

// TriggerProduction creates a production order with frozen BOM snapshots
// and classifies it as ready-to-start or awaiting-materials.
// 凍結した部品表スナップショット付きの製造指図を作成し、着手可能か原材
// 料待ちかを判定する。
func (t *ProductionTrigger) TriggerProduction(ctx context.Context, req ProductionRequest, actor string) (*ProductionOrder, error) {
	if len(req.Lines) == 0 {
		return nil, NewValidationError("lines", "製造明細が空です", "")
	}

	po := &ProductionOrder{
		ID:            NewProductionOrderID(),
		SourceOrderID: req.SourceOrderID,
		Lines:         make([]ProductionLine, 0, len(req.Lines)),
		CreatedAt:     time.Now(),
		CreatedBy:     actor,
	}

	for _, line := range req.Lines {
		if line.Quantity <= 0 {
			return nil, NewValidationError("quantity", "計画数量は正の値である必要があります", fmt.Sprintf("%s: %d", line.FinishedGoodID, line.Quantity))
		}

		recipe, err := t.resolver.Resolve(ctx, line.FinishedGoodID)
		if err != nil {
			return nil, err
		}

		po.Lines = append(po.Lines, ProductionLine{
			FinishedGoodID: line.FinishedGoodID,
			PlannedQty:     line.Quantity,
			BOMSnapshot:    Snapshot(recipe),
		})
	}

	report, err := t.computeShortage(ctx, po)
	if err != nil {
		return nil, err
	}

	po.Shortage = report.Shortage
	if report.Shortage {
		po.Status = ProductionStatusAwaitingMaterials
	} else {
		po.Status = ProductionStatusReadyToStart
	}

	if err := t.storage.CreateProductionOrder(ctx, po); err != nil {
		return nil, NewStorageError("create_production_order", "製造指図の作成に失敗しました", err)
	}

	if po.Shortage && t.publisher != nil {
		event := AwaitingMaterialsEvent{
			ProductionOrderID: po.ID,
			Timestamp:         time.Now(),
		}
		if req.SourceOrderID != nil {
			event.SourceOrderID = *req.SourceOrderID
		}
		if err := t.publisher.PublishAwaitingMaterials(ctx, event); err != nil {
			t.logger.Error("原材料待ちイベント発行に失敗しました", zap.Error(err))
		}
	}

	t.logger.Info("製造指図作成完了",
		zap.String("production_order_id", po.ID),
		zap.Int("lines", len(po.Lines)),
		zap.Bool("shortage", po.Shortage),
		zap.String("status", string(po.Status)),
	)

	return po, nil
}

// GetShortage recomputes the raw-material shortage for a production order
// against the live ledger. The stored flag is a cache refreshed on every
// query; callers must not assume it is current without re-querying. For
// orders still waiting, the status flips between awaiting-materials and
// ready-to-start as stock changes.
// 製造指図の原材料不足を現在の台帳に対して再計算する。保存済みフラグは
// クエリごとに更新されるキャッシュであり、再問い合わせなしに最新とは見
// なせない。待機中の指図は在庫の変化に応じて原材料待ちと着手可能の間を
// 遷移する。
func (t *ProductionTrigger) GetShortage(ctx context.Context, productionOrderID string) (*ShortageReport, error) {
	po, err := t.storage.GetProductionOrder(ctx, productionOrderID)
	if err != nil {
		if err == ErrProductionOrderNotFound {
			return nil, ErrProductionOrderNotFound
		}
		return nil, NewStorageError("get_production_order", "製造指図取得に失敗しました", err)
	}

	report, err := t.computeShortage(ctx, po)
	if err != nil {
		return nil, err
	}

	changed := po.Shortage != report.Shortage
	po.Shortage = report.Shortage

	switch po.Status {
	case ProductionStatusAwaitingMaterials:
		if !report.Shortage {
			po.Status = ProductionStatusReadyToStart
			changed = true
		}
	case ProductionStatusReadyToStart:
		if report.Shortage {
			po.Status = ProductionStatusAwaitingMaterials
			changed = true
		}
	}

	if changed {
		if err := t.storage.UpdateProductionOrder(ctx, po); err != nil {
			return nil, NewStorageError("update_production_order", "製造指図更新に失敗しました", err)
		}
		t.logger.Info("製造指図の不足状態を更新しました",
			zap.String("production_order_id", po.ID),
			zap.Bool("shortage", po.Shortage),
			zap.String("status", string(po.Status)),
		)
	}

	return report, nil
}

// StartProduction moves a ready production order into progress. The
// shortage is re-verified first so a stale ready flag cannot start a run
// without materials.
// 着手可能な製造指図を製造中へ遷移させる。古い着手可能フラグのまま原材
// 料なしで開始しないよう、不足を先に再確認する。
func (t *ProductionTrigger) StartProduction(ctx context.Context, productionOrderID, actor string) (*ProductionOrder, error) {
	report, err := t.GetShortage(ctx, productionOrderID)
	if err != nil {
		return nil, err
	}
	if report.Shortage {
		return nil, ErrInsufficientStock
	}

	po, err := t.storage.GetProductionOrder(ctx, productionOrderID)
	if err != nil {
		return nil, NewStorageError("get_production_order", "製造指図取得に失敗しました", err)
	}
	if po.Status != ProductionStatusReadyToStart {
		return nil, ErrInvalidTransition
	}

	po.Status = ProductionStatusInProgress
	if err := t.storage.UpdateProductionOrder(ctx, po); err != nil {
		return nil, NewStorageError("update_production_order", "製造指図更新に失敗しました", err)
	}

	t.logger.Info("製造開始", zap.String("production_order_id", po.ID), zap.String("actor", actor))
	return po, nil
}

// CompleteProduction consumes raw materials per the frozen snapshots,
// receipts the finished goods into the ledger and reports the material
// cost for the external financial ledger. Consumption and receipt are each
// all-or-nothing; a receipt failure compensates the consumption.
// 凍結スナップショットに従って原材料を払出し、完成品を台帳へ受け入れ、
// 外部の財務台帳向けに原材料費を報告する。払出と受入はそれぞれ全か無か
// であり、受入失敗時は払出を補償する。
func (t *ProductionTrigger) CompleteProduction(ctx context.Context, productionOrderID, actor string) (*ProductionReceipt, error) {
	po, err := t.storage.GetProductionOrder(ctx, productionOrderID)
	if err != nil {
		if err == ErrProductionOrderNotFound {
			return nil, ErrProductionOrderNotFound
		}
		return nil, NewStorageError("get_production_order", "製造指図取得に失敗しました", err)
	}
	if po.Status != ProductionStatusInProgress {
		return nil, ErrInvalidTransition
	}

	required := aggregateRequirements(po)

	consume := make([]Delta, 0, len(required))
	var materialCost float64
	for _, rawID := range sortedKeys(required) {
		qty := required[rawID]
		raw, err := t.storage.GetItem(ctx, rawID)
		if err != nil {
			if err == ErrItemNotFound {
				return nil, ErrItemNotFound
			}
			return nil, NewStorageError("get_item", "原材料取得に失敗しました", err)
		}
		materialCost += raw.UnitCost * float64(qty)
		consume = append(consume, Delta{ItemID: rawID, Delta: -qty})
	}

	if _, err := t.ledger.ApplyDeltas(ctx, consume, ReasonProductionIssue, po.ID, actor); err != nil {
		return nil, err
	}

	receipt := make([]Delta, 0, len(po.Lines))
	var receivedUnits int64
	for _, line := range po.Lines {
		receipt = append(receipt, Delta{ItemID: line.FinishedGoodID, Delta: line.PlannedQty})
		receivedUnits += line.PlannedQty
	}

	if _, err := t.ledger.ApplyDeltas(ctx, receipt, ReasonProductionReceipt, po.ID, actor); err != nil {
		// 受入できないため払出を補償して指図を未完了のまま残す
		reversed := make([]Delta, 0, len(consume))
		for _, d := range consume {
			reversed = append(reversed, Delta{ItemID: d.ItemID, Delta: -d.Delta})
		}
		if _, revErr := t.ledger.ApplyDeltas(ctx, reversed, ReasonCompensation, po.ID, actor); revErr != nil {
			t.logger.Error("払出補償に失敗しました", zap.String("production_order_id", po.ID), zap.Error(revErr))
		}
		return nil, err
	}

	now := time.Now()
	for i := range po.Lines {
		po.Lines[i].ProducedQty = po.Lines[i].PlannedQty
	}
	po.Status = ProductionStatusCompleted
	po.Shortage = false
	po.CompletedAt = &now

	if err := t.storage.UpdateProductionOrder(ctx, po); err != nil {
		return nil, NewStorageError("update_production_order", "製造指図更新に失敗しました", err)
	}

	t.logger.Info("製造完了",
		zap.String("production_order_id", po.ID),
		zap.Int64("received_units", receivedUnits),
		zap.Float64("material_cost", materialCost),
		zap.String("actor", actor),
	)

	return &ProductionReceipt{
		ProductionOrderID: po.ID,
		MaterialCost:      materialCost,
		ReceivedUnits:     receivedUnits,
		CompletedAt:       now,
	}, nil
}

// CancelProduction cancels a production order that has not completed
// 未完了の製造指図をキャンセル
func (t *ProductionTrigger) CancelProduction(ctx context.Context, productionOrderID, actor string) (*ProductionOrder, error) {
	po, err := t.storage.GetProductionOrder(ctx, productionOrderID)
	if err != nil {
		if err == ErrProductionOrderNotFound {
			return nil, ErrProductionOrderNotFound
		}
		return nil, NewStorageError("get_production_order", "製造指図取得に失敗しました", err)
	}
	if po.Status == ProductionStatusCompleted || po.Status == ProductionStatusCancelled {
		return nil, ErrInvalidTransition
	}

	po.Status = ProductionStatusCancelled
	if err := t.storage.UpdateProductionOrder(ctx, po); err != nil {
		return nil, NewStorageError("update_production_order", "製造指図更新に失敗しました", err)
	}

	t.logger.Info("製造指図キャンセル", zap.String("production_order_id", po.ID), zap.String("actor", actor))
	return po, nil
}

// computeShortage aggregates the raw-material requirement across all lines
// and compares it against current ledger quantities
// 全明細の原材料所要量を集計し現在の台帳数量と比較
func (t *ProductionTrigger) computeShortage(ctx context.Context, po *ProductionOrder) (*ShortageReport, error) {
	required := aggregateRequirements(po)

	report := &ShortageReport{
		ProductionOrderID: po.ID,
		Requirements:      make([]MaterialRequirement, 0, len(required)),
	}

	for _, rawID := range sortedKeys(required) {
		need := required[rawID]
		available, err := t.ledger.GetQuantity(ctx, rawID)
		if err != nil {
			return nil, err
		}

		shortfall := need - available
		if shortfall < 0 {
			shortfall = 0
		}
		if shortfall > 0 {
			report.Shortage = true
		}

		report.Requirements = append(report.Requirements, MaterialRequirement{
			RawMaterialID: rawID,
			Required:      need,
			Available:     available,
			Shortfall:     shortfall,
		})
	}

	return report, nil
}

// aggregateRequirements sums raw-material demand over the frozen snapshots
// 凍結スナップショットに基づき原材料需要を集計
func aggregateRequirements(po *ProductionOrder) map[string]int64 {
	required := make(map[string]int64)
	for _, line := range po.Lines {
		for _, bom := range line.BOMSnapshot {
			required[bom.RawMaterialID] += bom.QuantityPer * line.PlannedQty
		}
	}
	return required
}

// sortedKeys returns map keys in deterministic order
// マップのキーを決定的な順序で返す
func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
