// Package fulfillment provides order fulfillment and priority-based
// inventory allocation functionality
package fulfillment

import (
	"time"

	"github.com/google/uuid"
)

// ItemKind distinguishes finished goods from raw materials
// 完成品と原材料を区別
type ItemKind string

const (
	ItemKindFinishedGood ItemKind = "finished_good" // 完成品
	ItemKindRawMaterial  ItemKind = "raw_material"  // 原材料
)

// StockItem represents a tracked item and its current quantity
// 在庫管理対象の品目と現在数量を表現
type StockItem struct {
	ID                string    `json:"id" db:"id"`                                   // 品目ID（SKU）
	Name              string    `json:"name" db:"name"`                               // 品目名
	Kind              ItemKind  `json:"kind" db:"kind"`                               // 品目種別
	Quantity          int64     `json:"quantity" db:"quantity"`                       // 現在数量（負になってはならない）
	UnitCost          float64   `json:"unit_cost" db:"unit_cost"`                     // 単価
	LowStockThreshold *int64    `json:"low_stock_threshold" db:"low_stock_threshold"` // 低在庫閾値（nilの場合は設定のデフォルト値）
	CreatedAt         time.Time `json:"created_at" db:"created_at"`                   // 作成日時
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`                   // 最終更新日時
	UpdatedBy         string    `json:"updated_by" db:"updated_by"`                   // 更新者
}

// MutationReason identifies why a stock quantity changed
// 在庫数量が変化した理由を識別
type MutationReason string

const (
	ReasonInitialStock      MutationReason = "initial_stock"           // 初期在庫
	ReasonPurchaseReceipt   MutationReason = "purchase_receipt"        // 仕入受入
	ReasonOrderFulfillment  MutationReason = "order_fulfillment"       // 受注引当（組立による控除）
	ReasonCompensation      MutationReason = "compensating_reversal"   // 途中失敗時の補償戻し
	ReasonSeizureReturn     MutationReason = "priority_seizure_return" // 優先度再引当による在庫返却
	ReasonProductionIssue   MutationReason = "production_issue"        // 製造への原材料払出
	ReasonProductionReceipt MutationReason = "production_receipt"      // 製造完成品の受入
	ReasonManualAdjust      MutationReason = "manual_adjust"           // 手動調整
)

// StockMutation is an immutable, append-only record of a quantity change
// 数量変化の不変・追記専用の記録
type StockMutation struct {
	ID            string         `json:"id" db:"id"`                         // 記録ID
	ItemID        string         `json:"item_id" db:"item_id"`               // 品目ID
	Delta         int64          `json:"delta" db:"delta"`                   // 変化量（符号付き）
	ResultingQty  int64          `json:"resulting_qty" db:"resulting_qty"`   // 適用後数量
	Reason        MutationReason `json:"reason" db:"reason"`                 // 理由コード
	CorrelationID string         `json:"correlation_id" db:"correlation_id"` // 関連ID（注文ID・製造指図IDなど）
	Actor         string         `json:"actor" db:"actor"`                   // 実行者
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`         // 記録日時
}

// BOMLine is one raw-material requirement per unit of a finished good
// 完成品1単位あたりの原材料所要量
type BOMLine struct {
	RawMaterialID string `json:"raw_material_id" db:"raw_material_id"` // 原材料品目ID
	QuantityPer   int64  `json:"quantity_per" db:"quantity_per"`       // 1単位あたり所要量
	Unit          string `json:"unit" db:"unit"`                       // 単位
}

// OrderLine is one finished-good demand line on an order
// 注文上の完成品明細行
type OrderLine struct {
	ItemID      string     `json:"item_id" db:"item_id"`           // 完成品品目ID
	Quantity    int64      `json:"quantity" db:"quantity"`         // 受注数量
	UnitPrice   float64    `json:"unit_price" db:"unit_price"`     // 販売単価
	Assembled   bool       `json:"assembled" db:"assembled"`       // 組立済みフラグ
	AssembledBy string     `json:"assembled_by" db:"assembled_by"` // 組立実行者
	AssembledAt *time.Time `json:"assembled_at" db:"assembled_at"` // 組立日時
}

// OrderStatus is the order state machine state
// 注文ステートマシンの状態
type OrderStatus string

const (
	OrderStatusNew            OrderStatus = "new"             // 新規
	OrderStatusProcessing     OrderStatus = "processing"      // 処理中
	OrderStatusCanAssemble    OrderStatus = "can_assemble"    // 組立可能
	OrderStatusCannotAssemble OrderStatus = "cannot_assemble" // 組立不可
	OrderStatusAssembled      OrderStatus = "assembled"       // 組立済み
	OrderStatusShipped        OrderStatus = "shipped"         // 出荷済み
	OrderStatusDelivered      OrderStatus = "delivered"       // 納品済み
	OrderStatusCancelled      OrderStatus = "cancelled"       // キャンセル
)

// IsTerminal reports whether the status is sticky (no further transitions)
// 終端状態（以降遷移しない）かどうかを返す
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// Order represents a sales order
// 受注を表現
type Order struct {
	ID           string      `json:"id" db:"id"`                       // 注文ID
	ContactID    string      `json:"contact_id" db:"contact_id"`       // 顧客ID（優先度解決に使用）
	PriorityTier int         `json:"priority_tier" db:"priority_tier"` // 優先度層（小さいほど緊急）
	Lines        []OrderLine `json:"lines" db:"lines"`                 // 明細行
	Status       OrderStatus `json:"status" db:"status"`               // ステータス
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`       // 作成日時
	UpdatedAt    time.Time   `json:"updated_at" db:"updated_at"`       // 最終更新日時
}

// FullyAssembled reports whether every line carries the assembled flag
// すべての明細行が組立済みかどうかを返す
func (o *Order) FullyAssembled() bool {
	if len(o.Lines) == 0 {
		return false
	}
	for _, line := range o.Lines {
		if !line.Assembled {
			return false
		}
	}
	return true
}

// HistoryKind classifies order history entries
// 注文履歴エントリの分類
type HistoryKind string

const (
	HistoryKindStatusChange HistoryKind = "status_change" // ステータス変更
	HistoryKindAssembly     HistoryKind = "assembly"      // 組立
	HistoryKindSeizureOut   HistoryKind = "seizure_out"   // 在庫を回収された側
	HistoryKindSeizureIn    HistoryKind = "seizure_in"    // 在庫を受け取った側
	HistoryKindProduction   HistoryKind = "production"    // 製造指図作成
)

// OrderHistoryEntry is an append-only audit record on an order
// 注文上の追記専用監査記録
type OrderHistoryEntry struct {
	ID             string      `json:"id" db:"id"`                                     // 履歴ID
	OrderID        string      `json:"order_id" db:"order_id"`                         // 注文ID
	Kind           HistoryKind `json:"kind" db:"kind"`                                 // 分類
	FromStatus     OrderStatus `json:"from_status,omitempty" db:"from_status"`         // 遷移元ステータス
	ToStatus       OrderStatus `json:"to_status,omitempty" db:"to_status"`             // 遷移先ステータス
	CounterpartyID string      `json:"counterparty_id,omitempty" db:"counterparty_id"` // 相手注文ID（回収時）
	ItemID         string      `json:"item_id,omitempty" db:"item_id"`                 // 品目ID（回収時）
	Quantity       int64       `json:"quantity,omitempty" db:"quantity"`               // 数量（回収時）
	Message        string      `json:"message" db:"message"`                           // メッセージ
	Actor          string      `json:"actor" db:"actor"`                               // 実行者
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`                     // 記録日時
}

// ProductionStatus is the production order state
// 製造指図の状態
type ProductionStatus string

const (
	ProductionStatusReadyToStart      ProductionStatus = "ready_to_start"     // 着手可能
	ProductionStatusAwaitingMaterials ProductionStatus = "awaiting_materials" // 原材料待ち
	ProductionStatusInProgress        ProductionStatus = "in_progress"        // 製造中
	ProductionStatusCompleted         ProductionStatus = "completed"          // 完了
	ProductionStatusCancelled         ProductionStatus = "cancelled"          // キャンセル
)

// ProductionLine is one planned finished good with its frozen BOM snapshot
// 製造対象の完成品1件と凍結された部品表スナップショット
type ProductionLine struct {
	FinishedGoodID string    `json:"finished_good_id" db:"finished_good_id"` // 完成品品目ID
	PlannedQty     int64     `json:"planned_qty" db:"planned_qty"`           // 計画数量
	ProducedQty    int64     `json:"produced_qty" db:"produced_qty"`         // 実績数量
	BOMSnapshot    []BOMLine `json:"bom_snapshot" db:"bom_snapshot"`         // 部品表スナップショット（作成時に凍結）
}

// ProductionOrder represents a production order created by the trigger
// 製造トリガーが作成する製造指図を表現
type ProductionOrder struct {
	ID            string           `json:"id" db:"id"`                           // 製造指図ID
	SourceOrderID *string          `json:"source_order_id" db:"source_order_id"` // 起因となった注文ID
	Lines         []ProductionLine `json:"lines" db:"lines"`                     // 明細
	Status        ProductionStatus `json:"status" db:"status"`                   // ステータス
	Shortage      bool             `json:"shortage" db:"shortage"`               // 原材料不足フラグ
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`           // 作成日時
	CreatedBy     string           `json:"created_by" db:"created_by"`           // 作成者
	CompletedAt   *time.Time       `json:"completed_at" db:"completed_at"`       // 完了日時
}

// DemandLine is an (item, quantity) pair for availability checks
// 在庫充足チェック用の（品目・数量）ペア
type DemandLine struct {
	ItemID   string `json:"item_id"`  // 品目ID
	Quantity int64  `json:"quantity"` // 必要数量
}

// LineAvailability reports availability for a single item
// 単一品目の充足状況を報告
type LineAvailability struct {
	Available int64 `json:"available"` // 現在数量
	Needed    int64 `json:"needed"`    // 必要数量
	Shortfall int64 `json:"shortfall"` // 不足数（max(0, needed-available)）
}

// AvailabilityReport is the result of an availability check
// 在庫充足チェックの結果
type AvailabilityReport struct {
	AllAvailable bool                        `json:"all_available"` // すべて充足しているか
	PerLine      map[string]LineAvailability `json:"per_line"`      // 品目ごとの充足状況
}

// ShortfallItems returns the item ids with positive shortfall, sorted order
// is not guaranteed
// 不足のある品目IDを返す
func (r *AvailabilityReport) ShortfallItems() []string {
	var ids []string
	for id, line := range r.PerLine {
		if line.Shortfall > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// MaterialRequirement is an aggregated raw-material requirement
// 集計済み原材料所要量
type MaterialRequirement struct {
	RawMaterialID string `json:"raw_material_id"` // 原材料品目ID
	Required      int64  `json:"required"`        // 必要数量
	Available     int64  `json:"available"`       // 現在数量
	Shortfall     int64  `json:"shortfall"`       // 不足数
}

// ShortageReport is the raw-material shortage for a production order
// 製造指図の原材料不足レポート
type ShortageReport struct {
	ProductionOrderID string                `json:"production_order_id"` // 製造指図ID
	Shortage          bool                  `json:"shortage"`            // 不足があるか
	Requirements      []MaterialRequirement `json:"requirements"`        // 所要量内訳
}

// SeizureStep is one planned stock transfer from a candidate order
// 候補注文からの在庫移転計画1件
type SeizureStep struct {
	ItemID      string `json:"item_id"`       // 品目ID
	FromOrderID string `json:"from_order_id"` // 回収元注文ID
	Quantity    int64  `json:"quantity"`      // 回収数量
}

// SeizurePlan is the computed reallocation plan for a target order
// 対象注文のために算出された再引当計画
type SeizurePlan struct {
	TargetOrderID string           `json:"target_order_id"` // 対象注文ID
	Steps         []SeizureStep    `json:"steps"`           // 実行ステップ
	Remaining     map[string]int64 `json:"remaining"`       // 計画後も残る不足数
}

// SeizureResult is the outcome of a committed seizure pass
// 確定済み再引当パスの結果
type SeizureResult struct {
	Plan          *SeizurePlan        `json:"plan"`           // 実行された計画
	SeizedUnits   int64               `json:"seized_units"`   // 回収総数
	Report        *AvailabilityReport `json:"report"`         // 実行後の充足レポート
	FullyResolved bool                `json:"fully_resolved"` // 対象注文が充足されたか
}

// ProductionReceipt reports the cost outcome of a completed production run,
// consumed by the external financial ledger
// 製造完了の原価結果（外部の財務台帳が消費する）
type ProductionReceipt struct {
	ProductionOrderID string    `json:"production_order_id"` // 製造指図ID
	MaterialCost      float64   `json:"material_cost"`       // 原材料費合計
	ReceivedUnits     int64     `json:"received_units"`      // 受入完成品数
	CompletedAt       time.Time `json:"completed_at"`        // 完了日時
}

// NewMutationID generates a new stock mutation ID
// 新しい在庫変動記録IDを生成
func NewMutationID() string {
	return uuid.New().String()
}

// NewOrderID generates a new order ID
// 新しい注文IDを生成
func NewOrderID() string {
	return uuid.New().String()
}

// NewProductionOrderID generates a new production order ID
// 新しい製造指図IDを生成
func NewProductionOrderID() string {
	return uuid.New().String()
}

// NewHistoryID generates a new history entry ID
// 新しい履歴IDを生成
func NewHistoryID() string {
	return uuid.New().String()
}
