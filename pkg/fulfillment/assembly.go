package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Executor atomically deducts ledger quantities for an order's lines and
// records assembly provenance. The whole operation is all-or-nothing: a
// deduction failure after partial application is compensated by the ledger
// before the error is returned.
// 注文明細に対する台帳控除を原子的に実行し、組立の実行記録を残す。操作
// 全体が全か無かであり、部分適用後の失敗は台帳側で補償されてからエラー
// が返る。
type Executor struct {
	ledger    *Ledger        // 在庫台帳
	checker   *Checker       // 充足チェッカー
	storage   Storage        // ストレージ層
	publisher EventPublisher // イベント発行者
	logger    *zap.Logger    // ログ
}

// NewExecutor creates a new assembly executor
// 新しい組立実行エンジンを作成
func NewExecutor(ledger *Ledger, checker *Checker, storage Storage, publisher EventPublisher, logger *zap.Logger) *Executor {
	return &Executor{
		ledger:    ledger,
		checker:   checker,
		storage:   storage,
		publisher: publisher,
		logger:    logger,
	}
}

// Assemble deducts stock for every order line and marks the order
// assembled. If the order cannot be fully covered it is transitioned to
// cannot-assemble with no ledger mutation and ErrInsufficientStock is
// returned.
// 全明細行の在庫を控除し注文を組立済みにする。充足できない場合は台帳を
// 変更せずに組立不可へ遷移させ、ErrInsufficientStockを返す。
func (e *Executor) Assemble(ctx context.Context, order *Order, actor string) error {
	if order.Status.IsTerminal() {
		return ErrInvalidTransition
	}
	if order.Status == OrderStatusAssembled || order.Status == OrderStatusShipped {
		return ErrOrderAlreadyAssembled
	}
	if len(order.Lines) == 0 {
		return NewValidationError("lines", "明細行のない注文は組み立てられません", order.ID)
	}

	report, err := e.checker.CheckOrder(ctx, order)
	if err != nil {
		return err
	}
	if !report.AllAvailable {
		if err := transition(ctx, e.storage, order, OrderStatusCannotAssemble, actor, "在庫不足のため組立できません"); err != nil {
			return err
		}
		return ErrInsufficientStock
	}

	deltas := make([]Delta, 0, len(order.Lines))
	for _, line := range order.Lines {
		deltas = append(deltas, Delta{ItemID: line.ItemID, Delta: -line.Quantity})
	}

	mutations, err := e.ledger.ApplyDeltas(ctx, deltas, ReasonOrderFulfillment, order.ID, actor)
	if err != nil {
		// チェックと控除の間に他の呼び出しが在庫を奪った場合。台帳側で
		// 補償済みなので状態のみ更新する。
		if errors.Is(err, ErrInsufficientStock) {
			if trErr := transition(ctx, e.storage, order, OrderStatusCannotAssemble, actor, "在庫不足のため組立できません"); trErr != nil {
				return trErr
			}
			return ErrInsufficientStock
		}
		return err
	}

	now := time.Now()
	for i := range order.Lines {
		order.Lines[i].Assembled = true
		order.Lines[i].AssembledBy = actor
		order.Lines[i].AssembledAt = &now
	}

	prevStatus := order.Status
	order.Status = OrderStatusAssembled
	order.UpdatedAt = now

	if err := e.storage.UpdateOrder(ctx, order); err != nil {
		// 注文を確定できないため控除を巻き戻す
		reversed := make([]Delta, 0, len(deltas))
		for _, d := range deltas {
			reversed = append(reversed, Delta{ItemID: d.ItemID, Delta: -d.Delta})
		}
		if _, revErr := e.ledger.ApplyDeltas(ctx, reversed, ReasonCompensation, order.ID, actor); revErr != nil {
			e.logger.Error("組立失敗後の在庫復元に失敗しました",
				zap.String("order_id", order.ID),
				zap.Error(revErr),
			)
		}
		order.Status = prevStatus
		for i := range order.Lines {
			order.Lines[i].Assembled = false
			order.Lines[i].AssembledBy = ""
			order.Lines[i].AssembledAt = nil
		}
		return NewStorageError("update_order", "注文更新に失敗しました", err)
	}

	entry := &OrderHistoryEntry{
		ID:         NewHistoryID(),
		OrderID:    order.ID,
		Kind:       HistoryKindAssembly,
		FromStatus: prevStatus,
		ToStatus:   OrderStatusAssembled,
		Message:    fmt.Sprintf("%d明細行の組立が完了しました", len(order.Lines)),
		Actor:      actor,
		CreatedAt:  now,
	}
	if err := e.storage.AppendOrderHistory(ctx, entry); err != nil {
		e.logger.Error("組立履歴の記録に失敗しました", zap.String("order_id", order.ID), zap.Error(err))
	}

	if e.publisher != nil {
		event := OrderAssembledEvent{
			OrderID:   order.ID,
			Lines:     len(order.Lines),
			Actor:     actor,
			Timestamp: now,
		}
		if err := e.publisher.PublishOrderAssembled(ctx, event); err != nil {
			e.logger.Error("組立イベント発行に失敗しました", zap.Error(err))
		}
	}

	e.logger.Info("注文組立完了",
		zap.String("order_id", order.ID),
		zap.Int("lines", len(order.Lines)),
		zap.Int("mutations", len(mutations)),
		zap.String("actor", actor),
	)

	return nil
}
