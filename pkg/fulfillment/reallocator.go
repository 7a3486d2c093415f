package fulfillment

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Reallocator satisfies a high-priority order that cannot be assembled by
// reclaiming stock already held by lower-priority assembled orders. The
// plan is computed as a pure step so it can be inspected and tested without
// side effects; SeizeForOrder recomputes it under the item locks before
// committing. A committed pass is one-shot best-effort: partial seizure is
// never rolled back because the returned stock is immediately usable.
// 組立できない高優先度注文のため、低優先度の組立済み注文が保持する在庫
// を回収する。計画の算出は副作用のない純粋なステップとして分離し、確定
// 時には品目ロック下で再計算してからコミットする。確定したパスは一回限
// りのベストエフォートであり、部分的な回収は巻き戻さない（返却された在
// 庫は即座に利用可能なため）。
type Reallocator struct {
	ledger    *Ledger        // 在庫台帳
	checker   *Checker       // 充足チェッカー
	storage   Storage        // ストレージ層
	publisher EventPublisher // イベント発行者
	logger    *zap.Logger    // ログ
}

// NewReallocator creates a new priority reallocator
// 新しい優先度再引当エンジンを作成
func NewReallocator(ledger *Ledger, checker *Checker, storage Storage, publisher EventPublisher, logger *zap.Logger) *Reallocator {
	return &Reallocator{
		ledger:    ledger,
		checker:   checker,
		storage:   storage,
		publisher: publisher,
		logger:    logger,
	}
}

// plannedStep is a seizure step bound to a concrete candidate line
// 具体的な候補明細行に紐づいた回収ステップ
type plannedStep struct {
	candidate *Order // 回収元注文
	lineIdx   int    // 対象明細行
	itemID    string // 品目ID
	quantity  int64  // 回収数量
}

// PlanSeizure computes the seizure plan for a target order without any side
// effect. Candidates are assembled orders whose priority tier is strictly
// worse (numerically greater) than the target's, visited worst tier first,
// then oldest first, then by order id for determinism. Seizure never
// targets a same-or-better priority order.
// 対象注文のための回収計画を副作用なしに算出する。候補は対象より厳密に
// 優先度の低い（数値の大きい）組立済み注文であり、最も優先度が低いもの、
// 次に最も古いもの、最後に注文IDの順で決定的に走査する。同等以上の優先
// 度の注文から回収することはない。
func (r *Reallocator) PlanSeizure(ctx context.Context, target *Order) (*SeizurePlan, error) {
	steps, remaining, err := r.plan(ctx, target)
	if err != nil {
		return nil, err
	}

	plan := &SeizurePlan{
		TargetOrderID: target.ID,
		Steps:         make([]SeizureStep, 0, len(steps)),
		Remaining:     remaining,
	}
	for _, s := range steps {
		plan.Steps = append(plan.Steps, SeizureStep{
			ItemID:      s.itemID,
			FromOrderID: s.candidate.ID,
			Quantity:    s.quantity,
		})
	}
	return plan, nil
}

// plan walks the candidate orders and allocates seizure steps per shortfall
// item. The returned candidates are fresh copies fetched from storage.
// 不足品目ごとに候補注文を走査して回収ステップを割り当てる。
func (r *Reallocator) plan(ctx context.Context, target *Order) ([]plannedStep, map[string]int64, error) {
	report, err := r.checker.CheckOrder(ctx, target)
	if err != nil {
		return nil, nil, err
	}

	shortfalls := make(map[string]int64)
	for itemID, line := range report.PerLine {
		if line.Shortfall > 0 {
			shortfalls[itemID] = line.Shortfall
		}
	}
	if len(shortfalls) == 0 {
		return nil, map[string]int64{}, nil
	}

	assembled, err := r.storage.ListOrdersByStatus(ctx, OrderStatusAssembled)
	if err != nil {
		return nil, nil, NewStorageError("list_orders", "組立済み注文の取得に失敗しました", err)
	}

	// 対象自身と、対象と同等以上の優先度の注文は候補から除外する
	candidates := make([]*Order, 0, len(assembled))
	for i := range assembled {
		o := &assembled[i]
		if o.ID == target.ID || o.PriorityTier <= target.PriorityTier {
			continue
		}
		candidates = append(candidates, o)
	}

	// 最低優先度 → 最古 → 注文IDの順
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.PriorityTier != b.PriorityTier {
			return a.PriorityTier > b.PriorityTier
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	// 品目の走査順も決定的にする
	itemIDs := make([]string, 0, len(shortfalls))
	for id := range shortfalls {
		itemIDs = append(itemIDs, id)
	}
	sort.Strings(itemIDs)

	var steps []plannedStep
	remaining := make(map[string]int64)

	for _, itemID := range itemIDs {
		left := shortfalls[itemID]
		for _, candidate := range candidates {
			if left == 0 {
				break
			}
			for idx := range candidate.Lines {
				if left == 0 {
					break
				}
				line := &candidate.Lines[idx]
				if line.ItemID != itemID || !line.Assembled {
					continue
				}
				qty := line.Quantity
				if qty > left {
					qty = left
				}
				steps = append(steps, plannedStep{
					candidate: candidate,
					lineIdx:   idx,
					itemID:    itemID,
					quantity:  qty,
				})
				left -= qty
			}
		}
		if left > 0 {
			remaining[itemID] = left
		}
	}

	return steps, remaining, nil
}

// SeizeForOrder commits a seizure pass for the target order. The plan is
// recomputed while holding the locks of every item on the target order, not
// just the items short at the initial check: a shortfall can appear on any
// target line between the check and the lock acquisition, and every seized
// item must be mutated under its own lock. Events are published after the
// locks are released.
// 対象注文のための回収パスを確定する。初回チェック時点で不足していた品
// 目だけでなく、対象注文の全品目のロックを保持したまま計画を再計算する。
// チェックとロック取得の間にどの明細品目にも不足が発生しうるため、回収
// する品目は必ず自身のロック下で変更する。イベントはロック解放後に発行
// する。
func (r *Reallocator) SeizeForOrder(ctx context.Context, target *Order, actor string) (*SeizureResult, error) {
	if target.Status.IsTerminal() || target.Status == OrderStatusAssembled || target.Status == OrderStatusShipped {
		return nil, ErrInvalidTransition
	}

	initial, err := r.checker.CheckOrder(ctx, target)
	if err != nil {
		return nil, err
	}
	if len(initial.ShortfallItems()) == 0 {
		return &SeizureResult{
			Plan:          &SeizurePlan{TargetOrderID: target.ID, Remaining: map[string]int64{}},
			Report:        initial,
			FullyResolved: true,
		}, nil
	}

	// 回収対象になりうるのは対象注文の明細品目のみ
	itemIDs := make([]string, 0, len(target.Lines))
	for _, line := range target.Lines {
		itemIDs = append(itemIDs, line.ItemID)
	}
	unlock := r.ledger.lockItems(itemIDs)

	steps, _, err := r.plan(ctx, target)
	if err != nil {
		unlock()
		return nil, err
	}

	var (
		committed   []SeizureStep
		events      []StockSeizedEvent
		seizedUnits int64
	)
	now := time.Now()

	for _, step := range steps {
		candidate := step.candidate
		line := &candidate.Lines[step.lineIdx]

		// (a) 在庫を台帳へ返却
		if _, _, err := r.ledger.applyDeltaLocked(ctx, step.itemID, step.quantity, ReasonSeizureReturn, candidate.ID, actor); err != nil {
			r.logger.Error("回収在庫の返却に失敗しました",
				zap.String("item_id", step.itemID),
				zap.String("from_order_id", candidate.ID),
				zap.Error(err),
			)
			continue
		}

		// (b) 候補明細の組立フラグを外し、注文を組立不可へ遷移
		wasAssembled, wasBy, wasAt := line.Assembled, line.AssembledBy, line.AssembledAt
		line.Assembled = false
		line.AssembledBy = ""
		line.AssembledAt = nil
		prevStatus := candidate.Status
		candidate.Status = OrderStatusCannotAssemble
		candidate.UpdatedAt = now

		if err := r.storage.UpdateOrder(ctx, candidate); err != nil {
			// 候補を確定できないため返却を取り消して整合を保つ
			if _, _, revErr := r.ledger.applyDeltaLocked(ctx, step.itemID, -step.quantity, ReasonCompensation, candidate.ID, actor); revErr != nil {
				r.logger.Error("返却取消に失敗しました", zap.String("item_id", step.itemID), zap.Error(revErr))
			}
			line.Assembled, line.AssembledBy, line.AssembledAt = wasAssembled, wasBy, wasAt
			candidate.Status = prevStatus
			r.logger.Error("回収元注文の更新に失敗しました",
				zap.String("from_order_id", candidate.ID),
				zap.Error(err),
			)
			continue
		}

		// (c) 双方の注文に移転履歴を残す
		r.appendTransferHistory(ctx, candidate, target, step, prevStatus, actor, now)

		committed = append(committed, SeizureStep{
			ItemID:      step.itemID,
			FromOrderID: candidate.ID,
			Quantity:    step.quantity,
		})
		seizedUnits += step.quantity
		events = append(events, StockSeizedEvent{
			ItemID:      step.itemID,
			FromOrderID: candidate.ID,
			ToOrderID:   target.ID,
			Quantity:    step.quantity,
			Actor:       actor,
			Timestamp:   now,
		})
	}

	unlock()

	if r.publisher != nil {
		for _, event := range events {
			if err := r.publisher.PublishStockSeized(ctx, event); err != nil {
				r.logger.Error("回収イベント発行に失敗しました", zap.Error(err))
			}
		}
	}

	report, err := r.checker.CheckOrder(ctx, target)
	if err != nil {
		return nil, err
	}

	// 残不足は計画時点ではなくコミット後の充足レポートから導出する。
	// ステップが失敗してスキップされた場合でも実際の不足を過小報告しない。
	remaining := make(map[string]int64)
	for itemID, line := range report.PerLine {
		if line.Shortfall > 0 {
			remaining[itemID] = line.Shortfall
		}
	}

	result := &SeizureResult{
		Plan: &SeizurePlan{
			TargetOrderID: target.ID,
			Steps:         committed,
			Remaining:     remaining,
		},
		SeizedUnits:   seizedUnits,
		Report:        report,
		FullyResolved: report.AllAvailable,
	}

	r.logger.Info("優先度再引当完了",
		zap.String("target_order_id", target.ID),
		zap.Int("steps", len(committed)),
		zap.Int64("seized_units", seizedUnits),
		zap.Bool("fully_resolved", result.FullyResolved),
	)

	return result, nil
}

// appendTransferHistory records the linked transfer entries on both orders
// 双方の注文に紐づく移転履歴を記録
func (r *Reallocator) appendTransferHistory(ctx context.Context, candidate, target *Order, step plannedStep, prevStatus OrderStatus, actor string, now time.Time) {
	out := &OrderHistoryEntry{
		ID:             NewHistoryID(),
		OrderID:        candidate.ID,
		Kind:           HistoryKindSeizureOut,
		FromStatus:     prevStatus,
		ToStatus:       OrderStatusCannotAssemble,
		CounterpartyID: target.ID,
		ItemID:         step.itemID,
		Quantity:       step.quantity,
		Message:        fmt.Sprintf("品目 %s を %d 個、注文 %s のために回収されました", step.itemID, step.quantity, target.ID),
		Actor:          actor,
		CreatedAt:      now,
	}
	if err := r.storage.AppendOrderHistory(ctx, out); err != nil {
		r.logger.Error("回収元履歴の記録に失敗しました", zap.String("order_id", candidate.ID), zap.Error(err))
	}

	in := &OrderHistoryEntry{
		ID:             NewHistoryID(),
		OrderID:        target.ID,
		Kind:           HistoryKindSeizureIn,
		CounterpartyID: candidate.ID,
		ItemID:         step.itemID,
		Quantity:       step.quantity,
		Message:        fmt.Sprintf("品目 %s を %d 個、注文 %s から受け取りました", step.itemID, step.quantity, candidate.ID),
		Actor:          actor,
		CreatedAt:      now,
	}
	if err := r.storage.AppendOrderHistory(ctx, in); err != nil {
		r.logger.Error("回収先履歴の記録に失敗しました", zap.String("order_id", target.ID), zap.Error(err))
	}
}
