package fulfillment

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Ledger owns stock quantities and their append-only mutation history.
// Mutations are serialized per item: check-then-act runs under a per-item
// exclusive lock so concurrent deductions cannot both pass a stale
// non-negativity check. Multi-item mutations acquire locks in sorted item
// order to avoid deadlock.
// 在庫数量とその追記専用変動履歴を所有する。変動は品目ごとに直列化され、
// 非負チェックと適用は品目単位の排他ロック下で実行される。複数品目の変動
// は品目IDのソート順にロックを取得しデッドロックを回避する。
type Ledger struct {
	storage   Storage        // ストレージ層
	publisher EventPublisher // イベント発行者
	logger    *zap.Logger    // ログ
	config    *Config        // 設定

	mu    sync.Mutex             // ロックテーブル保護
	locks map[string]*sync.Mutex // 品目ごとの排他ロック
}

// インターフェースを実装することを明示
var _ StockLedger = (*Ledger)(nil)

// NewLedger creates a new stock ledger
// 新しい在庫台帳を作成
func NewLedger(storage Storage, publisher EventPublisher, logger *zap.Logger, config *Config) *Ledger {
	if config == nil {
		config = DefaultConfig()
	}

	return &Ledger{
		storage:   storage,
		publisher: publisher,
		logger:    logger,
		config:    config,
		locks:     make(map[string]*sync.Mutex),
	}
}

// lockFor returns the exclusive lock for an item, creating it on demand
// 品目の排他ロックを返す（必要に応じて作成）
func (l *Ledger) lockFor(itemID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[itemID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[itemID] = lock
	}
	return lock
}

// lockItems locks the deduplicated, sorted item set and returns the unlock
// function. Sorted acquisition prevents deadlock between overlapping
// multi-item operations.
// 重複排除・ソート済みの品目集合をロックし解除関数を返す。ソート順の取得
// により複数品目操作同士のデッドロックを防ぐ。
func (l *Ledger) lockItems(itemIDs []string) func() {
	unique := make(map[string]struct{}, len(itemIDs))
	for _, id := range itemIDs {
		unique[id] = struct{}{}
	}

	sorted := make([]string, 0, len(unique))
	for id := range unique {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	locked := make([]*sync.Mutex, 0, len(sorted))
	for _, id := range sorted {
		lock := l.lockFor(id)
		lock.Lock()
		locked = append(locked, lock)
	}

	return func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].Unlock()
		}
	}
}

// GetQuantity gets the current quantity for an item
// 品目の現在数量を取得
func (l *Ledger) GetQuantity(ctx context.Context, itemID string) (int64, error) {
	item, err := l.storage.GetItem(ctx, itemID)
	if err != nil {
		if err == ErrItemNotFound {
			return 0, ErrItemNotFound
		}
		return 0, NewStorageError("get_item", "品目取得に失敗しました", err)
	}
	return item.Quantity, nil
}

// ApplyDelta applies a single signed quantity change. A negative delta that
// would drive the quantity below zero fails with ErrInsufficientStock and
// performs no partial effect. Every successful call appends exactly one
// StockMutation.
// 単一の符号付き数量変更を適用する。数量を負にする控除は
// ErrInsufficientStockで失敗し、部分的な効果は残さない。成功した呼び出し
// は必ず1件のStockMutationを追記する。
func (l *Ledger) ApplyDelta(ctx context.Context, itemID string, delta int64, reason MutationReason, correlationID, actor string) (*StockMutation, error) {
	if delta == 0 {
		return nil, NewValidationError("delta", "変化量は0以外である必要があります", "0")
	}

	lock := l.lockFor(itemID)
	lock.Lock()
	mutation, signal, err := l.applyDeltaLocked(ctx, itemID, delta, reason, correlationID, actor)
	lock.Unlock()

	if err != nil {
		return nil, err
	}

	// 通知は確定後に発行（クリティカルセクション外）
	l.dispatchLowStock(ctx, signal)

	l.logger.Info("在庫変動適用完了",
		zap.String("item_id", itemID),
		zap.Int64("delta", delta),
		zap.Int64("resulting_qty", mutation.ResultingQty),
		zap.String("reason", string(reason)),
		zap.String("correlation_id", correlationID),
	)

	return mutation, nil
}

// ApplyDeltas applies a set of quantity changes atomically with respect to
// concurrent callers. All item locks are held for the duration; if any
// change fails after others were applied, the applied changes are
// compensated with reverse deltas before returning the error.
// 複数の数量変更を他の呼び出しに対して原子的に適用する。対象品目の
// ロックを通して保持し、途中で失敗した場合は適用済みの変更を逆方向の
// 変動で補償してからエラーを返す。
func (l *Ledger) ApplyDeltas(ctx context.Context, deltas []Delta, reason MutationReason, correlationID, actor string) ([]StockMutation, error) {
	if len(deltas) == 0 {
		return nil, NewValidationError("deltas", "変更リストが空です", "")
	}
	for _, d := range deltas {
		if d.Delta == 0 {
			return nil, NewValidationError("delta", "変化量は0以外である必要があります", fmt.Sprintf("%s: 0", d.ItemID))
		}
	}

	itemIDs := make([]string, 0, len(deltas))
	for _, d := range deltas {
		itemIDs = append(itemIDs, d.ItemID)
	}

	unlock := l.lockItems(itemIDs)

	var (
		mutations []StockMutation
		signals   []*lowStockSignal
	)

	for i, d := range deltas {
		mutation, signal, err := l.applyDeltaLocked(ctx, d.ItemID, d.Delta, reason, correlationID, actor)
		if err != nil {
			// 適用済みの変動を逆方向で補償
			l.compensateLocked(ctx, deltas[:i], correlationID, actor)
			unlock()
			return nil, err
		}
		mutations = append(mutations, *mutation)
		if signal != nil {
			signals = append(signals, signal)
		}
	}

	unlock()

	for _, signal := range signals {
		l.dispatchLowStock(ctx, signal)
	}

	l.logger.Info("一括在庫変動適用完了",
		zap.Int("count", len(mutations)),
		zap.String("reason", string(reason)),
		zap.String("correlation_id", correlationID),
	)

	return mutations, nil
}

// GetHistory gets the mutation history for an item, newest first
// 品目の変動履歴を新しい順に取得
func (l *Ledger) GetHistory(ctx context.Context, itemID string, limit int) ([]StockMutation, error) {
	if limit <= 0 {
		limit = 100 // デフォルト値
	}

	if _, err := l.storage.GetItem(ctx, itemID); err != nil {
		if err == ErrItemNotFound {
			return nil, ErrItemNotFound
		}
		return nil, NewStorageError("get_item", "品目取得に失敗しました", err)
	}

	return l.storage.GetMutationHistory(ctx, itemID, limit)
}

// lowStockSignal carries a low-stock condition out of the critical section
// 低在庫状態をクリティカルセクション外へ持ち出す
type lowStockSignal struct {
	itemID    string
	quantity  int64
	threshold int64
	reason    MutationReason
}

// applyDeltaLocked performs the check-then-act mutation. The caller must
// hold the item lock.
// チェックと適用を行う。呼び出し側が品目ロックを保持していること。
func (l *Ledger) applyDeltaLocked(ctx context.Context, itemID string, delta int64, reason MutationReason, correlationID, actor string) (*StockMutation, *lowStockSignal, error) {
	item, err := l.storage.GetItem(ctx, itemID)
	if err != nil {
		if err == ErrItemNotFound {
			return nil, nil, ErrItemNotFound
		}
		return nil, nil, NewStorageError("get_item", "品目取得に失敗しました", err)
	}

	newQty := item.Quantity + delta
	if newQty < 0 {
		return nil, nil, ErrInsufficientStock
	}

	prevQty := item.Quantity
	item.Quantity = newQty
	item.UpdatedAt = time.Now()
	item.UpdatedBy = actor

	if err := l.storage.UpdateItem(ctx, item); err != nil {
		return nil, nil, NewStorageError("update_item", "品目更新に失敗しました", err)
	}

	mutation := &StockMutation{
		ID:            NewMutationID(),
		ItemID:        itemID,
		Delta:         delta,
		ResultingQty:  newQty,
		Reason:        reason,
		CorrelationID: correlationID,
		Actor:         actor,
		CreatedAt:     time.Now(),
	}

	if err := l.storage.AppendMutation(ctx, mutation); err != nil {
		// 数量と履歴の整合を保つため品目数量を戻す
		item.Quantity = prevQty
		if revertErr := l.storage.UpdateItem(ctx, item); revertErr != nil {
			l.logger.Error("変動記録失敗後の数量復元に失敗しました",
				zap.String("item_id", itemID),
				zap.Error(revertErr),
			)
		}
		return nil, nil, NewStorageError("append_mutation", "変動記録の追記に失敗しました", err)
	}

	// 通知条件は適用後数量のみ。閾値以下に留まる受入でも通知する。
	var signal *lowStockSignal
	if threshold := l.thresholdFor(item); newQty <= threshold {
		signal = &lowStockSignal{
			itemID:    itemID,
			quantity:  newQty,
			threshold: threshold,
			reason:    reason,
		}
	}

	return mutation, signal, nil
}

// compensateLocked reverses already-applied deltas of a failed batch. The
// caller still holds all item locks. Reversals return stock, so they cannot
// violate non-negativity; failures here are logged, not propagated.
// 失敗したバッチの適用済み変動を逆転させる。呼び出し側が全品目ロックを
// 保持している。逆転は在庫の返却なので非負制約に抵触しない。
func (l *Ledger) compensateLocked(ctx context.Context, applied []Delta, correlationID, actor string) {
	for i := len(applied) - 1; i >= 0; i-- {
		d := applied[i]
		if _, _, err := l.applyDeltaLocked(ctx, d.ItemID, -d.Delta, ReasonCompensation, correlationID, actor); err != nil {
			l.logger.Error("補償変動の適用に失敗しました",
				zap.String("item_id", d.ItemID),
				zap.Int64("delta", -d.Delta),
				zap.String("correlation_id", correlationID),
				zap.Error(err),
			)
		}
	}
}

// thresholdFor resolves the effective low-stock threshold for an item
// 品目の有効な低在庫閾値を解決
func (l *Ledger) thresholdFor(item *StockItem) int64 {
	if item.LowStockThreshold != nil {
		return *item.LowStockThreshold
	}
	return l.config.DefaultLowStockThreshold
}

// dispatchLowStock publishes a low-stock event, fire-and-forget
// 低在庫イベントを発行（失敗しても処理は巻き戻さない）
func (l *Ledger) dispatchLowStock(ctx context.Context, signal *lowStockSignal) {
	if signal == nil || l.publisher == nil {
		return
	}

	event := LowStockEvent{
		ItemID:    signal.itemID,
		Quantity:  signal.quantity,
		Threshold: signal.threshold,
		Reason:    string(signal.reason),
		Timestamp: time.Now(),
	}
	if err := l.publisher.PublishLowStock(ctx, event); err != nil {
		l.logger.Error("低在庫イベント発行に失敗しました",
			zap.String("item_id", signal.itemID),
			zap.Error(err),
		)
	}
}
