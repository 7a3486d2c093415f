package fulfillment

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// BOMResolver resolves the current recipe for a finished good. Resolve
// returns the live recipe; callers that need immutability across time must
// snapshot the result (the production trigger does this).
// 完成品の現在の部品表を解決する。Resolveは常に最新の部品表を返すため、
// 時間を越えた不変性が必要な呼び出し側は結果をスナップショットすること
// （製造トリガーがこれを行う）。
type BOMResolver struct {
	storage Storage     // ストレージ層
	logger  *zap.Logger // ログ
}

// NewBOMResolver creates a new bill-of-materials resolver
// 新しい部品表リゾルバを作成
func NewBOMResolver(storage Storage, logger *zap.Logger) *BOMResolver {
	return &BOMResolver{
		storage: storage,
		logger:  logger,
	}
}

// Resolve returns the current recipe for a finished good
// 完成品の現在の部品表を返す
func (r *BOMResolver) Resolve(ctx context.Context, finishedGoodID string) ([]BOMLine, error) {
	item, err := r.storage.GetItem(ctx, finishedGoodID)
	if err != nil {
		if err == ErrItemNotFound {
			return nil, ErrItemNotFound
		}
		return nil, NewStorageError("get_item", "品目取得に失敗しました", err)
	}
	if item.Kind != ItemKindFinishedGood {
		return nil, NewValidationError("finished_good_id", "完成品ではない品目の部品表は解決できません", finishedGoodID)
	}

	lines, err := r.storage.GetRecipe(ctx, finishedGoodID)
	if err != nil {
		if err == ErrRecipeNotFound {
			return nil, ErrRecipeNotFound
		}
		return nil, NewStorageError("get_recipe", "部品表取得に失敗しました", err)
	}

	return lines, nil
}

// SaveRecipe registers or replaces the recipe for a finished good. Changes
// never retroactively alter production orders already carrying a snapshot.
// 完成品の部品表を登録または置換する。変更は既にスナップショットを持つ
// 製造指図に遡って影響しない。
func (r *BOMResolver) SaveRecipe(ctx context.Context, finishedGoodID string, lines []BOMLine) error {
	if len(lines) == 0 {
		return NewValidationError("lines", "部品表の行が空です", finishedGoodID)
	}

	item, err := r.storage.GetItem(ctx, finishedGoodID)
	if err != nil {
		if err == ErrItemNotFound {
			return ErrItemNotFound
		}
		return NewStorageError("get_item", "品目取得に失敗しました", err)
	}
	if item.Kind != ItemKindFinishedGood {
		return NewValidationError("finished_good_id", "部品表は完成品にのみ登録できます", finishedGoodID)
	}

	seen := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		if line.QuantityPer <= 0 {
			return NewValidationError("quantity_per", "所要量は正の値である必要があります", fmt.Sprintf("%s: %d", line.RawMaterialID, line.QuantityPer))
		}
		if _, dup := seen[line.RawMaterialID]; dup {
			return NewValidationError("raw_material_id", "原材料が重複しています", line.RawMaterialID)
		}
		seen[line.RawMaterialID] = struct{}{}

		raw, err := r.storage.GetItem(ctx, line.RawMaterialID)
		if err != nil {
			if err == ErrItemNotFound {
				return ErrItemNotFound
			}
			return NewStorageError("get_item", "原材料取得に失敗しました", err)
		}
		if raw.Kind != ItemKindRawMaterial {
			return NewValidationError("raw_material_id", "原材料ではない品目は部品表に登録できません", line.RawMaterialID)
		}
	}

	if err := r.storage.SaveRecipe(ctx, finishedGoodID, lines); err != nil {
		return NewStorageError("save_recipe", "部品表保存に失敗しました", err)
	}

	r.logger.Info("部品表登録完了",
		zap.String("finished_good_id", finishedGoodID),
		zap.Int("lines", len(lines)),
	)

	return nil
}

// Snapshot deep-copies recipe lines for attachment to a production order
// 製造指図に添付するため部品表の行を複製
func Snapshot(lines []BOMLine) []BOMLine {
	frozen := make([]BOMLine, len(lines))
	copy(frozen, lines)
	return frozen
}
