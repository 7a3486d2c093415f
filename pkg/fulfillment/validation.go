package fulfillment

import (
	"fmt"
	"regexp"
	"strings"
)

var itemIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateItemID 品目IDの形式をバリデーション
func ValidateItemID(itemID string) error {
	if itemID == "" {
		return NewValidationError("item_id", "品目IDが空です", itemID)
	}
	if len(itemID) > 255 {
		return NewValidationError("item_id", "品目IDが長すぎます", itemID)
	}
	// 英数字、ハイフン、アンダースコアのみ許可
	if !itemIDPattern.MatchString(itemID) {
		return NewValidationError("item_id", "品目IDに無効な文字が含まれています", itemID)
	}
	return nil
}

// ValidateItemName 品目名をバリデーション
func ValidateItemName(name string) error {
	if strings.TrimSpace(name) == "" {
		return NewValidationError("name", "品目名が空です", name)
	}
	if len(name) > 500 {
		return NewValidationError("name", "品目名が長すぎます", name)
	}
	return nil
}

// ValidateQuantity 要求数量をバリデーション（正の値のみ許可）
func ValidateQuantity(quantity int64) error {
	if quantity <= 0 {
		return NewValidationError("quantity", "数量は正の値である必要があります", fmt.Sprintf("%d", quantity))
	}
	if quantity > 999999999 {
		return NewValidationError("quantity", "数量が有効範囲を超えています", fmt.Sprintf("%d", quantity))
	}
	return nil
}

// ValidateDelta 変化量をバリデーション（0は禁止、負は許可）
func ValidateDelta(delta int64) error {
	if delta == 0 {
		return NewValidationError("delta", "変化量0は記録できません", "0")
	}
	if delta < -999999999 || delta > 999999999 {
		return NewValidationError("delta", "変化量が有効範囲を超えています", fmt.Sprintf("%d", delta))
	}
	return nil
}

// ValidateUnitCost 単価をバリデーション
func ValidateUnitCost(unitCost float64) error {
	if unitCost < 0 {
		return NewValidationError("unit_cost", "単価は0以上である必要があります", fmt.Sprintf("%.2f", unitCost))
	}
	if unitCost > 999999.9999 {
		return NewValidationError("unit_cost", "単価が有効範囲を超えています", fmt.Sprintf("%.2f", unitCost))
	}
	return nil
}

// ValidateThreshold 低在庫閾値をバリデーション
func ValidateThreshold(threshold int64) error {
	if threshold < 0 {
		return NewValidationError("threshold", "閾値は0以上である必要があります", fmt.Sprintf("%d", threshold))
	}
	if threshold > 999999999 {
		return NewValidationError("threshold", "閾値が有効範囲を超えています", fmt.Sprintf("%d", threshold))
	}
	return nil
}

// ValidatePriorityTier 優先度層をバリデーション（1以上、小さいほど緊急）
func ValidatePriorityTier(tier int) error {
	if tier < 1 {
		return NewValidationError("priority_tier", "優先度層は1以上である必要があります", fmt.Sprintf("%d", tier))
	}
	if tier > 100 {
		return NewValidationError("priority_tier", "優先度層が有効範囲を超えています", fmt.Sprintf("%d", tier))
	}
	return nil
}

// ValidateActor 実行者をバリデーション
func ValidateActor(actor string) error {
	if actor == "" {
		return NewValidationError("actor", "実行者が空です", actor)
	}
	if len(actor) > 255 {
		return NewValidationError("actor", "実行者が長すぎます", actor)
	}
	return nil
}

// ValidateMutationReason 変動理由をバリデーション
func ValidateMutationReason(reason MutationReason) error {
	validReasons := map[MutationReason]bool{
		ReasonInitialStock:      true,
		ReasonPurchaseReceipt:   true,
		ReasonOrderFulfillment:  true,
		ReasonCompensation:      true,
		ReasonSeizureReturn:     true,
		ReasonProductionIssue:   true,
		ReasonProductionReceipt: true,
		ReasonManualAdjust:      true,
	}

	if !validReasons[reason] {
		return NewValidationError("reason", "無効な変動理由です", string(reason))
	}
	return nil
}

// ValidateBOMLine 部品表明細をバリデーション
func ValidateBOMLine(line BOMLine) error {
	if err := ValidateItemID(line.RawMaterialID); err != nil {
		return err
	}
	if line.QuantityPer <= 0 {
		return NewValidationError("quantity_per", "所要量は正の値である必要があります", fmt.Sprintf("%d", line.QuantityPer))
	}
	return nil
}

// ValidateOrderLine 注文明細をバリデーション
func ValidateOrderLine(line OrderLine) error {
	if err := ValidateItemID(line.ItemID); err != nil {
		return err
	}
	if err := ValidateQuantity(line.Quantity); err != nil {
		return err
	}
	if line.UnitPrice < 0 {
		return NewValidationError("unit_price", "販売単価は0以上である必要があります", fmt.Sprintf("%.2f", line.UnitPrice))
	}
	return nil
}
