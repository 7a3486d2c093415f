package fulfillment

import (
	"errors"
	"fmt"
)

// Common fulfillment errors
// 共通のフルフィルメントエラー定義

var (
	// ErrItemNotFound is returned when an item doesn't exist
	// 品目が存在しない場合のエラー
	ErrItemNotFound = errors.New("品目が見つかりません")

	// ErrOrderNotFound is returned when an order doesn't exist
	// 注文が存在しない場合のエラー
	ErrOrderNotFound = errors.New("注文が見つかりません")

	// ErrProductionOrderNotFound is returned when a production order doesn't exist
	// 製造指図が存在しない場合のエラー
	ErrProductionOrderNotFound = errors.New("製造指図が見つかりません")

	// ErrRecipeNotFound is returned when a finished good has no recipe
	// 完成品に部品表が登録されていない場合のエラー
	ErrRecipeNotFound = errors.New("部品表が見つかりません")

	// ErrInsufficientStock is returned when a deduction would drive stock negative
	// 控除により在庫が負になる場合のエラー
	ErrInsufficientStock = errors.New("在庫が不足しています")

	// ErrInvalidTransition is returned on a disallowed status transition
	// 許可されないステータス遷移のエラー
	ErrInvalidTransition = errors.New("無効なステータス遷移です")

	// ErrDuplicateItem is returned when trying to create an item that already exists
	// 既に存在する品目を作成しようとした場合のエラー
	ErrDuplicateItem = errors.New("品目は既に存在します")

	// ErrDuplicateOrder is returned when trying to create an order that already exists
	// 既に存在する注文を作成しようとした場合のエラー
	ErrDuplicateOrder = errors.New("注文は既に存在します")

	// ErrOrderAlreadyAssembled is returned when assembling an already-assembled order
	// 既に組立済みの注文を組み立てようとした場合のエラー
	ErrOrderAlreadyAssembled = errors.New("注文は既に組立済みです")
)

// ValidationError represents a validation error with details
// 詳細付きバリデーションエラーを表現
type ValidationError struct {
	Field   string `json:"field"`   // エラーフィールド
	Message string `json:"message"` // エラーメッセージ
	Value   string `json:"value"`   // 無効な値
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("バリデーションエラー [%s]: %s (値: %s)", e.Field, e.Message, e.Value)
}

// BusinessRuleError represents a business rule violation
// ビジネスルール違反を表現
type BusinessRuleError struct {
	Rule    string `json:"rule"`    // ルール名
	Message string `json:"message"` // エラーメッセージ
	Context string `json:"context"` // コンテキスト情報
}

func (e BusinessRuleError) Error() string {
	return fmt.Sprintf("ビジネスルール違反 [%s]: %s (コンテキスト: %s)", e.Rule, e.Message, e.Context)
}

// StorageError represents a storage layer error
// ストレージ層のエラーを表現
type StorageError struct {
	Operation string `json:"operation"` // 操作名
	Message   string `json:"message"`   // エラーメッセージ
	Cause     error  `json:"cause"`     // 原因エラー
}

func (e StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ストレージエラー [%s]: %s (原因: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("ストレージエラー [%s]: %s", e.Operation, e.Message)
}

func (e StorageError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new validation error
// 新しいバリデーションエラーを作成
func NewValidationError(field, message, value string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// NewBusinessRuleError creates a new business rule error
// 新しいビジネスルールエラーを作成
func NewBusinessRuleError(rule, message, context string) *BusinessRuleError {
	return &BusinessRuleError{
		Rule:    rule,
		Message: message,
		Context: context,
	}
}

// NewStorageError creates a new storage error
// 新しいストレージエラーを作成
func NewStorageError(operation, message string, cause error) *StorageError {
	return &StorageError{
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}
