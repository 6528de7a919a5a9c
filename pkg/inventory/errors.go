package inventory

import (
	"errors"
	"fmt"
	"strings"
)

// Common ledger errors
// 共通の台帳エラー定義

var (
	// ErrBatchNotFound is returned when a batch doesn't exist
	// バッチが存在しない場合のエラー
	ErrBatchNotFound = errors.New("バッチが見つかりません")

	// ErrItemHasNoBatches is returned when an inventory item has no batches at all
	// 在庫品目にバッチが1つもない場合のエラー
	ErrItemHasNoBatches = errors.New("在庫品目のバッチが見つかりません")

	// ErrReferenceNotFound is returned when no consumption exists for a reference
	// 参照に対応する消費が存在しない場合のエラー
	ErrReferenceNotFound = errors.New("参照に対応する消費記録が見つかりません")

	// ErrDuplicateBatchNumber is returned when a batch number is reused within an item
	// 同一品目内でバッチ番号が重複した場合のエラー
	ErrDuplicateBatchNumber = errors.New("バッチ番号は既に存在します")

	// ErrVersionMismatch is returned when optimistic locking fails
	// 楽観的ロック失敗時のエラー
	ErrVersionMismatch = errors.New("バージョンが一致しません。他の処理によって更新されています")

	// ErrNegativeQuantity is returned when a non-positive quantity is provided
	// 正でない数量が指定された場合のエラー
	ErrNegativeQuantity = errors.New("数量は正の値である必要があります")
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

// ShortageError reports every inventory item that could not be fully planned.
// It is an expected outcome, not a system fault.
// 計画できなかった全品目を報告する（システム障害ではない）
type ShortageError struct {
	Shortages []ItemShortage `json:"shortages"`
}

func (e ShortageError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		parts = append(parts, fmt.Sprintf("%s: 必要 %s / 在庫 %s / 不足 %s",
			s.InventoryItemID, s.QuantityNeeded, s.QuantityAvailable, s.Deficit))
	}
	return fmt.Sprintf("在庫が不足しています [%s]", strings.Join(parts, ", "))
}

// ConcurrencyError represents a concurrent modification detected during commit
// コミット中に検出された同時更新を表現
type ConcurrencyError struct {
	Operation string `json:"operation"` // 操作名
	Resource  string `json:"resource"`  // リソース
	Message   string `json:"message"`   // エラーメッセージ
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("同時実行エラー [%s:%s]: %s", e.Operation, e.Resource, e.Message)
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

// NewShortageError creates a new shortage error
// 新しい在庫不足エラーを作成
func NewShortageError(shortages []ItemShortage) *ShortageError {
	return &ShortageError{Shortages: shortages}
}

// NewConcurrencyError creates a new concurrency error
// 新しい同時実行エラーを作成
func NewConcurrencyError(operation, resource, message string) *ConcurrencyError {
	return &ConcurrencyError{
		Operation: operation,
		Resource:  resource,
		Message:   message,
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

// IsConflict reports whether err is a retryable concurrent modification
// errが再試行可能な同時更新エラーかを判定
func IsConflict(err error) bool {
	var ce *ConcurrencyError
	return errors.As(err, &ce) || errors.Is(err, ErrVersionMismatch)
}

// IsNotFound reports whether err means an unknown batch or reference
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBatchNotFound) ||
		errors.Is(err, ErrItemHasNoBatches) ||
		errors.Is(err, ErrReferenceNotFound)
}

// wrapStorage wraps unexpected errors as StorageError, leaving domain errors untouched
// 想定外のエラーをStorageErrorでラップ（ドメインエラーはそのまま）
func wrapStorage(operation, message string, err error) error {
	if err == nil {
		return nil
	}
	var (
		se  *StorageError
		ve  *ValidationError
		be  *BusinessRuleError
		she *ShortageError
	)
	if errors.As(err, &se) || errors.As(err, &ve) || errors.As(err, &be) || errors.As(err, &she) ||
		IsConflict(err) || IsNotFound(err) || errors.Is(err, ErrDuplicateBatchNumber) {
		return err
	}
	return NewStorageError(operation, message, err)
}
