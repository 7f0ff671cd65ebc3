// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ErrNotAuthenticated は認証済みユーザーが必要な操作を未認証で呼び出した場合のエラー。
var ErrNotAuthenticated = errors.New("user not authenticated")

// AuthError は認証操作（サインアップ、サインイン、サインアウト等）の失敗を表す。
// Messageはそのままエンドユーザーに表示する。
type AuthError struct {
	Message string
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	return e.Message
}

// Unwrap は元のエラーを返す。
func (e *AuthError) Unwrap() error {
	return e.Err
}

// NewAuthError はAuthErrorを生成する。
func NewAuthError(message string, err error) *AuthError {
	return &AuthError{Message: message, Err: err}
}

// DataError はレコード操作（一覧、作成、更新、削除）の失敗を表す。
type DataError struct {
	Message string
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *DataError) Error() string {
	return e.Message
}

// Unwrap は元のエラーを返す。
func (e *DataError) Unwrap() error {
	return e.Err
}

// NewDataError はDataErrorを生成する。
func NewDataError(message string, err error) *DataError {
	return &DataError{Message: message, Err: err}
}

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, data, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeAuthFailed      = "AUTH_FAILED"
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeTodoNotFound    = "TODO_NOT_FOUND"
	ErrCodeDataFailed      = "DATA_FAILED"
	ErrCodeSessionPending  = "SESSION_PENDING"
	ErrCodeInternal        = "INTERNAL_ERROR"
	ErrCodeTooManyRequests = "RATE_LIMIT_EXCEEDED"
)

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "ログインが必要です。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewSessionPendingError はセッション確認中でまだ応答できない場合のエラーを生成する。
func NewSessionPendingError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionPending,
		Message:  "セッションを確認しています。",
		Category: "auth",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewAuthFailedError は認証操作の失敗をAPIErrorに変換する。
// メッセージはプロバイダーから受け取ったものをそのまま使う。
func NewAuthFailedError(err *AuthError) *APIError {
	return &APIError{
		Code:     ErrCodeAuthFailed,
		Message:  err.Message,
		Category: "auth",
		Action:   "入力内容を確認して再度お試しください。",
	}
}

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  reason,
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewTodoNotFoundError はタスク未検出エラーを生成する。
func NewTodoNotFoundError(todoID string) *APIError {
	return &APIError{
		Code:     ErrCodeTodoNotFound,
		Message:  fmt.Sprintf("指定されたタスクが見つかりません: %s", todoID),
		Category: "data",
		Action:   "一覧を再読み込みしてください。",
	}
}

// NewDataFailedError はレコード操作の失敗をAPIErrorに変換する。
func NewDataFailedError(err *DataError) *APIError {
	return &APIError{
		Code:     ErrCodeDataFailed,
		Message:  err.Message,
		Category: "data",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
