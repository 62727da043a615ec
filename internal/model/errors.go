// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, provider, storage, auth, session, system
	Action   string // ユーザー向け対処方法

	// Cause はログ用の原因エラー。レスポンスには含めない。
	Cause error
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Cause
}

// 定義済みエラーコード
const (
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeEmptyInput       = "EMPTY_INPUT"
	ErrCodeProviderTimeout  = "PROVIDER_TIMEOUT"
	ErrCodeProviderError    = "PROVIDER_ERROR"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeStorageError     = "STORAGE_ERROR"
	ErrCodeAuthFailed       = "AUTH_FAILED"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeUsernameTaken    = "USERNAME_TAKEN"
	ErrCodePasswordMismatch = "PASSWORD_MISMATCH"
	ErrCodeSessionClosed    = "SESSION_CLOSED"
	ErrCodeUserNotFound     = "USER_NOT_FOUND"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// NewInvalidInputError は入力値の範囲外・形式不正エラーを生成する。
func NewInvalidInputError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidInput,
		Message:  fmt.Sprintf("入力値が不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewEmptyInputError は空メッセージエラーを生成する。
func NewEmptyInputError() *APIError {
	return &APIError{
		Code:     ErrCodeEmptyInput,
		Message:  "メッセージが空です。",
		Category: "validation",
		Action:   "質問や感想を入力してから送信してください。",
	}
}

// NewProviderTimeoutError は外部AIプロバイダのタイムアウトエラーを生成する。
func NewProviderTimeoutError(provider string, cause error) *APIError {
	return &APIError{
		Code:     ErrCodeProviderTimeout,
		Message:  fmt.Sprintf("%s の応答がタイムアウトしました。", provider),
		Category: "provider",
		Action:   "しばらく待ってから再度お試しください。",
		Cause:    cause,
	}
}

// NewProviderError は外部AIプロバイダの呼び出し失敗エラーを生成する。
func NewProviderError(provider string, cause error) *APIError {
	return &APIError{
		Code:     ErrCodeProviderError,
		Message:  fmt.Sprintf("%s の呼び出しに失敗しました。", provider),
		Category: "provider",
		Action:   "しばらく待ってから再度お試しください。",
		Cause:    cause,
	}
}

// NewRateLimitedError はレート制限エラーを生成する。
// providerが空の場合は本サービス自身のレート制限を表す。
func NewRateLimitedError(provider string, cause error) *APIError {
	msg := "リクエスト数が上限に達しました。"
	if provider != "" {
		msg = fmt.Sprintf("%s のリクエスト数が上限に達しました。", provider)
	}
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  msg,
		Category: "provider",
		Action:   "少し時間をおいてから再度お試しください。",
		Cause:    cause,
	}
}

// NewStorageError は永続化層のエラーを生成する。
func NewStorageError(op string, cause error) *APIError {
	return &APIError{
		Code:     ErrCodeStorageError,
		Message:  fmt.Sprintf("データの保存に失敗しました（%s）。", op),
		Category: "storage",
		Action:   "今回のやり取りは記録されていません。しばらく待ってから再度送信してください。",
		Cause:    cause,
	}
}

// NewAuthFailedError は認証失敗エラーを生成する。
// ユーザー名とパスワードのどちらが誤っているかは区別しない。
func NewAuthFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeAuthFailed,
		Message:  "ユーザー名またはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度ログインしてください。",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewUsernameTakenError はユーザー名重複エラーを生成する。
func NewUsernameTakenError(username string) *APIError {
	return &APIError{
		Code:     ErrCodeUsernameTaken,
		Message:  fmt.Sprintf("ユーザー名は既に使われています: %s", username),
		Category: "auth",
		Action:   "別のユーザー名を指定してください。",
	}
}

// NewPasswordMismatchError はパスワード確認不一致エラーを生成する。
func NewPasswordMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodePasswordMismatch,
		Message:  "パスワードと確認用パスワードが一致しません。",
		Category: "validation",
		Action:   "同じパスワードを2回入力してください。",
	}
}

// NewSessionClosedError は終了済みセッションへの操作エラーを生成する。
func NewSessionClosedError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionClosed,
		Message:  "セッションは終了しています。",
		Category: "session",
		Action:   "再度ログインしてください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// IsCode はerrがAPIErrorであり、指定コードを持つかを判定する。
func IsCode(err error, code string) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == code
}
