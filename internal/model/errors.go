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
	Category string // カテゴリ: validation, duplicate, auth, not_found, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeInvalidExternalID   = "INVALID_CUSTOMER_ID"
	ErrCodeInvalidEmail        = "INVALID_EMAIL"
	ErrCodeWeakPassword        = "WEAK_PASSWORD"
	ErrCodeDuplicateExternalID = "DUPLICATE_CUSTOMER_ID"
	ErrCodeDuplicateEmail      = "DUPLICATE_EMAIL"
	ErrCodeAuthFailed          = "AUTHENTICATION_FAILED"
	ErrCodeUnauthenticated     = "UNAUTHENTICATED"
	ErrCodeInvalidResetToken   = "INVALID_RESET_TOKEN"
	ErrCodeWrongPassword       = "WRONG_PASSWORD"
	ErrCodeAccountNotFound     = "ACCOUNT_NOT_FOUND"
	ErrCodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	ErrCodeDependency          = "DEPENDENCY_ERROR"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// DependencyError はストアや通知先など外部依存の失敗を表す。
// 呼び出し元には一般的なサーバーエラーとして返し、詳細はログにのみ記録する。
type DependencyError struct {
	Op  string
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *DependencyError) Error() string {
	return fmt.Sprintf("dependency failure: %s: %v", e.Op, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *DependencyError) Unwrap() error {
	return e.Err
}

// NewDependencyFailure はopの失敗をDependencyErrorでラップする。
func NewDependencyFailure(op string, err error) error {
	return &DependencyError{Op: op, Err: err}
}

// ErrorCode はerrがAPIErrorであればそのコードを返す。それ以外は空文字を返す。
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// NewInvalidRequestError はリクエストボディが不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエストの形式を確認してください。",
	}
}

// NewInvalidExternalIDError は顧客IDの形式が不正な場合のエラーを生成する。
func NewInvalidExternalIDError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidExternalID,
		Message:  "顧客IDは6〜20文字の英数字で入力してください。",
		Category: "validation",
		Action:   "半角英数字のみを使用し、6文字以上20文字以内で入力してください。",
	}
}

// NewInvalidEmailError はメールアドレスの形式が不正な場合のエラーを生成する。
func NewInvalidEmailError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidEmail,
		Message:  "メールアドレスの形式が正しくありません。",
		Category: "validation",
		Action:   "有効なメールアドレスを入力してください。",
	}
}

// NewWeakPasswordError はパスワード強度ポリシーを満たさない場合のエラーを生成する。
func NewWeakPasswordError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeWeakPassword,
		Message:  fmt.Sprintf("パスワードが強度要件を満たしていません: %s", reason),
		Category: "validation",
		Action:   "8文字以上で、英大文字・英小文字・数字をそれぞれ1文字以上含めてください。",
	}
}

// NewDuplicateExternalIDError は顧客IDが既に登録済みの場合のエラーを生成する。
func NewDuplicateExternalIDError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateExternalID,
		Message:  "この顧客IDは既に登録されています。",
		Category: "duplicate",
		Action:   "別の顧客IDを指定するか、ログインしてください。",
	}
}

// NewDuplicateEmailError はメールアドレスが既に登録済みの場合のエラーを生成する。
func NewDuplicateEmailError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateEmail,
		Message:  "このメールアドレスは既に登録されています。",
		Category: "duplicate",
		Action:   "別のメールアドレスを指定するか、パスワードリセットをご利用ください。",
	}
}

// NewAuthFailedError はログイン失敗時のエラーを生成する。
// 顧客IDの不存在・パスワード不一致・無効アカウントを区別しない。
func NewAuthFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeAuthFailed,
		Message:  "顧客IDまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度お試しください。",
	}
}

// NewUnauthenticatedError はセッショントークンが無い・無効・期限切れの場合のエラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "認証情報が無効です。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewInvalidResetTokenError はリセットトークンが無効・使用済み・期限切れの場合のエラーを生成する。
func NewInvalidResetTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidResetToken,
		Message:  "リセットトークンが無効か、有効期限が切れています。",
		Category: "auth",
		Action:   "パスワードリセットを再度お申し込みください。",
	}
}

// NewWrongPasswordError は現在のパスワードが一致しない場合のエラーを生成する。
func NewWrongPasswordError() *APIError {
	return &APIError{
		Code:     ErrCodeWrongPassword,
		Message:  "現在のパスワードが正しくありません。",
		Category: "auth",
		Action:   "現在のパスワードを確認してください。",
	}
}

// NewAccountNotFoundError は認証済みアカウントが見つからない場合のエラーを生成する。
func NewAccountNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeAccountNotFound,
		Message:  "アカウントが見つかりません。",
		Category: "not_found",
		Action:   "ログインし直してください。",
	}
}

// NewRateLimitError はレート制限を超過した場合のエラーを生成する。
func NewRateLimitError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterヘッダーの秒数待ってから再度お試しください。",
	}
}

// NewDependencyError はストアや通知先が利用できない場合のエラーを生成する。
// 詳細はログにのみ記録し、呼び出し元には一般的なメッセージを返す。
func NewDependencyError() *APIError {
	return &APIError{
		Code:     ErrCodeDependency,
		Message:  "サービスが一時的に利用できません。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
