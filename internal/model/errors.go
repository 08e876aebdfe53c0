package model

import "fmt"

// OpError は操作エラーの統一フォーマットを表す。
// 管理者に表示する原因カテゴリと対処方法を含む。
type OpError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, remote, store, conflict
	Action   string // 管理者向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *OpError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeAuthFailed      = "AUTH_FAILED"
	ErrCodeInvalidDuration = "INVALID_DURATION"
	ErrCodeUnknownPlan     = "UNKNOWN_PLAN"
	ErrCodeAmbiguousTarget = "AMBIGUOUS_TARGET"
	ErrCodeTargetNotFound  = "TARGET_NOT_FOUND"
	ErrCodeRemoteFailed    = "REMOTE_FAILED"
	ErrCodeCodeUnresolved  = "CODE_UNRESOLVED"
	ErrCodeStoreFailed     = "STORE_FAILED"
	ErrCodeInvalidStatus   = "INVALID_STATUS"
)

// NewAuthFailedError は認証失敗エラーを生成する。
// 再ログイン1回の後も拒否された場合にのみ使われる。
func NewAuthFailedError(detail string) *OpError {
	return &OpError{
		Code:     ErrCodeAuthFailed,
		Message:  fmt.Sprintf("リモートAPIの認証に失敗しました: %s", detail),
		Category: "auth",
		Action:   "接続先の認証情報（ユーザー名・パスワード）を確認してください。",
	}
}

// NewInvalidDurationError は期間指定が不正な場合のエラーを生成する。
func NewInvalidDurationError() *OpError {
	return &OpError{
		Code:     ErrCodeInvalidDuration,
		Message:  "有効期間の合計が正の値になりません。",
		Category: "validation",
		Action:   "月・日・時間・分のいずれかに正の値を指定してください。",
	}
}

// NewUnknownPlanError は存在しないプランが指定された場合のエラーを生成する。
func NewUnknownPlanError(plan string, available []string) *OpError {
	return &OpError{
		Code:     ErrCodeUnknownPlan,
		Message:  fmt.Sprintf("プラン %q はリモートシステムに存在しません。", plan),
		Category: "validation",
		Action:   fmt.Sprintf("利用可能なプラン: %v", available),
	}
}

// NewAmbiguousTargetError は対象ユーザーの解決が一意に定まらない場合のエラーを生成する。
// 最初の候補を暗黙に選ぶことはせず、必ず呼び出し元に曖昧さを報告する。
func NewAmbiguousTargetError(identifier string, candidates []string) *OpError {
	return &OpError{
		Code:     ErrCodeAmbiguousTarget,
		Message:  fmt.Sprintf("識別子 %q に複数の候補が一致しました: %v", identifier, candidates),
		Category: "conflict",
		Action:   "ユーザーIDまたはメンションで対象を一意に指定してください。",
	}
}

// NewTargetNotFoundError は対象ユーザーを解決できなかった場合のエラーを生成する。
func NewTargetNotFoundError(identifier string) *OpError {
	return &OpError{
		Code:     ErrCodeTargetNotFound,
		Message:  fmt.Sprintf("識別子 %q からユーザーを特定できませんでした。", identifier),
		Category: "validation",
		Action:   "ユーザーID、メンション、またはリモートユーザー名を確認してください。",
	}
}

// NewInvalidStatusError は閉じた集合に含まれないステータスが指定された場合のエラーを生成する。
func NewInvalidStatusError(status string) *OpError {
	return &OpError{
		Code:     ErrCodeInvalidStatus,
		Message:  fmt.Sprintf("無効なステータスです: %q", status),
		Category: "validation",
		Action:   "ステータスには trial、paid、disabled のいずれかを指定してください。",
	}
}
