// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, verification, access, auth, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeDuplicateRequest      = "DUPLICATE_REQUEST"
	ErrCodeMissingEvidence       = "MISSING_EVIDENCE"
	ErrCodeInvalidMethod         = "INVALID_METHOD"
	ErrCodeInvalidToken          = "INVALID_TOKEN"
	ErrCodeAccessNotGranted      = "ACCESS_NOT_GRANTED"
	ErrCodeAccessExpired         = "ACCESS_EXPIRED"
	ErrCodeGracePeriodNotElapsed = "GRACE_PERIOD_NOT_ELAPSED"
	ErrCodeRequestNotFound       = "REQUEST_NOT_FOUND"
	ErrCodeInvalidEvidenceURL    = "INVALID_EVIDENCE_URL"
	ErrCodeRequestClosed         = "REQUEST_CLOSED"
)

// NewDuplicateRequestError は同一申請者による重複申請エラーを生成する。
func NewDuplicateRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateRequest,
		Message:  "このユーザーに対する申請がすでに進行中です。",
		Category: "validation",
		Action:   "進行中の申請の結果をお待ちください。状態はメールアドレスで照会できます。",
	}
}

// NewMissingEvidenceError は死亡証明書の参照が欠落している場合のエラーを生成する。
func NewMissingEvidenceError() *APIError {
	return &APIError{
		Code:     ErrCodeMissingEvidence,
		Message:  "選択した検証方法には死亡証明書の提出が必要です。",
		Category: "validation",
		Action:   "死亡証明書をアップロードし、その参照URLを添えて申請してください。",
	}
}

// NewInvalidMethodError はサポート外の検証方法エラーを生成する。
func NewInvalidMethodError(method string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidMethod,
		Message:  fmt.Sprintf("無効な検証方法です: %s", method),
		Category: "validation",
		Action:   "death_certificate、trustee_confirmation、both のいずれかを指定してください。",
	}
}

// NewInvalidTokenError はトークンが存在しないか消費済みの場合のエラーを生成する。
// 存在しないトークンと消費済みトークンは外部から区別できない。
func NewInvalidTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidToken,
		Message:  "トークンが無効であるか、すでに使用されています。",
		Category: "verification",
		Action:   "受け取ったリンクを確認してください。リンクは1回のみ有効です。",
	}
}

// NewAccessNotGrantedError はアクセス未許可エラーを生成する。
func NewAccessNotGrantedError() *APIError {
	return &APIError{
		Code:     ErrCodeAccessNotGranted,
		Message:  "このトークンに対するアクセスは許可されていません。",
		Category: "access",
		Action:   "申請の状態を確認してください。",
	}
}

// NewAccessExpiredError はアクセストークンの期限切れエラーを生成する。
func NewAccessExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeAccessExpired,
		Message:  "アクセストークンの有効期限が切れています。",
		Category: "access",
		Action:   "再度アクセスが必要な場合は、新しい申請を行ってください。",
	}
}

// NewGracePeriodNotElapsedError は猶予期間満了前の許可試行エラーを生成する。
func NewGracePeriodNotElapsedError() *APIError {
	return &APIError{
		Code:     ErrCodeGracePeriodNotElapsed,
		Message:  "猶予期間がまだ満了していません。",
		Category: "verification",
		Action:   "猶予期間の満了後に自動的に処理されます。",
	}
}

// NewRequestNotFoundError は申請が見つからない場合のエラーを生成する。
func NewRequestNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeRequestNotFound,
		Message:  "指定された申請が見つかりません。",
		Category: "validation",
		Action:   "申請IDとメールアドレスを確認してください。",
	}
}

// NewInvalidEvidenceURLError は証明書参照URLが検証を通らない場合のエラーを生成する。
func NewInvalidEvidenceURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidEvidenceURL,
		Message:  fmt.Sprintf("証明書の参照URLが無効です: %s", reason),
		Category: "validation",
		Action:   "httpsで始まる公開アクセス可能なURLを指定してください。",
	}
}

// NewRequestClosedError は終端状態の申請への操作エラーを生成する。
func NewRequestClosedError() *APIError {
	return &APIError{
		Code:     ErrCodeRequestClosed,
		Message:  "この申請はすでに終了しています。",
		Category: "verification",
		Action:   "新しい申請が必要な場合は、再度申請してください。",
	}
}
