// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/katami/internal/model"
)

// UserAccount はユーザーと遺産公開設定を結合した読み取り用構造体。
type UserAccount struct {
	model.User
	LegacyReleaseEnabled bool
}

// UserRepository はユーザー・信頼担当者データの読み取りインターフェース。
// 本サブシステムはユーザーを作成・削除しない。
type UserRepository interface {
	// FindByEmail はメールアドレスでユーザーを設定付きで取得する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*UserAccount, error)

	// ListActiveTrustees は指定ユーザーの有効な信頼担当者を優先度昇順で返す。
	ListActiveTrustees(ctx context.Context, userID string) ([]*model.Trustee, error)
}

// RequestRepository は遺産アクセス申請の永続化インターフェース。
// 状態遷移メソッドはすべて現在状態を条件とする単一UPDATEとして実装し、
// 影響行数0（別の呼び出し元が先に遷移させた）をboolのfalseで返す。
// 呼び出し側はfalseをエラーではなく「再読込して現状を報告する」合図として扱う。
type RequestRepository interface {
	// CreateWithConfirmations は申請と信頼担当者確認レコードを
	// 同一トランザクションで作成する。
	// 進行中の重複申請は部分ユニークインデックスにより拒否される。
	CreateWithConfirmations(ctx context.Context, req *model.LegacyAccessRequest, confirmations []*model.TrusteeConfirmation) error

	// FindByID は指定IDの申請を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.LegacyAccessRequest, error)

	// FindByAccessToken はアクセストークンで申請を検索する。見つからない場合はnilを返す。
	FindByAccessToken(ctx context.Context, token string) (*model.LegacyAccessRequest, error)

	// FindInflight は対象ユーザー×申請者メールの進行中（非終端）申請を検索する。
	// 見つからない場合はnilを返す。
	FindInflight(ctx context.Context, userID, requesterEmail string) (*model.LegacyAccessRequest, error)

	// ListByRequesterEmail は申請者のメールアドレスで申請一覧を返す。
	ListByRequesterEmail(ctx context.Context, email string) ([]*model.LegacyAccessRequest, error)

	// StartGracePeriod は検証完了済みの申請を猶予期間に遷移させる。
	// status ∈ {pending, under_review} の場合のみ遷移する。
	StartGracePeriod(ctx context.Context, id string, start, end time.Time, verifiedBy string) (bool, error)

	// MarkUnderReview は申請を審査中に遷移させる（status = pending の場合のみ）。
	MarkUnderReview(ctx context.Context, id, message string) (bool, error)

	// Reject は申請を拒否状態に遷移させる。
	// status ∈ {pending, under_review, grace_period} の場合のみ遷移する。
	Reject(ctx context.Context, id, rejectedBy, message string) (bool, error)

	// GrantAccess は猶予期間が満了した申請にアクセストークンを発行する。
	// status = grace_period かつ grace_period_end <= now の場合のみ遷移する。
	GrantAccess(ctx context.Context, id, token string, grantedAt, expiresAt time.Time) (bool, error)

	// AttachCertificate は死亡証明書の参照URLを添付する。終端状態の申請には添付しない。
	AttachCertificate(ctx context.Context, id, url string, uploadedAt time.Time) (bool, error)

	// SetCertificateVerified は運用者審査済みフラグを立てる。
	SetCertificateVerified(ctx context.Context, id string) (bool, error)

	// ListGraceElapsed は猶予期間が満了した grace_period 状態の申請を返す。
	ListGraceElapsed(ctx context.Context, now time.Time) ([]*model.LegacyAccessRequest, error)
}

// ConfirmationRepository は信頼担当者確認の永続化インターフェース。
type ConfirmationRepository interface {
	// FindByToken は確認トークンでレコードを検索する。
	// 消費済み（トークンNULL）または存在しない場合はnilを返す。
	FindByToken(ctx context.Context, token string) (*model.TrusteeConfirmation, error)

	// Consume はトークンを条件付きで消費する。
	// UPDATE ... WHERE confirmation_token = $1 AND status = 'pending' により、
	// 消費済みトークンの再利用を原子的に排除する。消費できなかった場合はnilを返す。
	Consume(ctx context.Context, token string, decision model.ConfirmationStatus, notes string, at time.Time) (*model.TrusteeConfirmation, error)

	// Tally は申請に対する確認の集計を返す。
	Tally(ctx context.Context, requestID string) (model.ConfirmationTally, error)
}

// AuditRepository は追記専用監査ログのインターフェース。更新・削除は提供しない。
type AuditRepository interface {
	// Append は監査エントリを追記する。
	Append(ctx context.Context, entry *model.AuditEntry) error

	// ListByRequest は指定申請の監査エントリを時刻昇順で返す。
	ListByRequest(ctx context.Context, requestID string) ([]*model.AuditEntry, error)
}

// ReleaseItemRepository は死後公開対象コンテンツの読み取りインターフェース。
type ReleaseItemRepository interface {
	// ListReleasable は指定ユーザーの公開フラグ付きアイテムのみを返す。
	// フラグのないアイテムは決して返さない。
	ListReleasable(ctx context.Context, userID string) ([]*model.ReleaseItem, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
