package model

import "time"

// AuditAction は監査ログに記録する操作種別を表す。
type AuditAction string

const (
	// AuditRequestCreated は申請作成を表す。
	AuditRequestCreated AuditAction = "request_created"
	// AuditTrusteeConfirmed は信頼担当者の確認を表す。
	AuditTrusteeConfirmed AuditAction = "trustee_confirmed"
	// AuditTrusteeDenied は信頼担当者の拒否を表す。
	AuditTrusteeDenied AuditAction = "trustee_denied"
	// AuditEvidenceAttached は死亡証明書の添付を表す。
	AuditEvidenceAttached AuditAction = "evidence_attached"
	// AuditEvidenceReviewed は運用者による証明書審査を表す。
	AuditEvidenceReviewed AuditAction = "evidence_reviewed"
	// AuditGracePeriodStarted は猶予期間の開始を表す。
	AuditGracePeriodStarted AuditAction = "grace_period_started"
	// AuditAccessGranted はアクセス許可を表す。
	AuditAccessGranted AuditAction = "access_granted"
	// AuditContentAccessed は公開コンテンツへのアクセスを表す。
	AuditContentAccessed AuditAction = "content_accessed"
	// AuditLateDenialIgnored は許可後の拒否（状態変更なし）を表す。
	AuditLateDenialIgnored AuditAction = "late_denial_ignored"
)

// AuditEntry は追記専用の監査ログエントリ。
// 開示判断は取り消せないため、事後の説明責任のために全状態変更を記録する。
// 更新・削除は行わない。
type AuditEntry struct {
	ID         string
	RequestID  string
	UserID     string
	Action     AuditAction
	Actor      string
	Detail     string
	OccurredAt time.Time
}
