package model

import "time"

// RequestStatus は遺産アクセス申請の状態を表す。
type RequestStatus string

const (
	// RequestStatusPending は申請直後の状態。
	RequestStatusPending RequestStatus = "pending"
	// RequestStatusUnderReview は一部の検証が完了し、残りの検証を待つ状態。
	RequestStatusUnderReview RequestStatus = "under_review"
	// RequestStatusGracePeriod は検証完了後の猶予期間中の状態。
	RequestStatusGracePeriod RequestStatus = "grace_period"
	// RequestStatusGranted はアクセスが許可された状態。
	RequestStatusGranted RequestStatus = "granted"
	// RequestStatusRejected は信頼担当者の拒否等により終了した状態。
	RequestStatusRejected RequestStatus = "rejected"
)

// IsTerminal は書き込みの観点で終端状態かどうかを返す。
func (s RequestStatus) IsTerminal() bool {
	return s == RequestStatusGranted || s == RequestStatusRejected
}

// VerificationMethod は申請の検証方法を表す。
type VerificationMethod string

const (
	// MethodDeathCertificate は死亡証明書による検証。
	MethodDeathCertificate VerificationMethod = "death_certificate"
	// MethodTrusteeConfirmation は信頼担当者の確認による検証。
	MethodTrusteeConfirmation VerificationMethod = "trustee_confirmation"
	// MethodBoth は死亡証明書と信頼担当者確認の両方による検証。
	MethodBoth VerificationMethod = "both"
)

// RequiresTrustees は信頼担当者の確認を必要とする検証方法かどうかを返す。
func (m VerificationMethod) RequiresTrustees() bool {
	return m == MethodTrusteeConfirmation || m == MethodBoth
}

// RequiresCertificate は死亡証明書を必要とする検証方法かどうかを返す。
func (m VerificationMethod) RequiresCertificate() bool {
	return m == MethodDeathCertificate || m == MethodBoth
}

// Valid はサポートされている検証方法かどうかを返す。
func (m VerificationMethod) Valid() bool {
	switch m {
	case MethodDeathCertificate, MethodTrusteeConfirmation, MethodBoth:
		return true
	}
	return false
}

// LegacyAccessRequest は遺産アクセス申請の中心的な集約。
// 状態遷移はすべて現在状態を条件とする単一UPDATEで行う（repositoryを参照）。
type LegacyAccessRequest struct {
	ID                   string
	UserID               string
	RequesterName        string
	RequesterEmail       string
	RequesterPhone       string
	Relationship         string
	VerificationMethod   VerificationMethod
	DeathCertificateURL  string
	CertificateUploaded  *time.Time
	CertificateVerified  bool
	Status               RequestStatus
	StatusMessage        string
	GracePeriodStart     *time.Time
	GracePeriodEnd       *time.Time
	VerifiedBy           string
	VerifiedAt           *time.Time
	AccessToken          string
	AccessGrantedAt      *time.Time
	AccessExpiresAt      *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// AccessUsable はアクセストークンが現時点で有効かどうかを返す。
// 有効期限はアクセスのたびに再検証する（付与時のみの検証では不十分）。
func (r *LegacyAccessRequest) AccessUsable(now time.Time) bool {
	if r.Status != RequestStatusGranted {
		return false
	}
	if r.AccessExpiresAt == nil {
		return false
	}
	return !now.After(*r.AccessExpiresAt)
}

// ConfirmationStatus は信頼担当者確認の状態を表す。
type ConfirmationStatus string

const (
	// ConfirmationStatusPending は応答待ちの状態。
	ConfirmationStatusPending ConfirmationStatus = "pending"
	// ConfirmationStatusConfirmed は確認済みの状態。
	ConfirmationStatusConfirmed ConfirmationStatus = "confirmed"
	// ConfirmationStatusDenied は拒否された状態。
	ConfirmationStatusDenied ConfirmationStatus = "denied"
)

// TrusteeConfirmation は申請に対する信頼担当者1名分の確認レコード。
// ConfirmationToken は使い捨てで、消費（確認または拒否）後はNULLになり、
// 以後いかなる状態変更も許可しない。
type TrusteeConfirmation struct {
	ID                string
	RequestID         string
	TrusteeID         string
	ConfirmationToken string
	Status            ConfirmationStatus
	ConfirmedAt       *time.Time
	Notes             string
	CreatedAt         time.Time
}

// ConfirmationTally は申請に対する確認の集計結果。
type ConfirmationTally struct {
	Total     int
	Confirmed int
	Denied    int
}
