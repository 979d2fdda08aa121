package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/katami/internal/model"
)

// PostgresRequestRepo はPostgreSQLを使用した遺産アクセス申請リポジトリ。
// 状態遷移はすべて現在状態を条件とする単一UPDATEで行い、影響行数で勝敗を判定する。
type PostgresRequestRepo struct {
	db *sql.DB
}

// NewPostgresRequestRepo はPostgresRequestRepoを生成する。
func NewPostgresRequestRepo(db *sql.DB) *PostgresRequestRepo {
	return &PostgresRequestRepo{db: db}
}

// requestColumns は申請テーブルのSELECT列リスト。scanRequestと対応を保つこと。
const requestColumns = `id, user_id, requester_name, requester_email, requester_phone,
	relationship, verification_method, death_certificate_url, certificate_uploaded_at,
	certificate_verified, status, status_message, grace_period_start, grace_period_end,
	verified_by, verified_at, access_token, access_granted_at, access_expires_at,
	created_at, updated_at`

// rowScanner は*sql.Rowと*sql.Rowsの共通部分。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRequest は1行分の申請レコードを読み取る。
func scanRequest(row rowScanner) (*model.LegacyAccessRequest, error) {
	req := &model.LegacyAccessRequest{}
	var (
		certUploaded sql.NullTime
		graceStart   sql.NullTime
		graceEnd     sql.NullTime
		verifiedAt   sql.NullTime
		accessToken  sql.NullString
		grantedAt    sql.NullTime
		expiresAt    sql.NullTime
		method       string
		status       string
	)

	err := row.Scan(
		&req.ID, &req.UserID, &req.RequesterName, &req.RequesterEmail, &req.RequesterPhone,
		&req.Relationship, &method, &req.DeathCertificateURL, &certUploaded,
		&req.CertificateVerified, &status, &req.StatusMessage, &graceStart, &graceEnd,
		&req.VerifiedBy, &verifiedAt, &accessToken, &grantedAt, &expiresAt,
		&req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	req.VerificationMethod = model.VerificationMethod(method)
	req.Status = model.RequestStatus(status)
	if certUploaded.Valid {
		req.CertificateUploaded = &certUploaded.Time
	}
	if graceStart.Valid {
		req.GracePeriodStart = &graceStart.Time
	}
	if graceEnd.Valid {
		req.GracePeriodEnd = &graceEnd.Time
	}
	if verifiedAt.Valid {
		req.VerifiedAt = &verifiedAt.Time
	}
	if accessToken.Valid {
		req.AccessToken = accessToken.String
	}
	if grantedAt.Valid {
		req.AccessGrantedAt = &grantedAt.Time
	}
	if expiresAt.Valid {
		req.AccessExpiresAt = &expiresAt.Time
	}

	return req, nil
}

// CreateWithConfirmations は申請と信頼担当者確認レコードを同一トランザクションで作成する。
// 進行中の重複申請は部分ユニークインデックス uq_requests_inflight により拒否される。
func (r *PostgresRequestRepo) CreateWithConfirmations(ctx context.Context, req *model.LegacyAccessRequest, confirmations []*model.TrusteeConfirmation) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var certUploaded any
	if req.CertificateUploaded != nil {
		certUploaded = *req.CertificateUploaded
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO legacy_access_requests
		 (id, user_id, requester_name, requester_email, requester_phone, relationship,
		  verification_method, death_certificate_url, certificate_uploaded_at,
		  status, status_message, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`,
		req.ID, req.UserID, req.RequesterName, req.RequesterEmail, req.RequesterPhone,
		req.Relationship, string(req.VerificationMethod), req.DeathCertificateURL,
		certUploaded, string(req.Status), req.StatusMessage, req.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert request: %w", err)
	}

	for _, c := range confirmations {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO trustee_confirmations
			 (id, request_id, trustee_id, confirmation_token, status, notes, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			c.ID, c.RequestID, c.TrusteeID, c.ConfirmationToken, string(c.Status), c.Notes, c.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert trustee confirmation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// FindByID は指定IDの申請を取得する。見つからない場合はnilを返す。
func (r *PostgresRequestRepo) FindByID(ctx context.Context, id string) (*model.LegacyAccessRequest, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM legacy_access_requests WHERE id = $1`,
		id,
	)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find request by ID: %w", err)
	}
	return req, nil
}

// FindByAccessToken はアクセストークンで申請を検索する。見つからない場合はnilを返す。
func (r *PostgresRequestRepo) FindByAccessToken(ctx context.Context, token string) (*model.LegacyAccessRequest, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM legacy_access_requests WHERE access_token = $1`,
		token,
	)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find request by access token: %w", err)
	}
	return req, nil
}

// FindInflight は対象ユーザー×申請者メールの進行中（非終端）申請を検索する。
func (r *PostgresRequestRepo) FindInflight(ctx context.Context, userID, requesterEmail string) (*model.LegacyAccessRequest, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM legacy_access_requests
		 WHERE user_id = $1 AND requester_email = $2
		   AND status IN ('pending', 'under_review', 'grace_period')`,
		userID, requesterEmail,
	)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find in-flight request: %w", err)
	}
	return req, nil
}

// ListByRequesterEmail は申請者のメールアドレスで申請一覧を新しい順に返す。
func (r *PostgresRequestRepo) ListByRequesterEmail(ctx context.Context, email string) ([]*model.LegacyAccessRequest, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM legacy_access_requests
		 WHERE requester_email = $1
		 ORDER BY created_at DESC`,
		email,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests by requester: %w", err)
	}
	defer rows.Close()

	var requests []*model.LegacyAccessRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate requests: %w", err)
	}

	return requests, nil
}

// StartGracePeriod は検証完了済みの申請を猶予期間に遷移させる。
// 影響行数0は別の呼び出し元が先に遷移させたことを意味する（呼び出し側で再読込）。
func (r *PostgresRequestRepo) StartGracePeriod(ctx context.Context, id string, start, end time.Time, verifiedBy string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE legacy_access_requests
		 SET status = 'grace_period', status_message = '',
		     grace_period_start = $2, grace_period_end = $3,
		     verified_by = $4, verified_at = $2, updated_at = now()
		 WHERE id = $1 AND status IN ('pending', 'under_review')`,
		id, start, end, verifiedBy,
	)
	if err != nil {
		return false, fmt.Errorf("failed to start grace period: %w", err)
	}
	return oneRowAffected(result)
}

// MarkUnderReview は申請を審査中に遷移させる。
func (r *PostgresRequestRepo) MarkUnderReview(ctx context.Context, id, message string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE legacy_access_requests
		 SET status = 'under_review', status_message = $2, updated_at = now()
		 WHERE id = $1 AND status = 'pending'`,
		id, message,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark request under review: %w", err)
	}
	return oneRowAffected(result)
}

// Reject は申請を拒否状態に遷移させる。単独の拒否が決定的であり、定足数の計算は不要。
func (r *PostgresRequestRepo) Reject(ctx context.Context, id, rejectedBy, message string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE legacy_access_requests
		 SET status = 'rejected', status_message = $3,
		     verified_by = $2, verified_at = now(), updated_at = now()
		 WHERE id = $1 AND status IN ('pending', 'under_review', 'grace_period')`,
		id, rejectedBy, message,
	)
	if err != nil {
		return false, fmt.Errorf("failed to reject request: %w", err)
	}
	return oneRowAffected(result)
}

// GrantAccess は猶予期間が満了した申請にアクセストークンを発行する。
// WHERE句のstatus条件により、複数のスイープ実行が並走しても発行は1回のみとなる。
func (r *PostgresRequestRepo) GrantAccess(ctx context.Context, id, token string, grantedAt, expiresAt time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE legacy_access_requests
		 SET status = 'granted', access_token = $2,
		     access_granted_at = $3, access_expires_at = $4, updated_at = now()
		 WHERE id = $1 AND status = 'grace_period' AND grace_period_end <= $3`,
		id, token, grantedAt, expiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to grant access: %w", err)
	}
	return oneRowAffected(result)
}

// AttachCertificate は死亡証明書の参照URLを添付する。終端状態の申請には添付しない。
func (r *PostgresRequestRepo) AttachCertificate(ctx context.Context, id, url string, uploadedAt time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE legacy_access_requests
		 SET death_certificate_url = $2, certificate_uploaded_at = $3, updated_at = now()
		 WHERE id = $1 AND status IN ('pending', 'under_review', 'grace_period')`,
		id, url, uploadedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to attach certificate: %w", err)
	}
	return oneRowAffected(result)
}

// SetCertificateVerified は運用者審査済みフラグを立てる。
func (r *PostgresRequestRepo) SetCertificateVerified(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE legacy_access_requests
		 SET certificate_verified = true, updated_at = now()
		 WHERE id = $1 AND status IN ('pending', 'under_review', 'grace_period')`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to set certificate verified: %w", err)
	}
	return oneRowAffected(result)
}

// ListGraceElapsed は猶予期間が満了した grace_period 状態の申請を返す。
func (r *PostgresRequestRepo) ListGraceElapsed(ctx context.Context, now time.Time) ([]*model.LegacyAccessRequest, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM legacy_access_requests
		 WHERE status = 'grace_period' AND grace_period_end <= $1
		 ORDER BY grace_period_end ASC`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list grace-elapsed requests: %w", err)
	}
	defer rows.Close()

	var requests []*model.LegacyAccessRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate requests: %w", err)
	}

	return requests, nil
}

// oneRowAffected はUPDATE結果の影響行数を調べ、1行なら遷移成功を返す。
func oneRowAffected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// compile-time interface check
var _ RequestRepository = (*PostgresRequestRepo)(nil)
