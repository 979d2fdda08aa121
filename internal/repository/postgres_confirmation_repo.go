package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/katami/internal/model"
)

// PostgresConfirmationRepo はPostgreSQLを使用した信頼担当者確認リポジトリ。
type PostgresConfirmationRepo struct {
	db *sql.DB
}

// NewPostgresConfirmationRepo はPostgresConfirmationRepoを生成する。
func NewPostgresConfirmationRepo(db *sql.DB) *PostgresConfirmationRepo {
	return &PostgresConfirmationRepo{db: db}
}

// FindByToken は確認トークンでレコードを検索する。
// 消費済み（トークンNULL）または存在しない場合はnilを返す。
func (r *PostgresConfirmationRepo) FindByToken(ctx context.Context, token string) (*model.TrusteeConfirmation, error) {
	c := &model.TrusteeConfirmation{}
	var (
		confirmedAt sql.NullTime
		status      string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, request_id, trustee_id, confirmation_token, status, confirmed_at, notes, created_at
		 FROM trustee_confirmations
		 WHERE confirmation_token = $1`,
		token,
	).Scan(&c.ID, &c.RequestID, &c.TrusteeID, &c.ConfirmationToken, &status, &confirmedAt, &c.Notes, &c.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find confirmation by token: %w", err)
	}

	c.Status = model.ConfirmationStatus(status)
	if confirmedAt.Valid {
		c.ConfirmedAt = &confirmedAt.Time
	}

	return c, nil
}

// Consume はトークンを条件付きで消費する。
// トークンをNULLにし、決定内容を記録する。status = 'pending' の行のみが対象となるため、
// 同一トークンによる二重の応答は2回目以降が必ず空振りになる。
// 消費できなかった場合（不明・消費済み）はnilを返す。
func (r *PostgresConfirmationRepo) Consume(ctx context.Context, token string, decision model.ConfirmationStatus, notes string, at time.Time) (*model.TrusteeConfirmation, error) {
	c := &model.TrusteeConfirmation{}
	var status string
	err := r.db.QueryRowContext(ctx,
		`UPDATE trustee_confirmations
		 SET status = $2, confirmation_token = NULL, confirmed_at = $3, notes = $4
		 WHERE confirmation_token = $1 AND status = 'pending'
		 RETURNING id, request_id, trustee_id, status, confirmed_at, notes, created_at`,
		token, string(decision), at, notes,
	).Scan(&c.ID, &c.RequestID, &c.TrusteeID, &status, &c.ConfirmedAt, &c.Notes, &c.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume confirmation token: %w", err)
	}

	c.Status = model.ConfirmationStatus(status)

	return c, nil
}

// Tally は申請に対する確認の集計を返す。
func (r *PostgresConfirmationRepo) Tally(ctx context.Context, requestID string) (model.ConfirmationTally, error) {
	var tally model.ConfirmationTally
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status = 'confirmed'),
		        COUNT(*) FILTER (WHERE status = 'denied')
		 FROM trustee_confirmations
		 WHERE request_id = $1`,
		requestID,
	).Scan(&tally.Total, &tally.Confirmed, &tally.Denied)
	if err != nil {
		return model.ConfirmationTally{}, fmt.Errorf("failed to tally confirmations: %w", err)
	}
	return tally, nil
}

// compile-time interface check
var _ ConfirmationRepository = (*PostgresConfirmationRepo)(nil)
