package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/katami/internal/model"
)

// PostgresAuditRepo はPostgreSQLを使用した追記専用監査ログリポジトリ。
// UPDATE/DELETEは発行しない。
type PostgresAuditRepo struct {
	db *sql.DB
}

// NewPostgresAuditRepo はPostgresAuditRepoを生成する。
func NewPostgresAuditRepo(db *sql.DB) *PostgresAuditRepo {
	return &PostgresAuditRepo{db: db}
}

// Append は監査エントリを追記する。
func (r *PostgresAuditRepo) Append(ctx context.Context, entry *model.AuditEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, request_id, user_id, action, actor, detail, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.RequestID, entry.UserID, string(entry.Action),
		entry.Actor, entry.Detail, entry.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListByRequest は指定申請の監査エントリを時刻昇順で返す。
func (r *PostgresAuditRepo) ListByRequest(ctx context.Context, requestID string) ([]*model.AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, request_id, user_id, action, actor, detail, occurred_at
		 FROM audit_log
		 WHERE request_id = $1
		 ORDER BY occurred_at ASC`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.AuditEntry
	for rows.Next() {
		e := &model.AuditEntry{}
		var action string
		if err := rows.Scan(&e.ID, &e.RequestID, &e.UserID, &action, &e.Actor, &e.Detail, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Action = model.AuditAction(action)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit entries: %w", err)
	}

	return entries, nil
}

// compile-time interface check
var _ AuditRepository = (*PostgresAuditRepo)(nil)
