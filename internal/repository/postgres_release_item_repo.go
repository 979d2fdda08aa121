package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/katami/internal/model"
)

// PostgresReleaseItemRepo はPostgreSQLを使用した公開コンテンツリポジトリ。
type PostgresReleaseItemRepo struct {
	db *sql.DB
}

// NewPostgresReleaseItemRepo はPostgresReleaseItemRepoを生成する。
func NewPostgresReleaseItemRepo(db *sql.DB) *PostgresReleaseItemRepo {
	return &PostgresReleaseItemRepo{db: db}
}

// ListReleasable は指定ユーザーの公開フラグ付きアイテムのみを返す。
// release_on_trigger = false のアイテムはWHERE句で除外され、決して返さない。
func (r *PostgresReleaseItemRepo) ListReleasable(ctx context.Context, userID string) ([]*model.ReleaseItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, kind, title, body, blob_key, release_on_trigger, created_at, updated_at
		 FROM release_items
		 WHERE user_id = $1 AND release_on_trigger
		 ORDER BY created_at ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list releasable items: %w", err)
	}
	defer rows.Close()

	var items []*model.ReleaseItem
	for rows.Next() {
		item := &model.ReleaseItem{}
		var kind string
		if err := rows.Scan(
			&item.ID, &item.UserID, &kind, &item.Title, &item.Body,
			&item.BlobKey, &item.ReleaseOnTrigger, &item.CreatedAt, &item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan release item: %w", err)
		}
		item.Kind = model.ReleaseKind(kind)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate release items: %w", err)
	}

	return items, nil
}

// compile-time interface check
var _ ReleaseItemRepository = (*PostgresReleaseItemRepo)(nil)
