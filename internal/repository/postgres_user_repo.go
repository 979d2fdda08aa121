package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/katami/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByEmail はメールアドレスでユーザーを設定付きで取得する。見つからない場合はnilを返す。
// user_settingsが存在しない場合、legacy_release_enabledはfalseとして扱う。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*UserAccount, error) {
	account := &UserAccount{}
	err := r.db.QueryRowContext(ctx,
		`SELECT u.id, u.email, u.name, u.created_at, u.updated_at,
		        COALESCE(s.legacy_release_enabled, false)
		 FROM users u
		 LEFT JOIN user_settings s ON s.user_id = u.id
		 WHERE u.email = $1`,
		email,
	).Scan(
		&account.ID, &account.Email, &account.Name,
		&account.CreatedAt, &account.UpdatedAt,
		&account.LegacyReleaseEnabled,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}

	return account, nil
}

// ListActiveTrustees は指定ユーザーの有効な信頼担当者を優先度昇順で返す。
func (r *PostgresUserRepo) ListActiveTrustees(ctx context.Context, userID string) ([]*model.Trustee, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, name, email, phone, priority, is_active, created_at
		 FROM trustees
		 WHERE user_id = $1 AND is_active
		 ORDER BY priority ASC, created_at ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list active trustees: %w", err)
	}
	defer rows.Close()

	var trustees []*model.Trustee
	for rows.Next() {
		tr := &model.Trustee{}
		if err := rows.Scan(
			&tr.ID, &tr.UserID, &tr.Name, &tr.Email, &tr.Phone,
			&tr.Priority, &tr.IsActive, &tr.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trustee: %w", err)
		}
		trustees = append(trustees, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trustees: %w", err)
	}

	return trustees, nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
