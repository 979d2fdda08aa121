// Package cleanup は申請データの保持期間管理ジョブを提供する。
// 期限切れアクセストークンの無効化と、保持期間（デフォルト365日）を
// 超過した拒否済み申請の削除を日次バッチで行う。
// 監査証跡は削除の対象外として保持する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CleanupJob は申請データの保持期間管理ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な処理を保証する。
type CleanupJob struct {
	db            Executor
	logger        *slog.Logger
	RetentionDays int // 拒否済み申請の保持日数（デフォルト: 365）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持日数は365日。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:            db,
		logger:        logger,
		RetentionDays: 365,
	}
}

// Run は保持期間管理を実行する。
// 1. 有効期限を過ぎたアクセストークンをNULLに更新する
//    （期限切れ後のトークンをDBに残さない）
// 2. updated_atがRetentionDays日前より古い拒否済み申請をDELETEする
//    （関連するtrustee_confirmationsはCASCADE削除される。監査証跡は残る）
// 冪等: 対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	scrubbed, err := j.scrubExpiredTokens(ctx)
	if err != nil {
		return err
	}

	purged, err := j.purgeRejectedRequests(ctx)
	if err != nil {
		return err
	}

	j.logger.Info("保持期間管理ジョブが完了しました",
		slog.Int64("scrubbed_tokens", scrubbed),
		slog.Int64("purged_requests", purged),
		slog.Int("retention_days", j.RetentionDays),
		slog.Duration("duration", time.Since(start)),
	)

	return nil
}

// scrubExpiredTokens は期限切れアクセストークンを無効化する。
func (j *CleanupJob) scrubExpiredTokens(ctx context.Context) (int64, error) {
	query := `
		UPDATE legacy_access_requests
		SET access_token = NULL, updated_at = now()
		WHERE status = 'granted'
		  AND access_expires_at < now()
		  AND access_token IS NOT NULL`

	result, err := j.db.ExecContext(ctx, query)
	if err != nil {
		j.logger.Error("期限切れトークンの無効化に失敗しました",
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("期限切れトークンの無効化に失敗: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	return n, nil
}

// purgeRejectedRequests は保持期間を超過した拒否済み申請を削除する。
func (j *CleanupJob) purgeRejectedRequests(ctx context.Context) (int64, error) {
	interval := fmt.Sprintf("%d days", j.RetentionDays)

	query := `
		DELETE FROM legacy_access_requests
		WHERE status = 'rejected'
		  AND updated_at < now() - $1::interval`

	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("拒否済み申請の削除に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return 0, fmt.Errorf("拒否済み申請の削除に失敗: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	return n, nil
}
