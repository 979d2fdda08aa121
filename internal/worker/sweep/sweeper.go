// Package sweep は猶予期間満了のバックグラウンドスイープ処理を提供する。
// 満了した申請を検出し、アクセストークンの発行に進める。
package sweep

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/katami/internal/metrics"
	"github.com/hitoshi/katami/internal/model"
)

// GrantService は猶予期間満了後の許可処理の実行インターフェース。
type GrantService interface {
	// ListGraceElapsed は猶予期間が満了したgrace_period状態の申請を返す。
	ListGraceElapsed(ctx context.Context) ([]*model.LegacyAccessRequest, error)

	// FinalizeGrant は申請にアクセストークンを発行する。冪等であること。
	FinalizeGrant(ctx context.Context, requestID string) (*model.LegacyAccessRequest, error)
}

// Sweeper は猶予期間満了スイープのスケジューリングと並列制御を行う。
// ティッカーで満了申請を取得し、semaphoreパターンで最大並列数を制御しながら
// 許可処理を実行する。許可は条件付きUPDATEにより冪等なため、
// 多重起動やクラッシュ後の再実行で二重付与は起きない。
type Sweeper struct {
	grants         GrantService
	collector      metrics.MetricsCollector
	logger         *slog.Logger
	maxConcurrency int
}

// NewSweeper はSweeperの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値10を使用する。
func NewSweeper(
	grants GrantService,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	maxConcurrency int,
) *Sweeper {
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	return &Sweeper{
		grants:         grants,
		collector:      collector,
		logger:         logger,
		maxConcurrency: maxConcurrency,
	}
}

// Start はティッカーでスイープを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("スイープを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行（停止中に満了した申請を取りこぼさない）
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("スイープサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("スイープを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("スイープサイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は満了した申請を1回取得し、並列で許可処理を実行する。
// semaphoreパターンで最大並列数を制御する。
func (s *Sweeper) RunOnce(ctx context.Context) error {
	start := time.Now()

	requests, err := s.grants.ListGraceElapsed(ctx)
	if err != nil {
		return err
	}

	if len(requests) == 0 {
		s.collector.RecordSweepCycle(0)
		s.collector.RecordSweepLatency(time.Since(start))
		return nil
	}

	s.logger.Info("スイープサイクルを開始します",
		slog.Int("request_count", len(requests)),
	)

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for _, req := range requests {
		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(r *model.LegacyAccessRequest) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			if _, err := s.grants.FinalizeGrant(ctx, r.ID); err != nil {
				s.logger.Error("アクセス許可の付与に失敗しました",
					slog.String("request_id", r.ID),
					slog.String("error", err.Error()),
				)
				return
			}
			mu.Lock()
			granted++
			mu.Unlock()
		}(req)
	}

	wg.Wait()

	duration := time.Since(start)
	s.collector.RecordSweepCycle(granted)
	s.collector.RecordSweepLatency(duration)
	s.logger.Info("スイープサイクルが完了しました",
		slog.Int("request_count", len(requests)),
		slog.Int("granted", granted),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
