package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/katami/internal/access"
	"github.com/hitoshi/katami/internal/config"
	"github.com/hitoshi/katami/internal/database"
	"github.com/hitoshi/katami/internal/handler"
	"github.com/hitoshi/katami/internal/legacy"
	"github.com/hitoshi/katami/internal/logger"
	"github.com/hitoshi/katami/internal/metrics"
	"github.com/hitoshi/katami/internal/middleware"
	"github.com/hitoshi/katami/internal/notify"
	"github.com/hitoshi/katami/internal/repository"
	"github.com/hitoshi/katami/internal/security"
	"github.com/hitoshi/katami/internal/storage"
	"github.com/hitoshi/katami/internal/worker/cleanup"
	"github.com/hitoshi/katami/internal/worker/sweep"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	requestRepo := repository.NewPostgresRequestRepo(db)
	confirmRepo := repository.NewPostgresConfirmationRepo(db)
	auditRepo := repository.NewPostgresAuditRepo(db)
	releaseRepo := repository.NewPostgresReleaseItemRepo(db)

	// 3. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. セキュリティサービスとブロブストアの初期化
	guard := security.NewEvidenceGuard()
	sanitizer := security.NewContentSanitizer()

	blobStore, err := storage.NewS3Store(
		context.Background(),
		cfg.S3Bucket, cfg.S3Region,
		cfg.S3AccessKey, cfg.S3SecretKey,
		cfg.S3BaseEndpoint, cfg.PresignTTL,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize blob store: %w", err)
	}

	// 5. 通知クライアントの初期化
	notifier := notify.NewClient(
		&http.Client{Timeout: cfg.NotifyTimeout},
		slog.Default(),
		cfg.NotifyBaseURL, cfg.NotifyAPIKey,
	)

	// 6. ドメインサービスの初期化
	legacyService := legacy.NewService(
		userRepo, requestRepo, confirmRepo, auditRepo,
		notifier, guard, blobStore, collector,
		cfg.GracePeriod, cfg.AccessTokenTTL, cfg.QuorumPercent,
		cfg.BaseURL,
	)

	accessService := access.NewService(
		requestRepo, releaseRepo, auditRepo,
		sanitizer, blobStore, collector,
	)

	// 7. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitSubmit),
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		CORSAllowedOrigin:  cfg.CORSAllowedOrigin,
		RateLimiter:        rateLimiter,
		OperatorSigningKey: []byte(cfg.OperatorJWTSecret),
		Logger:             slog.Default(),
		LegacyService:      legacyService,
		AccessService:      accessService,
		MetricsHandler:     metrics.SetupMetricsRoute(registry),
	})

	// 8. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 猶予期間満了スイープと保持期間クリーンアップをバックグラウンドで実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	requestRepo := repository.NewPostgresRequestRepo(db)
	confirmRepo := repository.NewPostgresConfirmationRepo(db)
	auditRepo := repository.NewPostgresAuditRepo(db)

	// 3. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. 検証サービスの初期化
	// ワーカーは自発的に通知を送る（許可通知）ため、通知クライアントを持つ
	notifier := notify.NewClient(
		&http.Client{Timeout: cfg.NotifyTimeout},
		slog.Default(),
		cfg.NotifyBaseURL, cfg.NotifyAPIKey,
	)

	blobStore, err := storage.NewS3Store(
		context.Background(),
		cfg.S3Bucket, cfg.S3Region,
		cfg.S3AccessKey, cfg.S3SecretKey,
		cfg.S3BaseEndpoint, cfg.PresignTTL,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize blob store: %w", err)
	}

	legacyService := legacy.NewService(
		userRepo, requestRepo, confirmRepo, auditRepo,
		notifier, security.NewEvidenceGuard(), blobStore, collector,
		cfg.GracePeriod, cfg.AccessTokenTTL, cfg.QuorumPercent,
		cfg.BaseURL,
	)

	// 5. スイーパーの初期化
	sweeper := sweep.NewSweeper(
		legacyService, collector, slog.Default(), cfg.SweepMaxConcurrent,
	)

	// 6. 保持期間クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(db, slog.Default())

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("sweep_interval", cfg.SweepInterval),
		slog.Int("max_concurrent", cfg.SweepMaxConcurrent),
	)

	// クリーンアップジョブを日次でバックグラウンド実行
	go func() {
		// 起動直後に1回実行
		if err := cleanupJob.Run(ctx); err != nil {
			slog.Error("cleanup job failed", slog.String("error", err.Error()))
		}

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := cleanupJob.Run(ctx); err != nil {
					slog.Error("cleanup job failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	// スイーパーをメインgoroutineで実行（ブロッキング）
	sweeper.Start(ctx, cfg.SweepInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
