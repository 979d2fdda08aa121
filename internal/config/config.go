// Package config は環境変数からのアプリケーション設定読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Verification
	GracePeriod    time.Duration // 検証完了からアクセス許可までの猶予期間
	AccessTokenTTL time.Duration // アクセストークンの有効期間
	QuorumPercent  int           // 定足数の割合（%）。ceil(n*percent/100)、下限1

	// Sweep
	SweepInterval      time.Duration // 猶予期間満了スイープの実行間隔（1時間以下）
	SweepMaxConcurrent int

	// Notify
	NotifyBaseURL string
	NotifyAPIKey  string
	NotifyTimeout time.Duration

	// Blob storage
	S3Bucket       string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3BaseEndpoint string        // MinIO等の互換エンドポイント。空の場合はAWS標準
	PresignTTL     time.Duration // 公開コンテンツの署名付きURLの有効期間

	// Operator auth
	OperatorJWTSecret string

	// Rate Limit（req/min単位）
	RateLimitGeneral int
	RateLimitSubmit  int

	// Server
	ServerPort string
	BaseURL    string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	cfg.OperatorJWTSecret = os.Getenv("OPERATOR_JWT_SECRET")
	if cfg.OperatorJWTSecret == "" {
		missing = append(missing, "OPERATOR_JWT_SECRET")
	}

	cfg.NotifyBaseURL = os.Getenv("NOTIFY_BASE_URL")
	if cfg.NotifyBaseURL == "" {
		missing = append(missing, "NOTIFY_BASE_URL")
	}

	cfg.NotifyAPIKey = os.Getenv("NOTIFY_API_KEY")
	if cfg.NotifyAPIKey == "" {
		missing = append(missing, "NOTIFY_API_KEY")
	}

	cfg.S3Bucket = os.Getenv("S3_BUCKET")
	if cfg.S3Bucket == "" {
		missing = append(missing, "S3_BUCKET")
	}

	cfg.S3Region = os.Getenv("S3_REGION")
	if cfg.S3Region == "" {
		missing = append(missing, "S3_REGION")
	}

	cfg.S3AccessKey = os.Getenv("S3_ACCESS_KEY")
	if cfg.S3AccessKey == "" {
		missing = append(missing, "S3_ACCESS_KEY")
	}

	cfg.S3SecretKey = os.Getenv("S3_SECRET_KEY")
	if cfg.S3SecretKey == "" {
		missing = append(missing, "S3_SECRET_KEY")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.GracePeriod = getEnvDuration("GRACE_PERIOD", 7*24*time.Hour)
	cfg.AccessTokenTTL = getEnvDuration("ACCESS_TOKEN_TTL", 30*24*time.Hour)
	cfg.QuorumPercent = getEnvInt("QUORUM_PERCENT", 50)
	cfg.SweepInterval = getEnvDuration("SWEEP_INTERVAL", 15*time.Minute)
	cfg.SweepMaxConcurrent = getEnvInt("SWEEP_MAX_CONCURRENT", 10)
	cfg.NotifyTimeout = getEnvDuration("NOTIFY_TIMEOUT", 10*time.Second)
	cfg.S3BaseEndpoint = getEnvString("S3_BASE_ENDPOINT", "")
	cfg.PresignTTL = getEnvDuration("PRESIGN_TTL", 15*time.Minute)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 60)
	cfg.RateLimitSubmit = getEnvInt("RATE_LIMIT_SUBMIT", 5)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	// スイープ間隔は1時間を上限とする（満了検知の遅延を抑えるため）
	if cfg.SweepInterval > time.Hour {
		return nil, fmt.Errorf("SWEEP_INTERVAL must be 1h or less, got %s", cfg.SweepInterval)
	}

	if cfg.QuorumPercent <= 0 || cfg.QuorumPercent > 100 {
		return nil, fmt.Errorf("QUORUM_PERCENT must be in (0, 100], got %d", cfg.QuorumPercent)
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
