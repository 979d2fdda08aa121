package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // API全般のレート（req/sec）
	GeneralBurst    int           // API全般のバーストサイズ
	SubmitRate      rate.Limit    // 申請受付のレート（req/sec）
	SubmitBurst     int           // 申請受付のバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// NewRateLimiterConfig はreq/min単位の設定からRateLimiterConfigを生成する。
// 公開エンドポイントは認証を持たないため、レートはクライアントIP単位で適用する。
// 申請受付は検証フローを起動する重い操作であり、API全般より厳しく制限する。
func NewRateLimiterConfig(generalPerMin, submitPerMin int) RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(float64(generalPerMin) / 60.0),
		GeneralBurst:    generalPerMin,
		SubmitRate:      rate.Limit(float64(submitPerMin) / 60.0),
		SubmitBurst:     submitPerMin,
		CleanupInterval: 5 * time.Minute,
	}
}

// ipLimiter はIPごとのレートリミッターとアクセス時刻を保持する。
type ipLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter はクライアントIPごとのレート制限を管理する。
// API全般のレート制限と申請受付のレート制限の2種類を提供する。
type RateLimiter struct {
	config RateLimiterConfig

	generalMu       sync.RWMutex
	generalLimiters map[string]*ipLimiter

	submitMu       sync.RWMutex
	submitLimiters map[string]*ipLimiter

	stopCh chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:          config,
		generalLimiters: make(map[string]*ipLimiter),
		submitLimiters:  make(map[string]*ipLimiter),
		stopCh:          make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			limiter := rl.getOrCreateGeneralLimiter(ip)

			if !limiter.Allow() {
				writeRateLimitResponse(w, rl.config.GeneralRate)
				slog.Warn("rate limit exceeded",
					slog.String("client_ip", ip),
					slog.String("limit_type", "general"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SubmitMiddleware は申請受付専用のレート制限ミドルウェアを返す。
// API全般のレート制限とは独立に動作する。
func (rl *RateLimiter) SubmitMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			limiter := rl.getOrCreateSubmitLimiter(ip)

			if !limiter.Allow() {
				writeRateLimitResponse(w, rl.config.SubmitRate)
				slog.Warn("rate limit exceeded",
					slog.String("client_ip", ip),
					slog.String("limit_type", "submit"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GeneralLimiterCount は現在管理されているAPI全般リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) GeneralLimiterCount() int {
	rl.generalMu.RLock()
	defer rl.generalMu.RUnlock()
	return len(rl.generalLimiters)
}

// SubmitLimiterCount は現在管理されている申請受付リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) SubmitLimiterCount() int {
	rl.submitMu.RLock()
	defer rl.submitMu.RUnlock()
	return len(rl.submitLimiters)
}

// clientIP はリクエストからクライアントIPを抽出する。
// リバースプロキシ配下での運用を想定し、X-Forwarded-Forの先頭を優先する。
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// getOrCreateGeneralLimiter はIPのAPI全般リミッターを取得または作成する。
func (rl *RateLimiter) getOrCreateGeneralLimiter(ip string) *rate.Limiter {
	rl.generalMu.RLock()
	il, exists := rl.generalLimiters[ip]
	rl.generalMu.RUnlock()

	if exists {
		rl.generalMu.Lock()
		il.lastAccess = time.Now()
		rl.generalMu.Unlock()
		return il.limiter
	}

	rl.generalMu.Lock()
	defer rl.generalMu.Unlock()

	// ダブルチェック
	if il, exists := rl.generalLimiters[ip]; exists {
		il.lastAccess = time.Now()
		return il.limiter
	}

	limiter := rate.NewLimiter(rl.config.GeneralRate, rl.config.GeneralBurst)
	rl.generalLimiters[ip] = &ipLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// getOrCreateSubmitLimiter はIPの申請受付リミッターを取得または作成する。
func (rl *RateLimiter) getOrCreateSubmitLimiter(ip string) *rate.Limiter {
	rl.submitMu.RLock()
	il, exists := rl.submitLimiters[ip]
	rl.submitMu.RUnlock()

	if exists {
		rl.submitMu.Lock()
		il.lastAccess = time.Now()
		rl.submitMu.Unlock()
		return il.limiter
	}

	rl.submitMu.Lock()
	defer rl.submitMu.Unlock()

	// ダブルチェック
	if il, exists := rl.submitLimiters[ip]; exists {
		il.lastAccess = time.Now()
		return il.limiter
	}

	limiter := rate.NewLimiter(rl.config.SubmitRate, rl.config.SubmitBurst)
	rl.submitLimiters[ip] = &ipLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2

	now := time.Now()

	rl.generalMu.Lock()
	for ip, il := range rl.generalLimiters {
		if now.Sub(il.lastAccess) > ttl {
			delete(rl.generalLimiters, ip)
		}
	}
	rl.generalMu.Unlock()

	rl.submitMu.Lock()
	for ip, il := range rl.submitLimiters {
		if now.Sub(il.lastAccess) > ttl {
			delete(rl.submitLimiters, ip)
		}
	}
	rl.submitMu.Unlock()
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	// Retry-Afterの算出: 1トークンが補充されるまでの秒数
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(map[string]string{
		"code":     "rate_limit_exceeded",
		"message":  "Too many requests. Please try again later.",
		"category": "system",
		"action":   "Please wait and retry after the specified time.",
	})
}
