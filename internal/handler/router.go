package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/katami/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	CORSAllowedOrigin  string
	RateLimiter        *middleware.RateLimiter
	OperatorSigningKey []byte
	Logger             *slog.Logger

	// サービス
	LegacyService LegacyServiceInterface
	AccessService AccessServiceInterface

	// /metrics エンドポイント（Prometheusスクレイプ用）
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Logging → RateLimit(General)
//
// 申請受付（POST /legacy-access）には申請専用レート制限を追加適用する。
// 運用者エンドポイントには運用者認証を適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	if deps.Logger != nil {
		r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	}

	legacyHandler := NewLegacyHandler(deps.LegacyService)
	accessHandler := NewAccessHandler(deps.AccessService)

	// --- 運用エンドポイント（レート制限の対象外） ---

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- APIルート ---

	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/legacy-access", func(r chi.Router) {
			// POST /legacy-access - 申請受付（申請専用レート制限を追加）
			r.With(deps.RateLimiter.SubmitMiddleware()).Post("/", legacyHandler.SubmitRequest)

			// GET /legacy-access?email= - 申請者向け状態一覧
			r.Get("/", legacyHandler.ListRequests)

			// 信頼担当者の確認
			r.Get("/confirm", legacyHandler.PreviewConfirmation)
			r.Post("/confirm", legacyHandler.ResolveConfirmation)

			// GET /legacy-access/grant?token= - 公開コンテンツ取得
			r.Get("/grant", accessHandler.FetchReleasedContent)

			// 証明書参照の添付
			r.Post("/{id}/evidence", legacyHandler.AttachCertificate)
			r.Post("/{id}/evidence/upload-url", legacyHandler.NewEvidenceUploadURL)

			// --- 運用者認証が必要なルート ---
			r.Group(func(r chi.Router) {
				r.Use(middleware.NewOperatorAuthMiddleware(deps.OperatorSigningKey))

				r.Post("/grant", legacyHandler.FinalizeGrant)
				r.Post("/{id}/review", legacyHandler.ReviewEvidence)
				r.Get("/{id}/audit", legacyHandler.ListAuditTrail)
			})
		})
	})

	return r
}
