// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// operatorIDContextKey はリクエストコンテキストに運用者IDを格納するためのキー。
var operatorIDContextKey = contextKey("operator_id")

// OperatorClaims は運用者トークンのJWTクレーム。
// 証明書審査や許可の手動実行など、運用者専用エンドポイントで使用する。
type OperatorClaims struct {
	OperatorID string `json:"operator_id"`
	jwt.RegisteredClaims
}

// NewOperatorAuthMiddleware はAuthorizationヘッダーのBearerトークンを検証し、
// 運用者IDをリクエストコンテキストに注入するミドルウェアを返す。
// HMAC以外の署名方式のトークンは拒否する。
// 未認証リクエストには401 Unauthorizedを返す。
func NewOperatorAuthMiddleware(signingKey []byte) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || token == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := ValidateOperatorToken(signingKey, token)
			if err != nil {
				slog.Warn("運用者トークンの検証に失敗しました",
					slog.String("error", err.Error()),
				)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), operatorIDContextKey, claims.OperatorID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ValidateOperatorToken は運用者トークンを検証してクレームを返す。
func ValidateOperatorToken(signingKey []byte, tokenString string) (*OperatorClaims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid operator token: %w", err)
	}

	claims, ok := parsed.Claims.(*OperatorClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid operator token claims")
	}
	if claims.OperatorID == "" {
		return nil, fmt.Errorf("operator token has empty operator_id")
	}

	return claims, nil
}

// GenerateOperatorToken は運用者トークンを発行する。運用CLIおよびテスト用。
func GenerateOperatorToken(signingKey []byte, operatorID string, expiresIn time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, OperatorClaims{
		OperatorID: operatorID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.NewString(),
		},
	})
	return token.SignedString(signingKey)
}

// OperatorIDFromContext はリクエストコンテキストから運用者IDを取得する。
// 運用者認証ミドルウェアを通過したリクエストでのみ有効。
func OperatorIDFromContext(ctx context.Context) (string, error) {
	operatorID, ok := ctx.Value(operatorIDContextKey).(string)
	if !ok || operatorID == "" {
		return "", fmt.Errorf("operator ID not found in context")
	}
	return operatorID, nil
}

// ContextWithOperatorID はコンテキストに運用者IDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithOperatorID(ctx context.Context, operatorID string) context.Context {
	return context.WithValue(ctx, operatorIDContextKey, operatorID)
}
