package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hitoshi/katami/internal/access"
	"github.com/hitoshi/katami/internal/model"
)

// AccessServiceInterface は公開コンテンツ取得ハンドラーが必要とするサービスインターフェース。
type AccessServiceInterface interface {
	// FetchReleasedContent はアクセストークンに対応する公開コンテンツを返す。
	FetchReleasedContent(ctx context.Context, token string) (*access.ReleasedContent, error)
}

// AccessHandler は許可済みアクセスによるコンテンツ取得のHTTPハンドラー。
type AccessHandler struct {
	service AccessServiceInterface
}

// NewAccessHandler はAccessHandlerを生成する。
func NewAccessHandler(service AccessServiceInterface) *AccessHandler {
	return &AccessHandler{service: service}
}

// releasedItemResponse は公開コンテンツ1件のAPIレスポンス。
type releasedItemResponse struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	BlobURL   string    `json:"blob_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// releasedContentResponse は公開コンテンツ取得のAPIレスポンス。
type releasedContentResponse struct {
	RequestID       string                 `json:"request_id"`
	AccessExpiresAt time.Time              `json:"access_expires_at"`
	Items           []releasedItemResponse `json:"items"`
}

// FetchReleasedContent はアクセストークンに対応する公開コンテンツを返す。
// GET /legacy-access/grant?token=
// 期限切れトークンは拒否する。閲覧は監査証跡に記録される。
func (h *AccessHandler) FetchReleasedContent(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewInvalidTokenError())
		return
	}

	content, err := h.service.FetchReleasedContent(r.Context(), token)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	items := make([]releasedItemResponse, 0, len(content.Items))
	for _, item := range content.Items {
		items = append(items, releasedItemResponse{
			ID:        item.ID,
			Kind:      string(item.Kind),
			Title:     item.Title,
			Body:      item.Body,
			BlobURL:   item.BlobURL,
			CreatedAt: item.CreatedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(releasedContentResponse{
		RequestID:       content.RequestID,
		AccessExpiresAt: content.AccessExpiresAt,
		Items:           items,
	})
}
