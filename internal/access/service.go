// Package access はアクセストークンによる公開コンテンツの取得を提供する。
// 検証フローを経て許可された申請者だけが、故人が公開フラグを立てたコンテンツを閲覧できる。
package access

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/katami/internal/metrics"
	"github.com/hitoshi/katami/internal/model"
	"github.com/hitoshi/katami/internal/security"
	"github.com/hitoshi/katami/internal/storage"
)

// RequestFinder はアクセストークンによる申請の検索インターフェース。
type RequestFinder interface {
	FindByAccessToken(ctx context.Context, token string) (*model.LegacyAccessRequest, error)
}

// ReleaseLister は公開対象コンテンツの読み取りインターフェース。
type ReleaseLister interface {
	ListReleasable(ctx context.Context, userID string) ([]*model.ReleaseItem, error)
}

// AuditAppender は監査ログの追記インターフェース。
type AuditAppender interface {
	Append(ctx context.Context, entry *model.AuditEntry) error
}

// Service は公開コンテンツ取得のサービス層。
type Service struct {
	requests  RequestFinder
	releases  ReleaseLister
	audits    AuditAppender
	sanitizer security.ContentSanitizerService
	blobs     storage.BlobStore
	collector metrics.MetricsCollector

	now func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	requests RequestFinder,
	releases ReleaseLister,
	audits AuditAppender,
	sanitizer security.ContentSanitizerService,
	blobs storage.BlobStore,
	collector metrics.MetricsCollector,
) *Service {
	return &Service{
		requests:  requests,
		releases:  releases,
		audits:    audits,
		sanitizer: sanitizer,
		blobs:     blobs,
		collector: collector,
		now:       time.Now,
	}
}

// ReleasedItem は開示されるコンテンツ1件。
// 本文はサニタイズ済み。音声メッセージ等のブロブは短寿命の署名付きURLで参照する。
type ReleasedItem struct {
	ID        string
	Kind      model.ReleaseKind
	Title     string
	Body      string
	BlobURL   string
	CreatedAt time.Time
}

// ReleasedContent はアクセストークンに対して開示されるコンテンツの集合。
type ReleasedContent struct {
	RequestID       string
	AccessExpiresAt time.Time
	Items           []*ReleasedItem
}

// FetchReleasedContent はアクセストークンに対応する公開コンテンツを返す。
// 有効期限はアクセスのたびに検証する（付与時のみの検証では不十分）。
// 公開フラグのないコンテンツは決して返さない。
func (s *Service) FetchReleasedContent(ctx context.Context, token string) (*ReleasedContent, error) {
	if token == "" {
		return nil, model.NewInvalidTokenError()
	}

	req, err := s.requests.FindByAccessToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("アクセストークンの検索に失敗しました: %w", err)
	}
	if req == nil {
		return nil, model.NewInvalidTokenError()
	}

	now := s.now()
	if !req.AccessUsable(now) {
		if req.Status == model.RequestStatusGranted {
			return nil, model.NewAccessExpiredError()
		}
		return nil, model.NewAccessNotGrantedError()
	}

	items, err := s.releases.ListReleasable(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("公開コンテンツの取得に失敗しました: %w", err)
	}

	released := make([]*ReleasedItem, 0, len(items))
	for _, item := range items {
		out := &ReleasedItem{
			ID:        item.ID,
			Kind:      item.Kind,
			Title:     item.Title,
			Body:      s.sanitizer.Sanitize(item.Body),
			CreatedAt: item.CreatedAt,
		}
		if item.BlobKey != "" {
			blobURL, err := s.blobs.PresignGet(ctx, item.BlobKey)
			if err != nil {
				// 1件の署名失敗で開示全体は止めない
				slog.Error("ブロブURLの署名に失敗しました",
					"requestID", req.ID, "itemID", item.ID, "error", err)
			} else {
				out.BlobURL = blobURL
			}
		}
		released = append(released, out)
	}

	// 閲覧の監査はベストエフォート。失敗しても開示は成立させるが、
	// 欠落はログとメトリクスで確実に可視化する。
	s.auditAccess(ctx, req)
	s.collector.RecordContentAccess()

	return &ReleasedContent{
		RequestID:       req.ID,
		AccessExpiresAt: *req.AccessExpiresAt,
		Items:           released,
	}, nil
}

func (s *Service) auditAccess(ctx context.Context, req *model.LegacyAccessRequest) {
	entry := &model.AuditEntry{
		ID:         uuid.New().String(),
		RequestID:  req.ID,
		UserID:     req.UserID,
		Action:     model.AuditContentAccessed,
		Actor:      "requester:" + req.RequesterEmail,
		OccurredAt: s.now(),
	}
	if err := s.audits.Append(ctx, entry); err != nil {
		slog.Error("閲覧監査の書き込みに失敗しました",
			"requestID", req.ID, "error", err)
		s.collector.RecordAuditFailure()
	}
}
