// Package handler はHTTP APIハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/katami/internal/legacy"
	"github.com/hitoshi/katami/internal/middleware"
	"github.com/hitoshi/katami/internal/model"
)

// LegacyServiceInterface は遺産アクセス申請ハンドラーが必要とするサービスインターフェース。
type LegacyServiceInterface interface {
	// SubmitRequest は遺産アクセス申請を受け付ける。
	SubmitRequest(ctx context.Context, input legacy.SubmitInput) (*legacy.SubmitResult, error)
	// ListRequests は申請者のメールアドレスに紐づく申請状態の一覧を返す。
	ListRequests(ctx context.Context, requesterEmail string) ([]*legacy.RequestView, error)
	// PreviewConfirmation は確認トークンに対応する申請の概要を返す。
	PreviewConfirmation(ctx context.Context, token string) (*legacy.ConfirmationView, error)
	// ResolveConfirmation は信頼担当者の確認または拒否を処理する。
	ResolveConfirmation(ctx context.Context, token string, approve bool, notes string) (*legacy.ResolveResult, error)
	// AttachCertificate は死亡証明書の参照URLを申請に添付する。
	AttachCertificate(ctx context.Context, requestID, rawURL string) (*model.LegacyAccessRequest, error)
	// NewEvidenceUploadURL は証明書アップロード用の署名付きURLを発行する。
	NewEvidenceUploadURL(ctx context.Context, requestID string) (*legacy.EvidenceUpload, error)
	// ReviewEvidence は運用者による証明書審査の結果を反映する。
	ReviewEvidence(ctx context.Context, requestID string, approve bool, operator, message string) (*model.LegacyAccessRequest, error)
	// FinalizeGrant は猶予期間満了後の申請にアクセスを許可する。
	FinalizeGrant(ctx context.Context, requestID string) (*model.LegacyAccessRequest, error)
	// ListAuditTrail は申請の監査証跡を返す。
	ListAuditTrail(ctx context.Context, requestID string) ([]*model.AuditEntry, error)
}

// LegacyHandler は遺産アクセス申請のHTTPハンドラー。
type LegacyHandler struct {
	service LegacyServiceInterface
}

// NewLegacyHandler はLegacyHandlerを生成する。
func NewLegacyHandler(service LegacyServiceInterface) *LegacyHandler {
	return &LegacyHandler{service: service}
}

// submitRequestBody は申請受付リクエストのボディ。
type submitRequestBody struct {
	UserEmail           string `json:"user_email"`
	RequesterName       string `json:"requester_name"`
	RequesterEmail      string `json:"requester_email"`
	RequesterPhone      string `json:"requester_phone"`
	Relationship        string `json:"relationship"`
	VerificationMethod  string `json:"verification_method"`
	DeathCertificateURL string `json:"death_certificate_url"`
}

// submitResponse は申請受付のAPIレスポンス。
type submitResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// confirmRequestBody は信頼担当者の決定リクエストのボディ。
// actionはconfirmまたはdenyのみ受け付ける。
type confirmRequestBody struct {
	Token  string `json:"token"`
	Action string `json:"action"`
	Notes  string `json:"notes"`
}

// confirmResponse は信頼担当者の決定処理のAPIレスポンス。
type confirmResponse struct {
	Decision      string `json:"decision"`
	RequestStatus string `json:"request_status"`
}

// confirmPreviewResponse は確認トークンのプレビューのAPIレスポンス。
type confirmPreviewResponse struct {
	RequestID     string    `json:"request_id"`
	RequesterName string    `json:"requester_name"`
	Relationship  string    `json:"relationship"`
	RequestedAt   time.Time `json:"requested_at"`
	RequestStatus string    `json:"request_status"`
}

// evidenceRequestBody は証明書参照の添付リクエストのボディ。
type evidenceRequestBody struct {
	DeathCertificateURL string `json:"death_certificate_url"`
}

// evidenceUploadResponse は証明書アップロードURL発行のAPIレスポンス。
type evidenceUploadResponse struct {
	Key       string `json:"key"`
	UploadURL string `json:"upload_url"`
}

// reviewRequestBody は運用者による証明書審査リクエストのボディ。
type reviewRequestBody struct {
	Approve bool   `json:"approve"`
	Message string `json:"message"`
}

// grantRequestBody はアクセス許可の手動実行リクエストのボディ。
type grantRequestBody struct {
	RequestID string `json:"request_id"`
}

// requestStateResponse は申請状態のAPIレスポンス。
// 運用者向けエンドポイントで使用し、トークンは含めない。
type requestStateResponse struct {
	ID                  string     `json:"id"`
	Status              string     `json:"status"`
	StatusMessage       string     `json:"status_message,omitempty"`
	VerificationMethod  string     `json:"verification_method"`
	CertificateVerified bool       `json:"certificate_verified"`
	GracePeriodEnd      *time.Time `json:"grace_period_end,omitempty"`
	AccessExpiresAt     *time.Time `json:"access_expires_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// grantResponse はアクセス許可実行のAPIレスポンス。
// 許可済みの申請に対しては同じトークンを返す（冪等）。
type grantResponse struct {
	RequestID       string     `json:"request_id"`
	Status          string     `json:"status"`
	AccessToken     string     `json:"access_token,omitempty"`
	AccessExpiresAt *time.Time `json:"access_expires_at,omitempty"`
}

// requestViewResponse は申請者向けの申請状態のAPIレスポンス。
type requestViewResponse struct {
	ID                 string     `json:"id"`
	Status             string     `json:"status"`
	StatusMessage      string     `json:"status_message,omitempty"`
	VerificationMethod string     `json:"verification_method"`
	GracePeriodEnd     *time.Time `json:"grace_period_end,omitempty"`
	AccessExpiresAt    *time.Time `json:"access_expires_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// auditEntryResponse は監査エントリのAPIレスポンス。
type auditEntryResponse struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id"`
	Action     string    `json:"action"`
	Actor      string    `json:"actor"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// apiErrorResponse は統一エラーフォーマットのレスポンス。
type apiErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// SubmitRequest は遺産アクセス申請を受け付ける。
// POST /legacy-access
// 対象ユーザーが存在しない場合も受付成功と同じ形で応答する。
func (h *LegacyHandler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var req submitRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestBodyError())
		return
	}

	if req.UserEmail == "" || req.RequesterName == "" || req.RequesterEmail == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "user_email、requester_name、requester_email は必須です。",
			Category: "validation",
			Action:   "必須項目を入力して再度申請してください。",
		})
		return
	}

	result, err := h.service.SubmitRequest(r.Context(), legacy.SubmitInput{
		UserEmail:           req.UserEmail,
		RequesterName:       req.RequesterName,
		RequesterEmail:      req.RequesterEmail,
		RequesterPhone:      req.RequesterPhone,
		Relationship:        req.Relationship,
		VerificationMethod:  req.VerificationMethod,
		DeathCertificateURL: req.DeathCertificateURL,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(submitResponse{
		RequestID: result.RequestID,
		Status:    string(result.Status),
		Message:   result.Message,
	})
}

// ListRequests は申請者向けの申請状態一覧を返す。
// GET /legacy-access?email=
func (h *LegacyHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "emailクエリパラメータは必須です。",
			Category: "validation",
			Action:   "申請時のメールアドレスを指定してください。",
		})
		return
	}

	views, err := h.service.ListRequests(r.Context(), email)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]requestViewResponse, 0, len(views))
	for _, v := range views {
		resp = append(resp, requestViewResponse{
			ID:                 v.ID,
			Status:             string(v.Status),
			StatusMessage:      v.StatusMessage,
			VerificationMethod: string(v.VerificationMethod),
			GracePeriodEnd:     v.GracePeriodEnd,
			AccessExpiresAt:    v.AccessExpiresAt,
			CreatedAt:          v.CreatedAt,
			UpdatedAt:          v.UpdatedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]requestViewResponse{"requests": resp})
}

// PreviewConfirmation は確認トークンに対応する申請の概要を返す。
// GET /legacy-access/confirm?token=
func (h *LegacyHandler) PreviewConfirmation(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewInvalidTokenError())
		return
	}

	view, err := h.service.PreviewConfirmation(r.Context(), token)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(confirmPreviewResponse{
		RequestID:     view.RequestID,
		RequesterName: view.RequesterName,
		Relationship:  view.Relationship,
		RequestedAt:   view.RequestedAt,
		RequestStatus: string(view.RequestStatus),
	})
}

// ResolveConfirmation は信頼担当者の確認または拒否を処理する。
// POST /legacy-access/confirm
func (h *LegacyHandler) ResolveConfirmation(w http.ResponseWriter, r *http.Request) {
	var req confirmRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestBodyError())
		return
	}

	if req.Token == "" {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewInvalidTokenError())
		return
	}

	// actionはconfirm/denyの閉集合
	var approve bool
	switch req.Action {
	case "confirm":
		approve = true
	case "deny":
		approve = false
	default:
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "actionはconfirmまたはdenyを指定してください。",
			Category: "validation",
			Action:   "受け取ったリンクの案内に従って応答してください。",
		})
		return
	}

	result, err := h.service.ResolveConfirmation(r.Context(), req.Token, approve, req.Notes)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(confirmResponse{
		Decision:      string(result.Decision),
		RequestStatus: string(result.RequestStatus),
	})
}

// AttachCertificate は死亡証明書の参照URLを申請に添付する。
// POST /legacy-access/{id}/evidence
func (h *LegacyHandler) AttachCertificate(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "id")

	var req evidenceRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestBodyError())
		return
	}

	if req.DeathCertificateURL == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewMissingEvidenceError())
		return
	}

	updated, err := h.service.AttachCertificate(r.Context(), requestID, req.DeathCertificateURL)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toRequestStateResponse(updated))
}

// NewEvidenceUploadURL は証明書アップロード用の署名付きURLを発行する。
// POST /legacy-access/{id}/evidence/upload-url
// 発行されたURLへアップロードした後、オブジェクトの公開URLをAttachCertificateで添付する。
func (h *LegacyHandler) NewEvidenceUploadURL(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "id")

	upload, err := h.service.NewEvidenceUploadURL(r.Context(), requestID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(evidenceUploadResponse{
		Key:       upload.Key,
		UploadURL: upload.UploadURL,
	})
}

// ReviewEvidence は運用者による証明書審査の結果を反映する。
// POST /legacy-access/{id}/review（運用者認証必須）
func (h *LegacyHandler) ReviewEvidence(w http.ResponseWriter, r *http.Request) {
	operatorID, err := middleware.OperatorIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, unauthorizedOperatorError())
		return
	}

	requestID := chi.URLParam(r, "id")

	var req reviewRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestBodyError())
		return
	}

	updated, err := h.service.ReviewEvidence(r.Context(), requestID, req.Approve, operatorID, req.Message)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toRequestStateResponse(updated))
}

// FinalizeGrant は猶予期間満了後の申請にアクセスを許可する。
// POST /legacy-access/grant（運用者認証必須）
// 許可済みの申請に対しては同じ結果を返す（冪等）。
func (h *LegacyHandler) FinalizeGrant(w http.ResponseWriter, r *http.Request) {
	if _, err := middleware.OperatorIDFromContext(r.Context()); err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, unauthorizedOperatorError())
		return
	}

	var req grantRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestBodyError())
		return
	}

	if req.RequestID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "request_idは必須です。",
			Category: "validation",
			Action:   "許可対象の申請IDを指定してください。",
		})
		return
	}

	granted, err := h.service.FinalizeGrant(r.Context(), req.RequestID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(grantResponse{
		RequestID:       granted.ID,
		Status:          string(granted.Status),
		AccessToken:     granted.AccessToken,
		AccessExpiresAt: granted.AccessExpiresAt,
	})
}

// ListAuditTrail は申請の監査証跡を返す。
// GET /legacy-access/{id}/audit（運用者認証必須）
func (h *LegacyHandler) ListAuditTrail(w http.ResponseWriter, r *http.Request) {
	if _, err := middleware.OperatorIDFromContext(r.Context()); err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, unauthorizedOperatorError())
		return
	}

	requestID := chi.URLParam(r, "id")

	entries, err := h.service.ListAuditTrail(r.Context(), requestID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, auditEntryResponse{
			ID:         e.ID,
			RequestID:  e.RequestID,
			Action:     string(e.Action),
			Actor:      e.Actor,
			Detail:     e.Detail,
			OccurredAt: e.OccurredAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]auditEntryResponse{"entries": resp})
}

// --- ヘルパー関数 ---

// toRequestStateResponse はmodel.LegacyAccessRequestからAPIレスポンスに変換する。
// アクセストークンと確認トークンは含めない。
func toRequestStateResponse(req *model.LegacyAccessRequest) requestStateResponse {
	return requestStateResponse{
		ID:                  req.ID,
		Status:              string(req.Status),
		StatusMessage:       req.StatusMessage,
		VerificationMethod:  string(req.VerificationMethod),
		CertificateVerified: req.CertificateVerified,
		GracePeriodEnd:      req.GracePeriodEnd,
		AccessExpiresAt:     req.AccessExpiresAt,
		CreatedAt:           req.CreatedAt,
		UpdatedAt:           req.UpdatedAt,
	}
}

// invalidRequestBodyError はリクエストボディの解析失敗エラーを生成する。
func invalidRequestBodyError() *model.APIError {
	return &model.APIError{
		Code:     "INVALID_REQUEST",
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// unauthorizedOperatorError は運用者認証の欠落エラーを生成する。
func unauthorizedOperatorError() *model.APIError {
	return &model.APIError{
		Code:     "UNAUTHORIZED",
		Message:  "運用者認証が必要です。",
		Category: "auth",
		Action:   "有効な運用者トークンを添えてリクエストしてください。",
	}
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErrorResponse{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		statusCode := mapAPIErrorToHTTPStatus(apiErr)
		writeAPIErrorResponse(w, statusCode, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeDuplicateRequest,
		model.ErrCodeMissingEvidence,
		model.ErrCodeInvalidMethod,
		model.ErrCodeInvalidEvidenceURL:
		return http.StatusBadRequest
	case model.ErrCodeInvalidToken:
		return http.StatusUnauthorized
	case model.ErrCodeAccessNotGranted, model.ErrCodeAccessExpired:
		return http.StatusForbidden
	case model.ErrCodeRequestNotFound:
		return http.StatusNotFound
	case model.ErrCodeGracePeriodNotElapsed,
		model.ErrCodeRequestClosed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
