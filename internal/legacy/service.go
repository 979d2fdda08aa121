// Package legacy は遺産アクセス申請の検証ドメインロジックを提供する。
// 申請の受付 → 信頼担当者確認・証明書審査 → 猶予期間 → アクセス許可のフローを統括する。
package legacy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/katami/internal/metrics"
	"github.com/hitoshi/katami/internal/model"
	"github.com/hitoshi/katami/internal/repository"
)

// pqUniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const pqUniqueViolation = "23505"

// Notifier は申請フローからの外部通知のインターフェース。
// 送信失敗は呼び出し側でログとメトリクスに記録し、フロー自体は止めない。
type Notifier interface {
	SendTrusteeConfirmationRequest(ctx context.Context, trusteeEmail, trusteeName, requesterName, relationship, confirmURL string) error
	SendAccessGranted(ctx context.Context, requesterEmail, requesterName, accessURL string, expiresAt time.Time) error
}

// EvidenceGuard は死亡証明書の参照URLの検証インターフェース。
type EvidenceGuard interface {
	// Validate はURLの静的な安全性検証を行う。
	Validate(rawURL string) error
	// VerifyReachable は参照URLが実在のドキュメントを指すことを確認する。
	VerifyReachable(ctx context.Context, rawURL string) error
}

// BlobPresigner は証明書アップロード先の署名付きURL発行インターフェース。
type BlobPresigner interface {
	PresignPut(ctx context.Context, prefix string) (key string, url string, err error)
}

// Service は遺産アクセス申請の検証サービス層。
type Service struct {
	userRepo    repository.UserRepository
	requestRepo repository.RequestRepository
	confirmRepo repository.ConfirmationRepository
	auditRepo   repository.AuditRepository
	notifier    Notifier
	guard       EvidenceGuard
	blobs       BlobPresigner
	collector   metrics.MetricsCollector

	gracePeriod    time.Duration
	accessTokenTTL time.Duration
	quorumPercent  int
	baseURL        string

	now func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	userRepo repository.UserRepository,
	requestRepo repository.RequestRepository,
	confirmRepo repository.ConfirmationRepository,
	auditRepo repository.AuditRepository,
	notifier Notifier,
	guard EvidenceGuard,
	blobs BlobPresigner,
	collector metrics.MetricsCollector,
	gracePeriod time.Duration,
	accessTokenTTL time.Duration,
	quorumPercent int,
	baseURL string,
) *Service {
	return &Service{
		userRepo:       userRepo,
		requestRepo:    requestRepo,
		confirmRepo:    confirmRepo,
		auditRepo:      auditRepo,
		notifier:       notifier,
		guard:          guard,
		blobs:          blobs,
		collector:      collector,
		gracePeriod:    gracePeriod,
		accessTokenTTL: accessTokenTTL,
		quorumPercent:  quorumPercent,
		baseURL:        baseURL,
		now:            time.Now,
	}
}

// SubmitInput は遺産アクセス申請の入力。
type SubmitInput struct {
	UserEmail           string
	RequesterName       string
	RequesterEmail      string
	RequesterPhone      string
	Relationship        string
	VerificationMethod  string
	DeathCertificateURL string
}

// SubmitResult は申請受付の結果。
// 対象ユーザーが存在しない・対象外の場合も同じ形で返し、外部から区別できない。
type SubmitResult struct {
	RequestID string
	Status    model.RequestStatus
	Message   string
}

// acceptedMessage は申請受付時の定型メッセージ。対象ユーザーの有無によらず同一。
const acceptedMessage = "申請を受け付けました。検証の進行状況はメールで通知されます。"

// SubmitRequest は遺産アクセス申請を受け付ける。
// フロー: 入力検証 → 対象ユーザー確認 → 重複チェック → 申請作成 → 信頼担当者への通知
// 対象ユーザーが存在しない、または遺産公開が無効な場合もエラーにせず、
// 受付成功と同じ形の結果を返す（ユーザーの存在を外部に漏らさない）。
func (s *Service) SubmitRequest(ctx context.Context, input SubmitInput) (*SubmitResult, error) {
	method := model.VerificationMethod(input.VerificationMethod)
	if !method.Valid() {
		return nil, model.NewInvalidMethodError(input.VerificationMethod)
	}
	// both方式は証明書の後付けを許す。提出時に必須なのは証明書のみの方式。
	if method == model.MethodDeathCertificate && input.DeathCertificateURL == "" {
		return nil, model.NewMissingEvidenceError()
	}
	if input.DeathCertificateURL != "" {
		if err := s.guard.Validate(input.DeathCertificateURL); err != nil {
			return nil, model.NewInvalidEvidenceURLError(err.Error())
		}
	}

	account, err := s.userRepo.FindByEmail(ctx, input.UserEmail)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの検索に失敗しました: %w", err)
	}
	if account == nil || !account.LegacyReleaseEnabled {
		slog.Info("対象外ユーザーへの申請を受理扱いで終了",
			"requesterEmail", input.RequesterEmail)
		return &SubmitResult{
			RequestID: uuid.New().String(),
			Status:    model.RequestStatusPending,
			Message:   acceptedMessage,
		}, nil
	}

	existing, err := s.requestRepo.FindInflight(ctx, account.ID, input.RequesterEmail)
	if err != nil {
		return nil, fmt.Errorf("進行中申請の確認に失敗しました: %w", err)
	}
	if existing != nil {
		return nil, model.NewDuplicateRequestError()
	}

	now := s.now()
	req := &model.LegacyAccessRequest{
		ID:                 uuid.New().String(),
		UserID:             account.ID,
		RequesterName:      input.RequesterName,
		RequesterEmail:     input.RequesterEmail,
		RequesterPhone:     input.RequesterPhone,
		Relationship:       input.Relationship,
		VerificationMethod: method,
		Status:             model.RequestStatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if input.DeathCertificateURL != "" {
		req.DeathCertificateURL = input.DeathCertificateURL
		req.CertificateUploaded = &now
	}

	var trustees []*model.Trustee
	var confirmations []*model.TrusteeConfirmation
	if method.RequiresTrustees() {
		trustees, err = s.userRepo.ListActiveTrustees(ctx, account.ID)
		if err != nil {
			return nil, fmt.Errorf("信頼担当者の取得に失敗しました: %w", err)
		}
		if len(trustees) == 0 {
			// 信頼担当者が1人もいなければ定足数は永遠に満たせず、
			// 申請を作成すると進行中のまま後続の申請を塞いでしまう。
			// 担当者の有無も口座情報なので、受理形の応答で区別できないようにする。
			slog.Info("信頼担当者不在の申請を受理扱いで終了",
				"requesterEmail", input.RequesterEmail)
			return &SubmitResult{
				RequestID: uuid.New().String(),
				Status:    model.RequestStatusPending,
				Message:   acceptedMessage,
			}, nil
		}
		for _, tr := range trustees {
			token, err := NewConfirmationToken()
			if err != nil {
				return nil, err
			}
			confirmations = append(confirmations, &model.TrusteeConfirmation{
				ID:                uuid.New().String(),
				RequestID:         req.ID,
				TrusteeID:         tr.ID,
				ConfirmationToken: token,
				Status:            model.ConfirmationStatusPending,
				CreatedAt:         now,
			})
		}
	}

	if err := s.requestRepo.CreateWithConfirmations(ctx, req, confirmations); err != nil {
		// 同時申請は部分ユニークインデックスで弾かれる
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == pqUniqueViolation {
			return nil, model.NewDuplicateRequestError()
		}
		return nil, fmt.Errorf("申請の作成に失敗しました: %w", err)
	}

	s.audit(ctx, req.ID, req.UserID, model.AuditRequestCreated,
		"requester:"+input.RequesterEmail,
		fmt.Sprintf("method=%s", method))
	s.collector.RecordRequestCreated()

	for i, tr := range trustees {
		s.notifyTrustee(ctx, tr, req, confirmations[i].ConfirmationToken)
	}

	return &SubmitResult{
		RequestID: req.ID,
		Status:    req.Status,
		Message:   acceptedMessage,
	}, nil
}

// ConfirmationView は信頼担当者が決定前に確認する申請の概要。
type ConfirmationView struct {
	RequestID      string
	RequesterName  string
	Relationship   string
	RequestedAt    time.Time
	RequestStatus  model.RequestStatus
}

// PreviewConfirmation は確認トークンに対応する申請の概要を返す。
// 不明なトークンと消費済みトークンは区別せず、どちらも無効として扱う。
func (s *Service) PreviewConfirmation(ctx context.Context, token string) (*ConfirmationView, error) {
	c, err := s.confirmRepo.FindByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("確認トークンの検索に失敗しました: %w", err)
	}
	if c == nil {
		return nil, model.NewInvalidTokenError()
	}

	req, err := s.requestRepo.FindByID(ctx, c.RequestID)
	if err != nil {
		return nil, fmt.Errorf("申請の取得に失敗しました: %w", err)
	}
	if req == nil {
		return nil, model.NewInvalidTokenError()
	}

	return &ConfirmationView{
		RequestID:     req.ID,
		RequesterName: req.RequesterName,
		Relationship:  req.Relationship,
		RequestedAt:   req.CreatedAt,
		RequestStatus: req.Status,
	}, nil
}

// ResolveResult は信頼担当者の決定処理の結果。
type ResolveResult struct {
	Decision      model.ConfirmationStatus
	RequestStatus model.RequestStatus
}

// ResolveConfirmation は信頼担当者の確認または拒否を処理する。
// トークンは原子的に消費され、二重応答は2回目以降が必ず無効になる。
// 拒否は1名でも申請全体を拒否する。ただし許可済みの申請には影響しない
// （開示は取り消せないため、記録のみ残す）。
func (s *Service) ResolveConfirmation(ctx context.Context, token string, approve bool, notes string) (*ResolveResult, error) {
	decision := model.ConfirmationStatusDenied
	if approve {
		decision = model.ConfirmationStatusConfirmed
	}

	now := s.now()
	c, err := s.confirmRepo.Consume(ctx, token, decision, notes, now)
	if err != nil {
		return nil, fmt.Errorf("確認トークンの消費に失敗しました: %w", err)
	}
	if c == nil {
		return nil, model.NewInvalidTokenError()
	}

	s.collector.RecordTrusteeDecision(string(decision))

	req, err := s.requestRepo.FindByID(ctx, c.RequestID)
	if err != nil {
		return nil, fmt.Errorf("申請の取得に失敗しました: %w", err)
	}
	if req == nil {
		return nil, fmt.Errorf("確認 %s が参照する申請 %s が見つかりません", c.ID, c.RequestID)
	}

	actor := "trustee:" + c.TrusteeID

	if approve {
		s.audit(ctx, req.ID, req.UserID, model.AuditTrusteeConfirmed, actor, notes)
		if !req.Status.IsTerminal() {
			if err := s.advanceIfQuorumMet(ctx, req, now); err != nil {
				return nil, err
			}
		}
	} else {
		s.audit(ctx, req.ID, req.UserID, model.AuditTrusteeDenied, actor, notes)
		switch req.Status {
		case model.RequestStatusGranted:
			// 許可後の拒否。状態は変えず、監査証跡にのみ残す。
			s.audit(ctx, req.ID, req.UserID, model.AuditLateDenialIgnored, actor, "")
			slog.Warn("許可済み申請への遅延拒否を記録",
				"requestID", req.ID, "trusteeID", c.TrusteeID)
		case model.RequestStatusRejected:
			// すでに拒否済み。何もしない。
		default:
			ok, err := s.requestRepo.Reject(ctx, req.ID, actor, "信頼担当者により拒否されました。")
			if err != nil {
				return nil, fmt.Errorf("申請の拒否に失敗しました: %w", err)
			}
			if !ok {
				// 競合で先に遷移した。再読込して許可済みなら遅延拒否として記録。
				current, err := s.requestRepo.FindByID(ctx, req.ID)
				if err != nil {
					return nil, fmt.Errorf("申請の再取得に失敗しました: %w", err)
				}
				if current != nil && current.Status == model.RequestStatusGranted {
					s.audit(ctx, req.ID, req.UserID, model.AuditLateDenialIgnored, actor, "")
				}
			}
		}
	}

	current, err := s.requestRepo.FindByID(ctx, req.ID)
	if err != nil {
		return nil, fmt.Errorf("申請の再取得に失敗しました: %w", err)
	}
	status := req.Status
	if current != nil {
		status = current.Status
	}

	return &ResolveResult{Decision: decision, RequestStatus: status}, nil
}

// advanceIfQuorumMet は定足数を判定し、満たしていれば状態を進める。
// 確認の受理後と証明書の添付後の両方から呼ばれる。
// 定足数は有効な信頼担当者の総数に対して計算する。
func (s *Service) advanceIfQuorumMet(ctx context.Context, req *model.LegacyAccessRequest, now time.Time) error {
	tally, err := s.confirmRepo.Tally(ctx, req.ID)
	if err != nil {
		return fmt.Errorf("確認状況の集計に失敗しました: %w", err)
	}

	threshold := QuorumThreshold(tally.Total, s.quorumPercent)
	if tally.Confirmed < threshold {
		return nil
	}

	if req.VerificationMethod == model.MethodBoth && req.DeathCertificateURL == "" {
		// 証明書がまだ添付されていない。審査待ちに遷移させる（pendingの場合のみ）。
		if _, err := s.requestRepo.MarkUnderReview(ctx, req.ID,
			"信頼担当者の確認は完了しました。死亡証明書の添付待ちです。"); err != nil {
			return fmt.Errorf("審査中への遷移に失敗しました: %w", err)
		}
		return nil
	}

	return s.startGracePeriod(ctx, req, "quorum", now)
}

// startGracePeriod は検証完了済みの申請を猶予期間に遷移させる。
// 競合で先に遷移していた場合（影響行数0）は何もしない。
func (s *Service) startGracePeriod(ctx context.Context, req *model.LegacyAccessRequest, verifiedBy string, now time.Time) error {
	end := now.Add(s.gracePeriod)
	ok, err := s.requestRepo.StartGracePeriod(ctx, req.ID, now, end, verifiedBy)
	if err != nil {
		return fmt.Errorf("猶予期間への遷移に失敗しました: %w", err)
	}
	if !ok {
		return nil
	}

	s.audit(ctx, req.ID, req.UserID, model.AuditGracePeriodStarted, verifiedBy,
		fmt.Sprintf("grace_period_end=%s", end.UTC().Format(time.RFC3339)))
	slog.Info("猶予期間を開始",
		"requestID", req.ID, "gracePeriodEnd", end, "verifiedBy", verifiedBy)

	return nil
}

// EvidenceUpload は証明書アップロード用の署名付きURLの発行結果。
type EvidenceUpload struct {
	Key       string
	UploadURL string
}

// NewEvidenceUploadURL は死亡証明書アップロード用の署名付きPUT URLを発行する。
// アップロード完了後、申請者はオブジェクトの参照URLをAttachCertificateで添付する。
func (s *Service) NewEvidenceUploadURL(ctx context.Context, requestID string) (*EvidenceUpload, error) {
	req, err := s.requestRepo.FindByID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("申請の取得に失敗しました: %w", err)
	}
	if req == nil {
		return nil, model.NewRequestNotFoundError()
	}
	if req.Status.IsTerminal() {
		return nil, model.NewRequestClosedError()
	}
	if !req.VerificationMethod.RequiresCertificate() {
		return nil, model.NewInvalidMethodError(string(req.VerificationMethod))
	}

	key, uploadURL, err := s.blobs.PresignPut(ctx, "evidence/"+req.ID)
	if err != nil {
		return nil, fmt.Errorf("アップロードURLの発行に失敗しました: %w", err)
	}

	return &EvidenceUpload{Key: key, UploadURL: uploadURL}, nil
}

// AttachCertificate は申請に死亡証明書の参照URLを添付する。
// 参照URLは静的検証に加え、実在確認（SSRF防止クライアント経由のHEAD）を通す。
func (s *Service) AttachCertificate(ctx context.Context, requestID, rawURL string) (*model.LegacyAccessRequest, error) {
	if err := s.guard.VerifyReachable(ctx, rawURL); err != nil {
		return nil, model.NewInvalidEvidenceURLError(err.Error())
	}

	req, err := s.requestRepo.FindByID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("申請の取得に失敗しました: %w", err)
	}
	if req == nil {
		return nil, model.NewRequestNotFoundError()
	}
	if req.Status.IsTerminal() {
		return nil, model.NewRequestClosedError()
	}

	now := s.now()
	ok, err := s.requestRepo.AttachCertificate(ctx, requestID, rawURL, now)
	if err != nil {
		return nil, fmt.Errorf("証明書の添付に失敗しました: %w", err)
	}
	if !ok {
		return nil, model.NewRequestClosedError()
	}

	s.audit(ctx, req.ID, req.UserID, model.AuditEvidenceAttached,
		"requester:"+req.RequesterEmail, rawURL)

	// 定足数がすでに満たされていれば添付によって猶予期間に進む
	if req.VerificationMethod == model.MethodBoth {
		req.DeathCertificateURL = rawURL
		if err := s.advanceIfQuorumMet(ctx, req, now); err != nil {
			return nil, err
		}
	}

	return s.requestRepo.FindByID(ctx, requestID)
}

// ReviewEvidence は運用者による死亡証明書の審査結果を処理する。
// 承認された場合、検証方法に応じて猶予期間または信頼担当者の確認待ちに進める。
func (s *Service) ReviewEvidence(ctx context.Context, requestID string, approve bool, operator, message string) (*model.LegacyAccessRequest, error) {
	req, err := s.requestRepo.FindByID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("申請の取得に失敗しました: %w", err)
	}
	if req == nil {
		return nil, model.NewRequestNotFoundError()
	}
	if req.Status.IsTerminal() {
		return nil, model.NewRequestClosedError()
	}
	if req.DeathCertificateURL == "" {
		return nil, model.NewMissingEvidenceError()
	}

	actor := "operator:" + operator
	now := s.now()

	if approve {
		// 承認前に参照先ドキュメントの実在を確認する。
		// 提出時の静的検証以降に削除・差し替えされたURLを承認しない。
		if err := s.guard.VerifyReachable(ctx, req.DeathCertificateURL); err != nil {
			return nil, model.NewInvalidEvidenceURLError(err.Error())
		}
	}

	s.audit(ctx, req.ID, req.UserID, model.AuditEvidenceReviewed, actor,
		fmt.Sprintf("approved=%t message=%s", approve, message))

	if !approve {
		if _, err := s.requestRepo.Reject(ctx, req.ID, actor, message); err != nil {
			return nil, fmt.Errorf("申請の拒否に失敗しました: %w", err)
		}
		return s.requestRepo.FindByID(ctx, requestID)
	}

	if _, err := s.requestRepo.SetCertificateVerified(ctx, req.ID); err != nil {
		return nil, fmt.Errorf("証明書審査済みフラグの更新に失敗しました: %w", err)
	}
	req.CertificateVerified = true

	switch req.VerificationMethod {
	case model.MethodDeathCertificate:
		if err := s.startGracePeriod(ctx, req, actor, now); err != nil {
			return nil, err
		}
	case model.MethodBoth:
		tally, err := s.confirmRepo.Tally(ctx, req.ID)
		if err != nil {
			return nil, fmt.Errorf("確認状況の集計に失敗しました: %w", err)
		}
		if tally.Confirmed >= QuorumThreshold(tally.Total, s.quorumPercent) {
			if err := s.startGracePeriod(ctx, req, actor, now); err != nil {
				return nil, err
			}
		} else {
			if _, err := s.requestRepo.MarkUnderReview(ctx, req.ID,
				"証明書の審査は完了しました。信頼担当者の確認待ちです。"); err != nil {
				return nil, fmt.Errorf("審査中への遷移に失敗しました: %w", err)
			}
		}
	}

	return s.requestRepo.FindByID(ctx, requestID)
}

// FinalizeGrant は猶予期間が満了した申請にアクセストークンを発行する。
// すでに許可済みの場合はその申請をそのまま返す（冪等）。
func (s *Service) FinalizeGrant(ctx context.Context, requestID string) (*model.LegacyAccessRequest, error) {
	req, err := s.requestRepo.FindByID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("申請の取得に失敗しました: %w", err)
	}
	if req == nil {
		return nil, model.NewRequestNotFoundError()
	}

	switch req.Status {
	case model.RequestStatusGranted:
		return req, nil
	case model.RequestStatusRejected:
		return nil, model.NewRequestClosedError()
	case model.RequestStatusGracePeriod:
		// 満了判定はUPDATEのWHERE句でも再検証される
	default:
		return nil, model.NewAccessNotGrantedError()
	}

	now := s.now()
	if req.GracePeriodEnd != nil && req.GracePeriodEnd.After(now) {
		return nil, model.NewGracePeriodNotElapsedError()
	}

	token, err := NewAccessToken()
	if err != nil {
		return nil, err
	}
	expiresAt := now.Add(s.accessTokenTTL)

	ok, err := s.requestRepo.GrantAccess(ctx, requestID, token, now, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("アクセス許可の付与に失敗しました: %w", err)
	}
	if !ok {
		// 競合で先に遷移した。許可済みであれば冪等に成功として扱う。
		current, err := s.requestRepo.FindByID(ctx, requestID)
		if err != nil {
			return nil, fmt.Errorf("申請の再取得に失敗しました: %w", err)
		}
		if current == nil {
			return nil, model.NewRequestNotFoundError()
		}
		switch current.Status {
		case model.RequestStatusGranted:
			return current, nil
		case model.RequestStatusRejected:
			return nil, model.NewRequestClosedError()
		default:
			return nil, model.NewGracePeriodNotElapsedError()
		}
	}

	s.audit(ctx, req.ID, req.UserID, model.AuditAccessGranted, "system",
		fmt.Sprintf("expires_at=%s", expiresAt.UTC().Format(time.RFC3339)))
	s.collector.RecordAccessGranted()
	slog.Info("アクセスを許可",
		"requestID", req.ID, "expiresAt", expiresAt)

	req.Status = model.RequestStatusGranted
	req.AccessToken = token
	req.AccessGrantedAt = &now
	req.AccessExpiresAt = &expiresAt

	s.notifyRequester(ctx, req, token, expiresAt)

	return req, nil
}

// ListGraceElapsed は猶予期間が満了した申請を返す。スイープワーカーから利用する。
func (s *Service) ListGraceElapsed(ctx context.Context) ([]*model.LegacyAccessRequest, error) {
	return s.requestRepo.ListGraceElapsed(ctx, s.now())
}

// RequestView は申請者向けに開示する申請状態。
// トークン・証明書URL・検証者などの内部情報は含めない。
type RequestView struct {
	ID                 string
	Status             model.RequestStatus
	StatusMessage      string
	VerificationMethod model.VerificationMethod
	GracePeriodEnd     *time.Time
	AccessExpiresAt    *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ListRequests は申請者のメールアドレスに紐づく申請の状態一覧を返す。
func (s *Service) ListRequests(ctx context.Context, requesterEmail string) ([]*RequestView, error) {
	reqs, err := s.requestRepo.ListByRequesterEmail(ctx, requesterEmail)
	if err != nil {
		return nil, fmt.Errorf("申請一覧の取得に失敗しました: %w", err)
	}

	views := make([]*RequestView, 0, len(reqs))
	for _, r := range reqs {
		views = append(views, &RequestView{
			ID:                 r.ID,
			Status:             r.Status,
			StatusMessage:      r.StatusMessage,
			VerificationMethod: r.VerificationMethod,
			GracePeriodEnd:     r.GracePeriodEnd,
			AccessExpiresAt:    r.AccessExpiresAt,
			CreatedAt:          r.CreatedAt,
			UpdatedAt:          r.UpdatedAt,
		})
	}

	return views, nil
}

// ListAuditTrail は申請の監査証跡を返す。運用者向け。
func (s *Service) ListAuditTrail(ctx context.Context, requestID string) ([]*model.AuditEntry, error) {
	req, err := s.requestRepo.FindByID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("申請の取得に失敗しました: %w", err)
	}
	if req == nil {
		return nil, model.NewRequestNotFoundError()
	}
	return s.auditRepo.ListByRequest(ctx, requestID)
}

// audit は監査エントリを追記する。
// 書き込み失敗でフローは止めないが、ログとメトリクスで確実に可視化する。
func (s *Service) audit(ctx context.Context, requestID, userID string, action model.AuditAction, actor, detail string) {
	entry := &model.AuditEntry{
		ID:         uuid.New().String(),
		RequestID:  requestID,
		UserID:     userID,
		Action:     action,
		Actor:      actor,
		Detail:     detail,
		OccurredAt: s.now(),
	}
	if err := s.auditRepo.Append(ctx, entry); err != nil {
		slog.Error("監査ログの書き込みに失敗しました",
			"requestID", requestID, "action", string(action), "error", err)
		s.collector.RecordAuditFailure()
	}
}

// notifyTrustee は信頼担当者に確認リンクを送付する。失敗してもフローは止めない。
func (s *Service) notifyTrustee(ctx context.Context, tr *model.Trustee, req *model.LegacyAccessRequest, token string) {
	if s.notifier == nil {
		return
	}

	confirmURL := s.baseURL + "/legacy-access/confirm?token=" + token
	err := s.notifier.SendTrusteeConfirmationRequest(ctx,
		tr.Email, tr.Name, req.RequesterName, req.Relationship, confirmURL)
	if err != nil {
		slog.Warn("信頼担当者への通知に失敗しました",
			"requestID", req.ID, "trusteeID", tr.ID, "error", err)
		s.collector.RecordNotifyFailure("trustee_confirmation")
	}
}

// notifyRequester は申請者にアクセスリンクを送付する。失敗してもフローは止めない。
func (s *Service) notifyRequester(ctx context.Context, req *model.LegacyAccessRequest, token string, expiresAt time.Time) {
	if s.notifier == nil {
		return
	}

	accessURL := s.baseURL + "/legacy-access/grant?token=" + token
	err := s.notifier.SendAccessGranted(ctx,
		req.RequesterEmail, req.RequesterName, accessURL, expiresAt)
	if err != nil {
		slog.Warn("申請者への許可通知に失敗しました",
			"requestID", req.ID, "error", err)
		s.collector.RecordNotifyFailure("access_granted")
	}
}
