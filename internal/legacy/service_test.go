package legacy

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/katami/internal/metrics"
	"github.com/hitoshi/katami/internal/model"
	"github.com/hitoshi/katami/internal/repository"
)

// --- Service テスト用モック ---

// mockUserRepo はテスト用のUserRepositoryモック。
type mockUserRepo struct {
	byEmail  map[string]*repository.UserAccount
	trustees map[string][]*model.Trustee
}

func newMockUserRepo() *mockUserRepo {
	return &mockUserRepo{
		byEmail:  make(map[string]*repository.UserAccount),
		trustees: make(map[string][]*model.Trustee),
	}
}

func (m *mockUserRepo) FindByEmail(_ context.Context, email string) (*repository.UserAccount, error) {
	u, ok := m.byEmail[email]
	if !ok {
		return nil, nil
	}
	return u, nil
}

func (m *mockUserRepo) ListActiveTrustees(_ context.Context, userID string) ([]*model.Trustee, error) {
	var active []*model.Trustee
	for _, tr := range m.trustees[userID] {
		if tr.IsActive {
			active = append(active, tr)
		}
	}
	return active, nil
}

// mockConfirmRepo はテスト用のConfirmationRepositoryモック。
// トークン消費の条件付き更新の意味を忠実に再現する。
type mockConfirmRepo struct {
	byID map[string]*model.TrusteeConfirmation
}

func newMockConfirmRepo() *mockConfirmRepo {
	return &mockConfirmRepo{byID: make(map[string]*model.TrusteeConfirmation)}
}

func (m *mockConfirmRepo) FindByToken(_ context.Context, token string) (*model.TrusteeConfirmation, error) {
	for _, c := range m.byID {
		if c.ConfirmationToken != "" && c.ConfirmationToken == token {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockConfirmRepo) Consume(_ context.Context, token string, decision model.ConfirmationStatus, notes string, at time.Time) (*model.TrusteeConfirmation, error) {
	for _, c := range m.byID {
		if c.ConfirmationToken == token && c.Status == model.ConfirmationStatusPending {
			c.ConfirmationToken = ""
			c.Status = decision
			c.ConfirmedAt = &at
			c.Notes = notes
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockConfirmRepo) Tally(_ context.Context, requestID string) (model.ConfirmationTally, error) {
	var t model.ConfirmationTally
	for _, c := range m.byID {
		if c.RequestID != requestID {
			continue
		}
		t.Total++
		switch c.Status {
		case model.ConfirmationStatusConfirmed:
			t.Confirmed++
		case model.ConfirmationStatusDenied:
			t.Denied++
		}
	}
	return t, nil
}

// tokensFor は指定申請の未消費トークンを返す。
func (m *mockConfirmRepo) tokensFor(requestID string) []string {
	var tokens []string
	for _, c := range m.byID {
		if c.RequestID == requestID && c.ConfirmationToken != "" {
			tokens = append(tokens, c.ConfirmationToken)
		}
	}
	return tokens
}

// mockRequestRepo はテスト用のRequestRepositoryモック。
// 状態遷移の「現在状態を条件とする単一UPDATE」の意味を忠実に再現する。
type mockRequestRepo struct {
	byID  map[string]*model.LegacyAccessRequest
	confs *mockConfirmRepo
}

func newMockRequestRepo(confs *mockConfirmRepo) *mockRequestRepo {
	return &mockRequestRepo{
		byID:  make(map[string]*model.LegacyAccessRequest),
		confs: confs,
	}
}

func (m *mockRequestRepo) CreateWithConfirmations(_ context.Context, req *model.LegacyAccessRequest, confirmations []*model.TrusteeConfirmation) error {
	for _, r := range m.byID {
		if r.UserID == req.UserID && r.RequesterEmail == req.RequesterEmail && !r.Status.IsTerminal() {
			return &pq.Error{Code: "23505"}
		}
	}
	cp := *req
	m.byID[req.ID] = &cp
	for _, c := range confirmations {
		cc := *c
		m.confs.byID[c.ID] = &cc
	}
	return nil
}

func (m *mockRequestRepo) FindByID(_ context.Context, id string) (*model.LegacyAccessRequest, error) {
	r, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *mockRequestRepo) FindByAccessToken(_ context.Context, token string) (*model.LegacyAccessRequest, error) {
	for _, r := range m.byID {
		if r.AccessToken != "" && r.AccessToken == token {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockRequestRepo) FindInflight(_ context.Context, userID, requesterEmail string) (*model.LegacyAccessRequest, error) {
	for _, r := range m.byID {
		if r.UserID == userID && r.RequesterEmail == requesterEmail && !r.Status.IsTerminal() {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockRequestRepo) ListByRequesterEmail(_ context.Context, email string) ([]*model.LegacyAccessRequest, error) {
	var out []*model.LegacyAccessRequest
	for _, r := range m.byID {
		if r.RequesterEmail == email {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockRequestRepo) StartGracePeriod(_ context.Context, id string, start, end time.Time, verifiedBy string) (bool, error) {
	r, ok := m.byID[id]
	if !ok {
		return false, nil
	}
	if r.Status != model.RequestStatusPending && r.Status != model.RequestStatusUnderReview {
		return false, nil
	}
	r.Status = model.RequestStatusGracePeriod
	r.GracePeriodStart = &start
	r.GracePeriodEnd = &end
	r.VerifiedBy = verifiedBy
	r.VerifiedAt = &start
	return true, nil
}

func (m *mockRequestRepo) MarkUnderReview(_ context.Context, id, message string) (bool, error) {
	r, ok := m.byID[id]
	if !ok || r.Status != model.RequestStatusPending {
		return false, nil
	}
	r.Status = model.RequestStatusUnderReview
	r.StatusMessage = message
	return true, nil
}

func (m *mockRequestRepo) Reject(_ context.Context, id, rejectedBy, message string) (bool, error) {
	r, ok := m.byID[id]
	if !ok {
		return false, nil
	}
	switch r.Status {
	case model.RequestStatusPending, model.RequestStatusUnderReview, model.RequestStatusGracePeriod:
		r.Status = model.RequestStatusRejected
		r.VerifiedBy = rejectedBy
		r.StatusMessage = message
		return true, nil
	}
	return false, nil
}

func (m *mockRequestRepo) GrantAccess(_ context.Context, id, token string, grantedAt, expiresAt time.Time) (bool, error) {
	r, ok := m.byID[id]
	if !ok {
		return false, nil
	}
	if r.Status != model.RequestStatusGracePeriod {
		return false, nil
	}
	if r.GracePeriodEnd == nil || r.GracePeriodEnd.After(grantedAt) {
		return false, nil
	}
	r.Status = model.RequestStatusGranted
	r.AccessToken = token
	r.AccessGrantedAt = &grantedAt
	r.AccessExpiresAt = &expiresAt
	return true, nil
}

func (m *mockRequestRepo) AttachCertificate(_ context.Context, id, url string, uploadedAt time.Time) (bool, error) {
	r, ok := m.byID[id]
	if !ok || r.Status.IsTerminal() {
		return false, nil
	}
	r.DeathCertificateURL = url
	r.CertificateUploaded = &uploadedAt
	return true, nil
}

func (m *mockRequestRepo) SetCertificateVerified(_ context.Context, id string) (bool, error) {
	r, ok := m.byID[id]
	if !ok {
		return false, nil
	}
	r.CertificateVerified = true
	return true, nil
}

func (m *mockRequestRepo) ListGraceElapsed(_ context.Context, now time.Time) ([]*model.LegacyAccessRequest, error) {
	var out []*model.LegacyAccessRequest
	for _, r := range m.byID {
		if r.Status == model.RequestStatusGracePeriod && r.GracePeriodEnd != nil && !r.GracePeriodEnd.After(now) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// mockAuditRepo はテスト用のAuditRepositoryモック。
type mockAuditRepo struct {
	entries []*model.AuditEntry
}

func (m *mockAuditRepo) Append(_ context.Context, entry *model.AuditEntry) error {
	m.entries = append(m.entries, entry)
	return nil
}

func (m *mockAuditRepo) ListByRequest(_ context.Context, requestID string) ([]*model.AuditEntry, error) {
	var out []*model.AuditEntry
	for _, e := range m.entries {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out, nil
}

// countAction は指定操作の監査エントリ数を返す。
func (m *mockAuditRepo) countAction(action model.AuditAction) int {
	n := 0
	for _, e := range m.entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

// mockNotifier はテスト用のNotifierモック。
type mockNotifier struct {
	trusteeSends []string
	grantSends   []string
	err          error
}

func (m *mockNotifier) SendTrusteeConfirmationRequest(_ context.Context, trusteeEmail, _, _, _, _ string) error {
	m.trusteeSends = append(m.trusteeSends, trusteeEmail)
	return m.err
}

func (m *mockNotifier) SendAccessGranted(_ context.Context, requesterEmail, _, _ string, _ time.Time) error {
	m.grantSends = append(m.grantSends, requesterEmail)
	return m.err
}

// mockGuard はテスト用のEvidenceGuardモック。
type mockGuard struct {
	err      error
	reachErr error
}

func (m *mockGuard) Validate(_ string) error {
	return m.err
}

func (m *mockGuard) VerifyReachable(_ context.Context, _ string) error {
	if m.err != nil {
		return m.err
	}
	return m.reachErr
}

// mockPresigner はテスト用のBlobPresignerモック。
type mockPresigner struct {
	err error
}

func (m *mockPresigner) PresignPut(_ context.Context, prefix string) (string, string, error) {
	if m.err != nil {
		return "", "", m.err
	}
	key := prefix + "/object"
	return key, "https://blob.example.com/upload/" + key, nil
}

// --- テストフィクスチャ ---

const (
	testGracePeriod = 7 * 24 * time.Hour
	testAccessTTL   = 30 * 24 * time.Hour
)

type fixture struct {
	users    *mockUserRepo
	reqs     *mockRequestRepo
	confs    *mockConfirmRepo
	audits   *mockAuditRepo
	notifier *mockNotifier
	guard    *mockGuard
	blobs    *mockPresigner
	svc      *Service
	nowTime  time.Time
}

func newFixture(quorumPercent int) *fixture {
	f := &fixture{
		users:    newMockUserRepo(),
		confs:    newMockConfirmRepo(),
		audits:   &mockAuditRepo{},
		notifier: &mockNotifier{},
		guard:    &mockGuard{},
		blobs:    &mockPresigner{},
		nowTime:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.reqs = newMockRequestRepo(f.confs)

	collector := metrics.NewCollector(prometheus.NewRegistry())
	f.svc = NewService(
		f.users, f.reqs, f.confs, f.audits,
		f.notifier, f.guard, f.blobs, collector,
		testGracePeriod, testAccessTTL, quorumPercent,
		"https://katami.example.com",
	)
	f.svc.now = func() time.Time { return f.nowTime }

	return f
}

// addUser はテスト用ユーザーと有効な信頼担当者n名を登録する。
func (f *fixture) addUser(email string, enabled bool, trusteeCount int) string {
	userID := "user-" + email
	f.users.byEmail[email] = &repository.UserAccount{
		User:                 model.User{ID: userID, Email: email, Name: "故人 太郎"},
		LegacyReleaseEnabled: enabled,
	}
	for i := 0; i < trusteeCount; i++ {
		f.users.trustees[userID] = append(f.users.trustees[userID], &model.Trustee{
			ID:       userID + "-trustee-" + string(rune('a'+i)),
			UserID:   userID,
			Name:     "信頼担当者",
			Email:    "trustee@example.com",
			Priority: i + 1,
			IsActive: true,
		})
	}
	return userID
}

func submitInput(userEmail, method string) SubmitInput {
	in := SubmitInput{
		UserEmail:          userEmail,
		RequesterName:      "申請者 花子",
		RequesterEmail:     "requester@example.com",
		Relationship:       "daughter",
		VerificationMethod: method,
	}
	if model.VerificationMethod(method) == model.MethodDeathCertificate {
		in.DeathCertificateURL = "https://evidence.example.com/cert.pdf"
	}
	return in
}

func assertAPIErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != code {
		t.Errorf("error code = %s, want %s", apiErr.Code, code)
	}
}

// --- QuorumThreshold ---

// TestQuorumThreshold_Calculation は定足数の計算を検証する。
func TestQuorumThreshold_Calculation(t *testing.T) {
	tests := []struct {
		total   int
		percent int
		want    int
	}{
		{1, 50, 1},
		{2, 50, 1},
		{3, 50, 2},
		{4, 50, 2},
		{5, 50, 3},
		{0, 50, 1},
		{3, 100, 3},
		{5, 34, 2},
	}

	for _, tt := range tests {
		got := QuorumThreshold(tt.total, tt.percent)
		if got != tt.want {
			t.Errorf("QuorumThreshold(%d, %d) = %d, want %d", tt.total, tt.percent, got, tt.want)
		}
	}
}

// --- トークン生成 ---

// TestNewAccessToken_Entropy はアクセストークンのエントロピーと一意性を検証する。
func TestNewAccessToken_Entropy(t *testing.T) {
	t1, err := NewAccessToken()
	if err != nil {
		t.Fatalf("NewAccessToken() error: %v", err)
	}
	t2, err := NewAccessToken()
	if err != nil {
		t.Fatalf("NewAccessToken() error: %v", err)
	}

	if t1 == t2 {
		t.Error("expected distinct tokens")
	}

	raw, err := base64.RawURLEncoding.DecodeString(t1)
	if err != nil {
		t.Fatalf("token is not valid base64url: %v", err)
	}
	if len(raw) != accessTokenBytes {
		t.Errorf("token entropy = %d bytes, want %d", len(raw), accessTokenBytes)
	}
}

// --- SubmitRequest ---

// TestSubmitRequest_InvalidMethod はサポート外の検証方法が拒否されることを検証する。
func TestSubmitRequest_InvalidMethod(t *testing.T) {
	f := newFixture(50)

	_, err := f.svc.SubmitRequest(context.Background(), submitInput("u@example.com", "psychic_reading"))
	assertAPIErrorCode(t, err, model.ErrCodeInvalidMethod)
}

// TestSubmitRequest_MissingEvidence は証明書必須の方法で参照URLが欠落している場合を検証する。
func TestSubmitRequest_MissingEvidence(t *testing.T) {
	f := newFixture(50)
	f.addUser("u@example.com", true, 0)

	in := submitInput("u@example.com", "death_certificate")
	in.DeathCertificateURL = ""

	_, err := f.svc.SubmitRequest(context.Background(), in)
	assertAPIErrorCode(t, err, model.ErrCodeMissingEvidence)
}

// TestSubmitRequest_InvalidEvidenceURL は証明書URLの検証失敗を検証する。
func TestSubmitRequest_InvalidEvidenceURL(t *testing.T) {
	f := newFixture(50)
	f.addUser("u@example.com", true, 0)
	f.guard.err = errors.New("private address")

	_, err := f.svc.SubmitRequest(context.Background(), submitInput("u@example.com", "death_certificate"))
	assertAPIErrorCode(t, err, model.ErrCodeInvalidEvidenceURL)
}

// TestSubmitRequest_UnknownUser_IndistinguishableFromSuccess は
// 存在しないユーザーへの申請が成功と同じ形で返ることを検証する。
func TestSubmitRequest_UnknownUser_IndistinguishableFromSuccess(t *testing.T) {
	f := newFixture(50)

	res, err := f.svc.SubmitRequest(context.Background(), submitInput("ghost@example.com", "trustee_confirmation"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res.RequestID == "" {
		t.Error("expected non-empty request ID")
	}
	if res.Status != model.RequestStatusPending {
		t.Errorf("status = %s, want pending", res.Status)
	}
	if res.Message != acceptedMessage {
		t.Errorf("message = %q, want the standard accepted message", res.Message)
	}

	// 申請は永続化されない
	if len(f.reqs.byID) != 0 {
		t.Errorf("expected no persisted request, got %d", len(f.reqs.byID))
	}
}

// TestSubmitRequest_DisabledUser_IndistinguishableFromSuccess は
// 遺産公開が無効なユーザーへの申請も成功と同じ形で返ることを検証する。
func TestSubmitRequest_DisabledUser_IndistinguishableFromSuccess(t *testing.T) {
	f := newFixture(50)
	f.addUser("u@example.com", false, 2)

	res, err := f.svc.SubmitRequest(context.Background(), submitInput("u@example.com", "trustee_confirmation"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res.Message != acceptedMessage {
		t.Errorf("message = %q, want the standard accepted message", res.Message)
	}
	if len(f.reqs.byID) != 0 {
		t.Errorf("expected no persisted request, got %d", len(f.reqs.byID))
	}
}

// TestSubmitRequest_NoActiveTrustees_IndistinguishableFromSuccess は
// 信頼担当者が1人もいないユーザーへの担当者確認方式の申請が
// 永遠に満たせない申請を作らず、受理形の応答で終わることを検証する。
func TestSubmitRequest_NoActiveTrustees_IndistinguishableFromSuccess(t *testing.T) {
	f := newFixture(50)
	f.addUser("u@example.com", true, 0)

	res, err := f.svc.SubmitRequest(context.Background(), submitInput("u@example.com", "trustee_confirmation"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res.Message != acceptedMessage {
		t.Errorf("message = %q, want the standard accepted message", res.Message)
	}
	if len(f.reqs.byID) != 0 {
		t.Errorf("expected no persisted request, got %d", len(f.reqs.byID))
	}

	// 進行中の申請が残らないため、再申請も塞がれない
	res2, err := f.svc.SubmitRequest(context.Background(), submitInput("u@example.com", "both"))
	if err != nil {
		t.Fatalf("resubmission error: %v", err)
	}
	if res2.Message != acceptedMessage {
		t.Errorf("resubmission message = %q, want the standard accepted message", res2.Message)
	}
}

// TestSubmitRequest_CreatesConfirmationsAndNotifies は
// 有効な信頼担当者全員分の確認レコード作成と通知送付を検証する。
func TestSubmitRequest_CreatesConfirmationsAndNotifies(t *testing.T) {
	f := newFixture(50)
	f.addUser("u@example.com", true, 3)

	res, err := f.svc.SubmitRequest(context.Background(), submitInput("u@example.com", "trustee_confirmation"))
	if err != nil {
		t.Fatalf("SubmitRequest() error: %v", err)
	}

	tokens := f.confs.tokensFor(res.RequestID)
	if len(tokens) != 3 {
		t.Fatalf("expected 3 confirmation tokens, got %d", len(tokens))
	}
	seen := make(map[string]bool)
	for _, tok := range tokens {
		if seen[tok] {
			t.Error("confirmation tokens must be distinct")
		}
		seen[tok] = true
	}

	if len(f.notifier.trusteeSends) != 3 {
		t.Errorf("expected 3 trustee notifications, got %d", len(f.notifier.trusteeSends))
	}
	if f.audits.countAction(model.AuditRequestCreated) != 1 {
		t.Error("expected request_created audit entry")
	}
}

// TestSubmitRequest_DuplicateInflight は同一申請者の進行中重複申請が拒否されることを検証する。
func TestSubmitRequest_DuplicateInflight(t *testing.T) {
	f := newFixture(50)
	f.addUser("u@example.com", true, 1)

	if _, err := f.svc.SubmitRequest(context.Background(), submitInput("u@example.com", "trustee_confirmation")); err != nil {
		t.Fatalf("first SubmitRequest() error: %v", err)
	}

	_, err := f.svc.SubmitRequest(context.Background(), submitInput("u@example.com", "trustee_confirmation"))
	assertAPIErrorCode(t, err, model.ErrCodeDuplicateRequest)
}

// TestSubmitRequest_AllowedAfterRejection は拒否済み申請の後に再申請できることを検証する。
func TestSubmitRequest_AllowedAfterRejection(t *testing.T) {
	f := newFixture(50)
	f.addUser("u@example.com", true, 1)

	res, err := f.svc.SubmitRequest(context.Background(), submitInput("u@example.com", "trustee_confirmation"))
	if err != nil {
		t.Fatalf("SubmitRequest() error: %v", err)
	}

	tokens := f.confs.tokensFor(res.RequestID)
	if _, err := f.svc.ResolveConfirmation(context.Background(), tokens[0], false, "本人は存命です"); err != nil {
		t.Fatalf("ResolveConfirmation() error: %v", err)
	}

	if _, err := f.svc.SubmitRequest(context.Background(), submitInput("u@example.com", "trustee_confirmation")); err != nil {
		t.Errorf("expected resubmission after rejection to succeed, got %v", err)
	}
}

// --- ResolveConfirmation ---

// TestResolveConfirmation_InvalidToken は不明なトークンが拒否されることを検証する。
func TestResolveConfirmation_InvalidToken(t *testing.T) {
	f := newFixture(50)

	_, err := f.svc.ResolveConfirmation(context.Background(), "no-such-token", true, "")
	assertAPIErrorCode(t, err, model.ErrCodeInvalidToken)
}

// TestResolveConfirmation_TokenSingleUse はトークンが1回しか使えないことを検証する。
// 消費済みトークンは不明なトークンと区別できない。
func TestResolveConfirmation_TokenSingleUse(t *testing.T) {
	f := newFixture(50)
	f.addUser("u@example.com", true, 2)

	res, err := f.svc.SubmitRequest(context.Background(), submitInput("u@example.com", "trustee_confirmation"))
	if err != nil {
		t.Fatalf("SubmitRequest() error: %v", err)
	}

	token := f.confs.tokensFor(res.RequestID)[0]
	if _, err := f.svc.ResolveConfirmation(context.Background(), token, true, ""); err != nil {
		t.Fatalf("first ResolveConfirmation() error: %v", err)
	}

	// 同じトークンで決定を覆そうとしても無効
	_, err = f.svc.ResolveConfirmation(context.Background(), token, false, "")
	assertAPIErrorCode(t, err, model.ErrCodeInvalidToken)
}

// TestResolveConfirmation_SingleTrusteeQuorum は信頼担当者1名の確認で猶予期間が始まることを検証する。
func TestResolveConfirmation_SingleTrusteeQuorum(t *testing.T) {
	f := newFixture(50)
	f.addUser("u@example.com", true, 1)

	res, err := f.svc.SubmitRequest(context.Background(), submitInput("u@example.com", "trustee_confirmation"))
	if err != nil {
		t.Fatalf("SubmitRequest() error: %v", err)
	}

	token := f.confs.tokensFor(res.RequestID)[0]
	result, err := f.svc.ResolveConfirmation(context.Background(), token, true, "")
	if err != nil {
		t.Fatalf("ResolveConfirmation() error: %v", err)
	}

	if result.RequestStatus != model.RequestStatusGracePeriod {
		t.Errorf("status = %s, want grace_period", result.RequestStatus)
	}

	req, _ := f.reqs.FindByID(context.Background(), res.RequestID)
	if req.GracePeriodEnd == nil {
		t.Fatal("expected grace period end to be set")
	}
	wantEnd := f.nowTime.Add(testGracePeriod)
	if !req.GracePeriodEnd.Equal(wantEnd) {
		t.Errorf("grace period end = %v, want %v", req.GracePeriodEnd, wantEnd)
	}
	if f.audits.countAction(model.AuditGracePeriodStarted) != 1 {
		t.Error("expected grace_period_started audit entry")
	}
}

// TestResolveConfirmation_QuorumOfThree は3名中2名の確認で定足数に達することを検証する。
func TestResolveConfirmation_QuorumOfThree(t *testing.T) {
	f := newFixture(50)
	f.addUser("u@example.com", true, 3)

	res, err := f.svc.SubmitRequest(context.Background(), submitInput("u@example.com", "trustee_confirmation"))
	if err != nil {
		t.Fatalf("SubmitRequest() error: %v", err)
	}

	tokens := f.confs.tokensFor(res.RequestID)

	r1, err := f.svc.ResolveConfirmation(context.Background(), tokens[0], true, "")
	if err != nil {
		t.Fatalf("ResolveConfirmation() error: %v", err)
	}
	if r1.RequestStatus != model.RequestStatusPending {
		t.Errorf("after 1 of 3 confirmations status = %s, want pending", r1.RequestStatus)
	}

	r2, err := f.svc.ResolveConfirmation(context.Background(), tokens[1], true, "")
	if err != nil {
		t.Fatalf("ResolveConfirmation() error: %v", err)
	}
	if r2.RequestStatus != model.RequestStatusGracePeriod {
		t.Errorf("after 2 of 3 confirmations status = %s, want grace_period", r2.RequestStatus)
	}
}

// TestResolveConfirmation_SingleDenialRejects は1名の拒否で申請全体が拒否されることを検証する。
// 確認が何件あっても拒否が優先される。
func TestResolveConfirmation_SingleDenialRejects(t *testing.T) {
	f := newFixture(50)
	f.addUser("u@example.com", true, 5)

	res, err := f.svc.SubmitRequest(context.Background(), submitInput("u@example.com", "trustee_confirmation"))
	if err != nil {
		t.Fatalf("SubmitRequest() error: %v", err)
	}

	tokens := f.confs.tokensFor(res.RequestID)

	if _, err := f.svc.ResolveConfirmation(context.Background(), tokens[0], true, ""); err != nil {
		t.Fatalf("ResolveConfirmation() error: %v", err)
	}

	result, err := f.svc.ResolveConfirmation(context.Background(), tokens[1], false, "本人と先週会いました")
	if err != nil {
		t.Fatalf("ResolveConfirmation() error: %v", err)
	}
	if result.RequestStatus != model.RequestStatusRejected {
		t.Errorf("status = %s, want rejected", result.RequestStatus)
	}
	if f.audits.countAction(model.AuditTrusteeDenied) != 1 {
		t.Error("expected trustee_denied audit entry")
	}

	// 拒否後の確認は申請を進めない
	r3, err := f.svc.ResolveConfirmation(context.Background(), tokens[2], true, "")
	if err != nil {
		t.Fatalf("ResolveConfirmation() error: %v", err)
	}
	if r3.RequestStatus != model.RequestStatusRejected {
		t.Errorf("status after late confirmation = %s, want rejected", r3.RequestStatus)
	}
}

// TestResolveConfirmation_DenialDuringGracePeriod は猶予期間中の拒否が申請を止めることを検証する。
func TestResolveConfirmation_DenialDuringGracePeriod(t *testing.T) {
	f := newFixture(50)
	f.addUser("u@example.com", true, 3)

	res, err := f.svc.SubmitRequest(context.Background(), submitInput("u@example.com", "trustee_confirmation"))
	if err != nil {
		t.Fatalf("SubmitRequest() error: %v", err)
	}

	tokens := f.confs.tokensFor(res.RequestID)
	f.svc.ResolveConfirmation(context.Background(), tokens[0], true, "")
	f.svc.ResolveConfirmation(context.Background(), tokens[1], true, "")

	req, _ := f.reqs.FindByID(context.Background(), res.RequestID)
	if req.Status != model.RequestStatusGracePeriod {
		t.Fatalf("precondition failed: status = %s, want grace_period", req.Status)
	}

	result, err := f.svc.ResolveConfirmation(context.Background(), tokens[2], false, "")
	if err != nil {
		t.Fatalf("ResolveConfirmation() error: %v", err)
	}
	if result.RequestStatus != model.RequestStatusRejected {
		t.Errorf("status = %s, want rejected", result.RequestStatus)
	}
}

// TestResolveConfirmation_LateDenialAfterGrant は許可後の拒否が状態を変えないことを検証する。
// 開示は取り消せないため、監査証跡にのみ記録される。
func TestResolveConfirmation_LateDenialAfterGrant(t *testing.T) {
	f := newFixture(50)
	f.addUser("u@example.com", true, 3)

	res, err := f.svc.SubmitRequest(context.Background(), submitInput("u@example.com", "trustee_confirmation"))
	if err != nil {
		t.Fatalf("SubmitRequest() error: %v", err)
	}

	tokens := f.confs.tokensFor(res.RequestID)
	f.svc.ResolveConfirmation(context.Background(), tokens[0], true, "")
	f.svc.ResolveConfirmation(context.Background(), tokens[1], true, "")

	// 猶予期間を満了させて許可
	f.nowTime = f.nowTime.Add(testGracePeriod + time.Hour)
	if _, err := f.svc.FinalizeGrant(context.Background(), res.RequestID); err != nil {
		t.Fatalf("FinalizeGrant() error: %v", err)
	}

	result, err := f.svc.ResolveConfirmation(context.Background(), tokens[2], false, "")
	if err != nil {
		t.Fatalf("ResolveConfirmation() error: %v", err)
	}
	if result.RequestStatus != model.RequestStatusGranted {
		t.Errorf("status = %s, want granted (late denial must not revoke)", result.RequestStatus)
	}
	if f.audits.countAction(model.AuditLateDenialIgnored) != 1 {
		t.Error("expected late_denial_ignored audit entry")
	}
}

// TestResolveConfirmation_BothMethod_WaitsForCertificate は
// both方式で定足数に達しても証明書が未添付なら審査待ちに留まり、
// 後から証明書を添付すると同じ判定が再実行されて猶予期間に進むことを検証する。
func TestResolveConfirmation_BothMethod_WaitsForCertificate(t *testing.T) {
	f := newFixture(50)
	f.addUser("u@example.com", true, 1)

	res, err := f.svc.SubmitRequest(context.Background(), submitInput("u@example.com", "both"))
	if err != nil {
		t.Fatalf("SubmitRequest() error: %v", err)
	}

	token := f.confs.tokensFor(res.RequestID)[0]
	result, err := f.svc.ResolveConfirmation(context.Background(), token, true, "")
	if err != nil {
		t.Fatalf("ResolveConfirmation() error: %v", err)
	}
	if result.RequestStatus != model.RequestStatusUnderReview {
		t.Errorf("status = %s, want under_review", result.RequestStatus)
	}

	// 証明書の添付で定足数判定が再実行され、猶予期間に進む
	req, err := f.svc.AttachCertificate(context.Background(), res.RequestID, "https://evidence.example.com/cert.pdf")
	if err != nil {
		t.Fatalf("AttachCertificate() error: %v", err)
	}
	if req.Status != model.RequestStatusGracePeriod {
		t.Errorf("status after attach = %s, want grace_period", req.Status)
	}
}

// TestResolveConfirmation_BothMethod_CertificateFirst は
// 証明書添付済みのboth方式で定足数到達が直接猶予期間を開始することを検証する。
func TestResolveConfirmation_BothMethod_CertificateFirst(t *testing.T) {
	f := newFixture(50)
	f.addUser("u@example.com", true, 1)

	in := submitInput("u@example.com", "both")
	in.DeathCertificateURL = "https://evidence.example.com/cert.pdf"
	res, err := f.svc.SubmitRequest(context.Background(), in)
	if err != nil {
		t.Fatalf("SubmitRequest() error: %v", err)
	}

	token := f.confs.tokensFor(res.RequestID)[0]
	result, err := f.svc.ResolveConfirmation(context.Background(), token, true, "")
	if err != nil {
		t.Fatalf("ResolveConfirmation() error: %v", err)
	}
	if result.RequestStatus != model.RequestStatusGracePeriod {
		t.Errorf("status = %s, want grace_period", result.RequestStatus)
	}
}

// --- ReviewEvidence ---

// TestReviewEvidence_ApproveCertificateMethod は証明書のみの方式で審査承認が猶予期間を始めることを検証する。
func TestReviewEvidence_ApproveCertificateMethod(t *testing.T) {
	f := newFixture(50)
	f.addUser("u@example.com", true, 0)

	res, err := f.svc.SubmitRequest(context.Background(), submitInput("u@example.com", "death_certificate"))
	if err != nil {
		t.Fatalf("SubmitRequest() error: %v", err)
	}

	req, err := f.svc.ReviewEvidence(context.Background(), res.RequestID, true, "op-1", "")
	if err != nil {
		t.Fatalf("ReviewEvidence() error: %v", err)
	}
	if req.Status != model.RequestStatusGracePeriod {
		t.Errorf("status = %s, want grace_period", req.Status)
	}
	if !req.CertificateVerified {
		t.Error("expected certificate_verified to be set")
	}
	if req.VerifiedBy != "operator:op-1" {
		t.Errorf("verified_by = %s, want operator:op-1", req.VerifiedBy)
	}
}

// TestReviewEvidence_RejectClosesRequest は審査否認が申請を拒否することを検証する。
func TestReviewEvidence_RejectClosesRequest(t *testing.T) {
	f := newFixture(50)
	f.addUser("u@example.com", true, 0)

	res, err := f.svc.SubmitRequest(context.Background(), submitInput("u@example.com", "death_certificate"))
	if err != nil {
		t.Fatalf("SubmitRequest() error: %v", err)
	}

	req, err := f.svc.ReviewEvidence(context.Background(), res.RequestID, false, "op-1", "書類が不鮮明です")
	if err != nil {
		t.Fatalf("ReviewEvidence() error: %v", err)
	}
	if req.Status != model.RequestStatusRejected {
		t.Errorf("status = %s, want rejected", req.Status)
	}
	if f.audits.countAction(model.AuditEvidenceReviewed) != 1 {
		t.Error("expected evidence_reviewed audit entry")
	}
}

// TestReviewEvidence_NotFound は存在しない申請の審査を検証する。
func TestReviewEvidence_NotFound(t *testing.T) {
	f := newFixture(50)

	_, err := f.svc.ReviewEvidence(context.Background(), "no-such-request", true, "op-1", "")
	assertAPIErrorCode(t, err, model.ErrCodeRequestNotFound)
}

// --- AttachCertificate ---

// TestAttachCertificate_SetsEvidence は証明書添付を検証する。
func TestAttachCertificate_SetsEvidence(t *testing.T) {
	f := newFixture(50)
	f.addUser("u@example.com", true, 1)

	res, err := f.svc.SubmitRequest(context.Background(), submitInput("u@example.com", "trustee_confirmation"))
	if err != nil {
		t.Fatalf("SubmitRequest() error: %v", err)
	}

	req, err := f.svc.AttachCertificate(context.Background(), res.RequestID, "https://evidence.example.com/late-cert.pdf")
	if err != nil {
		t.Fatalf("AttachCertificate() error: %v", err)
	}
	if req.DeathCertificateURL == "" {
		t.Error("expected certificate URL to be set")
	}
	if f.audits.countAction(model.AuditEvidenceAttached) != 1 {
		t.Error("expected evidence_attached audit entry")
	}
}

// TestAttachCertificate_ClosedRequest は終端状態の申請への添付が拒否されることを検証する。
func TestAttachCertificate_ClosedRequest(t *testing.T) {
	f := newFixture(50)
	f.addUser("u@example.com", true, 1)

	res, err := f.svc.SubmitRequest(context.Background(), submitInput("u@example.com", "trustee_confirmation"))
	if err != nil {
		t.Fatalf("SubmitRequest() error: %v", err)
	}
	token := f.confs.tokensFor(res.RequestID)[0]
	if _, err := f.svc.ResolveConfirmation(context.Background(), token, false, ""); err != nil {
		t.Fatalf("ResolveConfirmation() error: %v", err)
	}

	_, err = f.svc.AttachCertificate(context.Background(), res.RequestID, "https://evidence.example.com/cert.pdf")
	assertAPIErrorCode(t, err, model.ErrCodeRequestClosed)
}

// TestAttachCertificate_InvalidURL は参照URLの検証失敗を検証する。
func TestAttachCertificate_InvalidURL(t *testing.T) {
	f := newFixture(50)
	f.guard.err = errors.New("scheme must be https")

	_, err := f.svc.AttachCertificate(context.Background(), "any", "http://169.254.169.254/")
	assertAPIErrorCode(t, err, model.ErrCodeInvalidEvidenceURL)
}

// TestAttachCertificate_UnreachableURL は実在確認に失敗した参照URLが拒否されることを検証する。
func TestAttachCertificate_UnreachableURL(t *testing.T) {
	f := newFixture(50)
	f.addUser("u@example.com", true, 1)

	res, err := f.svc.SubmitRequest(context.Background(), submitInput("u@example.com", "both"))
	if err != nil {
		t.Fatalf("SubmitRequest() error: %v", err)
	}

	f.guard.reachErr = errors.New("evidence URL unreachable")
	_, err = f.svc.AttachCertificate(context.Background(), res.RequestID, "https://evidence.example.com/gone.pdf")
	assertAPIErrorCode(t, err, model.ErrCodeInvalidEvidenceURL)
}

// --- NewEvidenceUploadURL ---

// TestNewEvidenceUploadURL_IssuesPresignedPut は証明書アップロード用の署名付きURL発行を検証する。
func TestNewEvidenceUploadURL_IssuesPresignedPut(t *testing.T) {
	f := newFixture(50)
	f.addUser("u@example.com", true, 1)

	res, err := f.svc.SubmitRequest(context.Background(), submitInput("u@example.com", "both"))
	if err != nil {
		t.Fatalf("SubmitRequest() error: %v", err)
	}

	up, err := f.svc.NewEvidenceUploadURL(context.Background(), res.RequestID)
	if err != nil {
		t.Fatalf("NewEvidenceUploadURL() error: %v", err)
	}
	if !strings.HasPrefix(up.Key, "evidence/"+res.RequestID) {
		t.Errorf("key = %q, want prefix evidence/%s", up.Key, res.RequestID)
	}
	if up.UploadURL == "" {
		t.Error("expected non-empty upload URL")
	}
}

// TestNewEvidenceUploadURL_TrusteeOnlyMethod は証明書を使わない方式での発行が拒否されることを検証する。
func TestNewEvidenceUploadURL_TrusteeOnlyMethod(t *testing.T) {
	f := newFixture(50)
	f.addUser("u@example.com", true, 1)

	res, err := f.svc.SubmitRequest(context.Background(), submitInput("u@example.com", "trustee_confirmation"))
	if err != nil {
		t.Fatalf("SubmitRequest() error: %v", err)
	}

	_, err = f.svc.NewEvidenceUploadURL(context.Background(), res.RequestID)
	assertAPIErrorCode(t, err, model.ErrCodeInvalidMethod)
}

// TestNewEvidenceUploadURL_NotFound は存在しない申請での発行を検証する。
func TestNewEvidenceUploadURL_NotFound(t *testing.T) {
	f := newFixture(50)

	_, err := f.svc.NewEvidenceUploadURL(context.Background(), "no-such-request")
	assertAPIErrorCode(t, err, model.ErrCodeRequestNotFound)
}

// --- FinalizeGrant ---

// driveToGracePeriod は1名構成の申請を猶予期間まで進めるヘルパー。
func driveToGracePeriod(t *testing.T, f *fixture) string {
	t.Helper()
	f.addUser("u@example.com", true, 1)

	res, err := f.svc.SubmitRequest(context.Background(), submitInput("u@example.com", "trustee_confirmation"))
	if err != nil {
		t.Fatalf("SubmitRequest() error: %v", err)
	}
	token := f.confs.tokensFor(res.RequestID)[0]
	if _, err := f.svc.ResolveConfirmation(context.Background(), token, true, ""); err != nil {
		t.Fatalf("ResolveConfirmation() error: %v", err)
	}
	return res.RequestID
}

// TestFinalizeGrant_BeforeElapse は猶予期間満了前の許可が拒否されることを検証する。
func TestFinalizeGrant_BeforeElapse(t *testing.T) {
	f := newFixture(50)
	id := driveToGracePeriod(t, f)

	f.nowTime = f.nowTime.Add(testGracePeriod - time.Minute)
	_, err := f.svc.FinalizeGrant(context.Background(), id)
	assertAPIErrorCode(t, err, model.ErrCodeGracePeriodNotElapsed)
}

// TestFinalizeGrant_AfterElapse は猶予期間満了後の許可を検証する。
func TestFinalizeGrant_AfterElapse(t *testing.T) {
	f := newFixture(50)
	id := driveToGracePeriod(t, f)

	f.nowTime = f.nowTime.Add(testGracePeriod + time.Minute)
	req, err := f.svc.FinalizeGrant(context.Background(), id)
	if err != nil {
		t.Fatalf("FinalizeGrant() error: %v", err)
	}

	if req.Status != model.RequestStatusGranted {
		t.Errorf("status = %s, want granted", req.Status)
	}
	if req.AccessToken == "" {
		t.Error("expected access token to be issued")
	}
	if req.AccessExpiresAt == nil || !req.AccessExpiresAt.Equal(f.nowTime.Add(testAccessTTL)) {
		t.Errorf("access expiry = %v, want %v", req.AccessExpiresAt, f.nowTime.Add(testAccessTTL))
	}
	if len(f.notifier.grantSends) != 1 {
		t.Errorf("expected 1 grant notification, got %d", len(f.notifier.grantSends))
	}
	if f.audits.countAction(model.AuditAccessGranted) != 1 {
		t.Error("expected access_granted audit entry")
	}
}

// TestFinalizeGrant_Idempotent は重複した許可要求が同じトークンを返すことを検証する。
func TestFinalizeGrant_Idempotent(t *testing.T) {
	f := newFixture(50)
	id := driveToGracePeriod(t, f)

	f.nowTime = f.nowTime.Add(testGracePeriod + time.Minute)
	first, err := f.svc.FinalizeGrant(context.Background(), id)
	if err != nil {
		t.Fatalf("first FinalizeGrant() error: %v", err)
	}

	second, err := f.svc.FinalizeGrant(context.Background(), id)
	if err != nil {
		t.Fatalf("second FinalizeGrant() error: %v", err)
	}

	if second.AccessToken != first.AccessToken {
		t.Error("repeated grant must not rotate the access token")
	}
	if f.audits.countAction(model.AuditAccessGranted) != 1 {
		t.Errorf("expected exactly 1 access_granted audit entry, got %d",
			f.audits.countAction(model.AuditAccessGranted))
	}
}

// TestFinalizeGrant_RejectedRequest は拒否済み申請への許可要求を検証する。
func TestFinalizeGrant_RejectedRequest(t *testing.T) {
	f := newFixture(50)
	f.addUser("u@example.com", true, 1)

	res, err := f.svc.SubmitRequest(context.Background(), submitInput("u@example.com", "trustee_confirmation"))
	if err != nil {
		t.Fatalf("SubmitRequest() error: %v", err)
	}
	token := f.confs.tokensFor(res.RequestID)[0]
	if _, err := f.svc.ResolveConfirmation(context.Background(), token, false, ""); err != nil {
		t.Fatalf("ResolveConfirmation() error: %v", err)
	}

	_, err = f.svc.FinalizeGrant(context.Background(), res.RequestID)
	assertAPIErrorCode(t, err, model.ErrCodeRequestClosed)
}

// TestFinalizeGrant_PendingRequest は未検証の申請への許可要求を検証する。
func TestFinalizeGrant_PendingRequest(t *testing.T) {
	f := newFixture(50)
	f.addUser("u@example.com", true, 2)

	res, err := f.svc.SubmitRequest(context.Background(), submitInput("u@example.com", "trustee_confirmation"))
	if err != nil {
		t.Fatalf("SubmitRequest() error: %v", err)
	}

	_, err = f.svc.FinalizeGrant(context.Background(), res.RequestID)
	assertAPIErrorCode(t, err, model.ErrCodeAccessNotGranted)
}

// --- ListRequests / ListGraceElapsed ---

// TestListRequests_ReturnsRedactedViews は申請者向け一覧に内部情報が含まれないことを検証する。
func TestListRequests_ReturnsRedactedViews(t *testing.T) {
	f := newFixture(50)
	id := driveToGracePeriod(t, f)

	f.nowTime = f.nowTime.Add(testGracePeriod + time.Minute)
	if _, err := f.svc.FinalizeGrant(context.Background(), id); err != nil {
		t.Fatalf("FinalizeGrant() error: %v", err)
	}

	views, err := f.svc.ListRequests(context.Background(), "requester@example.com")
	if err != nil {
		t.Fatalf("ListRequests() error: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("expected 1 view, got %d", len(views))
	}

	v := views[0]
	if v.ID != id {
		t.Errorf("view ID = %s, want %s", v.ID, id)
	}
	if v.Status != model.RequestStatusGranted {
		t.Errorf("view status = %s, want granted", v.Status)
	}
	// RequestViewはトークンや証明書URLのフィールド自体を持たない（構造で保証）
}

// TestListGraceElapsed_ReturnsOnlyDueRequests は満了済みの申請のみが返ることを検証する。
func TestListGraceElapsed_ReturnsOnlyDueRequests(t *testing.T) {
	f := newFixture(50)
	id := driveToGracePeriod(t, f)

	due, err := f.svc.ListGraceElapsed(context.Background())
	if err != nil {
		t.Fatalf("ListGraceElapsed() error: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("expected no due requests before elapse, got %d", len(due))
	}

	f.nowTime = f.nowTime.Add(testGracePeriod)
	due, err = f.svc.ListGraceElapsed(context.Background())
	if err != nil {
		t.Fatalf("ListGraceElapsed() error: %v", err)
	}
	if len(due) != 1 || due[0].ID != id {
		t.Errorf("expected the elapsed request to be listed, got %d entries", len(due))
	}
}

// --- PreviewConfirmation ---

// TestPreviewConfirmation_ReturnsRequestSummary はトークンから申請概要が引けることを検証する。
func TestPreviewConfirmation_ReturnsRequestSummary(t *testing.T) {
	f := newFixture(50)
	f.addUser("u@example.com", true, 1)

	res, err := f.svc.SubmitRequest(context.Background(), submitInput("u@example.com", "trustee_confirmation"))
	if err != nil {
		t.Fatalf("SubmitRequest() error: %v", err)
	}

	token := f.confs.tokensFor(res.RequestID)[0]
	view, err := f.svc.PreviewConfirmation(context.Background(), token)
	if err != nil {
		t.Fatalf("PreviewConfirmation() error: %v", err)
	}
	if view.RequesterName != "申請者 花子" {
		t.Errorf("requester name = %s, want 申請者 花子", view.RequesterName)
	}
	if view.Relationship != "daughter" {
		t.Errorf("relationship = %s, want daughter", view.Relationship)
	}
}

// TestPreviewConfirmation_ConsumedToken は消費済みトークンのプレビューが無効になることを検証する。
func TestPreviewConfirmation_ConsumedToken(t *testing.T) {
	f := newFixture(50)
	f.addUser("u@example.com", true, 1)

	res, err := f.svc.SubmitRequest(context.Background(), submitInput("u@example.com", "trustee_confirmation"))
	if err != nil {
		t.Fatalf("SubmitRequest() error: %v", err)
	}

	token := f.confs.tokensFor(res.RequestID)[0]
	if _, err := f.svc.ResolveConfirmation(context.Background(), token, true, ""); err != nil {
		t.Fatalf("ResolveConfirmation() error: %v", err)
	}

	_, err = f.svc.PreviewConfirmation(context.Background(), token)
	assertAPIErrorCode(t, err, model.ErrCodeInvalidToken)
}
