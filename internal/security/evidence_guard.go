// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"

	"github.com/hitoshi/katami/internal/legacy"
)

// EvidenceGuardService は死亡証明書など申請者が提出する参照URLの検証機能を定義する。
// 申請受付時と証明書添付時の両方で使用される。
type EvidenceGuardService interface {
	// Validate はURLの安全性を事前に検証する。
	// スキーム、ホスト、IPアドレスの検証を行い、
	// 内部ネットワークを指すURLや危険なURLの場合はエラーを返す。
	Validate(rawURL string) error

	// VerifyReachable は参照URLが実在のドキュメントを指すことを確認する。
	// 申請者由来のURLへのアクセスはSSRF防止機能付きのクライアントのみで行う。
	VerifyReachable(ctx context.Context, rawURL string) error
}

// evidenceFetchTimeout は実在確認のHEADリクエストのタイムアウト。
const evidenceFetchTimeout = 10 * time.Second

// allowedSchemes は証明書参照URLで許可されるスキーム。
// 提出書類の参照は暗号化された経路のみを認める。
var allowedSchemes = []string{"https"}

// blockedNetworks は検証でブロックされるネットワーク範囲。
// パッケージ初期化時に1回だけパースし、Validateでの検証に使用する。
// safeurlはnet.DialerレベルでDNS解決後のIPアドレスも検証するため、
// DNS再バインディング攻撃にも対応している。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// ループバック (RFC 1122)
		"127.0.0.0/8",
		// リンクローカル (RFC 3927) - クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		// カレントネットワーク
		"0.0.0.0/8",
		// IPv6ループバック
		"::1/128",
		// IPv6リンクローカル
		"fe80::/10",
		// IPv6ユニークローカル
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// evidenceGuard はEvidenceGuardServiceの実装。
type evidenceGuard struct {
	client *http.Client
}

// NewEvidenceGuard はEvidenceGuardServiceの新しいインスタンスを生成する。
func NewEvidenceGuard() *evidenceGuard {
	return &evidenceGuard{client: newSafeClient(evidenceFetchTimeout)}
}

// Validate はURLの安全性を事前に検証する。
// DNS解決を伴わない静的な検証を行う。
// 注意: この検証はDNS解決前の静的チェックであるため、DNS再バインディング攻撃は
// VerifyReachableが使用するHTTPクライアント側のDialer検証で防止される。
func (g *evidenceGuard) Validate(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	// スキーム検証: httpsのみ許可
	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}

	// ホスト検証: 空ホストを拒否
	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	// IPアドレスの場合: ブロック対象CIDRとの照合
	ip := net.ParseIP(host)
	if ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	// ホスト名の場合: localhost等の危険なホスト名を拒否
	if isBlockedHostname(host) {
		return fmt.Errorf("blocked host: %s", host)
	}

	return nil
}

// VerifyReachable は参照URLが実在のドキュメントを指すことをHEADリクエストで確認する。
// 静的検証を通過したURLのみ取得を試みる。取得はSSRF防止クライアントで行うため、
// DNS再バインディングによっても内部ネットワークには到達できない。
func (g *evidenceGuard) VerifyReachable(ctx context.Context, rawURL string) error {
	if err := g.Validate(rawURL); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("evidence URL unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("evidence URL returned status %d", resp.StatusCode)
	}
	return nil
}

// newSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
// safeurlのデフォルト設定により以下がブロックされる:
//   - プライベートIPアドレス (10.0.0.0/8, 172.16.0.0/12, 192.168.0.0/16)
//   - ループバックアドレス (127.0.0.0/8, ::1)
//   - リンクローカルアドレス (169.254.0.0/16, fe80::/10)
//   - メタデータIPアドレス (169.254.169.254)
//
// safeurlはnet.DialerのControlフックでDNS解決後のIPアドレスを検証するため、
// DNS再バインディング攻撃にも対応している。
func newSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(443).
		Build()

	wrappedClient := safeurl.Client(config)
	return wrappedClient.Client
}

// isAllowedScheme はURLスキームが許可リストに含まれるかを検証する。
func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

// isBlockedIP はIPアドレスがブロック対象のネットワーク範囲に含まれるかを検証する。
func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// blockedHostnames はブロック対象のホスト名。
var blockedHostnames = []string{
	"localhost",
}

// isBlockedHostname はホスト名がブロック対象かを検証する。
func isBlockedHostname(host string) bool {
	lower := strings.ToLower(host)
	for _, blocked := range blockedHostnames {
		if lower == blocked {
			return true
		}
	}
	return false
}

// compile-time interface check
var _ legacy.EvidenceGuard = (*evidenceGuard)(nil)
