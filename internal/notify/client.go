// Package notify はメール通知ゲートウェイとの連携を提供する。
// 信頼担当者への確認依頼と申請者へのアクセス許可通知を送信する。
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/katami/internal/legacy"
)

// messagesPath は通知ゲートウェイのメッセージ送信エンドポイントのパス。
const messagesPath = "/v1/messages"

// テンプレート名
const (
	templateTrusteeConfirmation = "trustee_confirmation"
	templateAccessGranted       = "access_granted"
)

// Client は通知ゲートウェイのクライアント。
// テンプレート名とパラメータを渡し、本文の組み立てはゲートウェイ側に任せる。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string // テスト用にエンドポイントを差し替え可能
	apiKey     string
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, baseURL, apiKey string) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// message は通知ゲートウェイへの送信ペイロード。
type message struct {
	To       string            `json:"to"`
	Template string            `json:"template"`
	Params   map[string]string `json:"params"`
}

// SendTrusteeConfirmationRequest は信頼担当者に確認依頼を送信する。
func (c *Client) SendTrusteeConfirmationRequest(ctx context.Context, trusteeEmail, trusteeName, requesterName, relationship, confirmURL string) error {
	return c.send(ctx, message{
		To:       trusteeEmail,
		Template: templateTrusteeConfirmation,
		Params: map[string]string{
			"trustee_name":   trusteeName,
			"requester_name": requesterName,
			"relationship":   relationship,
			"confirm_url":    confirmURL,
		},
	})
}

// SendAccessGranted は申請者にアクセス許可を通知する。
func (c *Client) SendAccessGranted(ctx context.Context, requesterEmail, requesterName, accessURL string, expiresAt time.Time) error {
	return c.send(ctx, message{
		To:       requesterEmail,
		Template: templateAccessGranted,
		Params: map[string]string{
			"requester_name": requesterName,
			"access_url":     accessURL,
			"expires_at":     expiresAt.UTC().Format(time.RFC3339),
		},
	})
}

// send はメッセージをゲートウェイにPOSTする。
func (c *Client) send(ctx context.Context, msg message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("通知ペイロードのエンコードに失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+messagesPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("通知ゲートウェイの呼び出しに失敗しました",
			slog.String("template", msg.Template),
			slog.String("error", err.Error()),
		)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("通知ゲートウェイがエラーステータスを返しました",
			slog.String("template", msg.Template),
			slog.Int("http_status", resp.StatusCode),
		)
		return fmt.Errorf("通知ゲートウェイがステータス %d を返しました", resp.StatusCode)
	}

	return nil
}

// compile-time interface check
var _ legacy.Notifier = (*Client)(nil)
