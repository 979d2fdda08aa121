package legacy

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// accessTokenBytes はアクセストークンのエントロピー（バイト数）。
// 推測不能であることが開示制御の前提となる。
const accessTokenBytes = 48

// confirmationTokenBytes は信頼担当者確認トークンのエントロピー（バイト数）。
const confirmationTokenBytes = 32

// NewAccessToken は暗号論的乱数からアクセストークンを生成する。
func NewAccessToken() (string, error) {
	return newToken(accessTokenBytes)
}

// NewConfirmationToken は信頼担当者向けの使い捨て確認トークンを生成する。
func NewConfirmationToken() (string, error) {
	return newToken(confirmationTokenBytes)
}

func newToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("トークンの生成に失敗しました: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
