// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// 本サブシステムはユーザーを作成・削除しない（読み取りのみ）。
type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UserSettings はユーザーごとの設定を表す。
// LegacyReleaseEnabled が false のユーザーには遺産アクセス申請を受け付けない。
type UserSettings struct {
	UserID               string
	LegacyReleaseEnabled bool
	UpdatedAt            time.Time
}

// Trustee はユーザーが指名した信頼担当者を表す。
// 信頼担当者は自身のログインを持たず、使い捨てトークンでのみ応答する。
// Priority は昇順で優先度が高い。
type Trustee struct {
	ID        string
	UserID    string
	Name      string
	Email     string
	Phone     string
	Priority  int
	IsActive  bool
	CreatedAt time.Time
}
