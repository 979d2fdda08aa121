package model

import "time"

// ReleaseKind は死後公開対象コンテンツの種別を表す。
type ReleaseKind string

const (
	// ReleaseKindMemory は思い出（メモリー）。
	ReleaseKindMemory ReleaseKind = "memory"
	// ReleaseKindStory はストーリー。
	ReleaseKindStory ReleaseKind = "story"
	// ReleaseKindVoiceMessage は音声メッセージ。本文の代わりにブロブキーを持つ。
	ReleaseKindVoiceMessage ReleaseKind = "voice_message"
	// ReleaseKindInstruction は遺族向けの指示書。
	ReleaseKindInstruction ReleaseKind = "instruction"
)

// ReleaseItem はユーザーが明示的に死後公開フラグを立てたコンテンツ1件を表す。
// ReleaseOnTrigger が false のアイテムはアクセスゲートウェイから決して返さない
// （アカウント全体の一括開示は行わない）。
type ReleaseItem struct {
	ID               string
	UserID           string
	Kind             ReleaseKind
	Title            string
	Body             string
	BlobKey          string
	ReleaseOnTrigger bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
