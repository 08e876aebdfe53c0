// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// Status は招待レコードのライフサイクル状態を表す。
// 空文字列は「状態未設定」（プランなしで発行された招待）を意味する。
type Status string

const (
	// StatusTrial はトライアルプランの招待。
	StatusTrial Status = "trial"
	// StatusPaid は有料プランの招待。
	StatusPaid Status = "paid"
	// StatusDisabled は管理者によって無効化された招待。レコードは履歴として残る。
	StatusDisabled Status = "disabled"
	// StatusNone は状態未設定。
	StatusNone Status = ""
)

// Valid はステータスが閉じた集合のメンバーであるかを返す。
func (s Status) Valid() bool {
	switch s {
	case StatusTrial, StatusPaid, StatusDisabled, StatusNone:
		return true
	}
	return false
}

// DeriveStatus はプラン名からステータスを導出する。
// プラン名に"trial"を含む場合（大文字小文字を区別しない）はtrial、
// それ以外の非空プランはpaid、空の場合はStatusNoneを返す。
func DeriveStatus(planType string) Status {
	if planType == "" {
		return StatusNone
	}
	if strings.Contains(strings.ToLower(planType), "trial") {
		return StatusTrial
	}
	return StatusPaid
}

// Invite はチャットユーザー1人に対する招待レコードを表す。
// 外部ユーザーIDごとに必ず1行（upsertセマンティクス）。
type Invite struct {
	UserID           string // チャットプラットフォーム上の安定ID（主キー）
	Username         string
	Code             string // リモートシステムが発行した招待コード
	CreatedAt        int64  // Unix epoch秒（UTC）
	UpdatedAt        int64
	Claimed          bool
	JfaUserID        string // 対応するリモートアカウントID（判明後に設定、空=未リンク）
	PlanType         string // 例: "Trial", "Premium"。空=プランなし
	AccountExpiresAt *int64 // nilは「管理対象の有効期限なし」
	LastNotifiedAt   *int64
	Status           Status

	// LinkExpiresAt は招待リンク自体の有効期限。保存されず、
	// created_at + リンク有効日数 から読み取り時に導出される。
	LinkExpiresAt int64
}

// Label は招待の表示用ラベルを返す（ユーザー名 - 発行日）。
func (i *Invite) Label() string {
	return i.Username + " - " + time.Unix(i.CreatedAt, 0).UTC().Format("2006-01-02")
}

// LinkExpired は招待リンクが指定時刻時点で失効しているかを返す。
func (i *Invite) LinkExpired(now time.Time) bool {
	return now.Unix() >= i.LinkExpiresAt
}

// RemoteUser はリモートアカウント管理システム上のアカウント1件のローカルミラー。
// 定期同期ジョブによってまとめてupsertされる。
type RemoteUser struct {
	JfaID        string // リモートアカウントID（主キー）
	Username     string // リモートユーザー名（ユニーク）
	DiscordID    string // リンクされたチャットユーザーID（空=未リンク。保存時はNULLに正規化）
	Email        string
	ExpiresAt    *int64
	Disabled     bool
	IsAdmin      bool
	CanInvite    bool
	LastSyncedAt int64
}
