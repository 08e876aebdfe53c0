// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"

	"github.com/hitoshi/inviteman/internal/model"
)

// ErrAmbiguousUsername は表示名検索が複数行に一致したことを示す。
var ErrAmbiguousUsername = errors.New("username matches multiple invite records")

// InviteRepository は招待レコードの永続化インターフェース。
type InviteRepository interface {
	// FindByID は指定チャットユーザーIDの招待を取得する。見つからない場合はnilを返す。
	// リンク有効期限（LinkExpiresAt）は読み取り時に導出される。
	FindByID(ctx context.Context, userID string) (*model.Invite, error)

	// FindByUsername は表示名で招待を検索する。見つからない場合はnilを返す。
	// 複数一致した場合はErrAmbiguousUsernameを返す（最初の1件を暗黙に選ばない）。
	FindByUsername(ctx context.Context, username string) (*model.Invite, error)

	// Record は招待をupsertする。既存レコードがある場合はコード・プラン・有効期限を
	// 上書きし、claimedをfalseに、last_notified_atをNULLにリセットする。
	// statusはプラン名から導出される。jfa_user_idは既存の値を保持する。
	Record(ctx context.Context, userID, username, code, planType string, accountExpiresAt *int64) error

	// MarkClaimed は招待を引き換え済みにする。冪等。
	MarkClaimed(ctx context.Context, userID string) error

	// Delete は招待レコードを物理削除する。行が存在したかを返す。
	Delete(ctx context.Context, userID string) (bool, error)

	// UpdateStatus は招待のステータスを遷移させる。行が更新されたかを返す。
	// 閉じた集合に含まれない値はエラー。
	UpdateStatus(ctx context.Context, userID string, status model.Status) (bool, error)

	// SetJfaUserID はリモートアカウントIDへのリンクを記録する。
	SetJfaUserID(ctx context.Context, userID, jfaUserID string) error

	// UpdateLastNotified は通知送信時刻を記録する。
	UpdateLastNotified(ctx context.Context, userID string, timestamp int64) error

	// ClearAccountExpiry は有効期限と通知時刻をNULLに戻す。
	ClearAccountExpiry(ctx context.Context, userID string) error

	// ListExpiring は有効期限が (now, now+noticeWindowDays*86400] の
	// 半開区間に入る招待を返す。期限切れ・期限管理なしは含まない。
	ListExpiring(ctx context.Context, noticeWindowDays int) ([]*model.Invite, error)
}

// ActionRepository は管理者操作の監査レコードの永続化インターフェース。
// 追記専用。更新・削除操作は意図的に存在しない。
type ActionRepository interface {
	// Record は監査レコードを挿入する。
	Record(ctx context.Context, action *model.AdminAction) error
}

// RemoteUserRepository はリモートアカウントミラーの永続化インターフェース。
type RemoteUserRepository interface {
	// UpsertAll は同期ジョブが取得した全件を単一トランザクションでupsertする。
	// 空文字列のdiscord_idはNULLに正規化される（ユニーク制約の誤検出を防ぐ）。
	UpsertAll(ctx context.Context, users []*model.RemoteUser) error

	// FindByID はリモートアカウントIDでミラーを検索する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, jfaID string) (*model.RemoteUser, error)

	// FindByUsername はリモートユーザー名でミラーを検索する。見つからない場合はnilを返す。
	FindByUsername(ctx context.Context, username string) (*model.RemoteUser, error)

	// FindByDiscordID はリンク済みチャットユーザーIDでミラーを検索する。
	// 見つからない場合はnilを返す。
	FindByDiscordID(ctx context.Context, discordID string) (*model.RemoteUser, error)
}
