// Package notify はチャット基盤への通知送信の抽象と本文整形を提供する。
// チャットフレームワーク自体（接続、スラッシュコマンド、埋め込み表示）は
// このパッケージの外側にあり、Messengerインターフェースを通じてのみ使う。
package notify

import "context"

// Messenger はチャット基盤への送信操作の抽象。
// 実装はボットプロセス側が提供し、各操作はベストエフォートで失敗を
// エラーとして返す（パニックしない）。
type Messenger interface {
	// SendDM はユーザーにダイレクトメッセージを送る。
	// 宛先を解決できない場合もエラーとして返す。
	SendDM(ctx context.Context, userID, message string) error

	// SendChannel は指定チャンネルにメッセージを投稿する。
	SendChannel(ctx context.Context, channelID, message string) error

	// GrantRole はユーザーにロールを付与する。
	GrantRole(ctx context.Context, userID, roleName string) error

	// RevokeRole はユーザーからロールを剥奪する。
	RevokeRole(ctx context.Context, userID, roleName string) error

	// Ready は接続準備完了時に閉じられるチャネルを返す。
	// ワーカーは最初の実行前にこのチャネルを待つ。
	Ready() <-chan struct{}
}
