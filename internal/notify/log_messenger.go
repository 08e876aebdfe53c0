package notify

import (
	"context"
	"log/slog"
)

// LogMessenger は配送内容をログに書くだけのMessenger実装。
// チャットアダプタを接続しないヘッドレス起動で使う。
// 常に即座に準備完了となり、すべての操作は成功として扱われる。
type LogMessenger struct {
	logger *slog.Logger
	ready  chan struct{}
}

// NewLogMessenger はLogMessengerを生成する。
func NewLogMessenger(logger *slog.Logger) *LogMessenger {
	ready := make(chan struct{})
	close(ready)
	return &LogMessenger{logger: logger, ready: ready}
}

func (m *LogMessenger) SendDM(ctx context.Context, userID, message string) error {
	m.logger.Info("DM送信（ログのみ）",
		slog.String("user_id", userID),
		slog.Int("message_length", len(message)),
	)
	return nil
}

func (m *LogMessenger) SendChannel(ctx context.Context, channelID, message string) error {
	m.logger.Info("チャンネル投稿（ログのみ）",
		slog.String("channel_id", channelID),
		slog.Int("message_length", len(message)),
	)
	return nil
}

func (m *LogMessenger) GrantRole(ctx context.Context, userID, roleName string) error {
	m.logger.Info("ロール付与（ログのみ）",
		slog.String("user_id", userID),
		slog.String("role", roleName),
	)
	return nil
}

func (m *LogMessenger) RevokeRole(ctx context.Context, userID, roleName string) error {
	m.logger.Info("ロール剥奪（ログのみ）",
		slog.String("user_id", userID),
		slog.String("role", roleName),
	)
	return nil
}

// Ready は常に閉じられたチャネルを返す。
func (m *LogMessenger) Ready() <-chan struct{} {
	return m.ready
}

// compile-time interface check
var _ Messenger = (*LogMessenger)(nil)
