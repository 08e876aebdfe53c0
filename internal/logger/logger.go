package logger

import (
	"io"
	"log/slog"
	"os"
)

// Setup はJSON構造化ログ出力のslog.Loggerを生成して返す。
// debugがtrueの場合はDEBUGレベル以上を、それ以外はINFOレベル以上を出力する。
func Setup(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler)
}

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定し、それを返す。
// 本番ではos.Stdoutを渡すことを想定している。
func SetupDefault(w io.Writer, debug bool) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	logger := Setup(w, debug)
	slog.SetDefault(logger)
	return logger
}

// Component は構成要素名つきの子ロガーを返す。
// ワーカーやAPIクライアントのログをcomponent属性で判別できるようにする。
func Component(l *slog.Logger, name string) *slog.Logger {
	return l.With(slog.String("component", name))
}
