// Package logger はJSON構造化ログの初期化を提供する。
package logger

import (
	"io"
	"log/slog"
	"os"
)

// redactedKeys はログに値を出力しない属性名。共有シークレットが誤って渡された場合に備える。
var redactedKeys = map[string]bool{
	"token":             true,
	"outbound_token":    true,
	"inbound_token":     true,
	"remote_auth_token": true,
}

// Setup はJSON構造化ログ出力のslog.Loggerを生成して返す。
// 全てのエントリに app=friendsync を付与する。
func Setup(w io.Writer) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       slog.LevelInfo,
		ReplaceAttr: redact,
	})
	return slog.New(handler).With(slog.String("app", "friendsync"))
}

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定し、そのロガーを返す。
// 本番ではos.Stdoutを渡すことを想定している。
func SetupDefault(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	logger := Setup(w)
	slog.SetDefault(logger)
	return logger
}

func redact(groups []string, a slog.Attr) slog.Attr {
	if redactedKeys[a.Key] {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}
