package app

import (
	"errors"
	"fmt"
	"strings"
)

// Command はfriendsyncの起動モード。
type Command string

const (
	// CommandServe はプロトコルエンドポイントとフィード配信を提供する。
	CommandServe Command = "serve"
	// CommandWorker は関係ごとのフィード取得を定期実行する。
	CommandWorker Command = "worker"
	// CommandMigrate はスキーマを最新版まで適用して終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中のserveの/healthを確認する。
	// distrolessイメージにはcurlが無いため、コンテナのHEALTHCHECKから呼ぶ。
	CommandHealthcheck Command = "healthcheck"
)

// commands はサブコマンドと説明の一覧。Usageの表示順でもある。
var commands = []struct {
	cmd  Command
	desc string
}{
	{CommandServe, "友達プロトコルのエンドポイントとフィードを配信する（既定）"},
	{CommandWorker, "関係ごとのフィードを定期的に取得してキャッシュする"},
	{CommandMigrate, "データベースのマイグレーションを適用する"},
	{CommandHealthcheck, "ローカルのserveに/healthを問い合わせる"},
}

// ErrUnknownCommand は未定義のサブコマンドが指定されたことを表す。
var ErrUnknownCommand = errors.New("unknown command")

// ParseCommand はos.Args[1:]の先頭からサブコマンドを解析する。
// 引数が無ければCommandServeを返す。未定義の名前はErrUnknownCommandとなる。
// 2つ目以降の引数は無視する。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 || args[0] == "" {
		return CommandServe, nil
	}
	for _, c := range commands {
		if string(c.cmd) == args[0] {
			return c.cmd, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCommand, args[0])
}

// Usage はサブコマンドの一覧を返す。
func Usage() string {
	var b strings.Builder
	b.WriteString("usage: friendsync [command]\n\ncommands:\n")
	for _, c := range commands {
		fmt.Fprintf(&b, "  %-12s %s\n", c.cmd, c.desc)
	}
	return b.String()
}
