package app

import (
	"fmt"
	"strings"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーを起動する。
	CommandServe Command = "serve"
	// CommandWorker はアイドルセッションの掃除ジョブを起動する。
	CommandWorker Command = "worker"
	// CommandMigrate はPostgreSQLのマイグレーションを適用する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は/healthを叩いて終了する。distrolessイメージのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandHelp は使い方を表示する。
	CommandHelp Command = "help"
)

// commands はサブコマンドと説明。Usageの表示順を兼ねる。
var commands = []struct {
	cmd  Command
	desc string
}{
	{CommandServe, "APIサーバーを起動する（既定）"},
	{CommandWorker, "アイドルセッションを定期的に終了させる"},
	{CommandMigrate, "PostgreSQLのマイグレーションを適用する"},
	{CommandHealthcheck, "ローカルのAPIサーバーの/healthを確認する"},
	{CommandHelp, "この使い方を表示する"},
}

// ParseCommand はコマンドライン引数の先頭からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	name := strings.ToLower(args[0])
	if name == "-h" || name == "--help" {
		return CommandHelp
	}
	for _, c := range commands {
		if string(c.cmd) == name {
			return c.cmd
		}
	}
	return CommandServe
}

// Usage はサブコマンドの一覧を返す。
func Usage() string {
	var b strings.Builder
	b.WriteString("usage: edututor [command]\n\ncommands:\n")
	for _, c := range commands {
		fmt.Fprintf(&b, "  %-12s %s\n", c.cmd, c.desc)
	}
	return b.String()
}
