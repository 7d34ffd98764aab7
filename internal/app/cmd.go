package app

import (
	"fmt"
	"strconv"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker は定期同期ワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "worker":
		return CommandWorker
	case "serve":
		return CommandServe
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}

// MigrateAction はmigrateサブコマンドの操作を表す。
type MigrateAction string

const (
	// MigrateUp は未適用のマイグレーションを全て適用する。
	MigrateUp MigrateAction = "up"
	// MigrateDown は指定ステップ数だけロールバックする。
	MigrateDown MigrateAction = "down"
	// MigrateVersion は現在のスキーマバージョンを表示する。
	MigrateVersion MigrateAction = "version"
)

// MigrateArgs はmigrateサブコマンドの解析結果。
type MigrateArgs struct {
	Action MigrateAction
	Steps  int
}

// ParseMigrateArgs はmigrate以降の引数を解析する。
//
//	migrate            → up
//	migrate up         → up
//	migrate down [N]   → N（省略時1）ステップのロールバック
//	migrate version    → バージョン表示
func ParseMigrateArgs(args []string) (MigrateArgs, error) {
	if len(args) == 0 {
		return MigrateArgs{Action: MigrateUp}, nil
	}

	switch MigrateAction(args[0]) {
	case MigrateUp:
		return MigrateArgs{Action: MigrateUp}, nil
	case MigrateVersion:
		return MigrateArgs{Action: MigrateVersion}, nil
	case MigrateDown:
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				return MigrateArgs{}, fmt.Errorf("invalid rollback steps: %q", args[1])
			}
			steps = n
		}
		return MigrateArgs{Action: MigrateDown, Steps: steps}, nil
	default:
		return MigrateArgs{}, fmt.Errorf("unknown migrate action: %q", args[0])
	}
}
