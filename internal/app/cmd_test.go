package app

import (
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want Command
	}{
		{"引数なしはserve", []string{}, CommandServe},
		{"serve", []string{"serve"}, CommandServe},
		{"worker", []string{"worker"}, CommandWorker},
		{"migrate", []string{"migrate"}, CommandMigrate},
		{"healthcheck", []string{"healthcheck"}, CommandHealthcheck},
		{"未知のコマンドはserve", []string{"unknown"}, CommandServe},
		{"余分な引数は無視", []string{"worker", "--flag", "value"}, CommandWorker},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseCommand(tt.args); got != tt.want {
				t.Errorf("ParseCommand(%v) = %q, want %q", tt.args, got, tt.want)
			}
		})
	}
}

func TestParseMigrateArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    MigrateArgs
		wantErr bool
	}{
		{"引数なしはup", nil, MigrateArgs{Action: MigrateUp}, false},
		{"up", []string{"up"}, MigrateArgs{Action: MigrateUp}, false},
		{"version", []string{"version"}, MigrateArgs{Action: MigrateVersion}, false},
		{"downのデフォルトは1ステップ", []string{"down"}, MigrateArgs{Action: MigrateDown, Steps: 1}, false},
		{"downのステップ指定", []string{"down", "3"}, MigrateArgs{Action: MigrateDown, Steps: 3}, false},
		{"downのステップが0", []string{"down", "0"}, MigrateArgs{}, true},
		{"downのステップが数値でない", []string{"down", "all"}, MigrateArgs{}, true},
		{"未知の操作", []string{"force"}, MigrateArgs{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMigrateArgs(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseMigrateArgs(%v) = %+v, want %+v", tt.args, got, tt.want)
			}
		})
	}
}
