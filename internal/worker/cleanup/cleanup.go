// Package cleanup は同期実行履歴の保持期間管理ジョブを提供する。
// 保持期間を超過したsync_runsを日次バッチで削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetentionDays は同期実行履歴のデフォルト保持日数。
const DefaultRetentionDays = 90

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// RunHistoryJob は保持期間を超過した同期実行履歴を削除するジョブ。
// 削除対象がない場合も成功として扱う。
type RunHistoryJob struct {
	db            Executor
	logger        *slog.Logger
	retentionDays int
}

// NewRunHistoryJob はRunHistoryJobを生成する。
// retentionDaysが0以下の場合はDefaultRetentionDaysを使用する。
func NewRunHistoryJob(db Executor, logger *slog.Logger, retentionDays int) *RunHistoryJob {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &RunHistoryJob{
		db:            db,
		logger:        logger,
		retentionDays: retentionDays,
	}
}

// RetentionDays は保持日数を返す。
func (j *RunHistoryJob) RetentionDays() int {
	return j.retentionDays
}

// Run は開始日時が保持期間より古い同期実行履歴を削除し、削除件数を返す。
func (j *RunHistoryJob) Run(ctx context.Context) (int64, error) {
	start := time.Now()

	query := `DELETE FROM sync_runs WHERE started_at < now() - make_interval(days => $1)`
	result, err := j.db.ExecContext(ctx, query, j.retentionDays)
	if err != nil {
		j.logger.Error("同期履歴クリーンアップの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.retentionDays),
		)
		return 0, fmt.Errorf("failed to delete expired sync runs: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read deleted sync run count: %w", err)
	}

	j.logger.Info("同期履歴クリーンアップが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Int("retention_days", j.retentionDays),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return deleted, nil
}

// Start は起動直後に1回実行し、以降はintervalごとに実行する。
// コンテキストがキャンセルされるまでブロックする。失敗はログに記録して継続する。
func (j *RunHistoryJob) Start(ctx context.Context, interval time.Duration) {
	j.runLogged(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *RunHistoryJob) runLogged(ctx context.Context) {
	// エラーはRun内でログ済み
	_, _ = j.Run(ctx)
}
