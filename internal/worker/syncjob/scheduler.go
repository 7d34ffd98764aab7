package syncjob

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/finsync/internal/checkpoint"
	"github.com/hitoshi/finsync/internal/model"
)

// AccountLister は同期対象アカウントの取得インターフェース。
type AccountLister interface {
	ListActive(ctx context.Context) ([]model.Account, error)
}

// RunTrigger は同期実行のインターフェース。
type RunTrigger interface {
	Run(ctx context.Context, accounts []model.Account, opts RunOptions, onProgress ProgressFunc) (*model.SessionReport, error)
}

// DuplicateSweeper は同期後の重複検出と自動解決のインターフェース。
type DuplicateSweeper interface {
	Detect(ctx context.Context) (int, error)
	AutoResolve(ctx context.Context, dryRun bool) (int, error)
}

// Scheduler は全アクティブアカウントのキャッチアップ同期を定期実行する。
// 同期後に重複候補の検出を行い、autoResolveが有効なら自動解決も行う。
type Scheduler struct {
	accounts    AccountLister
	trigger     RunTrigger
	duplicates  DuplicateSweeper
	logger      *slog.Logger
	autoResolve bool
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。duplicatesはnilでもよい。
func NewScheduler(
	accounts AccountLister,
	trigger RunTrigger,
	duplicates DuplicateSweeper,
	logger *slog.Logger,
	autoResolve bool,
) *Scheduler {
	return &Scheduler{
		accounts:    accounts,
		trigger:     trigger,
		duplicates:  duplicates,
		logger:      logger,
		autoResolve: autoResolve,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("同期スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Bool("auto_resolve", s.autoResolve),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("同期サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("同期スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("同期サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce はアクティブアカウントを取得し、キャッチアップモードで1回同期する。
// 他の実行が進行中の場合はスキップする。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	accounts, err := s.accounts.ListActive(ctx)
	if err != nil {
		return err
	}

	if len(accounts) == 0 {
		s.logger.Info("同期対象のアカウントはありません")
		return nil
	}

	rep, err := s.trigger.Run(ctx, accounts, RunOptions{Mode: checkpoint.ModeCatchUp}, s.logProgress)
	if errors.Is(err, ErrRunInProgress) {
		s.logger.Info("別の同期が実行中のためスキップしました")
		return nil
	}
	if err != nil {
		return err
	}

	if rep.ForceStopRequired {
		s.logger.Warn("同時実行エラーが発生しました。強制停止の確認が必要です",
			slog.String("run_id", rep.RunID),
			slog.String("account_id", rep.HaltedAccountID),
		)
	}
	if rep.Status == model.RunCancelled || s.duplicates == nil {
		return nil
	}

	found, err := s.duplicates.Detect(ctx)
	if err != nil {
		s.logger.Error("重複候補の検出に失敗しました", slog.String("error", err.Error()))
		return nil
	}
	s.logger.Info("重複候補の検出が完了しました", slog.Int("found", found))

	if !s.autoResolve {
		return nil
	}
	deleted, err := s.duplicates.AutoResolve(ctx, false)
	if err != nil {
		s.logger.Error("重複候補の自動解決に失敗しました", slog.String("error", err.Error()))
		return nil
	}
	s.logger.Info("重複候補を自動解決しました", slog.Int("deleted", deleted))
	return nil
}

func (s *Scheduler) logProgress(p Progress) {
	s.logger.Debug("同期の進捗",
		slog.String("run_id", p.RunID),
		slog.String("account_id", p.AccountID),
		slog.Int("index", p.Index),
		slog.Int("total", p.Total),
		slog.String("state", string(p.State)),
		slog.Float64("percent", p.Percent),
	)
}
