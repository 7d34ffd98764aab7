package syncjob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hitoshi/finsync/internal/checkpoint"
	"github.com/hitoshi/finsync/internal/metrics"
	"github.com/hitoshi/finsync/internal/model"
	"github.com/hitoshi/finsync/internal/notify"
	"github.com/hitoshi/finsync/internal/report"
	"github.com/hitoshi/finsync/internal/syncclient"
)

var (
	// ErrRunInProgress は別の実行が進行中であることを示す。
	ErrRunInProgress = errors.New("sync run already in progress")
	// ErrNoAccounts は実行対象のアカウントがないことを示す。
	ErrNoAccounts = errors.New("no accounts to sync")
	// ErrForceStopNotConfirmed は強制停止が確認されていないことを示す。
	ErrForceStopNotConfirmed = errors.New("force stop requires explicit confirmation")
)

// SessionRunner は1アカウント分のセッション実行インターフェース。
type SessionRunner interface {
	Run(ctx context.Context, in SessionInput, notify ProgressFunc) model.AccountOutcome
}

// LastDateSource は永続化済みの最新取引日の取得インターフェース。
type LastDateSource interface {
	// LastTransactionDate は最新の取引日を返す。取引がない場合はnilを返す。
	LastTransactionDate(ctx context.Context, accountID, vendor string) (*time.Time, error)
}

// ReportStore は実行結果の記録インターフェース。
type ReportStore interface {
	SaveReport(ctx context.Context, report *model.SessionReport) error
	MarkSynced(ctx context.Context, accountID string, at time.Time) error
}

// ForceStopper はリモートの同期処理の強制停止インターフェース。
type ForceStopper interface {
	ForceStop(ctx context.Context) error
}

// RunOptions は1回の実行のオプション。
type RunOptions struct {
	Mode checkpoint.Mode
	// StartDate はModeExplicitのときに全アカウントへ適用する開始日。
	StartDate *time.Time
	Options   syncclient.Options
}

// OrchestratorConfig はオーケストレーターの設定。
type OrchestratorConfig struct {
	// AccountInterval はアカウント間の最小間隔。0の場合は間隔を空けない。
	AccountInterval time.Duration
	// ProgressBuffer は進捗通知バッファのサイズ。
	ProgressBuffer int
}

// Orchestrator は複数アカウントの同期を固定順で1件ずつ実行し、SessionReportを返す。
// 取引元側の共有レート制限と同時ログインによる競合を避けるため、並列実行は行わない。
type Orchestrator struct {
	runner    SessionRunner
	resolver  *checkpoint.Resolver
	lastDates LastDateSource
	store     ReportStore
	publisher notify.Publisher
	stopper   ForceStopper
	metrics   metrics.SyncMetrics
	logger    *slog.Logger
	config    OrchestratorConfig

	running atomic.Bool
	now     func() time.Time
	newID   func() string
}

// NewOrchestrator はOrchestratorの新しいインスタンスを生成する。
// lastDates・store・publisher・stopperはnilでもよい。
func NewOrchestrator(
	runner SessionRunner,
	resolver *checkpoint.Resolver,
	lastDates LastDateSource,
	store ReportStore,
	publisher notify.Publisher,
	stopper ForceStopper,
	m metrics.SyncMetrics,
	logger *slog.Logger,
	config OrchestratorConfig,
) *Orchestrator {
	if m == nil {
		m = metrics.Nop()
	}
	return &Orchestrator{
		runner:    runner,
		resolver:  resolver,
		lastDates: lastDates,
		store:     store,
		publisher: publisher,
		stopper:   stopper,
		metrics:   m,
		logger:    logger,
		config:    config,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Running は実行中かを返す。
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// Run はaccountsを順に同期し、実行レポートを返す。
//
// 失敗したアカウントは結果に記録して次へ進む。同時実行エラーの場合はそれ以降の
// アカウントを実行せず、ForceStopRequiredを立てたレポートを返す。ctxのキャンセル時は
// それまでの結果を含むCancelledのレポートを返す。
// エラーを返すのは、実行中の別の実行がある場合と、最初のアカウントのセッションを
// 設定不備により開始できなかった場合のみ。
func (o *Orchestrator) Run(ctx context.Context, accounts []model.Account, opts RunOptions, onProgress ProgressFunc) (*model.SessionReport, error) {
	if len(accounts) == 0 {
		return nil, ErrNoAccounts
	}
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer o.running.Store(false)

	runID := o.newID()
	agg := report.NewAggregator(runID, o.now())

	var send ProgressFunc
	if onProgress != nil {
		pump := newProgressPump(onProgress, o.config.ProgressBuffer)
		defer func() {
			pump.Close()
			if n := pump.Dropped(); n > 0 {
				o.logger.Debug("進捗通知の一部を破棄しました",
					slog.String("run_id", runID),
					slog.Int64("dropped", n),
				)
			}
		}()
		send = pump.Send
	}

	var limiter *rate.Limiter
	if o.config.AccountInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(o.config.AccountInterval), 1)
	}

	o.logger.Info("同期を開始します",
		slog.String("run_id", runID),
		slog.String("mode", string(opts.Mode)),
		slog.Int("account_count", len(accounts)),
	)

	cancelled, halted := false, false
	for i, acct := range accounts {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				cancelled = true
				break
			}
		}

		in := SessionInput{
			RunID:   runID,
			Account: acct,
			Options: opts.Options,
			Index:   i + 1,
			Total:   len(accounts),
		}

		var out model.AccountOutcome
		start, err := o.startDate(ctx, acct, opts)
		if err != nil {
			out = model.AccountOutcome{
				AccountID: acct.ID,
				Vendor:    acct.Vendor,
				Nickname:  acct.Nickname,
				State:     model.SessionFailed,
				Error: &model.SyncError{
					Kind:    model.KindConfiguration,
					Message: err.Error(),
					Err:     err,
				},
			}
		} else {
			in.StartDate = start
			out = o.runner.Run(ctx, in, send)
		}

		if i == 0 && out.State == model.SessionFailed && out.Error != nil && out.Error.Kind == model.KindConfiguration {
			o.logger.Error("最初のアカウントの同期を開始できませんでした",
				slog.String("run_id", runID),
				slog.String("account_id", acct.ID),
				slog.String("error", out.Error.Error()),
			)
			return nil, fmt.Errorf("start sync for account %s: %w", acct.ID, out.Error)
		}

		agg.Add(out)

		switch {
		case out.State == model.SessionCancelled:
			cancelled = true
		case out.State == model.SessionCompleted:
			o.markSynced(ctx, acct.ID)
		case out.Error != nil && syncclient.IsConcurrency(out.Error):
			agg.Halt(acct.ID)
			halted = true
			o.logger.Warn("同時実行エラーのため以降のアカウントの同期を中止しました",
				slog.String("run_id", runID),
				slog.String("account_id", acct.ID),
				slog.Int("remaining", len(accounts)-i-1),
			)
		}
		if cancelled || halted {
			break
		}
	}

	rep := agg.Finish(o.now(), cancelled)
	o.finish(ctx, &rep)
	return &rep, nil
}

// startDate はアカウントの開始日を算出する。
// 最新取引日の取得に失敗した場合はアカウントに保持された値を使用する。
func (o *Orchestrator) startDate(ctx context.Context, acct model.Account, opts RunOptions) (time.Time, error) {
	last := acct.LastTransactionDate
	if o.lastDates != nil && opts.Mode != checkpoint.ModeExplicit {
		d, err := o.lastDates.LastTransactionDate(ctx, acct.ID, acct.Vendor)
		if err != nil {
			o.logger.Warn("最新取引日の取得に失敗しました",
				slog.String("account_id", acct.ID),
				slog.String("error", err.Error()),
			)
		} else if d != nil {
			last = d
		}
	}

	return o.resolver.Resolve(checkpoint.Input{
		Mode:                opts.Mode,
		LastTransactionDate: last,
		FallbackDays:        acct.DaysBack,
		ExplicitDate:        opts.StartDate,
	})
}

// markSynced は同期成功時刻を記録する。キャンセルされても記録は行う。
func (o *Orchestrator) markSynced(ctx context.Context, accountID string) {
	if o.store == nil {
		return
	}
	if err := o.store.MarkSynced(context.WithoutCancel(ctx), accountID, o.now()); err != nil {
		o.logger.Error("最終同期日時の更新に失敗しました",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
	}
}

// finish は実行レポートを記録し、変更通知を発行する。
func (o *Orchestrator) finish(ctx context.Context, rep *model.SessionReport) {
	o.metrics.RecordRun(rep.Status)

	if o.store != nil {
		if err := o.store.SaveReport(context.WithoutCancel(ctx), rep); err != nil {
			o.logger.Error("実行レポートの保存に失敗しました",
				slog.String("run_id", rep.RunID),
				slog.String("error", err.Error()),
			)
		}
	}

	if o.publisher != nil && rep.TotalSaved+rep.TotalUpdated > 0 {
		var ids []string
		for _, out := range rep.Outcomes {
			if out.Succeeded() && out.Saved+out.Updated > 0 {
				ids = append(ids, out.AccountID)
			}
		}
		o.publisher.Publish(notify.Change{
			Kind:       notify.ChangeTransactionsSynced,
			AccountIDs: ids,
			RunID:      rep.RunID,
			Count:      rep.TotalSaved + rep.TotalUpdated,
			At:         rep.FinishedAt,
		})
	}

	o.logger.Info("同期が終了しました",
		slog.String("run_id", rep.RunID),
		slog.String("status", string(rep.Status)),
		slog.Int("succeeded", rep.Succeeded),
		slog.Int("failed", rep.Failed),
		slog.Int("saved", rep.TotalSaved),
		slog.Bool("force_stop_required", rep.ForceStopRequired),
		slog.Float64("duration_ms", float64(rep.Duration.Milliseconds())),
	)
}

// ForceStop はリモートで残留している同期処理を強制停止する。
// 同時実行エラーの後、利用者が明示的に確認した場合のみ実行する。
func (o *Orchestrator) ForceStop(ctx context.Context, confirmed bool) error {
	if !confirmed {
		return ErrForceStopNotConfirmed
	}
	if o.stopper == nil {
		return errors.New("force stop is not configured")
	}
	if err := o.stopper.ForceStop(ctx); err != nil {
		return fmt.Errorf("force stop: %w", err)
	}
	o.logger.Info("強制停止を実行しました")
	return nil
}
