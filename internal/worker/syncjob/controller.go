package syncjob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hitoshi/finsync/internal/metrics"
	"github.com/hitoshi/finsync/internal/model"
	"github.com/hitoshi/finsync/internal/security"
	"github.com/hitoshi/finsync/internal/syncclient"
	"github.com/hitoshi/finsync/internal/syncproto"
)

// dateLayout はサマリーの日付形式。
const dateLayout = "2006-01-02"

// Streamer は同期エンドポイントへのストリーム開始インターフェース。
type Streamer interface {
	StartSync(ctx context.Context, req syncclient.Request) (io.ReadCloser, error)
}

// SessionInput は1アカウント分のセッション入力。
type SessionInput struct {
	RunID     string
	Account   model.Account
	StartDate time.Time
	Options   syncclient.Options
	Index     int
	Total     int
}

// Controller は1アカウント分のストリーム同期を実行する。
// バイトストリームをデコーダーに流し、Sessionの状態遷移と
// WaitMonitorの更新を行い、最終的にAccountOutcomeを返す。
// 永続化は行わない。
type Controller struct {
	streamer      Streamer
	monitor       *WaitMonitor
	sanitizer     security.TextSanitizerService
	metrics       metrics.SyncMetrics
	logger        *slog.Logger
	streamTimeout time.Duration
	now           func() time.Time
}

// NewController はControllerの新しいインスタンスを生成する。
// streamTimeoutが0以下の場合、ストリームの最大時間は呼び出し元のcontextのみで制御される。
func NewController(
	streamer Streamer,
	monitor *WaitMonitor,
	sanitizer security.TextSanitizerService,
	m metrics.SyncMetrics,
	logger *slog.Logger,
	streamTimeout time.Duration,
) *Controller {
	if monitor == nil {
		monitor = NewWaitMonitor(nil)
	}
	if m == nil {
		m = metrics.Nop()
	}
	if sanitizer == nil {
		sanitizer = security.NewTextSanitizer(0)
	}
	return &Controller{
		streamer:      streamer,
		monitor:       monitor,
		sanitizer:     sanitizer,
		metrics:       m,
		logger:        logger,
		streamTimeout: streamTimeout,
		now:           time.Now,
	}
}

// Monitor はコントローラーが更新する待機モニターを返す。
func (c *Controller) Monitor() *WaitMonitor {
	return c.monitor
}

// Run は1アカウント分の同期を実行する。
// notifyは解析ループ内から同期的に呼ばれるため、ブロックしない実装であること。
// ctxのキャンセルは実行中の読み取りを即座に中断し、Cancelledとして終了する。
func (c *Controller) Run(ctx context.Context, in SessionInput, notify ProgressFunc) (out model.AccountOutcome) {
	started := c.now()
	acct := in.Account
	sess := NewSession()
	out = model.AccountOutcome{
		AccountID: acct.ID,
		Vendor:    acct.Vendor,
		Nickname:  acct.Nickname,
		StartDate: in.StartDate,
	}

	emit := func(wait *Wait) {
		if notify == nil {
			return
		}
		p := Progress{
			RunID:     in.RunID,
			AccountID: acct.ID,
			Vendor:    acct.Vendor,
			Nickname:  acct.Nickname,
			Index:     in.Index,
			Total:     in.Total,
			Wait:      wait,
			At:        c.now(),
		}
		sess.snapshot(&p)
		notify(p)
	}

	defer func() {
		c.monitor.ClearAccount(acct.ID)
		out.State = sess.State()
		out.LastPercent = sess.Percent()
		out.Duration = c.now().Sub(started)
		c.record(out)
		emit(nil)
	}()

	if ctx.Err() != nil {
		sess.Cancel()
		return out
	}
	_ = sess.Start()
	emit(nil)

	streamCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.streamTimeout > 0 {
		streamCtx, cancel = context.WithTimeout(ctx, c.streamTimeout)
	}
	defer cancel()

	body, err := c.streamer.StartSync(streamCtx, syncclient.Request{
		AccountID: acct.ID,
		Vendor:    acct.Vendor,
		StartDate: in.StartDate,
		Options:   in.Options,
	})
	if err != nil {
		if ctx.Err() != nil {
			sess.Cancel()
			return out
		}
		sess.Fail()
		out.Error = c.transportError(err)
		return out
	}
	defer body.Close()

	// キャンセル時にボディを閉じ、ブロック中の読み取りを解除する
	stop := context.AfterFunc(streamCtx, func() { _ = body.Close() })
	defer stop()

	dec := syncproto.NewDecoder(body)
	for !sess.State().Terminal() {
		// 読み取り済みのフレームが残っていてもキャンセルを優先する
		if ctx.Err() != nil {
			sess.Cancel()
			break
		}
		ev, err := dec.Next()
		if ctx.Err() != nil {
			sess.Cancel()
			break
		}
		if err != nil {
			var fe *syncproto.FrameError
			if errors.As(err, &fe) {
				c.metrics.RecordFrameError()
				c.logger.Warn("不正なフレームをスキップしました",
					slog.String("account_id", acct.ID),
					slog.String("tag", fe.Tag),
					slog.String("error", fe.Err.Error()),
				)
				continue
			}
			c.finishOnReadError(ctx, streamCtx, sess, &out, err)
			break
		}
		c.apply(sess, &out, in, ev, emit)
	}

	if n := dec.UnknownFrames(); n > 0 {
		c.logger.Debug("未知のイベントを無視しました",
			slog.String("account_id", acct.ID),
			slog.Int("count", n),
		)
	}
	return out
}

// apply は1イベントをセッションと結果に反映する。
func (c *Controller) apply(sess *Session, out *model.AccountOutcome, in SessionInput, ev syncproto.Event, emit func(*Wait)) {
	switch ev.Type {
	case syncproto.EventProgress:
		if ev.Progress != nil {
			p := *ev.Progress
			p.Message = c.sanitizer.Sanitize(p.Message)
			ev.Progress = &p
		}
		if sess.Apply(ev) {
			emit(nil)
		}

	case syncproto.EventNetwork:
		if ev.Network == nil {
			return
		}
		wait, started := c.monitor.Observe(in.Account.ID, *ev.Network)
		changed := sess.Apply(ev)
		if started {
			c.metrics.RecordRateLimitWait(wait.TotalSeconds)
			c.logger.Info("レート制限により待機しています",
				slog.String("account_id", in.Account.ID),
				slog.String("kind", string(ev.Network.Kind)),
				slog.Float64("seconds", wait.TotalSeconds),
			)
			emit(&wait)
			return
		}
		if changed {
			emit(nil)
		}

	case syncproto.EventComplete:
		if !sess.Apply(ev) {
			return
		}
		c.fillSummary(out, in, sess.Summary())

	case syncproto.EventError:
		if !sess.Apply(ev) {
			return
		}
		out.Error = c.vendorError(sess.Failure())
	}
}

// finishOnReadError は読み取りエラーでセッションを終了させる。
func (c *Controller) finishOnReadError(ctx, streamCtx context.Context, sess *Session, out *model.AccountOutcome, err error) {
	switch {
	case ctx.Err() != nil:
		sess.Cancel()
	case errors.Is(err, io.EOF):
		sess.Fail()
		out.Error = &model.SyncError{
			Kind:    model.KindProtocol,
			Message: "終端イベントを受信する前にストリームが終了しました",
		}
	case streamCtx.Err() != nil:
		sess.Fail()
		out.Error = &model.SyncError{
			Kind:    model.KindNetwork,
			Message: fmt.Sprintf("ストリームが%vを超えたため中断しました", c.streamTimeout),
			Err:     streamCtx.Err(),
		}
	default:
		sess.Fail()
		out.Error = &model.SyncError{
			Kind:    model.KindNetwork,
			Message: "ストリームの読み取りに失敗しました",
			Err:     err,
		}
	}
}

// transportError はリクエスト開始時のエラーをSyncErrorに変換する。
func (c *Controller) transportError(err error) *model.SyncError {
	if se, ok := model.AsSyncError(err); ok {
		cp := *se
		cp.Message = c.sanitizer.Sanitize(cp.Message)
		cp.Hint = c.sanitizer.Sanitize(cp.Hint)
		return &cp
	}
	return &model.SyncError{
		Kind:    model.KindNetwork,
		Message: "同期エンドポイントへの接続に失敗しました",
		Err:     err,
	}
}

// vendorError はerrorイベントをSyncErrorに変換する。
// kindがCONCURRENCY_ERRORの場合のみ同時実行エラーとして区別する。
func (c *Controller) vendorError(e *syncproto.Error) *model.SyncError {
	se := &model.SyncError{
		Kind:       model.KindVendor,
		Message:    c.sanitizer.Sanitize(e.Message),
		Hint:       c.sanitizer.Sanitize(e.Hint),
		VendorKind: e.Kind,
	}
	if e.Kind == string(model.KindConcurrency) {
		se.Kind = model.KindConcurrency
	}
	if se.Message == "" {
		se.Message = "取引元で同期に失敗しました"
	}
	return se
}

// fillSummary はcompleteイベントの集計を結果に反映する。
// 日付が欠けている場合は開始日から今日までをカバー範囲とする。
func (c *Controller) fillSummary(out *model.AccountOutcome, in SessionInput, sum *syncproto.Summary) {
	loc := in.StartDate.Location()
	today := c.now().In(loc)
	out.Covered = model.DateRange{
		From: in.StartDate,
		To:   time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, loc),
	}
	if sum == nil {
		return
	}

	out.Saved = sum.Saved
	out.Duplicates = sum.Duplicates
	out.Updated = sum.Updated
	if len(sum.Cards) > 0 {
		out.Cards = make(map[string]int, len(sum.Cards))
		for _, card := range sum.Cards {
			out.Cards[card.Last4] += card.Count
		}
	}
	if t, err := time.ParseInLocation(dateLayout, sum.StartDate, loc); err == nil {
		out.Covered.From = t
	}
	if t, err := time.ParseInLocation(dateLayout, sum.EndDate, loc); err == nil {
		out.Covered.To = t
	}
}

// record はセッション結果をメトリクスとログに記録する。
func (c *Controller) record(out model.AccountOutcome) {
	c.metrics.RecordSessionOutcome(out.Vendor, out.State)
	c.metrics.RecordSessionDuration(out.Duration)

	attrs := []any{
		slog.String("account_id", out.AccountID),
		slog.String("vendor", out.Vendor),
		slog.String("state", string(out.State)),
		slog.Float64("percent", out.LastPercent),
		slog.Float64("duration_ms", float64(out.Duration.Milliseconds())),
	}

	switch out.State {
	case model.SessionCompleted:
		c.metrics.RecordTransactions(out.Saved, out.Duplicates, out.Updated)
		c.logger.Info("同期セッションが完了しました", append(attrs,
			slog.Int("saved", out.Saved),
			slog.Int("duplicates", out.Duplicates),
			slog.Int("updated", out.Updated),
		)...)
	case model.SessionFailed:
		if out.Error != nil {
			attrs = append(attrs,
				slog.String("kind", string(out.Error.Kind)),
				slog.String("error", out.Error.Error()),
			)
		}
		c.logger.Warn("同期セッションが失敗しました", attrs...)
	case model.SessionCancelled:
		c.logger.Info("同期セッションがキャンセルされました", attrs...)
	}
}
