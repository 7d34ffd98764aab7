// Package report はアカウントごとの同期結果を実行レポートに集約する。
package report

import (
	"maps"
	"slices"
	"time"

	"github.com/hitoshi/finsync/internal/model"
)

// Aggregator はAccountOutcomeを順に畳み込み、SessionReportを構築する。
// オーケストレーターの単一の制御フローからのみ使用されるためロックは持たない。
type Aggregator struct {
	report   model.SessionReport
	finished bool
}

// NewAggregator は新しい実行レポートの集約を開始する。
func NewAggregator(runID string, startedAt time.Time) *Aggregator {
	return &Aggregator{
		report: model.SessionReport{
			RunID:     runID,
			StartedAt: startedAt,
			Outcomes:  []model.AccountOutcome{},
			Cards:     map[string]int{},
		},
	}
}

// Add は1アカウント分の結果を追加する。Finish後の追加は無視され、falseを返す。
func (a *Aggregator) Add(o model.AccountOutcome) bool {
	if a.finished {
		return false
	}
	r := &a.report
	r.Outcomes = append(r.Outcomes, o)

	switch o.State {
	case model.SessionCompleted:
		r.Succeeded++
	case model.SessionFailed:
		r.Failed++
		r.FailedAccountIDs = append(r.FailedAccountIDs, o.AccountID)
		if o.Error == nil || o.Error.Retryable() {
			r.RetryableAccountIDs = append(r.RetryableAccountIDs, o.AccountID)
		}
	}

	r.TotalSaved += o.Saved
	r.TotalDuplicates += o.Duplicates
	r.TotalUpdated += o.Updated
	for last4, n := range o.Cards {
		r.Cards[last4] += n
	}
	r.Covered = extend(r.Covered, o.Covered)
	return true
}

// Halt は同時実行エラーによって実行が停止したことを記録する。
func (a *Aggregator) Halt(accountID string) {
	if a.finished {
		return
	}
	a.report.ForceStopRequired = true
	a.report.HaltedAccountID = accountID
}

// Finish は集約を終了し、実行全体の分類を確定したレポートを返す。
// 以降のAdd/Haltはレポートに影響しない。
func (a *Aggregator) Finish(finishedAt time.Time, cancelled bool) model.SessionReport {
	if !a.finished {
		a.finished = true
		r := &a.report
		r.FinishedAt = finishedAt
		r.Duration = finishedAt.Sub(r.StartedAt)
		if cancelled {
			r.Status = model.RunCancelled
		} else {
			r.Status = Classify(r.Succeeded, r.Failed)
		}
	}
	return a.snapshot()
}

func (a *Aggregator) snapshot() model.SessionReport {
	r := a.report
	r.Outcomes = append([]model.AccountOutcome(nil), a.report.Outcomes...)
	r.Cards = maps.Clone(a.report.Cards)
	r.FailedAccountIDs = slices.Clone(a.report.FailedAccountIDs)
	r.RetryableAccountIDs = slices.Clone(a.report.RetryableAccountIDs)
	return r
}

// Classify は成功数と失敗数から実行全体の分類を返す。
// 1件も失敗がなければsuccess、1件も成功がなく失敗があればfailed、混在はpartial。
func Classify(succeeded, failed int) model.RunStatus {
	switch {
	case failed == 0:
		return model.RunSuccess
	case succeeded == 0:
		return model.RunFailed
	default:
		return model.RunPartial
	}
}

// extend は範囲curをaddを含むように広げる。
func extend(cur, add model.DateRange) model.DateRange {
	if add.IsZero() {
		return cur
	}
	if cur.IsZero() {
		return add
	}
	if !add.From.IsZero() && (cur.From.IsZero() || add.From.Before(cur.From)) {
		cur.From = add.From
	}
	if !add.To.IsZero() && add.To.After(cur.To) {
		cur.To = add.To
	}
	return cur
}
