package report

import (
	"reflect"
	"testing"
	"time"

	"github.com/hitoshi/finsync/internal/model"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestAggregator_SumsTotalsAndMergesCards(t *testing.T) {
	start := day("2025-06-15")
	a := NewAggregator("run-1", start)

	a.Add(model.AccountOutcome{
		AccountID: "A", State: model.SessionCompleted,
		Saved: 10, Duplicates: 2, Updated: 1,
		Cards:   map[string]int{"1234": 6, "5678": 4},
		Covered: model.DateRange{From: day("2025-05-01"), To: day("2025-06-10")},
	})
	a.Add(model.AccountOutcome{
		AccountID: "B", State: model.SessionCompleted,
		Saved: 5, Duplicates: 1,
		Cards:   map[string]int{"1234": 5},
		Covered: model.DateRange{From: day("2025-04-20"), To: day("2025-06-15")},
	})

	r := a.Finish(start.Add(time.Minute), false)

	if r.TotalSaved != 15 || r.TotalDuplicates != 3 || r.TotalUpdated != 1 {
		t.Errorf("合計が不正: saved=%d duplicates=%d updated=%d", r.TotalSaved, r.TotalDuplicates, r.TotalUpdated)
	}
	if r.Cards["1234"] != 11 || r.Cards["5678"] != 4 {
		t.Errorf("カード別集計が不正: %v", r.Cards)
	}
	if !r.Covered.From.Equal(day("2025-04-20")) || !r.Covered.To.Equal(day("2025-06-15")) {
		t.Errorf("カバー範囲が不正: %v - %v", r.Covered.From, r.Covered.To)
	}
	if r.Status != model.RunSuccess {
		t.Errorf("Status = %q, want success", r.Status)
	}
	if r.Duration != time.Minute {
		t.Errorf("Duration = %v, want 1m", r.Duration)
	}
}

func TestAggregator_Classification(t *testing.T) {
	tests := []struct {
		name      string
		states    []model.SessionState
		cancelled bool
		want      model.RunStatus
	}{
		{"全成功", []model.SessionState{model.SessionCompleted, model.SessionCompleted}, false, model.RunSuccess},
		{"混在", []model.SessionState{model.SessionCompleted, model.SessionFailed, model.SessionCompleted}, false, model.RunPartial},
		{"全失敗", []model.SessionState{model.SessionFailed, model.SessionFailed}, false, model.RunFailed},
		{"キャンセル", []model.SessionState{model.SessionCompleted, model.SessionCancelled}, true, model.RunCancelled},
		{"アカウントなし", nil, false, model.RunSuccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAggregator("run", time.Now())
			for i, s := range tt.states {
				a.Add(model.AccountOutcome{AccountID: string(rune('A' + i)), State: s})
			}
			if got := a.Finish(time.Now(), tt.cancelled).Status; got != tt.want {
				t.Errorf("Status = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAggregator_CancelledOutcomeIsNotAFailure(t *testing.T) {
	a := NewAggregator("run", time.Now())
	a.Add(model.AccountOutcome{AccountID: "A", State: model.SessionCompleted})
	a.Add(model.AccountOutcome{AccountID: "B", State: model.SessionCancelled})

	r := a.Finish(time.Now(), true)
	if r.Failed != 0 {
		t.Errorf("Failed = %d, キャンセルは失敗として数えてはならない", r.Failed)
	}
	if r.Succeeded != 1 {
		t.Errorf("Succeeded = %d, want 1", r.Succeeded)
	}
	if len(r.FailedAccountIDs) != 0 || len(r.RetryableAccountIDs) != 0 {
		t.Errorf("FailedAccountIDs = %v, RetryableAccountIDs = %v, want empty", r.FailedAccountIDs, r.RetryableAccountIDs)
	}
}

func TestAggregator_IgnoresOutcomesAfterFinish(t *testing.T) {
	a := NewAggregator("run", time.Now())
	a.Add(model.AccountOutcome{AccountID: "A", State: model.SessionCompleted, Saved: 3})
	first := a.Finish(time.Now(), false)

	if a.Add(model.AccountOutcome{AccountID: "B", State: model.SessionFailed, Saved: 9}) {
		t.Error("Finish後のAddはfalseを返すべき")
	}
	a.Halt("B")

	second := a.Finish(time.Now().Add(time.Hour), false)
	if len(second.Outcomes) != 1 || second.TotalSaved != 3 || second.ForceStopRequired {
		t.Errorf("Finish後にレポートが変更された: %+v", second)
	}
	if !second.FinishedAt.Equal(first.FinishedAt) {
		t.Error("FinishedAtは最初のFinishの値を保持すべき")
	}
}

func TestAggregator_HaltMarksForceStop(t *testing.T) {
	a := NewAggregator("run", time.Now())
	a.Add(model.AccountOutcome{AccountID: "A", State: model.SessionCompleted})
	a.Add(model.AccountOutcome{AccountID: "B", State: model.SessionFailed})
	a.Halt("B")

	r := a.Finish(time.Now(), false)
	if !r.ForceStopRequired || r.HaltedAccountID != "B" {
		t.Errorf("強制停止要求が記録されていない: %+v", r)
	}
	if r.Status != model.RunPartial {
		t.Errorf("Status = %q, want partial", r.Status)
	}
}

func TestAggregator_FinishReturnsIndependentCopy(t *testing.T) {
	a := NewAggregator("run", time.Now())
	a.Add(model.AccountOutcome{AccountID: "A", State: model.SessionCompleted, Cards: map[string]int{"1111": 1}})
	a.Add(model.AccountOutcome{AccountID: "B", State: model.SessionFailed})

	first := a.Finish(time.Now(), false)
	first.Cards["1111"] = 100
	first.Outcomes[0].AccountID = "X"
	first.FailedAccountIDs[0] = "X"

	r := a.Finish(time.Now(), false)
	if r.Cards["1111"] != 1 || r.Outcomes[0].AccountID != "A" || r.FailedAccountIDs[0] != "B" {
		t.Error("返されたレポートの変更が集約状態に影響してはならない")
	}
}

func TestAggregator_FailedAndRetryableAccounts(t *testing.T) {
	a := NewAggregator("run", time.Now())
	a.Add(model.AccountOutcome{AccountID: "A", State: model.SessionCompleted})
	a.Add(model.AccountOutcome{AccountID: "B", State: model.SessionFailed,
		Error: &model.SyncError{Kind: model.KindVendor, Message: "認証に失敗しました"}})
	a.Add(model.AccountOutcome{AccountID: "C", State: model.SessionFailed,
		Error: &model.SyncError{Kind: model.KindConfiguration, Message: "開始日が不正です"}})
	a.Add(model.AccountOutcome{AccountID: "D", State: model.SessionFailed,
		Error: &model.SyncError{Kind: model.KindConcurrency, Message: "既に同期中です"}})
	a.Add(model.AccountOutcome{AccountID: "E", State: model.SessionCancelled})

	r := a.Finish(time.Now(), false)
	if !reflect.DeepEqual(r.FailedAccountIDs, []string{"B", "C", "D"}) {
		t.Errorf("FailedAccountIDs = %v, want [B C D]", r.FailedAccountIDs)
	}
	if !reflect.DeepEqual(r.RetryableAccountIDs, []string{"B"}) {
		t.Errorf("RetryableAccountIDs = %v, want [B]", r.RetryableAccountIDs)
	}
}
