package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/hitoshi/finsync/internal/model"
)

// findMetric はレジストリから指定名のメトリクスファミリーを取得する。
func findMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("%s metric not found", name)
	return nil
}

// labelValue はメトリクスから指定ラベルの値を返す。
func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordSessionOutcome_LabelsByVendorAndState はベンダーと状態のラベルで集計されることを検証する。
func TestRecordSessionOutcome_LabelsByVendorAndState(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSessionOutcome("max", model.SessionCompleted)
	c.RecordSessionOutcome("max", model.SessionCompleted)
	c.RecordSessionOutcome("isracard", model.SessionFailed)

	mf := findMetric(t, reg, "finsync_sync_sessions_total")
	if len(mf.GetMetric()) != 2 {
		t.Fatalf("expected 2 label combinations, got %d", len(mf.GetMetric()))
	}
	for _, m := range mf.GetMetric() {
		val := m.GetCounter().GetValue()
		switch labelValue(m, "vendor") {
		case "max":
			if labelValue(m, "state") != "completed" || val != 2 {
				t.Errorf("max: state=%s value=%v, want completed 2", labelValue(m, "state"), val)
			}
		case "isracard":
			if labelValue(m, "state") != "failed" || val != 1 {
				t.Errorf("isracard: state=%s value=%v, want failed 1", labelValue(m, "state"), val)
			}
		}
	}
}

// TestRecordTransactions_AddsPerResult は結果別の取引件数が加算されることを検証する。
func TestRecordTransactions_AddsPerResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordTransactions(10, 2, 1)
	c.RecordTransactions(5, 0, 0)

	want := map[string]float64{"saved": 15, "duplicate": 2, "updated": 1}
	mf := findMetric(t, reg, "finsync_transactions_total")
	for _, m := range mf.GetMetric() {
		result := labelValue(m, "result")
		if got := m.GetCounter().GetValue(); got != want[result] {
			t.Errorf("transactions_total{result=%s} = %v, want %v", result, got, want[result])
		}
	}
}

// TestRecordRateLimitWait_CountsAndSums は待機回数と待機秒数が記録されることを検証する。
func TestRecordRateLimitWait_CountsAndSums(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRateLimitWait(30)
	c.RecordRateLimitWait(12.5)

	if got := findMetric(t, reg, "finsync_rate_limit_waits_total").GetMetric()[0].GetCounter().GetValue(); got != 2 {
		t.Errorf("rate_limit_waits_total = %v, want 2", got)
	}
	if got := findMetric(t, reg, "finsync_rate_limit_wait_seconds_total").GetMetric()[0].GetCounter().GetValue(); got != 42.5 {
		t.Errorf("rate_limit_wait_seconds_total = %v, want 42.5", got)
	}
}

// TestRecordSessionDuration_ObservesHistogram はセッション所要時間がヒストグラムに記録されることを検証する。
func TestRecordSessionDuration_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSessionDuration(45 * time.Second)

	h := findMetric(t, reg, "finsync_sync_session_duration_seconds").GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 1 {
		t.Errorf("sample_count = %d, want 1", h.GetSampleCount())
	}
	if h.GetSampleSum() != 45 {
		t.Errorf("sample_sum = %v, want 45", h.GetSampleSum())
	}
}

// TestRecordRunAndDuplicates は実行分類と重複解決数が記録されることを検証する。
func TestRecordRunAndDuplicates(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRun(model.RunPartial)
	c.RecordFrameError()
	c.RecordDuplicatesResolved(model.ResolutionKeepFirst, 3)

	run := findMetric(t, reg, "finsync_sync_runs_total").GetMetric()[0]
	if labelValue(run, "status") != "partial" || run.GetCounter().GetValue() != 1 {
		t.Errorf("sync_runs_total = %v (%s), want 1 (partial)", run.GetCounter().GetValue(), labelValue(run, "status"))
	}
	if got := findMetric(t, reg, "finsync_protocol_frame_errors_total").GetMetric()[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("protocol_frame_errors_total = %v, want 1", got)
	}
	dup := findMetric(t, reg, "finsync_duplicates_resolved_total").GetMetric()[0]
	if labelValue(dup, "action") != "keep_first" || dup.GetCounter().GetValue() != 3 {
		t.Errorf("duplicates_resolved_total = %v (%s), want 3 (keep_first)", dup.GetCounter().GetValue(), labelValue(dup, "action"))
	}
}

// TestNop_DoesNotPanic はNopが全メソッドを安全に受け付けることを検証する。
func TestNop_DoesNotPanic(t *testing.T) {
	m := Nop()
	m.RecordSessionOutcome("max", model.SessionCompleted)
	m.RecordSessionDuration(time.Second)
	m.RecordTransactions(1, 2, 3)
	m.RecordFrameError()
	m.RecordRateLimitWait(1)
	m.RecordRun(model.RunSuccess)
	m.RecordDuplicatesResolved(model.ResolutionNotDuplicate, 1)
}
