// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/finsync/internal/model"
)

// SyncMetrics はメトリクス収集のインターフェース。
// 同期ワーカーや重複解決エンジンから利用する。
type SyncMetrics interface {
	RecordSessionOutcome(vendor string, state model.SessionState)
	RecordSessionDuration(duration time.Duration)
	RecordTransactions(saved, duplicates, updated int)
	RecordFrameError()
	RecordRateLimitWait(seconds float64)
	RecordRun(status model.RunStatus)
	RecordDuplicatesResolved(action model.ResolutionAction, count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	sessions        *prometheus.CounterVec
	sessionDuration prometheus.Histogram
	transactions    *prometheus.CounterVec
	frameErrors     prometheus.Counter
	rateLimitWaits  prometheus.Counter
	rateLimitWaited prometheus.Counter
	runs            *prometheus.CounterVec
	duplicates      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finsync_sync_sessions_total",
			Help: "終端状態別の同期セッション数",
		}, []string{"vendor", "state"}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "finsync_sync_session_duration_seconds",
			Help:    "同期セッションの所要時間（秒）",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finsync_transactions_total",
			Help: "同期結果別の取引件数",
		}, []string{"result"}),
		frameErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "finsync_protocol_frame_errors_total",
			Help: "読み飛ばした不正フレームの合計数",
		}),
		rateLimitWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "finsync_rate_limit_waits_total",
			Help: "取引元のレート制限・リトライ待機の発生回数",
		}),
		rateLimitWaited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "finsync_rate_limit_wait_seconds_total",
			Help: "取引元から通知された待機時間の合計（秒）",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finsync_sync_runs_total",
			Help: "分類別の同期実行数",
		}, []string{"status"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finsync_duplicates_resolved_total",
			Help: "アクション別の重複候補解決数",
		}, []string{"action"}),
	}

	reg.MustRegister(
		c.sessions,
		c.sessionDuration,
		c.transactions,
		c.frameErrors,
		c.rateLimitWaits,
		c.rateLimitWaited,
		c.runs,
		c.duplicates,
	)

	return c
}

// RecordSessionOutcome は同期セッションの終端状態を記録する。
func (c *Collector) RecordSessionOutcome(vendor string, state model.SessionState) {
	c.sessions.WithLabelValues(vendor, string(state)).Inc()
}

// RecordSessionDuration は同期セッションの所要時間を記録する。
func (c *Collector) RecordSessionDuration(duration time.Duration) {
	c.sessionDuration.Observe(duration.Seconds())
}

// RecordTransactions は保存・重複・更新の取引件数を記録する。
func (c *Collector) RecordTransactions(saved, duplicates, updated int) {
	c.transactions.WithLabelValues("saved").Add(float64(saved))
	c.transactions.WithLabelValues("duplicate").Add(float64(duplicates))
	c.transactions.WithLabelValues("updated").Add(float64(updated))
}

// RecordFrameError は不正フレームの読み飛ばしを記録する。
func (c *Collector) RecordFrameError() {
	c.frameErrors.Inc()
}

// RecordRateLimitWait はレート制限待機を記録する。
func (c *Collector) RecordRateLimitWait(seconds float64) {
	c.rateLimitWaits.Inc()
	c.rateLimitWaited.Add(seconds)
}

// RecordRun は同期実行の分類を記録する。
func (c *Collector) RecordRun(status model.RunStatus) {
	c.runs.WithLabelValues(string(status)).Inc()
}

// RecordDuplicatesResolved は重複候補の解決数を記録する。
func (c *Collector) RecordDuplicatesResolved(action model.ResolutionAction, count int) {
	c.duplicates.WithLabelValues(string(action)).Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop は何も記録しないSyncMetricsを返す。
func Nop() SyncMetrics {
	return nopCollector{}
}

type nopCollector struct{}

func (nopCollector) RecordSessionOutcome(string, model.SessionState) {}
func (nopCollector) RecordSessionDuration(time.Duration) {}
func (nopCollector) RecordTransactions(int, int, int) {}
func (nopCollector) RecordFrameError() {}
func (nopCollector) RecordRateLimitWait(float64) {}
func (nopCollector) RecordRun(model.RunStatus) {}
func (nopCollector) RecordDuplicatesResolved(model.ResolutionAction, int) {}

var (
	_ SyncMetrics = (*Collector)(nil)
	_ SyncMetrics = nopCollector{}
)
