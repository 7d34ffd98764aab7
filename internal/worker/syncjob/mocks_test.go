package syncjob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/finsync/internal/model"
	"github.com/hitoshi/finsync/internal/notify"
	"github.com/hitoshi/finsync/internal/syncclient"
)

// --- モック定義 ---

// mockStreamer はStreamerのテスト用モック。
type mockStreamer struct {
	startSyncFunc func(ctx context.Context, req syncclient.Request) (io.ReadCloser, error)
}

func (m *mockStreamer) StartSync(ctx context.Context, req syncclient.Request) (io.ReadCloser, error) {
	if m.startSyncFunc != nil {
		return m.startSyncFunc(ctx, req)
	}
	return io.NopCloser(strings.NewReader("")), nil
}

// streamOf は固定のストリームを返すStreamerを生成する。
func streamOf(frames ...string) *mockStreamer {
	body := strings.Join(frames, "")
	return &mockStreamer{
		startSyncFunc: func(ctx context.Context, req syncclient.Request) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(body)), nil
		},
	}
}

func frame(tag, data string) string {
	if tag == "" {
		return fmt.Sprintf("data: %s\n\n", data)
	}
	return fmt.Sprintf("event: %s\ndata: %s\n\n", tag, data)
}

func progressFrame(percent float64) string {
	return frame("progress", fmt.Sprintf(`{"step":"scrape","message":"取得中","percent":%g,"success":null}`, percent))
}

const completeFrame = "event: complete\ndata: {\"summary\":{\"savedTransactions\":5,\"duplicateTransactions\":1,\"updatedTransactions\":2,\"cards\":[{\"last4\":\"1234\",\"count\":4},{\"last4\":\"5678\",\"count\":1}],\"startDate\":\"2025-05-01\",\"endDate\":\"2025-06-14\"}}\n\n"

// mockMetrics はSyncMetricsのテスト用モック。
type mockMetrics struct {
	mu          sync.Mutex
	outcomes    map[model.SessionState]int
	frameErrors int
	waits       []float64
	runs        []model.RunStatus
	saved       int
	resolved    map[model.ResolutionAction]int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{
		outcomes: map[model.SessionState]int{},
		resolved: map[model.ResolutionAction]int{},
	}
}

func (m *mockMetrics) RecordSessionOutcome(vendor string, state model.SessionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[state]++
}

func (m *mockMetrics) RecordSessionDuration(time.Duration) {}

func (m *mockMetrics) RecordTransactions(saved, duplicates, updated int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved += saved
}

func (m *mockMetrics) RecordFrameError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frameErrors++
}

func (m *mockMetrics) RecordRateLimitWait(seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waits = append(m.waits, seconds)
}

func (m *mockMetrics) RecordRun(status model.RunStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, status)
}

func (m *mockMetrics) RecordDuplicatesResolved(action model.ResolutionAction, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolved[action] += count
}

// mockRunner はSessionRunnerのテスト用モック。
type mockRunner struct {
	runFunc func(ctx context.Context, in SessionInput, notify ProgressFunc) model.AccountOutcome
}

func (m *mockRunner) Run(ctx context.Context, in SessionInput, notify ProgressFunc) model.AccountOutcome {
	if m.runFunc != nil {
		return m.runFunc(ctx, in, notify)
	}
	return model.AccountOutcome{AccountID: in.Account.ID, State: model.SessionCompleted}
}

// mockLastDates はLastDateSourceのテスト用モック。
type mockLastDates struct {
	lastTransactionDateFunc func(ctx context.Context, accountID, vendor string) (*time.Time, error)
}

func (m *mockLastDates) LastTransactionDate(ctx context.Context, accountID, vendor string) (*time.Time, error) {
	if m.lastTransactionDateFunc != nil {
		return m.lastTransactionDateFunc(ctx, accountID, vendor)
	}
	return nil, nil
}

// mockReportStore はReportStoreのテスト用モック。
type mockReportStore struct {
	mu      sync.Mutex
	reports []*model.SessionReport
	synced  []string
	saveErr error
}

func (m *mockReportStore) SaveReport(ctx context.Context, report *model.SessionReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	m.reports = append(m.reports, report)
	return m.saveErr
}

func (m *mockReportStore) MarkSynced(ctx context.Context, accountID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	m.synced = append(m.synced, accountID)
	return nil
}

// mockPublisher はnotify.Publisherのテスト用モック。
type mockPublisher struct {
	mu      sync.Mutex
	changes []notify.Change
}

func (m *mockPublisher) Publish(change notify.Change) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes = append(m.changes, change)
}

// mockForceStopper はForceStopperのテスト用モック。
type mockForceStopper struct {
	calls        int
	forceStopErr error
}

func (m *mockForceStopper) ForceStop(ctx context.Context) error {
	m.calls++
	return m.forceStopErr
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// fixedNow は2025-06-15 10:00 UTCを返す。
func fixedNow() time.Time {
	return time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
}

func day(s string) time.Time {
	t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		panic(err)
	}
	return t
}
