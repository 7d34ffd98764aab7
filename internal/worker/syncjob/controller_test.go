package syncjob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/hitoshi/finsync/internal/model"
	"github.com/hitoshi/finsync/internal/syncclient"
)

func newTestController(t *testing.T, streamer Streamer, m *mockMetrics) (*Controller, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	c := NewController(streamer, NewWaitMonitor(fixedNow), nil, m, newTestLogger(&buf), 0)
	c.now = fixedNow
	return c, &buf
}

func testInput() SessionInput {
	return SessionInput{
		RunID:     "run-1",
		Account:   model.Account{ID: "acc-1", Vendor: "isracard", Nickname: "メインカード"},
		StartDate: day("2025-05-01"),
		Index:     1,
		Total:     1,
	}
}

// recorder は進捗通知を記録する。
type recorder struct {
	mu     sync.Mutex
	events []Progress
}

func (r *recorder) notify(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, p)
}

func (r *recorder) states() []model.SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.SessionState
	for _, e := range r.events {
		out = append(out, e.State)
	}
	return out
}

func TestController_Run_Completes(t *testing.T) {
	m := newMockMetrics()
	c, _ := newTestController(t, streamOf(progressFrame(10), progressFrame(60), completeFrame), m)

	var rec recorder
	out := c.Run(context.Background(), testInput(), rec.notify)

	if out.State != model.SessionCompleted {
		t.Fatalf("State = %q, want completed (error=%v)", out.State, out.Error)
	}
	if out.Saved != 5 || out.Duplicates != 1 || out.Updated != 2 {
		t.Errorf("件数が不正: %+v", out)
	}
	if out.Cards["1234"] != 4 || out.Cards["5678"] != 1 {
		t.Errorf("Cards = %v", out.Cards)
	}
	if !out.Covered.From.Equal(day("2025-05-01")) || !out.Covered.To.Equal(day("2025-06-14")) {
		t.Errorf("Covered = %+v", out.Covered)
	}
	if out.LastPercent != 100 {
		t.Errorf("LastPercent = %v, want 100", out.LastPercent)
	}
	if m.outcomes[model.SessionCompleted] != 1 || m.saved != 5 {
		t.Errorf("メトリクスが記録されていない: %+v", m.outcomes)
	}

	states := rec.states()
	if states[0] != model.SessionStarting || states[len(states)-1] != model.SessionCompleted {
		t.Errorf("通知された状態列 = %v", states)
	}
	for _, e := range rec.events {
		if e.AccountID != "acc-1" || e.RunID != "run-1" || e.Index != 1 || e.Total != 1 {
			t.Errorf("通知の識別情報が不正: %+v", e)
		}
	}
}

func TestController_Run_MonotonicProgressNotifications(t *testing.T) {
	c, _ := newTestController(t, streamOf(progressFrame(10), progressFrame(40), progressFrame(30), progressFrame(70), completeFrame), newMockMetrics())

	var rec recorder
	c.Run(context.Background(), testInput(), rec.notify)

	prev := -1.0
	for _, e := range rec.events {
		if e.Percent < prev {
			t.Fatalf("進捗率が減少した: %v -> %v", prev, e.Percent)
		}
		prev = e.Percent
	}
	if prev != 100 {
		t.Errorf("最後の進捗率 = %v, want 100", prev)
	}
}

func TestController_Run_SkipsMalformedFrame(t *testing.T) {
	m := newMockMetrics()
	c, buf := newTestController(t, streamOf(
		progressFrame(10),
		"event: progress\ndata: {not json\n\n",
		progressFrame(20),
		completeFrame,
	), m)

	var rec recorder
	out := c.Run(context.Background(), testInput(), rec.notify)

	if out.State != model.SessionCompleted {
		t.Fatalf("不正なフレームでセッションを終了してはならない: State = %q", out.State)
	}
	if m.frameErrors != 1 {
		t.Errorf("frameErrors = %d, want 1", m.frameErrors)
	}
	if !strings.Contains(buf.String(), "不正なフレームをスキップしました") {
		t.Error("不正なフレームはWARNログに記録されるべき")
	}

	var percents []float64
	for _, e := range rec.events {
		if e.State == model.SessionRunning {
			percents = append(percents, e.Percent)
		}
	}
	if len(percents) != 2 || percents[0] != 10 || percents[1] != 20 {
		t.Errorf("両方の正しいprogressが処理されるべき: %v", percents)
	}
}

func TestController_Run_StreamEndsWithoutTerminal(t *testing.T) {
	c, _ := newTestController(t, streamOf(progressFrame(10)), newMockMetrics())

	out := c.Run(context.Background(), testInput(), nil)

	if out.State != model.SessionFailed {
		t.Fatalf("State = %q, want failed", out.State)
	}
	if out.Error == nil || out.Error.Kind != model.KindProtocol {
		t.Errorf("Error = %v, want PROTOCOL_ERROR", out.Error)
	}
}

func TestController_Run_VendorError(t *testing.T) {
	c, _ := newTestController(t, streamOf(
		progressFrame(10),
		frame("error", `{"message":"<b>ログインに失敗しました</b>","kind":"INVALID_PASSWORD","hint":"パスワードを確認してください"}`),
		progressFrame(90),
	), newMockMetrics())

	out := c.Run(context.Background(), testInput(), nil)

	if out.State != model.SessionFailed {
		t.Fatalf("State = %q, want failed", out.State)
	}
	if out.Error.Kind != model.KindVendor || out.Error.VendorKind != "INVALID_PASSWORD" {
		t.Errorf("Error = %+v", out.Error)
	}
	if out.Error.Message != "ログインに失敗しました" {
		t.Errorf("HTMLが除去されていない: %q", out.Error.Message)
	}
	if out.LastPercent != 10 {
		t.Errorf("終端後のprogressが反映された: LastPercent = %v", out.LastPercent)
	}
}

func TestController_Run_ConcurrencyErrorEvent(t *testing.T) {
	c, _ := newTestController(t, streamOf(
		frame("error", `{"message":"already running","kind":"CONCURRENCY_ERROR"}`),
	), newMockMetrics())

	out := c.Run(context.Background(), testInput(), nil)

	if !errors.Is(out.Error, model.ErrConcurrency) {
		t.Errorf("Error = %v, want CONCURRENCY_ERROR", out.Error)
	}
}

func TestController_Run_ConcurrencyOnStart(t *testing.T) {
	streamer := &mockStreamer{
		startSyncFunc: func(ctx context.Context, req syncclient.Request) (io.ReadCloser, error) {
			return nil, &model.SyncError{Kind: model.KindConcurrency, Message: "session active", StatusCode: 409}
		},
	}
	c, _ := newTestController(t, streamer, newMockMetrics())

	out := c.Run(context.Background(), testInput(), nil)

	if out.State != model.SessionFailed || !errors.Is(out.Error, model.ErrConcurrency) {
		t.Errorf("State = %q, Error = %v", out.State, out.Error)
	}
}

func TestController_Run_TransportError(t *testing.T) {
	streamer := &mockStreamer{
		startSyncFunc: func(ctx context.Context, req syncclient.Request) (io.ReadCloser, error) {
			return nil, errors.New("dial tcp: connection refused")
		},
	}
	c, _ := newTestController(t, streamer, newMockMetrics())

	out := c.Run(context.Background(), testInput(), nil)

	if out.State != model.SessionFailed || !errors.Is(out.Error, model.ErrNetwork) {
		t.Errorf("State = %q, Error = %v", out.State, out.Error)
	}
}

func TestController_Run_UntaggedTerminator(t *testing.T) {
	c, _ := newTestController(t, streamOf(
		progressFrame(50),
		frame("", `{"success":true,"summary":{"savedTransactions":7}}`),
	), newMockMetrics())

	out := c.Run(context.Background(), testInput(), nil)

	if out.State != model.SessionCompleted || out.Saved != 7 {
		t.Errorf("State = %q, Saved = %d", out.State, out.Saved)
	}
	// 日付がない場合は開始日から今日まで
	if !out.Covered.From.Equal(day("2025-05-01")) || !out.Covered.To.Equal(day("2025-06-15")) {
		t.Errorf("Covered = %+v", out.Covered)
	}
}

func TestController_Run_PassesRequest(t *testing.T) {
	var got syncclient.Request
	streamer := &mockStreamer{
		startSyncFunc: func(ctx context.Context, req syncclient.Request) (io.ReadCloser, error) {
			got = req
			return io.NopCloser(strings.NewReader(completeFrame)), nil
		},
	}
	c, _ := newTestController(t, streamer, newMockMetrics())

	in := testInput()
	in.Options = syncclient.Options{CombineInstallments: true, FutureMonths: 2}
	c.Run(context.Background(), in, nil)

	if got.AccountID != "acc-1" || got.Vendor != "isracard" || !got.StartDate.Equal(day("2025-05-01")) || got.Options.FutureMonths != 2 {
		t.Errorf("Request = %+v", got)
	}
}

func TestController_Run_RateLimitWait(t *testing.T) {
	m := newMockMetrics()
	c, _ := newTestController(t, streamOf(
		progressFrame(10),
		frame("network", `{"kind":"rateLimitWait","seconds":30,"message":"待機中"}`),
		frame("network", `{"kind":"request"}`),
		progressFrame(50),
		frame("network", `{"kind":"retryWait","seconds":5}`),
		completeFrame,
	), m)

	var rec recorder
	var sawWaitInMonitor bool
	out := c.Run(context.Background(), testInput(), func(p Progress) {
		rec.notify(p)
		if p.Wait != nil {
			if w, ok := c.Monitor().Current(); ok && w.TotalSeconds == p.Wait.TotalSeconds {
				sawWaitInMonitor = true
			}
		}
	})

	if out.State != model.SessionCompleted {
		t.Fatalf("State = %q", out.State)
	}
	if !sawWaitInMonitor {
		t.Error("待機中はモニターに待機が設定されるべき")
	}

	var waits int
	for _, e := range rec.events {
		if e.State == model.SessionWaitingBackoff && e.Wait != nil {
			waits++
		}
	}
	if waits != 2 {
		t.Errorf("待機通知数 = %d, want 2", waits)
	}
	if len(m.waits) != 2 || m.waits[0] != 30 {
		t.Errorf("待機メトリクス = %v", m.waits)
	}
	if _, ok := c.Monitor().Current(); ok {
		t.Error("セッション終了後は待機が解除されるべき")
	}
}

func TestController_Run_CancelMidStream(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	streamer := &mockStreamer{
		startSyncFunc: func(ctx context.Context, req syncclient.Request) (io.ReadCloser, error) {
			return pr, nil
		},
	}
	c, _ := newTestController(t, streamer, newMockMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_, _ = pw.Write([]byte(progressFrame(30)))
	}()

	out := c.Run(ctx, testInput(), func(p Progress) {
		// Running状態の通知を受けたら中断する
		if p.State == model.SessionRunning {
			cancel()
		}
	})

	if out.State != model.SessionCancelled {
		t.Fatalf("State = %q, want cancelled", out.State)
	}
	if out.Error != nil {
		t.Errorf("キャンセルはエラーとして記録してはならない: %v", out.Error)
	}
	if out.LastPercent != 30 {
		t.Errorf("LastPercent = %v, want 30", out.LastPercent)
	}
}

func TestController_Run_CancelIgnoresBufferedFrames(t *testing.T) {
	m := newMockMetrics()
	c, _ := newTestController(t, streamOf(progressFrame(30), progressFrame(60), completeFrame), m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := c.Run(ctx, testInput(), func(p Progress) {
		if p.State == model.SessionRunning {
			cancel()
		}
	})

	if out.State != model.SessionCancelled {
		t.Fatalf("State = %q, want cancelled", out.State)
	}
	if out.LastPercent != 30 {
		t.Errorf("LastPercent = %v, want 30", out.LastPercent)
	}
	if out.Saved != 0 || m.saved != 0 {
		t.Errorf("キャンセル後のフレームが反映された: saved = %d, metrics = %d", out.Saved, m.saved)
	}
	if m.outcomes[model.SessionCompleted] != 0 || m.outcomes[model.SessionCancelled] != 1 {
		t.Errorf("outcomes = %v", m.outcomes)
	}
}

func TestController_Run_AlreadyCancelled(t *testing.T) {
	called := false
	streamer := &mockStreamer{
		startSyncFunc: func(ctx context.Context, req syncclient.Request) (io.ReadCloser, error) {
			called = true
			return io.NopCloser(strings.NewReader(completeFrame)), nil
		},
	}
	c, _ := newTestController(t, streamer, newMockMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := c.Run(ctx, testInput(), nil)
	if out.State != model.SessionCancelled {
		t.Errorf("State = %q, want cancelled", out.State)
	}
	if called {
		t.Error("キャンセル済みの場合はリクエストを発行してはならない")
	}
}
