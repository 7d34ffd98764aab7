package handler

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/finsync/internal/model"
	"github.com/hitoshi/finsync/internal/worker/syncjob"
)

// --- モック定義 ---

// mockSyncRunner はSyncRunnerのモック実装。
type mockSyncRunner struct {
	runFn       func(ctx context.Context, accounts []model.Account, opts syncjob.RunOptions, onProgress syncjob.ProgressFunc) (*model.SessionReport, error)
	forceStopFn func(ctx context.Context, confirmed bool) error
}

func (m *mockSyncRunner) Run(ctx context.Context, accounts []model.Account, opts syncjob.RunOptions, onProgress syncjob.ProgressFunc) (*model.SessionReport, error) {
	if m.runFn != nil {
		return m.runFn(ctx, accounts, opts, onProgress)
	}
	return &model.SessionReport{RunID: "run-1", Status: model.RunSuccess}, nil
}

func (m *mockSyncRunner) ForceStop(ctx context.Context, confirmed bool) error {
	if m.forceStopFn != nil {
		return m.forceStopFn(ctx, confirmed)
	}
	return nil
}

// mockWaitSource はWaitSourceのモック実装。
type mockWaitSource struct {
	wait   *syncjob.Wait
	nowVal time.Time
}

func (m *mockWaitSource) Current() (syncjob.Wait, bool) {
	if m.wait == nil {
		return syncjob.Wait{}, false
	}
	return *m.wait, true
}

func (m *mockWaitSource) Now() time.Time {
	return m.nowVal
}

// mockAccountFinder はAccountFinderのモック実装。
type mockAccountFinder struct {
	listActiveFn func(ctx context.Context) ([]model.Account, error)
	findByIDsFn  func(ctx context.Context, ids []string) ([]model.Account, error)
}

func (m *mockAccountFinder) ListActive(ctx context.Context) ([]model.Account, error) {
	if m.listActiveFn != nil {
		return m.listActiveFn(ctx)
	}
	return []model.Account{{ID: "acct-1", Vendor: "visaCal", Active: true}}, nil
}

func (m *mockAccountFinder) FindByIDs(ctx context.Context, ids []string) ([]model.Account, error) {
	if m.findByIDsFn != nil {
		return m.findByIDsFn(ctx, ids)
	}
	return nil, nil
}

// mockRunHistory はRunHistoryのモック実装。
type mockRunHistory struct {
	listRecentFn func(ctx context.Context, limit int) ([]model.SessionReport, error)
	findByIDFn   func(ctx context.Context, runID string) (*model.SessionReport, error)
}

func (m *mockRunHistory) ListRecent(ctx context.Context, limit int) ([]model.SessionReport, error) {
	if m.listRecentFn != nil {
		return m.listRecentFn(ctx, limit)
	}
	return nil, nil
}

func (m *mockRunHistory) FindByID(ctx context.Context, runID string) (*model.SessionReport, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, runID)
	}
	return nil, nil
}

// mockDuplicateService はDuplicateServiceのモック実装。
type mockDuplicateService struct {
	listFn        func(ctx context.Context) ([]model.DuplicatePair, error)
	resolveFn     func(ctx context.Context, pairID string, action model.ResolutionAction) error
	autoResolveFn func(ctx context.Context, dryRun bool) (int, error)
	detectFn      func(ctx context.Context) (int, error)
}

func (m *mockDuplicateService) List(ctx context.Context) ([]model.DuplicatePair, error) {
	if m.listFn != nil {
		return m.listFn(ctx)
	}
	return nil, nil
}

func (m *mockDuplicateService) Resolve(ctx context.Context, pairID string, action model.ResolutionAction) error {
	if m.resolveFn != nil {
		return m.resolveFn(ctx, pairID, action)
	}
	return nil
}

func (m *mockDuplicateService) AutoResolve(ctx context.Context, dryRun bool) (int, error) {
	if m.autoResolveFn != nil {
		return m.autoResolveFn(ctx, dryRun)
	}
	return 0, nil
}

func (m *mockDuplicateService) Detect(ctx context.Context) (int, error) {
	if m.detectFn != nil {
		return m.detectFn(ctx)
	}
	return 0, nil
}

// mockPinger はPingerのモック実装。
type mockPinger struct {
	err error
}

func (m *mockPinger) PingContext(ctx context.Context) error {
	return m.err
}

// --- ヘルパー ---

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}
